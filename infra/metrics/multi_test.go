package metrics

import (
	"errors"
	"testing"

	coremetrics "github.com/crewcall/crewcall/core/metrics"
	"github.com/crewcall/crewcall/core/model"
)

type recordingSink struct {
	events []coremetrics.DeliveryEvent
	err    error
}

func (s *recordingSink) RecordDelivery(events []coremetrics.DeliveryEvent) error {
	s.events = append(s.events, events...)
	return s.err
}

func TestMultiSink_FansOut(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	sink := NewMultiSink(a, b)

	ev := []coremetrics.DeliveryEvent{{CampaignID: "cmp1", Channel: model.ChannelSMS}}
	if err := sink.RecordDelivery(ev); err != nil {
		t.Fatalf("record error: %v", err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("expected both sinks to record, got %d and %d", len(a.events), len(b.events))
	}
}

func TestMultiSink_ReturnsFirstError(t *testing.T) {
	boom := errors.New("boom")
	a := &recordingSink{err: boom}
	b := &recordingSink{}
	sink := NewMultiSink(a, b)

	if err := sink.RecordDelivery([]coremetrics.DeliveryEvent{{}}); !errors.Is(err, boom) {
		t.Errorf("expected first sink error, got %v", err)
	}
}
