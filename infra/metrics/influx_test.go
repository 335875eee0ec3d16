package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/crewcall/crewcall/core/metrics"
	"github.com/crewcall/crewcall/core/model"
)

func TestInfluxSink_RecordDelivery(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewInfluxSink(srv.URL, "token", "org", "bucket")
	defer sink.Close()
	now := time.Now()
	ev := coremetrics.DeliveryEvent{
		CampaignID: "cmp1",
		JobID:      "j1",
		ContactID:  "c1",
		Channel:    model.ChannelPush,
		Delivered:  true,
		Latency:    150 * time.Millisecond,
		Time:       now,
	}
	if err := sink.RecordDelivery([]coremetrics.DeliveryEvent{ev}); err != nil {
		t.Fatalf("record error: %v", err)
	}

	p := write.NewPointWithMeasurement("delivery_event").
		AddTag("campaign_id", "cmp1").
		AddTag("job_id", "j1").
		AddTag("contact_id", "c1").
		AddTag("channel", "push").
		AddTag("delivered", "true").
		AddTag("fallback", "false").
		AddTag("component", "delivery_router").
		AddField("latency_ms", 150.0).
		SetTime(now)
	expected := strings.TrimSpace(write.PointToLineProtocol(p, time.Nanosecond))
	if strings.TrimSpace(body) != expected {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestNewInfluxSinkWithFallback(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			called = true
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	sink := NewInfluxSinkWithFallback(srv.URL+"/api/v2/write", "tok", "org", "bucket")
	if _, ok := sink.(*InfluxSink); ok {
		t.Fatalf("expected NopSink on failing health check")
	}
	if !called {
		t.Fatalf("health endpoint not called")
	}
}
