package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"

	"github.com/crewcall/crewcall/core/gateway"
	"github.com/crewcall/crewcall/core/logger"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mu           sync.Mutex
	connectErr   error
	publishFails int
	publishes    []published
	disconnected bool
}

func (c *fakeClient) IsConnected() bool { return true }
func (c *fakeClient) Connect() paho.Token {
	return &fakeToken{err: c.connectErr}
}
func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}
func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishes = append(c.publishes, published{topic: topic, payload: payload.([]byte)})
	if c.publishFails > 0 {
		c.publishFails--
		return &fakeToken{err: errors.New("broker unavailable")}
	}
	return &fakeToken{}
}
func (c *fakeClient) Subscribe(string, byte, paho.MessageHandler) paho.Token {
	return &fakeToken{}
}

func (c *fakeClient) publishCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.publishes)
}

type fakeMessage struct {
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return "crew/ack" }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func ackPayload(notificationID string) []byte {
	return []byte(`{"notification_id":"` + notificationID + `"}`)
}

func testProvider(cli pahoClient, ackWait time.Duration) *MQTTProvider {
	return &MQTTProvider{
		cli:        cli,
		ackTopic:   "crew/ack",
		ackChans:   make(map[string]chan struct{}),
		log:        logger.NopLogger{},
		maxRetries: 2,
		backoff:    time.Millisecond,
		ackWait:    ackWait,
	}
}

func TestNewMQTTProviderConnectFailure(t *testing.T) {
	orig := newMQTTClient
	defer func() { newMQTTClient = orig }()
	newMQTTClient = func(*paho.ClientOptions) pahoClient {
		return &fakeClient{connectErr: errors.New("connection refused")}
	}

	_, err := NewMQTTProvider(MQTTConfig{Broker: "tcp://localhost:1883"}, nil)
	require.Error(t, err)
}

func TestNewMQTTProviderConnectsThroughSeam(t *testing.T) {
	orig := newMQTTClient
	defer func() { newMQTTClient = orig }()
	cli := &fakeClient{}
	newMQTTClient = func(*paho.ClientOptions) pahoClient { return cli }

	p, err := NewMQTTProvider(MQTTConfig{Broker: "tcp://localhost:1883"}, nil)
	require.NoError(t, err)

	p.Disconnect()
	require.True(t, cli.disconnected)
}

func TestSendDeliveredWhenDeviceAcksInWindow(t *testing.T) {
	cli := &fakeClient{}
	p := testProvider(cli, 2*time.Second)

	go func() {
		for cli.publishCount() == 0 {
			time.Sleep(time.Millisecond)
		}
		p.onAck(nil, fakeMessage{payload: ackPayload("n1")})
	}()

	delivered, err := p.Send(context.Background(), "tok-1", gateway.Notification{ID: "n1", Title: "Shift", Body: "Work tomorrow?"})
	require.NoError(t, err)
	require.True(t, delivered)
	require.Equal(t, "crew/device/tok-1/notify", cli.publishes[0].topic)

	var sent struct {
		NotificationID string `json:"notification_id"`
		Body           string `json:"body"`
	}
	require.NoError(t, json.Unmarshal(cli.publishes[0].payload, &sent))
	require.Equal(t, "n1", sent.NotificationID)
	require.Equal(t, "Work tomorrow?", sent.Body)
}

func TestSendUnconfirmedAfterAckWindow(t *testing.T) {
	cli := &fakeClient{}
	p := testProvider(cli, 10*time.Millisecond)

	delivered, err := p.Send(context.Background(), "tok-1", gateway.Notification{ID: "n1"})
	require.NoError(t, err)
	require.False(t, delivered)
	require.Equal(t, 1, cli.publishCount())
}

func TestSendRetriesTransientPublishFailure(t *testing.T) {
	cli := &fakeClient{publishFails: 2}
	p := testProvider(cli, 10*time.Millisecond)

	delivered, err := p.Send(context.Background(), "tok-1", gateway.Notification{ID: "n1"})
	require.NoError(t, err)
	require.False(t, delivered)
	require.Equal(t, 3, cli.publishCount())
}

func TestSendUnavailableAfterExhaustedRetries(t *testing.T) {
	cli := &fakeClient{publishFails: 10}
	p := testProvider(cli, 10*time.Millisecond)

	_, err := p.Send(context.Background(), "tok-1", gateway.Notification{ID: "n1"})
	require.ErrorIs(t, err, gateway.ErrGatewayUnavailable)
}

func TestSendRejectsEmptyToken(t *testing.T) {
	p := testProvider(&fakeClient{}, 10*time.Millisecond)
	_, err := p.Send(context.Background(), "", gateway.Notification{ID: "n1"})
	require.ErrorIs(t, err, gateway.ErrInvalidToken)
}

func TestLateAckIsForwardedToCallback(t *testing.T) {
	p := testProvider(&fakeClient{}, 10*time.Millisecond)
	var (
		mu  sync.Mutex
		got []string
	)
	p.OnAck = func(id string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, id)
	}

	// No Send is waiting on this id, so the ack goes to the callback.
	p.onAck(nil, fakeMessage{payload: ackPayload("n-late")})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"n-late"}, got)
}

func TestConcurrentSendsKeepAcksSeparate(t *testing.T) {
	cli := &fakeClient{}
	p := testProvider(cli, 2*time.Second)

	const n = 4
	results := make([]bool, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("n%d", i)
			results[i], errs[i] = p.Send(context.Background(), "tok-"+id, gateway.Notification{ID: id})
		}(i)
	}
	go func() {
		for cli.publishCount() < n {
			time.Sleep(time.Millisecond)
		}
		// Acknowledge only the even notifications.
		p.onAck(nil, fakeMessage{payload: ackPayload("n0")})
		p.onAck(nil, fakeMessage{payload: ackPayload("n2")})
	}()
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
	}

	require.True(t, results[0])
	require.False(t, results[1])
	require.True(t, results[2])
	require.False(t, results[3])
}
