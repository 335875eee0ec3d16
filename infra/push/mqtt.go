package push

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/crewcall/crewcall/core/gateway"
	"github.com/crewcall/crewcall/core/logger"
)

// PlatformMQTT is the registry name of the mobile-app provider.
const PlatformMQTT = "mqtt"

// MQTTConfig defines the connection parameters for the Paho MQTT client.
type MQTTConfig struct {
	Broker     string `json:"broker"`
	ClientID   string `json:"client_id"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	AckTopic   string `json:"ack_topic"`
	UseTLS     bool   `json:"use_tls"`
	ClientCert string `json:"client_cert"`
	ClientKey  string `json:"client_key"`
	CABundle   string `json:"ca_bundle"`
	QoS        byte   `json:"qos"`
	MaxRetries int    `json:"max_retries"`
	BackoffMS  int    `json:"backoff_ms"`
	// AckWaitMS bounds how long a send waits for the device to acknowledge
	// before the delivery is left to the fallback pass.
	AckWaitMS int `json:"ack_wait_ms"`

	TLSConfig *tls.Config `json:"-"`
}

// SetDefaults fills connection defaults.
func (c *MQTTConfig) SetDefaults() {
	if c.ClientID == "" {
		c.ClientID = "crewcall-dispatcher"
	}
	if c.AckTopic == "" {
		c.AckTopic = "crew/ack"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffMS <= 0 {
		c.BackoffMS = 100
	}
	if c.AckWaitMS <= 0 {
		c.AckWaitMS = 2000
	}
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c MQTTConfig) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// MQTTProvider delivers notifications over MQTT to the mobile app. The device
// token is the app's device identifier, used as the topic segment. Devices
// publish delivery acknowledgements on the shared ack topic; acks inside the
// wait window confirm synchronously, later ones are forwarded to OnAck.
type MQTTProvider struct {
	cli      pahoClient
	ackTopic string
	qos      byte

	mu       sync.Mutex
	ackChans map[string]chan struct{}

	// OnAck receives the notification id of acknowledgements arriving after
	// the send returned. Wiring points it at the delivery router.
	OnAck func(notificationID string)

	log        logger.Logger
	maxRetries int
	backoff    time.Duration
	ackWait    time.Duration
}

// NewMQTTProvider connects to the broker and subscribes to the ack topic.
func NewMQTTProvider(cfg MQTTConfig, log logger.Logger) (*MQTTProvider, error) {
	cfg.SetDefaults()
	if log == nil {
		log = logger.NopLogger{}
	}
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	p := &MQTTProvider{
		ackTopic:   cfg.AckTopic,
		qos:        cfg.QoS,
		ackChans:   make(map[string]chan struct{}),
		log:        log,
		maxRetries: cfg.MaxRetries,
		backoff:    time.Duration(cfg.BackoffMS) * time.Millisecond,
		ackWait:    time.Duration(cfg.AckWaitMS) * time.Millisecond,
	}
	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		if token := c.Subscribe(p.ackTopic, p.qos, p.onAck); token.Wait() && token.Error() != nil {
			log.Errorf("subscribe error: %v", token.Error())
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}

	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	p.cli = c
	return p, nil
}

func (p *MQTTProvider) onAck(_ paho.Client, msg paho.Message) {
	var m struct {
		NotificationID string `json:"notification_id"`
	}
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		p.log.Errorf("failed to decode ack: %v", err)
		return
	}
	p.mu.Lock()
	ch, waiting := p.ackChans[m.NotificationID]
	p.mu.Unlock()
	if waiting {
		select {
		case ch <- struct{}{}:
		default:
		}
		p.log.Debugf("received ack %s", m.NotificationID)
		return
	}
	if p.OnAck != nil {
		p.OnAck(m.NotificationID)
	}
}

// Send publishes the notification to the device topic and waits up to the ack
// window for the device's acknowledgement.
func (p *MQTTProvider) Send(ctx context.Context, token string, note gateway.Notification) (bool, error) {
	if token == "" {
		return false, gateway.ErrInvalidToken
	}
	payload, err := json.Marshal(struct {
		NotificationID string            `json:"notification_id"`
		Title          string            `json:"title"`
		Body           string            `json:"body"`
		Data           map[string]string `json:"data,omitempty"`
		Timestamp      int64             `json:"timestamp"`
	}{
		NotificationID: note.ID,
		Title:          note.Title,
		Body:           note.Body,
		Data:           note.Data,
		Timestamp:      time.Now().UnixMilli(),
	})
	if err != nil {
		return false, err
	}

	ch := make(chan struct{}, 1)
	p.mu.Lock()
	p.ackChans[note.ID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.ackChans, note.ID)
		p.mu.Unlock()
	}()

	topic := fmt.Sprintf("crew/device/%s/notify", token)
	var publishErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		t := p.cli.Publish(topic, p.qos, false, payload)
		t.Wait()
		publishErr = t.Error()
		if publishErr == nil {
			break
		}
		p.log.Errorf("publish attempt %d failed: %v", attempt+1, publishErr)
		time.Sleep(p.backoff * time.Duration(1<<attempt))
	}
	if publishErr != nil {
		return false, fmt.Errorf("%w: %v", gateway.ErrGatewayUnavailable, publishErr)
	}

	timer := time.NewTimer(p.ackWait)
	defer timer.Stop()
	select {
	case <-ch:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Disconnect gracefully closes the MQTT connection.
func (p *MQTTProvider) Disconnect() {
	if p.cli != nil && p.cli.IsConnected() {
		p.cli.Disconnect(250)
	}
}
