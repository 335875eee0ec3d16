// Package push implements the per-platform push providers: Web Push for
// browser subscriptions and MQTT for the mobile app. Both satisfy
// gateway.PushProvider and register on the provider registry at startup.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/crewcall/crewcall/core/gateway"
)

// PlatformWebPush is the registry name of the browser provider.
const PlatformWebPush = "webpush"

// WebPushConfig holds the VAPID key pair used to sign push requests.
type WebPushConfig struct {
	VAPIDPublicKey  string `json:"vapid_public_key"`
	VAPIDPrivateKey string `json:"vapid_private_key"`
	Subscriber      string `json:"subscriber"` // mailto: contact for the push service
	TTLSeconds      int    `json:"ttl_seconds"`
}

// Configured reports whether the provider can sign requests.
func (c WebPushConfig) Configured() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// subscription is the device-token wire form: the browser's PushSubscription
// serialized to JSON at registration time.
type subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

type webPushPayload struct {
	ID    string            `json:"id"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// WebPushProvider sends notifications to browser push subscriptions.
type WebPushProvider struct {
	cfg WebPushConfig
}

// NewWebPushProvider creates the browser push provider.
func NewWebPushProvider(cfg WebPushConfig) (*WebPushProvider, error) {
	if !cfg.Configured() {
		return nil, fmt.Errorf("webpush: VAPID keys not configured")
	}
	if cfg.Subscriber == "" {
		cfg.Subscriber = "mailto:ops@crewcall.app"
	}
	if cfg.TTLSeconds <= 0 {
		cfg.TTLSeconds = 86400
	}
	return &WebPushProvider{cfg: cfg}, nil
}

// VAPIDPublicKey returns the key clients need to subscribe.
func (p *WebPushProvider) VAPIDPublicKey() string { return p.cfg.VAPIDPublicKey }

// Send pushes one notification. Web push gives no synchronous delivery
// receipt; the client acknowledges through the API, so delivered is always
// false on success. A 404 or 410 from the push service means the
// subscription is gone and the token should be removed.
func (p *WebPushProvider) Send(ctx context.Context, token string, note gateway.Notification) (bool, error) {
	var sub subscription
	if err := json.Unmarshal([]byte(token), &sub); err != nil {
		return false, fmt.Errorf("%w: not a push subscription", gateway.ErrInvalidToken)
	}
	payload, err := json.Marshal(webPushPayload{ID: note.ID, Title: note.Title, Body: note.Body, Data: note.Data})
	if err != nil {
		return false, err
	}
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		VAPIDPublicKey:  p.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: p.cfg.VAPIDPrivateKey,
		Subscriber:      p.cfg.Subscriber,
		TTL:             p.cfg.TTLSeconds,
	})
	if err != nil {
		return false, fmt.Errorf("send web push: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		return false, fmt.Errorf("%w: subscription expired", gateway.ErrInvalidToken)
	case resp.StatusCode >= 400:
		return false, fmt.Errorf("push service returned %d", resp.StatusCode)
	}
	return false, nil
}

// GenerateVAPIDKeys creates a fresh VAPID key pair in the URL-safe base64
// form push services expect.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("generate vapid keys: %w", err)
	}
	return pub, priv, nil
}
