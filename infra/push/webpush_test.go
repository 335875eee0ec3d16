package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crewcall/crewcall/core/gateway"
)

func testWebPushProvider(t *testing.T) *WebPushProvider {
	t.Helper()
	pub, priv, err := GenerateVAPIDKeys()
	require.NoError(t, err)
	p, err := NewWebPushProvider(WebPushConfig{VAPIDPublicKey: pub, VAPIDPrivateKey: priv})
	require.NoError(t, err)
	return p
}

// subscriptionToken builds the JSON device token a browser registration
// produces, pointed at the given endpoint.
func subscriptionToken(t *testing.T, endpoint string) string {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)

	tok, err := json.Marshal(map[string]any{
		"endpoint": endpoint,
		"keys": map[string]string{
			"p256dh": base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
			"auth":   base64.RawURLEncoding.EncodeToString(auth),
		},
	})
	require.NoError(t, err)
	return string(tok)
}

func TestWebPushSendPostsToSubscription(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p := testWebPushProvider(t)
	delivered, err := p.Send(context.Background(), subscriptionToken(t, srv.URL), gateway.Notification{
		ID: "n1", Title: "Shift", Body: "Work tomorrow?",
	})
	require.NoError(t, err)
	// No synchronous receipt exists for web push.
	require.False(t, delivered)
	require.Contains(t, gotAuth, "vapid")
}

func TestWebPushSendExpiredSubscriptionIsInvalidToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	p := testWebPushProvider(t)
	_, err := p.Send(context.Background(), subscriptionToken(t, srv.URL), gateway.Notification{ID: "n1"})
	require.ErrorIs(t, err, gateway.ErrInvalidToken)
}

func TestWebPushSendRejectsMalformedToken(t *testing.T) {
	p := testWebPushProvider(t)
	_, err := p.Send(context.Background(), "not-a-subscription", gateway.Notification{ID: "n1"})
	require.ErrorIs(t, err, gateway.ErrInvalidToken)
}

func TestGenerateVAPIDKeys(t *testing.T) {
	pub, priv, err := GenerateVAPIDKeys()
	require.NoError(t, err)
	require.NotEmpty(t, pub)
	require.NotEmpty(t, priv)
	require.NotEqual(t, pub, priv)

	again, _, err := GenerateVAPIDKeys()
	require.NoError(t, err)
	require.NotEqual(t, pub, again)
}
