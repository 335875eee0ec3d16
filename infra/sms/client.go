// Package sms implements the outbound SMS gateway against a Twilio-style
// messaging API. An unconfigured client degrades to logged no-op sends so
// development setups work without an account.
package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crewcall/crewcall/core/gateway"
	"github.com/crewcall/crewcall/core/logger"
)

// Config defines the messaging provider credentials.
type Config struct {
	AccountSID string `json:"account_sid"`
	AuthToken  string `json:"auth_token"`
	From       string `json:"from"` // sending number in E.164 form
	BaseURL    string `json:"base_url"`
}

// Configured reports whether real sends are possible.
func (c Config) Configured() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.From != ""
}

// Client sends SMS through the provider's REST API.
type Client struct {
	cfg  Config
	http *http.Client
	log  logger.Logger
}

// NewClient creates an SMS client. A zero-value config yields a dev-mode
// client whose sends are logged and succeed without touching the network.
func NewClient(cfg Config, log logger.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 10 * time.Second},
		log:  log,
	}
}

// Send delivers one text message and returns the provider message sid.
func (c *Client) Send(ctx context.Context, toE164, body string) (string, error) {
	if !c.cfg.Configured() {
		sid := "dev-" + uuid.NewString()
		c.log.Infof("sms gateway not configured, would send to %s: %q", toE164, body)
		return sid, nil
	}

	form := url.Values{}
	form.Set("To", toE164)
	form.Set("From", c.cfg.From)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.cfg.BaseURL, c.cfg.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", gateway.ErrGatewayUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: provider returned %d", gateway.ErrGatewayUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("sms send rejected (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var out struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode sms response: %w", err)
	}
	return out.SID, nil
}
