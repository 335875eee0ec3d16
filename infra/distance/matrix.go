// Package distance implements the travel-distance estimator against a
// matrix-style geocoding API: one origin, many destinations per request.
package distance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/crewcall/crewcall/core/gateway"
)

// DefaultBatchLimit is the provider's destinations-per-request ceiling.
const DefaultBatchLimit = 25

// Config defines the matrix API endpoint.
type Config struct {
	BaseURL    string `json:"base_url"`
	APIKey     string `json:"api_key"`
	BatchLimit int    `json:"batch_limit"`
}

// Client calls the distance matrix API.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates a matrix client. Returns nil when no endpoint is
// configured; ranking then degrades to text-based location matching.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		return nil
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultBatchLimit
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: 10 * time.Second}}
}

// BatchLimit returns the destinations-per-request ceiling.
func (c *Client) BatchLimit() int { return c.cfg.BatchLimit }

type matrixRequest struct {
	Origin       string            `json:"origin"`
	Destinations map[string]string `json:"destinations"`
}

type matrixResponse struct {
	Distances map[string]float64 `json:"distances"` // meters, keyed by destination id
}

// BatchDistances resolves travel distances in meters from the origin to each
// destination. Destinations the provider could not geocode are absent from
// the result, not errors.
func (c *Client) BatchDistances(ctx context.Context, origin string, destinations map[string]string) (map[string]float64, error) {
	if len(destinations) > c.cfg.BatchLimit {
		return nil, fmt.Errorf("%w: %d destinations exceeds limit %d",
			gateway.ErrDistanceLookupFailed, len(destinations), c.cfg.BatchLimit)
	}
	body, err := json.Marshal(matrixRequest{Origin: origin, Destinations: destinations})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/matrix", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrDistanceLookupFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: matrix API returned %d", gateway.ErrDistanceLookupFailed, resp.StatusCode)
	}
	var out matrixResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrDistanceLookupFailed, err)
	}
	return out.Distances, nil
}
