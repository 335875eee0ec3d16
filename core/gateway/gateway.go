// Package gateway declares the contracts for the external collaborators the
// dispatch core depends on: the SMS gateway, per-platform push providers and
// the travel-distance estimator. Implementations live under infra/.
package gateway

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrGatewayUnavailable indicates a misconfigured or unreachable
	// messaging provider. Callers degrade to a logged no-op send rather
	// than failing the dispatch.
	ErrGatewayUnavailable = errors.New("gateway: unavailable")
	// ErrInvalidToken indicates a device token the provider rejected; the
	// caller should flag it for removal.
	ErrInvalidToken = errors.New("gateway: invalid device token")
	// ErrDistanceLookupFailed indicates a non-fatal distance estimation
	// failure; ranking degrades to fallback matching for the affected
	// destinations.
	ErrDistanceLookupFailed = errors.New("gateway: distance lookup failed")
)

// SMSGateway sends a text message to an E.164 number and returns the
// provider-assigned message identifier.
type SMSGateway interface {
	Send(ctx context.Context, toE164, body string) (sid string, err error)
}

// Notification is the payload handed to push providers.
type Notification struct {
	ID    string // notification identifier echoed back in delivery acks
	Title string
	Body  string
	Data  map[string]string
}

// PushProvider delivers a notification to a single device token. delivered
// reports whether delivery was confirmed synchronously; unconfirmed sends are
// re-checked by the delivery router's fallback pass.
type PushProvider interface {
	Send(ctx context.Context, token string, note Notification) (delivered bool, err error)
}

// DistanceEstimator resolves travel distances from one origin to many
// destinations. Implementations enforce a request-size ceiling exposed via
// BatchLimit; callers must chunk accordingly.
type DistanceEstimator interface {
	BatchDistances(ctx context.Context, origin string, destinations map[string]string) (map[string]float64, error)
	BatchLimit() int
}

// ProviderRegistry resolves push providers by platform. Providers register
// lazily; a platform whose initialization failed simply never registers and
// lookups report unavailable.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]PushProvider
}

// NewProviderRegistry returns an empty registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]PushProvider)}
}

// Register installs a provider for the platform, replacing any previous one.
func (r *ProviderRegistry) Register(platform string, p PushProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[platform] = p
}

// Lookup returns the provider for the platform. Callers must check ok before use.
func (r *ProviderRegistry) Lookup(platform string) (PushProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[platform]
	return p, ok
}

// Platforms lists the registered platform names.
func (r *ProviderRegistry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for k := range r.providers {
		out = append(out, k)
	}
	return out
}
