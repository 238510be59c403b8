// Package provider abstracts option-chain market data sources behind a
// capability-checked registry and a guarded facade (rate limit, circuit
// breaker, caches, credential snapshots).
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/g6run/g6run/internal/config"
	"github.com/g6run/g6run/internal/domain"
)

// Capability flags advertised by a provider implementation.
type Capability uint8

const (
	CapInstruments Capability = 1 << iota
	CapQuotes
	CapLTP
	CapExpiries
	CapSpot
)

// RequiredCaps is the minimum surface the collection pipeline needs.
const RequiredCaps = CapInstruments | CapQuotes | CapExpiries | CapSpot

func (c Capability) Has(want Capability) bool { return c&want == want }

func (c Capability) String() string {
	names := []struct {
		cap  Capability
		name string
	}{
		{CapInstruments, "instruments"},
		{CapQuotes, "quotes"},
		{CapLTP, "ltp"},
		{CapExpiries, "expiries"},
		{CapSpot, "spot"},
	}
	var out []string
	for _, n := range names {
		if c.Has(n.cap) {
			out = append(out, n.name)
		}
	}
	return strings.Join(out, ",")
}

// InstrumentRef addresses one instrument for quote retrieval.
type InstrumentRef struct {
	Exchange string
	Symbol   string
}

// Provider is a raw market data source. Implementations return taxonomy
// errors from this package so the pipeline can classify outcomes.
type Provider interface {
	Name() string
	Capabilities() Capability
	GetInstruments(ctx context.Context, exchange string) ([]domain.Instrument, error)
	ResolveExpiries(ctx context.Context, index string) ([]time.Time, error)
	GetQuotes(ctx context.Context, refs []InstrumentRef) (map[string]domain.Quote, error)
	GetLTP(ctx context.Context, refs []InstrumentRef) (map[string]float64, error)
	GetSpot(ctx context.Context, index string) (float64, error)
	Healthy(ctx context.Context) error
}

// Health summarises facade state for diagnostics and the ops endpoint.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// Diagnostics is a point-in-time facade snapshot. Credential material is
// masked before it gets here.
type Diagnostics struct {
	Provider        string    `json:"provider"`
	Capabilities    string    `json:"capabilities"`
	Health          Health    `json:"health"`
	BreakerState    string    `json:"breaker_state"`
	InstrumentCache int       `json:"instrument_cache_size"`
	QuoteCache      int       `json:"quote_cache_size"`
	CacheHits       int64     `json:"cache_hits"`
	CacheMisses     int64     `json:"cache_misses"`
	RateLimited     int64     `json:"rate_limited"`
	LastError       string    `json:"last_error,omitempty"`
	LastErrorAt     time.Time `json:"last_error_at,omitempty"`
	LastFallback    bool      `json:"last_fallback"`
	CredentialKey   string    `json:"credential_key"`
	CredentialAge   string    `json:"credential_age"`
}

// Factory builds a provider from settings and a credential store.
type Factory func(cfg config.ProviderSection, creds *CredentialStore) (Provider, error)

// Registry maps lowercase provider names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under its lowercase name.
func (r *Registry) Register(name string, f Factory) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return fmt.Errorf("provider name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[key]; exists {
		return fmt.Errorf("provider %q already registered", key)
	}
	r.factories[key] = f
	return nil
}

// Deregister removes a factory; unknown names are a no-op.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, strings.ToLower(name))
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build constructs the named provider. An empty name selects the first
// registered name in sorted order.
func (r *Registry) Build(name string, cfg config.ProviderSection, creds *CredentialStore) (Provider, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		names := r.Names()
		if len(names) == 0 {
			return nil, fmt.Errorf("no providers registered")
		}
		key = names[0]
	}

	r.mu.RLock()
	f, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (registered: %s)", key, strings.Join(r.Names(), ", "))
	}

	p, err := f(cfg, creds)
	if err != nil {
		return nil, fmt.Errorf("build provider %q: %w", key, err)
	}
	if !p.Capabilities().Has(RequiredCaps) {
		return nil, fmt.Errorf("provider %q lacks required capabilities (has %s)", key, p.Capabilities())
	}
	return p, nil
}
