package provider

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/g6run/g6run/internal/config"
	"github.com/g6run/g6run/internal/domain"
)

// Hooks let the facade report into the metrics layer without importing it.
// Nil hooks are skipped.
type Hooks struct {
	OnCall          func(provider, op, outcome string)
	OnRateLimited   func(provider string)
	OnCacheHit      func(cache string)
	OnCacheMiss     func(cache string)
	OnCacheSize     func(cache string, size int)
	OnBreakerState  func(provider string, state gobreaker.State)
	OnAuthFailure   func(provider string)
	OnLogSuppressed func(sink string)
	OnFailover      func(provider, op string)
}

// emptyInstrumentTTL caches an empty instrument dump briefly so callers do
// not hammer the provider while the domain is absent.
const emptyInstrumentTTL = 5 * time.Second

// Facade guards a raw provider with credential snapshots, a token bucket,
// a circuit breaker and TTL caches, and translates failures into the
// taxonomy the pipeline classifies.
type Facade struct {
	inner      Provider
	cfg        config.ProviderSection
	creds      *CredentialStore
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	instCache  Cache
	quoteCache Cache
	throttle   *Throttle
	hooks      Hooks
	clock      func() time.Time

	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
	rateLimited atomic.Int64

	mu           sync.Mutex
	lastError    error
	lastErrorAt  time.Time
	lastFallback bool
	authFailed   bool
}

// FacadeOption tweaks construction, mostly for tests.
type FacadeOption func(*Facade)

func WithClock(clock func() time.Time) FacadeOption {
	return func(f *Facade) { f.clock = clock }
}

func WithCaches(instruments, quotes Cache) FacadeOption {
	return func(f *Facade) {
		f.instCache = instruments
		f.quoteCache = quotes
	}
}

// NewFacade wraps inner with the guard stack configured by cfg.
func NewFacade(inner Provider, cfg config.ProviderSection, redisCfg config.RedisConfig, creds *CredentialStore, hooks Hooks, opts ...FacadeOption) *Facade {
	f := &Facade{
		inner:   inner,
		cfg:     cfg,
		creds:   creds,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		hooks:   hooks,
		clock:   time.Now,
	}

	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: 1,
		Timeout:     time.Duration(cfg.Breaker.CooldownSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.Breaker.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("provider", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("provider breaker state change")
			if hooks.OnBreakerState != nil {
				hooks.OnBreakerState(name, to)
			}
		},
	})

	for _, opt := range opts {
		opt(f)
	}
	if f.instCache == nil {
		f.instCache = NewCacheFromSettings(redisCfg, "g6:inst:", f.clock)
	}
	if f.quoteCache == nil {
		f.quoteCache = NewMemoryCache(f.clock)
	}
	if f.throttle == nil {
		f.throttle = NewThrottle(time.Duration(cfg.LogThrottleSeconds)*time.Second, f.clock, hooks.OnLogSuppressed)
	}
	return f
}

// Name returns the wrapped provider's name.
func (f *Facade) Name() string { return f.inner.Name() }

// Capabilities returns the wrapped provider's capability flags.
func (f *Facade) Capabilities() Capability { return f.inner.Capabilities() }

// call runs fn behind the rate limiter and breaker and records the outcome.
func (f *Facade) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if !f.limiter.Allow() {
		f.rateLimited.Add(1)
		if f.hooks.OnRateLimited != nil {
			f.hooks.OnRateLimited(f.Name())
		}
		if err := f.limiter.Wait(ctx); err != nil {
			return &TransientError{Provider: f.Name(), Op: op, Err: err}
		}
	}

	_, err := f.breaker.Execute(func() (any, error) {
		return nil, fn(ctx)
	})

	switch {
	case err == nil:
		f.observe(op, "ok", nil)
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		terr := &TransientError{Provider: f.Name(), Op: op, Err: err}
		f.observe(op, "breaker_open", terr)
		return terr
	default:
		var authErr *AuthError
		if errors.As(err, &authErr) {
			f.mu.Lock()
			f.authFailed = true
			f.mu.Unlock()
			if f.hooks.OnAuthFailure != nil {
				f.hooks.OnAuthFailure(f.Name())
			}
			f.observe(op, "auth_failed", err)
			return err
		}
		f.observe(op, "error", err)
		return err
	}
}

func (f *Facade) observe(op, outcome string, err error) {
	if f.hooks.OnCall != nil {
		f.hooks.OnCall(f.Name(), op, outcome)
	}
	f.mu.Lock()
	if err != nil {
		f.lastError = err
		f.lastErrorAt = f.clock()
	} else {
		f.authFailed = false
	}
	f.mu.Unlock()
}

// Instruments returns the instrument universe for an exchange, cached.
func (f *Facade) Instruments(ctx context.Context, exchange string) ([]domain.Instrument, error) {
	key := "instruments:" + exchange
	if b, ok := f.instCache.Get(key); ok {
		f.cacheHits.Add(1)
		if f.hooks.OnCacheHit != nil {
			f.hooks.OnCacheHit("instruments")
		}
		var out []domain.Instrument
		if err := json.Unmarshal(b, &out); err == nil {
			if len(out) == 0 {
				return nil, &NoInstrumentsError{Provider: f.Name(), Exchange: exchange}
			}
			return out, nil
		}
	}
	f.cacheMisses.Add(1)
	if f.hooks.OnCacheMiss != nil {
		f.hooks.OnCacheMiss("instruments")
	}

	fetch := func() ([]domain.Instrument, error) {
		var out []domain.Instrument
		err := f.call(ctx, "get_instruments", func(ctx context.Context) error {
			var err error
			out, err = f.inner.GetInstruments(ctx, exchange)
			return err
		})
		return out, err
	}

	out, err := fetch()
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		// One retry covers transient empty dumps seen at session open.
		if f.throttle.Allow(SinkFallback) {
			log.Warn().Str("provider", f.Name()).Str("exchange", exchange).
				Msg("empty instrument dump, retrying once")
		}
		f.setFallback(true)
		if f.hooks.OnFailover != nil {
			f.hooks.OnFailover(f.Name(), "get_instruments")
		}
		out, err = fetch()
		if err != nil {
			return nil, err
		}
		if len(out) == 0 {
			// Short TTL on the empty result avoids a tight refetch loop.
			f.instCache.Set(key, []byte("[]"), emptyInstrumentTTL)
			return nil, &NoInstrumentsError{Provider: f.Name(), Exchange: exchange}
		}
	} else {
		f.setFallback(false)
	}

	if b, err := json.Marshal(out); err == nil {
		f.instCache.Set(key, b, time.Duration(f.cfg.InstrumentTTLSeconds)*time.Second)
	}
	if f.hooks.OnCacheSize != nil {
		f.hooks.OnCacheSize("instruments", f.instCache.Len())
	}
	return out, nil
}

// ResolveExpiries resolves real expiry dates for an index. Empty or failed
// resolution surfaces as ResolveExpiryError; fabrication is the caller's
// policy decision.
func (f *Facade) ResolveExpiries(ctx context.Context, index string) ([]time.Time, error) {
	var out []time.Time
	err := f.call(ctx, "resolve_expiries", func(ctx context.Context) error {
		var err error
		out, err = f.inner.ResolveExpiries(ctx, index)
		return err
	})
	if err != nil {
		var rerr *ResolveExpiryError
		if errors.As(err, &rerr) {
			return nil, err
		}
		return nil, &ResolveExpiryError{Provider: f.Name(), Index: index, Err: err}
	}
	if len(out) == 0 {
		return nil, &ResolveExpiryError{Provider: f.Name(), Index: index, Err: errors.New("provider returned no expiries")}
	}
	return out, nil
}

// Quotes fetches quotes for refs with a short-TTL cache and a one-shot
// retry when the first batch comes back empty. A zero quote TTL bypasses
// the cache in both directions so every call reaches the provider.
func (f *Facade) Quotes(ctx context.Context, index string, refs []InstrumentRef) (map[string]domain.Quote, error) {
	if len(refs) == 0 {
		return map[string]domain.Quote{}, nil
	}

	ttl := f.cfg.QuoteTTL()
	out := make(map[string]domain.Quote, len(refs))
	misses := refs
	if ttl > 0 {
		misses = make([]InstrumentRef, 0, len(refs))
		for _, ref := range refs {
			if b, ok := f.quoteCache.Get("quote:" + ref.Symbol); ok {
				var q domain.Quote
				if err := json.Unmarshal(b, &q); err == nil {
					out[ref.Symbol] = q
					f.cacheHits.Add(1)
					if f.hooks.OnCacheHit != nil {
						f.hooks.OnCacheHit("quotes")
					}
					continue
				}
			}
			misses = append(misses, ref)
		}
		if len(misses) == 0 {
			return out, nil
		}
		f.cacheMisses.Add(int64(len(misses)))
		if f.hooks.OnCacheMiss != nil {
			f.hooks.OnCacheMiss("quotes")
		}
	}

	batch, err := f.fetchQuotes(ctx, misses)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		// One retry covers transient empty payloads seen at session open.
		if f.throttle.Allow(SinkQuoteFallback) {
			log.Warn().Str("provider", f.Name()).Str("index", index).
				Int("requested", len(misses)).Msg("empty quote batch, retrying once")
		}
		f.setFallback(true)
		if f.hooks.OnFailover != nil {
			f.hooks.OnFailover(f.Name(), "get_quotes")
		}
		batch, err = f.fetchQuotes(ctx, misses)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return nil, &NoQuotesError{Provider: f.Name(), Index: index, Requested: len(misses)}
		}
	} else {
		f.setFallback(false)
	}

	for sym, q := range batch {
		out[sym] = q
		if ttl <= 0 {
			continue
		}
		if b, err := json.Marshal(q); err == nil {
			f.quoteCache.Set("quote:"+sym, b, ttl)
		}
	}
	if f.hooks.OnCacheSize != nil {
		f.hooks.OnCacheSize("quotes", f.quoteCache.Len())
	}
	return out, nil
}

func (f *Facade) fetchQuotes(ctx context.Context, refs []InstrumentRef) (map[string]domain.Quote, error) {
	var batch map[string]domain.Quote
	err := f.call(ctx, "get_quotes", func(ctx context.Context) error {
		var err error
		batch, err = f.inner.GetQuotes(ctx, refs)
		return err
	})
	return batch, err
}

// LTP fetches last-traded prices; used by the salvage path. Non-positive
// prices are dropped before the caller sees them.
func (f *Facade) LTP(ctx context.Context, refs []InstrumentRef) (map[string]float64, error) {
	var raw map[string]float64
	err := f.call(ctx, "get_ltp", func(ctx context.Context) error {
		var err error
		raw, err = f.inner.GetLTP(ctx, refs)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(raw))
	for sym, price := range raw {
		if price > 0 {
			out[sym] = price
		}
	}
	return out, nil
}

// ATMStrike resolves the spot and rounds it to the index strike step.
func (f *Facade) ATMStrike(ctx context.Context, index string) (strike, spot float64, err error) {
	err = f.call(ctx, "get_atm_strike", func(ctx context.Context) error {
		var err error
		spot, err = f.inner.GetSpot(ctx, index)
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	step := StepFor(index, spot, f.cfg.StrikeSteps)
	return ATMStrike(spot, step), spot, nil
}

func (f *Facade) setFallback(v bool) {
	f.mu.Lock()
	f.lastFallback = v
	f.mu.Unlock()
}

// Health classifies the facade state from breaker and recent errors. A
// failed authentication pins the state to unhealthy until a call succeeds,
// since bad credentials never self-correct.
func (f *Facade) Health() Health {
	f.mu.Lock()
	authFailed := f.authFailed
	lastError := f.lastError
	lastErrorAt := f.lastErrorAt
	f.mu.Unlock()

	if authFailed {
		return HealthUnhealthy
	}
	switch f.breaker.State() {
	case gobreaker.StateOpen:
		return HealthUnhealthy
	case gobreaker.StateHalfOpen:
		return HealthDegraded
	}
	if lastError != nil && f.clock().Sub(lastErrorAt) < time.Minute {
		return HealthDegraded
	}
	return HealthHealthy
}

// Diagnostics snapshots facade state for the ops endpoint and panels.
func (f *Facade) Diagnostics() Diagnostics {
	f.mu.Lock()
	lastErr := ""
	if f.lastError != nil {
		lastErr = f.lastError.Error()
	}
	lastAt := f.lastErrorAt
	fallback := f.lastFallback
	f.mu.Unlock()

	creds := f.creds.Snapshot()
	return Diagnostics{
		Provider:        f.Name(),
		Capabilities:    f.Capabilities().String(),
		Health:          f.Health(),
		BreakerState:    f.breaker.State().String(),
		InstrumentCache: f.instCache.Len(),
		QuoteCache:      f.quoteCache.Len(),
		CacheHits:       f.cacheHits.Load(),
		CacheMisses:     f.cacheMisses.Load(),
		RateLimited:     f.rateLimited.Load(),
		LastError:       lastErr,
		LastErrorAt:     lastAt,
		LastFallback:    fallback,
		CredentialKey:   creds.MaskedKey(),
		CredentialAge:   f.creds.Age().Truncate(time.Second).String(),
	}
}

// Healthy pings the raw provider, bypassing caches but not the guards.
func (f *Facade) Healthy(ctx context.Context) error {
	return f.call(ctx, "health", func(ctx context.Context) error {
		return f.inner.Healthy(ctx)
	})
}
