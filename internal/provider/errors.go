package provider

import "fmt"

// Taxonomy reasons surfaced in legacy error tokens and phase records.
const (
	ReasonAuthFailed       = "auth_failed"
	ReasonExpiryUnresolved = "expiry_unresolved"
	ReasonNoInstruments    = "no_instruments_domain"
	ReasonNoQuotes         = "no_quotes"
	ReasonTransient        = "provider_transient"
)

// AuthError means credentials were rejected. Fatal for the cycle.
type AuthError struct {
	Provider string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("provider %s: authentication failed: %v", e.Provider, e.Err)
}
func (e *AuthError) Unwrap() error  { return e.Err }
func (e *AuthError) Reason() string { return ReasonAuthFailed }

// ResolveExpiryError means no expiry could be resolved for an index.
type ResolveExpiryError struct {
	Provider string
	Index    string
	Err      error
}

func (e *ResolveExpiryError) Error() string {
	return fmt.Sprintf("provider %s: no expiries for %s: %v", e.Provider, e.Index, e.Err)
}
func (e *ResolveExpiryError) Unwrap() error  { return e.Err }
func (e *ResolveExpiryError) Reason() string { return ReasonExpiryUnresolved }

// NoInstrumentsError means the instrument universe for an index came back empty.
type NoInstrumentsError struct {
	Provider string
	Index    string
	Exchange string
}

func (e *NoInstrumentsError) Error() string {
	return fmt.Sprintf("provider %s: no instruments for %s on %s", e.Provider, e.Index, e.Exchange)
}
func (e *NoInstrumentsError) Reason() string { return ReasonNoInstruments }

// NoQuotesError means a quote batch came back empty after the one-shot retry.
type NoQuotesError struct {
	Provider  string
	Index     string
	Requested int
}

func (e *NoQuotesError) Error() string {
	return fmt.Sprintf("provider %s: no quotes for %s (%d requested)", e.Provider, e.Index, e.Requested)
}
func (e *NoQuotesError) Reason() string { return ReasonNoQuotes }

// TransientError wraps timeouts, open breakers and other retryable faults.
type TransientError struct {
	Provider string
	Op       string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Op, e.Err)
}
func (e *TransientError) Unwrap() error  { return e.Err }
func (e *TransientError) Reason() string { return ReasonTransient }
