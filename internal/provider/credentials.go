package provider

import (
	"os"
	"strings"
	"sync"
	"time"
)

// Credentials is an immutable snapshot of provider auth material.
type Credentials struct {
	APIKey    string
	APISecret string
	Issued    time.Time
}

// MaskedKey renders the key for logs and diagnostics.
func (c Credentials) MaskedKey() string {
	if c.APIKey == "" {
		return "(none)"
	}
	if len(c.APIKey) <= 4 {
		return strings.Repeat("*", len(c.APIKey))
	}
	return c.APIKey[:2] + strings.Repeat("*", len(c.APIKey)-4) + c.APIKey[len(c.APIKey)-2:]
}

// CredentialStore hands out immutable snapshots and supports live rotation.
// Callers never see a half-rotated pair.
type CredentialStore struct {
	mu    sync.RWMutex
	cur   Credentials
	clock func() time.Time
}

// NewCredentialStore seeds the store from the configured env indirection.
func NewCredentialStore(keyEnv, secretEnv string, clock func() time.Time) *CredentialStore {
	if clock == nil {
		clock = time.Now
	}
	return &CredentialStore{
		cur: Credentials{
			APIKey:    os.Getenv(keyEnv),
			APISecret: os.Getenv(secretEnv),
			Issued:    clock(),
		},
		clock: clock,
	}
}

// Snapshot returns the current credentials by value.
func (s *CredentialStore) Snapshot() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Rotate swaps in a new pair atomically.
func (s *CredentialStore) Rotate(key, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = Credentials{APIKey: key, APISecret: secret, Issued: s.clock()}
}

// Age reports how old the current snapshot is.
func (s *CredentialStore) Age() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clock().Sub(s.cur.Issued)
}
