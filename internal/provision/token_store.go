package provision

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultTokenTTL is how long an onboarding token stays redeemable.
const DefaultTokenTTL = 5 * time.Minute

const tokenBytes = 32

type OnboardingToken struct {
	Key        string    `json:"token"`
	ValidUntil time.Time `json:"validUntil"`
}

type tokenEntry struct {
	validUntil time.Time
}

// TokenStore holds single-use onboarding tokens in memory. Tokens do not
// survive a restart.
type TokenStore struct {
	tokens sync.Map
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenStore(ttl time.Duration) *TokenStore {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenStore{
		ttl: ttl,
		now: time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (s *TokenStore) WithClock(now func() time.Time) *TokenStore {
	s.now = now
	return s
}

func (s *TokenStore) CreateToken() (OnboardingToken, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return OnboardingToken{}, fmt.Errorf("failed to generate random token: %w", err)
	}

	token := OnboardingToken{
		Key:        base64.RawURLEncoding.EncodeToString(b),
		ValidUntil: s.now().Add(s.ttl),
	}
	s.tokens.Store(token.Key, &tokenEntry{validUntil: token.ValidUntil})

	slog.Debug("Onboarding token created", "valid_until", token.ValidUntil)
	return token, nil
}

// ValidateToken redeems the token. It succeeds at most once per token, and a
// failed validation leaves the stored token untouched.
func (s *TokenStore) ValidateToken(key string) bool {
	if key == "" {
		return false
	}

	v, ok := s.tokens.Load(key)
	if !ok {
		return false
	}

	entry := v.(*tokenEntry)
	if !entry.validUntil.After(s.now()) {
		return false
	}

	return s.tokens.CompareAndDelete(key, v)
}

// Len reports the number of stored tokens, expired ones included.
func (s *TokenStore) Len() int {
	n := 0
	s.tokens.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (s *TokenStore) CleanUp(_ context.Context) error {
	now := s.now()
	removed := 0
	s.tokens.Range(func(k, v any) bool {
		if !v.(*tokenEntry).validUntil.After(now) {
			if s.tokens.CompareAndDelete(k, v) {
				removed++
			}
		}
		return true
	})
	if removed > 0 {
		slog.Debug("Cleaned up onboarding tokens", "removed", removed)
	}
	return nil
}
