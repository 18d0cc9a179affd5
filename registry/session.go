package registry

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopdrop/shopdrop/store/metadb"
)

// tokenBytes is the entropy of a session token before encoding.
const tokenBytes = 16

// SessionRegistry creates and looks up upload sessions keyed by token.
type SessionRegistry struct {
	store  metadb.Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// SessionOption configures a SessionRegistry.
type SessionOption func(*SessionRegistry)

// WithSessionLogger sets the logger.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *SessionRegistry) {
		s.logger = logger
	}
}

// WithSessionNow sets the time function for testing.
func WithSessionNow(now func() time.Time) SessionOption {
	return func(s *SessionRegistry) {
		s.now = now
	}
}

// NewSessionRegistry creates a registry whose sessions live for ttl.
func NewSessionRegistry(store metadb.Store, ttl time.Duration, opts ...SessionOption) (*SessionRegistry, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("session ttl must be positive, got %v", ttl)
	}
	s := &SessionRegistry{
		store:  store,
		ttl:    ttl,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TTL returns the configured session lifetime.
func (s *SessionRegistry) TTL() time.Duration {
	return s.ttl
}

// Create generates a new session for the given owner with a random
// URL-safe token and stores it with the configured TTL.
func (s *SessionRegistry) Create(ctx context.Context, ownerID string) (*Session, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	now := s.now()
	session := &Session{
		Token:     token,
		OwnerID:   ownerID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	data, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("encoding session: %w", err)
	}

	if err := s.store.Put(ctx, nsSession, token, data, s.ttl); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}

	s.logger.Info("session created", "owner", ownerID, "expiresAt", session.ExpiresAt)
	return session, nil
}

// Get returns the session for token, or ErrNotFound if it never existed
// or has expired.
func (s *SessionRegistry) Get(ctx context.Context, token string) (*Session, error) {
	data, err := s.store.Get(ctx, nsSession, token)
	if err != nil {
		if errors.Is(err, metadb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &session, nil
}

// Delete removes the session for token. Removing an absent session is
// not an error.
func (s *SessionRegistry) Delete(ctx context.Context, token string) error {
	if err := s.store.Delete(ctx, nsSession, token); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// newToken returns a cryptographically random URL-safe token.
func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
