// Package store provides cached access tokens for outbound calls.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/helpdeskops/triage/pkg/auth/client"
)

// Source hands out valid access tokens, requesting new ones before expiry.
type Source interface {
	// GetAccessToken returns a valid access token, requesting one if needed.
	GetAccessToken(ctx context.Context) (string, error)
}

// Config configures the token source.
type Config struct {
	// RefreshBuffer is how long before expiry to request a new token.
	// Defaults to 5 minutes.
	RefreshBuffer time.Duration

	// AuthClient is the OAuth client used to request tokens.
	AuthClient client.Client
}

// source implements the Source interface.
type source struct {
	log    logrus.FieldLogger
	cfg    Config
	mu     sync.Mutex
	tokens *client.Tokens
}

// New creates a new cached token source.
func New(log logrus.FieldLogger, cfg Config) Source {
	if cfg.RefreshBuffer == 0 {
		cfg.RefreshBuffer = 5 * time.Minute
	}

	return &source{
		log: log.WithField("component", "token_source"),
		cfg: cfg,
	}
}

// GetAccessToken returns the cached token, or requests a fresh one when the
// cache is empty or inside the refresh buffer.
func (s *source) GetAccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tokens != nil && !s.needsRefresh(s.tokens) {
		return s.tokens.AccessToken, nil
	}

	if s.cfg.AuthClient == nil {
		return "", fmt.Errorf("no auth client configured")
	}

	s.log.Debug("Requesting access token")

	tokens, err := s.cfg.AuthClient.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("requesting token: %w", err)
	}

	s.tokens = tokens

	return tokens.AccessToken, nil
}

// needsRefresh returns true if the token should be replaced.
func (s *source) needsRefresh(tokens *client.Tokens) bool {
	if tokens == nil {
		return true
	}

	// Refresh if within buffer of expiry.
	return time.Now().Add(s.cfg.RefreshBuffer).After(tokens.ExpiresAt)
}
