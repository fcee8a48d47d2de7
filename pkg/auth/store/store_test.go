package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpdeskops/triage/pkg/auth/client"
)

// fakeClient returns canned tokens and counts calls.
type fakeClient struct {
	tokens *client.Tokens
	err    error
	calls  int
}

func (f *fakeClient) Token(_ context.Context) (*client.Tokens, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.tokens, nil
}

func TestGetAccessTokenCachesToken(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	fake := &fakeClient{
		tokens: &client.Tokens{
			AccessToken: "token-1",
			ExpiresAt:   time.Now().Add(time.Hour),
		},
	}

	src := New(log, Config{AuthClient: fake})

	for i := 0; i < 3; i++ {
		token, err := src.GetAccessToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "token-1", token)
	}

	assert.Equal(t, 1, fake.calls, "token should be fetched once and cached")
}

func TestGetAccessTokenRefreshesExpiredToken(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	// The returned token is already inside the refresh buffer, so every call
	// goes back to the token endpoint.
	fake := &fakeClient{
		tokens: &client.Tokens{
			AccessToken: "token-1",
			ExpiresAt:   time.Now().Add(time.Minute),
		},
	}

	src := New(log, Config{AuthClient: fake, RefreshBuffer: 5 * time.Minute})

	_, err := src.GetAccessToken(context.Background())
	require.NoError(t, err)

	_, err = src.GetAccessToken(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, fake.calls)
}

func TestGetAccessTokenError(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	fake := &fakeClient{err: errors.New("token endpoint unreachable")}
	src := New(log, Config{AuthClient: fake})

	_, err := src.GetAccessToken(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requesting token")
}

func TestGetAccessTokenNoClient(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	src := New(log, Config{})

	_, err := src.GetAccessToken(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no auth client")
}
