// Package client provides an OAuth client-credentials token client used for
// outbound calls to the agent service and the automation backend.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/helpdeskops/triage/pkg/config"
)

// Client obtains bearer tokens for outbound service calls.
type Client interface {
	// Token requests a fresh access token from the token endpoint.
	Token(ctx context.Context) (*Tokens, error)
}

// Tokens contains an issued access token.
type Tokens struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int       `json:"expires_in"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// client implements the Client interface using the client-credentials grant.
type client struct {
	log  logrus.FieldLogger
	cfg  config.CredentialsConfig
	http *http.Client
}

// New creates a new token client.
func New(log logrus.FieldLogger, cfg config.CredentialsConfig) Client {
	return &client{
		log:  log.WithField("component", "token_client"),
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// Token requests a token using the client-credentials grant.
func (c *client) Token(ctx context.Context) (*Tokens, error) {
	data := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}
	if c.cfg.Scope != "" {
		data.Set("scope", c.cfg.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("making request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var tokenResp tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	tokens := &Tokens{
		AccessToken: tokenResp.AccessToken,
		TokenType:   tokenResp.TokenType,
		ExpiresIn:   tokenResp.ExpiresIn,
	}
	tokens.ExpiresAt = tokenExpiry(tokens)

	c.log.WithField("expires_at", tokens.ExpiresAt).Debug("Obtained access token")

	return tokens, nil
}

// tokenResponse is the OAuth token endpoint response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// tokenExpiry determines when a token expires. Endpoints that omit expires_in
// still issue JWTs carrying an exp claim, so fall back to that.
func tokenExpiry(tokens *Tokens) time.Time {
	if tokens.ExpiresIn > 0 {
		return time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(tokens.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}

	// Opaque token without expiry metadata. Treat it as short-lived.
	return time.Now().Add(time.Minute)
}
