package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/helpdeskops/triage/pkg/config"
)

const testIssuer = "https://login.example.com"

// jwksTestServer serves a single-key JWKS and signs tokens with its key.
type jwksTestServer struct {
	*httptest.Server
	key *rsa.PrivateKey
	kid string
}

func newJWKSServer(t *testing.T) *jwksTestServer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	s := &jwksTestServer{key: key, kid: "test-key-1"}

	mux := http.NewServeMux()
	mux.HandleFunc("/keys", func(w http.ResponseWriter, _ *http.Request) {
		pub := &key.PublicKey

		resp := map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"use": "sig",
				"kid": s.kid,
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			}},
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)

	return s
}

func (s *jwksTestServer) jwksURL() string {
	return s.URL + "/keys"
}

// sign produces an RS256 token carrying the server's key ID.
func (s *jwksTestServer) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.kid

	signed, err := token.SignedString(s.key)
	require.NoError(t, err)

	return signed
}

func testClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":    testIssuer,
		"aud":    "triage-api",
		"sub":    "user-1",
		"email":  "tech@example.com",
		"groups": []string{"helpdesk"},
		"exp":    time.Now().Add(time.Hour).Unix(),
		"iat":    time.Now().Unix(),
	}
}

func newTestValidator(t *testing.T, srv *jwksTestServer, cfg config.AuthConfig) JWTValidator {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg.JWKSURL = srv.jwksURL()

	v := NewJWTValidator(log, cfg)
	require.NoError(t, v.Start(context.Background()))
	t.Cleanup(func() { _ = v.Stop() })

	return v
}

func TestJWTValidatorAcceptsValidToken(t *testing.T) {
	srv := newJWKSServer(t)
	v := newTestValidator(t, srv, config.AuthConfig{
		Issuer:        testIssuer,
		Audience:      "triage-api",
		AllowedGroups: []string{"helpdesk"},
	})

	claims, err := v.Validate(context.Background(), srv.sign(t, testClaims()))
	require.NoError(t, err)

	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "tech@example.com", claims.Email)
	require.Equal(t, testIssuer, claims.Issuer)
	require.Contains(t, claims.Groups, "helpdesk")
	require.Contains(t, claims.Audience, "triage-api")
	require.False(t, claims.ExpiresAt.IsZero())
}

func TestJWTValidatorRejectsWrongIssuer(t *testing.T) {
	srv := newJWKSServer(t)
	v := newTestValidator(t, srv, config.AuthConfig{Issuer: "https://other.example.com"})

	_, err := v.Validate(context.Background(), srv.sign(t, testClaims()))
	require.ErrorContains(t, err, "invalid issuer")
}

func TestJWTValidatorRejectsWrongAudience(t *testing.T) {
	srv := newJWKSServer(t)
	v := newTestValidator(t, srv, config.AuthConfig{Issuer: testIssuer, Audience: "other-api"})

	_, err := v.Validate(context.Background(), srv.sign(t, testClaims()))
	require.ErrorContains(t, err, "invalid audience")
}

func TestJWTValidatorRejectsMissingGroup(t *testing.T) {
	srv := newJWKSServer(t)
	v := newTestValidator(t, srv, config.AuthConfig{
		Issuer:        testIssuer,
		AllowedGroups: []string{"sre"},
	})

	_, err := v.Validate(context.Background(), srv.sign(t, testClaims()))
	require.ErrorContains(t, err, "not in allowed groups")
}

func TestJWTValidatorRejectsExpiredToken(t *testing.T) {
	srv := newJWKSServer(t)
	v := newTestValidator(t, srv, config.AuthConfig{Issuer: testIssuer})

	claims := testClaims()
	claims["exp"] = time.Now().Add(-time.Hour).Unix()

	_, err := v.Validate(context.Background(), srv.sign(t, claims))
	require.ErrorContains(t, err, "parsing token")
}

func TestJWTValidatorRejectsUnknownKeyID(t *testing.T) {
	srv := newJWKSServer(t)
	v := newTestValidator(t, srv, config.AuthConfig{Issuer: testIssuer})

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, testClaims())
	token.Header["kid"] = "unknown-key"

	signed, err := token.SignedString(srv.key)
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), signed)
	require.ErrorContains(t, err, "key not found")
}

func TestJWTValidatorRejectsNonRSAToken(t *testing.T) {
	srv := newJWKSServer(t)
	v := newTestValidator(t, srv, config.AuthConfig{Issuer: testIssuer})

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, testClaims())
	token.Header["kid"] = srv.kid

	signed, err := token.SignedString([]byte("shared-secret"))
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), signed)
	require.Error(t, err)
}

func TestJWTValidatorStartFailsWhenJWKSUnreachable(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	v := NewJWTValidator(log, config.AuthConfig{JWKSURL: "http://127.0.0.1:1/keys"})

	err := v.Start(context.Background())
	require.ErrorContains(t, err, "initial JWKS fetch")
}

func TestJWTValidatorStopIsIdempotent(t *testing.T) {
	srv := newJWKSServer(t)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	v := NewJWTValidator(log, config.AuthConfig{JWKSURL: srv.jwksURL()})
	require.NoError(t, v.Start(context.Background()))

	require.NoError(t, v.Stop())
	require.NoError(t, v.Stop())
}

func TestJWTAuthenticatorMiddleware(t *testing.T) {
	srv := newJWKSServer(t)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	validator := NewJWTValidator(log, config.AuthConfig{
		JWKSURL: srv.jwksURL(),
		Issuer:  testIssuer,
	})
	auth := NewJWTAuthenticator(log, validator)

	require.NoError(t, auth.Start(context.Background()))
	t.Cleanup(func() { _ = auth.Stop() })

	var gotUserID string

	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = GetUserID(r.Context())
		require.NotNil(t, GetJWTClaims(r.Context()))
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name           string
		authorization  string
		expectedStatus int
	}{
		{
			name:           "missing header",
			authorization:  "",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "not a bearer token",
			authorization:  "Basic dXNlcjpwYXNz",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "garbage token",
			authorization:  "Bearer not-a-jwt",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "valid token",
			authorization:  "Bearer " + srv.sign(t, testClaims()),
			expectedStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/diagnostic/chat", nil)
			if tt.authorization != "" {
				req.Header.Set("Authorization", tt.authorization)
			}

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			require.Equal(t, tt.expectedStatus, rec.Code)
		})
	}

	require.Equal(t, "user-1", gotUserID)
}
