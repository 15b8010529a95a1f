// Package auth authenticates inbound callers: proxy-key extraction for
// the proxy surface and JWT sessions for the admin surface.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mosaic-hq/mosaic/pkg/registry"
)

// ErrNoCredentials means the request carried no recognizable credential.
var ErrNoCredentials = errors.New("no credentials presented")

// ErrInvalidCredentials means a credential was presented but did not match
// an enabled proxy key.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ExtractSecret pulls the client credential off a request. Each dialect
// has its own header convention; all three are accepted on every route so
// a client SDK pointed at the wrong mount still authenticates.
func ExtractSecret(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if h := r.Header.Get("x-api-key"); h != "" {
		return strings.TrimSpace(h)
	}
	if h := r.Header.Get("x-goog-api-key"); h != "" {
		return strings.TrimSpace(h)
	}
	// Gemini SDKs may also pass the key as a query parameter.
	if k := r.URL.Query().Get("key"); k != "" {
		return k
	}
	return ""
}

// Authenticator resolves presented secrets against the registry.
type Authenticator struct {
	store *registry.Store
}

// NewAuthenticator creates an authenticator backed by the registry.
func NewAuthenticator(store *registry.Store) *Authenticator {
	return &Authenticator{store: store}
}

// Authenticate validates the request's credential and returns the proxy
// key it belongs to.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*registry.ProxyKey, error) {
	secret := ExtractSecret(r)
	if secret == "" {
		return nil, ErrNoCredentials
	}

	pk, err := a.store.ProxyKeyBySecret(ctx, secret)
	if err != nil {
		if registry.IsNotFound(err) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("credential lookup failed: %w", err)
	}
	if !pk.Enabled {
		return nil, ErrInvalidCredentials
	}
	return pk, nil
}

// sessionClaims is the JWT payload of an admin session.
type sessionClaims struct {
	jwt.RegisteredClaims
}

// SessionManager issues and verifies admin session tokens.
type SessionManager struct {
	secret  []byte
	timeout time.Duration
}

// NewSessionManager creates a session manager. secret must be non-empty.
func NewSessionManager(secret string, timeout time.Duration) (*SessionManager, error) {
	if secret == "" {
		return nil, errors.New("session secret must not be empty")
	}
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	return &SessionManager{secret: []byte(secret), timeout: timeout}, nil
}

// Issue mints a signed session token for a subject.
func (m *SessionManager) Issue(subject string) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.timeout)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Verify checks a session token and returns its subject.
func (m *SessionManager) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &sessionClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return "", fmt.Errorf("invalid session token: %w", err)
	}
	claims, ok := token.Claims.(*sessionClaims)
	if !ok || !token.Valid {
		return "", errors.New("invalid session token")
	}
	return claims.Subject, nil
}
