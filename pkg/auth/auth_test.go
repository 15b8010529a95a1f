package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"mosaic-hq/mosaic/pkg/registry"
)

func TestExtractSecret(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		target  string
		want    string
	}{
		{
			name:    "bearer",
			headers: map[string]string{"Authorization": "Bearer px-secret"},
			target:  "/v1/chat/completions",
			want:    "px-secret",
		},
		{
			name:    "x-api-key",
			headers: map[string]string{"x-api-key": "px-secret"},
			target:  "/claude/v1/messages",
			want:    "px-secret",
		},
		{
			name:    "x-goog-api-key",
			headers: map[string]string{"x-goog-api-key": "px-secret"},
			target:  "/v1beta/models/m:generateContent",
			want:    "px-secret",
		},
		{
			name:   "gemini query parameter",
			target: "/v1beta/models/m:generateContent?key=px-secret",
			want:   "px-secret",
		},
		{
			name:    "basic auth ignored",
			headers: map[string]string{"Authorization": "Basic dXNlcjpwYXNz"},
			target:  "/v1/chat/completions",
			want:    "",
		},
		{
			name:   "nothing",
			target: "/v1/chat/completions",
			want:   "",
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", tt.target, nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := ExtractSecret(r); got != tt.want {
				t.Errorf("ExtractSecret() = %q, want %q", got, tt.want)
			}
		})
	}
}

func newTestRegistry(t *testing.T) *registry.Store {
	t.Helper()
	store, err := registry.NewStore(&registry.SQLiteConfig{
		Path:         filepath.Join(t.TempDir(), "registry.db"),
		MaxOpenConns: 2,
		MaxIdleConns: 1,
		WALMode:      true,
	})
	if err != nil {
		t.Fatalf("registry.NewStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAuthenticator(t *testing.T) {
	store := newTestRegistry(t)
	ctx := context.Background()

	enabled := &registry.ProxyKey{Secret: "px-good", Name: "team", Enabled: true}
	disabled := &registry.ProxyKey{Secret: "px-off", Name: "former-team", Enabled: false}
	for _, pk := range []*registry.ProxyKey{enabled, disabled} {
		if err := store.CreateProxyKey(ctx, pk); err != nil {
			t.Fatalf("CreateProxyKey() error = %v", err)
		}
	}

	a := NewAuthenticator(store)

	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer px-good")
	pk, err := a.Authenticate(ctx, r)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if pk.Name != "team" {
		t.Errorf("Authenticate() key = %+v", pk)
	}

	r = httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer px-wrong")
	if _, err := a.Authenticate(ctx, r); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong secret error = %v, want ErrInvalidCredentials", err)
	}

	r = httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.Header.Set("x-api-key", "px-off")
	if _, err := a.Authenticate(ctx, r); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("disabled key error = %v, want ErrInvalidCredentials", err)
	}

	r = httptest.NewRequest("POST", "/v1/chat/completions", nil)
	if _, err := a.Authenticate(ctx, r); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("no credential error = %v, want ErrNoCredentials", err)
	}
}

func TestSessionManager_RoundTrip(t *testing.T) {
	m, err := NewSessionManager("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewSessionManager() error = %v", err)
	}

	token, err := m.Issue("admin")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	subject, err := m.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if subject != "admin" {
		t.Errorf("subject = %q, want admin", subject)
	}
}

func TestSessionManager_RejectsTampering(t *testing.T) {
	m, _ := NewSessionManager("test-secret", time.Hour)
	other, _ := NewSessionManager("other-secret", time.Hour)

	token, _ := other.Issue("admin")
	if _, err := m.Verify(token); err == nil {
		t.Error("token signed with another secret verified")
	}
	if _, err := m.Verify(token + "x"); err == nil {
		t.Error("mangled token verified")
	}
}

func TestSessionManager_Expiry(t *testing.T) {
	m, _ := NewSessionManager("test-secret", -time.Minute)
	// Negative timeout is normalized to the default, so build an expired
	// token via a very short timeout instead.
	short := &SessionManager{secret: []byte("test-secret"), timeout: time.Millisecond}
	token, err := short.Issue("admin")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := m.Verify(token); err == nil {
		t.Error("expired token verified")
	}
}

func TestSessionManager_EmptySecret(t *testing.T) {
	if _, err := NewSessionManager("", time.Hour); err == nil {
		t.Error("empty secret accepted")
	}
}
