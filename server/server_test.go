package server

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"log/slog"
	"testing"

	"github.com/raftworks/oauthd/storage"
	"github.com/raftworks/oauthd/storage/memory"
	"github.com/raftworks/oauthd/token"
)

func newTestServer(t *testing.T, mutate ...func(*Config)) (*Server, *memory.Store) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	codec, err := token.NewCodec(store, store)
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}

	config := NewConfig("https://auth.example.com")
	for _, m := range mutate {
		m(config)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := New(Stores{
		Clients:       store,
		Codes:         store,
		AccessTokens:  store,
		RefreshTokens: store,
		Subjects:      store,
	}, codec, config, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv, store
}

func registerTestClient(t *testing.T, srv *Server, reg *ClientRegistration) (*storage.Client, string) {
	t.Helper()

	client, secret, err := srv.RegisterClient(context.Background(), reg, "127.0.0.1")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	return client, secret
}

func confidentialClient(t *testing.T, srv *Server) (*storage.Client, string) {
	t.Helper()
	return registerTestClient(t, srv, &ClientRegistration{
		ClientName:   "Test Confidential",
		ClientType:   storage.ClientTypeConfidential,
		RedirectURIs: []string{"https://app.example.com/callback"},
		GrantTypes:   []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken, GrantTypeClientCredentials},
		Scopes:       []string{"profile", "email"},
	})
}

func publicClient(t *testing.T, srv *Server) *storage.Client {
	t.Helper()
	client, _ := registerTestClient(t, srv, &ClientRegistration{
		ClientName:   "Test Public",
		ClientType:   storage.ClientTypePublic,
		RedirectURIs: []string{"https://app.example.com/callback"},
		Scopes:       []string{"profile", "email"},
	})
	return client
}

// s256Challenge derives the S256 code challenge for a verifier.
func s256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func TestNew_RequiredDependencies(t *testing.T) {
	store := memory.New()
	t.Cleanup(store.Stop)

	codec, err := token.NewCodec(store, store)
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}

	full := Stores{
		Clients:       store,
		Codes:         store,
		AccessTokens:  store,
		RefreshTokens: store,
		Subjects:      store,
	}

	tests := []struct {
		name   string
		stores Stores
		codec  *token.Codec
	}{
		{"missing clients", Stores{Codes: store, AccessTokens: store, RefreshTokens: store}, codec},
		{"missing codes", Stores{Clients: store, AccessTokens: store, RefreshTokens: store}, codec},
		{"missing access tokens", Stores{Clients: store, Codes: store, RefreshTokens: store}, codec},
		{"missing refresh tokens", Stores{Clients: store, Codes: store, AccessTokens: store}, codec},
		{"missing codec", full, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.stores, tt.codec, nil, nil); err == nil {
				t.Error("New() should fail")
			}
		})
	}

	srv, err := New(full, codec, nil, nil)
	if err != nil {
		t.Fatalf("New() with full stores error = %v", err)
	}
	if srv.Config == nil {
		t.Error("New() should default the config")
	}
}

func TestConfigDefaults(t *testing.T) {
	config := NewConfig("https://auth.example.com")

	if config.AuthorizationCodeTTL != 600 {
		t.Errorf("AuthorizationCodeTTL = %d, want 600", config.AuthorizationCodeTTL)
	}
	if config.AccessTokenTTL != 3600 {
		t.Errorf("AccessTokenTTL = %d, want 3600", config.AccessTokenTTL)
	}
	if config.RefreshTokenTTL != 2592000 {
		t.Errorf("RefreshTokenTTL = %d, want 2592000", config.RefreshTokenTTL)
	}
	if !config.RequirePKCE {
		t.Error("RequirePKCE should default to true")
	}
	if !config.AllowPKCEPlain {
		t.Error("AllowPKCEPlain should default to true")
	}
	if config.RotateRefreshTokens {
		t.Error("RotateRefreshTokens should default to false")
	}
	if config.ClockSkewGracePeriod != 5 {
		t.Errorf("ClockSkewGracePeriod = %d, want 5", config.ClockSkewGracePeriod)
	}
}

func TestConfigDeliberateSettingsPreserved(t *testing.T) {
	// A config that set any security boolean is not treated as fresh,
	// so RequirePKCE=false survives.
	config := applySecureDefaults(&Config{
		Issuer:     "https://auth.example.com",
		TrustProxy: true,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if config.RequirePKCE {
		t.Error("deliberate RequirePKCE=false should be preserved")
	}
}
