package server

import (
	"context"
	"testing"

	"github.com/raftworks/oauthd/storage"
)

func TestRegisterClient_Confidential(t *testing.T) {
	srv, _ := newTestServer(t)

	client, secret := confidentialClient(t, srv)

	if client.ClientID == "" {
		t.Error("client_id not assigned")
	}
	if secret == "" {
		t.Error("confidential client should receive a secret")
	}
	if client.ClientSecretHash == secret {
		t.Error("secret must be stored hashed")
	}
	if !client.IsConfidential() {
		t.Error("IsConfidential() = false")
	}
}

func TestRegisterClient_Public(t *testing.T) {
	srv, _ := newTestServer(t)

	client, secret, err := srv.RegisterClient(context.Background(), &ClientRegistration{
		ClientType:   storage.ClientTypePublic,
		RedirectURIs: []string{"https://app.example.com/callback"},
	}, "127.0.0.1")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	if secret != "" {
		t.Error("public client must not receive a secret")
	}
	if client.ClientSecretHash != "" {
		t.Error("public client must not store a secret hash")
	}

	// Defaulted grants and response types.
	if !client.AllowsGrantType(GrantTypeAuthorizationCode) || !client.AllowsGrantType(GrantTypeRefreshToken) {
		t.Errorf("default grant types = %v", client.GrantTypes)
	}
	if !client.AllowsResponseType(ResponseTypeCode) {
		t.Errorf("default response types = %v", client.ResponseTypes)
	}
}

func TestRegisterClient_Validation(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name string
		reg  *ClientRegistration
	}{
		{
			name: "unknown client type",
			reg:  &ClientRegistration{ClientType: "hybrid"},
		},
		{
			name: "authorization_code without redirect URIs",
			reg: &ClientRegistration{
				ClientType: storage.ClientTypePublic,
				GrantTypes: []string{GrantTypeAuthorizationCode},
			},
		},
		{
			name: "redirect URI with fragment",
			reg: &ClientRegistration{
				ClientType:   storage.ClientTypePublic,
				RedirectURIs: []string{"https://app.example.com/callback#frag"},
			},
		},
		{
			name: "relative redirect URI",
			reg: &ClientRegistration{
				ClientType:   storage.ClientTypePublic,
				RedirectURIs: []string{"/callback"},
			},
		},
		{
			name: "client_credentials for public client",
			reg: &ClientRegistration{
				ClientType: storage.ClientTypePublic,
				GrantTypes: []string{GrantTypeClientCredentials},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := srv.RegisterClient(ctx, tt.reg, "127.0.0.1"); err == nil {
				t.Error("RegisterClient() should fail")
			}
		})
	}
}

func TestRegisterClient_PerIPLimit(t *testing.T) {
	srv, _ := newTestServer(t, func(c *Config) {
		c.MaxClientsPerIP = 2
	})
	ctx := context.Background()

	reg := func() *ClientRegistration {
		return &ClientRegistration{
			ClientType:   storage.ClientTypePublic,
			RedirectURIs: []string{"https://app.example.com/callback"},
		}
	}

	for i := 0; i < 2; i++ {
		if _, _, err := srv.RegisterClient(ctx, reg(), "203.0.113.7"); err != nil {
			t.Fatalf("registration %d error = %v", i+1, err)
		}
	}

	_, _, err := srv.RegisterClient(ctx, reg(), "203.0.113.7")
	if err == nil {
		t.Fatal("third registration from the same IP should fail")
	}
	protoErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("error type = %T, want *Error", err)
	}
	if protoErr.Code != ErrorCodeRateLimitExceeded {
		t.Errorf("code = %q, want rate_limit_exceeded", protoErr.Code)
	}
	if protoErr.Status != 429 {
		t.Errorf("status = %d, want 429", protoErr.Status)
	}

	// Other IPs are counted separately.
	if _, _, err := srv.RegisterClient(ctx, reg(), "203.0.113.8"); err != nil {
		t.Errorf("registration from a different IP error = %v", err)
	}
}

func TestRegisterClient_PerIPLimitDisabled(t *testing.T) {
	srv, _ := newTestServer(t, func(c *Config) {
		c.MaxClientsPerIP = -1
	})
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		_, _, err := srv.RegisterClient(ctx, &ClientRegistration{
			ClientType:   storage.ClientTypePublic,
			RedirectURIs: []string{"https://app.example.com/callback"},
		}, "203.0.113.7")
		if err != nil {
			t.Fatalf("registration %d error = %v", i+1, err)
		}
	}
}

func TestAuthenticateClient(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	confidential, secret := confidentialClient(t, srv)
	public := publicClient(t, srv)

	t.Run("confidential with correct secret", func(t *testing.T) {
		client, protoErr := srv.AuthenticateClient(ctx, confidential.ClientID, secret, "127.0.0.1")
		if protoErr != nil {
			t.Fatalf("AuthenticateClient() error = %v", protoErr)
		}
		if client.ClientID != confidential.ClientID {
			t.Error("wrong client returned")
		}
	})

	t.Run("public without secret", func(t *testing.T) {
		if _, protoErr := srv.AuthenticateClient(ctx, public.ClientID, "", "127.0.0.1"); protoErr != nil {
			t.Errorf("AuthenticateClient() error = %v", protoErr)
		}
	})

	// All failure modes produce the identical invalid_client error, so a
	// caller cannot probe for registered client IDs.
	failures := []struct {
		name   string
		id     string
		secret string
	}{
		{"unknown client", "missing", "whatever"},
		{"empty client id", "", ""},
		{"wrong secret", confidential.ClientID, "wrong"},
		{"missing secret", confidential.ClientID, ""},
		{"public client presenting a secret", public.ClientID, "unexpected"},
	}

	var messages []string
	for _, tt := range failures {
		t.Run(tt.name, func(t *testing.T) {
			_, protoErr := srv.AuthenticateClient(ctx, tt.id, tt.secret, "127.0.0.1")
			if protoErr == nil {
				t.Fatal("AuthenticateClient() should fail")
			}
			if protoErr.Code != ErrorCodeInvalidClient {
				t.Errorf("code = %q, want invalid_client", protoErr.Code)
			}
			messages = append(messages, protoErr.Description)
		})
	}

	for i := 1; i < len(messages); i++ {
		if messages[i] != messages[0] {
			t.Errorf("failure descriptions differ: %q vs %q", messages[0], messages[i])
		}
	}
}
