package server

import (
	"context"
	"testing"

	"github.com/raftworks/oauthd/storage"
	"github.com/raftworks/oauthd/token"
)

// issueTokens runs the full code flow and returns the minted tokens.
func issueTokens(t *testing.T, srv *Server, client *storage.Client, secret string) *TokenResult {
	t.Helper()

	verifier := token.Generate()
	code := issueCode(t, srv, client, verifier)

	result, err := srv.Exchange(context.Background(), &TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     client.ClientID,
		ClientSecret: secret,
		Code:         code,
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: verifier,
	})
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	return result
}

func TestRevoke_AccessToken(t *testing.T) {
	srv, store := newTestServer(t)
	client, secret := confidentialClient(t, srv)
	ctx := context.Background()

	tokens := issueTokens(t, srv, client, secret)

	if err := srv.Revoke(ctx, client, tokens.AccessToken, TokenTypeHintAccessToken, "127.0.0.1"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	record, _ := store.FindAccessTokenByHash(ctx, token.Hash(tokens.AccessToken))
	if !record.Revoked {
		t.Error("access token should be revoked")
	}

	// The refresh token is untouched by an access token revocation.
	refresh, _ := store.FindRefreshTokenByHash(ctx, token.Hash(tokens.RefreshToken))
	if refresh.Revoked {
		t.Error("refresh token should not be affected")
	}
}

func TestRevoke_RefreshTokenCascades(t *testing.T) {
	srv, store := newTestServer(t)
	client, secret := confidentialClient(t, srv)
	ctx := context.Background()

	tokens := issueTokens(t, srv, client, secret)

	// Mint a second access token from the refresh token.
	refreshed, err := srv.Exchange(ctx, &TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     client.ClientID,
		ClientSecret: secret,
		RefreshToken: tokens.RefreshToken,
	})
	if err != nil {
		t.Fatalf("refresh Exchange() error = %v", err)
	}

	if err := srv.Revoke(ctx, client, tokens.RefreshToken, TokenTypeHintRefreshToken, "127.0.0.1"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	refresh, _ := store.FindRefreshTokenByHash(ctx, token.Hash(tokens.RefreshToken))
	if !refresh.Revoked {
		t.Error("refresh token should be revoked")
	}

	for _, raw := range []string{tokens.AccessToken, refreshed.AccessToken} {
		record, _ := store.FindAccessTokenByHash(ctx, token.Hash(raw))
		if !record.Revoked {
			t.Error("access token minted from the refresh token should be revoked")
		}
	}
}

func TestRevoke_WrongHintStillWorks(t *testing.T) {
	srv, store := newTestServer(t)
	client, secret := confidentialClient(t, srv)
	ctx := context.Background()

	tokens := issueTokens(t, srv, client, secret)

	// Access token with the refresh hint.
	if err := srv.Revoke(ctx, client, tokens.AccessToken, TokenTypeHintRefreshToken, "127.0.0.1"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	record, _ := store.FindAccessTokenByHash(ctx, token.Hash(tokens.AccessToken))
	if !record.Revoked {
		t.Error("wrong hint must not change the revocation outcome")
	}
}

func TestRevoke_NonDisclosing(t *testing.T) {
	srv, store := newTestServer(t)
	client, secret := confidentialClient(t, srv)
	other, _ := registerTestClient(t, srv, &ClientRegistration{
		ClientType:   storage.ClientTypeConfidential,
		RedirectURIs: []string{"https://app.example.com/callback"},
		Scopes:       []string{"profile"},
	})
	ctx := context.Background()

	tokens := issueTokens(t, srv, client, secret)

	t.Run("unknown token succeeds silently", func(t *testing.T) {
		if err := srv.Revoke(ctx, client, token.Generate(), "", "127.0.0.1"); err != nil {
			t.Errorf("Revoke() error = %v", err)
		}
	})

	t.Run("foreign token succeeds without revoking", func(t *testing.T) {
		if err := srv.Revoke(ctx, other, tokens.AccessToken, "", "127.0.0.1"); err != nil {
			t.Errorf("Revoke() error = %v", err)
		}
		record, _ := store.FindAccessTokenByHash(ctx, token.Hash(tokens.AccessToken))
		if record.Revoked {
			t.Error("another client's revocation request must not revoke the token")
		}
	})

	t.Run("empty token succeeds", func(t *testing.T) {
		if err := srv.Revoke(ctx, client, "", "", "127.0.0.1"); err != nil {
			t.Errorf("Revoke() error = %v", err)
		}
	})
}

func TestIntrospect(t *testing.T) {
	srv, store := newTestServer(t)
	client, secret := confidentialClient(t, srv)
	other, _ := registerTestClient(t, srv, &ClientRegistration{
		ClientType:   storage.ClientTypeConfidential,
		RedirectURIs: []string{"https://app.example.com/callback"},
		Scopes:       []string{"profile"},
	})
	ctx := context.Background()

	tokens := issueTokens(t, srv, client, secret)

	t.Run("active access token", func(t *testing.T) {
		result, err := srv.Introspect(ctx, client, tokens.AccessToken, TokenTypeHintAccessToken)
		if err != nil {
			t.Fatalf("Introspect() error = %v", err)
		}
		if !result.Active {
			t.Fatal("token should be active")
		}
		if result.TokenType != TokenTypeHintAccessToken {
			t.Errorf("TokenType = %q", result.TokenType)
		}
		if result.SubjectID != "user-1" || result.ClientID != client.ClientID {
			t.Errorf("result = %+v", result)
		}
		if result.ExpiresAt.IsZero() || result.IssuedAt.IsZero() {
			t.Error("timestamps missing")
		}
	})

	t.Run("active refresh token", func(t *testing.T) {
		result, err := srv.Introspect(ctx, client, tokens.RefreshToken, TokenTypeHintRefreshToken)
		if err != nil {
			t.Fatalf("Introspect() error = %v", err)
		}
		if !result.Active || result.TokenType != TokenTypeHintRefreshToken {
			t.Errorf("result = %+v", result)
		}
	})

	t.Run("wrong hint still resolves", func(t *testing.T) {
		result, err := srv.Introspect(ctx, client, tokens.AccessToken, TokenTypeHintRefreshToken)
		if err != nil {
			t.Fatalf("Introspect() error = %v", err)
		}
		if !result.Active || result.TokenType != TokenTypeHintAccessToken {
			t.Errorf("result = %+v", result)
		}
	})

	t.Run("unknown token is inactive", func(t *testing.T) {
		result, err := srv.Introspect(ctx, client, token.Generate(), "")
		if err != nil {
			t.Fatalf("Introspect() error = %v", err)
		}
		if result.Active {
			t.Error("unknown token should be inactive")
		}
	})

	t.Run("foreign token is inactive", func(t *testing.T) {
		result, err := srv.Introspect(ctx, other, tokens.AccessToken, "")
		if err != nil {
			t.Fatalf("Introspect() error = %v", err)
		}
		if result.Active {
			t.Error("another client's token must introspect as inactive")
		}
		if result.ClientID != "" || result.SubjectID != "" {
			t.Error("inactive result must not leak token metadata")
		}
	})

	t.Run("revoked token is inactive", func(t *testing.T) {
		if err := store.RevokeAccessToken(ctx, token.Hash(tokens.AccessToken)); err != nil {
			t.Fatalf("RevokeAccessToken() error = %v", err)
		}
		result, err := srv.Introspect(ctx, client, tokens.AccessToken, "")
		if err != nil {
			t.Fatalf("Introspect() error = %v", err)
		}
		if result.Active {
			t.Error("revoked token should be inactive")
		}
	})
}

func TestUserInfo(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	if err := store.SaveSubject(ctx, &storage.Subject{
		ID:            "user-1",
		Name:          "Alice Example",
		Email:         "alice@example.com",
		EmailVerified: true,
	}); err != nil {
		t.Fatalf("SaveSubject() error = %v", err)
	}

	tests := []struct {
		name       string
		claims     *token.Claims
		wantKeys   []string
		absentKeys []string
	}{
		{
			name:       "profile and email scopes",
			claims:     &token.Claims{SubjectID: "user-1", Scopes: []string{"profile", "email"}},
			wantKeys:   []string{"sub", "name", "email", "email_verified"},
			absentKeys: nil,
		},
		{
			name:       "profile only",
			claims:     &token.Claims{SubjectID: "user-1", Scopes: []string{"profile"}},
			wantKeys:   []string{"sub", "name"},
			absentKeys: []string{"email", "email_verified"},
		},
		{
			name:       "no claim scopes",
			claims:     &token.Claims{SubjectID: "user-1"},
			wantKeys:   []string{"sub"},
			absentKeys: []string{"name", "email"},
		},
		{
			name:       "unknown subject yields sub only",
			claims:     &token.Claims{SubjectID: "ghost", Scopes: []string{"profile", "email"}},
			wantKeys:   []string{"sub"},
			absentKeys: []string{"name", "email"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := srv.UserInfo(ctx, tt.claims)
			if err != nil {
				t.Fatalf("UserInfo() error = %v", err)
			}
			for _, key := range tt.wantKeys {
				if _, ok := info[key]; !ok {
					t.Errorf("missing key %q in %v", key, info)
				}
			}
			for _, key := range tt.absentKeys {
				if _, ok := info[key]; ok {
					t.Errorf("unexpected key %q in %v", key, info)
				}
			}
		})
	}

	t.Run("empty subject is invalid_token", func(t *testing.T) {
		_, err := srv.UserInfo(ctx, &token.Claims{})
		if protoErr := protocolError(t, err); protoErr.Code != ErrorCodeInvalidToken {
			t.Errorf("code = %q, want invalid_token", protoErr.Code)
		}
	})
}
