package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/raftworks/oauthd/security"
	"github.com/raftworks/oauthd/storage"
	"github.com/raftworks/oauthd/token"
)

// issueCode runs an authorization request with an S256 challenge and
// returns the issued code.
func issueCode(t *testing.T, srv *Server, client *storage.Client, verifier string) string {
	t.Helper()

	result, err := srv.Authorize(context.Background(), &AuthorizationRequest{
		ResponseType:        ResponseTypeCode,
		ClientID:            client.ClientID,
		RedirectURI:         "https://app.example.com/callback",
		Scopes:              []string{"profile"},
		CodeChallenge:       s256Challenge(verifier),
		CodeChallengeMethod: PKCEMethodS256,
		SubjectID:           "user-1",
	})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	return result.Code
}

func protocolError(t *testing.T, err error) *Error {
	t.Helper()

	var protoErr *Error
	if !errors.As(err, &protoErr) {
		t.Fatalf("error = %v, want *Error", err)
	}
	return protoErr
}

func TestExchange_AuthorizationCode(t *testing.T) {
	srv, _ := newTestServer(t)
	client, secret := confidentialClient(t, srv)
	ctx := context.Background()

	verifier := token.Generate()
	code := issueCode(t, srv, client, verifier)

	result, err := srv.Exchange(ctx, &TokenRequest{
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

	if result.AccessToken == "" {
		t.Error("no access token issued")
	}
	if result.TokenType != "Bearer" {
		t.Errorf("TokenType = %q", result.TokenType)
	}
	if result.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d, want 3600", result.ExpiresIn)
	}
	if result.RefreshToken == "" {
		t.Error("client allows refresh_token grant, expected a refresh token")
	}
	if len(result.Scopes) != 1 || result.Scopes[0] != "profile" {
		t.Errorf("Scopes = %v", result.Scopes)
	}

	claims, err := srv.Codec().VerifyAccessToken(ctx, result.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken() error = %v", err)
	}
	if claims.SubjectID != "user-1" || claims.ClientID != client.ClientID {
		t.Errorf("claims = %+v", claims)
	}
}

func TestExchange_AuthorizationCode_PublicClientPKCE(t *testing.T) {
	srv, _ := newTestServer(t)
	client := publicClient(t, srv)

	verifier := token.Generate()
	code := issueCode(t, srv, client, verifier)

	result, err := srv.Exchange(context.Background(), &TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     client.ClientID,
		Code:         code,
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: verifier,
	})
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if result.AccessToken == "" {
		t.Error("no access token issued")
	}
}

func TestExchange_AuthorizationCode_Failures(t *testing.T) {
	srv, _ := newTestServer(t)
	client, secret := confidentialClient(t, srv)
	other, otherSecret := registerTestClient(t, srv, &ClientRegistration{
		ClientType:   storage.ClientTypeConfidential,
		RedirectURIs: []string{"https://app.example.com/callback"},
		Scopes:       []string{"profile"},
	})
	ctx := context.Background()

	verifier := token.Generate()

	tests := []struct {
		name     string
		req      func() *TokenRequest
		wantCode string
	}{
		{
			name: "missing code",
			req: func() *TokenRequest {
				return &TokenRequest{
					GrantType:    GrantTypeAuthorizationCode,
					ClientID:     client.ClientID,
					ClientSecret: secret,
				}
			},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name: "unknown code",
			req: func() *TokenRequest {
				return &TokenRequest{
					GrantType:    GrantTypeAuthorizationCode,
					ClientID:     client.ClientID,
					ClientSecret: secret,
					Code:         "no-such-code",
					RedirectURI:  "https://app.example.com/callback",
					CodeVerifier: verifier,
				}
			},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name: "code bound to another client",
			req: func() *TokenRequest {
				code := issueCode(t, srv, client, verifier)
				return &TokenRequest{
					GrantType:    GrantTypeAuthorizationCode,
					ClientID:     other.ClientID,
					ClientSecret: otherSecret,
					Code:         code,
					RedirectURI:  "https://app.example.com/callback",
					CodeVerifier: verifier,
				}
			},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name: "redirect URI mismatch",
			req: func() *TokenRequest {
				code := issueCode(t, srv, client, verifier)
				return &TokenRequest{
					GrantType:    GrantTypeAuthorizationCode,
					ClientID:     client.ClientID,
					ClientSecret: secret,
					Code:         code,
					RedirectURI:  "https://app.example.com/other",
					CodeVerifier: verifier,
				}
			},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name: "wrong verifier",
			req: func() *TokenRequest {
				code := issueCode(t, srv, client, verifier)
				return &TokenRequest{
					GrantType:    GrantTypeAuthorizationCode,
					ClientID:     client.ClientID,
					ClientSecret: secret,
					Code:         code,
					RedirectURI:  "https://app.example.com/callback",
					CodeVerifier: token.Generate(),
				}
			},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name: "bad client credentials",
			req: func() *TokenRequest {
				return &TokenRequest{
					GrantType:    GrantTypeAuthorizationCode,
					ClientID:     client.ClientID,
					ClientSecret: "wrong",
					Code:         "irrelevant",
				}
			},
			wantCode: ErrorCodeInvalidClient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srv.Exchange(ctx, tt.req())
			if protoErr := protocolError(t, err); protoErr.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", protoErr.Code, tt.wantCode)
			}
		})
	}
}

func TestExchange_CodeReuseRevokesIssuedTokens(t *testing.T) {
	srv, store := newTestServer(t)
	client, secret := confidentialClient(t, srv)
	ctx := context.Background()

	verifier := token.Generate()
	code := issueCode(t, srv, client, verifier)

	req := &TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     client.ClientID,
		ClientSecret: secret,
		Code:         code,
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: verifier,
	}

	result, err := srv.Exchange(ctx, req)
	if err != nil {
		t.Fatalf("first Exchange() error = %v", err)
	}

	// Replay the same code.
	_, err = srv.Exchange(ctx, req)
	if protoErr := protocolError(t, err); protoErr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("replay code = %q, want invalid_grant", protoErr.Code)
	}

	// The tokens from the first redemption are dead.
	accessRecord, err := store.FindAccessTokenByHash(ctx, token.Hash(result.AccessToken))
	if err != nil {
		t.Fatalf("FindAccessTokenByHash() error = %v", err)
	}
	if !accessRecord.Revoked {
		t.Error("access token should be revoked after code reuse")
	}

	refreshRecord, err := store.FindRefreshTokenByHash(ctx, token.Hash(result.RefreshToken))
	if err != nil {
		t.Fatalf("FindRefreshTokenByHash() error = %v", err)
	}
	if !refreshRecord.Revoked {
		t.Error("refresh token should be revoked after code reuse")
	}

	if _, err := srv.Codec().VerifyAccessToken(ctx, result.AccessToken); err == nil {
		t.Error("revoked access token should no longer verify")
	}
}

// TestExchange_ConcurrentRedemption checks the single-use guarantee
// end to end: many concurrent exchanges of one code produce exactly
// one token response.
func TestExchange_ConcurrentRedemption(t *testing.T) {
	srv, _ := newTestServer(t)
	client, secret := confidentialClient(t, srv)

	verifier := token.Generate()
	code := issueCode(t, srv, client, verifier)

	const workers = 20

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := srv.Exchange(context.Background(), &TokenRequest{
				GrantType:    GrantTypeAuthorizationCode,
				ClientID:     client.ClientID,
				ClientSecret: secret,
				Code:         code,
				RedirectURI:  "https://app.example.com/callback",
				CodeVerifier: verifier,
			})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
}

func TestExchange_RefreshToken_NonRotating(t *testing.T) {
	srv, store := newTestServer(t)
	client, secret := confidentialClient(t, srv)
	ctx := context.Background()

	verifier := token.Generate()
	code := issueCode(t, srv, client, verifier)
	initial, err := srv.Exchange(ctx, &TokenRequest{
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

	refreshed, err := srv.Exchange(ctx, &TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     client.ClientID,
		ClientSecret: secret,
		RefreshToken: initial.RefreshToken,
	})
	if err != nil {
		t.Fatalf("refresh Exchange() error = %v", err)
	}

	if refreshed.AccessToken == "" || refreshed.AccessToken == initial.AccessToken {
		t.Error("refresh should mint a fresh access token")
	}
	if refreshed.RefreshToken != "" {
		t.Error("non-rotating mode must not return a new refresh token")
	}

	record, err := store.FindRefreshTokenByHash(ctx, token.Hash(initial.RefreshToken))
	if err != nil {
		t.Fatalf("FindRefreshTokenByHash() error = %v", err)
	}
	if record.Revoked {
		t.Error("refresh token must stay valid in non-rotating mode")
	}
	if record.LastUsedAt.IsZero() {
		t.Error("LastUsedAt should be touched on use")
	}

	// The token keeps working.
	if _, err := srv.Exchange(ctx, &TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     client.ClientID,
		ClientSecret: secret,
		RefreshToken: initial.RefreshToken,
	}); err != nil {
		t.Errorf("second refresh error = %v", err)
	}
}

func TestExchange_RefreshToken_Rotation(t *testing.T) {
	srv, store := newTestServer(t, func(c *Config) {
		c.RotateRefreshTokens = true
	})
	client, secret := confidentialClient(t, srv)
	ctx := context.Background()

	verifier := token.Generate()
	code := issueCode(t, srv, client, verifier)
	initial, err := srv.Exchange(ctx, &TokenRequest{
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

	refreshed, err := srv.Exchange(ctx, &TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     client.ClientID,
		ClientSecret: secret,
		RefreshToken: initial.RefreshToken,
	})
	if err != nil {
		t.Fatalf("refresh Exchange() error = %v", err)
	}

	if refreshed.RefreshToken == "" || refreshed.RefreshToken == initial.RefreshToken {
		t.Fatal("rotation should return a replacement refresh token")
	}

	old, _ := store.FindRefreshTokenByHash(ctx, token.Hash(initial.RefreshToken))
	if !old.Revoked {
		t.Error("rotated-out refresh token should be revoked")
	}

	// Replaying the old token is the reuse signal: the replay fails and
	// the access tokens minted from it are cut off.
	_, err = srv.Exchange(ctx, &TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     client.ClientID,
		ClientSecret: secret,
		RefreshToken: initial.RefreshToken,
	})
	if protoErr := protocolError(t, err); protoErr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("replay code = %q, want invalid_grant", protoErr.Code)
	}

	// The replacement token still works.
	if _, err := srv.Exchange(ctx, &TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     client.ClientID,
		ClientSecret: secret,
		RefreshToken: refreshed.RefreshToken,
	}); err != nil {
		t.Errorf("replacement token refresh error = %v", err)
	}
}

func TestExchange_RefreshToken_ScopeNarrowing(t *testing.T) {
	srv, _ := newTestServer(t)
	client, secret := confidentialClient(t, srv)
	ctx := context.Background()

	// Grant both scopes at authorization time.
	result, err := srv.Authorize(ctx, &AuthorizationRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     client.ClientID,
		RedirectURI:  "https://app.example.com/callback",
		Scopes:       []string{"profile", "email"},
		SubjectID:    "user-1",
	})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	initial, err := srv.Exchange(ctx, &TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     client.ClientID,
		ClientSecret: secret,
		Code:         result.Code,
		RedirectURI:  "https://app.example.com/callback",
	})
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}

	narrowed, err := srv.Exchange(ctx, &TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     client.ClientID,
		ClientSecret: secret,
		RefreshToken: initial.RefreshToken,
		Scopes:       []string{"profile"},
	})
	if err != nil {
		t.Fatalf("narrowed refresh error = %v", err)
	}
	if len(narrowed.Scopes) != 1 || narrowed.Scopes[0] != "profile" {
		t.Errorf("narrowed scopes = %v", narrowed.Scopes)
	}

	// Widening past the original grant is rejected.
	_, err = srv.Exchange(ctx, &TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     client.ClientID,
		ClientSecret: secret,
		RefreshToken: initial.RefreshToken,
		Scopes:       []string{"profile", "admin"},
	})
	if protoErr := protocolError(t, err); protoErr.Code != ErrorCodeInvalidScope {
		t.Errorf("widening code = %q, want invalid_scope", protoErr.Code)
	}
}

func TestExchange_RefreshToken_Failures(t *testing.T) {
	srv, store := newTestServer(t)
	client, secret := confidentialClient(t, srv)
	other, otherSecret := registerTestClient(t, srv, &ClientRegistration{
		ClientType:   storage.ClientTypeConfidential,
		RedirectURIs: []string{"https://app.example.com/callback"},
		Scopes:       []string{"profile"},
	})
	ctx := context.Background()

	// An expired refresh token, planted directly in storage.
	expiredRaw := token.Generate()
	if err := store.CreateRefreshToken(ctx, &storage.RefreshToken{
		Hash:      token.Hash(expiredRaw),
		ClientID:  client.ClientID,
		SubjectID: "user-1",
		CreatedAt: time.Now().Add(-48 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("CreateRefreshToken() error = %v", err)
	}

	// A live token owned by client, presented by other.
	liveRaw := token.Generate()
	if err := store.CreateRefreshToken(ctx, &storage.RefreshToken{
		Hash:      token.Hash(liveRaw),
		ClientID:  client.ClientID,
		SubjectID: "user-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("CreateRefreshToken() error = %v", err)
	}

	tests := []struct {
		name     string
		req      *TokenRequest
		wantCode string
	}{
		{
			name: "missing token",
			req: &TokenRequest{
				GrantType:    GrantTypeRefreshToken,
				ClientID:     client.ClientID,
				ClientSecret: secret,
			},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name: "unknown token",
			req: &TokenRequest{
				GrantType:    GrantTypeRefreshToken,
				ClientID:     client.ClientID,
				ClientSecret: secret,
				RefreshToken: token.Generate(),
			},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name: "expired token",
			req: &TokenRequest{
				GrantType:    GrantTypeRefreshToken,
				ClientID:     client.ClientID,
				ClientSecret: secret,
				RefreshToken: expiredRaw,
			},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name: "token owned by another client",
			req: &TokenRequest{
				GrantType:    GrantTypeRefreshToken,
				ClientID:     other.ClientID,
				ClientSecret: otherSecret,
				RefreshToken: liveRaw,
			},
			wantCode: ErrorCodeInvalidGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srv.Exchange(ctx, tt.req)
			if protoErr := protocolError(t, err); protoErr.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", protoErr.Code, tt.wantCode)
			}
		})
	}
}

func TestExchange_ClientCredentials(t *testing.T) {
	srv, _ := newTestServer(t)
	client, secret := confidentialClient(t, srv)
	ctx := context.Background()

	result, err := srv.Exchange(ctx, &TokenRequest{
		GrantType:    GrantTypeClientCredentials,
		ClientID:     client.ClientID,
		ClientSecret: secret,
		Scopes:       []string{"profile"},
	})
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}

	if result.AccessToken == "" {
		t.Error("no access token issued")
	}
	if result.RefreshToken != "" {
		t.Error("client_credentials must not issue a refresh token")
	}

	claims, err := srv.Codec().VerifyAccessToken(ctx, result.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken() error = %v", err)
	}
	if claims.SubjectID != "" {
		t.Errorf("SubjectID = %q, want empty for client_credentials", claims.SubjectID)
	}
	if claims.ClientID != client.ClientID {
		t.Errorf("ClientID = %q", claims.ClientID)
	}
}

func TestExchange_ClientCredentials_RequiresConfidential(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	// Registration refuses this combination, so plant the client
	// directly to exercise the grant handler's own check.
	if err := store.SaveClient(ctx, &storage.Client{
		ClientID:   "crafted-public",
		ClientType: storage.ClientTypePublic,
		GrantTypes: []string{GrantTypeClientCredentials},
	}); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	_, err := srv.Exchange(ctx, &TokenRequest{
		GrantType: GrantTypeClientCredentials,
		ClientID:  "crafted-public",
	})
	if protoErr := protocolError(t, err); protoErr.Code != ErrorCodeUnauthorizedClient {
		t.Errorf("code = %q, want unauthorized_client", protoErr.Code)
	}
}

func TestExchange_GrantTypeChecks(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	t.Run("grant not registered for client", func(t *testing.T) {
		public := publicClient(t, srv)
		_, err := srv.Exchange(ctx, &TokenRequest{
			GrantType: GrantTypeClientCredentials,
			ClientID:  public.ClientID,
		})
		if protoErr := protocolError(t, err); protoErr.Code != ErrorCodeUnauthorizedClient {
			t.Errorf("code = %q, want unauthorized_client", protoErr.Code)
		}
	})

	t.Run("grant unknown to the server", func(t *testing.T) {
		if err := store.SaveClient(ctx, &storage.Client{
			ClientID:   "device-client",
			ClientType: storage.ClientTypePublic,
			GrantTypes: []string{"urn:ietf:params:oauth:grant-type:device_code"},
		}); err != nil {
			t.Fatalf("SaveClient() error = %v", err)
		}
		_, err := srv.Exchange(ctx, &TokenRequest{
			GrantType: "urn:ietf:params:oauth:grant-type:device_code",
			ClientID:  "device-client",
		})
		if protoErr := protocolError(t, err); protoErr.Code != ErrorCodeUnsupportedGrantType {
			t.Errorf("code = %q, want unsupported_grant_type", protoErr.Code)
		}
	})
}

func TestExchange_ClientRateLimit(t *testing.T) {
	srv, _ := newTestServer(t)
	client, secret := confidentialClient(t, srv)
	ctx := context.Background()

	srv.SetClientLimiter(security.NewRateLimiter(1, 1, nil))
	t.Cleanup(srv.ClientLimiter.Stop)

	first := &TokenRequest{
		GrantType:    GrantTypeClientCredentials,
		ClientID:     client.ClientID,
		ClientSecret: secret,
	}
	if _, err := srv.Exchange(ctx, first); err != nil {
		t.Fatalf("first Exchange() error = %v", err)
	}

	_, err := srv.Exchange(ctx, first)
	protoErr := protocolError(t, err)
	if protoErr.Code != ErrorCodeRateLimitExceeded {
		t.Errorf("code = %q, want rate_limit_exceeded", protoErr.Code)
	}
	if protoErr.Status != 429 {
		t.Errorf("status = %d, want 429", protoErr.Status)
	}
}
