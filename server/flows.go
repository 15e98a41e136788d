package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/raftworks/oauthd/internal/util"
	"github.com/raftworks/oauthd/security"
	"github.com/raftworks/oauthd/storage"
	"github.com/raftworks/oauthd/token"
)

// TokenRequest is a parsed token endpoint request.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scopes       []string
	ClientIP     string
}

// TokenResult is a successful token endpoint response before
// serialization.
type TokenResult struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	Scopes       []string
}

// Exchange authenticates the client and dispatches to the grant
// handler for the requested grant type.
func (s *Server) Exchange(ctx context.Context, req *TokenRequest) (*TokenResult, error) {
	client, protoErr := s.AuthenticateClient(ctx, req.ClientID, req.ClientSecret, req.ClientIP)
	if protoErr != nil {
		return nil, protoErr
	}

	if s.ClientLimiter != nil && !s.ClientLimiter.Allow(client.ClientID) {
		if s.Auditor != nil {
			s.Auditor.LogRateLimitExceeded(req.ClientIP, client.ClientID)
		}
		if m := s.metrics(); m != nil {
			m.RecordRateLimitExceeded(ctx, "client")
		}
		return nil, NewError(ErrorCodeRateLimitExceeded, "rate limit exceeded, try again later", http.StatusTooManyRequests)
	}

	if !client.AllowsGrantType(req.GrantType) {
		return nil, ErrUnauthorizedClient(fmt.Sprintf("client is not authorized for grant type %q", req.GrantType))
	}

	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return s.exchangeAuthorizationCode(ctx, client, req)
	case GrantTypeRefreshToken:
		return s.exchangeRefreshToken(ctx, client, req)
	case GrantTypeClientCredentials:
		return s.exchangeClientCredentials(ctx, client, req)
	default:
		return nil, ErrUnsupportedGrantType(fmt.Sprintf("grant type %q is not supported", req.GrantType))
	}
}

// exchangeAuthorizationCode redeems a single-use authorization code
// for tokens. Consumption is atomic in storage, so a concurrently
// redeemed code fails here with ErrCodeConsumed and triggers the
// reuse response: revoke whatever the first redemption minted.
func (s *Server) exchangeAuthorizationCode(ctx context.Context, client *storage.Client, req *TokenRequest) (*TokenResult, error) {
	if req.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	code, err := s.stores.Codes.ConsumeAuthorizationCode(ctx, req.Code)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrCodeConsumed):
		s.handleCodeReuse(ctx, code, client, req.ClientIP)
		return nil, ErrInvalidGrant("authorization code is invalid or expired")
	case errors.Is(err, storage.ErrCodeNotFound), errors.Is(err, storage.ErrCodeExpired):
		return nil, ErrInvalidGrant("authorization code is invalid or expired")
	default:
		s.Logger.Error("authorization code lookup failed", "error", err)
		return nil, ErrServerError("token exchange failed")
	}

	if code.ClientID != client.ClientID {
		return nil, ErrInvalidGrant("authorization code is invalid or expired")
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}

	if protoErr := s.verifyPKCE(code, req.CodeVerifier); protoErr != nil {
		if m := s.metrics(); m != nil {
			m.RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod)
		}
		return nil, protoErr
	}

	var refreshRaw, refreshHash string
	if client.AllowsGrantType(GrantTypeRefreshToken) {
		raw, record, err := s.codec.IssueRefreshToken(ctx, code.SubjectID, client.ClientID, code.Scopes, s.refreshTokenTTL(client))
		if err != nil {
			s.Logger.Error("failed to issue refresh token", "error", err)
			return nil, ErrServerError("token exchange failed")
		}
		refreshRaw, refreshHash = raw, record.Hash
	}

	accessTTL := s.accessTokenTTL(client)
	accessRaw, accessRecord, err := s.codec.IssueAccessToken(ctx, code.SubjectID, client.ClientID, code.Scopes, accessTTL, refreshHash)
	if err != nil {
		s.Logger.Error("failed to issue access token", "error", err)
		return nil, ErrServerError("token exchange failed")
	}

	if err := s.stores.Codes.AttachIssuedTokens(ctx, code.Code, accessRecord.Hash, refreshHash); err != nil {
		s.Logger.Warn("failed to bind issued tokens to code", "error", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(code.SubjectID, client.ClientID, req.ClientIP,
			GrantTypeAuthorizationCode, util.JoinScopes(code.Scopes))
	}
	if m := s.metrics(); m != nil {
		method := code.CodeChallengeMethod
		if code.CodeChallenge != "" && method == "" {
			method = PKCEMethodPlain
		}
		m.RecordCodeExchange(ctx, client.ClientID, method)
	}

	s.Logger.Info("authorization code exchanged",
		"client_id", client.ClientID,
		"scopes", code.Scopes,
		"refresh_issued", refreshRaw != "")

	return &TokenResult{
		AccessToken:  accessRaw,
		TokenType:    "Bearer",
		ExpiresIn:    int64(accessTTL / time.Second),
		RefreshToken: refreshRaw,
		Scopes:       code.Scopes,
	}, nil
}

// handleCodeReuse revokes the tokens minted from an authorization code
// that is being redeemed a second time. A replayed code means either a
// leaked code or a leaked response; the tokens from the first
// redemption can no longer be trusted.
func (s *Server) handleCodeReuse(ctx context.Context, code *storage.AuthorizationCode, client *storage.Client, clientIP string) {
	s.Logger.Warn("authorization code reuse detected",
		"client_id", client.ClientID,
		"code_client_id", codeClientID(code))

	if s.Auditor != nil {
		s.Auditor.LogCodeReuseDetected(codeSubjectID(code), client.ClientID, clientIP)
	}
	if m := s.metrics(); m != nil {
		m.RecordCodeReuseDetected(ctx)
	}

	if code == nil {
		return
	}
	if code.IssuedAccessTokenHash != "" {
		if err := s.stores.AccessTokens.RevokeAccessToken(ctx, code.IssuedAccessTokenHash); err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
			s.Logger.Error("failed to revoke access token after code reuse", "error", err)
		}
	}
	if code.IssuedRefreshTokenHash != "" {
		if err := s.stores.RefreshTokens.RevokeRefreshToken(ctx, code.IssuedRefreshTokenHash); err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
			s.Logger.Error("failed to revoke refresh token after code reuse", "error", err)
		}
		if _, err := s.stores.AccessTokens.RevokeAccessTokensForRefreshToken(ctx, code.IssuedRefreshTokenHash); err != nil {
			s.Logger.Error("failed to revoke refreshed access tokens after code reuse", "error", err)
		}
	}
}

// exchangeRefreshToken redeems a refresh token for a new access token.
// By default the refresh token is long-lived and returned unchanged;
// with rotation enabled a replacement is issued and the old one
// revoked.
func (s *Server) exchangeRefreshToken(ctx context.Context, client *storage.Client, req *TokenRequest) (*TokenResult, error) {
	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	hash := token.Hash(req.RefreshToken)
	record, err := s.stores.RefreshTokens.FindRefreshTokenByHash(ctx, hash)
	if err != nil {
		if !errors.Is(err, storage.ErrTokenNotFound) {
			s.Logger.Error("refresh token lookup failed", "error", err)
			return nil, ErrServerError("token exchange failed")
		}
		return nil, ErrInvalidGrant("refresh token is invalid or expired")
	}

	if record.Revoked {
		// A revoked token presented again is treated as replay: with
		// rotation enabled this is the classic rotated-token reuse
		// signal, so cut off the access tokens it produced as well.
		if s.Config.RotateRefreshTokens {
			if _, err := s.stores.AccessTokens.RevokeAccessTokensForRefreshToken(ctx, hash); err != nil {
				s.Logger.Error("failed to revoke access tokens after refresh reuse", "error", err)
			}
			if m := s.metrics(); m != nil {
				m.RecordTokenReuseDetected(ctx)
			}
		}
		return nil, ErrInvalidGrant("refresh token is invalid or expired")
	}
	if security.IsExpiredWithGrace(record.ExpiresAt, s.clockSkewGrace()) {
		return nil, ErrInvalidGrant("refresh token is invalid or expired")
	}
	if record.ClientID != client.ClientID {
		return nil, ErrInvalidGrant("refresh token is invalid or expired")
	}

	scopes := record.Scopes
	if len(req.Scopes) > 0 {
		narrowed, protoErr := narrowScopes(record.Scopes, req.Scopes)
		if protoErr != nil {
			return nil, protoErr
		}
		scopes = narrowed
	}

	rotated := s.Config.RotateRefreshTokens
	newRefreshRaw := ""
	activeHash := hash

	if rotated {
		raw, newRecord, err := s.codec.IssueRefreshToken(ctx, record.SubjectID, client.ClientID, record.Scopes, s.refreshTokenTTL(client))
		if err != nil {
			s.Logger.Error("failed to rotate refresh token", "error", err)
			return nil, ErrServerError("token exchange failed")
		}
		if err := s.stores.RefreshTokens.RevokeRefreshToken(ctx, hash); err != nil {
			s.Logger.Error("failed to revoke rotated refresh token", "error", err)
		}
		newRefreshRaw, activeHash = raw, newRecord.Hash
	} else {
		if err := s.stores.RefreshTokens.TouchRefreshToken(ctx, hash, time.Now()); err != nil {
			s.Logger.Warn("failed to touch refresh token", "error", err)
		}
	}

	accessTTL := s.accessTokenTTL(client)
	accessRaw, _, err := s.codec.IssueAccessToken(ctx, record.SubjectID, client.ClientID, scopes, accessTTL, activeHash)
	if err != nil {
		s.Logger.Error("failed to issue access token", "error", err)
		return nil, ErrServerError("token exchange failed")
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(record.SubjectID, client.ClientID, req.ClientIP, rotated)
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, client.ClientID, rotated)
	}

	return &TokenResult{
		AccessToken:  accessRaw,
		TokenType:    "Bearer",
		ExpiresIn:    int64(accessTTL / time.Second),
		RefreshToken: newRefreshRaw,
		Scopes:       scopes,
	}, nil
}

// exchangeClientCredentials issues an access token representing the
// client itself. No subject, no refresh token.
func (s *Server) exchangeClientCredentials(ctx context.Context, client *storage.Client, req *TokenRequest) (*TokenResult, error) {
	if !client.IsConfidential() {
		return nil, ErrUnauthorizedClient("client_credentials grant requires a confidential client")
	}

	scopes, protoErr := s.ValidateScopes(client, req.Scopes)
	if protoErr != nil {
		return nil, protoErr
	}

	accessTTL := s.accessTokenTTL(client)
	accessRaw, _, err := s.codec.IssueAccessToken(ctx, "", client.ClientID, scopes, accessTTL, "")
	if err != nil {
		s.Logger.Error("failed to issue access token", "error", err)
		return nil, ErrServerError("token exchange failed")
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued("", client.ClientID, req.ClientIP,
			GrantTypeClientCredentials, util.JoinScopes(scopes))
	}

	return &TokenResult{
		AccessToken: accessRaw,
		TokenType:   "Bearer",
		ExpiresIn:   int64(accessTTL / time.Second),
		Scopes:      scopes,
	}, nil
}

// narrowScopes checks that requested is a subset of granted and
// returns the narrowed list.
func narrowScopes(granted, requested []string) ([]string, *Error) {
	allowed := make(map[string]bool, len(granted))
	for _, scope := range granted {
		allowed[scope] = true
	}
	narrowed := make([]string, 0, len(requested))
	for _, scope := range requested {
		if !allowed[scope] {
			return nil, ErrInvalidScope(fmt.Sprintf("scope %q exceeds the originally granted scopes", scope))
		}
		narrowed = append(narrowed, scope)
	}
	return narrowed, nil
}

func (s *Server) accessTokenTTL(client *storage.Client) time.Duration {
	if client.AccessTokenTTL > 0 {
		return client.AccessTokenTTL
	}
	return time.Duration(s.Config.AccessTokenTTL) * time.Second
}

func (s *Server) refreshTokenTTL(client *storage.Client) time.Duration {
	if client.RefreshTokenTTL > 0 {
		return client.RefreshTokenTTL
	}
	return time.Duration(s.Config.RefreshTokenTTL) * time.Second
}

func (s *Server) clockSkewGrace() time.Duration {
	return time.Duration(s.Config.ClockSkewGracePeriod) * time.Second
}

func codeSubjectID(code *storage.AuthorizationCode) string {
	if code == nil {
		return ""
	}
	return code.SubjectID
}

func codeClientID(code *storage.AuthorizationCode) string {
	if code == nil {
		return ""
	}
	return code.ClientID
}
