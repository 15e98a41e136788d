package server

import (
	"context"
	"errors"
	"time"

	"github.com/raftworks/oauthd/security"
	"github.com/raftworks/oauthd/storage"
	"github.com/raftworks/oauthd/token"
)

// Token type hints accepted by the revocation and introspection
// endpoints.
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// Revoke invalidates a token presented by the client that owns it.
// Unknown, expired, and foreign tokens are ignored without error, so
// the endpoint discloses nothing about token validity. Revoking a
// refresh token also revokes the access tokens minted from it.
func (s *Server) Revoke(ctx context.Context, client *storage.Client, tokenValue, tokenTypeHint, clientIP string) error {
	if tokenValue == "" {
		return nil
	}

	hash := token.Hash(tokenValue)

	// The hint only orders the lookups; a wrong hint must not change
	// the outcome.
	if tokenTypeHint == TokenTypeHintRefreshToken {
		if done, err := s.revokeRefresh(ctx, client, hash, clientIP); done || err != nil {
			return err
		}
		_, err := s.revokeAccess(ctx, client, hash, clientIP)
		return err
	}

	if done, err := s.revokeAccess(ctx, client, hash, clientIP); done || err != nil {
		return err
	}
	_, err := s.revokeRefresh(ctx, client, hash, clientIP)
	return err
}

func (s *Server) revokeAccess(ctx context.Context, client *storage.Client, hash, clientIP string) (bool, error) {
	record, err := s.stores.AccessTokens.FindAccessTokenByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return false, nil
		}
		s.Logger.Error("access token lookup failed", "error", err)
		return false, ErrServerError("revocation failed")
	}
	if record.ClientID != client.ClientID {
		// Not this client's token. RFC 7009 still requires success.
		return true, nil
	}

	if err := s.stores.AccessTokens.RevokeAccessToken(ctx, hash); err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
		s.Logger.Error("failed to revoke access token", "error", err)
		return false, ErrServerError("revocation failed")
	}

	s.auditRevocation(record.SubjectID, client.ClientID, clientIP, TokenTypeHintAccessToken)
	if m := s.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, client.ClientID)
	}
	return true, nil
}

func (s *Server) revokeRefresh(ctx context.Context, client *storage.Client, hash, clientIP string) (bool, error) {
	record, err := s.stores.RefreshTokens.FindRefreshTokenByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return false, nil
		}
		s.Logger.Error("refresh token lookup failed", "error", err)
		return false, ErrServerError("revocation failed")
	}
	if record.ClientID != client.ClientID {
		return true, nil
	}

	if err := s.stores.RefreshTokens.RevokeRefreshToken(ctx, hash); err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
		s.Logger.Error("failed to revoke refresh token", "error", err)
		return false, ErrServerError("revocation failed")
	}
	if revoked, err := s.stores.AccessTokens.RevokeAccessTokensForRefreshToken(ctx, hash); err != nil {
		s.Logger.Error("failed to revoke derived access tokens", "error", err)
	} else if revoked > 0 {
		s.Logger.Info("revoked derived access tokens", "count", revoked)
	}

	s.auditRevocation(record.SubjectID, client.ClientID, clientIP, TokenTypeHintRefreshToken)
	if m := s.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, client.ClientID)
	}
	return true, nil
}

func (s *Server) auditRevocation(subjectID, clientID, clientIP, tokenType string) {
	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked(subjectID, clientID, clientIP, tokenType)
	}
}

// Introspection is the engine-level result of a token introspection.
type Introspection struct {
	Active    bool
	Scopes    []string
	ClientID  string
	SubjectID string
	TokenType string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// Introspect reports the state of a token per RFC 7662. Any token that
// is unknown, expired, revoked, or owned by a different client comes
// back as inactive with no further detail.
func (s *Server) Introspect(ctx context.Context, client *storage.Client, tokenValue, tokenTypeHint string) (*Introspection, error) {
	inactive := &Introspection{Active: false}
	if tokenValue == "" {
		return inactive, nil
	}

	hash := token.Hash(tokenValue)

	if tokenTypeHint != TokenTypeHintRefreshToken {
		if record, err := s.stores.AccessTokens.FindAccessTokenByHash(ctx, hash); err == nil {
			return s.introspectAccess(client, record), nil
		} else if !errors.Is(err, storage.ErrTokenNotFound) {
			s.Logger.Error("access token lookup failed", "error", err)
			return nil, ErrServerError("introspection failed")
		}
	}

	if record, err := s.stores.RefreshTokens.FindRefreshTokenByHash(ctx, hash); err == nil {
		return s.introspectRefresh(client, record), nil
	} else if !errors.Is(err, storage.ErrTokenNotFound) {
		s.Logger.Error("refresh token lookup failed", "error", err)
		return nil, ErrServerError("introspection failed")
	}

	// Fall back to the access token lookup when the hint steered us to
	// refresh tokens first.
	if tokenTypeHint == TokenTypeHintRefreshToken {
		if record, err := s.stores.AccessTokens.FindAccessTokenByHash(ctx, hash); err == nil {
			return s.introspectAccess(client, record), nil
		} else if !errors.Is(err, storage.ErrTokenNotFound) {
			s.Logger.Error("access token lookup failed", "error", err)
			return nil, ErrServerError("introspection failed")
		}
	}

	return inactive, nil
}

func (s *Server) introspectAccess(client *storage.Client, record *storage.AccessToken) *Introspection {
	if record.ClientID != client.ClientID || record.Revoked || security.IsExpiredWithGrace(record.ExpiresAt, s.clockSkewGrace()) {
		return &Introspection{Active: false}
	}
	return &Introspection{
		Active:    true,
		Scopes:    record.Scopes,
		ClientID:  record.ClientID,
		SubjectID: record.SubjectID,
		TokenType: TokenTypeHintAccessToken,
		ExpiresAt: record.ExpiresAt,
		IssuedAt:  record.CreatedAt,
	}
}

func (s *Server) introspectRefresh(client *storage.Client, record *storage.RefreshToken) *Introspection {
	if record.ClientID != client.ClientID || record.Revoked || security.IsExpiredWithGrace(record.ExpiresAt, s.clockSkewGrace()) {
		return &Introspection{Active: false}
	}
	return &Introspection{
		Active:    true,
		Scopes:    record.Scopes,
		ClientID:  record.ClientID,
		SubjectID: record.SubjectID,
		TokenType: TokenTypeHintRefreshToken,
		ExpiresAt: record.ExpiresAt,
		IssuedAt:  record.CreatedAt,
	}
}

// UserInfo resolves the claims for an access token's subject, filtered
// by the token's granted scopes: "profile" releases name, "email"
// releases email and email_verified. The subject identifier is always
// present.
func (s *Server) UserInfo(ctx context.Context, claims *token.Claims) (map[string]any, error) {
	if claims.SubjectID == "" {
		return nil, ErrInvalidToken("token has no subject")
	}
	if s.stores.Subjects == nil {
		return map[string]any{"sub": claims.SubjectID}, nil
	}

	subject, err := s.stores.Subjects.FindSubject(ctx, claims.SubjectID)
	if err != nil {
		if errors.Is(err, storage.ErrSubjectNotFound) {
			return map[string]any{"sub": claims.SubjectID}, nil
		}
		s.Logger.Error("subject lookup failed", "error", err)
		return nil, ErrServerError("userinfo failed")
	}

	info := map[string]any{"sub": subject.ID}
	if claims.HasScope("profile") && subject.Name != "" {
		info["name"] = subject.Name
	}
	if claims.HasScope("email") && subject.Email != "" {
		info["email"] = subject.Email
		info["email_verified"] = subject.EmailVerified
	}
	return info, nil
}
