// Package token implements the token codec: opaque credential generation,
// one-way lookup hashing, issuance and verification of access and refresh
// tokens, and optional signed JWT assertions for stateless verification at
// resource servers.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/raftworks/oauthd/security"
	"github.com/raftworks/oauthd/storage"
)

// Default token lifetimes, applied when neither the client nor the codec
// configuration overrides them.
const (
	DefaultAccessTokenTTL  = 3600 * time.Second
	DefaultRefreshTokenTTL = 2592000 * time.Second // 30 days
)

// ErrInvalidToken is returned by VerifyAccessToken for any token that is
// missing, expired, revoked, or carries a bad signature. The cases are
// deliberately indistinguishable to the caller.
var ErrInvalidToken = errors.New("invalid token")

// Generate returns a cryptographically random opaque credential: 32 bytes of
// entropy, URL-safe base64 encoded. The same generator quality backs
// authorization codes, access tokens, and refresh tokens.
func Generate() string {
	return oauth2.GenerateVerifier()
}

// Hash derives the one-way lookup hash for a raw token value. Equal inputs
// always produce equal outputs; the raw value is never recoverable from the
// stored hash, so a storage compromise does not yield usable credentials.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Claims is the verified metadata of an access token.
type Claims struct {
	SubjectID string
	ClientID  string
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// HasScope reports whether the token was granted the given scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Codec issues and verifies tokens against the token stores. When a Signer is
// configured, access tokens are emitted as signed JWT assertions; the lookup
// hash is computed over the full serialized token either way, so revocation
// checks work identically for both representations.
type Codec struct {
	accessTokens  storage.AccessTokenStore
	refreshTokens storage.RefreshTokenStore
	signer        *Signer
	accessTTL     time.Duration
	refreshTTL    time.Duration
	logger        *slog.Logger
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithSigner enables signed JWT access-token assertions.
func WithSigner(signer *Signer) CodecOption {
	return func(c *Codec) { c.signer = signer }
}

// WithAccessTokenTTL overrides the default access token lifetime.
func WithAccessTokenTTL(ttl time.Duration) CodecOption {
	return func(c *Codec) {
		if ttl > 0 {
			c.accessTTL = ttl
		}
	}
}

// WithRefreshTokenTTL overrides the default refresh token lifetime.
func WithRefreshTokenTTL(ttl time.Duration) CodecOption {
	return func(c *Codec) {
		if ttl > 0 {
			c.refreshTTL = ttl
		}
	}
}

// WithLogger sets the codec logger.
func WithLogger(logger *slog.Logger) CodecOption {
	return func(c *Codec) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCodec creates a token codec backed by the given stores.
func NewCodec(accessTokens storage.AccessTokenStore, refreshTokens storage.RefreshTokenStore, opts ...CodecOption) (*Codec, error) {
	if accessTokens == nil {
		return nil, fmt.Errorf("access token store is required")
	}
	if refreshTokens == nil {
		return nil, fmt.Errorf("refresh token store is required")
	}

	c := &Codec{
		accessTokens:  accessTokens,
		refreshTokens: refreshTokens,
		accessTTL:     DefaultAccessTokenTTL,
		refreshTTL:    DefaultRefreshTokenTTL,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Signer returns the configured assertion signer, or nil when access
// tokens are opaque.
func (c *Codec) Signer() *Signer {
	return c.signer
}

// IssueAccessToken mints an access token for the given subject and client,
// persists its record, and returns the plaintext exactly once. subjectID is
// empty for client_credentials grants. ttl of zero falls back to the codec
// default. refreshHash links the token to the refresh token that produced it,
// if any.
func (c *Codec) IssueAccessToken(ctx context.Context, subjectID, clientID string, scopes []string, ttl time.Duration, refreshHash string) (string, *storage.AccessToken, error) {
	if ttl <= 0 {
		ttl = c.accessTTL
	}
	now := time.Now()
	expiresAt := now.Add(ttl)

	var raw string
	if c.signer != nil {
		signed, err := c.signer.Sign(AssertionClaims{
			SubjectID: subjectID,
			ClientID:  clientID,
			Scopes:    scopes,
			IssuedAt:  now,
			ExpiresAt: expiresAt,
		})
		if err != nil {
			return "", nil, fmt.Errorf("failed to sign access token: %w", err)
		}
		raw = signed
	} else {
		raw = Generate()
	}

	record := &storage.AccessToken{
		Hash:           Hash(raw),
		ClientID:       clientID,
		SubjectID:      subjectID,
		Scopes:         append([]string(nil), scopes...),
		CreatedAt:      now,
		ExpiresAt:      expiresAt,
		RefreshTokenID: refreshHash,
	}
	if err := c.accessTokens.CreateAccessToken(ctx, record); err != nil {
		return "", nil, fmt.Errorf("failed to persist access token: %w", err)
	}

	c.logger.Debug("Issued access token",
		"client_id", clientID,
		"signed", c.signer != nil,
		"expires_at", expiresAt)

	return raw, record, nil
}

// IssueRefreshToken mints a refresh token, persists its record, and returns
// the plaintext exactly once.
func (c *Codec) IssueRefreshToken(ctx context.Context, subjectID, clientID string, scopes []string, ttl time.Duration) (string, *storage.RefreshToken, error) {
	if ttl <= 0 {
		ttl = c.refreshTTL
	}
	now := time.Now()

	raw := Generate()
	record := &storage.RefreshToken{
		Hash:      Hash(raw),
		ClientID:  clientID,
		SubjectID: subjectID,
		Scopes:    append([]string(nil), scopes...),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := c.refreshTokens.CreateRefreshToken(ctx, record); err != nil {
		return "", nil, fmt.Errorf("failed to persist refresh token: %w", err)
	}

	c.logger.Debug("Issued refresh token", "client_id", clientID, "expires_at", record.ExpiresAt)
	return raw, record, nil
}

// VerifyAccessToken validates a presented access token. The hash lookup and
// the revoked/expiry checks always run; when a signer is configured the JWT
// signature and registered expiry are checked as well. A token failing any
// check is reported as ErrInvalidToken with no distinguishing detail.
func (c *Codec) VerifyAccessToken(ctx context.Context, raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrInvalidToken
	}

	// Signature and embedded expiry first: a forged or expired assertion is
	// rejected before touching storage.
	if c.signer != nil {
		if _, err := c.signer.Verify(raw); err != nil {
			c.logger.Debug("Access token assertion rejected", "error", err)
			return nil, ErrInvalidToken
		}
	}

	record, err := c.accessTokens.FindAccessTokenByHash(ctx, Hash(raw))
	if err != nil {
		return nil, ErrInvalidToken
	}
	if record.Revoked {
		return nil, ErrInvalidToken
	}
	if security.IsExpired(record.ExpiresAt) {
		return nil, ErrInvalidToken
	}

	return &Claims{
		SubjectID: record.SubjectID,
		ClientID:  record.ClientID,
		Scopes:    append([]string(nil), record.Scopes...),
		IssuedAt:  record.CreatedAt,
		ExpiresAt: record.ExpiresAt,
	}, nil
}
