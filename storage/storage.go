// Package storage defines the repository interfaces and persistence model for
// the authorization server: registered clients, authorization codes, access
// and refresh tokens, and subject claims. The protocol engine depends only on
// these narrow contracts; backends include in-memory and Valkey.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by all storage backends. The engine matches on
// these with errors.Is and maps them to the OAuth error taxonomy; backends
// must not leak driver errors through the interface boundary.
var (
	ErrClientNotFound  = errors.New("client not found")
	ErrCodeNotFound    = errors.New("authorization code not found")
	ErrCodeConsumed    = errors.New("authorization code already consumed")
	ErrCodeExpired     = errors.New("authorization code expired")
	ErrTokenNotFound   = errors.New("token not found")
	ErrTokenExpired    = errors.New("token expired")
	ErrTokenRevoked    = errors.New("token revoked")
	ErrSubjectNotFound = errors.New("subject not found")
)

// Client types.
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"
)

// Client is a registered OAuth application. Clients are provisioned by an
// external admin process; the engine treats them as read-only during a
// protocol exchange.
type Client struct {
	ID               string
	ClientID         string
	ClientSecretHash string // bcrypt hash; empty for public clients
	ClientType       string // "public" or "confidential"
	RedirectURIs     []string
	GrantTypes       []string
	ResponseTypes    []string
	Scopes           []string
	RequirePKCE      bool
	AccessTokenTTL   time.Duration // zero means server default
	RefreshTokenTTL  time.Duration // zero means server default
	ClientName       string
	CreatedAt        time.Time
}

// IsConfidential reports whether the client authenticates with a secret.
func (c *Client) IsConfidential() bool {
	return c.ClientType == ClientTypeConfidential
}

// AllowsGrantType reports whether the client may use the given grant type.
func (c *Client) AllowsGrantType(grantType string) bool {
	for _, gt := range c.GrantTypes {
		if gt == grantType {
			return true
		}
	}
	return false
}

// AllowsResponseType reports whether the client may use the given response type.
func (c *Client) AllowsResponseType(responseType string) bool {
	for _, rt := range c.ResponseTypes {
		if rt == responseType {
			return true
		}
	}
	return false
}

// AuthorizationCode is the single-use credential bridging the authorize and
// token steps. Consumed is flipped exactly once via ConsumeAuthorizationCode;
// the record is retained after consumption so that reuse can be detected.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	SubjectID           string
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	State               string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Consumed            bool
	ConsumedAt          time.Time

	// Lookup hashes of the tokens minted when the code was redeemed.
	// Recorded so a later reuse attempt can revoke them.
	IssuedAccessTokenHash  string
	IssuedRefreshTokenHash string
}

// AccessToken is the stored form of a bearer credential. Only the SHA-256
// lookup hash of the raw value is persisted; the plaintext leaves the codec
// exactly once at issuance.
type AccessToken struct {
	Hash           string
	ClientID       string
	SubjectID      string // empty for client_credentials grants
	Scopes         []string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Revoked        bool
	RevokedAt      time.Time
	RefreshTokenID string // hash of the refresh token that produced it, if any
}

// RefreshToken is the stored form of a refresh credential, also keyed by hash.
type RefreshToken struct {
	Hash       string
	ClientID   string
	SubjectID  string
	Scopes     []string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Revoked    bool
	RevokedAt  time.Time
	LastUsedAt time.Time
}

// Subject holds the resource-owner claims served by the userinfo endpoint.
// Authentication itself happens outside the engine; subjects are recorded by
// whatever session layer fronts the authorize endpoint.
type Subject struct {
	ID            string
	Name          string
	Email         string
	EmailVerified bool
	UpdatedAt     time.Time
}

// ClientStore provides read access to registered clients, plus the write path
// used by the admin/provisioning layer and tests.
type ClientStore interface {
	// SaveClient persists a registered client.
	SaveClient(ctx context.Context, client *Client) error

	// FindByClientID retrieves a client by its public identifier.
	// Returns ErrClientNotFound if no client matches.
	FindByClientID(ctx context.Context, clientID string) (*Client, error)
}

// CodeStore persists authorization codes.
type CodeStore interface {
	// CreateAuthorizationCode persists a freshly issued code.
	CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// FindByCode retrieves a code record without mutating it.
	// Returns ErrCodeNotFound if absent.
	FindByCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode atomically marks a code consumed if and only if
	// it is currently unconsumed, and returns the record. Exactly one of any
	// set of concurrent calls for the same code succeeds; the rest receive
	// ErrCodeConsumed with the record attached for reuse handling. Expired
	// codes fail with ErrCodeExpired and absent codes with ErrCodeNotFound.
	//
	// This is the one operation for which the backend must offer a
	// compare-and-set or equivalent transactional guarantee.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// AttachIssuedTokens records the lookup hashes of the tokens minted
	// when the code was redeemed, so a reuse attempt can revoke them.
	AttachIssuedTokens(ctx context.Context, code, accessTokenHash, refreshTokenHash string) error

	// DeleteAuthorizationCode removes a code record.
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// AccessTokenStore persists access tokens keyed by lookup hash.
type AccessTokenStore interface {
	// CreateAccessToken persists a freshly issued access token record.
	CreateAccessToken(ctx context.Context, token *AccessToken) error

	// FindAccessTokenByHash retrieves a record by lookup hash.
	// Returns ErrTokenNotFound if absent.
	FindAccessTokenByHash(ctx context.Context, hash string) (*AccessToken, error)

	// RevokeAccessToken marks a record revoked. Revoking an absent token
	// returns ErrTokenNotFound; revoking an already-revoked token succeeds
	// (revocation is idempotent at the engine level).
	RevokeAccessToken(ctx context.Context, hash string) error

	// RevokeAccessTokensForRefreshToken revokes every access token minted
	// from the given refresh token hash. Returns the number revoked.
	RevokeAccessTokensForRefreshToken(ctx context.Context, refreshHash string) (int, error)
}

// RefreshTokenStore persists refresh tokens keyed by lookup hash.
type RefreshTokenStore interface {
	// CreateRefreshToken persists a freshly issued refresh token record.
	CreateRefreshToken(ctx context.Context, token *RefreshToken) error

	// FindRefreshTokenByHash retrieves a record by lookup hash.
	// Returns ErrTokenNotFound if absent.
	FindRefreshTokenByHash(ctx context.Context, hash string) (*RefreshToken, error)

	// RevokeRefreshToken marks a record revoked; absent tokens return
	// ErrTokenNotFound, already-revoked tokens succeed.
	RevokeRefreshToken(ctx context.Context, hash string) error

	// TouchRefreshToken updates the last-used timestamp.
	TouchRefreshToken(ctx context.Context, hash string, usedAt time.Time) error
}

// SubjectStore persists resource-owner claims for the userinfo endpoint.
type SubjectStore interface {
	// SaveSubject persists subject claims.
	SaveSubject(ctx context.Context, subject *Subject) error

	// FindSubject retrieves subject claims by id.
	// Returns ErrSubjectNotFound if absent.
	FindSubject(ctx context.Context, id string) (*Subject, error)
}
