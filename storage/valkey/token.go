package valkey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raftworks/oauthd/storage"
)

// accessTokenJSON is the stored representation of an access token
// record. Only the lookup hash is persisted, never the plaintext.
type accessTokenJSON struct {
	Hash           string   `json:"hash"`
	ClientID       string   `json:"client_id"`
	SubjectID      string   `json:"subject_id,omitempty"`
	Scopes         []string `json:"scopes,omitempty"`
	CreatedAt      int64    `json:"created_at"`
	ExpiresAt      int64    `json:"expires_at"`
	Revoked        bool     `json:"revoked,omitempty"`
	RevokedAt      int64    `json:"revoked_at,omitempty"`
	RefreshTokenID string   `json:"refresh_token_id,omitempty"`
}

type refreshTokenJSON struct {
	Hash       string   `json:"hash"`
	ClientID   string   `json:"client_id"`
	SubjectID  string   `json:"subject_id,omitempty"`
	Scopes     []string `json:"scopes,omitempty"`
	CreatedAt  int64    `json:"created_at"`
	ExpiresAt  int64    `json:"expires_at"`
	Revoked    bool     `json:"revoked,omitempty"`
	RevokedAt  int64    `json:"revoked_at,omitempty"`
	LastUsedAt int64    `json:"last_used_at,omitempty"`
}

func toAccessTokenJSON(t *storage.AccessToken) *accessTokenJSON {
	j := &accessTokenJSON{
		Hash:           t.Hash,
		ClientID:       t.ClientID,
		SubjectID:      t.SubjectID,
		Scopes:         t.Scopes,
		CreatedAt:      t.CreatedAt.Unix(),
		ExpiresAt:      t.ExpiresAt.Unix(),
		Revoked:        t.Revoked,
		RefreshTokenID: t.RefreshTokenID,
	}
	if !t.RevokedAt.IsZero() {
		j.RevokedAt = t.RevokedAt.Unix()
	}
	return j
}

func fromAccessTokenJSON(j *accessTokenJSON) *storage.AccessToken {
	t := &storage.AccessToken{
		Hash:           j.Hash,
		ClientID:       j.ClientID,
		SubjectID:      j.SubjectID,
		Scopes:         j.Scopes,
		CreatedAt:      time.Unix(j.CreatedAt, 0),
		ExpiresAt:      time.Unix(j.ExpiresAt, 0),
		Revoked:        j.Revoked,
		RefreshTokenID: j.RefreshTokenID,
	}
	if j.RevokedAt > 0 {
		t.RevokedAt = time.Unix(j.RevokedAt, 0)
	}
	return t
}

func toRefreshTokenJSON(t *storage.RefreshToken) *refreshTokenJSON {
	j := &refreshTokenJSON{
		Hash:      t.Hash,
		ClientID:  t.ClientID,
		SubjectID: t.SubjectID,
		Scopes:    t.Scopes,
		CreatedAt: t.CreatedAt.Unix(),
		ExpiresAt: t.ExpiresAt.Unix(),
		Revoked:   t.Revoked,
	}
	if !t.RevokedAt.IsZero() {
		j.RevokedAt = t.RevokedAt.Unix()
	}
	if !t.LastUsedAt.IsZero() {
		j.LastUsedAt = t.LastUsedAt.Unix()
	}
	return j
}

func fromRefreshTokenJSON(j *refreshTokenJSON) *storage.RefreshToken {
	t := &storage.RefreshToken{
		Hash:      j.Hash,
		ClientID:  j.ClientID,
		SubjectID: j.SubjectID,
		Scopes:    j.Scopes,
		CreatedAt: time.Unix(j.CreatedAt, 0),
		ExpiresAt: time.Unix(j.ExpiresAt, 0),
		Revoked:   j.Revoked,
	}
	if j.RevokedAt > 0 {
		t.RevokedAt = time.Unix(j.RevokedAt, 0)
	}
	if j.LastUsedAt > 0 {
		t.LastUsedAt = time.Unix(j.LastUsedAt, 0)
	}
	return t
}

// CreateAccessToken persists an access token record with a TTL. Tokens
// minted from a refresh token are also indexed under that refresh
// token's hash so they can be revoked together.
func (s *Store) CreateAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.Hash == "" {
		return fmt.Errorf("invalid access token")
	}

	if err := s.setJSON(ctx, s.accessTokenKey(token.Hash), toAccessTokenJSON(token), token.ExpiresAt); err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}

	if token.RefreshTokenID != "" {
		indexKey := s.refreshIndexKey(token.RefreshTokenID)
		if err := s.client.Do(ctx, s.client.B().Sadd().Key(indexKey).Member(token.Hash).Build()).Error(); err != nil {
			return fmt.Errorf("failed to index access token: %w", err)
		}
	}

	s.logger.Debug("saved access token",
		"hash_prefix", safeTruncate(token.Hash, tokenIDLogLength),
		"client_id", token.ClientID)
	return nil
}

// FindAccessTokenByHash retrieves an access token record.
func (s *Store) FindAccessTokenByHash(ctx context.Context, hash string) (*storage.AccessToken, error) {
	j, err := getAndUnmarshal[accessTokenJSON](ctx, s, s.accessTokenKey(hash), storage.ErrTokenNotFound)
	if err != nil {
		return nil, err
	}
	return fromAccessTokenJSON(j), nil
}

// RevokeAccessToken marks an access token revoked, keeping the TTL so
// the tombstone expires with the original record.
func (s *Store) RevokeAccessToken(ctx context.Context, hash string) error {
	record, err := s.FindAccessTokenByHash(ctx, hash)
	if err != nil {
		return err
	}
	if record.Revoked {
		return nil
	}

	record.Revoked = true
	record.RevokedAt = time.Now()
	if err := s.setJSON(ctx, s.accessTokenKey(hash), toAccessTokenJSON(record), record.ExpiresAt); err != nil {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}
	return nil
}

// RevokeAccessTokensForRefreshToken revokes every access token indexed
// under the given refresh token hash.
func (s *Store) RevokeAccessTokensForRefreshToken(ctx context.Context, refreshHash string) (int, error) {
	if refreshHash == "" {
		return 0, nil
	}

	indexKey := s.refreshIndexKey(refreshHash)
	hashes, err := s.client.Do(ctx, s.client.B().Smembers().Key(indexKey).Build()).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read refresh token index: %w", err)
	}

	revoked := 0
	for _, hash := range hashes {
		switch err := s.RevokeAccessToken(ctx, hash); {
		case err == nil:
			revoked++
		case errors.Is(err, storage.ErrTokenNotFound):
			// Already expired out of storage.
		default:
			return revoked, err
		}
	}
	return revoked, nil
}

// CreateRefreshToken persists a refresh token record with a TTL.
func (s *Store) CreateRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.Hash == "" {
		return fmt.Errorf("invalid refresh token")
	}

	if err := s.setJSON(ctx, s.refreshTokenKey(token.Hash), toRefreshTokenJSON(token), token.ExpiresAt); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}

	s.logger.Debug("saved refresh token",
		"hash_prefix", safeTruncate(token.Hash, tokenIDLogLength),
		"client_id", token.ClientID)
	return nil
}

// FindRefreshTokenByHash retrieves a refresh token record.
func (s *Store) FindRefreshTokenByHash(ctx context.Context, hash string) (*storage.RefreshToken, error) {
	j, err := getAndUnmarshal[refreshTokenJSON](ctx, s, s.refreshTokenKey(hash), storage.ErrTokenNotFound)
	if err != nil {
		return nil, err
	}
	return fromRefreshTokenJSON(j), nil
}

// RevokeRefreshToken marks a refresh token revoked.
func (s *Store) RevokeRefreshToken(ctx context.Context, hash string) error {
	record, err := s.FindRefreshTokenByHash(ctx, hash)
	if err != nil {
		return err
	}
	if record.Revoked {
		return nil
	}

	record.Revoked = true
	record.RevokedAt = time.Now()
	if err := s.setJSON(ctx, s.refreshTokenKey(hash), toRefreshTokenJSON(record), record.ExpiresAt); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// TouchRefreshToken updates the last-used timestamp.
func (s *Store) TouchRefreshToken(ctx context.Context, hash string, usedAt time.Time) error {
	record, err := s.FindRefreshTokenByHash(ctx, hash)
	if err != nil {
		return err
	}

	record.LastUsedAt = usedAt
	if err := s.setJSON(ctx, s.refreshTokenKey(hash), toRefreshTokenJSON(record), record.ExpiresAt); err != nil {
		return fmt.Errorf("failed to touch refresh token: %w", err)
	}
	return nil
}
