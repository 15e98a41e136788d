package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/raftworks/oauthd/storage"
)

// authorizationCodeJSON is the stored representation of a code.
// Timestamps are Unix seconds so the consumption Lua script can
// compare them without date parsing.
type authorizationCodeJSON struct {
	Code                string   `json:"code"`
	ClientID            string   `json:"client_id"`
	SubjectID           string   `json:"subject_id"`
	RedirectURI         string   `json:"redirect_uri"`
	Scopes              []string `json:"scopes,omitempty"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
	Nonce               string   `json:"nonce,omitempty"`
	State               string   `json:"state,omitempty"`
	CreatedAt           int64    `json:"created_at"`
	ExpiresAt           int64    `json:"expires_at"`
	Consumed            bool     `json:"consumed,omitempty"`
	ConsumedAt          int64    `json:"consumed_at,omitempty"`
	AccessTokenHash     string   `json:"access_token_hash,omitempty"`
	RefreshTokenHash    string   `json:"refresh_token_hash,omitempty"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	j := &authorizationCodeJSON{
		Code:                code.Code,
		ClientID:            code.ClientID,
		SubjectID:           code.SubjectID,
		RedirectURI:         code.RedirectURI,
		Scopes:              code.Scopes,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		Nonce:               code.Nonce,
		State:               code.State,
		CreatedAt:           code.CreatedAt.Unix(),
		ExpiresAt:           code.ExpiresAt.Unix(),
		Consumed:            code.Consumed,
		AccessTokenHash:     code.IssuedAccessTokenHash,
		RefreshTokenHash:    code.IssuedRefreshTokenHash,
	}
	if !code.ConsumedAt.IsZero() {
		j.ConsumedAt = code.ConsumedAt.Unix()
	}
	return j
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	code := &storage.AuthorizationCode{
		Code:                   j.Code,
		ClientID:               j.ClientID,
		SubjectID:              j.SubjectID,
		RedirectURI:            j.RedirectURI,
		Scopes:                 j.Scopes,
		CodeChallenge:          j.CodeChallenge,
		CodeChallengeMethod:    j.CodeChallengeMethod,
		Nonce:                  j.Nonce,
		State:                  j.State,
		CreatedAt:              time.Unix(j.CreatedAt, 0),
		ExpiresAt:              time.Unix(j.ExpiresAt, 0),
		Consumed:               j.Consumed,
		IssuedAccessTokenHash:  j.AccessTokenHash,
		IssuedRefreshTokenHash: j.RefreshTokenHash,
	}
	if j.ConsumedAt > 0 {
		code.ConsumedAt = time.Unix(j.ConsumedAt, 0)
	}
	return code
}

// luaConsumeCode atomically checks that an authorization code is
// unconsumed and marks it consumed. Only one concurrent redemption can
// succeed; the rest see the consumed record. Consumption is checked
// before expiry so a replayed code reports reuse even after it expired,
// the same order the memory store uses.
//
// KEYS[1] = code key
// ARGV[1] = current Unix timestamp in seconds
//
// Returns the original JSON on success, "NOT_FOUND", "EXPIRED", or
// "ALREADY_USED:<json>" (record included for reuse handling).
const luaConsumeCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

if code.consumed then
    return 'ALREADY_USED:' .. data
end

local now = tonumber(ARGV[1])
local expiresAt = tonumber(code.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

code.consumed = true
code.consumed_at = now
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')

return data
`

// luaAttachIssuedTokens records the token hashes minted from a code
// without disturbing the key's TTL.
//
// KEYS[1] = code key
// ARGV[1] = access token hash
// ARGV[2] = refresh token hash
const luaAttachIssuedTokens = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)
code.access_token_hash = ARGV[1]
code.refresh_token_hash = ARGV[2]
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')

return 'OK'
`

// CreateAuthorizationCode persists a freshly issued code with a TTL
// matching its expiry.
func (s *Store) CreateAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	if err := s.setJSON(ctx, s.codeKey(code.Code), toAuthorizationCodeJSON(code), code.ExpiresAt); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("saved authorization code",
		"code_prefix", safeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// FindByCode retrieves a code record without mutating it.
func (s *Store) FindByCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	j, err := getAndUnmarshal[authorizationCodeJSON](ctx, s, s.codeKey(code), storage.ErrCodeNotFound)
	if err != nil {
		return nil, err
	}
	return fromAuthorizationCodeJSON(j), nil
}

// ConsumeAuthorizationCode atomically marks a code consumed via a Lua
// script, so exactly one concurrent redemption succeeds.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeCode).
			Numkeys(1).
			Key(s.codeKey(code)).
			Arg(fmt.Sprintf("%d", time.Now().Unix())).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute code consumption: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrCodeNotFound
	case result == "EXPIRED":
		return nil, storage.ErrCodeExpired
	case strings.HasPrefix(result, "ALREADY_USED:"):
		var j authorizationCodeJSON
		if err := json.Unmarshal([]byte(strings.TrimPrefix(result, "ALREADY_USED:")), &j); err != nil {
			return nil, storage.ErrCodeConsumed
		}
		return fromAuthorizationCodeJSON(&j), storage.ErrCodeConsumed
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse authorization code: %w", err)
	}

	s.logger.Debug("consumed authorization code",
		"code_prefix", safeTruncate(code, tokenIDLogLength))

	record := fromAuthorizationCodeJSON(&j)
	record.Consumed = true
	record.ConsumedAt = time.Now()
	return record, nil
}

// AttachIssuedTokens records which tokens a redeemed code produced.
func (s *Store) AttachIssuedTokens(ctx context.Context, code, accessTokenHash, refreshTokenHash string) error {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAttachIssuedTokens).
			Numkeys(1).
			Key(s.codeKey(code)).
			Arg(accessTokenHash, refreshTokenHash).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to attach issued tokens: %w", err)
	}
	if result == "NOT_FOUND" {
		return storage.ErrCodeNotFound
	}
	return nil
}

// DeleteAuthorizationCode removes a code record.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.codeKey(code)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}
	return nil
}
