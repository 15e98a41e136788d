// Package memory provides an in-memory storage backend. It is the
// default backend for tests and single-process deployments; everything
// lives behind one RWMutex and a background loop reaps expired
// records.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/raftworks/oauthd/instrumentation"
	"github.com/raftworks/oauthd/security"
	"github.com/raftworks/oauthd/storage"
)

const defaultCleanupInterval = 5 * time.Minute

// Store is an in-memory implementation of every storage interface.
type Store struct {
	mu            sync.RWMutex
	clients       map[string]*storage.Client            // client_id -> client
	codes         map[string]*storage.AuthorizationCode // code -> record
	accessTokens  map[string]*storage.AccessToken       // lookup hash -> record
	refreshTokens map[string]*storage.RefreshToken      // lookup hash -> record
	subjects      map[string]*storage.Subject           // subject id -> claims

	encryptor *security.Encryptor
	logger    *slog.Logger

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// Compile-time interface checks.
var (
	_ storage.ClientStore       = (*Store)(nil)
	_ storage.CodeStore         = (*Store)(nil)
	_ storage.AccessTokenStore  = (*Store)(nil)
	_ storage.RefreshTokenStore = (*Store)(nil)
	_ storage.SubjectStore      = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCleanupInterval overrides how often expired records are reaped.
func WithCleanupInterval(interval time.Duration) Option {
	return func(s *Store) {
		if interval > 0 {
			s.cleanupInterval = interval
		}
	}
}

// New creates an in-memory store and starts its cleanup loop. Call
// Stop to release it.
func New(opts ...Option) *Store {
	s := &Store{
		clients:         make(map[string]*storage.Client),
		codes:           make(map[string]*storage.AuthorizationCode),
		accessTokens:    make(map[string]*storage.AccessToken),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		subjects:        make(map[string]*storage.Subject),
		logger:          slog.Default(),
		cleanupInterval: defaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// SetEncryptor enables encryption at rest for subject claims.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
}

// SetInstrumentation registers storage size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	err := inst.RegisterStorageSizeCallbacks(
		func() int64 { s.mu.RLock(); defer s.mu.RUnlock(); return int64(len(s.clients)) },
		func() int64 { s.mu.RLock(); defer s.mu.RUnlock(); return int64(len(s.codes)) },
		func() int64 { s.mu.RLock(); defer s.mu.RUnlock(); return int64(len(s.accessTokens)) },
		func() int64 { s.mu.RLock(); defer s.mu.RUnlock(); return int64(len(s.refreshTokens)) },
	)
	if err != nil {
		s.logger.Warn("failed to register storage size callbacks", "error", err)
	}
}

// Stop terminates the cleanup loop. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// SaveClient persists a client, replacing any existing registration
// with the same client_id.
func (s *Store) SaveClient(_ context.Context, client *storage.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *client
	s.clients[client.ClientID] = &copied
	return nil
}

// FindByClientID retrieves a client by its public identifier.
func (s *Store) FindByClientID(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	copied := *client
	return &copied, nil
}

// CreateAuthorizationCode persists a freshly issued code.
func (s *Store) CreateAuthorizationCode(_ context.Context, code *storage.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *code
	s.codes[code.Code] = &copied
	return nil
}

// FindByCode retrieves a code record without mutating it.
func (s *Store) FindByCode(_ context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}
	copied := *record
	return &copied, nil
}

// ConsumeAuthorizationCode atomically marks a code consumed. The write
// lock makes the check-and-set atomic: of any set of concurrent calls
// for one code, exactly one observes Consumed=false.
func (s *Store) ConsumeAuthorizationCode(_ context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}
	if record.Consumed {
		copied := *record
		return &copied, storage.ErrCodeConsumed
	}
	if time.Now().After(record.ExpiresAt) {
		return nil, storage.ErrCodeExpired
	}

	record.Consumed = true
	record.ConsumedAt = time.Now()

	copied := *record
	return &copied, nil
}

// AttachIssuedTokens records which tokens a redeemed code produced.
func (s *Store) AttachIssuedTokens(_ context.Context, code, accessTokenHash, refreshTokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.codes[code]
	if !ok {
		return storage.ErrCodeNotFound
	}
	record.IssuedAccessTokenHash = accessTokenHash
	record.IssuedRefreshTokenHash = refreshTokenHash
	return nil
}

// DeleteAuthorizationCode removes a code record.
func (s *Store) DeleteAuthorizationCode(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.codes, code)
	return nil
}

// CreateAccessToken persists an access token record.
func (s *Store) CreateAccessToken(_ context.Context, token *storage.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *token
	s.accessTokens[token.Hash] = &copied
	return nil
}

// FindAccessTokenByHash retrieves an access token record.
func (s *Store) FindAccessTokenByHash(_ context.Context, hash string) (*storage.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.accessTokens[hash]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	copied := *record
	return &copied, nil
}

// RevokeAccessToken marks an access token revoked. Idempotent.
func (s *Store) RevokeAccessToken(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.accessTokens[hash]
	if !ok {
		return storage.ErrTokenNotFound
	}
	if !record.Revoked {
		record.Revoked = true
		record.RevokedAt = time.Now()
	}
	return nil
}

// RevokeAccessTokensForRefreshToken revokes every access token minted
// from the given refresh token hash.
func (s *Store) RevokeAccessTokensForRefreshToken(_ context.Context, refreshHash string) (int, error) {
	if refreshHash == "" {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	now := time.Now()
	for _, record := range s.accessTokens {
		if record.RefreshTokenID == refreshHash && !record.Revoked {
			record.Revoked = true
			record.RevokedAt = now
			revoked++
		}
	}
	return revoked, nil
}

// CreateRefreshToken persists a refresh token record.
func (s *Store) CreateRefreshToken(_ context.Context, token *storage.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *token
	s.refreshTokens[token.Hash] = &copied
	return nil
}

// FindRefreshTokenByHash retrieves a refresh token record.
func (s *Store) FindRefreshTokenByHash(_ context.Context, hash string) (*storage.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.refreshTokens[hash]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	copied := *record
	return &copied, nil
}

// RevokeRefreshToken marks a refresh token revoked. Idempotent.
func (s *Store) RevokeRefreshToken(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.refreshTokens[hash]
	if !ok {
		return storage.ErrTokenNotFound
	}
	if !record.Revoked {
		record.Revoked = true
		record.RevokedAt = time.Now()
	}
	return nil
}

// TouchRefreshToken updates the last-used timestamp.
func (s *Store) TouchRefreshToken(_ context.Context, hash string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.refreshTokens[hash]
	if !ok {
		return storage.ErrTokenNotFound
	}
	record.LastUsedAt = usedAt
	return nil
}

// SaveSubject persists subject claims. When an encryptor is set, name
// and email are encrypted before they hit the map.
func (s *Store) SaveSubject(_ context.Context, subject *storage.Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *subject
	if s.encryptor != nil && s.encryptor.IsEnabled() {
		var err error
		if copied.Name, err = s.encryptor.Encrypt(copied.Name); err != nil {
			return err
		}
		if copied.Email, err = s.encryptor.Encrypt(copied.Email); err != nil {
			return err
		}
	}
	copied.UpdatedAt = time.Now()
	s.subjects[subject.ID] = &copied
	return nil
}

// FindSubject retrieves subject claims by id, decrypting when needed.
func (s *Store) FindSubject(_ context.Context, id string) (*storage.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.subjects[id]
	if !ok {
		return nil, storage.ErrSubjectNotFound
	}

	copied := *record
	if s.encryptor != nil && s.encryptor.IsEnabled() {
		var err error
		if copied.Name, err = s.encryptor.Decrypt(copied.Name); err != nil {
			return nil, err
		}
		if copied.Email, err = s.encryptor.Decrypt(copied.Email); err != nil {
			return nil, err
		}
	}
	return &copied, nil
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.CleanupExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

// CleanupExpired removes expired codes and tokens. Consumed codes are
// kept until expiry so reuse attempts inside the code TTL still hit
// the reuse path rather than "not found".
func (s *Store) CleanupExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removedCodes, removedTokens := 0, 0

	for code, record := range s.codes {
		if now.After(record.ExpiresAt) {
			delete(s.codes, code)
			removedCodes++
		}
	}
	for hash, record := range s.accessTokens {
		if now.After(record.ExpiresAt) {
			delete(s.accessTokens, hash)
			removedTokens++
		}
	}
	for hash, record := range s.refreshTokens {
		if now.After(record.ExpiresAt) {
			delete(s.refreshTokens, hash)
			removedTokens++
		}
	}

	if removedCodes > 0 || removedTokens > 0 {
		s.logger.Debug("storage cleanup completed",
			"codes_removed", removedCodes,
			"tokens_removed", removedTokens)
	}
}

// Counts returns current record counts. Used by tests and monitoring.
func (s *Store) Counts() (clients, codes, accessTokens, refreshTokens int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients), len(s.codes), len(s.accessTokens), len(s.refreshTokens)
}
