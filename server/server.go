package server

import (
	"fmt"
	"log/slog"

	"github.com/raftworks/oauthd/instrumentation"
	"github.com/raftworks/oauthd/security"
	"github.com/raftworks/oauthd/storage"
	"github.com/raftworks/oauthd/token"
)

// Stores bundles the storage backends the server operates on. All
// fields except Subjects are required.
type Stores struct {
	Clients       storage.ClientStore
	Codes         storage.CodeStore
	AccessTokens  storage.AccessTokenStore
	RefreshTokens storage.RefreshTokenStore
	Subjects      storage.SubjectStore
}

// Server implements the authorization server logic. It coordinates
// authorization code issuance, the token exchange grants, revocation,
// and introspection over pluggable storage backends.
type Server struct {
	stores Stores
	codec  *token.Codec

	// registrationLimiter enforces Config.MaxClientsPerIP on dynamic
	// client registration.
	registrationLimiter *security.RegistrationLimiter

	Encryptor       *security.Encryptor
	Auditor         *security.Auditor
	RateLimiter     *security.RateLimiter // per-IP
	ClientLimiter   *security.RateLimiter // per-client, token endpoint
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
	Config          *Config
}

// New creates a new authorization server.
func New(stores Stores, codec *token.Codec, config *Config, logger *slog.Logger) (*Server, error) {
	if stores.Clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if stores.Codes == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if stores.AccessTokens == nil {
		return nil, fmt.Errorf("access token store is required")
	}
	if stores.RefreshTokens == nil {
		return nil, fmt.Errorf("refresh token store is required")
	}
	if codec == nil {
		return nil, fmt.Errorf("token codec is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	srv := &Server{
		stores: stores,
		codec:  codec,
		Config: config,
		Logger: logger,
	}

	if config.MaxClientsPerIP > 0 {
		srv.registrationLimiter = security.NewRegistrationLimiter(
			config.MaxClientsPerIP, security.DefaultRegistrationWindow, logger)
	}

	return srv, nil
}

// Codec exposes the token codec, used by the HTTP layer for bearer
// token verification on the userinfo endpoint.
func (s *Server) Codec() *token.Codec {
	return s.codec
}

// SetEncryptor sets the claims encryptor on the server and, when the
// subject store supports it, on storage as well.
func (s *Server) SetEncryptor(enc *security.Encryptor) {
	s.Encryptor = enc

	type encryptorSetter interface {
		SetEncryptor(*security.Encryptor)
	}
	if setter, ok := s.stores.Subjects.(encryptorSetter); ok {
		setter.SetEncryptor(enc)
	}
}

// SetAuditor sets the security auditor.
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the per-IP rate limiter.
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetClientLimiter sets the per-client rate limiter applied to the
// token endpoint after client authentication.
func (s *Server) SetClientLimiter(rl *security.RateLimiter) {
	s.ClientLimiter = rl
}

// SetInstrumentation sets the OpenTelemetry instrumentation.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
}

// metrics returns the metrics recorder, or nil when instrumentation is
// not configured. Callers must nil-check.
func (s *Server) metrics() *instrumentation.Metrics {
	if s.Instrumentation == nil {
		return nil
	}
	return s.Instrumentation.Metrics()
}
