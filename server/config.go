package server

import (
	"log/slog"
)

// Config holds authorization server configuration.
type Config struct {
	// Issuer is the server's issuer identifier (base URL).
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid.
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid.
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid.
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// RotateRefreshTokens replaces the refresh token on every
	// refresh grant and revokes the old one. When false a refresh
	// token stays valid for its whole lifetime and refresh responses
	// omit a new one.
	// Default: false
	RotateRefreshTokens bool

	// RequirePKCE makes code_challenge mandatory on authorization
	// requests from public clients. Confidential clients may still
	// send one voluntarily.
	// Default: true
	RequirePKCE bool

	// AllowPKCEPlain allows the 'plain' code_challenge_method in
	// addition to S256.
	// Default: true
	AllowPKCEPlain bool

	// SupportedScopes lists the scopes clients may request. Empty
	// means any scope registered on the client is allowed.
	SupportedScopes []string

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP
	// headers. Only enable behind a trusted reverse proxy.
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of
	// this server, used to pick the client entry out of
	// X-Forwarded-For. Default: 1
	TrustedProxyCount int

	// MaxClientsPerIP limits dynamic client registrations per IP
	// within a one-hour sliding window. Negative disables the limit.
	// Default: 10
	MaxClientsPerIP int

	// ClockSkewGracePeriod is the grace period for expiry checks, in
	// seconds. Default: 5
	ClockSkewGracePeriod int64
}

// applySecureDefaults fills zero values with the defaults above and
// warns on settings that weaken the protocol guarantees.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applySecurityDefaults(config, logger)
	return config
}

func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 2592000
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.MaxClientsPerIP == 0 {
		config.MaxClientsPerIP = 10
	}
}

// applySecurityDefaults fills the security booleans. A config with all
// of them false is taken to be freshly constructed and gets the
// defaults; anything else is treated as deliberately configured and
// only warned about.
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	isDefaultConfig := !config.RequirePKCE &&
		!config.AllowPKCEPlain &&
		!config.RotateRefreshTokens &&
		!config.TrustProxy

	if isDefaultConfig {
		config.RequirePKCE = true
		config.AllowPKCEPlain = true
		return
	}

	if !config.RequirePKCE {
		logger.Warn("PKCE enforcement for public clients is disabled",
			"risk", "authorization code interception")
	}
	if config.TrustProxy {
		logger.Info("proxy headers trusted for client IP extraction",
			"trusted_proxy_count", config.TrustedProxyCount)
	}
}

// NewConfig returns a Config for the given issuer with all defaults
// applied.
func NewConfig(issuer string) *Config {
	return applySecureDefaults(&Config{Issuer: issuer}, slog.Default())
}
