package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/raftworks/oauthd/storage"
	"github.com/raftworks/oauthd/token"
)

// Grant type identifiers.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
)

// ResponseTypeCode is the only supported response_type.
const ResponseTypeCode = "code"

// ClientRegistration is a dynamic client registration request.
type ClientRegistration struct {
	ClientName    string
	ClientType    string // "confidential" or "public"
	RedirectURIs  []string
	GrantTypes    []string
	ResponseTypes []string
	Scopes        []string
	RequirePKCE   bool
}

// RegisterClient registers a new client. For confidential clients the
// returned secret is the only time the plaintext is available; storage
// keeps the bcrypt hash.
func (s *Server) RegisterClient(ctx context.Context, reg *ClientRegistration, clientIP string) (*storage.Client, string, error) {
	if s.registrationLimiter != nil && !s.registrationLimiter.Allow(clientIP) {
		if s.Auditor != nil {
			s.Auditor.LogRateLimitExceeded(clientIP, "")
		}
		if m := s.metrics(); m != nil {
			m.RecordRateLimitExceeded(ctx, "registration")
		}
		return nil, "", NewError(ErrorCodeRateLimitExceeded,
			"too many client registrations from this address", http.StatusTooManyRequests)
	}

	if reg.ClientType != storage.ClientTypeConfidential && reg.ClientType != storage.ClientTypePublic {
		return nil, "", ErrInvalidRequest(fmt.Sprintf("unknown client type %q", reg.ClientType))
	}
	if len(reg.RedirectURIs) == 0 && containsGrant(reg.GrantTypes, GrantTypeAuthorizationCode) {
		return nil, "", ErrInvalidRequest("redirect_uris are required for the authorization_code grant")
	}
	for _, raw := range reg.RedirectURIs {
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Scheme == "" {
			return nil, "", ErrInvalidRequest(fmt.Sprintf("invalid redirect URI %q", raw))
		}
		if parsed.Fragment != "" {
			return nil, "", ErrInvalidRequest("redirect URIs must not contain fragments")
		}
	}

	grantTypes := reg.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	if containsGrant(grantTypes, GrantTypeClientCredentials) && reg.ClientType != storage.ClientTypeConfidential {
		return nil, "", ErrInvalidRequest("client_credentials grant requires a confidential client")
	}

	responseTypes := reg.ResponseTypes
	if len(responseTypes) == 0 && containsGrant(grantTypes, GrantTypeAuthorizationCode) {
		responseTypes = []string{ResponseTypeCode}
	}

	client := &storage.Client{
		ClientID:      uuid.NewString(),
		ClientName:    reg.ClientName,
		ClientType:    reg.ClientType,
		RedirectURIs:  reg.RedirectURIs,
		GrantTypes:    grantTypes,
		ResponseTypes: responseTypes,
		Scopes:        reg.Scopes,
		RequirePKCE:   reg.RequirePKCE,
		CreatedAt:     time.Now(),
	}

	var secret string
	if reg.ClientType == storage.ClientTypeConfidential {
		secret = token.Generate()
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, "", fmt.Errorf("failed to hash client secret: %w", err)
		}
		client.ClientSecretHash = string(hash)
	}

	if err := s.stores.Clients.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogClientRegistered(client.ClientID, client.ClientType, clientIP)
	}
	if m := s.metrics(); m != nil {
		m.RecordClientRegistration(ctx, client.ClientType)
	}

	s.Logger.Info("client registered",
		"client_id", client.ClientID,
		"client_type", client.ClientType,
		"grant_types", client.GrantTypes)

	return client, secret, nil
}

// AuthenticateClient authenticates a client by ID and secret. Public
// clients authenticate by ID alone and must not present a secret.
// Failures are reported uniformly so callers cannot distinguish an
// unknown client from a wrong secret.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret, clientIP string) (*storage.Client, *Error) {
	if clientID == "" {
		return nil, ErrInvalidClient("client authentication failed")
	}

	client, err := s.stores.Clients.FindByClientID(ctx, clientID)
	if err != nil {
		if !errors.Is(err, storage.ErrClientNotFound) {
			s.Logger.Error("client lookup failed", "error", err)
		}
		s.logAuthFailure(clientID, clientIP, "unknown client")
		return nil, ErrInvalidClient("client authentication failed")
	}

	if client.IsConfidential() {
		if clientSecret == "" {
			s.logAuthFailure(clientID, clientIP, "missing client secret")
			return nil, ErrInvalidClient("client authentication failed")
		}
		if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
			s.logAuthFailure(clientID, clientIP, "secret mismatch")
			return nil, ErrInvalidClient("client authentication failed")
		}
		return client, nil
	}

	if clientSecret != "" {
		s.logAuthFailure(clientID, clientIP, "secret presented by public client")
		return nil, ErrInvalidClient("client authentication failed")
	}
	return client, nil
}

func (s *Server) logAuthFailure(clientID, clientIP, reason string) {
	if s.Auditor != nil {
		s.Auditor.LogAuthFailure("", clientID, clientIP, reason)
	}
	s.Logger.Warn("client authentication failed",
		"client_id", clientID,
		"reason", reason)
}

func containsGrant(grants []string, grant string) bool {
	for _, g := range grants {
		if g == grant {
			return true
		}
	}
	return false
}
