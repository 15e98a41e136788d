package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raftworks/oauthd/internal/util"
	"github.com/raftworks/oauthd/storage"
	"github.com/raftworks/oauthd/token"
)

// AuthorizationRequest is a parsed authorization endpoint request. The
// transport layer fills SubjectID from its authentication middleware;
// the engine never authenticates end users itself.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scopes              []string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	SubjectID           string
	ClientIP            string
}

// AuthorizationResult carries the issued code back to the transport
// layer for redirect delivery.
type AuthorizationResult struct {
	Code        string
	RedirectURI string
	State       string
}

// Authorize processes an authorization request and issues a
// single-use authorization code bound to the client, redirect URI,
// granted scopes, and PKCE challenge.
//
// Error delivery follows RFC 6749 section 4.1.2.1: failures detected
// before the redirect URI is validated are returned as direct errors,
// everything after as redirect errors carrying the client's state.
func (s *Server) Authorize(ctx context.Context, req *AuthorizationRequest) (*AuthorizationResult, error) {
	client, err := s.stores.Clients.FindByClientID(ctx, req.ClientID)
	if err != nil {
		if !errors.Is(err, storage.ErrClientNotFound) {
			s.Logger.Error("client lookup failed", "error", err)
			return nil, directAuthorizeError(ErrServerError("authorization failed"))
		}
		return nil, directAuthorizeError(ErrInvalidClient("unknown client"))
	}

	if err := ValidateRedirectURI(client, req.RedirectURI); err != nil {
		return nil, directAuthorizeError(ErrInvalidRequest(err.Error()))
	}

	// The redirect URI is validated from here on; errors go back to
	// the client application.
	fail := func(protoErr *Error) error {
		return redirectAuthorizeError(protoErr, req.RedirectURI, req.State)
	}

	if req.ResponseType != ResponseTypeCode {
		return nil, fail(ErrUnsupportedResponseType(fmt.Sprintf("response_type %q is not supported", req.ResponseType)))
	}
	if !client.AllowsResponseType(req.ResponseType) {
		return nil, fail(ErrUnauthorizedClient("client is not authorized for response_type 'code'"))
	}
	if !client.AllowsGrantType(GrantTypeAuthorizationCode) {
		return nil, fail(ErrUnauthorizedClient("client is not authorized for the authorization_code grant"))
	}

	granted, protoErr := s.ValidateScopes(client, req.Scopes)
	if protoErr != nil {
		return nil, fail(protoErr)
	}

	if protoErr := s.validateCodeChallenge(client, req.CodeChallenge, req.CodeChallengeMethod); protoErr != nil {
		return nil, fail(protoErr)
	}

	if req.SubjectID == "" {
		return nil, fail(ErrAccessDenied("no authenticated subject"))
	}

	code := &storage.AuthorizationCode{
		Code:                token.Generate(),
		ClientID:            client.ClientID,
		SubjectID:           req.SubjectID,
		RedirectURI:         req.RedirectURI,
		Scopes:              granted,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		State:               req.State,
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}

	if err := s.stores.Codes.CreateAuthorizationCode(ctx, code); err != nil {
		s.Logger.Error("failed to store authorization code", "error", err)
		return nil, fail(ErrServerError("authorization failed"))
	}

	if s.Auditor != nil {
		s.Auditor.LogCodeIssued(req.SubjectID, client.ClientID, req.ClientIP, util.JoinScopes(granted))
	}
	if m := s.metrics(); m != nil {
		m.RecordAuthorizationStarted(ctx, client.ClientID)
	}

	s.Logger.Info("authorization code issued",
		"client_id", client.ClientID,
		"code_prefix", util.SafeTruncate(code.Code, 8),
		"scopes", granted,
		"pkce", code.CodeChallenge != "")

	return &AuthorizationResult{
		Code:        code.Code,
		RedirectURI: req.RedirectURI,
		State:       req.State,
	}, nil
}
