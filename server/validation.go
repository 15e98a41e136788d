package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"

	"github.com/raftworks/oauthd/storage"
)

// PKCE code challenge methods.
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// RFC 7636 limits on code verifier length.
const (
	minVerifierLength = 43
	maxVerifierLength = 128
)

// ValidateRedirectURI checks a redirect_uri against the client's
// registered URIs. Comparison is exact string match; no prefix or
// pattern matching, which would open redirect vectors.
func ValidateRedirectURI(client *storage.Client, redirectURI string) error {
	if redirectURI == "" {
		return fmt.Errorf("redirect_uri is required")
	}
	if _, err := url.Parse(redirectURI); err != nil {
		return fmt.Errorf("redirect_uri is not a valid URI: %w", err)
	}
	for _, registered := range client.RedirectURIs {
		if redirectURI == registered {
			return nil
		}
	}
	return fmt.Errorf("redirect_uri does not match any registered URI")
}

// ValidateScopes checks that every requested scope is allowed for the
// client and, when the server restricts scopes globally, supported by
// the server. Returns the granted scope list, which for an empty
// request is the client's full registered scope set.
func (s *Server) ValidateScopes(client *storage.Client, requested []string) ([]string, *Error) {
	if len(requested) == 0 {
		granted := make([]string, len(client.Scopes))
		copy(granted, client.Scopes)
		return granted, nil
	}

	allowed := make(map[string]bool, len(client.Scopes))
	for _, scope := range client.Scopes {
		allowed[scope] = true
	}

	var supported map[string]bool
	if len(s.Config.SupportedScopes) > 0 {
		supported = make(map[string]bool, len(s.Config.SupportedScopes))
		for _, scope := range s.Config.SupportedScopes {
			supported[scope] = true
		}
	}

	for _, scope := range requested {
		if !allowed[scope] {
			return nil, ErrInvalidScope(fmt.Sprintf("scope %q is not registered for this client", scope))
		}
		if supported != nil && !supported[scope] {
			return nil, ErrInvalidScope(fmt.Sprintf("scope %q is not supported", scope))
		}
	}

	granted := make([]string, len(requested))
	copy(granted, requested)
	return granted, nil
}

// validateCodeChallenge checks the challenge parameters on an
// authorization request before a code is issued.
func (s *Server) validateCodeChallenge(client *storage.Client, challenge, method string) *Error {
	if challenge == "" {
		if method != "" {
			return ErrInvalidRequest("code_challenge_method provided without code_challenge")
		}
		if s.requiresPKCE(client) {
			return ErrInvalidRequest("code_challenge is required for this client")
		}
		return nil
	}

	switch method {
	case "", PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return ErrInvalidRequest("code_challenge_method 'plain' is not allowed")
		}
	case PKCEMethodS256:
	default:
		return ErrInvalidRequest(fmt.Sprintf("unsupported code_challenge_method %q", method))
	}
	return nil
}

// requiresPKCE reports whether the client must send a code challenge.
// Public clients always do when enforcement is on; confidential
// clients do when registered with RequirePKCE.
func (s *Server) requiresPKCE(client *storage.Client) bool {
	if client.RequirePKCE {
		return true
	}
	return s.Config.RequirePKCE && !client.IsConfidential()
}

// verifyPKCE checks a code_verifier against the challenge bound to the
// authorization code. Method defaults to plain when the challenge was
// stored without one, per RFC 7636. Comparisons are constant time.
func (s *Server) verifyPKCE(code *storage.AuthorizationCode, verifier string) *Error {
	if code.CodeChallenge == "" {
		if verifier != "" {
			return ErrInvalidGrant("code_verifier provided but no code_challenge was bound to the code")
		}
		return nil
	}

	if verifier == "" {
		return ErrInvalidGrant("code_verifier is required")
	}
	if len(verifier) < minVerifierLength || len(verifier) > maxVerifierLength {
		return ErrInvalidGrant("code_verifier length is out of range")
	}
	if !isValidVerifierCharset(verifier) {
		return ErrInvalidGrant("code_verifier contains invalid characters")
	}

	method := code.CodeChallengeMethod
	if method == "" {
		method = PKCEMethodPlain
	}

	switch method {
	case PKCEMethodS256:
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(computed), []byte(code.CodeChallenge)) != 1 {
			return ErrInvalidGrant("code_verifier does not match code_challenge")
		}
	case PKCEMethodPlain:
		if subtle.ConstantTimeCompare([]byte(verifier), []byte(code.CodeChallenge)) != 1 {
			return ErrInvalidGrant("code_verifier does not match code_challenge")
		}
	default:
		return ErrInvalidGrant(fmt.Sprintf("unsupported code_challenge_method %q", method))
	}

	return nil
}

// isValidVerifierCharset checks the RFC 7636 unreserved character set:
// ALPHA / DIGIT / "-" / "." / "_" / "~".
func isValidVerifierCharset(verifier string) bool {
	for _, c := range verifier {
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return false
		}
	}
	return true
}
