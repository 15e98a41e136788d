package oauthd

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/raftworks/oauthd/internal/util"
	"github.com/raftworks/oauthd/security"
	"github.com/raftworks/oauthd/server"
)

const (
	tokenTypeBearer = "Bearer"

	// maxRegistrationBodySize caps dynamic registration request bodies.
	maxRegistrationBodySize = 1 << 20
)

// Handler is a thin HTTP adapter for the authorization server engine.
// It parses the wire formats, delegates to the Server for protocol
// logic, and serializes results and errors per RFC 6749.
type Handler struct {
	server *server.Server
	logger *slog.Logger
	tracer trace.Tracer
}

// NewHandler creates an HTTP handler around the given server.
func NewHandler(srv *server.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: srv,
		logger: logger,
	}

	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}

	return h
}

// RegisterRoutes registers all endpoints on the given mux. The paths
// are fixed relative to the mux root; mount the mux under a prefix to
// move them.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/authorize", h.endpoint("authorize", h.ServeAuthorize))
	mux.Handle("/token", h.endpoint("token", h.ServeToken))
	mux.Handle("/revoke", h.endpoint("revoke", h.ServeRevoke))
	mux.Handle("/introspect", h.endpoint("introspect", h.ServeIntrospect))
	mux.Handle("/userinfo", h.endpoint("userinfo", h.ServeUserInfo))
	mux.Handle("/register", h.endpoint("register", h.ServeRegister))
	mux.Handle("/jwks.json", h.endpoint("jwks", h.ServeJWKS))
	mux.Handle("/.well-known/oauth-authorization-server",
		h.endpoint("metadata", h.ServeAuthorizationServerMetadata))
	mux.Handle("/.well-known/openid-configuration",
		h.endpoint("metadata", h.ServeAuthorizationServerMetadata))
}

// endpoint wraps a handler func with request ID propagation and HTTP
// metrics.
func (h *Handler) endpoint(name string, fn http.HandlerFunc) http.Handler {
	instrumented := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		fn(rec, r)

		if h.server.Instrumentation != nil {
			h.server.Instrumentation.Metrics().RecordHTTPRequest(
				r.Context(), r.Method, name, rec.status,
				float64(time.Since(start).Milliseconds()))
		}
	})
	return security.RequestIDMiddleware(instrumented)
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// ServeAuthorize handles the authorization endpoint (GET and POST).
// The end user must already be authenticated; their subject identifier
// is read from the request context via WithSubject.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		h.writeError(w, server.ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	req := &server.AuthorizationRequest{
		ResponseType:        r.FormValue("response_type"),
		ClientID:            r.FormValue("client_id"),
		RedirectURI:         r.FormValue("redirect_uri"),
		Scopes:              util.SplitScopes(r.FormValue("scope")),
		State:               r.FormValue("state"),
		CodeChallenge:       r.FormValue("code_challenge"),
		CodeChallengeMethod: r.FormValue("code_challenge_method"),
		Nonce:               r.FormValue("nonce"),
		SubjectID:           SubjectFromContext(r.Context()),
		ClientIP:            clientIP,
	}

	result, err := h.server.Authorize(r.Context(), req)
	if err != nil {
		h.writeAuthorizeError(w, r, err)
		return
	}

	redirect, err := buildRedirect(result.RedirectURI, map[string]string{
		"code":  result.Code,
		"state": result.State,
	})
	if err != nil {
		h.logger.Error("failed to build redirect URI", "error", err)
		h.writeError(w, server.ErrorCodeServerError, "authorization failed", http.StatusInternalServerError)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, redirect, http.StatusFound)
}

// writeAuthorizeError delivers an authorization failure either as a
// redirect to the validated redirect URI or as a direct response,
// depending on how far validation got.
func (h *Handler) writeAuthorizeError(w http.ResponseWriter, r *http.Request, err error) {
	var authErr *server.AuthorizeError
	if errors.As(err, &authErr) {
		if authErr.Redirectable {
			params := map[string]string{
				"error":             authErr.Err.Code,
				"error_description": authErr.Err.Description,
				"state":             authErr.State,
			}
			redirect, buildErr := buildRedirect(authErr.RedirectURI, params)
			if buildErr == nil {
				security.SetSecurityHeaders(w, h.server.Config.Issuer)
				http.Redirect(w, r, redirect, http.StatusFound)
				return
			}
			h.logger.Error("failed to build error redirect", "error", buildErr)
		}
		h.writeError(w, authErr.Err.Code, authErr.Err.Description, authErr.Err.Status)
		return
	}

	var protoErr *server.Error
	if errors.As(err, &protoErr) {
		h.writeError(w, protoErr.Code, protoErr.Description, protoErr.Status)
		return
	}

	h.logger.Error("authorization failed", "error", err)
	h.writeError(w, server.ErrorCodeServerError, "authorization failed", http.StatusInternalServerError)
}

// buildRedirect appends the given parameters to the redirect URI's
// query, preserving any parameters it already carries. Empty values
// are omitted.
func buildRedirect(redirectURI string, params map[string]string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}

	q := u.Query()
	for key, value := range params {
		if value != "" {
			q.Set(key, value)
		}
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// ServeToken handles the token endpoint. Client credentials are
// accepted via HTTP Basic auth or the request body (client_secret_basic
// and client_secret_post).
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, server.ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrorCodeInvalidRequest, "malformed request body", http.StatusBadRequest)
		return
	}

	clientID, clientSecret := h.clientCredentials(r)

	req := &server.TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Scopes:       util.SplitScopes(r.PostFormValue("scope")),
		ClientIP:     clientIP,
	}

	result, err := h.server.Exchange(r.Context(), req)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.writeTokenResponse(w, result)
}

// clientCredentials extracts client credentials from Basic auth or the
// form body. Basic auth credentials are URL-decoded per RFC 6749
// section 2.3.1.
func (h *Handler) clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		if decodedID, err := url.QueryUnescape(id); err == nil {
			id = decodedID
		}
		if decodedSecret, err := url.QueryUnescape(secret); err == nil {
			secret = decodedSecret
		}
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}

// ServeRevoke handles token revocation per RFC 7009. Revoking an
// unknown or foreign token still returns 200.
func (h *Handler) ServeRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, server.ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrorCodeInvalidRequest, "malformed request body", http.StatusBadRequest)
		return
	}

	clientID, clientSecret := h.clientCredentials(r)
	client, protoErr := h.server.AuthenticateClient(r.Context(), clientID, clientSecret, clientIP)
	if protoErr != nil {
		h.writeProtocolError(w, protoErr)
		return
	}

	tokenValue := r.PostFormValue("token")
	if tokenValue == "" {
		h.writeError(w, server.ErrorCodeInvalidRequest, "token parameter is required", http.StatusBadRequest)
		return
	}

	if err := h.server.Revoke(r.Context(), client, tokenValue, r.PostFormValue("token_type_hint"), clientIP); err != nil {
		h.writeEngineError(w, err)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ServeIntrospect handles token introspection per RFC 7662. Only
// authenticated clients may introspect, and only their own tokens come
// back active.
func (h *Handler) ServeIntrospect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, server.ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrorCodeInvalidRequest, "malformed request body", http.StatusBadRequest)
		return
	}

	clientID, clientSecret := h.clientCredentials(r)
	client, protoErr := h.server.AuthenticateClient(r.Context(), clientID, clientSecret, clientIP)
	if protoErr != nil {
		h.writeProtocolError(w, protoErr)
		return
	}

	result, err := h.server.Introspect(r.Context(), client, r.PostFormValue("token"), r.PostFormValue("token_type_hint"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	response := IntrospectionResponse{Active: result.Active}
	if result.Active {
		response.Scope = util.JoinScopes(result.Scopes)
		response.ClientID = result.ClientID
		response.Subject = result.SubjectID
		response.TokenType = result.TokenType
		response.ExpiresAt = result.ExpiresAt.Unix()
		response.IssuedAt = result.IssuedAt.Unix()
	}

	h.writeJSON(w, http.StatusOK, response)
}

// ServeUserInfo handles the userinfo endpoint. It requires a valid
// bearer access token and releases claims according to the token's
// granted scopes.
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		h.writeError(w, server.ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	raw, ok := h.extractBearerToken(w, r)
	if !ok {
		return
	}

	claims, err := h.server.Codec().VerifyAccessToken(r.Context(), raw)
	if err != nil {
		h.logger.Warn("access token verification failed", "ip", clientIP)
		h.writeUnauthorized(w, "the access token is invalid or expired")
		return
	}

	info, err := h.server.UserInfo(r.Context(), claims)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, info)
}

// ServeRegister handles dynamic client registration.
func (h *Handler) ServeRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, server.ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	var req ClientRegistrationRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRegistrationBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, server.ErrorCodeInvalidRequest, "malformed registration request", http.StatusBadRequest)
		return
	}

	registration := &server.ClientRegistration{
		ClientName:    req.ClientName,
		ClientType:    req.ClientType,
		RedirectURIs:  req.RedirectURIs,
		GrantTypes:    req.GrantTypes,
		ResponseTypes: req.ResponseTypes,
		Scopes:        util.SplitScopes(req.Scope),
		RequirePKCE:   req.RequirePKCE,
	}

	client, secret, err := h.server.RegisterClient(r.Context(), registration, clientIP)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, ClientRegistrationResponse{
		ClientID:      client.ClientID,
		ClientSecret:  secret,
		ClientName:    client.ClientName,
		ClientType:    client.ClientType,
		RedirectURIs:  client.RedirectURIs,
		GrantTypes:    client.GrantTypes,
		ResponseTypes: client.ResponseTypes,
		Scope:         util.JoinScopes(client.Scopes),
	})
}

// ServeJWKS serves the signing key set. Returns 404 when the server
// issues opaque tokens only.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, server.ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	signer := h.server.Codec().Signer()
	if signer == nil {
		http.NotFound(w, r)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Cache-Control", "public, max-age=300")
	h.writeJSON(w, http.StatusOK, signer.JWKS())
}

// ServeAuthorizationServerMetadata serves RFC 8414 authorization
// server metadata. The same document answers the OIDC discovery path.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, server.ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	h.writeJSON(w, http.StatusOK, h.buildMetadata())
}

func (h *Handler) buildMetadata() map[string]any {
	cfg := h.server.Config

	challengeMethods := []string{server.PKCEMethodS256}
	if cfg.AllowPKCEPlain {
		challengeMethods = append(challengeMethods, server.PKCEMethodPlain)
	}

	metadata := map[string]any{
		"issuer":                 cfg.Issuer,
		"authorization_endpoint": h.endpointURL("/authorize"),
		"token_endpoint":         h.endpointURL("/token"),
		"revocation_endpoint":    h.endpointURL("/revoke"),
		"introspection_endpoint": h.endpointURL("/introspect"),
		"userinfo_endpoint":      h.endpointURL("/userinfo"),
		"registration_endpoint":  h.endpointURL("/register"),
		"response_types_supported": []string{
			server.ResponseTypeCode,
		},
		"grant_types_supported": []string{
			server.GrantTypeAuthorizationCode,
			server.GrantTypeRefreshToken,
			server.GrantTypeClientCredentials,
		},
		"code_challenge_methods_supported": challengeMethods,
		"token_endpoint_auth_methods_supported": []string{
			"client_secret_basic",
			"client_secret_post",
			"none",
		},
	}

	if len(cfg.SupportedScopes) > 0 {
		metadata["scopes_supported"] = cfg.SupportedScopes
	}
	if h.server.Codec().Signer() != nil {
		metadata["jwks_uri"] = h.endpointURL("/jwks.json")
	}

	return metadata
}

func (h *Handler) endpointURL(path string) string {
	return util.NormalizeURL(h.server.Config.Issuer) + path
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// checkIPRateLimit reports whether the client IP is rate limited. When
// it is, the 429 response has already been written.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.server.RateLimiter == nil || h.server.RateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("rate limit exceeded", "ip", clientIP, "endpoint", r.URL.Path)

	if h.server.Instrumentation != nil {
		h.server.Instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	}
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP, "")
	}

	w.Header().Set("Retry-After", "60")
	h.writeError(w, server.ErrorCodeRateLimitExceeded, "rate limit exceeded, try again later", http.StatusTooManyRequests)
	return true
}

// extractBearerToken extracts the bearer token from the Authorization
// header, writing a 401 response on failure.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeUnauthorized(w, "missing Authorization header")
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], tokenTypeBearer) {
		h.writeUnauthorized(w, "invalid Authorization header format")
		return "", false
	}

	return parts[1], true
}

// writeEngineError serializes any error returned by the engine,
// falling back to an opaque server_error for unexpected ones.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	var protoErr *server.Error
	if errors.As(err, &protoErr) {
		h.writeProtocolError(w, protoErr)
		return
	}

	h.logger.Error("request failed", "error", err)
	h.writeError(w, server.ErrorCodeServerError, "internal server error", http.StatusInternalServerError)
}

func (h *Handler) writeProtocolError(w http.ResponseWriter, protoErr *server.Error) {
	if protoErr.Status == http.StatusUnauthorized && protoErr.Code == server.ErrorCodeInvalidClient {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauthd", charset="UTF-8"`)
	}
	h.writeError(w, protoErr.Code, protoErr.Description, protoErr.Status)
}

func (h *Handler) writeUnauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", tokenTypeBearer)
	h.writeError(w, server.ErrorCodeInvalidToken, description, http.StatusUnauthorized)
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, result *server.TokenResult) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	// RFC 6749 section 5.1: token responses must not be cached.
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  result.AccessToken,
		TokenType:    result.TokenType,
		ExpiresIn:    result.ExpiresIn,
		RefreshToken: result.RefreshToken,
		Scope:        util.JoinScopes(result.Scopes),
	})
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	h.writeJSON(w, status, ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
