package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AssertionClaims is the claim set embedded in signed access-token assertions.
type AssertionClaims struct {
	SubjectID string
	ClientID  string
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Signer produces and validates RS256 access-token assertions and exposes the
// verification key as a JWK set for the discovery endpoint.
type Signer struct {
	issuer string
	key    *rsa.PrivateKey
	keyID  string
}

// NewSigner creates a signer for the given issuer and RSA private key.
// The key id is the base64url SHA-256 thumbprint of the public modulus and
// exponent, so it is stable across restarts for the same key.
func NewSigner(issuer string, key *rsa.PrivateKey) (*Signer, error) {
	if issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if key == nil {
		return nil, fmt.Errorf("signing key is required")
	}

	return &Signer{
		issuer: issuer,
		key:    key,
		keyID:  computeKeyID(&key.PublicKey),
	}, nil
}

// GenerateSigningKey creates a fresh 2048-bit RSA key. Intended for
// development and tests; production deployments load a managed key.
func GenerateSigningKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

// KeyID returns the signer's key identifier.
func (s *Signer) KeyID() string {
	return s.keyID
}

// Sign serializes the claims into a signed RS256 JWT.
func (s *Signer) Sign(claims AssertionClaims) (string, error) {
	registered := jwt.MapClaims{
		"iss": s.issuer,
		"aud": claims.ClientID,
		"exp": claims.ExpiresAt.Unix(),
		"iat": claims.IssuedAt.Unix(),
		"jti": uuid.NewString(),
	}
	if claims.SubjectID != "" {
		registered["sub"] = claims.SubjectID
	}
	if len(claims.Scopes) > 0 {
		registered["scope"] = strings.Join(claims.Scopes, " ")
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, registered)
	tok.Header["kid"] = s.keyID

	signed, err := tok.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign assertion: %w", err)
	}
	return signed, nil
}

// Verify parses a signed assertion, checking signature, issuer, and expiry.
// Returned claims mirror what Sign embedded.
func (s *Signer) Verify(raw string) (*AssertionClaims, error) {
	parsed, err := jwt.Parse(raw,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return &s.key.PublicKey, nil
		},
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("assertion validation failed: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}

	out := &AssertionClaims{}
	if sub, err := claims.GetSubject(); err == nil {
		out.SubjectID = sub
	}
	if aud, err := claims.GetAudience(); err == nil && len(aud) > 0 {
		out.ClientID = aud[0]
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	if scope, ok := claims["scope"].(string); ok && scope != "" {
		out.Scopes = strings.Fields(scope)
	}
	return out, nil
}

// JSONWebKey is a single verification key in JWKS form.
type JSONWebKey struct {
	KeyType   string `json:"kty"`
	Use       string `json:"use"`
	KeyID     string `json:"kid"`
	Algorithm string `json:"alg"`
	Modulus   string `json:"n"`
	Exponent  string `json:"e"`
}

// JSONWebKeySet is the document served at /.well-known/jwks.json.
type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

// JWKS returns the signer's public key as a JWK set.
func (s *Signer) JWKS() JSONWebKeySet {
	pub := &s.key.PublicKey
	return JSONWebKeySet{
		Keys: []JSONWebKey{{
			KeyType:   "RSA",
			Use:       "sig",
			KeyID:     s.keyID,
			Algorithm: "RS256",
			Modulus:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			Exponent:  base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	}
}

func computeKeyID(pub *rsa.PublicKey) string {
	material := append(pub.N.Bytes(), big.NewInt(int64(pub.E)).Bytes()...)
	sum := sha256.Sum256(material)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
