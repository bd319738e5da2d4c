// Package auth resolves the verified identity behind an HTTP request.
package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/robertarktes/parchi/internal/clock"
	"github.com/robertarktes/parchi/internal/domain"
)

// IdentityHeader carries the caller identity when no token verifier is configured.
const IdentityHeader = "X-Caller-Identity"

var ErrUnauthenticated = errors.New("unauthenticated")

type Authenticator interface {
	Authenticate(r *http.Request) (domain.Identity, error)
}

// JWTVerifier accepts EdDSA bearer tokens and uses the subject claim as the identity.
type JWTVerifier struct {
	key      ed25519.PublicKey
	issuer   string
	audience string
	clock    clock.Clock
}

func NewJWTVerifier(publicKey, issuer, audience string, clk clock.Clock) (*JWTVerifier, error) {
	keyBytes, err := decodeBase64(strings.TrimSpace(publicKey))
	if err != nil {
		return nil, errors.Wrap(err, "decode jwt public key")
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, errors.Newf("jwt public key must be %d bytes", ed25519.PublicKeySize)
	}
	return &JWTVerifier{
		key:      ed25519.PublicKey(keyBytes),
		issuer:   strings.TrimSpace(issuer),
		audience: strings.TrimSpace(audience),
		clock:    clk,
	}, nil
}

func (v *JWTVerifier) Verify(token string) (domain.Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock.Now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, opts...)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "verify token"), ErrUnauthenticated)
	}

	identity := domain.Identity(strings.TrimSpace(claims.Subject))
	if identity.Empty() {
		return "", errors.Wrap(ErrUnauthenticated, "token subject is empty")
	}
	return identity, nil
}

func (v *JWTVerifier) Authenticate(r *http.Request) (domain.Identity, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", errors.Wrap(ErrUnauthenticated, "missing bearer token")
	}
	return v.Verify(strings.TrimSpace(token))
}

// HeaderAuthenticator trusts the identity header. It is meant for local
// development behind a trusted proxy.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Authenticate(r *http.Request) (domain.Identity, error) {
	identity := domain.Identity(strings.TrimSpace(r.Header.Get(IdentityHeader)))
	if identity.Empty() {
		return "", errors.Wrapf(ErrUnauthenticated, "missing %s header", IdentityHeader)
	}
	return identity, nil
}

func decodeBase64(value string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(value, "="))
}
