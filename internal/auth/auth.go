// Package auth resolves bearer credentials into principals.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/roach88/capgate/internal/protocol"
)

// Authenticator verifies a bearer credential.
// Implementations return unauthenticated for an empty credential and
// invalid_credential for one that fails verification.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (protocol.Principal, error)
}

// JWTConfig configures HS256 token verification and minting.
type JWTConfig struct {
	Secret []byte
	Issuer string
	Now    func() time.Time
}

// JWTAuthenticator verifies HS256 bearer tokens whose subject is the
// principal id.
type JWTAuthenticator struct {
	cfg JWTConfig
}

// NewJWTAuthenticator creates a verifier. The secret must be non-empty.
func NewJWTAuthenticator(cfg JWTConfig) (*JWTAuthenticator, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &JWTAuthenticator{cfg: cfg}, nil
}

// Authenticate implements Authenticator. A leading "Bearer " is stripped.
func (a *JWTAuthenticator) Authenticate(_ context.Context, credential string) (protocol.Principal, error) {
	token := bearerToken(credential)
	if token == "" {
		return protocol.Principal{}, protocol.NewUnauthenticated()
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.cfg.Now),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.cfg.Secret, nil
	}, opts...)
	if err != nil {
		return protocol.Principal{}, mapJWTError(err)
	}
	if claims.Subject == "" {
		return protocol.Principal{}, protocol.NewInvalidCredential("token has no subject")
	}
	return protocol.Principal{ID: claims.Subject}, nil
}

// Mint issues a token for subject valid for ttl.
func (a *JWTAuthenticator) Mint(subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("subject is required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive, got %s", ttl)
	}
	now := a.cfg.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    a.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// bearerToken strips an optional case-insensitive "Bearer" scheme.
func bearerToken(credential string) string {
	token := strings.TrimSpace(credential)
	if strings.EqualFold(token, "bearer") {
		return ""
	}
	if scheme, rest, ok := strings.Cut(token, " "); ok && strings.EqualFold(scheme, "bearer") {
		return strings.TrimSpace(rest)
	}
	return token
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return protocol.NewInvalidCredential("token is expired")
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return protocol.NewInvalidCredential("token is not valid yet")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return protocol.NewInvalidCredential("token signature is invalid")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return protocol.NewInvalidCredential("token issuer mismatch")
	default:
		return protocol.NewInvalidCredential("")
	}
}

// StaticAuthenticator maps opaque tokens to principals.
// Used by tests and single-user development setups.
type StaticAuthenticator map[string]string

// Authenticate implements Authenticator.
func (s StaticAuthenticator) Authenticate(_ context.Context, credential string) (protocol.Principal, error) {
	token := bearerToken(credential)
	if token == "" {
		return protocol.Principal{}, protocol.NewUnauthenticated()
	}
	id, ok := s[token]
	if !ok {
		return protocol.Principal{}, protocol.NewInvalidCredential("")
	}
	return protocol.Principal{ID: id}, nil
}
