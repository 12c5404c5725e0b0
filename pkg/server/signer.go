package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aretw0/tessera/pkg/core"
)

const tokenIssuer = "tessera"

// Claims are the contents of a session token.
type Claims struct {
	jwt.RegisteredClaims
	Name      string         `json:"name"`
	Authority core.Authority `json:"authority"`
}

// Signer issues and verifies HS256 session tokens.
type Signer struct {
	secret []byte
}

// NewSigner returns a signer keyed with secret.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("token secret must be at least 16 bytes, got %d", len(secret))
	}
	return &Signer{secret: append([]byte(nil), secret...)}, nil
}

// Sign returns the token of auth: subject is the user id, jti the
// authentication id.
func (s *Signer) Sign(auth *core.Authentication) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   tokenIssuer,
			Subject:  auth.UserID,
			ID:       auth.ID,
			IssuedAt: jwt.NewNumericDate(auth.IssuedAt),
		},
		Name:      auth.Name,
		Authority: auth.Authority,
	}
	if !auth.ExpiresAt.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(auth.ExpiresAt)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Parse verifies the signature, issuer and expiry of token. Every failure is
// reported as core.ErrAuthenticationExpired.
func (s *Signer) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithLeeway(time.Second),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("token expired: %w", core.ErrAuthenticationExpired)
		}
		return nil, fmt.Errorf("invalid token: %v: %w", err, core.ErrAuthenticationExpired)
	}
	return claims, nil
}
