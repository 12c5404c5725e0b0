package server

import (
	"golang.org/x/crypto/bcrypt"

	"github.com/aretw0/tessera/pkg/core"
)

// BcryptCredentials stores passwords as bcrypt hashes.
type BcryptCredentials struct {
	Cost int
}

var _ core.CredentialStore = BcryptCredentials{}

// VerifyPassword reports whether secret matches the encrypted form.
func (c BcryptCredentials) VerifyPassword(encrypted string, secret []byte) bool {
	if encrypted == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(encrypted), secret) == nil
}

// Encrypt hashes secret.
func (c BcryptCredentials) Encrypt(secret []byte) (string, error) {
	cost := c.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword(secret, cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
