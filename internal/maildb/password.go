package maildb

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// passwordScheme is the Dovecot scheme prefix for bcrypt hashes.
const passwordScheme = "{BLF-CRYPT}"

// HashPassword hashes a password with bcrypt and prefixes the Dovecot
// scheme marker, so the stored value works directly in a passdb sql
// lookup.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("bcrypt: %w", err)
	}
	return passwordScheme + string(hash), nil
}

// VerifyPassword checks a plaintext password against a stored hash,
// with or without the scheme prefix.
func VerifyPassword(password, hash string) (bool, error) {
	hash = strings.TrimPrefix(hash, passwordScheme)
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, err
}
