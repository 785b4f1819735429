// Package credentials hashes tenant passwords and mints gateway tokens.
package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const bcryptCost = 12

// GatewayTokenPrefix marks tokens minted for a deployment's gateway auth.
const GatewayTokenPrefix = "gwt_"

const gatewayTokenRawBytes = 32

var (
	ErrPasswordTooShort = errors.New("password must be at least 8 characters")
	ErrPasswordNoLetter = errors.New("password must contain at least one letter")
	ErrPasswordNoDigit  = errors.New("password must contain at least one digit")
)

// ValidatePassword checks the password meets the minimum policy before it is hashed.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return ErrPasswordTooShort
	}
	var hasLetter, hasDigit bool
	for _, r := range password {
		if unicode.IsLetter(r) {
			hasLetter = true
		}
		if unicode.IsDigit(r) {
			hasDigit = true
		}
	}
	if !hasLetter {
		return ErrPasswordNoLetter
	}
	if !hasDigit {
		return ErrPasswordNoDigit
	}
	return nil
}

// HashPassword returns a bcrypt hash of the password for User.PasswordHash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword verifies a password against a bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// GenerateGatewayToken creates the token written into a deployment's
// openclaw.json gateway.auth.token and mirrored into secrets.webUiToken.
func GenerateGatewayToken() (string, error) {
	raw := make([]byte, gatewayTokenRawBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return GatewayTokenPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}
