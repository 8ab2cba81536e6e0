package utils

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrEmptyPassword is returned when a blank password is hashed.
var ErrEmptyPassword = errors.New("password must not be empty")

// passwordCost is the bcrypt cost for new hashes. Hashes made with a lower
// cost are upgraded on the next successful login.
var passwordCost = bcrypt.DefaultCost

// HashPassword hashes a user or bootstrap admin password. Passwords longer
// than 72 bytes are rejected by bcrypt rather than silently truncated.
func HashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", ErrEmptyPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), passwordCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(password, hash string) bool {
	if password == "" || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// NeedsRehash reports whether hash was made with a lower cost than new
// hashes get. Unreadable hashes report false; CheckPassword rejects them.
func NeedsRehash(hash string) bool {
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return false
	}
	return cost < passwordCost
}
