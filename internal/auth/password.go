package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrVerificationFailure is returned when a password does not match its stored hash.
	ErrVerificationFailure = errors.New("password verification failed")

	// ErrMalformedHash is returned when a stored hash cannot be parsed.
	ErrMalformedHash = errors.New("malformed password hash")

	// ErrPasswordTooLong is returned for secrets bcrypt cannot hash without truncation.
	ErrPasswordTooLong = errors.New("password exceeds 72 bytes")
)

// MaxPasswordBytes is the longest secret bcrypt accepts.
const MaxPasswordBytes = 72

// PasswordHasher hashes and verifies credentials with bcrypt.
// It is immutable after construction and safe for concurrent use.
type PasswordHasher struct {
	cost int
}

// NewPasswordHasher builds a hasher with the given bcrypt cost.
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &PasswordHasher{cost: cost}
}

// Cost returns the work factor used for new hashes.
func (h *PasswordHasher) Cost() int {
	return h.cost
}

// Hash hashes a plaintext password with a fresh random salt.
func (h *PasswordHasher) Hash(password string) (string, error) {
	if len(password) > MaxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

// Compare checks a password against its hashed value.
// A mismatch yields ErrVerificationFailure, an unparseable hash ErrMalformedHash.
// Passwords longer than MaxPasswordBytes never match; bcrypt would only read their prefix.
func (h *PasswordHasher) Compare(password, hashed string) error {
	if len(password) > MaxPasswordBytes {
		return ErrVerificationFailure
	}
	err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return ErrVerificationFailure
	default:
		return fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}
}

// Verify reports whether password produced hashed. Malformed hashes never verify.
func (h *PasswordHasher) Verify(password, hashed string) bool {
	return h.Compare(password, hashed) == nil
}

// NeedsRehash reports whether hashed was produced with a weaker cost than configured.
func (h *PasswordHasher) NeedsRehash(hashed string) bool {
	cost, err := bcrypt.Cost([]byte(hashed))
	if err != nil {
		return true
	}
	return cost < h.cost
}
