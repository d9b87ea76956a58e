package domain

import "time"

// IssuedToken represents a signed access token and its metadata.
type IssuedToken struct {
	Token     string
	TokenType string
	ExpiresAt time.Time
}

// TokenTypeBearer is the only token type the service issues.
const TokenTypeBearer = "Bearer"
