package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrExpiredToken is returned when the token's expiration has passed.
	ErrExpiredToken = errors.New("token has expired")

	// ErrInvalidSignature is returned when the signature or algorithm does not match.
	ErrInvalidSignature = errors.New("token signature is invalid")

	// ErrMalformedToken is returned when the token cannot be parsed.
	ErrMalformedToken = errors.New("token is malformed")

	// ErrInvalidClaims is returned for claim failures other than expiration.
	ErrInvalidClaims = errors.New("token claims are invalid")

	// ErrInvalidTTL is returned when a token is requested with a non-positive lifetime.
	ErrInvalidTTL = errors.New("token ttl must be positive")

	// ErrEmptySubject is returned when a token is requested without a subject.
	ErrEmptySubject = errors.New("token subject is required")

	// ErrUnsupportedAlgorithm is returned for algorithms outside the HMAC family.
	ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")

	// ErrEmptySigningKey is returned when no signing key is configured.
	ErrEmptySigningKey = errors.New("signing key is required")
)

// DefaultAlgorithm is used when TokenConfig.Algorithm is empty.
const DefaultAlgorithm = "HS256"

// TokenConfig is the read-only signing configuration handed to a TokenManager.
type TokenConfig struct {
	Secret    []byte
	Algorithm string
	Issuer    string
	TTL       time.Duration
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// TokenManager handles issuing and validating JWT tokens.
type TokenManager struct {
	secret []byte
	method jwt.SigningMethod
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// Claims describes JWT payload.
type Claims struct {
	jwt.RegisteredClaims
}

// ExpiresAtTime returns the expiration instant or the zero time.
func (c *Claims) ExpiresAtTime() time.Time {
	if c == nil || c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// NewTokenManager builds a new manager.
func NewTokenManager(cfg TokenConfig) (*TokenManager, error) {
	if len(cfg.Secret) == 0 {
		return nil, ErrEmptySigningKey
	}
	method, err := signingMethod(cfg.Algorithm)
	if err != nil {
		return nil, err
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)

	return &TokenManager{
		secret: secret,
		method: method,
		issuer: cfg.Issuer,
		ttl:    cfg.TTL,
		now:    cfg.Now,
	}, nil
}

// Algorithm returns the JWS algorithm identifier used for signing.
func (tm *TokenManager) Algorithm() string {
	return tm.method.Alg()
}

// TTL returns the default token lifetime.
func (tm *TokenManager) TTL() time.Duration {
	return tm.ttl
}

// GenerateToken signs a token for subject using the default lifetime.
func (tm *TokenManager) GenerateToken(subject string) (string, time.Time, error) {
	return tm.Issue(subject, tm.ttl)
}

// Issue builds and signs a JWT for subject that expires ttl from now.
func (tm *TokenManager) Issue(subject string, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(subject) == "" {
		return "", time.Time{}, ErrEmptySubject
	}
	if ttl <= 0 {
		return "", time.Time{}, ErrInvalidTTL
	}

	now := tm.now()
	expiresAt := now.Add(ttl)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    tm.issuer,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(tm.method, claims)
	tokenString, err := token.SignedString(tm.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenString, expiresAt, nil
}

// ParseToken validates a token signed by this manager and returns its claims.
func (tm *TokenManager) ParseToken(tokenStr string) (*Claims, error) {
	return decode(tokenStr, tm.secret, tm.method.Alg(), tm.issuer, tm.now)
}

// Decode verifies tokenStr with key and algorithm and returns its claims.
// The token's alg header must equal algorithm and exp must be present.
func Decode(tokenStr string, key []byte, algorithm string) (*Claims, error) {
	return decode(tokenStr, key, algorithm, "", time.Now)
}

func decode(tokenStr string, key []byte, algorithm, issuer string, now func() time.Time) (*Claims, error) {
	if len(key) == 0 {
		return nil, ErrEmptySigningKey
	}
	method, err := signingMethod(algorithm)
	if err != nil {
		return nil, err
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	}
	if issuer != "" {
		options = append(options, jwt.WithIssuer(issuer))
	}

	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != method.Alg() {
			return nil, fmt.Errorf("unexpected signing method %q", token.Method.Alg())
		}
		return key, nil
	}, options...)
	if err != nil {
		return nil, classify(err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidClaims
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrMalformedToken)
	}
	return claims, nil
}

// classify folds jwt library errors into the package's sentinel errors.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpiredToken, err)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidClaims, err)
	}
}

func signingMethod(algorithm string) (jwt.SigningMethod, error) {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	switch strings.ToUpper(algorithm) {
	case jwt.SigningMethodHS256.Alg():
		return jwt.SigningMethodHS256, nil
	case jwt.SigningMethodHS384.Alg():
		return jwt.SigningMethodHS384, nil
	case jwt.SigningMethodHS512.Alg():
		return jwt.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
}
