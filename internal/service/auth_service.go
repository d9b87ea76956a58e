package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/auth-service/internal/auth"
	"github.com/spec-kit/auth-service/internal/domain"
	"github.com/spec-kit/auth-service/internal/events"
	"github.com/spec-kit/auth-service/internal/observability"
	"github.com/spec-kit/auth-service/internal/repository"
	apperrors "github.com/spec-kit/auth-service/pkg/util"
)

// AuthService coordinates registration, login and password flows.
type AuthService struct {
	users      repository.UserRepository
	hasher     *auth.PasswordHasher
	tokenMgr   *auth.TokenManager
	guard      *LoginGuard
	dispatcher events.Dispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger
	dummyHash  string
}

// AuthDependencies encapsulates collaborators for the auth service.
type AuthDependencies struct {
	UserRepo   repository.UserRepository
	Hasher     *auth.PasswordHasher
	Tokens     *auth.TokenManager
	Guard      *LoginGuard
	Dispatcher events.Dispatcher
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

// NewAuthService builds the service.
func NewAuthService(deps AuthDependencies) (*AuthService, error) {
	if deps.UserRepo == nil || deps.Hasher == nil || deps.Tokens == nil {
		return nil, errors.New("auth service requires user repository, hasher and token manager")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = events.NewInMemoryDispatcher()
	}

	// Compared against when the email is unknown so both paths pay for a bcrypt check.
	dummy, err := deps.Hasher.Hash("unknown-account-placeholder")
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}

	return &AuthService{
		users:      deps.UserRepo,
		hasher:     deps.Hasher,
		tokenMgr:   deps.Tokens,
		guard:      deps.Guard,
		dispatcher: dispatcher,
		metrics:    deps.Metrics,
		logger:     logger,
		dummyHash:  dummy,
	}, nil
}

// Register creates a new account and returns it with an access token.
func (s *AuthService) Register(ctx context.Context, name, email, password string) (*domain.User, *domain.IssuedToken, error) {
	email = repository.NormalizeEmail(email)
	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return nil, nil, apperrors.NewConflict("email already registered", nil)
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, apperrors.NewInternalError(err)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, nil, apperrors.MapError(err)
	}

	user := &domain.User{
		Name:         strings.TrimSpace(name),
		Email:        email,
		PasswordHash: hash,
		Status:       domain.UserStatusActive,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			return nil, nil, apperrors.NewConflict("email already registered", nil)
		}
		return nil, nil, apperrors.NewInternalError(err)
	}

	token, err := s.issue(user.ID)
	if err != nil {
		return nil, nil, err
	}

	s.publish(ctx, events.New(events.EventUserRegistered, user.ID, events.UserRegisteredPayload{Email: email}))
	return user, token, nil
}

// Login authenticates an account by email and password.
func (s *AuthService) Login(ctx context.Context, email, password string) (*domain.User, *domain.IssuedToken, error) {
	email = repository.NormalizeEmail(email)

	if retryAfter, err := s.guard.Check(ctx, email); err != nil {
		if errors.Is(err, ErrTooManyAttempts) {
			s.metrics.RecordAuth(observability.OutcomeLoginThrottled)
			return nil, nil, apperrors.NewTooManyRequests("too many failed login attempts", map[string]any{
				"retry_after_seconds": int(retryAfter.Seconds()),
			})
		}
		s.logger.Warn("login guard unavailable", zap.Error(err))
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, apperrors.NewInternalError(err)
		}
		_ = s.hasher.Compare(password, s.dummyHash)
		return nil, nil, s.loginFailed(ctx, email, "", "unknown_email")
	}

	if err := s.hasher.Compare(password, user.PasswordHash); err != nil {
		reason := "wrong_password"
		if errors.Is(err, auth.ErrMalformedHash) {
			reason = "malformed_hash"
			s.logger.Error("stored password hash is malformed", zap.String("user_id", user.ID))
		}
		return nil, nil, s.loginFailed(ctx, email, user.ID, reason)
	}

	if !user.IsActive() {
		s.metrics.RecordAuth(observability.OutcomeLoginFailed)
		return nil, nil, apperrors.NewForbidden("account suspended")
	}

	if err := s.guard.Reset(ctx, email); err != nil {
		s.logger.Warn("reset login guard", zap.Error(err))
	}
	s.upgradeHash(ctx, user, password)

	token, err := s.issue(user.ID)
	if err != nil {
		return nil, nil, err
	}

	s.metrics.RecordAuth(observability.OutcomeLoginSucceeded)
	s.publish(ctx, events.New(events.EventLoginSucceeded, user.ID, nil))
	return user, token, nil
}

// ChangePassword verifies the current password before storing a new hash.
func (s *AuthService) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return apperrors.MapError(err)
	}
	if err := s.hasher.Compare(currentPassword, user.PasswordHash); err != nil {
		return apperrors.NewUnauthorizedCause("invalid credentials", err)
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return apperrors.MapError(err)
	}
	if err := s.users.UpdatePasswordHash(ctx, user.ID, hash); err != nil {
		return apperrors.MapError(err)
	}

	s.publish(ctx, events.New(events.EventPasswordChanged, user.ID, nil))
	return nil
}

// Profile loads the account for an authenticated subject.
func (s *AuthService) Profile(ctx context.Context, userID string) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFound("user", nil)
		}
		return nil, apperrors.NewInternalError(err)
	}
	return user, nil
}

func (s *AuthService) issue(subject string) (*domain.IssuedToken, error) {
	token, exp, err := s.tokenMgr.GenerateToken(subject)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	return &domain.IssuedToken{Token: token, TokenType: domain.TokenTypeBearer, ExpiresAt: exp}, nil
}

func (s *AuthService) loginFailed(ctx context.Context, email, userID, reason string) error {
	s.metrics.RecordAuth(observability.OutcomeLoginFailed)
	if _, err := s.guard.RecordFailure(ctx, email); err != nil {
		s.logger.Warn("record login failure", zap.Error(err))
	}
	s.publish(ctx, events.New(events.EventLoginFailed, userID, events.LoginFailedPayload{Email: email, Reason: reason}))
	return apperrors.NewUnauthorized("invalid credentials")
}

func (s *AuthService) upgradeHash(ctx context.Context, user *domain.User, password string) {
	if !s.hasher.NeedsRehash(user.PasswordHash) {
		return
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		s.logger.Warn("rehash password", zap.String("user_id", user.ID), zap.Error(err))
		return
	}
	if err := s.users.UpdatePasswordHash(ctx, user.ID, hash); err != nil {
		s.logger.Warn("store rehashed password", zap.String("user_id", user.ID), zap.Error(err))
		return
	}
	user.PasswordHash = hash
}

func (s *AuthService) publish(ctx context.Context, event events.Event) {
	if err := s.dispatcher.Publish(ctx, event); err != nil {
		s.logger.Warn("event handler failed", zap.String("event", string(event.Type)), zap.Error(err))
	}
}
