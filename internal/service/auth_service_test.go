package service

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"

	"github.com/spec-kit/auth-service/internal/auth"
	"github.com/spec-kit/auth-service/internal/domain"
	"github.com/spec-kit/auth-service/internal/events"
	"github.com/spec-kit/auth-service/internal/observability"
	"github.com/spec-kit/auth-service/internal/repository"
	apperrors "github.com/spec-kit/auth-service/pkg/util"
)

type testEnv struct {
	svc        *AuthService
	repo       repository.UserRepository
	tokens     *auth.TokenManager
	metrics    *observability.Metrics
	dispatcher events.Dispatcher
	logs       *observer.ObservedLogs
}

func newTestEnv(t *testing.T, guard *LoginGuard) *testEnv {
	t.Helper()
	tokens, err := auth.NewTokenManager(auth.TokenConfig{
		Secret: []byte("service-test-secret"),
		Issuer: "auth-service",
		TTL:    5 * time.Minute,
	})
	require.NoError(t, err)

	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)
	dispatcher := events.NewInMemoryDispatcher()
	NewAuditService(dispatcher, logger).RegisterHandlers()

	repo := repository.NewMemoryUserRepository()
	metrics := observability.NewMetrics()
	svc, err := NewAuthService(AuthDependencies{
		UserRepo:   repo,
		Hasher:     auth.NewPasswordHasher(bcrypt.MinCost),
		Tokens:     tokens,
		Guard:      guard,
		Dispatcher: dispatcher,
		Metrics:    metrics,
		Logger:     logger,
	})
	require.NoError(t, err)

	return &testEnv{svc: svc, repo: repo, tokens: tokens, metrics: metrics, dispatcher: dispatcher, logs: logs}
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	require.Error(t, err)
	return apperrors.ToDomainError(err).HTTPStatus
}

func TestRegisterIssuesVerifiableToken(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	user, token, err := env.svc.Register(ctx, " Ada ", "Ada@Example.com", "SuperSecret123!")
	require.NoError(t, err)
	assert.Equal(t, "Ada", user.Name)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.NotEqual(t, "SuperSecret123!", user.PasswordHash)
	assert.Equal(t, domain.TokenTypeBearer, token.TokenType)

	claims, err := env.tokens.ParseToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.Subject)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), claims.ExpiresAtTime(), 2*time.Second)

	assert.Equal(t, 1, env.logs.FilterMessage("UserRegistered").Len())
}

func TestRegisterDuplicateEmail(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, _, err := env.svc.Register(ctx, "Ada", "ada@example.com", "SuperSecret123!")
	require.NoError(t, err)

	_, _, err = env.svc.Register(ctx, "Ada Two", "ADA@example.com", "AnotherSecret1!")
	assert.Equal(t, http.StatusConflict, statusOf(t, err))
}

func TestRegisterPasswordTooLong(t *testing.T) {
	env := newTestEnv(t, nil)

	_, _, err := env.svc.Register(context.Background(), "Long", "long@example.com", strings.Repeat("p", 73))
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err))
}

func TestLoginSuccessAndFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	registered, _, err := env.svc.Register(ctx, "Ada", "ada@example.com", "SuperSecret123!")
	require.NoError(t, err)

	user, token, err := env.svc.Login(ctx, "ada@example.com", "SuperSecret123!")
	require.NoError(t, err)
	assert.Equal(t, registered.ID, user.ID)
	claims, err := env.tokens.ParseToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, registered.ID, claims.Subject)

	_, _, err = env.svc.Login(ctx, "ada@example.com", "wrong-password")
	assert.Equal(t, http.StatusUnauthorized, statusOf(t, err))

	_, _, err = env.svc.Login(ctx, "nobody@example.com", "SuperSecret123!")
	assert.Equal(t, http.StatusUnauthorized, statusOf(t, err))
	assert.Equal(t, "invalid credentials", apperrors.ToDomainError(err).Message)

	snap := env.metrics.Snapshot()
	assert.Equal(t, int64(1), snap.Auth[observability.OutcomeLoginSucceeded])
	assert.Equal(t, int64(2), snap.Auth[observability.OutcomeLoginFailed])

	failed := env.logs.FilterMessage("LoginFailed").All()
	require.Len(t, failed, 2)
	assert.Equal(t, "wrong_password", failed[0].ContextMap()["reason"])
	assert.Equal(t, "unknown_email", failed[1].ContextMap()["reason"])
	for _, entry := range env.logs.All() {
		for _, v := range entry.ContextMap() {
			assert.NotEqual(t, "SuperSecret123!", v)
		}
	}
}

func TestLoginRejectsPasswordExtendingStoredSecret(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	password := strings.Repeat("é", 36)

	_, _, err := env.svc.Register(ctx, "Zoé", "zoe@example.com", password)
	require.NoError(t, err)

	_, _, err = env.svc.Login(ctx, "zoe@example.com", password+"attacker-suffix")
	assert.Equal(t, http.StatusUnauthorized, statusOf(t, err))

	_, _, err = env.svc.Login(ctx, "zoe@example.com", password)
	assert.NoError(t, err)
}

func TestLoginSuspendedAccount(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	user, _, err := env.svc.Register(ctx, "Sus", "sus@example.com", "SuperSecret123!")
	require.NoError(t, err)
	user.Status = domain.UserStatusSuspended
	require.NoError(t, env.repo.Update(ctx, user))

	_, _, err = env.svc.Login(ctx, "sus@example.com", "SuperSecret123!")
	assert.Equal(t, http.StatusForbidden, statusOf(t, err))
}

func TestLoginThrottled(t *testing.T) {
	guard, _ := newTestGuard(t, 2, time.Minute)
	env := newTestEnv(t, guard)
	ctx := context.Background()

	_, _, err := env.svc.Register(ctx, "Ada", "ada@example.com", "SuperSecret123!")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, _, err = env.svc.Login(ctx, "ada@example.com", "nope-nope")
		assert.Equal(t, http.StatusUnauthorized, statusOf(t, err))
	}

	_, _, err = env.svc.Login(ctx, "ada@example.com", "SuperSecret123!")
	assert.Equal(t, http.StatusTooManyRequests, statusOf(t, err))
	assert.Equal(t, 60, apperrors.ToDomainError(err).Details["retry_after_seconds"])
	assert.Equal(t, int64(1), env.metrics.Snapshot().Auth[observability.OutcomeLoginThrottled])
}

func TestLoginResetsGuardOnSuccess(t *testing.T) {
	guard, mr := newTestGuard(t, 3, time.Minute)
	env := newTestEnv(t, guard)
	ctx := context.Background()

	_, _, err := env.svc.Register(ctx, "Ada", "ada@example.com", "SuperSecret123!")
	require.NoError(t, err)

	_, _, err = env.svc.Login(ctx, "ada@example.com", "nope-nope")
	require.Error(t, err)
	assert.True(t, mr.Exists(loginGuardPrefix+"ada@example.com"))

	_, _, err = env.svc.Login(ctx, "ada@example.com", "SuperSecret123!")
	require.NoError(t, err)
	assert.False(t, mr.Exists(loginGuardPrefix+"ada@example.com"))
}

func TestLoginUpgradesWeakHash(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	weak, err := bcrypt.GenerateFromPassword([]byte("SuperSecret123!"), bcrypt.MinCost)
	require.NoError(t, err)
	user := &domain.User{Name: "Old", Email: "old@example.com", PasswordHash: string(weak), Status: domain.UserStatusActive}
	require.NoError(t, env.repo.Create(ctx, user))

	env.svc.hasher = auth.NewPasswordHasher(bcrypt.MinCost + 1)

	_, _, err = env.svc.Login(ctx, "old@example.com", "SuperSecret123!")
	require.NoError(t, err)

	stored, err := env.repo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	cost, err := bcrypt.Cost([]byte(stored.PasswordHash))
	require.NoError(t, err)
	assert.Equal(t, bcrypt.MinCost+1, cost)

	_, _, err = env.svc.Login(ctx, "old@example.com", "SuperSecret123!")
	require.NoError(t, err)
	again, err := env.repo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.PasswordHash, again.PasswordHash)
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	user, _, err := env.svc.Register(ctx, "Ada", "ada@example.com", "SuperSecret123!")
	require.NoError(t, err)

	err = env.svc.ChangePassword(ctx, user.ID, "wrong-current", "NewSecret456!")
	assert.Equal(t, http.StatusUnauthorized, statusOf(t, err))
	assert.ErrorIs(t, err, auth.ErrVerificationFailure)

	require.NoError(t, env.svc.ChangePassword(ctx, user.ID, "SuperSecret123!", "NewSecret456!"))

	_, _, err = env.svc.Login(ctx, "ada@example.com", "SuperSecret123!")
	require.Error(t, err)
	_, _, err = env.svc.Login(ctx, "ada@example.com", "NewSecret456!")
	require.NoError(t, err)

	assert.Equal(t, 1, env.logs.FilterMessage("PasswordChanged").Len())

	err = env.svc.ChangePassword(ctx, "missing", "a", "b")
	assert.Equal(t, http.StatusNotFound, statusOf(t, err))
}

func TestProfile(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	user, _, err := env.svc.Register(ctx, "Ada", "ada@example.com", "SuperSecret123!")
	require.NoError(t, err)

	got, err := env.svc.Profile(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.Email, got.Email)

	_, err = env.svc.Profile(ctx, "missing")
	assert.Equal(t, http.StatusNotFound, statusOf(t, err))
}

func TestNewAuthServiceRequiresCollaborators(t *testing.T) {
	_, err := NewAuthService(AuthDependencies{})
	assert.Error(t, err)
}
