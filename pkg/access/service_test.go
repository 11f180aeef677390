package access

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelvault/authcore/pkg/errs"
	"github.com/modelvault/authcore/pkg/lock"
	"github.com/modelvault/authcore/pkg/rights"
	"github.com/modelvault/authcore/pkg/sso"
	"github.com/modelvault/authcore/pkg/store"
	"github.com/modelvault/authcore/pkg/users"
)

type stubShared struct{}

func (stubShared) ListGloballySharedResourceIDs(ctx context.Context) ([]string, error) {
	return nil, nil
}

type fixture struct {
	svc      *Service
	users    *users.Service
	accessor *store.Accessor
	sessions *sso.Controller
	mr       *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cache := store.NewRedisCacheFromClient(client)
	accessor := store.NewAccessor(store.NewMemoryDatabase(), cache, logger, nil)
	locks := lock.NewController(cache, logger, nil)
	engine := rights.NewEngine(accessor, locks, stubShared{}, logger)
	userService := users.NewService(accessor, locks, engine, logger)
	sessions := sso.NewController(cache, accessor, userService, engine, nil, nil, logger)

	return &fixture{
		svc:      NewService(accessor, cache, engine, sessions, logger, nil),
		users:    userService,
		accessor: accessor,
		sessions: sessions,
		mr:       mr,
	}
}

// seedCredential creates a user (with default base rights), attaches an api
// key method, and returns the user id and api key. The fresh credential's
// final scope is empty.
func seedCredential(t *testing.T, f *fixture) (string, store.AuthMethod) {
	t.Helper()
	ctx := context.Background()
	userID, err := f.users.CreateUser(ctx, users.CreateUserRequest{UserName: "alice", UserEmail: "alice@x.com"}, false)
	require.NoError(t, err)
	method, err := f.users.CreateAccessMethod(ctx, userID, store.AuthMethod{Method: store.MethodAPIKey}, false)
	require.NoError(t, err)
	return userID, method
}

func TestLoginIssuesSelfSignedToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID, method := seedCredential(t, f)

	token, loginUserID, err := f.svc.Login(ctx, method)
	require.NoError(t, err)
	assert.True(t, IsSelfSigned(token))
	assert.Equal(t, userID, loginUserID)

	_, _, err = f.svc.Login(ctx, store.AuthMethod{Method: store.MethodAPIKey, APIKey: "WRONG"})
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
	_, _, err = f.svc.Login(ctx, store.AuthMethod{Method: "bogus"})
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestCheckSelfHealsFreshCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID, method := seedCredential(t, f)

	token, _, err := f.svc.Login(ctx, method)
	require.NoError(t, err)

	// The api-key credential starts with no final scopes; the first check
	// must pull the base rights in and then allow.
	decision, err := f.svc.Check(ctx, CheckRequest{
		Token: token,
		Path:  "/auth/users/" + userID,
		Right: "GET",
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, userID, decision.UserID)
	assert.Equal(t, "alice", decision.UserName)
	assert.False(t, decision.TokenRefreshed)

	entry, err := f.accessor.GetAuthEntry(ctx, method.APIKey)
	require.NoError(t, err)
	assert.NotEmpty(t, entry.FinalAccessScope)
}

func TestCheckDenialKeepsIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID, method := seedCredential(t, f)

	token, _, err := f.svc.Login(ctx, method)
	require.NoError(t, err)

	decision, err := f.svc.Check(ctx, CheckRequest{
		Token: token,
		Path:  "/auth/users/someone-else",
		Right: "DELETE",
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, userID, decision.UserID)
}

func TestCheckUnknownToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Check(ctx, CheckRequest{Token: SelfSignedType + " DEADBEEF", Path: "/x", Right: "GET"})
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	_, err = f.svc.Check(ctx, CheckRequest{Token: "Bearer unknown", Path: "/x", Right: "GET"})
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestSelfSignedTokenExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID, method := seedCredential(t, f)

	token, _, err := f.svc.Login(ctx, method)
	require.NoError(t, err)

	f.mr.FastForward(SelfSignedTTL + time.Minute)
	_, err = f.svc.Check(ctx, CheckRequest{Token: token, Path: "/auth/users/" + userID, Right: "GET"})
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestLogoutSelfSigned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID, method := seedCredential(t, f)

	token, _, err := f.svc.Login(ctx, method)
	require.NoError(t, err)
	require.NoError(t, f.svc.Logout(ctx, token))

	_, err = f.svc.Check(ctx, CheckRequest{Token: token, Path: "/auth/users/" + userID, Right: "GET"})
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}
