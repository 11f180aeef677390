package maintenance

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelvault/authcore/pkg/errs"
	"github.com/modelvault/authcore/pkg/lock"
	"github.com/modelvault/authcore/pkg/sso"
	"github.com/modelvault/authcore/pkg/store"
)

type stubSessions struct {
	alive map[string]bool
	err   error
}

func (s *stubSessions) SessionExistsForCredential(ctx context.Context, credentialKey string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.alive[credentialKey], nil
}

func newSweeper(t *testing.T, sessions *stubSessions) (*Sweeper, *store.Accessor) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cache := store.NewRedisCacheFromClient(client)
	accessor := store.NewAccessor(store.NewMemoryDatabase(), cache, logger, nil)
	locks := lock.NewController(cache, logger, nil)
	return NewSweeper(accessor, locks, sessions, logger), accessor
}

// seedUser stores a user together with the auth entries its methods back.
func seedUser(t *testing.T, accessor *store.Accessor, id string, methods ...store.AuthMethod) *store.User {
	t.Helper()
	ctx := context.Background()
	user := &store.User{ID: id, UserName: id, UserEmail: id + "@x.com", AuthMethods: methods}
	require.NoError(t, accessor.CreateUser(ctx, user))
	for _, method := range methods {
		key, err := method.CredentialKey()
		require.NoError(t, err)
		require.NoError(t, accessor.PutAuthEntry(ctx, key, store.NewAuthEntry(user, nil)))
	}
	return user
}

func TestSweepRemovesOrphanedCredentials(t *testing.T) {
	sweeper, accessor := newSweeper(t, &stubSessions{})
	ctx := context.Background()

	live := seedUser(t, accessor, "u1", store.AuthMethod{Method: store.MethodAPIKey, APIKey: "key-live"})
	ghost := &store.User{ID: "ghost", UserName: "ghost", UserEmail: "ghost@x.com"}
	require.NoError(t, accessor.PutAuthEntry(ctx, "key-ghost", store.NewAuthEntry(ghost, nil)))

	require.NoError(t, sweeper.Sweep(ctx))

	_, err := accessor.GetAuthEntry(ctx, "key-live")
	assert.NoError(t, err, "credential of a live user must survive")
	_, err = accessor.GetAuthEntry(ctx, "key-ghost")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_ = live
}

// federatedMethod builds the auth method a federated login attaches; its
// credential key equals sso.CredentialKeyFor(email, tokenWithType).
func federatedMethod(email, tokenWithType string) store.AuthMethod {
	return store.AuthMethod{
		Method:      store.MethodUserEmailPassword,
		UserEmail:   email + ".sso",
		PasswordMD5: store.MD5Hex(tokenWithType),
	}
}

func TestSweepRemovesExpiredFederatedCredentials(t *testing.T) {
	aliveKey := sso.CredentialKeyFor("u1@x.com", "Bearer alive-token")
	deadKey := sso.CredentialKeyFor("u1@x.com", "Bearer dead-token")
	sweeper, accessor := newSweeper(t, &stubSessions{alive: map[string]bool{aliveKey: true}})
	ctx := context.Background()

	seedUser(t, accessor, "u1",
		federatedMethod("u1@x.com", "Bearer alive-token"),
		federatedMethod("u1@x.com", "Bearer dead-token"))

	require.NoError(t, sweeper.Sweep(ctx))

	_, err := accessor.GetAuthEntry(ctx, aliveKey)
	assert.NoError(t, err, "federated credential with a live session must survive")
	_, err = accessor.GetAuthEntry(ctx, deadKey)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	user, err := accessor.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, user.AuthMethods, 1, "the dead token's auth method is detached")
	key, err := user.AuthMethods[0].CredentialKey()
	require.NoError(t, err)
	assert.Equal(t, aliveKey, key)
}

func TestSweepKeepsFederatedCredentialWhenProbeFails(t *testing.T) {
	key := sso.CredentialKeyFor("u1@x.com", "Bearer some-token")
	sweeper, accessor := newSweeper(t, &stubSessions{err: errors.New("cache down")})
	ctx := context.Background()

	user := seedUser(t, accessor, "u1")
	require.NoError(t, accessor.PutAuthEntry(ctx, key, store.NewAuthEntry(user, nil)))

	require.NoError(t, sweeper.Sweep(ctx))

	_, err := accessor.GetAuthEntry(ctx, key)
	assert.NoError(t, err)
}

func TestSweepRemovesUnreferencedCredentials(t *testing.T) {
	sweeper, accessor := newSweeper(t, &stubSessions{})
	ctx := context.Background()

	user := seedUser(t, accessor, "u1", store.AuthMethod{Method: store.MethodAPIKey, APIKey: "key-live"})
	// Entry left behind by a credential removal that never finished.
	require.NoError(t, accessor.PutAuthEntry(ctx, "key-stale", store.NewAuthEntry(user, nil)))

	require.NoError(t, sweeper.Sweep(ctx))

	_, err := accessor.GetAuthEntry(ctx, "key-live")
	assert.NoError(t, err)
	_, err = accessor.GetAuthEntry(ctx, "key-stale")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSweepReleasesOrphanedUniqueRows(t *testing.T) {
	sweeper, accessor := newSweeper(t, &stubSessions{})
	ctx := context.Background()

	seedUser(t, accessor, "u1")
	require.NoError(t, accessor.ClaimUniqueField(ctx, store.FieldUserEmail, "u1@x.com", "u1"))
	require.NoError(t, accessor.ClaimUniqueField(ctx, store.FieldUserEmail, "ghost@x.com", "ghost"))
	require.NoError(t, accessor.ClaimUniqueField(ctx, store.FieldAPIKey, "ghost-key", "ghost"))

	require.NoError(t, sweeper.Sweep(ctx))

	owner, err := accessor.GetUniqueFieldOwner(ctx, store.FieldUserEmail, "u1@x.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", owner)
	_, err = accessor.GetUniqueFieldOwner(ctx, store.FieldUserEmail, "ghost@x.com")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = accessor.GetUniqueFieldOwner(ctx, store.FieldAPIKey, "ghost-key")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSweepReleasesStaleUniqueRows(t *testing.T) {
	sweeper, accessor := newSweeper(t, &stubSessions{})
	ctx := context.Background()

	// u1's row still matches; u2 changed e-mail and dropped the api key
	// without the index rows being released.
	seedUser(t, accessor, "u1")
	seedUser(t, accessor, "u2")
	require.NoError(t, accessor.ClaimUniqueField(ctx, store.FieldUserEmail, "u1@x.com", "u1"))
	require.NoError(t, accessor.ClaimUniqueField(ctx, store.FieldUserEmail, "old-u2@x.com", "u2"))
	require.NoError(t, accessor.ClaimUniqueField(ctx, store.FieldAPIKey, "revoked-key", "u2"))

	require.NoError(t, sweeper.Sweep(ctx))

	owner, err := accessor.GetUniqueFieldOwner(ctx, store.FieldUserEmail, "u1@x.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", owner)
	_, err = accessor.GetUniqueFieldOwner(ctx, store.FieldUserEmail, "old-u2@x.com")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = accessor.GetUniqueFieldOwner(ctx, store.FieldAPIKey, "revoked-key")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSweeperSchedule(t *testing.T) {
	sweeper, _ := newSweeper(t, &stubSessions{})

	require.NoError(t, sweeper.Start("@every 1h"))
	sweeper.Stop()

	assert.Error(t, sweeper.Start("not a schedule"))
}
