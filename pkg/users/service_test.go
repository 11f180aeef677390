package users

import (
	"context"
	"io"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelvault/authcore/pkg/errs"
	"github.com/modelvault/authcore/pkg/lock"
	"github.com/modelvault/authcore/pkg/rights"
	"github.com/modelvault/authcore/pkg/store"
)

type stubShared struct{ ids []string }

func (s *stubShared) ListGloballySharedResourceIDs(ctx context.Context) ([]string, error) {
	return s.ids, nil
}

func testService(t *testing.T) (*Service, *store.Accessor) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cache := store.NewRedisCacheFromClient(client)
	accessor := store.NewAccessor(store.NewMemoryDatabase(), cache, logger, nil)
	locks := lock.NewController(cache, logger, nil)
	engine := rights.NewEngine(accessor, locks, &stubShared{ids: []string{"shared1"}}, logger)
	return NewService(accessor, locks, engine, logger), accessor
}

func TestCreateUserGrantsDefaultsAndClaimsFields(t *testing.T) {
	svc, accessor := testService(t)
	ctx := context.Background()

	userID, err := svc.CreateUser(ctx, CreateUserRequest{UserName: "alice", UserEmail: "Alice@Example.com"}, false)
	require.NoError(t, err)

	user, err := accessor.GetUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.UserEmail)
	assert.NotEmpty(t, user.BaseAccessScope)
	assert.Equal(t, []string{"shared1"}, user.UserSharedModels)

	owner, err := accessor.GetUniqueFieldOwner(ctx, store.FieldUserEmail, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, userID, owner)
	owner, err = accessor.GetUniqueFieldOwner(ctx, store.FieldUserName, "alice")
	require.NoError(t, err)
	assert.Equal(t, userID, owner)
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, CreateUserRequest{UserEmail: "a@x.com"}, false)
	require.NoError(t, err)

	_, err = svc.CreateUser(ctx, CreateUserRequest{UserEmail: "a@x.com", UserName: "other"}, false)
	assert.ErrorIs(t, err, errs.ErrConflict)

	// The username claimed alongside the conflicting e-mail must not leak.
	_, err = svc.CreateUser(ctx, CreateUserRequest{UserEmail: "b@x.com", UserName: "other"}, false)
	assert.NoError(t, err)
}

func TestCreateUserFederatedSuffix(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, CreateUserRequest{UserEmail: "a@x.com.sso"}, false)
	assert.ErrorIs(t, err, errs.ErrBadInput)

	_, err = svc.CreateUser(ctx, CreateUserRequest{UserEmail: "a@x.com.sso", UserName: "a@x.com.sso"}, true)
	assert.NoError(t, err)
}

func TestUpdateProfileRekeysEmailCredential(t *testing.T) {
	svc, accessor := testService(t)
	ctx := context.Background()

	userID, err := svc.CreateUser(ctx, CreateUserRequest{UserEmail: "old@x.com"}, false)
	require.NoError(t, err)

	method := store.AuthMethod{Method: store.MethodUserEmailPassword, UserEmail: "old@x.com", PasswordMD5: "abc123"}
	_, err = svc.CreateAccessMethod(ctx, userID, method, false)
	require.NoError(t, err)
	oldKey, _ := method.CredentialKey()

	require.NoError(t, svc.UpdateProfile(ctx, userID, map[store.UpdatableField]string{
		store.UpdatableUserEmail: "new@x.com",
	}))

	user, err := accessor.GetUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "new@x.com", user.UserEmail)
	require.Len(t, user.AuthMethods, 1)
	assert.Equal(t, "new@x.com", user.AuthMethods[0].UserEmail)

	_, err = accessor.GetAuthEntry(ctx, oldKey)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	newKey, _ := user.AuthMethods[0].CredentialKey()
	entry, err := accessor.GetAuthEntry(ctx, newKey)
	require.NoError(t, err)
	assert.Equal(t, userID, entry.UserID)
	assert.Equal(t, "new@x.com", entry.UserEmail)

	// Old index row released, new one claimed.
	_, err = accessor.GetUniqueFieldOwner(ctx, store.FieldUserEmail, "old@x.com")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	owner, err := accessor.GetUniqueFieldOwner(ctx, store.FieldUserEmail, "new@x.com")
	require.NoError(t, err)
	assert.Equal(t, userID, owner)
}

func TestUpdateProfileConflictAndNoop(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	u1, err := svc.CreateUser(ctx, CreateUserRequest{UserEmail: "a@x.com"}, false)
	require.NoError(t, err)
	_, err = svc.CreateUser(ctx, CreateUserRequest{UserEmail: "b@x.com"}, false)
	require.NoError(t, err)

	err = svc.UpdateProfile(ctx, u1, map[store.UpdatableField]string{store.UpdatableUserEmail: "b@x.com"})
	assert.ErrorIs(t, err, errs.ErrConflict)

	// Same value is a no-op, not a conflict with our own index row.
	assert.NoError(t, svc.UpdateProfile(ctx, u1, map[store.UpdatableField]string{store.UpdatableUserEmail: "a@x.com"}))
}

func TestDeleteUserCascades(t *testing.T) {
	svc, accessor := testService(t)
	ctx := context.Background()

	userID, err := svc.CreateUser(ctx, CreateUserRequest{UserEmail: "a@x.com", UserName: "alice"}, false)
	require.NoError(t, err)

	apiMethod, err := svc.CreateAccessMethod(ctx, userID, store.AuthMethod{Method: store.MethodAPIKey}, false)
	require.NoError(t, err)
	require.NotEmpty(t, apiMethod.APIKey)

	require.NoError(t, svc.DeleteUser(ctx, userID))

	_, err = accessor.GetUser(ctx, userID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = accessor.GetAuthEntry(ctx, apiMethod.APIKey)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = accessor.GetUniqueFieldOwner(ctx, store.FieldUserEmail, "a@x.com")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = accessor.GetUniqueFieldOwner(ctx, store.FieldAPIKey, apiMethod.APIKey)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCreateAccessMethodDuplicate(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	userID, err := svc.CreateUser(ctx, CreateUserRequest{UserEmail: "a@x.com"}, false)
	require.NoError(t, err)

	method := store.AuthMethod{Method: store.MethodUserNamePassword, UserName: "alice", PasswordMD5: "abc"}
	_, err = svc.CreateAccessMethod(ctx, userID, method, false)
	require.NoError(t, err)
	_, err = svc.CreateAccessMethod(ctx, userID, method, false)
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestDeleteAccessMethodFederatedGuard(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	userID, err := svc.CreateUser(ctx, CreateUserRequest{UserEmail: "a@x.com.sso"}, true)
	require.NoError(t, err)

	method := store.AuthMethod{Method: store.MethodUserEmailPassword, UserEmail: "a@x.com.sso", PasswordMD5: "fff"}
	_, err = svc.CreateAccessMethod(ctx, userID, method, true)
	require.NoError(t, err)
	key, _ := method.CredentialKey()

	assert.ErrorIs(t, svc.DeleteAccessMethod(ctx, userID, key, false), errs.ErrBadInput)
	assert.NoError(t, svc.DeleteAccessMethod(ctx, userID, key, true))
	assert.ErrorIs(t, svc.DeleteAccessMethod(ctx, userID, key, true), errs.ErrNotFound)
}

func TestListRegisteredEmailsAndFetchIDs(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	u1, err := svc.CreateUser(ctx, CreateUserRequest{UserEmail: "a@x.com", UserName: "alice"}, false)
	require.NoError(t, err)
	u2, err := svc.CreateUser(ctx, CreateUserRequest{UserEmail: "b@x.com"}, false)
	require.NoError(t, err)

	emails, err := svc.ListRegisteredEmails(ctx)
	require.NoError(t, err)
	require.Len(t, emails, 2)

	ids, err := svc.FetchUserIDsFromEmails(ctx, []string{"A@x.com", "b@x.com", "a@x.com"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a@x.com": u1, "b@x.com": u2}, ids)

	_, err = svc.FetchUserIDsFromEmails(ctx, []string{"ghost@x.com"})
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = svc.FetchUserIDsFromEmails(ctx, nil)
	assert.ErrorIs(t, err, errs.ErrBadInput)
}
