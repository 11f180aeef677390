package rights

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelvault/authcore/pkg/errs"
	"github.com/modelvault/authcore/pkg/lock"
	"github.com/modelvault/authcore/pkg/scope"
	"github.com/modelvault/authcore/pkg/store"
)

type stubSharedClient struct {
	ids []string
	err error
}

func (s *stubSharedClient) ListGloballySharedResourceIDs(ctx context.Context) ([]string, error) {
	return s.ids, s.err
}

func testEngine(t *testing.T, shared SharedResourceClient) (*Engine, *store.Accessor) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cache := store.NewRedisCacheFromClient(client)
	accessor := store.NewAccessor(store.NewMemoryDatabase(), cache, logger, nil)
	locks := lock.NewController(cache, logger, nil)

	if shared == nil {
		shared = &stubSharedClient{}
	}
	return NewEngine(accessor, locks, shared, logger), accessor
}

func seedUser(t *testing.T, accessor *store.Accessor, userID string, methods ...store.AuthMethod) *store.User {
	t.Helper()
	user := &store.User{
		ID:          userID,
		UserName:    "user-" + userID,
		UserEmail:   userID + "@example.com",
		AuthMethods: methods,
	}
	require.NoError(t, accessor.CreateUser(context.Background(), user))
	for _, m := range methods {
		key, err := m.CredentialKey()
		require.NoError(t, err)
		require.NoError(t, accessor.PutAuthEntry(context.Background(), key, store.NewAuthEntry(user, nil)))
	}
	return user
}

func apiKeyMethod(key string) store.AuthMethod {
	return store.AuthMethod{Method: store.MethodAPIKey, APIKey: key}
}

func TestGrantBaseRightsMergesAndIsIdempotent(t *testing.T) {
	engine, accessor := testEngine(t, nil)
	ctx := context.Background()
	seedUser(t, accessor, "u1")

	grant := []scope.AccessScope{{WildcardPath: "/resource/*", AccessRights: []string{"get", "POST"}}}
	require.NoError(t, engine.GrantBaseRights(ctx, "u1", grant))
	require.NoError(t, engine.GrantBaseRights(ctx, "u1", grant))

	user, err := accessor.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, user.BaseAccessScope, 1)
	assert.Equal(t, "/resource/*", user.BaseAccessScope[0].WildcardPath)
	assert.ElementsMatch(t, []string{"GET", "POST"}, user.BaseAccessScope[0].AccessRights)
}

func TestGrantBaseRightsUnknownUser(t *testing.T) {
	engine, _ := testEngine(t, nil)

	err := engine.GrantBaseRights(context.Background(), "ghost", []scope.AccessScope{
		{WildcardPath: "/x", AccessRights: []string{"GET"}},
	})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestGrantDefaultRightsIncludesShared(t *testing.T) {
	engine, accessor := testEngine(t, &stubSharedClient{ids: []string{"m1"}})
	ctx := context.Background()
	seedUser(t, accessor, "u1")

	require.NoError(t, engine.GrantDefaultRights(ctx, "u1"))

	user, err := accessor.GetUser(ctx, "u1")
	require.NoError(t, err)

	paths := make(map[string]bool, len(user.BaseAccessScope))
	for _, s := range user.BaseAccessScope {
		paths[s.WildcardPath] = true
	}
	assert.True(t, paths["/auth/users/u1/*"])
	assert.True(t, paths["/3d/models/m1*"])
	assert.True(t, paths["/3d/models/m1/remove_sharing_from/user_id/u1"])
}

func TestGrantDefaultRightsDegradesWhenPeerFails(t *testing.T) {
	engine, accessor := testEngine(t, &stubSharedClient{err: errs.ErrUpstream})
	ctx := context.Background()
	seedUser(t, accessor, "u1")

	require.NoError(t, engine.GrantDefaultRights(ctx, "u1"))

	user, err := accessor.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, user.BaseAccessScope, 7)
}

func TestGrantFinalRightsRequiresContainment(t *testing.T) {
	engine, accessor := testEngine(t, nil)
	ctx := context.Background()
	method := apiKeyMethod("k1")
	seedUser(t, accessor, "u1", method)
	key, _ := method.CredentialKey()

	require.NoError(t, engine.GrantBaseRights(ctx, "u1", []scope.AccessScope{
		{WildcardPath: "/resource/*", AccessRights: []string{"GET"}},
	}))

	err := engine.GrantFinalRights(ctx, "u1", key, []scope.AccessScope{
		{WildcardPath: "/resource/r1", AccessRights: []string{"DELETE"}},
	})
	assert.ErrorIs(t, err, errs.ErrForbidden)

	require.NoError(t, engine.GrantFinalRights(ctx, "u1", key, []scope.AccessScope{
		{WildcardPath: "/resource/r1", AccessRights: []string{"GET"}},
	}))

	finals, err := engine.ListFinalRights(ctx, "u1", key)
	require.NoError(t, err)
	require.Len(t, finals, 1)
	assert.Equal(t, []string{"GET"}, finals[0].AccessRights)
}

func TestGrantFinalRightsForeignCredential(t *testing.T) {
	engine, accessor := testEngine(t, nil)
	ctx := context.Background()
	method := apiKeyMethod("k-other")
	seedUser(t, accessor, "u1")
	seedUser(t, accessor, "u2", method)
	key, _ := method.CredentialKey()

	err := engine.GrantFinalRights(ctx, "u1", key, []scope.AccessScope{
		{WildcardPath: "/x", AccessRights: []string{"GET"}},
	})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRevokeBaseRightExactMatchOnly(t *testing.T) {
	engine, accessor := testEngine(t, nil)
	ctx := context.Background()
	seedUser(t, accessor, "u1")

	require.NoError(t, engine.GrantBaseRights(ctx, "u1", []scope.AccessScope{
		{WildcardPath: "/resource/*", AccessRights: []string{"GET"}},
	}))

	// Removal is by exact wildcard string, not by matcher.
	err := engine.RevokeBaseRight(ctx, "u1", "/resource/r1")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, engine.RevokeBaseRight(ctx, "u1", "/resource/*"))
	base, err := engine.ListBaseRights(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, base)
}

func TestRevokeBaseRightTrimsFinalsAgainstRemainingBase(t *testing.T) {
	engine, accessor := testEngine(t, nil)
	ctx := context.Background()
	method := apiKeyMethod("k1")
	seedUser(t, accessor, "u1", method)
	key, _ := method.CredentialKey()

	require.NoError(t, engine.GrantBaseRights(ctx, "u1", []scope.AccessScope{
		{WildcardPath: "/resource/r1*", AccessRights: []string{"GET", "POST"}},
		{WildcardPath: "/resource/*", AccessRights: []string{"GET"}},
	}))
	require.NoError(t, engine.GrantFinalRights(ctx, "u1", key, []scope.AccessScope{
		{WildcardPath: "/resource/r1/part", AccessRights: []string{"GET", "POST"}},
		{WildcardPath: "/other", AccessRights: []string{"GET"}},
	}))

	// The r1 grant is gone, but the broader base still covers GET on r1
	// paths, so only POST is stripped. The unrelated /other entry would not
	// survive containment against /resource/* either, but the revoked
	// matcher never touched it so it is kept as-is.
	require.NoError(t, engine.RevokeBaseRight(ctx, "u1", "/resource/r1*"))

	finals, err := engine.ListFinalRights(ctx, "u1", key)
	require.NoError(t, err)
	require.Len(t, finals, 1)
	assert.Equal(t, "/resource/r1/part", finals[0].WildcardPath)
	assert.Equal(t, []string{"GET"}, finals[0].AccessRights)
}

func TestRevokeBaseRightDropsEmptiedFinalEntry(t *testing.T) {
	engine, accessor := testEngine(t, nil)
	ctx := context.Background()
	method := apiKeyMethod("k1")
	seedUser(t, accessor, "u1", method)
	key, _ := method.CredentialKey()

	require.NoError(t, engine.GrantBaseRights(ctx, "u1", []scope.AccessScope{
		{WildcardPath: "/resource/r1*", AccessRights: []string{"DELETE"}},
	}))
	require.NoError(t, engine.GrantFinalRights(ctx, "u1", key, []scope.AccessScope{
		{WildcardPath: "/resource/r1", AccessRights: []string{"DELETE"}},
	}))

	require.NoError(t, engine.RevokeBaseRight(ctx, "u1", "/resource/r1*"))

	finals, err := engine.ListFinalRights(ctx, "u1", key)
	require.NoError(t, err)
	assert.Empty(t, finals)
}

func TestGrantBaseToFinal(t *testing.T) {
	engine, accessor := testEngine(t, nil)
	ctx := context.Background()
	method := apiKeyMethod("k1")
	seedUser(t, accessor, "u1", method)
	key, _ := method.CredentialKey()

	// No base rights yet.
	assert.ErrorIs(t, engine.GrantBaseToFinal(ctx, "u1", key), errs.ErrForbidden)

	require.NoError(t, engine.GrantBaseRights(ctx, "u1", []scope.AccessScope{
		{WildcardPath: "/resource/*", AccessRights: []string{"GET", "POST"}},
	}))
	require.NoError(t, engine.GrantBaseToFinal(ctx, "u1", key))
	require.NoError(t, engine.GrantBaseToFinal(ctx, "u1", key))

	finals, err := engine.ListFinalRights(ctx, "u1", key)
	require.NoError(t, err)
	require.Len(t, finals, 1)
	assert.Equal(t, "/resource/*", finals[0].WildcardPath)
	assert.ElementsMatch(t, []string{"GET", "POST"}, finals[0].AccessRights)
}

func TestRevokeFinalRight(t *testing.T) {
	engine, accessor := testEngine(t, nil)
	ctx := context.Background()
	method := apiKeyMethod("k1")
	seedUser(t, accessor, "u1", method)
	key, _ := method.CredentialKey()

	require.NoError(t, engine.GrantBaseRights(ctx, "u1", []scope.AccessScope{
		{WildcardPath: "/resource/*", AccessRights: []string{"GET"}},
	}))
	require.NoError(t, engine.GrantFinalRights(ctx, "u1", key, []scope.AccessScope{
		{WildcardPath: "/resource/r1", AccessRights: []string{"GET"}},
	}))

	assert.ErrorIs(t, engine.RevokeFinalRight(ctx, "u1", key, "/nope"), errs.ErrNotFound)
	require.NoError(t, engine.RevokeFinalRight(ctx, "u1", key, "/resource/r1"))

	finals, err := engine.ListFinalRights(ctx, "u1", key)
	require.NoError(t, err)
	assert.Empty(t, finals)
}

// Random grant/revoke sequences must leave every credential's final scope
// contained in the user's base scope after every step.
func TestContainmentInvariantUnderRandomSequences(t *testing.T) {
	engine, accessor := testEngine(t, nil)
	ctx := context.Background()
	method := apiKeyMethod("k1")
	seedUser(t, accessor, "u1", method)
	key, _ := method.CredentialKey()

	rng := rand.New(rand.NewSource(42))
	paths := []string{"/a/*", "/a/b*", "/a/b/c", "/d/*", "/d/e"}
	rights := []string{"GET", "POST", "PUT", "DELETE"}

	randomScope := func() scope.AccessScope {
		picked := make([]string, 0, 2)
		picked = append(picked, rights[rng.Intn(len(rights))])
		if rng.Intn(2) == 0 {
			picked = append(picked, rights[rng.Intn(len(rights))])
		}
		return scope.AccessScope{WildcardPath: paths[rng.Intn(len(paths))], AccessRights: picked}
	}

	// Two grants with disjoint rights on the same path merge into one final
	// entry, so containment is checked right-by-right rather than requiring
	// a single base entry to cover a whole merged entry.
	assertInvariant := func(step int) {
		base, err := engine.ListBaseRights(ctx, "u1")
		require.NoError(t, err)
		finals, err := engine.ListFinalRights(ctx, "u1", key)
		require.NoError(t, err)
		for _, final := range finals {
			for _, right := range final.AccessRights {
				assert.True(t, scope.RightCovered(base, final.WildcardPath, right),
					fmt.Sprintf("containment violated at step %d: %s %s not covered by base=%v", step, final.WildcardPath, right, base))
			}
		}
	}

	for step := 0; step < 200; step++ {
		switch rng.Intn(4) {
		case 0:
			require.NoError(t, engine.GrantBaseRights(ctx, "u1", []scope.AccessScope{randomScope()}))
		case 1:
			err := engine.RevokeBaseRight(ctx, "u1", paths[rng.Intn(len(paths))])
			if err != nil {
				require.ErrorIs(t, err, errs.ErrNotFound)
			}
		case 2:
			err := engine.GrantFinalRights(ctx, "u1", key, []scope.AccessScope{randomScope()})
			if err != nil {
				require.ErrorIs(t, err, errs.ErrForbidden)
			}
		case 3:
			err := engine.RevokeFinalRight(ctx, "u1", key, paths[rng.Intn(len(paths))])
			if err != nil {
				require.ErrorIs(t, err, errs.ErrNotFound)
			}
		}
		assertInvariant(step)
	}
}

func TestUpdateBaseRightReplacesRightsAndTrimsFinals(t *testing.T) {
	engine, accessor := testEngine(t, nil)
	ctx := context.Background()
	method := apiKeyMethod("k1")
	seedUser(t, accessor, "u1", method)
	key, _ := method.CredentialKey()

	require.NoError(t, engine.GrantBaseRights(ctx, "u1", []scope.AccessScope{
		{WildcardPath: "/resource/*", AccessRights: []string{"GET", "POST", "DELETE"}},
	}))
	require.NoError(t, engine.GrantFinalRights(ctx, "u1", key, []scope.AccessScope{
		{WildcardPath: "/resource/r1", AccessRights: []string{"GET", "POST"}},
	}))

	require.NoError(t, engine.UpdateBaseRight(ctx, "u1", "/resource/*", []string{"get"}))

	base, err := engine.ListBaseRights(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, base, 1)
	assert.Equal(t, []string{"GET"}, base[0].AccessRights)

	finals, err := engine.ListFinalRights(ctx, "u1", key)
	require.NoError(t, err)
	require.Len(t, finals, 1)
	assert.Equal(t, []string{"GET"}, finals[0].AccessRights)
}

func TestUpdateBaseRightValidation(t *testing.T) {
	engine, accessor := testEngine(t, nil)
	ctx := context.Background()
	seedUser(t, accessor, "u1")

	require.NoError(t, engine.GrantBaseRights(ctx, "u1", []scope.AccessScope{
		{WildcardPath: "/resource/*", AccessRights: []string{"GET"}},
	}))

	err := engine.UpdateBaseRight(ctx, "u1", "/resource/*", []string{"PATCH"})
	assert.ErrorIs(t, err, errs.ErrBadInput)

	err = engine.UpdateBaseRight(ctx, "u1", "/missing", []string{"GET"})
	assert.ErrorIs(t, err, errs.ErrNotFound)

	// Identical right set is a no-op.
	require.NoError(t, engine.UpdateBaseRight(ctx, "u1", "/resource/*", []string{"GET"}))
}

func TestUpdateFinalRightGatedByBase(t *testing.T) {
	engine, accessor := testEngine(t, nil)
	ctx := context.Background()
	method := apiKeyMethod("k1")
	seedUser(t, accessor, "u1", method)
	key, _ := method.CredentialKey()

	require.NoError(t, engine.GrantBaseRights(ctx, "u1", []scope.AccessScope{
		{WildcardPath: "/resource/*", AccessRights: []string{"GET"}},
	}))
	require.NoError(t, engine.GrantFinalRights(ctx, "u1", key, []scope.AccessScope{
		{WildcardPath: "/resource/r1", AccessRights: []string{"GET"}},
	}))

	err := engine.UpdateFinalRight(ctx, "u1", key, "/resource/r1", []string{"DELETE"})
	assert.ErrorIs(t, err, errs.ErrForbidden)

	require.NoError(t, engine.GrantBaseRights(ctx, "u1", []scope.AccessScope{
		{WildcardPath: "/resource/*", AccessRights: []string{"DELETE"}},
	}))
	require.NoError(t, engine.UpdateFinalRight(ctx, "u1", key, "/resource/r1", []string{"delete", "GET"}))

	finals, err := engine.ListFinalRights(ctx, "u1", key)
	require.NoError(t, err)
	require.Len(t, finals, 1)
	assert.Equal(t, []string{"DELETE", "GET"}, finals[0].AccessRights)

	err = engine.UpdateFinalRight(ctx, "u1", key, "/missing", []string{"GET"})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestListBaseRightsReflectsWritesThroughCache(t *testing.T) {
	engine, accessor := testEngine(t, nil)
	seedUser(t, accessor, "u1")
	ctx := context.Background()

	require.NoError(t, engine.GrantBaseRights(ctx, "u1", []scope.AccessScope{
		{WildcardPath: "/resource/*", AccessRights: []string{"GET"}},
	}))

	// Warm the cached read, mutate, read again: writers overwrite the cache
	// synchronously so the second read must see the revoke.
	base, err := engine.ListBaseRights(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, base, 1)

	require.NoError(t, engine.RevokeBaseRight(ctx, "u1", "/resource/*"))
	base, err = engine.ListBaseRights(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, base)

	_, err = engine.ListBaseRights(ctx, "ghost")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}
