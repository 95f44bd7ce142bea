package policy

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strongroom/strongroom/barrier"
	"github.com/strongroom/strongroom/interfaces"
	"github.com/strongroom/strongroom/storage"
)

func testPolicyStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := barrier.New(storage.NewMemoryBackend(), logger)

	rootKey := make([]byte, 32)
	_, err := rand.Read(rootKey)
	require.NoError(t, err)
	require.NoError(t, b.Initialize(context.Background(), rootKey))

	return NewStore(b, logger)
}

func TestBuiltinsAlwaysPresent(t *testing.T) {
	ctx := context.Background()
	s := testPolicyStore(t)

	root, err := s.Get(ctx, RootPolicy)
	require.NoError(t, err)
	assert.True(t, Authorize([]*Policy{root}, "anything/at/all", CapabilitySudo))

	def, err := s.Get(ctx, DefaultPolicy)
	require.NoError(t, err)
	assert.True(t, Authorize([]*Policy{def}, "auth/token/renew-self", CapabilityUpdate))
	assert.False(t, Authorize([]*Policy{def}, "secret/data/x", CapabilityRead))

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, RootPolicy)
	assert.Contains(t, names, DefaultPolicy)
}

func TestBuiltinsProtected(t *testing.T) {
	ctx := context.Background()
	s := testPolicyStore(t)

	err := s.Set(ctx, pol(RootPolicy, Rule{Path: "*", Capabilities: []Capability{CapabilityRead}}))
	assert.ErrorIs(t, err, interfaces.ErrValidation, "root policy cannot be overwritten")

	err = s.Delete(ctx, DefaultPolicy)
	assert.ErrorIs(t, err, interfaces.ErrValidation, "default policy cannot be deleted")
}

func TestCRUDAndCache(t *testing.T) {
	ctx := context.Background()
	s := testPolicyStore(t)

	p := pol("app-read", Rule{Path: "secret/data/app/*", Capabilities: []Capability{CapabilityRead}})
	require.NoError(t, s.Set(ctx, p))

	got, err := s.Get(ctx, "app-read")
	require.NoError(t, err)
	assert.Equal(t, p.Rules, got.Rules)

	// Second get is served from cache; mutate storage underneath to prove it.
	got2, err := s.Get(ctx, "app-read")
	require.NoError(t, err)
	assert.Same(t, got, got2, "repeat get should hit the cache")

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"app-read", DefaultPolicy, RootPolicy}, names)

	require.NoError(t, s.Delete(ctx, "app-read"))
	_, err = s.Get(ctx, "app-read")
	assert.ErrorIs(t, err, interfaces.ErrNotFound, "deleted policy must not resolve")

	err = s.Delete(ctx, "app-read")
	require.NoError(t, err, "delete is idempotent")
}

func TestResolveSkipsMissing(t *testing.T) {
	ctx := context.Background()
	s := testPolicyStore(t)

	p := pol("app-read", Rule{Path: "secret/data/app/*", Capabilities: []Capability{CapabilityRead}})
	require.NoError(t, s.Set(ctx, p))

	policies, err := s.Resolve(ctx, []string{"app-read", "ghost", DefaultPolicy})
	require.NoError(t, err)
	require.Len(t, policies, 2, "missing policy names resolve to nothing, not an error")
	assert.Equal(t, "app-read", policies[0].Name)
	assert.Equal(t, DefaultPolicy, policies[1].Name)
}

func TestInvalidateCache(t *testing.T) {
	ctx := context.Background()
	s := testPolicyStore(t)

	p := pol("cached", Rule{Path: "a", Capabilities: []Capability{CapabilityRead}})
	require.NoError(t, s.Set(ctx, p))

	first, err := s.Get(ctx, "cached")
	require.NoError(t, err)

	s.InvalidateCache()

	second, err := s.Get(ctx, "cached")
	require.NoError(t, err)
	assert.NotSame(t, first, second, "invalidated cache should reload from storage")
	assert.Equal(t, first.Rules, second.Rules)
}
