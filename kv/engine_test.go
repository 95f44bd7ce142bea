package kv

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strongroom/strongroom/barrier"
	"github.com/strongroom/strongroom/interfaces"
	"github.com/strongroom/strongroom/storage"
)

func testEngine(t *testing.T) (*Engine, *storage.MemoryBackend) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryBackend()
	b := barrier.New(store, logger)

	rootKey := make([]byte, 32)
	_, err := rand.Read(rootKey)
	require.NoError(t, err)
	require.NoError(t, b.Initialize(context.Background(), rootKey))

	return NewEngine(b, logger), store
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	meta, err := e.Write(ctx, "app/db", map[string]string{"username": "svc", "password": "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), meta.Version)

	secret, err := e.Read(ctx, "app/db", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), secret.Version)
	assert.Equal(t, "hunter2", secret.Data["password"])
}

func TestVersioning(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	for i, pw := range []string{"v1-pass", "v2-pass", "v3-pass"} {
		meta, err := e.Write(ctx, "app/db", map[string]string{"password": pw})
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), meta.Version)
	}

	secret, err := e.Read(ctx, "app/db", 0)
	require.NoError(t, err)
	assert.Equal(t, "v3-pass", secret.Data["password"], "version 0 reads the current version")

	secret, err = e.Read(ctx, "app/db", 1)
	require.NoError(t, err)
	assert.Equal(t, "v1-pass", secret.Data["password"], "old versions stay readable")

	_, err = e.Read(ctx, "app/db", 9)
	assert.ErrorIs(t, err, interfaces.ErrNotFound, "nonexistent version")
}

func TestWriteIsSingleStoragePut(t *testing.T) {
	ctx := context.Background()
	e, store := testEngine(t)

	_, err := e.Write(ctx, "app/db", map[string]string{"k": "v1"})
	require.NoError(t, err)
	_, err = e.Write(ctx, "app/db", map[string]string{"k": "v2"})
	require.NoError(t, err)

	keys, err := store.List(ctx, "secret/")
	require.NoError(t, err)
	assert.Equal(t, []string{"secret/data/app/db"}, keys,
		"all versions of a path live in one blob")
}

func TestSoftDeleteUndelete(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	_, err := e.Write(ctx, "app/db", map[string]string{"k": "v1"})
	require.NoError(t, err)
	_, err = e.Write(ctx, "app/db", map[string]string{"k": "v2"})
	require.NoError(t, err)

	// Delete with no versions hits the current version.
	require.NoError(t, e.Delete(ctx, "app/db", nil))

	_, err = e.Read(ctx, "app/db", 2)
	assert.ErrorIs(t, err, interfaces.ErrNotFound, "deleted version is not readable")

	secret, err := e.Read(ctx, "app/db", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), secret.Version, "current falls back to the newest live version")

	require.NoError(t, e.Undelete(ctx, "app/db", []uint64{2}))
	secret, err = e.Read(ctx, "app/db", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), secret.Version, "undelete restores the version")
}

func TestDestroyIsIrrevocable(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	_, err := e.Write(ctx, "app/db", map[string]string{"k": "sensitive"})
	require.NoError(t, err)

	require.NoError(t, e.Destroy(ctx, "app/db", []uint64{1}))

	_, err = e.Read(ctx, "app/db", 1)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	require.NoError(t, e.Undelete(ctx, "app/db", []uint64{1}))
	_, err = e.Read(ctx, "app/db", 1)
	assert.ErrorIs(t, err, interfaces.ErrNotFound, "undelete must not resurrect a destroyed version")

	meta, err := e.Metadata(ctx, "app/db")
	require.NoError(t, err)
	require.Len(t, meta.Versions, 1)
	assert.True(t, meta.Versions[0].Destroyed, "destroyed version stays visible in metadata")
}

func TestPruningAtMaxVersions(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	for i := 0; i < DefaultMaxVersions+3; i++ {
		_, err := e.Write(ctx, "app/db", map[string]string{"i": strings.Repeat("x", i+1)})
		require.NoError(t, err)
	}

	meta, err := e.Metadata(ctx, "app/db")
	require.NoError(t, err)
	assert.Equal(t, uint64(13), meta.CurrentVersion)
	assert.Len(t, meta.Versions, DefaultMaxVersions)
	assert.Equal(t, uint64(4), meta.OldestVersion, "oldest versions are pruned")

	_, err = e.Read(ctx, "app/db", 1)
	assert.ErrorIs(t, err, interfaces.ErrNotFound, "pruned version is gone")
}

func TestSetMaxVersions(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	for i := 0; i < 5; i++ {
		_, err := e.Write(ctx, "app/db", map[string]string{"k": "v"})
		require.NoError(t, err)
	}

	require.NoError(t, e.SetMaxVersions(ctx, "app/db", 2))

	meta, err := e.Metadata(ctx, "app/db")
	require.NoError(t, err)
	assert.Len(t, meta.Versions, 2, "tightening retention prunes immediately")
	assert.Equal(t, 2, meta.MaxVersions)

	err = e.SetMaxVersions(ctx, "app/db", -1)
	assert.ErrorIs(t, err, interfaces.ErrValidation)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	for _, p := range []string{"app/db", "app/cache", "app/workers/queue", "other/x"} {
		_, err := e.Write(ctx, p, map[string]string{"k": "v"})
		require.NoError(t, err)
	}

	children, err := e.List(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, []string{"cache", "db", "workers/"}, children,
		"immediate children only, directories with trailing slash, sorted")

	children, err = e.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"app/", "other/"}, children)

	children, err = e.List(ctx, "app/workers")
	require.NoError(t, err)
	assert.Equal(t, []string{"queue"}, children)
}

func TestPathValidation(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	bad := []string{
		"",
		"/leading",
		"trailing/",
		"double//slash",
		"bad segment/x",
		"question?mark",
		strings.Repeat("a/", MaxPathSegments) + "a",
		"dot/./dot",
		"up/../up",
	}
	for _, p := range bad {
		_, err := e.Write(ctx, p, map[string]string{"k": "v"})
		assert.ErrorIs(t, err, interfaces.ErrValidation, "path %q should be rejected", p)
	}

	_, err := e.Write(ctx, "ok/Path-1_2.txt", map[string]string{"k": "v"})
	assert.NoError(t, err)
}

func TestPayloadLimits(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	_, err := e.Write(ctx, "app/db", nil)
	assert.ErrorIs(t, err, interfaces.ErrValidation, "empty data rejected")

	_, err = e.Write(ctx, "app/db", map[string]string{"k": strings.Repeat("x", MaxValueSize)})
	assert.ErrorIs(t, err, interfaces.ErrValidation, "oversized payload rejected")
}

func TestReadMissingPath(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	_, err := e.Read(ctx, "no/such/path", 0)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	err = e.Delete(ctx, "no/such/path", nil)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	_, err = e.Metadata(ctx, "no/such/path")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}
