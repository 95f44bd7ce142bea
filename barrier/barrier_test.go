package barrier

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strongroom/strongroom/interfaces"
	"github.com/strongroom/strongroom/storage"
)

func testBarrier(t *testing.T) (*Barrier, interfaces.ByteStore, []byte) {
	t.Helper()
	store := storage.NewMemoryBackend()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rootKey := make([]byte, 32)
	_, err := rand.Read(rootKey)
	require.NoError(t, err)

	b := New(store, logger)
	require.NoError(t, b.Initialize(context.Background(), rootKey))
	return b, store, rootKey
}

func TestSealedByDefault(t *testing.T) {
	store := storage.NewMemoryBackend()
	b := New(store, slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.True(t, b.Sealed(), "fresh barrier should be sealed")

	_, err := b.Get(context.Background(), "secret/data/x")
	assert.ErrorIs(t, err, interfaces.ErrSealed)
	err = b.Put(context.Background(), "secret/data/x", []byte("v"))
	assert.ErrorIs(t, err, interfaces.ErrSealed)
	_, err = b.List(context.Background(), "")
	assert.ErrorIs(t, err, interfaces.ErrSealed)
	err = b.Delete(context.Background(), "secret/data/x")
	assert.ErrorIs(t, err, interfaces.ErrSealed)
}

func TestUnsealBeforeInitialize(t *testing.T) {
	store := storage.NewMemoryBackend()
	b := New(store, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := b.Unseal(context.Background(), make([]byte, 32))
	assert.ErrorIs(t, err, interfaces.ErrNotInitialized)
}

func TestInitializeTwice(t *testing.T) {
	b, store, rootKey := testBarrier(t)
	_ = b

	b2 := New(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := b2.Initialize(context.Background(), rootKey)
	assert.ErrorIs(t, err, interfaces.ErrAlreadyInitialized)
}

func TestValuesAreEncryptedAtRest(t *testing.T) {
	ctx := context.Background()
	b, store, _ := testBarrier(t)

	plaintext := []byte("database password hunter2")
	require.NoError(t, b.Put(ctx, "secret/data/db", plaintext))

	raw, err := store.Get(ctx, "secret/data/db")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2", "stored blob must not contain plaintext")
	assert.Equal(t, byte(1), raw[0], "blob format version")

	got, err := b.Get(ctx, "secret/data/db")
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestSealUnsealRoundTrip(t *testing.T) {
	ctx := context.Background()
	b, _, rootKey := testBarrier(t)

	require.NoError(t, b.Put(ctx, "secret/data/app", []byte("v1")))

	b.Seal()
	assert.True(t, b.Sealed())
	_, err := b.Get(ctx, "secret/data/app")
	assert.ErrorIs(t, err, interfaces.ErrSealed)

	require.NoError(t, b.Unseal(ctx, rootKey))
	assert.False(t, b.Sealed())

	got, err := b.Get(ctx, "secret/data/app")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)
}

func TestUnsealWithWrongKey(t *testing.T) {
	ctx := context.Background()
	b, _, _ := testBarrier(t)
	b.Seal()

	wrong := make([]byte, 32)
	_, err := rand.Read(wrong)
	require.NoError(t, err)

	err = b.Unseal(ctx, wrong)
	assert.ErrorIs(t, err, interfaces.ErrAuthenticationTag, "wrong root key should fail keyring authentication")
	assert.True(t, b.Sealed(), "failed unseal must leave the barrier sealed")
}

func TestTamperedBlobFailsAuthentication(t *testing.T) {
	ctx := context.Background()
	b, store, _ := testBarrier(t)

	require.NoError(t, b.Put(ctx, "secret/data/x", []byte("value")))

	raw, err := store.Get(ctx, "secret/data/x")
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	require.NoError(t, store.Put(ctx, "secret/data/x", raw))

	_, err = b.Get(ctx, "secret/data/x")
	assert.ErrorIs(t, err, interfaces.ErrAuthenticationTag)
}

func TestBlobBoundToPath(t *testing.T) {
	ctx := context.Background()
	b, store, _ := testBarrier(t)

	require.NoError(t, b.Put(ctx, "secret/data/a", []byte("value-a")))

	// Move the ciphertext to a different path.
	raw, err := store.Get(ctx, "secret/data/a")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "secret/data/b", raw))

	_, err = b.Get(ctx, "secret/data/b")
	assert.ErrorIs(t, err, interfaces.ErrAuthenticationTag, "relocated blob should fail authentication")
}

func TestRotateKeepsOldBlobsReadable(t *testing.T) {
	ctx := context.Background()
	b, _, rootKey := testBarrier(t)

	require.NoError(t, b.Put(ctx, "secret/data/old", []byte("pre-rotation")))

	term, err := b.Rotate(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), term)

	require.NoError(t, b.Put(ctx, "secret/data/new", []byte("post-rotation")))

	got, err := b.Get(ctx, "secret/data/old")
	require.NoError(t, err)
	assert.Equal(t, []byte("pre-rotation"), got, "old term blob should still decrypt")

	// The rotated keyring must survive a seal/unseal cycle.
	b.Seal()
	require.NoError(t, b.Unseal(ctx, rootKey))

	got, err = b.Get(ctx, "secret/data/old")
	require.NoError(t, err)
	assert.Equal(t, []byte("pre-rotation"), got)
	got, err = b.Get(ctx, "secret/data/new")
	require.NoError(t, err)
	assert.Equal(t, []byte("post-rotation"), got)

	active, err := b.ActiveTerm()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), active)
}

func TestRawBypassForBootstrapRecords(t *testing.T) {
	ctx := context.Background()
	b, store, _ := testBarrier(t)
	b.Seal()

	// Raw access works while sealed.
	require.NoError(t, b.PutRaw(ctx, "sys/config", []byte(`{"shares":5}`)))
	got, err := b.GetRaw(ctx, "sys/config")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"shares":5}`), got)

	raw, err := store.Get(ctx, "sys/config")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"shares":5}`), raw, "raw records are stored as-is")
}

func TestExistsAndList(t *testing.T) {
	ctx := context.Background()
	b, _, _ := testBarrier(t)

	require.NoError(t, b.Put(ctx, "secret/data/a", []byte("1")))
	require.NoError(t, b.Put(ctx, "secret/data/b", []byte("2")))

	ok, err := b.Exists(ctx, "secret/data/a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.Exists(ctx, "secret/data/zzz")
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := b.List(ctx, "secret/")
	require.NoError(t, err)
	assert.Equal(t, []string{"secret/data/a", "secret/data/b"}, keys)
}
