package audit

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strongroom/strongroom/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEntry() Entry {
	return Entry{
		Time:       time.Now().UTC(),
		RequestID:  "req-1",
		Path:       "secret/data/app",
		Capability: "read",
		Outcome:    OutcomeSuccess,
	}
}

func newKeyedLog(t *testing.T, sinks ...Sink) *Log {
	t.Helper()
	rootKey := make([]byte, 32)
	_, err := rand.Read(rootKey)
	require.NoError(t, err)

	key, err := DeriveKey(rootKey)
	require.NoError(t, err)

	l := NewLog(sinks, false, testLogger())
	l.SetKey(key)
	return l
}

func TestRecordWritesHMACedEntry(t *testing.T) {
	sink := NewMemorySink()
	l := newKeyedLog(t, sink)

	require.NoError(t, l.Record(context.Background(), testEntry()))

	lines := sink.Lines()
	require.Len(t, lines, 1)

	var got Entry
	require.NoError(t, json.Unmarshal(lines[0], &got))
	assert.Equal(t, "req-1", got.RequestID)
	assert.NotEmpty(t, got.HMAC, "recorded entry carries an HMAC")
	assert.True(t, l.Verify(got), "recorded entry verifies against the audit key")

	got.Path = "secret/data/tampered"
	assert.False(t, l.Verify(got), "tampered entry must not verify")
}

func TestRecordFailClosed(t *testing.T) {
	sink := NewMemorySink()
	l := newKeyedLog(t, sink)

	sink.FailWith(errors.New("disk full"))
	err := l.Record(context.Background(), testEntry())
	assert.ErrorIs(t, err, interfaces.ErrAuditWrite, "all sinks failing must fail the record")

	sink.FailWith(nil)
	assert.NoError(t, l.Record(context.Background(), testEntry()))
}

func TestRecordSucceedsIfAnySinkDoes(t *testing.T) {
	broken := NewMemorySink()
	broken.FailWith(errors.New("broken"))
	healthy := NewMemorySink()

	l := newKeyedLog(t, broken, healthy)
	require.NoError(t, l.Record(context.Background(), testEntry()))
	assert.Len(t, healthy.Lines(), 1)
	assert.Empty(t, broken.Lines())
}

func TestZeroSinks(t *testing.T) {
	strict := NewLog(nil, false, testLogger())
	err := strict.Record(context.Background(), testEntry())
	assert.ErrorIs(t, err, interfaces.ErrAuditWrite, "zero sinks without the dev override fails closed")

	dev := NewLog(nil, true, testLogger())
	assert.NoError(t, dev.Record(context.Background(), testEntry()))
}

func TestHMACTokenStableAndKeyed(t *testing.T) {
	l := newKeyedLog(t, NewMemorySink())

	a := l.HMACToken("token-id-1")
	b := l.HMACToken("token-id-1")
	c := l.HMACToken("token-id-2")
	assert.Equal(t, a, b, "same id hashes identically")
	assert.NotEqual(t, a, c)
	assert.NotContains(t, a, "token-id-1")

	l.ClearKey()
	assert.Empty(t, l.HMACToken("token-id-1"), "no key means no token hash")
}

func TestDeriveKeyDeterministic(t *testing.T) {
	rootKey := make([]byte, 32)
	_, err := rand.Read(rootKey)
	require.NoError(t, err)

	k1, err := DeriveKey(rootKey)
	require.NoError(t, err)
	k2, err := DeriveKey(rootKey)
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "derivation is deterministic per root key")

	other := make([]byte, 32)
	_, err = rand.Read(other)
	require.NoError(t, err)
	k3, err := DeriveKey(other)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func TestFileSinkAppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink := NewFileSink(path)
	defer sink.Close()

	l := newKeyedLog(t, sink)

	for i := 0; i < 3; i++ {
		e := testEntry()
		e.RequestID = string(rune('a' + i))
		require.NoError(t, l.Record(context.Background(), e))
	}

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var count int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e), "every line is a standalone JSON entry")
		assert.True(t, l.Verify(e))
		count++
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, 3, count)
}
