package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merklekv/mobile/internal/errors"
	"github.com/merklekv/mobile/pkg/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Options{
		SkewMaxFuture:      300 * time.Second,
		TombstoneRetention: 24 * time.Hour,
	})
	require.NoError(t, err)
	return e
}

func TestEngine_SetThenGet(t *testing.T) {
	e := newTestEngine(t)

	changed, err := e.Apply(types.StorageEntry{
		Key: "user:1", Value: []byte("alice"),
		TimestampMs: 1000, NodeID: "A", Seq: 1,
	})
	require.NoError(t, err)
	assert.True(t, changed)

	v, err := e.Get("user:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("alice"), v)
}

func TestEngine_GetMissing_NotFound(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Get("nope")
	assert.Equal(t, errors.NotFound, errors.CodeOf(err))
}

func TestEngine_TombstoneSuppressesRead(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Apply(types.StorageEntry{Key: "k", Value: []byte("v"), TimestampMs: 1000, NodeID: "A", Seq: 1})
	require.NoError(t, err)

	changed, err := e.Tombstone("k", 2000, "A", 2)
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = e.Get("k")
	assert.Equal(t, errors.NotFound, errors.CodeOf(err))
}

func TestEngine_LWW_TieBreakOnNodeID(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Apply(types.StorageEntry{Key: "k", Value: []byte("v_old"), TimestampMs: 1000, NodeID: "A", Seq: 1})
	require.NoError(t, err)

	changed, err := e.Apply(types.StorageEntry{Key: "k", Value: []byte("v_new"), TimestampMs: 1000, NodeID: "C", Seq: 1})
	require.NoError(t, err)
	assert.True(t, changed, "C > A lexicographically, should win")

	v, err := e.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v_new"), v)

	changed, err = e.Apply(types.StorageEntry{Key: "k", Value: []byte("v_older"), TimestampMs: 1000, NodeID: "B", Seq: 1})
	require.NoError(t, err)
	assert.False(t, changed, "B < C lexicographically, should not win")

	v, err = e.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v_new"), v)
}

func TestEngine_RejectsOversizeKey(t *testing.T) {
	e := newTestEngine(t)
	bigKey := make([]byte, 257)
	_, err := e.Apply(types.StorageEntry{Key: string(bigKey), Value: []byte("v"), TimestampMs: 1000, NodeID: "A", Seq: 1})
	assert.Equal(t, errors.PayloadTooLarge, errors.CodeOf(err))
}

func TestEngine_AcceptsMaxKeySize(t *testing.T) {
	e := newTestEngine(t)
	key := make([]byte, 256)
	for i := range key {
		key[i] = 'a'
	}
	_, err := e.Apply(types.StorageEntry{Key: string(key), Value: []byte("v"), TimestampMs: 1000, NodeID: "A", Seq: 1})
	assert.NoError(t, err)
}

func TestEngine_RejectsOversizeValue(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Apply(types.StorageEntry{Key: "k", Value: make([]byte, 262145), TimestampMs: 1000, NodeID: "A", Seq: 1})
	assert.Equal(t, errors.PayloadTooLarge, errors.CodeOf(err))
}

func TestEngine_RejectsFutureSkew(t *testing.T) {
	e := newTestEngine(t)
	future := time.Now().Add(time.Hour).UnixMilli()
	_, err := e.Apply(types.StorageEntry{Key: "k", Value: []byte("v"), TimestampMs: future, NodeID: "A", Seq: 1})
	assert.Equal(t, errors.InvalidRequest, errors.CodeOf(err))
}

func TestEngine_CompactTombstones(t *testing.T) {
	e := newTestEngine(t)
	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	_, err := e.Tombstone("k", old, "A", 1)
	require.NoError(t, err)

	removed := e.CompactTombstones(time.Now())
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, e.Len())
}

func TestEngine_PersistenceReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.cbor")

	wal, err := OpenWAL(path)
	require.NoError(t, err)

	e, err := New(Options{SkewMaxFuture: 300 * time.Second, TombstoneRetention: 24 * time.Hour, Log: wal})
	require.NoError(t, err)

	_, err = e.Apply(types.StorageEntry{Key: "k1", Value: []byte("v1"), TimestampMs: 1000, NodeID: "A", Seq: 1})
	require.NoError(t, err)
	_, err = e.Apply(types.StorageEntry{Key: "k2", Value: []byte("v2"), TimestampMs: 1000, NodeID: "A", Seq: 2})
	require.NoError(t, err)
	require.NoError(t, wal.Close())

	wal2, err := OpenWAL(path)
	require.NoError(t, err)
	e2, err := New(Options{SkewMaxFuture: 300 * time.Second, TombstoneRetention: 24 * time.Hour, Log: wal2})
	require.NoError(t, err)

	v, err := e2.Get("k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)
	v, err = e2.Get("k2")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
}

func TestEngine_PersistenceTruncatesCorruptTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.cbor")

	wal, err := OpenWAL(path)
	require.NoError(t, err)
	e, err := New(Options{SkewMaxFuture: 300 * time.Second, TombstoneRetention: 24 * time.Hour, Log: wal})
	require.NoError(t, err)
	_, err = e.Apply(types.StorageEntry{Key: "k1", Value: []byte("v1"), TimestampMs: 1000, NodeID: "A", Seq: 1})
	require.NoError(t, err)
	require.NoError(t, wal.Close())
	before, err := os.Stat(path)
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 50, 1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	wal2, err := OpenWAL(path)
	require.NoError(t, err)
	e2, err := New(Options{SkewMaxFuture: 300 * time.Second, TombstoneRetention: 24 * time.Hour, Log: wal2})
	require.NoError(t, err)

	v, err := e2.Get("k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.Size(), after.Size(), "corrupt trailing bytes are cut off the log")
}
