package antientropy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merklekv/mobile/pkg/storage"
	"github.com/merklekv/mobile/pkg/types"
)

// fakeTransport simulates a single peer holding its own set of entries.
type fakeTransport struct {
	peerEntries []types.StorageEntry
}

func (f *fakeTransport) peerTree() (*Tree, error) {
	return BuildTree(f.peerEntries)
}

func (f *fakeTransport) FetchRoot(ctx context.Context, peerNodeID string) (Digest, error) {
	t, err := f.peerTree()
	if err != nil {
		return Digest{}, err
	}
	return t.Root(), nil
}

func (f *fakeTransport) FetchNodeDigests(ctx context.Context, peerNodeID string, level int, indices []int) (map[int]Digest, error) {
	t, err := f.peerTree()
	if err != nil {
		return nil, err
	}
	out := make(map[int]Digest, len(indices))
	for _, idx := range indices {
		out[idx] = t.NodeDigest(level, idx)
	}
	return out, nil
}

func (f *fakeTransport) FetchLeafDigests(ctx context.Context, peerNodeID string, indices []int) (map[int]Digest, error) {
	t, err := f.peerTree()
	if err != nil {
		return nil, err
	}
	out := make(map[int]Digest, len(indices))
	for _, idx := range indices {
		out[idx] = t.Leaf(idx)
	}
	return out, nil
}

func (f *fakeTransport) FetchSummaries(ctx context.Context, peerNodeID string, leaf int) ([]EntrySummary, error) {
	var out []EntrySummary
	for _, e := range f.peerEntries {
		if leafIndex(e.Key) == leaf {
			out = append(out, EntrySummary{Key: e.Key, TimestampMs: e.TimestampMs, NodeID: e.NodeID, Seq: e.Seq})
		}
	}
	return out, nil
}

func (f *fakeTransport) FetchEntry(ctx context.Context, peerNodeID, key string) (types.StorageEntry, error) {
	for _, e := range f.peerEntries {
		if e.Key == key {
			return e, nil
		}
	}
	return types.StorageEntry{}, assert.AnError
}

func newEngine(t *testing.T) *storage.Engine {
	t.Helper()
	e, err := storage.New(storage.Options{SkewMaxFuture: 300 * time.Second, TombstoneRetention: 24 * time.Hour})
	require.NoError(t, err)
	return e
}

func TestReconciler_RunOnce_RepairsDivergence(t *testing.T) {
	local := newEngine(t)

	transport := &fakeTransport{peerEntries: []types.StorageEntry{
		{Key: "k", Value: []byte("remote-value"), TimestampMs: 2000, NodeID: "B", Seq: 5},
	}}

	r := NewReconciler(local, transport, nil, time.Minute, 30*time.Second)
	r.SetPeers([]string{"B"})

	require.NoError(t, r.RunOnce(context.Background()))

	v, err := local.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("remote-value"), v)
}

func TestReconciler_RunOnce_ConvergedStateIsNoop(t *testing.T) {
	local := newEngine(t)
	_, err := local.Apply(types.StorageEntry{Key: "k", Value: []byte("v"), TimestampMs: 1000, NodeID: "A", Seq: 1})
	require.NoError(t, err)

	transport := &fakeTransport{peerEntries: []types.StorageEntry{
		{Key: "k", Value: []byte("v"), TimestampMs: 1000, NodeID: "A", Seq: 1},
	}}

	r := NewReconciler(local, transport, nil, time.Minute, 30*time.Second)
	r.SetPeers([]string{"B"})

	require.NoError(t, r.RunOnce(context.Background()))

	v, err := local.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

// countingTransport wraps fakeTransport and records how many digests
// were actually requested across all FetchNodeDigests/FetchLeafDigests
// calls in a round, to prove the descent only pays for the divergent
// path instead of the full leaf set.
type countingTransport struct {
	fakeTransport
	digestsRequested int
}

func (c *countingTransport) FetchNodeDigests(ctx context.Context, peerNodeID string, level int, indices []int) (map[int]Digest, error) {
	c.digestsRequested += len(indices)
	return c.fakeTransport.FetchNodeDigests(ctx, peerNodeID, level, indices)
}

func (c *countingTransport) FetchLeafDigests(ctx context.Context, peerNodeID string, indices []int) (map[int]Digest, error) {
	c.digestsRequested += len(indices)
	return c.fakeTransport.FetchLeafDigests(ctx, peerNodeID, indices)
}

func TestReconciler_RunOnce_DescentFetchesFewDigestsForSingleKeyDivergence(t *testing.T) {
	local := newEngine(t)
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("shared-%d", i)
		_, err := local.Apply(types.StorageEntry{Key: key, Value: []byte("v"), TimestampMs: 1000, NodeID: "A", Seq: uint64(i)})
		require.NoError(t, err)
	}

	peerEntries := make([]types.StorageEntry, 0, 51)
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("shared-%d", i)
		peerEntries = append(peerEntries, types.StorageEntry{Key: key, Value: []byte("v"), TimestampMs: 1000, NodeID: "A", Seq: uint64(i)})
	}
	peerEntries = append(peerEntries, types.StorageEntry{Key: "only-on-peer", Value: []byte("remote-value"), TimestampMs: 2000, NodeID: "B", Seq: 1})

	transport := &countingTransport{fakeTransport: fakeTransport{peerEntries: peerEntries}}
	r := NewReconciler(local, transport, nil, time.Minute, 30*time.Second)
	r.SetPeers([]string{"B"})

	require.NoError(t, r.RunOnce(context.Background()))

	v, err := local.Get("only-on-peer")
	require.NoError(t, err)
	assert.Equal(t, []byte("remote-value"), v)

	// A top-down descent over a 16-level, 65536-leaf tree pays at most a
	// small constant number of digests per level for a single divergent
	// leaf; a full leaf exchange would request 65536.
	assert.Less(t, transport.digestsRequested, 200, "descent should not fetch anywhere near the full leaf set")
}

func TestReconciler_RunOnce_NoPeersIsNoop(t *testing.T) {
	local := newEngine(t)
	r := NewReconciler(local, &fakeTransport{}, nil, time.Minute, 30*time.Second)
	assert.NoError(t, r.RunOnce(context.Background()))
}

func TestReconciler_SetPeriodMultiplier_RejectsNonPositive(t *testing.T) {
	local := newEngine(t)
	r := NewReconciler(local, &fakeTransport{}, nil, time.Minute, 30*time.Second)

	r.SetPeriodMultiplier(3.0)
	r.mu.Lock()
	assert.Equal(t, 3.0, r.periodMul)
	r.mu.Unlock()

	r.SetPeriodMultiplier(0)
	r.mu.Lock()
	assert.Equal(t, 1.0, r.periodMul, "non-positive multiplier resets to 1.0")
	r.mu.Unlock()
}

func TestReconciler_SetPaused_TogglesState(t *testing.T) {
	local := newEngine(t)
	r := NewReconciler(local, &fakeTransport{}, nil, time.Minute, 30*time.Second)

	r.SetPaused(true)
	r.mu.Lock()
	assert.True(t, r.paused)
	r.mu.Unlock()

	r.SetPaused(false)
	r.mu.Lock()
	assert.False(t, r.paused)
	r.mu.Unlock()
}

func TestReconciler_NextPeer_RoundRobin(t *testing.T) {
	local := newEngine(t)
	r := NewReconciler(local, &fakeTransport{}, nil, time.Minute, 30*time.Second)
	r.SetPeers([]string{"A", "B", "C"})

	assert.Equal(t, "A", r.nextPeer())
	assert.Equal(t, "B", r.nextPeer())
	assert.Equal(t, "C", r.nextPeer())
	assert.Equal(t, "A", r.nextPeer())
}
