package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merklekv/mobile/pkg/types"
)

type recordingExecutor struct {
	mu    sync.Mutex
	order []string
	fail  map[string]bool
}

func (r *recordingExecutor) Execute(ctx context.Context, cmd types.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[cmd.Key] {
		return assertErr
	}
	r.order = append(r.order, cmd.Key)
	return nil
}

var assertErr = &testError{"executor failure"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func newTestQueue(t *testing.T, executor Executor) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	store, err := OpenStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return New(store, executor, Options{Capacity: 10000, MaxAge: 7 * 24 * time.Hour, MaxRetries: 3, BatchSize: 50})
}

func encodeCmd(t *testing.T, key string) []byte {
	t.Helper()
	raw, err := cbor.Marshal(types.Command{ID: "id-" + key, Op: types.OpSet, Key: key, Value: []byte("v")})
	require.NoError(t, err)
	return raw
}

func TestQueue_OfflineReplayOrdering(t *testing.T) {
	exec := &recordingExecutor{fail: map[string]bool{}}
	q := newTestQueue(t, exec)
	ctx := context.Background()

	for _, k := range []string{"h1", "h2", "h3"} {
		_, err := q.Enqueue(ctx, types.Command{Key: k}, types.PriorityHigh, encodeCmd(t, k))
		require.NoError(t, err)
	}
	for _, k := range []string{"l1", "l2"} {
		_, err := q.Enqueue(ctx, types.Command{Key: k}, types.PriorityLow, encodeCmd(t, k))
		require.NoError(t, err)
	}

	connected := true
	q.Process(ctx, func() bool { return connected })

	assert.Equal(t, []string{"h1", "h2", "h3", "l1", "l2"}, exec.order)

	counts, err := q.store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[types.PriorityHigh]+counts[types.PriorityNormal]+counts[types.PriorityLow])
}

func TestQueue_CapacityEvictsLowFirst(t *testing.T) {
	exec := &recordingExecutor{fail: map[string]bool{}}
	q := newTestQueue(t, exec)
	q.capacity = 2
	ctx := context.Background()

	_, err := q.Enqueue(ctx, types.Command{Key: "low1"}, types.PriorityLow, encodeCmd(t, "low1"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, types.Command{Key: "high1"}, types.PriorityHigh, encodeCmd(t, "high1"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, types.Command{Key: "high2"}, types.PriorityHigh, encodeCmd(t, "high2"))
	require.NoError(t, err)

	ops, err := q.store.GetAllOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	for _, op := range ops {
		assert.NotEqual(t, types.PriorityLow, op.Priority, "low priority item should be evicted first")
	}

	q.mu.Lock()
	assert.Equal(t, 1, q.dropped)
	q.mu.Unlock()
}

func TestQueue_ProcessHaltsOnDisconnect(t *testing.T) {
	exec := &recordingExecutor{fail: map[string]bool{}}
	q := newTestQueue(t, exec)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, types.Command{Key: "k1"}, types.PriorityHigh, encodeCmd(t, "k1"))
	require.NoError(t, err)

	q.Process(ctx, func() bool { return false })

	assert.Empty(t, exec.order)
	ops, err := q.store.GetAllOperations(ctx)
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

func TestQueue_FailedOperationRetriesThenGivesUp(t *testing.T) {
	exec := &recordingExecutor{fail: map[string]bool{"bad": true}}
	q := newTestQueue(t, exec)
	q.maxRetries = 2
	ctx := context.Background()

	_, err := q.Enqueue(ctx, types.Command{Key: "bad"}, types.PriorityHigh, encodeCmd(t, "bad"))
	require.NoError(t, err)

	q.Process(ctx, func() bool { return true })
	ops, err := q.store.GetAllOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 1, ops[0].Attempts)

	q.Process(ctx, func() bool { return true })
	ops, err = q.store.GetAllOperations(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops, "operation should be removed after exhausting retries")

	q.mu.Lock()
	assert.Equal(t, 1, q.failed)
	q.mu.Unlock()
}

func TestQueue_SetBatchSizeRechecksConnectionBetweenBatches(t *testing.T) {
	exec := &recordingExecutor{fail: map[string]bool{}}
	q := newTestQueue(t, exec)
	ctx := context.Background()

	for _, k := range []string{"k1", "k2", "k3", "k4", "k5"} {
		_, err := q.Enqueue(ctx, types.Command{Key: k}, types.PriorityNormal, encodeCmd(t, k))
		require.NoError(t, err)
	}

	q.SetBatchSize(2)
	// Connected for the first batch only; the check before the second
	// batch sees a disconnect.
	q.Process(ctx, func() bool { return len(exec.order) < 2 })
	assert.Len(t, exec.order, 2, "Process should halt at the batch boundary once disconnected")
	ops, err := q.store.GetAllOperations(ctx)
	require.NoError(t, err)
	assert.Len(t, ops, 3, "the completed batch is removed before halting")

	q.Process(ctx, func() bool { return true })
	assert.Len(t, exec.order, 5, "a connected Process call drains every remaining batch")
}

func TestQueue_SetBatchSizeRejectsNonPositive(t *testing.T) {
	exec := &recordingExecutor{fail: map[string]bool{}}
	q := newTestQueue(t, exec)

	q.SetBatchSize(0)
	assert.Equal(t, int32(1), q.batchSize.Load())

	q.SetBatchSize(-5)
	assert.Equal(t, int32(1), q.batchSize.Load())
}

func TestQueue_ProcessIsSingleFlighted(t *testing.T) {
	exec := &recordingExecutor{fail: map[string]bool{}}
	q := newTestQueue(t, exec)
	ctx := context.Background()

	q.processing.Lock()
	defer q.processing.Unlock()

	// Process should return immediately without blocking since the
	// processing lock is already held.
	done := make(chan struct{})
	go func() {
		q.Process(ctx, func() bool { return true })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Process did not single-flight")
	}
}
