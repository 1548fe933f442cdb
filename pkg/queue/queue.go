package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/merklekv/mobile/pkg/broker"
	"github.com/merklekv/mobile/pkg/command"
	"github.com/merklekv/mobile/pkg/log"
	"github.com/merklekv/mobile/pkg/metrics"
	"github.com/merklekv/mobile/pkg/types"
)

// Stats is the snapshot published after every mutation.
type Stats struct {
	CountByPriority map[types.Priority]int
	TotalProcessed  int
	TotalFailed     int
	TotalDropped    int
	OldestAgeMs     int64
	LastFlush       time.Time
}

// Executor runs a queued command once the session is connected.
// pkg/command.Processor.Process (adapted to turn an error Response into
// an error) is the production implementation.
type Executor interface {
	Execute(ctx context.Context, cmd types.Command) error
}

// Queue is the priority-ordered, capacity-bounded, crash-safe offline
// operation buffer.
type Queue struct {
	store    *Store
	executor Executor

	capacity   int
	maxAge     time.Duration
	maxRetries int
	batchSize  atomic.Int32

	mu        sync.Mutex
	processed int
	failed    int
	dropped   int
	lastFlush time.Time

	statsBroker *broker.Broker[Stats]
	processing  sync.Mutex // single-flights processing
	logger      zerolog.Logger
}

// Options configures a Queue.
type Options struct {
	Capacity   int
	MaxAge     time.Duration
	MaxRetries int
	BatchSize  int
}

// New builds a Queue backed by store, executing drained commands via
// executor.
func New(store *Store, executor Executor, opts Options) *Queue {
	q := &Queue{
		store:       store,
		executor:    executor,
		capacity:    opts.Capacity,
		maxAge:      opts.MaxAge,
		maxRetries:  opts.MaxRetries,
		statsBroker: broker.New[Stats](8),
		logger:      log.WithComponent("queue"),
	}
	q.batchSize.Store(int32(opts.BatchSize))
	q.statsBroker.Start()
	return q
}

// SetBatchSize adjusts how many operations Process drains per pass,
// called by the battery adapter to shrink batches under low power.
func (q *Queue) SetBatchSize(n int) {
	if n <= 0 {
		n = 1
	}
	q.batchSize.Store(int32(n))
}

// StatsStream subscribes to queue statistics snapshots.
func (q *Queue) StatsStream() broker.Subscriber[Stats] {
	return q.statsBroker.Subscribe(4)
}

// Enqueue persists cmd at the given priority and returns its opaque
// operation id. Capacity overflow evicts the oldest Low, then Normal,
// then High operation.
func (q *Queue) Enqueue(ctx context.Context, cmd types.Command, priority types.Priority, commandBytes []byte) (string, error) {
	counts, err := q.store.Counts(ctx)
	if err != nil {
		return "", err
	}
	total := counts[types.PriorityHigh] + counts[types.PriorityNormal] + counts[types.PriorityLow]
	if total >= q.capacity {
		if err := q.evictOneLocked(ctx); err != nil {
			return "", err
		}
	}

	op := types.QueuedOperation{
		OperationID:   uuid.NewString(),
		OperationType: cmd.Op,
		Priority:      priority,
		CommandBytes:  commandBytes,
		QueuedAtMs:    time.Now().UnixMilli(),
	}
	if err := q.store.StoreOperation(ctx, op); err != nil {
		return "", err
	}

	q.publishStats(ctx)
	return op.OperationID, nil
}

func (q *Queue) evictOneLocked(ctx context.Context) error {
	for _, p := range []types.Priority{types.PriorityLow, types.PriorityNormal, types.PriorityHigh} {
		n, err := q.store.EvictOldest(ctx, p, 1)
		if err != nil {
			return err
		}
		if n > 0 {
			q.mu.Lock()
			q.dropped++
			q.mu.Unlock()
			metrics.QueueDroppedTotal.Inc()
			return nil
		}
	}
	return nil
}

// CleanupExpired removes operations older than maxAge. Call at least
// hourly and before each processing run.
func (q *Queue) CleanupExpired(ctx context.Context) error {
	_, err := q.store.RemoveExpired(ctx, time.Now(), q.maxAge)
	return err
}

// Process drains the queue in strict priority + FIFO order, batched,
// halting immediately if isConnected becomes false between batches.
// Single-flighted: a second concurrent call returns immediately.
func (q *Queue) Process(ctx context.Context, isConnected func() bool) {
	if !q.processing.TryLock() {
		return
	}
	defer q.processing.Unlock()

	if err := q.CleanupExpired(ctx); err != nil {
		q.logger.Warn().Err(err).Msg("queue: cleanup before processing failed")
	}

	for {
		if !isConnected() {
			return
		}

		ops, err := q.store.GetAllOperations(ctx)
		if err != nil {
			q.logger.Warn().Err(err).Msg("queue: failed to list operations")
			return
		}
		if len(ops) == 0 {
			return
		}
		if batch := int(q.batchSize.Load()); len(ops) > batch {
			ops = ops[:batch]
		}

		var succeeded []string
		for _, op := range ops {
			if !isConnected() {
				return
			}
			if err := q.executeOne(ctx, op); err != nil {
				continue
			}
			succeeded = append(succeeded, op.OperationID)
		}
		if len(succeeded) > 0 {
			if err := q.store.RemoveOperations(ctx, succeeded); err != nil {
				q.logger.Warn().Err(err).Msg("queue: failed to remove processed operations")
			}
		}
		if len(succeeded) < len(ops) {
			// some failed and were retried/dropped inline; avoid a tight
			// retry loop on the same batch within this call
			return
		}
	}
}

func (q *Queue) executeOne(ctx context.Context, op types.QueuedOperation) error {
	cmd, err := command.ParseQueuedCommand(op.CommandBytes)
	if err != nil {
		q.giveUp(ctx, op, err)
		return err
	}

	if err := q.executor.Execute(ctx, cmd); err != nil {
		op.Attempts++
		op.LastError = err.Error()
		if op.Attempts >= q.maxRetries {
			q.giveUp(ctx, op, err)
			return err
		}
		if uerr := q.store.UpdateOperation(ctx, op); uerr != nil {
			q.logger.Warn().Err(uerr).Msg("queue: failed to persist retry attempt")
		}
		return err
	}

	q.mu.Lock()
	q.processed++
	q.mu.Unlock()
	q.publishStats(ctx)
	return nil
}

func (q *Queue) giveUp(ctx context.Context, op types.QueuedOperation, cause error) {
	if err := q.store.RemoveOperation(ctx, op.OperationID); err != nil {
		q.logger.Warn().Err(err).Msg("queue: failed to remove abandoned operation")
	}
	q.mu.Lock()
	q.failed++
	q.mu.Unlock()
	metrics.QueueFailedTotal.Inc()
	q.logger.Warn().Err(cause).Str("operation_id", op.OperationID).Msg("queue: operation abandoned after exhausting retries")
	q.publishStats(ctx)
}

func (q *Queue) publishStats(ctx context.Context) {
	counts, err := q.store.Counts(ctx)
	if err != nil {
		return
	}
	for priority, count := range counts {
		metrics.QueueDepth.WithLabelValues(priority.String()).Set(float64(count))
	}

	q.mu.Lock()
	q.lastFlush = time.Now()
	stats := Stats{
		CountByPriority: counts,
		TotalProcessed:  q.processed,
		TotalFailed:     q.failed,
		TotalDropped:    q.dropped,
		LastFlush:       q.lastFlush,
	}
	q.mu.Unlock()

	q.statsBroker.Publish(stats)
}
