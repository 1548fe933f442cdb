// Package storage implements the key/value Storage Engine: an
// in-memory map of StorageEntry guarded by last-writer-wins
// conflict resolution, with an optional append-only persistence log.
package storage

import (
	"sync"
	"time"

	"github.com/merklekv/mobile/internal/errors"
	"github.com/merklekv/mobile/pkg/log"
	"github.com/merklekv/mobile/pkg/metrics"
	"github.com/merklekv/mobile/pkg/types"
)

const (
	maxKeyBytes   = 256
	maxValueBytes = 262144
)

// Engine owns the authoritative mapping from key to StorageEntry. Writes
// are serialized; reads may proceed concurrently with other reads.
type Engine struct {
	mu   sync.RWMutex
	data map[string]types.StorageEntry

	skewMaxFuture      time.Duration
	tombstoneRetention time.Duration

	log *WriteAheadLog // nil when persistence is disabled
}

// Options configures a new Engine.
type Options struct {
	SkewMaxFuture      time.Duration
	TombstoneRetention time.Duration
	Log                *WriteAheadLog
}

// New constructs an empty Engine, or one replayed from opts.Log when
// persistence is enabled.
func New(opts Options) (*Engine, error) {
	e := &Engine{
		data:               make(map[string]types.StorageEntry),
		skewMaxFuture:      opts.SkewMaxFuture,
		tombstoneRetention: opts.TombstoneRetention,
		log:                opts.Log,
	}
	if e.log != nil {
		entries, err := e.log.Replay()
		if err != nil {
			return nil, errors.Wrap(errors.InternalError, "replay persistence log", err)
		}
		for _, entry := range entries {
			e.applyLocked(entry)
		}
	}
	e.refreshGauges()
	return e, nil
}

// Get returns the live value for key, or NotFound if absent or
// tombstoned.
func (e *Engine) Get(key string) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	entry, ok := e.data[key]
	if !ok || entry.IsTombstone {
		return nil, errors.New(errors.NotFound, "key not found")
	}
	return entry.Value, nil
}

// Validate enforces the payload and skew limits of the data model ahead
// of Apply. Callers building a StorageEntry from a local command should
// call this before constructing the entry's version.
func (e *Engine) Validate(key string, value []byte, timestampMs int64) error {
	if len(key) == 0 {
		return errors.New(errors.InvalidRequest, "key is required")
	}
	if len(key) > maxKeyBytes {
		return errors.Newf(errors.PayloadTooLarge, "key length %d exceeds %d bytes", len(key), maxKeyBytes)
	}
	if len(value) > maxValueBytes {
		return errors.Newf(errors.PayloadTooLarge, "value length %d exceeds %d bytes", len(value), maxValueBytes)
	}
	if timestampMs > time.Now().Add(e.skewMaxFuture).UnixMilli() {
		return errors.New(errors.InvalidRequest, "timestamp_ms exceeds allowed future skew")
	}
	return nil
}

// Apply writes entry if it strictly wins LWW over any existing entry for
// its key. Reports whether state changed.
func (e *Engine) Apply(entry types.StorageEntry) (changed bool, err error) {
	if err := e.Validate(entry.Key, entry.Value, entry.TimestampMs); err != nil {
		return false, err
	}

	e.mu.Lock()
	changed = e.applyLocked(entry)
	e.mu.Unlock()

	if changed && e.log != nil {
		if err := e.log.Append(types.FromEntry(entry)); err != nil {
			log.Logger.Warn().Err(err).Str("key", entry.Key).Msg("storage: persistence append failed")
		}
	}
	if changed {
		e.refreshGauges()
	}
	return changed, nil
}

// applyLocked performs the LWW comparison and write under e.mu. Ties are
// no-ops: the existing entry already reflects the winning state.
func (e *Engine) applyLocked(entry types.StorageEntry) bool {
	existing, ok := e.data[entry.Key]
	if ok && !entry.Version().NewerThan(existing.Version()) {
		return false
	}
	e.data[entry.Key] = entry
	return true
}

// Tombstone writes a tombstone entry for key, subject to the same LWW
// rule as Apply.
func (e *Engine) Tombstone(key string, timestampMs int64, nodeID string, seq uint64) (bool, error) {
	return e.Apply(types.StorageEntry{
		Key:         key,
		IsTombstone: true,
		TimestampMs: timestampMs,
		NodeID:      nodeID,
		Seq:         seq,
	})
}

// SnapshotForDigest returns every entry currently held, live or
// tombstoned, for Merkle leaf hashing. Order is unspecified; callers bin
// by key hash, which is commutative.
func (e *Engine) SnapshotForDigest() []types.StorageEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]types.StorageEntry, 0, len(e.data))
	for _, entry := range e.data {
		out = append(out, entry)
	}
	return out
}

// CompactTombstones removes tombstones older than the retention window
// as of now. Returns the number removed.
func (e *Engine) CompactTombstones(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := now.Add(-e.tombstoneRetention).UnixMilli()
	removed := 0
	for key, entry := range e.data {
		if entry.IsTombstone && entry.TimestampMs < cutoff {
			delete(e.data, key)
			removed++
		}
	}
	if removed > 0 {
		metrics.StorageCompactionsTotal.Inc()
	}
	return removed
}

// Len reports the number of entries held, including tombstones.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.data)
}

func (e *Engine) refreshGauges() {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var live, tombstones float64
	for _, entry := range e.data {
		if entry.IsTombstone {
			tombstones++
		} else {
			live++
		}
	}
	metrics.StorageEntriesTotal.Set(live)
	metrics.StorageTombstonesTotal.Set(tombstones)
}
