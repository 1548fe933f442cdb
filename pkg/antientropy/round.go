package antientropy

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/merklekv/mobile/pkg/log"
	"github.com/merklekv/mobile/pkg/metrics"
	"github.com/merklekv/mobile/pkg/storage"
	"github.com/merklekv/mobile/pkg/types"
)

// EntrySummary is the compact per-entry descriptor exchanged for a
// divergent leaf bucket: enough to decide, under LWW, whether the
// requester needs the full entry.
type EntrySummary struct {
	Key         string
	TimestampMs int64
	NodeID      string
	Seq         uint64
}

// Transport is the request/response capability a round needs from a
// specific peer, carried over the MQTT command plane. Implementations
// own the wire encoding and timeout handling for each call.
type Transport interface {
	FetchRoot(ctx context.Context, peerNodeID string) (Digest, error)
	FetchNodeDigests(ctx context.Context, peerNodeID string, level int, indices []int) (map[int]Digest, error)
	FetchLeafDigests(ctx context.Context, peerNodeID string, indices []int) (map[int]Digest, error)
	FetchSummaries(ctx context.Context, peerNodeID string, leaf int) ([]EntrySummary, error)
	FetchEntry(ctx context.Context, peerNodeID, key string) (types.StorageEntry, error)
}

// Reconciler runs periodic pairwise anti-entropy rounds against
// observed peers, repairing divergence live replication missed.
type Reconciler struct {
	engine    *storage.Engine
	transport Transport
	cache     *DigestCache

	period      time.Duration
	syncTimeout time.Duration

	mu        sync.Mutex
	peers     []string
	next      int
	periodMul float64
	paused    bool
	seed      *Tree

	logger zerolog.Logger
	stopCh chan struct{}
}

// NewReconciler builds a Reconciler. cache may be nil to disable
// persisted digest snapshots between rounds.
func NewReconciler(engine *storage.Engine, transport Transport, cache *DigestCache, period, syncTimeout time.Duration) *Reconciler {
	return &Reconciler{
		engine:      engine,
		transport:   transport,
		cache:       cache,
		period:      period,
		syncTimeout: syncTimeout,
		periodMul:   1.0,
		logger:      log.WithComponent("antientropy"),
		stopCh:      make(chan struct{}),
	}
}

// SetPeriodMultiplier scales the base round period, used by the battery
// adapter to space out rounds under low power. A multiplier <= 0 resets
// to 1.0.
func (r *Reconciler) SetPeriodMultiplier(m float64) {
	if m <= 0 {
		m = 1.0
	}
	r.mu.Lock()
	r.periodMul = m
	r.mu.Unlock()
}

// SetPaused suspends (or resumes) round execution without stopping the
// loop, used to halt anti-entropy entirely under critical battery while
// not charging.
func (r *Reconciler) SetPaused(paused bool) {
	r.mu.Lock()
	r.paused = paused
	r.mu.Unlock()
}

// SeedLocalTree primes the next round's local comparison tree with a
// previously persisted one (loaded from a DigestCache at startup),
// sparing the first round after a restart a full hash of the storage
// engine. Consumed once: every later round rebuilds fresh from the
// engine, since live replication can mutate state between rounds.
func (r *Reconciler) SeedLocalTree(t *Tree) {
	r.mu.Lock()
	r.seed = t
	r.mu.Unlock()
}

// SetPeers replaces the set of known peer node ids, as observed from
// inbound replication traffic.
func (r *Reconciler) SetPeers(peers []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = peers
}

// Start begins the periodic round loop with jitter applied to the base
// period. Safe to call again after Stop to resume rounds, e.g. across a
// reconnect cycle.
func (r *Reconciler) Start() {
	r.mu.Lock()
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.mu.Unlock()
	go r.run(stopCh)
}

// Stop halts the round loop. Safe to call even if Start was never called
// or Stop already ran.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopCh != nil {
		close(r.stopCh)
		r.stopCh = nil
	}
}

func (r *Reconciler) run(stopCh chan struct{}) {
	r.logger.Info().Dur("period", r.period).Msg("anti-entropy reconciler started")
	for {
		r.mu.Lock()
		mul := r.periodMul
		paused := r.paused
		r.mu.Unlock()

		wait := jitter(time.Duration(float64(r.period) * mul))
		select {
		case <-time.After(wait):
			if paused {
				continue
			}
			if err := r.RunOnce(context.Background()); err != nil {
				r.logger.Warn().Err(err).Msg("anti-entropy round failed")
			}
		case <-stopCh:
			r.logger.Info().Msg("anti-entropy reconciler stopped")
			return
		}
	}
}

func jitter(period time.Duration) time.Duration {
	delta := time.Duration(rand.Int63n(int64(period) / 5))
	return period - delta/2 + delta
}

// nextPeer returns the next peer in round-robin order, or "" if none
// are known.
func (r *Reconciler) nextPeer() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.peers) == 0 {
		return ""
	}
	peer := r.peers[r.next%len(r.peers)]
	r.next++
	return peer
}

// RunOnce executes a single anti-entropy round against one round-robin
// peer, bounded by the configured sync timeout.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	peer := r.nextPeer()
	if peer == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.syncTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	outcome, err := r.roundWith(ctx, peer)
	timer.ObserveDuration(metrics.AntiEntropyRoundDuration)

	if err != nil {
		if ctx.Err() != nil {
			metrics.AntiEntropyRoundsTotal.WithLabelValues("timeout").Inc()
		} else {
			metrics.AntiEntropyRoundsTotal.WithLabelValues("error").Inc()
		}
		return fmt.Errorf("antientropy: round with %s: %w", peer, err)
	}

	metrics.AntiEntropyRoundsTotal.WithLabelValues(outcome).Inc()
	return nil
}

func (r *Reconciler) roundWith(ctx context.Context, peer string) (string, error) {
	local, err := r.localTree()
	if err != nil {
		return "", err
	}
	if r.cache != nil {
		if err := r.cache.Store(local); err != nil {
			r.logger.Warn().Err(err).Msg("antientropy: failed to persist digest snapshot")
		}
	}

	remoteRoot, err := r.transport.FetchRoot(ctx, peer)
	if err != nil {
		return "", err
	}
	if remoteRoot == local.Root() {
		return "converged", nil
	}

	divergent, err := r.descendDivergent(ctx, peer, local)
	if err != nil {
		return "", err
	}

	repaired := 0
	for _, leaf := range divergent {
		summaries, err := r.transport.FetchSummaries(ctx, peer, leaf)
		if err != nil {
			return "", err
		}
		for _, summary := range summaries {
			if r.needsEntry(summary) {
				entry, err := r.transport.FetchEntry(ctx, peer, summary.Key)
				if err != nil {
					return "", err
				}
				if changed, err := r.engine.Apply(entry); err == nil && changed {
					repaired++
				}
			}
		}
	}

	metrics.AntiEntropyKeysRepaired.Add(float64(repaired))
	if repaired > 0 {
		return "repaired", nil
	}
	return "converged", nil
}

// localTree returns the seeded tree left by SeedLocalTree, if any, or
// else rebuilds fresh from the storage engine. The seed is consumed on
// first use; subsequent rounds always rebuild, since replication can
// mutate state between rounds.
func (r *Reconciler) localTree() (*Tree, error) {
	r.mu.Lock()
	seed := r.seed
	r.seed = nil
	r.mu.Unlock()

	if seed != nil {
		return seed, nil
	}
	return BuildTree(r.engine.SnapshotForDigest())
}

// descendDivergent performs the top-down traversal: starting from the
// root, already known to differ (the caller checked FetchRoot against
// local.Root()), it fetches remote digests only for the children of
// subtrees that mismatched one level up, stopping a branch as soon as
// its digests agree. Bandwidth is proportional to the number of
// divergent leaves times the tree depth, not to the full leaf count.
func (r *Reconciler) descendDivergent(ctx context.Context, peer string, local *Tree) ([]int, error) {
	frontier := []int{0} // root index; its mismatch is already established
	for level := prefixBits - 1; level >= 1; level-- {
		candidates := childIndices(frontier)
		remote, err := r.transport.FetchNodeDigests(ctx, peer, level, candidates)
		if err != nil {
			return nil, err
		}

		var next []int
		for _, idx := range candidates {
			if local.NodeDigest(level, idx) != remote[idx] {
				next = append(next, idx)
			}
		}
		if len(next) == 0 {
			return nil, nil
		}
		frontier = next
	}

	leafCandidates := childIndices(frontier)
	remoteLeaves, err := r.transport.FetchLeafDigests(ctx, peer, leafCandidates)
	if err != nil {
		return nil, err
	}

	var divergent []int
	for _, idx := range leafCandidates {
		if local.Leaf(idx) != remoteLeaves[idx] {
			divergent = append(divergent, idx)
		}
	}
	return divergent, nil
}

// needsEntry reports whether the local engine lacks summary's key or
// holds an older version under LWW.
func (r *Reconciler) needsEntry(summary EntrySummary) bool {
	_, err := r.engine.Get(summary.Key)
	if err != nil {
		return true
	}
	localEntries := r.engine.SnapshotForDigest()
	for _, e := range localEntries {
		if e.Key == summary.Key {
			remoteVersion := types.Version{TimestampMs: summary.TimestampMs, NodeID: summary.NodeID}
			return remoteVersion.NewerThan(e.Version())
		}
	}
	return true
}
