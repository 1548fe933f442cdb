// Package battery adapts a device's scheduling (keepalive, anti-entropy
// cadence, offline-queue batch size, low-priority throttling) to an
// observed power source, per the advisory thresholds and toggles in
// pkg/config.BatteryConfig. Adaptation only ever affects scheduling: it
// never changes command semantics or consistency guarantees.
package battery

import (
	"context"
	"sync"

	"github.com/merklekv/mobile/pkg/broker"
	"github.com/merklekv/mobile/pkg/config"
	"github.com/merklekv/mobile/pkg/log"
	"github.com/merklekv/mobile/pkg/types"
)

// Status is a single reading from the host platform's power source.
// Bindings supply a Source that produces these; this package owns no
// platform integration of its own.
type Status struct {
	Percent  int
	Charging bool
}

// Source streams Status readings. StubSource below is a test/dev
// implementation; a mobile binding supplies a platform-backed one.
type Source interface {
	Subscribe() broker.Subscriber[Status]
}

// StubSource is an in-process Source for tests and the reference CLI,
// driven entirely by calls to Publish.
type StubSource struct {
	b *broker.Broker[Status]
}

// NewStubSource builds a StubSource and starts its distribution loop.
func NewStubSource() *StubSource {
	s := &StubSource{b: broker.New[Status](4)}
	s.b.Start()
	return s
}

func (s *StubSource) Subscribe() broker.Subscriber[Status] {
	return s.b.Subscribe(4)
}

// Publish injects a reading, as a platform binding's callback would.
func (s *StubSource) Publish(status Status) {
	s.b.Publish(status)
}

// Stop halts distribution.
func (s *StubSource) Stop() {
	s.b.Stop()
}

// level classifies a Status against the configured thresholds.
type level int

const (
	levelNormal level = iota
	levelLow
	levelCritical
)

// sessionTarget and reconcilerTarget narrow mqttsession.Session and
// antientropy.Reconciler to the methods Adapter drives, so this package
// does not import either (avoiding an import cycle through pkg/client).
type sessionTarget interface {
	SetKeepAliveMultiplier(m float64)
}

type reconcilerTarget interface {
	SetPeriodMultiplier(m float64)
	SetPaused(paused bool)
}

type queueTarget interface {
	SetBatchSize(n int)
}

// Adapter consumes a Status stream and adjusts the subsystems it was
// built with. Safe for a single Run call; build a new Adapter if the
// underlying subsystems are rebuilt (e.g. after Client.Close).
type Adapter struct {
	cfg        config.BatteryConfig
	session    sessionTarget
	reconciler reconcilerTarget
	queue      queueTarget

	normalBatchSize int

	mu         sync.Mutex
	last       Status
	hasReading bool
}

// NewAdapter builds an Adapter. normalBatchSize is the queue's
// full-power batch size, restored whenever the status returns to normal.
func NewAdapter(cfg config.BatteryConfig, session sessionTarget, reconciler reconcilerTarget, queue queueTarget, normalBatchSize int) *Adapter {
	return &Adapter{
		cfg:             cfg,
		session:         session,
		reconciler:      reconciler,
		queue:           queue,
		normalBatchSize: normalBatchSize,
	}
}

// Run consumes stream until ctx is done or the stream closes, applying
// each reading as it arrives.
func (a *Adapter) Run(ctx context.Context, stream <-chan Status) {
	for {
		select {
		case status, ok := <-stream:
			if !ok {
				return
			}
			a.Apply(status)
		case <-ctx.Done():
			return
		}
	}
}

// Apply adjusts every wired subsystem for a single reading.
func (a *Adapter) Apply(status Status) {
	a.mu.Lock()
	a.last = status
	a.hasReading = true
	a.mu.Unlock()

	lvl := a.classify(status)

	keepAliveMul := 1.0
	periodMul := 1.0
	batchSize := a.normalBatchSize
	paused := false

	switch lvl {
	case levelLow:
		if a.cfg.AdaptiveKeepalive {
			keepAliveMul = 2.0
		}
		if a.cfg.AdaptiveSyncInterval {
			periodMul = 3.0
		}
		if a.cfg.ReduceBackgroundActivity {
			batchSize = maxInt(1, a.normalBatchSize/2)
		}
	case levelCritical:
		if a.cfg.AdaptiveKeepalive {
			keepAliveMul = 4.0
		}
		if a.cfg.AdaptiveSyncInterval {
			periodMul = 8.0
			paused = !status.Charging
		}
		if a.cfg.ReduceBackgroundActivity {
			batchSize = 1
		}
	}

	a.session.SetKeepAliveMultiplier(keepAliveMul)
	a.reconciler.SetPeriodMultiplier(periodMul)
	a.reconciler.SetPaused(paused)
	a.queue.SetBatchSize(batchSize)

	log.WithComponent("battery").Debug().
		Int("percent", status.Percent).
		Bool("charging", status.Charging).
		Int("level", int(lvl)).
		Msg("battery status applied")
}

func (a *Adapter) classify(status Status) level {
	if status.Charging {
		return levelNormal
	}
	switch {
	case status.Percent <= a.cfg.CriticalPercent:
		return levelCritical
	case status.Percent <= a.cfg.LowPercent:
		return levelLow
	default:
		return levelNormal
	}
}

// ShouldThrottle reports whether a mutation at priority should be
// deferred to the offline queue instead of executing immediately, under
// EnableOperationThrottle and the most recently applied Status. Reports
// false until the first Status has been applied.
func (a *Adapter) ShouldThrottle(priority types.Priority) bool {
	if !a.cfg.EnableOperationThrottle || priority != types.PriorityLow {
		return false
	}

	a.mu.Lock()
	status, hasReading := a.last, a.hasReading
	a.mu.Unlock()
	if !hasReading {
		return false
	}
	return a.classify(status) != levelNormal
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
