// Package client provides the embedding application's facade over a
// MerkleKV Mobile device: it owns and wires every subsystem (storage
// engine, command processor, replication, MQTT session, anti-entropy,
// offline queue, worker pool) behind a small typed surface.
package client

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/merklekv/mobile/pkg/antientropy"
	"github.com/merklekv/mobile/pkg/battery"
	"github.com/merklekv/mobile/pkg/broker"
	"github.com/merklekv/mobile/pkg/command"
	"github.com/merklekv/mobile/pkg/config"
	"github.com/merklekv/mobile/pkg/log"
	"github.com/merklekv/mobile/pkg/metrics"
	"github.com/merklekv/mobile/pkg/mqttsession"
	"github.com/merklekv/mobile/pkg/obshttp"
	"github.com/merklekv/mobile/pkg/queue"
	"github.com/merklekv/mobile/pkg/replication"
	"github.com/merklekv/mobile/pkg/storage"
	"github.com/merklekv/mobile/pkg/taskpool"
	"github.com/merklekv/mobile/pkg/types"
)

// Client is the single entry point bindings-layer code talks to: one
// per device identity, built once via New and torn down once via Close.
type Client struct {
	cfg    *config.Config
	logger zerolog.Logger

	engine *storage.Engine
	wal    *storage.WriteAheadLog

	applicator *replication.Applicator
	processor  *command.Processor

	queueStore *queue.Store
	queue      *queue.Queue

	session     *mqttsession.Session
	transport   *mqttTransport
	digestCache *antientropy.DigestCache
	reconciler  *antientropy.Reconciler
	pool        *taskpool.Pool

	batteryAdapter *battery.Adapter
	batterySource  battery.Source
	batteryCancel  context.CancelFunc

	// Health tracks storage/mqtt_session/offline_queue readiness for an
	// embedding application's own /health endpoint, or pkg/obshttp.
	Health *obshttp.HealthChecker

	mu    sync.Mutex
	peers map[string]struct{}

	closeOnce sync.Once
}

// New builds every subsystem for cfg but does not connect. Call Connect
// to bring the device online.
func New(cfg *config.Config) (*Client, error) {
	logger := log.WithComponent("client")

	var wal *storage.WriteAheadLog
	if cfg.PersistenceEnabled {
		w, err := storage.OpenWAL(filepath.Join(cfg.StoragePath, "storage.wal"))
		if err != nil {
			return nil, fmt.Errorf("client: open storage log: %w", err)
		}
		wal = w
	}

	engine, err := storage.New(storage.Options{
		SkewMaxFuture:      time.Duration(cfg.SkewMaxFutureMs) * time.Millisecond,
		TombstoneRetention: cfg.TombstoneRetention(),
		Log:                wal,
	})
	if err != nil {
		return nil, fmt.Errorf("client: build storage engine: %w", err)
	}

	codec, err := replication.NewCodec()
	if err != nil {
		return nil, fmt.Errorf("client: build replication codec: %w", err)
	}
	applicator, err := replication.NewApplicator(engine, codec, cfg.NodeID, cfg.Topics().Replication, time.Duration(cfg.SkewMaxFutureMs)*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("client: build replication applicator: %w", err)
	}

	c := &Client{
		cfg:        cfg,
		logger:     logger,
		engine:     engine,
		wal:        wal,
		applicator: applicator,
		peers:      make(map[string]struct{}),
		Health:     obshttp.NewHealthChecker("storage", "mqtt_session", "offline_queue"),
	}
	c.Health.UpdateComponent("storage", true, "")

	c.processor = command.NewProcessor(engine, &publisherAdapter{client: c}, cfg.NodeID)

	queueStore, err := queue.OpenStore(cfg.OfflineQueuePath)
	if err != nil {
		c.Health.UpdateComponent("offline_queue", false, err.Error())
		return nil, fmt.Errorf("client: open offline queue store: %w", err)
	}
	c.queueStore = queueStore
	c.queue = queue.New(queueStore, &executorAdapter{client: c}, queue.Options{
		Capacity:   cfg.OfflineQueueCapacity,
		MaxAge:     cfg.OfflineQueueMaxAge(),
		MaxRetries: cfg.OfflineMaxRetries,
		BatchSize:  cfg.OfflineBatchSize,
	})
	c.Health.UpdateComponent("offline_queue", true, "")

	c.session = mqttsession.New(cfg, c.handleCommand, c.handleReplication)

	transport, err := newMQTTTransport(c.session, cfg, engine)
	if err != nil {
		return nil, fmt.Errorf("client: build anti-entropy transport: %w", err)
	}
	c.transport = transport

	if cfg.PersistenceEnabled {
		cache, err := antientropy.OpenDigestCache(filepath.Join(cfg.StoragePath, "digests.bolt"))
		if err != nil {
			return nil, fmt.Errorf("client: open digest cache: %w", err)
		}
		c.digestCache = cache
	}
	c.reconciler = antientropy.NewReconciler(engine, transport, c.digestCache, cfg.AntiEntropyPeriod(), cfg.SyncTimeout())

	if c.digestCache != nil {
		if seed, err := c.digestCache.Load(); err != nil {
			logger.Warn().Err(err).Msg("client: failed to load persisted digest cache, first round will rebuild from scratch")
		} else {
			c.reconciler.SeedLocalTree(seed)
		}
	}

	c.batteryAdapter = battery.NewAdapter(cfg.Battery, c.session, c.reconciler, c.queue, cfg.OfflineBatchSize)

	c.pool = taskpool.New(4, 64)

	return c, nil
}

// SetBatterySource wires a platform battery source so Connect starts
// adaptive scheduling. Without one, the device runs at full-power
// defaults indefinitely. Call before Connect.
func (c *Client) SetBatterySource(src battery.Source) {
	c.batterySource = src
}

// Connect brings the MQTT session online, subscribes to this device's
// topics, and starts the anti-entropy reconciler and queue-draining
// trigger. Blocks until the initial connect attempt completes or ctx is
// done.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.session.Connect(ctx); err != nil {
		return err
	}

	go c.watchConnectionState()
	c.reconciler.Start()

	if c.batterySource != nil {
		batteryCtx, cancel := context.WithCancel(context.Background())
		c.batteryCancel = cancel
		go c.batteryAdapter.Run(batteryCtx, c.batterySource.Subscribe())
	}
	return nil
}

// watchConnectionState drains the queue via the worker pool whenever the
// session transitions to Connected, mirroring the teacher's pattern of a
// background goroutine reacting to a state broker stream.
func (c *Client) watchConnectionState() {
	sub := c.session.StateStream()
	for state := range sub {
		switch state {
		case mqttsession.StateConnected:
			c.Health.UpdateComponent("mqtt_session", true, "")
			c.pool.Submit(context.Background(), func(ctx context.Context) (interface{}, error) {
				c.queue.Process(ctx, func() bool { return c.session.State() == mqttsession.StateConnected })
				return nil, nil
			})
		case mqttsession.StateDisconnected:
			c.Health.UpdateComponent("mqtt_session", false, "disconnected")
		}
	}
}

// Disconnect performs a clean MQTT disconnect and stops the reconciler.
// The Client remains usable; call Connect again to resume.
func (c *Client) Disconnect(ctx context.Context) error {
	c.reconciler.Stop()
	if c.batteryCancel != nil {
		c.batteryCancel()
		c.batteryCancel = nil
	}
	c.session.Disconnect()
	return nil
}

// Close releases every resource the Client owns: the worker pool, the
// offline queue store, the digest cache, and the persistence log. Call
// after Disconnect, once the device is being torn down for good.
func (c *Client) Close() error {
	var firstErr error
	c.closeOnce.Do(func() {
		c.pool.Stop()
		if err := c.queueStore.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if c.digestCache != nil {
			if err := c.digestCache.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if c.wal != nil {
			if err := c.wal.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// ConnectionStates subscribes to the MQTT connection state machine.
func (c *Client) ConnectionStates() broker.Subscriber[mqttsession.State] {
	return c.session.StateStream()
}

// QueueStats subscribes to offline queue depth/throughput snapshots.
func (c *Client) QueueStats() broker.Subscriber[queue.Stats] {
	return c.queue.StatsStream()
}

// Metrics returns a point-in-time snapshot of the device's core counters
// and gauges, for embedding applications that don't scrape /metrics.
func (c *Client) Metrics() metrics.Snapshot {
	return metrics.Collect()
}

func (c *Client) handleCommand(payload []byte) {
	cmd, err := command.ParseCommand(payload)
	if err != nil {
		c.logger.Debug().Err(err).Msg("client: dropping malformed inbound command")
		return
	}
	resp := c.processor.Process(c.cfg.ClientID, cmd, payload)

	out, err := marshalResponse(resp)
	if err != nil {
		c.logger.Warn().Err(err).Msg("client: failed to encode response")
		return
	}
	if err := c.session.Publish(c.cfg.Topics().Response, 1, out); err != nil {
		c.logger.Warn().Err(err).Msg("client: failed to publish response")
	}
}

func (c *Client) handleReplication(payload []byte) {
	if err := c.applicator.HandleInbound(payload); err != nil {
		c.logger.Warn().Err(err).Msg("client: replication apply failed")
		return
	}
	c.trackPeer(payload)
}

// trackPeer best-effort decodes the event's node id to maintain the
// anti-entropy reconciler's peer set; decode failures are already
// reported by handleReplication's own decode and are ignored here.
func (c *Client) trackPeer(payload []byte) {
	event, ok := peekNodeID(payload)
	if !ok || event == c.cfg.NodeID {
		return
	}

	c.mu.Lock()
	if _, known := c.peers[event]; !known {
		c.peers[event] = struct{}{}
		peers := make([]string, 0, len(c.peers))
		for p := range c.peers {
			peers = append(peers, p)
		}
		c.reconciler.SetPeers(peers)
	}
	c.mu.Unlock()
}

// publisherAdapter binds the replication.Applicator and mqttsession.Session
// behind the narrow interface pkg/command.Processor needs, since the two
// packages have different Publish signatures (Applicator.Publish takes a
// transport, the session itself).
type publisherAdapter struct {
	client *Client
}

func (p *publisherAdapter) Publish(entry types.StorageEntry) error {
	return p.client.applicator.Publish(p.client.session, entry)
}

// executorAdapter lets pkg/queue replay a QueuedOperation through the
// exact same command path as a live MQTT command.
type executorAdapter struct {
	client *Client
}

func (e *executorAdapter) Execute(ctx context.Context, cmd types.Command) error {
	resp := e.client.processor.Process(e.client.cfg.ClientID, cmd, nil)
	if resp.Status == types.StatusError {
		return fmt.Errorf("client: queued operation failed: %s: %s", resp.ErrorCode, resp.Error)
	}
	return nil
}
