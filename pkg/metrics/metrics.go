package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

var (
	// Command plane
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merklekv_commands_total",
			Help: "Total commands processed by op and status",
		},
		[]string{"op", "status"},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "merklekv_command_duration_seconds",
			Help:    "Command processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	IdempotencyCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "merklekv_idempotency_cache_hits_total",
			Help: "Total idempotency cache hits",
		},
	)

	// Storage engine
	StorageEntriesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "merklekv_storage_entries_total",
			Help: "Total live (non-tombstone) entries in the storage engine",
		},
	)

	StorageTombstonesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "merklekv_storage_tombstones_total",
			Help: "Total tombstoned entries pending compaction",
		},
	)

	StorageCompactionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "merklekv_storage_compactions_total",
			Help: "Total tombstone compaction runs",
		},
	)

	// Replication
	ReplicationEventsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "merklekv_replication_events_published_total",
			Help: "Total change events published to the replication topic",
		},
	)

	ReplicationEventsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merklekv_replication_events_applied_total",
			Help: "Total inbound change events applied, by outcome",
		},
		[]string{"outcome"}, // applied, duplicate, rejected_skew, self, malformed
	)

	// Anti-entropy
	AntiEntropyRoundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merklekv_antientropy_rounds_total",
			Help: "Total anti-entropy rounds, by outcome",
		},
		[]string{"outcome"}, // converged, repaired, timeout, error
	)

	AntiEntropyRoundDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "merklekv_antientropy_round_duration_seconds",
			Help:    "Anti-entropy round duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	AntiEntropyKeysRepaired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "merklekv_antientropy_keys_repaired_total",
			Help: "Total keys pulled and applied during anti-entropy rounds",
		},
	)

	// MQTT session
	ConnectionStateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merklekv_connection_state_transitions_total",
			Help: "Total MQTT connection state transitions",
		},
		[]string{"state"},
	)

	// Offline queue
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "merklekv_queue_depth",
			Help: "Current offline queue depth by priority",
		},
		[]string{"priority"},
	)

	QueueDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "merklekv_queue_dropped_total",
			Help: "Total queued operations evicted for capacity",
		},
	)

	QueueFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "merklekv_queue_failed_total",
			Help: "Total queued operations abandoned after exhausting retries",
		},
	)
)

func init() {
	prometheus.MustRegister(
		CommandsTotal,
		CommandDuration,
		IdempotencyCacheHits,
		StorageEntriesTotal,
		StorageTombstonesTotal,
		StorageCompactionsTotal,
		ReplicationEventsPublished,
		ReplicationEventsApplied,
		AntiEntropyRoundsTotal,
		AntiEntropyRoundDuration,
		AntiEntropyKeysRepaired,
		ConnectionStateTransitions,
		QueueDepth,
		QueueDroppedTotal,
		QueueFailedTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Snapshot is a point-in-time read of the counters and gauges an
// embedding application is most likely to surface without scraping
// /metrics itself, e.g. from pkg/client.Client.Metrics().
type Snapshot struct {
	StorageEntriesTotal        float64
	StorageTombstonesTotal     float64
	QueueDepthByPriority       map[string]float64
	ReplicationEventsPublished float64
	AntiEntropyKeysRepaired    float64
}

// Collect reads the current values of the package's gauges and counters
// into a Snapshot. Safe to call concurrently with metric updates.
func Collect() Snapshot {
	return Snapshot{
		StorageEntriesTotal:        gaugeValue(StorageEntriesTotal),
		StorageTombstonesTotal:     gaugeValue(StorageTombstonesTotal),
		QueueDepthByPriority:       gaugeVecValues(QueueDepth, "priority"),
		ReplicationEventsPublished: counterValue(ReplicationEventsPublished),
		AntiEntropyKeysRepaired:    counterValue(AntiEntropyKeysRepaired),
	}
}

func gaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func gaugeVecValues(v *prometheus.GaugeVec, labelName string) map[string]float64 {
	ch := make(chan prometheus.Metric)
	go func() {
		v.Collect(ch)
		close(ch)
	}()

	out := make(map[string]float64)
	for metric := range ch {
		var m dto.Metric
		if err := metric.Write(&m); err != nil {
			continue
		}
		label := ""
		for _, lp := range m.GetLabel() {
			if lp.GetName() == labelName {
				label = lp.GetValue()
			}
		}
		out[label] = m.GetGauge().GetValue()
	}
	return out
}
