// Package metrics defines and registers the Prometheus metrics exposed by a
// MerkleKV Mobile device: command throughput and latency, storage size,
// replication lag, anti-entropy round outcomes, and offline-queue depth.
// Metrics are package-level variables registered at init and served over
// pkg/obshttp's /metrics endpoint via promhttp.Handler().
package metrics
