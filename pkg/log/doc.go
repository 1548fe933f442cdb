/*
Package log provides structured logging for a MerkleKV Mobile device using
zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level.

# Usage

Initializing the logger:

	import "github.com/merklekv/mobile/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("device connected")
	log.Debug("checking queue depth")
	log.Warn("anti-entropy round failed")
	log.Error("failed to open offline queue store")

Component loggers:

	sessionLog := log.WithComponent("mqtt_session")
	sessionLog.Info().Msg("session connected")

	reconcilerLog := log.WithComponent("antientropy").
		With().Str("node_id", "node-1").Logger()
	reconcilerLog.Info().Msg("starting reconciler")

Context logger helpers:

	// Replica-specific logs
	nodeLog := log.WithNodeID("node-abc123")
	nodeLog.Info().Msg("applied replication event")

	// Session-specific logs
	clientLog := log.WithClientID("device-xyz789")
	clientLog.Info().Msg("command acknowledged")

	// Anti-entropy peer logs
	peerLog := log.WithPeerID("node-def456")
	peerLog.Info().Msg("reconciliation round completed")

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance, initialized once via log.Init()
  - Accessible from every package without passing a reference
  - Safe for concurrent use

Context Logger Pattern:
  - The anti-entropy reconciler, the offline queue, the client and the
    battery adapter derive a child logger via WithComponent; storage,
    the command processor, replication, the MQTT session and config log
    through the global Logger
  - Context fields (node_id, client_id, peer_id) are attached once and
    carried by every log line the child logger emits

# Security

Never log credentials (MQTT username/password, TLS key passphrase) or raw
key/value payloads; log keys and sizes instead.
*/
package log
