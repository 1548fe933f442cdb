// Package replication builds and applies ChangeEvents: the canonical
// CBOR wire form of a mutation exchanged over the shared replication
// topic.
package replication

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/merklekv/mobile/pkg/log"
	"github.com/merklekv/mobile/pkg/metrics"
	"github.com/merklekv/mobile/pkg/storage"
	"github.com/merklekv/mobile/pkg/types"
)

const dedupWindowSize = 4096

// Publisher is the minimal MQTT capability replication needs: publish a
// payload to a topic at QoS 1. pkg/mqttsession.Session implements this.
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
}

// Codec encodes ChangeEvents as canonical CBOR so identical mutations
// always produce identical bytes, which Merkle leaf hashing depends on.
type Codec struct {
	mode cbor.EncMode
}

// NewCodec builds a Codec using canonical CBOR encoding options.
func NewCodec() (*Codec, error) {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return &Codec{mode: mode}, nil
}

// Encode renders event as canonical CBOR.
func (c *Codec) Encode(event types.ChangeEvent) ([]byte, error) {
	return c.mode.Marshal(event)
}

// Decode parses a canonical CBOR payload into a ChangeEvent.
func (c *Codec) Decode(payload []byte) (types.ChangeEvent, error) {
	var event types.ChangeEvent
	err := cbor.Unmarshal(payload, &event)
	return event, err
}

// Applicator consumes inbound ChangeEvents from the replication topic
// and applies them to the local Storage Engine, deduplicating by
// (node_id, seq) and dropping self-originated events.
type Applicator struct {
	engine        *storage.Engine
	codec         *Codec
	nodeID        string
	topic         string
	skewMaxFuture time.Duration

	seen *lru.Cache[string, struct{}]
}

// NewApplicator builds an Applicator bound to engine for the local
// nodeID, publishing to / consuming from replicationTopic. Inbound
// events whose timestamp exceeds skewMaxFuture beyond local clock are
// rejected.
func NewApplicator(engine *storage.Engine, codec *Codec, nodeID, replicationTopic string, skewMaxFuture time.Duration) (*Applicator, error) {
	seen, err := lru.New[string, struct{}](dedupWindowSize)
	if err != nil {
		return nil, err
	}
	return &Applicator{
		engine:        engine,
		codec:         codec,
		nodeID:        nodeID,
		topic:         replicationTopic,
		skewMaxFuture: skewMaxFuture,
		seen:          seen,
	}, nil
}

// Topic returns the replication topic this applicator listens on.
func (a *Applicator) Topic() string {
	return a.topic
}

// Publish builds a ChangeEvent from entry and publishes it to the
// replication topic at QoS 1.
func (a *Applicator) Publish(pub Publisher, entry types.StorageEntry) error {
	event := types.FromEntry(entry)
	payload, err := a.codec.Encode(event)
	if err != nil {
		return err
	}
	if err := pub.Publish(a.topic, 1, payload); err != nil {
		return err
	}
	metrics.ReplicationEventsPublished.Inc()
	return nil
}

// HandleInbound decodes and applies a raw payload received on the
// replication topic. Malformed payloads, self-originated events, events
// exceeding the future-skew limit, duplicates, and events the storage
// engine rejects are dropped silently (metric-only); it always returns
// nil.
func (a *Applicator) HandleInbound(payload []byte) error {
	event, err := a.codec.Decode(payload)
	if err != nil {
		metrics.ReplicationEventsApplied.WithLabelValues("malformed").Inc()
		log.Logger.Debug().Err(err).Msg("replication: dropping malformed change event")
		return nil
	}

	if event.NodeID == a.nodeID {
		metrics.ReplicationEventsApplied.WithLabelValues("self").Inc()
		return nil
	}

	dedupKey := event.DedupKey()
	if _, ok := a.seen.Get(dedupKey); ok {
		metrics.ReplicationEventsApplied.WithLabelValues("duplicate").Inc()
		return nil
	}

	if event.TimestampMs > time.Now().Add(a.skewMaxFuture).UnixMilli() {
		metrics.ReplicationEventsApplied.WithLabelValues("rejected_skew").Inc()
		return nil
	}

	a.seen.Add(dedupKey, struct{}{})

	if _, err := a.engine.Apply(event.ToEntry()); err != nil {
		metrics.ReplicationEventsApplied.WithLabelValues("rejected_skew").Inc()
		log.Logger.Debug().Err(err).Str("key", event.Key).Msg("replication: engine rejected inbound event")
		return nil
	}

	metrics.ReplicationEventsApplied.WithLabelValues("applied").Inc()
	return nil
}
