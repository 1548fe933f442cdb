// Package command implements the Command Processor: parses inbound
// Command messages, enforces the per-op validation rules, dispatches to
// the Storage Engine, and publishes the resulting replication event.
package command

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/merklekv/mobile/internal/errors"
	"github.com/merklekv/mobile/pkg/log"
	"github.com/merklekv/mobile/pkg/metrics"
	"github.com/merklekv/mobile/pkg/storage"
	"github.com/merklekv/mobile/pkg/types"
)

const (
	maxKeyBytes        = 256
	maxValueBytes      = 262144
	maxCommandBytes    = 524288
	maxMGetKeys        = 256
	maxMSetPairs       = 100
	idempotencyCap     = 10000
	idempotencyTTL     = 60 * time.Second
)

// EventPublisher is the replication capability the processor needs after
// a successful mutation.
type EventPublisher interface {
	Publish(entry types.StorageEntry) error
}

type cacheEntry struct {
	response types.Response
}

// Processor implements the request lifecycle of §4.4: parse, validate,
// idempotency check, execute, publish, cache, respond.
type Processor struct {
	engine    *storage.Engine
	publisher EventPublisher
	nodeID    string

	mu       sync.Mutex
	seq      uint64
	idemp    *expirable.LRU[string, cacheEntry]
}

// NewProcessor builds a Processor bound to engine, publishing mutation
// events for nodeID.
func NewProcessor(engine *storage.Engine, publisher EventPublisher, nodeID string) *Processor {
	return &Processor{
		engine:    engine,
		publisher: publisher,
		nodeID:    nodeID,
		idemp:     expirable.NewLRU[string, cacheEntry](idempotencyCap, nil, idempotencyTTL),
	}
}

// Process executes cmd under the clientID's idempotency scope and
// returns its Response. clientID scopes the idempotency cache; an empty
// cmd.ID bypasses the cache entirely.
func (p *Processor) Process(clientID string, cmd types.Command, raw []byte) types.Response {
	timer := metrics.NewTimer()
	resp := p.process(clientID, cmd, raw)
	timer.ObserveDurationVec(metrics.CommandDuration, string(cmd.Op))

	status := "ok"
	if resp.Status == types.StatusError {
		status = "error"
	}
	metrics.CommandsTotal.WithLabelValues(string(cmd.Op), status).Inc()
	return resp
}

func (p *Processor) process(clientID string, cmd types.Command, raw []byte) types.Response {
	if len(raw) > maxCommandBytes {
		return errorResponse(cmd.ID, errors.PayloadTooLarge, "command exceeds maximum wire size")
	}

	cacheKey := clientID + ":" + cmd.ID
	if cmd.ID != "" {
		if cached, ok := p.idemp.Get(cacheKey); ok {
			metrics.IdempotencyCacheHits.Inc()
			return cached.response
		}
	}

	resp := p.dispatch(cmd)

	if cmd.ID != "" {
		p.idemp.Add(cacheKey, cacheEntry{response: resp})
	}
	return resp
}

func (p *Processor) dispatch(cmd types.Command) types.Response {
	switch cmd.Op {
	case types.OpGet:
		return p.handleGet(cmd)
	case types.OpSet:
		return p.handleSet(cmd)
	case types.OpDel:
		return p.handleDel(cmd)
	case types.OpIncr:
		return p.handleIncrDecr(cmd, 1)
	case types.OpDecr:
		return p.handleIncrDecr(cmd, -1)
	case types.OpAppend:
		return p.handleAppendPrepend(cmd, true)
	case types.OpPrepend:
		return p.handleAppendPrepend(cmd, false)
	case types.OpMGet:
		return p.handleMGet(cmd)
	case types.OpMSet:
		return p.handleMSet(cmd)
	default:
		return errorResponse(cmd.ID, errors.InvalidRequest, fmt.Sprintf("unknown op %q", cmd.Op))
	}
}

func (p *Processor) handleGet(cmd types.Command) types.Response {
	if cmd.Key == "" {
		return errorResponse(cmd.ID, errors.InvalidRequest, "key is required")
	}
	value, err := p.engine.Get(cmd.Key)
	if err != nil {
		return errorFromErr(cmd.ID, err)
	}
	return types.OK(cmd.ID).WithValue(value)
}

func (p *Processor) handleSet(cmd types.Command) types.Response {
	if err := validateKeyValue(cmd.Key, cmd.Value); err != nil {
		return errorFromErr(cmd.ID, err)
	}
	if err := p.mutate(cmd.Key, cmd.Value, false); err != nil {
		return errorFromErr(cmd.ID, err)
	}
	return types.OK(cmd.ID)
}

func (p *Processor) handleDel(cmd types.Command) types.Response {
	if cmd.Key == "" {
		return errorResponse(cmd.ID, errors.InvalidRequest, "key is required")
	}
	if err := p.mutate(cmd.Key, nil, true); err != nil {
		return errorFromErr(cmd.ID, err)
	}
	return types.OK(cmd.ID)
}

func (p *Processor) handleIncrDecr(cmd types.Command, sign int64) types.Response {
	if cmd.Key == "" {
		return errorResponse(cmd.ID, errors.InvalidRequest, "key is required")
	}
	amount := cmd.Amount
	if amount == 0 {
		amount = 1
	}

	current := int64(0)
	if existing, err := p.engine.Get(cmd.Key); err == nil {
		parsed, perr := strconv.ParseInt(string(existing), 10, 64)
		if perr != nil {
			return errorResponse(cmd.ID, errors.InvalidRequest, "existing value is not a 64-bit integer")
		}
		current = parsed
	}

	delta := sign * amount
	next := current + delta
	if (delta > 0 && next < current) || (delta < 0 && next > current) {
		return errorResponse(cmd.ID, errors.InvalidRequest, "integer overflow")
	}

	newValue := []byte(strconv.FormatInt(next, 10))
	if err := p.mutate(cmd.Key, newValue, false); err != nil {
		return errorFromErr(cmd.ID, err)
	}
	return types.OK(cmd.ID).WithValue(newValue)
}

func (p *Processor) handleAppendPrepend(cmd types.Command, append bool) types.Response {
	if cmd.Key == "" {
		return errorResponse(cmd.ID, errors.InvalidRequest, "key is required")
	}

	existing, err := p.engine.Get(cmd.Key)
	if err != nil {
		existing = nil
	}

	var combined []byte
	if append {
		combined = concatBytes(existing, cmd.Value)
	} else {
		combined = concatBytes(cmd.Value, existing)
	}
	if len(combined) > maxValueBytes {
		return errorResponse(cmd.ID, errors.PayloadTooLarge, "append/prepend result exceeds value size limit")
	}

	if err := p.mutate(cmd.Key, combined, false); err != nil {
		return errorFromErr(cmd.ID, err)
	}
	return types.OK(cmd.ID).WithValue([]byte(strconv.Itoa(len(combined))))
}

func concatBytes(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}

func (p *Processor) handleMGet(cmd types.Command) types.Response {
	if len(cmd.Keys) == 0 || len(cmd.Keys) > maxMGetKeys {
		return errorResponse(cmd.ID, errors.InvalidRequest, "keys length must be within [1, 256]")
	}
	if hasDuplicates(cmd.Keys) {
		return errorResponse(cmd.ID, errors.InvalidRequest, "keys must be unique")
	}

	results := make(map[string][]byte, len(cmd.Keys))
	for _, key := range cmd.Keys {
		value, err := p.engine.Get(key)
		if err != nil {
			results[key] = nil
			continue
		}
		results[key] = value
	}
	return types.OK(cmd.ID).WithResults(results)
}

func (p *Processor) handleMSet(cmd types.Command) types.Response {
	if len(cmd.KeyValues) == 0 || len(cmd.KeyValues) > maxMSetPairs {
		return errorResponse(cmd.ID, errors.InvalidRequest, "key_values size must be within [1, 100]")
	}

	results := make(map[string]string, len(cmd.KeyValues))
	for key, value := range cmd.KeyValues {
		if err := validateKeyValue(key, value); err != nil {
			results[key] = string(errors.CodeOf(err))
			continue
		}
		if err := p.mutate(key, value, false); err != nil {
			results[key] = string(errors.CodeOf(err))
			continue
		}
		results[key] = "OK"
	}
	return types.OK(cmd.ID).WithStatusResults(results)
}

func hasDuplicates(keys []string) bool {
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			return true
		}
		seen[k] = struct{}{}
	}
	return false
}

func validateKeyValue(key string, value []byte) error {
	if len(key) == 0 {
		return errors.New(errors.InvalidRequest, "key is required")
	}
	if len(key) > maxKeyBytes {
		return errors.Newf(errors.PayloadTooLarge, "key length %d exceeds %d bytes", len(key), maxKeyBytes)
	}
	if len(value) > maxValueBytes {
		return errors.Newf(errors.PayloadTooLarge, "value length %d exceeds %d bytes", len(value), maxValueBytes)
	}
	return nil
}

// mutate assigns the next per-node sequence number and applies the
// mutation to the engine, publishing a replication event on success.
func (p *Processor) mutate(key string, value []byte, tombstone bool) error {
	p.mu.Lock()
	p.seq++
	seq := p.seq
	p.mu.Unlock()

	entry := types.StorageEntry{
		Key:         key,
		Value:       value,
		IsTombstone: tombstone,
		TimestampMs: time.Now().UnixMilli(),
		NodeID:      p.nodeID,
		Seq:         seq,
	}

	changed, err := p.engine.Apply(entry)
	if err != nil {
		return err
	}
	if changed && p.publisher != nil {
		if err := p.publisher.Publish(entry); err != nil {
			log.Logger.Warn().Err(err).Str("key", key).Msg("command: failed to publish replication event")
		}
	}
	return nil
}

func errorResponse(id string, code errors.Code, message string) types.Response {
	return types.Response{ID: id, Status: types.StatusError, ErrorCode: string(code), Error: message}
}

func errorFromErr(id string, err error) types.Response {
	return errorResponse(id, errors.CodeOf(err), err.Error())
}

// ParseCommand decodes a command payload received on the live MQTT command
// topic, which carries JSON.
func ParseCommand(raw []byte) (types.Command, error) {
	var cmd types.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return types.Command{}, errors.Wrap(errors.InvalidRequest, "malformed command payload", err)
	}
	return cmd, nil
}

// ParseQueuedCommand decodes a QueuedOperation.CommandBytes payload, which
// is canonical CBOR: the offline queue's wire format matches every other
// persisted/replicated payload in this repo rather than the live MQTT
// command topic's JSON.
func ParseQueuedCommand(raw []byte) (types.Command, error) {
	var cmd types.Command
	if err := cbor.Unmarshal(raw, &cmd); err != nil {
		return types.Command{}, errors.Wrap(errors.InvalidRequest, "malformed queued command payload", err)
	}
	return cmd, nil
}
