package client

import (
	"context"
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/merklekv/mobile/internal/errors"
	"github.com/merklekv/mobile/pkg/mqttsession"
	"github.com/merklekv/mobile/pkg/types"
)

// MutationOutcome reports whether a write executed immediately (the
// session was Connected) or was deferred to the offline queue pending
// reconnect. Value carries the immediate result (e.g. the new counter
// value for Increment) and is nil when Queued is true.
type MutationOutcome struct {
	Value       []byte
	Queued      bool
	OperationID string
}

// Get reads key from the local replica. Always answered locally: a full
// replica needs no network round trip for reads.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	resp := c.processor.Process(c.cfg.ClientID, types.Command{ID: uuid.NewString(), Op: types.OpGet, Key: key}, nil)
	if resp.Status == types.StatusError {
		return nil, errors.New(errors.Code(resp.ErrorCode), resp.Error)
	}
	return resp.Value, nil
}

// GetMultiple reads a bounded batch of keys from the local replica.
func (c *Client) GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error) {
	resp := c.processor.Process(c.cfg.ClientID, types.Command{ID: uuid.NewString(), Op: types.OpMGet, Keys: keys}, nil)
	if resp.Status == types.StatusError {
		return nil, errors.New(errors.Code(resp.ErrorCode), resp.Error)
	}
	return resp.Results, nil
}

// Set writes key=value, executing immediately if Connected or deferring
// to the offline queue at priority otherwise.
func (c *Client) Set(ctx context.Context, key string, value []byte, priority types.Priority) (MutationOutcome, error) {
	return c.mutate(ctx, types.Command{Op: types.OpSet, Key: key, Value: value}, priority)
}

// Delete tombstones key.
func (c *Client) Delete(ctx context.Context, key string, priority types.Priority) (MutationOutcome, error) {
	return c.mutate(ctx, types.Command{Op: types.OpDel, Key: key}, priority)
}

// Increment adds amount (default 1 when zero) to key's integer value.
func (c *Client) Increment(ctx context.Context, key string, amount int64, priority types.Priority) (MutationOutcome, error) {
	return c.mutate(ctx, types.Command{Op: types.OpIncr, Key: key, Amount: amount}, priority)
}

// Decrement subtracts amount (default 1 when zero) from key's integer value.
func (c *Client) Decrement(ctx context.Context, key string, amount int64, priority types.Priority) (MutationOutcome, error) {
	return c.mutate(ctx, types.Command{Op: types.OpDecr, Key: key, Amount: amount}, priority)
}

// Append concatenates value onto key's existing bytes.
func (c *Client) Append(ctx context.Context, key string, value []byte, priority types.Priority) (MutationOutcome, error) {
	return c.mutate(ctx, types.Command{Op: types.OpAppend, Key: key, Value: value}, priority)
}

// Prepend concatenates value ahead of key's existing bytes.
func (c *Client) Prepend(ctx context.Context, key string, value []byte, priority types.Priority) (MutationOutcome, error) {
	return c.mutate(ctx, types.Command{Op: types.OpPrepend, Key: key, Value: value}, priority)
}

// SetMultiple writes a bounded batch of key/value pairs.
func (c *Client) SetMultiple(ctx context.Context, kvs map[string][]byte, priority types.Priority) (MutationOutcome, error) {
	return c.mutate(ctx, types.Command{Op: types.OpMSet, KeyValues: kvs}, priority)
}

// mutate executes cmd immediately through the command processor when the
// session is Connected, publishing its replication event as a side
// effect of the normal mutate path. When not Connected, or when battery
// throttling defers a Low-priority write, the command is persisted to
// the offline queue at priority and replayed later by
// pkg/queue.Queue.Process through the same executorAdapter code path.
func (c *Client) mutate(ctx context.Context, cmd types.Command, priority types.Priority) (MutationOutcome, error) {
	cmd.ID = uuid.NewString()

	if c.session.State() == mqttsession.StateConnected && !c.batteryAdapter.ShouldThrottle(priority) {
		resp := c.processor.Process(c.cfg.ClientID, cmd, nil)
		if resp.Status == types.StatusError {
			return MutationOutcome{}, errors.New(errors.Code(resp.ErrorCode), resp.Error)
		}
		return MutationOutcome{Value: resp.Value}, nil
	}

	raw, err := c.transport.mode.Marshal(cmd)
	if err != nil {
		return MutationOutcome{}, errors.Wrap(errors.InvalidRequest, "encode command for offline queue", err)
	}

	opID, err := c.queue.Enqueue(ctx, cmd, priority, raw)
	if err != nil {
		return MutationOutcome{}, errors.Wrap(errors.Connection, "enqueue while disconnected", err)
	}
	return MutationOutcome{Queued: true, OperationID: opID}, nil
}

// marshalResponse renders resp as the wire JSON payload published on the
// device's response topic.
func marshalResponse(resp types.Response) ([]byte, error) {
	return json.Marshal(resp)
}

// peekNodeID extracts a ChangeEvent's originating node id from a raw
// replication payload without fully validating it, for the reconciler's
// peer-discovery bookkeeping. Malformed payloads are reported as !ok;
// handleReplication's own decode path is authoritative for rejecting them.
func peekNodeID(payload []byte) (string, bool) {
	var event types.ChangeEvent
	if err := cbor.Unmarshal(payload, &event); err != nil {
		return "", false
	}
	if event.NodeID == "" {
		return "", false
	}
	return event.NodeID, true
}
