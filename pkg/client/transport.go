package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/merklekv/mobile/pkg/antientropy"
	"github.com/merklekv/mobile/pkg/config"
	"github.com/merklekv/mobile/pkg/mqttsession"
	"github.com/merklekv/mobile/pkg/storage"
	"github.com/merklekv/mobile/pkg/types"
)

type syncRequestKind string

const (
	kindRoot      syncRequestKind = "root"
	kindNodes     syncRequestKind = "nodes"
	kindLeaves    syncRequestKind = "leaves"
	kindSummaries syncRequestKind = "summaries"
	kindEntry     syncRequestKind = "entry"
)

type syncRequest struct {
	RequestID   string          `cbor:"1,keyasint"`
	FromNodeID  string          `cbor:"2,keyasint"`
	Kind        syncRequestKind `cbor:"3,keyasint"`
	LeafIndices []int           `cbor:"4,keyasint,omitempty"`
	Leaf        int             `cbor:"5,keyasint,omitempty"`
	Key         string          `cbor:"6,keyasint,omitempty"`
	Level       int             `cbor:"7,keyasint,omitempty"`
}

type syncResponse struct {
	RequestID string                     `cbor:"1,keyasint"`
	Root      antientropy.Digest         `cbor:"2,keyasint,omitempty"`
	Leaves    map[int]antientropy.Digest `cbor:"3,keyasint,omitempty"`
	Summaries []antientropy.EntrySummary `cbor:"4,keyasint,omitempty"`
	Entry     types.StorageEntry         `cbor:"5,keyasint,omitempty"`
	Found     bool                       `cbor:"6,keyasint,omitempty"`
	Nodes     map[int]antientropy.Digest `cbor:"7,keyasint,omitempty"`
}

// mqttTransport implements antientropy.Transport by exchanging
// request/response pairs over each node's dedicated sync inbox topics.
// Correlation is by RequestID: a requester parks a channel keyed by the
// id it generated and the response handler delivers to it when the
// reply topic fires.
type mqttTransport struct {
	session *mqttsession.Session
	cfg     *config.Config
	engine  *storage.Engine
	nodeID  string
	mode    cbor.EncMode

	mu      sync.Mutex
	pending map[string]chan syncResponse
}

// newMQTTTransport builds a transport bound to session and engine, and
// registers its request/response handlers on the device's own sync
// topics.
func newMQTTTransport(session *mqttsession.Session, cfg *config.Config, engine *storage.Engine) (*mqttTransport, error) {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}

	t := &mqttTransport{
		session: session,
		cfg:     cfg,
		engine:  engine,
		nodeID:  cfg.NodeID,
		mode:    mode,
		pending: make(map[string]chan syncResponse),
	}

	topics := cfg.Topics()
	if err := session.Subscribe(topics.SyncRequest, t.handleRequest); err != nil {
		return nil, err
	}
	if err := session.Subscribe(topics.SyncResponse, t.handleResponse); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *mqttTransport) handleRequest(payload []byte) {
	var req syncRequest
	if err := cbor.Unmarshal(payload, &req); err != nil {
		return
	}

	resp := syncResponse{RequestID: req.RequestID}
	switch req.Kind {
	case kindRoot:
		tree, err := antientropy.BuildTree(t.engine.SnapshotForDigest())
		if err != nil {
			return
		}
		resp.Root = tree.Root()

	case kindNodes:
		tree, err := antientropy.BuildTree(t.engine.SnapshotForDigest())
		if err != nil {
			return
		}
		resp.Nodes = make(map[int]antientropy.Digest, len(req.LeafIndices))
		for _, idx := range req.LeafIndices {
			resp.Nodes[idx] = tree.NodeDigest(req.Level, idx)
		}

	case kindLeaves:
		tree, err := antientropy.BuildTree(t.engine.SnapshotForDigest())
		if err != nil {
			return
		}
		resp.Leaves = make(map[int]antientropy.Digest, len(req.LeafIndices))
		for _, idx := range req.LeafIndices {
			resp.Leaves[idx] = tree.Leaf(idx)
		}

	case kindSummaries:
		for _, entry := range t.engine.SnapshotForDigest() {
			if antientropy.LeafIndexFor(entry.Key) == req.Leaf {
				resp.Summaries = append(resp.Summaries, antientropy.EntrySummary{
					Key:         entry.Key,
					TimestampMs: entry.TimestampMs,
					NodeID:      entry.NodeID,
					Seq:         entry.Seq,
				})
			}
		}

	case kindEntry:
		for _, entry := range t.engine.SnapshotForDigest() {
			if entry.Key == req.Key {
				resp.Entry = entry
				resp.Found = true
				break
			}
		}
	}

	out, err := t.mode.Marshal(resp)
	if err != nil {
		return
	}
	_ = t.session.Publish(t.cfg.PeerSyncResponseTopic(req.FromNodeID), 1, out)
}

func (t *mqttTransport) handleResponse(payload []byte) {
	var resp syncResponse
	if err := cbor.Unmarshal(payload, &resp); err != nil {
		return
	}

	t.mu.Lock()
	ch, ok := t.pending[resp.RequestID]
	t.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

func (t *mqttTransport) roundTrip(ctx context.Context, peerNodeID string, req syncRequest) (syncResponse, error) {
	req.RequestID = uuid.NewString()
	req.FromNodeID = t.nodeID

	ch := make(chan syncResponse, 1)
	t.mu.Lock()
	t.pending[req.RequestID] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, req.RequestID)
		t.mu.Unlock()
	}()

	payload, err := t.mode.Marshal(req)
	if err != nil {
		return syncResponse{}, err
	}
	if err := t.session.Publish(t.cfg.PeerSyncRequestTopic(peerNodeID), 1, payload); err != nil {
		return syncResponse{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return syncResponse{}, fmt.Errorf("client: %s request to %s: %w", req.Kind, peerNodeID, ctx.Err())
	}
}

func (t *mqttTransport) FetchRoot(ctx context.Context, peerNodeID string) (antientropy.Digest, error) {
	resp, err := t.roundTrip(ctx, peerNodeID, syncRequest{Kind: kindRoot})
	return resp.Root, err
}

func (t *mqttTransport) FetchNodeDigests(ctx context.Context, peerNodeID string, level int, indices []int) (map[int]antientropy.Digest, error) {
	resp, err := t.roundTrip(ctx, peerNodeID, syncRequest{Kind: kindNodes, Level: level, LeafIndices: indices})
	return resp.Nodes, err
}

func (t *mqttTransport) FetchLeafDigests(ctx context.Context, peerNodeID string, indices []int) (map[int]antientropy.Digest, error) {
	resp, err := t.roundTrip(ctx, peerNodeID, syncRequest{Kind: kindLeaves, LeafIndices: indices})
	return resp.Leaves, err
}

func (t *mqttTransport) FetchSummaries(ctx context.Context, peerNodeID string, leaf int) ([]antientropy.EntrySummary, error) {
	resp, err := t.roundTrip(ctx, peerNodeID, syncRequest{Kind: kindSummaries, Leaf: leaf})
	return resp.Summaries, err
}

func (t *mqttTransport) FetchEntry(ctx context.Context, peerNodeID, key string) (types.StorageEntry, error) {
	resp, err := t.roundTrip(ctx, peerNodeID, syncRequest{Kind: kindEntry, Key: key})
	if err != nil {
		return types.StorageEntry{}, err
	}
	if !resp.Found {
		return types.StorageEntry{}, fmt.Errorf("client: entry %q not found on peer %s", key, peerNodeID)
	}
	return resp.Entry, nil
}
