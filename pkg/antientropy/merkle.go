// Package antientropy implements Merkle-tree reconciliation: a
// fixed-shape binary digest tree over the storage engine's key space,
// used to detect and repair divergence that live replication missed.
package antientropy

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/merklekv/mobile/pkg/types"
)

// prefixBits is the number of leading bits of a key's hash used to
// select its leaf bucket. 16 bits yields 65536 leaves.
const prefixBits = 16
const leafCount = 1 << prefixBits

// Digest is a 32-byte commitment, either a leaf's commutative
// combination or an internal node's hash of its children.
type Digest [sha256.Size]byte

// isZero reports whether d is the all-zero digest of an empty bucket.
func (d Digest) isZero() bool {
	return d == Digest{}
}

// Tree is the fixed-shape binary Merkle tree over leafCount leaves,
// rebuilt from a storage snapshot on demand.
type Tree struct {
	leaves [leafCount]Digest
	nodes  map[string]Digest // level/index -> digest, for internal nodes
	codec  cbor.EncMode
}

// BuildTree hashes every entry into its bucket and combines buckets
// commutatively via XOR, then folds the leaves upward into a binary
// tree whose root commits to the full state.
func BuildTree(entries []types.StorageEntry) (*Tree, error) {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}

	t := &Tree{nodes: make(map[string]Digest)}
	t.codec = mode

	for _, entry := range entries {
		leaf := leafIndex(entry.Key)
		entryDigest, err := digestEntry(mode, entry)
		if err != nil {
			return nil, err
		}
		xorInto(&t.leaves[leaf], entryDigest)
	}

	t.fold()
	return t, nil
}

// leafIndex maps a key to its bucket via the first prefixBits bits of
// its SHA-256 hash.
func leafIndex(key string) int {
	sum := sha256.Sum256([]byte(key))
	v := binary.BigEndian.Uint32(sum[:4])
	return int(v >> (32 - prefixBits))
}

// LeafIndexFor exposes the bucket assignment for key so a Transport
// implementation can answer a FetchSummaries request without rebuilding
// a full Tree.
func LeafIndexFor(key string) int {
	return leafIndex(key)
}

// digestEntry hashes the canonical CBOR encoding of an entry's
// replication-relevant fields.
func digestEntry(mode cbor.EncMode, entry types.StorageEntry) (Digest, error) {
	event := types.FromEntry(entry)
	payload, err := mode.Marshal(event)
	if err != nil {
		return Digest{}, err
	}
	return sha256.Sum256(payload), nil
}

func xorInto(dst *Digest, src Digest) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// nodeKey addresses an internal node at level (1 being one above the
// leaves, prefixBits-1 being one below the root) and index within that
// level.
func nodeKey(level, index int) string {
	return fmt.Sprintf("%d/%d", level, index)
}

// fold builds internal node digests bottom-up and keeps every
// intermediate level (not just the root) so a caller can walk the tree
// top-down later without rehashing: level 0 is the leaves, level
// prefixBits is the root.
func (t *Tree) fold() {
	level := t.leaves[:]
	for l := 1; l <= prefixBits; l++ {
		next := make([]Digest, len(level)/2)
		for i := 0; i < len(next); i++ {
			left, right := level[2*i], level[2*i+1]
			h := sha256.New()
			h.Write(left[:])
			h.Write(right[:])
			var d Digest
			copy(d[:], h.Sum(nil))
			next[i] = d
		}
		if l == prefixBits {
			t.nodes["root"] = next[0]
		} else {
			for i, d := range next {
				t.nodes[nodeKey(l, i)] = d
			}
		}
		level = next
	}
}

// Root returns the tree's root digest.
func (t *Tree) Root() Digest {
	return t.nodes["root"]
}

// Leaf returns the digest at the given bucket index.
func (t *Tree) Leaf(index int) Digest {
	return t.leaves[index]
}

// NodeDigest returns the digest of the internal node at level (0 is the
// leaves, prefixBits is the root) and index within that level, for the
// top-down divergence walk a reconciliation round performs.
func (t *Tree) NodeDigest(level, index int) Digest {
	switch {
	case level == 0:
		return t.leaves[index]
	case level == prefixBits:
		return t.nodes["root"]
	default:
		return t.nodes[nodeKey(level, index)]
	}
}

// DivergentLeaves compares two fully materialized trees leaf-by-leaf and
// returns the bucket indices whose digests differ. Used for local
// comparisons where both trees are already in memory (tests, offline
// diagnostics); a live reconciliation round does not use this — it
// performs a top-down descent (see Reconciler.descendDivergent) that
// only exchanges digests along paths toward subtrees that actually
// differ, so bandwidth scales with divergence rather than with the full
// leaf count.
func (t *Tree) DivergentLeaves(other *Tree) []int {
	var out []int
	for i := 0; i < leafCount; i++ {
		if t.leaves[i] != other.leaves[i] {
			out = append(out, i)
		}
	}
	return out
}

// childIndices expands each index in a level's frontier into its two
// children one level closer to the leaves.
func childIndices(indices []int) []int {
	out := make([]int, 0, len(indices)*2)
	for _, idx := range indices {
		out = append(out, 2*idx, 2*idx+1)
	}
	return out
}
