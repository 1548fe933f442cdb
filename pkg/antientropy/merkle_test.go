package antientropy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merklekv/mobile/pkg/types"
)

func TestBuildTree_IdenticalStateSameRoot(t *testing.T) {
	entries := []types.StorageEntry{
		{Key: "a", Value: []byte("1"), TimestampMs: 1000, NodeID: "A", Seq: 1},
		{Key: "b", Value: []byte("2"), TimestampMs: 1000, NodeID: "A", Seq: 2},
	}

	t1, err := BuildTree(entries)
	require.NoError(t, err)
	t2, err := BuildTree(append([]types.StorageEntry{}, entries...))
	require.NoError(t, err)

	assert.Equal(t, t1.Root(), t2.Root())
}

func TestBuildTree_DivergentStateDifferentRoot(t *testing.T) {
	t1, err := BuildTree([]types.StorageEntry{{Key: "a", Value: []byte("1"), TimestampMs: 1000, NodeID: "A", Seq: 1}})
	require.NoError(t, err)
	t2, err := BuildTree([]types.StorageEntry{{Key: "a", Value: []byte("2"), TimestampMs: 1000, NodeID: "A", Seq: 1}})
	require.NoError(t, err)

	assert.NotEqual(t, t1.Root(), t2.Root())
}

func TestBuildTree_OrderIndependent(t *testing.T) {
	e1 := types.StorageEntry{Key: "a", Value: []byte("1"), TimestampMs: 1000, NodeID: "A", Seq: 1}
	e2 := types.StorageEntry{Key: "b", Value: []byte("2"), TimestampMs: 1000, NodeID: "A", Seq: 2}

	t1, err := BuildTree([]types.StorageEntry{e1, e2})
	require.NoError(t, err)
	t2, err := BuildTree([]types.StorageEntry{e2, e1})
	require.NoError(t, err)

	assert.Equal(t, t1.Root(), t2.Root())
}

func TestDivergentLeaves_FindsMismatch(t *testing.T) {
	t1, err := BuildTree([]types.StorageEntry{{Key: "a", Value: []byte("1"), TimestampMs: 1000, NodeID: "A", Seq: 1}})
	require.NoError(t, err)
	t2, err := BuildTree([]types.StorageEntry{{Key: "a", Value: []byte("2"), TimestampMs: 1000, NodeID: "A", Seq: 1}})
	require.NoError(t, err)

	divergent := t1.DivergentLeaves(t2)
	assert.Len(t, divergent, 1)
}
