package hnsw

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecpage/model"
)

func TestPrimaryTupleRoundTrip(t *testing.T) {
	in := primaryTuple{
		Level:       2,
		NeighborLoc: model.Location{Page: 7, Slot: 3},
		HeapRefs:    []model.HeapRef{101, 102, 0, 0},
		Vector:      []float32{1.5, -2.25, 0, 42},
	}
	buf := make([]byte, primaryTupleSize(4, 4))
	in.encode(buf)

	require.True(t, isPrimaryItem(buf))
	assert.False(t, primaryItemDeleted(buf))
	assert.Equal(t, in.NeighborLoc, primaryItemNeighborLoc(buf))

	out, ok := decodePrimary(buf, 4)
	require.True(t, ok)
	assert.Equal(t, in.Level, out.Level)
	assert.Equal(t, in.NeighborLoc, out.NeighborLoc)
	assert.Equal(t, in.HeapRefs, out.HeapRefs)
	assert.Equal(t, in.Vector, out.Vector)
}

func TestSetPrimaryItemDeleted(t *testing.T) {
	in := primaryTuple{
		Level:       1,
		NeighborLoc: model.Location{Page: 3, Slot: 9},
		HeapRefs:    []model.HeapRef{55, 56},
		Vector:      []float32{0.5, 0.5},
	}
	buf := make([]byte, primaryTupleSize(2, 2))
	in.encode(buf)

	setPrimaryItemDeleted(buf, 2)

	out, ok := decodePrimary(buf, 2)
	require.True(t, ok)
	assert.True(t, out.Deleted)
	assert.Equal(t, []model.HeapRef{0, 0}, out.HeapRefs)
	// The neighbor location survives deletion so the slot pair can be
	// reused together.
	assert.Equal(t, in.NeighborLoc, out.NeighborLoc)
}

func TestDecodePrimaryRejectsOtherKinds(t *testing.T) {
	buf := make([]byte, neighborTupleSize(0, 4))
	encodeNeighbor(buf, 0, 4)

	_, ok := decodePrimary(buf, 2)
	assert.False(t, ok)
	assert.False(t, isPrimaryItem(buf))
}

func TestNeighborLayout(t *testing.T) {
	const m = 4

	// Level 2: 2*m + 2m = 16 slots, top layer first.
	assert.Equal(t, 16, neighborSlotCount(2, m))

	start, capacity := layerSlotRange(2, 2, m)
	assert.Equal(t, 0, start)
	assert.Equal(t, 4, capacity)

	start, capacity = layerSlotRange(2, 1, m)
	assert.Equal(t, 4, start)
	assert.Equal(t, 4, capacity)

	start, capacity = layerSlotRange(2, 0, m)
	assert.Equal(t, 8, start)
	assert.Equal(t, 8, capacity)
}

func TestNeighborTupleSlots(t *testing.T) {
	const m = 4
	buf := make([]byte, neighborTupleSize(1, m))
	encodeNeighbor(buf, 1, m)

	nt, ok := decodeNeighborHeader(buf)
	require.True(t, ok)
	assert.Equal(t, 1, nt.Level)
	assert.Equal(t, 12, nt.Count)

	for k := 0; k < nt.Count; k++ {
		assert.False(t, neighborItemSlot(buf, k).IsValid())
	}

	loc := model.Location{Page: 12, Slot: 1}
	setNeighborItemSlot(buf, 5, loc)
	assert.Equal(t, loc, neighborItemSlot(buf, 5))
	assert.False(t, neighborItemSlot(buf, 4).IsValid())
	assert.False(t, neighborItemSlot(buf, 6).IsValid())
}
