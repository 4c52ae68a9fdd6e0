package hnsw

import (
	"encoding/binary"
	"math"

	"github.com/hupe1980/vecpage/model"
)

// Tuple kind tags, the first byte of every on-page item.
const (
	tupleKindPrimary  = 1
	tupleKindNeighbor = 2
)

// Primary tuple layout (fixed size per index):
//
//	0      kind (1)
//	1      deleted (1)
//	2..4   level (2)
//	4..10  neighbor tuple location (4+2)
//	10..   heap refs (heapRefCap * 8)
//	..+2   dimension (2)
//	..     vector (dim * 4)
const (
	primaryOffDeleted  = 1
	primaryOffLevel    = 2
	primaryOffNeighbor = 4
	primaryOffRefs     = 10
)

// Neighbor tuple layout:
//
//	0     kind (1)
//	1..3  level (2)
//	3..5  slot count (2)
//	5..   slots (count * 6), ordered top layer first, layer 0 last
const (
	neighborOffLevel = 1
	neighborOffCount = 3
	neighborOffSlots = 5

	locationSize = 6
)

func primaryTupleSize(dim, heapRefCap int) int {
	return primaryOffRefs + heapRefCap*8 + 2 + dim*4
}

func neighborTupleSize(level, m int) int {
	return neighborOffSlots + neighborSlotCount(level, m)*locationSize
}

// neighborSlotCount is the total adjacency capacity of an element:
// m slots for each layer above 0 plus 2m slots for layer 0.
func neighborSlotCount(level, m int) int {
	return level*m + 2*m
}

// layerCapacity returns the per-layer fan-out bound: 2m at layer 0,
// m everywhere else.
func layerCapacity(layer, m int) int {
	if layer == 0 {
		return 2 * m
	}
	return m
}

// layerSlotRange returns the slot range [start, start+capacity) holding
// the given layer's edges within a neighbor tuple of the given level.
// Layers are stored top first, so layer L starts at (level-L)*m; layer 0
// occupies the final 2m slots.
func layerSlotRange(level, layer, m int) (start, capacity int) {
	return (level - layer) * m, layerCapacity(layer, m)
}

func encodeLocation(buf []byte, loc model.Location) {
	binary.LittleEndian.PutUint32(buf[0:4], loc.Page)
	binary.LittleEndian.PutUint16(buf[4:6], loc.Slot)
}

func decodeLocation(buf []byte) model.Location {
	return model.Location{
		Page: binary.LittleEndian.Uint32(buf[0:4]),
		Slot: binary.LittleEndian.Uint16(buf[4:6]),
	}
}

// primaryTuple is the decoded form of an element's primary record.
type primaryTuple struct {
	Deleted     bool
	Level       int
	NeighborLoc model.Location
	HeapRefs    []model.HeapRef
	Vector      []float32
}

func (t *primaryTuple) encode(buf []byte) {
	buf[0] = tupleKindPrimary
	if t.Deleted {
		buf[primaryOffDeleted] = 1
	} else {
		buf[primaryOffDeleted] = 0
	}
	binary.LittleEndian.PutUint16(buf[primaryOffLevel:], uint16(t.Level))
	encodeLocation(buf[primaryOffNeighbor:], t.NeighborLoc)

	off := primaryOffRefs
	for _, ref := range t.HeapRefs {
		binary.LittleEndian.PutUint64(buf[off:], uint64(ref))
		off += 8
	}
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(t.Vector)))
	off += 2
	for _, v := range t.Vector {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
		off += 4
	}
}

// decodePrimary decodes a primary tuple item. Returns false if the item
// is not a primary tuple or is truncated — stale locations surface this
// way and callers treat it as "element moved", never as corruption.
func decodePrimary(buf []byte, heapRefCap int) (*primaryTuple, bool) {
	if len(buf) < primaryOffRefs+heapRefCap*8+2 || buf[0] != tupleKindPrimary {
		return nil, false
	}
	t := &primaryTuple{
		Deleted:     buf[primaryOffDeleted] != 0,
		Level:       int(binary.LittleEndian.Uint16(buf[primaryOffLevel:])),
		NeighborLoc: decodeLocation(buf[primaryOffNeighbor:]),
		HeapRefs:    make([]model.HeapRef, heapRefCap),
	}
	off := primaryOffRefs
	for i := 0; i < heapRefCap; i++ {
		t.HeapRefs[i] = model.HeapRef(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
	}
	dim := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	if len(buf) < off+dim*4 {
		return nil, false
	}
	t.Vector = make([]float32, dim)
	for i := 0; i < dim; i++ {
		t.Vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	return t, true
}

// isPrimaryItem reports whether a raw item is a primary tuple, without
// decoding it.
func isPrimaryItem(buf []byte) bool {
	return len(buf) > primaryOffRefs && buf[0] == tupleKindPrimary
}

// primaryItemDeleted reads the deleted flag of a raw primary item.
func primaryItemDeleted(buf []byte) bool {
	return buf[primaryOffDeleted] != 0
}

// primaryItemNeighborLoc reads the neighbor tuple location of a raw
// primary item.
func primaryItemNeighborLoc(buf []byte) model.Location {
	return decodeLocation(buf[primaryOffNeighbor:])
}

// setPrimaryItemDeleted marks a raw primary item deleted in place and
// clears its heap references. The neighbor location is kept so the
// vacated space can be rediscovered by the placer.
func setPrimaryItemDeleted(buf []byte, heapRefCap int) {
	buf[primaryOffDeleted] = 1
	for i := 0; i < heapRefCap; i++ {
		binary.LittleEndian.PutUint64(buf[primaryOffRefs+i*8:], 0)
	}
}

// neighborTuple is the decoded header of an element's adjacency record.
// Slot contents are accessed in place on the raw item.
type neighborTuple struct {
	Level int
	Count int
}

// encodeNeighbor writes a neighbor tuple with all slots empty.
func encodeNeighbor(buf []byte, level, m int) {
	buf[0] = tupleKindNeighbor
	binary.LittleEndian.PutUint16(buf[neighborOffLevel:], uint16(level))
	count := neighborSlotCount(level, m)
	binary.LittleEndian.PutUint16(buf[neighborOffCount:], uint16(count))
	for i := 0; i < count; i++ {
		encodeLocation(buf[neighborOffSlots+i*locationSize:], model.InvalidLocation)
	}
}

// decodeNeighborHeader decodes the level and slot count of a raw
// neighbor item. Returns false for non-neighbor or truncated items.
func decodeNeighborHeader(buf []byte) (neighborTuple, bool) {
	if len(buf) < neighborOffSlots || buf[0] != tupleKindNeighbor {
		return neighborTuple{}, false
	}
	nt := neighborTuple{
		Level: int(binary.LittleEndian.Uint16(buf[neighborOffLevel:])),
		Count: int(binary.LittleEndian.Uint16(buf[neighborOffCount:])),
	}
	if len(buf) < neighborOffSlots+nt.Count*locationSize {
		return neighborTuple{}, false
	}
	return nt, true
}

// neighborItemSlot reads slot k of a raw neighbor item.
func neighborItemSlot(buf []byte, k int) model.Location {
	return decodeLocation(buf[neighborOffSlots+k*locationSize:])
}

// setNeighborItemSlot writes slot k of a raw neighbor item in place.
func setNeighborItemSlot(buf []byte, k int, loc model.Location) {
	encodeLocation(buf[neighborOffSlots+k*locationSize:], loc)
}
