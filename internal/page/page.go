package page

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hupe1980/vecpage/model"
)

const (
	// headerSize is the fixed page header:
	// next (4) | slot count (2) | lower (2) | upper (2) | reserved (2).
	headerSize = 12

	// slotEntrySize is one slot directory entry: offset (2) | length (2).
	slotEntrySize = 4

	// SlotEntrySize is the per-item directory overhead. FreeSpace already
	// reserves one entry; callers placing two items on one page add one
	// more.
	SlotEntrySize = slotEntrySize

	// DefaultPageSize matches the block size of the original system.
	DefaultPageSize = 8192

	// MaxPageSize is bounded by the 16-bit in-page offsets.
	MaxPageSize = 1 << 15
)

var (
	// ErrPageFull is returned when a page cannot hold the requested item.
	// Callers verify free space before writing, so seeing this after a
	// successful check is a storage-corruption signal.
	ErrPageFull = errors.New("page: not enough free space")

	// ErrInvalidSlot is returned for out-of-range slot numbers.
	ErrInvalidSlot = errors.New("page: invalid slot")

	// ErrItemTooLarge is returned for items that can never fit a page.
	ErrItemTooLarge = errors.New("page: item too large")
)

// Page is an in-memory view of one fixed-size slotted page. The slot
// directory grows downward from the header; item data grows upward from
// the page end. Free space is the gap between the two.
//
// A Page obtained from a Txn is a private copy; mutations become visible
// only on commit. A Page obtained from ReadPage is an immutable snapshot.
type Page struct {
	id  model.PageID
	buf []byte
}

// NewPage wraps buf as a page without initializing it.
func NewPage(id model.PageID, buf []byte) *Page {
	return &Page{id: id, buf: buf}
}

// Init formats the page as empty: no next page, no slots.
func (p *Page) Init() {
	for i := range p.buf {
		p.buf[i] = 0
	}
	p.setNext(model.InvalidPage)
	p.setSlotCount(0)
	p.setLower(headerSize)
	p.setUpper(uint16(len(p.buf)))
}

// ID returns the page number.
func (p *Page) ID() model.PageID { return p.id }

// Bytes returns the raw backing buffer.
func (p *Page) Bytes() []byte { return p.buf }

func (p *Page) setNext(id model.PageID) {
	binary.LittleEndian.PutUint32(p.buf[0:4], id)
}

// Next returns the next page in the chain, or InvalidPage at the tail.
func (p *Page) Next() model.PageID {
	return binary.LittleEndian.Uint32(p.buf[0:4])
}

// SetNext links the page to its successor in the chain.
func (p *Page) SetNext(id model.PageID) { p.setNext(id) }

// SlotCount returns the number of slots in the directory.
func (p *Page) SlotCount() int {
	return int(binary.LittleEndian.Uint16(p.buf[4:6]))
}

func (p *Page) setSlotCount(n uint16) {
	binary.LittleEndian.PutUint16(p.buf[4:6], n)
}

func (p *Page) lower() int {
	return int(binary.LittleEndian.Uint16(p.buf[6:8]))
}

func (p *Page) setLower(v uint16) {
	binary.LittleEndian.PutUint16(p.buf[6:8], v)
}

func (p *Page) upper() int {
	return int(binary.LittleEndian.Uint16(p.buf[8:10]))
}

func (p *Page) setUpper(v uint16) {
	binary.LittleEndian.PutUint16(p.buf[8:10], v)
}

func (p *Page) slotEntry(slot int) (off, length int) {
	base := headerSize + slot*slotEntrySize
	off = int(binary.LittleEndian.Uint16(p.buf[base : base+2]))
	length = int(binary.LittleEndian.Uint16(p.buf[base+2 : base+4]))
	return
}

func (p *Page) setSlotEntry(slot, off, length int) {
	base := headerSize + slot*slotEntrySize
	binary.LittleEndian.PutUint16(p.buf[base:base+2], uint16(off))
	binary.LittleEndian.PutUint16(p.buf[base+2:base+4], uint16(length))
}

// FreeSpace returns the bytes available for one more item, already
// accounting for the slot directory entry the item would need.
func (p *Page) FreeSpace() int {
	free := p.upper() - p.lower() - slotEntrySize
	if free < 0 {
		return 0
	}
	return free
}

// FreeSpaceWithItem returns the space that would be available if the item
// in the given slot were replaced: current free space plus the item's
// present length (an overwrite reuses the slot entry).
func (p *Page) FreeSpaceWithItem(slot int) int {
	if slot < 0 || slot >= p.SlotCount() {
		return 0
	}
	_, length := p.slotEntry(slot)
	return p.FreeSpace() + length
}

// ItemLength returns the stored length of the item in the given slot.
func (p *Page) ItemLength(slot int) int {
	if slot < 0 || slot >= p.SlotCount() {
		return 0
	}
	_, length := p.slotEntry(slot)
	return length
}

// Item returns the item bytes in the given slot. The returned slice
// aliases the page buffer: mutating it inside a transaction is how
// same-size in-place updates are performed.
func (p *Page) Item(slot int) ([]byte, error) {
	if slot < 0 || slot >= p.SlotCount() {
		return nil, fmt.Errorf("%w: slot %d of %d on page %d", ErrInvalidSlot, slot, p.SlotCount(), p.id)
	}
	off, length := p.slotEntry(slot)
	if off < p.upper() || off+length > len(p.buf) {
		return nil, fmt.Errorf("%w: slot %d on page %d out of bounds", ErrInvalidSlot, slot, p.id)
	}
	return p.buf[off : off+length], nil
}

// AddItem appends data as a new item and returns its slot number. Slots
// are assigned sequentially, so the caller can predict the slot of the
// next added item from SlotCount.
func (p *Page) AddItem(data []byte) (uint16, error) {
	if len(data) == 0 || len(data) > len(p.buf)-headerSize-slotEntrySize {
		return 0, ErrItemTooLarge
	}
	if p.upper()-p.lower()-slotEntrySize < len(data) {
		return 0, fmt.Errorf("%w: need %d, have %d on page %d", ErrPageFull, len(data), p.FreeSpace(), p.id)
	}

	newUpper := p.upper() - len(data)
	copy(p.buf[newUpper:], data)

	slot := p.SlotCount()
	p.setSlotEntry(slot, newUpper, len(data))
	p.setSlotCount(uint16(slot + 1))
	p.setLower(uint16(p.lower() + slotEntrySize))
	p.setUpper(uint16(newUpper))

	return uint16(slot), nil
}

// OverwriteItem replaces the item in an existing slot, compacting the
// data region so free-space accounting stays exact even when the new item
// has a different size.
func (p *Page) OverwriteItem(slot int, data []byte) error {
	if slot < 0 || slot >= p.SlotCount() {
		return fmt.Errorf("%w: slot %d on page %d", ErrInvalidSlot, slot, p.id)
	}
	if len(data) == 0 {
		return ErrItemTooLarge
	}

	oldOff, oldLen := p.slotEntry(slot)
	upper := p.upper()

	// Reject before mutating anything: a failed overwrite must leave the
	// page untouched.
	if upper+oldLen-p.lower() < len(data) {
		return fmt.Errorf("%w: overwrite of slot %d on page %d", ErrPageFull, slot, p.id)
	}

	// Remove the old item: shift everything below it up and adjust the
	// affected slot offsets.
	copy(p.buf[upper+oldLen:oldOff+oldLen], p.buf[upper:oldOff])
	for i := 0; i < p.SlotCount(); i++ {
		off, length := p.slotEntry(i)
		if off < oldOff {
			p.setSlotEntry(i, off+oldLen, length)
		}
	}
	upper += oldLen

	upper -= len(data)
	copy(p.buf[upper:], data)
	p.setSlotEntry(slot, upper, len(data))
	p.setUpper(uint16(upper))

	return nil
}

// CheckAccounting verifies the internal page invariants: the slot
// directory bound matches the slot count, no two items overlap, and the
// data region size equals the sum of item lengths. Used by Verify and by
// tests.
func (p *Page) CheckAccounting() error {
	if p.lower() != headerSize+p.SlotCount()*slotEntrySize {
		return fmt.Errorf("page %d: lower %d does not match %d slots", p.id, p.lower(), p.SlotCount())
	}
	if p.upper() < p.lower() || p.upper() > len(p.buf) {
		return fmt.Errorf("page %d: upper %d out of range", p.id, p.upper())
	}

	used := make([]bool, len(p.buf)-p.upper())
	total := 0
	for i := 0; i < p.SlotCount(); i++ {
		off, length := p.slotEntry(i)
		if off < p.upper() || off+length > len(p.buf) {
			return fmt.Errorf("page %d: slot %d item out of data region", p.id, i)
		}
		for j := off; j < off+length; j++ {
			if used[j-p.upper()] {
				return fmt.Errorf("page %d: slot %d overlaps another item at byte %d", p.id, i, j)
			}
			used[j-p.upper()] = true
		}
		total += length
	}
	if total != len(p.buf)-p.upper() {
		return fmt.Errorf("page %d: live item bytes %d do not match data region %d", p.id, total, len(p.buf)-p.upper())
	}
	return nil
}
