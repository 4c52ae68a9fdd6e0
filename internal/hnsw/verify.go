package hnsw

import (
	"fmt"

	"github.com/hupe1980/vecpage/internal/page"
	"github.com/hupe1980/vecpage/model"
)

// VerifyFile checks the structural invariants of a raw page file image:
// page accounting on every chained page, the meta record, tuple pairing
// (every primary's neighbor location resolves to a neighbor tuple of the
// same level), layer occupancy, and that every edge target resolves to a
// primary tuple. The image must be a quiesced snapshot.
func VerifyFile(data []byte, pageSize int) error {
	if len(data) == 0 || len(data)%pageSize != 0 {
		return fmt.Errorf("%w: file size %d is not a multiple of page size %d", ErrCorrupted, len(data), pageSize)
	}
	npages := model.PageID(len(data) / pageSize)

	pageAt := func(id model.PageID) *page.Page {
		off := int(id) * pageSize
		return page.NewPage(id, data[off:off+pageSize])
	}
	itemAt := func(loc model.Location) ([]byte, error) {
		if !loc.IsValid() || loc.Page == metaPageID || loc.Page >= npages {
			return nil, fmt.Errorf("location %s out of range", loc)
		}
		return pageAt(loc.Page).Item(int(loc.Slot))
	}

	// Meta record.
	metaItem, err := pageAt(metaPageID).Item(0)
	if err != nil {
		return fmt.Errorf("%w: missing meta record: %v", ErrCorrupted, err)
	}
	mr, err := decodeMeta(metaItem)
	if err != nil {
		return err
	}
	if mr.InsertPage == metaPageID || mr.InsertPage >= npages {
		return fmt.Errorf("%w: insert cursor points at page %d of %d", ErrCorrupted, mr.InsertPage, npages)
	}

	if mr.HasEntry() {
		item, err := itemAt(mr.Entry)
		if err != nil {
			return fmt.Errorf("%w: entry point: %v", ErrCorrupted, err)
		}
		pt, ok := decodePrimary(item, mr.HeapRefCap)
		if !ok {
			return fmt.Errorf("%w: entry point %s is not a primary tuple", ErrCorrupted, mr.Entry)
		}
		if pt.Level < mr.EntryLevel {
			return fmt.Errorf("%w: entry point has level %d, meta says %d", ErrCorrupted, pt.Level, mr.EntryLevel)
		}
	}

	// Walk the chain from the first data page.
	seen := make(map[model.PageID]bool)
	for id := model.PageID(1); id != model.InvalidPage; {
		if id >= npages {
			return fmt.Errorf("%w: chain links to page %d of %d", ErrCorrupted, id, npages)
		}
		if seen[id] {
			return fmt.Errorf("%w: chain cycles at page %d", ErrCorrupted, id)
		}
		seen[id] = true

		p := pageAt(id)
		if err := p.CheckAccounting(); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}

		for slot := 0; slot < p.SlotCount(); slot++ {
			item, err := p.Item(slot)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCorrupted, err)
			}
			loc := model.Location{Page: id, Slot: uint16(slot)}
			switch {
			case isPrimaryItem(item):
				if err := verifyPrimary(loc, item, mr, itemAt); err != nil {
					return err
				}
			default:
				if _, ok := decodeNeighborHeader(item); !ok {
					return fmt.Errorf("%w: unknown tuple kind at %s", ErrCorrupted, loc)
				}
			}
		}
		id = p.Next()
	}
	return nil
}

func verifyPrimary(loc model.Location, item []byte, mr *metaRecord, itemAt func(model.Location) ([]byte, error)) error {
	pt, ok := decodePrimary(item, mr.HeapRefCap)
	if !ok {
		return fmt.Errorf("%w: truncated primary tuple at %s", ErrCorrupted, loc)
	}
	if len(pt.Vector) != mr.Dim {
		return fmt.Errorf("%w: primary at %s has dimension %d, index has %d", ErrCorrupted, loc, len(pt.Vector), mr.Dim)
	}
	if !pt.Deleted && pt.HeapRefs[0] == 0 {
		return fmt.Errorf("%w: live primary at %s has no heap reference", ErrCorrupted, loc)
	}

	nbItem, err := itemAt(pt.NeighborLoc)
	if err != nil {
		return fmt.Errorf("%w: primary at %s: neighbor tuple: %v", ErrCorrupted, loc, err)
	}
	nt, ok := decodeNeighborHeader(nbItem)
	if !ok {
		return fmt.Errorf("%w: primary at %s points to a non-neighbor tuple at %s", ErrCorrupted, loc, pt.NeighborLoc)
	}
	if nt.Level != pt.Level {
		return fmt.Errorf("%w: tuple pair at %s has levels %d and %d", ErrCorrupted, loc, pt.Level, nt.Level)
	}
	if nt.Count != neighborSlotCount(nt.Level, mr.M) {
		return fmt.Errorf("%w: neighbor tuple at %s has %d slots, want %d", ErrCorrupted, pt.NeighborLoc, nt.Count, neighborSlotCount(nt.Level, mr.M))
	}

	// Every layer: occupied slots form a prefix and every edge target is
	// a primary tuple.
	for layer := nt.Level; layer >= 0; layer-- {
		start, capacity := layerSlotRange(nt.Level, layer, mr.M)
		empty := false
		for k := start; k < start+capacity; k++ {
			edge := neighborItemSlot(nbItem, k)
			if !edge.IsValid() {
				empty = true
				continue
			}
			if empty {
				return fmt.Errorf("%w: neighbor tuple at %s layer %d has a gap before slot %d", ErrCorrupted, pt.NeighborLoc, layer, k)
			}
			target, err := itemAt(edge)
			if err != nil {
				return fmt.Errorf("%w: edge %s -> %s: %v", ErrCorrupted, loc, edge, err)
			}
			if !isPrimaryItem(target) {
				return fmt.Errorf("%w: edge %s -> %s targets a non-primary tuple", ErrCorrupted, loc, edge)
			}
		}
	}
	return nil
}
