package hnsw

import (
	"context"
	"fmt"

	"github.com/hupe1980/vecpage/distance"
	"github.com/hupe1980/vecpage/model"
)

// InsertStatus reports what an Insert call did with the vector.
type InsertStatus int

const (
	// InsertSkipped means the vector was not indexable (nil, or zero norm
	// under a normalizing metric) and nothing was written.
	InsertSkipped InsertStatus = iota
	// InsertCreated means a new graph node was written.
	InsertCreated
	// InsertMerged means the vector matched an existing element exactly
	// and the heap reference was appended to it.
	InsertMerged
)

func (s InsertStatus) String() string {
	switch s {
	case InsertSkipped:
		return "skipped"
	case InsertCreated:
		return "created"
	case InsertMerged:
		return "merged"
	default:
		return fmt.Sprintf("InsertStatus(%d)", int(s))
	}
}

// Insert adds one vector under the given heap reference. Exact duplicates
// of an existing element are consolidated into its reference array when
// there is room; everything else becomes a new graph node.
func (e *Engine) Insert(ctx context.Context, vec []float32, ref model.HeapRef) (InsertStatus, model.Location, error) {
	if len(vec) == 0 {
		e.stats.Skipped.Add(1)
		return InsertSkipped, model.InvalidLocation, nil
	}
	if len(vec) != e.cfg.Dim {
		return InsertSkipped, model.InvalidLocation,
			fmt.Errorf("%w: got %d, index has %d", ErrDimensionMismatch, len(vec), e.cfg.Dim)
	}
	if ref == 0 {
		return InsertSkipped, model.InvalidLocation,
			fmt.Errorf("hnsw: heap reference must be non-zero")
	}

	if e.cfg.Normalize {
		nv, ok := distance.NormalizeL2Copy(vec)
		if !ok {
			e.stats.Skipped.Add(1)
			return InsertSkipped, model.InvalidLocation, nil
		}
		vec = nv
	}

	el := &Element{
		Level:    e.randomLevel(),
		Vector:   vec,
		HeapRefs: make([]model.HeapRef, e.cfg.HeapRefCap),
	}
	el.HeapRefs[0] = ref

	mr, err := e.readMeta()
	if err != nil {
		return InsertSkipped, model.InvalidLocation, err
	}
	entry, entryLevel := mr.Entry, mr.EntryLevel

	if entry.IsValid() {
		el.Neighbors, err = e.cfg.Searcher.Search(ctx, e, vec, el.Level, entry, entryLevel)
		if err != nil {
			return InsertSkipped, model.InvalidLocation, err
		}
		if len(el.Neighbors) > 0 {
			if dup, found := e.findDuplicate(el.Neighbors[0], vec); found {
				merged, err := e.tryAppendHeapRef(dup, ref)
				if err != nil {
					return InsertSkipped, model.InvalidLocation, err
				}
				if merged {
					e.stats.Merged.Add(1)
					return InsertMerged, dup, nil
				}
			}
		}
	} else {
		el.Neighbors = make([][]model.Candidate, el.Level+1)
	}

	if err := e.place(el); err != nil {
		return InsertSkipped, model.InvalidLocation, err
	}
	if err := e.updateNeighbors(ctx, el); err != nil {
		return InsertSkipped, el.Loc, err
	}
	if err := e.maybePromote(ctx, el, entry, entryLevel); err != nil {
		return InsertSkipped, el.Loc, err
	}

	e.stats.Inserted.Add(1)
	return InsertCreated, el.Loc, nil
}

// maybePromote installs el as the global entry point when it outranks the
// one the search started from. If another inserter won the race to create
// the first entry point, the element is linked into the graph that now
// exists instead of being promoted blindly.
func (e *Engine) maybePromote(ctx context.Context, el *Element, entry model.Location, entryLevel int) error {
	if entry.IsValid() && el.Level <= entryLevel {
		return nil
	}

	mr, err := e.readMeta()
	if err != nil {
		return err
	}

	if !entry.IsValid() && mr.Entry.IsValid() {
		// Lost the empty-index race: search against the winner's graph
		// and add the links the blind placement could not know about.
		neighbors, err := e.cfg.Searcher.Search(ctx, e, el.Vector, el.Level, mr.Entry, mr.EntryLevel)
		if err != nil {
			return err
		}
		el.Neighbors = neighbors
		if err := e.writeForwardEdges(el); err != nil {
			return err
		}
		if err := e.updateNeighbors(ctx, el); err != nil {
			return err
		}
		if el.Level <= mr.EntryLevel {
			return nil
		}
	}

	if mr.Entry.IsValid() && el.Level <= mr.EntryLevel {
		return nil
	}

	if err := e.updateMeta(func(mr *metaRecord) {
		if mr.Entry.IsValid() && el.Level <= mr.EntryLevel {
			return
		}
		mr.Entry = el.Loc
		mr.EntryLevel = el.Level
	}); err != nil {
		return err
	}
	e.stats.Promotions.Add(1)
	return nil
}

// writeForwardEdges rewrites the element's own adjacency slots from
// el.Neighbors. Used on the re-link path, where the neighbor tuple was
// committed empty.
func (e *Engine) writeForwardEdges(el *Element) error {
	tx := e.st.Begin()
	np, err := tx.Register(el.NeighborLoc.Page)
	if err != nil {
		tx.Abort()
		return err
	}
	item, err := np.Item(int(el.NeighborLoc.Slot))
	if err != nil {
		tx.Abort()
		return err
	}
	nt, ok := decodeNeighborHeader(item)
	if !ok || nt.Level != el.Level {
		tx.Abort()
		return fmt.Errorf("%w: neighbor tuple at %s changed shape", ErrCorrupted, el.NeighborLoc)
	}

	for lc := el.Level; lc >= 0; lc-- {
		var cands []model.Candidate
		if lc < len(el.Neighbors) {
			cands = el.Neighbors[lc]
		}
		start, capacity := layerSlotRange(el.Level, lc, e.cfg.M)
		if len(cands) > capacity {
			cands = cands[:capacity]
		}
		for i := 0; i < capacity; i++ {
			loc := model.InvalidLocation
			if i < len(cands) {
				loc = cands[i].Loc
			}
			setNeighborItemSlot(item, start+i, loc)
		}
	}
	return tx.Commit()
}
