package hnsw

import (
	"fmt"

	"github.com/hupe1980/vecpage/internal/page"
	"github.com/hupe1980/vecpage/model"
)

// place finds or allocates storage for the element's primary and
// neighbor tuples and commits them in one transaction. It walks the page
// chain from the insert cursor, trying at each page, in order:
//
//  1. room for both tuples on this page;
//  2. room for the primary alone, page is the chain tail: append a page
//     for the neighbor tuple;
//  3. a deleted primary slot whose recorded neighbor location has room
//     for the new neighbor tuple: reuse both slots;
//  4. advance; at the chain end, append one or two pages.
//
// On success el.Loc and el.NeighborLoc are set and the insert cursor is
// advanced when that amortizes future scans.
func (e *Engine) place(el *Element) error {
	etupSize := primaryTupleSize(e.cfg.Dim, e.cfg.HeapRefCap)
	ntupSize := neighborTupleSize(el.Level, e.cfg.M)
	combined := etupSize + ntupSize + page.SlotEntrySize

	mr, err := e.readMeta()
	if err != nil {
		return err
	}
	insertPage := mr.InsertPage
	original := insertPage

	// Start at a hinted page with deleted slots if it precedes the
	// cursor; the cursor may have moved past reusable space.
	if hp, ok := e.hints.Min(); ok && hp > metaPageID && hp < insertPage && hp < e.st.NumPages() {
		insertPage = hp
	}

	var (
		tx            *page.Txn
		p, np         *page.Page
		freeSlot      = -1
		freeNbSlot    = -1
		firstFreePage = model.InvalidPage
	)

scan:
	for {
		tx = e.st.Begin()
		p, err = tx.Register(insertPage)
		if err != nil {
			tx.Abort()
			return err
		}

		// Space for both.
		if p.FreeSpace() >= combined {
			np = p
			break
		}

		// Space for the primary but not the neighbors, and last page.
		if p.FreeSpace() >= etupSize && p.Next() == model.InvalidPage {
			np, err = tx.Append()
			if err != nil {
				tx.Abort()
				return err
			}
			p.SetNext(np.ID())
			e.stats.PagesAdded.Add(1)
			break
		}

		// Space from a deleted element.
		if e.findReusableSlot(tx, p, ntupSize, &np, &freeSlot, &freeNbSlot, &firstFreePage) {
			break
		}

		next := p.Next()
		if next != model.InvalidPage {
			tx.Abort()
			insertPage = next
			continue scan
		}

		// Chain exhausted: link a fresh page, commit the link, and
		// restart the evaluation there (a fresh page always has room for
		// the combined pair, checked at engine construction).
		fresh, err := tx.Append()
		if err != nil {
			tx.Abort()
			return err
		}
		p.SetNext(fresh.ID())
		freshID := fresh.ID()
		if err := tx.Commit(); err != nil {
			return err
		}
		e.stats.PagesAdded.Add(1)
		insertPage = freshID
	}

	el.Loc = model.Location{Page: p.ID()}
	el.NeighborLoc = model.Location{Page: np.ID()}

	reused := freeSlot >= 0
	if reused {
		el.Loc.Slot = uint16(freeSlot)
		el.NeighborLoc.Slot = uint16(freeNbSlot)
	} else {
		el.Loc.Slot = uint16(p.SlotCount())
		if np == p {
			el.NeighborLoc.Slot = el.Loc.Slot + 1
		} else {
			el.NeighborLoc.Slot = uint16(np.SlotCount())
		}
	}

	etup := make([]byte, etupSize)
	pt := primaryTuple{
		Level:       el.Level,
		NeighborLoc: el.NeighborLoc,
		HeapRefs:    el.HeapRefs,
		Vector:      el.Vector,
	}
	pt.encode(etup)

	ntup := make([]byte, ntupSize)
	encodeNeighbor(ntup, el.Level, e.cfg.M)
	for lc := el.Level; lc >= 0; lc-- {
		if lc >= len(el.Neighbors) {
			continue
		}
		start, capacity := layerSlotRange(el.Level, lc, e.cfg.M)
		cands := el.Neighbors[lc]
		if len(cands) > capacity {
			cands = cands[:capacity]
		}
		for i, c := range cands {
			setNeighborItemSlot(ntup, start+i, c.Loc)
		}
	}

	if reused {
		if err := p.OverwriteItem(freeSlot, etup); err != nil {
			tx.Abort()
			return fmt.Errorf("%w: primary overwrite on page %d: %v", ErrCorrupted, p.ID(), err)
		}
		if err := np.OverwriteItem(freeNbSlot, ntup); err != nil {
			tx.Abort()
			return fmt.Errorf("%w: neighbor overwrite on page %d: %v", ErrCorrupted, np.ID(), err)
		}
	} else {
		slot, err := p.AddItem(etup)
		if err != nil || slot != el.Loc.Slot {
			tx.Abort()
			return fmt.Errorf("%w: primary add on page %d: %v", ErrCorrupted, p.ID(), err)
		}
		nslot, err := np.AddItem(ntup)
		if err != nil || nslot != el.NeighborLoc.Slot {
			tx.Abort()
			return fmt.Errorf("%w: neighbor add on page %d: %v", ErrCorrupted, np.ID(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if reused {
		e.stats.SlotsReused.Add(1)
	}

	// The neighbor page becomes the new cursor unless a reused slot was
	// found on an earlier page than the one we ended on.
	finalPage := np.ID()
	if finalPage != original && (!reused || firstFreePage == finalPage) {
		if err := e.updateMeta(func(mr *metaRecord) {
			mr.InsertPage = finalPage
		}); err != nil {
			return err
		}
	}
	return nil
}

// findReusableSlot scans p for a deleted primary slot whose neighbor
// tuple's page can absorb the new neighbor tuple. The neighbor page is
// acquired non-blocking: contention means the slot is simply not reused
// this time. Records the first freed page seen for the cursor rule, and
// drops the page's reuse hint when nothing deleted remains.
func (e *Engine) findReusableSlot(tx *page.Txn, p *page.Page, ntupSize int, np **page.Page, freeSlot, freeNbSlot *int, firstFreePage *model.PageID) bool {
	foundDeleted := false
	for slot := 0; slot < p.SlotCount(); slot++ {
		item, err := p.Item(slot)
		if err != nil || !isPrimaryItem(item) || !primaryItemDeleted(item) {
			continue
		}
		foundDeleted = true

		nbLoc := primaryItemNeighborLoc(item)
		if *firstFreePage == model.InvalidPage {
			*firstFreePage = nbLoc.Page
		}

		var cand *page.Page
		if nbLoc.Page == p.ID() {
			cand = p
		} else {
			c, ok, err := tx.TryRegister(nbLoc.Page)
			if err != nil || !ok {
				continue
			}
			cand = c
		}

		if cand.FreeSpaceWithItem(int(nbLoc.Slot)) >= ntupSize {
			*np = cand
			*freeSlot = slot
			*freeNbSlot = int(nbLoc.Slot)
			return true
		}
		if cand != p {
			tx.Release(cand)
		}
	}

	if !foundDeleted {
		e.hints.Remove(p.ID())
	}
	return false
}
