package hnsw

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/vecpage/model"
)

// freePageHints is an in-memory bitmap of pages known to contain deleted
// primary slots. It only accelerates the placer's scan — the insert
// cursor may have moved past freed pages — and is never required for
// correctness: a stale or missing hint just means a longer chain walk.
type freePageHints struct {
	mu sync.Mutex
	bm *roaring.Bitmap
}

func newFreePageHints() *freePageHints {
	return &freePageHints{bm: roaring.New()}
}

// Add records a page holding at least one deleted primary slot.
func (h *freePageHints) Add(id model.PageID) {
	h.mu.Lock()
	h.bm.Add(id)
	h.mu.Unlock()
}

// Remove forgets a page, typically after a scan found nothing reusable
// on it.
func (h *freePageHints) Remove(id model.PageID) {
	h.mu.Lock()
	h.bm.Remove(id)
	h.mu.Unlock()
}

// Min returns the lowest hinted page.
func (h *freePageHints) Min() (model.PageID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bm.IsEmpty() {
		return 0, false
	}
	return h.bm.Minimum(), true
}
