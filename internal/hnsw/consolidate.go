package hnsw

import (
	"encoding/binary"

	"github.com/hupe1980/vecpage/model"
)

// tryAppendHeapRef adds ref to the heap-reference array of the element at
// loc. It returns false when the element vanished, was deleted, or its
// array is full; the caller then inserts a fresh graph node instead.
func (e *Engine) tryAppendHeapRef(loc model.Location, ref model.HeapRef) (bool, error) {
	tx := e.st.Begin()
	p, err := tx.Register(loc.Page)
	if err != nil {
		tx.Abort()
		return false, err
	}
	item, err := p.Item(int(loc.Slot))
	if err != nil || !isPrimaryItem(item) || primaryItemDeleted(item) {
		tx.Abort()
		return false, nil
	}

	// First empty slot in the reference array. Slot 0 empty means the
	// element was deleted concurrently.
	idx := -1
	for i := 0; i < e.cfg.HeapRefCap; i++ {
		off := primaryOffRefs + i*8
		if binary.LittleEndian.Uint64(item[off:off+8]) == 0 {
			idx = i
			break
		}
	}
	if idx <= 0 {
		tx.Abort()
		return false, nil
	}

	off := primaryOffRefs + idx*8
	binary.LittleEndian.PutUint64(item[off:off+8], uint64(ref))
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}
