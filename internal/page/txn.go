package page

import (
	"fmt"
	"slices"

	"github.com/hupe1980/vecpage/model"
)

// Txn is a short-lived transaction over one or more pages. Registered
// pages are exclusively locked, mutated on private copies, and written
// back atomically on Commit: before-images first, then the pages, then
// the commit marker. Abort discards all edits without side effects.
//
// Transactions are deliberately small — one per placement, one per edge
// update — and never span a whole logical insert.
type Txn struct {
	st    *Store
	pages []*txPage
	done  bool
}

type txPage struct {
	page   *Page
	before []byte
}

func (t *Txn) find(id model.PageID) *txPage {
	for _, tp := range t.pages {
		if tp.page.id == id {
			return tp
		}
	}
	return nil
}

// Register exclusively locks the page and returns a private copy for
// mutation. Registering the same page twice returns the same copy.
func (t *Txn) Register(id model.PageID) (*Page, error) {
	if tp := t.find(id); tp != nil {
		return tp.page, nil
	}
	if id >= t.st.NumPages() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPageID, id)
	}

	l := t.st.pageLock(id)
	l.Lock()

	return t.addLocked(id)
}

// TryRegister is the non-blocking variant of Register. It is used when a
// transaction already holds one page and wants a second (deleted-slot
// reuse): skipping a contended page instead of blocking keeps concurrent
// placements deadlock-free.
func (t *Txn) TryRegister(id model.PageID) (*Page, bool, error) {
	if tp := t.find(id); tp != nil {
		return tp.page, true, nil
	}
	if id >= t.st.NumPages() {
		return nil, false, fmt.Errorf("%w: %d", ErrInvalidPageID, id)
	}

	l := t.st.pageLock(id)
	if !l.TryLock() {
		return nil, false, nil
	}

	p, err := t.addLocked(id)
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func (t *Txn) addLocked(id model.PageID) (*Page, error) {
	buf := make([]byte, t.st.pageSize)
	if err := t.st.readInto(id, buf); err != nil {
		t.st.pageLock(id).Unlock()
		return nil, err
	}
	tp := &txPage{
		page:   NewPage(id, buf),
		before: slices.Clone(buf),
	}
	t.pages = append(t.pages, tp)
	return tp.page, nil
}

// Release drops an unmodified registered page from the transaction and
// unlocks it. The caller must not have mutated the page.
func (t *Txn) Release(p *Page) {
	for i, tp := range t.pages {
		if tp.page == p {
			t.pages = append(t.pages[:i], t.pages[i+1:]...)
			t.st.pageLock(p.id).Unlock()
			return
		}
	}
}

// Append extends the page file by one zero page under the store-wide
// extension lock, then registers the initialized page in this
// transaction. The zero page is the before-image: recovery of an
// unfinished transaction leaves an orphaned empty page that is never
// linked into any chain.
func (t *Txn) Append() (*Page, error) {
	st := t.st

	st.extendMu.Lock()
	st.mu.Lock()
	id := st.npages
	st.mu.Unlock()

	zero := make([]byte, st.pageSize)
	if _, err := st.file.WriteAt(zero, int64(id)*int64(st.pageSize)); err != nil {
		st.extendMu.Unlock()
		return nil, fmt.Errorf("page: extend to page %d: %w", id, err)
	}

	st.mu.Lock()
	st.npages = id + 1
	st.mu.Unlock()
	st.extendMu.Unlock()

	l := st.pageLock(id)
	l.Lock()

	p := NewPage(id, make([]byte, st.pageSize))
	p.Init()
	t.pages = append(t.pages, &txPage{page: p, before: zero})
	return p, nil
}

// Commit durably applies all registered pages: before-images are logged
// and synced, the pages are written and synced, and finally the commit
// marker is synced. A crash at any point is undone (no marker) or
// already complete (marker present).
func (t *Txn) Commit() error {
	if t.done {
		return nil
	}
	if len(t.pages) == 0 {
		t.finish()
		return nil
	}

	st := t.st
	txid := st.txSeq.Add(1)

	images := make([]pageImage, len(t.pages))
	for i, tp := range t.pages {
		images[i] = pageImage{id: tp.page.id, buf: tp.before}
	}
	if err := st.undo.appendImages(txid, images); err != nil {
		t.finish()
		return fmt.Errorf("page: log before-images: %w", err)
	}

	for _, tp := range t.pages {
		if _, err := st.file.WriteAt(tp.page.buf, int64(tp.page.id)*int64(st.pageSize)); err != nil {
			// The before-images are durable, so a failed apply is
			// recoverable on the next open; surface it as fatal.
			t.finish()
			return fmt.Errorf("page: apply page %d: %w", tp.page.id, err)
		}
	}
	if err := st.file.Sync(); err != nil {
		t.finish()
		return fmt.Errorf("page: flush pages: %w", err)
	}

	if err := st.undo.appendCommit(txid); err != nil {
		t.finish()
		return fmt.Errorf("page: log commit marker: %w", err)
	}

	t.finish()
	st.maybeCheckpoint()
	return nil
}

// Abort releases all locks and discards every edit.
func (t *Txn) Abort() {
	if t.done {
		return
	}
	t.finish()
}

func (t *Txn) finish() {
	for _, tp := range t.pages {
		t.st.pageLock(tp.page.id).Unlock()
	}
	t.pages = nil
	t.done = true
	t.st.activeTx.Add(-1)
}
