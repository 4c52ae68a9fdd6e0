package page

import (
	"os"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// crashTxn applies a mutation the way Commit does — before-images logged
// and synced, pages written and synced — but never writes the commit
// marker, simulating a crash between the page flush and the marker.
func crashTxn(t *testing.T, st *Store, mutate func(p *Page)) {
	t.Helper()

	tx := st.Begin()
	p, err := tx.Register(0)
	require.NoError(t, err)
	before := slices.Clone(p.Bytes())

	mutate(p)

	txid := st.txSeq.Add(1)
	require.NoError(t, st.undo.appendImages(txid, []pageImage{{id: 0, buf: before}}))
	_, err = st.file.WriteAt(p.Bytes(), 0)
	require.NoError(t, err)
	require.NoError(t, st.file.Sync())

	// Release locks without committing; the log now ends without a marker.
	tx.pages = nil
	tx.Abort()
	st.pageLock(0).Unlock()
}

func seedStore(t *testing.T, paths storePaths) {
	t.Helper()
	st := openTestStore(t, paths)
	tx := st.Begin()
	p, err := tx.Append()
	require.NoError(t, err)
	_, err = p.AddItem([]byte("base"))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, st.Close())
}

func TestRecoveryUndoesUnfinishedTxn(t *testing.T) {
	paths := testPaths(t)
	seedStore(t, paths)

	st := openTestStore(t, paths)
	crashTxn(t, st, func(p *Page) {
		_, err := p.AddItem([]byte("torn"))
		require.NoError(t, err)
	})
	require.NoError(t, st.Close())

	// Reopen runs recovery: the unfinished mutation is rolled back.
	st = openTestStore(t, paths)
	defer st.Close()

	p, err := st.ReadPage(0)
	require.NoError(t, err)
	assert.Equal(t, 1, p.SlotCount())
	item, err := p.Item(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("base"), item)

	// Recovery reset the log to its header.
	assert.Equal(t, int64(undoHeaderSize), st.undo.Size())
}

func TestRecoveryKeepsCommittedTxn(t *testing.T) {
	paths := testPaths(t)
	seedStore(t, paths)

	st := openTestStore(t, paths)
	tx := st.Begin()
	p, err := tx.Register(0)
	require.NoError(t, err)
	_, err = p.AddItem([]byte("second"))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, st.Close())

	st = openTestStore(t, paths)
	defer st.Close()

	rp, err := st.ReadPage(0)
	require.NoError(t, err)
	assert.Equal(t, 2, rp.SlotCount())
}

func TestRecoveryToleratesTornTail(t *testing.T) {
	paths := testPaths(t)
	seedStore(t, paths)

	st := openTestStore(t, paths)
	crashTxn(t, st, func(p *Page) {
		_, err := p.AddItem([]byte("torn"))
		require.NoError(t, err)
	})
	require.NoError(t, st.Close())

	// A partial record at the tail, as left by a crash mid-append.
	f, err := os.OpenFile(paths.undo, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xDE, 0xAD, 0xBE})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	st = openTestStore(t, paths)
	defer st.Close()

	p, err := st.ReadPage(0)
	require.NoError(t, err)
	assert.Equal(t, 1, p.SlotCount())
}

func TestRecoveryIgnoresCorruptRecords(t *testing.T) {
	paths := testPaths(t)
	seedStore(t, paths)

	st := openTestStore(t, paths)
	crashTxn(t, st, func(p *Page) {
		_, err := p.AddItem([]byte("torn"))
		require.NoError(t, err)
	})
	require.NoError(t, st.Close())

	// Flip a byte inside the logged record; the CRC check must stop the
	// scan there, and with the record unusable nothing is undone.
	data, err := os.ReadFile(paths.undo)
	require.NoError(t, err)
	data[undoHeaderSize+undoRecHeaderSize+2] ^= 0xFF
	require.NoError(t, os.WriteFile(paths.undo, data, 0o644))

	_, err = Open(nil, paths.data, paths.undo, Options{PageSize: 512})
	require.NoError(t, err)
}

func TestCheckpointResetsLog(t *testing.T) {
	paths := testPaths(t)

	st, err := Open(nil, paths.data, paths.undo, Options{PageSize: 512, CheckpointBytes: 1})
	require.NoError(t, err)
	defer st.Close()

	tx := st.Begin()
	p, err := tx.Append()
	require.NoError(t, err)
	_, err = p.AddItem([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	// The commit pushed the log past the limit; with no transaction in
	// flight it was reset immediately.
	assert.Equal(t, int64(undoHeaderSize), st.undo.Size())
}
