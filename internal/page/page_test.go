package page

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecpage/model"
)

func newEmptyPage(t *testing.T, size int) *Page {
	t.Helper()
	p := NewPage(1, make([]byte, size))
	p.Init()
	return p
}

func TestPageInit(t *testing.T) {
	p := newEmptyPage(t, 512)

	assert.Equal(t, model.InvalidPage, p.Next())
	assert.Equal(t, 0, p.SlotCount())
	assert.Equal(t, 512-headerSize-slotEntrySize, p.FreeSpace())
	require.NoError(t, p.CheckAccounting())
}

func TestPageNextLink(t *testing.T) {
	p := newEmptyPage(t, 512)
	p.SetNext(42)
	assert.Equal(t, model.PageID(42), p.Next())
}

func TestAddItemAndRead(t *testing.T) {
	p := newEmptyPage(t, 512)

	a := bytes.Repeat([]byte{0xAA}, 100)
	b := bytes.Repeat([]byte{0xBB}, 50)

	slotA, err := p.AddItem(a)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), slotA)
	slotB, err := p.AddItem(b)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), slotB)

	gotA, err := p.Item(0)
	require.NoError(t, err)
	assert.Equal(t, a, gotA)
	gotB, err := p.Item(1)
	require.NoError(t, err)
	assert.Equal(t, b, gotB)

	assert.Equal(t, 100, p.ItemLength(0))
	assert.Equal(t, 50, p.ItemLength(1))
	require.NoError(t, p.CheckAccounting())
}

func TestAddItemFull(t *testing.T) {
	p := newEmptyPage(t, 256)

	_, err := p.AddItem(make([]byte, p.FreeSpace()))
	require.NoError(t, err)
	_, err = p.AddItem([]byte{1})
	require.ErrorIs(t, err, ErrPageFull)
}

func TestAddItemTooLarge(t *testing.T) {
	p := newEmptyPage(t, 256)

	_, err := p.AddItem(nil)
	require.ErrorIs(t, err, ErrItemTooLarge)
	_, err = p.AddItem(make([]byte, 256))
	require.ErrorIs(t, err, ErrItemTooLarge)
}

func TestItemInvalidSlot(t *testing.T) {
	p := newEmptyPage(t, 256)

	_, err := p.Item(0)
	require.ErrorIs(t, err, ErrInvalidSlot)
	_, err = p.Item(-1)
	require.ErrorIs(t, err, ErrInvalidSlot)
}

func TestItemAliasesBuffer(t *testing.T) {
	p := newEmptyPage(t, 256)

	_, err := p.AddItem([]byte{1, 2, 3})
	require.NoError(t, err)

	item, err := p.Item(0)
	require.NoError(t, err)
	item[1] = 9

	again, err := p.Item(0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 9, 3}, again)
}

func TestOverwriteItemSameSize(t *testing.T) {
	p := newEmptyPage(t, 512)

	_, err := p.AddItem(bytes.Repeat([]byte{1}, 40))
	require.NoError(t, err)
	_, err = p.AddItem(bytes.Repeat([]byte{2}, 40))
	require.NoError(t, err)
	free := p.FreeSpace()

	repl := bytes.Repeat([]byte{9}, 40)
	require.NoError(t, p.OverwriteItem(0, repl))

	got, err := p.Item(0)
	require.NoError(t, err)
	assert.Equal(t, repl, got)

	// The untouched neighbor survives the compaction.
	other, err := p.Item(1)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{2}, 40), other)

	assert.Equal(t, free, p.FreeSpace())
	require.NoError(t, p.CheckAccounting())
}

func TestOverwriteItemDifferentSize(t *testing.T) {
	p := newEmptyPage(t, 512)

	_, err := p.AddItem(bytes.Repeat([]byte{1}, 60))
	require.NoError(t, err)
	_, err = p.AddItem(bytes.Repeat([]byte{2}, 30))
	require.NoError(t, err)
	free := p.FreeSpace()

	// Shrinking frees the difference.
	require.NoError(t, p.OverwriteItem(0, bytes.Repeat([]byte{7}, 20)))
	assert.Equal(t, free+40, p.FreeSpace())

	// Growing consumes it again.
	require.NoError(t, p.OverwriteItem(0, bytes.Repeat([]byte{8}, 50)))
	assert.Equal(t, free+10, p.FreeSpace())

	got, err := p.Item(0)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{8}, 50), got)
	got, err = p.Item(1)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{2}, 30), got)
	require.NoError(t, p.CheckAccounting())
}

func TestOverwriteItemTooBig(t *testing.T) {
	p := newEmptyPage(t, 256)

	_, err := p.AddItem(bytes.Repeat([]byte{1}, 10))
	require.NoError(t, err)
	err = p.OverwriteItem(0, make([]byte, 500))
	require.ErrorIs(t, err, ErrPageFull)
}

func TestFreeSpaceWithItem(t *testing.T) {
	p := newEmptyPage(t, 512)

	_, err := p.AddItem(bytes.Repeat([]byte{1}, 80))
	require.NoError(t, err)

	assert.Equal(t, p.FreeSpace()+80, p.FreeSpaceWithItem(0))
	assert.Equal(t, 0, p.FreeSpaceWithItem(5))
}
