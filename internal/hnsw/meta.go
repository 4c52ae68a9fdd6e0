package hnsw

import (
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/vecpage/model"
)

// The meta record lives in slot 0 of page 0 and holds the index-wide
// configuration, the global entry point, and the insert cursor.
//
// Layout:
//
//	0..4   magic
//	4..6   version (2)
//	6..8   dimension (2)
//	8..10  m (2)
//	10..12 heap ref capacity (2)
//	12..18 entry point location (6)
//	18..20 entry point level (2, signed; -1 when unset)
//	20..24 insert cursor page (4)
const (
	metaMagic   = 0x56504731 // "VPG1"
	metaVersion = 1
	metaSize    = 24
)

const metaPageID model.PageID = 0

type metaRecord struct {
	Dim        int
	M          int
	HeapRefCap int
	Entry      model.Location
	EntryLevel int
	InsertPage model.PageID
}

// HasEntry reports whether an entry point has been set.
func (mr *metaRecord) HasEntry() bool {
	return mr.Entry.IsValid()
}

func (mr *metaRecord) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], metaMagic)
	binary.LittleEndian.PutUint16(buf[4:6], metaVersion)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(mr.Dim))
	binary.LittleEndian.PutUint16(buf[8:10], uint16(mr.M))
	binary.LittleEndian.PutUint16(buf[10:12], uint16(mr.HeapRefCap))
	encodeLocation(buf[12:18], mr.Entry)
	binary.LittleEndian.PutUint16(buf[18:20], uint16(int16(mr.EntryLevel)))
	binary.LittleEndian.PutUint32(buf[20:24], mr.InsertPage)
}

func decodeMeta(buf []byte) (*metaRecord, error) {
	if len(buf) != metaSize {
		return nil, fmt.Errorf("%w: meta record has %d bytes, want %d", ErrCorrupted, len(buf), metaSize)
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != metaMagic {
		return nil, fmt.Errorf("%w: bad meta magic", ErrCorrupted)
	}
	if v := binary.LittleEndian.Uint16(buf[4:6]); v != metaVersion {
		return nil, fmt.Errorf("%w: unsupported meta version %d", ErrCorrupted, v)
	}
	return &metaRecord{
		Dim:        int(binary.LittleEndian.Uint16(buf[6:8])),
		M:          int(binary.LittleEndian.Uint16(buf[8:10])),
		HeapRefCap: int(binary.LittleEndian.Uint16(buf[10:12])),
		Entry:      decodeLocation(buf[12:18]),
		EntryLevel: int(int16(binary.LittleEndian.Uint16(buf[18:20]))),
		InsertPage: binary.LittleEndian.Uint32(buf[20:24]),
	}, nil
}

// readMeta fetches a consistent snapshot of the meta record under the
// meta page's shared lock.
func (e *Engine) readMeta() (*metaRecord, error) {
	p, err := e.st.ReadPage(metaPageID)
	if err != nil {
		return nil, err
	}
	item, err := p.Item(0)
	if err != nil {
		return nil, fmt.Errorf("%w: missing meta record: %v", ErrCorrupted, err)
	}
	return decodeMeta(item)
}

// updateMeta applies fn to the current meta record in a single-page
// transaction on page 0.
func (e *Engine) updateMeta(fn func(mr *metaRecord)) error {
	tx := e.st.Begin()
	p, err := tx.Register(metaPageID)
	if err != nil {
		tx.Abort()
		return err
	}
	item, err := p.Item(0)
	if err != nil {
		tx.Abort()
		return fmt.Errorf("%w: missing meta record: %v", ErrCorrupted, err)
	}
	mr, err := decodeMeta(item)
	if err != nil {
		tx.Abort()
		return err
	}

	fn(mr)

	mr.encode(item) // same size, in place
	return tx.Commit()
}
