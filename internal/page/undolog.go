package page

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/vecpage/internal/fs"
	"github.com/hupe1980/vecpage/model"
)

const (
	undoMagic      = "VPGUNDO1" // 8 bytes
	undoVersion    = 1          // 4 bytes
	undoHeaderSize = 12

	// Record framing: CRC32 (4) | type (1) | txid (8) | payload len (4).
	undoRecHeaderSize = 17
)

// Undo record types.
const (
	undoRecImage  uint8 = 1 // payload: page id (4) | raw len (4) | zstd image
	undoRecCommit uint8 = 2 // empty payload; marks the transaction complete
)

var (
	ErrInvalidUndoHeader = errors.New("invalid undo log header")
	ErrUndoVersion       = errors.New("incompatible undo log version")
)

// pageImage is one before-image: the full prior contents of a page.
type pageImage struct {
	id  model.PageID
	buf []byte
}

// undoLog stores before-images of pages mutated by in-flight
// transactions. A transaction's images are durable before its pages are
// touched; a commit marker is appended only after the pages themselves
// are flushed. Recovery writes back the images of every transaction that
// has no marker.
type undoLog struct {
	mu   sync.Mutex
	fsys fs.FileSystem
	file fs.File
	path string
	size int64

	enc *zstd.Encoder
	dec *zstd.Decoder
}

func openUndoLog(fsys fs.FileSystem, path string) (*undoLog, error) {
	f, err := fsys.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := stat.Size()

	if size == 0 {
		header := make([]byte, undoHeaderSize)
		copy(header[0:8], undoMagic)
		binary.LittleEndian.PutUint32(header[8:12], undoVersion)
		if _, err := f.WriteAt(header, 0); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
		size = undoHeaderSize
	} else {
		if size < undoHeaderSize {
			f.Close()
			return nil, fmt.Errorf("%w: file too small (%d)", ErrInvalidUndoHeader, size)
		}
		header := make([]byte, undoHeaderSize)
		if _, err := f.ReadAt(header, 0); err != nil {
			f.Close()
			return nil, err
		}
		if string(header[0:8]) != undoMagic {
			f.Close()
			return nil, fmt.Errorf("%w: magic %q", ErrInvalidUndoHeader, header[0:8])
		}
		if v := binary.LittleEndian.Uint32(header[8:12]); v != undoVersion {
			f.Close()
			return nil, fmt.Errorf("%w: version %d", ErrUndoVersion, v)
		}
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		f.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		f.Close()
		return nil, err
	}

	return &undoLog{fsys: fsys, file: f, path: path, size: size, enc: enc, dec: dec}, nil
}

func (l *undoLog) appendRecord(recType uint8, txid uint64, payload []byte) error {
	rec := make([]byte, undoRecHeaderSize+len(payload))
	rec[4] = recType
	binary.LittleEndian.PutUint64(rec[5:13], txid)
	binary.LittleEndian.PutUint32(rec[13:17], uint32(len(payload)))
	copy(rec[17:], payload)
	binary.LittleEndian.PutUint32(rec[0:4], crc32.ChecksumIEEE(rec[4:]))

	if _, err := l.file.WriteAt(rec, l.size); err != nil {
		return err
	}
	l.size += int64(len(rec))
	return nil
}

// appendImages logs the before-images of all pages a transaction is
// about to mutate and makes them durable.
func (l *undoLog) appendImages(txid uint64, images []pageImage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, img := range images {
		payload := make([]byte, 8, 8+len(img.buf)/2)
		binary.LittleEndian.PutUint32(payload[0:4], img.id)
		binary.LittleEndian.PutUint32(payload[4:8], uint32(len(img.buf)))
		payload = l.enc.EncodeAll(img.buf, payload)
		if err := l.appendRecord(undoRecImage, txid, payload); err != nil {
			return err
		}
	}
	return l.file.Sync()
}

// appendCommit marks the transaction complete so recovery will not undo
// it.
func (l *undoLog) appendCommit(txid uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.appendRecord(undoRecCommit, txid, nil); err != nil {
		return err
	}
	return l.file.Sync()
}

// replay undoes every logged transaction without a commit marker by
// writing its before-images back to the page file, then resets the log.
// A torn tail record is treated as the end of the log.
func (l *undoLog) replay(pageFile fs.File) (undone int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	type txState struct {
		images    []pageImage
		committed bool
	}
	txs := make(map[uint64]*txState)
	var order []uint64

	off := int64(undoHeaderSize)
	header := make([]byte, undoRecHeaderSize)
	for off < l.size {
		if _, err := l.file.ReadAt(header, off); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return 0, err
		}
		crc := binary.LittleEndian.Uint32(header[0:4])
		recType := header[4]
		txid := binary.LittleEndian.Uint64(header[5:13])
		plen := int(binary.LittleEndian.Uint32(header[13:17]))

		if off+int64(undoRecHeaderSize+plen) > l.size {
			break // torn write at the tail
		}

		rec := make([]byte, undoRecHeaderSize-4+plen)
		if _, err := l.file.ReadAt(rec, off+4); err != nil {
			break
		}
		if crc32.ChecksumIEEE(rec) != crc {
			break // corruption: everything after this point is unusable
		}

		st := txs[txid]
		if st == nil {
			st = &txState{}
			txs[txid] = st
			order = append(order, txid)
		}

		switch recType {
		case undoRecImage:
			payload := rec[undoRecHeaderSize-4:]
			if len(payload) < 8 {
				return 0, fmt.Errorf("undo log: short image record for tx %d", txid)
			}
			id := binary.LittleEndian.Uint32(payload[0:4])
			rawLen := int(binary.LittleEndian.Uint32(payload[4:8]))
			buf, derr := l.dec.DecodeAll(payload[8:], make([]byte, 0, rawLen))
			if derr != nil {
				return 0, fmt.Errorf("undo log: decompress image of page %d: %w", id, derr)
			}
			if len(buf) != rawLen {
				return 0, fmt.Errorf("undo log: image of page %d has %d bytes, want %d", id, len(buf), rawLen)
			}
			st.images = append(st.images, pageImage{id: id, buf: buf})
		case undoRecCommit:
			st.committed = true
		default:
			return 0, fmt.Errorf("undo log: unknown record type %d", recType)
		}

		off += int64(undoRecHeaderSize + plen)
	}

	// Undo in reverse order of first appearance. Page locks guarantee
	// that unfinished transactions never share a page, but reverse order
	// is cheap and matches the recovery discipline of the original.
	for i := len(order) - 1; i >= 0; i-- {
		st := txs[order[i]]
		if st.committed {
			continue
		}
		for _, img := range st.images {
			pageOff := int64(img.id) * int64(len(img.buf))
			if _, err := pageFile.WriteAt(img.buf, pageOff); err != nil {
				return undone, err
			}
		}
		if len(st.images) > 0 {
			undone++
		}
	}
	if undone > 0 {
		if err := pageFile.Sync(); err != nil {
			return undone, err
		}
	}

	return undone, l.resetLocked()
}

func (l *undoLog) resetLocked() error {
	if err := l.file.Truncate(undoHeaderSize); err != nil {
		return err
	}
	l.size = undoHeaderSize
	return l.file.Sync()
}

// Size returns the current log size in bytes.
func (l *undoLog) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

func (l *undoLog) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enc.Close()
	l.dec.Close()
	return l.file.Close()
}
