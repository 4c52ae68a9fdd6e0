package page

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/vecpage/internal/fs"
	"github.com/hupe1980/vecpage/model"
)

var (
	// ErrInvalidPageID is returned for references past the end of the file.
	ErrInvalidPageID = errors.New("page: invalid page id")

	// ErrClosed is returned after the store has been closed.
	ErrClosed = os.ErrClosed
)

// Options configures a Store.
type Options struct {
	// PageSize is the fixed page size in bytes.
	PageSize int

	// CheckpointBytes is the undo log size above which the log is reset
	// once no transactions are in flight. Zero uses a default.
	CheckpointBytes int64

	// Logger receives recovery and checkpoint events. Nil disables.
	Logger *slog.Logger
}

// DefaultOptions returns the default store options.
func DefaultOptions() Options {
	return Options{
		PageSize:        DefaultPageSize,
		CheckpointBytes: 16 << 20,
	}
}

// Store manages a file of fixed-size pages with per-page reader/writer
// locks, grouped atomic multi-page commits, and before-image crash
// recovery. Pages form chains through their next pointers; chain growth
// is serialized by a store-wide extension lock.
type Store struct {
	fsys     fs.FileSystem
	file     fs.File
	path     string
	pageSize int
	logger   *slog.Logger

	mu     sync.Mutex // guards locks map and npages
	locks  map[model.PageID]*sync.RWMutex
	npages uint32

	extendMu sync.Mutex

	undo      *undoLog
	ckptBytes int64
	txSeq     atomic.Uint64
	activeTx  atomic.Int64

	closed atomic.Bool
}

// Open opens or creates the page file at dataPath with its undo log at
// undoPath, running crash recovery before the store becomes usable.
func Open(fsys fs.FileSystem, dataPath, undoPath string, opts Options) (*Store, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	if opts.PageSize == 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.PageSize < 256 || opts.PageSize > MaxPageSize {
		return nil, fmt.Errorf("page: size %d out of range [256, %d]", opts.PageSize, MaxPageSize)
	}
	if opts.CheckpointBytes <= 0 {
		opts.CheckpointBytes = 16 << 20
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	f, err := fsys.OpenFile(dataPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	undo, err := openUndoLog(fsys, undoPath)
	if err != nil {
		f.Close()
		return nil, err
	}

	undone, err := undo.replay(f)
	if err != nil {
		undo.close()
		f.Close()
		return nil, fmt.Errorf("page: recovery: %w", err)
	}
	if undone > 0 {
		opts.Logger.Info("recovered unfinished transactions", "count", undone, "path", dataPath)
	}

	stat, err := f.Stat()
	if err != nil {
		undo.close()
		f.Close()
		return nil, err
	}
	if stat.Size()%int64(opts.PageSize) != 0 {
		undo.close()
		f.Close()
		return nil, fmt.Errorf("page: file size %d is not a multiple of page size %d", stat.Size(), opts.PageSize)
	}

	return &Store{
		fsys:      fsys,
		file:      f,
		path:      dataPath,
		pageSize:  opts.PageSize,
		logger:    opts.Logger,
		locks:     make(map[model.PageID]*sync.RWMutex),
		npages:    uint32(stat.Size() / int64(opts.PageSize)),
		undo:      undo,
		ckptBytes: opts.CheckpointBytes,
	}, nil
}

// PageSize returns the fixed page size in bytes.
func (s *Store) PageSize() int { return s.pageSize }

// Path returns the page file path.
func (s *Store) Path() string { return s.path }

// NumPages returns the number of allocated pages.
func (s *Store) NumPages() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.npages
}

func (s *Store) pageLock(id model.PageID) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Store) readInto(id model.PageID, buf []byte) error {
	if _, err := s.file.ReadAt(buf, int64(id)*int64(s.pageSize)); err != nil {
		return fmt.Errorf("page: read page %d: %w", id, err)
	}
	return nil
}

// ReadPage returns a consistent snapshot of the page taken under a
// shared lock. The snapshot may be stale by the time the caller inspects
// it; callers revalidate anything they act on.
func (s *Store) ReadPage(id model.PageID) (*Page, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if id >= s.NumPages() {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidPageID, id, s.NumPages())
	}

	l := s.pageLock(id)
	l.RLock()
	defer l.RUnlock()

	buf := make([]byte, s.pageSize)
	if err := s.readInto(id, buf); err != nil {
		return nil, err
	}
	return NewPage(id, buf), nil
}

// Begin starts a transaction. Every transaction must end in Commit or
// Abort; page locks are held in between.
func (s *Store) Begin() *Txn {
	s.activeTx.Add(1)
	return &Txn{st: s}
}

// maybeCheckpoint resets the undo log when it has grown past the
// configured limit and no transaction is in flight. Holding the log
// mutex while checking makes the reset safe against racing appends: any
// transaction that incremented activeTx but has not yet appended will
// land in the fresh log.
func (s *Store) maybeCheckpoint() {
	s.undo.mu.Lock()
	defer s.undo.mu.Unlock()
	if s.activeTx.Load() != 0 || s.undo.size <= s.ckptBytes {
		return
	}
	if err := s.undo.resetLocked(); err != nil {
		s.logger.Warn("undo log checkpoint failed", "error", err)
		return
	}
	s.logger.Debug("undo log checkpointed")
}

// Sync flushes the page file.
func (s *Store) Sync() error {
	return s.file.Sync()
}

// Close flushes and closes the store. In-flight transactions must be
// finished first.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}
	if err := s.file.Sync(); err != nil {
		s.undo.close()
		s.file.Close()
		return err
	}
	if err := s.undo.close(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}
