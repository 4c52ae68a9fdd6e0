package hnsw

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/hupe1980/vecpage/distance"
	"github.com/hupe1980/vecpage/internal/page"
	"github.com/hupe1980/vecpage/model"
)

const (
	// DefaultM is the default maximum fan-out per layer (layer 0 holds 2m).
	DefaultM = 16

	// DefaultEfConstruction is the default search breadth during insert.
	DefaultEfConstruction = 64

	// DefaultHeapRefCap is the default heap-reference capacity of an
	// element: how many exact-duplicate rows one graph node can absorb.
	DefaultHeapRefCap = 10
)

// Config holds the index-wide parameters of an Engine.
type Config struct {
	Dim            int
	M              int
	EfConstruction int
	HeapRefCap     int
	Normalize      bool
	Dist           distance.Func

	// RandomSeed makes level assignment deterministic when non-zero.
	RandomSeed int64

	Searcher GraphSearcher
	Policy   ConnectionPolicy
	Logger   *slog.Logger
}

// Engine is the durable write path of the graph index: it owns the page
// store, the meta record, and the placement, link-update, consolidation
// and insert-orchestration protocols.
type Engine struct {
	st  *page.Store
	cfg Config

	maxLevel int
	ml       float64

	hints *freePageHints

	rngMu sync.Mutex
	rng   *rand.Rand

	stats Stats
}

// NewEngine creates or reopens the graph on the given store. On a fresh
// store it writes the meta page and the first data page; on reopen it
// validates the stored configuration against cfg (zero-valued cfg fields
// adopt the stored values).
func NewEngine(st *page.Store, cfg Config) (*Engine, error) {
	if cfg.M == 0 {
		cfg.M = DefaultM
	}
	if cfg.M < 2 {
		cfg.M = 2
	}
	if cfg.EfConstruction == 0 {
		cfg.EfConstruction = DefaultEfConstruction
	}
	if cfg.HeapRefCap == 0 {
		cfg.HeapRefCap = DefaultHeapRefCap
	}
	if cfg.Dist == nil {
		cfg.Dist = distance.SquaredL2
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	e := &Engine{
		st:    st,
		cfg:   cfg,
		hints: newFreePageHints(),
	}
	if cfg.Searcher == nil {
		e.cfg.Searcher = &greedySearcher{ef: cfg.EfConstruction}
	}
	if cfg.Policy == nil {
		e.cfg.Policy = &replaceFarthestPolicy{}
	}

	seed := cfg.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	e.rng = rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>1|1))

	if st.NumPages() == 0 {
		if e.cfg.Dim <= 0 {
			return nil, fmt.Errorf("hnsw: dimension required for a new index")
		}
		if err := e.bootstrap(); err != nil {
			return nil, err
		}
	} else {
		mr, err := e.readMeta()
		if err != nil {
			return nil, err
		}
		if e.cfg.Dim != 0 && e.cfg.Dim != mr.Dim {
			return nil, fmt.Errorf("%w: index has dimension %d", ErrDimensionMismatch, mr.Dim)
		}
		if cfg.M != 0 && cfg.M != mr.M && cfg.M != DefaultM {
			return nil, fmt.Errorf("hnsw: index was created with m=%d", mr.M)
		}
		e.cfg.Dim = mr.Dim
		e.cfg.M = mr.M
		e.cfg.HeapRefCap = mr.HeapRefCap
	}

	e.ml = 1 / math.Log(float64(e.cfg.M))
	e.maxLevel = e.computeMaxLevel()
	if e.maxLevel < 0 {
		return nil, fmt.Errorf("hnsw: page size %d too small for m=%d", st.PageSize(), e.cfg.M)
	}
	if primaryTupleSize(e.cfg.Dim, e.cfg.HeapRefCap) > st.PageSize()/3 {
		return nil, fmt.Errorf("hnsw: dimension %d too large for page size %d", e.cfg.Dim, st.PageSize())
	}

	return e, nil
}

// computeMaxLevel caps element levels so a neighbor tuple always fits on
// one page.
func (e *Engine) computeMaxLevel() int {
	usable := e.st.PageSize() / 2
	level := -1
	for neighborTupleSize(level+1, e.cfg.M) <= usable {
		level++
	}
	return level
}

func (e *Engine) bootstrap() error {
	tx := e.st.Begin()
	p0, err := tx.Append()
	if err != nil {
		tx.Abort()
		return err
	}
	mr := metaRecord{
		Dim:        e.cfg.Dim,
		M:          e.cfg.M,
		HeapRefCap: e.cfg.HeapRefCap,
		Entry:      model.InvalidLocation,
		EntryLevel: -1,
		InsertPage: 1,
	}
	buf := make([]byte, metaSize)
	mr.encode(buf)
	if _, err := p0.AddItem(buf); err != nil {
		tx.Abort()
		return err
	}
	if _, err := tx.Append(); err != nil { // first data page
		tx.Abort()
		return err
	}
	return tx.Commit()
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// MaxLevel returns the highest level an element may be assigned.
func (e *Engine) MaxLevel() int { return e.maxLevel }

// randomLevel draws an element level from the geometric distribution
// with normalization factor 1/ln(m), capped at the page-imposed maximum.
func (e *Engine) randomLevel() int {
	e.rngMu.Lock()
	u := e.rng.Float64()
	e.rngMu.Unlock()

	level := int(-math.Log(u) * e.ml)
	if level > e.maxLevel {
		level = e.maxLevel
	}
	return level
}

// EntryPoint returns the current global entry point.
func (e *Engine) EntryPoint() (model.Location, int, error) {
	mr, err := e.readMeta()
	if err != nil {
		return model.InvalidLocation, -1, err
	}
	return mr.Entry, mr.EntryLevel, nil
}

// loadPrimary fetches a snapshot of the primary tuple at loc. ok=false
// means the location is stale (page gone, slot gone, or not a primary
// tuple) — tolerated, not an error.
func (e *Engine) loadPrimary(loc model.Location) (*primaryTuple, bool) {
	if !loc.IsValid() || loc.Page == metaPageID || loc.Page >= e.st.NumPages() {
		return nil, false
	}
	p, err := e.st.ReadPage(loc.Page)
	if err != nil {
		return nil, false
	}
	item, err := p.Item(int(loc.Slot))
	if err != nil {
		return nil, false
	}
	return decodePrimary(item, e.cfg.HeapRefCap)
}

// Vector implements GraphView.
func (e *Engine) Vector(loc model.Location) ([]float32, bool) {
	pt, ok := e.loadPrimary(loc)
	if !ok {
		return nil, false
	}
	return pt.Vector, true
}

// Edges implements GraphView: the valid prefix of the element's slot
// range at the given layer. Stale locations yield an empty result.
func (e *Engine) Edges(loc model.Location, layer int) []model.Location {
	pt, ok := e.loadPrimary(loc)
	if !ok || layer > pt.Level {
		return nil
	}

	p, err := e.st.ReadPage(pt.NeighborLoc.Page)
	if err != nil {
		return nil
	}
	item, err := p.Item(int(pt.NeighborLoc.Slot))
	if err != nil {
		return nil
	}
	nt, ok := decodeNeighborHeader(item)
	if !ok || layer > nt.Level {
		return nil
	}

	start, capacity := layerSlotRange(nt.Level, layer, e.cfg.M)
	if start+capacity > nt.Count {
		return nil
	}

	edges := make([]model.Location, 0, capacity)
	for k := start; k < start+capacity; k++ {
		l := neighborItemSlot(item, k)
		if !l.IsValid() {
			break // edges fill the layer range as a prefix
		}
		edges = append(edges, l)
	}
	return edges
}

// Distance implements GraphView.
func (e *Engine) Distance(a, b []float32) float32 {
	return e.cfg.Dist(a, b)
}

// MarkDeleted flags the element at loc as deleted, clearing its heap
// references but keeping the neighbor tuple location so the placer can
// reuse both slots. The page is remembered as a reuse hint.
func (e *Engine) MarkDeleted(loc model.Location) error {
	tx := e.st.Begin()
	p, err := tx.Register(loc.Page)
	if err != nil {
		tx.Abort()
		return err
	}
	item, err := p.Item(int(loc.Slot))
	if err != nil {
		tx.Abort()
		return fmt.Errorf("hnsw: delete %s: %w", loc, err)
	}
	if !isPrimaryItem(item) {
		tx.Abort()
		return fmt.Errorf("hnsw: delete %s: not a primary tuple", loc)
	}

	setPrimaryItemDeleted(item, e.cfg.HeapRefCap)
	if err := tx.Commit(); err != nil {
		return err
	}

	e.hints.Add(loc.Page)
	e.stats.Deleted.Add(1)
	return nil
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() StatsSnapshot {
	return e.stats.Snapshot()
}

// Store exposes the underlying page store (used by the index-level
// backup and verification paths).
func (e *Engine) Store() *page.Store { return e.st }
