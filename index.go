package vecpage

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/vecpage/distance"
	"github.com/hupe1980/vecpage/internal/fs"
	"github.com/hupe1980/vecpage/internal/hnsw"
	"github.com/hupe1980/vecpage/internal/page"
	"github.com/hupe1980/vecpage/internal/resource"
	"github.com/hupe1980/vecpage/model"
)

// Core identifiers, re-exported from model.
type (
	// Location addresses one tuple: page number plus slot.
	Location = model.Location

	// HeapRef is the caller's opaque row reference. Zero is reserved.
	HeapRef = model.HeapRef

	// Candidate pairs a location with its distance from a query.
	Candidate = model.Candidate
)

// InsertStatus reports what an insert did.
type InsertStatus = hnsw.InsertStatus

// Insert outcomes.
const (
	InsertSkipped = hnsw.InsertSkipped
	InsertCreated = hnsw.InsertCreated
	InsertMerged  = hnsw.InsertMerged
)

// Stats is a snapshot of the index counters.
type Stats = hnsw.StatsSnapshot

const (
	pageFileName = "pages.dat"
	undoFileName = "undo.log"
)

// InsertResult is the outcome of one insert.
type InsertResult struct {
	Status InsertStatus

	// Location is the element the reference now lives on: the new node
	// for Created, the consolidated node for Merged, invalid for Skipped.
	Location Location
}

// Index is a durable HNSW write path rooted at a directory. All methods
// are safe for concurrent use.
type Index struct {
	dir    string
	st     *page.Store
	eng    *hnsw.Engine
	res    *resource.Controller
	logger *slog.Logger
}

// Open creates or reopens an index in dir. dim is required for a new
// index; on reopen, zero adopts the stored dimension and a non-zero
// mismatch fails.
func Open(dir string, dim int, opts ...Option) (*Index, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}

	if err := fs.Default.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("vecpage: create directory: %w", err)
	}

	st, err := page.Open(fs.Default,
		filepath.Join(dir, pageFileName),
		filepath.Join(dir, undoFileName),
		page.Options{PageSize: o.pageSize, Logger: o.logger},
	)
	if err != nil {
		return nil, err
	}

	dist, err := distance.Provider(o.metric)
	if err != nil {
		st.Close()
		return nil, err
	}

	eng, err := hnsw.NewEngine(st, hnsw.Config{
		Dim:            dim,
		M:              o.m,
		EfConstruction: o.efConstruction,
		HeapRefCap:     o.heapRefCap,
		Normalize:      o.metric.RequiresNormalization(),
		Dist:           dist,
		RandomSeed:     o.randomSeed,
		Searcher:       o.searcher,
		Policy:         o.policy,
		Logger:         o.logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &Index{
		dir:    dir,
		st:     st,
		eng:    eng,
		res:    resource.NewController(resource.Config{MaxWorkers: o.maxWorkers, IOLimitBytesPerSec: o.ioLimit}),
		logger: o.logger,
	}, nil
}

// Insert adds one vector under the given reference.
func (i *Index) Insert(ctx context.Context, vec []float32, ref HeapRef) (InsertResult, error) {
	status, loc, err := i.eng.Insert(ctx, vec, ref)
	if err != nil {
		return InsertResult{}, err
	}
	return InsertResult{Status: status, Location: loc}, nil
}

// InsertBatch inserts vectors concurrently, bounded by the worker limit.
// results[i] corresponds to vecs[i]; on error the batch stops and
// already-inserted elements remain in the index.
func (i *Index) InsertBatch(ctx context.Context, vecs [][]float32, refs []HeapRef) ([]InsertResult, error) {
	if len(vecs) != len(refs) {
		return nil, fmt.Errorf("vecpage: %d vectors but %d refs", len(vecs), len(refs))
	}

	results := make([]InsertResult, len(vecs))
	g, ctx := errgroup.WithContext(ctx)
	for n := range vecs {
		if err := i.res.AcquireWorker(ctx); err != nil {
			werr := g.Wait()
			if werr != nil {
				err = werr
			}
			return nil, err
		}
		g.Go(func() error {
			defer i.res.ReleaseWorker()
			res, err := i.Insert(ctx, vecs[n], refs[n])
			if err != nil {
				return err
			}
			results[n] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// MarkDeleted flags the element at loc as deleted. Its storage is
// reclaimed by a later insert; its graph edges remain until then.
func (i *Index) MarkDeleted(ctx context.Context, loc Location) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return i.eng.MarkDeleted(loc)
}

// EntryPoint returns the current graph entry point and its level, or an
// invalid location for an empty index.
func (i *Index) EntryPoint() (Location, int, error) {
	return i.eng.EntryPoint()
}

// Stats returns a snapshot of the index counters. Counters reset on
// reopen.
func (i *Index) Stats() Stats {
	return i.eng.Stats()
}

// Close flushes and closes the index.
func (i *Index) Close() error {
	return i.st.Close()
}
