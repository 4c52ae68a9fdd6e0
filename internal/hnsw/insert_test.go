package hnsw

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/vecpage/model"
)

func TestInsertFirstElement(t *testing.T) {
	e := newTestEngine(t, Config{Dim: 2, M: 4, HeapRefCap: 2})
	ctx := context.Background()

	status, loc, err := e.Insert(ctx, []float32{1, 2}, 1)
	require.NoError(t, err)
	assert.Equal(t, InsertCreated, status)
	require.True(t, loc.IsValid())

	pt, ok := e.loadPrimary(loc)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2}, pt.Vector)
	assert.Equal(t, model.HeapRef(1), pt.HeapRefs[0])

	entry, level, err := e.EntryPoint()
	require.NoError(t, err)
	assert.Equal(t, loc, entry)
	assert.Equal(t, pt.Level, level)
	assert.Equal(t, int64(1), e.Stats().Promotions)
}

func TestInsertLinksLayerZero(t *testing.T) {
	e := newTestEngine(t, Config{Dim: 2, M: 4, HeapRefCap: 2})
	ctx := context.Background()

	_, aLoc, err := e.Insert(ctx, []float32{0, 0}, 1)
	require.NoError(t, err)
	_, bLoc, err := e.Insert(ctx, []float32{1, 0}, 2)
	require.NoError(t, err)

	assert.Contains(t, e.Edges(bLoc, 0), aLoc)
	assert.Contains(t, e.Edges(aLoc, 0), bLoc)
}

func TestInsertSkipsUnindexable(t *testing.T) {
	e := newTestEngine(t, Config{Dim: 2, M: 4, Normalize: true})
	ctx := context.Background()

	status, loc, err := e.Insert(ctx, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, InsertSkipped, status)
	assert.False(t, loc.IsValid())

	status, _, err = e.Insert(ctx, []float32{0, 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, InsertSkipped, status)

	assert.Equal(t, int64(2), e.Stats().Skipped)
	assert.Equal(t, int64(0), e.Stats().Inserted)
}

func TestInsertRejectsBadArguments(t *testing.T) {
	e := newTestEngine(t, Config{Dim: 2, M: 4})
	ctx := context.Background()

	_, _, err := e.Insert(ctx, []float32{1, 2, 3}, 1)
	require.ErrorIs(t, err, ErrDimensionMismatch)

	_, _, err = e.Insert(ctx, []float32{1, 2}, 0)
	require.Error(t, err)
}

func TestInsertNormalizes(t *testing.T) {
	e := newTestEngine(t, Config{Dim: 2, M: 4, Normalize: true})
	ctx := context.Background()

	_, loc, err := e.Insert(ctx, []float32{3, 4}, 1)
	require.NoError(t, err)

	pt, ok := e.loadPrimary(loc)
	require.True(t, ok)
	assert.InDelta(t, 0.6, pt.Vector[0], 1e-6)
	assert.InDelta(t, 0.8, pt.Vector[1], 1e-6)
}

func TestInsertConsolidatesDuplicates(t *testing.T) {
	e := newTestEngine(t, Config{Dim: 2, M: 4, HeapRefCap: 2})
	ctx := context.Background()
	vec := []float32{1, 1}

	status, loc1, err := e.Insert(ctx, vec, 1)
	require.NoError(t, err)
	require.Equal(t, InsertCreated, status)

	// Second copy merges into the existing element.
	status, loc2, err := e.Insert(ctx, vec, 2)
	require.NoError(t, err)
	assert.Equal(t, InsertMerged, status)
	assert.Equal(t, loc1, loc2)

	pt, ok := e.loadPrimary(loc1)
	require.True(t, ok)
	assert.Equal(t, []model.HeapRef{1, 2}, pt.HeapRefs)

	// Third copy finds the reference array full and becomes its own node.
	status, loc3, err := e.Insert(ctx, vec, 3)
	require.NoError(t, err)
	assert.Equal(t, InsertCreated, status)
	assert.NotEqual(t, loc1, loc3)

	s := e.Stats()
	assert.Equal(t, int64(2), s.Inserted)
	assert.Equal(t, int64(1), s.Merged)
}

func TestInsertDistinguishesZeroDistanceFromEquality(t *testing.T) {
	// Some metrics score distinct vectors at distance zero; only
	// bit-equal vectors merge.
	e := newTestEngine(t, Config{Dim: 2, M: 4, HeapRefCap: 4, Dist: func(a, b []float32) float32 { return 0 }})
	ctx := context.Background()

	_, _, err := e.Insert(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	status, _, err := e.Insert(ctx, []float32{0, 1}, 2)
	require.NoError(t, err)
	assert.Equal(t, InsertCreated, status)
}

func TestTryAppendHeapRef(t *testing.T) {
	e := newTestEngine(t, Config{Dim: 2, M: 4, HeapRefCap: 3})

	el := makeElement(0, []float32{1, 1}, 3)
	require.NoError(t, e.place(el))

	ok, err := e.tryAppendHeapRef(el.Loc, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = e.tryAppendHeapRef(el.Loc, 3)
	require.NoError(t, err)
	assert.True(t, ok)

	// Full array: caller must create a new node.
	ok, err = e.tryAppendHeapRef(el.Loc, 4)
	require.NoError(t, err)
	assert.False(t, ok)

	pt, _ := e.loadPrimary(el.Loc)
	assert.Equal(t, []model.HeapRef{1, 2, 3}, pt.HeapRefs)

	// Deleted element: never merged into.
	require.NoError(t, e.MarkDeleted(el.Loc))
	ok, err = e.tryAppendHeapRef(el.Loc, 5)
	require.NoError(t, err)
	assert.False(t, ok)

	// Stale location: likewise.
	ok, err = e.tryAppendHeapRef(model.Location{Page: 1, Slot: 40}, 5)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHigherLevelElementBecomesEntryPoint(t *testing.T) {
	e := newTestEngine(t, Config{Dim: 2, M: 4, HeapRefCap: 2})
	ctx := context.Background()

	// A at level 2 into an empty index.
	a := makeElement(2, []float32{0, 0}, 2)
	require.NoError(t, e.place(a))
	require.NoError(t, e.updateNeighbors(ctx, a))
	require.NoError(t, e.maybePromote(ctx, a, model.InvalidLocation, -1))

	entry, level, err := e.EntryPoint()
	require.NoError(t, err)
	assert.Equal(t, a.Loc, entry)
	assert.Equal(t, 2, level)

	// B at level 1: placed beside A, linked on the layers they share,
	// and never promoted over A.
	b := makeElement(1, []float32{1, 0}, 2)
	b.Neighbors, err = e.cfg.Searcher.Search(ctx, e, b.Vector, b.Level, entry, level)
	require.NoError(t, err)
	require.NoError(t, e.place(b))
	require.NoError(t, e.updateNeighbors(ctx, b))
	require.NoError(t, e.maybePromote(ctx, b, entry, level))

	pa, ok := e.loadPrimary(a.Loc)
	require.True(t, ok)
	assert.Equal(t, 2, pa.Level)
	assert.Equal(t, []float32{0, 0}, pa.Vector)

	assert.Contains(t, e.Edges(b.Loc, 0), a.Loc)
	assert.Contains(t, e.Edges(a.Loc, 1), b.Loc)
	assert.Contains(t, e.Edges(a.Loc, 0), b.Loc)

	entry, level, err = e.EntryPoint()
	require.NoError(t, err)
	assert.Equal(t, a.Loc, entry)
	assert.Equal(t, 2, level)
}

func TestPromoteRaceRelinksAgainstWinner(t *testing.T) {
	e := newTestEngine(t, Config{Dim: 2, M: 4, HeapRefCap: 2})
	ctx := context.Background()

	// The winner of the empty-index race.
	_, aLoc, err := e.Insert(ctx, []float32{0, 0}, 1)
	require.NoError(t, err)
	pa, ok := e.loadPrimary(aLoc)
	require.True(t, ok)

	// B was placed while the index still looked empty: its search saw no
	// entry point, so its neighbor tuple was committed without edges.
	b := makeElement(0, []float32{1, 0}, 2)
	require.NoError(t, e.place(b))
	require.NoError(t, e.updateNeighbors(ctx, b))
	require.NoError(t, e.maybePromote(ctx, b, model.InvalidLocation, -1))

	// Promotion noticed the winner and linked B into its graph instead.
	assert.Contains(t, e.Edges(b.Loc, 0), aLoc)
	assert.Contains(t, e.Edges(aLoc, 0), b.Loc)

	// The winner keeps the entry point: B's level never exceeds it.
	entry, level, err := e.EntryPoint()
	require.NoError(t, err)
	assert.Equal(t, aLoc, entry)
	assert.Equal(t, pa.Level, level)
}

func TestEntryPointTracksHighestLevel(t *testing.T) {
	e := newTestEngine(t, Config{Dim: 2, M: 4, HeapRefCap: 2, RandomSeed: 3})
	ctx := context.Background()

	maxLevel := -1
	for i := 0; i < 60; i++ {
		_, loc, err := e.Insert(ctx, []float32{float32(i), float32(i % 7)}, model.HeapRef(i+1))
		require.NoError(t, err)
		pt, ok := e.loadPrimary(loc)
		require.True(t, ok)
		if pt.Level > maxLevel {
			maxLevel = pt.Level
		}
	}

	_, entryLevel, err := e.EntryPoint()
	require.NoError(t, err)
	assert.Equal(t, maxLevel, entryLevel)
}

func TestInsertAfterDeleteReusesSpace(t *testing.T) {
	e := newTestEngine(t, Config{Dim: 2, M: 4, HeapRefCap: 2})
	ctx := context.Background()

	locs := make([]model.Location, 0, 100)
	for i := 0; i < 100; i++ {
		_, loc, err := e.Insert(ctx, []float32{float32(i), 0}, model.HeapRef(i+1))
		require.NoError(t, err)
		locs = append(locs, loc)
	}
	pagesBefore := e.Store().NumPages()

	for _, loc := range locs[:20] {
		require.NoError(t, e.MarkDeleted(loc))
	}
	for i := 0; i < 20; i++ {
		_, _, err := e.Insert(ctx, []float32{float32(i), 100}, model.HeapRef(1000+i))
		require.NoError(t, err)
	}

	assert.Greater(t, e.Stats().SlotsReused, int64(0))
	assert.LessOrEqual(t, e.Store().NumPages(), pagesBefore+1)
}

func TestConcurrentInsertsReuseDistinctSlots(t *testing.T) {
	e := newTestEngine(t, Config{Dim: 2, M: 4, HeapRefCap: 2})
	ctx := context.Background()

	// Seed a chain, then free most of it.
	locs := make([]model.Location, 0, 60)
	for i := 0; i < 60; i++ {
		_, loc, err := e.Insert(ctx, []float32{float32(i), 0}, model.HeapRef(i+1))
		require.NoError(t, err)
		locs = append(locs, loc)
	}
	for _, loc := range locs[:40] {
		require.NoError(t, e.MarkDeleted(loc))
	}

	// Concurrent writers racing over the freed slots must each end up in
	// their own slot pair.
	const workers = 8
	const perWorker = 5
	created := make([][]model.Location, workers)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				vec := []float32{float32(w*perWorker + i), 100}
				_, loc, err := e.Insert(gctx, vec, model.HeapRef(500+w*perWorker+i))
				if err != nil {
					return err
				}
				created[w] = append(created[w], loc)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := map[model.Location]bool{}
	for _, ws := range created {
		for _, loc := range ws {
			require.False(t, seen[loc], "location %s assigned twice", loc)
			seen[loc] = true
			pt, ok := e.loadPrimary(loc)
			require.True(t, ok)
			assert.False(t, pt.Deleted)
		}
	}

	for id := model.PageID(1); id != model.InvalidPage; {
		p, err := e.Store().ReadPage(id)
		require.NoError(t, err)
		require.NoError(t, p.CheckAccounting())
		id = p.Next()
	}
}

func TestConcurrentInserts(t *testing.T) {
	e := newTestEngine(t, Config{Dim: 4, M: 4, HeapRefCap: 2})

	const workers = 8
	const perWorker = 25

	locs := make([][]model.Location, workers)
	g, ctx := errgroup.WithContext(context.Background())
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(uint64(w)+1, 99))
			locs[w] = make([]model.Location, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				vec := []float32{rng.Float32(), rng.Float32(), rng.Float32(), rng.Float32()}
				ref := model.HeapRef(w*perWorker + i + 1)
				status, loc, err := e.Insert(ctx, vec, ref)
				if err != nil {
					return err
				}
				if status == InsertCreated {
					locs[w] = append(locs[w], loc)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	s := e.Stats()
	assert.Equal(t, int64(workers*perWorker), s.Inserted+s.Merged)

	entry, level, err := e.EntryPoint()
	require.NoError(t, err)
	require.True(t, entry.IsValid())
	assert.GreaterOrEqual(t, level, 0)

	for _, ws := range locs {
		for _, loc := range ws {
			pt, ok := e.loadPrimary(loc)
			require.True(t, ok)
			assert.False(t, pt.Deleted)
		}
	}

	// Every chained page still satisfies its accounting invariants.
	for id := model.PageID(1); id != model.InvalidPage; {
		p, err := e.Store().ReadPage(id)
		require.NoError(t, err)
		require.NoError(t, p.CheckAccounting())
		id = p.Next()
	}
}
