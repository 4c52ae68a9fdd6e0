package vecpage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecpage/distance"
)

func openTestIndex(t *testing.T, dir string, dim int, opts ...Option) *Index {
	t.Helper()
	opts = append([]Option{
		WithM(4),
		WithPageSize(1024),
		WithRandomSeed(42),
	}, opts...)
	idx, err := Open(dir, dim, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestOpenInsertClose(t *testing.T) {
	idx := openTestIndex(t, t.TempDir(), 3)
	ctx := context.Background()

	res, err := idx.Insert(ctx, []float32{1, 2, 3}, 1)
	require.NoError(t, err)
	assert.Equal(t, InsertCreated, res.Status)
	assert.True(t, res.Location.IsValid())

	entry, level, err := idx.EntryPoint()
	require.NoError(t, err)
	assert.Equal(t, res.Location, entry)
	assert.GreaterOrEqual(t, level, 0)
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	idx := openTestIndex(t, dir, 3)
	res, err := idx.Insert(ctx, []float32{1, 2, 3}, 7)
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	// Dimension zero adopts the stored configuration.
	idx2, err := Open(dir, 0, WithPageSize(1024), WithRandomSeed(42))
	require.NoError(t, err)
	defer idx2.Close()

	entry, _, err := idx2.EntryPoint()
	require.NoError(t, err)
	assert.Equal(t, res.Location, entry)
}

func TestInsertBatch(t *testing.T) {
	idx := openTestIndex(t, t.TempDir(), 2, WithMaxWorkers(4))
	ctx := context.Background()

	const n = 50
	vecs := make([][]float32, n)
	refs := make([]HeapRef, n)
	for i := range vecs {
		vecs[i] = []float32{float32(i), float32(i % 5)}
		refs[i] = HeapRef(i + 1)
	}

	results, err := idx.InsertBatch(ctx, vecs, refs)
	require.NoError(t, err)
	require.Len(t, results, n)
	for _, r := range results {
		assert.True(t, r.Location.IsValid())
	}

	s := idx.Stats()
	assert.Equal(t, int64(n), s.Inserted+s.Merged)
}

func TestInsertBatchLengthMismatch(t *testing.T) {
	idx := openTestIndex(t, t.TempDir(), 2)

	_, err := idx.InsertBatch(context.Background(), [][]float32{{1, 2}}, nil)
	require.Error(t, err)
}

func TestMarkDeletedAndStats(t *testing.T) {
	idx := openTestIndex(t, t.TempDir(), 2)
	ctx := context.Background()

	res, err := idx.Insert(ctx, []float32{5, 5}, 1)
	require.NoError(t, err)
	require.NoError(t, idx.MarkDeleted(ctx, res.Location))

	assert.Equal(t, int64(1), idx.Stats().Deleted)
}

func TestCosineMetricNormalizes(t *testing.T) {
	idx := openTestIndex(t, t.TempDir(), 2, WithMetric(distance.MetricCosine))
	ctx := context.Background()

	res, err := idx.Insert(ctx, []float32{3, 4}, 1)
	require.NoError(t, err)
	assert.Equal(t, InsertCreated, res.Status)

	// Zero-norm vectors cannot be indexed under cosine.
	res, err = idx.Insert(ctx, []float32{0, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, InsertSkipped, res.Status)
}

func TestVerifyCleanIndex(t *testing.T) {
	idx := openTestIndex(t, t.TempDir(), 2)
	ctx := context.Background()

	for i := 0; i < 80; i++ {
		_, err := idx.Insert(ctx, []float32{float32(i), float32(i % 9)}, HeapRef(i+1))
		require.NoError(t, err)
	}
	for i := 0; i < 10; i++ {
		res, err := idx.Insert(ctx, []float32{float32(i), 50}, HeapRef(100+i))
		require.NoError(t, err)
		require.NoError(t, idx.MarkDeleted(ctx, res.Location))
	}

	require.NoError(t, idx.Verify(ctx))
}
