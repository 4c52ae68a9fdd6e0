package vecpage

import (
	"log/slog"

	"github.com/hupe1980/vecpage/distance"
	"github.com/hupe1980/vecpage/internal/hnsw"
	"github.com/hupe1980/vecpage/internal/page"
)

// Re-exported extension points. Implementations of GraphSearcher and
// ConnectionPolicy plug custom candidate search and edge replacement
// into the insert protocol.
type (
	// GraphSearcher produces per-layer neighbor candidates for a new
	// element.
	GraphSearcher = hnsw.GraphSearcher

	// GraphView is the read-only graph access a searcher receives.
	GraphView = hnsw.GraphView

	// ConnectionPolicy decides whether and where a new element enters an
	// existing element's edge set.
	ConnectionPolicy = hnsw.ConnectionPolicy

	// Decision is a ConnectionPolicy outcome.
	Decision = hnsw.Decision

	// DecisionKind classifies a Decision.
	DecisionKind = hnsw.DecisionKind
)

// Decision kinds a ConnectionPolicy can return.
const (
	DecisionNone      = hnsw.DecisionNone
	DecisionFindEmpty = hnsw.DecisionFindEmpty
	DecisionOverwrite = hnsw.DecisionOverwrite
)

type options struct {
	m              int
	efConstruction int
	heapRefCap     int
	metric         distance.Metric
	pageSize       int
	maxWorkers     int64
	ioLimit        int64
	randomSeed     int64
	searcher       GraphSearcher
	policy         ConnectionPolicy
	logger         *slog.Logger
}

func defaultOptions() options {
	return options{
		m:              hnsw.DefaultM,
		efConstruction: hnsw.DefaultEfConstruction,
		heapRefCap:     hnsw.DefaultHeapRefCap,
		metric:         distance.MetricL2,
		pageSize:       page.DefaultPageSize,
	}
}

// Option configures Open.
type Option func(*options)

// WithM sets the maximum fan-out per layer (layer 0 holds 2m). Fixed at
// index creation; reopening with a different value fails.
func WithM(m int) Option {
	return func(o *options) { o.m = m }
}

// WithEfConstruction sets the candidate-search breadth used during
// inserts. Larger values build a better graph at higher insert cost.
func WithEfConstruction(ef int) Option {
	return func(o *options) { o.efConstruction = ef }
}

// WithHeapRefCap sets how many identical-vector row references one
// element can absorb before a duplicate becomes its own node. Fixed at
// index creation.
func WithHeapRefCap(n int) Option {
	return func(o *options) { o.heapRefCap = n }
}

// WithMetric selects the distance metric. Cosine normalizes vectors on
// insert.
func WithMetric(m distance.Metric) Option {
	return func(o *options) { o.metric = m }
}

// WithPageSize sets the page size in bytes. Fixed at index creation.
func WithPageSize(size int) Option {
	return func(o *options) { o.pageSize = size }
}

// WithMaxWorkers bounds the concurrency of InsertBatch.
func WithMaxWorkers(n int64) Option {
	return func(o *options) { o.maxWorkers = n }
}

// WithIOLimit caps backup and restore throughput in bytes per second.
func WithIOLimit(bytesPerSec int64) Option {
	return func(o *options) { o.ioLimit = bytesPerSec }
}

// WithRandomSeed makes level assignment deterministic. Useful in tests.
func WithRandomSeed(seed int64) Option {
	return func(o *options) { o.randomSeed = seed }
}

// WithSearcher replaces the default greedy graph searcher.
func WithSearcher(s GraphSearcher) Option {
	return func(o *options) { o.searcher = s }
}

// WithPolicy replaces the default replace-farthest connection policy.
func WithPolicy(p ConnectionPolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithLogger sets the structured logger. Logging is off by default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}
