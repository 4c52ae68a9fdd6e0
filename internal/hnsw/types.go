package hnsw

import (
	"context"
	"errors"

	"github.com/hupe1980/vecpage/model"
)

var (
	// ErrCorrupted signals a fatal structural inconsistency: a page write
	// was rejected after free space had been verified, or the meta record
	// is unreadable. Never retried.
	ErrCorrupted = errors.New("hnsw: storage corrupted")

	// ErrDimensionMismatch is returned when an insert vector does not
	// match the index dimension.
	ErrDimensionMismatch = errors.New("hnsw: vector dimension mismatch")
)

// Element is one in-memory graph element being inserted: its vector,
// its assigned level, the heap references sharing its vector value, the
// locations of its two tuples once placed, and the per-layer neighbor
// candidates produced by graph search.
type Element struct {
	Level       int
	Vector      []float32
	HeapRefs    []model.HeapRef
	Loc         model.Location
	NeighborLoc model.Location

	// Neighbors[layer] holds the candidates for layers 0..Level.
	Neighbors [][]model.Candidate
}

// GraphView is the read-only access a graph searcher gets to the stored
// graph. All locations are revalidated handles: a stale location yields
// ok=false or no edges, never an error.
type GraphView interface {
	// Vector returns the stored vector of the element at loc.
	Vector(loc model.Location) ([]float32, bool)

	// Edges returns the element's current out-edges at the given layer.
	Edges(loc model.Location, layer int) []model.Location

	// Distance computes the configured metric distance.
	Distance(a, b []float32) float32
}

// GraphSearcher produces the per-layer neighbor candidates for a new
// element. It is an external capability of the write path; the engine
// ships a default greedy implementation.
type GraphSearcher interface {
	// Search returns candidate lists for layers 0..level (the slice has
	// level+1 entries). entry is the current entry point, or an invalid
	// location for an empty graph.
	Search(ctx context.Context, g GraphView, vec []float32, level int, entry model.Location, entryLevel int) ([][]model.Candidate, error)
}

// DecisionKind classifies a connection-policy outcome.
type DecisionKind int

const (
	// DecisionNone leaves the neighbor's edge set unchanged.
	DecisionNone DecisionKind = iota
	// DecisionFindEmpty asks the updater to place the new edge in the
	// first empty slot of the layer. If none exists the edge is dropped.
	DecisionFindEmpty
	// DecisionOverwrite displaces the existing edge at Index.
	DecisionOverwrite
)

// Decision is the outcome of a connection-policy evaluation.
type Decision struct {
	Kind DecisionKind

	// Index is the layer-relative position of the edge to displace when
	// Kind is DecisionOverwrite.
	Index int
}

// ConnectionPolicy decides whether and where a new element enters an
// existing element's edge set for one layer. existing is the neighbor's
// current edge list with distances measured from the neighbor; candidate
// is the new element, likewise with its distance from the neighbor.
type ConnectionPolicy interface {
	Decide(ctx context.Context, existing []model.Candidate, candidate model.Candidate, capacity int) (Decision, error)
}
