package hnsw

import "sync/atomic"

// Stats tracks engine counters. All fields are updated atomically on the
// hot path and read via Snapshot.
type Stats struct {
	Inserted     atomic.Int64
	Merged       atomic.Int64
	Skipped      atomic.Int64
	Deleted      atomic.Int64
	SlotsReused  atomic.Int64
	PagesAdded   atomic.Int64
	EdgesDropped atomic.Int64
	EdgesStale   atomic.Int64
	Promotions   atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the engine counters.
type StatsSnapshot struct {
	// Inserted counts elements written as new graph nodes.
	Inserted int64
	// Merged counts inserts absorbed into an existing element's
	// heap-reference array.
	Merged int64
	// Skipped counts no-op inserts (nil vector, zero norm).
	Skipped int64
	// Deleted counts elements flagged by MarkDeleted.
	Deleted int64
	// SlotsReused counts placements that recycled a deleted slot pair.
	SlotsReused int64
	// PagesAdded counts pages appended to the chain.
	PagesAdded int64
	// EdgesDropped counts reverse edges silently not created because the
	// target layer had no empty slot.
	EdgesDropped int64
	// EdgesStale counts edge updates abandoned because the neighbor
	// changed concurrently.
	EdgesStale int64
	// Promotions counts entry point updates.
	Promotions int64
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Inserted:     s.Inserted.Load(),
		Merged:       s.Merged.Load(),
		Skipped:      s.Skipped.Load(),
		Deleted:      s.Deleted.Load(),
		SlotsReused:  s.SlotsReused.Load(),
		PagesAdded:   s.PagesAdded.Load(),
		EdgesDropped: s.EdgesDropped.Load(),
		EdgesStale:   s.EdgesStale.Load(),
		Promotions:   s.Promotions.Load(),
	}
}
