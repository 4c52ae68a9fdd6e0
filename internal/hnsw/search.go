package hnsw

import (
	"container/heap"
	"context"

	"github.com/hupe1980/vecpage/model"
)

// greedySearcher is the default GraphSearcher: greedy descent through the
// layers above the target level, then a beam search of width ef on each
// layer from the target level down to zero. Stale locations encountered
// during the walk are skipped.
type greedySearcher struct {
	ef int
}

func (s *greedySearcher) Search(ctx context.Context, g GraphView, vec []float32, level int, entry model.Location, entryLevel int) ([][]model.Candidate, error) {
	neighbors := make([][]model.Candidate, level+1)

	ev, ok := g.Vector(entry)
	if !ok {
		return neighbors, nil
	}
	cur := model.Candidate{Loc: entry, Dist: g.Distance(vec, ev)}

	for lc := entryLevel; lc > level; lc-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur = s.descend(g, vec, cur, lc)
	}

	top := level
	if entryLevel < top {
		top = entryLevel
	}
	for lc := top; lc >= 0; lc-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		beam := s.searchLayer(g, vec, cur, lc)
		neighbors[lc] = beam
		if len(beam) > 0 {
			cur = beam[0]
		}
	}
	return neighbors, nil
}

// descend walks to the local minimum on one layer, following the single
// best edge at each step.
func (s *greedySearcher) descend(g GraphView, vec []float32, cur model.Candidate, layer int) model.Candidate {
	for {
		improved := false
		for _, loc := range g.Edges(cur.Loc, layer) {
			v, ok := g.Vector(loc)
			if !ok {
				continue
			}
			if d := g.Distance(vec, v); d < cur.Dist {
				cur = model.Candidate{Loc: loc, Dist: d}
				improved = true
			}
		}
		if !improved {
			return cur
		}
	}
}

// searchLayer runs the beam search on one layer and returns up to ef
// candidates sorted by ascending distance.
func (s *greedySearcher) searchLayer(g GraphView, vec []float32, entry model.Candidate, layer int) []model.Candidate {
	visited := map[model.Location]struct{}{entry.Loc: {}}

	candidates := &candidateHeap{min: true}
	results := &candidateHeap{min: false}
	heap.Push(candidates, entry)
	heap.Push(results, entry)

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(model.Candidate)
		if results.Len() >= s.ef && c.Dist > results.items[0].Dist {
			break
		}
		for _, loc := range g.Edges(c.Loc, layer) {
			if _, seen := visited[loc]; seen {
				continue
			}
			visited[loc] = struct{}{}
			v, ok := g.Vector(loc)
			if !ok {
				continue
			}
			d := g.Distance(vec, v)
			if results.Len() < s.ef || d < results.items[0].Dist {
				nc := model.Candidate{Loc: loc, Dist: d}
				heap.Push(candidates, nc)
				heap.Push(results, nc)
				if results.Len() > s.ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]model.Candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(model.Candidate)
	}
	return out
}

// candidateHeap is a binary heap over candidates, min- or max-ordered by
// distance.
type candidateHeap struct {
	items []model.Candidate
	min   bool
}

func (h *candidateHeap) Len() int { return len(h.items) }

func (h *candidateHeap) Less(i, j int) bool {
	if h.min {
		return h.items[i].Dist < h.items[j].Dist
	}
	return h.items[i].Dist > h.items[j].Dist
}

func (h *candidateHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *candidateHeap) Push(x any) { h.items = append(h.items, x.(model.Candidate)) }

func (h *candidateHeap) Pop() any {
	n := len(h.items)
	c := h.items[n-1]
	h.items = h.items[:n-1]
	return c
}

// replaceFarthestPolicy is the default ConnectionPolicy for reverse-edge
// updates: fill an empty slot when the layer has spare capacity,
// otherwise displace the farthest existing edge if the candidate is
// closer than it. A candidate farther than every existing edge on a full
// layer is not linked.
type replaceFarthestPolicy struct{}

func (replaceFarthestPolicy) Decide(_ context.Context, existing []model.Candidate, candidate model.Candidate, capacity int) (Decision, error) {
	if len(existing) < capacity {
		return Decision{Kind: DecisionFindEmpty}, nil
	}

	worst := -1
	for i, c := range existing {
		if worst < 0 || c.Dist > existing[worst].Dist {
			worst = i
		}
	}
	if worst >= 0 && existing[worst].Dist > candidate.Dist {
		return Decision{Kind: DecisionOverwrite, Index: worst}, nil
	}
	return Decision{Kind: DecisionNone}, nil
}

// findDuplicate returns the location of a layer-0 candidate whose stored
// vector is bit-identical to vec. Distance zero alone is not enough:
// distinct vectors can collide under some metrics.
func (e *Engine) findDuplicate(candidates []model.Candidate, vec []float32) (model.Location, bool) {
	for _, c := range candidates {
		if c.Dist != 0 {
			continue
		}
		v, ok := e.Vector(c.Loc)
		if !ok || len(v) != len(vec) {
			continue
		}
		equal := true
		for i := range v {
			if v[i] != vec[i] {
				equal = false
				break
			}
		}
		if equal {
			return c.Loc, true
		}
	}
	return model.InvalidLocation, false
}
