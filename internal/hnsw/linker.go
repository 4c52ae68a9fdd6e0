package hnsw

import (
	"context"
	"math"

	"github.com/hupe1980/vecpage/model"
)

// updateNeighbors adds the reverse edge el -> candidate for every forward
// edge recorded in el.Neighbors. Each reverse edge is its own one-page
// transaction, so a crash mid-way leaves some edges missing but never a
// torn tuple; searches tolerate the asymmetry.
func (e *Engine) updateNeighbors(ctx context.Context, el *Element) error {
	for lc := el.Level; lc >= 0; lc-- {
		if lc >= len(el.Neighbors) {
			continue
		}
		for _, hn := range el.Neighbors[lc] {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := e.updateConnection(ctx, el, hn.Loc, lc); err != nil {
				return err
			}
		}
	}
	return nil
}

// updateConnection links el into the neighbor's adjacency at the given
// layer. The neighbor tuple page stays locked from decision to write, so
// the chosen slot cannot move underneath us.
func (e *Engine) updateConnection(ctx context.Context, el *Element, nbLoc model.Location, layer int) error {
	pt, ok := e.loadPrimary(nbLoc)
	if !ok || pt.Deleted || layer > pt.Level {
		e.stats.EdgesStale.Add(1)
		return nil
	}

	tx := e.st.Begin()
	np, err := tx.Register(pt.NeighborLoc.Page)
	if err != nil {
		tx.Abort()
		return err
	}
	item, err := np.Item(int(pt.NeighborLoc.Slot))
	if err != nil {
		tx.Abort()
		e.stats.EdgesStale.Add(1)
		return nil
	}
	nt, ok := decodeNeighborHeader(item)
	if !ok || layer > nt.Level {
		tx.Abort()
		e.stats.EdgesStale.Add(1)
		return nil
	}

	m := e.cfg.M
	start := (nt.Level - layer) * m
	lm := layerCapacity(layer, m)
	if start+lm > nt.Count {
		tx.Abort()
		e.stats.EdgesStale.Add(1)
		return nil
	}

	// Occupied prefix of the layer range, with distances measured from
	// the neighbor. An edge whose vector cannot be read sorts as farthest,
	// making it the first to be displaced.
	existing := make([]model.Candidate, 0, lm)
	for k := start; k < start+lm; k++ {
		loc := neighborItemSlot(item, k)
		if !loc.IsValid() {
			break
		}
		d := float32(math.MaxFloat32)
		if v, vok := e.Vector(loc); vok {
			d = e.cfg.Dist(pt.Vector, v)
		}
		existing = append(existing, model.Candidate{Loc: loc, Dist: d})
	}

	cand := model.Candidate{Loc: el.Loc, Dist: e.cfg.Dist(pt.Vector, el.Vector)}
	dec, err := e.cfg.Policy.Decide(ctx, existing, cand, lm)
	if err != nil {
		tx.Abort()
		return err
	}

	var idx int
	switch dec.Kind {
	case DecisionNone:
		tx.Abort()
		return nil
	case DecisionFindEmpty:
		idx = -1
		for k := start; k < start+lm; k++ {
			if !neighborItemSlot(item, k).IsValid() {
				idx = k
				break
			}
		}
		if idx < 0 {
			// A policy asked for an empty slot on a full layer. The
			// reverse edge is dropped; the forward edge alone keeps the
			// element reachable.
			tx.Abort()
			e.stats.EdgesDropped.Add(1)
			e.cfg.Logger.Debug("reverse edge dropped, layer full",
				"neighbor", nbLoc, "layer", layer)
			return nil
		}
	case DecisionOverwrite:
		idx = start + dec.Index
		if dec.Index < 0 || dec.Index >= len(existing) || idx >= nt.Count {
			tx.Abort()
			e.stats.EdgesStale.Add(1)
			return nil
		}
	}

	setNeighborItemSlot(item, idx, el.Loc)
	return tx.Commit()
}
