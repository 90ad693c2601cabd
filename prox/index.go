// Package prox implements the Proximity engine (spec.md §4.4): for each
// querier, maintains the set of objects whose apparent size exceeds a
// querier-supplied threshold, and streams Enter/Exit events as that set
// changes.
package prox

import (
	"math"
	"sync"

	rtred "github.com/tidwall/rtred"

	"github.com/sirikata/spaced/cmn/cos"
	"github.com/sirikata/spaced/core/meta"
)

// apparentSize is the monotonically-decreasing-in-distance,
// monotonically-increasing-in-radius function spec.md §4.4 requires.
// radius/distance is the classic small-angle apparent-size approximation;
// an object exactly at the querier's position has infinite apparent size.
func apparentSize(distance, radius float64) float64 {
	if distance <= 1e-9 {
		return math.Inf(1)
	}
	return radius / distance
}

type indexEntry struct {
	oid    cos.OID
	pos    meta.Vec3 // full 3D position
	radius float64   // BoundingDescription.ApparentRadius()
}

// Index is the pluggable geometric index of spec.md §4.4. It satisfies the
// stated contract via github.com/tidwall/rtred (SPEC_FULL.md domain-stack
// entry): Insert/Delete give amortized-sublinear incremental update, and
// Search gives the candidate range query the apparent-size filter narrows
// down from. The tree is keyed on the (X, Z) ground plane only -- a
// deliberate broad-phase simplification: since 3D distance is always >=
// the XZ-projected distance, searching the ground plane with radius
// maxRadius/theta can never miss a candidate that would pass the exact 3D
// apparent-size check performed afterward, only include extra ones that
// get filtered out. This trades a slightly larger candidate set for a
// much simpler 2D tree, matching how many virtual-world broad-phase
// indices are built.
type Index struct {
	mu        sync.Mutex
	tr        *rtred.RTree
	entries   map[cos.OID]*indexEntry
	maxRadius float64
}

func NewIndex() *Index {
	return &Index{tr: rtred.New(), entries: make(map[cos.OID]*indexEntry)}
}

func groundBounds(pos meta.Vec3, radius float64) (min, max [2]float64) {
	return [2]float64{pos.X - radius, pos.Z - radius}, [2]float64{pos.X + radius, pos.Z + radius}
}

// Upsert inserts or moves oid's bounding sphere in the index.
func (ix *Index) Upsert(oid cos.OID, pos meta.Vec3, radius float64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if e, ok := ix.entries[oid]; ok {
		min, max := groundBounds(e.pos, e.radius)
		ix.tr.Delete(min, max, e)
		e.pos, e.radius = pos, radius
	} else {
		e = &indexEntry{oid: oid, pos: pos, radius: radius}
		ix.entries[oid] = e
	}
	min, max := groundBounds(pos, radius)
	ix.tr.Insert(min, max, ix.entries[oid])
	if radius > ix.maxRadius {
		ix.maxRadius = radius
	}
}

// Remove deletes oid from the index.
func (ix *Index) Remove(oid cos.OID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e, ok := ix.entries[oid]
	if !ok {
		return
	}
	min, max := groundBounds(e.pos, e.radius)
	ix.tr.Delete(min, max, e)
	delete(ix.entries, oid)
}

// candidate is one object surviving the broad-phase range search, with
// its exact 3D apparent size against a specific center.
type candidate struct {
	oid  cos.OID
	size float64
}

// Query returns every indexed object whose apparent size relative to
// center exceeds theta (spec.md §4.4 query contract), unsorted and
// unbounded by maxResults -- result-fairness eviction is applied by the
// caller (engine.go), which also needs the full candidate set to break
// ties deterministically.
func (ix *Index) Query(center meta.Vec3, self cos.OID, theta float64) []candidate {
	if theta <= 0 {
		theta = 1e-9
	}
	ix.mu.Lock()
	searchRadius := ix.maxRadius / theta
	ix.mu.Unlock()
	if searchRadius <= 0 {
		return nil
	}

	min, max := groundBounds(center, searchRadius)
	var out []candidate
	ix.mu.Lock()
	ix.tr.Search(min, max, func(_, _ [2]float64, value interface{}) bool {
		e := value.(*indexEntry)
		if e.oid == self {
			return true
		}
		dist := e.pos.Sub(center).Len()
		size := apparentSize(dist, e.radius)
		if size > theta {
			out = append(out, candidate{oid: e.oid, size: size})
		}
		return true
	})
	ix.mu.Unlock()
	return out
}

// Len reports how many objects are currently indexed (diagnostics/tests).
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.entries)
}
