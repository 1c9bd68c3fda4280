// Package quad_tree indexes map features by a representative point so that
// the features intersecting a viewport can be found without a full scan.
//
// Node boundaries are half-open: a node owns points with Min <= p < Max on
// both axes. Quadrants split at Min+(Max-Min)/2 and the same value bounds both
// neighbours, so every point of a node belongs to exactly one child.
// Points stored before a node subdivides stay in that node.
//
// A Tree is not safe for concurrent use.
package quad_tree

import (
	"fmt"

	"github.com/paulmach/orb"
)

// Feature is a renderable geometry owned by a layer. The tree only keeps
// references, identity is the pointer.
type Feature struct {
	ID       string
	Geometry orb.Geometry
}

// Set collects query results without duplicates.
type Set map[*Feature]struct{}

func (s Set) Add(f *Feature) { s[f] = struct{}{} }

func (s Set) Has(f *Feature) bool {
	_, ok := s[f]
	return ok
}

type entry struct {
	point   orb.Point
	feature *Feature
}

const (
	northEast = iota
	northWest
	southEast
	southWest
)

// Tree is a quad-tree node. The root is an ordinary node created by New.
type Tree struct {
	capacity int
	boundary orb.Bound
	entries  []entry
	children *[4]*Tree
}

func New(capacity int, boundary orb.Bound) *Tree {
	if capacity < 1 {
		capacity = 1
	}
	return &Tree{
		capacity: capacity,
		boundary: boundary,
	}
}

func (t *Tree) Boundary() orb.Bound { return t.boundary }

// Insert stores f under p. It returns false when p lies outside the node.
func (t *Tree) Insert(p orb.Point, f *Feature) bool {
	if !t.contains(p) {
		return false
	}

	if len(t.entries) < t.capacity || !t.splittable() {
		t.entries = append(t.entries, entry{point: p, feature: f})
		return true
	}

	if t.children == nil {
		t.subdivide()
	}

	for _, child := range t.children {
		if child.Insert(p, f) {
			return true
		}
	}

	panic(fmt.Sprintf("quad_tree: point %v inside %v rejected by all quadrants", p, t.boundary))
}

// Query adds to out every feature whose point lies in rng, plus line and
// polygon features whose own bound intersects rng. Only nodes whose boundary
// intersects rng are visited.
func (t *Tree) Query(out Set, rng orb.Bound) {
	if !t.boundary.Intersects(rng) {
		return
	}

	for _, e := range t.entries {
		if rng.Contains(e.point) || (hasExtent(e.feature.Geometry) && e.feature.Geometry.Bound().Intersects(rng)) {
			out.Add(e.feature)
		}
	}

	if t.children == nil {
		return
	}
	for _, child := range t.children {
		child.Query(out, rng)
	}
}

// Erase removes every entry referencing f from the nodes containing p.
func (t *Tree) Erase(p orb.Point, f *Feature) {
	if !t.contains(p) {
		return
	}

	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.feature != f {
			kept = append(kept, e)
		}
	}
	clear(t.entries[len(kept):])
	t.entries = kept

	if t.children == nil {
		return
	}
	for _, child := range t.children {
		child.Erase(p, f)
	}
}

// Clear drops all entries and collapses the tree into an empty leaf.
func (t *Tree) Clear() {
	t.entries = nil
	t.children = nil
}

// Len counts the entries of the whole subtree.
func (t *Tree) Len() int {
	n := len(t.entries)
	if t.children != nil {
		for _, child := range t.children {
			n += child.Len()
		}
	}
	return n
}

func (t *Tree) contains(p orb.Point) bool {
	return p[0] >= t.boundary.Min[0] && p[0] < t.boundary.Max[0] &&
		p[1] >= t.boundary.Min[1] && p[1] < t.boundary.Max[1]
}

func (t *Tree) mid() orb.Point {
	lo, hi := t.boundary.Min, t.boundary.Max
	return orb.Point{lo[0] + (hi[0]-lo[0])/2, lo[1] + (hi[1]-lo[1])/2}
}

// splittable is false once the boundary is too thin for float64 to halve.
func (t *Tree) splittable() bool {
	m := t.mid()
	lo, hi := t.boundary.Min, t.boundary.Max
	return m[0] > lo[0] && m[0] < hi[0] && m[1] > lo[1] && m[1] < hi[1]
}

func (t *Tree) subdivide() {
	lo, hi, m := t.boundary.Min, t.boundary.Max, t.mid()

	var children [4]*Tree
	children[northEast] = New(t.capacity, orb.Bound{Min: orb.Point{m[0], m[1]}, Max: orb.Point{hi[0], hi[1]}})
	children[northWest] = New(t.capacity, orb.Bound{Min: orb.Point{lo[0], m[1]}, Max: orb.Point{m[0], hi[1]}})
	children[southEast] = New(t.capacity, orb.Bound{Min: orb.Point{m[0], lo[1]}, Max: orb.Point{hi[0], m[1]}})
	children[southWest] = New(t.capacity, orb.Bound{Min: orb.Point{lo[0], lo[1]}, Max: orb.Point{m[0], m[1]}})
	t.children = &children
}

func hasExtent(g orb.Geometry) bool {
	switch g.(type) {
	case orb.LineString, orb.MultiLineString, orb.Ring, orb.Polygon, orb.MultiPolygon, orb.Collection, orb.Bound:
		return true
	default:
		return false
	}
}
