package model

import "fmt"

// PageID is the zero-based number of a fixed-size page in the index file.
type PageID = uint32

// InvalidPage marks the absence of a page reference (end of chain,
// unset entry point, empty neighbor slot).
const InvalidPage PageID = 0xFFFFFFFF

// Location addresses a tuple by its page and slot. Locations are stable
// handles: an element keeps its location for its whole lifetime, but a
// location read from a neighbor slot may be stale under concurrency and
// must be revalidated on access.
type Location struct {
	Page PageID
	Slot uint16
}

// InvalidLocation is the zero reference.
var InvalidLocation = Location{Page: InvalidPage}

// IsValid reports whether l references a page at all.
func (l Location) IsValid() bool {
	return l.Page != InvalidPage
}

// String returns a string representation of the Location.
func (l Location) String() string {
	if !l.IsValid() {
		return "Loc(invalid)"
	}
	return fmt.Sprintf("Loc(%d:%d)", l.Page, l.Slot)
}

// HeapRef points to the original row/object a vector value came from.
// Zero means an empty heap-reference slot; duplicates of the same vector
// value share one element via multiple heap references.
type HeapRef uint64

// Candidate is a potential graph neighbor produced by search:
// an element location plus its distance to the query vector.
type Candidate struct {
	Loc  Location
	Dist float32
}
