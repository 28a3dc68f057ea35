// Package region describes contiguous rectangular blocks of a decomposed array.
package region

import (
	"github.com/dreamware/pario/internal/arena"
)

// Region is one rectangular block: a start and count per dimension plus the
// position of its first element in the local buffer.
type Region struct {
	Start   []int64
	Count   []int64
	LOffset int64
}

// Alloc returns a region with zeroed coordinates for ndims dimensions.
// Both coordinate arrays are charged to a.
func Alloc(a *arena.Arena, ndims int) (*Region, error) {
	start, err := arena.Alloc[int64](a, ndims)
	if err != nil {
		return nil, err
	}
	count, err := arena.Alloc[int64](a, ndims)
	if err != nil {
		arena.Release(a, start)
		return nil, err
	}
	return &Region{Start: start, Count: count}, nil
}

// NDims returns the dimension count of the region.
func (r *Region) NDims() int {
	return len(r.Start)
}

// Elements returns the number of elements covered by the region.
func (r *Region) Elements() int64 {
	if r.Count == nil {
		return 0
	}
	n := int64(1)
	for _, c := range r.Count {
		n *= c
	}
	return n
}

// Release returns the coordinate arrays to a. It tolerates a partially built
// region and nils the fields so a second call is a no-op.
func (r *Region) Release(a *arena.Arena) {
	if r == nil {
		return
	}
	if r.Start != nil {
		arena.Release(a, r.Start)
		r.Start = nil
	}
	if r.Count != nil {
		arena.Release(a, r.Count)
		r.Count = nil
	}
}

// List is an ordered, exclusively owned sequence of regions. The zero value is an
// empty list that allocates without accounting.
type List struct {
	arena   *arena.Arena
	regions []*Region
}

// NewList creates an empty list whose regions are charged to a.
func NewList(a *arena.Arena) *List {
	return &List{arena: a}
}

// Add allocates a new zeroed region and appends it.
func (l *List) Add(ndims int) (*Region, error) {
	r, err := Alloc(l.arena, ndims)
	if err != nil {
		return nil, err
	}
	l.regions = append(l.regions, r)
	return r, nil
}

// Len returns the number of regions. A nil list is empty.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.regions)
}

// At returns the i-th region.
func (l *List) At(i int) *Region {
	return l.regions[i]
}

// First returns the head region or nil when the list is empty.
func (l *List) First() *Region {
	if l.Len() == 0 {
		return nil
	}
	return l.regions[0]
}

// All returns the regions in order. The slice is shared; callers must not append.
func (l *List) All() []*Region {
	if l == nil {
		return nil
	}
	return l.regions
}

// Elements returns the total element count of every region.
func (l *List) Elements() int64 {
	var n int64
	for _, r := range l.All() {
		n += r.Elements()
	}
	return n
}

// Free releases every region. It is safe on a nil list, on regions whose
// coordinate arrays were never allocated, and when called more than once.
func (l *List) Free() {
	if l == nil {
		return
	}
	for _, r := range l.regions {
		r.Release(l.arena)
	}
	l.regions = nil
}

// Truncate releases every region past the first n.
func (l *List) Truncate(n int) {
	if l == nil || n >= len(l.regions) {
		return
	}
	if n < 0 {
		n = 0
	}
	for _, r := range l.regions[n:] {
		r.Release(l.arena)
	}
	l.regions = l.regions[:n]
}
