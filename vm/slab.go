package vm

// ---------------------------------------------------------------------------
// Slab: paged storage shared by the Value Heap and the Object Table
// ---------------------------------------------------------------------------

// Slab is a growable array of cells stored in fixed-size pages. Growing adds
// pages and never moves an existing cell, so a pointer returned by At stays
// valid for the lifetime of the slab.
type Slab[T any] struct {
	pages    [][]T
	pageSize int
}

// minPageSize keeps tiny slabs from degenerating into one page per cell.
const minPageSize = 16

// newSlab creates a slab with at least the given capacity.
func newSlab[T any](capacity int) *Slab[T] {
	if capacity < minPageSize {
		capacity = minPageSize
	}
	return &Slab[T]{
		pages:    [][]T{make([]T, capacity)},
		pageSize: capacity,
	}
}

// Cap returns the number of cells.
func (s *Slab[T]) Cap() int {
	return len(s.pages) * s.pageSize
}

// At returns a pointer to cell i.
func (s *Slab[T]) At(i int) *T {
	return &s.pages[i/s.pageSize][i%s.pageSize]
}

// InRange reports whether i addresses a cell.
func (s *Slab[T]) InRange(i int) bool {
	return i >= 0 && i < s.Cap()
}

// Grow doubles the capacity, or grows it by need cells if that is larger.
func (s *Slab[T]) Grow(need int) {
	add := s.Cap()
	if need > add {
		add = need
	}
	pages := (add + s.pageSize - 1) / s.pageSize
	for i := 0; i < pages; i++ {
		s.pages = append(s.pages, make([]T, s.pageSize))
	}
}

// acquire runs the allocation retry policy: find, collect and find again,
// then grow until find succeeds. It never fails.
func (s *Slab[T]) acquire(find func() (int, bool), collect func(), need int) int {
	if i, ok := find(); ok {
		return i
	}
	if collect != nil {
		collect()
		if i, ok := find(); ok {
			return i
		}
	}
	for {
		s.Grow(need)
		if i, ok := find(); ok {
			return i
		}
	}
}
