package vm

import "fmt"

// ---------------------------------------------------------------------------
// Stack: per-thread frame-addressable value stack
// ---------------------------------------------------------------------------

// Stack is a thread's operand and local storage. Cells live in a Slab, so a
// resolved cell keeps its identity while the stack grows. Every write and
// pop goes through the owning Memory so reference counts stay exact.
//
// A frame of n cells starts with a marker cell followed by n-1 locals; the
// frame base is the index just past the frame. Negative slot indices address
// cells relative to the current frame base.
type Stack struct {
	cells *Slab[Value]
	top   int
	base  int
	bases []int
	mem   *Memory
}

func newStack(mem *Memory, capacity int) *Stack {
	return &Stack{cells: newSlab[Value](capacity), mem: mem}
}

// Len returns the number of cells in use.
func (s *Stack) Len() int { return s.top }

// Base returns the current frame base.
func (s *Stack) Base() int { return s.base }

// Depth returns the number of open frames.
func (s *Stack) Depth() int { return len(s.bases) }

func (s *Stack) reserve() *Value {
	if !s.cells.InRange(s.top) {
		s.cells.Grow(1)
	}
	c := s.cells.At(s.top)
	s.top++
	return c
}

// Push stores a copy of v in a new top cell.
func (s *Stack) Push(v Value) {
	s.mem.assign(s.reserve(), v)
}

// PushEmpty pushes the zero value of d.
func (s *Stack) PushEmpty(d DataType) {
	s.mem.assign(s.reserve(), zeroOf(d))
}

// Pop removes the top cell and returns its value. The reference the cell
// held is released, so callers keeping an owning value must store it again.
func (s *Stack) Pop() (Value, error) {
	if s.top == 0 {
		return Null(), ErrStackUnderflow
	}
	s.top--
	c := s.cells.At(s.top)
	v := *c
	s.mem.release(c)
	v.refs = 0
	return v, nil
}

// Peek returns the top value without removing it.
func (s *Stack) Peek() (Value, error) {
	if s.top == 0 {
		return Null(), ErrStackUnderflow
	}
	return *s.cells.At(s.top - 1), nil
}

// At resolves a slot index to its cell.
func (s *Stack) At(index int) (*Value, error) {
	i := index
	if index < 0 {
		i = s.base + index
	}
	if i < 0 || i >= s.top {
		return nil, fmt.Errorf("%w: stack slot %d (top %d, base %d)", ErrOutOfBounds, index, s.top, s.base)
	}
	return s.cells.At(i), nil
}

// PushFrame opens a frame of n cells and makes it current.
func (s *Stack) PushFrame(n int) {
	s.pushFrame(n, frameMarker())
}

func (s *Stack) pushFrame(n int, marker Value) {
	s.bases = append(s.bases, s.base)
	for i := 0; i < n; i++ {
		c := s.reserve()
		if i == 0 {
			*c = marker
		} else {
			*c = Value{}
		}
	}
	s.base = s.top
}

// PopFrame closes the current frame of n cells, releasing what they hold.
func (s *Stack) PopFrame(n int) error {
	if n > s.top {
		return fmt.Errorf("%w: frame of %d cells on a stack of %d", ErrStackUnderflow, n, s.top)
	}
	for i := 0; i < n; i++ {
		s.top--
		s.mem.release(s.cells.At(s.top))
	}
	if len(s.bases) > 0 {
		s.base = s.bases[len(s.bases)-1]
		s.bases = s.bases[:len(s.bases)-1]
	}
	return nil
}

// unwindFrame pops cells down to and including the nearest frame or base
// marker, restoring the enclosing frame base. It reports which marker was
// found. Scratch cells above the expected frame are tolerated.
func (s *Stack) unwindFrame() (Kind, error) {
	for s.top > 0 {
		s.top--
		c := s.cells.At(s.top)
		k := c.kind
		s.mem.release(c)
		if k == KindFrameMarker || k == KindBaseMarker {
			if len(s.bases) > 0 {
				s.base = s.bases[len(s.bases)-1]
				s.bases = s.bases[:len(s.bases)-1]
			} else {
				s.base = 0
			}
			return k, nil
		}
	}
	s.base = 0
	s.bases = s.bases[:0]
	return KindInvalid, fmt.Errorf("%w: no frame marker below top", ErrStackCorrupt)
}

// truncate releases every cell above n.
func (s *Stack) truncate(n int) {
	for s.top > n {
		s.top--
		s.mem.release(s.cells.At(s.top))
	}
}

// clear releases every cell and forgets all frames.
func (s *Stack) clear() {
	s.truncate(0)
	s.base = 0
	s.bases = s.bases[:0]
}

// Values returns a copy of the live cells, bottom first.
func (s *Stack) Values() []Value {
	out := make([]Value, s.top)
	for i := range out {
		out[i] = *s.cells.At(i)
	}
	return out
}
