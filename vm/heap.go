package vm

import "fmt"

// ---------------------------------------------------------------------------
// Heap: boundary-tagged value memory for globals and arrays
// ---------------------------------------------------------------------------

// Heap is a process's dynamically allocated value memory. Every allocation is
// a run of payload cells preceded by one boundary cell recording the block's
// size, reference count and declared type. Cell 0 is a reserved guard.
type Heap struct {
	cells *Slab[Value]
}

// BlockInfo describes one live heap allocation.
type BlockInfo struct {
	Start int // index of the first payload cell
	Size  int
	Refs  int
	Type  DataType
}

func newHeap(capacity int) *Heap {
	h := &Heap{cells: newSlab[Value](capacity)}
	h.reset()
	return h
}

// reset reinitialises the guard cell.
func (h *Heap) reset() {
	*h.cells.At(0) = invalidGuard()
}

// Cap returns the number of heap cells.
func (h *Heap) Cap() int {
	return h.cells.Cap()
}

// Cell returns a pointer to heap cell i.
func (h *Heap) Cell(i int) (*Value, error) {
	if i <= 0 || !h.cells.InRange(i) {
		return nil, fmt.Errorf("%w: heap index %d (capacity %d)", ErrOutOfBounds, i, h.cells.Cap())
	}
	return h.cells.At(i), nil
}

// boundaryOf returns the boundary cell of the block starting at start.
func (h *Heap) boundaryOf(start int) (*Value, bool) {
	if start < 2 || !h.cells.InRange(start) {
		return nil, false
	}
	b := h.cells.At(start - 1)
	if b.kind != KindBoundary {
		return nil, false
	}
	return b, true
}

// BlockSize returns the payload size of the block starting at start.
func (h *Heap) BlockSize(start int) (int, bool) {
	b, ok := h.boundaryOf(start)
	if !ok {
		return 0, false
	}
	return int(b.num), true
}

// Refs returns the reference count of the block starting at start.
func (h *Heap) Refs(start int) int {
	b, ok := h.boundaryOf(start)
	if !ok {
		return 0
	}
	return int(b.refs)
}

// Element returns a pointer to element i of the block starting at start.
func (h *Heap) Element(start, i int) (*Value, error) {
	size, ok := h.BlockSize(start)
	if !ok {
		return nil, fmt.Errorf("%w: heap index %d is not a block", ErrInvalidOperand, start)
	}
	if i < 0 || i >= size {
		return nil, fmt.Errorf("%w: element %d of %d-element block", ErrOutOfBounds, i, size)
	}
	return h.cells.At(start + i), nil
}

// allocate reserves a block of size payload cells and returns the index of
// the first payload cell. collect is invoked once before the heap grows.
func (h *Heap) allocate(size int, d DataType, collect func()) int {
	if size < 0 {
		size = 0
	}
	at := h.cells.acquire(func() (int, bool) { return h.findRun(size + 1) }, collect, size+1)

	*h.cells.At(at) = boundary(size, d)
	zero := zeroOf(d.Elem())
	for i := 1; i <= size; i++ {
		*h.cells.At(at + i) = zero
	}
	return at + 1
}

// findRun scans for n free contiguous cells, jumping over live blocks.
func (h *Heap) findRun(n int) (int, bool) {
	run, runStart := 0, 0
	limit := h.cells.Cap()
	for i := 1; i < limit; {
		c := h.cells.At(i)
		switch c.kind {
		case KindBoundary:
			i += int(c.num) + 1
			run = 0
			continue
		case KindNull:
			if run == 0 {
				runStart = i
			}
			run++
			if run == n {
				return runStart, true
			}
		default:
			run = 0
		}
		i++
	}
	return 0, false
}

// free nulls the boundary cell and the payload of the block at start. It
// does not release references held by the payload; Memory does that first.
func (h *Heap) free(start int) error {
	size, ok := h.BlockSize(start)
	if !ok {
		return fmt.Errorf("%w: heap index %d is not a block", ErrInvalidOperand, start)
	}
	for i := start - 1; i < start+size; i++ {
		*h.cells.At(i) = Value{}
	}
	return nil
}

// Blocks lists every live allocation in address order.
func (h *Heap) Blocks() []BlockInfo {
	var blocks []BlockInfo
	limit := h.cells.Cap()
	for i := 1; i < limit; {
		c := h.cells.At(i)
		if c.kind == KindBoundary {
			blocks = append(blocks, BlockInfo{
				Start: i + 1,
				Size:  int(c.num),
				Refs:  int(c.refs),
				Type:  c.dtype,
			})
			i += int(c.num) + 1
			continue
		}
		i++
	}
	return blocks
}

// zeroOf returns the initial value of a cell of type d.
func zeroOf(d DataType) Value {
	if d.Array || d.Base == TypeObject || d.Base == TypeVoid {
		return Null().withType(d)
	}
	return Convert(Null(), d.Base)
}
