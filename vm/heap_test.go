package vm

import (
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Slab tests
// ---------------------------------------------------------------------------

func TestSlabGrowKeepsPointers(t *testing.T) {
	s := newSlab[int](minPageSize)
	p := s.At(3)
	*p = 42

	s.Grow(1)
	if s.Cap() != 2*minPageSize {
		t.Fatalf("Cap after Grow = %d, want %d", s.Cap(), 2*minPageSize)
	}
	if s.At(3) != p || *p != 42 {
		t.Error("Grow moved an existing cell")
	}
	if !s.InRange(2*minPageSize-1) || s.InRange(2*minPageSize) {
		t.Error("InRange disagrees with Cap")
	}
}

func TestSlabAcquireCollectsBeforeGrowing(t *testing.T) {
	s := newSlab[int](minPageSize)
	free := false
	collected := 0
	find := func() (int, bool) { return 5, free }
	collect := func() {
		collected++
		free = true
	}
	if i := s.acquire(find, collect, 1); i != 5 {
		t.Errorf("acquire = %d, want 5", i)
	}
	if collected != 1 {
		t.Errorf("collect ran %d times, want 1", collected)
	}
	if s.Cap() != minPageSize {
		t.Errorf("slab grew to %d although collection freed space", s.Cap())
	}
}

// ---------------------------------------------------------------------------
// Heap tests
// ---------------------------------------------------------------------------

func checkNoOverlap(t *testing.T, h *Heap) {
	t.Helper()
	blocks := h.Blocks()
	for i, a := range blocks {
		for _, b := range blocks[i+1:] {
			// Each block spans its boundary cell and its payload.
			aLo, aHi := a.Start-1, a.Start+a.Size
			bLo, bHi := b.Start-1, b.Start+b.Size
			if aLo < bHi && bLo < aHi {
				t.Fatalf("blocks overlap: [%d,%d) and [%d,%d)", aLo, aHi, bLo, bHi)
			}
		}
	}
}

func TestHeapAllocateNonOverlapping(t *testing.T) {
	h := newHeap(16)
	sizes := []int{3, 5, 0, 7, 12, 1, 30}
	starts := make(map[int]int)
	for _, n := range sizes {
		start := h.allocate(n, ArrayOf(TypeInt), nil)
		starts[start] = n
		checkNoOverlap(t, h)
	}
	for start, n := range starts {
		size, ok := h.BlockSize(start)
		if !ok || size != n {
			t.Errorf("BlockSize(%d) = %d, %v; want %d", start, size, ok, n)
		}
	}
	if got := len(h.Blocks()); got != len(sizes) {
		t.Errorf("Blocks() = %d entries, want %d", got, len(sizes))
	}
	if h.Cap() <= 16 {
		t.Errorf("heap did not grow: cap %d", h.Cap())
	}
}

func TestHeapAllocateFreeSequence(t *testing.T) {
	h := newHeap(32)
	live := map[int]bool{}
	for round := 0; round < 20; round++ {
		start := h.allocate(round%6+1, ArrayOf(TypeLong), nil)
		live[start] = true
		if round%3 == 2 {
			for s := range live {
				if err := h.free(s); err != nil {
					t.Fatalf("free(%d): %v", s, err)
				}
				delete(live, s)
				break
			}
		}
		checkNoOverlap(t, h)
	}
	if got := len(h.Blocks()); got != len(live) {
		t.Errorf("Blocks() = %d entries, want %d", got, len(live))
	}
}

func TestHeapFreeReusesSpace(t *testing.T) {
	h := newHeap(32)
	a := h.allocate(4, ArrayOf(TypeInt), nil)
	h.allocate(4, ArrayOf(TypeInt), nil)
	if err := h.free(a); err != nil {
		t.Fatalf("free: %v", err)
	}
	if c := h.allocate(3, ArrayOf(TypeInt), nil); c != a {
		t.Errorf("allocate after free = %d, want reuse of %d", c, a)
	}
}

func TestHeapGuardAndElements(t *testing.T) {
	h := newHeap(16)
	if _, err := h.Cell(0); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("Cell(0) error = %v, want ErrOutOfBounds", err)
	}
	start := h.allocate(2, ArrayOf(TypeInt), nil)
	e, err := h.Element(start, 1)
	if err != nil {
		t.Fatalf("Element: %v", err)
	}
	if e.Kind() != KindInt || e.AsInt() != 0 {
		t.Errorf("fresh element = %s, want int(0)", e)
	}
	if _, err := h.Element(start, 2); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("Element past end error = %v, want ErrOutOfBounds", err)
	}
	if _, err := h.Element(start+1, 0); !errors.Is(err, ErrInvalidOperand) {
		t.Errorf("Element of non-block error = %v, want ErrInvalidOperand", err)
	}
	if err := h.free(start + 1); err == nil {
		t.Error("free of a payload cell should fail")
	}
}
