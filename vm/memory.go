package vm

import (
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Memory: a process's Value Heap and Object Table
// ---------------------------------------------------------------------------

// Memory owns the two reference-counted heaps of one process. All stores of
// object and heap indices into non-register cells go through assign, which
// keeps every slot's count equal to the number of cells referencing it.
type Memory struct {
	heap    *Heap
	objects *ObjectTable

	// roots reports values the sweep must treat as live even with a zero
	// count: the register files of the owning process's threads.
	roots func() []Value

	// fresh holds values allocated during the current instruction. They are
	// roots until settle is called, so a sweep triggered by a nested
	// allocation cannot reclaim a block that is still being filled.
	fresh []Value

	clock  Clock
	lastGC GCStats
}

func newMemory(cfg Config, clock Clock) *Memory {
	return &Memory{
		heap:    newHeap(cfg.HeapCapacity),
		objects: newObjectTable(cfg.ObjectCapacity),
		clock:   clock,
	}
}

// Heap returns the Value Heap.
func (m *Memory) Heap() *Heap { return m.heap }

// Objects returns the Object Table.
func (m *Memory) Objects() *ObjectTable { return m.objects }

// retain increments the count of the slot v references.
func (m *Memory) retain(v Value) {
	switch v.kind {
	case KindObject:
		if s := m.objects.slot(int(v.num)); s != nil {
			s.refs++
		}
	case KindHeapRef:
		if b, ok := m.heap.boundaryOf(int(v.num)); ok {
			b.refs++
		}
	}
}

// drop decrements the count of the slot v references.
func (m *Memory) drop(v Value) {
	switch v.kind {
	case KindObject:
		if s := m.objects.slot(int(v.num)); s != nil {
			s.refs--
		}
	case KindHeapRef:
		if b, ok := m.heap.boundaryOf(int(v.num)); ok {
			b.refs--
		}
	}
}

// assign stores src into dst, moving one counted reference from the old
// target of dst to the target of src.
func (m *Memory) assign(dst *Value, src Value) {
	src.refs = 0
	if src.kind.IsOwning() {
		m.retain(src)
	}
	if dst.kind.IsOwning() {
		m.drop(*dst)
	}
	*dst = src
}

// release nulls dst, dropping any reference it held.
func (m *Memory) release(dst *Value) {
	if dst.kind.IsOwning() {
		m.drop(*dst)
	}
	*dst = Value{}
}

// NewObject stores obj in the Object Table and returns an unowned reference
// to it. The count rises once the value is assigned to a cell.
func (m *Memory) NewObject(obj ScriptObject) Value {
	v := objectRef(m.objects.allocate(obj, false, m.collectQuietly))
	m.fresh = append(m.fresh, v)
	return v
}

// PinObject stores obj so that it is never collected.
func (m *Memory) PinObject(obj ScriptObject) Value {
	return objectRef(m.objects.allocate(obj, true, m.collectQuietly))
}

// settle ends the current allocation window.
func (m *Memory) settle() {
	m.fresh = m.fresh[:0]
}

// Object returns the object v references.
func (m *Memory) Object(v Value) (ScriptObject, bool) {
	if v.kind != KindObject {
		return nil, false
	}
	return m.objects.Get(int(v.num))
}

// Allocate reserves a heap block of size elements of type d (d is the array
// type) and returns an unowned heap-ref to it.
func (m *Memory) Allocate(size int, d DataType) Value {
	d.Array = true
	v := heapRef(m.heap.allocate(size, d, m.collectQuietly), d)
	m.fresh = append(m.fresh, v)
	return v
}

// Deallocate frees the block ref references, releasing its payload.
func (m *Memory) Deallocate(ref Value) error {
	if ref.kind != KindHeapRef {
		return fmt.Errorf("%w: deallocate of %s", ErrInvalidOperand, ref.kind)
	}
	return m.reclaim(int(ref.num))
}

func (m *Memory) reclaim(start int) error {
	size, ok := m.heap.BlockSize(start)
	if !ok {
		return fmt.Errorf("%w: heap index %d is not a block", ErrInvalidOperand, start)
	}
	for i := 0; i < size; i++ {
		m.release(m.heap.cells.At(start + i))
	}
	return m.heap.free(start)
}

// ArrayLen returns the element count of the block ref references.
func (m *Memory) ArrayLen(ref Value) (int, error) {
	if ref.kind != KindHeapRef {
		return 0, fmt.Errorf("%w: %s is not an array", ErrInvalidOperand, ref.kind)
	}
	size, ok := m.heap.BlockSize(int(ref.num))
	if !ok {
		return 0, fmt.Errorf("%w: dangling array reference %d", ErrInvalidOperand, ref.num)
	}
	return size, nil
}

// Element returns a pointer to element i of the array ref references.
func (m *Memory) Element(ref Value, i int) (*Value, error) {
	if ref.kind != KindHeapRef {
		return nil, fmt.Errorf("%w: indexing %s", ErrInvalidOperand, ref.kind)
	}
	return m.heap.Element(int(ref.num), i)
}

// ---------------------------------------------------------------------------
// Collection
// ---------------------------------------------------------------------------

// GCStats holds statistics from one collection pass.
type GCStats struct {
	BlocksSwept  int
	ObjectsSwept int
	Duration     time.Duration
	Timestamp    time.Time
}

func (m *Memory) collectQuietly() {
	stats := m.collect(m.clock.Now())
	gcLog.Debugf("allocation-triggered sweep: %d blocks, %d objects", stats.BlocksSwept, stats.ObjectsSwept)
}

// collect sweeps the heap until no block with a zero count remains, then
// sweeps the object table. Register-held values are roots.
func (m *Memory) collect(now time.Time) GCStats {
	start := time.Now()
	blockRoots := make(map[int]struct{})
	objectRoots := make(map[int]struct{})
	roots := m.fresh
	if m.roots != nil {
		roots = append(roots[:len(roots):len(roots)], m.roots()...)
	}
	for _, v := range roots {
		switch v.kind {
		case KindHeapRef:
			blockRoots[int(v.num)] = struct{}{}
		case KindObject:
			objectRoots[int(v.num)] = struct{}{}
		}
	}

	stats := GCStats{Timestamp: now}
	for {
		swept := 0
		for _, b := range m.heap.Blocks() {
			if b.Refs > 0 {
				continue
			}
			if _, ok := blockRoots[b.Start]; ok {
				continue
			}
			if err := m.reclaim(b.Start); err == nil {
				swept++
			}
		}
		if swept == 0 {
			break
		}
		stats.BlocksSwept += swept
	}
	stats.ObjectsSwept = m.objects.sweep(objectRoots)
	stats.Duration = time.Since(start)
	m.lastGC = stats
	return stats
}

// discard tears memory down wholesale, releasing every live object.
func (m *Memory) discard() {
	m.objects.releaseAll()
	m.heap = newHeap(minPageSize)
}
