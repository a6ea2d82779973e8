package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/chazu/cinder/vm"
)

// vmRequest represents a unit of work to be executed on the VM goroutine.
type vmRequest struct {
	fn   func(*vm.VM) any
	done chan vmResult
}

// vmResult holds the return value from a VM operation.
type vmResult struct {
	value any
	err   error
}

// VMWorker serializes all VM access through a single goroutine. The VM is
// single-threaded; every RPC handler and the host loop go through the
// worker. With a non-zero tick the worker also runs the host loop, giving
// every process one turn per tick.
type VMWorker struct {
	vm       *vm.VM
	requests chan vmRequest
	quit     chan struct{}
	stopped  chan struct{}
	tick     time.Duration

	idle     chan struct{}
	idleOnce sync.Once
}

// NewVMWorker creates a VMWorker and starts the processing goroutine. A
// tick of zero disables the host loop; callers then drive the VM with Do.
func NewVMWorker(v *vm.VM, tick time.Duration) *VMWorker {
	w := &VMWorker{
		vm:       v,
		requests: make(chan vmRequest, 64),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		tick:     tick,
		idle:     make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes VM requests and host loop ticks sequentially.
func (w *VMWorker) loop() {
	defer close(w.stopped)
	var ticks <-chan time.Time
	if w.tick > 0 {
		t := time.NewTicker(w.tick)
		defer t.Stop()
		ticks = t.C
	}
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-ticks:
			w.runTick()
		case <-w.quit:
			return
		}
	}
}

func (w *VMWorker) runTick() {
	res := w.execute(func(v *vm.VM) any { return v.RunAll(0) })
	if res.err != nil {
		log.Errorf("host loop: %v", res.err)
		return
	}
	if n, ok := res.value.(int); ok && n == 0 {
		w.idleOnce.Do(func() { close(w.idle) })
	}
}

// execute runs a function on the VM, recovering from panics.
func (w *VMWorker) execute(fn func(*vm.VM) any) vmResult {
	var result vmResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				result.err = fmt.Errorf("%v", r)
			}
		}()
		result.value = fn(w.vm)
	}()
	return result
}

// Do submits a function for execution on the VM goroutine and blocks
// until it completes. Returns the result and any error (including panics).
func (w *VMWorker) Do(fn func(*vm.VM) any) (any, error) {
	req := vmRequest{
		fn:   fn,
		done: make(chan vmResult, 1),
	}
	w.requests <- req
	result := <-req.done
	return result.value, result.err
}

// doErr runs fn on the worker and returns its error, folding in a
// recovered panic.
func (w *VMWorker) doErr(fn func(*vm.VM) error) error {
	v, err := w.Do(func(v *vm.VM) any { return fn(v) })
	if err != nil {
		return err
	}
	if e, ok := v.(error); ok {
		return e
	}
	return nil
}

// Idle is closed the first time a host loop tick leaves no process
// attached.
func (w *VMWorker) Idle() <-chan struct{} { return w.idle }

// Stop shuts down the worker goroutine and waits for it to exit.
func (w *VMWorker) Stop() {
	close(w.quit)
	<-w.stopped
}

// VM returns the underlying VM. Callers must not touch interpreter state
// outside Do.
func (w *VMWorker) VM() *vm.VM {
	return w.vm
}
