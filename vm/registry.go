package vm

import (
	"sort"
	"strings"
	"sync"
)

// ---------------------------------------------------------------------------
// Signatures
// ---------------------------------------------------------------------------

// Signature keys the native and export tables: an identifier followed by
// its parenthesised parameter types, e.g. "Spawn(int,object,int[])".
type Signature string

// MakeSignature builds the signature of name with the given parameters.
func MakeSignature(name string, params []DataType) Signature {
	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte('(')
	for i, p := range params {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(p.String())
	}
	sb.WriteByte(')')
	return Signature(sb.String())
}

// Name returns the identifier part of the signature.
func (s Signature) Name() string {
	if i := strings.IndexByte(string(s), '('); i >= 0 {
		return string(s[:i])
	}
	return string(s)
}

// ---------------------------------------------------------------------------
// Registry: natives and exported script functions
// ---------------------------------------------------------------------------

// NativeFunc is a host callable. It reads its parameters through the Param
// accessors of the calling thread and writes its result with Return.
type NativeFunc func(t *Thread) error

// Native is a registered host function.
type Native struct {
	Signature Signature
	Return    DataType
	Params    []DataType
	Fn        NativeFunc
}

// Export is a script function another process may call.
type Export struct {
	Signature Signature
	Process   *Process
	Function  *FunctionSymbol
}

// binding is the resolution of an imported function cached on its symbol.
// It records the registry generation it was resolved at; any later change
// to the registry invalidates it.
type binding struct {
	native   *Native
	export   *Export
	registry *Registry
	gen      uint64
}

func (b *binding) stale(r *Registry) bool {
	if b.registry != r || b.gen != r.generation() {
		return true
	}
	return b.export != nil && b.export.Process.Finished()
}

// Registry holds the native function table and the exported function
// directory. Both are shared by every process of the VMs using it; entries
// are added or overwritten, and removed only for detached processes.
type Registry struct {
	mu      sync.RWMutex
	natives map[Signature]*Native
	exports map[Signature]*Export
	gen     uint64 // bumped on every table change
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		natives: make(map[Signature]*Native),
		exports: make(map[Signature]*Export),
	}
}

// NewRegistryWithBuiltins creates a registry holding the core library.
func NewRegistryWithBuiltins() *Registry {
	r := NewRegistry()
	r.RegisterAll(Builtins())
	return r
}

// Register binds fn to name with the given parameter types. Registering an
// existing signature replaces it.
func (r *Registry) Register(name string, ret DataType, params []DataType, fn NativeFunc) Signature {
	sig := MakeSignature(name, params)
	r.mu.Lock()
	r.natives[sig] = &Native{Signature: sig, Return: ret, Params: params, Fn: fn}
	r.gen++
	r.mu.Unlock()
	return sig
}

// RegisterAll registers a static table of natives.
func (r *Registry) RegisterAll(natives []Native) {
	for _, n := range natives {
		r.Register(n.Signature.Name(), n.Return, n.Params, n.Fn)
	}
}

// Unregister removes a native.
func (r *Registry) Unregister(sig Signature) {
	r.mu.Lock()
	delete(r.natives, sig)
	r.gen++
	r.mu.Unlock()
}

// Find returns the native registered under sig.
func (r *Registry) Find(sig Signature) (*Native, bool) {
	r.mu.RLock()
	n, ok := r.natives[sig]
	r.mu.RUnlock()
	return n, ok
}

// Natives lists registered signatures in sorted order.
func (r *Registry) Natives() []Signature {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Signature, 0, len(r.natives))
	for sig := range r.natives {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Export publishes fn of process p. A later export of the same signature
// replaces it.
func (r *Registry) Export(p *Process, fn *FunctionSymbol) Signature {
	sig := fn.Signature()
	r.mu.Lock()
	r.exports[sig] = &Export{Signature: sig, Process: p, Function: fn}
	r.gen++
	r.mu.Unlock()
	return sig
}

// FindExport returns the live export registered under sig.
func (r *Registry) FindExport(sig Signature) (*Export, bool) {
	r.mu.RLock()
	e, ok := r.exports[sig]
	r.mu.RUnlock()
	if !ok || e.Process.Finished() {
		return nil, false
	}
	return e, true
}

// Unexport removes the export registered under sig.
func (r *Registry) Unexport(sig Signature) {
	r.mu.Lock()
	delete(r.exports, sig)
	r.gen++
	r.mu.Unlock()
}

// removeExports drops every export owned by p.
func (r *Registry) removeExports(p *Process) {
	r.mu.Lock()
	for sig, e := range r.exports {
		if e.Process == p {
			delete(r.exports, sig)
			r.gen++
		}
	}
	r.mu.Unlock()
}

// resolve finds the binding for an imported function: natives first, then
// exports.
func (r *Registry) resolve(fn *FunctionSymbol) (*binding, bool) {
	sig := fn.Signature()
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n, ok := r.natives[sig]; ok {
		return &binding{native: n, registry: r, gen: r.gen}, true
	}
	if e, ok := r.exports[sig]; ok && !e.Process.Finished() {
		return &binding{export: e, registry: r, gen: r.gen}, true
	}
	return nil, false
}

func (r *Registry) generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gen
}
