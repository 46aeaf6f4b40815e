package vm

import "fmt"

// ---------------------------------------------------------------------------
// Heap: arena of collector-tracked objects
// ---------------------------------------------------------------------------

// Default collection tuning. InitialGCThreshold is the allocation volume that
// triggers the first collection; after each cycle the threshold is scaled by
// the growth factor to amortize collection cost.
const (
	DefaultGCThreshold   = 1024 * 1024
	DefaultGCGrowthFactor = 2
)

// heapSlot is one arena cell. A live slot holds an object; a free slot holds
// nil and keeps its generation so stale handles fail to resolve.
type heapSlot struct {
	gen    uint16
	marked bool
	obj    Object
}

// RootSource is anything that holds object references the collector must
// treat as live: the VM (stack, frames, globals, open upvalues) and any
// compiler with partially built functions.
type RootSource interface {
	MarkRoots(h *Heap)
}

// Heap owns every Rox object allocated during a run. Objects live in arena
// slots addressed by generation-tagged handles; the collector walks the
// arena directly for the sweep, so there are no intrusive object links.
//
// A Heap is scoped to one VM instance. It is not safe for concurrent use.
type Heap struct {
	slots []heapSlot
	free  []uint32 // indices of vacant slots, reused LIFO

	// strings is the intern table. It references strings weakly: entries
	// whose objects were not marked are dropped during the sweep.
	strings map[string]Handle

	bytesAllocated int
	nextGC         int
	growthFactor   int

	roots []RootSource
	gray  []Handle // mark-phase worklist

	// StressGC forces a collection before every allocation. Used by tests
	// to shake out missing roots.
	StressGC bool

	paused int // collection is disabled while > 0

	stats GCStats
}

// NewHeap creates an empty heap with default collection tuning.
func NewHeap() *Heap {
	return &Heap{
		strings:      make(map[string]Handle),
		nextGC:       DefaultGCThreshold,
		growthFactor: DefaultGCGrowthFactor,
	}
}

// SetGCThreshold overrides the allocation volume that triggers the next
// collection. Values <= 0 keep the default.
func (h *Heap) SetGCThreshold(bytes int) {
	if bytes > 0 {
		h.nextGC = bytes
	}
}

// SetGCGrowthFactor overrides the threshold scale factor applied after each
// collection. Values < 2 keep the default.
func (h *Heap) SetGCGrowthFactor(factor int) {
	if factor >= 2 {
		h.growthFactor = factor
	}
}

// AddRootSource registers a holder of live references with the collector.
func (h *Heap) AddRootSource(src RootSource) {
	h.roots = append(h.roots, src)
}

// RemoveRootSource unregisters a previously added root source.
func (h *Heap) RemoveRootSource(src RootSource) {
	for i, s := range h.roots {
		if s == src {
			h.roots = append(h.roots[:i], h.roots[i+1:]...)
			return
		}
	}
}

// Pause disables collection until the matching Resume. Used around multi-step
// allocations where intermediate objects are not yet reachable from any root.
func (h *Heap) Pause()  { h.paused++ }

// Resume re-enables collection after a Pause.
func (h *Heap) Resume() { h.paused-- }

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// Alloc places an object in the arena and returns its value. Allocation is
// the only collection trigger: when cumulative allocated bytes cross the
// current threshold, a full mark-sweep cycle runs first.
func (h *Heap) Alloc(obj Object) Value {
	if h.paused == 0 && (h.StressGC || h.bytesAllocated+obj.heapSize() > h.nextGC) {
		h.Collect()
	}
	h.bytesAllocated += obj.heapSize()

	var index uint32
	if n := len(h.free); n > 0 {
		index = h.free[n-1]
		h.free = h.free[:n-1]
		h.slots[index].obj = obj
		h.slots[index].marked = false
	} else {
		index = uint32(len(h.slots))
		h.slots = append(h.slots, heapSlot{obj: obj})
	}
	return FromHandle(Handle{Index: index, Gen: h.slots[index].gen})
}

// Intern returns the canonical string value for content, allocating a new
// StringObject only if no live one exists.
func (h *Heap) Intern(content string) Value {
	if handle, ok := h.strings[content]; ok {
		return FromHandle(handle)
	}
	v := h.Alloc(&StringObject{Chars: content})
	h.strings[content] = v.ObjectHandle()
	return v
}

// ---------------------------------------------------------------------------
// Handle resolution
// ---------------------------------------------------------------------------

// Get resolves a value to its heap object. Returns nil for non-object values
// and for stale handles (slot freed or reused since the handle was minted).
func (h *Heap) Get(v Value) Object {
	if !v.IsObject() {
		return nil
	}
	handle := v.ObjectHandle()
	if int(handle.Index) >= len(h.slots) {
		return nil
	}
	slot := &h.slots[handle.Index]
	if slot.gen != handle.Gen {
		return nil
	}
	return slot.obj
}

// Kind returns the object kind for v, or false if v is not a live object.
func (h *Heap) Kind(v Value) (ObjectKind, bool) {
	obj := h.Get(v)
	if obj == nil {
		return 0, false
	}
	return obj.Kind(), true
}

// AsString resolves v to a StringObject, or nil.
func (h *Heap) AsString(v Value) *StringObject {
	if s, ok := h.Get(v).(*StringObject); ok {
		return s
	}
	return nil
}

// AsFunction resolves v to a FunctionObject, or nil.
func (h *Heap) AsFunction(v Value) *FunctionObject {
	if f, ok := h.Get(v).(*FunctionObject); ok {
		return f
	}
	return nil
}

// AsClosure resolves v to a ClosureObject, or nil.
func (h *Heap) AsClosure(v Value) *ClosureObject {
	if c, ok := h.Get(v).(*ClosureObject); ok {
		return c
	}
	return nil
}

// AsUpvalue resolves v to an UpvalueObject, or nil.
func (h *Heap) AsUpvalue(v Value) *UpvalueObject {
	if u, ok := h.Get(v).(*UpvalueObject); ok {
		return u
	}
	return nil
}

// AsClass resolves v to a ClassObject, or nil.
func (h *Heap) AsClass(v Value) *ClassObject {
	if c, ok := h.Get(v).(*ClassObject); ok {
		return c
	}
	return nil
}

// AsInstance resolves v to an InstanceObject, or nil.
func (h *Heap) AsInstance(v Value) *InstanceObject {
	if i, ok := h.Get(v).(*InstanceObject); ok {
		return i
	}
	return nil
}

// AsBoundMethod resolves v to a BoundMethodObject, or nil.
func (h *Heap) AsBoundMethod(v Value) *BoundMethodObject {
	if b, ok := h.Get(v).(*BoundMethodObject); ok {
		return b
	}
	return nil
}

// AsNative resolves v to a NativeObject, or nil.
func (h *Heap) AsNative(v Value) *NativeObject {
	if n, ok := h.Get(v).(*NativeObject); ok {
		return n
	}
	return nil
}

// ---------------------------------------------------------------------------
// Introspection
// ---------------------------------------------------------------------------

// LiveObjects returns the number of occupied arena slots.
func (h *Heap) LiveObjects() int {
	return len(h.slots) - len(h.free)
}

// BytesAllocated returns the current allocation accounting figure.
func (h *Heap) BytesAllocated() int {
	return h.bytesAllocated
}

// InternedStrings returns the number of entries in the intern table.
func (h *Heap) InternedStrings() int {
	return len(h.strings)
}

// FormatValue renders a value the way the print statement does.
func (h *Heap) FormatValue(v Value) string {
	switch {
	case v == Nil:
		return "nil"
	case v == True:
		return "true"
	case v == False:
		return "false"
	case v.IsNumber():
		return FormatNumber(v.Number())
	}

	switch obj := h.Get(v).(type) {
	case *StringObject:
		return obj.Chars
	case *FunctionObject:
		if obj.Name == "" {
			return "<script>"
		}
		return fmt.Sprintf("<fn %s>", obj.Name)
	case *ClosureObject:
		return h.FormatValue(obj.Function)
	case *UpvalueObject:
		return "upvalue"
	case *ClassObject:
		return obj.Name
	case *InstanceObject:
		if class := h.AsClass(obj.ClassVal); class != nil {
			return class.Name + " instance"
		}
		return "instance"
	case *BoundMethodObject:
		return h.FormatValue(obj.Method)
	case *NativeObject:
		return "<native fn>"
	}
	return "<stale handle>"
}
