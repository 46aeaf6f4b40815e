package vm

import (
	"testing"
)

// valueRoots is a test RootSource pinning an explicit set of values.
type valueRoots struct {
	values []Value
}

func (r *valueRoots) MarkRoots(h *Heap) {
	for _, v := range r.values {
		h.MarkValue(v)
	}
}

// ---------------------------------------------------------------------------
// Allocation and handle tests
// ---------------------------------------------------------------------------

func TestAllocAndGet(t *testing.T) {
	h := NewHeap()
	v := h.Alloc(&StringObject{Chars: "hello"})

	obj := h.Get(v)
	if obj == nil {
		t.Fatal("Get returned nil for a live object")
	}
	s, ok := obj.(*StringObject)
	if !ok {
		t.Fatalf("Get returned %T, want *StringObject", obj)
	}
	if s.Chars != "hello" {
		t.Errorf("Chars = %q, want %q", s.Chars, "hello")
	}
	if h.LiveObjects() != 1 {
		t.Errorf("LiveObjects = %d, want 1", h.LiveObjects())
	}
}

func TestStaleHandleResolvesToNil(t *testing.T) {
	h := NewHeap()
	v := h.Alloc(&StringObject{Chars: "doomed"})

	// Nothing roots the object, so a collection reclaims its slot.
	h.Collect()

	if h.Get(v) != nil {
		t.Error("stale handle should resolve to nil")
	}

	// The slot gets reused under a new generation; the old handle must not
	// see the new occupant.
	v2 := h.Alloc(&StringObject{Chars: "fresh"})
	if v2.ObjectHandle().Index != v.ObjectHandle().Index {
		t.Fatalf("expected slot reuse, got index %d and %d",
			v.ObjectHandle().Index, v2.ObjectHandle().Index)
	}
	if h.Get(v) != nil {
		t.Error("stale handle resolved to the slot's new occupant")
	}
	if h.Get(v2) == nil {
		t.Error("fresh handle should resolve")
	}
}

func TestRootedObjectSurvivesCollection(t *testing.T) {
	h := NewHeap()
	v := h.Alloc(&StringObject{Chars: "kept"})
	roots := &valueRoots{values: []Value{v}}
	h.AddRootSource(roots)
	defer h.RemoveRootSource(roots)

	h.Collect()

	if h.Get(v) == nil {
		t.Error("rooted object was collected")
	}
}

// ---------------------------------------------------------------------------
// Interning tests
// ---------------------------------------------------------------------------

func TestInternDedupes(t *testing.T) {
	h := NewHeap()
	a := h.Intern("same")
	b := h.Intern("same")
	c := h.Intern("other")

	if a != b {
		t.Error("interning the same content should return the same value")
	}
	if a == c {
		t.Error("distinct content should intern to distinct values")
	}
	if h.InternedStrings() != 2 {
		t.Errorf("InternedStrings = %d, want 2", h.InternedStrings())
	}
}

func TestInternTableIsWeak(t *testing.T) {
	h := NewHeap()
	kept := h.Intern("kept")
	h.Intern("dropped")

	roots := &valueRoots{values: []Value{kept}}
	h.AddRootSource(roots)
	defer h.RemoveRootSource(roots)

	h.Collect()

	if h.InternedStrings() != 1 {
		t.Errorf("InternedStrings = %d after collect, want 1", h.InternedStrings())
	}

	// Re-interning the dropped content allocates a new object; the kept one
	// still dedupes to itself.
	if h.Intern("kept") != kept {
		t.Error("surviving interned string lost its table entry")
	}
	revived := h.Intern("dropped")
	if h.Get(revived) == nil {
		t.Error("re-interned string should be live")
	}
}

// ---------------------------------------------------------------------------
// Reachability tracing tests
// ---------------------------------------------------------------------------

func TestCollectTracesObjectGraph(t *testing.T) {
	h := NewHeap()

	name := h.Intern("Point")
	class := h.Alloc(&ClassObject{
		Name:       "Point",
		Methods:    map[string]Value{},
		Superclass: Nil,
	})
	field := h.Intern("x-value")
	inst := h.Alloc(&InstanceObject{
		ClassVal: class,
		Fields:   map[string]Value{"x": field},
	})

	// Only the instance is rooted; the class and field value must survive
	// through tracing.
	roots := &valueRoots{values: []Value{inst}}
	h.AddRootSource(roots)
	defer h.RemoveRootSource(roots)

	h.Collect()

	if h.Get(inst) == nil {
		t.Fatal("rooted instance was collected")
	}
	if h.Get(class) == nil {
		t.Error("instance's class was collected")
	}
	if h.Get(field) == nil {
		t.Error("instance's field value was collected")
	}
	// The class name string was only reachable via the intern table, which
	// is weak; "Point" as a bare interned string should have been dropped.
	_ = name
}

func TestClosureTracing(t *testing.T) {
	h := NewHeap()

	fn := h.Alloc(&FunctionObject{Name: "f", Chunk: NewChunk()})
	captured := h.Intern("captured")
	uv := h.Alloc(&UpvalueObject{Open: false, Closed: captured})
	closure := h.Alloc(&ClosureObject{Function: fn, Upvalues: []Value{uv}})

	roots := &valueRoots{values: []Value{closure}}
	h.AddRootSource(roots)
	defer h.RemoveRootSource(roots)

	h.Collect()

	for name, v := range map[string]Value{
		"closure": closure, "function": fn, "upvalue": uv, "captured": captured,
	} {
		if h.Get(v) == nil {
			t.Errorf("%s was collected despite being reachable", name)
		}
	}
}

// ---------------------------------------------------------------------------
// GC pacing tests
// ---------------------------------------------------------------------------

func TestStressGCCollectsEagerly(t *testing.T) {
	h := NewHeap()
	h.StressGC = true

	for i := 0; i < 100; i++ {
		h.Alloc(&StringObject{Chars: "garbage"})
	}

	// Every allocation triggered a collection and nothing was rooted, so at
	// most the newest object is live.
	if live := h.LiveObjects(); live > 1 {
		t.Errorf("LiveObjects = %d under stress GC, want <= 1", live)
	}
	if h.Stats().Collections == 0 {
		t.Error("stress GC should have recorded collections")
	}
}

func TestPauseSuppressesCollection(t *testing.T) {
	h := NewHeap()
	h.StressGC = true

	h.Pause()
	for i := 0; i < 10; i++ {
		h.Alloc(&StringObject{Chars: "pinned by pause"})
	}
	if h.LiveObjects() != 10 {
		t.Errorf("LiveObjects = %d while paused, want 10", h.LiveObjects())
	}
	h.Resume()

	h.Alloc(&StringObject{Chars: "trigger"})
	if live := h.LiveObjects(); live > 1 {
		t.Errorf("LiveObjects = %d after resume, want <= 1", live)
	}
}

func TestThresholdGrowsAfterCollection(t *testing.T) {
	h := NewHeap()
	h.SetGCThreshold(1) // force a collection on the next allocation

	v := h.Alloc(&StringObject{Chars: "a"})
	roots := &valueRoots{values: []Value{v}}
	h.AddRootSource(roots)
	defer h.RemoveRootSource(roots)

	h.Alloc(&StringObject{Chars: "b"})

	stats := h.Stats()
	if stats.Collections == 0 {
		t.Fatal("expected at least one collection")
	}
	if stats.NextThreshold <= 0 {
		t.Errorf("NextThreshold = %d, want > 0", stats.NextThreshold)
	}
}
