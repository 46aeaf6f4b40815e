package vm

import (
	"time"

	"github.com/tliron/commonlog"
)

var gcLog = commonlog.GetLogger("rox.gc")

// ---------------------------------------------------------------------------
// Mark-and-sweep collection
// ---------------------------------------------------------------------------

// GCStats holds statistics from the most recent collection cycle.
type GCStats struct {
	Collections    uint64        // total cycles this run
	LastReclaimed  int           // objects freed by the last cycle
	LastFreedBytes int           // accounting bytes released by the last cycle
	BytesAllocated int           // accounting bytes live after the last cycle
	NextThreshold  int           // allocation volume that triggers the next cycle
	LastDuration   time.Duration // wall time of the last cycle
}

// Stats returns statistics from the most recent collection.
func (h *Heap) Stats() GCStats {
	return h.stats
}

// Collect runs one synchronous mark-sweep cycle. Execution is paused for the
// duration; nothing reachable from a registered root source is freed.
func (h *Heap) Collect() {
	start := time.Now()
	before := h.bytesAllocated

	// Mark phase: depth-first from every root source.
	for _, src := range h.roots {
		src.MarkRoots(h)
	}
	h.traceReferences()

	// The intern table references strings weakly. Entries whose objects
	// survived are kept; the rest are dropped so the table cannot keep
	// dead strings alive forever.
	h.removeUnmarkedStrings()

	reclaimed := h.sweep()

	h.nextGC = h.bytesAllocated * h.growthFactor
	if h.nextGC < DefaultGCThreshold {
		h.nextGC = DefaultGCThreshold
	}

	h.stats.Collections++
	h.stats.LastReclaimed = reclaimed
	h.stats.LastFreedBytes = before - h.bytesAllocated
	h.stats.BytesAllocated = h.bytesAllocated
	h.stats.NextThreshold = h.nextGC
	h.stats.LastDuration = time.Since(start)

	gcLog.Debugf("cycle %d: reclaimed %d objects (%d bytes), %d live, next at %d bytes",
		h.stats.Collections, reclaimed, h.stats.LastFreedBytes, h.LiveObjects(), h.nextGC)
}

// ---------------------------------------------------------------------------
// Mark phase
// ---------------------------------------------------------------------------

// MarkValue marks the object behind v, if any, and queues it for tracing.
// Safe to call with non-object values; they are ignored.
func (h *Heap) MarkValue(v Value) {
	if !v.IsObject() {
		return
	}
	handle := v.ObjectHandle()
	if int(handle.Index) >= len(h.slots) {
		return
	}
	slot := &h.slots[handle.Index]
	if slot.gen != handle.Gen || slot.obj == nil || slot.marked {
		return
	}
	slot.marked = true
	h.gray = append(h.gray, handle)
}

// traceReferences drains the gray worklist, marking each object's owned
// references until the reachable set is closed.
func (h *Heap) traceReferences() {
	for len(h.gray) > 0 {
		handle := h.gray[len(h.gray)-1]
		h.gray = h.gray[:len(h.gray)-1]
		h.blacken(h.slots[handle.Index].obj)
	}
}

// blacken marks everything an object owns.
func (h *Heap) blacken(obj Object) {
	switch o := obj.(type) {
	case *StringObject, *NativeObject:
		// No outgoing references.

	case *FunctionObject:
		for _, c := range o.Chunk.Constants {
			h.MarkValue(c)
		}

	case *ClosureObject:
		h.MarkValue(o.Function)
		for _, uv := range o.Upvalues {
			h.MarkValue(uv)
		}

	case *UpvalueObject:
		if !o.Open {
			h.MarkValue(o.Closed)
		}

	case *ClassObject:
		h.MarkValue(o.Superclass)
		for _, m := range o.Methods {
			h.MarkValue(m)
		}

	case *InstanceObject:
		h.MarkValue(o.ClassVal)
		for _, f := range o.Fields {
			h.MarkValue(f)
		}

	case *BoundMethodObject:
		h.MarkValue(o.Receiver)
		h.MarkValue(o.Method)
	}
}

// ---------------------------------------------------------------------------
// Sweep phase
// ---------------------------------------------------------------------------

// removeUnmarkedStrings drops intern-table entries whose string objects were
// not marked. Runs between marking and the sweep, while mark bits are valid.
func (h *Heap) removeUnmarkedStrings() {
	for content, handle := range h.strings {
		slot := &h.slots[handle.Index]
		if slot.gen != handle.Gen || !slot.marked {
			delete(h.strings, content)
		}
	}
}

// sweep walks the arena and frees every unmarked object, bumping the slot
// generation so outstanding handles to it become stale rather than dangling.
// Marked objects have their bit cleared for the next cycle.
func (h *Heap) sweep() int {
	reclaimed := 0
	for i := range h.slots {
		slot := &h.slots[i]
		if slot.obj == nil {
			continue
		}
		if slot.marked {
			slot.marked = false
			continue
		}
		h.bytesAllocated -= slot.obj.heapSize()
		slot.obj = nil
		slot.gen++
		h.free = append(h.free, uint32(i))
		reclaimed++
	}
	return reclaimed
}
