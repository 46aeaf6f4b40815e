package vm

// ---------------------------------------------------------------------------
// Heap object kinds
// ---------------------------------------------------------------------------

// ObjectKind identifies the concrete type of a heap object.
type ObjectKind int

const (
	KindString ObjectKind = iota
	KindFunction
	KindClosure
	KindUpvalue
	KindClass
	KindInstance
	KindBoundMethod
	KindNative
)

var kindNames = map[ObjectKind]string{
	KindString:      "string",
	KindFunction:    "function",
	KindClosure:     "closure",
	KindUpvalue:     "upvalue",
	KindClass:       "class",
	KindInstance:    "instance",
	KindBoundMethod: "bound method",
	KindNative:      "native",
}

func (k ObjectKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Object is a heap-allocated, collector-tracked value. Every object lives in
// a heap arena slot and is addressed through a generation-tagged Handle.
type Object interface {
	Kind() ObjectKind

	// heapSize approximates the object's footprint in bytes for the
	// collection-pressure heuristic. It need not be exact; it only has to
	// grow monotonically with real memory use.
	heapSize() int
}

// ---------------------------------------------------------------------------
// String
// ---------------------------------------------------------------------------

// StringObject is an immutable, interned string. At most one StringObject
// exists per distinct content during a run, so string equality is handle
// equality.
type StringObject struct {
	Chars string
}

func (s *StringObject) Kind() ObjectKind { return KindString }
func (s *StringObject) heapSize() int { return 32 + len(s.Chars) }

// ---------------------------------------------------------------------------
// Function and Closure
// ---------------------------------------------------------------------------

// FunctionObject is a compiled function body: its chunk plus call metadata.
// The compiler produces these; the VM only ever executes them wrapped in a
// ClosureObject.
type FunctionObject struct {
	Name         string // empty for the top-level script
	Arity        int
	UpvalueCount int
	Chunk        *Chunk
}

func (f *FunctionObject) Kind() ObjectKind { return KindFunction }

func (f *FunctionObject) heapSize() int {
	return 64 + len(f.Name) + len(f.Chunk.Code) + 8*len(f.Chunk.Constants) + 8*len(f.Chunk.Lines)
}

// ClosureObject pairs a FunctionObject with the upvalues it captured. Every
// runtime function value is a closure, even when the capture list is empty.
type ClosureObject struct {
	Function Value   // handle to FunctionObject
	Upvalues []Value // handles to UpvalueObjects, len == UpvalueCount
}

func (c *ClosureObject) Kind() ObjectKind { return KindClosure }
func (c *ClosureObject) heapSize() int { return 32 + 8*len(c.Upvalues) }

// ---------------------------------------------------------------------------
// Upvalue
// ---------------------------------------------------------------------------

// UpvalueObject is a captured variable. While the variable's stack slot is
// still live the upvalue is open and Slot points at it; when the owning
// frame is popped the upvalue is closed exactly once, copying the value out
// of the stack into Closed.
type UpvalueObject struct {
	Open   bool
	Slot   int   // absolute operand-stack index, valid while Open
	Closed Value // owned value once closed
}

func (u *UpvalueObject) Kind() ObjectKind { return KindUpvalue }
func (u *UpvalueObject) heapSize() int { return 32 }

// Close transitions an open upvalue to its closed state.
func (u *UpvalueObject) Close(v Value) {
	if !u.Open {
		panic("UpvalueObject.Close: already closed")
	}
	u.Open = false
	u.Slot = -1
	u.Closed = v
}

// ---------------------------------------------------------------------------
// Class, Instance, BoundMethod
// ---------------------------------------------------------------------------

// ClassObject is a class value: a name, a method table, and an optional
// superclass. Inheritance is an explicit chain walk over Superclass, not a
// host-language subtyping feature.
type ClassObject struct {
	Name       string
	Methods    map[string]Value // method name -> closure handle
	Superclass Value            // class handle, or Nil
}

func (c *ClassObject) Kind() ObjectKind { return KindClass }
func (c *ClassObject) heapSize() int { return 64 + len(c.Name) + 24*len(c.Methods) }

// InstanceObject is an instance of a class. ClassVal is set once at
// construction and never reassigned.
type InstanceObject struct {
	ClassVal Value // handle to ClassObject
	Fields   map[string]Value
}

func (i *InstanceObject) Kind() ObjectKind { return KindInstance }
func (i *InstanceObject) heapSize() int { return 48 + 24*len(i.Fields) }

// BoundMethodObject pairs a receiver with a method closure so the method can
// be passed around as a value and later called with the receiver implied.
type BoundMethodObject struct {
	Receiver Value // instance handle
	Method   Value // closure handle
}

func (b *BoundMethodObject) Kind() ObjectKind { return KindBoundMethod }
func (b *BoundMethodObject) heapSize() int { return 24 }

// ---------------------------------------------------------------------------
// Native function
// ---------------------------------------------------------------------------

// NativeFn is a host callback. Arguments arrive already arity-checked; the
// callback returns a result value or an error that surfaces as a runtime
// error at the call site. Callbacks run synchronously and must not re-enter
// the VM.
type NativeFn func(args []Value) (Value, error)

// NativeObject is a registered host function.
type NativeObject struct {
	Name  string
	Arity int
	Fn    NativeFn
}

func (n *NativeObject) Kind() ObjectKind { return KindNative }
func (n *NativeObject) heapSize() int { return 48 + len(n.Name) }
