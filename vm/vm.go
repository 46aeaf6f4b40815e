package vm

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var vmLog = commonlog.GetLogger("rox.vm")

// DefaultFrameLimit bounds call-frame depth. Exceeding it is a "Stack
// overflow." runtime error rather than host memory exhaustion.
const DefaultFrameLimit = 256

// initialStackSize is the starting capacity of the operand stack; it grows
// on demand.
const initialStackSize = 256

// ---------------------------------------------------------------------------
// CallFrame: execution state for one function invocation
// ---------------------------------------------------------------------------

// CallFrame represents one active function invocation.
type CallFrame struct {
	ClosureVal Value           // closure handle, kept for root marking
	Closure    *ClosureObject  // resolved once at call time
	Function   *FunctionObject // resolved once at call time
	IP         int             // offset into Function.Chunk.Code
	BP         int             // base index into the shared operand stack
}

// ---------------------------------------------------------------------------
// VM: the Rox virtual machine
// ---------------------------------------------------------------------------

// CompileFunc turns source text into a top-level FunctionObject value on the
// given heap. The compiler backend is injected so the vm package never
// depends on the compiler package.
type CompileFunc func(h *Heap, source string) (Value, error)

// VM is a stack-based bytecode executor. One VM owns one heap, one operand
// stack, one call-frame stack, and one globals table; nothing is shared
// across instances and a VM must not be used from multiple goroutines.
type VM struct {
	heap *Heap

	stack []Value
	sp    int // next free slot

	frames     []CallFrame
	fp         int // active frame count
	frameLimit int

	globals map[string]Value

	// openUpvalues holds handles to open upvalues, sorted ascending by
	// stack slot, so closing on frame pop only touches the tail.
	openUpvalues []Value

	compile CompileFunc

	// TraceExecution prints the stack and each instruction to TraceWriter
	// as it executes.
	TraceExecution bool
	TraceWriter    io.Writer

	// Stdout receives print statement output.
	Stdout io.Writer

	runID string
}

// NewVM creates a VM with a fresh heap and the clock native preregistered.
func NewVM() *VM {
	vm := &VM{
		heap:        NewHeap(),
		stack:       make([]Value, initialStackSize),
		frames:      make([]CallFrame, DefaultFrameLimit),
		frameLimit:  DefaultFrameLimit,
		globals:     make(map[string]Value),
		Stdout:      os.Stdout,
		TraceWriter: os.Stderr,
	}
	vm.heap.AddRootSource(vm)
	registerBuiltins(vm)
	return vm
}

// Heap returns the VM's heap. Exposed for the compiler backend and tools.
func (vm *VM) Heap() *Heap {
	return vm.heap
}

// UseCompiler injects the compiler backend used by Interpret.
func (vm *VM) UseCompiler(fn CompileFunc) {
	vm.compile = fn
}

// SetFrameLimit overrides the call-frame depth bound. Values <= 0 keep the
// current limit.
func (vm *VM) SetFrameLimit(limit int) {
	if limit <= 0 {
		return
	}
	vm.frameLimit = limit
	if limit > len(vm.frames) {
		frames := make([]CallFrame, limit)
		copy(frames, vm.frames)
		vm.frames = frames
	}
}

// Globals returns the global table. Exposed for tests and the REPL.
func (vm *VM) Globals() map[string]Value {
	return vm.globals
}

// ---------------------------------------------------------------------------
// Entry points
// ---------------------------------------------------------------------------

// Interpret compiles and runs source. Compile errors are returned without
// starting execution; runtime errors return a *RuntimeError with the call
// trace, innermost frame first. On success the top-level return value is
// returned (nil for ordinary scripts).
func (vm *VM) Interpret(source string) (Value, error) {
	if vm.compile == nil {
		return Nil, fmt.Errorf("vm: no compiler backend installed")
	}

	fnVal, err := vm.compile(vm.heap, source)
	if err != nil {
		return Nil, err
	}

	vm.runID = uuid.NewString()
	vmLog.Debugf("run %s: %d constants in script chunk",
		vm.runID, len(vm.heap.AsFunction(fnVal).Chunk.Constants))

	// The script function sits in stack slot 0 of the outermost frame,
	// keeping it reachable while the closure is allocated.
	vm.push(fnVal)
	closure := vm.heap.Alloc(&ClosureObject{Function: fnVal})
	vm.stack[vm.sp-1] = closure
	if rerr := vm.callClosure(closure, 0); rerr != nil {
		return Nil, rerr
	}

	result, rerr := vm.run()
	if rerr != nil {
		return Nil, rerr
	}
	return result, nil
}

// RegisterNative registers a host function under name before a run begins.
// Callbacks receive already-arity-checked values.
func (vm *VM) RegisterNative(name string, arity int, fn NativeFn) {
	vm.globals[name] = vm.heap.Alloc(&NativeObject{Name: name, Arity: arity, Fn: fn})
}

// MarkRoots implements RootSource: every live stack slot, every frame's
// closure, every open upvalue, and every global is a collection root.
func (vm *VM) MarkRoots(h *Heap) {
	for i := 0; i < vm.sp; i++ {
		h.MarkValue(vm.stack[i])
	}
	for i := 0; i < vm.fp; i++ {
		h.MarkValue(vm.frames[i].ClosureVal)
	}
	for _, uv := range vm.openUpvalues {
		h.MarkValue(uv)
	}
	for _, v := range vm.globals {
		h.MarkValue(v)
	}
}

// ---------------------------------------------------------------------------
// Stack operations
// ---------------------------------------------------------------------------

func (vm *VM) push(v Value) {
	if vm.sp >= len(vm.stack) {
		grown := make([]Value, len(vm.stack)*2)
		copy(grown, vm.stack)
		vm.stack = grown
	}
	vm.stack[vm.sp] = v
	vm.sp++
}

func (vm *VM) pop() Value {
	if vm.sp <= 0 {
		panic("stack underflow")
	}
	vm.sp--
	return vm.stack[vm.sp]
}

func (vm *VM) peek(distance int) Value {
	return vm.stack[vm.sp-1-distance]
}

// resetStack restores the VM to a runnable state after a runtime error so
// the host can start a fresh run on the same instance.
func (vm *VM) resetStack() {
	vm.sp = 0
	vm.fp = 0
	vm.openUpvalues = vm.openUpvalues[:0]
}

// ---------------------------------------------------------------------------
// Runtime errors
// ---------------------------------------------------------------------------

// runtimeError builds a RuntimeError with the current call trace, innermost
// frame first, then unwinds all frames.
func (vm *VM) runtimeError(format string, args ...interface{}) *RuntimeError {
	err := &RuntimeError{
		Message: fmt.Sprintf(format, args...),
		RunID:   vm.runID,
	}
	for i := vm.fp - 1; i >= 0; i-- {
		frame := &vm.frames[i]
		line := frame.Function.Chunk.Line(frame.IP - 1)
		err.Trace = append(err.Trace, TraceFrame{Function: frame.Function.Name, Line: line})
		if i == vm.fp-1 {
			err.Line = line
		}
	}
	vm.resetStack()
	return err
}

// ---------------------------------------------------------------------------
// Call protocol
// ---------------------------------------------------------------------------

// callValue dispatches a call on any value: closures, natives, classes
// (construction), and bound methods are callable; everything else errors.
func (vm *VM) callValue(callee Value, argc int) *RuntimeError {
	switch obj := vm.heap.Get(callee).(type) {
	case *ClosureObject:
		return vm.callClosure(callee, argc)

	case *BoundMethodObject:
		// The receiver takes the callee's stack slot, becoming the
		// method's implicit slot zero.
		vm.stack[vm.sp-argc-1] = obj.Receiver
		return vm.callClosure(obj.Method, argc)

	case *ClassObject:
		instance := vm.heap.Alloc(&InstanceObject{
			ClassVal: callee,
			Fields:   make(map[string]Value),
		})
		vm.stack[vm.sp-argc-1] = instance
		if initMethod, ok := vm.findMethod(callee, "init"); ok {
			return vm.callClosure(initMethod, argc)
		}
		if argc != 0 {
			return vm.runtimeError("Expected 0 arguments but got %d.", argc)
		}
		return nil

	case *NativeObject:
		if argc != obj.Arity {
			return vm.runtimeError("Expected %d arguments but got %d.", obj.Arity, argc)
		}
		result, err := obj.Fn(vm.stack[vm.sp-argc : vm.sp])
		if err != nil {
			return vm.runtimeError("%s", err.Error())
		}
		vm.sp -= argc + 1
		vm.push(result)
		return nil
	}
	return vm.runtimeError("Can only call functions and classes.")
}

// callClosure pushes a new frame for a closure call.
func (vm *VM) callClosure(closureVal Value, argc int) *RuntimeError {
	closure := vm.heap.AsClosure(closureVal)
	fn := vm.heap.AsFunction(closure.Function)
	if argc != fn.Arity {
		return vm.runtimeError("Expected %d arguments but got %d.", fn.Arity, argc)
	}
	if vm.fp >= vm.frameLimit {
		return vm.runtimeError("Stack overflow.")
	}
	vm.frames[vm.fp] = CallFrame{
		ClosureVal: closureVal,
		Closure:    closure,
		Function:   fn,
		IP:         0,
		BP:         vm.sp - argc - 1,
	}
	vm.fp++
	return nil
}

// findMethod walks the superclass chain looking for name. Method resolution
// is an explicit chain walk; nothing is copied down at inheritance time.
func (vm *VM) findMethod(classVal Value, name string) (Value, bool) {
	for !classVal.IsNil() {
		class := vm.heap.AsClass(classVal)
		if class == nil {
			return Nil, false
		}
		if method, ok := class.Methods[name]; ok {
			return method, true
		}
		classVal = class.Superclass
	}
	return Nil, false
}

// bindMethod replaces the receiver on top of the stack with a bound method
// for name, or reports an undefined property.
func (vm *VM) bindMethod(classVal Value, name string) *RuntimeError {
	method, ok := vm.findMethod(classVal, name)
	if !ok {
		return vm.runtimeError("Undefined property '%s'.", name)
	}
	bound := vm.heap.Alloc(&BoundMethodObject{Receiver: vm.peek(0), Method: method})
	vm.stack[vm.sp-1] = bound
	return nil
}

// invoke performs the combined property-access-and-call fast path. It must
// be externally indistinguishable from OP_GET_PROPERTY followed by OP_CALL,
// including the case where the property is a plain field holding a callable.
func (vm *VM) invoke(name string, argc int) *RuntimeError {
	receiver := vm.peek(argc)
	instance := vm.heap.AsInstance(receiver)
	if instance == nil {
		return vm.runtimeError("Only instances have methods.")
	}
	if field, ok := instance.Fields[name]; ok {
		vm.stack[vm.sp-argc-1] = field
		return vm.callValue(field, argc)
	}
	method, ok := vm.findMethod(instance.ClassVal, name)
	if !ok {
		return vm.runtimeError("Undefined property '%s'.", name)
	}
	return vm.callClosure(method, argc)
}

// ---------------------------------------------------------------------------
// Upvalue management
// ---------------------------------------------------------------------------

// captureUpvalue returns the open upvalue for an absolute stack slot,
// creating one if no closure has captured that slot yet. Sharing the upvalue
// is what makes mutations visible across closures.
func (vm *VM) captureUpvalue(slot int) Value {
	i := sort.Search(len(vm.openUpvalues), func(i int) bool {
		return vm.heap.AsUpvalue(vm.openUpvalues[i]).Slot >= slot
	})
	if i < len(vm.openUpvalues) && vm.heap.AsUpvalue(vm.openUpvalues[i]).Slot == slot {
		return vm.openUpvalues[i]
	}

	created := vm.heap.Alloc(&UpvalueObject{Open: true, Slot: slot})
	vm.openUpvalues = append(vm.openUpvalues, Nil)
	copy(vm.openUpvalues[i+1:], vm.openUpvalues[i:])
	vm.openUpvalues[i] = created
	return created
}

// closeUpvalues closes every open upvalue at or above the given stack slot,
// copying the captured value out of the stack. Each upvalue is closed
// exactly once, at the moment its frame (or scope) ends.
func (vm *VM) closeUpvalues(from int) {
	n := len(vm.openUpvalues)
	for n > 0 {
		uv := vm.heap.AsUpvalue(vm.openUpvalues[n-1])
		if uv.Slot < from {
			break
		}
		uv.Close(vm.stack[uv.Slot])
		n--
	}
	vm.openUpvalues = vm.openUpvalues[:n]
}

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------

// run executes frames until the outermost returns or a runtime error
// unwinds everything.
func (vm *VM) run() (Value, *RuntimeError) {
	frame := &vm.frames[vm.fp-1]

	readByte := func() byte {
		b := frame.Function.Chunk.Code[frame.IP]
		frame.IP++
		return b
	}
	readShort := func() int {
		v := binary.BigEndian.Uint16(frame.Function.Chunk.Code[frame.IP:])
		frame.IP += 2
		return int(v)
	}
	readConstant := func() Value {
		return frame.Function.Chunk.Constants[readByte()]
	}
	readString := func() string {
		return vm.heap.AsString(readConstant()).Chars
	}

	for {
		if vm.TraceExecution {
			vm.traceInstruction(frame)
		}

		switch Opcode(readByte()) {
		case OpConstant:
			vm.push(readConstant())

		case OpNil:
			vm.push(Nil)

		case OpTrue:
			vm.push(True)

		case OpFalse:
			vm.push(False)

		case OpPop:
			vm.pop()

		case OpGetLocal:
			slot := int(readByte())
			vm.push(vm.stack[frame.BP+slot])

		case OpSetLocal:
			slot := int(readByte())
			vm.stack[frame.BP+slot] = vm.peek(0)

		case OpGetGlobal:
			name := readString()
			value, ok := vm.globals[name]
			if !ok {
				return Nil, vm.runtimeError("Undefined variable '%s'.", name)
			}
			vm.push(value)

		case OpDefineGlobal:
			vm.globals[readString()] = vm.peek(0)
			vm.pop()

		case OpSetGlobal:
			// Assignment declares-or-updates; it never fails.
			vm.globals[readString()] = vm.peek(0)

		case OpGetUpvalue:
			idx := int(readByte())
			uv := vm.heap.AsUpvalue(frame.Closure.Upvalues[idx])
			if uv.Open {
				vm.push(vm.stack[uv.Slot])
			} else {
				vm.push(uv.Closed)
			}

		case OpSetUpvalue:
			idx := int(readByte())
			uv := vm.heap.AsUpvalue(frame.Closure.Upvalues[idx])
			if uv.Open {
				vm.stack[uv.Slot] = vm.peek(0)
			} else {
				uv.Closed = vm.peek(0)
			}

		case OpGetProperty:
			instance := vm.heap.AsInstance(vm.peek(0))
			if instance == nil {
				return Nil, vm.runtimeError("Only instances have properties.")
			}
			name := readString()
			if field, ok := instance.Fields[name]; ok {
				vm.stack[vm.sp-1] = field
				break
			}
			if rerr := vm.bindMethod(instance.ClassVal, name); rerr != nil {
				return Nil, rerr
			}

		case OpSetProperty:
			instance := vm.heap.AsInstance(vm.peek(1))
			if instance == nil {
				return Nil, vm.runtimeError("Only instances have fields.")
			}
			instance.Fields[readString()] = vm.peek(0)
			value := vm.pop()
			vm.pop() // the instance
			vm.push(value)

		case OpGetSuper:
			name := readString()
			superclass := vm.pop()
			if rerr := vm.bindMethod(superclass, name); rerr != nil {
				return Nil, rerr
			}

		case OpEqual:
			b := vm.pop()
			a := vm.pop()
			vm.push(FromBool(a.Equals(b)))

		case OpGreater:
			if !vm.peek(0).IsNumber() || !vm.peek(1).IsNumber() {
				return Nil, vm.runtimeError("Operands must be numbers.")
			}
			b := vm.pop().Number()
			a := vm.pop().Number()
			vm.push(FromBool(a > b))

		case OpLess:
			if !vm.peek(0).IsNumber() || !vm.peek(1).IsNumber() {
				return Nil, vm.runtimeError("Operands must be numbers.")
			}
			b := vm.pop().Number()
			a := vm.pop().Number()
			vm.push(FromBool(a < b))

		case OpAdd:
			a, b := vm.peek(1), vm.peek(0)
			switch {
			case a.IsNumber() && b.IsNumber():
				vm.pop()
				vm.pop()
				vm.push(FromNumber(a.Number() + b.Number()))
			case vm.heap.AsString(a) != nil && vm.heap.AsString(b) != nil:
				// Interning may collect, so concatenate before popping
				// the operands off the root set.
				joined := vm.heap.Intern(vm.heap.AsString(a).Chars + vm.heap.AsString(b).Chars)
				vm.pop()
				vm.pop()
				vm.push(joined)
			default:
				return Nil, vm.runtimeError("Operands must be two numbers or two strings.")
			}

		case OpSubtract:
			if !vm.peek(0).IsNumber() || !vm.peek(1).IsNumber() {
				return Nil, vm.runtimeError("Operands must be numbers.")
			}
			b := vm.pop().Number()
			a := vm.pop().Number()
			vm.push(FromNumber(a - b))

		case OpMultiply:
			if !vm.peek(0).IsNumber() || !vm.peek(1).IsNumber() {
				return Nil, vm.runtimeError("Operands must be numbers.")
			}
			b := vm.pop().Number()
			a := vm.pop().Number()
			vm.push(FromNumber(a * b))

		case OpDivide:
			// IEEE semantics: dividing by zero yields infinity or NaN,
			// never a trap.
			if !vm.peek(0).IsNumber() || !vm.peek(1).IsNumber() {
				return Nil, vm.runtimeError("Operands must be numbers.")
			}
			b := vm.pop().Number()
			a := vm.pop().Number()
			vm.push(FromNumber(a / b))

		case OpNot:
			vm.push(FromBool(vm.pop().IsFalsy()))

		case OpNegate:
			if !vm.peek(0).IsNumber() {
				return Nil, vm.runtimeError("Operand must be a number.")
			}
			vm.push(FromNumber(-vm.pop().Number()))

		case OpPrint:
			fmt.Fprintln(vm.Stdout, vm.heap.FormatValue(vm.pop()))

		case OpJump:
			frame.IP += readShort()

		case OpJumpIfFalse:
			offset := readShort()
			if vm.peek(0).IsFalsy() {
				frame.IP += offset
			}

		case OpLoop:
			frame.IP -= readShort()

		case OpCall:
			argc := int(readByte())
			if rerr := vm.callValue(vm.peek(argc), argc); rerr != nil {
				return Nil, rerr
			}
			frame = &vm.frames[vm.fp-1]

		case OpInvoke:
			name := readString()
			argc := int(readByte())
			if rerr := vm.invoke(name, argc); rerr != nil {
				return Nil, rerr
			}
			frame = &vm.frames[vm.fp-1]

		case OpSuperInvoke:
			name := readString()
			argc := int(readByte())
			superclass := vm.pop()
			method, ok := vm.findMethod(superclass, name)
			if !ok {
				return Nil, vm.runtimeError("Undefined property '%s'.", name)
			}
			if rerr := vm.callClosure(method, argc); rerr != nil {
				return Nil, rerr
			}
			frame = &vm.frames[vm.fp-1]

		case OpClosure:
			fnVal := readConstant()
			fn := vm.heap.AsFunction(fnVal)
			closureVal := vm.heap.Alloc(&ClosureObject{
				Function: fnVal,
				Upvalues: make([]Value, fn.UpvalueCount),
			})
			vm.push(closureVal)
			closure := vm.heap.AsClosure(closureVal)
			for i := 0; i < fn.UpvalueCount; i++ {
				isLocal := readByte()
				index := int(readByte())
				if isLocal == 1 {
					closure.Upvalues[i] = vm.captureUpvalue(frame.BP + index)
				} else {
					closure.Upvalues[i] = frame.Closure.Upvalues[index]
				}
			}

		case OpCloseUpvalue:
			vm.closeUpvalues(vm.sp - 1)
			vm.pop()

		case OpReturn:
			result := vm.pop()
			vm.closeUpvalues(frame.BP)
			vm.fp--
			if vm.fp == 0 {
				vm.sp = 0
				return result, nil
			}
			vm.sp = frame.BP
			vm.push(result)
			frame = &vm.frames[vm.fp-1]

		case OpClass:
			vm.push(vm.heap.Alloc(&ClassObject{
				Name:       readString(),
				Methods:    make(map[string]Value),
				Superclass: Nil,
			}))

		case OpInherit:
			superclass := vm.peek(1)
			if vm.heap.AsClass(superclass) == nil {
				return Nil, vm.runtimeError("Superclass must be a class.")
			}
			vm.heap.AsClass(vm.peek(0)).Superclass = superclass
			vm.pop() // the subclass

		case OpMethod:
			name := readString()
			method := vm.peek(0)
			vm.heap.AsClass(vm.peek(1)).Methods[name] = method
			vm.pop()

		default:
			// Unknown opcodes indicate a compiler bug, not a user error.
			panic(fmt.Sprintf("vm: unknown opcode at ip=%d", frame.IP-1))
		}
	}
}

// traceInstruction prints the operand stack and the next instruction.
func (vm *VM) traceInstruction(frame *CallFrame) {
	var sb strings.Builder
	sb.WriteString("          ")
	for i := 0; i < vm.sp; i++ {
		sb.WriteString("[ ")
		sb.WriteString(vm.heap.FormatValue(vm.stack[i]))
		sb.WriteString(" ]")
	}
	sb.WriteString("\n")
	vm.heap.disassembleInstruction(&sb, frame.Function.Chunk, frame.IP)
	io.WriteString(vm.TraceWriter, sb.String())
}
