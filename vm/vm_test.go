package vm_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/roxlang/rox/compiler"
	"github.com/roxlang/rox/vm"
)

// newTestVM wires a VM to the compiler with print output captured.
func newTestVM() (*vm.VM, *bytes.Buffer) {
	v := vm.NewVM()
	v.UseCompiler(compiler.Compile)
	out := &bytes.Buffer{}
	v.Stdout = out
	return v, out
}

// run executes source and returns everything it printed, failing the test
// on any error.
func run(t *testing.T, source string) string {
	t.Helper()
	v, out := newTestVM()
	if _, err := v.Interpret(source); err != nil {
		t.Fatalf("Interpret failed: %v", err)
	}
	return out.String()
}

// expectRuntimeError executes source and asserts it fails with a runtime
// error whose message matches exactly.
func expectRuntimeError(t *testing.T, source, wantMessage string) *vm.RuntimeError {
	t.Helper()
	v, _ := newTestVM()
	_, err := v.Interpret(source)
	if err == nil {
		t.Fatalf("expected runtime error %q, got success", wantMessage)
	}
	var rerr *vm.RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected *RuntimeError, got %T: %v", err, err)
	}
	if rerr.Message != wantMessage {
		t.Fatalf("error message = %q, want %q", rerr.Message, wantMessage)
	}
	return rerr
}

// ---------------------------------------------------------------------------
// Expressions and statements
// ---------------------------------------------------------------------------

func TestArithmetic(t *testing.T) {
	tests := []struct {
		source string
		want   string
	}{
		{"print 1 + 2;", "3\n"},
		{"print 10 - 4.5;", "5.5\n"},
		{"print 3 * 4;", "12\n"},
		{"print 1 / 2;", "0.5\n"},
		{"print -(3 + 4);", "-7\n"},
		{"print 1 + 2 * 3;", "7\n"},
		{"print (1 + 2) * 3;", "9\n"},
		{"print 1 / 0;", "+Inf\n"},
	}
	for _, tc := range tests {
		if got := run(t, tc.source); got != tc.want {
			t.Errorf("%s printed %q, want %q", tc.source, got, tc.want)
		}
	}
}

func TestComparisonAndEquality(t *testing.T) {
	tests := []struct {
		source string
		want   string
	}{
		{"print 1 < 2;", "true\n"},
		{"print 2 <= 2;", "true\n"},
		{"print 3 > 4;", "false\n"},
		{"print 4 >= 5;", "false\n"},
		{"print 1 == 1;", "true\n"},
		{"print 1 != 1;", "false\n"},
		{"print \"a\" == \"a\";", "true\n"},
		{"print \"a\" == \"b\";", "false\n"},
		{"print nil == nil;", "true\n"},
		{"print nil == false;", "false\n"},
		{"print 0 == false;", "false\n"},
		{"print !true;", "false\n"},
		{"print !nil;", "true\n"},
		{"print !0;", "false\n"},
	}
	for _, tc := range tests {
		if got := run(t, tc.source); got != tc.want {
			t.Errorf("%s printed %q, want %q", tc.source, got, tc.want)
		}
	}
}

func TestStringConcatenation(t *testing.T) {
	got := run(t, `print "foo" + "bar" + "baz";`)
	if got != "foobarbaz\n" {
		t.Errorf("printed %q, want %q", got, "foobarbaz\n")
	}
}

func TestConcatenationProducesInternedStrings(t *testing.T) {
	// Concatenation results intern like literals, so equality stays a
	// single identity comparison.
	got := run(t, `
var a = "he" + "llo";
print a == "hello";
`)
	if got != "true\n" {
		t.Errorf("printed %q, want %q", got, "true\n")
	}
}

func TestGlobalVariables(t *testing.T) {
	got := run(t, `
var a = 1;
var b = 2;
a = a + b;
print a;
`)
	if got != "3\n" {
		t.Errorf("printed %q, want %q", got, "3\n")
	}
}

func TestSetUndeclaredGlobalDefinesIt(t *testing.T) {
	// Assignment to a name with no prior declaration creates the global.
	got := run(t, `
fresh = 42;
print fresh;
`)
	if got != "42\n" {
		t.Errorf("printed %q, want %q", got, "42\n")
	}
}

func TestLocalScoping(t *testing.T) {
	got := run(t, `
var a = "global";
{
  var a = "outer";
  {
    var a = "inner";
    print a;
  }
  print a;
}
print a;
`)
	if got != "inner\nouter\nglobal\n" {
		t.Errorf("printed %q", got)
	}
}

func TestControlFlow(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{"if taken", "if (1 < 2) print \"yes\"; else print \"no\";", "yes\n"},
		{"else taken", "if (nil) print \"yes\"; else print \"no\";", "no\n"},
		{"while", "var i = 0; while (i < 3) { print i; i = i + 1; }", "0\n1\n2\n"},
		{"for", "for (var i = 0; i < 3; i = i + 1) print i;", "0\n1\n2\n"},
		{"for without initializer", "var i = 0; for (; i < 2; i = i + 1) print i;", "0\n1\n"},
		{"nested loops", "for (var i = 0; i < 2; i = i + 1) for (var j = 0; j < 2; j = j + 1) print i + j;", "0\n1\n1\n2\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := run(t, tc.source); got != tc.want {
				t.Errorf("printed %q, want %q", got, tc.want)
			}
		})
	}
}

func TestLogicalOperators(t *testing.T) {
	tests := []struct {
		source string
		want   string
	}{
		{"print true and 2;", "2\n"},
		{"print false and 2;", "false\n"},
		{"print nil and 2;", "nil\n"},
		{"print true or 2;", "true\n"},
		{"print false or 2;", "2\n"},
		{"print nil or \"fallback\";", "fallback\n"},
	}
	for _, tc := range tests {
		if got := run(t, tc.source); got != tc.want {
			t.Errorf("%s printed %q, want %q", tc.source, got, tc.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Functions and closures
// ---------------------------------------------------------------------------

func TestFunctionCall(t *testing.T) {
	got := run(t, `
fun add(a, b) {
  return a + b;
}
print add(1, 2);
print add;
`)
	if got != "3\n<fn add>\n" {
		t.Errorf("printed %q", got)
	}
}

func TestRecursion(t *testing.T) {
	got := run(t, `
fun fib(n) {
  if (n < 2) return n;
  return fib(n - 1) + fib(n - 2);
}
print fib(15);
`)
	if got != "610\n" {
		t.Errorf("printed %q, want %q", got, "610\n")
	}
}

func TestImplicitNilReturn(t *testing.T) {
	got := run(t, `
fun noisy() {
  print "side effect";
}
print noisy();
`)
	if got != "side effect\nnil\n" {
		t.Errorf("printed %q", got)
	}
}

func TestClosureCapturesVariable(t *testing.T) {
	got := run(t, `
fun makeCounter() {
  var count = 0;
  fun increment() {
    count = count + 1;
    return count;
  }
  return increment;
}
var counter = makeCounter();
print counter();
print counter();
print counter();
`)
	if got != "1\n2\n3\n" {
		t.Errorf("printed %q", got)
	}
}

func TestClosuresShareUpvalue(t *testing.T) {
	// Two closures over the same local see each other's writes, before and
	// after the variable leaves the stack.
	got := run(t, `
var getter;
var setter;
{
  var shared = "initial";
  fun get() { return shared; }
  fun set(v) { shared = v; }
  getter = get;
  setter = set;
}
print getter();
setter("updated");
print getter();
`)
	if got != "initial\nupdated\n" {
		t.Errorf("printed %q", got)
	}
}

func TestClosureCapturesLoopVariable(t *testing.T) {
	got := run(t, `
var f;
{
  var outside = "outside";
  fun inner() {
    print outside;
  }
  f = inner;
}
f();
`)
	if got != "outside\n" {
		t.Errorf("printed %q", got)
	}
}

func TestNestedClosureCapture(t *testing.T) {
	got := run(t, `
fun outer() {
  var x = "value";
  fun middle() {
    fun inner() {
      return x;
    }
    return inner;
  }
  return middle();
}
print outer()();
`)
	if got != "value\n" {
		t.Errorf("printed %q", got)
	}
}

// ---------------------------------------------------------------------------
// Classes
// ---------------------------------------------------------------------------

func TestClassInstantiationAndFields(t *testing.T) {
	got := run(t, `
class Point {}
var p = Point();
p.x = 3;
p.y = 4;
print p.x + p.y;
print p;
print Point;
`)
	if got != "7\nPoint instance\nPoint\n" {
		t.Errorf("printed %q", got)
	}
}

func TestMethodsAndThis(t *testing.T) {
	got := run(t, `
class Greeter {
  greet() {
    print "hello, " + this.name;
  }
}
var g = Greeter();
g.name = "world";
g.greet();
`)
	if got != "hello, world\n" {
		t.Errorf("printed %q", got)
	}
}

func TestInitializer(t *testing.T) {
	got := run(t, `
class Point {
  init(x, y) {
    this.x = x;
    this.y = y;
  }
}
var p = Point(1, 2);
print p.x;
print p.y;
print Point(5, 6).y;
`)
	if got != "1\n2\n6\n" {
		t.Errorf("printed %q", got)
	}
}

func TestInitializerReturnsInstance(t *testing.T) {
	got := run(t, `
class Thing {
  init() {
    return;
  }
}
print Thing();
`)
	if got != "Thing instance\n" {
		t.Errorf("printed %q", got)
	}
}

func TestBoundMethodRetainsReceiver(t *testing.T) {
	got := run(t, `
class Speaker {
  say() {
    print this.word;
  }
}
var s = Speaker();
s.word = "bound";
var m = s.say;
m();
`)
	if got != "bound\n" {
		t.Errorf("printed %q", got)
	}
}

func TestFieldShadowsMethod(t *testing.T) {
	got := run(t, `
class Box {
  label() { return "method"; }
}
var b = Box();
b.label = "field";
print b.label;
`)
	if got != "field\n" {
		t.Errorf("printed %q", got)
	}
}

// ---------------------------------------------------------------------------
// Inheritance
// ---------------------------------------------------------------------------

func TestInheritedMethod(t *testing.T) {
	got := run(t, `
class A {
  greet() { return "hi"; }
}
class B < A {}
print B().greet();
`)
	if got != "hi\n" {
		t.Errorf("printed %q", got)
	}
}

func TestMethodOverride(t *testing.T) {
	got := run(t, `
class A {
  speak() { return "A"; }
}
class B < A {
  speak() { return "B"; }
}
print A().speak();
print B().speak();
`)
	if got != "A\nB\n" {
		t.Errorf("printed %q", got)
	}
}

func TestSuperCall(t *testing.T) {
	got := run(t, `
class Doughnut {
  cook() {
    print "Fry until golden brown.";
  }
}
class Cruller < Doughnut {
  cook() {
    super.cook();
    print "Pipe full of custard.";
  }
}
Cruller().cook();
`)
	if got != "Fry until golden brown.\nPipe full of custard.\n" {
		t.Errorf("printed %q", got)
	}
}

func TestSuperResolvesStatically(t *testing.T) {
	// super binds to the superclass of the class the method is defined in,
	// not the receiver's class.
	got := run(t, `
class A {
  method() { print "A method"; }
}
class B < A {
  method() { print "B method"; }
  test() { super.method(); }
}
class C < B {}
C().test();
`)
	if got != "A method\n" {
		t.Errorf("printed %q", got)
	}
}

func TestMethodAddedAfterSubclassDeclaration(t *testing.T) {
	// Method resolution walks the live superclass chain, so a subclass
	// declared before the lookup still sees everything on its parents.
	got := run(t, `
class A {
  early() { return "early"; }
}
class B < A {}
var b = B();
print b.early();
`)
	if got != "early\n" {
		t.Errorf("printed %q", got)
	}
}

func TestDeepInheritanceChain(t *testing.T) {
	got := run(t, `
class A { name() { return "A"; } }
class B < A {}
class C < B {}
class D < C {}
print D().name();
`)
	if got != "A\n" {
		t.Errorf("printed %q", got)
	}
}

// ---------------------------------------------------------------------------
// Runtime errors
// ---------------------------------------------------------------------------

func TestRuntimeErrors(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		message string
	}{
		{"undefined variable", "print missing;", "Undefined variable 'missing'."},
		{"add mismatched", `print 1 + "one";`, "Operands must be two numbers or two strings."},
		{"subtract strings", `print "a" - "b";`, "Operands must be numbers."},
		{"negate string", `print -"a";`, "Operand must be a number."},
		{"compare mixed", `print 1 < "two";`, "Operands must be numbers."},
		{"call number", "var x = 3; x();", "Can only call functions and classes."},
		{"call string", `"text"();`, "Can only call functions and classes."},
		{"property on number", "var x = 3; print x.field;", "Only instances have properties."},
		{"field on number", "var x = 3; x.field = 1;", "Only instances have fields."},
		{"undefined property", "class C {} print C().nope;", "Undefined property 'nope'."},
		{"undefined method", "class C {} C().nope();", "Undefined property 'nope'."},
		{"method on number", "var x = 3; x.run();", "Only instances have methods."},
		{"arity high", "fun f(a) {} f(1, 2);", "Expected 1 arguments but got 2."},
		{"arity low", "fun f(a, b) {} f(1);", "Expected 2 arguments but got 1."},
		{"class arity", "class C {} C(1);", "Expected 0 arguments but got 1."},
		{"init arity", "class C { init(a) {} } C();", "Expected 1 arguments but got 0."},
		{"inherit non-class", "var NotAClass = 3; class Sub < NotAClass {}", "Superclass must be a class."},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			expectRuntimeError(t, tc.source, tc.message)
		})
	}
}

func TestStackOverflow(t *testing.T) {
	expectRuntimeError(t, `
fun loop() { loop(); }
loop();
`, "Stack overflow.")
}

func TestRuntimeErrorTrace(t *testing.T) {
	rerr := expectRuntimeError(t, `
fun c() { print missing; }
fun b() { c(); }
fun a() { b(); }
a();
`, "Undefined variable 'missing'.")

	if len(rerr.Trace) != 4 {
		t.Fatalf("trace has %d frames, want 4: %v", len(rerr.Trace), rerr.Trace)
	}
	// Innermost frame first, script last.
	if rerr.Trace[0].Function != "c" {
		t.Errorf("innermost frame = %q, want %q", rerr.Trace[0].Function, "c")
	}
	if rerr.Trace[3].Function != "" {
		t.Errorf("outermost frame = %q, want script", rerr.Trace[3].Function)
	}
	if !strings.Contains(rerr.Error(), "in script") {
		t.Errorf("rendered error missing script frame: %q", rerr.Error())
	}
}

func TestStackRestoredAfterRuntimeError(t *testing.T) {
	v, out := newTestVM()
	if _, err := v.Interpret("print missing;"); err == nil {
		t.Fatal("expected runtime error")
	}
	// The VM stays usable after an error.
	if _, err := v.Interpret("print 1 + 1;"); err != nil {
		t.Fatalf("VM unusable after runtime error: %v", err)
	}
	if out.String() != "2\n" {
		t.Errorf("printed %q, want %q", out.String(), "2\n")
	}
}

func TestGlobalsPersistAcrossInterprets(t *testing.T) {
	v, out := newTestVM()
	if _, err := v.Interpret("var x = 40;"); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Interpret("print x + 2;"); err != nil {
		t.Fatal(err)
	}
	if out.String() != "42\n" {
		t.Errorf("printed %q, want %q", out.String(), "42\n")
	}
}

// ---------------------------------------------------------------------------
// Natives
// ---------------------------------------------------------------------------

func TestClockNative(t *testing.T) {
	got := run(t, `
var before = clock();
var after = clock();
print after >= before;
print clock;
`)
	if got != "true\n<native fn>\n" {
		t.Errorf("printed %q", got)
	}
}

func TestRegisterNative(t *testing.T) {
	v, out := newTestVM()
	v.RegisterNative("double", 1, func(args []vm.Value) (vm.Value, error) {
		return vm.FromNumber(args[0].Number() * 2), nil
	})
	if _, err := v.Interpret("print double(21);"); err != nil {
		t.Fatal(err)
	}
	if out.String() != "42\n" {
		t.Errorf("printed %q, want %q", out.String(), "42\n")
	}
}

func TestNativeErrorBecomesRuntimeError(t *testing.T) {
	v, _ := newTestVM()
	v.RegisterNative("fail", 0, func(args []vm.Value) (vm.Value, error) {
		return vm.Nil, errors.New("native exploded")
	})
	_, err := v.Interpret("fail();")
	var rerr *vm.RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected *RuntimeError, got %T", err)
	}
	if rerr.Message != "native exploded" {
		t.Errorf("message = %q", rerr.Message)
	}
}

// ---------------------------------------------------------------------------
// GC integration
// ---------------------------------------------------------------------------

func TestProgramSurvivesStressGC(t *testing.T) {
	// Collecting before every allocation shakes out any object the VM
	// forgot to root mid-operation.
	v, out := newTestVM()
	v.Heap().StressGC = true

	if _, err := v.Interpret(`
fun makeAdder(n) {
  fun add(x) { return x + n; }
  return add;
}
class Accumulator {
  init() { this.total = 0; }
  add(n) { this.total = this.total + n; return this; }
}
var acc = Accumulator();
var add5 = makeAdder(5);
for (var i = 0; i < 20; i = i + 1) {
  acc.add(add5(i));
}
print acc.total;
print "str" + "ings" + " survive " + "too";
`); err != nil {
		t.Fatalf("stress run failed: %v", err)
	}
	if out.String() != "290\nstrings survive too\n" {
		t.Errorf("printed %q", out.String())
	}
}

func TestGCReclaimsGarbageDuringRun(t *testing.T) {
	v, _ := newTestVM()
	v.Heap().SetGCThreshold(2048)

	if _, err := v.Interpret(`
class Blob {}
for (var i = 0; i < 200; i = i + 1) {
  var waste = Blob();
  waste.payload = i;
}
`); err != nil {
		t.Fatal(err)
	}
	if v.Heap().Stats().Collections == 0 {
		t.Error("expected collections during allocation churn")
	}
}
