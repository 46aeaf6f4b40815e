package vm

import "time"

// ---------------------------------------------------------------------------
// Built-in native functions
// ---------------------------------------------------------------------------

// registerBuiltins installs the native functions every VM starts with.
// Hosts add their own with RegisterNative before a run begins.
func registerBuiltins(vm *VM) {
	vm.RegisterNative("clock", 0, clockNative)
}

// clockNative returns elapsed process time in seconds.
func clockNative(_ []Value) (Value, error) {
	return FromNumber(float64(time.Now().UnixNano()) / 1e9), nil
}
