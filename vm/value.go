package vm

import (
	"math"
	"strconv"
	"strings"
)

// Value represents a Rox value using NaN-boxing.
//
// All values are represented as 64-bit IEEE 754 doubles. Non-number values
// are encoded in the NaN (Not-a-Number) space using the quiet NaN prefix
// and tag bits to distinguish types.
//
// Encoding scheme:
//   - Number: Native IEEE 754 double (if not a tagged NaN, it's a number)
//   - Object: Quiet NaN + tagObject + 48-bit heap handle (index + generation)
//   - Special: Quiet NaN + tagSpecial + special value ID (nil/true/false)
type Value uint64

// NaN-boxing constants
const (
	// Quiet NaN prefix: exponent all 1s, quiet bit set, sign bit 0
	// 0x7FF8_0000_0000_0000
	nanBits uint64 = 0x7FF8000000000000

	// Tag mask: 3 bits within the NaN mantissa space
	tagMask uint64 = 0x0007000000000000

	// Payload mask: 48 bits for handle/id
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	// Tag values (shifted into position)
	tagObject  uint64 = 0x0001000000000000 // heap object handle
	tagSpecial uint64 = 0x0003000000000000 // nil, true, false
)

// Special value payloads
const (
	specialNil   uint64 = 0
	specialTrue  uint64 = 1
	specialFalse uint64 = 2
)

// Pre-defined special values
const (
	Nil   Value = Value(nanBits | tagSpecial | specialNil)
	True  Value = Value(nanBits | tagSpecial | specialTrue)
	False Value = Value(nanBits | tagSpecial | specialFalse)
)

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsNumber returns true if v represents a float64 number.
// A value is a number if it's not one of our tagged NaN values.
// This includes regular numbers, infinities, and "real" NaN values.
func (v Value) IsNumber() bool {
	bits := uint64(v)

	if (bits & 0x7FF0000000000000) != 0x7FF0000000000000 {
		// Exponent is not all 1s, so it's a regular number
		return true
	}

	// Exponent is all 1s. Infinity has a zero mantissa and is a valid number.
	if (bits & 0x000FFFFFFFFFFFFF) == 0 {
		return true
	}

	// It's a NaN. Only quiet NaNs with a non-zero tag are ours.
	if (bits & nanBits) != nanBits {
		return true
	}
	return (bits & tagMask) == 0
}

// IsObject returns true if v represents a heap object handle.
func (v Value) IsObject() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagObject)
}

// IsNil returns true if v is the nil value.
func (v Value) IsNil() bool {
	return v == Nil
}

// IsBool returns true if v is true or false.
func (v Value) IsBool() bool {
	return v == True || v == False
}

// ---------------------------------------------------------------------------
// Number operations
// ---------------------------------------------------------------------------

// Number returns v as a float64.
// Panics if v is not a number.
func (v Value) Number() float64 {
	if !v.IsNumber() {
		panic("Value.Number: not a number")
	}
	return math.Float64frombits(uint64(v))
}

// FromNumber creates a Value from a float64.
func FromNumber(f float64) Value {
	return Value(math.Float64bits(f))
}

// ---------------------------------------------------------------------------
// Object handle operations
// ---------------------------------------------------------------------------

// Handle identifies a heap object by arena index plus a generation tag.
// The generation detects stale handles: a slot that has been freed and
// reused carries a bumped generation, so old handles no longer resolve.
type Handle struct {
	Index uint32
	Gen   uint16
}

// ObjectHandle returns the heap handle encoded in v.
// Panics if v is not an object.
func (v Value) ObjectHandle() Handle {
	if !v.IsObject() {
		panic("Value.ObjectHandle: not an object")
	}
	payload := uint64(v) & payloadMask
	return Handle{
		Index: uint32(payload & 0xFFFFFFFF),
		Gen:   uint16(payload >> 32),
	}
}

// FromHandle creates a Value from a heap handle.
func FromHandle(h Handle) Value {
	payload := uint64(h.Index) | (uint64(h.Gen) << 32)
	return Value(nanBits | tagObject | payload)
}

// ---------------------------------------------------------------------------
// Boolean operations
// ---------------------------------------------------------------------------

// Bool returns v as a bool.
// Panics if v is not true or false.
func (v Value) Bool() bool {
	switch v {
	case True:
		return true
	case False:
		return false
	default:
		panic("Value.Bool: not a boolean")
	}
}

// FromBool creates a Value from a bool.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// ---------------------------------------------------------------------------
// Truthiness and equality
// ---------------------------------------------------------------------------

// IsTruthy returns true if v is considered "truthy" in conditionals.
// In Rox, only false and nil are falsy; everything else is truthy.
func (v Value) IsTruthy() bool {
	return v != False && v != Nil
}

// IsFalsy returns true if v is considered "falsy" in conditionals.
func (v Value) IsFalsy() bool {
	return v == False || v == Nil
}

// Equals reports Rox equality between two values. Strings are interned, so
// object identity covers string equality; numbers compare by IEEE 754 value
// rather than bit pattern (NaN != NaN, 0.0 == -0.0).
func (v Value) Equals(other Value) bool {
	if v.IsNumber() && other.IsNumber() {
		return v.Number() == other.Number()
	}
	return v == other
}

// FormatNumber renders a number the way the Rox printer does: integral
// values print without a trailing ".0", everything else in shortest form.
func FormatNumber(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	// Integral values never switch to exponent form, however large.
	if strings.ContainsAny(s, "e") && f == math.Trunc(f) && !math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return s
}
