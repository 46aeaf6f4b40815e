package vm

import (
	"crypto/sha256"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Chunk fingerprints
// ---------------------------------------------------------------------------

// Compilation is deterministic: the same source always yields the same
// instruction, constant, and line sequences. Fingerprints make that property
// checkable by encoding a function's chunk tree canonically (CBOR canonical
// mode) and hashing it. Fingerprints live only in memory; nothing here
// persists bytecode.

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// constantWire is the encodable form of one constant-pool entry. Exactly one
// of the optional fields is set, selected by Tag.
type constantWire struct {
	Tag      string        `cbor:"1,keyasint"` // "nil", "bool", "num", "str", "fn"
	Bool     bool          `cbor:"2,keyasint,omitempty"`
	Num      float64       `cbor:"3,keyasint,omitempty"`
	Str      string        `cbor:"4,keyasint,omitempty"`
	Function *functionWire `cbor:"5,keyasint,omitempty"`
}

// chunkWire is the encodable form of a chunk.
type chunkWire struct {
	Code      []byte         `cbor:"1,keyasint"`
	Constants []constantWire `cbor:"2,keyasint"`
	Lines     []int          `cbor:"3,keyasint"`
}

// functionWire is the encodable form of a function and its chunk tree.
type functionWire struct {
	Name         string    `cbor:"1,keyasint"`
	Arity        int       `cbor:"2,keyasint"`
	UpvalueCount int       `cbor:"3,keyasint"`
	Chunk        chunkWire `cbor:"4,keyasint"`
}

// encodeFunction converts a function value into its wire form, recursing
// into nested function constants.
func (h *Heap) encodeFunction(v Value) (*functionWire, error) {
	fn := h.AsFunction(v)
	if fn == nil {
		return nil, fmt.Errorf("vm: fingerprint target is not a function")
	}

	wire := &functionWire{
		Name:         fn.Name,
		Arity:        fn.Arity,
		UpvalueCount: fn.UpvalueCount,
		Chunk: chunkWire{
			Code:  fn.Chunk.Code,
			Lines: fn.Chunk.Lines,
		},
	}

	for _, constant := range fn.Chunk.Constants {
		var cw constantWire
		switch {
		case constant == Nil:
			cw.Tag = "nil"
		case constant.IsBool():
			cw.Tag = "bool"
			cw.Bool = constant.Bool()
		case constant.IsNumber():
			cw.Tag = "num"
			cw.Num = constant.Number()
		default:
			switch obj := h.Get(constant).(type) {
			case *StringObject:
				cw.Tag = "str"
				cw.Str = obj.Chars
			case *FunctionObject:
				nested, err := h.encodeFunction(constant)
				if err != nil {
					return nil, err
				}
				cw.Tag = "fn"
				cw.Function = nested
			default:
				return nil, fmt.Errorf("vm: unexpected constant kind in chunk")
			}
		}
		wire.Chunk.Constants = append(wire.Chunk.Constants, cw)
	}
	return wire, nil
}

// EncodeFunction returns the canonical CBOR encoding of a function value's
// chunk tree.
func (h *Heap) EncodeFunction(v Value) ([]byte, error) {
	wire, err := h.encodeFunction(v)
	if err != nil {
		return nil, err
	}
	data, err := cborEncMode.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("vm: encode function: %w", err)
	}
	return data, nil
}

// Fingerprint returns the SHA-256 digest of a function value's canonical
// encoding. Two compiles of identical source produce identical fingerprints.
func (h *Heap) Fingerprint(v Value) ([32]byte, error) {
	data, err := h.EncodeFunction(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}
