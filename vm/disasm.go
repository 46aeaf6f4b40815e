package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleChunk returns a full listing of a chunk, one instruction per
// line, headed by name. Constant operands are rendered through the heap so
// string and function constants read naturally.
func (h *Heap) DisassembleChunk(c *Chunk, name string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "== %s ==\n", name)
	for offset := 0; offset < len(c.Code); {
		offset = h.disassembleInstruction(&sb, c, offset)
	}
	return sb.String()
}

// disassembleInstruction writes one instruction at offset and returns the
// offset of the next one. A `|` in the line column marks an instruction on
// the same source line as its predecessor.
func (h *Heap) disassembleInstruction(sb *strings.Builder, c *Chunk, offset int) int {
	fmt.Fprintf(sb, "%04d ", offset)
	if offset > 0 && c.Line(offset) == c.Line(offset-1) {
		sb.WriteString("   | ")
	} else {
		fmt.Fprintf(sb, "%4d ", c.Line(offset))
	}

	op := Opcode(c.Code[offset])
	info := op.Info()

	switch op {
	case OpConstant, OpGetGlobal, OpDefineGlobal, OpSetGlobal,
		OpGetProperty, OpSetProperty, OpGetSuper, OpClass, OpMethod:
		idx := c.Code[offset+1]
		fmt.Fprintf(sb, "%-16s %4d '%s'\n", info.Name, idx, h.FormatValue(c.Constants[idx]))
		return offset + 2

	case OpGetLocal, OpSetLocal, OpGetUpvalue, OpSetUpvalue, OpCall:
		fmt.Fprintf(sb, "%-16s %4d\n", info.Name, c.Code[offset+1])
		return offset + 2

	case OpJump, OpJumpIfFalse:
		jump := int(binary.BigEndian.Uint16(c.Code[offset+1:]))
		fmt.Fprintf(sb, "%-16s %4d -> %d\n", info.Name, offset, offset+3+jump)
		return offset + 3

	case OpLoop:
		jump := int(binary.BigEndian.Uint16(c.Code[offset+1:]))
		fmt.Fprintf(sb, "%-16s %4d -> %d\n", info.Name, offset, offset+3-jump)
		return offset + 3

	case OpInvoke, OpSuperInvoke:
		idx := c.Code[offset+1]
		argc := c.Code[offset+2]
		fmt.Fprintf(sb, "%-16s (%d args) %4d '%s'\n", info.Name, argc, idx, h.FormatValue(c.Constants[idx]))
		return offset + 3

	case OpClosure:
		offset++
		idx := c.Code[offset]
		offset++
		fmt.Fprintf(sb, "%-16s %4d %s\n", info.Name, idx, h.FormatValue(c.Constants[idx]))

		fn := h.AsFunction(c.Constants[idx])
		for i := 0; fn != nil && i < fn.UpvalueCount; i++ {
			isLocal := c.Code[offset]
			index := c.Code[offset+1]
			kind := "upvalue"
			if isLocal == 1 {
				kind = "local"
			}
			fmt.Fprintf(sb, "%04d    |                     %s %d\n", offset, kind, index)
			offset += 2
		}
		return offset

	default:
		if info.OperandBytes <= 0 {
			fmt.Fprintf(sb, "%s\n", info.Name)
			return offset + 1
		}
		fmt.Fprintf(sb, "%s\n", info.Name)
		return offset + 1 + info.OperandBytes
	}
}

// DisassembleFunction disassembles a function value, recursing into any
// function constants so nested closures appear after their enclosing chunk.
func (h *Heap) DisassembleFunction(v Value) string {
	fn := h.AsFunction(v)
	if fn == nil {
		if closure := h.AsClosure(v); closure != nil {
			return h.DisassembleFunction(closure.Function)
		}
		return ""
	}

	name := fn.Name
	if name == "" {
		name = "<script>"
	}
	out := h.DisassembleChunk(fn.Chunk, name)
	for _, constant := range fn.Chunk.Constants {
		if h.AsFunction(constant) != nil {
			out += "\n" + h.DisassembleFunction(constant)
		}
	}
	return out
}
