package vm

// ---------------------------------------------------------------------------
// Chunk: one compiled function body
// ---------------------------------------------------------------------------

// Chunk is the unit the VM executes: a bytecode stream, the constants it
// references, and a parallel line table attributing each byte to the source
// line that produced it.
type Chunk struct {
	Code      []byte
	Constants []Value
	Lines     []int // Lines[i] is the source line for Code[i]

	// constIndex dedupes constants at compile time. Interned strings share a
	// handle, so value identity covers string constants too.
	constIndex map[Value]int
}

// NewChunk creates an empty chunk.
func NewChunk() *Chunk {
	return &Chunk{constIndex: make(map[Value]int)}
}

// Write appends one byte to the code stream, attributed to line.
func (c *Chunk) Write(b byte, line int) {
	c.Code = append(c.Code, b)
	c.Lines = append(c.Lines, line)
}

// AddConstant places a value in the constant pool and returns its index.
// Equal values share one pool entry.
func (c *Chunk) AddConstant(v Value) int {
	if idx, ok := c.constIndex[v]; ok {
		return idx
	}
	c.Constants = append(c.Constants, v)
	idx := len(c.Constants) - 1
	c.constIndex[v] = idx
	return idx
}

// Line returns the source line for the instruction at offset.
func (c *Chunk) Line(offset int) int {
	if offset < 0 || offset >= len(c.Lines) {
		return 0
	}
	return c.Lines[offset]
}
