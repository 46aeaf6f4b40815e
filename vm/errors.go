package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Runtime errors
// ---------------------------------------------------------------------------

// TraceFrame is one entry in a runtime error's call trace.
type TraceFrame struct {
	Function string // function name, or "script" for the top level
	Line     int    // 1-based source line of the failing instruction
}

func (f TraceFrame) String() string {
	if f.Function == "" {
		return fmt.Sprintf("[line %d] in script", f.Line)
	}
	return fmt.Sprintf("[line %d] in %s()", f.Line, f.Function)
}

// RuntimeError aborts a run. It carries the failing line, an innermost-first
// call trace, and the ID of the run that produced it. Runtime errors are not
// catchable in the language; they unwind every frame and surface to the host.
type RuntimeError struct {
	Message string
	Line    int
	Trace   []TraceFrame // innermost frame first
	RunID   string
}

func (e *RuntimeError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)
	for _, frame := range e.Trace {
		sb.WriteString("\n")
		sb.WriteString(frame.String())
	}
	return sb.String()
}
