package compiler

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Compile errors
// ---------------------------------------------------------------------------

// Error is one lexical, syntax, or compile-time semantic error. Where names
// the offending token (" at 'x'", " at end") or is empty for lexical errors.
type Error struct {
	Line    int
	Where   string
	Message string
}

func (e Error) Error() string {
	return fmt.Sprintf("[line %d] Error%s: %s", e.Line, e.Where, e.Message)
}

// ErrorList aggregates every error found in one compile. The parser
// synchronizes at statement boundaries and keeps going, so a single pass
// can report several errors.
type ErrorList []Error

func (l ErrorList) Error() string {
	msgs := make([]string, len(l))
	for i, e := range l {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "\n")
}
