// Package assembler translates textual instruction mnemonics into
// machine-code bytes.
package assembler

import "fmt"

// Assembler turns a program of newline-separated mnemonics into
// machine code. Implementations are pure: the same text always
// yields the same bytes or the same error.
type Assembler interface {
	Assemble(program string) ([]byte, error)
}

// SyntaxError reports a mnemonic the assembler could not translate.
// Line is 1-based; 0 means the failure is not tied to one line.
type SyntaxError struct {
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("assembly failed at line %d: %s", e.Line, e.Msg)
	}
	return fmt.Sprintf("assembly failed: %s", e.Msg)
}
