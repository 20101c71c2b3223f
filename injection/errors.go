package injection

import (
	"errors"
	"fmt"
)

var (
	// ErrCommitted is returned by buffer operations after the
	// transaction has committed.
	ErrCommitted = errors.New("transaction already committed")

	// ErrNoExitValue is returned by ExitCode when the transaction
	// has not run injected code.
	ErrNoExitValue = errors.New("transaction has no exit value")
)

// FormatError reports a mnemonic template whose arguments did not
// satisfy its placeholders.
type FormatError struct {
	Format string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("mnemonic format %q does not match its arguments", e.Format)
}

// OffsetError reports an insertion offset outside the accumulated
// program text.
type OffsetError struct {
	Offset int
	Length int
}

func (e *OffsetError) Error() string {
	return fmt.Sprintf("offset %d outside program text of length %d", e.Offset, e.Length)
}
