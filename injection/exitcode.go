package injection

import "github.com/needle/needle/marshal"

// ExitCode reinterprets the transaction's exit value as T. It
// returns ErrNoExitValue (with T's zero value) unless the transaction
// committed with auto-execute, so callers never observe a value
// derived from an absent result.
func ExitCode[T marshal.ExitType](t *Transaction) (T, error) {
	raw, ok := t.ExitValue()
	if !ok {
		var zero T
		return zero, ErrNoExitValue
	}
	return marshal.Interpret[T](raw)
}
