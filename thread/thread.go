// Package thread drives execution of injected code in a target
// process, either on a freshly created thread or on an existing one
// redirected to a new entry point.
package thread

import (
	"context"
	"fmt"
)

// Ref identifies an existing thread in the target process by its
// native thread id.
type Ref int

// Driver starts injected code in the target process.
type Driver interface {
	// Spawn creates a new thread at entry.
	Spawn(entry uintptr) (Completion, error)

	// Hijack redirects the referenced thread to entry.
	Hijack(ref Ref, entry uintptr) (Completion, error)
}

// Completion tracks a started execution until it finishes.
type Completion interface {
	// Wait blocks until the execution finishes and returns its
	// pointer-sized termination value. ctx bounds the wait.
	Wait(ctx context.Context) (uintptr, error)
}

// ExecutionError reports a failed thread operation against the
// target process.
type ExecutionError struct {
	Op  string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution %s: %v", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
