// Package executor defines the code execution capability used by the worker,
// and the per-worker Session that execution state lives in.
package executor

import (
	"context"
	"errors"
)

// ErrInterrupted is the cancellation cause for a task interrupted from the keyboard.
var ErrInterrupted = errors.New("interrupted")

// Request is one unit of submitted source.
type Request struct {
	// SourceID labels the source in traces, e.g. "<input 3>".
	SourceID string
	Source   string
}

// Executor runs source against a Session.
// Output goes to the session's current Stdout and Stderr.
// A failure of the submitted code itself should be returned as a *Failure.
// When ctx is canceled, Execute should abandon the run as soon as it can and return a Failure
// with Interrupted set.
type Executor interface {
	Execute(ctx context.Context, session *Session, req Request) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, session *Session, req Request) error

func (f ExecutorFunc) Execute(ctx context.Context, session *Session, req Request) error {
	return f(ctx, session, req)
}
