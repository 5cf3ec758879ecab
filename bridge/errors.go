package bridge

import (
	"errors"

	"github.com/guseggert/bossworker/executor"
)

var (
	// ErrInterrupted is the cancellation cause of a task the worker was asked to abandon.
	ErrInterrupted = executor.ErrInterrupted

	// ErrEscalated is the cause of the controller's cancellation after an interrupt
	// that arrived while it was not delegating one to the worker.
	ErrEscalated = errors.New("interrupted again, giving up on the worker")

	// ErrTaskInFlight is returned when a task is started while another one has not finished.
	ErrTaskInFlight = errors.New("a task is already in flight")
)
