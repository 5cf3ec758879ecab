package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/guseggert/bossworker/executor"
	"go.uber.org/zap"
)

// Worker is the worker side of the bridge: a loop that receives tasks one at a time,
// runs them against a Session that lives as long as the Worker, and streams their output back.
type Worker struct {
	log        *zap.SugaredLogger
	conn       *Conn
	exec       executor.Executor
	session    *executor.Session
	bufferSize int

	// interrupts delivers the signals that cancel the running task.
	interrupts <-chan os.Signal
}

type WorkerOption func(w *Worker)

func WithBufferSize(n int) WorkerOption {
	return func(w *Worker) {
		w.bufferSize = n
	}
}

func WithInterrupts(ch <-chan os.Signal) WorkerOption {
	return func(w *Worker) {
		w.interrupts = ch
	}
}

func WithSession(s *executor.Session) WorkerOption {
	return func(w *Worker) {
		w.session = s
	}
}

func NewWorker(log *zap.SugaredLogger, conn *Conn, exec executor.Executor, opts ...WorkerOption) *Worker {
	w := &Worker{
		log:        log.Named("worker"),
		conn:       conn,
		exec:       exec,
		bufferSize: DefaultBufferSize,
	}
	for _, o := range opts {
		o(w)
	}
	if w.session == nil {
		w.session = executor.NewSession(os.Stdout, os.Stderr)
	}
	return w
}

func (w *Worker) Session() *executor.Session {
	return w.session
}

// Run receives and runs tasks until it gets a shutdown task, which returns nil,
// or the channel fails, which returns an error wrapping the channel's error.
func (w *Worker) Run(ctx context.Context) error {
	for {
		var task Task
		err := w.conn.Receive(&task)
		if err != nil {
			return fmt.Errorf("awaiting task: %w", err)
		}
		if !task.Run {
			w.log.Debug("got shutdown task, exiting")
			return nil
		}
		err = w.RunTask(ctx, task)
		if err != nil {
			return fmt.Errorf("running task %s: %w", task.SourceID, err)
		}
	}
}

var newlines = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// RunTask executes one task and sends its output followed by exactly one end-of-task chunk.
// A failure of the task's code is written to the diagnostic stream as a trace; only channel
// errors are returned.
func (w *Worker) RunTask(ctx context.Context, task Task) error {
	stdout := NewTTYBuffer(NewStreamWriter(w.log, w.conn, Primary), w.bufferSize)
	stderr := NewTTYBuffer(NewStreamWriter(w.log, w.conn, Diagnostic), w.bufferSize)

	source := newlines.Replace(task.Source)
	w.session.CacheSource(task.SourceID, source)

	w.log.Debugw("executing task", "SourceID", task.SourceID, "Bytes", len(source))
	err := w.execute(ctx, executor.Request{SourceID: task.SourceID, Source: source}, stdout, stderr)
	// an interrupt still pending belongs to this task, which is over
	w.drainInterrupts()
	if err != nil {
		if errors.Is(err, ErrPeerGone) {
			return err
		}
		w.log.Debugw("task failed", "SourceID", task.SourceID, "Error", err)
		// end the partial output line before the trace, as a terminal would show it
		if !stdout.AtLineStart() {
			_, _ = stdout.WriteString("\n")
		}
		if err := stdout.Flush(); err != nil {
			return fmt.Errorf("flushing primary stream: %w", err)
		}
		if _, err := stderr.WriteString(w.session.FormatTrace(err)); err != nil {
			return fmt.Errorf("writing trace: %w", err)
		}
	}

	if err := stdout.Flush(); err != nil {
		return fmt.Errorf("flushing primary stream: %w", err)
	}
	if err := stderr.Flush(); err != nil {
		return fmt.Errorf("flushing diagnostic stream: %w", err)
	}
	return w.conn.Send(EndOfTask)
}

// execute runs req with the session's streams redirected to stdout and stderr,
// restoring them however the run ends.
func (w *Worker) execute(ctx context.Context, req executor.Request, stdout, stderr *TTYBuffer) (err error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if w.interrupts != nil {
		done := make(chan struct{})
		watcherDone := make(chan struct{})
		// the watcher must be gone before the next task starts, or it steals that task's interrupt
		defer func() {
			close(done)
			<-watcherDone
		}()
		go func() {
			defer close(watcherDone)
			select {
			case sig := <-w.interrupts:
				w.log.Infow("interrupting task", "SourceID", req.SourceID, "Signal", sig)
				cancel(ErrInterrupted)
			case <-done:
			}
		}()
	}

	restore := w.session.Redirect(stdout, stderr)
	defer restore()
	defer func() {
		if r := recover(); r != nil {
			w.log.Warnw("executor panicked", "SourceID", req.SourceID, "Panic", r)
			err = &executor.Failure{Kind: "Panic", Msg: fmt.Sprint(r)}
		}
	}()

	return w.exec.Execute(ctx, w.session, req)
}

// drainInterrupts discards interrupts that arrived after the task they were meant for ended.
// One forwarded before the next task starts is kept, and cancels that task.
func (w *Worker) drainInterrupts() {
	if w.interrupts == nil {
		return
	}
	for {
		select {
		case sig := <-w.interrupts:
			w.log.Debugw("discarding interrupt received between tasks", "Signal", sig)
		default:
			return
		}
	}
}
