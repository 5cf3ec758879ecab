package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Controller is the controller side of the bridge.
// It reads a task's worth of source at a time, hands it to the worker, and copies
// the worker's output to its own streams as it arrives.
type Controller struct {
	log   *zap.SugaredLogger
	conn  *Conn
	relay *Relay

	in     *bufio.Reader
	stdout io.Writer
	stderr io.Writer

	prompt      string
	separators  bool
	initialTask string

	nextID   int
	inFlight bool
	peerGone bool
}

type ControllerOption func(c *Controller)

func WithStdin(r io.Reader) ControllerOption {
	return func(c *Controller) {
		c.in = bufio.NewReader(r)
	}
}

func WithStdout(w io.Writer) ControllerOption {
	return func(c *Controller) {
		c.stdout = w
	}
}

func WithStderr(w io.Writer) ControllerOption {
	return func(c *Controller) {
		c.stderr = w
	}
}

// WithPrompt sets a prompt printed before reading each task.
func WithPrompt(p string) ControllerOption {
	return func(c *Controller) {
		c.prompt = p
	}
}

// WithSeparators prints "-----" before and "=====" after each task's output.
func WithSeparators(b bool) ControllerOption {
	return func(c *Controller) {
		c.separators = b
	}
}

// WithInitialTask runs source, echoed, before reading from stdin.
func WithInitialTask(source string) ControllerOption {
	return func(c *Controller) {
		c.initialTask = source
	}
}

func NewController(log *zap.SugaredLogger, conn *Conn, relay *Relay, opts ...ControllerOption) *Controller {
	c := &Controller{
		log:    log.Named("controller"),
		conn:   conn,
		relay:  relay,
		in:     bufio.NewReader(os.Stdin),
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run oversees tasks until the input yields an empty task, then asks the worker to shut down.
// It returns early if ctx is done or the worker goes away.
func (c *Controller) Run(ctx context.Context) error {
	if c.initialTask != "" {
		fmt.Fprintln(c.stdout, c.initialTask)
		if err := c.Oversee(ctx, c.initialTask); err != nil {
			return err
		}
	}
	for {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		source, err := c.ReadTask()
		if err != nil {
			return fmt.Errorf("reading task: %w", err)
		}
		if source == "" {
			c.log.Debug("empty task, shutting down worker")
			return c.Shutdown()
		}
		if err := c.Oversee(ctx, source); err != nil {
			return err
		}
	}
}

// ReadTask reads lines up to a blank line or the end of input and returns them joined.
// An empty result means there is nothing more to run.
func (c *Controller) ReadTask() (string, error) {
	if c.prompt != "" {
		fmt.Fprint(c.stdout, c.prompt)
	}
	var sb strings.Builder
	for {
		line, err := c.in.ReadString('\n')
		if err == nil && strings.TrimSpace(line) == "" {
			return sb.String(), nil
		}
		sb.WriteString(line)
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return "", err
		}
	}
}

// Oversee runs one task on the worker, copying its output until the end-of-task chunk.
// Failures of the task's code are part of its output and are not returned; errors are
// only returned for a broken channel or a canceled ctx.
func (c *Controller) Oversee(ctx context.Context, source string) error {
	if c.peerGone {
		return fmt.Errorf("not sending task to exited worker: %w", ErrPeerGone)
	}
	if c.inFlight {
		return ErrTaskInFlight
	}
	c.inFlight = true
	defer func() { c.inFlight = false }()

	c.nextID++
	task := Task{
		Run:      true,
		SourceID: fmt.Sprintf("<input %d>", c.nextID),
		Source:   source,
	}

	// a blocked receive can't watch ctx, so closing the conn is what unblocks it
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	c.separator("-----")
	err := c.relay.Delegate(func() error {
		c.log.Debugw("sending task", "SourceID", task.SourceID)
		if err := c.conn.Send(task); err != nil {
			return fmt.Errorf("sending task %s: %w", task.SourceID, err)
		}
		return c.drain()
	})
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if errors.Is(err, ErrPeerGone) {
		c.peerGone = true
		fmt.Fprintln(c.stderr, "worker exited unexpectedly")
	}
	if err != nil {
		return err
	}
	c.separator("=====")
	return nil
}

func (c *Controller) drain() error {
	for {
		var chunk Chunk
		if err := c.conn.Receive(&chunk); err != nil {
			return fmt.Errorf("receiving output: %w", err)
		}
		if chunk.EndOfTask {
			return nil
		}
		w := c.stdout
		if chunk.Stream == Diagnostic {
			w = c.stderr
		}
		if _, err := io.WriteString(w, chunk.Text); err != nil {
			return fmt.Errorf("writing %s output: %w", chunk.Stream, err)
		}
		if f, ok := w.(flusher); ok {
			if err := f.Flush(); err != nil {
				return fmt.Errorf("flushing %s output: %w", chunk.Stream, err)
			}
		}
	}
}

// Shutdown asks the worker to exit. It does not wait for the worker process.
func (c *Controller) Shutdown() error {
	if c.peerGone {
		return nil
	}
	if err := c.conn.Send(Shutdown); err != nil {
		return fmt.Errorf("sending shutdown: %w", err)
	}
	return nil
}

func (c *Controller) separator(s string) {
	if c.separators {
		fmt.Fprintln(c.stdout, s)
	}
}
