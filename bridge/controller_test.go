package bridge

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/guseggert/bossworker/executor/star"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestControllerReadTask(t *testing.T) {
	cases := []struct {
		name  string
		input string
		tasks []string
	}{
		{
			name:  "blank line ends a task",
			input: "a = 1\nb = 2\n\nc\n\n",
			tasks: []string{"a = 1\nb = 2\n", "c\n", ""},
		},
		{
			name:  "whitespace-only line counts as blank",
			input: "a\n  \t\nb\n",
			tasks: []string{"a\n", "b\n", ""},
		},
		{
			name:  "end of input without newline",
			input: "a\nb",
			tasks: []string{"a\nb", ""},
		},
		{
			name:  "empty input",
			input: "",
			tasks: []string{""},
		},
		{
			name:  "leading blank line is an empty task",
			input: "\na\n",
			tasks: []string{"", "a\n", ""},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ctrl, _ := Pipe(log)
			defer ctrl.Close()
			controller := NewController(log, ctrl, NewRelay(log, 0), WithStdin(strings.NewReader(c.input)))
			var tasks []string
			for range c.tasks {
				task, err := controller.ReadTask()
				require.NoError(t, err)
				tasks = append(tasks, task)
			}
			assert.Equal(t, c.tasks, tasks)
		})
	}
}

// startController wires a controller to an in-process worker running the Starlark executor.
// The relay's signals are delivered to the worker's interrupt channel instead of a process.
func startController(t *testing.T, ctx context.Context, opts ...ControllerOption) (*Controller, *Relay, *errgroup.Group) {
	ctrlConn, workerConn := Pipe(log)
	interrupts := make(chan os.Signal, 1)
	worker := NewWorker(log, workerConn, star.New(log), WithInterrupts(interrupts))

	relay := NewRelay(log, 0, WithKill(func(pid int, sig syscall.Signal) error {
		interrupts <- os.Interrupt
		return nil
	}))

	group := &errgroup.Group{}
	group.Go(func() error { return worker.Run(ctx) })
	t.Cleanup(func() {
		ctrlConn.Close()
		_ = group.Wait()
		workerConn.Close()
	})
	return NewController(log, ctrlConn, relay, opts...), relay, group
}

func TestControllerRun(t *testing.T) {
	ctx := context.Background()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	controller, relay, group := startController(t, ctx,
		WithStdin(strings.NewReader("x = 3\n\nx + 4\n\ny = 1 // 0\n\nx\n")),
		WithStdout(stdout),
		WithStderr(stderr),
		WithSeparators(true),
	)

	require.NoError(t, controller.Run(ctx))
	// the worker exits cleanly on the shutdown task
	require.NoError(t, group.Wait())

	assert.Equal(t, "-----\n=====\n-----\n7\n=====\n-----\n=====\n-----\n3\n=====\n", stdout.String())
	assert.Contains(t, stderr.String(), `File "<input 3>", line 1`)
	assert.Contains(t, stderr.String(), "division by zero")
	assert.Equal(t, Idle, relay.State())
	assert.False(t, escalated(relay))
}

func TestControllerInitialTaskAndPrompt(t *testing.T) {
	ctx := context.Background()
	stdout := &bytes.Buffer{}
	controller, _, group := startController(t, ctx,
		WithStdin(strings.NewReader("")),
		WithStdout(stdout),
		WithStderr(&bytes.Buffer{}),
		WithPrompt(">>> "),
		WithInitialTask("1 + 2"),
	)

	require.NoError(t, controller.Run(ctx))
	require.NoError(t, group.Wait())
	assert.Equal(t, "1 + 2\n3\n>>> ", stdout.String())
}

// callbackWriter calls fn once, the first time its contents contain match.
type callbackWriter struct {
	bytes.Buffer
	match string
	fn    func()
	once  sync.Once
}

func (w *callbackWriter) Write(p []byte) (int, error) {
	n, err := w.Buffer.Write(p)
	if strings.Contains(w.Buffer.String(), w.match) {
		w.once.Do(w.fn)
	}
	return n, err
}

// WriteString shadows bytes.Buffer's, which io.WriteString would otherwise call directly.
func (w *callbackWriter) WriteString(str string) (int, error) {
	return w.Write([]byte(str))
}

func TestControllerForwardsInterrupt(t *testing.T) {
	ctx := context.Background()
	stdout, stderr := &callbackWriter{match: "started\n"}, &bytes.Buffer{}
	controller, relay, _ := startController(t, ctx, WithStdout(stdout), WithStderr(stderr))
	stdout.fn = relay.Interrupt

	require.NoError(t, controller.Oversee(ctx, "n = 7\n"))
	require.NoError(t, controller.Oversee(ctx, "print(\"started\")\nsleep(60)\nprint(\"unreachable\")\n"))
	assert.Equal(t, "started\n", stdout.String())
	assert.Contains(t, stderr.String(), "KeyboardInterrupt")
	assert.False(t, escalated(relay))
	assert.Equal(t, Idle, relay.State())

	// the session survived the interrupt
	require.NoError(t, controller.Oversee(ctx, "n"))
	assert.Equal(t, "started\n7\n", stdout.String())

	// back to back with the previous task, the first interrupt still reaches the running one
	stdout.Reset()
	stderr.Reset()
	stdout.match = "again\n"
	stdout.once = sync.Once{}
	require.NoError(t, controller.Oversee(ctx, "print(\"again\")\nsleep(60)\nprint(\"unreachable\")\n"))
	assert.Equal(t, "again\n", stdout.String())
	assert.Contains(t, stderr.String(), "KeyboardInterrupt")
	assert.False(t, escalated(relay))

	// an interrupt between tasks is not forwarded
	relay.Interrupt()
	assert.True(t, escalated(relay))
}

func TestControllerWorkerExits(t *testing.T) {
	ctrlConn, workerConn := Pipe(log)
	defer ctrlConn.Close()
	group := &errgroup.Group{}
	group.Go(func() error {
		defer workerConn.Close()
		var task Task
		return workerConn.Receive(&task)
	})

	stderr := &bytes.Buffer{}
	relay := NewRelay(log, 0, WithKill(newKillRecorder().kill))
	controller := NewController(log, ctrlConn, relay, WithStdout(&bytes.Buffer{}), WithStderr(stderr))

	err := controller.Oversee(context.Background(), "x = 1")
	assert.ErrorIs(t, err, ErrPeerGone)
	assert.Equal(t, "worker exited unexpectedly\n", stderr.String())
	assert.Equal(t, Idle, relay.State())
	require.NoError(t, group.Wait())

	// nothing more is sent to a worker that is gone
	assert.ErrorIs(t, controller.Oversee(context.Background(), "x = 2"), ErrPeerGone)
	assert.NoError(t, controller.Shutdown())
}

func TestControllerCanceledWhileDelegating(t *testing.T) {
	ctrlConn, workerConn := Pipe(log)
	received := make(chan struct{})
	group := &errgroup.Group{}
	group.Go(func() error {
		defer workerConn.Close()
		var task Task
		if err := workerConn.Receive(&task); err != nil {
			return err
		}
		close(received)
		// never answers; returns once the controller hangs up
		err := workerConn.Receive(&task)
		assert.ErrorIs(t, err, ErrPeerGone)
		return nil
	})

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	go func() {
		<-received
		cancel(ErrEscalated)
	}()

	relay := NewRelay(log, 0, WithKill(newKillRecorder().kill))
	controller := NewController(log, ctrlConn, relay, WithStdout(&bytes.Buffer{}), WithStderr(&bytes.Buffer{}))
	err := controller.Oversee(ctx, "sleep(60)")
	assert.ErrorIs(t, err, ErrEscalated)
	assert.Equal(t, Idle, relay.State())
	require.NoError(t, group.Wait())
}

func TestControllerRefusesOverlappingTasks(t *testing.T) {
	ctrlConn, _ := Pipe(log)
	defer ctrlConn.Close()
	relay := NewRelay(log, 0, WithKill(newKillRecorder().kill))
	controller := NewController(log, ctrlConn, relay)

	require.NoError(t, relay.Engage())
	assert.ErrorIs(t, controller.Oversee(context.Background(), "x"), ErrTaskInFlight)
	assert.Equal(t, Delegating, relay.State())
}
