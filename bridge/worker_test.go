package bridge

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/guseggert/bossworker/executor"
	"github.com/guseggert/bossworker/executor/star"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// workerHarness plays the controller for a Worker running on the other end of an in-memory pipe.
type workerHarness struct {
	t      *testing.T
	conn   *Conn
	worker *Worker
	done   chan error
	nextID int
}

func startWorker(t *testing.T, exec executor.Executor, opts ...WorkerOption) *workerHarness {
	ctrlConn, workerConn := Pipe(log)
	h := &workerHarness{
		t:      t,
		conn:   ctrlConn,
		worker: NewWorker(log, workerConn, exec, opts...),
		done:   make(chan error, 1),
	}
	go func() { h.done <- h.worker.Run(context.Background()) }()
	t.Cleanup(func() {
		ctrlConn.Close()
		<-h.done
		workerConn.Close()
	})
	return h
}

func (h *workerHarness) send(source string) string {
	h.nextID++
	id := fmt.Sprintf("<input %d>", h.nextID)
	require.NoError(h.t, h.conn.Send(Task{Run: true, SourceID: id, Source: source}))
	return id
}

func (h *workerHarness) next() Chunk {
	var c Chunk
	require.NoError(h.t, h.conn.Receive(&c))
	return c
}

// drain collects chunks up to and excluding the end-of-task marker.
func (h *workerHarness) drain() []Chunk {
	var chunks []Chunk
	for {
		c := h.next()
		if c.EndOfTask {
			assert.Zero(h.t, c.Stream)
			assert.Empty(h.t, c.Text)
			return chunks
		}
		chunks = append(chunks, c)
	}
}

func (h *workerHarness) run(source string) []Chunk {
	h.send(source)
	return h.drain()
}

func streamText(chunks []Chunk, stream Stream) string {
	var sb strings.Builder
	for _, c := range chunks {
		if c.Stream == stream {
			sb.WriteString(c.Text)
		}
	}
	return sb.String()
}

func countChunks(chunks []Chunk, stream Stream) int {
	n := 0
	for _, c := range chunks {
		if c.Stream == stream {
			n++
		}
	}
	return n
}

func TestWorkerAssignmentThenExpression(t *testing.T) {
	h := startWorker(t, star.New(log))

	assert.Empty(t, h.run("x = 3\n"))

	chunks := h.run("x + 4\n")
	assert.Equal(t, "7\n", streamText(chunks, Primary))
	assert.Zero(t, countChunks(chunks, Diagnostic))
}

func TestWorkerExecutionFailure(t *testing.T) {
	h := startWorker(t, star.New(log))

	id := h.send("y = 1 // 0\n")
	chunks := h.drain()
	assert.Empty(t, streamText(chunks, Primary))
	trace := streamText(chunks, Diagnostic)
	assert.Contains(t, trace, id)
	assert.Contains(t, trace, "division by zero")
	// the line comes from the cached source, since there is no such file
	assert.Contains(t, trace, "    y = 1 // 0\n")

	// still responsive
	assert.Equal(t, "2\n", streamText(h.run("1 + 1"), Primary))
}

func TestWorkerThresholdFlushesLongLine(t *testing.T) {
	h := startWorker(t, star.New(log), WithBufferSize(2048))

	chunks := h.run("for i in range(5000):\n    write(\"a\")\n")
	require.GreaterOrEqual(t, countChunks(chunks, Primary), 2)
	assert.Equal(t, strings.Repeat("a", 5000), streamText(chunks, Primary))
	assert.Len(t, chunks[0].Text, 2048)
}

func TestWorkerFlushesAtNewlinesAndOnRequest(t *testing.T) {
	h := startWorker(t, star.New(log))

	chunks := h.run("write(\"a\")\nflush()\nwrite(\"b\\nc\")\nwrite(\"d\")\n")
	assert.Equal(t, []Chunk{
		{Stream: Primary, Text: "a"},
		{Stream: Primary, Text: "b\n"},
		{Stream: Primary, Text: "cd"},
	}, chunks)
}

func TestWorkerSessionPersists(t *testing.T) {
	h := startWorker(t, star.New(log))

	assert.Empty(t, h.run("def double(n):\n    return 2 * n\nitems = [1, 2]\n"))
	assert.Equal(t, "[2, 4]\n", streamText(h.run("[double(i) for i in items]"), Primary))

	v, ok := h.worker.Session().Lookup("items")
	require.True(t, ok)
	assert.Equal(t, "[1, 2]", fmt.Sprint(v))
}

func TestWorkerInterruptKeepsSession(t *testing.T) {
	interrupts := make(chan os.Signal, 1)
	h := startWorker(t, star.New(log), WithInterrupts(interrupts))

	assert.Empty(t, h.run("x = 42\n"))

	h.send("print(\"started\")\nsleep(60)\nprint(\"unreachable\")\n")
	assert.Equal(t, Chunk{Stream: Primary, Text: "started\n"}, h.next())
	interrupts <- os.Interrupt
	chunks := h.drain()
	assert.Empty(t, streamText(chunks, Primary))
	assert.Contains(t, streamText(chunks, Diagnostic), "KeyboardInterrupt")

	assert.Equal(t, "42\n", streamText(h.run("x"), Primary))
}

func TestWorkerInterruptAfterQuickTask(t *testing.T) {
	interrupts := make(chan os.Signal, 1)
	h := startWorker(t, star.New(log), WithInterrupts(interrupts))

	// no pause between tasks, so the first task's watcher has just been torn down
	assert.Empty(t, h.run("x = 1"))
	h.send("print(\"started\")\nsleep(60)\nprint(\"unreachable\")\n")
	assert.Equal(t, Chunk{Stream: Primary, Text: "started\n"}, h.next())
	interrupts <- os.Interrupt

	chunks := h.drain()
	assert.Empty(t, streamText(chunks, Primary))
	assert.Contains(t, streamText(chunks, Diagnostic), "KeyboardInterrupt")
	assert.Equal(t, "1\n", streamText(h.run("x"), Primary))
}

func TestWorkerKeepsInterruptSentBeforeTaskStarts(t *testing.T) {
	interrupts := make(chan os.Signal, 1)
	h := startWorker(t, star.New(log), WithInterrupts(interrupts))

	// forwarded after the controller engaged its relay but before the worker picked up the task
	interrupts <- os.Interrupt
	chunks := h.run("sleep(60)\nprint(\"unreachable\")\n")
	assert.Empty(t, streamText(chunks, Primary))
	assert.Contains(t, streamText(chunks, Diagnostic), "KeyboardInterrupt")
}

func TestWorkerDiscardsLateInterrupts(t *testing.T) {
	interrupts := make(chan os.Signal, 1)
	exec := executor.ExecutorFunc(func(ctx context.Context, s *executor.Session, req executor.Request) error {
		if req.Source == "interrupt twice" {
			interrupts <- os.Interrupt
			<-ctx.Done()
			// arrives after the task was already canceled
			interrupts <- os.Interrupt
			return nil
		}
		_, err := io.WriteString(s.Stdout(), fmt.Sprintf("canceled=%v\n", ctx.Err() != nil))
		return err
	})
	h := startWorker(t, exec, WithInterrupts(interrupts))

	assert.Empty(t, h.run("interrupt twice"))
	assert.Equal(t, "canceled=false\n", streamText(h.run("anything"), Primary))
}

func TestWorkerEndsPartialLineBeforeTrace(t *testing.T) {
	exec := executor.ExecutorFunc(func(ctx context.Context, s *executor.Session, req executor.Request) error {
		io.WriteString(s.Stdout(), "0 1 2")
		return &executor.Failure{
			Kind:   "Error",
			Msg:    "oops",
			Frames: []executor.Frame{{Func: "<toplevel>", File: req.SourceID, Line: 2}},
		}
	})
	h := startWorker(t, exec)

	id := h.send("first\nsecond\n")
	chunks := h.drain()
	assert.Equal(t, []Chunk{
		{Stream: Primary, Text: "0 1 2\n"},
		{Stream: Diagnostic, Text: "Traceback (most recent call last):\n  File \"" + id + "\", line 2, in <toplevel>\n    second\nError: oops\n"},
	}, chunks)
}

func TestWorkerRecoversFromExecutorPanic(t *testing.T) {
	exec := executor.ExecutorFunc(func(ctx context.Context, s *executor.Session, req executor.Request) error {
		if req.Source == "panic" {
			panic("kaboom")
		}
		_, err := io.WriteString(s.Stdout(), req.Source)
		return err
	})
	h := startWorker(t, exec)

	chunks := h.run("panic")
	assert.Equal(t, "Panic: kaboom\n", streamText(chunks, Diagnostic))
	assert.Equal(t, "ok\n", streamText(h.run("ok\n"), Primary))
}

func TestWorkerNormalizesNewlinesAndRestoresStreams(t *testing.T) {
	var sources []string
	session := executor.NewSession(io.Discard, io.Discard)
	exec := executor.ExecutorFunc(func(ctx context.Context, s *executor.Session, req executor.Request) error {
		sources = append(sources, req.Source)
		assert.NotEqual(t, io.Discard, s.Stdout())
		return nil
	})
	h := startWorker(t, exec, WithSession(session))

	assert.Empty(t, h.run("a\r\nb\rc\n"))
	assert.Equal(t, []string{"a\nb\nc\n"}, sources)
	assert.Equal(t, io.Discard, session.Stdout())
	assert.Equal(t, io.Discard, session.Stderr())
}

func TestWorkerShutdown(t *testing.T) {
	h := startWorker(t, star.New(log))
	assert.Empty(t, h.run("x = 1"))

	require.NoError(t, h.conn.Send(Shutdown))
	err := <-h.done
	require.NoError(t, err)
	h.done <- err
}

func TestWorkerControllerGone(t *testing.T) {
	h := startWorker(t, star.New(log))
	require.NoError(t, h.conn.Close())

	err := <-h.done
	assert.ErrorIs(t, err, ErrPeerGone)
	h.done <- err
}
