// Package basic wraps the controller end of a bridge channel with conveniences for
// programs and tests that want a task's output as strings rather than streamed to a terminal.
package basic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/guseggert/bossworker/bridge"
	"go.uber.org/zap"
)

// Session runs tasks on a worker over Conn, one at a time.
type Session struct {
	Conn *bridge.Conn
	Log  *zap.SugaredLogger
	Ctx  context.Context

	nextID *int
}

func New(conn *bridge.Conn) *Session {
	return &Session{
		Conn:   conn,
		Log:    defaultLogger(),
		Ctx:    context.Background(),
		nextID: new(int),
	}
}

func (s *Session) WithLogger(l *zap.SugaredLogger) *Session {
	s.Log = l.Named(loggerName)
	return s
}

func (s *Session) Context(ctx context.Context) *Session {
	newS := *s
	newS.Ctx = ctx
	return &newS
}

// Result is everything a task wrote, in the order the worker sent it.
type Result struct {
	SourceID  string
	StartTime time.Time
	EndTime   time.Time
	Stdout    string
	Stderr    string
	Chunks    []bridge.Chunk
}

// Failed reports whether the task wrote anything to the diagnostic stream.
func (r *Result) Failed() bool {
	return r.Stderr != ""
}

// Err returns a *TaskError if the task failed.
func (r *Result) Err() error {
	if !r.Failed() {
		return nil
	}
	return &TaskError{SourceID: r.SourceID, Trace: r.Stderr}
}

// Run sends source to the worker as the next task and collects its output up to the end-of-task chunk.
func (s *Session) Run(source string) (*Result, error) {
	if s.Ctx.Err() != nil {
		return nil, context.Cause(s.Ctx)
	}
	*s.nextID++
	task := bridge.Task{
		Run:      true,
		SourceID: fmt.Sprintf("<input %d>", *s.nextID),
		Source:   source,
	}

	stop := context.AfterFunc(s.Ctx, func() { s.Conn.Close() })
	defer stop()

	res := &Result{SourceID: task.SourceID, StartTime: time.Now()}
	err := s.Conn.Send(task)
	if err != nil {
		if s.Ctx.Err() != nil {
			return nil, context.Cause(s.Ctx)
		}
		return nil, fmt.Errorf("sending task: %w", err)
	}

	var stdout, stderr strings.Builder
	for {
		var chunk bridge.Chunk
		err := s.Conn.Receive(&chunk)
		if err != nil {
			if s.Ctx.Err() != nil {
				return nil, context.Cause(s.Ctx)
			}
			return nil, fmt.Errorf("receiving output of %s: %w", task.SourceID, err)
		}
		if chunk.EndOfTask {
			break
		}
		res.Chunks = append(res.Chunks, chunk)
		switch chunk.Stream {
		case bridge.Primary:
			stdout.WriteString(chunk.Text)
		case bridge.Diagnostic:
			stderr.WriteString(chunk.Text)
		default:
			s.Log.Debugf("dropping chunk for unknown stream %s", chunk.Stream)
		}
	}
	res.EndTime = time.Now()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	s.Log.Debugw("task finished", "SourceID", res.SourceID, "Chunks", len(res.Chunks))
	return res, nil
}

func (s *Session) MustRun(source string) *Result {
	return Must2(s.Run(source))
}

// MustSucceed is MustRun, but also panics with a *TaskError if the task wrote to the diagnostic stream.
func (s *Session) MustSucceed(source string) *Result {
	r := s.MustRun(source)
	Must(r.Err())
	return r
}

// StreamChunks returns the text of each chunk of one stream, in the order received.
func (r *Result) StreamChunks(stream bridge.Stream) []string {
	var texts []string
	for _, c := range r.Chunks {
		if c.Stream == stream {
			texts = append(texts, c.Text)
		}
	}
	return texts
}

// Shutdown sends the shutdown task. The worker exits after receiving it.
func (s *Session) Shutdown() error {
	return s.Conn.Send(bridge.Shutdown)
}
