package star

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.starlark.net/starlark"
)

var builtins map[string]*starlark.Builtin

func init() {
	builtins = map[string]*starlark.Builtin{
		"write":  starlark.NewBuiltin("write", write),
		"eprint": starlark.NewBuiltin("eprint", eprint),
		"flush":  starlark.NewBuiltin("flush", flush),
		"sleep":  starlark.NewBuiltin("sleep", sleep),
	}
}

func predeclared() starlark.StringDict {
	d := starlark.StringDict{}
	for name, fn := range builtins {
		d[name] = fn
	}
	return d
}

type flusher interface {
	Flush() error
}

func stream(thread *starlark.Thread, toErr bool) io.Writer {
	session := sessionOf(thread)
	if toErr {
		return session.Stderr()
	}
	return session.Stdout()
}

// write(text, err=False) writes text without a trailing newline.
func write(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		text  string
		toErr bool
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "text", &text, "err?", &toErr); err != nil {
		return nil, err
	}
	if _, err := io.WriteString(stream(thread, toErr), text); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

// eprint(*args, sep=" ") is print for the diagnostic stream.
func eprint(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	sep := " "
	if err := starlark.UnpackArgs(b.Name(), nil, kwargs, "sep?", &sep); err != nil {
		return nil, err
	}
	parts := make([]string, len(args))
	for i, a := range args {
		if s, ok := starlark.AsString(a); ok {
			parts[i] = s
		} else {
			parts[i] = a.String()
		}
	}
	if _, err := io.WriteString(stream(thread, true), strings.Join(parts, sep)+"\n"); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

// flush(err=False) pushes out a partially written line.
func flush(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var toErr bool
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "err?", &toErr); err != nil {
		return nil, err
	}
	if f, ok := stream(thread, toErr).(flusher); ok {
		if err := f.Flush(); err != nil {
			return nil, err
		}
	}
	return starlark.None, nil
}

// sleep(seconds) pauses the task. It returns early with an error if the task is interrupted.
func sleep(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var secs starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &secs); err != nil {
		return nil, err
	}
	f, ok := starlark.AsFloat(secs)
	if !ok {
		return nil, fmt.Errorf("%s: got %s, want int or float", b.Name(), secs.Type())
	}
	if f < 0 {
		return nil, fmt.Errorf("%s: negative duration", b.Name())
	}

	ctx := contextOf(thread)
	timer := time.NewTimer(time.Duration(f * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return starlark.None, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}
