// Package star is an executor.Executor for Starlark, a small Python-like language.
//
// Each task is parsed as a chunk of statements run against the session's bindings, which persist
// across tasks. If the last statement is a bare expression, its value is printed like an
// interactive prompt would, unless it is None.
package star

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/guseggert/bossworker/executor"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"go.uber.org/zap"
)

const (
	sessionKey = "bossworker.session"
	contextKey = "bossworker.context"
)

var fileOptions = &syntax.FileOptions{
	Set:               true,
	While:             true,
	TopLevelControl:   true,
	GlobalReassign:    true,
	LoadBindsGlobally: true,
	Recursion:         true,
}

type Executor struct {
	log *zap.SugaredLogger
	dir string

	modules map[string]*module
}

type module struct {
	globals starlark.StringDict
	err     error
}

type Option func(e *Executor)

// WithDir sets the directory load() starts searching from. Defaults to the working directory.
func WithDir(dir string) Option {
	return func(e *Executor) {
		e.dir = dir
	}
}

func New(log *zap.SugaredLogger, opts ...Option) *Executor {
	e := &Executor{
		log:     log.Named("starlark"),
		modules: map[string]*module{},
	}
	for _, o := range opts {
		o(e)
	}
	if e.dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			e.log.Debugf("getting wd: %s", err)
			wd = "."
		}
		e.dir = wd
	}
	return e
}

func (e *Executor) Execute(ctx context.Context, session *executor.Session, req executor.Request) error {
	thread := &starlark.Thread{
		Name:  req.SourceID,
		Print: printTo,
		Load:  e.load,
	}
	thread.SetLocal(sessionKey, session)
	thread.SetLocal(contextKey, ctx)

	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(context.Cause(ctx).Error())
	})
	defer stop()

	globals := e.globals(session)
	err := e.run(thread, session, globals, req)
	e.storeGlobals(session, globals)
	if err != nil {
		return toFailure(ctx, err)
	}
	return nil
}

func (e *Executor) run(thread *starlark.Thread, session *executor.Session, globals starlark.StringDict, req executor.Request) error {
	f, err := fileOptions.Parse(req.SourceID, req.Source, 0)
	if err != nil {
		return err
	}

	var last syntax.Expr
	if n := len(f.Stmts); n > 0 {
		if stmt, ok := f.Stmts[n-1].(*syntax.ExprStmt); ok {
			last = stmt.X
			f.Stmts = f.Stmts[:n-1]
		}
	}

	if len(f.Stmts) > 0 {
		if err := starlark.ExecREPLChunk(f, thread, globals); err != nil {
			return err
		}
	}
	if last == nil {
		return nil
	}

	v, err := starlark.EvalExprOptions(fileOptions, thread, last, globals)
	if err != nil {
		return err
	}
	if v != starlark.None {
		if _, err := fmt.Fprintln(session.Stdout(), v.String()); err != nil {
			return err
		}
	}
	return nil
}

// globals builds the environment for one task: builtins, overlaid by the session's bindings.
func (e *Executor) globals(session *executor.Session) starlark.StringDict {
	globals := starlark.StringDict{}
	for name, fn := range builtins {
		globals[name] = fn
	}
	for name, v := range session.Bindings() {
		sv, ok := v.(starlark.Value)
		if !ok {
			e.log.Debugf("skipping non-Starlark binding %q of type %T", name, v)
			continue
		}
		globals[name] = sv
	}
	return globals
}

func (e *Executor) storeGlobals(session *executor.Session, globals starlark.StringDict) {
	bindings := session.Bindings()
	for name, v := range globals {
		if fn, ok := builtins[name]; ok && v == starlark.Value(fn) {
			continue
		}
		bindings[name] = v
	}
}

func (e *Executor) load(thread *starlark.Thread, name string) (starlark.StringDict, error) {
	path, err := findModule(name, e.dir)
	if err != nil {
		return nil, err
	}

	m, ok := e.modules[path]
	if ok {
		if m == nil {
			return nil, fmt.Errorf("cycle in load graph at %s", name)
		}
		return m.globals, m.err
	}

	e.modules[path] = nil
	e.log.Debugw("loading module", "Name", name, "Path", path)
	globals, err := starlark.ExecFileOptions(fileOptions, thread, path, nil, predeclared())
	if err != nil && contextOf(thread).Err() != nil {
		// an interrupted load is retried next time
		delete(e.modules, path)
		return nil, err
	}
	e.modules[path] = &module{globals: globals, err: err}
	return globals, err
}

func toFailure(ctx context.Context, err error) *executor.Failure {
	f := &executor.Failure{Kind: "Error", Msg: err.Error(), Err: err}

	var (
		evalErr     *starlark.EvalError
		syntaxErr   syntax.Error
		resolveErrs resolve.ErrorList
	)
	switch {
	case errors.As(err, &evalErr):
		f.Msg = evalErr.Msg
		for _, fr := range evalErr.CallStack {
			// builtins are reported at line 0 of "<builtin>"
			if fr.Pos.Line == 0 {
				continue
			}
			f.Frames = append(f.Frames, toFrame(fr.Name, fr.Pos))
		}
	case errors.As(err, &syntaxErr):
		f.Kind = "SyntaxError"
		f.Msg = syntaxErr.Msg
		f.Frames = []executor.Frame{toFrame("<toplevel>", syntaxErr.Pos)}
	case errors.As(err, &resolveErrs) && len(resolveErrs) > 0:
		first := resolveErrs[0]
		f.Kind = "NameError"
		f.Msg = first.Msg
		f.Frames = []executor.Frame{toFrame("<toplevel>", first.Pos)}
	}

	if ctx.Err() != nil {
		f.Kind = "KeyboardInterrupt"
		f.Interrupted = true
		f.Msg = strings.TrimPrefix(f.Msg, "Starlark computation cancelled: ")
		f.Err = context.Cause(ctx)
	}
	return f
}

func toFrame(name string, pos syntax.Position) executor.Frame {
	return executor.Frame{
		Func: name,
		File: pos.Filename(),
		Line: int(pos.Line),
		Col:  int(pos.Col),
	}
}

func sessionOf(thread *starlark.Thread) *executor.Session {
	return thread.Local(sessionKey).(*executor.Session)
}

func contextOf(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(contextKey).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

func printTo(thread *starlark.Thread, msg string) {
	_, _ = io.WriteString(sessionOf(thread).Stdout(), msg+"\n")
}
