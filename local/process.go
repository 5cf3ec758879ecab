// Package local starts the worker as a child process on the same host and supervises it.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/guseggert/bossworker/bridge"
	"go.uber.org/zap"
)

// ChannelFD is the file descriptor of the channel in the worker process.
// It is the first of exec.Cmd.ExtraFiles.
const ChannelFD = 3

// StartRequest describes how to launch the worker.
type StartRequest struct {
	Command string
	Args    []string
	Env     []string
	WD      string
}

// ProcessResult describes how the worker exited.
type ProcessResult struct {
	ExitCode int
	TimeMS   int64
}

type result struct {
	code   int
	timeMS int64
	err    error
}

// Worker is a running worker process and the controller's end of its channel.
type Worker struct {
	log  *zap.SugaredLogger
	cmd  *exec.Cmd
	conn *bridge.Conn

	exited chan struct{}
	res    result
}

// StartWorker launches the worker in its own process group, so keyboard interrupts
// reach only the controller, connected to the controller by a socketpair.
// The process is killed if ctx is canceled before it exits.
func StartWorker(ctx context.Context, log *zap.SugaredLogger, req StartRequest) (*Worker, error) {
	parentEnd, childEnd, err := bridge.Socketpair()
	if err != nil {
		return nil, err
	}
	defer childEnd.Close()

	cmd := exec.Command(req.Command, req.Args...)
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	cmd.Dir = req.WD
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{childEnd}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	err = cmd.Start()
	if err != nil {
		parentEnd.Close()
		return nil, fmt.Errorf("starting worker: %w", err)
	}

	log = log.Named("local_worker").With("PID", cmd.Process.Pid)
	conn, err := bridge.FileConn(log, parentEnd)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}

	w := &Worker{
		log:    log,
		cmd:    cmd,
		conn:   conn,
		exited: make(chan struct{}),
	}

	// wait on the process to finish and record the result
	go func() {
		defer close(w.exited)
		err := cmd.Wait()
		w.res.timeMS = time.Since(start).Milliseconds()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				w.res.code = exitErr.ExitCode()
			} else {
				w.res.code = -1
				w.res.err = err
			}
		}
		log.Debugw("worker exited", "ExitCode", w.res.code, "Error", w.res.err)
	}()

	// kill the process if the context is canceled
	go func() {
		select {
		case <-ctx.Done():
			w.Kill()
		case <-w.exited:
		}
	}()

	log.Debug("worker started")
	return w, nil
}

func (w *Worker) Pid() int {
	return w.cmd.Process.Pid
}

func (w *Worker) Conn() *bridge.Conn {
	return w.conn
}

// Exited is closed once the worker process has exited and been reaped.
func (w *Worker) Exited() <-chan struct{} {
	return w.exited
}

func (w *Worker) Wait(ctx context.Context) (*ProcessResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.exited:
		return &ProcessResult{ExitCode: w.res.code, TimeMS: w.res.timeMS}, w.res.err
	}
}

// Kill forcibly terminates the worker and closes the channel.
func (w *Worker) Kill() error {
	defer w.conn.Close()
	select {
	case <-w.exited:
		return nil
	default:
	}
	w.log.Debug("killing worker")
	err := w.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Stop asks the worker to shut down and waits for it to exit, killing it if ctx is done first.
func (w *Worker) Stop(ctx context.Context) (*ProcessResult, error) {
	err := w.conn.Send(bridge.Shutdown)
	if err != nil && !errors.Is(err, bridge.ErrPeerGone) {
		w.log.Debugf("error sending shutdown: %s", err)
	}
	res, err := w.Wait(ctx)
	if err != nil {
		w.Kill()
		return nil, fmt.Errorf("waiting for worker to exit: %w", err)
	}
	w.conn.Close()
	return res, nil
}
