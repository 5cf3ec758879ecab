package local

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/guseggert/bossworker/bridge"
	"github.com/guseggert/bossworker/executor"
	"go.uber.org/zap"
)

// ServeWorker is the worker process's main loop: it serves tasks arriving on the
// inherited channel fd until told to shut down or the controller goes away.
// Interrupts delivered to the process cancel the running task instead of killing the process.
func ServeWorker(ctx context.Context, log *zap.SugaredLogger, exec executor.Executor, opts ...bridge.WorkerOption) error {
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	f := os.NewFile(ChannelFD, "bridge")
	if f == nil {
		return fmt.Errorf("channel fd %d is not open", ChannelFD)
	}
	conn, err := bridge.FileConn(log, f)
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer conn.Close()

	opts = append(opts, bridge.WithInterrupts(interrupts))
	w := bridge.NewWorker(log, conn, exec, opts...)
	log.Debugw("serving tasks", "PID", os.Getpid())
	return w.Run(ctx)
}
