package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/bossworker/bridge"
	"github.com/guseggert/bossworker/config"
	"github.com/guseggert/bossworker/executor/star"
	"github.com/guseggert/bossworker/local"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/term"
)

const sessionEnv = "BOSSWORKER_SESSION"

func main() {
	app := &cli.App{
		Name:  "bossworker",
		Usage: "run code in a persistent worker process, a blank line at a time",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a YAML config file.",
			},
			&cli.IntFlag{
				Name:  "buffer-size",
				Usage: "Bytes of partial-line output the worker holds before flushing.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Level of the bridge's own logs. One of [debug,info,warn,error].",
			},
			&cli.BoolFlag{
				Name:  "separators",
				Usage: "Print ----- and ===== around each task's output.",
			},
			&cli.StringFlag{
				Name:    "eval",
				Aliases: []string{"e"},
				Usage:   "Source to run as the first task.",
			},
		},
		Action: runController,
		Commands: []*cli.Command{
			{
				Name:   "worker",
				Usage:  "serve tasks on the inherited channel (started by the controller)",
				Hidden: true,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "buffer-size", Value: bridge.DefaultBufferSize},
					&cli.StringFlag{Name: "log-level", Value: "warn"},
				},
				Action: runWorker,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(cctx *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := cctx.String("config"); path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
	}
	if cctx.IsSet("buffer-size") {
		cfg.BufferSize = cctx.Int("buffer-size")
	}
	if cctx.IsSet("log-level") {
		cfg.LogLevel = cctx.String("log-level")
	}
	if cctx.IsSet("separators") {
		cfg.Separators = cctx.Bool("separators")
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	lvl, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

func runController(cctx *cli.Context) error {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	sessionID := uuid.NewString()
	log := logger.Sugar().Named("bossworker").With("Session", sessionID)

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding own executable: %w", err)
	}

	ctx, cancel := context.WithCancelCause(cctx.Context)
	defer cancel(nil)

	args := []string{"worker", "--buffer-size", strconv.Itoa(cfg.BufferSize), "--log-level", cfg.LogLevel}
	args = append(args, cfg.WorkerArgs...)
	worker, err := local.StartWorker(ctx, log, local.StartRequest{
		Command: self,
		Args:    args,
		Env:     []string{sessionEnv + "=" + sessionID},
	})
	if err != nil {
		return err
	}

	relay := bridge.NewRelay(log, worker.Pid())
	stopRelay := relay.Start(ctx)
	defer stopRelay()
	go func() {
		select {
		case <-relay.Escalated():
			cancel(bridge.ErrEscalated)
		case <-ctx.Done():
		}
	}()

	opts := []bridge.ControllerOption{
		bridge.WithSeparators(cfg.Separators),
		bridge.WithInitialTask(cctx.String("eval")),
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		opts = append(opts, bridge.WithPrompt(cfg.Prompt))
	}
	controller := bridge.NewController(log, worker.Conn(), relay, opts...)

	// the controller may be blocked reading stdin, which nothing can interrupt,
	// so it runs on its own and is abandoned on escalation
	errCh := make(chan error, 1)
	go func() { errCh <- controller.Run(ctx) }()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = context.Cause(ctx)
	}
	if errors.Is(err, bridge.ErrEscalated) {
		worker.Kill()
		fmt.Fprintln(os.Stderr, "\nKeyboardInterrupt")
		return cli.Exit("", 130)
	}
	if err != nil {
		worker.Kill()
		return err
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()
	res, err := worker.Wait(waitCtx)
	if err != nil {
		worker.Kill()
		return fmt.Errorf("waiting for worker to exit: %w", err)
	}
	log.Debugw("worker exited", "ExitCode", res.ExitCode, "TimeMS", res.TimeMS)
	return nil
}

func runWorker(cctx *cli.Context) error {
	cfg := config.Default()
	cfg.BufferSize = cctx.Int("buffer-size")
	cfg.LogLevel = cctx.String("log-level")
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Sugar().Named("bossworker").With("Session", os.Getenv(sessionEnv))

	err = local.ServeWorker(cctx.Context, log, star.New(log), bridge.WithBufferSize(cfg.BufferSize))
	if errors.Is(err, bridge.ErrPeerGone) {
		log.Debugw("controller went away, exiting", "Error", err)
		return nil
	}
	return err
}
