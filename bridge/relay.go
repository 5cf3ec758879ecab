package bridge

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type RelayState int

const (
	// Idle means no task is delegated; an interrupt escalates.
	Idle RelayState = iota
	// Delegating means a task is in flight; the first interrupt is forwarded to the worker.
	Delegating
)

func (s RelayState) String() string {
	if s == Delegating {
		return "delegating"
	}
	return "idle"
}

// Relay forwards keyboard interrupts received by the controller to the worker process,
// which lives in its own process group and never sees them directly.
//
// While Delegating, the first interrupt is forwarded to the worker and the relay
// reverts to the default behavior, so the next one interrupts the controller itself.
// Any interrupt that is not forwarded escalates: Escalated is closed, and the
// controller is expected to kill the worker and exit.
type Relay struct {
	log  *zap.SugaredLogger
	pid  int
	kill func(pid int, sig syscall.Signal) error

	mut        sync.Mutex
	state      RelayState
	forwarding bool

	escalated    chan struct{}
	escalateOnce sync.Once
}

type RelayOption func(r *Relay)

// WithKill replaces the function used to deliver signals, unix.Kill by default.
func WithKill(f func(pid int, sig syscall.Signal) error) RelayOption {
	return func(r *Relay) {
		r.kill = f
	}
}

func NewRelay(log *zap.SugaredLogger, pid int, opts ...RelayOption) *Relay {
	r := &Relay{
		log:       log.Named("relay"),
		pid:       pid,
		kill:      unix.Kill,
		escalated: make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Relay) State() RelayState {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.state
}

// Engage moves Idle -> Delegating. It fails if a task is already delegated.
func (r *Relay) Engage() error {
	r.mut.Lock()
	defer r.mut.Unlock()
	if r.state == Delegating {
		return ErrTaskInFlight
	}
	r.state = Delegating
	r.forwarding = true
	r.log.Debug("engaged")
	return nil
}

// Disengage moves back to Idle.
func (r *Relay) Disengage() {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.state = Idle
	r.forwarding = false
	r.log.Debug("disengaged")
}

// Delegate runs fn with the relay engaged, disengaging it however fn returns.
func (r *Relay) Delegate(fn func() error) error {
	if err := r.Engage(); err != nil {
		return err
	}
	defer r.Disengage()
	return fn()
}

// Interrupt handles one interrupt signal received by the controller.
func (r *Relay) Interrupt() {
	r.mut.Lock()
	forward := r.state == Delegating && r.forwarding
	r.forwarding = false
	r.mut.Unlock()

	if !forward {
		r.log.Infow("interrupt while not forwarding, escalating", "PID", r.pid)
		r.escalate()
		return
	}

	r.log.Debugw("forwarding interrupt to worker", "PID", r.pid)
	err := r.kill(r.pid, syscall.SIGINT)
	if err != nil {
		r.log.Warnw("error forwarding interrupt to worker", "PID", r.pid, "Error", err)
	}
}

// Escalated is closed once an interrupt escalates.
func (r *Relay) Escalated() <-chan struct{} {
	return r.escalated
}

func (r *Relay) escalate() {
	r.escalateOnce.Do(func() { close(r.escalated) })
}

// Watch feeds each signal received on sigs to Interrupt until ctx is done.
func (r *Relay) Watch(ctx context.Context, sigs <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			r.Interrupt()
		}
	}
}

// Start catches the process's interrupt signals and feeds them to the relay
// until ctx is done or the returned stop func is called.
func (r *Relay) Start(ctx context.Context) (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Watch(ctx, sigs)
	}()

	return func() {
		signal.Stop(sigs)
		cancel()
		wg.Wait()
	}
}
