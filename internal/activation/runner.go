package activation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RunnerState is where an activation attempt currently stands.
type RunnerState int

const (
	StateIdle RunnerState = iota
	StateRunning
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s RunnerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ErrAlreadyRunning is returned by Start while an attempt is in flight.
var ErrAlreadyRunning = errors.New("activation already running")

// cancelJoinTimeout bounds how long Cancel waits for the flow goroutine.
// Cleanup past this point proceeds in the background.
const cancelJoinTimeout = 5 * time.Second

// Status is a snapshot of the runner for status endpoints.
type Status struct {
	State RunnerState
	Code  *Code
	Err   error
}

// Runner owns at most one activation flow at a time and exposes its progress
// as polled state on top of the flow's callback surface.
type Runner struct {
	auth Authenticator

	mu     sync.Mutex
	state  RunnerState
	code   *Code
	err    error
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner builds an idle runner.
func NewRunner(auth Authenticator) *Runner {
	return &Runner{auth: auth}
}

// Start launches an activation flow in the background. extra receives the
// same callbacks the runner records; nil is fine.
func (r *Runner) Start(extra Surface) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRunning {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.state = StateRunning
	r.code = nil
	r.err = nil
	r.cancel = cancel
	r.done = make(chan struct{})

	flow := New(r.auth, &fanoutSurface{runner: r, extra: extra})
	go func(done chan struct{}) {
		defer close(done)
		err := flow.Run(ctx)

		r.mu.Lock()
		defer r.mu.Unlock()
		switch {
		case err == nil:
			r.state = StateSucceeded
		case errors.Is(err, context.Canceled):
			r.state = StateCancelled
		default:
			r.state = StateFailed
			r.err = err
			log.Warn().Err(err).Msg("activation flow failed")
		}
		r.code = nil
	}(r.done)
	return nil
}

// Cancel stops a running flow and waits, bounded, for it to wind down.
func (r *Runner) Cancel() {
	r.mu.Lock()
	if r.state != StateRunning {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(cancelJoinTimeout):
		log.Warn().Msg("activation flow did not stop in time, leaving it to finish in background")
	}
}

// Status returns the current runner snapshot.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Status{State: r.state, Err: r.err}
	if r.code != nil {
		c := *r.code
		s.Code = &c
	}
	return s
}

// fanoutSurface records progress on the runner and forwards to an optional
// second surface.
type fanoutSurface struct {
	runner *Runner
	extra  Surface
}

func (f *fanoutSurface) CodeReady(code Code) {
	f.runner.mu.Lock()
	f.runner.code = &code
	f.runner.mu.Unlock()
	if f.extra != nil {
		f.extra.CodeReady(code)
	}
}

func (f *fanoutSurface) CodeExpired(renewal int) {
	f.runner.mu.Lock()
	f.runner.code = nil
	f.runner.mu.Unlock()
	if f.extra != nil {
		f.extra.CodeExpired(renewal)
	}
}

func (f *fanoutSurface) Activated() {
	if f.extra != nil {
		f.extra.Activated()
	}
}
