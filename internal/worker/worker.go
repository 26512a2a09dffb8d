// ============================================================================
// Procmesh Worker - ProcessWorker backed by a goroutine
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs a RunFunc as a managed process and reports its lifecycle
//
// How it works:
//   Start launches the RunFunc in its own goroutine under a cancellable
//   context and reports Starting, then Running. The goroutine's return
//   decides the final state:
//     nil or cancelled by Pause/Stop  -> Inactive
//     ErrConflict                     -> Conflicted
//     ErrUnsupported                  -> Unsupported
//     any other error                 -> Faulted
//
// Pause vs Stop:
//   Both cancel the run context. The cause (ErrPaused / ErrStopped) is
//   available through context.Cause so a RunFunc can drain gracefully on
//   Pause and bail out on Stop.
//
// Ordering:
//   State changes are applied and reported under one mutex, so the
//   callback sees them in the order they happened even though they are
//   raised from different goroutines.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/procmesh/pkg/types"
)

var (
	// ErrConflict is returned by a RunFunc that lost its resource to
	// another instance.
	ErrConflict = errors.New("resource owned by another instance")
	// ErrUnsupported is returned by a RunFunc that cannot run on this node.
	ErrUnsupported = errors.New("process unsupported on this node")

	ErrPaused  = errors.New("worker paused")
	ErrStopped = errors.New("worker stopped")
)

// RunFunc is the body of a process. It should return when ctx is done.
type RunFunc func(ctx context.Context) error

// Runner implements types.ProcessWorker on top of a RunFunc
type Runner struct {
	name   string
	run    RunFunc
	logger *slog.Logger

	// mu serializes transitions and callbacks
	mu       sync.Mutex
	state    types.ProcessState
	onChange func(types.ProcessState)
	cancel   context.CancelCauseFunc
	gen      uint64
	// restart is set when Start arrives while the previous run is winding down
	restart bool
}

var _ types.ProcessWorker = (*Runner)(nil)

// NewRunner creates a runner. A nil logger falls back to slog.Default().
func NewRunner(name string, run RunFunc, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		name:   name,
		run:    run,
		logger: logger.With("component", "worker", "process", name),
		state:  types.StateUninitialized,
	}
}

func (r *Runner) Init(onStateChanged func(types.ProcessState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = onStateChanged
	if r.state == types.StateUninitialized {
		r.state = types.StateInactive
	}
}

func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case types.StateStarting, types.StateRunning, types.StateUninitialized:
		return
	case types.StatePausing, types.StateStopping:
		r.restart = true
		return
	}
	r.launchLocked()
}

// Pause asks the run function to finish gracefully
func (r *Runner) Pause() {
	r.halt(types.StatePausing, ErrPaused)
}

// Stop cancels the run function immediately
func (r *Runner) Stop() {
	r.halt(types.StateStopping, ErrStopped)
}

func (r *Runner) State() types.ProcessState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) halt(next types.ProcessState, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.restart = false
	switch r.state {
	case types.StateStarting, types.StateRunning:
	case types.StatePausing:
		if next != types.StateStopping {
			return
		}
	default:
		return
	}
	r.cancel(cause)
	r.setLocked(next)
}

func (r *Runner) launchLocked() {
	ctx, cancel := context.WithCancelCause(context.Background())
	r.cancel = cancel
	r.gen++
	gen := r.gen
	r.setLocked(types.StateStarting)

	go r.loop(ctx, cancel, gen)
}

func (r *Runner) loop(ctx context.Context, cancel context.CancelCauseFunc, gen uint64) {
	r.mu.Lock()
	if r.gen == gen && r.state == types.StateStarting {
		r.setLocked(types.StateRunning)
	}
	r.mu.Unlock()

	err := r.runSafely(ctx)
	final := finalState(ctx, err)
	cancel(nil)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen {
		return
	}

	if final == types.StateFaulted {
		r.logger.Warn("Process failed", "error", err)
	}
	r.setLocked(final)

	if r.restart {
		r.restart = false
		if final == types.StateInactive {
			r.launchLocked()
		}
	}
}

func (r *Runner) runSafely(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.run(ctx)
}

func finalState(ctx context.Context, err error) types.ProcessState {
	switch {
	case errors.Is(err, ErrConflict):
		return types.StateConflicted
	case errors.Is(err, ErrUnsupported):
		return types.StateUnsupported
	case err == nil, ctx.Err() != nil:
		// cancelled by Pause/Stop, whatever the function returned
		return types.StateInactive
	default:
		return types.StateFaulted
	}
}

// setLocked records s and reports it. Caller holds r.mu.
func (r *Runner) setLocked(s types.ProcessState) {
	if r.state == s {
		return
	}
	r.state = s
	r.logger.Debug("State changed", "state", s)
	if r.onChange != nil {
		r.onChange(s)
	}
}
