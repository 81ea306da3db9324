// Package task implements the cooperative, tick driven task model used to command subsystems.
//
// A Task goes through Initialize, then Execute once per tick until IsFinished reports true,
// then End. Tasks never block inside a phase. A Scheduler runs every scheduled task once per
// tick and lets at most one task hold a given Resource: scheduling a task whose requirement is
// already held interrupts the holder first.
package task

import (
	"context"
	"sync/atomic"
)

// Resource names something a task needs exclusive use of, e.g. the drive subsystem.
type Resource string

// A Task is a unit of cooperative work.
type Task interface {
	Name() string
	Requirements() []Resource
	Initialize(ctx context.Context)
	Execute(ctx context.Context)
	// End is called exactly once, with interrupted set when the task was cancelled
	// or displaced rather than finishing on its own.
	End(ctx context.Context, interrupted bool)
	IsFinished() bool
}

// Handle tracks a scheduled task until it ends. Handles are safe to read from any goroutine.
type Handle struct {
	id          string
	name        string
	done        chan struct{}
	interrupted atomic.Bool
}

func newHandle(id, name string) *Handle {
	return &Handle{id: id, name: name, done: make(chan struct{})}
}

// ID is the run id assigned at schedule time.
func (h *Handle) ID() string { return h.id }

// Name of the task this handle tracks.
func (h *Handle) Name() string { return h.name }

// Done is closed once the task has ended.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Finished reports whether the task has ended.
func (h *Handle) Finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Interrupted reports whether the task was cancelled. Only meaningful once Done is closed.
func (h *Handle) Interrupted() bool { return h.interrupted.Load() }

// Wait blocks until the task ends or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return nil
	}
}

func (h *Handle) finish(interrupted bool) {
	h.interrupted.Store(interrupted)
	close(h.done)
}

// Func is a task assembled from closures. Nil closures are skipped and a nil Finished
// means the task runs until cancelled.
type Func struct {
	TaskName  string
	Reqs      []Resource
	OnInit    func(ctx context.Context)
	OnExecute func(ctx context.Context)
	OnEnd     func(ctx context.Context, interrupted bool)
	Finished  func() bool
}

// Name implements Task.
func (f *Func) Name() string { return f.TaskName }

// Requirements implements Task.
func (f *Func) Requirements() []Resource { return f.Reqs }

// Initialize implements Task.
func (f *Func) Initialize(ctx context.Context) {
	if f.OnInit != nil {
		f.OnInit(ctx)
	}
}

// Execute implements Task.
func (f *Func) Execute(ctx context.Context) {
	if f.OnExecute != nil {
		f.OnExecute(ctx)
	}
}

// End implements Task.
func (f *Func) End(ctx context.Context, interrupted bool) {
	if f.OnEnd != nil {
		f.OnEnd(ctx, interrupted)
	}
}

// IsFinished implements Task.
func (f *Func) IsFinished() bool {
	if f.Finished == nil {
		return false
	}
	return f.Finished()
}

// Instant returns a task that runs fn once and finishes on its first tick.
func Instant(name string, fn func(ctx context.Context), reqs ...Resource) Task {
	return &Func{
		TaskName: name,
		Reqs:     reqs,
		OnInit:   fn,
		Finished: func() bool { return true },
	}
}
