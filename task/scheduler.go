package task

import (
	"context"

	"github.com/google/uuid"
	"go.viam.com/rdk/logging"
)

type run struct {
	task   Task
	handle *Handle
}

// Scheduler runs scheduled tasks once per call to Run. It is not safe for concurrent use;
// every method must be called from the control loop goroutine.
type Scheduler struct {
	logger logging.Logger

	runs   []*run
	owners map[Resource]*run

	inRun      bool
	toSchedule []*run
	toCancel   []Task
}

// NewScheduler returns an empty scheduler.
func NewScheduler(logger logging.Logger) *Scheduler {
	return &Scheduler{
		logger: logger,
		owners: map[Resource]*run{},
	}
}

// Schedule starts t, interrupting whatever currently holds any of its requirements.
// Scheduling an already scheduled task returns its existing handle. When called from inside
// a running task the schedule takes effect at the end of the current pass.
func (s *Scheduler) Schedule(ctx context.Context, t Task) *Handle {
	if r := s.find(t); r != nil {
		return r.handle
	}
	for _, r := range s.toSchedule {
		if r.task == t {
			return r.handle
		}
	}

	r := &run{task: t, handle: newHandle(uuid.NewString(), t.Name())}
	if s.inRun {
		s.toSchedule = append(s.toSchedule, r)
		return r.handle
	}
	s.start(ctx, r)
	return r.handle
}

func (s *Scheduler) start(ctx context.Context, r *run) {
	for _, req := range r.task.Requirements() {
		if holder, ok := s.owners[req]; ok {
			s.logger.Debugw("interrupting task", "task", holder.task.Name(), "id", holder.handle.ID(),
				"resource", req, "by", r.task.Name())
			s.end(ctx, holder, true)
		}
	}
	s.logger.Debugw("scheduling task", "task", r.task.Name(), "id", r.handle.ID())
	r.task.Initialize(ctx)
	for _, req := range r.task.Requirements() {
		s.owners[req] = r
	}
	s.runs = append(s.runs, r)
}

// Cancel interrupts t if it is scheduled.
func (s *Scheduler) Cancel(ctx context.Context, t Task) {
	if s.inRun {
		s.toCancel = append(s.toCancel, t)
		return
	}
	if r := s.find(t); r != nil {
		s.end(ctx, r, true)
	}
}

// CancelAll interrupts every scheduled task.
func (s *Scheduler) CancelAll(ctx context.Context) {
	for _, r := range append([]*run(nil), s.runs...) {
		s.Cancel(ctx, r.task)
	}
	if !s.inRun {
		for _, r := range s.toSchedule {
			r.handle.finish(true)
		}
		s.toSchedule = nil
	}
}

// IsScheduled reports whether t is running or waiting to start.
func (s *Scheduler) IsScheduled(t Task) bool {
	if s.find(t) != nil {
		return true
	}
	for _, r := range s.toSchedule {
		if r.task == t {
			return true
		}
	}
	return false
}

// Requiring returns the task currently holding res, if any.
func (s *Scheduler) Requiring(res Resource) Task {
	if r, ok := s.owners[res]; ok {
		return r.task
	}
	return nil
}

// Active returns the names of the running tasks in schedule order.
func (s *Scheduler) Active() []string {
	names := make([]string, 0, len(s.runs))
	for _, r := range s.runs {
		names = append(names, r.task.Name())
	}
	return names
}

// Run executes every scheduled task once and retires those that report finished.
func (s *Scheduler) Run(ctx context.Context) {
	s.inRun = true
	for _, r := range append([]*run(nil), s.runs...) {
		if s.find(r.task) == nil {
			continue
		}
		r.task.Execute(ctx)
		if r.task.IsFinished() {
			s.end(ctx, r, false)
		}
	}
	s.inRun = false

	pending := s.toSchedule
	s.toSchedule = nil
	for _, r := range pending {
		if s.find(r.task) == nil {
			s.start(ctx, r)
		}
	}
	cancels := s.toCancel
	s.toCancel = nil
	for _, t := range cancels {
		s.Cancel(ctx, t)
	}
}

func (s *Scheduler) end(ctx context.Context, r *run, interrupted bool) {
	for i, other := range s.runs {
		if other == r {
			s.runs = append(s.runs[:i], s.runs[i+1:]...)
			break
		}
	}
	for req, owner := range s.owners {
		if owner == r {
			delete(s.owners, req)
		}
	}
	r.task.End(ctx, interrupted)
	r.handle.finish(interrupted)
	s.logger.Debugw("task ended", "task", r.task.Name(), "id", r.handle.ID(), "interrupted", interrupted)
}

func (s *Scheduler) find(t Task) *run {
	for _, r := range s.runs {
		if r.task == t {
			return r
		}
	}
	return nil
}
