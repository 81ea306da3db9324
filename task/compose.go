package task

import (
	"context"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

type sequence struct {
	tasks   []Task
	reqs    []Resource
	current int
}

// Sequence runs tasks one after another. Its requirements are the union of theirs.
func Sequence(tasks ...Task) Task {
	seen := map[Resource]bool{}
	var reqs []Resource
	for _, t := range tasks {
		for _, r := range t.Requirements() {
			if !seen[r] {
				seen[r] = true
				reqs = append(reqs, r)
			}
		}
	}
	return &sequence{tasks: tasks, reqs: reqs}
}

func (s *sequence) Name() string {
	names := make([]string, 0, len(s.tasks))
	for _, t := range s.tasks {
		names = append(names, t.Name())
	}
	return "sequence(" + strings.Join(names, ",") + ")"
}

func (s *sequence) Requirements() []Resource { return s.reqs }

func (s *sequence) Initialize(ctx context.Context) {
	s.current = 0
	if len(s.tasks) > 0 {
		s.tasks[0].Initialize(ctx)
	}
}

func (s *sequence) Execute(ctx context.Context) {
	if s.current >= len(s.tasks) {
		return
	}
	t := s.tasks[s.current]
	t.Execute(ctx)
	if !t.IsFinished() {
		return
	}
	t.End(ctx, false)
	s.current++
	if s.current < len(s.tasks) {
		s.tasks[s.current].Initialize(ctx)
	}
}

func (s *sequence) End(ctx context.Context, interrupted bool) {
	if interrupted && s.current < len(s.tasks) {
		s.tasks[s.current].End(ctx, true)
	}
}

func (s *sequence) IsFinished() bool { return s.current >= len(s.tasks) }

type timeout struct {
	Task
	clk      clock.Clock
	limit    time.Duration
	start    time.Time
	timedOut bool
}

// WithTimeout bounds t to limit measured on clk. A task that runs out of time ends as interrupted.
func WithTimeout(t Task, clk clock.Clock, limit time.Duration) Task {
	return &timeout{Task: t, clk: clk, limit: limit}
}

func (t *timeout) Name() string { return t.Task.Name() + "(timeout " + t.limit.String() + ")" }

func (t *timeout) Initialize(ctx context.Context) {
	t.start = t.clk.Now()
	t.timedOut = false
	t.Task.Initialize(ctx)
}

func (t *timeout) IsFinished() bool {
	if t.Task.IsFinished() {
		return true
	}
	t.timedOut = t.clk.Since(t.start) >= t.limit
	return t.timedOut
}

func (t *timeout) End(ctx context.Context, interrupted bool) {
	t.Task.End(ctx, interrupted || t.timedOut)
}
