package main

import (
	"context"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"

	"swerve/task"
)

type eventTarget struct {
	res     resource.Resource
	command map[string]interface{}
}

// lookupDependency finds a dependency by its short name.
func lookupDependency(deps resource.Dependencies, name string) (resource.Resource, error) {
	for n, r := range deps {
		if n.ShortName() == name || n.Name == name {
			return r, nil
		}
	}
	return nil, resource.DependencyNotFoundError(generic.Named(name))
}

func resolveEvents(deps resource.Dependencies, events map[string]EventConfig) (map[string]eventTarget, error) {
	targets := make(map[string]eventTarget, len(events))
	for marker, ev := range events {
		res, err := lookupDependency(deps, ev.Resource)
		if err != nil {
			return nil, errors.Wrapf(err, "event %q", marker)
		}
		targets[marker] = eventTarget{res: res, command: ev.Command}
	}
	return targets, nil
}

// doCommandTask sends one DoCommand to another resource without blocking the control loop.
// Tasks for the same resource interrupt each other.
type doCommandTask struct {
	marker string
	target eventTarget
	logger logging.Logger

	cancel func()
	done   chan struct{}
}

func newDoCommandTask(marker string, target eventTarget, logger logging.Logger) *doCommandTask {
	return &doCommandTask{marker: marker, target: target, logger: logger}
}

func (t *doCommandTask) Name() string { return "event(" + t.marker + ")" }

func (t *doCommandTask) Requirements() []task.Resource {
	return []task.Resource{task.Resource("event:" + t.target.res.Name().String())}
}

func (t *doCommandTask) Initialize(ctx context.Context) {
	cancelCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	done := make(chan struct{})
	t.done = done
	goutils.PanicCapturingGo(func() {
		defer close(done)
		resp, err := t.target.res.DoCommand(cancelCtx, t.target.command)
		if err != nil {
			t.logger.Warnw("event command failed", "event", t.marker, "error", err)
			return
		}
		t.logger.Debugw("event command done", "event", t.marker, "response", resp)
	})
}

func (t *doCommandTask) Execute(ctx context.Context) {}

func (t *doCommandTask) IsFinished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *doCommandTask) End(ctx context.Context, interrupted bool) {
	if interrupted {
		t.logger.Infow("event interrupted", "event", t.marker)
	}
	t.cancel()
}

// eventTasks builds a fresh task per marker name for one follower invocation.
func eventTasks(targets map[string]eventTarget, logger logging.Logger) map[string]task.Task {
	tasks := make(map[string]task.Task, len(targets))
	for marker, target := range targets {
		tasks[marker] = newDoCommandTask(marker, target, logger)
	}
	return tasks
}
