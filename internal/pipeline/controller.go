// Package pipeline sequences one raytracing run: stage the workspace,
// generate the area configuration, dispatch the area jobs, merge their
// partial results, publish the merged result and clean up.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"raydist/internal/aggregate"
	"raydist/internal/core"
	"raydist/internal/dispatch"
	"raydist/internal/raytracer"
	"raydist/internal/trace"
	"raydist/internal/workspace"
)

type Stager interface {
	Stage(desc core.RunDescriptor) (*workspace.Workspace, error)
}

type Generator interface {
	Generate(ctx context.Context, ws *workspace.Workspace, desc core.RunDescriptor) (raytracer.ConfigHandle, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, ws *workspace.Workspace, cfg raytracer.ConfigHandle, areaCount int, excludeNodes []string) (*dispatch.Report, error)
	ResultDir(ws *workspace.Workspace) string
}

type Aggregator interface {
	Collect(shareDir string, ws *workspace.Workspace) ([]string, error)
	Aggregate(ws *workspace.Workspace, desc core.RunDescriptor) (*aggregate.Result, error)
	Publish(res *aggregate.Result, dst string) error
}

// Options are the run policies that are not part of the run descriptor.
type Options struct {
	// KeepWorkspace preserves the workspace and mediator for debugging.
	KeepWorkspace bool

	// AllowPartial publishes a merged result with missing areas under the
	// normal name and reports success.
	AllowPartial bool
}

// Controller runs the pipeline stages strictly one after another. It never
// retries a stage.
type Controller struct {
	Stager     Stager
	Generator  Generator
	Dispatcher Dispatcher
	Aggregator Aggregator

	// Teardown removes a workspace. Defaults to workspace.Teardown.
	Teardown func(ws workspace.Workspace) error

	Options Options
	Trace   trace.Sink
	Logger  *zap.Logger
}

// Outcome is what a run produced, as far as it got.
type Outcome struct {
	State     State
	Workspace *workspace.Workspace
	Config    raytracer.ConfigHandle
	Report    *dispatch.Report
	Merged    *aggregate.Result

	// Published is the path of the published merged result, if any.
	Published string

	// Missing are the areas that produced no partial result.
	Missing []int
}

type run struct {
	c   *Controller
	log *zap.Logger
	out *Outcome

	cleaned bool
}

func (r *run) advance(to State) error {
	from := r.out.State
	if err := Transition(from, from, to); err != nil {
		return err
	}
	r.out.State = to
	trace.SafeRecord(r.c.Trace, trace.StateChanged(string(from), string(to)))
	r.log.Debug("pipeline state", zap.String("from", string(from)), zap.String("to", string(to)))
	return nil
}

// fail moves the run to Failed, tears the workspace down unless it is kept
// or teardown itself failed, and returns err combined with any cleanup
// error.
func (r *run) fail(stage Stage, err error) error {
	serr := &StageError{Stage: stage, Err: err}
	from := r.out.State
	if Transition(from, from, StateFailed) == nil {
		r.out.State = StateFailed
		ev := trace.StateChanged(string(from), string(StateFailed))
		ev.Stage = string(stage)
		trace.SafeRecord(r.c.Trace, ev)
	}
	r.log.Error("pipeline stage failed", zap.String("stage", string(stage)), zap.Error(err))

	var combined error = serr
	if stage == StageTeardown {
		return combined
	}
	if cerr := r.cleanup(); cerr != nil {
		combined = multierr.Append(combined, &StageError{Stage: StageTeardown, Err: cerr})
	}
	return combined
}

// cleanup runs at most once per run. It removes the workspace, its
// mediator and, when jobs deliver to a share, the workspace's share
// directory.
func (r *run) cleanup() error {
	ws := r.out.Workspace
	if ws == nil || r.cleaned {
		return nil
	}
	r.cleaned = true
	if r.c.Options.KeepWorkspace {
		trace.SafeRecord(r.c.Trace, trace.Event{Kind: trace.EventWorkspaceKept, Path: ws.Name})
		r.log.Info("keeping workspace", zap.String("workspace", ws.Dir), zap.String("mediator", ws.MediatorPath))
		return nil
	}
	teardown := r.c.Teardown
	if teardown == nil {
		teardown = workspace.Teardown
	}
	err := teardown(*ws)
	if shareDir := r.c.Dispatcher.ResultDir(ws); filepath.Clean(shareDir) != filepath.Clean(ws.Dir) {
		err = multierr.Append(err, workspace.RemoveShare(shareDir))
	}
	if err != nil {
		return err
	}
	trace.SafeRecord(r.c.Trace, trace.Event{Kind: trace.EventWorkspaceRemoved, Path: ws.Name})
	r.log.Debug("workspace removed", zap.String("workspace", ws.Dir))
	return nil
}

// Run executes the pipeline for desc.
//
// Every failure is returned as a *StageError naming the stage. A run that
// published a merged result with areas missing returns *IncompleteError
// unless AllowPartial is set. The workspace is torn down on every path
// unless KeepWorkspace is set, including when a stage panics; the panic is
// re-raised after cleanup.
func (c *Controller) Run(ctx context.Context, desc core.RunDescriptor) (*Outcome, error) {
	if c.Stager == nil || c.Generator == nil || c.Dispatcher == nil || c.Aggregator == nil {
		return nil, errors.New("pipeline controller is not fully wired")
	}
	log := c.Logger
	if log == nil {
		log = zap.NewNop()
	}
	r := &run{
		c:   c,
		log: log.With(zap.String("base", desc.StreetName())),
		out: &Outcome{State: StatePending},
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("pipeline stage panicked", zap.Any("panic", p))
			if err := r.cleanup(); err != nil {
				r.log.Error("cleanup after panic failed", zap.Error(err))
			}
			panic(p)
		}
	}()

	ws, err := c.Stager.Stage(desc)
	// A failed Stage may still hand back what it created.
	r.out.Workspace = ws
	if err != nil {
		return r.out, r.fail(StageStaging, err)
	}
	if err := r.advance(StateStaged); err != nil {
		return r.out, err
	}

	cfg, err := c.Generator.Generate(ctx, ws, desc)
	if err != nil {
		return r.out, r.fail(StageGeneration, err)
	}
	r.out.Config = cfg
	if err := r.advance(StateConfigured); err != nil {
		return r.out, err
	}

	report, err := c.Dispatcher.Dispatch(ctx, ws, cfg, desc.AreaCount, desc.ExcludeNodes)
	if err != nil {
		return r.out, r.fail(StageDispatch, err)
	}
	if report == nil {
		return r.out, r.fail(StageDispatch, errors.New("dispatcher returned no report"))
	}
	r.out.Report = report
	r.out.Missing = report.Missing()
	for _, a := range report.Areas {
		ev := trace.AreaEvent(trace.EventAreaProduced, a.Index)
		if !a.Produced {
			ev.Kind = trace.EventAreaMissing
		}
		if a.Failed {
			ev.Reason = "JobFailed"
		}
		trace.SafeRecord(c.Trace, ev)
	}
	if report.Result != nil && !report.Result.Success {
		trace.SafeRecord(c.Trace, trace.Event{Kind: trace.EventGroupFailed, Path: report.Group.Name})
		if len(r.out.Missing) == 0 {
			r.log.Warn("facility reported group failure but every area produced a partial result")
		}
	}
	if err := r.advance(StateDispatched); err != nil {
		return r.out, err
	}

	if shareDir := c.Dispatcher.ResultDir(ws); filepath.Clean(shareDir) != filepath.Clean(ws.Dir) {
		if _, err := c.Aggregator.Collect(shareDir, ws); err != nil {
			return r.out, r.fail(StageAggregation, err)
		}
	}
	merged, err := c.Aggregator.Aggregate(ws, desc)
	if err != nil {
		return r.out, r.fail(StageAggregation, err)
	}
	r.out.Merged = merged
	if merged.Empty() {
		return r.out, r.fail(StageAggregation, fmt.Errorf("%w (areas %s missing)", aggregate.ErrNoPartialResults, formatAreas(r.out.Missing)))
	}
	if err := r.advance(StateAggregated); err != nil {
		return r.out, err
	}

	complete := len(r.out.Missing) == 0
	dst := aggregate.PublishedPath(desc, complete || c.Options.AllowPartial)
	if err := c.Aggregator.Publish(merged, dst); err != nil {
		return r.out, r.fail(StagePublish, err)
	}
	r.out.Published = dst
	ev := trace.Event{Kind: trace.EventResultPublished, Path: filepath.Base(dst)}
	if !complete {
		ev.Reason = "Incomplete"
	}
	trace.SafeRecord(c.Trace, ev)

	if err := r.cleanup(); err != nil {
		return r.out, r.fail(StageTeardown, err)
	}
	if err := r.advance(StatePublishedAndClean); err != nil {
		return r.out, err
	}

	if complete {
		r.log.Info("run complete", zap.String("published", dst), zap.Int("count", merged.Count))
		return r.out, nil
	}
	if c.Options.AllowPartial {
		r.log.Warn("published result is missing areas",
			zap.Ints("missing", r.out.Missing),
			zap.String("published", dst),
		)
		return r.out, nil
	}
	return r.out, &IncompleteError{Missing: r.out.Missing, Published: dst}
}
