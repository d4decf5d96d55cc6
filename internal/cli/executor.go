package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"raydist/internal/aggregate"
	"raydist/internal/core"
	"raydist/internal/dispatch"
	"raydist/internal/pipeline"
	"raydist/internal/raytracer"
	"raydist/internal/recovery/state"
	"raydist/internal/trace"
	"raydist/internal/workspace"
)

// Pipeline is the minimal engine interface the CLI wires into.
//
// This allows the CLI to prove exit-code mapping (including panic) in tests
// without depending on the controller internals.
type Pipeline interface {
	Run(ctx context.Context, desc core.RunDescriptor) (*pipeline.Outcome, error)
}

// PipelineFactory builds the pipeline for inv. Trace events go to sink.
type PipelineFactory func(inv CLIInvocation, sink trace.Sink, logger *zap.Logger) (Pipeline, error)

type CLIResult struct {
	ExitCode int
	RunID    string
	Outcome  *pipeline.Outcome

	// TraceHash is the hash of the written trace, if tracing is enabled.
	TraceHash string
}

// NewPipeline wires the production components for inv.
func NewPipeline(inv CLIInvocation, sink trace.Sink, logger *zap.Logger) (Pipeline, error) {
	runner := core.NewExecutor(inv.WorkDir)

	var facility dispatch.Facility
	switch inv.Facility {
	case FacilityCluster:
		facility = dispatch.NewClusterFacility(inv.ClusterCommand, runner, logger)
	case FacilityLocal:
		facility = dispatch.NewLocalFacility(runner, logger)
	default:
		return nil, fmt.Errorf("unknown facility %q", inv.Facility)
	}

	return &pipeline.Controller{
		Stager:     workspace.NewManager(inv.WorkDir, inv.Raytracer, logger),
		Generator:  raytracer.NewGenerator(runner, logger),
		Dispatcher: dispatch.NewDispatcher(facility, inv.Width, inv.ShareRoot, logger),
		Aggregator: aggregate.NewAggregator(logger),
		Options: pipeline.Options{
			KeepWorkspace: inv.KeepWorkspace,
			AllowPartial:  inv.AllowPartial,
		},
		Trace:  sink,
		Logger: logger,
	}, nil
}

// Execute is the default entrypoint for running a canonical invocation.
func Execute(ctx context.Context, inv CLIInvocation, logger *zap.Logger) (CLIResult, error) {
	return ExecuteWithPipeline(ctx, inv, logger, NewPipeline)
}

// ExecuteWithPipeline maps a canonical CLIInvocation to a pipeline run.
//
// Responsibilities:
//   - Handle --clean without running anything else.
//   - Record run.json and, on failure, failure.json when a state dir is set.
//   - Initialize trace output before the run and finalize it after the run,
//     even on panic/failure.
//   - Translate pipeline outcomes to semantic exit codes.
func ExecuteWithPipeline(ctx context.Context, inv CLIInvocation, logger *zap.Logger, factory PipelineFactory) (res CLIResult, execErr error) {
	res.ExitCode = ExitInternalError
	if logger == nil {
		logger = zap.NewNop()
	}
	if factory == nil {
		return res, fmt.Errorf("nil pipeline factory")
	}
	log := logger.With(zap.String("base", inv.Run.StreetName()))

	if inv.Clean {
		return cleanWorkspace(inv, log)
	}

	rec := newRunRecorder(inv, log)
	res.RunID = rec.runID
	log = log.With(zap.String("run_id", rec.runID))
	rec.start()

	recorder := trace.NewRecorder()
	traceWriter, err := newTraceWriter(inv, inv.Run.StreetName())
	if err != nil {
		rec.fail(&state.SystemFailureError{Code: "TraceInit", Message: err.Error(), Cause: err}, nil)
		res.ExitCode = ExitConfigError
		return res, err
	}
	defer func() {
		// Always finalize trace output, with whatever the run recorded.
		hash, err := traceWriter.Finalize(recorder)
		if err != nil {
			log.Warn("writing trace failed", zap.Error(err))
			return
		}
		res.TraceHash = hash
		if hash != "" {
			log.Info("trace written", zap.String("path", inv.Trace.Path), zap.String("hash", hash))
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			res.ExitCode = ExitInternalError
			execErr = fmt.Errorf("panic: %v", r)
			rec.fail(&state.SystemFailureError{Code: "Panic", Message: execErr.Error(), Cause: execErr}, nil)
			log.Error("run panicked", zap.Any("panic", r))
		}
	}()

	p, err := factory(inv, recorder, logger)
	if err != nil {
		rec.fail(&state.ConfigurationFailureError{Code: "PipelineInit", Message: err.Error(), Cause: err}, nil)
		res.ExitCode = ExitConfigError
		return res, err
	}

	outcome, err := p.Run(ctx, inv.Run)
	res.Outcome = outcome
	res.ExitCode = exitCodeForRun(ctx, err)

	var missing []int
	var published string
	if outcome != nil {
		missing = outcome.Missing
		published = outcome.Published
	}
	if err != nil {
		rec.fail(failureForRun(ctx, err, missing), outcome)
		return res, err
	}
	rec.finish(state.RunStatusSucceeded, published, missing)
	return res, nil
}

func exitCodeForRun(ctx context.Context, err error) int {
	if err == nil {
		return ExitSuccess
	}
	if ctx.Err() != nil {
		return ExitRunFailure
	}
	var incomplete *pipeline.IncompleteError
	if errors.As(err, &incomplete) {
		return ExitIncomplete
	}
	if errors.Is(err, aggregate.ErrNoPartialResults) {
		return ExitNoResults
	}
	var se *pipeline.StageError
	if errors.As(err, &se) {
		return ExitRunFailure
	}
	return ExitInternalError
}

func failureForRun(ctx context.Context, err error, missing []int) error {
	if ctx.Err() != nil {
		return &state.SystemFailureError{Code: "Interrupted", Message: err.Error(), Cause: err}
	}
	var incomplete *pipeline.IncompleteError
	if errors.As(err, &incomplete) {
		return &state.StageFailureError{
			Stage:        string(pipeline.StageDispatch),
			Code:         "IncompleteRun",
			Message:      err.Error(),
			MissingAreas: incomplete.Missing,
			Cause:        err,
		}
	}
	var se *pipeline.StageError
	if errors.As(err, &se) {
		return &state.StageFailureError{
			Stage:        string(se.Stage),
			Code:         stageFailureCode(se),
			Message:      err.Error(),
			MissingAreas: missing,
			Cause:        err,
		}
	}
	return &state.SystemFailureError{Code: "EngineError", Message: err.Error(), Cause: err}
}

func stageFailureCode(se *pipeline.StageError) string {
	var exitErr *core.ExitError
	switch {
	case errors.Is(se, workspace.ErrWorkspaceExists):
		return "WorkspaceExists"
	case errors.Is(se, workspace.ErrNoInputs):
		return "NoInputs"
	case errors.Is(se, raytracer.ErrNoConfig):
		return "NoConfig"
	case errors.Is(se, aggregate.ErrNoPartialResults):
		return "NoPartialResults"
	case errors.Is(se, aggregate.ErrMalformedPartial):
		return "MalformedPartial"
	case errors.As(se, &exitErr):
		return "CommandFailed"
	default:
		return "StageFailed"
	}
}

// cleanWorkspace removes the workspace, mediator and share directory an
// interrupted run left behind.
func cleanWorkspace(inv CLIInvocation, log *zap.Logger) (CLIResult, error) {
	ws := workspace.For(inv.WorkDir, inv.Run, inv.Raytracer)
	err := workspace.Teardown(ws)
	if inv.ShareRoot != "" {
		err = multierr.Append(err, workspace.RemoveShare(filepath.Join(inv.ShareRoot, ws.Name)))
	}
	if err != nil {
		log.Error("removing workspace failed", zap.String("workspace", ws.Dir), zap.Error(err))
		return CLIResult{ExitCode: ExitRunFailure}, err
	}
	log.Info("workspace removed",
		zap.String("workspace", ws.Dir),
		zap.String("mediator", ws.MediatorPath),
		zap.String("share_root", inv.ShareRoot),
	)
	closeInterruptedRuns(inv, log)
	return CLIResult{ExitCode: ExitSuccess}, nil
}

// closeInterruptedRuns marks the recorded runs of the street that never
// finished as failed. Best-effort, like all run recording.
func closeInterruptedRuns(inv CLIInvocation, log *zap.Logger) {
	if inv.StateDir == "" {
		return
	}
	store, err := state.NewStore(inv.StateDir)
	if err != nil {
		log.Warn("run records disabled", zap.Error(err))
		return
	}
	closed, err := (&state.FailureRecorder{Store: store}).CloseInterrupted(inv.Run.BaseName)
	if err != nil {
		log.Warn("closing interrupted runs failed", zap.Error(err))
	}
	if len(closed) > 0 {
		log.Info("closed interrupted runs", zap.Strings("run_ids", closed))
	}
}

// runRecorder persists run records when a state dir is configured. Every
// method is best-effort: recording problems are logged, never fatal.
type runRecorder struct {
	inv   CLIInvocation
	log   *zap.Logger
	rec   *state.FailureRecorder
	runID string
}

func newRunRecorder(inv CLIInvocation, log *zap.Logger) *runRecorder {
	r := &runRecorder{inv: inv, log: log}
	var store *state.Store
	if inv.StateDir != "" {
		var err error
		if store, err = state.NewStore(inv.StateDir); err != nil {
			log.Warn("run records disabled", zap.Error(err))
		}
	}
	r.rec = &state.FailureRecorder{Store: store}
	r.runID = r.rec.NewRunID()
	return r
}

func (r *runRecorder) enabled() bool { return r.rec.Store != nil }

func (r *runRecorder) start() {
	if !r.enabled() {
		return
	}
	err := r.rec.StartRun(state.Run{
		RunID:     r.runID,
		BaseName:  r.inv.Run.BaseName,
		AreaCount: r.inv.Run.AreaCount,
	})
	if err != nil {
		r.log.Warn("recording run start failed", zap.Error(err))
	}
}

func (r *runRecorder) finish(status state.RunStatus, published string, missing []int) {
	if !r.enabled() {
		return
	}
	if len(missing) > 0 && status == state.RunStatusSucceeded {
		status = state.RunStatusIncomplete
	}
	if err := r.rec.FinishRun(r.runID, status, published, missing); err != nil {
		r.log.Warn("recording run end failed", zap.Error(err))
	}
}

func (r *runRecorder) fail(cause error, outcome *pipeline.Outcome) {
	if !r.enabled() {
		return
	}
	if err := r.rec.RecordFailure(r.runID, cause); err != nil {
		r.log.Warn("recording failure failed", zap.Error(err))
	}
	status := state.RunStatusFailed
	var published string
	var missing []int
	var incomplete *pipeline.IncompleteError
	if errors.As(cause, &incomplete) {
		status = state.RunStatusIncomplete
	}
	if outcome != nil {
		published = outcome.Published
		missing = outcome.Missing
	}
	r.finish(status, published, missing)
}

type traceFileWriter struct {
	enabled bool
	path    string
	base    string
}

func newTraceWriter(inv CLIInvocation, base string) (*traceFileWriter, error) {
	if !inv.Trace.Enabled {
		return &traceFileWriter{enabled: false}, nil
	}
	if inv.Trace.Path == "" {
		return nil, fmt.Errorf("trace enabled but path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(inv.Trace.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	// Create an empty trace file eagerly so the destination is reserved and
	// so that even a panic results in a valid artifact.
	w := &traceFileWriter{enabled: true, path: inv.Trace.Path, base: base}
	_, err := w.write(trace.RunTrace{Base: base})
	return w, err
}

// Finalize writes the recorded trace and returns its hash.
func (w *traceFileWriter) Finalize(rec *trace.Recorder) (string, error) {
	if w == nil || !w.enabled {
		return "", nil
	}
	return w.write(rec.Trace(w.base))
}

func (w *traceFileWriter) write(t trace.RunTrace) (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(w.path, b, 0o644); err != nil {
		return "", err
	}
	return trace.ComputeTraceHash(b), nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync() // best-effort durability
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
