package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"raydist/internal/core"
)

// Group is one job group submitted to an execution facility: AreaCount jobs
// with indices 0..AreaCount-1, each running the mediator with the manifest
// name and its index.
type Group struct {
	// Name identifies the group on the facility. It is the workspace name.
	Name string

	// Config is the manifest name every job passes to the raytracer.
	Config string

	AreaCount int

	// Width is the maximum number of jobs run at once.
	Width int

	// Mediator is the absolute path of the per-job script.
	Mediator string

	// StageDir is the directory holding the workspace and the mediator.
	StageDir string

	// ResultDir is where the jobs leave their partial results.
	ResultDir string

	// ExcludeNodes are worker nodes that must not receive jobs.
	ExcludeNodes []string
}

func (g Group) Validate() error {
	var errs []error
	if strings.TrimSpace(g.Name) == "" {
		errs = append(errs, errors.New("group name is required"))
	}
	if strings.TrimSpace(g.Config) == "" {
		errs = append(errs, errors.New("config name is required"))
	}
	if g.AreaCount <= 0 {
		errs = append(errs, fmt.Errorf("area count must be > 0 (got %d)", g.AreaCount))
	}
	if g.Width <= 0 {
		errs = append(errs, fmt.Errorf("width must be > 0 (got %d)", g.Width))
	}
	if g.Mediator == "" || g.StageDir == "" || g.ResultDir == "" {
		errs = append(errs, errors.New("mediator, stage dir and result dir are required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// JobRange is the facility job range, "<config>,0:<N-1>".
func (g Group) JobRange() string {
	return g.Config + ",0:" + strconv.Itoa(g.AreaCount-1)
}

// GroupResult is what a facility reports once the whole group has finished.
type GroupResult struct {
	// Success is the facility's own verdict for the group.
	Success bool

	// Command is the facility invocation, when the facility is an external
	// program.
	Command *core.ExecutionResult

	// Jobs holds per-area results when the facility runs jobs itself. Areas
	// that never started are absent.
	Jobs map[int]*core.ExecutionResult
}

// Facility runs a job group to completion.
//
// A non-nil error means the group could not be submitted or waited for. A
// group that ran with failing jobs is reported through GroupResult.Success.
type Facility interface {
	Submit(ctx context.Context, g Group) (*GroupResult, error)
}

// ClusterFacility submits the group to an external cluster script and waits
// for it to exit.
type ClusterFacility struct {
	// Command is the absolute path of the cluster script.
	Command string

	Runner core.Runner
	Logger *zap.Logger
}

func NewClusterFacility(command string, runner core.Runner, logger *zap.Logger) *ClusterFacility {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClusterFacility{Command: command, Runner: runner, Logger: logger}
}

// ClusterArgs returns the cluster script arguments for g.
func ClusterArgs(g Group) []string {
	args := []string{
		"-s", g.Name,
		"-j", g.JobRange(),
		"-a", strconv.Itoa(g.Width),
		"-U", g.Mediator,
		"-S", g.StageDir,
		"-R", g.ResultDir,
	}
	if len(g.ExcludeNodes) > 0 {
		args = append(args, "-i", strings.Join(g.ExcludeNodes, ","))
	}
	return args
}

func (f *ClusterFacility) Submit(ctx context.Context, g Group) (*GroupResult, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if f.Command == "" {
		return nil, errors.New("cluster command is not configured")
	}
	if f.Runner == nil {
		return nil, errors.New("cluster facility has no runner")
	}

	cmd := core.Command{
		Name: "cluster",
		Path: f.Command,
		Args: ClusterArgs(g),
		Dir:  g.StageDir,
	}
	f.Logger.Info("submitting job group",
		zap.String("group", g.Name),
		zap.String("jobs", g.JobRange()),
		zap.Strings("exclude", g.ExcludeNodes),
	)
	res, err := f.Runner.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		f.Logger.Warn("cluster reported group failure",
			zap.String("group", g.Name),
			zap.Int("exit_code", res.ExitCode),
			zap.String("diagnostic", res.Diagnostic()),
		)
	}
	return &GroupResult{Success: res.Success(), Command: res}, nil
}
