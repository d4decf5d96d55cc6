// Package dispatch fans the area jobs of a run out to an execution facility
// and reports, per area, whether a partial result came back.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"raydist/internal/core"
	"raydist/internal/raytracer"
	"raydist/internal/workspace"
)

// AreaStatus is the outcome of one area job as observed in the result
// directory.
type AreaStatus struct {
	Index int

	// Produced reports whether at least one partial result for the area was
	// found and the area's job, if reported, exited 0.
	Produced bool

	// Failed reports that the facility saw the area's job exit non-zero.
	// A failed area is never produced, whatever files it left.
	Failed bool

	// Files are the partial result file names found for the area, sorted.
	Files []string

	// Job is the per-job result, when the facility reports one.
	Job *core.ExecutionResult
}

// Report is the outcome of a dispatch.
type Report struct {
	Group Group

	// Result is the facility's verdict for the group.
	Result *GroupResult

	// Areas has one entry per area index, in index order.
	Areas []AreaStatus
}

// Missing returns the indices of the areas that produced no partial result
// or whose job failed.
func (r *Report) Missing() []int {
	if r == nil {
		return nil
	}
	var out []int
	for _, a := range r.Areas {
		if !a.Produced {
			out = append(out, a.Index)
		}
	}
	return out
}

// Complete reports whether every area produced a partial result.
func (r *Report) Complete() bool {
	return r != nil && len(r.Areas) > 0 && len(r.Missing()) == 0
}

// Dispatcher writes the mediator for a staged workspace and submits the area
// jobs to a facility.
type Dispatcher struct {
	Facility Facility

	// Width is the facility concurrency width. Zero means 1.
	Width int

	// ShareRoot, when set, is the network location jobs copy their partials
	// to, under a directory named after the workspace. Empty means jobs
	// leave partials in the workspace.
	ShareRoot string

	Logger *zap.Logger
}

func NewDispatcher(facility Facility, width int, shareRoot string, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{Facility: facility, Width: width, ShareRoot: shareRoot, Logger: logger}
}

// ResultDir is where the jobs of ws leave their partial results.
func (d *Dispatcher) ResultDir(ws *workspace.Workspace) string {
	if d.ShareRoot == "" {
		return ws.Dir
	}
	return filepath.Join(d.ShareRoot, ws.Name)
}

// Dispatch submits areaCount jobs for ws and waits for the facility to
// report the group finished. The returned report's per-area map is built
// from the result directory regardless of the facility's own verdict.
func (d *Dispatcher) Dispatch(ctx context.Context, ws *workspace.Workspace, cfg raytracer.ConfigHandle, areaCount int, excludeNodes []string) (*Report, error) {
	if d.Facility == nil {
		return nil, errors.New("dispatcher has no facility")
	}
	if ws == nil {
		return nil, errors.New("nil workspace")
	}
	width := d.Width
	if width <= 0 {
		width = 1
	}

	resultDir := d.ResultDir(ws)
	if d.ShareRoot != "" {
		if err := d.resetShareDir(resultDir); err != nil {
			return nil, err
		}
	}

	if err := WriteMediator(ws.MediatorPath, Mediator{
		WorkspaceDir: ws.Dir,
		Binary:       ws.BinaryPath,
		ShareDir:     resultDir,
	}); err != nil {
		return nil, err
	}

	g := Group{
		Name:         ws.Name,
		Config:       cfg.Name,
		AreaCount:    areaCount,
		Width:        width,
		Mediator:     ws.MediatorPath,
		StageDir:     ws.Root,
		ResultDir:    resultDir,
		ExcludeNodes: excludeNodes,
	}
	res, err := d.Facility.Submit(ctx, g)
	if err != nil {
		return nil, fmt.Errorf("submit job group %s: %w", g.Name, err)
	}

	var jobs map[int]*core.ExecutionResult
	if res != nil {
		jobs = res.Jobs
	}
	areas, err := InspectAreas(resultDir, areaCount, jobs)
	if err != nil {
		return nil, err
	}
	if err := discardFailed(resultDir, areas, d.Logger); err != nil {
		return nil, err
	}
	report := &Report{Group: g, Result: res, Areas: areas}

	if missing := report.Missing(); len(missing) > 0 {
		d.Logger.Warn("areas produced no partial result",
			zap.String("group", g.Name),
			zap.Ints("missing", missing),
		)
	} else {
		d.Logger.Info("all areas produced partial results", zap.String("group", g.Name), zap.Int("areas", areaCount))
	}
	return report, nil
}

// resetShareDir leaves dir empty. Anything already there belongs to an
// earlier run of the same street and must not count as this run's output.
func (d *Dispatcher) resetShareDir(dir string) error {
	if entries, err := os.ReadDir(dir); err == nil && len(entries) > 0 {
		d.Logger.Warn("removing stale share directory", zap.String("dir", dir), zap.Int("entries", len(entries)))
	}
	if err := workspace.RemoveShare(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create share directory: %w", err)
	}
	return nil
}

// discardFailed removes the files left by failed area jobs so aggregation
// only sees what the report counts as produced.
func discardFailed(dir string, areas []AreaStatus, log *zap.Logger) error {
	for _, a := range areas {
		if !a.Failed || len(a.Files) == 0 {
			continue
		}
		for _, name := range a.Files {
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("discard output of failed area %d: %w", a.Index, err)
			}
		}
		log.Warn("discarded output of failed area job",
			zap.Int("area", a.Index),
			zap.Int("exit_code", a.Job.ExitCode),
			zap.Strings("files", a.Files),
		)
	}
	return nil
}

// InspectAreas builds the per-area completion map for areaCount areas from
// the partial results present in dir. A missing dir means no area produced
// anything. Partials tagged with an index outside [0, areaCount) are ignored.
// An area whose job in jobs exited non-zero is marked failed and not
// produced; its files are still listed.
func InspectAreas(dir string, areaCount int, jobs map[int]*core.ExecutionResult) ([]AreaStatus, error) {
	areas := make([]AreaStatus, areaCount)
	for i := range areas {
		job := jobs[i]
		areas[i] = AreaStatus{Index: i, Job: job, Failed: job != nil && !job.Success()}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return areas, nil
		}
		return nil, fmt.Errorf("read result directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idx, ok := raytracer.ParsePartialName(e.Name())
		if !ok || idx < 0 || idx >= areaCount {
			continue
		}
		areas[idx].Produced = !areas[idx].Failed
		areas[idx].Files = append(areas[idx].Files, e.Name())
	}
	for i := range areas {
		sort.Strings(areas[i].Files)
	}
	return areas, nil
}
