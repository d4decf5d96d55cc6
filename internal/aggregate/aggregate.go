// Package aggregate folds the per-area Rice-K partial results of a run into
// one merged result and publishes it beside the map inputs.
package aggregate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"raydist/internal/core"
	"raydist/internal/workspace"
)

// ErrNoPartialResults reports that aggregation found nothing to merge. An
// empty merged result is not a valid outcome of a run.
var ErrNoPartialResults = errors.New("no partial results found")

// PartialSuffix is the suffix of a merged result published with areas
// missing.
const PartialSuffix = ".partial" + core.ResultSuffix

// Result describes a merged result written inside the workspace.
type Result struct {
	// Path is the merged file inside the workspace.
	Path string

	// Count is the merged sample count.
	Count int

	// Lines is the number of sample records in the merged file.
	Lines int

	// Areas are the distinct area indices that contributed, ascending.
	Areas []int

	// Files are the consumed partial result names, in merge order.
	Files []string
}

// Empty reports whether no partial result contributed.
func (r *Result) Empty() bool {
	return r == nil || len(r.Files) == 0
}

type Aggregator struct {
	Logger *zap.Logger
}

func NewAggregator(logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{Logger: logger}
}

// Aggregate merges every partial result in the workspace into
// <workspace>/<street>.urae.k and deletes the partials.
//
// All partials are parsed before anything is written or deleted, so a
// malformed partial leaves the workspace untouched. Partials are deleted
// only after the merged file is in place. With no partials the merged file
// holds a zero count and an empty body.
func (a *Aggregator) Aggregate(ws *workspace.Workspace, desc core.RunDescriptor) (*Result, error) {
	if ws == nil {
		return nil, errors.New("nil workspace")
	}
	mergedName := desc.MergedResultName()
	partials, err := Discover(ws.Dir, mergedName)
	if err != nil {
		return nil, err
	}

	sets := make([]SampleSet, 0, len(partials))
	res := &Result{Path: filepath.Join(ws.Dir, mergedName)}
	for _, p := range partials {
		set, err := ReadPartial(p.Path)
		if err != nil {
			return nil, err
		}
		if set.Count != len(set.Samples) {
			a.Logger.Warn("partial sample count differs from its record count",
				zap.String("file", p.Name),
				zap.Int("count", set.Count),
				zap.Int("records", len(set.Samples)),
			)
		}
		sets = append(sets, set)
		res.Files = append(res.Files, p.Name)
		if n := len(res.Areas); n == 0 || res.Areas[n-1] != p.Area {
			res.Areas = append(res.Areas, p.Area)
		}
	}

	merged := Merge(sets...)
	res.Count = merged.Count
	res.Lines = len(merged.Samples)
	if err := WriteSampleSet(res.Path, merged); err != nil {
		return nil, fmt.Errorf("write merged result: %w", err)
	}

	var rmErr error
	for _, p := range partials {
		if err := os.Remove(p.Path); err != nil {
			rmErr = multierr.Append(rmErr, fmt.Errorf("consume %s: %w", p.Name, err))
		}
	}
	if rmErr != nil {
		return nil, rmErr
	}

	a.Logger.Info("merged partial results",
		zap.String("merged", res.Path),
		zap.Int("partials", len(res.Files)),
		zap.Int("count", res.Count),
		zap.Int("records", res.Lines),
	)
	return res, nil
}

// Collect moves the partial results found in shareDir into the workspace.
// It is the pull step for deployments where workers cannot write to the
// workspace directly. A missing shareDir yields nothing. The emptied share
// directory is removed.
func (a *Aggregator) Collect(shareDir string, ws *workspace.Workspace) ([]string, error) {
	if ws == nil {
		return nil, errors.New("nil workspace")
	}
	if filepath.Clean(shareDir) == filepath.Clean(ws.Dir) {
		return nil, nil
	}
	partials, err := Discover(shareDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var moved []string
	for _, p := range partials {
		if err := moveFile(p.Path, filepath.Join(ws.Dir, p.Name)); err != nil {
			return moved, fmt.Errorf("collect %s: %w", p.Name, err)
		}
		moved = append(moved, p.Name)
	}
	// Only succeeds when the directory is empty.
	_ = os.Remove(shareDir)

	a.Logger.Info("collected partial results from share",
		zap.String("share", shareDir),
		zap.Int("partials", len(moved)),
	)
	return moved, nil
}

// PublishedPath returns where the merged result of desc is published. An
// incomplete result gets the ".partial.urae.k" name so it is never mistaken
// for full coverage.
func PublishedPath(desc core.RunDescriptor, complete bool) string {
	name := desc.MergedResultName()
	if !complete {
		name = desc.StreetName() + PartialSuffix
	}
	return filepath.Join(desc.InputDir(), name)
}

// Publish copies the merged result to dst, replacing any previous file
// atomically.
func (a *Aggregator) Publish(res *Result, dst string) error {
	if res == nil {
		return errors.New("nil result")
	}
	if err := copyFileAtomic(res.Path, dst); err != nil {
		return fmt.Errorf("publish %s: %w", filepath.Base(dst), err)
	}
	a.Logger.Info("published merged result", zap.String("path", dst), zap.Int("count", res.Count))
	return nil
}

