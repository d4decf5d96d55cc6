package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FailureRecorder writes run.json and failure.json artifacts for runs.
//
// Callers provide Run metadata and the triggering error. The recorder
// classifies the error into the failure taxonomy and persists the Failure
// record using Store (atomic + durable).
type FailureRecorder struct {
	Store *Store

	// Now defaults to time.Now.
	Now func() time.Time
}

func (r *FailureRecorder) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// NewRunID returns a random run identifier.
func (r *FailureRecorder) NewRunID() string {
	return uuid.NewString()
}

func (r *FailureRecorder) StartRun(run Run) error {
	if r == nil || r.Store == nil {
		return errors.New("Store is required")
	}
	if run.StartTime.IsZero() {
		run.StartTime = r.now()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	return r.Store.SaveRun(run)
}

// FinishRun stamps the end time and final status on a started run.
func (r *FailureRecorder) FinishRun(runID string, status RunStatus, published string, missing []int) error {
	if r == nil || r.Store == nil {
		return errors.New("Store is required")
	}
	run, err := r.Store.LoadRun(runID)
	if err != nil {
		return err
	}
	end := r.now()
	if end.Before(run.StartTime) {
		end = run.StartTime
	}
	run.EndTime = &end
	run.Status = status
	run.Published = published
	run.MissingAreas = missing
	return r.Store.SaveRun(run)
}

func (r *FailureRecorder) RecordFailure(runID string, err error) error {
	if r == nil || r.Store == nil {
		return errors.New("Store is required")
	}
	f, ferr := failureFromError(err)
	if ferr != nil {
		return ferr
	}
	return r.Store.SaveFailure(runID, f)
}

// CloseInterrupted finishes every run of baseName still recorded as running:
// each gets a system failure record and the failed status. It returns the
// closed run IDs, oldest first. Only call it once no run of baseName can be
// alive, e.g. after its workspace was removed.
func (r *FailureRecorder) CloseInterrupted(baseName string) ([]string, error) {
	if r == nil || r.Store == nil {
		return nil, errors.New("Store is required")
	}
	runs, err := r.Store.RunsOf(baseName)
	if err != nil {
		return nil, err
	}
	var closed []string
	for _, run := range runs {
		if run.Status != RunStatusRunning {
			continue
		}
		cause := &SystemFailureError{Code: "Interrupted", Message: "run was cleaned up while still recorded as running"}
		if err := r.RecordFailure(run.RunID, cause); err != nil {
			return closed, err
		}
		if err := r.FinishRun(run.RunID, RunStatusFailed, "", nil); err != nil {
			return closed, err
		}
		closed = append(closed, run.RunID)
	}
	return closed, nil
}
