package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type RunStatus string

const (
	RunStatusRunning    RunStatus = "running"
	RunStatusSucceeded  RunStatus = "succeeded"
	RunStatusIncomplete RunStatus = "incomplete"
	RunStatusFailed     RunStatus = "failed"
)

// Run is the persistent record of one pipeline run.
//
// Schema: run_id, base_name, area_count, start_time, end_time (nullable),
// status, and optionally published and missing_areas.
type Run struct {
	RunID     string     `json:"run_id"`
	BaseName  string     `json:"base_name"`
	AreaCount int        `json:"area_count"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`
	Status    RunStatus  `json:"status"`

	// Published is the merged result path, once published.
	Published string `json:"published,omitempty"`

	// MissingAreas are the areas that produced no partial result.
	MissingAreas []int `json:"missing_areas,omitempty"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if strings.TrimSpace(r.BaseName) == "" {
		errs = append(errs, errors.New("base_name is required"))
	}
	if r.AreaCount < 0 {
		errs = append(errs, errors.New("area_count must be >= 0"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	if r.EndTime != nil && r.EndTime.Before(r.StartTime) {
		errs = append(errs, errors.New("end_time must not precede start_time"))
	}
	switch r.Status {
	case RunStatusRunning, RunStatusSucceeded, RunStatusIncomplete, RunStatusFailed:
		// ok
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

type FailureClass string

const (
	FailureClassConfiguration FailureClass = "configuration"
	FailureClassStaging       FailureClass = "staging"
	FailureClassGeneration    FailureClass = "generation"
	FailureClassDispatch      FailureClass = "dispatch"
	FailureClassAggregation   FailureClass = "aggregation"
	FailureClassSystem        FailureClass = "system"
)

// Failure is a recorded run termination reason.
//
// Schema: failure_class, stage (optional), error_code, error_message and
// missing_areas (optional).
type Failure struct {
	FailureClass FailureClass `json:"failure_class"`
	Stage        string       `json:"stage,omitempty"`
	ErrorCode    string       `json:"error_code"`
	ErrorMessage string       `json:"error_message"`
	MissingAreas []int        `json:"missing_areas,omitempty"`
}

func (f Failure) Validate() error {
	var errs []error
	switch f.FailureClass {
	case FailureClassConfiguration, FailureClassStaging, FailureClassGeneration,
		FailureClassDispatch, FailureClassAggregation, FailureClassSystem:
		// ok
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if strings.TrimSpace(f.ErrorCode) == "" {
		errs = append(errs, errors.New("error_code is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
