package state

import (
	"errors"
	"fmt"
)

// ConfigurationFailureError represents an invalid invocation or deployment
// configuration, detected before any side effect.
type ConfigurationFailureError struct {
	Code    string
	Message string
	Cause   error
}

func (e *ConfigurationFailureError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("configuration failure (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("configuration failure: %s", e.Message)
}

func (e *ConfigurationFailureError) Unwrap() error { return e.Cause }

// StageFailureError represents a failure of one pipeline stage.
type StageFailureError struct {
	// Stage is the pipeline stage name ("staging", "generation", ...).
	Stage        string
	Code         string
	Message      string
	MissingAreas []int
	Cause        error
}

func (e *StageFailureError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("%s failure (%s): %s", e.Stage, e.Code, e.Message)
	}
	return fmt.Sprintf("%s failure: %s", e.Stage, e.Message)
}

func (e *StageFailureError) Unwrap() error { return e.Cause }

// SystemFailureError represents crashes, interruption and other failures
// outside any single stage.
type SystemFailureError struct {
	Code    string
	Message string
	Cause   error
}

func (e *SystemFailureError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("system failure (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("system failure: %s", e.Message)
}

func (e *SystemFailureError) Unwrap() error { return e.Cause }

func classForStage(stage string) FailureClass {
	switch stage {
	case "staging":
		return FailureClassStaging
	case "generation":
		return FailureClassGeneration
	case "dispatch":
		return FailureClassDispatch
	case "aggregation", "publish":
		return FailureClassAggregation
	default:
		return FailureClassSystem
	}
}

func failureFromError(err error) (Failure, error) {
	if err == nil {
		return Failure{}, errors.New("nil error")
	}

	var cf *ConfigurationFailureError
	if errors.As(err, &cf) && cf != nil {
		return Failure{
			FailureClass: FailureClassConfiguration,
			ErrorCode:    nonEmptyOr(cf.Code, "ConfigurationFailure"),
			ErrorMessage: nonEmptyOr(cf.Message, cf.Error()),
		}, nil
	}

	var sf *StageFailureError
	if errors.As(err, &sf) && sf != nil {
		return Failure{
			FailureClass: classForStage(sf.Stage),
			Stage:        sf.Stage,
			ErrorCode:    nonEmptyOr(sf.Code, "StageFailure"),
			ErrorMessage: nonEmptyOr(sf.Message, sf.Error()),
			MissingAreas: sf.MissingAreas,
		}, nil
	}

	var sys *SystemFailureError
	if errors.As(err, &sys) && sys != nil {
		return Failure{
			FailureClass: FailureClassSystem,
			ErrorCode:    nonEmptyOr(sys.Code, "SystemFailure"),
			ErrorMessage: nonEmptyOr(sys.Message, sys.Error()),
		}, nil
	}

	// Unknown error: classify as system failure (most conservative class).
	return Failure{
		FailureClass: FailureClassSystem,
		ErrorCode:    "UnknownError",
		ErrorMessage: err.Error(),
	}, nil
}

func nonEmptyOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
