package pipeline

import (
	"fmt"
	"strconv"
	"strings"
)

// Stage names a pipeline step in failure reports.
type Stage string

const (
	StageStaging     Stage = "staging"
	StageGeneration  Stage = "generation"
	StageDispatch    Stage = "dispatch"
	StageAggregation Stage = "aggregation"
	StagePublish     Stage = "publish"
	StageTeardown    Stage = "teardown"
)

// StageError is a failure attributed to one pipeline stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// IncompleteError reports a run in which some areas produced no partial
// result. The merged result of the areas that did is published under
// Published.
type IncompleteError struct {
	Missing   []int
	Published string
}

func (e *IncompleteError) Error() string {
	if e == nil {
		return ""
	}
	msg := "areas " + formatAreas(e.Missing) + " produced no partial result"
	if e.Published != "" {
		msg += "; incomplete result published to " + e.Published
	}
	return msg
}

func formatAreas(areas []int) string {
	parts := make([]string, len(areas))
	for i, a := range areas {
		parts[i] = strconv.Itoa(a)
	}
	return "{" + strings.Join(parts, ",") + "}"
}
