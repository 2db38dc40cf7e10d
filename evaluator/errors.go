package evaluator

import (
	"errors"
	"fmt"
)

// ErrEvaluation is matched by every EvaluationError.
var ErrEvaluation = errors.New("evaluation failed")

// Error kinds.
const (
	KindCompile = "compile"
	KindQuery   = "query"
	KindTimeout = "timeout"
	KindNoGraph = "no_graph"
)

// EvaluationError reports a condition that could not be decided. The policy
// counts as not matched for that event.
type EvaluationError struct {
	PolicyID string
	EventID  string
	Kind     string
	Err      error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluate policy %s on event %s: %s: %v", e.PolicyID, e.EventID, e.Kind, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

func (e *EvaluationError) Is(target error) bool {
	return target == ErrEvaluation
}
