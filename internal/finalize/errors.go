package finalize

import (
	"fmt"
	"strings"
)

// NotReadyError is returned when finalization is requested before the
// conversation has signaled readiness and produced a complete plan.
type NotReadyError struct {
	Reason string
}

func (e *NotReadyError) Error() string {
	return "project is not ready to finalize: " + e.Reason
}

// TaskFailure records one task whose external issue could not be created.
type TaskFailure struct {
	TaskID string `json:"task_id"`
	Title  string `json:"title"`
	Reason string `json:"reason"`
}

// PartialError reports a finalization that stopped partway. Everything
// persisted before the failure survives, so rerunning finalize resumes from
// the failed step.
type PartialError struct {
	FailedStep      string        `json:"failed_step"`
	CompletedIssues int           `json:"completed_issues"`
	FailedTasks     []TaskFailure `json:"failed_tasks,omitempty"`
	Err             error         `json:"-"`
}

func (e *PartialError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "finalize failed at step %q", e.FailedStep)
	if e.CompletedIssues > 0 {
		fmt.Fprintf(&b, " (%d issues created)", e.CompletedIssues)
	}
	if len(e.FailedTasks) > 0 {
		fmt.Fprintf(&b, ", %d tasks failed", len(e.FailedTasks))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *PartialError) Unwrap() error { return e.Err }
