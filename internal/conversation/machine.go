// Package conversation holds the dialogue state machine: which phase a
// planning conversation is in, which transitions are legal, and when a
// project is ready to finalize.
package conversation

import (
	"errors"
	"fmt"
	"strings"

	"planforge/internal/domain"
	"planforge/internal/extract"
)

// ErrClosed is returned when a message arrives on a closed conversation.
var ErrClosed = errors.New("conversation is closed")

// InvalidTransitionError reports an illegal phase or status move.
type InvalidTransitionError struct {
	Kind string
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Kind, e.From, e.To)
}

// allowedPhase maps each phase to the phases reachable from it.
var allowedPhase = map[string][]string{
	domain.PhaseCreation:      {domain.PhaseClarification, domain.PhaseRefinement},
	domain.PhaseClarification: {domain.PhaseRefinement, domain.PhaseClarification, domain.PhaseExecution},
	domain.PhaseRefinement:    {domain.PhaseClarification, domain.PhaseRefinement, domain.PhaseExecution},
	domain.PhaseExecution:     {},
}

// EnsurePhaseTransition validates a conversation phase move. Staying in the
// current phase is always legal.
func EnsurePhaseTransition(from, to string) error {
	if from == to {
		return nil
	}
	for _, next := range allowedPhase[from] {
		if next == to {
			return nil
		}
	}
	return &InvalidTransitionError{Kind: "phase", From: from, To: to}
}

// EnsureProjectTransition validates a project status move. Statuses advance
// forward only; archived is reachable from anywhere.
func EnsureProjectTransition(from, to string) error {
	if from == to {
		return nil
	}
	if to == domain.ProjectArchived {
		return nil
	}
	order := map[string]int{
		domain.ProjectPlanning:   0,
		domain.ProjectRefining:   1,
		domain.ProjectReady:      2,
		domain.ProjectInProgress: 3,
		domain.ProjectCompleted:  4,
	}
	fromRank, okFrom := order[from]
	toRank, okTo := order[to]
	if !okFrom || !okTo || toRank <= fromRank {
		return &InvalidTransitionError{Kind: "project status", From: from, To: to}
	}
	return nil
}

// Classify derives the next phase from the current one and a parsed reply.
// A reply that proposes structure moves the dialogue into refinement; a reply
// that only asks questions moves it into clarification; anything else keeps
// the current phase.
func Classify(current string, reply extract.Reply) string {
	if current == domain.PhaseExecution {
		return current
	}
	if reply.Plan != nil && !reply.Plan.Empty() {
		return domain.PhaseRefinement
	}
	if asksQuestion(reply.Text) {
		return domain.PhaseClarification
	}
	if current == domain.PhaseCreation {
		return domain.PhaseRefinement
	}
	return current
}

func asksQuestion(text string) bool {
	return strings.Contains(text, "?")
}

// ReadyToFinalize reports whether finalization may begin. Readiness is
// derived, never stored: the model must have signaled it in its latest reply
// and the cumulative extracted plan must validate as complete.
func ReadyToFinalize(signaled bool, plan *extract.PartialPlan) bool {
	if !signaled || plan == nil {
		return false
	}
	return plan.Validate() == nil
}

// ReadySignaled reads the persisted readiness flag from conversation metadata.
func ReadySignaled(c domain.Conversation) bool {
	v, ok := c.Metadata["ready_to_finalize"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}
