package conversation_test

import (
	"testing"

	"planforge/internal/conversation"
	"planforge/internal/domain"
	"planforge/internal/extract"
)

func TestPhaseTransitions(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{domain.PhaseCreation, domain.PhaseClarification, true},
		{domain.PhaseCreation, domain.PhaseRefinement, true},
		{domain.PhaseCreation, domain.PhaseExecution, false},
		{domain.PhaseClarification, domain.PhaseRefinement, true},
		{domain.PhaseRefinement, domain.PhaseClarification, true},
		{domain.PhaseRefinement, domain.PhaseExecution, true},
		{domain.PhaseExecution, domain.PhaseRefinement, false},
		{domain.PhaseRefinement, domain.PhaseRefinement, true},
	}
	for _, c := range cases {
		err := conversation.EnsurePhaseTransition(c.from, c.to)
		if c.ok && err != nil {
			t.Errorf("%s -> %s should be legal: %v", c.from, c.to, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%s -> %s should be illegal", c.from, c.to)
		}
	}
}

func TestProjectTransitions(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{domain.ProjectPlanning, domain.ProjectRefining, true},
		{domain.ProjectPlanning, domain.ProjectReady, true},
		{domain.ProjectReady, domain.ProjectCompleted, true},
		{domain.ProjectCompleted, domain.ProjectPlanning, false},
		{domain.ProjectReady, domain.ProjectPlanning, false},
		{domain.ProjectCompleted, domain.ProjectArchived, true},
		{domain.ProjectPlanning, domain.ProjectArchived, true},
		{domain.ProjectReady, domain.ProjectReady, true},
	}
	for _, c := range cases {
		err := conversation.EnsureProjectTransition(c.from, c.to)
		if c.ok && err != nil {
			t.Errorf("%s -> %s should be legal: %v", c.from, c.to, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%s -> %s should be illegal", c.from, c.to)
		}
	}
}

func TestClassify(t *testing.T) {
	plan := &extract.PartialPlan{Epics: []extract.EpicPlan{{Title: "E"}}}

	if got := conversation.Classify(domain.PhaseCreation, extract.Reply{Plan: plan}); got != domain.PhaseRefinement {
		t.Fatalf("plan reply should move to refinement, got %s", got)
	}
	if got := conversation.Classify(domain.PhaseCreation, extract.Reply{Text: "Which database?"}); got != domain.PhaseClarification {
		t.Fatalf("question should move to clarification, got %s", got)
	}
	if got := conversation.Classify(domain.PhaseClarification, extract.Reply{Text: "Noted."}); got != domain.PhaseClarification {
		t.Fatalf("plain reply should keep phase, got %s", got)
	}
	if got := conversation.Classify(domain.PhaseExecution, extract.Reply{Plan: plan}); got != domain.PhaseExecution {
		t.Fatalf("execution phase is terminal, got %s", got)
	}
}

func TestReadyToFinalize(t *testing.T) {
	complete := &extract.PartialPlan{Epics: []extract.EpicPlan{{
		Title: "E",
		Stories: []extract.StoryPlan{{
			Title: "S",
			Tasks: []extract.TaskPlan{{Title: "T"}},
		}},
	}}}
	incomplete := &extract.PartialPlan{Epics: []extract.EpicPlan{{Title: "E"}}}

	if !conversation.ReadyToFinalize(true, complete) {
		t.Fatal("signaled complete plan should be ready")
	}
	if conversation.ReadyToFinalize(false, complete) {
		t.Fatal("unsignaled plan should not be ready")
	}
	if conversation.ReadyToFinalize(true, incomplete) {
		t.Fatal("incomplete plan should not be ready")
	}
	if conversation.ReadyToFinalize(true, nil) {
		t.Fatal("nil plan should not be ready")
	}
}

func TestReadySignaled(t *testing.T) {
	if conversation.ReadySignaled(domain.Conversation{}) {
		t.Fatal("no metadata should read as not signaled")
	}
	c := domain.Conversation{Metadata: map[string]any{"ready_to_finalize": true}}
	if !conversation.ReadySignaled(c) {
		t.Fatal("flag set should read as signaled")
	}
	c.Metadata["ready_to_finalize"] = "yes"
	if conversation.ReadySignaled(c) {
		t.Fatal("non-bool flag should read as not signaled")
	}
}
