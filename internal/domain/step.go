package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// StepType is the declared kind of a step (spec §3). The Dispatcher treats
// all kinds identically; only the runner-side agent (or, for merge/rebase,
// the Git Substrate) interprets Config.
type StepType string

const (
	StepTypeShell     StepType = "shell"
	StepTypeContainer StepType = "container"
	StepTypeAgent     StepType = "agent"
	StepTypeMerge     StepType = "merge" // synthesized, never dispatched to a runner
)

func (t StepType) IsValid() bool {
	switch t {
	case StepTypeShell, StepTypeContainer, StepTypeAgent, StepTypeMerge:
		return true
	}
	return false
}

// Dispatched reports whether this step type is handed to a runner at all.
// Merge/rebase steps are executed inline by the Git Substrate (spec §9).
func (t StepType) Dispatched() bool {
	return t != StepTypeMerge
}

// StepState is a node in the step state graph of spec §4.3. State only
// moves forward, except that RollbackDispatch returns a dispatched step to
// ready after an unacknowledged assignment.
type StepState string

const (
	StepStatePending     StepState = "pending"
	StepStateReady       StepState = "ready"
	StepStateDispatched  StepState = "dispatched"
	StepStateBusy        StepState = "busy"
	StepStateCompleting  StepState = "completing"
	StepStateCompleted   StepState = "completed"
	StepStateFailed      StepState = "failed"
	StepStateCancelled   StepState = "cancelled"
)

func (s StepState) Terminal() bool {
	switch s {
	case StepStateCompleted, StepStateFailed, StepStateCancelled:
		return true
	}
	return false
}

// StepTemplate is a node in a PipelineDefinition graph: the reusable
// configuration a Step is materialized from for each run.
type StepTemplate struct {
	ID                 uuid.UUID       `json:"id"`
	Name               string          `json:"name"`
	Type               StepType        `json:"type"`
	Config             json.RawMessage `json:"config"`
	Selector           string          `json:"selector"`            // "any", a runner_type, or "" (treated as any)
	LabelPredicate     map[string]string `json:"label_predicate,omitempty"`
	TimeoutSeconds     int             `json:"timeout_seconds,omitempty"`
	ContinueInContext  bool            `json:"continue_in_context,omitempty"`
}

// Step is the materialized unit of work for a single PipelineRun (spec §3).
type Step struct {
	ID              uuid.UUID       `json:"id"`
	RunID           uuid.UUID       `json:"run_id"`
	TemplateID      uuid.UUID       `json:"template_id"`
	Index           int             `json:"index"`
	Name            string          `json:"name"`
	Type            StepType        `json:"type"`
	Config          json.RawMessage `json:"config"`
	Selector        string          `json:"selector"`
	LabelPredicate  map[string]string `json:"label_predicate,omitempty"`
	State           StepState       `json:"state"`
	RunnerID        *uuid.UUID      `json:"runner_id,omitempty"`
	ExitCode        *int            `json:"exit_code,omitempty"`
	Error           string          `json:"error,omitempty"`
	ContinueInContext bool          `json:"continue_in_context,omitempty"`
	TimeoutSeconds  int             `json:"timeout_seconds,omitempty"`
	AssignAttempts  int             `json:"assign_attempts"`

	// Branch is the checkout target sent to the runner. Empty unless a
	// continue_in_context predecessor produced one (see PriorContext).
	Branch         string `json:"branch,omitempty"`
	// PriorContext carries the immediate predecessor's LogTail when
	// ContinueInContext is set, so an AI successor sees what the step before
	// it produced instead of starting cold.
	PriorContext   string `json:"prior_context,omitempty"`
	// ProducedBranch/ProducedDiff/LogTail are filled in from the runner's
	// StepResult (spec §6): what the step left behind, and the trailing
	// output continue_in_context hands to the next step.
	ProducedBranch string `json:"produced_branch,omitempty"`
	ProducedDiff   string `json:"produced_diff,omitempty"`
	LogTail        string `json:"log_tail,omitempty"`

	StartedAt       *time.Time      `json:"started_at,omitempty"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// NewStep materializes a Step from a StepTemplate for a given run.
func NewStep(runID uuid.UUID, index int, tmpl StepTemplate) *Step {
	return &Step{
		ID:                uuid.New(),
		RunID:             runID,
		TemplateID:        tmpl.ID,
		Index:             index,
		Name:              tmpl.Name,
		Type:              tmpl.Type,
		Config:            tmpl.Config,
		Selector:          tmpl.Selector,
		LabelPredicate:    tmpl.LabelPredicate,
		State:             StepStatePending,
		ContinueInContext: tmpl.ContinueInContext,
		TimeoutSeconds:    tmpl.TimeoutSeconds,
		CreatedAt:         time.Now().UTC(),
	}
}

// MarkReady moves pending -> ready once inbound edges are satisfied.
func (s *Step) MarkReady() { s.State = StepStateReady }

// MarkDispatched records the two-phase handoff's first phase.
func (s *Step) MarkDispatched(runnerID uuid.UUID) {
	s.State = StepStateDispatched
	s.RunnerID = &runnerID
	s.AssignAttempts++
	now := time.Now().UTC()
	s.StartedAt = &now
}

// RollbackDispatch undoes a dispatch on ack timeout, returning to ready.
func (s *Step) RollbackDispatch() {
	s.State = StepStateReady
	s.RunnerID = nil
	s.StartedAt = nil
}

// MarkBusy records the AckStep transition.
func (s *Step) MarkBusy() { s.State = StepStateBusy }

// MarkCompleting enters the log-flush ordering state before a terminal status.
func (s *Step) MarkCompleting() { s.State = StepStateCompleting }

// Complete finalizes a successful step.
func (s *Step) Complete(exitCode int) {
	now := time.Now().UTC()
	s.State = StepStateCompleted
	s.ExitCode = &exitCode
	s.EndedAt = &now
}

// Fail finalizes a failed step with an error string.
func (s *Step) Fail(reason string) {
	now := time.Now().UTC()
	s.State = StepStateFailed
	s.Error = reason
	s.EndedAt = &now
}

// Cancel finalizes a cancelled step.
func (s *Step) Cancel() {
	now := time.Now().UTC()
	s.State = StepStateCancelled
	s.EndedAt = &now
}

// RecordProduced stashes what a runner reported it left behind, ahead of
// the terminal transition, so a continue_in_context successor can read it
// off the predecessor Step once materialized.
func (s *Step) RecordProduced(producedBranch, producedDiff, logTail string) {
	s.ProducedBranch = producedBranch
	s.ProducedDiff = producedDiff
	s.LogTail = logTail
}
