package domain

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the terminal-closure status of a PipelineRun (spec §3, §8).
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPassed    RunStatus = "passed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusPassed, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// TriggerType is how a run was started (spec §4.3).
type TriggerType string

const (
	TriggerManual TriggerType = "manual"
	TriggerCard   TriggerType = "card"
	TriggerPush   TriggerType = "push"
)

// Trigger carries the metadata of spec §3's "who/what started it".
type Trigger struct {
	Type       TriggerType `json:"type"`
	UserID     *uuid.UUID  `json:"user_id,omitempty"`
	CardID     *uuid.UUID  `json:"card_id,omitempty"`
	CommitSHA  string      `json:"commit_sha,omitempty"`
	Branch     string      `json:"branch,omitempty"`
	OnPass     *TerminalAction `json:"on_pass,omitempty"`
	OnFail     *TerminalAction `json:"on_fail,omitempty"`
}

// PipelineRun is an instance of executing a PipelineDefinition (spec §3).
type PipelineRun struct {
	ID              uuid.UUID   `json:"id"`
	RepoID          uuid.UUID   `json:"repo_id"`
	PipelineID      uuid.UUID   `json:"pipeline_id"`
	PipelineVersion int         `json:"pipeline_version"`
	Trigger         Trigger     `json:"trigger"`
	Status          RunStatus   `json:"status"`
	StepsTotal      int         `json:"steps_total"`
	StepsCompleted  int         `json:"steps_completed"`
	CurrentIndex    int         `json:"current_index"`
	Error           string      `json:"error,omitempty"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// NewPipelineRun creates a pending run instance.
func NewPipelineRun(repoID, pipelineID uuid.UUID, pipelineVersion int, trigger Trigger) *PipelineRun {
	return &PipelineRun{
		ID:              uuid.New(),
		RepoID:          repoID,
		PipelineID:      pipelineID,
		PipelineVersion: pipelineVersion,
		Trigger:         trigger,
		Status:          RunStatusPending,
		CreatedAt:       time.Now().UTC(),
	}
}

// Start marks the run as actively traversing its step graph.
func (r *PipelineRun) Start() {
	now := time.Now().UTC()
	r.Status = RunStatusRunning
	r.StartedAt = &now
}

// RecordStepCompleted increments the completed counter; the run invariant
// steps_completed <= steps_total (spec §3) is the caller's responsibility.
func (r *PipelineRun) RecordStepCompleted() { r.StepsCompleted++ }

func (r *PipelineRun) finish(status RunStatus) {
	now := time.Now().UTC()
	r.Status = status
	r.CompletedAt = &now
}

// Pass finalizes a successful run (spec §8 "zero-step pipeline -> passed").
func (r *PipelineRun) Pass() { r.finish(RunStatusPassed) }

// Fail finalizes a failed run.
func (r *PipelineRun) Fail(reason string) {
	r.Error = reason
	r.finish(RunStatusFailed)
}

// Cancel finalizes a cancelled run.
func (r *PipelineRun) Cancel() { r.finish(RunStatusCancelled) }

// DurationMs mirrors the teacher's Run.DurationMs helper.
func (r *PipelineRun) DurationMs() *int64 {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return nil
	}
	ms := r.CompletedAt.Sub(*r.StartedAt).Milliseconds()
	return &ms
}
