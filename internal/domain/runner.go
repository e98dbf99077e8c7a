package domain

import (
	"time"

	"github.com/google/uuid"
)

// RunnerState is a state in the runner lifecycle graph (spec §4.1).
type RunnerState string

const (
	RunnerStateDisconnected RunnerState = "disconnected"
	RunnerStateConnecting   RunnerState = "connecting"
	RunnerStateIdle         RunnerState = "idle"
	RunnerStateAssigned     RunnerState = "assigned"
	RunnerStateBusy         RunnerState = "busy"
	RunnerStateDead         RunnerState = "dead"
)

// Runner is a remote execution agent holding one duplex channel to the core.
type Runner struct {
	ID               uuid.UUID         `json:"id"`
	Name             string            `json:"name"`
	RunnerType       string            `json:"runner_type"`
	Labels           map[string]string `json:"labels"`
	State            RunnerState       `json:"state"`
	LastHeartbeat    time.Time         `json:"last_heartbeat"`
	LastIdleSince    time.Time         `json:"last_idle_since"`
	CurrentStepID    *uuid.UUID        `json:"current_step_id,omitempty"`
	ConnectedAt      time.Time         `json:"connected_at"`
	DisconnectedAt   *time.Time        `json:"disconnected_at,omitempty"`
}

// NewRunner admits a runner for the first time.
func NewRunner(id uuid.UUID, name, runnerType string, labels map[string]string) *Runner {
	now := time.Now().UTC()
	if labels == nil {
		labels = map[string]string{}
	}
	return &Runner{
		ID:            id,
		Name:          name,
		RunnerType:    runnerType,
		Labels:        labels,
		State:         RunnerStateConnecting,
		LastHeartbeat: now,
		ConnectedAt:   now,
	}
}

// MarkIdle transitions the runner to idle and stamps last_idle_since, which
// the Dispatcher's deterministic tie-break (spec §4.2) orders on.
func (r *Runner) MarkIdle(at time.Time) {
	r.State = RunnerStateIdle
	r.LastIdleSince = at
	r.CurrentStepID = nil
}

// Assign reserves the runner for a step. Only legal from idle.
func (r *Runner) Assign(stepID uuid.UUID) error {
	if r.State != RunnerStateIdle {
		return ErrRunnerNotIdle
	}
	r.State = RunnerStateAssigned
	r.CurrentStepID = &stepID
	return nil
}

// Ack transitions assigned -> busy; fails if the runner isn't holding stepID.
func (r *Runner) Ack(stepID uuid.UUID) error {
	if r.State != RunnerStateAssigned || r.CurrentStepID == nil || *r.CurrentStepID != stepID {
		return ErrRunnerStepMismatch
	}
	r.State = RunnerStateBusy
	return nil
}

// Release returns the runner to idle from any non-terminal state.
func (r *Runner) Release(at time.Time) {
	r.State = RunnerStateIdle
	r.LastIdleSince = at
	r.CurrentStepID = nil
}

// Heartbeat records a liveness signal, reviving a dead runner into connecting.
func (r *Runner) Heartbeat(at time.Time) {
	r.LastHeartbeat = at
	if r.State == RunnerStateDead || r.State == RunnerStateDisconnected {
		r.State = RunnerStateConnecting
	}
}

// Dead marks the runner dead, e.g. after a missed heartbeat deadline.
func (r *Runner) Dead(at time.Time) {
	r.State = RunnerStateDead
	r.DisconnectedAt = &at
	r.CurrentStepID = nil
}

// Disconnect marks an explicit close.
func (r *Runner) Disconnect(at time.Time) {
	r.State = RunnerStateDisconnected
	r.DisconnectedAt = &at
	r.CurrentStepID = nil
}

// Expired reports whether the runner has exceeded the heartbeat deadline as
// of `now`. Exactly-met deadlines count as alive (spec §8 boundary case).
func (r *Runner) Expired(now time.Time, deadline time.Duration) bool {
	return now.Sub(r.LastHeartbeat) > deadline
}

// MatchesSelector reports eligibility per spec §4.2: "any", exact runner_type
// match, or every requested label key/value pair present and equal.
func (r *Runner) MatchesSelector(selector string, labelPredicate map[string]string) bool {
	if selector != "" && selector != "any" && r.RunnerType != selector {
		return false
	}
	for k, v := range labelPredicate {
		if r.Labels[k] != v {
			return false
		}
	}
	return true
}
