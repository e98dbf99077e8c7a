package domain

import (
	"time"

	"github.com/google/uuid"
)

// DebugSessionState is the lifecycle of a single debug-playground attach
// (spec §5 supplement).
type DebugSessionState string

const (
	DebugSessionPending      DebugSessionState = "pending"
	DebugSessionWaitingAtBP  DebugSessionState = "waiting_at_breakpoint"
	DebugSessionConnected    DebugSessionState = "connected"
	DebugSessionResumed      DebugSessionState = "resumed"
	DebugSessionAborted      DebugSessionState = "aborted"
	DebugSessionTimedOut     DebugSessionState = "timeout"
	DebugSessionEnded        DebugSessionState = "ended"
)

func (s DebugSessionState) Terminal() bool {
	switch s {
	case DebugSessionAborted, DebugSessionTimedOut, DebugSessionEnded:
		return true
	}
	return false
}

// DebugSession binds a one-shot SSE viewer to a run, with an optional set of
// step indices to pause at.
type DebugSession struct {
	ID              uuid.UUID         `json:"id"`
	RunID           uuid.UUID         `json:"run_id"`
	Token           string            `json:"token"`
	State           DebugSessionState `json:"state"`
	Breakpoints     map[int]bool      `json:"breakpoints"`
	PausedAtIndex   *int              `json:"paused_at_index,omitempty"`
	ExpiresAt       time.Time         `json:"expires_at"`
	CreatedAt       time.Time         `json:"created_at"`
}

// NewDebugSession creates a pending session bound to a run, expiring after ttl.
func NewDebugSession(runID uuid.UUID, token string, breakpoints []int, ttl time.Duration) *DebugSession {
	bp := make(map[int]bool, len(breakpoints))
	for _, i := range breakpoints {
		bp[i] = true
	}
	now := time.Now().UTC()
	return &DebugSession{
		ID:          uuid.New(),
		RunID:       runID,
		Token:       token,
		State:       DebugSessionPending,
		Breakpoints: bp,
		ExpiresAt:   now.Add(ttl),
		CreatedAt:   now,
	}
}

// Expired reports whether the session has outlived its TTL as of `now`.
func (d *DebugSession) Expired(now time.Time) bool {
	return now.After(d.ExpiresAt)
}

// PauseAt transitions into waiting_at_breakpoint for the given step index.
func (d *DebugSession) PauseAt(index int) {
	d.State = DebugSessionWaitingAtBP
	d.PausedAtIndex = &index
}

// Resume clears the current pause and marks the session resumed.
func (d *DebugSession) Resume() {
	d.State = DebugSessionResumed
	d.PausedAtIndex = nil
}

// Abort ends the session early, e.g. on viewer disconnect.
func (d *DebugSession) Abort() { d.State = DebugSessionAborted }

// Timeout ends the session on absolute TTL expiry (spec §4.6 "debug
// sessions have an absolute expiry; on expiry the session transitions to
// timeout and the paused step is released as cancelled").
func (d *DebugSession) Timeout() { d.State = DebugSessionTimedOut }

// End marks the session closed because the bound run reached a terminal state.
func (d *DebugSession) End() { d.State = DebugSessionEnded }
