// Package runnerchannel implements the runner duplex channel (spec §6): a
// single persistent connection per runner carrying length-delimited JSON
// frames, one websocket message per frame. Each frame is typed by a "type"
// discriminator, mirroring the envelope tombee-conductor's internal/rpc
// package uses for its desktop<->backend channel, adapted from that
// package's generic method/params/result shape to LazyAF's fixed set of
// server<->runner messages.
package runnerchannel

import (
	"encoding/json"

	"github.com/google/uuid"
)

// FrameType discriminates the frames of spec §6's wire protocol.
type FrameType string

const (
	// Runner -> server
	FrameHello             FrameType = "hello"
	FrameAckStep           FrameType = "ack_step"
	FrameStepLogs          FrameType = "step_logs"
	FrameStepResult        FrameType = "step_result"
	FramePong              FrameType = "pong"
	FrameDebugAtBreakpoint FrameType = "debug_at_breakpoint"

	// Server -> runner
	FrameAssignStep FrameType = "assign_step"
	FrameCancelStep FrameType = "cancel_step"
	FrameAbortStep  FrameType = "abort_step"
	FramePing       FrameType = "ping"
	FrameDebugResume FrameType = "debug_resume"
	FrameDebugAbort  FrameType = "debug_abort"
)

// Frame is the envelope every message on the channel is wrapped in. Exactly
// one of the typed fields is populated, selected by Type; the rest travel
// as omitted JSON, keeping each frame on the wire small.
type Frame struct {
	Type FrameType `json:"type"`

	Hello             *HelloFrame             `json:"hello,omitempty"`
	AssignStep        *AssignStepFrame        `json:"assign_step,omitempty"`
	CancelStep        *StepRefFrame           `json:"cancel_step,omitempty"`
	AbortStep         *StepRefFrame           `json:"abort_step,omitempty"`
	AckStep           *StepRefFrame           `json:"ack_step,omitempty"`
	StepLogs          *StepLogsFrame          `json:"step_logs,omitempty"`
	StepResult        *StepResultFrame        `json:"step_result,omitempty"`
	DebugResume       *DebugSessionRefFrame   `json:"debug_resume,omitempty"`
	DebugAbort        *DebugSessionRefFrame   `json:"debug_abort,omitempty"`
	DebugAtBreakpoint *DebugAtBreakpointFrame `json:"debug_at_breakpoint,omitempty"`
}

// HelloFrame must be the first frame a runner sends after the websocket
// upgrade completes (spec §6). The server refuses any other frame type
// until Hello is received and Register succeeds.
type HelloFrame struct {
	RunnerID   uuid.UUID         `json:"runner_id"`
	Name       string            `json:"name"`
	RunnerType string            `json:"runner_type"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// StepRefFrame names a single step, shared by AckStep/CancelStep/AbortStep.
type StepRefFrame struct {
	RunID  uuid.UUID `json:"run_id"`
	StepID uuid.UUID `json:"step_id"`
}

// AssignStepFrame is the dispatcher's phase-one handoff, as sent over the
// wire. Config travels opaque to this package; only the runner-side agent
// or container executor interprets it.
type AssignStepFrame struct {
	RunID          uuid.UUID         `json:"run_id"`
	StepID         uuid.UUID         `json:"step_id"`
	Name           string            `json:"name"`
	Type           string            `json:"step_type"`
	Config         json.RawMessage   `json:"config"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`

	// Branch and PriorContext carry a continue_in_context hand-off (spec
	// §6): the checkout the predecessor step left behind, and the trailing
	// log output it produced, so an AI successor picks up where it left off
	// instead of starting cold. Both are empty for an ordinary step.
	Branch       string `json:"branch,omitempty"`
	PriorContext string `json:"prior_context,omitempty"`
}

// StepLogsFrame carries a batch of log lines for a step, fanned out onto
// the TopicStepLog topic as they arrive (lossy, per spec §4.4).
type StepLogsFrame struct {
	RunID  uuid.UUID `json:"run_id"`
	StepID uuid.UUID `json:"step_id"`
	Stream string    `json:"stream"` // "stdout" or "stderr"
	Lines  []string  `json:"lines"`
}

// StepResultFrame closes out a step, feeding
// executor.Executor.HandleStepResultContext. ProducedBranch/ProducedDiff/
// LogTail are what the step left behind; a continue_in_context successor
// reads them off its predecessor once materialized.
type StepResultFrame struct {
	RunID    uuid.UUID `json:"run_id"`
	StepID   uuid.UUID `json:"step_id"`
	Failed   bool      `json:"failed"`
	ExitCode int       `json:"exit_code"`
	Error    string    `json:"error,omitempty"`

	ProducedBranch string `json:"produced_branch,omitempty"`
	ProducedDiff   string `json:"produced_diff,omitempty"`
	LogTail        string `json:"log_tail,omitempty"`
}

// DebugSessionRefFrame names a debug session for the resume/abort frames.
type DebugSessionRefFrame struct {
	SessionID uuid.UUID `json:"session_id"`
}

// DebugAtBreakpointFrame reports that the runner paused a step at a
// configured breakpoint index and is holding its worktree open.
type DebugAtBreakpointFrame struct {
	SessionID uuid.UUID `json:"session_id"`
	StepIndex int       `json:"step_index"`
}
