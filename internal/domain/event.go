package domain

import (
	"time"

	"github.com/google/uuid"
)

// TopicKind names the stream a topic belongs to (spec §4.4). State topics
// are lossless (full disconnect-on-full backpressure); log topics are lossy.
type TopicKind string

const (
	TopicRunState    TopicKind = "run_state"
	TopicStepLog     TopicKind = "step_log"
	TopicRunnerState TopicKind = "runner_state"
	TopicDebugSession TopicKind = "debug_session"
)

func (k TopicKind) Lossless() bool {
	return k == TopicRunState || k == TopicRunnerState || k == TopicDebugSession
}

// Topic identifies one event stream: a kind plus the entity it's scoped to.
type Topic struct {
	Kind TopicKind `json:"kind"`
	ID   uuid.UUID `json:"id"`
}

// EventType enumerates the kinds of payloads published onto a topic.
type EventType string

const (
	EventRunStarted     EventType = "run.started"
	EventRunStepReady   EventType = "run.step_ready"
	EventRunStepStarted EventType = "run.step_started"
	EventRunStepDone    EventType = "run.step_done"
	EventRunCompleted   EventType = "run.completed"
	EventRunCancelled   EventType = "run.cancelled"
	EventStepLogLine    EventType = "step.log_line"
	EventStepLogDropped EventType = "step.log_dropped"
	EventRunnerConnected    EventType = "runner.connected"
	EventRunnerDisconnected EventType = "runner.disconnected"
	EventRunnerHeartbeat    EventType = "runner.heartbeat"
	EventDebugStarted       EventType = "debug.started"
	EventDebugAtBreakpoint  EventType = "debug.at_breakpoint"
	EventDebugResumed       EventType = "debug.resumed"
	EventDebugAborted       EventType = "debug.aborted"
	EventDebugTimedOut      EventType = "debug.timeout"
)

// Event is one message on a Topic, carrying the topic's monotonic sequence
// number (spec §4.4 "per-topic monotonic sequence counter").
type Event struct {
	Topic     Topic       `json:"topic"`
	Seq       uint64      `json:"seq"`
	Type      EventType   `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}
