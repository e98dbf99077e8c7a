// Package debugsession implements the DebugSession breakpoint/resume
// protocol (spec §3, §4.6): an out-of-band supervisory channel layered
// over a run that can pause a step at a configured index and expose its
// worktree to an external viewer before resuming.
//
// Grounded on registry.Registry's sweep-loop idiom for the TTL expiry
// watchdog (a ticker goroutine, a locked scan, then unlocked side effects)
// and on its ordering of side effects: each state change is persisted
// first and published to the event bus afterwards. The SSE delivery surface
// itself (spec §6 "a parallel log streaming channel... ordered SSE-style
// frames") reuses the teacher's handler/run_stream.go writer idiom, but
// that HTTP-layer wiring is not part of this package — Manager only owns
// the session state machine and publishes to the event bus; an HTTP
// handler subscribes and re-renders as SSE frames.
package debugsession

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lazyaf/lazyaf/internal/domain"
	"github.com/lazyaf/lazyaf/internal/eventbus"
	"github.com/lazyaf/lazyaf/internal/repository"
)

// Config holds the TTL knobs spec.md's Config section names.
type Config struct {
	DefaultTTL       time.Duration // debug_session_default_ttl_s, default 1800s
	ExtensionQuantum time.Duration // default 1800s
	SweepInterval    time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultTTL:       30 * time.Minute,
		ExtensionQuantum: 30 * time.Minute,
		SweepInterval:    15 * time.Second,
	}
}

// Manager owns the DebugSession state machine for every run in the
// process. There is no per-session goroutine — sessions are cheap,
// short-lived state machines mutated under the repository's own
// durability guarantees, swept for expiry by one shared ticker.
type Manager struct {
	cfg      Config
	sessions repository.DebugSessionRepository
	steps    repository.StepRepository
	bus      *eventbus.Bus
}

func New(cfg Config, sessions repository.DebugSessionRepository, steps repository.StepRepository, bus *eventbus.Bus) *Manager {
	return &Manager{cfg: cfg, sessions: sessions, steps: steps, bus: bus}
}

func (m *Manager) topic(sessionID uuid.UUID) domain.Topic {
	return domain.Topic{Kind: domain.TopicDebugSession, ID: sessionID}
}

// Start attaches a new debug session to a run. Spec invariant: a run may
// have at most one non-terminal debug session.
func (m *Manager) Start(ctx context.Context, runID uuid.UUID, breakpoints []int) (*domain.DebugSession, error) {
	existing, err := m.sessions.GetByRunID(ctx, runID)
	if err != nil && !errors.Is(err, domain.ErrDebugSessionNotFound) {
		return nil, err
	}
	if existing != nil && !existing.State.Terminal() {
		return nil, domain.ErrDebugSessionConflict
	}

	token, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("debugsession: generate token: %w", err)
	}

	session := domain.NewDebugSession(runID, token, breakpoints, m.cfg.DefaultTTL)
	if err := m.sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	m.bus.Publish(m.topic(session.ID), domain.EventDebugStarted, session)
	return session, nil
}

// HandleBreakpointHit records a runner's DebugAtBreakpoint frame: the
// runner paused step stepIndex of the session's bound run and is holding
// its worktree open at workspaceHandle, waiting for DebugResume or
// DebugAbort.
func (m *Manager) HandleBreakpointHit(ctx context.Context, sessionID uuid.UUID, stepIndex int) (*domain.DebugSession, error) {
	session, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.State.Terminal() {
		return nil, domain.ErrDebugSessionExpired
	}
	session.PauseAt(stepIndex)
	if err := m.sessions.Update(ctx, session); err != nil {
		return nil, err
	}
	m.bus.Publish(m.topic(session.ID), domain.EventDebugAtBreakpoint, session)
	return session, nil
}

// Resume answers a waiting_at_breakpoint session with DebugResume: the
// caller (the runner transport) still has to forward the resume frame to
// the actual runner connection, this only advances the session's own
// state machine.
func (m *Manager) Resume(ctx context.Context, sessionID uuid.UUID) (*domain.DebugSession, error) {
	session, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.State != domain.DebugSessionWaitingAtBP && session.State != domain.DebugSessionConnected {
		return nil, fmt.Errorf("debugsession: session %s is not paused", sessionID)
	}
	session.Resume()
	if err := m.sessions.Update(ctx, session); err != nil {
		return nil, err
	}
	m.bus.Publish(m.topic(session.ID), domain.EventDebugResumed, session)
	return session, nil
}

// Abort ends a session early (viewer disconnect, explicit DebugAbort) and
// releases any step it currently has paused back to cancelled, the same
// release spec §4.6 describes for TTL expiry.
func (m *Manager) Abort(ctx context.Context, sessionID uuid.UUID) (*domain.DebugSession, error) {
	session, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.State.Terminal() {
		return session, nil
	}
	session.Abort()
	if err := m.sessions.Update(ctx, session); err != nil {
		return nil, err
	}
	m.releasePausedStep(ctx, session)
	m.bus.Publish(m.topic(session.ID), domain.EventDebugAborted, session)
	return session, nil
}

// releasePausedStep cancels the step a session was paused at, if any.
func (m *Manager) releasePausedStep(ctx context.Context, session *domain.DebugSession) {
	if session.PausedAtIndex == nil {
		return
	}
	steps, err := m.steps.ListByRun(ctx, session.RunID)
	if err != nil {
		slog.Error("debugsession: failed to list steps for release", "run_id", session.RunID, "error", err)
		return
	}
	for _, step := range steps {
		if step.Index != *session.PausedAtIndex || step.State.Terminal() {
			continue
		}
		step.Cancel()
		if err := m.steps.Update(ctx, step); err != nil {
			slog.Error("debugsession: failed to release paused step", "step_id", step.ID, "error", err)
			continue
		}
		m.bus.Publish(domain.Topic{Kind: domain.TopicRunState, ID: session.RunID}, domain.EventRunStepDone, step)
	}
}

// RunSweep runs the expiry watchdog until ctx is cancelled, timing out any
// non-terminal session past its ExpiresAt. Grounded on
// registry.Registry.RunSweep: a ticker goroutine driving an idempotent
// sweepOnce pass.
func (m *Manager) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	now := time.Now().UTC()
	sessions, err := m.sessions.ListNonTerminal(ctx)
	if err != nil {
		slog.Error("debugsession: sweep failed to list sessions", "error", err)
		return
	}
	for _, session := range sessions {
		if !session.Expired(now) {
			continue
		}
		if err := m.expire(ctx, session); err != nil {
			slog.Error("debugsession: failed to expire session", "session_id", session.ID, "error", err)
		}
	}
}

func (m *Manager) expire(ctx context.Context, session *domain.DebugSession) error {
	session.Timeout()
	if err := m.sessions.Update(ctx, session); err != nil {
		return err
	}
	m.releasePausedStep(ctx, session)
	m.bus.Publish(m.topic(session.ID), domain.EventDebugTimedOut, session)
	return nil
}

func randomToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
