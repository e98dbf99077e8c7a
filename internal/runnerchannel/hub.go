package runnerchannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lazyaf/lazyaf/internal/debugsession"
	"github.com/lazyaf/lazyaf/internal/dispatcher"
	"github.com/lazyaf/lazyaf/internal/domain"
	"github.com/lazyaf/lazyaf/internal/eventbus"
	"github.com/lazyaf/lazyaf/internal/executor"
	appmiddleware "github.com/lazyaf/lazyaf/internal/middleware"
	"github.com/lazyaf/lazyaf/internal/registry"
)

// Config controls the connection's liveness policy. Grounded on
// tombee-conductor's handleConnection ping ticker / read-deadline pair.
type Config struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

func DefaultConfig() Config {
	return Config{
		PingInterval: 20 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    10 * time.Second,
	}
}

// Hub is the websocket side of the runner duplex channel (spec §6). It
// implements dispatcher.Sender and is the single place a StepResult frame
// turns into an executor.Executor.HandleStepResult call.
//
// Grounded on tombee-conductor's rpc.Server: an upgrader plus a
// connection-tracking map, with one goroutine per connection driving a
// read loop and a mutex-guarded write path. Unlike that server (which
// tracks anonymous *websocket.Conn keys since its clients never identify
// themselves), connections here are keyed by runner ID once Hello arrives,
// since AssignStep has to address a specific runner.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader
	reg      *registry.Registry
	dispatch *dispatcher.Dispatcher
	exec     *executor.Executor
	debug    *debugsession.Manager
	bus      *eventbus.Bus
	limiter  *appmiddleware.RateLimiter
	logger   *slog.Logger

	mu    sync.RWMutex
	conns map[uuid.UUID]*conn
}

var _ dispatcher.Sender = (*Hub)(nil)

func NewHub(cfg Config, reg *registry.Registry, dispatch *dispatcher.Dispatcher, exec *executor.Executor, debug *debugsession.Manager, bus *eventbus.Bus, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:      cfg,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		reg:      reg,
		dispatch: dispatch,
		exec:     exec,
		debug:    debug,
		bus:      bus,
		logger:   logger,
		conns:    make(map[uuid.UUID]*conn),
	}
}

// SetRateLimiter wires a per-runner Hello/reconnect limiter after
// construction; nil (the default) disables the check.
func (h *Hub) SetRateLimiter(limiter *appmiddleware.RateLimiter) {
	h.limiter = limiter
}

// ServeHTTP upgrades the request and hands the connection to its own
// goroutine. Mount at the runner channel route in the chi router.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("runnerchannel: upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	c := &conn{ws: ws, hub: h}
	c.run(r.Context())
}

func (h *Hub) register(runnerID uuid.UUID, c *conn) {
	h.mu.Lock()
	h.conns[runnerID] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(runnerID uuid.UUID) {
	h.mu.Lock()
	delete(h.conns, runnerID)
	h.mu.Unlock()
}

func (h *Hub) connFor(runnerID uuid.UUID) (*conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[runnerID]
	return c, ok
}

// AssignStep implements dispatcher.Sender.
func (h *Hub) AssignStep(ctx context.Context, runnerID uuid.UUID, step *domain.Step) error {
	c, ok := h.connFor(runnerID)
	if !ok {
		return fmt.Errorf("runnerchannel: no connection for runner %s", runnerID)
	}
	return c.send(Frame{
		Type: FrameAssignStep,
		AssignStep: &AssignStepFrame{
			RunID:          step.RunID,
			StepID:         step.ID,
			Name:           step.Name,
			Type:           string(step.Type),
			Config:         step.Config,
			TimeoutSeconds: step.TimeoutSeconds,
			Branch:         step.Branch,
			PriorContext:   step.PriorContext,
		},
	})
}

// CancelStep requests a graceful stop of an in-flight step. Called by
// executor.Executor.Cancel (run cancellation) and by the Dispatcher's
// per-step execution timeout.
func (h *Hub) CancelStep(ctx context.Context, runnerID, runID, stepID uuid.UUID) error {
	c, ok := h.connFor(runnerID)
	if !ok {
		return fmt.Errorf("runnerchannel: no connection for runner %s", runnerID)
	}
	return c.send(Frame{Type: FrameCancelStep, CancelStep: &StepRefFrame{RunID: runID, StepID: stepID}})
}

// AbortStep requests an immediate, non-graceful stop of an in-flight step.
func (h *Hub) AbortStep(ctx context.Context, runnerID, runID, stepID uuid.UUID) error {
	c, ok := h.connFor(runnerID)
	if !ok {
		return fmt.Errorf("runnerchannel: no connection for runner %s", runnerID)
	}
	return c.send(Frame{Type: FrameAbortStep, AbortStep: &StepRefFrame{RunID: runID, StepID: stepID}})
}

// DebugResume forwards a Manager.Resume decision to the runner holding the
// paused worktree open.
func (h *Hub) DebugResume(ctx context.Context, runnerID, sessionID uuid.UUID) error {
	c, ok := h.connFor(runnerID)
	if !ok {
		return fmt.Errorf("runnerchannel: no connection for runner %s", runnerID)
	}
	return c.send(Frame{Type: FrameDebugResume, DebugResume: &DebugSessionRefFrame{SessionID: sessionID}})
}

// DebugAbort forwards a Manager.Abort decision to the runner.
func (h *Hub) DebugAbort(ctx context.Context, runnerID, sessionID uuid.UUID) error {
	c, ok := h.connFor(runnerID)
	if !ok {
		return fmt.Errorf("runnerchannel: no connection for runner %s", runnerID)
	}
	return c.send(Frame{Type: FrameDebugAbort, DebugAbort: &DebugSessionRefFrame{SessionID: sessionID}})
}

// handle dispatches one inbound frame from a now-registered connection.
func (h *Hub) handle(ctx context.Context, runnerID uuid.UUID, frame Frame) {
	switch frame.Type {
	case FramePong:
		// read deadline reset already happened in the pong handler.
	case FrameAckStep:
		if frame.AckStep == nil {
			return
		}
		if err := h.dispatch.Ack(ctx, frame.AckStep.StepID, runnerID); err != nil {
			h.logger.Warn("runnerchannel: ack rejected", "runner_id", runnerID, "step_id", frame.AckStep.StepID, "error", err)
		}
	case FrameStepLogs:
		if frame.StepLogs == nil {
			return
		}
		topic := domain.Topic{Kind: domain.TopicStepLog, ID: frame.StepLogs.StepID}
		h.bus.Publish(topic, domain.EventStepLogLine, frame.StepLogs)
	case FrameStepResult:
		if frame.StepResult == nil {
			return
		}
		res := frame.StepResult
		h.dispatch.ClearStepTimeout(res.StepID)
		h.exec.HandleStepResultContext(ctx, res.RunID, res.StepID, res.Failed, res.ExitCode, res.Error, res.ProducedBranch, res.ProducedDiff, res.LogTail)
		if err := h.reg.Release(ctx, runnerID); err != nil {
			h.logger.Warn("runnerchannel: release after step result failed", "runner_id", runnerID, "error", err)
		}
	case FrameDebugAtBreakpoint:
		if frame.DebugAtBreakpoint == nil {
			return
		}
		if _, err := h.debug.HandleBreakpointHit(ctx, frame.DebugAtBreakpoint.SessionID, frame.DebugAtBreakpoint.StepIndex); err != nil {
			h.logger.Warn("runnerchannel: breakpoint hit rejected", "session_id", frame.DebugAtBreakpoint.SessionID, "error", err)
		}
	default:
		h.logger.Warn("runnerchannel: unexpected frame from runner", "runner_id", runnerID, "type", frame.Type)
	}
}

// helloAndRegister validates the first frame and admits the runner.
func (h *Hub) helloAndRegister(ctx context.Context, frame Frame) (uuid.UUID, error) {
	if frame.Type != FrameHello || frame.Hello == nil {
		return uuid.UUID{}, errors.New("runnerchannel: first frame must be hello")
	}
	hello := frame.Hello
	if h.limiter != nil && !h.limiter.AllowRunnerHello(ctx, hello.RunnerID) {
		return uuid.UUID{}, fmt.Errorf("runnerchannel: runner %s hello rate limit exceeded", hello.RunnerID)
	}
	if _, err := h.reg.Register(ctx, hello.RunnerID, hello.Name, hello.RunnerType, hello.Labels); err != nil {
		if errors.Is(err, domain.ErrRunnerDuplicateRegistration) {
			// A reconnect after a dropped TCP connection without a clean
			// Disconnect: release the stale state and retry once.
			_ = h.reg.Disconnect(ctx, hello.RunnerID)
			if _, err2 := h.reg.Register(ctx, hello.RunnerID, hello.Name, hello.RunnerType, hello.Labels); err2 != nil {
				return uuid.UUID{}, err2
			}
		} else {
			return uuid.UUID{}, err
		}
	}
	if err := h.reg.MarkIdle(ctx, hello.RunnerID); err != nil {
		return uuid.UUID{}, err
	}
	return hello.RunnerID, nil
}

func encodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}
