// Package dispatcher implements the Step Dispatcher (spec §4.2): it pulls
// ready steps off the queue, picks an eligible idle runner, and drives the
// two-phase assign/ack handoff with retry and rollback on timeout.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/lazyaf/lazyaf/internal/domain"
	"github.com/lazyaf/lazyaf/internal/eventbus"
	"github.com/lazyaf/lazyaf/internal/executor"
	"github.com/lazyaf/lazyaf/internal/registry"
	"github.com/lazyaf/lazyaf/internal/repository"
)

// Config controls dispatch retry/timeout policy.
type Config struct {
	AckDeadline      time.Duration
	MaxAssignRetries int
	PollTimeout      time.Duration

	// StepDefaultTimeout is the wall-clock budget for a busy step whose
	// template leaves timeout_seconds unset (spec §5, step_default_timeout_s).
	StepDefaultTimeout time.Duration
	// StepTimeoutGrace is how long a timed-out step gets to terminate after
	// CancelStep before it is force-failed regardless of what the runner
	// eventually reports.
	StepTimeoutGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		AckDeadline:        10 * time.Second,
		MaxAssignRetries:   3,
		PollTimeout:        5 * time.Second,
		StepDefaultTimeout: 300 * time.Second,
		StepTimeoutGrace:   10 * time.Second,
	}
}

// Sender delivers the AssignStep/CancelStep messages over a runner's duplex
// channel. Implemented by the websocket transport layer; kept as an
// interface here so the dispatcher has no transport dependency, matching
// the teacher's separation between internal/engine (execution) and
// internal/handler (transport).
type Sender interface {
	AssignStep(ctx context.Context, runnerID uuid.UUID, step *domain.Step) error
	CancelStep(ctx context.Context, runnerID, runID, stepID uuid.UUID) error
}

// pendingAck tracks a step in the assign->ack window.
type pendingAck struct {
	runnerID uuid.UUID
	runID    uuid.UUID
	timer    *time.Timer
}

// readyQueuer is the subset of *ReadyQueue the dispatch loop needs,
// narrowed to an interface so tests can substitute an in-memory fake
// instead of a real Redis instance.
type readyQueuer interface {
	Enqueue(ctx context.Context, item ReadyItem) error
	Dequeue(ctx context.Context, timeout time.Duration) (*ReadyItem, error)
	Requeue(ctx context.Context, item ReadyItem) error
}

// Dispatcher drives the ready-queue -> runner handoff loop.
type Dispatcher struct {
	cfg      Config
	queue    readyQueuer
	reg      *registry.Registry
	bus      *eventbus.Bus
	steps    repository.StepRepository
	sender   Sender
	exec     *executor.Executor

	mu       sync.Mutex
	pending  map[uuid.UUID]*pendingAck  // stepID -> pending ack
	timeouts map[uuid.UUID]*time.Timer  // stepID -> execution-timeout timer, once busy
}

func New(cfg Config, queue readyQueuer, reg *registry.Registry, bus *eventbus.Bus, steps repository.StepRepository, sender Sender) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		queue:    queue,
		reg:      reg,
		bus:      bus,
		steps:    steps,
		sender:   sender,
		pending:  make(map[uuid.UUID]*pendingAck),
		timeouts: make(map[uuid.UUID]*time.Timer),
	}
}

// SetSender assigns the sender after construction, for callers that build
// the dispatcher before its transport hub exists (the hub itself needs a
// *Dispatcher to forward runner acks/results to). Must be called before
// Run starts pulling from the queue.
func (d *Dispatcher) SetSender(sender Sender) {
	d.sender = sender
}

// SetExec wires the executor after construction, mirroring SetSender: the
// executor is constructed with this Dispatcher as its Dispatchable, so it
// can't be passed to New.
func (d *Dispatcher) SetExec(exec *executor.Executor) {
	d.exec = exec
}

// Submit enqueues a ready step for dispatch (called by the executor once a
// step's inbound edges are satisfied).
func (d *Dispatcher) Submit(ctx context.Context, step *domain.Step) error {
	return d.queue.Enqueue(ctx, ReadyItem{
		StepID:         step.ID,
		RunID:          step.RunID,
		Selector:       step.Selector,
		LabelPredicate: step.LabelPredicate,
	})
}

// Run drains the ready queue until ctx is cancelled, assigning each step to
// an eligible idle runner as one becomes available.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		item, err := d.queue.Dequeue(ctx, d.cfg.PollTimeout)
		if err != nil {
			slog.Error("dispatcher: dequeue failed", "error", err)
			continue
		}
		if item == nil {
			continue
		}
		d.tryAssign(ctx, *item)
	}
}

func (d *Dispatcher) tryAssign(ctx context.Context, item ReadyItem) {
	idle := d.reg.SelectIdle(item.Selector, item.LabelPredicate)
	if len(idle) == 0 {
		// No eligible runner right now; go back to the front of the queue.
		if err := d.queue.Requeue(ctx, item); err != nil {
			slog.Error("dispatcher: requeue failed", "step_id", item.StepID, "error", err)
		}
		return
	}
	runner := idle[0]

	step, err := d.steps.GetByID(ctx, item.RunID, item.StepID)
	if err != nil {
		slog.Error("dispatcher: load step failed", "step_id", item.StepID, "error", err)
		return
	}
	if step.State.Terminal() {
		return // cancelled while waiting in queue
	}

	if err := d.reg.Assign(ctx, runner.ID, step.ID); err != nil {
		// runner got claimed by someone else between SelectIdle and Assign
		if err := d.queue.Requeue(ctx, item); err != nil {
			slog.Error("dispatcher: requeue after assign race failed", "step_id", item.StepID, "error", err)
		}
		return
	}

	d.handoff(ctx, step, runner.ID)
}

func (d *Dispatcher) handoff(ctx context.Context, step *domain.Step, runnerID uuid.UUID) {
	step.MarkDispatched(runnerID)
	if err := d.steps.Update(ctx, step); err != nil {
		slog.Error("dispatcher: persist dispatched step failed", "step_id", step.ID, "error", err)
	}
	d.bus.Publish(domain.Topic{Kind: domain.TopicRunState, ID: step.RunID}, domain.EventRunStepStarted, step)

	if err := d.sender.AssignStep(ctx, runnerID, step); err != nil {
		slog.Warn("dispatcher: AssignStep send failed, rolling back", "step_id", step.ID, "runner_id", runnerID, "error", err)
		d.rollback(ctx, step, runnerID)
		return
	}

	timer := time.AfterFunc(d.cfg.AckDeadline, func() {
		d.onAckTimeout(context.Background(), step.ID, step.RunID, runnerID)
	})
	d.mu.Lock()
	d.pending[step.ID] = &pendingAck{runnerID: runnerID, runID: step.RunID, timer: timer}
	d.mu.Unlock()
}

// Ack is called by the transport layer when a runner's AckStep message
// arrives, completing phase two of the handoff: the step moves to busy and
// its per-step execution-timeout clock (spec §5, step_default_timeout_s)
// starts.
func (d *Dispatcher) Ack(ctx context.Context, stepID uuid.UUID, runnerID uuid.UUID) error {
	d.mu.Lock()
	p, ok := d.pending[stepID]
	if ok {
		p.timer.Stop()
		delete(d.pending, stepID)
	}
	d.mu.Unlock()
	if !ok || p.runnerID != runnerID {
		return domain.ErrStepNotDispatched
	}
	if err := d.reg.Ack(ctx, runnerID, stepID); err != nil {
		return err
	}

	step, err := d.steps.GetByID(ctx, p.runID, stepID)
	if err != nil {
		slog.Error("dispatcher: load step on ack failed", "step_id", stepID, "error", err)
		return nil
	}
	step.MarkBusy()
	if err := d.steps.Update(ctx, step); err != nil {
		slog.Error("dispatcher: persist busy step failed", "step_id", stepID, "error", err)
	}
	d.startStepTimeout(step, runnerID)
	return nil
}

// startStepTimeout arms a step's wall-clock execution budget, falling back
// to StepDefaultTimeout when the template declared none.
func (d *Dispatcher) startStepTimeout(step *domain.Step, runnerID uuid.UUID) {
	timeout := d.cfg.StepDefaultTimeout
	if step.TimeoutSeconds > 0 {
		timeout = time.Duration(step.TimeoutSeconds) * time.Second
	}
	runID, stepID := step.RunID, step.ID
	timer := time.AfterFunc(timeout, func() {
		d.onStepTimeout(context.Background(), runID, stepID, runnerID)
	})
	d.mu.Lock()
	d.timeouts[stepID] = timer
	d.mu.Unlock()
}

// ClearStepTimeout stops a step's execution-timeout clock once its result
// arrives through the ordinary path, before the timeout ever fires.
func (d *Dispatcher) ClearStepTimeout(stepID uuid.UUID) {
	d.mu.Lock()
	timer, ok := d.timeouts[stepID]
	delete(d.timeouts, stepID)
	d.mu.Unlock()
	if ok {
		timer.Stop()
	}
}

// onStepTimeout fires when a busy step exceeds its wall-clock budget: it
// sends CancelStep, and if the runner doesn't terminate within the grace
// window, force-fails the step regardless of whatever the runner eventually
// reports — handleStepResult's terminal-step check discards that late
// reply, since this call already moved the step to its terminal state.
func (d *Dispatcher) onStepTimeout(ctx context.Context, runID, stepID, runnerID uuid.UUID) {
	d.mu.Lock()
	_, ok := d.timeouts[stepID]
	delete(d.timeouts, stepID)
	d.mu.Unlock()
	if !ok {
		return // cleared already: the step finished through the normal path
	}

	if d.sender != nil {
		if err := d.sender.CancelStep(ctx, runnerID, runID, stepID); err != nil {
			slog.Warn("dispatcher: send cancel for timed-out step failed", "step_id", stepID, "runner_id", runnerID, "error", err)
		}
	}

	time.Sleep(d.cfg.StepTimeoutGrace)

	if d.exec != nil {
		d.exec.HandleStepResult(ctx, runID, stepID, true, -1, "Timeout")
	}
}

func (d *Dispatcher) onAckTimeout(ctx context.Context, stepID, runID, runnerID uuid.UUID) {
	d.mu.Lock()
	_, ok := d.pending[stepID]
	delete(d.pending, stepID)
	d.mu.Unlock()
	if !ok {
		return // already acked
	}

	step, err := d.steps.GetByID(ctx, runID, stepID)
	if err != nil {
		slog.Error("dispatcher: load step on ack timeout failed", "step_id", stepID, "error", err)
		return
	}
	d.rollback(ctx, step, runnerID)
}

func (d *Dispatcher) rollback(ctx context.Context, step *domain.Step, runnerID uuid.UUID) {
	step.RollbackDispatch()
	if err := d.reg.Release(ctx, runnerID); err != nil {
		slog.Error("dispatcher: release runner after rollback failed", "runner_id", runnerID, "error", err)
	}

	if step.AssignAttempts >= d.cfg.MaxAssignRetries {
		step.Fail("exceeded max_assign_retries without an ack")
		if err := d.steps.Update(ctx, step); err != nil {
			slog.Error("dispatcher: persist failed step failed", "step_id", step.ID, "error", err)
		}
		d.bus.Publish(domain.Topic{Kind: domain.TopicRunState, ID: step.RunID}, domain.EventRunStepDone, step)
		return
	}

	if err := d.steps.Update(ctx, step); err != nil {
		slog.Error("dispatcher: persist rolled-back step failed", "step_id", step.ID, "error", err)
	}

	// Back off briefly before re-queuing, grounded on cenkalti/backoff's
	// exponential policy rather than a fixed sleep.
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	b.Reset()
	wait := b.NextBackOff()
	if wait == backoff.Stop {
		wait = 0
	}
	time.AfterFunc(wait, func() {
		_ = d.queue.Enqueue(context.Background(), ReadyItem{
			StepID:         step.ID,
			RunID:          step.RunID,
			Selector:       step.Selector,
			LabelPredicate: step.LabelPredicate,
		})
	})
}
