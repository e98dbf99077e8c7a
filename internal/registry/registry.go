// Package registry implements the Runner Registry & Heartbeat Monitor
// (spec §4.1): the in-memory authority on which runners exist and what
// state they're in, plus a background sweep that kills runners whose
// heartbeat has gone stale.
//
// Grounded on the teacher's internal/engine.EventBroadcaster for the
// subscriber/mutex shape, and on pkg/database's Config/NewPool pattern for
// how the owning service wires a repository.Store + reconciliation loop.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lazyaf/lazyaf/internal/domain"
	"github.com/lazyaf/lazyaf/internal/eventbus"
	"github.com/lazyaf/lazyaf/internal/repository"
)

// Config controls heartbeat liveness policy.
type Config struct {
	HeartbeatDeadline time.Duration
	SweepInterval     time.Duration
}

// DefaultConfig mirrors the teacher's DefaultConfig() idiom.
func DefaultConfig() Config {
	return Config{
		HeartbeatDeadline: 30 * time.Second,
		SweepInterval:     10 * time.Second,
	}
}

// Registry is the single-process authority over Runner state. All methods
// are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	runners map[uuid.UUID]*domain.Runner

	cfg   Config
	store repository.RunnerRepository
	bus   *eventbus.Bus
}

// New creates a Registry backed by store for durability and bus for
// publishing runner.* events onto the runner_state topic.
func New(cfg Config, store repository.RunnerRepository, bus *eventbus.Bus) *Registry {
	return &Registry{
		runners: make(map[uuid.UUID]*domain.Runner),
		cfg:     cfg,
		store:   store,
		bus:     bus,
	}
}

func (r *Registry) topic(id uuid.UUID) domain.Topic {
	return domain.Topic{Kind: domain.TopicRunnerState, ID: id}
}

// Register admits a new runner connection, persists it, and publishes
// runner.connected. A known id is re-admitted only if that runner is dead
// or disconnected; otherwise it is rejected as a duplicate.
func (r *Registry) Register(ctx context.Context, id uuid.UUID, name, runnerType string, labels map[string]string) (*domain.Runner, error) {
	r.mu.Lock()
	if existing, exists := r.runners[id]; exists &&
		existing.State != domain.RunnerStateDead && existing.State != domain.RunnerStateDisconnected {
		r.mu.Unlock()
		return nil, domain.ErrRunnerDuplicateRegistration
	}
	runner := domain.NewRunner(id, name, runnerType, labels)
	r.runners[id] = runner
	r.mu.Unlock()

	if err := r.store.Upsert(ctx, runner); err != nil {
		return nil, err
	}
	r.bus.Publish(r.topic(id), domain.EventRunnerConnected, runner)
	slog.Info("runner registered", "runner_id", id, "runner_type", runnerType)
	return runner, nil
}

// Heartbeat records liveness for a connected runner.
func (r *Registry) Heartbeat(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	runner, ok := r.runners[id]
	if !ok {
		r.mu.Unlock()
		return domain.ErrRunnerNotFound
	}
	runner.Heartbeat(time.Now().UTC())
	r.mu.Unlock()

	r.bus.Publish(r.topic(id), domain.EventRunnerHeartbeat, runner)
	return r.store.Upsert(ctx, runner)
}

// MarkIdle transitions a runner into idle, making it eligible for dispatch.
func (r *Registry) MarkIdle(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	runner, ok := r.runners[id]
	if !ok {
		r.mu.Unlock()
		return domain.ErrRunnerNotFound
	}
	runner.MarkIdle(time.Now().UTC())
	r.mu.Unlock()
	return r.store.Upsert(ctx, runner)
}

// Assign reserves an idle runner for a step (the Dispatcher's phase one).
func (r *Registry) Assign(ctx context.Context, id, stepID uuid.UUID) error {
	r.mu.Lock()
	runner, ok := r.runners[id]
	if !ok {
		r.mu.Unlock()
		return domain.ErrRunnerNotFound
	}
	err := runner.Assign(stepID)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.store.Upsert(ctx, runner)
}

// Ack confirms the runner has taken the step (the Dispatcher's phase two).
func (r *Registry) Ack(ctx context.Context, id, stepID uuid.UUID) error {
	r.mu.Lock()
	runner, ok := r.runners[id]
	if !ok {
		r.mu.Unlock()
		return domain.ErrRunnerNotFound
	}
	err := runner.Ack(stepID)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.store.Upsert(ctx, runner)
}

// Release returns a runner to idle after it completes or drops a step.
func (r *Registry) Release(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	runner, ok := r.runners[id]
	if !ok {
		r.mu.Unlock()
		return domain.ErrRunnerNotFound
	}
	runner.Release(time.Now().UTC())
	r.mu.Unlock()
	return r.store.Upsert(ctx, runner)
}

// Disconnect marks an explicit close from the runner's duplex channel.
func (r *Registry) Disconnect(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	runner, ok := r.runners[id]
	if !ok {
		r.mu.Unlock()
		return domain.ErrRunnerNotFound
	}
	runner.Disconnect(time.Now().UTC())
	r.mu.Unlock()

	r.bus.Publish(r.topic(id), domain.EventRunnerDisconnected, runner)
	return r.store.Upsert(ctx, runner)
}

// Get returns a snapshot copy of the runner's current state.
func (r *Registry) Get(id uuid.UUID) (domain.Runner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	runner, ok := r.runners[id]
	if !ok {
		return domain.Runner{}, false
	}
	return *runner, true
}

// FindByStep returns the runner currently holding stepID, if any — used by
// the debug session HTTP surface to address a DebugResume/DebugAbort frame
// at the right connection once Manager has updated the session's own state.
func (r *Registry) FindByStep(stepID uuid.UUID) (domain.Runner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, runner := range r.runners {
		if runner.CurrentStepID != nil && *runner.CurrentStepID == stepID {
			return *runner, true
		}
	}
	return domain.Runner{}, false
}

// SelectIdle returns every idle runner matching selector/labelPredicate,
// ordered by LastIdleSince ascending, then by id — the Dispatcher's
// deterministic tie-break (spec §4.2: oldest-idle-first).
func (r *Registry) SelectIdle(selector string, labelPredicate map[string]string) []domain.Runner {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matches []domain.Runner
	for _, runner := range r.runners {
		if runner.State != domain.RunnerStateIdle {
			continue
		}
		if !runner.MatchesSelector(selector, labelPredicate) {
			continue
		}
		matches = append(matches, *runner)
	}
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && (matches[j].LastIdleSince.Before(matches[j-1].LastIdleSince) ||
			matches[j].LastIdleSince.Equal(matches[j-1].LastIdleSince) && matches[j].ID.String() < matches[j-1].ID.String()); j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
	return matches
}

// RunSweep runs the heartbeat monitor until ctx is cancelled, marking dead
// any runner whose last heartbeat exceeds cfg.HeartbeatDeadline.
func (r *Registry) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Registry) sweepOnce(ctx context.Context) {
	now := time.Now().UTC()
	var deadened []*domain.Runner

	r.mu.Lock()
	for _, runner := range r.runners {
		if runner.State == domain.RunnerStateDead || runner.State == domain.RunnerStateDisconnected {
			continue
		}
		if runner.Expired(now, r.cfg.HeartbeatDeadline) {
			runner.Dead(now)
			deadened = append(deadened, runner)
		}
	}
	r.mu.Unlock()

	for _, runner := range deadened {
		slog.Warn("runner heartbeat expired, marking dead", "runner_id", runner.ID)
		r.bus.Publish(r.topic(runner.ID), domain.EventRunnerDisconnected, runner)
		if err := r.store.Upsert(ctx, runner); err != nil {
			slog.Error("failed to persist dead runner", "runner_id", runner.ID, "error", err)
		}
	}
}
