package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lazyaf/lazyaf/internal/domain"
	"github.com/lazyaf/lazyaf/internal/eventbus"
	"github.com/lazyaf/lazyaf/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	mu    sync.Mutex
	items []ReadyItem
}

func (q *fakeQueue) Enqueue(ctx context.Context, item ReadyItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return nil
}

func (q *fakeQueue) Requeue(ctx context.Context, item ReadyItem) error {
	return q.Enqueue(ctx, item)
}

func (q *fakeQueue) Dequeue(ctx context.Context, timeout time.Duration) (*ReadyItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	return &item, nil
}

type fakeStepRepo struct {
	mu    sync.Mutex
	steps map[uuid.UUID]*domain.Step
}

func newFakeStepRepo() *fakeStepRepo { return &fakeStepRepo{steps: make(map[uuid.UUID]*domain.Step)} }

func (r *fakeStepRepo) Create(ctx context.Context, step *domain.Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[step.ID] = step
	return nil
}
func (r *fakeStepRepo) GetByID(ctx context.Context, runID, id uuid.UUID) (*domain.Step, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.steps[id]
	if !ok {
		return nil, domain.ErrStepNotFound
	}
	return s, nil
}
func (r *fakeStepRepo) ListByRun(ctx context.Context, runID uuid.UUID) ([]*domain.Step, error) {
	return nil, nil
}
func (r *fakeStepRepo) Update(ctx context.Context, step *domain.Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[step.ID] = step
	return nil
}

type fakeRunnerStore struct{ runners map[uuid.UUID]*domain.Runner }

func newFakeRunnerStore() *fakeRunnerStore { return &fakeRunnerStore{runners: map[uuid.UUID]*domain.Runner{}} }
func (f *fakeRunnerStore) Upsert(ctx context.Context, r *domain.Runner) error {
	cp := *r
	f.runners[r.ID] = &cp
	return nil
}
func (f *fakeRunnerStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Runner, error) {
	return f.runners[id], nil
}
func (f *fakeRunnerStore) List(ctx context.Context) ([]*domain.Runner, error) { return nil, nil }
func (f *fakeRunnerStore) MarkDeadBefore(ctx context.Context, deadline time.Time) (int, error) {
	return 0, nil
}

type fakeSender struct {
	mu       sync.Mutex
	assigned []uuid.UUID
	fail     bool
}

func (s *fakeSender) AssignStep(ctx context.Context, runnerID uuid.UUID, step *domain.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return assertErr
	}
	s.assigned = append(s.assigned, runnerID)
	return nil
}

func (s *fakeSender) CancelStep(ctx context.Context, runnerID, runID, stepID uuid.UUID) error {
	return nil
}

var assertErr = domain.ErrRunnerNotFound

func setup(t *testing.T) (*Dispatcher, *registry.Registry, *fakeStepRepo, *fakeSender, *fakeQueue) {
	t.Helper()
	bus := eventbus.New()
	reg := registry.New(registry.DefaultConfig(), newFakeRunnerStore(), bus)
	steps := newFakeStepRepo()
	sender := &fakeSender{}
	queue := &fakeQueue{}
	cfg := Config{AckDeadline: 50 * time.Millisecond, MaxAssignRetries: 2, PollTimeout: time.Millisecond, StepDefaultTimeout: time.Minute, StepTimeoutGrace: time.Second}
	d := New(cfg, queue, reg, bus, steps, sender)
	return d, reg, steps, sender, queue
}

func TestDispatcher_AssignsReadyStepToIdleRunner(t *testing.T) {
	d, reg, steps, sender, queue := setup(t)
	ctx := context.Background()

	runnerID := uuid.New()
	_, err := reg.Register(ctx, runnerID, "r1", "shell", nil)
	require.NoError(t, err)
	require.NoError(t, reg.MarkIdle(ctx, runnerID))

	step := domain.NewStep(uuid.New(), 0, domain.StepTemplate{ID: uuid.New(), Type: domain.StepTypeShell, Selector: "any"})
	require.NoError(t, steps.Create(ctx, step))
	require.NoError(t, queue.Enqueue(ctx, ReadyItem{StepID: step.ID, RunID: step.RunID, Selector: "any"}))

	item, err := queue.Dequeue(ctx, time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, item)
	d.tryAssign(ctx, *item)

	sender.mu.Lock()
	assert.Contains(t, sender.assigned, runnerID)
	sender.mu.Unlock()

	got, err := steps.GetByID(ctx, step.RunID, step.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepStateDispatched, got.State)
}

func TestDispatcher_AckCompletesHandoff(t *testing.T) {
	d, reg, steps, _, queue := setup(t)
	ctx := context.Background()

	runnerID := uuid.New()
	_, _ = reg.Register(ctx, runnerID, "r1", "shell", nil)
	require.NoError(t, reg.MarkIdle(ctx, runnerID))

	step := domain.NewStep(uuid.New(), 0, domain.StepTemplate{ID: uuid.New(), Type: domain.StepTypeShell, Selector: "any"})
	require.NoError(t, steps.Create(ctx, step))
	require.NoError(t, queue.Enqueue(ctx, ReadyItem{StepID: step.ID, RunID: step.RunID, Selector: "any"}))
	item, _ := queue.Dequeue(ctx, time.Millisecond)
	d.tryAssign(ctx, *item)

	require.NoError(t, d.Ack(ctx, step.ID, runnerID))
	runner, _ := reg.Get(runnerID)
	assert.Equal(t, domain.RunnerStateBusy, runner.State)
}

func TestDispatcher_AckTimeoutRollsBackAndRetries(t *testing.T) {
	d, reg, steps, _, queue := setup(t)
	ctx := context.Background()

	runnerID := uuid.New()
	_, _ = reg.Register(ctx, runnerID, "r1", "shell", nil)
	require.NoError(t, reg.MarkIdle(ctx, runnerID))

	step := domain.NewStep(uuid.New(), 0, domain.StepTemplate{ID: uuid.New(), Type: domain.StepTypeShell, Selector: "any"})
	require.NoError(t, steps.Create(ctx, step))
	require.NoError(t, queue.Enqueue(ctx, ReadyItem{StepID: step.ID, RunID: step.RunID, Selector: "any"}))
	item, _ := queue.Dequeue(ctx, time.Millisecond)
	d.tryAssign(ctx, *item)

	time.Sleep(500 * time.Millisecond) // past AckDeadline + backoff

	runner, _ := reg.Get(runnerID)
	assert.Equal(t, domain.RunnerStateIdle, runner.State)

	got, err := steps.GetByID(ctx, step.RunID, step.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepStateReady, got.State)

	queue.mu.Lock()
	assert.Len(t, queue.items, 1)
	queue.mu.Unlock()
}
