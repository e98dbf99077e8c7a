package runnerchannel

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lazyaf/lazyaf/internal/debugsession"
	"github.com/lazyaf/lazyaf/internal/dispatcher"
	"github.com/lazyaf/lazyaf/internal/domain"
	"github.com/lazyaf/lazyaf/internal/eventbus"
	"github.com/lazyaf/lazyaf/internal/executor"
	"github.com/lazyaf/lazyaf/internal/registry"
	"github.com/lazyaf/lazyaf/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes, mirroring the shapes dispatcher_test.go/executor_test.go use ---

type fakeQueue struct {
	mu    sync.Mutex
	items []dispatcher.ReadyItem
}

func (q *fakeQueue) Enqueue(ctx context.Context, item dispatcher.ReadyItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return nil
}
func (q *fakeQueue) Requeue(ctx context.Context, item dispatcher.ReadyItem) error {
	return q.Enqueue(ctx, item)
}
func (q *fakeQueue) Dequeue(ctx context.Context, timeout time.Duration) (*dispatcher.ReadyItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	return &item, nil
}

type fakeRunnerStore struct {
	mu      sync.Mutex
	runners map[uuid.UUID]*domain.Runner
}

func newFakeRunnerStore() *fakeRunnerStore {
	return &fakeRunnerStore{runners: map[uuid.UUID]*domain.Runner{}}
}
func (f *fakeRunnerStore) Upsert(ctx context.Context, r *domain.Runner) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	f.runners[r.ID] = &cp
	return nil
}
func (f *fakeRunnerStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runners[id], nil
}
func (f *fakeRunnerStore) List(ctx context.Context) ([]*domain.Runner, error) { return nil, nil }
func (f *fakeRunnerStore) MarkDeadBefore(ctx context.Context, deadline time.Time) (int, error) {
	return 0, nil
}

type fakeStepRepo struct {
	mu    sync.Mutex
	steps map[uuid.UUID]*domain.Step
}

func newFakeStepRepo() *fakeStepRepo { return &fakeStepRepo{steps: map[uuid.UUID]*domain.Step{}} }
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
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Step
	for _, s := range r.steps {
		if s.RunID == runID {
			out = append(out, s)
		}
	}
	return out, nil
}
func (r *fakeStepRepo) Update(ctx context.Context, step *domain.Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[step.ID] = step
	return nil
}

type fakeRunRepo struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*domain.PipelineRun
}

func newFakeRunRepo() *fakeRunRepo { return &fakeRunRepo{runs: map[uuid.UUID]*domain.PipelineRun{}} }
func (r *fakeRunRepo) Create(ctx context.Context, run *domain.PipelineRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = run
	return nil
}
func (r *fakeRunRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.PipelineRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return run, nil
}
func (r *fakeRunRepo) Update(ctx context.Context, run *domain.PipelineRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = run
	return nil
}
func (r *fakeRunRepo) ListNonTerminal(ctx context.Context) ([]*domain.PipelineRun, error) {
	return nil, nil
}
func (r *fakeRunRepo) ListByRepo(ctx context.Context, repoID uuid.UUID, filter repository.RunFilter) ([]*domain.PipelineRun, int, error) {
	return nil, 0, nil
}

type fakePipelineRepo struct {
	defs map[uuid.UUID]*domain.PipelineDefinition
}

func (r *fakePipelineRepo) Create(ctx context.Context, def *domain.PipelineDefinition) error {
	r.defs[def.ID] = def
	return nil
}
func (r *fakePipelineRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.PipelineDefinition, error) {
	def, ok := r.defs[id]
	if !ok {
		return nil, domain.ErrPipelineNotFound
	}
	return def, nil
}
func (r *fakePipelineRepo) GetByIDAndVersion(ctx context.Context, id uuid.UUID, version int) (*domain.PipelineDefinition, error) {
	return r.GetByID(ctx, id)
}
func (r *fakePipelineRepo) ListByRepo(ctx context.Context, repoID uuid.UUID) ([]*domain.PipelineDefinition, error) {
	return nil, nil
}

type fakeGit struct{}

func (fakeGit) Merge(ctx context.Context, runID uuid.UUID, branch string) error { return nil }

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*domain.DebugSession
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: map[uuid.UUID]*domain.DebugSession{}}
}
func (r *fakeSessionRepo) Create(ctx context.Context, s *domain.DebugSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	return nil
}
func (r *fakeSessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.DebugSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrDebugSessionNotFound
	}
	return s, nil
}
func (r *fakeSessionRepo) GetByRunID(ctx context.Context, runID uuid.UUID) (*domain.DebugSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.RunID == runID {
			return s, nil
		}
	}
	return nil, domain.ErrDebugSessionNotFound
}
func (r *fakeSessionRepo) Update(ctx context.Context, s *domain.DebugSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	return nil
}
func (r *fakeSessionRepo) ListNonTerminal(ctx context.Context) ([]*domain.DebugSession, error) {
	return nil, nil
}

// --- test harness ---

type harness struct {
	hub   *Hub
	reg   *registry.Registry
	dsp   *dispatcher.Dispatcher
	exec  *executor.Executor
	steps *fakeStepRepo
	queue *fakeQueue
	bus   *eventbus.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bus := eventbus.New()
	reg := registry.New(registry.DefaultConfig(), newFakeRunnerStore(), bus)
	steps := newFakeStepRepo()
	queue := &fakeQueue{}

	runs := newFakeRunRepo()
	pipelines := &fakePipelineRepo{defs: map[uuid.UUID]*domain.PipelineDefinition{}}

	hub := NewHub(DefaultConfig(), reg, nil, nil, nil, bus, nil)
	dsp := dispatcher.New(dispatcher.Config{AckDeadline: time.Second, MaxAssignRetries: 2, PollTimeout: time.Millisecond, StepDefaultTimeout: time.Minute, StepTimeoutGrace: time.Second}, queue, reg, bus, steps, hub)
	exec := executor.New(runs, steps, pipelines, dsp, bus, fakeGit{})
	debug := debugsession.New(debugsession.DefaultConfig(), newFakeSessionRepo(), steps, bus)

	hub.dispatch = dsp
	hub.exec = exec
	hub.debug = debug

	return &harness{hub: hub, reg: reg, dsp: dsp, exec: exec, steps: steps, queue: queue, bus: bus}
}

func dialHub(t *testing.T, hub *Hub) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(hub)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func TestHub_HelloRegistersRunnerAsIdle(t *testing.T) {
	h := newHarness(t)
	conn, cleanup := dialHub(t, h.hub)
	defer cleanup()

	runnerID := uuid.New()
	require.NoError(t, conn.WriteJSON(Frame{Type: FrameHello, Hello: &HelloFrame{RunnerID: runnerID, Name: "r1", RunnerType: "shell"}}))

	require.Eventually(t, func() bool {
		runner, ok := h.reg.Get(runnerID)
		return ok && runner.State == domain.RunnerStateIdle
	}, time.Second, 5*time.Millisecond)
}

func TestHub_AssignStepThenAckCompletesHandoff(t *testing.T) {
	h := newHarness(t)
	conn, cleanup := dialHub(t, h.hub)
	defer cleanup()

	runnerID := uuid.New()
	require.NoError(t, conn.WriteJSON(Frame{Type: FrameHello, Hello: &HelloFrame{RunnerID: runnerID, Name: "r1", RunnerType: "shell"}}))
	require.Eventually(t, func() bool {
		runner, ok := h.reg.Get(runnerID)
		return ok && runner.State == domain.RunnerStateIdle
	}, time.Second, 5*time.Millisecond)

	step := domain.NewStep(uuid.New(), 0, domain.StepTemplate{ID: uuid.New(), Type: domain.StepTypeShell, Selector: "any"})
	require.NoError(t, h.steps.Create(context.Background(), step))
	require.NoError(t, h.queue.Enqueue(context.Background(), dispatcher.ReadyItem{StepID: step.ID, RunID: step.RunID, Selector: "any"}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go h.dsp.Run(ctx)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var assignFrame Frame
	require.NoError(t, conn.ReadJSON(&assignFrame))
	require.Equal(t, FrameAssignStep, assignFrame.Type)
	require.NotNil(t, assignFrame.AssignStep)
	assert.Equal(t, step.ID, assignFrame.AssignStep.StepID)

	require.NoError(t, conn.WriteJSON(Frame{Type: FrameAckStep, AckStep: &StepRefFrame{RunID: step.RunID, StepID: step.ID}}))

	require.Eventually(t, func() bool {
		runner, ok := h.reg.Get(runnerID)
		return ok && runner.State == domain.RunnerStateBusy
	}, time.Second, 5*time.Millisecond)
}

func TestHub_StepResultReleasesRunner(t *testing.T) {
	h := newHarness(t)
	conn, cleanup := dialHub(t, h.hub)
	defer cleanup()

	runnerID := uuid.New()
	require.NoError(t, conn.WriteJSON(Frame{Type: FrameHello, Hello: &HelloFrame{RunnerID: runnerID, Name: "r1", RunnerType: "shell"}}))
	require.Eventually(t, func() bool {
		runner, ok := h.reg.Get(runnerID)
		return ok && runner.State == domain.RunnerStateIdle
	}, time.Second, 5*time.Millisecond)

	runID, stepID := uuid.New(), uuid.New()
	require.NoError(t, conn.WriteJSON(Frame{Type: FrameStepResult, StepResult: &StepResultFrame{RunID: runID, StepID: stepID, Failed: false, ExitCode: 0}}))

	require.Eventually(t, func() bool {
		runner, ok := h.reg.Get(runnerID)
		return ok && runner.State == domain.RunnerStateIdle
	}, time.Second, 5*time.Millisecond)
}

func TestHub_AssignStepFailsWithNoConnection(t *testing.T) {
	h := newHarness(t)
	err := h.hub.AssignStep(context.Background(), uuid.New(), domain.NewStep(uuid.New(), 0, domain.StepTemplate{ID: uuid.New()}))
	assert.Error(t, err)
}
