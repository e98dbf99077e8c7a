package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lazyaf/lazyaf/internal/domain"
	"github.com/lazyaf/lazyaf/internal/eventbus"
	"github.com/lazyaf/lazyaf/internal/executor"
	"github.com/lazyaf/lazyaf/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunsRunRepo struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*domain.PipelineRun
}

func newFakeRunsRunRepo() *fakeRunsRunRepo {
	return &fakeRunsRunRepo{runs: map[uuid.UUID]*domain.PipelineRun{}}
}

func (r *fakeRunsRunRepo) Create(ctx context.Context, run *domain.PipelineRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = run
	return nil
}
func (r *fakeRunsRunRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.PipelineRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return run, nil
}
func (r *fakeRunsRunRepo) Update(ctx context.Context, run *domain.PipelineRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = run
	return nil
}
func (r *fakeRunsRunRepo) ListNonTerminal(ctx context.Context) ([]*domain.PipelineRun, error) {
	return nil, nil
}
func (r *fakeRunsRunRepo) ListByRepo(ctx context.Context, repoID uuid.UUID, filter repository.RunFilter) ([]*domain.PipelineRun, int, error) {
	return nil, 0, nil
}

type fakeRunsStepRepo struct {
	mu    sync.Mutex
	steps map[uuid.UUID]*domain.Step
}

func newFakeRunsStepRepo() *fakeRunsStepRepo {
	return &fakeRunsStepRepo{steps: map[uuid.UUID]*domain.Step{}}
}

func (r *fakeRunsStepRepo) Create(ctx context.Context, step *domain.Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[step.ID] = step
	return nil
}
func (r *fakeRunsStepRepo) GetByID(ctx context.Context, runID, id uuid.UUID) (*domain.Step, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.steps[id]
	if !ok {
		return nil, domain.ErrStepNotFound
	}
	return s, nil
}
func (r *fakeRunsStepRepo) ListByRun(ctx context.Context, runID uuid.UUID) ([]*domain.Step, error) {
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
func (r *fakeRunsStepRepo) Update(ctx context.Context, step *domain.Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[step.ID] = step
	return nil
}

type fakePipelineRepo struct {
	defs map[uuid.UUID]*domain.PipelineDefinition
}

func (r *fakePipelineRepo) Create(ctx context.Context, def *domain.PipelineDefinition) error {
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

type fakeRunsDispatch struct{}

func (fakeRunsDispatch) Submit(ctx context.Context, step *domain.Step) error { return nil }

func singleStepDef() *domain.PipelineDefinition {
	stepID := uuid.New()
	def := domain.NewPipelineDefinition(uuid.New(), "single", 1)
	def.Steps[stepID] = domain.StepTemplate{ID: stepID, Name: "build", Type: domain.StepTypeShell, Selector: "any"}
	def.Entries = []uuid.UUID{stepID}
	return def
}

func TestRunsHandler_CreateStartsAndReturnsRun(t *testing.T) {
	pipelines := &fakePipelineRepo{defs: map[uuid.UUID]*domain.PipelineDefinition{}}
	def := singleStepDef()
	pipelines.defs[def.ID] = def

	runs := newFakeRunsRunRepo()
	steps := newFakeRunsStepRepo()
	bus := eventbus.New()
	exec := executor.New(runs, steps, pipelines, fakeRunsDispatch{}, bus, nil)

	handler := NewRunsHandler(pipelines, runs, exec, nil)

	body, _ := json.Marshal(map[string]interface{}{
		"repo_id":     uuid.New(),
		"pipeline_id": def.ID,
		"branch":      "main",
	})
	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	handler.Create(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var parsed struct {
		Data domain.PipelineRun `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parsed))
	assert.Equal(t, domain.RunStatusRunning, parsed.Data.Status)
	assert.Equal(t, def.ID, parsed.Data.PipelineID)
}

func TestRunsHandler_CreateUnknownPipelineReturnsNotFound(t *testing.T) {
	pipelines := &fakePipelineRepo{defs: map[uuid.UUID]*domain.PipelineDefinition{}}
	runs := newFakeRunsRunRepo()
	steps := newFakeRunsStepRepo()
	bus := eventbus.New()
	exec := executor.New(runs, steps, pipelines, fakeRunsDispatch{}, bus, nil)

	handler := NewRunsHandler(pipelines, runs, exec, nil)

	body, _ := json.Marshal(map[string]interface{}{
		"repo_id":     uuid.New(),
		"pipeline_id": uuid.New(),
		"branch":      "main",
	})
	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	handler.Create(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunsHandler_CreateInvalidBodyReturnsBadRequest(t *testing.T) {
	handler := NewRunsHandler(&fakePipelineRepo{defs: map[uuid.UUID]*domain.PipelineDefinition{}}, newFakeRunsRunRepo(), nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()

	handler.Create(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func requestWithRunID(runID uuid.UUID) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/runs/"+runID.String()+"/cancel", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("run_id", runID.String())
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestRunsHandler_CancelStopsRunningRun(t *testing.T) {
	pipelines := &fakePipelineRepo{defs: map[uuid.UUID]*domain.PipelineDefinition{}}
	def := singleStepDef()
	pipelines.defs[def.ID] = def

	runs := newFakeRunsRunRepo()
	steps := newFakeRunsStepRepo()
	bus := eventbus.New()
	exec := executor.New(runs, steps, pipelines, fakeRunsDispatch{}, bus, nil)
	handler := NewRunsHandler(pipelines, runs, exec, nil)

	run := domain.NewPipelineRun(uuid.New(), def.ID, def.Version, domain.Trigger{Type: domain.TriggerManual})
	require.NoError(t, runs.Create(context.Background(), run))
	require.NoError(t, exec.Start(context.Background(), run, def))

	rec := httptest.NewRecorder()
	handler.Cancel(rec, requestWithRunID(run.ID))
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := runs.GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, got.Status)
}

func TestRunsHandler_CancelUnknownRunReturnsConflict(t *testing.T) {
	pipelines := &fakePipelineRepo{defs: map[uuid.UUID]*domain.PipelineDefinition{}}
	runs := newFakeRunsRunRepo()
	steps := newFakeRunsStepRepo()
	bus := eventbus.New()
	exec := executor.New(runs, steps, pipelines, fakeRunsDispatch{}, bus, nil)
	handler := NewRunsHandler(pipelines, runs, exec, nil)

	rec := httptest.NewRecorder()
	handler.Cancel(rec, requestWithRunID(uuid.New()))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRunsHandler_CancelInvalidIDReturnsBadRequest(t *testing.T) {
	handler := NewRunsHandler(nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/runs/not-a-uuid/cancel", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("run_id", "not-a-uuid")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rec := httptest.NewRecorder()

	handler.Cancel(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
