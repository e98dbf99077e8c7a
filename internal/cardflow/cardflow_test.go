package cardflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lazyaf/lazyaf/internal/domain"
	"github.com/lazyaf/lazyaf/internal/eventbus"
	"github.com/lazyaf/lazyaf/internal/executor"
	"github.com/lazyaf/lazyaf/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCardRepo struct {
	mu    sync.Mutex
	cards map[uuid.UUID]*domain.Card
}

func newFakeCardRepo() *fakeCardRepo { return &fakeCardRepo{cards: map[uuid.UUID]*domain.Card{}} }

func (r *fakeCardRepo) Create(ctx context.Context, card *domain.Card) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cards[card.ID] = card
	return nil
}
func (r *fakeCardRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Card, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cards[id]
	if !ok {
		return nil, domain.ErrCardNotFound
	}
	return c, nil
}
func (r *fakeCardRepo) ListByRepo(ctx context.Context, repoID uuid.UUID) ([]*domain.Card, error) {
	return nil, nil
}
func (r *fakeCardRepo) Update(ctx context.Context, card *domain.Card) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cards[card.ID] = card
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

func (r *fakeStepRepo) findByRun(runID uuid.UUID) *domain.Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.steps {
		if s.RunID == runID {
			return s
		}
	}
	return nil
}

type fakePipelineRepo struct {
	mu   sync.Mutex
	defs map[uuid.UUID]*domain.PipelineDefinition
}

func newFakePipelineRepo() *fakePipelineRepo {
	return &fakePipelineRepo{defs: map[uuid.UUID]*domain.PipelineDefinition{}}
}

func (p *fakePipelineRepo) Create(ctx context.Context, def *domain.PipelineDefinition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defs[def.ID] = def
	return nil
}
func (p *fakePipelineRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.PipelineDefinition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	def, ok := p.defs[id]
	if !ok {
		return nil, domain.ErrPipelineNotFound
	}
	return def, nil
}
func (p *fakePipelineRepo) GetByIDAndVersion(ctx context.Context, id uuid.UUID, version int) (*domain.PipelineDefinition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	def, ok := p.defs[id]
	if !ok || def.Version != version {
		return nil, domain.ErrPipelineNotFound
	}
	return def, nil
}
func (p *fakePipelineRepo) ListByRepo(ctx context.Context, repoID uuid.UUID) ([]*domain.PipelineDefinition, error) {
	return nil, nil
}

type fakeDispatch struct{}

func (d *fakeDispatch) Submit(ctx context.Context, step *domain.Step) error { return nil }

type fakeGitOps struct {
	mergeErr  error
	rebaseErr error
	merged    bool
	rebased   bool
}

func (g *fakeGitOps) Merge(ctx context.Context, runID uuid.UUID, targetBranch string) error {
	g.merged = true
	return g.mergeErr
}
func (g *fakeGitOps) Rebase(ctx context.Context, repoID uuid.UUID, branch, onto string) error {
	g.rebased = true
	return g.rebaseErr
}

func newService(t *testing.T) (*Service, *fakeCardRepo, *fakeRunRepo, *fakeStepRepo, *fakeGitOps) {
	t.Helper()
	cards := newFakeCardRepo()
	runs := newFakeRunRepo()
	steps := newFakeStepRepo()
	pipelines := newFakePipelineRepo()
	bus := eventbus.New()
	ex := executor.New(runs, steps, pipelines, &fakeDispatch{}, bus, &fakeGitOps{})
	git := &fakeGitOps{}
	svc := New(cards, runs, pipelines, ex, git, bus, nil)
	return svc, cards, runs, steps, git
}

func TestCardflow_StartBindsRunAndMovesCardInProgress(t *testing.T) {
	svc, cards, _, steps, _ := newService(t)
	card := domain.NewCard(uuid.New(), "fix the bug", "feature/fix")
	require.NoError(t, cards.Create(context.Background(), card))

	run, err := svc.Start(context.Background(), card.ID)
	require.NoError(t, err)

	got, err := cards.GetByID(context.Background(), card.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CardStatusInProgress, got.Status)
	require.NotNil(t, got.CurrentRunID)
	assert.Equal(t, run.ID, *got.CurrentRunID)

	step := steps.findByRun(run.ID)
	require.NotNil(t, step)
	assert.Equal(t, domain.StepTypeAgent, step.Type)
}

func TestCardflow_RunPassingMovesCardToInReview(t *testing.T) {
	svc, cards, _, steps, _ := newService(t)
	card := domain.NewCard(uuid.New(), "fix the bug", "feature/fix")
	require.NoError(t, cards.Create(context.Background(), card))

	run, err := svc.Start(context.Background(), card.ID)
	require.NoError(t, err)

	step := steps.findByRun(run.ID)
	require.NotNil(t, step)
	svc.exec.HandleStepResult(context.Background(), run.ID, step.ID, false, 0, "")

	assert.Eventually(t, func() bool {
		got, err := cards.GetByID(context.Background(), card.ID)
		return err == nil && got.Status == domain.CardStatusInReview
	}, time.Second, time.Millisecond)
}

func TestCardflow_RunFailingMovesCardToFailed(t *testing.T) {
	svc, cards, _, steps, _ := newService(t)
	card := domain.NewCard(uuid.New(), "fix the bug", "feature/fix")
	require.NoError(t, cards.Create(context.Background(), card))

	run, err := svc.Start(context.Background(), card.ID)
	require.NoError(t, err)

	step := steps.findByRun(run.ID)
	require.NotNil(t, step)
	svc.exec.HandleStepResult(context.Background(), run.ID, step.ID, true, 1, "boom")

	assert.Eventually(t, func() bool {
		got, err := cards.GetByID(context.Background(), card.ID)
		return err == nil && got.Status == domain.CardStatusFailed
	}, time.Second, time.Millisecond)
}

func TestCardflow_ApproveMergesAndMovesCardToDone(t *testing.T) {
	svc, cards, _, _, git := newService(t)
	card := domain.NewCard(uuid.New(), "fix the bug", "feature/fix")
	card.Status = domain.CardStatusInReview
	runID := uuid.New()
	card.CurrentRunID = &runID
	require.NoError(t, cards.Create(context.Background(), card))

	require.NoError(t, svc.Approve(context.Background(), card.ID, "main"))
	assert.True(t, git.merged)

	got, err := cards.GetByID(context.Background(), card.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CardStatusDone, got.Status)
}

func TestCardflow_ApproveLeavesCardInReviewOnConflict(t *testing.T) {
	svc, cards, _, _, git := newService(t)
	git.mergeErr = domain.ErrMergeConflict
	card := domain.NewCard(uuid.New(), "fix the bug", "feature/fix")
	card.Status = domain.CardStatusInReview
	runID := uuid.New()
	card.CurrentRunID = &runID
	require.NoError(t, cards.Create(context.Background(), card))

	err := svc.Approve(context.Background(), card.ID, "main")
	assert.ErrorIs(t, err, domain.ErrMergeConflict)

	got, err := cards.GetByID(context.Background(), card.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CardStatusInReview, got.Status)
}

func TestCardflow_RejectFailsCard(t *testing.T) {
	svc, cards, _, _, _ := newService(t)
	card := domain.NewCard(uuid.New(), "fix the bug", "feature/fix")
	card.Status = domain.CardStatusInReview
	require.NoError(t, cards.Create(context.Background(), card))

	require.NoError(t, svc.Reject(context.Background(), card.ID))

	got, err := cards.GetByID(context.Background(), card.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CardStatusFailed, got.Status)
}

func TestCardflow_RetryResetsFailedCardToTodo(t *testing.T) {
	svc, cards, _, _, _ := newService(t)
	card := domain.NewCard(uuid.New(), "fix the bug", "feature/fix")
	card.Status = domain.CardStatusFailed
	require.NoError(t, cards.Create(context.Background(), card))

	require.NoError(t, svc.Retry(context.Background(), card.ID))

	got, err := cards.GetByID(context.Background(), card.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CardStatusTodo, got.Status)
}

func TestCardflow_RebaseReplaysFeatureBranch(t *testing.T) {
	svc, cards, _, _, git := newService(t)
	card := domain.NewCard(uuid.New(), "fix the bug", "feature/fix")
	require.NoError(t, cards.Create(context.Background(), card))

	require.NoError(t, svc.Rebase(context.Background(), card.ID, "main"))
	assert.True(t, git.rebased)
}
