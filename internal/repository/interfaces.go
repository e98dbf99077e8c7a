package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lazyaf/lazyaf/internal/domain"
)

// RunnerRepository persists Runner records for crash recovery and API
// listing. The in-memory registry is authoritative for dispatch decisions;
// this is a durability/history backstop, not the hot path.
type RunnerRepository interface {
	Upsert(ctx context.Context, runner *domain.Runner) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Runner, error)
	List(ctx context.Context) ([]*domain.Runner, error)
	MarkDeadBefore(ctx context.Context, deadline time.Time) (int, error)
}

// PipelineRepository persists PipelineDefinition documents.
type PipelineRepository interface {
	Create(ctx context.Context, def *domain.PipelineDefinition) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.PipelineDefinition, error)
	GetByIDAndVersion(ctx context.Context, id uuid.UUID, version int) (*domain.PipelineDefinition, error)
	ListByRepo(ctx context.Context, repoID uuid.UUID) ([]*domain.PipelineDefinition, error)
}

// RunRepository persists PipelineRun records and their Step children.
type RunRepository interface {
	Create(ctx context.Context, run *domain.PipelineRun) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.PipelineRun, error)
	Update(ctx context.Context, run *domain.PipelineRun) error
	ListNonTerminal(ctx context.Context) ([]*domain.PipelineRun, error)
	ListByRepo(ctx context.Context, repoID uuid.UUID, filter RunFilter) ([]*domain.PipelineRun, int, error)
}

// RunFilter narrows RunRepository.ListByRepo.
type RunFilter struct {
	Status *domain.RunStatus
	Page   int
	Limit  int
}

// StepRepository persists materialized Step records belonging to a run.
type StepRepository interface {
	Create(ctx context.Context, step *domain.Step) error
	GetByID(ctx context.Context, runID, id uuid.UUID) (*domain.Step, error)
	ListByRun(ctx context.Context, runID uuid.UUID) ([]*domain.Step, error)
	Update(ctx context.Context, step *domain.Step) error
}

// CardRepository persists Card records.
type CardRepository interface {
	Create(ctx context.Context, card *domain.Card) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Card, error)
	ListByRepo(ctx context.Context, repoID uuid.UUID) ([]*domain.Card, error)
	Update(ctx context.Context, card *domain.Card) error
}

// DebugSessionRepository persists DebugSession records.
type DebugSessionRepository interface {
	Create(ctx context.Context, session *domain.DebugSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.DebugSession, error)
	GetByRunID(ctx context.Context, runID uuid.UUID) (*domain.DebugSession, error)
	Update(ctx context.Context, session *domain.DebugSession) error
	ListNonTerminal(ctx context.Context) ([]*domain.DebugSession, error)
}
