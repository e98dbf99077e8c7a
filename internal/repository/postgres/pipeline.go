package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lazyaf/lazyaf/internal/domain"
)

// PipelineRepository implements repository.PipelineRepository. Definitions
// are immutable once created (a new version is a new row), so there is no
// Update method — grounded on the teacher's ProjectVersionRepository idiom.
type PipelineRepository struct {
	db DB
}

func NewPipelineRepository(pool *pgxpool.Pool) *PipelineRepository {
	return &PipelineRepository{db: pool}
}

func NewPipelineRepositoryWithDB(db DB) *PipelineRepository {
	return &PipelineRepository{db: db}
}

type pipelineRow struct {
	Steps   map[uuid.UUID]domain.StepTemplate `json:"steps"`
	Edges   []domain.Edge                     `json:"edges"`
	Entries []uuid.UUID                       `json:"entries"`
}

func (r *PipelineRepository) Create(ctx context.Context, def *domain.PipelineDefinition) error {
	body, err := json.Marshal(pipelineRow{Steps: def.Steps, Edges: def.Edges, Entries: def.Entries})
	if err != nil {
		return err
	}
	query := `
		INSERT INTO pipeline_definitions (id, name, version, body)
		VALUES ($1, $2, $3, $4)
	`
	_, err = r.db.Exec(ctx, query, def.ID, def.Name, def.Version, body)
	return err
}

func (r *PipelineRepository) scanOne(ctx context.Context, query string, args ...interface{}) (*domain.PipelineDefinition, error) {
	var def domain.PipelineDefinition
	var body []byte
	err := r.db.QueryRow(ctx, query, args...).Scan(&def.ID, &def.Name, &def.Version, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrPipelineNotFound
	}
	if err != nil {
		return nil, err
	}
	var row pipelineRow
	if err := json.Unmarshal(body, &row); err != nil {
		return nil, err
	}
	def.Steps, def.Edges, def.Entries = row.Steps, row.Edges, row.Entries
	return &def, nil
}

func (r *PipelineRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.PipelineDefinition, error) {
	query := `
		SELECT id, name, version, body FROM pipeline_definitions
		WHERE id = $1 ORDER BY version DESC LIMIT 1
	`
	return r.scanOne(ctx, query, id)
}

func (r *PipelineRepository) GetByIDAndVersion(ctx context.Context, id uuid.UUID, version int) (*domain.PipelineDefinition, error) {
	query := `SELECT id, name, version, body FROM pipeline_definitions WHERE id = $1 AND version = $2`
	return r.scanOne(ctx, query, id, version)
}

func (r *PipelineRepository) ListByRepo(ctx context.Context, repoID uuid.UUID) ([]*domain.PipelineDefinition, error) {
	query := `
		SELECT pd.id, pd.name, pd.version, pd.body
		FROM pipeline_definitions pd
		JOIN repo_pipelines rp ON rp.pipeline_id = pd.id
		WHERE rp.repo_id = $1
		ORDER BY pd.name, pd.version DESC
	`
	rows, err := r.db.Query(ctx, query, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*domain.PipelineDefinition
	for rows.Next() {
		var def domain.PipelineDefinition
		var body []byte
		if err := rows.Scan(&def.ID, &def.Name, &def.Version, &body); err != nil {
			return nil, err
		}
		var row pipelineRow
		if err := json.Unmarshal(body, &row); err != nil {
			return nil, err
		}
		def.Steps, def.Edges, def.Entries = row.Steps, row.Edges, row.Entries
		defs = append(defs, &def)
	}
	return defs, nil
}
