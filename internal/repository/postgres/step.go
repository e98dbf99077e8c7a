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

// StepRepository implements repository.StepRepository.
type StepRepository struct {
	db DB
}

func NewStepRepository(pool *pgxpool.Pool) *StepRepository {
	return &StepRepository{db: pool}
}

func NewStepRepositoryWithDB(db DB) *StepRepository {
	return &StepRepository{db: db}
}

const stepColumns = `id, run_id, template_id, index, name, type, config, selector,
	label_predicate, state, runner_id, exit_code, error, continue_in_context,
	timeout_seconds, assign_attempts, started_at, ended_at, created_at`

func (r *StepRepository) Create(ctx context.Context, step *domain.Step) error {
	labelPredicate, err := json.Marshal(step.LabelPredicate)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO steps (` + stepColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err = r.db.Exec(ctx, query,
		step.ID, step.RunID, step.TemplateID, step.Index, step.Name, step.Type,
		step.Config, step.Selector, labelPredicate, step.State, step.RunnerID,
		step.ExitCode, step.Error, step.ContinueInContext, step.TimeoutSeconds,
		step.AssignAttempts, step.StartedAt, step.EndedAt, step.CreatedAt,
	)
	return err
}

func scanStep(row pgx.Row) (*domain.Step, error) {
	var step domain.Step
	var labelPredicate []byte
	err := row.Scan(
		&step.ID, &step.RunID, &step.TemplateID, &step.Index, &step.Name, &step.Type,
		&step.Config, &step.Selector, &labelPredicate, &step.State, &step.RunnerID,
		&step.ExitCode, &step.Error, &step.ContinueInContext, &step.TimeoutSeconds,
		&step.AssignAttempts, &step.StartedAt, &step.EndedAt, &step.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrStepNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(labelPredicate) > 0 {
		if err := json.Unmarshal(labelPredicate, &step.LabelPredicate); err != nil {
			return nil, err
		}
	}
	return &step, nil
}

func (r *StepRepository) GetByID(ctx context.Context, runID, id uuid.UUID) (*domain.Step, error) {
	query := `SELECT ` + stepColumns + ` FROM steps WHERE run_id = $1 AND id = $2`
	return scanStep(r.db.QueryRow(ctx, query, runID, id))
}

func (r *StepRepository) ListByRun(ctx context.Context, runID uuid.UUID) ([]*domain.Step, error) {
	query := `SELECT ` + stepColumns + ` FROM steps WHERE run_id = $1 ORDER BY index`
	rows, err := r.db.Query(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*domain.Step
	for rows.Next() {
		var step domain.Step
		var labelPredicate []byte
		if err := rows.Scan(
			&step.ID, &step.RunID, &step.TemplateID, &step.Index, &step.Name, &step.Type,
			&step.Config, &step.Selector, &labelPredicate, &step.State, &step.RunnerID,
			&step.ExitCode, &step.Error, &step.ContinueInContext, &step.TimeoutSeconds,
			&step.AssignAttempts, &step.StartedAt, &step.EndedAt, &step.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(labelPredicate) > 0 {
			if err := json.Unmarshal(labelPredicate, &step.LabelPredicate); err != nil {
				return nil, err
			}
		}
		steps = append(steps, &step)
	}
	return steps, nil
}

func (r *StepRepository) Update(ctx context.Context, step *domain.Step) error {
	query := `
		UPDATE steps
		SET state = $1, runner_id = $2, exit_code = $3, error = $4,
		    assign_attempts = $5, started_at = $6, ended_at = $7
		WHERE run_id = $8 AND id = $9
	`
	tag, err := r.db.Exec(ctx, query,
		step.State, step.RunnerID, step.ExitCode, step.Error,
		step.AssignAttempts, step.StartedAt, step.EndedAt, step.RunID, step.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStepNotFound
	}
	return nil
}
