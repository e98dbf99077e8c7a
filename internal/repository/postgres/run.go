package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lazyaf/lazyaf/internal/domain"
	"github.com/lazyaf/lazyaf/internal/repository"
)

// RunRepository implements repository.RunRepository, grounded on the
// teacher's internal/repository/postgres.RunRepository (same
// QueryRow/Scan + pgx.ErrNoRows translation idiom).
type RunRepository struct {
	db DB
}

func NewRunRepository(pool *pgxpool.Pool) *RunRepository {
	return &RunRepository{db: pool}
}

func NewRunRepositoryWithDB(db DB) *RunRepository {
	return &RunRepository{db: db}
}

func (r *RunRepository) Create(ctx context.Context, run *domain.PipelineRun) error {
	trigger, err := json.Marshal(run.Trigger)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO pipeline_runs (id, repo_id, pipeline_id, pipeline_version, trigger,
		                           status, steps_total, steps_completed, current_index,
		                           error, started_at, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = r.db.Exec(ctx, query,
		run.ID, run.RepoID, run.PipelineID, run.PipelineVersion, trigger,
		run.Status, run.StepsTotal, run.StepsCompleted, run.CurrentIndex,
		run.Error, run.StartedAt, run.CompletedAt, run.CreatedAt,
	)
	return err
}

func (r *RunRepository) scanRow(row pgx.Row) (*domain.PipelineRun, error) {
	var run domain.PipelineRun
	var trigger []byte
	err := row.Scan(
		&run.ID, &run.RepoID, &run.PipelineID, &run.PipelineVersion, &trigger,
		&run.Status, &run.StepsTotal, &run.StepsCompleted, &run.CurrentIndex,
		&run.Error, &run.StartedAt, &run.CompletedAt, &run.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(trigger, &run.Trigger); err != nil {
		return nil, err
	}
	return &run, nil
}

const runColumns = `id, repo_id, pipeline_id, pipeline_version, trigger,
	status, steps_total, steps_completed, current_index, error, started_at, completed_at, created_at`

func (r *RunRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE id = $1`
	return r.scanRow(r.db.QueryRow(ctx, query, id))
}

func (r *RunRepository) Update(ctx context.Context, run *domain.PipelineRun) error {
	query := `
		UPDATE pipeline_runs
		SET status = $1, steps_completed = $2, current_index = $3, error = $4,
		    started_at = $5, completed_at = $6
		WHERE id = $7
	`
	tag, err := r.db.Exec(ctx, query,
		run.Status, run.StepsCompleted, run.CurrentIndex, run.Error,
		run.StartedAt, run.CompletedAt, run.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRunNotFound
	}
	return nil
}

func (r *RunRepository) ListNonTerminal(ctx context.Context) ([]*domain.PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE status IN ($1, $2) ORDER BY created_at`
	rows, err := r.db.Query(ctx, query, domain.RunStatusPending, domain.RunStatusRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanRows(rows)
}

func (r *RunRepository) ListByRepo(ctx context.Context, repoID uuid.UUID, filter repository.RunFilter) ([]*domain.PipelineRun, int, error) {
	countQuery := `SELECT COUNT(*) FROM pipeline_runs WHERE repo_id = $1`
	var total int
	if err := r.db.QueryRow(ctx, countQuery, repoID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE repo_id = $1`
	args := []interface{}{repoID}
	if filter.Status != nil {
		query += ` AND status = $2`
		args = append(args, *filter.Status)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		offset := (filter.Page - 1) * filter.Limit
		query += ` LIMIT $` + strconv.Itoa(len(args)+1) + ` OFFSET $` + strconv.Itoa(len(args)+2)
		args = append(args, filter.Limit, offset)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	runs, err := r.scanRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

func (r *RunRepository) scanRows(rows pgx.Rows) ([]*domain.PipelineRun, error) {
	var runs []*domain.PipelineRun
	for rows.Next() {
		var run domain.PipelineRun
		var trigger []byte
		if err := rows.Scan(
			&run.ID, &run.RepoID, &run.PipelineID, &run.PipelineVersion, &trigger,
			&run.Status, &run.StepsTotal, &run.StepsCompleted, &run.CurrentIndex,
			&run.Error, &run.StartedAt, &run.CompletedAt, &run.CreatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(trigger, &run.Trigger); err != nil {
			return nil, err
		}
		runs = append(runs, &run)
	}
	return runs, nil
}
