package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lazyaf/lazyaf/internal/domain"
)

// RunnerRepository implements repository.RunnerRepository.
type RunnerRepository struct {
	db DB
}

func NewRunnerRepository(pool *pgxpool.Pool) *RunnerRepository {
	return &RunnerRepository{db: pool}
}

func NewRunnerRepositoryWithDB(db DB) *RunnerRepository {
	return &RunnerRepository{db: db}
}

func (r *RunnerRepository) Upsert(ctx context.Context, runner *domain.Runner) error {
	labels, err := json.Marshal(runner.Labels)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO runners (id, name, runner_type, labels, state, last_heartbeat,
		                      last_idle_since, current_step_id, connected_at, disconnected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			runner_type = EXCLUDED.runner_type,
			labels = EXCLUDED.labels,
			state = EXCLUDED.state,
			last_heartbeat = EXCLUDED.last_heartbeat,
			last_idle_since = EXCLUDED.last_idle_since,
			current_step_id = EXCLUDED.current_step_id,
			disconnected_at = EXCLUDED.disconnected_at
	`
	_, err = r.db.Exec(ctx, query,
		runner.ID, runner.Name, runner.RunnerType, labels, runner.State,
		runner.LastHeartbeat, runner.LastIdleSince, runner.CurrentStepID,
		runner.ConnectedAt, runner.DisconnectedAt,
	)
	return err
}

func (r *RunnerRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Runner, error) {
	query := `
		SELECT id, name, runner_type, labels, state, last_heartbeat,
		       last_idle_since, current_step_id, connected_at, disconnected_at
		FROM runners WHERE id = $1
	`
	var runner domain.Runner
	var labels []byte
	err := r.db.QueryRow(ctx, query, id).Scan(
		&runner.ID, &runner.Name, &runner.RunnerType, &labels, &runner.State,
		&runner.LastHeartbeat, &runner.LastIdleSince, &runner.CurrentStepID,
		&runner.ConnectedAt, &runner.DisconnectedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRunnerNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(labels, &runner.Labels); err != nil {
		return nil, err
	}
	return &runner, nil
}

func (r *RunnerRepository) List(ctx context.Context) ([]*domain.Runner, error) {
	query := `
		SELECT id, name, runner_type, labels, state, last_heartbeat,
		       last_idle_since, current_step_id, connected_at, disconnected_at
		FROM runners ORDER BY connected_at
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runners []*domain.Runner
	for rows.Next() {
		var runner domain.Runner
		var labels []byte
		if err := rows.Scan(
			&runner.ID, &runner.Name, &runner.RunnerType, &labels, &runner.State,
			&runner.LastHeartbeat, &runner.LastIdleSince, &runner.CurrentStepID,
			&runner.ConnectedAt, &runner.DisconnectedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(labels, &runner.Labels); err != nil {
			return nil, err
		}
		runners = append(runners, &runner)
	}
	return runners, nil
}

func (r *RunnerRepository) MarkDeadBefore(ctx context.Context, deadline time.Time) (int, error) {
	query := `
		UPDATE runners SET state = $1, disconnected_at = $2
		WHERE state NOT IN ($1, 'disconnected') AND last_heartbeat < $2
	`
	tag, err := r.db.Exec(ctx, query, domain.RunnerStateDead, deadline)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
