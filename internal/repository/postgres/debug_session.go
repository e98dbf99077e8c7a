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

// DebugSessionRepository implements repository.DebugSessionRepository.
type DebugSessionRepository struct {
	db DB
}

func NewDebugSessionRepository(pool *pgxpool.Pool) *DebugSessionRepository {
	return &DebugSessionRepository{db: pool}
}

func NewDebugSessionRepositoryWithDB(db DB) *DebugSessionRepository {
	return &DebugSessionRepository{db: db}
}

const debugSessionColumns = `id, run_id, token, state, breakpoints, paused_at_index, expires_at, created_at`

func (r *DebugSessionRepository) Create(ctx context.Context, session *domain.DebugSession) error {
	bp, err := json.Marshal(session.Breakpoints)
	if err != nil {
		return err
	}
	query := `INSERT INTO debug_sessions (` + debugSessionColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = r.db.Exec(ctx, query,
		session.ID, session.RunID, session.Token, session.State, bp,
		session.PausedAtIndex, session.ExpiresAt, session.CreatedAt,
	)
	return err
}

func scanDebugSession(row pgx.Row) (*domain.DebugSession, error) {
	var session domain.DebugSession
	var bp []byte
	err := row.Scan(
		&session.ID, &session.RunID, &session.Token, &session.State, &bp,
		&session.PausedAtIndex, &session.ExpiresAt, &session.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrDebugSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(bp, &session.Breakpoints); err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *DebugSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.DebugSession, error) {
	query := `SELECT ` + debugSessionColumns + ` FROM debug_sessions WHERE id = $1`
	return scanDebugSession(r.db.QueryRow(ctx, query, id))
}

func (r *DebugSessionRepository) GetByRunID(ctx context.Context, runID uuid.UUID) (*domain.DebugSession, error) {
	query := `
		SELECT ` + debugSessionColumns + ` FROM debug_sessions
		WHERE run_id = $1 ORDER BY created_at DESC LIMIT 1
	`
	return scanDebugSession(r.db.QueryRow(ctx, query, runID))
}

func (r *DebugSessionRepository) Update(ctx context.Context, session *domain.DebugSession) error {
	query := `UPDATE debug_sessions SET state = $1, paused_at_index = $2 WHERE id = $3`
	tag, err := r.db.Exec(ctx, query, session.State, session.PausedAtIndex, session.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDebugSessionNotFound
	}
	return nil
}

// ListNonTerminal feeds the TTL sweep watchdog, the same role
// RunRepository.ListNonTerminal plays for executor frontier reconciliation.
func (r *DebugSessionRepository) ListNonTerminal(ctx context.Context) ([]*domain.DebugSession, error) {
	query := `
		SELECT ` + debugSessionColumns + ` FROM debug_sessions
		WHERE state NOT IN ($1, $2, $3)
	`
	rows, err := r.db.Query(ctx, query, domain.DebugSessionAborted, domain.DebugSessionTimedOut, domain.DebugSessionEnded)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*domain.DebugSession
	for rows.Next() {
		session, err := scanDebugSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}
