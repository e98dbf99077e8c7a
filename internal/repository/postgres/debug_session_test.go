package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lazyaf/lazyaf/internal/domain"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebugSessionRepository_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	session := domain.NewDebugSession(uuid.New(), "tok", []int{1, 2}, 0)

	mock.ExpectExec("INSERT INTO debug_sessions").
		WithArgs(session.ID, session.RunID, session.Token, session.State, pgxmock.AnyArg(),
			session.PausedAtIndex, session.ExpiresAt, session.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	repo := NewDebugSessionRepositoryWithDB(mock)
	err = repo.Create(context.Background(), session)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDebugSessionRepository_Update_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	session := domain.NewDebugSession(uuid.New(), "tok", nil, 0)
	mock.ExpectExec("UPDATE debug_sessions").
		WithArgs(session.State, session.PausedAtIndex, session.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	repo := NewDebugSessionRepositoryWithDB(mock)
	err = repo.Update(context.Background(), session)
	assert.ErrorIs(t, err, domain.ErrDebugSessionNotFound)
}

func TestDebugSessionRepository_ListNonTerminal(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	runID := uuid.New()
	rows := pgxmock.NewRows([]string{"id", "run_id", "token", "state", "breakpoints", "paused_at_index", "expires_at", "created_at"}).
		AddRow(uuid.New(), runID, "tok", domain.DebugSessionWaitingAtBP, []byte(`{"1":true}`), nil, time.Now(), time.Now())

	mock.ExpectQuery("SELECT").
		WithArgs(domain.DebugSessionAborted, domain.DebugSessionTimedOut, domain.DebugSessionEnded).
		WillReturnRows(rows)

	repo := NewDebugSessionRepositoryWithDB(mock)
	got, err := repo.ListNonTerminal(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, runID, got[0].RunID)
}
