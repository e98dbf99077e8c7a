package postgres

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/lazyaf/lazyaf/internal/domain"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRepository_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	run := domain.NewPipelineRun(uuid.New(), uuid.New(), 1, domain.Trigger{Type: domain.TriggerManual})

	mock.ExpectExec("INSERT INTO pipeline_runs").
		WithArgs(
			run.ID, run.RepoID, run.PipelineID, run.PipelineVersion, pgxmock.AnyArg(),
			run.Status, run.StepsTotal, run.StepsCompleted, run.CurrentIndex,
			run.Error, run.StartedAt, run.CompletedAt, run.CreatedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	repo := NewRunRepositoryWithDB(mock)
	err = repo.Create(context.Background(), run)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRepository_GetByID_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	mock.ExpectQuery("SELECT").WithArgs(id).WillReturnError(pgxmock.NewRows(nil).RowError(0, nil))

	repo := NewRunRepositoryWithDB(mock)
	_, err = repo.GetByID(context.Background(), id)
	assert.Error(t, err)
}

func TestRunRepository_Update_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	run := domain.NewPipelineRun(uuid.New(), uuid.New(), 1, domain.Trigger{Type: domain.TriggerManual})
	mock.ExpectExec("UPDATE pipeline_runs").
		WithArgs(run.Status, run.StepsCompleted, run.CurrentIndex, run.Error, run.StartedAt, run.CompletedAt, run.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	repo := NewRunRepositoryWithDB(mock)
	err = repo.Update(context.Background(), run)
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}
