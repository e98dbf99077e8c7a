package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lazyaf/lazyaf/internal/domain"
)

// CardRepository implements repository.CardRepository.
type CardRepository struct {
	db DB
}

func NewCardRepository(pool *pgxpool.Pool) *CardRepository {
	return &CardRepository{db: pool}
}

func NewCardRepositoryWithDB(db DB) *CardRepository {
	return &CardRepository{db: db}
}

const cardColumns = `id, repo_id, title, description, status, feature_branch,
	current_run_id, created_at, updated_at`

func (r *CardRepository) Create(ctx context.Context, card *domain.Card) error {
	query := `INSERT INTO cards (` + cardColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.db.Exec(ctx, query,
		card.ID, card.RepoID, card.Title, card.Description, card.Status,
		card.FeatureBranch, card.CurrentRunID, card.CreatedAt, card.UpdatedAt,
	)
	return err
}

func scanCard(row pgx.Row) (*domain.Card, error) {
	var card domain.Card
	err := row.Scan(
		&card.ID, &card.RepoID, &card.Title, &card.Description, &card.Status,
		&card.FeatureBranch, &card.CurrentRunID, &card.CreatedAt, &card.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrCardNotFound
	}
	if err != nil {
		return nil, err
	}
	return &card, nil
}

func (r *CardRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Card, error) {
	query := `SELECT ` + cardColumns + ` FROM cards WHERE id = $1`
	return scanCard(r.db.QueryRow(ctx, query, id))
}

func (r *CardRepository) ListByRepo(ctx context.Context, repoID uuid.UUID) ([]*domain.Card, error) {
	query := `SELECT ` + cardColumns + ` FROM cards WHERE repo_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cards []*domain.Card
	for rows.Next() {
		var card domain.Card
		if err := rows.Scan(
			&card.ID, &card.RepoID, &card.Title, &card.Description, &card.Status,
			&card.FeatureBranch, &card.CurrentRunID, &card.CreatedAt, &card.UpdatedAt,
		); err != nil {
			return nil, err
		}
		cards = append(cards, &card)
	}
	return cards, nil
}

func (r *CardRepository) Update(ctx context.Context, card *domain.Card) error {
	query := `
		UPDATE cards SET title = $1, description = $2, status = $3,
		                 current_run_id = $4, updated_at = $5
		WHERE id = $6
	`
	tag, err := r.db.Exec(ctx, query,
		card.Title, card.Description, card.Status, card.CurrentRunID, card.UpdatedAt, card.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCardNotFound
	}
	return nil
}
