// Package postgres implements the repository interfaces against Postgres
// via pgx, grounded on the teacher's internal/repository/postgres package
// (same DB-interface/QueryRow-Scan/pgx.ErrNoRows idiom).
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool each repository needs, satisfied in
// tests by pgxmock.PgxPoolIface.
type DB interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}
