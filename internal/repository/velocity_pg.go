package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// PostgresVelocityRepo persists daily spend counters. It backs the
// velocity ledger when redis is not available; per-account serialization
// happens in the ledger, so plain read/upsert is enough here.
type PostgresVelocityRepo struct {
	db *sqlx.DB
}

func NewPostgresVelocityRepo(db *sqlx.DB) *PostgresVelocityRepo {
	repo := &PostgresVelocityRepo{db: db}
	_ = repo.ensureSchema(context.Background())
	return repo
}

func (r *PostgresVelocityRepo) GetDailySpend(ctx context.Context, accountID, day string) (decimal.Decimal, error) {
	var spend string
	err := r.db.GetContext(ctx, &spend,
		`SELECT spend_usd FROM velocity_windows WHERE account_id = $1 AND day = $2`,
		accountID, day)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(spend)
}

func (r *PostgresVelocityRepo) AddDailySpend(ctx context.Context, accountID, day string, delta decimal.Decimal) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO velocity_windows (account_id, day, spend_usd)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, day)
		DO UPDATE SET spend_usd = velocity_windows.spend_usd + EXCLUDED.spend_usd
	`, accountID, day, delta)
	return err
}

func (r *PostgresVelocityRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS velocity_windows (
			account_id TEXT NOT NULL,
			day TEXT NOT NULL,
			spend_usd NUMERIC NOT NULL DEFAULT 0,
			PRIMARY KEY (account_id, day)
		)
	`)
	return err
}
