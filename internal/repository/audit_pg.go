package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/whalewallet/shardgate/internal/model"
)

type PostgresAuditRepo struct {
	db *sqlx.DB
}

func NewPostgresAuditRepo(db *sqlx.DB) *PostgresAuditRepo {
	repo := &PostgresAuditRepo{db: db}
	_ = repo.ensureSchema(context.Background())
	return repo
}

func (r *PostgresAuditRepo) Insert(ctx context.Context, record *model.AuditRecord) error {
	if record == nil {
		return nil
	}
	contextJSON, _ := json.Marshal(record.Context)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_records (
			id, account_id, chain, destination, value_usd,
			verdict, status, reason, signing_state, signing_session, tx_hash,
			latency_ms, context, created_at
		) VALUES (
			$1,$2,$3,$4,$5,
			$6,$7,$8,$9,$10,$11,
			$12,$13,$14
		)
		ON CONFLICT (id) DO NOTHING
	`, record.ID, record.AccountID, record.Chain, record.To, record.ValueUSD,
		record.Verdict, record.Status, record.Reason, record.SigningState, record.SigningSession, record.TxHash,
		record.LatencyMs, contextJSON, record.CreatedAt)
	return err
}

func (r *PostgresAuditRepo) List(ctx context.Context, accountID string, limit int, from, to *time.Time) ([]*model.AuditRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT id, account_id, chain, destination, value_usd, verdict, status, reason, signing_state, signing_session, tx_hash, latency_ms, context, created_at FROM audit_records`
	clauses := []string{}
	args := []interface{}{}
	idx := 1

	if accountID != "" {
		clauses = append(clauses, fmt.Sprintf("account_id = $%d", idx))
		args = append(args, accountID)
		idx++
	}
	if from != nil {
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", idx))
		args = append(args, *from)
		idx++
	}
	if to != nil {
		clauses = append(clauses, fmt.Sprintf("created_at <= $%d", idx))
		args = append(args, *to)
		idx++
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]*model.AuditRecord, 0, limit)
	for rows.Next() {
		var record model.AuditRecord
		var contextJSON []byte
		if err := rows.Scan(
			&record.ID,
			&record.AccountID,
			&record.Chain,
			&record.To,
			&record.ValueUSD,
			&record.Verdict,
			&record.Status,
			&record.Reason,
			&record.SigningState,
			&record.SigningSession,
			&record.TxHash,
			&record.LatencyMs,
			&contextJSON,
			&record.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(contextJSON) > 0 {
			_ = json.Unmarshal(contextJSON, &record.Context)
		} else {
			record.Context = map[string]interface{}{}
		}
		records = append(records, &record)
	}
	return records, nil
}

func (r *PostgresAuditRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_records (
			id TEXT PRIMARY KEY,
			account_id TEXT,
			chain TEXT,
			destination TEXT,
			value_usd TEXT,
			verdict TEXT,
			status TEXT,
			reason TEXT,
			signing_state TEXT,
			signing_session TEXT,
			tx_hash TEXT,
			latency_ms BIGINT,
			context JSONB,
			created_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return err
	}
	_, _ = r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_audit_records_account ON audit_records(account_id, created_at DESC)`)
	return nil
}

func (r *PostgresAuditRepo) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	_, err := r.db.ExecContext(ctx, `DELETE FROM audit_records WHERE created_at < $1`, cutoff)
	return err
}
