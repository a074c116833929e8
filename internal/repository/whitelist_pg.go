package repository

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/whalewallet/shardgate/internal/model"
)

// PostgresWhitelistRepo answers whitelist membership and manages entries.
// Addresses are stored lowercased so lookups are case-insensitive.
type PostgresWhitelistRepo struct {
	db *sqlx.DB
}

func NewPostgresWhitelistRepo(db *sqlx.DB) *PostgresWhitelistRepo {
	repo := &PostgresWhitelistRepo{db: db}
	_ = repo.ensureSchema(context.Background())
	return repo
}

func (r *PostgresWhitelistRepo) Has(ctx context.Context, accountID, chain, address string) (bool, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(1) FROM whitelist_entries WHERE account_id = $1 AND chain = $2 AND address = $3`,
		accountID, chain, strings.ToLower(address))
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *PostgresWhitelistRepo) Add(ctx context.Context, entry model.WhitelistEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO whitelist_entries (account_id, chain, address, label, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id, chain, address) DO NOTHING
	`, entry.AccountID, entry.Chain, strings.ToLower(entry.Address), entry.Label, time.Now().UTC())
	return err
}

func (r *PostgresWhitelistRepo) Remove(ctx context.Context, accountID, chain, address string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM whitelist_entries WHERE account_id = $1 AND chain = $2 AND address = $3`,
		accountID, chain, strings.ToLower(address))
	return err
}

func (r *PostgresWhitelistRepo) List(ctx context.Context, accountID string) ([]model.WhitelistEntry, error) {
	entries := []model.WhitelistEntry{}
	err := r.db.SelectContext(ctx, &entries,
		`SELECT account_id, chain, address, label, created_at FROM whitelist_entries WHERE account_id = $1 ORDER BY created_at`,
		accountID)
	return entries, err
}

func (r *PostgresWhitelistRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS whitelist_entries (
			account_id TEXT NOT NULL,
			chain TEXT NOT NULL,
			address TEXT NOT NULL,
			label TEXT DEFAULT '',
			created_at TIMESTAMPTZ,
			PRIMARY KEY (account_id, chain, address)
		)
	`)
	return err
}

// MemoryWhitelistRepo is the single-node fallback.
type MemoryWhitelistRepo struct {
	mu      sync.RWMutex
	entries map[string]model.WhitelistEntry
}

func NewMemoryWhitelistRepo() *MemoryWhitelistRepo {
	return &MemoryWhitelistRepo{entries: make(map[string]model.WhitelistEntry)}
}

func whitelistKey(accountID, chain, address string) string {
	return accountID + ":" + chain + ":" + strings.ToLower(address)
}

func (r *MemoryWhitelistRepo) Has(ctx context.Context, accountID, chain, address string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[whitelistKey(accountID, chain, address)]
	return ok, nil
}

func (r *MemoryWhitelistRepo) Add(ctx context.Context, entry model.WhitelistEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.Address = strings.ToLower(entry.Address)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	r.entries[whitelistKey(entry.AccountID, entry.Chain, entry.Address)] = entry
	return nil
}

func (r *MemoryWhitelistRepo) Remove(ctx context.Context, accountID, chain, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, whitelistKey(accountID, chain, address))
	return nil
}

func (r *MemoryWhitelistRepo) List(ctx context.Context, accountID string) ([]model.WhitelistEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []model.WhitelistEntry{}
	for _, e := range r.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out, nil
}
