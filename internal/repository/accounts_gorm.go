package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/whalewallet/shardgate/internal/model"
	"gorm.io/gorm"
)

// GormAccountRepo backs account lookups when Postgres is configured.
type GormAccountRepo struct {
	db *gorm.DB
}

func NewGormAccountRepo(db *gorm.DB) *GormAccountRepo {
	return &GormAccountRepo{db: db}
}

func (r *GormAccountRepo) GetByAPIKey(ctx context.Context, apiKey string) (*model.Account, error) {
	var account model.Account
	err := r.db.WithContext(ctx).Where("api_key = ?", apiKey).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *GormAccountRepo) GetByID(ctx context.Context, id string) (*model.Account, error) {
	var account model.Account
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *GormAccountRepo) Save(ctx context.Context, account *model.Account) error {
	return r.db.WithContext(ctx).Save(account).Error
}

// Disable soft-disables the account; rows are never deleted so audit
// records keep a valid reference.
func (r *GormAccountRepo) Disable(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&model.Account{}).
		Where("id = ?", id).
		Updates(map[string]any{"disabled": true, "updated_at": time.Now().UTC()}).Error
}

// GormPolicyRepo stores per-account policy rule instances.
type GormPolicyRepo struct {
	db *gorm.DB
}

func NewGormPolicyRepo(db *gorm.DB) *GormPolicyRepo {
	return &GormPolicyRepo{db: db}
}

func (r *GormPolicyRepo) ListActive(ctx context.Context, accountID string) ([]model.Policy, error) {
	var policies []model.Policy
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND active = ?", accountID, true).
		Order("priority ASC, created_at ASC").
		Find(&policies).Error
	return policies, err
}

func (r *GormPolicyRepo) Create(ctx context.Context, p *model.Policy) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *GormPolicyRepo) Update(ctx context.Context, p *model.Policy) error {
	return r.db.WithContext(ctx).Save(p).Error
}

func (r *GormPolicyRepo) Delete(ctx context.Context, accountID, id string) error {
	return r.db.WithContext(ctx).
		Where("account_id = ? AND id = ?", accountID, id).
		Delete(&model.Policy{}).Error
}

// MemoryPolicyRepo is the single-node fallback.
type MemoryPolicyRepo struct {
	mu       sync.RWMutex
	policies map[string]model.Policy // id -> policy
}

func NewMemoryPolicyRepo() *MemoryPolicyRepo {
	return &MemoryPolicyRepo{policies: make(map[string]model.Policy)}
}

func (r *MemoryPolicyRepo) ListActive(ctx context.Context, accountID string) ([]model.Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []model.Policy{}
	for _, p := range r.policies {
		if p.AccountID == accountID && p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *MemoryPolicyRepo) Create(ctx context.Context, p *model.Policy) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	r.mu.Lock()
	r.policies[p.ID] = *p
	r.mu.Unlock()
	return nil
}

func (r *MemoryPolicyRepo) Update(ctx context.Context, p *model.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.policies[p.ID]; !ok {
		return errors.New("policy not found")
	}
	p.UpdatedAt = time.Now().UTC()
	r.policies[p.ID] = *p
	return nil
}

func (r *MemoryPolicyRepo) Delete(ctx context.Context, accountID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.policies[id]; ok && p.AccountID == accountID {
		delete(r.policies, id)
	}
	return nil
}
