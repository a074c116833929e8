package service

import (
	"context"
	"sync"

	"github.com/whalewallet/shardgate/internal/config"
	"github.com/whalewallet/shardgate/internal/model"
	"golang.org/x/time/rate"
)

// AccountManager resolves API keys to accounts and owns the per-account
// rate limiters. Config-seeded accounts are registered at startup; when
// a repository is wired, unknown keys fall through to it and the result
// is cached.
type AccountManager struct {
	mu             sync.RWMutex
	accounts       map[string]*model.Account // key: API key
	limiters       map[string]*rate.Limiter  // key: account ID
	tiers          config.TierTable
	repo           AccountRepo
	defaultAccount *model.Account
}

type AccountRepo interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*model.Account, error)
	GetByID(ctx context.Context, id string) (*model.Account, error)
}

func NewAccountManager(cfg *config.Config, repo AccountRepo) *AccountManager {
	m := &AccountManager{
		accounts: make(map[string]*model.Account),
		limiters: make(map[string]*rate.Limiter),
		tiers:    cfg.Tiers,
		repo:     repo,
	}

	for _, seed := range cfg.Accounts {
		account := &model.Account{
			ID:             seed.ID,
			APIKey:         seed.APIKey,
			Tier:           model.Tier(seed.Tier),
			Address:        seed.Address,
			PINHash:        seed.PINHash,
			PINSalt:        seed.PINSalt,
			DuressPINHash:  seed.DuressPINHash,
			DuressPINSalt:  seed.DuressPINSalt,
			ShardIDs:       seed.ShardIDs,
			EmergencyEmail: seed.EmergencyEmail,
		}
		m.Register(account)
		if m.defaultAccount == nil {
			m.defaultAccount = account
		}
	}

	return m
}

// Default returns the first config-seeded account, used when API key
// enforcement is disabled in development.
func (m *AccountManager) Default() *model.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultAccount
}

func (m *AccountManager) Register(a *model.Account) {
	if a == nil || a.APIKey == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.APIKey] = a

	limits, ok := m.tiers.Lookup(string(a.Tier))
	limit := rate.Limit(limits.RateQPS)
	if !ok || limit == 0 {
		limit = rate.Inf
	}
	burst := limits.RateBurst
	if burst == 0 {
		burst = 1
	}
	m.limiters[a.ID] = rate.NewLimiter(limit, burst)
}

// GetByAPIKey resolves an API key, consulting the repository on a cache
// miss. Disabled accounts never resolve.
func (m *AccountManager) GetByAPIKey(ctx context.Context, apiKey string) (*model.Account, bool) {
	m.mu.RLock()
	a, ok := m.accounts[apiKey]
	m.mu.RUnlock()
	if ok {
		if a.Disabled {
			return nil, false
		}
		return a, true
	}
	if m.repo == nil {
		return nil, false
	}
	a, err := m.repo.GetByAPIKey(ctx, apiKey)
	if err != nil || a == nil || a.Disabled {
		return nil, false
	}
	m.Register(a)
	return a, true
}

func (m *AccountManager) GetByID(ctx context.Context, id string) (*model.Account, bool) {
	m.mu.RLock()
	for _, a := range m.accounts {
		if a.ID == id {
			m.mu.RUnlock()
			if a.Disabled {
				return nil, false
			}
			return a, true
		}
	}
	m.mu.RUnlock()
	if m.repo == nil {
		return nil, false
	}
	a, err := m.repo.GetByID(ctx, id)
	if err != nil || a == nil || a.Disabled {
		return nil, false
	}
	m.Register(a)
	return a, true
}

// TierLimits resolves the account's tier row. Unknown tiers resolve to
// the most restrictive tier.
func (m *AccountManager) TierLimits(a *model.Account) config.TierLimits {
	limits, ok := m.tiers.Lookup(string(a.Tier))
	if !ok {
		return m.tiers.Orca
	}
	return limits
}

// LimiterFor returns the account's rate limiter, creating a default one
// for accounts loaded after startup.
func (m *AccountManager) LimiterFor(accountID string) *rate.Limiter {
	m.mu.RLock()
	l, ok := m.limiters[accountID]
	m.mu.RUnlock()
	if ok {
		return l
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok = m.limiters[accountID]; ok {
		return l
	}
	l = rate.NewLimiter(rate.Limit(m.tiers.Orca.RateQPS), maxInt(m.tiers.Orca.RateBurst, 1))
	m.limiters[accountID] = l
	return l
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
