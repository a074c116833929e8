package ledger

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps counters in process memory. Default when neither
// redis nor postgres is configured.
type MemoryStore struct {
	mu    sync.RWMutex
	spend map[string]decimal.Decimal // accountID:day
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{spend: make(map[string]decimal.Decimal)}
}

func (s *MemoryStore) GetDailySpend(ctx context.Context, accountID, day string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spend[accountID+":"+day], nil
}

func (s *MemoryStore) AddDailySpend(ctx context.Context, accountID, day string, delta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := accountID + ":" + day
	s.spend[key] = s.spend[key].Add(delta)
	return nil
}
