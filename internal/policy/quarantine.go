package policy

import (
	"context"
	"strings"
	"sync"

	"github.com/whalewallet/shardgate/internal/model"
)

// QuarantineStore tracks addresses first seen through a warn-mode
// whitelist rule. Entries outlive their ExpiresAt: the engine reads the
// timestamp to decide between REQUIRE_2FA (still serving) and promotion
// onto the whitelist (served out), then deletes the promoted entry.
type QuarantineStore interface {
	Get(ctx context.Context, accountID, chain, address string) (*model.QuarantineEntry, error)
	Put(ctx context.Context, entry model.QuarantineEntry) error
	Delete(ctx context.Context, accountID, chain, address string) error
}

// MemoryQuarantineStore is the default when redis is not configured.
type MemoryQuarantineStore struct {
	mu      sync.RWMutex
	entries map[string]model.QuarantineEntry
}

func NewMemoryQuarantineStore() *MemoryQuarantineStore {
	return &MemoryQuarantineStore{
		entries: make(map[string]model.QuarantineEntry),
	}
}

func quarantineKey(accountID, chain, address string) string {
	return accountID + ":" + chain + ":" + strings.ToLower(address)
}

func (s *MemoryQuarantineStore) Get(ctx context.Context, accountID, chain, address string) (*model.QuarantineEntry, error) {
	s.mu.RLock()
	entry, ok := s.entries[quarantineKey(accountID, chain, address)]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (s *MemoryQuarantineStore) Put(ctx context.Context, entry model.QuarantineEntry) error {
	s.mu.Lock()
	s.entries[quarantineKey(entry.AccountID, entry.Chain, entry.Address)] = entry
	s.mu.Unlock()
	return nil
}

func (s *MemoryQuarantineStore) Delete(ctx context.Context, accountID, chain, address string) error {
	s.mu.Lock()
	delete(s.entries, quarantineKey(accountID, chain, address))
	s.mu.Unlock()
	return nil
}
