package ledger

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/whalewallet/shardgate/internal/pkg/apperrors"
	"github.com/whalewallet/shardgate/internal/pkg/metrics"
)

// CounterStore persists the per-account daily spend counter. Keys are
// windowed by UTC date, so the daily reset is a pure function of the
// clock and survives process restarts.
type CounterStore interface {
	GetDailySpend(ctx context.Context, accountID, day string) (decimal.Decimal, error)
	AddDailySpend(ctx context.Context, accountID, day string, delta decimal.Decimal) error
}

// Limits are the tier-resolved velocity thresholds for one reservation.
// A zero max means unlimited.
type Limits struct {
	DailyMaxUSD decimal.Decimal
	PerTxMaxUSD decimal.Decimal
}

// Reservation is a provisional claim on an account's daily budget. It is
// resolved exactly once: Commit finalizes it, Release rolls it back.
type Reservation struct {
	ID        string
	AccountID string
	AmountUSD decimal.Decimal
	Day       string // UTC date key the claim was applied to

	mu       sync.Mutex
	resolved bool
}

// Ledger applies velocity reservations with per-account serialization.
// Different accounts never contend on the same lock.
type Ledger struct {
	store CounterStore

	locks sync.Map // accountID -> *sync.Mutex

	mu        sync.Mutex
	highWater map[string]decimal.Decimal // accountID:day -> largest single tx
	sweepDay  string                     // last day stale high-water keys were dropped

	clock func() time.Time
}

func New(store CounterStore) *Ledger {
	return &Ledger{
		store:     store,
		highWater: make(map[string]decimal.Decimal),
		clock:     time.Now,
	}
}

func (l *Ledger) accountLock(accountID string) *sync.Mutex {
	v, _ := l.locks.LoadOrStore(accountID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (l *Ledger) day() string {
	return l.clock().UTC().Format("2006-01-02")
}

// Reserve atomically checks the per-transaction and daily limits and, if
// both hold, provisionally applies the amount. On failure nothing is
// mutated and the returned error unwraps to *apperrors.LimitExceeded.
func (l *Ledger) Reserve(ctx context.Context, accountID string, amountUSD decimal.Decimal, limits Limits) (*Reservation, error) {
	if amountUSD.IsNegative() {
		return nil, apperrors.NewInvalidRequest("amount must not be negative")
	}

	if limits.PerTxMaxUSD.IsPositive() && amountUSD.GreaterThan(limits.PerTxMaxUSD) {
		return nil, apperrors.NewLimitExceeded(&apperrors.LimitExceeded{
			Scope:     "per_tx",
			Current:   decimal.Zero,
			Limit:     limits.PerTxMaxUSD,
			Requested: amountUSD,
		})
	}

	lock := l.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	day := l.day()
	current, err := l.store.GetDailySpend(ctx, accountID, day)
	if err != nil {
		return nil, err
	}

	if limits.DailyMaxUSD.IsPositive() && current.Add(amountUSD).GreaterThan(limits.DailyMaxUSD) {
		return nil, apperrors.NewLimitExceeded(&apperrors.LimitExceeded{
			Scope:     "daily",
			Current:   current,
			Limit:     limits.DailyMaxUSD,
			Requested: amountUSD,
		})
	}

	if err := l.store.AddDailySpend(ctx, accountID, day, amountUSD); err != nil {
		return nil, err
	}

	l.recordHighWater(accountID, day, amountUSD)

	return &Reservation{
		ID:        uuid.New().String(),
		AccountID: accountID,
		AmountUSD: amountUSD,
		Day:       day,
	}, nil
}

// Commit finalizes a reservation. The counter was already applied at
// reserve time, so this only seals the handle against a later release.
func (l *Ledger) Commit(ctx context.Context, r *Reservation) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = true
}

// Release rolls back a reservation's provisional increment. Safe to call
// more than once and after Commit; only the first release of an
// uncommitted reservation mutates the counter.
func (l *Ledger) Release(ctx context.Context, r *Reservation) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.resolved {
		r.mu.Unlock()
		return nil
	}
	r.resolved = true
	r.mu.Unlock()

	lock := l.accountLock(r.AccountID)
	lock.Lock()
	defer lock.Unlock()

	metrics.LedgerReleases.Inc()
	// Decrement the same day key the claim was applied to, even if the
	// window has rolled since.
	return l.store.AddDailySpend(ctx, r.AccountID, r.Day, r.AmountUSD.Neg())
}

// Usage returns the current window's spend and high-water mark.
func (l *Ledger) Usage(ctx context.Context, accountID string) (spend, highWater decimal.Decimal, err error) {
	day := l.day()
	spend, err = l.store.GetDailySpend(ctx, accountID, day)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	l.mu.Lock()
	highWater = l.highWater[accountID+":"+day]
	l.mu.Unlock()
	return spend, highWater, nil
}

func (l *Ledger) recordHighWater(accountID, day string, amount decimal.Decimal) {
	key := accountID + ":" + day
	l.mu.Lock()
	l.sweepHighWater(day)
	if amount.GreaterThan(l.highWater[key]) {
		l.highWater[key] = amount
	}
	l.mu.Unlock()
}

// sweepHighWater drops keys from previous windows once per day roll.
// Caller holds l.mu.
func (l *Ledger) sweepHighWater(day string) {
	if l.sweepDay == day {
		return
	}
	for key := range l.highWater {
		if !strings.HasSuffix(key, ":"+day) {
			delete(l.highWater, key)
		}
	}
	l.sweepDay = day
}
