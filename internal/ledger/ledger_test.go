package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/whalewallet/shardgate/internal/pkg/apperrors"
)

func orcaLimits() Limits {
	return Limits{
		DailyMaxUSD: decimal.NewFromInt(10000),
		PerTxMaxUSD: decimal.NewFromInt(5000),
	}
}

func TestReserveDailyLimit(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	r1, err := l.Reserve(ctx, "acct-1", decimal.NewFromInt(4000), orcaLimits())
	assert.NoError(t, err)
	assert.NotNil(t, r1)

	r2, err := l.Reserve(ctx, "acct-1", decimal.NewFromInt(4000), orcaLimits())
	assert.NoError(t, err)
	assert.NotNil(t, r2)

	// 8000 spent, 3000 more would cross 10000
	_, err = l.Reserve(ctx, "acct-1", decimal.NewFromInt(3000), orcaLimits())
	if err == nil {
		t.Fatalf("expected daily limit rejection")
	}
	var le *apperrors.LimitExceeded
	if !errors.As(err, &le) {
		t.Fatalf("error does not unwrap to LimitExceeded: %v", err)
	}
	assert.Equal(t, "daily", le.Scope)
	assert.True(t, le.Current.Equal(decimal.NewFromInt(8000)), "current = %s", le.Current)
	assert.True(t, le.Limit.Equal(decimal.NewFromInt(10000)))
	assert.True(t, le.Requested.Equal(decimal.NewFromInt(3000)))

	// rejection must not consume budget
	spend, _, err := l.Usage(ctx, "acct-1")
	assert.NoError(t, err)
	assert.True(t, spend.Equal(decimal.NewFromInt(8000)), "spend = %s", spend)

	// 2000 still fits exactly
	_, err = l.Reserve(ctx, "acct-1", decimal.NewFromInt(2000), orcaLimits())
	assert.NoError(t, err)
}

func TestReservePerTxLimit(t *testing.T) {
	l := New(NewMemoryStore())

	_, err := l.Reserve(context.Background(), "acct-1", decimal.NewFromInt(5001), orcaLimits())
	var le *apperrors.LimitExceeded
	if !errors.As(err, &le) {
		t.Fatalf("error does not unwrap to LimitExceeded: %v", err)
	}
	assert.Equal(t, "per_tx", le.Scope)
	assert.True(t, le.Requested.Equal(decimal.NewFromInt(5001)))

	spend, _, _ := l.Usage(context.Background(), "acct-1")
	assert.True(t, spend.IsZero(), "per-tx rejection consumed budget: %s", spend)
}

func TestZeroLimitsMeanUnlimited(t *testing.T) {
	l := New(NewMemoryStore())

	_, err := l.Reserve(context.Background(), "acct-1", decimal.NewFromInt(1_000_000), Limits{})
	assert.NoError(t, err)
}

func TestReleaseRollsBackOnce(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	r, err := l.Reserve(ctx, "acct-1", decimal.NewFromInt(1500), orcaLimits())
	assert.NoError(t, err)

	assert.NoError(t, l.Release(ctx, r))
	spend, _, _ := l.Usage(ctx, "acct-1")
	assert.True(t, spend.IsZero(), "spend after release = %s", spend)

	// second release is a no-op
	assert.NoError(t, l.Release(ctx, r))
	spend, _, _ = l.Usage(ctx, "acct-1")
	assert.True(t, spend.IsZero(), "double release went negative: %s", spend)
}

func TestReleaseAfterCommitIsNoop(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	r, err := l.Reserve(ctx, "acct-1", decimal.NewFromInt(1500), orcaLimits())
	assert.NoError(t, err)

	l.Commit(ctx, r)
	assert.NoError(t, l.Release(ctx, r))

	spend, _, _ := l.Usage(ctx, "acct-1")
	assert.True(t, spend.Equal(decimal.NewFromInt(1500)), "committed spend rolled back: %s", spend)
}

func TestReserveNegativeAmount(t *testing.T) {
	l := New(NewMemoryStore())

	_, err := l.Reserve(context.Background(), "acct-1", decimal.NewFromInt(-5), orcaLimits())
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) || appErr.Type != apperrors.ErrInvalidRequest {
		t.Fatalf("negative amount not rejected as invalid request: %v", err)
	}
}

func TestConcurrentReservesNeverOversubscribe(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	limits := Limits{DailyMaxUSD: decimal.NewFromInt(10000)}
	amount := decimal.NewFromInt(300)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Reserve(ctx, "acct-1", amount, limits); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// 33 * 300 = 9900 fits, a 34th would cross 10000
	assert.Equal(t, 33, granted)
	spend, _, _ := l.Usage(ctx, "acct-1")
	assert.True(t, spend.Equal(decimal.NewFromInt(9900)), "spend = %s", spend)
}

func TestDailyWindowRollsAtUTCMidnight(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 23, 50, 0, 0, time.UTC)
	l.clock = func() time.Time { return now }

	r, err := l.Reserve(ctx, "acct-1", decimal.NewFromInt(9000), orcaLimits())
	assert.NoError(t, err)
	l.Commit(ctx, r)

	// same day: over budget
	_, err = l.Reserve(ctx, "acct-1", decimal.NewFromInt(4000), orcaLimits())
	assert.Error(t, err)

	now = now.Add(20 * time.Minute) // past midnight UTC
	_, err = l.Reserve(ctx, "acct-1", decimal.NewFromInt(4000), orcaLimits())
	assert.NoError(t, err)

	spend, _, _ := l.Usage(ctx, "acct-1")
	assert.True(t, spend.Equal(decimal.NewFromInt(4000)), "fresh window spend = %s", spend)
}

func TestReleaseAfterWindowRollDecrementsOriginalDay(t *testing.T) {
	store := NewMemoryStore()
	l := New(store)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)
	l.clock = func() time.Time { return now }

	r, err := l.Reserve(ctx, "acct-1", decimal.NewFromInt(500), orcaLimits())
	assert.NoError(t, err)
	assert.Equal(t, "2026-03-14", r.Day)

	now = now.Add(2 * time.Minute)
	assert.NoError(t, l.Release(ctx, r))

	old, _ := store.GetDailySpend(ctx, "acct-1", "2026-03-14")
	assert.True(t, old.IsZero(), "original day counter = %s", old)
	fresh, _ := store.GetDailySpend(ctx, "acct-1", "2026-03-15")
	assert.True(t, fresh.IsZero(), "new day counter touched: %s", fresh)
}

func TestUsageTracksHighWater(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	for _, amt := range []int64{100, 2500, 800} {
		_, err := l.Reserve(ctx, "acct-1", decimal.NewFromInt(amt), orcaLimits())
		assert.NoError(t, err)
	}

	spend, highWater, err := l.Usage(ctx, "acct-1")
	assert.NoError(t, err)
	assert.True(t, spend.Equal(decimal.NewFromInt(3400)))
	assert.True(t, highWater.Equal(decimal.NewFromInt(2500)), "high water = %s", highWater)
}

func TestHighWaterSweptOnWindowRoll(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	l.clock = func() time.Time { return now }

	for _, acct := range []string{"acct-1", "acct-2", "acct-3"} {
		_, err := l.Reserve(ctx, acct, decimal.NewFromInt(1000), orcaLimits())
		assert.NoError(t, err)
	}

	l.mu.Lock()
	assert.Len(t, l.highWater, 3)
	l.mu.Unlock()

	// Next day: the first reservation drops every stale day key.
	now = now.Add(24 * time.Hour)
	_, err := l.Reserve(ctx, "acct-1", decimal.NewFromInt(2000), orcaLimits())
	assert.NoError(t, err)

	l.mu.Lock()
	assert.Len(t, l.highWater, 1, "stale high-water keys kept: %v", l.highWater)
	l.mu.Unlock()

	_, highWater, err := l.Usage(ctx, "acct-1")
	assert.NoError(t, err)
	assert.True(t, highWater.Equal(decimal.NewFromInt(2000)), "high water = %s", highWater)
}
