package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		WindowSize:      10,
		MinimumCalls:    10,
		FailureRate:     0.5,
		Wait:            30 * time.Second,
		PermittedProbes: 5,
	}
}

func TestBreakerOpensOnFailureRate(t *testing.T) {
	b := newBreaker("test", testConfig())

	// 5 successes + 4 failures: nine calls, below minimum
	for i := 0; i < 5; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("unexpected allow error: %v", err)
		}
		b.RecordSuccess()
	}
	for i := 0; i < 4; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("unexpected allow error: %v", err)
		}
		b.RecordFailure()
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v before minimum calls, want CLOSED", got)
	}

	// tenth call pushes failure rate to exactly 0.5 over 10 calls
	if err := b.Allow(); err != nil {
		t.Fatalf("unexpected allow error: %v", err)
	}
	b.RecordFailure()

	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v after 50%% failures over 10 calls, want OPEN", got)
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow() = %v while OPEN, want ErrCircuitOpen", err)
	}
}

func tripBreaker(t *testing.T, b *Breaker) {
	t.Helper()
	for i := 0; i < 10; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("unexpected allow error: %v", err)
		}
		b.RecordFailure()
	}
	if b.State() != StateOpen {
		t.Fatalf("breaker did not open")
	}
}

func TestBreakerHalfOpenProbeQuota(t *testing.T) {
	b := newBreaker("test", testConfig())
	now := time.Now()
	b.clock = func() time.Time { return now }

	tripBreaker(t, b)

	// Before the wait elapses, still open.
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow() = %v before wait elapsed, want ErrCircuitOpen", err)
	}

	now = now.Add(31 * time.Second)

	// Exactly PermittedProbes calls are admitted.
	for i := 0; i < 5; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("probe %d rejected: %v", i, err)
		}
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow() = %v past probe quota, want ErrCircuitOpen", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want HALF_OPEN", b.State())
	}

	for i := 0; i < 5; i++ {
		b.RecordSuccess()
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v after all probes succeeded, want CLOSED", b.State())
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b := newBreaker("test", testConfig())
	now := time.Now()
	b.clock = func() time.Time { return now }

	tripBreaker(t, b)
	now = now.Add(31 * time.Second)

	if err := b.Allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	b.RecordFailure()

	if b.State() != StateOpen {
		t.Fatalf("state = %v after probe failure, want OPEN", b.State())
	}
	// Wait timer restarted: still open just before it elapses again.
	now = now.Add(29 * time.Second)
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow() = %v, wait timer was not reset", err)
	}
}

func TestRegistryIsolatesEndpoints(t *testing.T) {
	r := NewRegistry(testConfig())
	ctx := context.Background()

	boom := errors.New("boom")
	for i := 0; i < 10; i++ {
		_ = r.Do(ctx, "chain_rpc", func(ctx context.Context) error { return boom })
	}

	if err := r.Do(ctx, "chain_rpc", func(ctx context.Context) error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("degraded endpoint Do() = %v, want ErrCircuitOpen", err)
	}
	if err := r.Do(ctx, "price_oracle", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("unrelated endpoint Do() = %v, want nil", err)
	}
}

func TestDoRecordsOutcome(t *testing.T) {
	r := NewRegistry(testConfig())
	ctx := context.Background()

	boom := errors.New("boom")
	if err := r.Do(ctx, "x", func(ctx context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Do() = %v, want underlying error", err)
	}
	b := r.Get("x")
	if b.failures != 1 || b.total != 1 {
		t.Fatalf("window = %d/%d, want 1/1", b.failures, b.total)
	}
}
