package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/whalewallet/shardgate/internal/pkg/logger"
	"github.com/whalewallet/shardgate/internal/pkg/metrics"
)

// State of a per-endpoint circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without attempting the underlying call while
// the circuit is OPEN. Callers decide how to interpret it; fail-secure
// policy rules treat it as BLOCK.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type Config struct {
	// WindowSize is the number of recent calls the failure rate is
	// computed over.
	WindowSize int
	// MinimumCalls must be observed in the window before the rate can
	// trip the circuit.
	MinimumCalls int
	// FailureRate in [0,1] at or above which the circuit opens.
	FailureRate float64
	// Wait is how long the circuit stays OPEN before admitting probes.
	Wait time.Duration
	// PermittedProbes is the number of HALF_OPEN probe calls. All must
	// succeed to close the circuit; any failure reopens it.
	PermittedProbes int

	OnStateChange func(endpoint string, from, to State)
}

func DefaultConfig() Config {
	return Config{
		WindowSize:      100,
		MinimumCalls:    10,
		FailureRate:     0.5,
		Wait:            30 * time.Second,
		PermittedProbes: 5,
	}
}

// Breaker guards one endpoint identity. Unrelated endpoints never share
// state.
type Breaker struct {
	mu   sync.Mutex
	cfg  Config
	name string

	state    State
	openedAt time.Time

	// rolling outcome window, true = failure
	window   []bool
	head     int
	total    int
	failures int

	// HALF_OPEN probe accounting
	probesInFlight int
	probesIssued   int
	probeSuccesses int

	clock func() time.Time
}

func newBreaker(name string, cfg Config) *Breaker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 100
	}
	if cfg.MinimumCalls <= 0 {
		cfg.MinimumCalls = 10
	}
	if cfg.FailureRate <= 0 {
		cfg.FailureRate = 0.5
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 30 * time.Second
	}
	if cfg.PermittedProbes <= 0 {
		cfg.PermittedProbes = 5
	}
	return &Breaker{
		cfg:    cfg,
		name:   name,
		state:  StateClosed,
		window: make([]bool, cfg.WindowSize),
		clock:  time.Now,
	}
}

// Allow reserves the right to make one call. It must be paired with
// exactly one RecordSuccess or RecordFailure when it returns nil.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.clock().Sub(b.openedAt) >= b.cfg.Wait {
			b.transitionTo(StateHalfOpen)
			b.probesInFlight++
			b.probesIssued++
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.probesIssued >= b.cfg.PermittedProbes {
			return ErrCircuitOpen
		}
		b.probesInFlight++
		b.probesIssued++
		return nil
	}
	return nil
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.observe(false)
	case StateHalfOpen:
		b.probesInFlight--
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.PermittedProbes {
			b.transitionTo(StateClosed)
		}
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.observe(true)
		if b.total >= b.cfg.MinimumCalls &&
			float64(b.failures)/float64(b.total) >= b.cfg.FailureRate {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		// A single probe failure reopens the circuit and restarts the
		// wait timer.
		b.probesInFlight--
		b.transitionTo(StateOpen)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) observe(failure bool) {
	if b.total == len(b.window) {
		// evict the oldest outcome
		if b.window[b.head] {
			b.failures--
		}
	} else {
		b.total++
	}
	b.window[b.head] = failure
	if failure {
		b.failures++
	}
	b.head = (b.head + 1) % len(b.window)
}

func (b *Breaker) transitionTo(next State) {
	prev := b.state
	b.state = next

	switch next {
	case StateClosed:
		b.total = 0
		b.failures = 0
		b.head = 0
		b.probesInFlight = 0
		b.probesIssued = 0
		b.probeSuccesses = 0
	case StateOpen:
		b.openedAt = b.clock()
		b.probesInFlight = 0
		b.probesIssued = 0
		b.probeSuccesses = 0
	case StateHalfOpen:
		b.probesInFlight = 0
		b.probesIssued = 0
		b.probeSuccesses = 0
	}

	metrics.BreakerState.WithLabelValues(b.name).Set(float64(next))
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, prev, next)
	}
}

// Registry holds one breaker per endpoint identity. Breakers are created
// on first use and live for the process lifetime.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config) *Registry {
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = func(endpoint string, from, to State) {
			logger.Warn("circuit state change",
				"endpoint", endpoint, "from", from.String(), "to", to.String())
		}
	}
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

func (r *Registry) Get(endpoint string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[endpoint]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[endpoint]; ok {
		return b
	}
	b = newBreaker(endpoint, r.cfg)
	r.breakers[endpoint] = b
	return b
}

// Do runs fn under the endpoint's breaker. A context error from fn counts
// as a failure of the dependency.
func (r *Registry) Do(ctx context.Context, endpoint string, fn func(ctx context.Context) error) error {
	b := r.Get(endpoint)
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}
