package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/whalewallet/shardgate/internal/breaker"
	"github.com/whalewallet/shardgate/internal/config"
	"github.com/whalewallet/shardgate/internal/model"
	"github.com/whalewallet/shardgate/internal/pkg/apperrors"
	"github.com/whalewallet/shardgate/internal/pkg/security"
)

type fakeWhitelist struct {
	listed map[string]bool
	err    error
}

func (f *fakeWhitelist) Has(ctx context.Context, accountID, chain, address string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.listed[address], nil
}

func (f *fakeWhitelist) Add(ctx context.Context, entry model.WhitelistEntry) error {
	if f.err != nil {
		return f.err
	}
	f.listed[entry.Address] = true
	return nil
}

type fakeGasOracle struct {
	current  decimal.Decimal
	baseline decimal.Decimal
	err      error
}

func (f *fakeGasOracle) GasPrice(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	return f.current, f.baseline, f.err
}

type fakeContractVerifier struct {
	isContract bool
	verified   bool
	err        error
}

func (f *fakeContractVerifier) Verify(ctx context.Context, chain, address string) (bool, bool, error) {
	return f.isContract, f.verified, f.err
}

type fakeTwoFA struct {
	ok  bool
	err error
}

func (f *fakeTwoFA) Verify(ctx context.Context, accountID, proof string) (bool, error) {
	return f.ok, f.err
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (s *recordingSink) Dispatch(alert Alert) {
	s.mu.Lock()
	s.alerts = append(s.alerts, alert)
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

type engineFixture struct {
	engine     *Engine
	duress     *DuressEvaluator
	whitelist  *fakeWhitelist
	quarantine *MemoryQuarantineStore
	gas        *fakeGasOracle
	contracts  *fakeContractVerifier
	twofa      *fakeTwoFA
	sink       *recordingSink
}

func newEngineFixture() *engineFixture {
	f := &engineFixture{
		whitelist:  &fakeWhitelist{listed: make(map[string]bool)},
		quarantine: NewMemoryQuarantineStore(),
		gas:        &fakeGasOracle{current: decimal.NewFromInt(20), baseline: decimal.NewFromInt(20)},
		contracts:  &fakeContractVerifier{},
		twofa:      &fakeTwoFA{},
		sink:       &recordingSink{},
	}
	f.duress = NewDuressEvaluator(f.sink)
	f.engine = NewEngine(config.PolicyConfig{
		QuarantineHours:     24,
		VelocityWarnRatio:   0.8,
		GasSpikeMultiplier:  3,
		SmallTransferExempt: 100,
	}, f.duress, f.whitelist, f.quarantine, f.gas, f.contracts, f.twofa)
	return f
}

func testAccount() *model.Account {
	return &model.Account{ID: "acct-1", Tier: model.TierOrca}
}

func testLimits() Limits {
	return Limits{
		DailyMaxUSD:     decimal.NewFromInt(10000),
		PerTxMaxUSD:     decimal.NewFromInt(5000),
		Require2FAAbove: decimal.NewFromInt(2500),
	}
}

func baseInput(acct *model.Account) Input {
	return Input{
		Account:   acct,
		SessionID: "sess-1",
		Limits:    testLimits(),
		Request: model.TransactionRequest{
			Chain:    "ethereum",
			To:       "0x1111111111111111111111111111111111111111",
			ValueUSD: decimal.NewFromInt(500),
		},
	}
}

func TestDuressPINApprovesAndAlerts(t *testing.T) {
	f := newEngineFixture()
	acct := testAccount()
	hash, salt, err := security.HashPIN("911911")
	assert.NoError(t, err)
	acct.DuressPINHash = hash
	acct.DuressPINSalt = salt
	acct.EmergencyEmail = "trusted@example.com"

	in := baseInput(acct)
	in.Request.PIN = "911911"
	// would be a hard velocity block on the normal path
	in.ReserveErr = apperrors.NewLimitExceeded(&apperrors.LimitExceeded{
		Scope: "daily", Current: decimal.NewFromInt(9999),
		Limit: decimal.NewFromInt(10000), Requested: decimal.NewFromInt(500),
	})

	v := f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeApprove, v.Outcome)
	assert.Len(t, v.Evaluations, 1)
	assert.Equal(t, model.RuleDuress, v.Evaluations[0].Rule)
	assert.Equal(t, 1, f.sink.count())
	assert.Equal(t, "trusted@example.com", f.sink.alerts[0].EmergencyEmail)

	// Quarantine state was not touched on the decoy path.
	entry, err := f.quarantine.Get(context.Background(), acct.ID, "ethereum", in.Request.To)
	assert.NoError(t, err)
	assert.Nil(t, entry)
}

func TestDuressFlagPersistsForSession(t *testing.T) {
	f := newEngineFixture()
	acct := testAccount()
	hash, salt, _ := security.HashPIN("911911")
	acct.DuressPINHash = hash
	acct.DuressPINSalt = salt

	in := baseInput(acct)
	in.Request.PIN = "911911"
	v := f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeApprove, v.Outcome)

	// Later request in the same session, no credential supplied.
	in2 := baseInput(acct)
	in2.Request.PIN = ""
	v2 := f.engine.Evaluate(context.Background(), in2)
	assert.Equal(t, model.OutcomeApprove, v2.Outcome)
	assert.Equal(t, 1, f.sink.count(), "alert must fire only on the match")

	f.duress.EndSession(acct.ID, "sess-1")
	assert.False(t, f.duress.Active(acct.ID, "sess-1"))
}

func TestWrongPINStaysOnNormalPath(t *testing.T) {
	f := newEngineFixture()
	acct := testAccount()
	hash, salt, _ := security.HashPIN("911911")
	acct.DuressPINHash = hash
	acct.DuressPINSalt = salt

	in := baseInput(acct)
	in.Request.PIN = "123456"
	v := f.engine.Evaluate(context.Background(), in)

	assert.Equal(t, model.OutcomeApprove, v.Outcome)
	assert.Equal(t, model.OutcomePass, v.Evaluations[0].Outcome)
	assert.Equal(t, 0, f.sink.count())
	assert.False(t, f.duress.Active(acct.ID, "sess-1"))
}

func TestVelocityReservationFailureBlocks(t *testing.T) {
	f := newEngineFixture()
	in := baseInput(testAccount())
	in.ReserveErr = apperrors.NewLimitExceeded(&apperrors.LimitExceeded{
		Scope: "daily", Current: decimal.NewFromInt(8000),
		Limit: decimal.NewFromInt(10000), Requested: decimal.NewFromInt(3000),
	})

	v := f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeBlock, v.Outcome)
	assert.Equal(t, model.RuleVelocity, v.BlockedBy)
	assert.Contains(t, v.Reason, "current=8000.00")
}

func TestVelocityStoreOutageFailsSecure(t *testing.T) {
	f := newEngineFixture()
	in := baseInput(testAccount())
	in.ReserveErr = errors.New("redis: connection refused")

	v := f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeBlock, v.Outcome)
	assert.Equal(t, model.RuleVelocity, v.BlockedBy)
}

func TestVelocityWarnsNearDailyLimit(t *testing.T) {
	f := newEngineFixture()
	in := baseInput(testAccount())
	in.DailySpend = decimal.NewFromInt(8500) // above 80% of 10000

	v := f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeWarn, v.Outcome)
	assert.Len(t, v.Warnings, 1)
}

func TestTier2FAThreshold(t *testing.T) {
	f := newEngineFixture()
	in := baseInput(testAccount())
	in.Request.ValueUSD = decimal.NewFromInt(3000)

	v := f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeRequire2FA, v.Outcome)

	in.Request.TwoFAProof = "deadbeef"
	f.twofa.ok = true
	v = f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeApprove, v.Outcome)
}

func TestTier2FABadProofStillRequired(t *testing.T) {
	f := newEngineFixture()
	in := baseInput(testAccount())
	in.Request.ValueUSD = decimal.NewFromInt(3000)
	in.Request.TwoFAProof = "wrong"
	f.twofa.ok = false

	v := f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeRequire2FA, v.Outcome)
}

func whitelistPolicy(mode string) model.Policy {
	return model.Policy{
		ID: "pol-wl", AccountID: "acct-1",
		Kind: model.RuleWhitelist, Priority: 1, Active: true,
		Config: model.RuleConfig{Mode: mode},
	}
}

func TestWhitelistWarnQuarantineFlow(t *testing.T) {
	f := newEngineFixture()
	in := baseInput(testAccount())
	in.Policies = []model.Policy{whitelistPolicy("warn")}

	// First sighting: pass with warning, address quarantined.
	v := f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeWarn, v.Outcome)
	entry, err := f.quarantine.Get(context.Background(), "acct-1", "ethereum", in.Request.To)
	assert.NoError(t, err)
	assert.NotNil(t, entry)

	// Repeat while quarantined: 2FA gate.
	v = f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeRequire2FA, v.Outcome)

	// With a valid proof the quarantined repeat goes through.
	in.Request.TwoFAProof = "deadbeef"
	f.twofa.ok = true
	v = f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeApprove, v.Outcome)

	// A whitelisted destination never enters the flow.
	in.Request.To = "0x2222222222222222222222222222222222222222"
	in.Request.TwoFAProof = ""
	f.whitelist.listed[in.Request.To] = true
	v = f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeApprove, v.Outcome)
}

func TestWhitelistQuarantineExpiryPromotes(t *testing.T) {
	f := newEngineFixture()
	in := baseInput(testAccount())
	in.Policies = []model.Policy{whitelistPolicy("warn")}

	v := f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeWarn, v.Outcome)

	// 25h later the 24h quarantine has served out; the next transfer
	// promotes the address instead of warning or gating again.
	f.engine.clock = func() time.Time { return time.Now().Add(25 * time.Hour) }
	v = f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeApprove, v.Outcome)
	assert.Empty(t, v.Warnings)
	assert.True(t, f.whitelist.listed[in.Request.To], "address must be whitelisted after promotion")

	entry, err := f.quarantine.Get(context.Background(), "acct-1", "ethereum", in.Request.To)
	assert.NoError(t, err)
	assert.Nil(t, entry, "promoted address must leave quarantine")

	// Subsequent transfers take the plain whitelisted path.
	v = f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeApprove, v.Outcome)
}

func TestWhitelistUnknownModeFailsSecure(t *testing.T) {
	f := newEngineFixture()
	in := baseInput(testAccount())
	in.Policies = []model.Policy{whitelistPolicy("block_unknown")}

	v := f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeBlock, v.Outcome)
	assert.Equal(t, model.RuleWhitelist, v.BlockedBy)
}

func TestWhitelistBlockMode(t *testing.T) {
	f := newEngineFixture()
	in := baseInput(testAccount())
	in.Policies = []model.Policy{whitelistPolicy("block")}

	v := f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeBlock, v.Outcome)
	assert.Equal(t, model.RuleWhitelist, v.BlockedBy)
}

func TestWhitelistStoreErrorFailsSecure(t *testing.T) {
	f := newEngineFixture()
	f.whitelist.err = errors.New("pg: connection reset")
	in := baseInput(testAccount())
	in.Policies = []model.Policy{whitelistPolicy("warn")}

	v := f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeBlock, v.Outcome)
	assert.Equal(t, model.RuleWhitelist, v.BlockedBy)
}

func timelockPolicy(start, end int) model.Policy {
	return model.Policy{
		ID: "pol-tl", AccountID: "acct-1",
		Kind: model.RuleTimelock, Priority: 1, Active: true,
		Config: model.RuleConfig{BlockStartHour: &start, BlockEndHour: &end},
	}
}

func TestTimelockOvernightRange(t *testing.T) {
	f := newEngineFixture()
	in := baseInput(testAccount())
	in.Policies = []model.Policy{timelockPolicy(22, 6)}

	f.engine.clock = func() time.Time {
		return time.Date(2026, 3, 16, 23, 30, 0, 0, time.UTC) // Monday night
	}
	v := f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeBlock, v.Outcome)
	assert.Equal(t, model.RuleTimelock, v.BlockedBy)

	f.engine.clock = func() time.Time {
		return time.Date(2026, 3, 17, 5, 30, 0, 0, time.UTC) // still inside, past midnight
	}
	v = f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeBlock, v.Outcome)

	f.engine.clock = func() time.Time {
		return time.Date(2026, 3, 17, 12, 0, 0, 0, time.UTC)
	}
	v = f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeApprove, v.Outcome)
}

func TestTimelockSmallTransferExempt(t *testing.T) {
	f := newEngineFixture()
	in := baseInput(testAccount())
	in.Request.ValueUSD = decimal.NewFromInt(50) // below 100 exemption
	in.Policies = []model.Policy{timelockPolicy(22, 6)}

	f.engine.clock = func() time.Time {
		return time.Date(2026, 3, 16, 23, 30, 0, 0, time.UTC)
	}
	v := f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeApprove, v.Outcome)
}

func TestTimelockWeekends(t *testing.T) {
	f := newEngineFixture()
	in := baseInput(testAccount())
	p := model.Policy{
		ID: "pol-tl", Kind: model.RuleTimelock, Priority: 1, Active: true,
		Config: model.RuleConfig{BlockWeekends: true},
	}
	in.Policies = []model.Policy{p}

	f.engine.clock = func() time.Time {
		return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) // Saturday
	}
	v := f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeBlock, v.Outcome)

	f.engine.clock = func() time.Time {
		return time.Date(2026, 3, 16, 12, 0, 0, 0, time.UTC) // Monday
	}
	v = f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeApprove, v.Outcome)
}

func TestTimelockInvalidHoursFailSecure(t *testing.T) {
	f := newEngineFixture()
	in := baseInput(testAccount())
	in.Policies = []model.Policy{timelockPolicy(22, 25)}

	v := f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeBlock, v.Outcome)
	assert.Equal(t, model.RuleTimelock, v.BlockedBy)
}

func gasPolicy() model.Policy {
	return model.Policy{
		ID: "pol-gas", Kind: model.RuleGasProtection, Priority: 1, Active: true,
	}
}

func TestGasSpikeWarns(t *testing.T) {
	f := newEngineFixture()
	f.gas.current = decimal.NewFromInt(100)
	f.gas.baseline = decimal.NewFromInt(20) // 5x, above 3x multiplier
	in := baseInput(testAccount())
	in.Policies = []model.Policy{gasPolicy()}

	v := f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeWarn, v.Outcome)
	assert.Contains(t, v.Warnings[0], "baseline")
}

func TestGasOracleFailureWarnsNotBlocks(t *testing.T) {
	f := newEngineFixture()
	f.gas.err = breaker.ErrCircuitOpen
	in := baseInput(testAccount())
	in.Policies = []model.Policy{gasPolicy()}

	v := f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeWarn, v.Outcome)
}

func contractPolicy() model.Policy {
	return model.Policy{
		ID: "pol-cv", Kind: model.RuleContractVerification, Priority: 1, Active: true,
	}
}

func TestContractVerification(t *testing.T) {
	f := newEngineFixture()
	in := baseInput(testAccount())
	in.Policies = []model.Policy{contractPolicy()}

	// EOA destination passes.
	v := f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeApprove, v.Outcome)

	// Unverified contract blocks.
	f.contracts.isContract = true
	f.contracts.verified = false
	v = f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeBlock, v.Outcome)
	assert.Equal(t, model.RuleContractVerification, v.BlockedBy)

	// Verified contract passes.
	f.contracts.verified = true
	v = f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeApprove, v.Outcome)
}

func TestContractVerificationOutageBlocks(t *testing.T) {
	f := newEngineFixture()
	f.contracts.err = breaker.ErrCircuitOpen
	in := baseInput(testAccount())
	in.Policies = []model.Policy{contractPolicy()}

	v := f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeBlock, v.Outcome)
	assert.Contains(t, v.Reason, "circuit open")
}

func TestUnknownRuleKindFailsSecure(t *testing.T) {
	f := newEngineFixture()
	in := baseInput(testAccount())
	in.Policies = []model.Policy{{
		ID: "pol-x", Kind: model.RuleKind("exotic"), Priority: 1, Active: true,
	}}

	v := f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeBlock, v.Outcome)
}

func TestInactivePolicySkipped(t *testing.T) {
	f := newEngineFixture()
	in := baseInput(testAccount())
	p := whitelistPolicy("block")
	p.Active = false
	in.Policies = []model.Policy{p}

	v := f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.OutcomeApprove, v.Outcome)
}

func TestPolicyPriorityOrdering(t *testing.T) {
	f := newEngineFixture()
	f.engine.clock = func() time.Time {
		return time.Date(2026, 3, 16, 23, 30, 0, 0, time.UTC)
	}
	in := baseInput(testAccount())

	tl := timelockPolicy(22, 6)
	tl.Priority = 1
	wl := whitelistPolicy("block")
	wl.Priority = 2
	in.Policies = []model.Policy{wl, tl}

	v := f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.RuleTimelock, v.BlockedBy)

	tl.Priority = 2
	wl.Priority = 1
	in.Policies = []model.Policy{wl, tl}
	v = f.engine.Evaluate(context.Background(), in)
	assert.Equal(t, model.RuleWhitelist, v.BlockedBy)
}
