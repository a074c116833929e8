package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/whalewallet/shardgate/internal/breaker"
	"github.com/whalewallet/shardgate/internal/model"
	"github.com/whalewallet/shardgate/internal/pkg/apperrors"
	"github.com/whalewallet/shardgate/internal/pkg/logger"
)

// WhitelistStore answers membership for (account, chain, address) and
// accepts implicit entries promoted out of quarantine.
type WhitelistStore interface {
	Has(ctx context.Context, accountID, chain, address string) (bool, error)
	Add(ctx context.Context, entry model.WhitelistEntry) error
}

// GasOracle reports the current estimated gas price and the rolling
// baseline it is compared against. Implementations call the chain RPC
// through the circuit breaker.
type GasOracle interface {
	GasPrice(ctx context.Context) (current, baseline decimal.Decimal, err error)
}

// ContractVerifier reports whether a destination is a contract and, if
// so, whether its source is verified. Lookups go through the circuit
// breaker; a failed or open-circuit lookup is indistinguishable from
// "unverified" to the caller.
type ContractVerifier interface {
	Verify(ctx context.Context, chain, address string) (isContract, verified bool, err error)
}

// TwoFactorVerifier checks a 2FA proof. Verification itself is an
// external collaborator; only the pass/fail decision matters here.
type TwoFactorVerifier interface {
	Verify(ctx context.Context, accountID, proof string) (bool, error)
}

type ruleResult struct {
	outcome model.Outcome
	reason  string
}

func pass() ruleResult                 { return ruleResult{outcome: model.OutcomePass} }
func block(reason string) ruleResult   { return ruleResult{outcome: model.OutcomeBlock, reason: reason} }
func warn(reason string) ruleResult    { return ruleResult{outcome: model.OutcomeWarn, reason: reason} }
func need2FA(reason string) ruleResult { return ruleResult{outcome: model.OutcomeRequire2FA, reason: reason} }

// evalVelocity interprets the pipeline's reservation attempt. A failed
// reservation is a hard block carrying the exact counters; a successful
// one can still warn when the window is nearly spent.
func (e *Engine) evalVelocity(in Input, cfg model.RuleConfig) (ruleResult, error) {
	if in.ReserveErr != nil {
		var le *apperrors.LimitExceeded
		if appErr, ok := in.ReserveErr.(*apperrors.AppError); ok {
			if inner, ok2 := appErr.Cause.(*apperrors.LimitExceeded); ok2 {
				le = inner
			}
		}
		if le == nil {
			// Reservation failed for a non-limit reason (store outage).
			// That is an internal fault, not a user-facing limit.
			return ruleResult{}, in.ReserveErr
		}
		return block(le.Error()), nil
	}

	warnRatio := cfg.WarnRatio
	if warnRatio <= 0 {
		warnRatio = e.cfg.VelocityWarnRatio
	}
	if in.Limits.DailyMaxUSD.IsPositive() && warnRatio > 0 {
		soft := in.Limits.DailyMaxUSD.Mul(decimal.NewFromFloat(warnRatio))
		if in.DailySpend.GreaterThanOrEqual(soft) {
			return warn(fmt.Sprintf("daily spend %s above %.0f%% of limit %s",
				in.DailySpend.StringFixed(2), warnRatio*100, in.Limits.DailyMaxUSD.StringFixed(2))), nil
		}
	}
	return pass(), nil
}

// evalWhitelist checks the destination against the account's whitelist.
// In warn mode an unknown address is let through once with a warning and
// quarantined; until the quarantine expires, repeats require 2FA. An
// address whose quarantine has run out is promoted onto the whitelist.
func (e *Engine) evalWhitelist(ctx context.Context, in Input, cfg model.RuleConfig) (ruleResult, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = "warn"
	}
	if mode != "warn" && mode != "block" {
		return ruleResult{}, fmt.Errorf("whitelist: unknown mode %q", cfg.Mode)
	}

	listed, err := e.whitelist.Has(ctx, in.Account.ID, in.Request.Chain, in.Request.To)
	if err != nil {
		return ruleResult{}, err
	}
	if listed {
		return pass(), nil
	}

	if mode == "block" {
		return block(fmt.Sprintf("address %s is not whitelisted", shortAddr(in.Request.To))), nil
	}

	entry, err := e.quarantine.Get(ctx, in.Account.ID, in.Request.Chain, in.Request.To)
	if err != nil {
		return ruleResult{}, err
	}
	if entry != nil {
		if e.clock().After(entry.ExpiresAt) {
			return e.promoteFromQuarantine(ctx, in)
		}
		return need2FA(fmt.Sprintf("address %s is quarantined until %s",
			shortAddr(in.Request.To), entry.ExpiresAt.UTC().Format(time.RFC3339))), nil
	}

	// First sighting: warn and start the cool-down window.
	quarantineFor := time.Duration(e.cfg.QuarantineHours) * time.Hour
	if err := e.quarantine.Put(ctx, model.QuarantineEntry{
		AccountID: in.Account.ID,
		Chain:     in.Request.Chain,
		Address:   in.Request.To,
		ExpiresAt: e.clock().Add(quarantineFor),
	}); err != nil {
		return ruleResult{}, err
	}
	return warn(fmt.Sprintf("new address %s not in whitelist, quarantined for %dh",
		shortAddr(in.Request.To), e.cfg.QuarantineHours)), nil
}

// promoteFromQuarantine writes the implicit whitelist entry for an
// address that sat out its full quarantine window. The quarantine entry
// is dropped best-effort; the whitelist write is what matters.
func (e *Engine) promoteFromQuarantine(ctx context.Context, in Input) (ruleResult, error) {
	if err := e.whitelist.Add(ctx, model.WhitelistEntry{
		AccountID: in.Account.ID,
		Chain:     in.Request.Chain,
		Address:   in.Request.To,
		Label:     "promoted after quarantine",
		CreatedAt: e.clock().UTC(),
	}); err != nil {
		return ruleResult{}, err
	}
	if err := e.quarantine.Delete(ctx, in.Account.ID, in.Request.Chain, in.Request.To); err != nil {
		logger.Warn("quarantine entry cleanup failed",
			"account_id", in.Account.ID, "address", shortAddr(in.Request.To), "error", err)
	}
	logger.Info("address promoted from quarantine",
		"account_id", in.Account.ID, "address", shortAddr(in.Request.To))
	return pass(), nil
}

// evalTimelock blocks inside the configured hour range unless the amount
// is below the small-transfer exemption.
func (e *Engine) evalTimelock(in Input, cfg model.RuleConfig) (ruleResult, error) {
	exempt := cfg.SmallTransferExemptUSD
	if exempt.IsZero() {
		exempt = decimal.NewFromFloat(e.cfg.SmallTransferExempt)
	}
	if exempt.IsPositive() && in.Request.ValueUSD.LessThan(exempt) {
		return pass(), nil
	}

	loc := time.UTC
	if cfg.Timezone != "" {
		parsed, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return ruleResult{}, fmt.Errorf("timelock: invalid timezone %q: %w", cfg.Timezone, err)
		}
		loc = parsed
	}
	now := e.clock().In(loc)

	if cfg.BlockWeekends {
		if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return block("transfers are blocked on weekends"), nil
		}
	}

	if cfg.BlockStartHour == nil || cfg.BlockEndHour == nil {
		return pass(), nil
	}
	start, end := *cfg.BlockStartHour, *cfg.BlockEndHour
	if start < 0 || start > 23 || end < 0 || end > 23 {
		return ruleResult{}, fmt.Errorf("timelock: hour out of range (%d-%d)", start, end)
	}
	if inBlockedHours(now.Hour(), start, end) {
		return block(fmt.Sprintf("transfers are blocked between %02d:00 and %02d:00 (%s)",
			start, end, loc.String())), nil
	}
	return pass(), nil
}

// inBlockedHours handles overnight ranges, e.g. 23-06.
func inBlockedHours(current, start, end int) bool {
	if start <= end {
		return current >= start && current < end
	}
	return current >= start || current < end
}

// evalGasProtection is informational only: a gas spike or an unreachable
// oracle produces a warning, never a block.
func (e *Engine) evalGasProtection(ctx context.Context, cfg model.RuleConfig) (ruleResult, error) {
	current, baseline, err := e.gas.GasPrice(ctx)
	if err != nil {
		logger.Warn("gas oracle unavailable", "error", err)
		return warn("gas price oracle unavailable, proceed with caution"), nil
	}
	multiplier := cfg.GasSpikeMultiplier
	if multiplier <= 0 {
		multiplier = e.cfg.GasSpikeMultiplier
	}
	if baseline.IsPositive() && current.GreaterThan(baseline.Mul(decimal.NewFromFloat(multiplier))) {
		return warn(fmt.Sprintf("gas price %s exceeds %.1fx rolling baseline %s",
			current.String(), multiplier, baseline.String())), nil
	}
	return pass(), nil
}

// evalContractVerification blocks contract interactions whose destination
// is unverified, unknown, or unreachable. Unverified-or-unknown is
// treated identically to known-malicious.
func (e *Engine) evalContractVerification(ctx context.Context, in Input) (ruleResult, error) {
	isContract, verified, err := e.contracts.Verify(ctx, in.Request.Chain, in.Request.To)
	if err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) {
			return block("contract verification unavailable (circuit open)"), nil
		}
		return block(fmt.Sprintf("contract verification failed: %v", err)), nil
	}
	if isContract && !verified {
		return block(fmt.Sprintf("destination contract %s is not verified", shortAddr(in.Request.To))), nil
	}
	return pass(), nil
}

func shortAddr(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:10] + "..."
}
