package policy

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/whalewallet/shardgate/internal/config"
	"github.com/whalewallet/shardgate/internal/model"
	"github.com/whalewallet/shardgate/internal/pkg/logger"
	"github.com/whalewallet/shardgate/internal/pkg/metrics"
)

// Input carries everything one evaluation needs. The pipeline reserves
// velocity budget before evaluation and hands the outcome in, so the
// velocity rule never touches the ledger directly.
type Input struct {
	Account   *model.Account
	SessionID string
	Limits    Limits
	Request   model.TransactionRequest
	Policies  []model.Policy
	Location  string // best-effort device location for the duress alert

	ReserveErr error           // nil when the reservation succeeded
	DailySpend decimal.Decimal // window spend after the reservation
}

type Limits struct {
	DailyMaxUSD     decimal.Decimal
	PerTxMaxUSD     decimal.Decimal
	Require2FAAbove decimal.Decimal
}

// LimitsFromTier converts a config tier row into evaluation limits.
func LimitsFromTier(t config.TierLimits) Limits {
	return Limits{
		DailyMaxUSD:     decimal.NewFromFloat(t.DailyMaxUSD),
		PerTxMaxUSD:     decimal.NewFromFloat(t.PerTxMaxUSD),
		Require2FAAbove: decimal.NewFromFloat(t.Require2FAAbove),
	}
}

// Engine evaluates the closed rule set against a transaction request.
// The duress rule always runs first; every other rule runs in priority
// order with creation order as the tie-break. Any rule error is a BLOCK,
// never an approval.
type Engine struct {
	cfg        config.PolicyConfig
	duress     *DuressEvaluator
	whitelist  WhitelistStore
	quarantine QuarantineStore
	gas        GasOracle
	contracts  ContractVerifier
	twofa      TwoFactorVerifier
	clock      func() time.Time
}

func NewEngine(
	cfg config.PolicyConfig,
	duress *DuressEvaluator,
	whitelist WhitelistStore,
	quarantine QuarantineStore,
	gas GasOracle,
	contracts ContractVerifier,
	twofa TwoFactorVerifier,
) *Engine {
	return &Engine{
		cfg:        cfg,
		duress:     duress,
		whitelist:  whitelist,
		quarantine: quarantine,
		gas:        gas,
		contracts:  contracts,
		twofa:      twofa,
		clock:      time.Now,
	}
}

// Evaluate produces exactly one verdict for the request. Verdicts are
// write-once; callers re-evaluate to get a new one.
func (e *Engine) Evaluate(ctx context.Context, in Input) *model.PolicyVerdict {
	v := &model.PolicyVerdict{
		ID:          uuid.New().String(),
		EvaluatedAt: e.clock().UTC(),
	}

	// Duress intercept. While the decoy session is active the wallet must
	// behave as if no policy exists, so evaluation stops here. Quarantine
	// state is deliberately not read or written on this path.
	if e.duress.Check(ctx, in.Account, in.SessionID, in.Request, in.Location) {
		v.Outcome = model.OutcomeApprove
		v.Evaluations = append(v.Evaluations, model.RuleEvaluation{
			Rule:    model.RuleDuress,
			Outcome: model.OutcomeApprove,
		})
		return v
	}
	v.Evaluations = append(v.Evaluations, model.RuleEvaluation{
		Rule:    model.RuleDuress,
		Outcome: model.OutcomePass,
	})

	// The tier velocity check is implicit on every account; configured
	// velocity policies only tune the warn threshold.
	twoFARequired := false
	twoFAReason := ""

	velCfg := model.RuleConfig{}
	ordered := orderPolicies(in.Policies)
	for _, p := range ordered {
		if p.Kind == model.RuleVelocity && p.Active {
			velCfg = p.Config
			break
		}
	}

	res, err := e.evalVelocity(in, velCfg)
	if terminal, verdict := e.apply(v, model.RuleVelocity, res, err, &twoFARequired, &twoFAReason); terminal {
		return verdict
	}

	// Tier 2FA threshold is part of the velocity concern.
	if in.Limits.Require2FAAbove.IsPositive() && in.Request.ValueUSD.GreaterThan(in.Limits.Require2FAAbove) && !twoFARequired {
		twoFARequired = true
		twoFAReason = "amount above tier 2FA threshold"
		v.Evaluations = append(v.Evaluations, model.RuleEvaluation{
			Rule:    model.RuleVelocity,
			Outcome: model.OutcomeRequire2FA,
			Reason:  twoFAReason,
		})
	}

	for _, p := range ordered {
		if !p.Active {
			continue
		}
		var res ruleResult
		var err error
		switch p.Kind {
		case model.RuleVelocity:
			continue // handled above
		case model.RuleWhitelist:
			res, err = e.evalWhitelist(ctx, in, p.Config)
		case model.RuleTimelock:
			res, err = e.evalTimelock(in, p.Config)
		case model.RuleGasProtection:
			res, err = e.evalGasProtection(ctx, p.Config)
		case model.RuleContractVerification:
			res, err = e.evalContractVerification(ctx, in)
		case model.RuleDuress:
			continue // implicit, already ran first
		default:
			// Unknown kind in storage: fail secure.
			res, err = ruleResult{}, errUnknownRule(p.Kind)
		}
		if terminal, verdict := e.apply(v, p.Kind, res, err, &twoFARequired, &twoFAReason); terminal {
			return verdict
		}
	}

	if twoFARequired {
		ok, err := e.verify2FA(ctx, in)
		if err != nil {
			return e.failSecure(v, model.RuleVelocity, err)
		}
		if !ok {
			v.Outcome = model.OutcomeRequire2FA
			v.Reason = twoFAReason
			return v
		}
	}

	if len(v.Warnings) > 0 {
		v.Outcome = model.OutcomeWarn
		return v
	}
	v.Outcome = model.OutcomeApprove
	return v
}

// apply folds one rule result into the verdict. It returns the finished
// verdict when the rule is terminal.
func (e *Engine) apply(v *model.PolicyVerdict, kind model.RuleKind, res ruleResult, err error, twoFA *bool, twoFAReason *string) (bool, *model.PolicyVerdict) {
	if err != nil {
		return true, e.failSecure(v, kind, err)
	}

	v.Evaluations = append(v.Evaluations, model.RuleEvaluation{
		Rule:    kind,
		Outcome: res.outcome,
		Reason:  res.reason,
	})

	switch res.outcome {
	case model.OutcomeBlock:
		metrics.PolicyBlocks.WithLabelValues(string(kind)).Inc()
		v.Outcome = model.OutcomeBlock
		v.BlockedBy = kind
		v.Reason = res.reason
		return true, v
	case model.OutcomeWarn:
		v.Warnings = append(v.Warnings, res.reason)
	case model.OutcomeRequire2FA:
		if !*twoFA {
			*twoFA = true
			*twoFAReason = res.reason
		}
	}
	return false, nil
}

// failSecure converts any rule evaluation error into a BLOCK verdict.
// Ambiguity never defaults to allow.
func (e *Engine) failSecure(v *model.PolicyVerdict, kind model.RuleKind, err error) *model.PolicyVerdict {
	logger.Error("rule evaluation failed, blocking", "rule", string(kind), "error", err)
	metrics.PolicyBlocks.WithLabelValues(string(kind)).Inc()
	v.Evaluations = append(v.Evaluations, model.RuleEvaluation{
		Rule:    kind,
		Outcome: model.OutcomeBlock,
		Reason:  "evaluation error",
	})
	v.Outcome = model.OutcomeBlock
	v.BlockedBy = kind
	v.Reason = "policy evaluation error"
	return v
}

func (e *Engine) verify2FA(ctx context.Context, in Input) (bool, error) {
	if in.Request.TwoFAProof == "" {
		return false, nil
	}
	return e.twofa.Verify(ctx, in.Account.ID, in.Request.TwoFAProof)
}

// orderPolicies sorts by priority ascending with creation time as the
// stable tie-break, so equal priorities never evaluate in map order.
func orderPolicies(policies []model.Policy) []model.Policy {
	out := make([]model.Policy, len(policies))
	copy(out, policies)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

type unknownRuleError struct{ kind model.RuleKind }

func (e unknownRuleError) Error() string { return "unknown rule kind: " + string(e.kind) }

func errUnknownRule(kind model.RuleKind) error { return unknownRuleError{kind: kind} }
