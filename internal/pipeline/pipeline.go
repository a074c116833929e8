package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/whalewallet/shardgate/internal/config"
	"github.com/whalewallet/shardgate/internal/ledger"
	"github.com/whalewallet/shardgate/internal/model"
	"github.com/whalewallet/shardgate/internal/pkg/apperrors"
	"github.com/whalewallet/shardgate/internal/pkg/logger"
	"github.com/whalewallet/shardgate/internal/pkg/metrics"
	"github.com/whalewallet/shardgate/internal/policy"
	"github.com/whalewallet/shardgate/internal/service"
	"github.com/whalewallet/shardgate/internal/signing"
)

// PolicySource lists an account's active policies.
type PolicySource interface {
	ListActive(ctx context.Context, accountID string) ([]model.Policy, error)
}

// PriceConverter normalizes a native amount to USD.
type PriceConverter interface {
	USDValue(ctx context.Context, chain string, amountNative decimal.Decimal) (decimal.Decimal, error)
}

// Broadcaster submits the signed transaction to the chain.
type Broadcaster interface {
	Broadcast(ctx context.Context, signedTx []byte) (string, error)
}

// Pipeline runs one authorization end to end: reserve velocity budget,
// evaluate policy, sign, then commit or roll back. Every call terminates
// in exactly one audit record and one terminal result.
type Pipeline struct {
	accounts     *service.AccountManager
	ledger       *ledger.Ledger
	engine       *policy.Engine
	duress       *policy.DuressEvaluator
	orchestrator *signing.Orchestrator
	policies     PolicySource
	prices       PriceConverter
	broadcaster  Broadcaster
	audit        *service.AuditService
	chainCfg     config.ChainConfig

	clock func() time.Time
}

func New(
	accounts *service.AccountManager,
	ldg *ledger.Ledger,
	engine *policy.Engine,
	duress *policy.DuressEvaluator,
	orchestrator *signing.Orchestrator,
	policies PolicySource,
	prices PriceConverter,
	broadcaster Broadcaster,
	audit *service.AuditService,
	chainCfg config.ChainConfig,
) *Pipeline {
	return &Pipeline{
		accounts:     accounts,
		ledger:       ldg,
		engine:       engine,
		duress:       duress,
		orchestrator: orchestrator,
		policies:     policies,
		prices:       prices,
		broadcaster:  broadcaster,
		audit:        audit,
		chainCfg:     chainCfg,
		clock:        time.Now,
	}
}

// Authorize is the single externally visible operation. The session id
// scopes the duress flag; location feeds the duress alert.
func (p *Pipeline) Authorize(ctx context.Context, account *model.Account, sessionID string, req model.TransactionRequest, location string) *model.AuthorizationResult {
	started := p.clock()
	requestID := uuid.New().String()

	record := &model.AuditRecord{
		ID:        requestID,
		AccountID: account.ID,
		Chain:     req.Chain,
		To:        req.To,
		Context:   map[string]interface{}{},
	}
	emit := func(result *model.AuthorizationResult) *model.AuthorizationResult {
		record.Status = result.Status
		record.Reason = result.Reason
		record.TxHash = result.TxHash
		record.ValueUSD = req.ValueUSD.StringFixed(2)
		record.LatencyMs = p.clock().Sub(started).Milliseconds()
		record.CreatedAt = p.clock().UTC()
		p.audit.Record(record)
		metrics.AuthorizationsTotal.WithLabelValues(string(result.Status)).Inc()
		return result
	}

	if err := p.normalizeValue(ctx, &req); err != nil {
		// An unpriced transaction cannot be checked against USD limits.
		record.Verdict = model.OutcomeBlock
		return emit(&model.AuthorizationResult{
			RequestID:  requestID,
			Status:     model.StatusBlocked,
			Reason:     fmt.Sprintf("cannot value transaction: %v", err),
			ReasonCode: string(apperrors.ErrUpstream),
		})
	}

	tier := p.accounts.TierLimits(account)
	limits := policy.LimitsFromTier(tier)

	reservation, reserveErr := p.ledger.Reserve(ctx, account.ID, req.ValueUSD, ledger.Limits{
		DailyMaxUSD: limits.DailyMaxUSD,
		PerTxMaxUSD: limits.PerTxMaxUSD,
	})
	if reservation != nil {
		record.Context["reservation_id"] = reservation.ID
	}
	dailySpend, _, usageErr := p.ledger.Usage(ctx, account.ID)
	if usageErr != nil {
		dailySpend = decimal.Zero
	}

	policies, err := p.policies.ListActive(ctx, account.ID)
	if err != nil {
		p.release(ctx, reservation)
		logger.Error("policy load failed, blocking", "account_id", account.ID, "error", err)
		record.Verdict = model.OutcomeBlock
		return emit(&model.AuthorizationResult{
			RequestID:  requestID,
			Status:     model.StatusBlocked,
			Reason:     "policy evaluation error",
			ReasonCode: string(apperrors.ErrPolicyError),
		})
	}

	verdict := p.engine.Evaluate(ctx, policy.Input{
		Account:    account,
		SessionID:  sessionID,
		Limits:     limits,
		Request:    req,
		Policies:   policies,
		Location:   location,
		ReserveErr: reserveErr,
		DailySpend: dailySpend,
	})
	record.Verdict = verdict.Outcome
	record.Context["evaluations"] = verdict.Evaluations
	if len(verdict.Warnings) > 0 {
		record.Context["warnings"] = verdict.Warnings
	}

	duressActive := p.duress.Active(account.ID, sessionID)

	switch verdict.Outcome {
	case model.OutcomeBlock:
		p.release(ctx, reservation)
		result := &model.AuthorizationResult{
			RequestID:  requestID,
			Status:     model.StatusBlocked,
			Reason:     verdict.Reason,
			ReasonCode: reasonCode(verdict),
		}
		if verdict.BlockedBy == model.RuleVelocity && reserveErr != nil {
			if appErr, ok := reserveErr.(*apperrors.AppError); ok {
				result.Details = appErr.Details
			}
		}
		return emit(result)

	case model.OutcomeRequire2FA:
		p.release(ctx, reservation)
		return emit(&model.AuthorizationResult{
			RequestID:  requestID,
			Status:     model.StatusRequires2FA,
			Reason:     verdict.Reason,
			ReasonCode: string(apperrors.ErrTwoFARequired),
		})
	}

	// APPROVE or WARN from here on. A duress approval may arrive with a
	// failed reservation; the decoy path must not reveal the limit, so
	// signing proceeds without one.
	if reserveErr != nil && !duressActive {
		// Engine approved despite a failed reservation outside the duress
		// path; that combination is a bug, fail closed.
		logger.Error("approval with failed reservation, blocking", "account_id", account.ID)
		record.Verdict = model.OutcomeBlock
		return emit(&model.AuthorizationResult{
			RequestID:  requestID,
			Status:     model.StatusBlocked,
			Reason:     "policy evaluation error",
			ReasonCode: string(apperrors.ErrPolicyError),
		})
	}

	digest := requestDigest(req)
	session, err := p.orchestrator.Begin(ctx, account, digest)
	if err != nil {
		p.release(ctx, reservation)
		record.SigningState = string(signing.StateFailed)
		return emit(p.signingFailure(requestID, err))
	}
	record.SigningSession = session.ID

	signature, err := p.orchestrator.AwaitCompletion(ctx, session.ID)
	record.SigningState = string(session.State())
	if err != nil {
		p.release(ctx, reservation)
		return emit(p.signingFailure(requestID, err))
	}

	p.ledger.Commit(ctx, reservation)

	result := &model.AuthorizationResult{
		RequestID: requestID,
		Status:    model.StatusApproved,
		Signature: "0x" + fmt.Sprintf("%x", signature),
	}
	if len(verdict.Warnings) > 0 && !duressActive {
		result.Details = map[string]any{"warnings": verdict.Warnings}
	}

	if p.broadcaster != nil {
		if txHash, err := p.broadcast(ctx, signature, req); err != nil {
			// The signature is valid and the spend is committed; the
			// caller can rebroadcast the returned payload.
			logger.Warn("broadcast failed", "request_id", requestID, "error", err)
			record.Context["broadcast_error"] = err.Error()
		} else {
			result.TxHash = txHash
			result.Broadcast = true
		}
	}
	return emit(result)
}

// normalizeValue fills ValueUSD from the price oracle when the caller
// did not supply it.
func (p *Pipeline) normalizeValue(ctx context.Context, req *model.TransactionRequest) error {
	if req.ValueUSD.IsPositive() {
		return nil
	}
	if req.ValueUSD.IsNegative() {
		return fmt.Errorf("value_usd must not be negative")
	}
	wei, err := decimal.NewFromString(strings.TrimSpace(req.ValueNative))
	if err != nil {
		return fmt.Errorf("invalid native value %q", req.ValueNative)
	}
	if wei.IsZero() {
		return nil
	}
	if p.prices == nil {
		return fmt.Errorf("no price oracle configured")
	}
	native := wei.Shift(-18)
	usd, err := p.prices.USDValue(ctx, req.Chain, native)
	if err != nil {
		return err
	}
	req.ValueUSD = usd
	return nil
}

func (p *Pipeline) broadcast(ctx context.Context, signature []byte, req model.TransactionRequest) (string, error) {
	retries := p.chainCfg.BroadcastRetries
	if retries < 1 {
		retries = 1
	}
	var lastErr error
	for i := 0; i < retries; i++ {
		txHash, err := p.broadcaster.Broadcast(ctx, signature)
		if err == nil {
			return txHash, nil
		}
		lastErr = err
	}
	return "", lastErr
}

func (p *Pipeline) release(ctx context.Context, r *ledger.Reservation) {
	if err := p.ledger.Release(ctx, r); err != nil {
		logger.Error("reservation release failed", "error", err)
	}
}

func (p *Pipeline) signingFailure(requestID string, err error) *model.AuthorizationResult {
	result := &model.AuthorizationResult{
		RequestID:  requestID,
		Status:     model.StatusBlocked,
		Reason:     err.Error(),
		ReasonCode: string(apperrors.ErrSigningFailed),
	}
	if appErr, ok := err.(*apperrors.AppError); ok {
		result.Details = appErr.Details
	}
	return result
}

func reasonCode(v *model.PolicyVerdict) string {
	if v.BlockedBy == model.RuleVelocity {
		return string(apperrors.ErrLimitExceeded)
	}
	if v.Reason == "policy evaluation error" {
		return string(apperrors.ErrPolicyError)
	}
	return string(apperrors.ErrPolicyBlocked)
}

// requestDigest derives the 32-byte digest the shard set signs. It is a
// pure function of the transaction fields, so every participant derives
// the same value independently.
func requestDigest(req model.TransactionRequest) []byte {
	canonical := strings.Join([]string{
		req.Chain,
		strings.ToLower(req.To),
		req.ValueNative,
		req.Data,
		fmt.Sprintf("%d", req.GasLimit),
	}, "|")
	return crypto.Keccak256([]byte(canonical))
}
