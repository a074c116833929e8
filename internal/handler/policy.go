package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/whalewallet/shardgate/internal/ledger"
	"github.com/whalewallet/shardgate/internal/middleware"
	"github.com/whalewallet/shardgate/internal/model"
	"github.com/whalewallet/shardgate/internal/pkg/apperrors"
	"github.com/whalewallet/shardgate/internal/service"
)

type PolicyStore interface {
	ListActive(ctx context.Context, accountID string) ([]model.Policy, error)
	Create(ctx context.Context, p *model.Policy) error
	Update(ctx context.Context, p *model.Policy) error
	Delete(ctx context.Context, accountID, id string) error
}

type PolicyHandler struct {
	policies PolicyStore
	accounts *service.AccountManager
	ledger   *ledger.Ledger
}

func NewPolicyHandler(policies PolicyStore, accounts *service.AccountManager, ldg *ledger.Ledger) *PolicyHandler {
	return &PolicyHandler{policies: policies, accounts: accounts, ledger: ldg}
}

// Limits reports the account's tier thresholds and current window
// usage, so clients can warn before submitting.
func (h *PolicyHandler) Limits(c *gin.Context) {
	account := c.MustGet(middleware.ContextAccountKey).(*model.Account)
	tier := h.accounts.TierLimits(account)

	spend, highWater, err := h.ledger.Usage(c.Request.Context(), account.ID)
	if err != nil {
		c.Error(apperrors.New(apperrors.ErrInternal, err.Error(), err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tier":                  account.Tier,
		"daily_max_usd":         tier.DailyMaxUSD,
		"per_tx_max_usd":        tier.PerTxMaxUSD,
		"require_2fa_above_usd": tier.Require2FAAbove,
		"spent_today_usd":       spend.StringFixed(2),
		"largest_tx_usd":        highWater.StringFixed(2),
	})
}

func (h *PolicyHandler) List(c *gin.Context) {
	account := c.MustGet(middleware.ContextAccountKey).(*model.Account)
	policies, err := h.policies.ListActive(c.Request.Context(), account.ID)
	if err != nil {
		c.Error(apperrors.New(apperrors.ErrInternal, err.Error(), err))
		return
	}
	c.JSON(http.StatusOK, policies)
}

func (h *PolicyHandler) Create(c *gin.Context) {
	account := c.MustGet(middleware.ContextAccountKey).(*model.Account)

	var p model.Policy
	if err := c.ShouldBindJSON(&p); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	if !validRuleKind(p.Kind) {
		c.Error(apperrors.NewInvalidRequest("unknown rule kind: " + string(p.Kind)))
		return
	}
	if err := validRuleConfig(p); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	if advancedRuleKind(p.Kind) && !h.accounts.TierLimits(account).AdvancedPolicies {
		c.Error(apperrors.NewInvalidRequest(
			string(p.Kind) + " policies require an advanced tier, account tier is " + string(account.Tier)))
		return
	}
	p.AccountID = account.ID
	p.Active = true
	p.CreatedAt = time.Now().UTC()

	if err := h.policies.Create(c.Request.Context(), &p); err != nil {
		c.Error(apperrors.New(apperrors.ErrInternal, err.Error(), err))
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *PolicyHandler) Update(c *gin.Context) {
	account := c.MustGet(middleware.ContextAccountKey).(*model.Account)

	var p model.Policy
	if err := c.ShouldBindJSON(&p); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	if err := validRuleConfig(p); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	p.ID = c.Param("id")
	p.AccountID = account.ID

	if err := h.policies.Update(c.Request.Context(), &p); err != nil {
		c.Error(apperrors.New(apperrors.ErrInternal, err.Error(), err))
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *PolicyHandler) Delete(c *gin.Context) {
	account := c.MustGet(middleware.ContextAccountKey).(*model.Account)
	id := c.Param("id")
	if id == "" {
		c.Error(apperrors.NewInvalidRequest("policy id is required"))
		return
	}
	if err := h.policies.Delete(c.Request.Context(), account.ID, id); err != nil {
		c.Error(apperrors.New(apperrors.ErrInternal, err.Error(), err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func validRuleKind(kind model.RuleKind) bool {
	switch kind {
	case model.RuleVelocity, model.RuleWhitelist, model.RuleTimelock,
		model.RuleGasProtection, model.RuleContractVerification:
		return true
	default:
		// duress is implicit and cannot be configured away
		return false
	}
}

// advancedRuleKind marks the kinds gated behind the tier's
// advanced-policies flag. Velocity and whitelist are available to every
// tier.
func advancedRuleKind(kind model.RuleKind) bool {
	switch kind {
	case model.RuleTimelock, model.RuleGasProtection, model.RuleContractVerification:
		return true
	default:
		return false
	}
}

// validRuleConfig rejects configs the engine would fail-secure on at
// evaluation time, so misconfiguration surfaces at creation.
func validRuleConfig(p model.Policy) error {
	switch p.Kind {
	case model.RuleWhitelist:
		if m := p.Config.Mode; m != "" && m != "warn" && m != "block" {
			return fmt.Errorf("whitelist mode must be %q or %q, got %q", "warn", "block", m)
		}
	case model.RuleTimelock:
		for _, h := range []*int{p.Config.BlockStartHour, p.Config.BlockEndHour} {
			if h != nil && (*h < 0 || *h > 23) {
				return fmt.Errorf("timelock hours must be between 0 and 23, got %d", *h)
			}
		}
	}
	return nil
}
