package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RuleKind enumerates the closed set of policy rule types. The duress rule
// is implicit on every account and evaluated before any configured rule.
type RuleKind string

const (
	RuleVelocity             RuleKind = "velocity"
	RuleWhitelist            RuleKind = "whitelist"
	RuleTimelock             RuleKind = "timelock"
	RuleGasProtection        RuleKind = "gas_protection"
	RuleContractVerification RuleKind = "contract_verification"
	RuleDuress               RuleKind = "duress"
)

// Policy is an account-scoped rule instance. Lower priority evaluates
// first; equal priorities fall back to creation order.
type Policy struct {
	ID        string     `json:"id" gorm:"primaryKey"`
	AccountID string     `json:"account_id" gorm:"index"`
	Kind      RuleKind   `json:"kind"`
	Priority  int        `json:"priority"`
	Active    bool       `json:"active"`
	Config    RuleConfig `json:"config" gorm:"serializer:json"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (Policy) TableName() string { return "policies" }

// RuleConfig is the union of per-kind configuration payloads. Only the
// fields for the policy's kind are meaningful.
type RuleConfig struct {
	// whitelist
	Mode string `json:"mode,omitempty"` // "block" or "warn"

	// timelock: hours in the account-local day, [Start, End) blocked.
	// Start > End spans midnight. Zero timezone means UTC.
	BlockStartHour *int   `json:"block_start_hour,omitempty"`
	BlockEndHour   *int   `json:"block_end_hour,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	BlockWeekends  bool   `json:"block_weekends,omitempty"`
	// transfers below this USD value bypass the timelock
	SmallTransferExemptUSD decimal.Decimal `json:"small_transfer_exempt_usd,omitempty"`

	// gas_protection: warn when estimated gas exceeds baseline * multiplier
	GasSpikeMultiplier float64 `json:"gas_spike_multiplier,omitempty"`

	// velocity: soft warning threshold as a fraction of daily max
	WarnRatio float64 `json:"warn_ratio,omitempty"`
}

// WhitelistEntry is a (account, chain, address) triple. Entries are added
// explicitly or promoted out of quarantine; they are never auto-removed.
type WhitelistEntry struct {
	AccountID string    `json:"account_id" gorm:"primaryKey" db:"account_id"`
	Chain     string    `json:"chain" gorm:"primaryKey" db:"chain"`
	Address   string    `json:"address" gorm:"primaryKey" db:"address"`
	Label     string    `json:"label,omitempty" db:"label"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

func (WhitelistEntry) TableName() string { return "whitelist_entries" }

// QuarantineEntry marks an address seen once through a warn-mode whitelist
// rule. Until it expires, sending to the address requires 2FA.
type QuarantineEntry struct {
	AccountID string    `json:"account_id"`
	Chain     string    `json:"chain"`
	Address   string    `json:"address"`
	ExpiresAt time.Time `json:"expires_at"`
}
