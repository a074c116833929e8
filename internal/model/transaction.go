package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionRequest is the immutable input to the authorization pipeline.
// ValueUSD is the oracle-normalized valuation supplied alongside the
// native amount.
type TransactionRequest struct {
	Chain       string          `json:"chain" binding:"required"`
	To          string          `json:"to" binding:"required"`
	ValueNative string          `json:"value" binding:"required"` // native units, e.g. wei
	ValueUSD    decimal.Decimal `json:"value_usd"`
	Data        string          `json:"data,omitempty"` // contract call data, hex
	GasLimit    uint64          `json:"gas_limit,omitempty"`
	PIN         string          `json:"pin,omitempty"`         // authentication credential; may match the duress credential
	TwoFAProof  string          `json:"twofa_proof,omitempty"` // optional 2FA proof
	RequestedAt time.Time       `json:"requested_at"`
	Memo        string          `json:"memo,omitempty"`
}

// IsContractCall reports whether the request carries calldata.
func (r TransactionRequest) IsContractCall() bool {
	return len(r.Data) > 2 // more than "0x"
}

// Outcome is a terminal rule or verdict decision.
type Outcome string

const (
	OutcomePass       Outcome = "PASS"
	OutcomeApprove    Outcome = "APPROVE"
	OutcomeBlock      Outcome = "BLOCK"
	OutcomeWarn       Outcome = "WARN"
	OutcomeRequire2FA Outcome = "REQUIRE_2FA"
	OutcomeQuarantine Outcome = "QUARANTINE"
)

// RuleEvaluation records one rule's opinion inside a verdict.
type RuleEvaluation struct {
	Rule    RuleKind `json:"rule"`
	Outcome Outcome  `json:"outcome"`
	Reason  string   `json:"reason,omitempty"`
}

// PolicyVerdict is produced once per TransactionRequest and never mutated;
// re-evaluation produces a new verdict.
type PolicyVerdict struct {
	ID          string           `json:"id"`
	Outcome     Outcome          `json:"outcome"`
	Reason      string           `json:"reason,omitempty"`
	BlockedBy   RuleKind         `json:"blocked_by,omitempty"`
	Evaluations []RuleEvaluation `json:"evaluations"`
	Warnings    []string         `json:"warnings,omitempty"`
	EvaluatedAt time.Time        `json:"evaluated_at"`
}

// AuthorizationStatus is the terminal status of an authorize call.
type AuthorizationStatus string

const (
	StatusApproved    AuthorizationStatus = "APPROVED"
	StatusBlocked     AuthorizationStatus = "BLOCKED"
	StatusRequires2FA AuthorizationStatus = "REQUIRES_2FA"
)

// AuthorizationResult is the single externally visible response shape.
// Duress approvals are indistinguishable from ordinary approvals here.
type AuthorizationResult struct {
	RequestID  string              `json:"request_id"`
	Status     AuthorizationStatus `json:"status"`
	Reason     string              `json:"reason,omitempty"`
	ReasonCode string              `json:"reason_code,omitempty"`
	Details    map[string]any      `json:"details,omitempty"`
	Signature  string              `json:"signature,omitempty"` // hex, present on APPROVED
	TxHash     string              `json:"tx_hash,omitempty"`   // present when broadcast succeeded
	Broadcast  bool                `json:"broadcast"`
}
