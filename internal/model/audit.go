package model

import (
	"time"
)

// AuditRecord is the append-only trail entry written once per authorize
// call, regardless of outcome. Never updated or deleted by the core.
type AuditRecord struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`

	Chain    string `json:"chain"`
	To       string `json:"to"`
	ValueUSD string `json:"value_usd"`

	Verdict        Outcome             `json:"verdict"`
	Status         AuthorizationStatus `json:"status"`
	Reason         string              `json:"reason,omitempty"`
	SigningState   string              `json:"signing_state,omitempty"`
	SigningSession string              `json:"signing_session,omitempty"`
	TxHash         string              `json:"tx_hash,omitempty"`

	LatencyMs int64 `json:"latency_ms"`

	// Business context added by pipeline stages (rule evaluations,
	// reservation ids, upstream errors)
	Context map[string]interface{} `json:"context"`

	CreatedAt time.Time `json:"created_at"`
}
