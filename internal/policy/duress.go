package policy

import (
	"context"
	"sync"
	"time"

	"github.com/whalewallet/shardgate/internal/model"
	"github.com/whalewallet/shardgate/internal/pkg/security"
)

// Alert is the silent side-channel notification emitted on a duress
// credential match.
type Alert struct {
	AccountID      string
	EmergencyEmail string
	Chain          string
	To             string
	ValueUSD       string
	Location       string // best-effort device location, may be empty
	MatchedAt      time.Time
}

// AlertSink receives duress alerts. Dispatch must never block and its
// failure must never surface to the transaction path.
type AlertSink interface {
	Dispatch(alert Alert)
}

// DuressEvaluator decides whether a request runs on the decoy path. The
// duress flag is session-scoped: once the duress credential matches, every
// later request in that session bypasses policy until the session ends.
type DuressEvaluator struct {
	mu       sync.RWMutex
	sessions map[string]struct{} // accountID:sessionID
	alerts   AlertSink
}

func NewDuressEvaluator(alerts AlertSink) *DuressEvaluator {
	return &DuressEvaluator{
		sessions: make(map[string]struct{}),
		alerts:   alerts,
	}
}

// Check runs the duress branch for one request. It returns true when the
// session is on the decoy path, either because the flag is already set or
// because the supplied credential matches the duress digest now.
//
// The credential comparison always performs the full PBKDF2 derivation
// against the duress salt so a non-matching PIN costs the same as a
// matching one.
func (d *DuressEvaluator) Check(ctx context.Context, acct *model.Account, sessionID string, req model.TransactionRequest, location string) bool {
	key := acct.ID + ":" + sessionID

	d.mu.RLock()
	_, active := d.sessions[key]
	d.mu.RUnlock()
	if active {
		return true
	}

	if req.PIN == "" || acct.DuressPINHash == "" {
		return false
	}
	if !security.VerifyPIN(req.PIN, acct.DuressPINHash, acct.DuressPINSalt) {
		return false
	}

	d.mu.Lock()
	d.sessions[key] = struct{}{}
	d.mu.Unlock()

	if d.alerts != nil {
		d.alerts.Dispatch(Alert{
			AccountID:      acct.ID,
			EmergencyEmail: acct.EmergencyEmail,
			Chain:          req.Chain,
			To:             req.To,
			ValueUSD:       req.ValueUSD.StringFixed(2),
			Location:       location,
			MatchedAt:      time.Now().UTC(),
		})
	}
	return true
}

// Active reports whether the session already runs on the decoy path,
// without examining any credential.
func (d *DuressEvaluator) Active(accountID, sessionID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.sessions[accountID+":"+sessionID]
	return ok
}

// EndSession clears the duress flag when the authenticated session ends.
func (d *DuressEvaluator) EndSession(accountID, sessionID string) {
	d.mu.Lock()
	delete(d.sessions, accountID+":"+sessionID)
	d.mu.Unlock()
}
