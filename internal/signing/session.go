package signing

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/whalewallet/shardgate/internal/model"
)

// SessionState follows the session through its lifecycle. COMPLETE,
// FAILED and EXPIRED are terminal.
type SessionState string

const (
	StatePending      SessionState = "PENDING"
	StateCollecting   SessionState = "COLLECTING"
	StateThresholdMet SessionState = "THRESHOLD_MET"
	StateComplete     SessionState = "COMPLETE"
	StateFailed       SessionState = "FAILED"
	StateExpired      SessionState = "EXPIRED"
)

func (s SessionState) Terminal() bool {
	switch s {
	case StateComplete, StateFailed, StateExpired:
		return true
	}
	return false
}

// Session collects opaque partial signatures from shard participants
// until the threshold is met. It is owned by the orchestrator; external
// input arrives only through SubmitPartial and Refuse.
type Session struct {
	ID        string
	AccountID string
	Address   string   // expected signer address
	Digest    []byte   // 32-byte transaction digest being signed
	Threshold int      // k
	Parties   []string // allowed participant ids, len = n
	Deadline  time.Time
	CreatedAt time.Time

	mu        sync.Mutex
	state     SessionState
	partials  map[string][]byte // participantID -> opaque partial
	signature []byte
	failure   error

	done chan struct{} // closed exactly once on a terminal transition
}

func newSession(account *model.Account, digest []byte, threshold int, deadline time.Time) *Session {
	parties := make([]string, len(account.ShardIDs))
	copy(parties, account.ShardIDs)
	return &Session{
		ID:        uuid.New().String(),
		AccountID: account.ID,
		Address:   account.Address,
		Digest:    digest,
		Threshold: threshold,
		Parties:   parties,
		Deadline:  deadline,
		CreatedAt: time.Now().UTC(),
		state:     StatePending,
		partials:  make(map[string][]byte),
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// result reads the terminal outcome. Only valid after Done is closed.
func (s *Session) result() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signature, s.failure
}

func (s *Session) knownParticipant(id string) bool {
	for _, p := range s.Parties {
		if p == id {
			return true
		}
	}
	return false
}
