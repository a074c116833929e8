package signing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/whalewallet/shardgate/internal/config"
	"github.com/whalewallet/shardgate/internal/model"
	"github.com/whalewallet/shardgate/internal/pkg/apperrors"
	"github.com/whalewallet/shardgate/internal/pkg/logger"
	"github.com/whalewallet/shardgate/internal/pkg/metrics"
)

// terminal sessions stay resolvable for late partials, then get swept
const sessionRetention = 5 * time.Minute

// Assembler combines threshold partial signatures into one chain-valid
// signature. The cryptographic combine is opaque to the orchestrator; it
// only sees bytes in and a candidate signature out.
type Assembler interface {
	Assemble(digest []byte, partials map[string][]byte) ([]byte, error)
}

// Solicitor notifies shard participants that a session wants their
// partial signature.
type Solicitor interface {
	Solicit(ctx context.Context, session *Session) error
}

// Orchestrator runs threshold signing sessions. Each session is driven
// to exactly one terminal state; waiters block on the session's done
// channel rather than polling.
type Orchestrator struct {
	cfg       config.SigningConfig
	assembler Assembler
	solicitor Solicitor

	mu       sync.Mutex
	sessions map[string]*Session
	timers   map[string]*time.Timer

	clock func() time.Time
}

func NewOrchestrator(cfg config.SigningConfig, assembler Assembler, solicitor Solicitor) *Orchestrator {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 2
	}
	if cfg.Parties < cfg.Threshold {
		cfg.Parties = cfg.Threshold
	}
	if cfg.SessionTTLSecs <= 0 {
		cfg.SessionTTLSecs = 120
	}
	return &Orchestrator{
		cfg:       cfg,
		assembler: assembler,
		solicitor: solicitor,
		sessions:  make(map[string]*Session),
		timers:    make(map[string]*time.Timer),
		clock:     time.Now,
	}
}

// SetSolicitor wires the participant channel after construction; the
// hub and the orchestrator reference each other.
func (o *Orchestrator) SetSolicitor(s Solicitor) {
	o.solicitor = s
}

// Begin opens a session for the digest and solicits the account's shard
// participants. The caller holds the velocity reservation and releases
// it on any non-COMPLETE outcome.
func (o *Orchestrator) Begin(ctx context.Context, account *model.Account, digest []byte) (*Session, error) {
	if len(digest) != 32 {
		return nil, apperrors.NewSigningError(apperrors.SigningValidationFailed, "",
			fmt.Sprintf("digest must be 32 bytes, got %d", len(digest)))
	}
	if len(account.ShardIDs) < o.cfg.Threshold {
		return nil, apperrors.NewSigningError(apperrors.SigningRefused, "",
			fmt.Sprintf("account has %d shard participants, threshold is %d", len(account.ShardIDs), o.cfg.Threshold))
	}

	deadline := o.clock().Add(time.Duration(o.cfg.SessionTTLSecs) * time.Second)
	s := newSession(account, digest, o.cfg.Threshold, deadline)

	o.mu.Lock()
	o.sessions[s.ID] = s
	o.timers[s.ID] = time.AfterFunc(time.Until(deadline), func() { o.expire(s.ID) })
	o.mu.Unlock()

	// Solicitation is best-effort: an unreachable participant set simply
	// lets the session run into its deadline.
	if o.solicitor != nil {
		if err := o.solicitor.Solicit(ctx, s); err != nil {
			logger.Warn("shard solicitation failed", "session_id", s.ID, "error", err)
		}
	}
	return s, nil
}

func (o *Orchestrator) lookup(sessionID string) (*Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[sessionID]
	return s, ok
}

// SubmitPartial records one participant's opaque partial signature. A
// partial arriving after the session is terminal is accepted and
// discarded without error.
func (o *Orchestrator) SubmitPartial(sessionID, participantID string, partial []byte) error {
	s, ok := o.lookup(sessionID)
	if !ok {
		return apperrors.New(apperrors.ErrNotFound, "signing session not found", nil)
	}
	if !s.knownParticipant(participantID) {
		return apperrors.NewSigningError(apperrors.SigningValidationFailed, sessionID,
			fmt.Sprintf("participant %s is not part of this session", participantID))
	}
	if len(partial) == 0 {
		return apperrors.NewSigningError(apperrors.SigningValidationFailed, sessionID, "empty partial signature")
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	if _, dup := s.partials[participantID]; dup {
		s.mu.Unlock()
		return nil
	}
	s.partials[participantID] = partial
	if len(s.partials) < s.Threshold {
		s.state = StateCollecting
		s.mu.Unlock()
		return nil
	}
	s.state = StateThresholdMet
	partials := make(map[string][]byte, len(s.partials))
	for k, v := range s.partials {
		partials[k] = v
	}
	digest := s.Digest
	address := s.Address
	s.mu.Unlock()

	sig, err := o.assembler.Assemble(digest, partials)
	if err != nil {
		o.finish(s, StateFailed, nil,
			apperrors.NewSigningError(apperrors.SigningValidationFailed, s.ID, fmt.Sprintf("assembly failed: %v", err)))
		return nil
	}
	if err := verifySignature(digest, sig, address); err != nil {
		o.finish(s, StateFailed, nil,
			apperrors.NewSigningError(apperrors.SigningValidationFailed, s.ID, err.Error()))
		return nil
	}
	o.finish(s, StateComplete, sig, nil)
	return nil
}

// Refuse records an explicit participant refusal, which fails the whole
// session.
func (o *Orchestrator) Refuse(sessionID, participantID, reason string) error {
	s, ok := o.lookup(sessionID)
	if !ok {
		return apperrors.New(apperrors.ErrNotFound, "signing session not found", nil)
	}
	if !s.knownParticipant(participantID) {
		return apperrors.NewSigningError(apperrors.SigningValidationFailed, sessionID,
			fmt.Sprintf("participant %s is not part of this session", participantID))
	}
	o.finish(s, StateFailed, nil,
		apperrors.NewSigningError(apperrors.SigningRefused, sessionID,
			fmt.Sprintf("participant %s refused: %s", participantID, reason)))
	return nil
}

// Cancel aborts a session on behalf of the caller. Submitted partials
// are discarded and never reused.
func (o *Orchestrator) Cancel(sessionID, reason string) {
	s, ok := o.lookup(sessionID)
	if !ok {
		return
	}
	o.finish(s, StateFailed, nil,
		apperrors.NewSigningError(apperrors.SigningRefused, sessionID, reason))
}

// AwaitCompletion blocks until the session terminates or the context is
// cancelled. Context cancellation fails the session.
func (o *Orchestrator) AwaitCompletion(ctx context.Context, sessionID string) ([]byte, error) {
	s, ok := o.lookup(sessionID)
	if !ok {
		return nil, apperrors.New(apperrors.ErrNotFound, "signing session not found", nil)
	}
	select {
	case <-s.Done():
	case <-ctx.Done():
		o.Cancel(sessionID, "caller cancelled before completion")
		<-s.Done()
	}
	return s.result()
}

func (o *Orchestrator) expire(sessionID string) {
	s, ok := o.lookup(sessionID)
	if !ok {
		return
	}
	o.finish(s, StateExpired, nil,
		apperrors.NewSigningError(apperrors.SigningTimeout, sessionID, "deadline elapsed before threshold met"))
}

// finish drives the session to a terminal state exactly once.
func (o *Orchestrator) finish(s *Session, state SessionState, sig []byte, err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.signature = sig
	s.failure = err
	close(s.done)
	s.mu.Unlock()

	metrics.SigningSessions.WithLabelValues(string(state)).Inc()

	o.mu.Lock()
	if t, ok := o.timers[s.ID]; ok {
		t.Stop()
		delete(o.timers, s.ID)
	}
	o.mu.Unlock()

	time.AfterFunc(sessionRetention, func() {
		o.mu.Lock()
		delete(o.sessions, s.ID)
		o.mu.Unlock()
	})
}

// verifySignature checks the assembled 65-byte signature recovers the
// account's on-chain address for the digest.
func verifySignature(digest, sig []byte, address string) error {
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("assembled signature is %d bytes, want %d", len(sig), crypto.SignatureLength)
	}
	recovery := sig
	if recovery[64] >= 27 {
		recovery = make([]byte, crypto.SignatureLength)
		copy(recovery, sig)
		recovery[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, recovery)
	if err != nil {
		return fmt.Errorf("signature recovery failed: %w", err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if recovered != common.HexToAddress(address) {
		return fmt.Errorf("assembled signature recovers %s, want %s", recovered.Hex(), address)
	}
	return nil
}

// ECDSAAssembler assembles sessions whose shard protocol emits the final
// signature from any single threshold-completing combine round. Each
// partial carries the participant's combine share; the last round output
// is the chain-valid signature itself.
type ECDSAAssembler struct{}

func (ECDSAAssembler) Assemble(digest []byte, partials map[string][]byte) ([]byte, error) {
	// The combine protocol guarantees every threshold-completing partial
	// set yields the same signature; the final-round output is included
	// verbatim in each partial's trailing 65 bytes.
	for _, p := range partials {
		if len(p) >= crypto.SignatureLength {
			return p[len(p)-crypto.SignatureLength:], nil
		}
	}
	return nil, fmt.Errorf("no partial carried a final-round signature")
}
