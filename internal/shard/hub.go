package shard

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/whalewallet/shardgate/internal/config"
	"github.com/whalewallet/shardgate/internal/pkg/logger"
	"github.com/whalewallet/shardgate/internal/signing"
)

const (
	authDeadline  = 10 * time.Second
	authMaxSkew   = 30 * time.Second
	writeDeadline = 5 * time.Second
)

// Message is the wire envelope for the participant channel.
type Message struct {
	Type          string `json:"type"` // auth, solicit, partial, refuse, ack, error
	SessionID     string `json:"session_id,omitempty"`
	ParticipantID string `json:"participant_id,omitempty"`
	AccountID     string `json:"account_id,omitempty"`
	Digest        string `json:"digest,omitempty"`  // hex
	Partial       string `json:"partial,omitempty"` // base64 opaque partial signature
	Threshold     int    `json:"threshold,omitempty"`
	Deadline      int64  `json:"deadline,omitempty"` // unix seconds
	Timestamp     string `json:"timestamp,omitempty"`
	Signature     string `json:"signature,omitempty"` // HMAC over timestamp+participant_id
	Reason        string `json:"reason,omitempty"`
}

type participant struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex // gorilla allows one concurrent writer
}

func (p *participant) send(msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return p.conn.WriteJSON(msg)
}

// Hub accepts long-lived websocket connections from shard participants
// (mobile, TEE, recovery agent) and relays signing traffic between them
// and the orchestrator. It implements signing.Solicitor.
type Hub struct {
	secret       []byte
	orchestrator *signing.Orchestrator
	upgrader     websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*participant
}

func NewHub(cfg config.SigningConfig, orchestrator *signing.Orchestrator) *Hub {
	return &Hub{
		secret:       []byte(cfg.ParticipantSecret),
		orchestrator: orchestrator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		conns: make(map[string]*participant),
	}
}

// Solicit pushes the session's signing request to every connected
// participant in its shard set. At least threshold participants must be
// reachable or the session has no chance of completing.
func (h *Hub) Solicit(ctx context.Context, s *signing.Session) error {
	msg := Message{
		Type:      "solicit",
		SessionID: s.ID,
		AccountID: s.AccountID,
		Digest:    hex.EncodeToString(s.Digest),
		Threshold: s.Threshold,
		Deadline:  s.Deadline.Unix(),
	}

	reached := 0
	for _, id := range s.Parties {
		h.mu.RLock()
		p, ok := h.conns[id]
		h.mu.RUnlock()
		if !ok {
			continue
		}
		if err := p.send(msg); err != nil {
			logger.Warn("shard solicit write failed", "participant", id, "error", err)
			continue
		}
		reached++
	}
	if reached < s.Threshold {
		return fmt.Errorf("reached %d of %d participants, threshold is %d", reached, len(s.Parties), s.Threshold)
	}
	return nil
}

// Connected reports whether a participant currently holds a connection.
func (h *Hub) Connected(participantID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[participantID]
	return ok
}

// Serve upgrades the request and runs the participant's read loop until
// the connection drops.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("shard upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	p, err := h.handshake(conn)
	if err != nil {
		logger.Warn("shard handshake rejected", "error", err)
		conn.WriteJSON(Message{Type: "error", Reason: "authentication failed"})
		return
	}

	h.register(p)
	defer h.unregister(p)
	logger.Info("shard participant connected", "participant", p.id)

	// The ack confirms registration: once the client sees it, the hub
	// will include this participant in solicitations.
	if err := p.send(Message{Type: "ack", ParticipantID: p.id}); err != nil {
		return
	}

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			logger.Info("shard participant disconnected", "participant", p.id, "error", err)
			return
		}
		h.handle(p, msg)
	}
}

// handshake authenticates the first frame: HMAC-SHA256 over
// timestamp+participant_id with the shared participant secret.
func (h *Hub) handshake(conn *websocket.Conn) (*participant, error) {
	conn.SetReadDeadline(time.Now().Add(authDeadline))
	defer conn.SetReadDeadline(time.Time{})

	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		return nil, fmt.Errorf("auth frame read: %w", err)
	}
	if msg.Type != "auth" || msg.ParticipantID == "" {
		return nil, fmt.Errorf("first frame must be auth")
	}

	ts, err := strconv.ParseInt(msg.Timestamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad auth timestamp")
	}
	if skew := time.Since(time.Unix(ts, 0)); skew > authMaxSkew || skew < -authMaxSkew {
		return nil, fmt.Errorf("auth timestamp outside allowed skew")
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(msg.Timestamp + msg.ParticipantID))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(msg.Signature)) {
		return nil, fmt.Errorf("bad auth signature for %s", msg.ParticipantID)
	}

	return &participant{id: msg.ParticipantID, conn: conn}, nil
}

func (h *Hub) register(p *participant) {
	h.mu.Lock()
	if prev, ok := h.conns[p.id]; ok {
		prev.conn.Close()
	}
	h.conns[p.id] = p
	h.mu.Unlock()
}

func (h *Hub) unregister(p *participant) {
	h.mu.Lock()
	if h.conns[p.id] == p {
		delete(h.conns, p.id)
	}
	h.mu.Unlock()
}

func (h *Hub) handle(p *participant, msg Message) {
	switch msg.Type {
	case "partial":
		partial, err := base64.StdEncoding.DecodeString(msg.Partial)
		if err != nil {
			p.send(Message{Type: "error", SessionID: msg.SessionID, Reason: "partial is not valid base64"})
			return
		}
		if err := h.orchestrator.SubmitPartial(msg.SessionID, p.id, partial); err != nil {
			p.send(Message{Type: "error", SessionID: msg.SessionID, Reason: err.Error()})
			return
		}
		p.send(Message{Type: "ack", SessionID: msg.SessionID})
	case "refuse":
		if err := h.orchestrator.Refuse(msg.SessionID, p.id, msg.Reason); err != nil {
			p.send(Message{Type: "error", SessionID: msg.SessionID, Reason: err.Error()})
			return
		}
		p.send(Message{Type: "ack", SessionID: msg.SessionID})
	default:
		p.send(Message{Type: "error", Reason: "unknown message type " + msg.Type})
	}
}
