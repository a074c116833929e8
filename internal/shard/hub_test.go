package shard

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/whalewallet/shardgate/internal/config"
	"github.com/whalewallet/shardgate/internal/model"
	"github.com/whalewallet/shardgate/internal/signing"
)

const testSecret = "participant-secret"

func newHubServer(t *testing.T) (*Hub, *signing.Orchestrator, *httptest.Server) {
	t.Helper()
	cfg := config.SigningConfig{
		Threshold: 2, Parties: 3, SessionTTLSecs: 10,
		ParticipantSecret: testSecret,
	}
	orch := signing.NewOrchestrator(cfg, signing.ECDSAAssembler{}, nil)
	hub := NewHub(cfg, orch)
	orch.SetSolicitor(hub)

	srv := httptest.NewServer(http.HandlerFunc(hub.Serve))
	t.Cleanup(srv.Close)
	return hub, orch, srv
}

func authFrame(participantID, secret string, ts time.Time) Message {
	stamp := fmt.Sprintf("%d", ts.Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(stamp + participantID))
	return Message{
		Type:          "auth",
		ParticipantID: participantID,
		Timestamp:     stamp,
		Signature:     base64.StdEncoding.EncodeToString(mac.Sum(nil)),
	}
}

func dialParticipant(t *testing.T, srv *httptest.Server, participantID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	assert.NoError(t, conn.WriteJSON(authFrame(participantID, testSecret, time.Now())))
	var ack Message
	assert.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "ack", ack.Type)
	return conn
}

func TestHubSigningRoundTrip(t *testing.T) {
	hub, orch, srv := newHubServer(t)

	key, err := crypto.GenerateKey()
	assert.NoError(t, err)
	acct := &model.Account{
		ID:       "acct-1",
		Address:  crypto.PubkeyToAddress(key.PublicKey).Hex(),
		ShardIDs: []string{"shard-a", "shard-b", "shard-c"},
	}

	connA := dialParticipant(t, srv, "shard-a")
	connB := dialParticipant(t, srv, "shard-b")
	assert.True(t, hub.Connected("shard-a"))
	assert.True(t, hub.Connected("shard-b"))

	digest := crypto.Keccak256([]byte("tx-payload"))
	session, err := orch.Begin(context.Background(), acct, digest)
	assert.NoError(t, err)

	for _, conn := range []*websocket.Conn{connA, connB} {
		var solicit Message
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		assert.NoError(t, conn.ReadJSON(&solicit))
		assert.Equal(t, "solicit", solicit.Type)
		assert.Equal(t, session.ID, solicit.SessionID)
		assert.Equal(t, hex.EncodeToString(digest), solicit.Digest)

		sig, err := crypto.Sign(digest, key)
		assert.NoError(t, err)
		assert.NoError(t, conn.WriteJSON(Message{
			Type:      "partial",
			SessionID: solicit.SessionID,
			Partial:   base64.StdEncoding.EncodeToString(sig),
		}))
		var reply Message
		assert.NoError(t, conn.ReadJSON(&reply))
		assert.Equal(t, "ack", reply.Type)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	signature, err := orch.AwaitCompletion(ctx, session.ID)
	assert.NoError(t, err)
	assert.Len(t, signature, crypto.SignatureLength)
}

func TestHubRefusalPropagates(t *testing.T) {
	_, orch, srv := newHubServer(t)

	key, err := crypto.GenerateKey()
	assert.NoError(t, err)
	acct := &model.Account{
		ID:       "acct-1",
		Address:  crypto.PubkeyToAddress(key.PublicKey).Hex(),
		ShardIDs: []string{"shard-a", "shard-b", "shard-c"},
	}

	connA := dialParticipant(t, srv, "shard-a")
	dialParticipant(t, srv, "shard-b")

	session, err := orch.Begin(context.Background(), acct, crypto.Keccak256([]byte("tx")))
	assert.NoError(t, err)

	var solicit Message
	connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	assert.NoError(t, connA.ReadJSON(&solicit))
	assert.NoError(t, connA.WriteJSON(Message{
		Type:      "refuse",
		SessionID: solicit.SessionID,
		Reason:    "operator declined",
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = orch.AwaitCompletion(ctx, session.ID)
	assert.Error(t, err)
	assert.Equal(t, signing.StateFailed, session.State())
}

func TestHubRejectsBadSignature(t *testing.T) {
	_, _, srv := newHubServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.NoError(t, err)
	defer conn.Close()

	frame := authFrame("shard-a", "wrong-secret", time.Now())
	assert.NoError(t, conn.WriteJSON(frame))

	var reply Message
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	assert.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "error", reply.Type)
}

func TestHubRejectsStaleTimestamp(t *testing.T) {
	_, _, srv := newHubServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.NoError(t, err)
	defer conn.Close()

	frame := authFrame("shard-a", testSecret, time.Now().Add(-2*time.Minute))
	assert.NoError(t, conn.WriteJSON(frame))

	var reply Message
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	assert.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "error", reply.Type)
}

func TestSolicitBelowThresholdErrors(t *testing.T) {
	hub, orch, srv := newHubServer(t)

	key, err := crypto.GenerateKey()
	assert.NoError(t, err)
	acct := &model.Account{
		ID:       "acct-1",
		Address:  crypto.PubkeyToAddress(key.PublicKey).Hex(),
		ShardIDs: []string{"shard-a", "shard-b", "shard-c"},
	}

	dialParticipant(t, srv, "shard-a") // only one of three connected

	session, err := orch.Begin(context.Background(), acct, crypto.Keccak256([]byte("tx")))
	// Begin treats solicitation as best-effort, the session still opens.
	assert.NoError(t, err)
	assert.NotNil(t, session)

	err = hub.Solicit(context.Background(), session)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "threshold")
}
