package service

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/whalewallet/shardgate/internal/config"
	"github.com/whalewallet/shardgate/internal/policy"
)

func TestAlertDelivery(t *testing.T) {
	received := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		received <- payload
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	svc := NewAlertService(config.DuressConfig{AlertWebhookURL: srv.URL})
	defer svc.Close()

	svc.Dispatch(policy.Alert{
		AccountID:      "acct-1",
		EmergencyEmail: "trusted@example.com",
		Chain:          "ethereum",
		To:             "0xabc",
		ValueUSD:       "500.00",
		MatchedAt:      time.Now().UTC(),
	})

	select {
	case payload := <-received:
		assert.Equal(t, "acct-1", payload["account_id"])
		assert.Equal(t, "trusted@example.com", payload["emergency_email"])
		assert.Equal(t, "500.00", payload["value_usd"])
	case <-time.After(2 * time.Second):
		t.Fatal("alert was not delivered")
	}
}

func TestAlertDispatchNeverBlocks(t *testing.T) {
	// No webhook and no consumer keeping up: dispatch must still return
	// immediately once the queue is saturated.
	svc := &AlertService{queue: make(chan policy.Alert, 1)}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			svc.Dispatch(policy.Alert{AccountID: "acct-1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked on a full queue")
	}
}
