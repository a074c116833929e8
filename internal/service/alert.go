package service

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/whalewallet/shardgate/internal/config"
	"github.com/whalewallet/shardgate/internal/pkg/logger"
	"github.com/whalewallet/shardgate/internal/policy"
)

// AlertService delivers duress alerts out-of-band. Dispatch hands the
// alert to a background worker and returns immediately; a full queue or
// a failing webhook never touches the transaction response.
type AlertService struct {
	webhookURL string
	client     *http.Client
	queue      chan policy.Alert
}

func NewAlertService(cfg config.DuressConfig) *AlertService {
	timeout := time.Duration(cfg.AlertTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	s := &AlertService{
		webhookURL: cfg.AlertWebhookURL,
		client:     &http.Client{Timeout: timeout},
		queue:      make(chan policy.Alert, 100),
	}
	go s.deliver()
	return s
}

func (s *AlertService) Dispatch(alert policy.Alert) {
	select {
	case s.queue <- alert:
	default:
		// Queue full. Dropping is the only acceptable behavior here;
		// blocking would make the duress path observable.
		logger.Error("duress alert queue full, alert dropped", "account_id", alert.AccountID)
	}
}

func (s *AlertService) deliver() {
	for alert := range s.queue {
		if s.webhookURL == "" {
			logger.Warn("duress alert with no webhook configured",
				"account_id", alert.AccountID, "emergency_email", alert.EmergencyEmail)
			continue
		}
		body, err := json.Marshal(map[string]string{
			"account_id":      alert.AccountID,
			"emergency_email": alert.EmergencyEmail,
			"chain":           alert.Chain,
			"to":              alert.To,
			"value_usd":       alert.ValueUSD,
			"location":        alert.Location,
			"matched_at":      alert.MatchedAt.Format(time.RFC3339),
		})
		if err != nil {
			continue
		}
		resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(body))
		if err != nil {
			logger.Error("duress alert delivery failed", "account_id", alert.AccountID, "error", err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			logger.Error("duress alert rejected by webhook",
				"account_id", alert.AccountID, "status", resp.StatusCode)
		}
	}
}

func (s *AlertService) Close() {
	close(s.queue)
}
