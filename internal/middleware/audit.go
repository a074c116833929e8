package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/whalewallet/shardgate/internal/model"
	"github.com/whalewallet/shardgate/internal/pkg/logger"
)

// RequestLogMiddleware logs every request with credentials redacted.
// Transaction-level audit records are written by the pipeline itself;
// this layer only covers the HTTP surface.
func RequestLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := uuid.New().String()
		c.Header("X-Request-ID", reqID)

		var reqBodyBytes []byte
		if c.Request.Body != nil {
			reqBodyBytes, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(reqBodyBytes))
		}

		c.Next()

		fields := []any{
			"request_id", reqID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"ip", c.ClientIP(),
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if accountVal, exists := c.Get(ContextAccountKey); exists {
			fields = append(fields, "account_id", accountVal.(*model.Account).ID)
		}
		if len(reqBodyBytes) > 0 {
			fields = append(fields, "body", redactBody(c.Request.URL.Path, reqBodyBytes))
		}
		logger.Info("request", fields...)
	}
}

func redactBody(path string, body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if !isSensitivePath(path) {
		return string(body)
	}
	redacted, ok := redactJSON(body)
	if !ok {
		return "[redacted]"
	}
	return string(redacted)
}

func isSensitivePath(path string) bool {
	switch {
	case strings.HasPrefix(path, "/v1/transactions"):
		return true
	case strings.HasPrefix(path, "/v1/policies"):
		return true
	case strings.HasPrefix(path, "/v1/whitelist"):
		return true
	default:
		return false
	}
}

func redactJSON(body []byte) ([]byte, bool) {
	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, false
	}
	redactValue(&data)
	out, err := json.Marshal(data)
	if err != nil {
		return nil, false
	}
	return out, true
}

func redactValue(v *interface{}) {
	switch raw := (*v).(type) {
	case map[string]interface{}:
		for key, val := range raw {
			if isSensitiveKey(key) {
				raw[key] = "***"
				continue
			}
			vv := val
			redactValue(&vv)
			raw[key] = vv
		}
	case []interface{}:
		for i, val := range raw {
			vv := val
			redactValue(&vv)
			raw[i] = vv
		}
	}
}

func isSensitiveKey(key string) bool {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "pin",
		"duress_pin",
		"pin_hash",
		"pin_salt",
		"duress_pin_hash",
		"duress_pin_salt",
		"twofa_proof",
		"partial",
		"signature",
		"sig",
		"api_key",
		"admin_key",
		"participant_secret",
		"emergency_email":
		return true
	default:
		return false
	}
}
