package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/whalewallet/shardgate/internal/middleware"
	"github.com/whalewallet/shardgate/internal/model"
	"github.com/whalewallet/shardgate/internal/pipeline"
	"github.com/whalewallet/shardgate/internal/policy"
)

const HeaderDeviceLocation = "X-Device-Location"

type TransactionHandler struct {
	pipeline *pipeline.Pipeline
	duress   *policy.DuressEvaluator
}

func NewTransactionHandler(p *pipeline.Pipeline, duress *policy.DuressEvaluator) *TransactionHandler {
	return &TransactionHandler{pipeline: p, duress: duress}
}

// Authorize runs the full authorization pipeline. Every terminal
// outcome, approval or block, returns 200 with the result body; the
// status field carries the decision. Duress approvals are shaped
// identically to ordinary ones.
func (h *TransactionHandler) Authorize(c *gin.Context) {
	accountVal, exists := c.Get(middleware.ContextAccountKey)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized: missing account context"})
		return
	}
	account := accountVal.(*model.Account)
	sessionID := c.GetString(middleware.ContextSessionKey)

	var req model.TransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	location := c.GetHeader(HeaderDeviceLocation)
	result := h.pipeline.Authorize(c.Request.Context(), account, sessionID, req, location)
	c.JSON(http.StatusOK, result)
}

// EndSession clears session-scoped state, including the duress flag.
func (h *TransactionHandler) EndSession(c *gin.Context) {
	accountVal, exists := c.Get(middleware.ContextAccountKey)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized: missing account context"})
		return
	}
	account := accountVal.(*model.Account)
	sessionID := c.GetString(middleware.ContextSessionKey)

	h.duress.EndSession(account.ID, sessionID)
	c.JSON(http.StatusOK, gin.H{"status": "session ended"})
}
