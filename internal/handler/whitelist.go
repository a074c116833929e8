package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/whalewallet/shardgate/internal/middleware"
	"github.com/whalewallet/shardgate/internal/model"
	"github.com/whalewallet/shardgate/internal/pkg/apperrors"
)

type WhitelistStore interface {
	Has(ctx context.Context, accountID, chain, address string) (bool, error)
	Add(ctx context.Context, entry model.WhitelistEntry) error
	Remove(ctx context.Context, accountID, chain, address string) error
	List(ctx context.Context, accountID string) ([]model.WhitelistEntry, error)
}

type WhitelistHandler struct {
	store WhitelistStore
}

func NewWhitelistHandler(store WhitelistStore) *WhitelistHandler {
	return &WhitelistHandler{store: store}
}

func (h *WhitelistHandler) List(c *gin.Context) {
	account := c.MustGet(middleware.ContextAccountKey).(*model.Account)
	entries, err := h.store.List(c.Request.Context(), account.ID)
	if err != nil {
		c.Error(apperrors.New(apperrors.ErrInternal, err.Error(), err))
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *WhitelistHandler) Add(c *gin.Context) {
	account := c.MustGet(middleware.ContextAccountKey).(*model.Account)

	var entry model.WhitelistEntry
	if err := c.ShouldBindJSON(&entry); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	if entry.Chain == "" || entry.Address == "" {
		c.Error(apperrors.NewInvalidRequest("chain and address are required"))
		return
	}
	entry.AccountID = account.ID

	if err := h.store.Add(c.Request.Context(), entry); err != nil {
		c.Error(apperrors.New(apperrors.ErrInternal, err.Error(), err))
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *WhitelistHandler) Remove(c *gin.Context) {
	account := c.MustGet(middleware.ContextAccountKey).(*model.Account)
	chain := c.Param("chain")
	address := c.Param("address")
	if chain == "" || address == "" {
		c.Error(apperrors.NewInvalidRequest("chain and address are required"))
		return
	}
	if err := h.store.Remove(c.Request.Context(), account.ID, chain, address); err != nil {
		c.Error(apperrors.New(apperrors.ErrInternal, err.Error(), err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}
