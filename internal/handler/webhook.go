package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cryptodash/webhookd/internal/delivery"
	"github.com/cryptodash/webhookd/internal/event"
	"github.com/cryptodash/webhookd/internal/store"
)

// WebhookHandler exposes subscription management over JSON. The caller's
// identity arrives in the X-API-Key header, already authenticated by the
// upstream gateway; this layer only scopes data to it.
type WebhookHandler struct {
	store  *store.Store
	engine *delivery.Engine
}

func NewWebhookHandler(s *store.Store, e *delivery.Engine) *WebhookHandler {
	return &WebhookHandler{store: s, engine: e}
}

// RequireKey rejects requests missing the trusted key header.
func RequireKey(c *gin.Context) {
	if c.GetHeader("X-API-Key") == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing X-API-Key header"})
		return
	}
	c.Next()
}

func keyID(c *gin.Context) string {
	return c.GetHeader("X-API-Key")
}

type registerRequest struct {
	URL      string            `json:"url"`
	Events   []event.Type      `json:"events"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type updateRequest struct {
	URL      *string           `json:"url,omitempty"`
	Events   []event.Type      `json:"events,omitempty"`
	Active   *bool             `json:"active,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// writeValidationError maps registry validation failures to 400 responses
// and everything else to a 500.
func writeValidationError(c *gin.Context, err error) {
	var invalidEvent *store.InvalidEventError
	switch {
	case errors.Is(err, store.ErrInvalidURL):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &invalidEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
	}
}

func (h *WebhookHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	sub, err := h.store.Subscriptions.Register(c.Request.Context(), keyID(c), req.URL, req.Events, req.Metadata)
	if err != nil {
		writeValidationError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (h *WebhookHandler) List(c *gin.Context) {
	subs, err := h.store.Subscriptions.ListByKey(c.Request.Context(), keyID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	c.JSON(http.StatusOK, subs)
}

func (h *WebhookHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook id"})
		return
	}

	sub, err := h.store.Subscriptions.GetByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	if sub == nil || sub.KeyID != keyID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *WebhookHandler) Update(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook id"})
		return
	}

	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	sub, err := h.store.Subscriptions.Update(c.Request.Context(), id, keyID(c), store.UpdatePatch{
		URL:      req.URL,
		Events:   req.Events,
		Active:   req.Active,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeValidationError(c, err)
		return
	}
	if sub == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *WebhookHandler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook id"})
		return
	}

	deleted, err := h.store.Subscriptions.Delete(c.Request.Context(), id, keyID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *WebhookHandler) RotateSecret(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook id"})
		return
	}

	secret, err := h.store.Subscriptions.RegenerateSecret(c.Request.Context(), id, keyID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	if secret == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"secret": secret})
}

func (h *WebhookHandler) Test(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook id"})
		return
	}

	log, err := h.engine.Test(c.Request.Context(), keyID(c), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	if log == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
		return
	}
	c.JSON(http.StatusOK, log)
}

func (h *WebhookHandler) DeliveryLogs(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook id"})
		return
	}

	sub, err := h.store.Subscriptions.GetByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	if sub == nil || sub.KeyID != keyID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
		return
	}

	logs, err := h.engine.DeliveryLogs(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (h *WebhookHandler) Stats(c *gin.Context) {
	stats, err := h.engine.Stats(c.Request.Context(), keyID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
