package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"taskpulse/internal/model"
	"taskpulse/internal/repository"
	"taskpulse/pkg/logger"
)

type SubscriptionHandler struct {
	repo   *repository.SubscriptionRepository
	logger *zap.Logger
}

func NewSubscriptionHandler(repo *repository.SubscriptionRepository, logger *zap.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		repo:   repo,
		logger: logger,
	}
}

// getUserID 统一的 userID 读取工具
func (h *SubscriptionHandler) getUserID(c *gin.Context) (int64, bool) {
	userID, ok := c.Get("user_id")
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return 0, false
	}
	return userID.(int64), true
}

// Register handles POST /push/subscriptions
// Body mirrors the browser PushSubscription JSON shape.
func (h *SubscriptionHandler) Register(c *gin.Context) {
	userID, ok := h.getUserID(c)
	if !ok {
		return
	}

	var req struct {
		Endpoint string `json:"endpoint" binding:"required"`
		Keys     struct {
			P256dh string `json:"p256dh" binding:"required"`
			Auth   string `json:"auth" binding:"required"`
		} `json:"keys" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	sub := &model.PushSubscription{
		UserID:    userID,
		Endpoint:  req.Endpoint,
		P256dhKey: req.Keys.P256dh,
		AuthKey:   req.Keys.Auth,
		UserAgent: c.Request.UserAgent(),
	}

	id, err := h.repo.Upsert(c.Request.Context(), sub)
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to register push subscription",
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register subscription"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// List handles GET /push/subscriptions
func (h *SubscriptionHandler) List(c *gin.Context) {
	userID, ok := h.getUserID(c)
	if !ok {
		return
	}

	subs, err := h.repo.ListByUser(c.Request.Context(), userID)
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to list push subscriptions",
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list subscriptions"})
		return
	}

	if subs == nil {
		subs = []model.PushSubscription{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

// Unregister handles DELETE /push/subscriptions
func (h *SubscriptionHandler) Unregister(c *gin.Context) {
	userID, ok := h.getUserID(c)
	if !ok {
		return
	}

	var req struct {
		Endpoint string `json:"endpoint" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	deleted, err := h.repo.Delete(c.Request.Context(), userID, req.Endpoint)
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to unregister push subscription",
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to unregister subscription"})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
