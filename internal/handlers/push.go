package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/slasso10/chat-multiple/internal/auth"
	"github.com/slasso10/chat-multiple/internal/rpc"
)

type PushSubscribeKeys struct {
	P256DH string `json:"p256dh" binding:"required"`
	Auth   string `json:"auth" binding:"required"`
}

type PushSubscribeRequest struct {
	Endpoint string            `json:"endpoint" binding:"required"`
	Keys     PushSubscribeKeys `json:"keys" binding:"required"`
}

type PushUnsubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

func (h *Handlers) GetVAPIDPublicKey(c *gin.Context) {
	key := ""
	if h.push != nil {
		key = h.push.PublicKey()
	}
	c.JSON(http.StatusOK, gin.H{"publicKey": key})
}

func (h *Handlers) SubscribePush(c *gin.Context) {
	if h.push == nil {
		c.JSON(http.StatusServiceUnavailable, rpc.ErrorResponse{Error: "push notifications are disabled"})
		return
	}
	var req PushSubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, rpc.ErrorResponse{Error: err.Error()})
		return
	}

	userID := auth.UserID(c)
	if _, err := h.push.Subscribe(c.Request.Context(), userID, req.Endpoint, req.Keys.P256DH, req.Keys.Auth); err != nil {
		writeError(c, err)
		return
	}
	h.logger.Info("push subscription saved", "user_id", userID)
	c.Status(http.StatusNoContent)
}

func (h *Handlers) UnsubscribePush(c *gin.Context) {
	if h.push == nil {
		c.JSON(http.StatusServiceUnavailable, rpc.ErrorResponse{Error: "push notifications are disabled"})
		return
	}
	var req PushUnsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, rpc.ErrorResponse{Error: err.Error()})
		return
	}
	if err := h.push.Unsubscribe(c.Request.Context(), auth.UserID(c), req.Endpoint); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
