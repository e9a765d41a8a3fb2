package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/slasso10/chat-multiple/internal/auth"
	"github.com/slasso10/chat-multiple/internal/models"
	"github.com/slasso10/chat-multiple/internal/rpc"
)

const (
	defaultCallListLimit = 50
	maxCallListLimit     = 500
)

type listCallsResponse struct {
	Calls []models.RelayCall `json:"calls"`
}

// ListCalls returns the caller's ringing and active calls, or only those
// in the status given by ?status=.
func (h *Handlers) ListCalls(c *gin.Context) {
	statuses := []models.RelayCallStatus{models.RelayCallRinging, models.RelayCallActive}
	if raw := c.Query("status"); raw != "" {
		status := models.RelayCallStatus(raw)
		if status != models.RelayCallRinging && status != models.RelayCallActive {
			c.JSON(http.StatusBadRequest, rpc.ErrorResponse{Error: "status must be ringing or active"})
			return
		}
		statuses = []models.RelayCallStatus{status}
	}

	limit := defaultCallListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, rpc.ErrorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxCallListLimit)
	}

	userID := auth.UserID(c)
	now := h.nowFn()
	out := []models.RelayCall{}
	for _, status := range statuses {
		calls, err := h.calls.ListByStatus(status, 0, now)
		if err != nil {
			writeError(c, err)
			return
		}
		out = append(out, lo.Filter(calls, func(call models.RelayCall, _ int) bool {
			return call.Involves(userID)
		})...)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	c.JSON(http.StatusOK, listCallsResponse{Calls: out})
}
