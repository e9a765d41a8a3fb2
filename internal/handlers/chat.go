package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/slasso10/chat-multiple/internal/auth"
	"github.com/slasso10/chat-multiple/internal/rpc"
	"github.com/slasso10/chat-multiple/internal/signaling"
)

// RegisterUser creates or logs in a user and hands out a token.
func (h *Handlers) RegisterUser(c *gin.Context) {
	var req rpc.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, rpc.ErrorResponse{Error: err.Error()})
		return
	}

	user, err := h.chats.RegisterUser(c.Request.Context(), req.ID, req.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	token, err := h.tokens.Issue(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, rpc.ErrorResponse{Error: "failed to issue token"})
		return
	}
	h.logger.Info("user registered", "user_id", user.ID)
	c.JSON(http.StatusOK, rpc.RegisterResponse{User: user, Token: token})
}

func (h *Handlers) ListUsers(c *gin.Context) {
	users, err := h.chats.ListUsers(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(users))
}

func (h *Handlers) GetUser(c *gin.Context) {
	user, err := h.chats.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handlers) SendDirectMessage(c *gin.Context) {
	var req rpc.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, rpc.ErrorResponse{Error: err.Error()})
		return
	}
	if req.To == "" {
		c.JSON(http.StatusBadRequest, rpc.ErrorResponse{Error: "to is required"})
		return
	}

	sender := auth.UserID(c)
	msg, err := h.chats.SendDirect(c.Request.Context(), sender, req.To, req.Content, req.Audio)
	if err != nil {
		writeError(c, err)
		return
	}
	h.metrics.MessagesStored.WithLabelValues("direct").Inc()

	// The sender's other devices learn about the message from the echo.
	h.publish([]string{msg.ChatID, sender}, signaling.TypeNewMessage, signaling.NewMessagePayload{Message: msg})
	c.JSON(http.StatusOK, msg)
}

func (h *Handlers) GetDirectMessages(c *gin.Context) {
	msgs, err := h.chats.DirectHistory(c.Request.Context(), auth.UserID(c), c.Param("other"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(msgs))
}

func (h *Handlers) SendGroupMessage(c *gin.Context) {
	var req rpc.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, rpc.ErrorResponse{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	groupID := c.Param("id")
	msg, err := h.chats.SendGroup(ctx, auth.UserID(c), groupID, req.Content, req.Audio)
	if err != nil {
		writeError(c, err)
		return
	}
	h.metrics.MessagesStored.WithLabelValues("group").Inc()

	members, err := h.chats.MemberIDs(ctx, groupID)
	if err != nil {
		h.logger.Error("load group members", "group_id", groupID, "error", err)
	} else {
		h.publish(members, signaling.TypeNewMessage, signaling.NewMessagePayload{Message: msg})
	}
	c.JSON(http.StatusOK, msg)
}

func (h *Handlers) GetGroupMessages(c *gin.Context) {
	msgs, err := h.chats.GroupHistory(c.Request.Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(msgs))
}

func (h *Handlers) GetDirectChats(c *gin.Context) {
	list, err := h.chats.DirectChats(c.Request.Context(), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(list))
}

func (h *Handlers) GetGroupChats(c *gin.Context) {
	list, err := h.chats.GroupChats(c.Request.Context(), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(list))
}

func (h *Handlers) CreateGroup(c *gin.Context) {
	var req rpc.CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, rpc.ErrorResponse{Error: err.Error()})
		return
	}

	sum, members, err := h.chats.CreateGroup(c.Request.Context(), auth.UserID(c), req.Name, req.Members)
	if err != nil {
		writeError(c, err)
		return
	}
	h.publish(members, signaling.TypeNewGroup, signaling.NewGroupPayload{Group: sum})
	c.JSON(http.StatusOK, sum)
}

func (h *Handlers) AddGroupMembers(c *gin.Context) {
	var req rpc.MembersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, rpc.ErrorResponse{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	groupID := c.Param("id")
	added, err := h.chats.AddMembers(ctx, auth.UserID(c), groupID, req.Members)
	if err != nil {
		writeError(c, err)
		return
	}
	if len(added) > 0 {
		if sum, err := h.chats.Group(ctx, groupID); err == nil {
			h.publish(added, signaling.TypeNewGroup, signaling.NewGroupPayload{Group: sum})
		}
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) GetGroupMembers(c *gin.Context) {
	ctx := c.Request.Context()
	groupID := c.Param("id")
	if ok, err := h.chats.IsMember(ctx, groupID, auth.UserID(c)); err == nil && !ok {
		if _, err := h.chats.Group(ctx, groupID); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusForbidden, rpc.ErrorResponse{Error: "not a group member"})
		return
	}
	users, err := h.chats.GroupMembers(ctx, groupID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(users))
}

// publish pushes an envelope to every listed user that is online.
func (h *Handlers) publish(userIDs []string, typ string, payload any) {
	env, err := signaling.New(typ, "", payload)
	if err != nil {
		h.logger.Error("encode push", "type", typ, "error", err)
		return
	}
	raw, err := signaling.Encode(env)
	if err != nil {
		return
	}
	delivered := h.hub.SendToMany(userIDs, raw)
	h.logger.Debug("push fan-out", "type", typ, "recipients", len(userIDs), "delivered", delivered)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
