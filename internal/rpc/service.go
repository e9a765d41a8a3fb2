// Package rpc is the client side of the chat backend's request/response API.
package rpc

import (
	"context"
	"errors"

	"github.com/slasso10/chat-multiple/internal/models"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrBadRequest   = errors.New("bad request")
	ErrUnauthorized = errors.New("unauthorized")
)

// ChatService is the backend as seen by a client. The acting user is the
// one that registered on this client; sender and user arguments must match
// it.
type ChatService interface {
	RegisterUser(ctx context.Context, userID, name string) (models.User, error)
	GetUser(ctx context.Context, userID string) (models.User, error)
	GetAllUsers(ctx context.Context) ([]models.User, error)

	SendDirectMessage(ctx context.Context, senderID, recipientID, content string) (models.Message, error)
	SendGroupMessage(ctx context.Context, senderID, groupID, content string) (models.Message, error)
	SendDirectAudio(ctx context.Context, senderID, recipientID string, audio models.Audio) (models.Message, error)
	SendGroupAudio(ctx context.Context, senderID, groupID string, audio models.Audio) (models.Message, error)

	GetDirectChatMessages(ctx context.Context, userID, otherID string) ([]models.Message, error)
	GetGroupChatMessages(ctx context.Context, groupID string) ([]models.Message, error)
	GetUserDirectChats(ctx context.Context, userID string) ([]models.ConversationSummary, error)
	GetUserGroupChats(ctx context.Context, userID string) ([]models.ConversationSummary, error)

	CreateGroup(ctx context.Context, ownerID, name string, memberIDs []string) (models.ConversationSummary, error)
	AddMembersToGroup(ctx context.Context, groupID string, memberIDs []string) error
	GetGroupMembers(ctx context.Context, groupID string) ([]models.User, error)
}

// Request and response bodies shared with the server.

type RegisterRequest struct {
	ID   string `json:"id" binding:"required"`
	Name string `json:"name" binding:"required"`
}

type RegisterResponse struct {
	User  models.User `json:"user"`
	Token string      `json:"token"`
}

type SendMessageRequest struct {
	To      string        `json:"to,omitempty"`
	Content string        `json:"content"`
	Audio   *models.Audio `json:"audio,omitempty"`
}

type CreateGroupRequest struct {
	Name    string   `json:"name" binding:"required"`
	Members []string `json:"members"`
}

type MembersRequest struct {
	Members []string `json:"members" binding:"required"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
