package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/slasso10/chat-multiple/internal/auth"
	"github.com/slasso10/chat-multiple/internal/chatstore"
	"github.com/slasso10/chat-multiple/internal/config"
	"github.com/slasso10/chat-multiple/internal/metrics"
	"github.com/slasso10/chat-multiple/internal/models"
	"github.com/slasso10/chat-multiple/internal/push"
	"github.com/slasso10/chat-multiple/internal/rpc"
	wshub "github.com/slasso10/chat-multiple/internal/websocket"
)

// PushService delivers web push notifications and manages subscriptions.
type PushService interface {
	PublicKey() string
	Subscribe(ctx context.Context, userID, endpoint, p256dh, auth string) (models.PushSubscription, error)
	Unsubscribe(ctx context.Context, userID, endpoint string) error
	NotifyIncomingCall(ctx context.Context, userID, callerID, callerName string) error
}

type Handlers struct {
	config     *config.Config
	chats      *chatstore.Store
	tokens     *auth.Issuer
	calls      *CallStore
	hub        *wshub.Hub
	wsUpgrader websocket.Upgrader
	push       PushService
	metrics    *metrics.Metrics
	nowFn      func() time.Time
	logger     *slog.Logger
}

type Option func(*Handlers)

func WithPush(p PushService) Option {
	return func(h *Handlers) {
		h.push = p
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handlers) {
		if m != nil {
			h.metrics = m
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(h *Handlers) {
		if now != nil {
			h.nowFn = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handlers) {
		if l != nil {
			h.logger = l
		}
	}
}

func New(
	cfg *config.Config,
	chats *chatstore.Store,
	tokens *auth.Issuer,
	calls *CallStore,
	hub *wshub.Hub,
	upgrader websocket.Upgrader,
	opts ...Option,
) *Handlers {
	h := &Handlers{
		config:     cfg,
		chats:      chats,
		tokens:     tokens,
		calls:      calls,
		hub:        hub,
		wsUpgrader: upgrader,
		metrics:    metrics.New(nil),
		nowFn:      time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the API on group, which is expected to be /api.
func (h *Handlers) Routes(api *gin.RouterGroup) {
	api.POST("/users", h.RegisterUser)
	api.GET("/ice-config", h.GetICEConfig)
	api.GET("/client-config", h.GetClientConfig)
	api.GET("/push/vapid-public-key", h.GetVAPIDPublicKey)

	authed := api.Group("", h.tokens.Middleware())
	{
		authed.GET("/users", h.ListUsers)
		authed.GET("/users/:id", h.GetUser)

		authed.POST("/messages/direct", h.SendDirectMessage)
		authed.GET("/messages/direct/:other", h.GetDirectMessages)

		authed.POST("/groups", h.CreateGroup)
		authed.POST("/groups/:id/members", h.AddGroupMembers)
		authed.GET("/groups/:id/members", h.GetGroupMembers)
		authed.POST("/groups/:id/messages", h.SendGroupMessage)
		authed.GET("/groups/:id/messages", h.GetGroupMessages)

		authed.GET("/chats/direct", h.GetDirectChats)
		authed.GET("/chats/groups", h.GetGroupChats)

		authed.GET("/calls", h.ListCalls)

		authed.POST("/push/subscribe", h.SubscribePush)
		authed.DELETE("/push/subscribe", h.UnsubscribePush)

		authed.GET("/ws", h.HandleWebSocket)
	}
}

// PruneMessages applies the retention window, if one is configured.
func (h *Handlers) PruneMessages() {
	if h.config == nil || h.config.MessageRetention <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := h.chats.PruneMessages(ctx, h.nowFn().Add(-h.config.MessageRetention)); err != nil {
		h.logger.Error("message retention failed", "error", err)
	}
}

// writeError maps domain errors to HTTP statuses.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chatstore.ErrUserNotFound), errors.Is(err, chatstore.ErrGroupNotFound),
		errors.Is(err, ErrCallNotFound), errors.Is(err, push.ErrSubscriptionNotFound):
		c.JSON(http.StatusNotFound, rpc.ErrorResponse{Error: err.Error()})
	case errors.Is(err, chatstore.ErrNotMember):
		c.JSON(http.StatusForbidden, rpc.ErrorResponse{Error: err.Error()})
	case errors.Is(err, chatstore.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, rpc.ErrorResponse{Error: err.Error()})
	case errors.Is(err, ErrCallBusy), errors.Is(err, ErrCallEnded):
		c.JSON(http.StatusConflict, rpc.ErrorResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, rpc.ErrorResponse{Error: err.Error()})
	}
}
