package delivery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slasso10/chat-multiple/internal/models"
	"github.com/slasso10/chat-multiple/internal/signaling"
	"github.com/slasso10/chat-multiple/internal/timeline"
)

// View is what the router draws on. It has no dependency on any UI toolkit.
type View interface {
	RenderActiveConversation(conv models.ActiveConversation)
	AppendRenderedMessage(msg models.Message)
	RenderConversationList(list []models.ConversationSummary)
}

// SignalHandler takes call envelopes.
type SignalHandler interface {
	HandleSignal(ctx context.Context, env signaling.Envelope) error
}

type Trigger interface {
	Trigger()
}

// Router classifies pushed envelopes and applies them to the timeline.
type Router struct {
	store   *timeline.Store
	view    View
	signals SignalHandler
	refresh Trigger
	logger  *slog.Logger
}

func NewRouter(store *timeline.Store, view View, signals SignalHandler, refresh Trigger, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:   store,
		view:    view,
		signals: signals,
		refresh: refresh,
		logger:  logger,
	}
}

// Route dispatches env by type. Unknown types are dropped.
func (r *Router) Route(ctx context.Context, env signaling.Envelope) error {
	switch {
	case env.Type == signaling.TypeNewMessage:
		var p signaling.NewMessagePayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		r.HandleNewMessage(p.Message)
		return nil
	case env.Type == signaling.TypeNewGroup:
		var p signaling.NewGroupPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		r.HandleNewGroup(p.Group)
		return nil
	case signaling.IsCallSignal(env.Type):
		if r.signals == nil {
			return fmt.Errorf("no call handler for %s", env.Type)
		}
		return r.signals.HandleSignal(ctx, env)
	case env.Type == signaling.TypeRegistered:
		r.logger.Debug("relay registered", "user_id", r.store.LocalUserID())
		return nil
	default:
		r.logger.Debug("unroutable envelope", "type", env.Type, "from", env.From)
		return nil
	}
}

// HandleNewMessage applies a pushed message and reports whether it was
// rendered.
//
// Messages sent by the local user are never appended here; the sender's own
// client reconciles them from the send result. This also hides messages the
// same user sent from another device until the conversation is reloaded.
func (r *Router) HandleNewMessage(msg models.Message) bool {
	defer r.refresh.Trigger()

	if ts, ok := models.NormalizeTimestamp(msg.Timestamp); ok {
		msg.Timestamp = ts
	}

	local := r.store.LocalUserID()
	if msg.SenderID == local {
		return false
	}

	active, ok := r.store.Active()
	if !ok || !relevant(msg, active, local) {
		return false
	}
	if !r.store.AppendMessage(msg) {
		return false
	}
	r.view.AppendRenderedMessage(msg)
	return true
}

func relevant(msg models.Message, active models.ActiveConversation, local string) bool {
	if msg.IsGroup {
		return active.IsGroup && msg.ChatID == active.ID
	}
	return !active.IsGroup && msg.SenderID == active.ID && msg.ChatID == local
}

// HandleNewGroup adds a group the local user was made a member of.
func (r *Router) HandleNewGroup(sum models.ConversationSummary) {
	sum.IsGroup = true
	r.store.UpsertSummary(sum)
	r.view.RenderConversationList(r.store.Summaries())
}
