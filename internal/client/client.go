// Package client ties the chat and call components together for one user.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/slasso10/chat-multiple/internal/call"
	"github.com/slasso10/chat-multiple/internal/delivery"
	"github.com/slasso10/chat-multiple/internal/models"
	"github.com/slasso10/chat-multiple/internal/rpc"
	"github.com/slasso10/chat-multiple/internal/signaling"
	"github.com/slasso10/chat-multiple/internal/timeline"
)

var (
	ErrEmptyMessage         = errors.New("message is empty")
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrNotLoggedIn          = errors.New("not logged in")
	ErrAlreadyLoggedIn      = errors.New("already logged in")
	ErrClosed               = errors.New("client closed")
)

// UI receives everything the user should see.
type UI interface {
	call.Observer
	delivery.View
	ReportError(op string, err error)
}

// Service is the backend API plus the credentials it holds.
type Service interface {
	rpc.ChatService
	Token() string
	Forget()
}

// Transport is the signaling connection used after login.
type Transport interface {
	signaling.Sender
	Handle(typ string, fn signaling.HandlerFunc) (cancel func())
	OnDisconnect(fn func(error))
	Close() error
}

type Dialer func(ctx context.Context, token string) (Transport, error)

type Config struct {
	Service Service
	Media   call.Media
	UI      UI
	Dial    Dialer
	Logger  *slog.Logger

	RefreshDelay    time.Duration
	ReconcileWindow time.Duration
	OfferTimeout    time.Duration
}

// Client is an actor: every state change runs on the goroutine inside Run,
// in the order it was queued.
type Client struct {
	svc    Service
	media  call.Media
	ui     UI
	dial   Dialer
	logger *slog.Logger
	nowFn  func() time.Time

	offerTimeout time.Duration

	store     *timeline.Store
	refresher *delivery.Refresher

	work chan func()
	done chan struct{}

	user       models.User
	transport  Transport
	negotiator *call.Negotiator
	router     *delivery.Router
	cancels    []func()
}

var pushTypes = []string{
	signaling.TypeNewMessage,
	signaling.TypeNewGroup,
	signaling.TypeRegistered,
	signaling.TypeCallOffer,
	signaling.TypeCallAnswer,
	signaling.TypeIceCandidate,
	signaling.TypeCallEnd,
	signaling.TypeCallReject,
	signaling.TypeCallUnavailable,
}

func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		svc:          cfg.Service,
		media:        cfg.Media,
		ui:           cfg.UI,
		dial:         cfg.Dial,
		logger:       logger,
		nowFn:        time.Now,
		offerTimeout: cfg.OfferTimeout,
		store:        timeline.New("", timeline.WithReconcileWindow(cfg.ReconcileWindow)),
		work:         make(chan func(), 256),
		done:         make(chan struct{}),
	}
	c.refresher = delivery.NewRefresher(cfg.Service, c.store, cfg.UI,
		delivery.WithRefreshDelay(cfg.RefreshDelay),
		delivery.WithRenderExecutor(c.post),
		delivery.WithRefresherLogger(logger),
	)
	return c
}

// Run processes queued work until ctx is done, then logs out.
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case fn := <-c.work:
			fn()
		case <-ctx.Done():
			c.teardownSession()
			close(c.done)
			c.refresher.Stop()
			return ctx.Err()
		}
	}
}

// do runs fn on the actor and waits for its result.
func (c *Client) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case c.work <- func() { errc <- fn() }:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn without waiting for it.
func (c *Client) post(fn func()) {
	select {
	case c.work <- fn:
	case <-c.done:
	}
}

// Store exposes the timeline for read-only use by views.
func (c *Client) Store() *timeline.Store {
	return c.store
}

func (c *Client) User() models.User {
	var u models.User
	_ = c.do(context.Background(), func() error {
		u = c.user
		return nil
	})
	return u
}

// Login registers the user, loads users and conversations and connects the
// signaling transport.
func (c *Client) Login(ctx context.Context, userID, name string) error {
	return c.do(ctx, func() error {
		if c.user.ID != "" {
			return ErrAlreadyLoggedIn
		}

		user, err := c.svc.RegisterUser(ctx, userID, name)
		if err != nil {
			return fmt.Errorf("register: %w", err)
		}
		c.store.Reset(user.ID)
		loggedIn := false
		defer func() {
			if !loggedIn {
				c.store.Reset("")
				c.svc.Forget()
			}
		}()

		users, err := c.svc.GetAllUsers(ctx)
		if err != nil {
			return fmt.Errorf("load users: %w", err)
		}
		c.store.SetUsers(users)
		if err := c.loadChats(ctx, user.ID); err != nil {
			return err
		}

		tr, err := c.dial(ctx, c.svc.Token())
		if err != nil {
			return fmt.Errorf("%w: %v", call.ErrTransportDisconnected, err)
		}

		c.user = user
		c.transport = tr
		opts := []call.Option{
			call.WithExecutor(c.post),
			call.WithLogger(c.logger),
			call.WithPeerNames(c.store.UserName),
		}
		if c.offerTimeout > 0 {
			opts = append(opts, call.WithOfferTimeout(c.offerTimeout))
		}
		c.negotiator = call.NewNegotiator(user.ID, tr, c.media, opts...)
		c.cancels = append(c.cancels, c.negotiator.Subscribe(c.ui))
		c.router = delivery.NewRouter(c.store, c.ui, c.negotiator, c.refresher, c.logger)

		for _, typ := range pushTypes {
			c.cancels = append(c.cancels, tr.Handle(typ, c.onEnvelope))
		}
		tr.OnDisconnect(func(err error) {
			c.post(func() { c.onTransportLost(tr, err) })
		})

		loggedIn = true
		c.logger.Info("logged in", "user_id", user.ID)
		c.ui.RenderConversationList(c.store.Summaries())
		return nil
	})
}

func (c *Client) loadChats(ctx context.Context, userID string) error {
	direct, err := c.svc.GetUserDirectChats(ctx, userID)
	if err != nil {
		return fmt.Errorf("load direct chats: %w", err)
	}
	groups, err := c.svc.GetUserGroupChats(ctx, userID)
	if err != nil {
		return fmt.Errorf("load group chats: %w", err)
	}
	c.store.SetChats(append(direct, groups...))
	return nil
}

func (c *Client) onEnvelope(env signaling.Envelope) {
	c.post(func() {
		if c.router == nil {
			return
		}
		if err := c.router.Route(context.Background(), env); err != nil {
			c.logger.Warn("route envelope", "type", env.Type, "from", env.From, "error", err)
		}
	})
}

func (c *Client) onTransportLost(tr Transport, err error) {
	if c.transport != tr {
		return
	}
	if c.negotiator != nil {
		c.negotiator.HandleTransportLoss(err)
	}
	c.ui.ReportError("signaling", fmt.Errorf("%w: %v", call.ErrTransportDisconnected, err))
}

// Logout ends any call, disconnects and forgets all state.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.user.ID == "" {
			return ErrNotLoggedIn
		}
		c.teardownSession()
		c.ui.RenderActiveConversation(models.ActiveConversation{})
		c.ui.RenderConversationList(nil)
		return nil
	})
}

func (c *Client) teardownSession() {
	if c.negotiator != nil {
		_ = c.negotiator.EndCall(context.Background())
	}
	for _, cancel := range c.cancels {
		cancel()
	}
	c.cancels = nil
	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			c.logger.Warn("close transport", "error", err)
		}
	}
	if c.user.ID != "" {
		c.logger.Info("logged out", "user_id", c.user.ID)
	}
	c.transport, c.negotiator, c.router = nil, nil, nil
	c.user = models.User{}
	c.store.Reset("")
	if c.svc != nil {
		c.svc.Forget()
	}
}

// OpenConversation makes id the active conversation and loads its history.
func (c *Client) OpenConversation(ctx context.Context, id, name string, isGroup bool) error {
	return c.do(ctx, func() error {
		if c.user.ID == "" {
			return ErrNotLoggedIn
		}
		if name == "" {
			name = c.store.UserName(id)
		}
		c.store.SetActiveConversation(id, name, isGroup)

		var (
			msgs []models.Message
			err  error
		)
		if isGroup {
			msgs, err = c.svc.GetGroupChatMessages(ctx, id)
		} else {
			msgs, err = c.svc.GetDirectChatMessages(ctx, c.user.ID, id)
		}
		if err != nil {
			c.ui.ReportError("load history", err)
		} else {
			c.store.SetActiveMessages(msgs)
		}

		active, _ := c.store.Active()
		c.ui.RenderActiveConversation(active)
		return err
	})
}

// SendMessage sends text to the active conversation. The message shows up
// immediately as pending and is reconciled with the server's copy.
func (c *Client) SendMessage(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	return c.do(ctx, func() error {
		return c.sendOptimistic(ctx, models.Message{Content: content},
			func(active models.ActiveConversation) (models.Message, error) {
				if active.IsGroup {
					return c.svc.SendGroupMessage(ctx, c.user.ID, active.ID, content)
				}
				return c.svc.SendDirectMessage(ctx, c.user.ID, active.ID, content)
			})
	})
}

// SendAudio sends a recorded voice note to the active conversation.
func (c *Client) SendAudio(ctx context.Context, audio models.Audio) error {
	if audio.Data == "" {
		return ErrEmptyMessage
	}
	return c.do(ctx, func() error {
		return c.sendOptimistic(ctx, models.Message{Audio: &audio},
			func(active models.ActiveConversation) (models.Message, error) {
				if active.IsGroup {
					return c.svc.SendGroupAudio(ctx, c.user.ID, active.ID, audio)
				}
				return c.svc.SendDirectAudio(ctx, c.user.ID, active.ID, audio)
			})
	})
}

func (c *Client) sendOptimistic(ctx context.Context, draft models.Message, send func(models.ActiveConversation) (models.Message, error)) error {
	if c.user.ID == "" {
		return ErrNotLoggedIn
	}
	active, ok := c.store.Active()
	if !ok {
		return ErrNoActiveConversation
	}

	id, err := gonanoid.New(12)
	if err != nil {
		return err
	}
	temp := draft
	temp.TempID = "tmp-" + id
	temp.ChatID = active.ID
	temp.SenderID = c.user.ID
	temp.SenderName = c.user.Name
	temp.Timestamp = c.nowFn().UnixMilli()
	temp.IsGroup = active.IsGroup
	temp.Pending = true

	c.store.AppendMessage(temp)
	c.ui.AppendRenderedMessage(temp)

	confirmed, err := send(active)
	if err != nil {
		c.store.MarkFailed(temp.TempID)
		c.ui.ReportError("send message", err)
		c.renderActive()
		return err
	}

	confirmed.TempID = temp.TempID
	c.store.AppendMessage(confirmed)
	c.renderActive()
	c.ui.RenderConversationList(c.store.Summaries())
	return nil
}

func (c *Client) renderActive() {
	if active, ok := c.store.Active(); ok {
		c.ui.RenderActiveConversation(active)
	}
}

// CreateGroup creates a group owned by the local user.
func (c *Client) CreateGroup(ctx context.Context, name string, memberIDs []string) (models.ConversationSummary, error) {
	var sum models.ConversationSummary
	err := c.do(ctx, func() error {
		if c.user.ID == "" {
			return ErrNotLoggedIn
		}
		created, err := c.svc.CreateGroup(ctx, c.user.ID, name, memberIDs)
		if err != nil {
			return err
		}
		sum = created
		c.store.UpsertSummary(created)
		c.ui.RenderConversationList(c.store.Summaries())
		return nil
	})
	return sum, err
}

func (c *Client) AddMembers(ctx context.Context, groupID string, memberIDs []string) error {
	return c.do(ctx, func() error {
		if c.user.ID == "" {
			return ErrNotLoggedIn
		}
		return c.svc.AddMembersToGroup(ctx, groupID, memberIDs)
	})
}

// RefreshChats reloads the conversation list now.
func (c *Client) RefreshChats(ctx context.Context) error {
	return c.do(ctx, func() error {
		return c.refreshChats(ctx)
	})
}

// refreshChats runs on the actor, so the list is rendered here rather than
// posted back to the work queue.
func (c *Client) refreshChats(ctx context.Context) error {
	if c.user.ID == "" {
		return ErrNotLoggedIn
	}
	return c.refresher.Refresh(ctx)
}

// RefreshUsers reloads the user directory.
func (c *Client) RefreshUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := c.do(ctx, func() error {
		if c.user.ID == "" {
			return ErrNotLoggedIn
		}
		all, err := c.svc.GetAllUsers(ctx)
		if err != nil {
			return err
		}
		c.store.SetUsers(all)
		users = c.store.OtherUsers()
		return nil
	})
	return users, err
}

func (c *Client) StartCall(ctx context.Context, peerID string, opts models.MediaOptions) error {
	return c.withNegotiator(ctx, func(n *call.Negotiator) error {
		return n.StartCall(ctx, peerID, c.store.UserName(peerID), opts)
	})
}

func (c *Client) AcceptCall(ctx context.Context) error {
	return c.withNegotiator(ctx, func(n *call.Negotiator) error {
		return n.AcceptPendingOffer(ctx)
	})
}

func (c *Client) RejectCall(ctx context.Context) error {
	return c.withNegotiator(ctx, func(n *call.Negotiator) error {
		return n.RejectPendingOffer(ctx)
	})
}

func (c *Client) EndCall(ctx context.Context) error {
	return c.withNegotiator(ctx, func(n *call.Negotiator) error {
		return n.EndCall(ctx)
	})
}

// ToggleMute flips the microphone and returns the new muted state.
func (c *Client) ToggleMute(ctx context.Context) (bool, error) {
	var muted bool
	err := c.withNegotiator(ctx, func(n *call.Negotiator) error {
		m, err := n.ToggleMute()
		muted = m
		return err
	})
	return muted, err
}

// CallSession returns the active call, if any.
func (c *Client) CallSession(ctx context.Context) (models.CallSession, bool) {
	var (
		sess models.CallSession
		ok   bool
	)
	_ = c.withNegotiator(ctx, func(n *call.Negotiator) error {
		sess, ok = n.Session()
		return nil
	})
	return sess, ok
}

func (c *Client) withNegotiator(ctx context.Context, fn func(*call.Negotiator) error) error {
	return c.do(ctx, func() error {
		if c.negotiator == nil {
			return ErrNotLoggedIn
		}
		return fn(c.negotiator)
	})
}
