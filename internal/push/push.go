package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/SherClockHolmes/webpush-go"
	"gorm.io/gorm"

	"github.com/slasso10/chat-multiple/internal/models"
)

var ErrSubscriptionNotFound = errors.New("subscription not found")

// VAPIDKeys identify the server to push services.
type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

type sendFunc func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Notifier stores browser push subscriptions and delivers notifications to
// them.
type Notifier struct {
	db     *gorm.DB
	keys   VAPIDKeys
	ttl    int
	send   sendFunc
	logger *slog.Logger
}

type Option func(*Notifier)

func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) {
		if l != nil {
			n.logger = l
		}
	}
}

// NewNotifier migrates the subscription table on db.
func NewNotifier(db *gorm.DB, keys VAPIDKeys, opts ...Option) (*Notifier, error) {
	n := &Notifier{
		db:     db,
		keys:   keys,
		ttl:    30,
		send:   webpush.SendNotificationWithContext,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if err := db.AutoMigrate(&models.PushSubscription{}); err != nil {
		return nil, fmt.Errorf("migrate push subscriptions: %w", err)
	}
	return n, nil
}

func (n *Notifier) PublicKey() string {
	return n.keys.PublicKey
}

// Subscribe replaces every subscription of the user with the given one.
func (n *Notifier) Subscribe(ctx context.Context, userID, endpoint, p256dh, auth string) (models.PushSubscription, error) {
	sub := models.PushSubscription{
		UserID:   userID,
		Endpoint: endpoint,
		P256DH:   strings.TrimSpace(p256dh),
		Auth:     strings.TrimSpace(auth),
	}
	err := n.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&models.PushSubscription{}).Error; err != nil {
			return err
		}
		return tx.Create(&sub).Error
	})
	if err != nil {
		return models.PushSubscription{}, fmt.Errorf("subscribe: %w", err)
	}
	n.logger.Debug("push subscribed", "user_id", userID, "subscription_id", sub.ID)
	return sub, nil
}

func (n *Notifier) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	res := n.db.WithContext(ctx).
		Where("user_id = ? AND endpoint = ?", userID, endpoint).
		Delete(&models.PushSubscription{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

type notification struct {
	Title   string         `json:"title"`
	Body    string         `json:"body"`
	Data    map[string]any `json:"data,omitempty"`
	Urgency string         `json:"urgency"`
}

// NotifyIncomingCall tells an offline user that someone is calling.
func (n *Notifier) NotifyIncomingCall(ctx context.Context, userID, callerID, callerName string) error {
	if callerName == "" {
		callerName = callerID
	}
	return n.Send(ctx, userID, "Incoming call", callerName+" is calling you", map[string]any{
		"type":    "incoming-call",
		"from":    callerID,
		"from_id": callerID,
	})
}

// Send delivers a notification to every subscription of the user.
// Subscriptions the push service reports as gone are deleted.
func (n *Notifier) Send(ctx context.Context, userID, title, body string, data map[string]any) error {
	if n.keys.PublicKey == "" || n.keys.PrivateKey == "" {
		return nil
	}

	var subs []models.PushSubscription
	if err := n.db.WithContext(ctx).Where("user_id = ?", userID).Find(&subs).Error; err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	if len(subs) == 0 {
		n.logger.Debug("push skipped, no subscription", "user_id", userID)
		return nil
	}

	payload, err := json.Marshal(notification{Title: title, Body: body, Data: data, Urgency: "high"})
	if err != nil {
		return err
	}

	var sent int
	for _, sub := range subs {
		resp, err := n.send(ctx, payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.P256DH, Auth: sub.Auth},
		}, &webpush.Options{
			Subscriber:      n.keys.Subject,
			VAPIDPublicKey:  n.keys.PublicKey,
			VAPIDPrivateKey: n.keys.PrivateKey,
			TTL:             n.ttl,
			Urgency:         webpush.UrgencyHigh,
		})
		if err != nil {
			n.logger.Warn("push send failed", "user_id", userID, "subscription_id", sub.ID, "error", err)
			continue
		}
		status := resp.StatusCode
		_ = resp.Body.Close()
		if status == http.StatusGone || status == http.StatusNotFound {
			n.logger.Info("push subscription expired", "user_id", userID, "subscription_id", sub.ID, "status", status)
			n.db.WithContext(ctx).Delete(&sub)
			continue
		}
		sent++
	}
	n.logger.Debug("push delivered", "user_id", userID, "sent", sent, "subscriptions", len(subs))
	return nil
}
