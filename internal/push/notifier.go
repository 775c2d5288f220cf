// Package push sends Web Push notifications to a user's stored browser
// subscriptions, signed with VAPID.
package push

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/auditmarket/chat/internal/logger"
	"github.com/auditmarket/chat/internal/model"
)

// SubscriptionStore is implemented by storage.Store.
type SubscriptionStore interface {
	Subscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error)
	RemoveSubscription(ctx context.Context, userID, endpoint string) error
}

type sendFunc func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

type Notifier struct {
	store SubscriptionStore
	vapid *webpush.Options
	send  sendFunc
}

// NewNotifier returns a notifier that keeps subscriptions but sends nothing
// when keys is nil.
func NewNotifier(store SubscriptionStore, keys *VAPIDKeys, subscriber string) *Notifier {
	n := &Notifier{store: store, send: webpush.SendNotificationWithContext}
	if keys != nil && keys.PublicKey != "" && keys.PrivateKey != "" {
		n.vapid = &webpush.Options{
			Subscriber:      subscriber,
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             30,
		}
	}
	return n
}

// Enabled reports whether VAPID keys are configured.
func (n *Notifier) Enabled() bool { return n.vapid != nil }

type notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Notify delivers to every subscription of userID. Subscriptions the push
// service reports as gone (404, 410) are removed.
func (n *Notifier) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	if n.vapid == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	subs, err := n.store.Subscriptions(ctx, userID)
	if err != nil {
		logger.Errorf("push subscriptions user=%s: %v", userID, err)
		return
	}
	if len(subs) == 0 {
		return
	}
	payload, err := json.Marshal(notification{Title: title, Body: body, Data: data})
	if err != nil {
		logger.Errorf("push encode: %v", err)
		return
	}
	for _, sub := range subs {
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := n.send(ctx, payload, wpSub, n.vapid)
		if err != nil {
			logger.Errorf("push send %s: %v", shortEndpoint(sub.Endpoint), err)
			continue
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
			if err := n.store.RemoveSubscription(ctx, userID, sub.Endpoint); err != nil {
				logger.Errorf("push remove stale %s: %v", shortEndpoint(sub.Endpoint), err)
			}
		case resp.StatusCode >= 300:
			logger.Errorf("push send %s: status %d", shortEndpoint(sub.Endpoint), resp.StatusCode)
		}
	}
}

func shortEndpoint(e string) string {
	return e[:min(50, len(e))]
}
