package memory

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/auditmarket/chat/internal/model"
	"github.com/auditmarket/chat/internal/storage"
)

const subscriptionTTL = 30 * 24 * time.Hour

type subItem struct {
	sub model.PushSubscription
	exp time.Time
}

type Client struct {
	mu     sync.RWMutex
	online map[string]int
	subs   map[string][]subItem
}

func New() *Client {
	return &Client{
		online: make(map[string]int),
		subs:   make(map[string][]subItem),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) Connect(ctx context.Context, userID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online[userID]++
	return c.online[userID] == 1, nil
}

func (c *Client) Disconnect(ctx context.Context, userID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.online[userID]
	if !ok {
		return false, nil
	}
	if n <= 1 {
		delete(c.online, userID)
		return true, nil
	}
	c.online[userID] = n - 1
	return false, nil
}

func (c *Client) IsOnline(ctx context.Context, userID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online[userID] > 0, nil
}

func (c *Client) ResetPresence(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online = make(map[string]int)
	return nil
}

func (c *Client) AddSubscription(ctx context.Context, userID string, sub model.PushSubscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := lo.Reject(c.subs[userID], func(it subItem, _ int) bool { return it.sub.Endpoint == sub.Endpoint })
	list = append(list, subItem{sub: sub, exp: time.Now().Add(subscriptionTTL)})
	if len(list) > storage.MaxSubscriptionsPerUser {
		list = list[len(list)-storage.MaxSubscriptionsPerUser:]
	}
	c.subs[userID] = list
	return nil
}

func (c *Client) RemoveSubscription(ctx context.Context, userID, endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := lo.Reject(c.subs[userID], func(it subItem, _ int) bool { return it.sub.Endpoint == endpoint })
	if len(kept) == 0 {
		delete(c.subs, userID)
	} else {
		c.subs[userID] = kept
	}
	return nil
}

func (c *Client) Subscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := time.Now()
	live := lo.Filter(c.subs[userID], func(it subItem, _ int) bool { return now.Before(it.exp) })
	return lo.Map(live, func(it subItem, _ int) model.PushSubscription { return it.sub }), nil
}
