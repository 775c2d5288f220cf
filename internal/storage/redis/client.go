package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/auditmarket/chat/internal/logger"
	"github.com/auditmarket/chat/internal/model"
	"github.com/auditmarket/chat/internal/storage"
)

const (
	presenceKey     = "chat:presence"
	subsKeyPrefix   = "push:subs:"
	subscriptionTTL = 30 * 24 * time.Hour
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Connect increments the user's socket count in the presence hash.
func (c *Client) Connect(ctx context.Context, userID string) (bool, error) {
	n, err := c.cli.HIncrBy(ctx, presenceKey, userID, 1).Result()
	if err != nil {
		return false, fmt.Errorf("redis presence connect: %w", err)
	}
	return n == 1, nil
}

// Disconnect decrements the count and drops the field at zero.
func (c *Client) Disconnect(ctx context.Context, userID string) (bool, error) {
	n, err := c.cli.HIncrBy(ctx, presenceKey, userID, -1).Result()
	if err != nil {
		return false, fmt.Errorf("redis presence disconnect: %w", err)
	}
	if n > 0 {
		return false, nil
	}
	if err := c.cli.HDel(ctx, presenceKey, userID).Err(); err != nil {
		return true, fmt.Errorf("redis presence hdel: %w", err)
	}
	return true, nil
}

func (c *Client) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := c.cli.HGet(ctx, presenceKey, userID).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis presence get: %w", err)
	}
	return n > 0, nil
}

func (c *Client) ResetPresence(ctx context.Context) error {
	return c.cli.Del(ctx, presenceKey).Err()
}

// AddSubscription appends sub to push:subs:{user}, keeping the newest
// storage.MaxSubscriptionsPerUser entries, and refreshes the key TTL.
func (c *Client) AddSubscription(ctx context.Context, userID string, sub model.PushSubscription) error {
	if err := c.RemoveSubscription(ctx, userID, sub.Endpoint); err != nil {
		return err
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("redis subscription encode: %w", err)
	}
	key := subsKeyPrefix + userID
	pipe := c.cli.TxPipeline()
	pipe.RPush(ctx, key, string(raw))
	pipe.LTrim(ctx, key, -storage.MaxSubscriptionsPerUser, -1)
	pipe.Expire(ctx, key, subscriptionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis subscription add: %w", err)
	}
	return nil
}

func (c *Client) RemoveSubscription(ctx context.Context, userID, endpoint string) error {
	key := subsKeyPrefix + userID
	list, err := c.cli.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis subscription list: %w", err)
	}
	for _, item := range list {
		var sub model.PushSubscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint == endpoint {
			if err := c.cli.LRem(ctx, key, 0, item).Err(); err != nil {
				return fmt.Errorf("redis subscription remove: %w", err)
			}
		}
	}
	return nil
}

func (c *Client) Subscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error) {
	list, err := c.cli.LRange(ctx, subsKeyPrefix+userID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis subscription list: %w", err)
	}
	subs := make([]model.PushSubscription, 0, len(list))
	for _, item := range list {
		var sub model.PushSubscription
		if err := json.Unmarshal([]byte(item), &sub); err != nil {
			logger.Errorf("redis: skip malformed subscription for %s: %v", userID, err)
			continue
		}
		if sub.Valid() {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}
