package storage

import (
	"context"

	"github.com/auditmarket/chat/internal/model"
)

// Store holds relay state that is not part of chat history: who is online
// and where to send Web Push notifications.
// Implementations: redis.Client, memory.Client (for -memory without Redis).
type Store interface {
	// Connect counts a new socket for userID. first is true if the user was offline.
	Connect(ctx context.Context, userID string) (first bool, err error)
	// Disconnect releases one socket. last is true if the user is now offline.
	Disconnect(ctx context.Context, userID string) (last bool, err error)
	IsOnline(ctx context.Context, userID string) (bool, error)
	// ResetPresence clears all counters; called once at startup.
	ResetPresence(ctx context.Context) error

	AddSubscription(ctx context.Context, userID string, sub model.PushSubscription) error
	RemoveSubscription(ctx context.Context, userID, endpoint string) error
	Subscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error)

	Close() error
}

// MaxSubscriptionsPerUser bounds stored push endpoints; the oldest are dropped first.
const MaxSubscriptionsPerUser = 10
