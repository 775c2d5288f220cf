package ws

import (
	"context"
	"time"

	"github.com/auditmarket/chat/internal/model"
)

// RoomStore is the part of the room repository the hub needs.
type RoomStore interface {
	IsParticipant(ctx context.Context, roomID, userID string) (bool, error)
	ParticipantIDs(ctx context.Context, roomID string) ([]string, error)
	MarkRead(ctx context.Context, roomID, userID string, at time.Time) error
}

type MessageStore interface {
	Create(ctx context.Context, m *model.ChatMessage) error
	GetByID(ctx context.Context, id string) (*model.ChatMessage, error)
	UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error
	SoftDelete(ctx context.Context, id string) error
}

type ReactionStore interface {
	Add(ctx context.Context, rc model.ChatReaction) (bool, error)
	Remove(ctx context.Context, messageID, userID, emoji string) (bool, error)
}

// PresenceStore counts live sockets per user.
type PresenceStore interface {
	Connect(ctx context.Context, userID string) (bool, error)
	Disconnect(ctx context.Context, userID string) (bool, error)
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// PushNotifier sends a Web Push notification. A nil notifier disables push.
type PushNotifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

// Error codes sent in model.ErrorPayload.
const (
	CodeBadPayload   = "bad_payload"
	CodeForbidden    = "forbidden"
	CodeNotFound     = "not_found"
	CodeInternal     = "internal"
	CodeUnknownEvent = "unknown_event"
)

const pushBodyMax = 120

// pushBody shortens a message to a notification line.
func pushBody(m *model.ChatMessage) string {
	if m.Type != model.MessageTypeText || m.Content == "" {
		if name, ok := m.Metadata["fileName"].(string); ok && name != "" {
			return "📎 " + name
		}
		return "Attachment"
	}
	body := []rune(m.Content)
	if len(body) > pushBodyMax {
		return string(body[:pushBodyMax-3]) + "..."
	}
	return m.Content
}
