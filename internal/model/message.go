package model

import "time"

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeFile   MessageType = "file"
	MessageTypeImage  MessageType = "image"
	MessageTypeSystem MessageType = "system"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeFile, MessageTypeImage, MessageTypeSystem:
		return true
	}
	return false
}

// ChatMessage belongs to a room. It is changed only through edit/delete events;
// a deleted message stays in history with Deleted set and empty content.
type ChatMessage struct {
	ID         string         `json:"id"`
	RoomID     string         `json:"roomId"`
	SenderID   string         `json:"senderId"`
	SenderName string         `json:"senderName"`
	Content    string         `json:"content"`
	Type       MessageType    `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	Edited     bool           `json:"edited,omitempty"`
	Deleted    bool           `json:"deleted,omitempty"`
	ReplyTo    *string        `json:"replyTo,omitempty"`
	Reactions  []ChatReaction `json:"reactions"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ChatReaction is attached to exactly one message. Uniqueness of
// (message, user, emoji) is enforced by the relay, not the client.
type ChatReaction struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
}

// ReactionGroup is the per-emoji aggregate shown under a message.
type ReactionGroup struct {
	Emoji string   `json:"emoji"`
	Count int      `json:"count"`
	Users []string `json:"users"`
}
