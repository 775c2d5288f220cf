package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventMessage  EventType = "message"
	EventTyping   EventType = "typing"
	EventReaction EventType = "reaction"
	EventJoin     EventType = "join"
	EventLeave    EventType = "leave"
	EventEdit     EventType = "edit"
	EventDelete   EventType = "delete"

	// EventError is sent by the relay to the offending socket only.
	EventError EventType = "error"
)

// ChatEvent is the wire envelope. It is never persisted by the client.
type ChatEvent struct {
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	UserID    string          `json:"userId"`
}

// NewEvent wraps payload into an envelope stamped with the current UTC time.
func NewEvent(t EventType, userID string, payload any) (ChatEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ChatEvent{}, fmt.Errorf("model.NewEvent %s: %w", t, err)
	}
	return ChatEvent{Type: t, Payload: raw, Timestamp: time.Now().UTC(), UserID: userID}, nil
}

// Decode unmarshals the payload into v.
func (e ChatEvent) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("model.ChatEvent.Decode %s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("model.ChatEvent.Decode %s: %w", e.Type, err)
	}
	return nil
}

// --- Typed payloads ---

// TypingPayload with IsTyping=true is the "typing:start" wire event, false is "typing:stop".
type TypingPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type ReactionPayload struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId,omitempty"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Removed   bool   `json:"removed,omitempty"`
}

func (p ReactionPayload) Reaction() ChatReaction {
	return ChatReaction{MessageID: p.MessageID, Emoji: p.Emoji, UserID: p.UserID, UserName: p.UserName}
}

type EditPayload struct {
	MessageID string    `json:"messageId"`
	RoomID    string    `json:"roomId,omitempty"`
	Content   string    `json:"content"`
	EditedAt  time.Time `json:"editedAt"`
}

type DeletePayload struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId,omitempty"`
}

// MembershipPayload carries join and leave.
type MembershipPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// ErrorPayload explains why the relay rejected a frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Ref is the type of the rejected event, if known.
	Ref EventType `json:"ref,omitempty"`
}
