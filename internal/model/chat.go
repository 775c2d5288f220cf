package model

import "time"

type RoomType string

const (
	RoomTypeDirect RoomType = "direct"
	RoomTypeGroup  RoomType = "group"
	RoomTypeAudit  RoomType = "audit"
)

func (t RoomType) Valid() bool {
	return t == RoomTypeDirect || t == RoomTypeGroup || t == RoomTypeAudit
}

// ChatRoom groups participants and their message history.
type ChatRoom struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Type         RoomType     `json:"type"`
	Participants []string     `json:"participants"`
	LastMessage  *ChatMessage `json:"lastMessage,omitempty"`
	UnreadCount  int          `json:"unreadCount"`
	Archived     bool         `json:"archived"`
	CreatedBy    string       `json:"createdBy,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
}
