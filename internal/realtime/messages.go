package realtime

import (
	"time"

	"github.com/google/uuid"

	"github.com/auditmarket/chat/internal/logger"
	"github.com/auditmarket/chat/internal/model"
)

// MessageOption customises a message built by SendMessage.
type MessageOption func(*model.ChatMessage)

// WithReplyTo marks the message as a reply to messageID.
func WithReplyTo(messageID string) MessageOption {
	return func(m *model.ChatMessage) {
		if messageID != "" {
			m.ReplyTo = &messageID
		}
	}
}

// WithMetadata merges md into the message metadata.
func WithMetadata(md map[string]any) MessageOption {
	return func(m *model.ChatMessage) {
		if len(md) == 0 {
			return
		}
		if m.Metadata == nil {
			m.Metadata = make(map[string]any, len(md))
		}
		for k, v := range md {
			m.Metadata[k] = v
		}
	}
}

// SendMessage builds a message and writes it, or queues it while the client
// is not connected. The returned message is what will go on the wire; local
// echo is the caller's job. Delivery is at most once.
func (c *Client) SendMessage(roomID, content string, typ model.MessageType, opts ...MessageOption) (model.ChatMessage, error) {
	if typ == "" {
		typ = model.MessageTypeText
	}
	c.mu.Lock()
	msg := model.ChatMessage{
		ID:         uuid.New().String(),
		RoomID:     roomID,
		SenderID:   c.userID,
		SenderName: c.opts.DisplayName,
		Content:    content,
		Type:       typ,
		Timestamp:  time.Now().UTC(),
		Reactions:  []model.ChatReaction{},
	}
	for _, opt := range opts {
		opt(&msg)
	}
	if c.state != StateConnected || c.sess == nil || c.flushing == c.sess {
		c.queue.push(msg)
		c.mu.Unlock()
		logger.Debugf("realtime queued message %s room=%s", msg.ID, roomID)
		return msg, nil
	}
	sess := c.sess
	userID := c.userID
	c.mu.Unlock()

	ev, err := model.NewEvent(model.EventMessage, userID, msg)
	if err != nil {
		return msg, err
	}
	if !sess.enqueue(ev) {
		// socket went away between the state check and the write
		c.mu.Lock()
		c.queue.push(msg)
		c.mu.Unlock()
	}
	return msg, nil
}

func (c *Client) EditMessage(roomID, messageID, content string) error {
	return c.write(model.EventEdit, model.EditPayload{
		MessageID: messageID, RoomID: roomID, Content: content, EditedAt: time.Now().UTC(),
	})
}

// DeleteMessage asks the relay to mark messageID deleted.
func (c *Client) DeleteMessage(roomID, messageID string) error {
	return c.write(model.EventDelete, model.DeletePayload{MessageID: messageID, RoomID: roomID})
}

func (c *Client) React(roomID, messageID, emoji string) error {
	return c.reaction(roomID, messageID, emoji, false)
}

func (c *Client) Unreact(roomID, messageID, emoji string) error {
	return c.reaction(roomID, messageID, emoji, true)
}

func (c *Client) reaction(roomID, messageID, emoji string, removed bool) error {
	c.mu.Lock()
	p := model.ReactionPayload{
		MessageID: messageID, RoomID: roomID, Emoji: emoji,
		UserID: c.userID, UserName: c.opts.DisplayName, Removed: removed,
	}
	c.mu.Unlock()
	return c.write(model.EventReaction, p)
}

// JoinRoom makes roomID the active room. The typing set is cleared. While
// offline the room is remembered and joined on the next connect.
func (c *Client) JoinRoom(roomID string) error {
	c.mu.Lock()
	prev := c.room
	c.room = roomID
	self := c.userID
	c.mu.Unlock()

	if c.typing.reset(self) {
		c.emitTyping()
	}
	if prev != "" && prev != roomID {
		_ = c.write(model.EventLeave, model.MembershipPayload{RoomID: prev, UserID: self, UserName: c.opts.DisplayName})
	}
	err := c.write(model.EventJoin, model.MembershipPayload{RoomID: roomID, UserID: self, UserName: c.opts.DisplayName})
	if err == ErrNotConnected {
		return nil
	}
	return err
}

// LeaveRoom clears the active room.
func (c *Client) LeaveRoom() error {
	c.mu.Lock()
	room := c.room
	c.room = ""
	self := c.userID
	c.mu.Unlock()
	if room == "" {
		return ErrNoActiveRoom
	}
	if c.typing.reset(self) {
		c.emitTyping()
	}
	err := c.write(model.EventLeave, model.MembershipPayload{RoomID: room, UserID: self, UserName: c.opts.DisplayName})
	if err == ErrNotConnected {
		return nil
	}
	return err
}

// ActiveRoom returns the room set by JoinRoom.
func (c *Client) ActiveRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// StartTyping sends one typing start per run of calls; repeats are no-ops
// until StopTyping.
func (c *Client) StartTyping() error {
	room, self, err := c.typingTarget()
	if err != nil {
		return err
	}
	if !c.typing.addSelf(self) {
		return nil
	}
	if err := c.write(model.EventTyping, model.TypingPayload{RoomID: room, UserID: self, IsTyping: true}); err != nil {
		c.typing.remove(self)
		return err
	}
	return nil
}

func (c *Client) StopTyping() error {
	room, self, err := c.typingTarget()
	if err != nil {
		return err
	}
	if !c.typing.remove(self) {
		return nil
	}
	return c.write(model.EventTyping, model.TypingPayload{RoomID: room, UserID: self, IsTyping: false})
}

func (c *Client) typingTarget() (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room == "" {
		return "", "", ErrNoActiveRoom
	}
	if c.state != StateConnected {
		return "", "", ErrNotConnected
	}
	return c.room, c.userID, nil
}

// TypingUsers returns the users typing in the active room, excluding self.
func (c *Client) TypingUsers() []string {
	return c.typing.snapshot(c.userIDSnapshot())
}

func (c *Client) emitTyping() {
	c.dispatch.Emit(EventTypingChanged, c.TypingUsers())
}

// handleIncoming decodes a wire event and fans it out. Undecodable payloads
// are logged and dropped.
func (c *Client) handleIncoming(ev model.ChatEvent) {
	switch ev.Type {
	case model.EventMessage:
		var m model.ChatMessage
		if !c.decode(ev, &m) {
			return
		}
		c.dispatch.Emit(EventMessage, m)
	case model.EventTyping:
		var p model.TypingPayload
		if !c.decode(ev, &p) {
			return
		}
		if p.UserID == "" {
			p.UserID = ev.UserID
		}
		c.applyTyping(p)
		c.dispatch.Emit(EventTyping, p)
	case model.EventReaction:
		var p model.ReactionPayload
		if !c.decode(ev, &p) {
			return
		}
		c.dispatch.Emit(EventReaction, p)
	case model.EventJoin, model.EventLeave:
		var p model.MembershipPayload
		if !c.decode(ev, &p) {
			return
		}
		if ev.Type == model.EventLeave && p.RoomID == c.ActiveRoom() && c.typing.remove(p.UserID) {
			c.emitTyping()
		}
		c.dispatch.Emit(string(ev.Type), p)
	case model.EventEdit:
		var p model.EditPayload
		if !c.decode(ev, &p) {
			return
		}
		c.dispatch.Emit(EventEdit, p)
	case model.EventDelete:
		var p model.DeletePayload
		if !c.decode(ev, &p) {
			return
		}
		c.dispatch.Emit(EventDelete, p)
	case model.EventError:
		var p model.ErrorPayload
		if !c.decode(ev, &p) {
			return
		}
		c.dispatch.Emit(EventError, &RelayError{Code: p.Code, Message: p.Message, Ref: string(p.Ref)})
	default:
		logger.Debugf("realtime unknown event type %q", ev.Type)
		c.dispatch.Emit(string(ev.Type), ev)
	}
}

func (c *Client) decode(ev model.ChatEvent, v any) bool {
	if err := ev.Decode(v); err != nil {
		logger.Errorf("realtime drop %s frame: %v", ev.Type, err)
		return false
	}
	return true
}

func (c *Client) applyTyping(p model.TypingPayload) {
	c.mu.Lock()
	room := c.room
	self := c.userID
	c.mu.Unlock()
	if p.RoomID != room || p.UserID == self {
		return
	}
	var changed bool
	if p.IsTyping {
		changed = c.typing.add(p.UserID)
	} else {
		changed = c.typing.remove(p.UserID)
	}
	if changed {
		c.emitTyping()
	}
}
