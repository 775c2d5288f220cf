package ws

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/auditmarket/chat/internal/logger"
	"github.com/auditmarket/chat/internal/model"
)

type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	rooms    map[string]map[*Client]struct{}
	total    int
	maxConns int

	roomRepo  RoomStore
	msgRepo   MessageStore
	reactRepo ReactionStore
	presence  PresenceStore
	push      PushNotifier

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(roomRepo RoomStore, msgRepo MessageStore, reactRepo ReactionStore, presence PresenceStore, push PushNotifier, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		roomRepo:   roomRepo,
		msgRepo:    msgRepo,
		reactRepo:  reactRepo,
		presence:   presence,
		push:       push,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// Attach starts the pumps for an upgraded connection and registers it.
func (h *Hub) Attach(conn *websocket.Conn, p model.Profile) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := newClient(h, conn, p)
	c.start(ctx, cancel)
	h.Register(c)
	return c
}

func (h *Hub) shutdown() {
	// collect under the lock, close outside it
	h.mu.Lock()
	all := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			all = append(all, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.rooms = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.presence.Connect(ctx, c.userID); err != nil {
		logger.Errorf("ws presence connect user=%s: %v", c.userID, err)
	}
	logger.Debugf("ws connected user=%s", c.userID)
}

// removeClient also runs for sockets addClient rejected; those may have
// joined rooms before the rejection and still need unsubscribing.
func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	registered := false
	if clients, ok := h.clients[c.userID]; ok {
		if _, registered = clients[c]; registered {
			delete(clients, c)
			h.total--
			if len(clients) == 0 {
				delete(h.clients, c.userID)
			}
		}
	}
	var left []string
	for roomID := range c.rooms {
		if h.unsubscribeLocked(c, roomID) {
			left = append(left, roomID)
		}
	}
	h.mu.Unlock()

	c.Close()
	for _, roomID := range left {
		h.broadcastMembership(model.EventLeave, c, roomID)
	}
	if !registered {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.presence.Disconnect(ctx, c.userID); err != nil {
		logger.Errorf("ws presence disconnect user=%s: %v", c.userID, err)
	}
	logger.Debugf("ws disconnected user=%s", c.userID)
}

// unsubscribeLocked drops c from roomID. Returns true if no other socket of
// the same user remains in the room.
func (h *Hub) unsubscribeLocked(c *Client, roomID string) bool {
	delete(c.rooms, roomID)
	subs := h.rooms[roomID]
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.rooms, roomID)
	}
	for other := range subs {
		if other.userID == c.userID {
			return false
		}
	}
	return true
}

// HandleEvent dispatches one inbound frame.
func (h *Hub) HandleEvent(ctx context.Context, c *Client, ev model.ChatEvent) {
	switch ev.Type {
	case model.EventJoin:
		h.handleJoin(ctx, c, ev)
	case model.EventLeave:
		h.handleLeave(c, ev)
	case model.EventMessage:
		h.handleMessage(ctx, c, ev)
	case model.EventTyping:
		h.handleTyping(c, ev)
	case model.EventEdit:
		h.handleEdit(ctx, c, ev)
	case model.EventDelete:
		h.handleDelete(ctx, c, ev)
	case model.EventReaction:
		h.handleReaction(ctx, c, ev)
	default:
		h.reject(c, ev.Type, CodeUnknownEvent, "unknown event type")
	}
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, ev model.ChatEvent) {
	var p model.MembershipPayload
	if err := ev.Decode(&p); err != nil || p.RoomID == "" {
		h.reject(c, ev.Type, CodeBadPayload, "roomId required")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if !h.checkParticipant(ctx, c, ev.Type, p.RoomID) {
		return
	}

	h.mu.Lock()
	if c.closed() {
		h.mu.Unlock()
		return
	}
	_, already := c.rooms[p.RoomID]
	firstForUser := true
	for other := range h.rooms[p.RoomID] {
		if other.userID == c.userID {
			firstForUser = false
			break
		}
	}
	if _, ok := h.rooms[p.RoomID]; !ok {
		h.rooms[p.RoomID] = make(map[*Client]struct{})
	}
	h.rooms[p.RoomID][c] = struct{}{}
	c.rooms[p.RoomID] = struct{}{}
	h.mu.Unlock()

	if err := h.roomRepo.MarkRead(ctx, p.RoomID, c.userID, time.Now().UTC()); err != nil {
		logger.Errorf("ws mark read room=%s user=%s: %v", p.RoomID, c.userID, err)
	}
	if !already && firstForUser {
		h.broadcastMembership(model.EventJoin, c, p.RoomID)
	}
}

func (h *Hub) handleLeave(c *Client, ev model.ChatEvent) {
	var p model.MembershipPayload
	if err := ev.Decode(&p); err != nil || p.RoomID == "" {
		h.reject(c, ev.Type, CodeBadPayload, "roomId required")
		return
	}
	h.mu.Lock()
	if _, ok := c.rooms[p.RoomID]; !ok {
		h.mu.Unlock()
		return
	}
	lastForUser := h.unsubscribeLocked(c, p.RoomID)
	h.mu.Unlock()
	if lastForUser {
		h.broadcastMembership(model.EventLeave, c, p.RoomID)
	}
}

func (h *Hub) broadcastMembership(t model.EventType, c *Client, roomID string) {
	ev, err := model.NewEvent(t, c.userID, model.MembershipPayload{RoomID: roomID, UserID: c.userID, UserName: c.userName})
	if err != nil {
		logger.Errorf("ws build %s: %v", t, err)
		return
	}
	h.sendToRoom(roomID, ev, c.userID)
}

func (h *Hub) handleMessage(ctx context.Context, c *Client, ev model.ChatEvent) {
	defer logger.DeferLogDuration("ws.handleMessage", time.Now())()
	var m model.ChatMessage
	if err := ev.Decode(&m); err != nil {
		h.reject(c, ev.Type, CodeBadPayload, "invalid message payload")
		return
	}
	_, hasURL := m.Metadata["url"]
	if m.RoomID == "" || (strings.TrimSpace(m.Content) == "" && !hasURL) {
		h.reject(c, ev.Type, CodeBadPayload, "roomId and content required")
		return
	}
	if m.Type == "" {
		m.Type = model.MessageTypeText
	}
	if !m.Type.Valid() || m.Type == model.MessageTypeSystem {
		h.reject(c, ev.Type, CodeBadPayload, "invalid message type")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if !h.checkParticipant(ctx, c, ev.Type, m.RoomID) {
		return
	}

	if _, err := uuid.Parse(m.ID); err != nil {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	m.SenderID = c.userID
	m.SenderName = c.userName
	m.Timestamp = now
	m.Edited = false
	m.Deleted = false
	m.Reactions = []model.ChatReaction{}

	if err := h.msgRepo.Create(ctx, &m); err != nil {
		logger.Errorf("ws save message room=%s user=%s: %v", m.RoomID, c.userID, err)
		h.reject(c, ev.Type, CodeInternal, "failed to save message")
		return
	}
	if err := h.roomRepo.MarkRead(ctx, m.RoomID, c.userID, now); err != nil {
		logger.Errorf("ws mark read room=%s user=%s: %v", m.RoomID, c.userID, err)
	}

	participants, err := h.roomRepo.ParticipantIDs(ctx, m.RoomID)
	if err != nil {
		logger.Errorf("ws get participants room=%s: %v", m.RoomID, err)
		return
	}
	out, err := model.NewEvent(model.EventMessage, c.userID, m)
	if err != nil {
		logger.Errorf("ws build message: %v", err)
		return
	}
	for _, uid := range participants {
		h.sendToUser(uid, out)
	}
	h.notifyOffline(ctx, participants, &m)
}

// notifyOffline pushes m to participants with no live socket.
func (h *Hub) notifyOffline(ctx context.Context, participants []string, m *model.ChatMessage) {
	if h.push == nil {
		return
	}
	data := map[string]string{"roomId": m.RoomID, "messageId": m.ID}
	body := pushBody(m)
	for _, uid := range participants {
		if uid == m.SenderID {
			continue
		}
		online, err := h.presence.IsOnline(ctx, uid)
		if err != nil {
			logger.Errorf("ws presence lookup user=%s: %v", uid, err)
			continue
		}
		if online {
			continue
		}
		go h.push.Notify(context.Background(), uid, m.SenderName, body, data)
	}
}

func (h *Hub) handleTyping(c *Client, ev model.ChatEvent) {
	var p model.TypingPayload
	if err := ev.Decode(&p); err != nil || p.RoomID == "" {
		return
	}
	h.mu.RLock()
	_, joined := c.rooms[p.RoomID]
	h.mu.RUnlock()
	if !joined {
		return
	}
	p.UserID = c.userID
	out, err := model.NewEvent(model.EventTyping, c.userID, p)
	if err != nil {
		return
	}
	h.sendToRoom(p.RoomID, out, c.userID)
}

func (h *Hub) handleEdit(ctx context.Context, c *Client, ev model.ChatEvent) {
	defer logger.DeferLogDuration("ws.handleEdit", time.Now())()
	var p model.EditPayload
	if err := ev.Decode(&p); err != nil || p.MessageID == "" || strings.TrimSpace(p.Content) == "" {
		h.reject(c, ev.Type, CodeBadPayload, "messageId and content required")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	original, ok := h.ownMessage(ctx, c, ev.Type, p.MessageID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	if err := h.msgRepo.UpdateContent(ctx, p.MessageID, p.Content, now); err != nil {
		logger.Errorf("ws edit message %s: %v", p.MessageID, err)
		h.reject(c, ev.Type, CodeInternal, "failed to edit")
		return
	}
	h.broadcastToRoom(ctx, original.RoomID, model.EventEdit, c.userID, model.EditPayload{
		MessageID: p.MessageID,
		RoomID:    original.RoomID,
		Content:   p.Content,
		EditedAt:  now,
	})
}

func (h *Hub) handleDelete(ctx context.Context, c *Client, ev model.ChatEvent) {
	defer logger.DeferLogDuration("ws.handleDelete", time.Now())()
	var p model.DeletePayload
	if err := ev.Decode(&p); err != nil || p.MessageID == "" {
		h.reject(c, ev.Type, CodeBadPayload, "messageId required")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	original, ok := h.ownMessage(ctx, c, ev.Type, p.MessageID)
	if !ok {
		return
	}
	if err := h.msgRepo.SoftDelete(ctx, p.MessageID); err != nil {
		logger.Errorf("ws delete message %s: %v", p.MessageID, err)
		h.reject(c, ev.Type, CodeInternal, "failed to delete")
		return
	}
	h.broadcastToRoom(ctx, original.RoomID, model.EventDelete, c.userID, model.DeletePayload{
		MessageID: p.MessageID,
		RoomID:    original.RoomID,
	})
}

// ownMessage loads messageID and checks that c sent it and it is not deleted.
func (h *Hub) ownMessage(ctx context.Context, c *Client, t model.EventType, messageID string) (*model.ChatMessage, bool) {
	original, err := h.msgRepo.GetByID(ctx, messageID)
	if err != nil {
		h.reject(c, t, CodeNotFound, "message not found")
		return nil, false
	}
	if original.SenderID != c.userID {
		h.reject(c, t, CodeForbidden, "can only change own messages")
		return nil, false
	}
	if original.Deleted {
		h.reject(c, t, CodeNotFound, "message deleted")
		return nil, false
	}
	return original, true
}

func (h *Hub) handleReaction(ctx context.Context, c *Client, ev model.ChatEvent) {
	var p model.ReactionPayload
	if err := ev.Decode(&p); err != nil || p.MessageID == "" || p.Emoji == "" {
		h.reject(c, ev.Type, CodeBadPayload, "messageId and emoji required")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	original, err := h.msgRepo.GetByID(ctx, p.MessageID)
	if err != nil || original.Deleted {
		h.reject(c, ev.Type, CodeNotFound, "message not found")
		return
	}
	if !h.checkParticipant(ctx, c, ev.Type, original.RoomID) {
		return
	}

	var changed bool
	if p.Removed {
		changed, err = h.reactRepo.Remove(ctx, p.MessageID, c.userID, p.Emoji)
	} else {
		changed, err = h.reactRepo.Add(ctx, model.ChatReaction{
			MessageID: p.MessageID, Emoji: p.Emoji, UserID: c.userID, UserName: c.userName,
		})
	}
	if err != nil {
		logger.Errorf("ws reaction %s: %v", p.MessageID, err)
		h.reject(c, ev.Type, CodeInternal, "failed to update reaction")
		return
	}
	if !changed {
		return
	}
	h.broadcastToRoom(ctx, original.RoomID, model.EventReaction, c.userID, model.ReactionPayload{
		MessageID: p.MessageID,
		RoomID:    original.RoomID,
		Emoji:     p.Emoji,
		UserID:    c.userID,
		UserName:  c.userName,
		Removed:   p.Removed,
	})
}

func (h *Hub) checkParticipant(ctx context.Context, c *Client, t model.EventType, roomID string) bool {
	ok, err := h.roomRepo.IsParticipant(ctx, roomID, c.userID)
	if err != nil {
		logger.Errorf("ws check participant room=%s user=%s: %v", roomID, c.userID, err)
		h.reject(c, t, CodeInternal, "internal error")
		return false
	}
	if !ok {
		h.reject(c, t, CodeForbidden, "not a participant")
		return false
	}
	return true
}

// broadcastToRoom sends to every live socket of every participant.
func (h *Hub) broadcastToRoom(ctx context.Context, roomID string, t model.EventType, userID string, payload any) {
	participants, err := h.roomRepo.ParticipantIDs(ctx, roomID)
	if err != nil {
		logger.Errorf("ws get participants room=%s: %v", roomID, err)
		return
	}
	out, err := model.NewEvent(t, userID, payload)
	if err != nil {
		logger.Errorf("ws build %s: %v", t, err)
		return
	}
	for _, uid := range participants {
		h.sendToUser(uid, out)
	}
}

// sendToRoom sends to sockets that joined roomID, skipping exceptUser.
func (h *Hub) sendToRoom(roomID string, ev model.ChatEvent, exceptUser string) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		if c.userID != exceptUser {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.sendToClient(c, ev)
	}
}

func (h *Hub) sendToUser(userID string, ev model.ChatEvent) {
	h.mu.RLock()
	clients, ok := h.clients[userID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, ev)
	}
}

func (h *Hub) sendToClient(c *Client, ev model.ChatEvent) {
	select {
	case c.send <- ev:
	case <-c.done:
	default:
		// send buffer full: drop the slow client
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

// reject answers the offending socket only.
func (h *Hub) reject(c *Client, ref model.EventType, code, msg string) {
	ev, err := model.NewEvent(model.EventError, "", model.ErrorPayload{Code: code, Message: msg, Ref: ref})
	if err != nil {
		return
	}
	h.sendToClient(c, ev)
}

// Online reports whether userID has a live socket on this hub.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
