// Package memrepo keeps rooms, messages and reactions in process memory with
// the same method sets as the Postgres repositories. It backs `relay -memory`
// and the hub and handler tests.
package memrepo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/auditmarket/chat/internal/model"
	"github.com/auditmarket/chat/internal/repository"
)

type participant struct {
	joinedAt time.Time
	lastRead time.Time
}

type DB struct {
	mu        sync.RWMutex
	rooms     map[string]*model.ChatRoom
	members   map[string]map[string]*participant
	messages  map[string]*model.ChatMessage
	byRoom    map[string][]string
	reactions map[string][]model.ChatReaction
}

func New() *DB {
	return &DB{
		rooms:     make(map[string]*model.ChatRoom),
		members:   make(map[string]map[string]*participant),
		messages:  make(map[string]*model.ChatMessage),
		byRoom:    make(map[string][]string),
		reactions: make(map[string][]model.ChatReaction),
	}
}

func (db *DB) Rooms() *Rooms         { return &Rooms{db: db} }
func (db *DB) Messages() *Messages   { return &Messages{db: db} }
func (db *DB) Reactions() *Reactions { return &Reactions{db: db} }

type Rooms struct{ db *DB }

func (r *Rooms) Create(_ context.Context, room *model.ChatRoom) error {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	cp := *room
	cp.Participants = lo.Uniq(room.Participants)
	cp.LastMessage = nil
	db.rooms[room.ID] = &cp
	m := make(map[string]*participant, len(cp.Participants))
	for _, uid := range cp.Participants {
		m[uid] = &participant{joinedAt: room.CreatedAt}
	}
	db.members[room.ID] = m
	return nil
}

func (r *Rooms) GetByID(_ context.Context, id string) (*model.ChatRoom, error) {
	db := r.db
	db.mu.RLock()
	defer db.mu.RUnlock()
	room, ok := db.rooms[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *room
	cp.Participants = db.participantIDsLocked(id)
	return &cp, nil
}

func (db *DB) participantIDsLocked(roomID string) []string {
	m := db.members[roomID]
	ids := lo.Keys(m)
	sort.Slice(ids, func(i, j int) bool {
		a, b := m[ids[i]], m[ids[j]]
		if !a.joinedAt.Equal(b.joinedAt) {
			return a.joinedAt.Before(b.joinedAt)
		}
		return ids[i] < ids[j]
	})
	return ids
}

func (r *Rooms) ParticipantIDs(_ context.Context, roomID string) ([]string, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	return r.db.participantIDsLocked(roomID), nil
}

func (r *Rooms) IsParticipant(_ context.Context, roomID, userID string) (bool, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	_, ok := r.db.members[roomID][userID]
	return ok, nil
}

func (r *Rooms) ListForUser(_ context.Context, userID string, includeArchived bool) ([]model.ChatRoom, error) {
	db := r.db
	db.mu.RLock()
	defer db.mu.RUnlock()

	type entry struct {
		room     model.ChatRoom
		activity time.Time
	}
	var out []entry
	for id, room := range db.rooms {
		p, ok := db.members[id][userID]
		if !ok || (room.Archived && !includeArchived) {
			continue
		}
		cp := *room
		cp.Participants = db.participantIDsLocked(id)
		activity := room.CreatedAt
		for _, mid := range db.byRoom[id] {
			m := db.messages[mid]
			if m.Timestamp.After(activity) {
				activity = m.Timestamp
			}
			if m.SenderID != userID && !m.Deleted && m.Timestamp.After(p.lastRead) {
				cp.UnreadCount++
			}
		}
		out = append(out, entry{room: cp, activity: activity})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].activity.After(out[j].activity) })
	return lo.Map(out, func(e entry, _ int) model.ChatRoom { return e.room }), nil
}

func (r *Rooms) SetArchived(_ context.Context, roomID string, archived bool) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	room, ok := r.db.rooms[roomID]
	if !ok {
		return repository.ErrNotFound
	}
	room.Archived = archived
	return nil
}

func (r *Rooms) MarkRead(_ context.Context, roomID, userID string, at time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if p, ok := r.db.members[roomID][userID]; ok && at.After(p.lastRead) {
		p.lastRead = at
	}
	return nil
}

type Messages struct{ db *DB }

func (r *Messages) Create(_ context.Context, m *model.ChatMessage) error {
	db := r.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.rooms[m.RoomID]; !ok {
		return repository.ErrNotFound
	}
	cp := *m
	cp.Reactions = nil
	db.messages[m.ID] = &cp
	db.byRoom[m.RoomID] = append(db.byRoom[m.RoomID], m.ID)
	return nil
}

func (r *Messages) GetByID(_ context.Context, id string) (*model.ChatMessage, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	m, ok := r.db.messages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *Messages) ListByRoom(_ context.Context, roomID string, limit int, before time.Time) ([]model.ChatMessage, error) {
	db := r.db
	db.mu.RLock()
	defer db.mu.RUnlock()
	ids := db.byRoom[roomID]
	out := make([]model.ChatMessage, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		m := *db.messages[ids[i]]
		if !before.IsZero() && !m.Timestamp.Before(before) {
			continue
		}
		m.Reactions = append([]model.ChatReaction{}, db.reactions[m.ID]...)
		out = append(out, m)
	}
	return out, nil
}

func (r *Messages) Last(_ context.Context, roomID string) (*model.ChatMessage, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	ids := r.db.byRoom[roomID]
	if len(ids) == 0 {
		return nil, nil
	}
	cp := *r.db.messages[ids[len(ids)-1]]
	return &cp, nil
}

func (r *Messages) UpdateContent(_ context.Context, id, content string, _ time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	m, ok := r.db.messages[id]
	if !ok || m.Deleted {
		return repository.ErrNotFound
	}
	m.Content = content
	m.Edited = true
	return nil
}

func (r *Messages) SoftDelete(_ context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if m, ok := r.db.messages[id]; ok {
		m.Deleted = true
		m.Content = ""
		m.Metadata = nil
	}
	return nil
}

type Reactions struct{ db *DB }

func (r *Reactions) Add(_ context.Context, rc model.ChatReaction) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	list := r.db.reactions[rc.MessageID]
	if lo.ContainsBy(list, func(x model.ChatReaction) bool { return x.UserID == rc.UserID && x.Emoji == rc.Emoji }) {
		return false, nil
	}
	r.db.reactions[rc.MessageID] = append(list, rc)
	return true, nil
}

func (r *Reactions) Remove(_ context.Context, messageID, userID, emoji string) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	list := r.db.reactions[messageID]
	kept := lo.Reject(list, func(x model.ChatReaction, _ int) bool { return x.UserID == userID && x.Emoji == emoji })
	r.db.reactions[messageID] = kept
	return len(kept) != len(list), nil
}

func (r *Reactions) Grouped(_ context.Context, messageID string) ([]model.ReactionGroup, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var groups []model.ReactionGroup
	for _, rc := range r.db.reactions[messageID] {
		_, i, found := lo.FindIndexOf(groups, func(g model.ReactionGroup) bool { return g.Emoji == rc.Emoji })
		if !found {
			groups = append(groups, model.ReactionGroup{Emoji: rc.Emoji})
			i = len(groups) - 1
		}
		groups[i].Count++
		groups[i].Users = append(groups[i].Users, rc.UserID)
	}
	return groups, nil
}
