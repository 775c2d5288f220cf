package realtime

import (
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// typingTracker is the set of users currently typing in the active room.
// Remote entries expire after ttl without a refresh; ttl <= 0 keeps them until
// a stop event arrives. The local user's entry never expires and is filtered
// out of every view.
type typingTracker struct {
	mu       sync.Mutex
	ttl      time.Duration
	users    map[string]*typingEntry
	onExpire func(userID string)
}

// typingEntry.timer is nil for the local user and when expiry is off.
type typingEntry struct {
	timer *time.Timer
}

func (e *typingEntry) stop() {
	if e.timer != nil {
		e.timer.Stop()
	}
}

func newTypingTracker(ttl time.Duration, onExpire func(userID string)) *typingTracker {
	return &typingTracker{
		ttl:      ttl,
		users:    make(map[string]*typingEntry),
		onExpire: onExpire,
	}
}

// addSelf marks the local user as typing. Returns false if already marked.
func (t *typingTracker) addSelf(self string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.users[self]; ok {
		return false
	}
	t.users[self] = &typingEntry{}
	return true
}

// add marks a remote user as typing, refreshing its expiry. Returns true if
// the user was not in the set before.
func (t *typingTracker) add(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, existed := t.users[userID]
	if existed {
		prev.stop()
	}
	entry := &typingEntry{}
	if t.ttl > 0 {
		entry.timer = time.AfterFunc(t.ttl, func() { t.expire(userID, entry) })
	}
	t.users[userID] = entry
	return !existed
}

func (t *typingTracker) expire(userID string, entry *typingEntry) {
	t.mu.Lock()
	cur, ok := t.users[userID]
	if !ok || cur != entry {
		// refreshed or removed since this timer was armed
		t.mu.Unlock()
		return
	}
	delete(t.users, userID)
	t.mu.Unlock()
	if t.onExpire != nil {
		t.onExpire(userID)
	}
}

// remove drops userID. Returns true if it was present.
func (t *typingTracker) remove(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.users[userID]
	if !ok {
		return false
	}
	entry.stop()
	delete(t.users, userID)
	return true
}

func (t *typingTracker) has(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.users[userID]
	return ok
}

// reset empties the set. Returns true if a user other than self was removed.
func (t *typingTracker) reset(self string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	visible := false
	for id, entry := range t.users {
		entry.stop()
		if id != self {
			visible = true
		}
	}
	t.users = make(map[string]*typingEntry)
	return visible
}

// snapshot returns the typing users minus self, sorted.
func (t *typingTracker) snapshot(self string) []string {
	t.mu.Lock()
	ids := lo.Without(lo.Keys(t.users), self)
	t.mu.Unlock()
	sort.Strings(ids)
	return ids
}
