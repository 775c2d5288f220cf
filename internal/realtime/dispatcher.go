package realtime

import (
	"sync"

	"github.com/auditmarket/chat/internal/logger"
)

// Listener receives the data emitted for an event. The concrete type depends
// on the event name (see the Event* constants).
type Listener func(data any)

// ListenerID identifies a registration. Go funcs are not comparable, so Off
// removes by the ID that On returned.
type ListenerID uint64

type listenerEntry struct {
	id ListenerID
	fn Listener
}

// Dispatcher maps event names to ordered listener lists.
type Dispatcher struct {
	mu        sync.RWMutex
	next      ListenerID
	listeners map[string][]listenerEntry
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{listeners: make(map[string][]listenerEntry)}
}

// On appends fn to the listeners of event.
func (d *Dispatcher) On(event string, fn Listener) ListenerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	id := d.next
	d.listeners[event] = append(d.listeners[event], listenerEntry{id: id, fn: fn})
	return id
}

// Off removes the listener registered under id. Unknown ids are ignored.
func (d *Dispatcher) Off(event string, id ListenerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.listeners[event]
	for i, e := range entries {
		if e.id != id {
			continue
		}
		// copy so an Emit iterating the old slice is unaffected
		kept := make([]listenerEntry, 0, len(entries)-1)
		kept = append(kept, entries[:i]...)
		kept = append(kept, entries[i+1:]...)
		if len(kept) == 0 {
			delete(d.listeners, event)
		} else {
			d.listeners[event] = kept
		}
		return
	}
}

// Count returns the number of listeners for event.
func (d *Dispatcher) Count(event string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners[event])
}

// Emit calls every listener of event synchronously in registration order.
// A panicking listener is recovered and reported on EventError; delivery to
// the remaining listeners continues.
func (d *Dispatcher) Emit(event string, data any) {
	d.mu.RLock()
	entries := d.listeners[event]
	d.mu.RUnlock()

	for _, e := range entries {
		if p := d.invoke(event, e.fn, data); p != nil && event != EventError {
			d.Emit(EventError, p)
		}
	}
}

func (d *Dispatcher) invoke(event string, fn Listener, data any) (p *ListenerPanic) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("realtime listener %s panicked: %v", event, r)
			p = &ListenerPanic{Event: event, Value: r}
		}
	}()
	fn(data)
	return nil
}
