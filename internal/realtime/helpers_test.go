package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/auditmarket/chat/internal/model"
)

// testRelay is a minimal /ws/chat peer that records what clients send.
type testRelay struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   []*websocket.Conn
	queries []url.Values

	dials  atomic.Int32
	reject atomic.Bool
	// kicks is how many upcoming sockets get closed right after the upgrade.
	kicks    atomic.Int32
	gate     chan struct{}
	gateOnce sync.Once
	events   chan model.ChatEvent
}

func newTestRelay(t *testing.T, gated bool) *testRelay {
	t.Helper()
	r := &testRelay{events: make(chan model.ChatEvent, 128)}
	if gated {
		r.gate = make(chan struct{})
	}
	r.srv = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.close)
	return r
}

func (r *testRelay) serve(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/ws/chat" {
		http.NotFound(w, req)
		return
	}
	if r.gate != nil {
		<-r.gate
	}
	r.dials.Add(1)
	if r.reject.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	if r.kicks.Add(-1) >= 0 {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"), time.Now().Add(time.Second))
		conn.Close()
		return
	}
	r.mu.Lock()
	r.conns = append(r.conns, conn)
	r.queries = append(r.queries, req.URL.Query())
	r.mu.Unlock()

	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ev model.ChatEvent
			if json.Unmarshal(raw, &ev) == nil {
				r.events <- ev
			}
		}
	}()
}

func (r *testRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *testRelay) open() {
	r.gateOnce.Do(func() {
		if r.gate != nil {
			close(r.gate)
		}
	})
}

// dropAll closes every server-side socket without a close frame.
func (r *testRelay) dropAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = nil
	r.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (r *testRelay) close() {
	r.open()
	r.dropAll()
	r.srv.Close()
}

func (r *testRelay) lastQuery() url.Values {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queries) == 0 {
		return nil
	}
	return r.queries[len(r.queries)-1]
}

// push writes raw to every open socket.
func (r *testRelay) push(t *testing.T, raw []byte) {
	t.Helper()
	r.mu.Lock()
	conns := append([]*websocket.Conn(nil), r.conns...)
	r.mu.Unlock()
	for _, c := range conns {
		if err := c.WriteMessage(websocket.TextMessage, raw); err != nil {
			t.Fatalf("relay write: %v", err)
		}
	}
}

func (r *testRelay) pushEvent(t *testing.T, typ model.EventType, userID string, payload any) {
	t.Helper()
	ev, err := model.NewEvent(typ, userID, payload)
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	raw, _ := json.Marshal(ev)
	r.push(t, raw)
}

func (r *testRelay) next(t *testing.T) model.ChatEvent {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return model.ChatEvent{}
	}
}

func (r *testRelay) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case ev := <-r.events:
		t.Fatalf("unexpected frame %s: %s", ev.Type, ev.Payload)
	case <-time.After(d):
	}
}

// collect forwards every emission of event into a channel.
func collect(c *Client, event string) <-chan any {
	ch := make(chan any, 64)
	c.On(event, func(data any) { ch <- data })
	return ch
}

func waitFor(t *testing.T, ch <-chan any, what string) any {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}
