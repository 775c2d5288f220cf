package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditmarket/chat/internal/model"
)

func newTestClient(t *testing.T, r *testRelay, opts Options) *Client {
	t.Helper()
	opts.URL = r.url()
	if opts.DisplayName == "" {
		opts.DisplayName = "Alice"
	}
	c := New(opts)
	t.Cleanup(c.Disconnect)
	return c
}

func TestConnectSendsCredentials(t *testing.T) {
	r := newTestRelay(t, false)
	c := newTestClient(t, r, Options{})
	connected := collect(c, EventConnected)

	require.NoError(t, c.Connect(context.Background(), "u1", "tok-1"))
	waitFor(t, connected, "connected")
	assert.Equal(t, StateConnected, c.State())

	q := r.lastQuery()
	require.NotNil(t, q)
	assert.Equal(t, "tok-1", q.Get("token"))
	assert.Equal(t, "u1", q.Get("userId"))
}

func TestConnectWhileConnectedIsNoop(t *testing.T) {
	r := newTestRelay(t, false)
	c := newTestClient(t, r, Options{})

	require.NoError(t, c.Connect(context.Background(), "u1", "tok"))
	require.NoError(t, c.Connect(context.Background(), "u1", "tok"))
	assert.Equal(t, int32(1), r.dials.Load())
}

func TestConcurrentConnectSharesAttempt(t *testing.T) {
	r := newTestRelay(t, true)
	c := newTestClient(t, r, Options{})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Connect(context.Background(), "u1", "tok")
		}(i)
	}
	// let all three callers reach Connect before the handshake completes
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateConnecting, c.State())
	r.open()
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "caller %d", i)
	}
	assert.Equal(t, int32(1), r.dials.Load())
	assert.Equal(t, StateConnected, c.State())
}

func TestConnectTimeout(t *testing.T) {
	r := newTestRelay(t, true)
	c := newTestClient(t, r, Options{ConnectTimeout: 50 * time.Millisecond})
	errCh := collect(c, EventError)

	err := c.Connect(context.Background(), "u1", "tok")
	require.ErrorIs(t, err, ErrConnectTimeout)
	assert.Equal(t, StateError, c.State())
	got := waitFor(t, errCh, "error event")
	assert.ErrorIs(t, got.(error), ErrConnectTimeout)
}

func TestConnectHandshakeRejected(t *testing.T) {
	r := newTestRelay(t, false)
	r.reject.Store(true)
	c := newTestClient(t, r, Options{})
	reconnecting := collect(c, EventReconnecting)

	err := c.Connect(context.Background(), "u1", "bad")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrConnectTimeout))
	assert.Contains(t, err.Error(), "503")
	assert.Equal(t, StateError, c.State())

	select {
	case <-reconnecting:
		t.Fatal("a failed first connect must not start the reconnect loop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQueuedMessagesFlushInOrder(t *testing.T) {
	r := newTestRelay(t, false)
	c := newTestClient(t, r, Options{})

	first, err := c.SendMessage("room-1", "hello", model.MessageTypeText)
	require.NoError(t, err)
	_, err = c.SendMessage("room-1", "world", model.MessageTypeText)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Pending())
	assert.Equal(t, "Alice", first.SenderName)
	assert.NotEmpty(t, first.ID)

	require.NoError(t, c.Connect(context.Background(), "u1", "tok"))

	var got []model.ChatMessage
	for i := 0; i < 2; i++ {
		ev := r.next(t)
		require.Equal(t, model.EventMessage, ev.Type)
		var m model.ChatMessage
		require.NoError(t, ev.Decode(&m))
		got = append(got, m)
	}
	assert.Equal(t, "hello", got[0].Content)
	assert.Equal(t, "world", got[1].Content)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, "u1", got[0].SenderID, "sender filled in at flush")
	assert.Equal(t, 0, c.Pending())
}

func TestFlushPrecedesNewSends(t *testing.T) {
	r := newTestRelay(t, false)
	c := newTestClient(t, r, Options{})

	for _, s := range []string{"a", "b", "c"} {
		_, err := c.SendMessage("room-1", s, model.MessageTypeText)
		require.NoError(t, err)
	}
	require.NoError(t, c.Connect(context.Background(), "u1", "tok"))
	_, err := c.SendMessage("room-1", "d", model.MessageTypeText)
	require.NoError(t, err)

	for _, want := range []string{"a", "b", "c", "d"} {
		var m model.ChatMessage
		require.NoError(t, r.next(t).Decode(&m))
		assert.Equal(t, want, m.Content)
	}
}

func TestSocketDropDuringFlush(t *testing.T) {
	r := newTestRelay(t, false)
	r.kicks.Store(1)
	c := newTestClient(t, r, Options{
		ConnectTimeout: 2 * time.Second,
		BaseDelay:      10 * time.Millisecond,
		SendBufferSize: 1,
	})
	connected := collect(c, EventConnected)

	const queued = 2000
	for i := 0; i < queued; i++ {
		_, err := c.SendMessage("room-1", fmt.Sprintf("m%04d", i), model.MessageTypeText)
		require.NoError(t, err)
	}

	contents := make(chan string, queued+16)
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		for {
			select {
			case ev := <-r.events:
				var m model.ChatMessage
				if ev.Type == model.EventMessage && ev.Decode(&m) == nil {
					contents <- m.Content
				}
			case <-stop:
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect(context.Background(), "u1", "tok") }()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Connect did not return within the connect timeout")
	}

	waitFor(t, connected, "first connected")
	waitFor(t, connected, "reconnected")
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, int32(2), r.dials.Load())

	_, err := c.SendMessage("room-1", "z-after", model.MessageTypeText)
	require.NoError(t, err)

	// at most once: frames lost with the first socket are gone, the rest keep their order
	prev := ""
	for {
		select {
		case got := <-contents:
			assert.Greater(t, got, prev)
			prev = got
			if got == "z-after" {
				assert.Equal(t, 0, c.Pending())
				return
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out after %q", prev)
		}
	}
}

func TestReconnectAfterRemoteClose(t *testing.T) {
	r := newTestRelay(t, false)
	c := newTestClient(t, r, Options{BaseDelay: 10 * time.Millisecond})
	connected := collect(c, EventConnected)
	disconnected := collect(c, EventDisconnected)
	reconnecting := collect(c, EventReconnecting)

	require.NoError(t, c.Connect(context.Background(), "u1", "tok"))
	waitFor(t, connected, "first connected")
	require.NoError(t, c.JoinRoom("room-1"))
	assert.Equal(t, model.EventJoin, r.next(t).Type)

	r.dropAll()
	info := waitFor(t, disconnected, "disconnected").(DisconnectInfo)
	assert.Error(t, info.Err)
	rc := waitFor(t, reconnecting, "reconnecting").(ReconnectInfo)
	assert.Equal(t, 1, rc.Attempt)
	assert.Equal(t, 10*time.Millisecond, rc.Delay)

	waitFor(t, connected, "reconnected")
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, int32(2), r.dials.Load())

	// active room is rejoined on the new socket
	ev := r.next(t)
	require.Equal(t, model.EventJoin, ev.Type)
	var p model.MembershipPayload
	require.NoError(t, ev.Decode(&p))
	assert.Equal(t, "room-1", p.RoomID)
}

func TestReconnectFailedAfterMaxAttempts(t *testing.T) {
	r := newTestRelay(t, false)
	c := newTestClient(t, r, Options{})

	var mu sync.Mutex
	var delays []time.Duration
	c.afterFunc = func(d time.Duration, f func()) *time.Timer {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return time.AfterFunc(time.Millisecond, f)
	}
	failed := collect(c, EventReconnectFailed)

	require.NoError(t, c.Connect(context.Background(), "u1", "tok"))
	r.reject.Store(true)
	r.dropAll()

	made := waitFor(t, failed, "reconnectFailed")
	assert.Equal(t, 5, made)

	select {
	case <-failed:
		t.Fatal("reconnectFailed emitted twice")
	case <-time.After(100 * time.Millisecond):
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		3000 * time.Millisecond,
		4000 * time.Millisecond,
		5000 * time.Millisecond,
	}, delays)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, int32(6), r.dials.Load())
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	r := newTestRelay(t, false)
	c := newTestClient(t, r, Options{BaseDelay: 200 * time.Millisecond})
	reconnecting := collect(c, EventReconnecting)
	disconnected := collect(c, EventDisconnected)

	require.NoError(t, c.Connect(context.Background(), "u1", "tok"))
	r.dropAll()
	waitFor(t, disconnected, "remote disconnect")
	waitFor(t, reconnecting, "reconnect scheduled")

	c.Disconnect()
	waitFor(t, disconnected, "manual disconnect")
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), r.dials.Load(), "no dial after Disconnect")
	assert.Equal(t, StateDisconnected, c.State())

	c.Disconnect()
	select {
	case <-disconnected:
		t.Fatal("second Disconnect emitted an event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisconnectAbortsInflightConnect(t *testing.T) {
	r := newTestRelay(t, true)
	c := newTestClient(t, r, Options{})

	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect(context.Background(), "u1", "tok") }()
	time.Sleep(30 * time.Millisecond)
	c.Disconnect()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClientClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}
	assert.Equal(t, StateDisconnected, c.State())
}

func TestStartTypingSendsOnce(t *testing.T) {
	r := newTestRelay(t, false)
	c := newTestClient(t, r, Options{})
	require.NoError(t, c.Connect(context.Background(), "u1", "tok"))
	require.NoError(t, c.JoinRoom("room-1"))
	require.Equal(t, model.EventJoin, r.next(t).Type)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.StartTyping())
	}
	ev := r.next(t)
	require.Equal(t, model.EventTyping, ev.Type)
	var p model.TypingPayload
	require.NoError(t, ev.Decode(&p))
	assert.True(t, p.IsTyping)
	assert.Equal(t, "room-1", p.RoomID)
	r.expectNone(t, 100*time.Millisecond)

	require.NoError(t, c.StopTyping())
	require.NoError(t, c.StopTyping())
	ev = r.next(t)
	require.NoError(t, ev.Decode(&p))
	assert.False(t, p.IsTyping)
	r.expectNone(t, 100*time.Millisecond)
}

func TestTypingRequiresRoomAndConnection(t *testing.T) {
	r := newTestRelay(t, false)
	c := newTestClient(t, r, Options{})

	assert.ErrorIs(t, c.StartTyping(), ErrNoActiveRoom)
	require.NoError(t, c.JoinRoom("room-1"))
	assert.ErrorIs(t, c.StartTyping(), ErrNotConnected)
}

func TestTypingChangedExcludesSelf(t *testing.T) {
	r := newTestRelay(t, false)
	c := newTestClient(t, r, Options{TypingTTL: -1})
	changed := collect(c, EventTypingChanged)

	require.NoError(t, c.Connect(context.Background(), "u1", "tok"))
	require.NoError(t, c.JoinRoom("room-1"))
	r.next(t)

	r.pushEvent(t, model.EventTyping, "u1", model.TypingPayload{RoomID: "room-1", UserID: "u1", IsTyping: true})
	r.pushEvent(t, model.EventTyping, "u2", model.TypingPayload{RoomID: "room-1", UserID: "u2", IsTyping: true})
	got := waitFor(t, changed, "typingChanged").([]string)
	assert.Equal(t, []string{"u2"}, got)

	// other rooms are ignored
	r.pushEvent(t, model.EventTyping, "u3", model.TypingPayload{RoomID: "room-2", UserID: "u3", IsTyping: true})
	r.pushEvent(t, model.EventTyping, "u4", model.TypingPayload{RoomID: "room-1", UserID: "u4", IsTyping: true})
	got = waitFor(t, changed, "typingChanged").([]string)
	assert.Equal(t, []string{"u2", "u4"}, got)

	r.pushEvent(t, model.EventTyping, "u2", model.TypingPayload{RoomID: "room-1", UserID: "u2", IsTyping: false})
	got = waitFor(t, changed, "typingChanged").([]string)
	assert.Equal(t, []string{"u4"}, got)
	assert.Equal(t, []string{"u4"}, c.TypingUsers())

	require.NoError(t, c.StartTyping())
	assert.NotContains(t, c.TypingUsers(), "u1")
}

func TestTypingEntriesExpire(t *testing.T) {
	r := newTestRelay(t, false)
	c := newTestClient(t, r, Options{TypingTTL: 40 * time.Millisecond})
	changed := collect(c, EventTypingChanged)

	require.NoError(t, c.Connect(context.Background(), "u1", "tok"))
	require.NoError(t, c.JoinRoom("room-1"))
	r.next(t)

	r.pushEvent(t, model.EventTyping, "u2", model.TypingPayload{RoomID: "room-1", UserID: "u2", IsTyping: true})
	assert.Equal(t, []string{"u2"}, waitFor(t, changed, "typing start").([]string))
	assert.Empty(t, waitFor(t, changed, "typing expiry").([]string))
	assert.Empty(t, c.TypingUsers())
}

func TestIncomingEventsDispatched(t *testing.T) {
	r := newTestRelay(t, false)
	c := newTestClient(t, r, Options{})
	messages := collect(c, EventMessage)
	reactions := collect(c, EventReaction)
	edits := collect(c, EventEdit)
	deletes := collect(c, EventDelete)

	require.NoError(t, c.Connect(context.Background(), "u1", "tok"))

	r.push(t, []byte("{not json"))
	r.push(t, []byte(`{"type":"message","payload":"nope","userId":"u2"}`))
	r.pushEvent(t, model.EventMessage, "u2", model.ChatMessage{ID: "m1", RoomID: "room-1", Content: "hi"})
	m := waitFor(t, messages, "message").(model.ChatMessage)
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "hi", m.Content)

	r.pushEvent(t, model.EventReaction, "u2", model.ReactionPayload{MessageID: "m1", Emoji: "🔥", UserID: "u2"})
	assert.Equal(t, "🔥", waitFor(t, reactions, "reaction").(model.ReactionPayload).Emoji)

	r.pushEvent(t, model.EventEdit, "u2", model.EditPayload{MessageID: "m1", Content: "hi!"})
	assert.Equal(t, "hi!", waitFor(t, edits, "edit").(model.EditPayload).Content)

	r.pushEvent(t, model.EventDelete, "u2", model.DeletePayload{MessageID: "m1"})
	assert.Equal(t, "m1", waitFor(t, deletes, "delete").(model.DeletePayload).MessageID)
	assert.Equal(t, StateConnected, c.State())
}

func TestMutationsRequireConnection(t *testing.T) {
	r := newTestRelay(t, false)
	c := newTestClient(t, r, Options{})

	assert.ErrorIs(t, c.EditMessage("room-1", "m1", "x"), ErrNotConnected)
	assert.ErrorIs(t, c.DeleteMessage("room-1", "m1"), ErrNotConnected)
	assert.ErrorIs(t, c.React("room-1", "m1", "👍"), ErrNotConnected)

	require.NoError(t, c.Connect(context.Background(), "u1", "tok"))
	require.NoError(t, c.React("room-1", "m1", "👍"))
	ev := r.next(t)
	require.Equal(t, model.EventReaction, ev.Type)
	var p model.ReactionPayload
	require.NoError(t, ev.Decode(&p))
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, "Alice", p.UserName)
	assert.False(t, p.Removed)
}

func TestReconnectDelayIsLinear(t *testing.T) {
	for attempt := 1; attempt <= 5; attempt++ {
		got := reconnectDelay(attempt, time.Second)
		if want := time.Duration(attempt) * time.Second; got != want {
			t.Errorf("reconnectDelay(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestRelayErrorSurfacesOnErrorEvent(t *testing.T) {
	r := newTestRelay(t, false)
	c := newTestClient(t, r, Options{})
	errCh := collect(c, EventError)

	require.NoError(t, c.Connect(context.Background(), "u1", "tok"))
	r.pushEvent(t, model.EventError, "", model.ErrorPayload{Code: "forbidden", Message: "not a participant", Ref: model.EventMessage})

	got := waitFor(t, errCh, "relay error")
	var re *RelayError
	require.True(t, errors.As(got.(error), &re))
	assert.Equal(t, "forbidden", re.Code)
	assert.Equal(t, "message", re.Ref)
}
