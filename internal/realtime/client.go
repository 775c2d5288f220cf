// Package realtime is the chat client: one socket per Client, linear-backoff
// reconnection, an event dispatcher, a FIFO queue for messages composed while
// offline, and the typing set of the active room.
//
// A Client is constructed by the application's composition root; there is no
// package-level instance.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/auditmarket/chat/internal/logger"
	"github.com/auditmarket/chat/internal/model"
)

// connectAttempt is shared by every Connect call made while it is in flight.
type connectAttempt struct {
	ctx       context.Context
	cancel    context.CancelFunc
	reconnect bool

	done chan struct{}
	once sync.Once
	err  error
}

func (a *connectAttempt) finish(err error) {
	a.once.Do(func() {
		a.err = err
		a.cancel()
		close(a.done)
	})
}

func (a *connectAttempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Client struct {
	opts     Options
	dispatch *Dispatcher
	typing   *typingTracker

	// afterFunc schedules reconnects; replaced in tests.
	afterFunc func(d time.Duration, f func()) *time.Timer

	mu             sync.Mutex
	state          State
	userID         string
	token          string
	sess           *session
	inflight       *connectAttempt
	reconnectTimer *time.Timer
	attempts       int
	manualClose    bool
	room           string
	queue          outboundQueue
	// flushing is the session whose queue flush is in progress.
	flushing *session
	// flushDone is closed when the latest flush returns.
	flushDone chan struct{}
}

func New(opts Options) *Client {
	c := &Client{
		opts:      opts.withDefaults(),
		dispatch:  NewDispatcher(),
		afterFunc: time.AfterFunc,
		state:     StateDisconnected,
	}
	c.typing = newTypingTracker(c.opts.TypingTTL, func(string) { c.emitTyping() })
	return c
}

// On registers fn for event and returns the key for Off.
func (c *Client) On(event string, fn Listener) ListenerID {
	return c.dispatch.On(event, fn)
}

func (c *Client) Off(event string, id ListenerID) {
	c.dispatch.Off(event, id)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the number of messages waiting for a connection.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.len()
}

func (c *Client) userIDSnapshot() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Connect opens the socket for userID. It returns nil once the socket is open,
// ErrConnectTimeout if the handshake exceeds Options.ConnectTimeout, or the
// wrapped handshake error. Calls made while a connect is in flight share its
// result; a call while connected returns nil at once.
func (c *Client) Connect(ctx context.Context, userID, authToken string) error {
	c.mu.Lock()
	if c.state == StateConnected && c.sess != nil {
		c.mu.Unlock()
		return nil
	}
	if a := c.inflight; a != nil {
		c.mu.Unlock()
		return a.wait(ctx)
	}
	c.userID = userID
	c.token = authToken
	c.manualClose = false
	c.attempts = 0
	c.stopReconnectLocked()
	a := c.beginAttemptLocked(false)
	c.mu.Unlock()

	go c.runAttempt(a)
	return a.wait(ctx)
}

// Disconnect closes the socket, cancels a pending reconnect and emits
// EventDisconnected. Calling it again is a no-op.
func (c *Client) Disconnect() {
	c.mu.Lock()
	active := c.state != StateDisconnected || c.sess != nil || c.inflight != nil || c.reconnectTimer != nil
	c.manualClose = true
	c.stopReconnectLocked()
	a := c.inflight
	c.inflight = nil
	sess := c.sess
	c.sess = nil
	c.state = StateDisconnected
	c.attempts = 0
	c.mu.Unlock()

	if a != nil {
		a.finish(ErrClientClosed)
	}
	if sess != nil {
		sess.close()
	}
	if c.typing.reset(c.userIDSnapshot()) {
		c.emitTyping()
	}
	if active {
		c.dispatch.Emit(EventDisconnected, DisconnectInfo{})
	}
}

func (c *Client) beginAttemptLocked(reconnect bool) *connectAttempt {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
	a := &connectAttempt{ctx: ctx, cancel: cancel, reconnect: reconnect, done: make(chan struct{})}
	c.inflight = a
	c.state = StateConnecting
	return a
}

func (c *Client) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Client) socketURL() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("realtime: parse url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/chat"
	q := u.Query()
	q.Set("token", c.token)
	q.Set("userId", c.userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) runAttempt(a *connectAttempt) {
	defer logger.DeferLogDuration("realtime.connect", time.Now())()
	c.mu.Lock()
	target, err := c.socketURL()
	c.mu.Unlock()
	if err != nil {
		c.attemptFailed(a, err)
		return
	}

	conn, resp, err := c.opts.Dialer.DialContext(a.ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if errors.Is(a.ctx.Err(), context.DeadlineExceeded) {
			err = ErrConnectTimeout
		} else if resp != nil {
			err = fmt.Errorf("realtime.Connect: handshake status %d: %w", resp.StatusCode, err)
		} else {
			err = fmt.Errorf("realtime.Connect: %w", err)
		}
		c.attemptFailed(a, err)
		return
	}
	c.attemptSucceeded(a, conn)
}

func (c *Client) attemptSucceeded(a *connectAttempt, conn *websocket.Conn) {
	// a flush left over from a dropped session may still be requeueing
	c.mu.Lock()
	prev := c.flushDone
	c.mu.Unlock()
	if prev != nil {
		<-prev
	}

	c.mu.Lock()
	if c.inflight != a {
		// Disconnect won the race
		c.mu.Unlock()
		conn.Close()
		a.finish(ErrClientClosed)
		return
	}
	c.inflight = nil
	c.state = StateConnected
	c.attempts = 0
	sess := newSession(c, conn, c.opts.SendBufferSize)
	c.sess = sess
	// sends made until the flush below ends go through the queue
	c.flushing = sess
	done := make(chan struct{})
	c.flushDone = done
	room := c.room
	userID := c.userID
	displayName := c.opts.DisplayName
	pending := c.queue.drain()
	sess.start()
	c.mu.Unlock()

	a.finish(nil)

	if room != "" {
		if ev, err := model.NewEvent(model.EventJoin, userID, model.MembershipPayload{
			RoomID: room, UserID: userID, UserName: displayName,
		}); err == nil {
			sess.enqueue(ev)
		}
	}
	flushed := c.flush(sess, userID, pending)
	close(done)

	logger.Infof("realtime connected user=%s flushed=%d", userID, flushed)
	c.dispatch.Emit(EventConnected, nil)
}

// flush writes pending, then whatever was queued meanwhile, until the queue
// is empty or sess dies. It runs without c.mu so a dying session can always
// be torn down. Unsent messages go back to the front of the queue.
func (c *Client) flush(sess *session, userID string, pending []model.ChatMessage) int {
	sent := 0
	for {
		for i, m := range pending {
			if m.SenderID == "" {
				m.SenderID = userID
			}
			ev, err := model.NewEvent(model.EventMessage, userID, m)
			if err != nil {
				logger.Errorf("realtime flush message %s: %v", m.ID, err)
				continue
			}
			if !sess.enqueue(ev) {
				c.mu.Lock()
				c.queue.requeue(pending[i:])
				c.endFlushLocked(sess)
				c.mu.Unlock()
				return sent
			}
			sent++
		}

		c.mu.Lock()
		if c.sess != sess {
			c.endFlushLocked(sess)
			c.mu.Unlock()
			return sent
		}
		pending = c.queue.drain()
		if len(pending) == 0 {
			c.endFlushLocked(sess)
			c.mu.Unlock()
			return sent
		}
		c.mu.Unlock()
	}
}

func (c *Client) endFlushLocked(sess *session) {
	if c.flushing == sess {
		c.flushing = nil
	}
}

func (c *Client) attemptFailed(a *connectAttempt, err error) {
	c.mu.Lock()
	if c.inflight != a {
		c.mu.Unlock()
		a.finish(ErrClientClosed)
		return
	}
	c.inflight = nil
	if a.reconnect {
		c.state = StateDisconnected
	} else {
		c.state = StateError
	}
	c.mu.Unlock()

	logger.Errorf("realtime connect failed: %v", err)
	a.finish(err)
	c.dispatch.Emit(EventError, err)
	if a.reconnect {
		c.scheduleReconnect()
	}
}

// handleDrop runs when sess stops reading. Stale sessions are ignored.
func (c *Client) handleDrop(sess *session, err error) {
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.state = StateDisconnected
	manual := c.manualClose
	self := c.userID
	c.mu.Unlock()

	sess.close()
	if c.typing.reset(self) {
		c.emitTyping()
	}
	logger.Infof("realtime disconnected user=%s: %v", self, err)
	c.dispatch.Emit(EventDisconnected, DisconnectInfo{Err: err})
	if !manual {
		c.scheduleReconnect()
	}
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.manualClose || c.reconnectTimer != nil || c.inflight != nil || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.opts.MaxReconnectAttempts {
		made := c.attempts
		c.state = StateDisconnected
		c.mu.Unlock()
		logger.Errorf("realtime reconnect failed after %d attempts", made)
		c.dispatch.Emit(EventReconnectFailed, made)
		return
	}
	c.attempts++
	attempt := c.attempts
	delay := reconnectDelay(attempt, c.opts.BaseDelay)
	c.reconnectTimer = c.afterFunc(delay, c.reconnect)
	c.mu.Unlock()

	c.dispatch.Emit(EventReconnecting, ReconnectInfo{Attempt: attempt, Delay: delay})
}

func (c *Client) reconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	if c.manualClose || c.inflight != nil || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	a := c.beginAttemptLocked(true)
	c.mu.Unlock()
	c.runAttempt(a)
}

// currentSession returns the live session or ErrNotConnected.
func (c *Client) currentSession() (*session, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.sess == nil {
		return nil, "", ErrNotConnected
	}
	return c.sess, c.userID, nil
}

func (c *Client) write(t model.EventType, payload any) error {
	sess, userID, err := c.currentSession()
	if err != nil {
		return err
	}
	ev, err := model.NewEvent(t, userID, payload)
	if err != nil {
		return err
	}
	if !sess.enqueue(ev) {
		return ErrNotConnected
	}
	return nil
}
