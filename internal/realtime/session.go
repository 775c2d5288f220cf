package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/auditmarket/chat/internal/logger"
	"github.com/auditmarket/chat/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// session is one open socket. Lifecycle: newSession -> start -> [readPump, writePump] -> close.
// A Client replaces its session on every reconnect.
type session struct {
	client *Client
	conn   *websocket.Conn
	send   chan model.ChatEvent

	done chan struct{}
	once sync.Once
}

func newSession(c *Client, conn *websocket.Conn, bufSize int) *session {
	return &session{
		client: c,
		conn:   conn,
		send:   make(chan model.ChatEvent, bufSize),
		done:   make(chan struct{}),
	}
}

func (s *session) start() {
	go s.writePump()
	go s.readPump()
}

// enqueue hands ev to the write pump. Returns false once the session is closed.
func (s *session) enqueue(ev model.ChatEvent) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- ev:
		return true
	case <-s.done:
		return false
	}
}

// close is safe to call multiple times from any goroutine.
func (s *session) close() {
	s.once.Do(func() {
		// WriteControl may run concurrently with the write pump.
		if err := s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second)); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			logger.Debugf("realtime close frame: %v", err)
		}
		close(s.done)
		s.conn.Close()
	})
}

func (s *session) readPump() {
	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.client.handleDrop(s, err)
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("realtime read error user=%s: %v", s.client.userIDSnapshot(), err)
			}
			s.client.handleDrop(s, err)
			return
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			s.client.handleDrop(s, err)
			return
		}

		var ev model.ChatEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			logger.Errorf("realtime malformed frame dropped: %v", err)
			continue
		}
		s.client.handleIncoming(ev)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		// unblocks enqueue callers waiting on a full send buffer
		s.close()
	}()

	for {
		select {
		case <-s.done:
			return
		case ev := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			if err := json.NewEncoder(buf).Encode(ev); err != nil {
				bufPool.Put(buf)
				logger.Errorf("realtime marshal %s: %v", ev.Type, err)
				continue
			}
			data := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
			writeErr := s.conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				logger.Errorf("realtime write %s: %v", ev.Type, writeErr)
				return
			}
		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
