package realtime

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultConnectTimeout       = 10 * time.Second
	DefaultBaseDelay            = 1000 * time.Millisecond
	DefaultMaxReconnectAttempts = 5
	DefaultTypingTTL            = 5 * time.Second
	defaultSendBufferSize       = 256
)

// Options configures a Client. Zero values take the defaults above.
type Options struct {
	// URL is the socket base, e.g. wss://chat.example.com. /ws/chat is appended.
	URL string
	// HTTPBaseURL serves /api/chat/upload. Derived from URL (ws->http, wss->https) when empty.
	HTTPBaseURL string
	// DisplayName is stamped on outgoing messages and reactions.
	DisplayName string

	ConnectTimeout       time.Duration
	BaseDelay            time.Duration
	MaxReconnectAttempts int
	// TypingTTL expires a remote typing entry that was not refreshed. Negative disables expiry.
	TypingTTL      time.Duration
	SendBufferSize int

	Dialer     *websocket.Dialer
	HTTPClient *http.Client
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if o.TypingTTL == 0 {
		o.TypingTTL = DefaultTypingTTL
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = defaultSendBufferSize
	}
	if o.Dialer == nil {
		d := *websocket.DefaultDialer
		o.Dialer = &d
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return o
}

// reconnectDelay is linear: attempt × base, no jitter.
func reconnectDelay(attempt int, base time.Duration) time.Duration {
	return time.Duration(attempt) * base
}

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Event names passed to Client.On. Wire events carry the decoded payload:
//
//	EventMessage        model.ChatMessage
//	EventTyping         model.TypingPayload
//	EventReaction       model.ReactionPayload
//	EventJoin/Leave     model.MembershipPayload
//	EventEdit           model.EditPayload
//	EventDelete         model.DeletePayload
//	EventTypingChanged  []string (typing users minus self)
//	EventConnected      nil
//	EventDisconnected   DisconnectInfo
//	EventReconnecting   ReconnectInfo
//	EventReconnectFailed int (attempts made)
//	EventError          error
const (
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
	EventError           = "error"
	EventReconnecting    = "reconnecting"
	EventReconnectFailed = "reconnectFailed"
	EventTypingChanged   = "typingChanged"

	EventMessage  = "message"
	EventTyping   = "typing"
	EventReaction = "reaction"
	EventJoin     = "join"
	EventLeave    = "leave"
	EventEdit     = "edit"
	EventDelete   = "delete"
)

// DisconnectInfo accompanies EventDisconnected. Err is nil for Disconnect().
type DisconnectInfo struct {
	Err error
}

// ReconnectInfo accompanies EventReconnecting.
type ReconnectInfo struct {
	Attempt int
	Delay   time.Duration
}
