package realtime

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditmarket/chat/internal/model"
)

func TestReadPumpEndsOnDeadConn(t *testing.T) {
	r := newTestRelay(t, false)
	c := newTestClient(t, r, Options{})
	dropped := collect(c, EventDisconnected)

	conn, _, err := websocket.DefaultDialer.Dial(r.url()+"/ws/chat", nil)
	require.NoError(t, err)
	require.NoError(t, conn.UnderlyingConn().Close())

	sess := newSession(c, conn, 1)
	c.mu.Lock()
	c.sess = sess
	c.state = StateConnected
	c.manualClose = true
	c.mu.Unlock()

	returned := make(chan struct{})
	go func() {
		sess.readPump()
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("readPump kept running on a dead connection")
	}

	info, ok := waitFor(t, dropped, "disconnected").(DisconnectInfo)
	require.True(t, ok)
	assert.Error(t, info.Err)
	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, sess.enqueue(model.ChatEvent{Type: model.EventMessage}), "closed session refuses frames")
	assert.Equal(t, int32(1), r.dials.Load(), "no reconnect after a manual close")
}
