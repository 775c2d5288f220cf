package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditmarket/chat/internal/auth"
	"github.com/auditmarket/chat/internal/fileserver"
	"github.com/auditmarket/chat/internal/middleware"
	"github.com/auditmarket/chat/internal/model"
	"github.com/auditmarket/chat/internal/realtime"
	"github.com/auditmarket/chat/internal/repository/memrepo"
	"github.com/auditmarket/chat/internal/storage/memory"
	"github.com/auditmarket/chat/internal/ws"
)

type relayFixture struct {
	srv    *httptest.Server
	db     *memrepo.DB
	store  *memory.Client
	issuer *auth.Issuer
}

func newRelay(t *testing.T) *relayFixture {
	t.Helper()
	f := &relayFixture{
		db:     memrepo.New(),
		store:  memory.New(),
		issuer: auth.NewIssuer("test-secret", time.Hour),
	}
	hub := ws.NewHub(f.db.Rooms(), f.db.Messages(), f.db.Reactions(), f.store, nil, 100)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	loose := middleware.RateConfig{RPS: 1000, Burst: 1000}
	router := NewRouter(RouterDeps{
		Verifier:       f.issuer,
		AllowedOrigins: "*",
		RateByIP:       loose,
		RateByUser:     loose,
		Rooms:          NewRoomHandler(f.db.Rooms(), f.db.Messages()),
		Messages:       NewMessageHandler(f.db.Messages(), f.db.Rooms(), f.db.Reactions()),
		Files:          NewFileHandler(fileserver.New(t.TempDir()), f.db.Rooms(), 1<<20),
		Push:           NewPushHandler(f.store),
		Config:         NewConfigHandler(ClientConfig{MaxUploadSize: 1 << 20}),
		Tokens:         NewTokenHandler(f.issuer),
		WS:             NewWSHandler(hub, "*"),
	})
	f.srv = httptest.NewServer(router)
	t.Cleanup(func() {
		cancel()
		f.srv.Close()
	})
	return f
}

func (f *relayFixture) token(t *testing.T, id, name string) string {
	t.Helper()
	tk, err := f.issuer.Issue(model.Profile{ID: id, DisplayName: name})
	require.NoError(t, err)
	return tk
}

func (f *relayFixture) room(t *testing.T, id string, participants ...string) {
	t.Helper()
	require.NoError(t, f.db.Rooms().Create(context.Background(), &model.ChatRoom{
		ID: id, Name: id, Type: model.RoomTypeGroup, Participants: participants, CreatedAt: time.Now().UTC(),
	}))
}

func (f *relayFixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (f *relayFixture) client(t *testing.T, id, name string) *realtime.Client {
	t.Helper()
	c := realtime.New(realtime.Options{
		URL:            "ws" + strings.TrimPrefix(f.srv.URL, "http"),
		DisplayName:    name,
		ConnectTimeout: 2 * time.Second,
	})
	require.NoError(t, c.Connect(context.Background(), id, f.token(t, id, name)))
	t.Cleanup(c.Disconnect)
	return c
}

// collect forwards every payload of event into a channel.
func collect[T any](c *realtime.Client, event string) <-chan T {
	ch := make(chan T, 32)
	c.On(event, func(data any) {
		if v, ok := data.(T); ok {
			ch <- v
		}
	})
	return ch
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %T", *new(T))
		panic("unreachable")
	}
}

// joinAndSync joins roomID and waits for the echo of a marker message, which
// proves the relay processed the join.
func joinAndSync(t *testing.T, c *realtime.Client, msgs <-chan model.ChatMessage, roomID string) {
	t.Helper()
	require.NoError(t, c.JoinRoom(roomID))
	sent, err := c.SendMessage(roomID, "joined", model.MessageTypeText)
	require.NoError(t, err)
	for {
		m := recv(t, msgs)
		if m.ID == sent.ID {
			return
		}
	}
}

func TestRelay_TwoClientsChat(t *testing.T) {
	f := newRelay(t)
	f.room(t, "r1", "alice", "bob")

	alice := f.client(t, "alice", "Alice")
	bob := f.client(t, "bob", "Bob")
	aliceMsgs := collect[model.ChatMessage](alice, realtime.EventMessage)
	bobMsgs := collect[model.ChatMessage](bob, realtime.EventMessage)
	bobTyping := collect[[]string](bob, realtime.EventTypingChanged)
	bobEdits := collect[model.EditPayload](bob, realtime.EventEdit)
	aliceReactions := collect[model.ReactionPayload](alice, realtime.EventReaction)

	joinAndSync(t, alice, aliceMsgs, "r1")
	joinAndSync(t, bob, bobMsgs, "r1")

	sent, err := alice.SendMessage("r1", "hello bob", model.MessageTypeText)
	require.NoError(t, err)
	var got model.ChatMessage
	for got.ID != sent.ID {
		got = recv(t, bobMsgs)
	}
	assert.Equal(t, "hello bob", got.Content)
	assert.Equal(t, "alice", got.SenderID)
	assert.Equal(t, "Alice", got.SenderName)

	require.NoError(t, alice.StartTyping())
	users := recv(t, bobTyping)
	assert.Equal(t, []string{"alice"}, users)

	require.NoError(t, alice.EditMessage("r1", sent.ID, "hello, bob"))
	edit := recv(t, bobEdits)
	assert.Equal(t, sent.ID, edit.MessageID)
	assert.Equal(t, "hello, bob", edit.Content)

	require.NoError(t, bob.React("r1", sent.ID, "👋"))
	reaction := recv(t, aliceReactions)
	assert.Equal(t, "bob", reaction.UserID)
	assert.Equal(t, "👋", reaction.Emoji)

	resp := f.do(t, http.MethodGet, "/api/rooms/r1/messages", f.token(t, "bob", "Bob"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history []model.ChatMessage
	decodeBody(t, resp, &history)
	require.Len(t, history, 3)
	last := history[2]
	assert.Equal(t, sent.ID, last.ID)
	assert.Equal(t, "hello, bob", last.Content)
	assert.True(t, last.Edited)
	require.Len(t, last.Reactions, 1)
	assert.Equal(t, "👋", last.Reactions[0].Emoji)

	resp = f.do(t, http.MethodGet, "/api/messages/"+sent.ID+"/reactions", f.token(t, "alice", "Alice"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var groups []model.ReactionGroup
	decodeBody(t, resp, &groups)
	require.Len(t, groups, 1)
	assert.Equal(t, 1, groups[0].Count)
}

func TestRelay_RejectionSurfacesAsRelayError(t *testing.T) {
	f := newRelay(t)
	f.room(t, "private", "carol")

	alice := f.client(t, "alice", "Alice")
	errs := collect[error](alice, realtime.EventError)

	_, err := alice.SendMessage("private", "let me in", model.MessageTypeText)
	require.NoError(t, err)

	var relayErr *realtime.RelayError
	require.ErrorAs(t, recv(t, errs), &relayErr)
	assert.Equal(t, ws.CodeForbidden, relayErr.Code)
	assert.Equal(t, "message", relayErr.Ref)
}

func TestRelay_SocketAuth(t *testing.T) {
	f := newRelay(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")

	c := realtime.New(realtime.Options{URL: url, ConnectTimeout: time.Second})
	assert.Error(t, c.Connect(context.Background(), "alice", "garbage"))
	assert.Equal(t, realtime.StateError, c.State())

	c = realtime.New(realtime.Options{URL: url, ConnectTimeout: time.Second})
	assert.Error(t, c.Connect(context.Background(), "mallory", f.token(t, "alice", "Alice")))
}

func TestRooms_CreateListArchive(t *testing.T) {
	f := newRelay(t)
	alice := f.token(t, "alice", "Alice")
	bob := f.token(t, "bob", "Bob")

	resp := f.do(t, http.MethodPost, "/api/rooms", alice, CreateRoomRequest{
		Name: "Audit #42", Type: model.RoomTypeAudit, Participants: []string{"bob", " bob ", ""},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var room model.ChatRoom
	decodeBody(t, resp, &room)
	assert.NotEmpty(t, room.ID)
	assert.Equal(t, []string{"alice", "bob"}, room.Participants)
	assert.Equal(t, "alice", room.CreatedBy)

	require.NoError(t, f.db.Messages().Create(context.Background(), &model.ChatMessage{
		ID: "m1", RoomID: room.ID, SenderID: "alice", Content: "scope attached", Type: model.MessageTypeText,
		Timestamp: time.Now().UTC(),
	}))

	resp = f.do(t, http.MethodGet, "/api/rooms", bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rooms []model.ChatRoom
	decodeBody(t, resp, &rooms)
	require.Len(t, rooms, 1)
	assert.Equal(t, 1, rooms[0].UnreadCount)
	require.NotNil(t, rooms[0].LastMessage)
	assert.Equal(t, "scope attached", rooms[0].LastMessage.Content)

	resp = f.do(t, http.MethodGet, "/api/rooms/"+room.ID+"/messages", bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/rooms", bob, nil)
	decodeBody(t, resp, &rooms)
	require.Len(t, rooms, 1)
	assert.Equal(t, 0, rooms[0].UnreadCount, "reading history marks the room read")

	resp = f.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/archive", bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/rooms", bob, nil)
	decodeBody(t, resp, &rooms)
	assert.Empty(t, rooms)

	resp = f.do(t, http.MethodGet, "/api/rooms?archived=true", bob, nil)
	decodeBody(t, resp, &rooms)
	assert.Len(t, rooms, 1)

	carol := f.token(t, "carol", "Carol")
	resp = f.do(t, http.MethodGet, "/api/rooms/"+room.ID+"/messages", carol, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRooms_CreateValidation(t *testing.T) {
	f := newRelay(t)
	alice := f.token(t, "alice", "Alice")

	cases := []CreateRoomRequest{
		{Name: "solo", Participants: []string{"alice"}},
		{Type: model.RoomTypeDirect, Participants: []string{"bob", "carol"}},
		{Type: "channel", Participants: []string{"bob"}},
	}
	for _, req := range cases {
		resp := f.do(t, http.MethodPost, "/api/rooms", alice, req)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "%+v", req)
	}

	resp := f.do(t, http.MethodGet, "/api/rooms", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func multipartUpload(t *testing.T, roomID, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	if roomID != "" {
		require.NoError(t, mw.WriteField("roomId", roomID))
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func (f *relayFixture) upload(t *testing.T, token, roomID, filename string, content []byte) *http.Response {
	t.Helper()
	body, ct := multipartUpload(t, roomID, filename, content)
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/chat/upload", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestUpload_StoreAndServe(t *testing.T) {
	f := newRelay(t)
	f.room(t, "r1", "alice", "bob")
	alice := f.token(t, "alice", "Alice")

	resp := f.upload(t, alice, "r1", "findings.txt", []byte("reentrancy in withdraw()"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var up FileUploadResponse
	decodeBody(t, resp, &up)
	assert.True(t, strings.HasPrefix(up.URL, "/api/chat/files/"))
	assert.Equal(t, "findings.txt", up.FileName)
	assert.Equal(t, int64(24), up.FileSize)

	resp = f.do(t, http.MethodGet, up.URL, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "reentrancy in withdraw()", string(got))
}

func TestUpload_Rejections(t *testing.T) {
	f := newRelay(t)
	f.room(t, "r1", "alice")
	alice := f.token(t, "alice", "Alice")
	mallory := f.token(t, "mallory", "Mallory")

	assert.Equal(t, http.StatusBadRequest, f.upload(t, alice, "", "a.txt", []byte("x")).StatusCode)
	assert.Equal(t, http.StatusForbidden, f.upload(t, mallory, "r1", "a.txt", []byte("x")).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.upload(t, alice, "r1", "a.exe", []byte("MZ")).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.upload(t, alice, "r1", "a.png", []byte("not png")).StatusCode)
}

func TestUpload_TooLarge(t *testing.T) {
	db := memrepo.New()
	require.NoError(t, db.Rooms().Create(context.Background(), &model.ChatRoom{
		ID: "r1", Type: model.RoomTypeGroup, Participants: []string{"alice"}, CreatedAt: time.Now().UTC(),
	}))
	h := NewFileHandler(fileserver.New(t.TempDir()), db.Rooms(), 1024)

	body, ct := multipartUpload(t, "r1", "big.txt", bytes.Repeat([]byte("a"), 4096))
	req := httptest.NewRequest(http.MethodPost, "/api/chat/upload", body)
	req.Header.Set("Content-Type", ct)
	req = req.WithContext(middleware.WithUser(req.Context(), "alice", "Alice"))
	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.JSONEq(t, `{"error":"file too large","code":"too_large"}`, rec.Body.String())
}

func TestPush_SubscribeUnsubscribe(t *testing.T) {
	f := newRelay(t)
	alice := f.token(t, "alice", "Alice")

	var sub model.PushSubscription
	sub.Endpoint = "https://push.example/abc"
	sub.Keys.P256dh = "p"
	sub.Keys.Auth = "a"

	resp := f.do(t, http.MethodPost, "/api/push/subscribe", alice, SubscribeRequest{Subscription: sub})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	subs, err := f.store.Subscriptions(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, subs, 1)

	resp = f.do(t, http.MethodPost, "/api/push/subscribe", alice, SubscribeRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/api/push/subscribe", alice, UnsubscribeRequest{Endpoint: sub.Endpoint})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	subs, err = f.store.Subscriptions(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestTokens_MintFromLoopback(t *testing.T) {
	f := newRelay(t)

	resp := f.do(t, http.MethodPost, "/internal/tokens", "", MintRequest{UserID: "auditor-7", DisplayName: "Auditor Seven"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	decodeBody(t, resp, &out)

	p, err := f.issuer.Verify(out["token"])
	require.NoError(t, err)
	assert.Equal(t, model.Profile{ID: "auditor-7", DisplayName: "Auditor Seven"}, p)

	resp = f.do(t, http.MethodPost, "/internal/tokens", "", MintRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConfigAndHealth(t *testing.T) {
	f := newRelay(t)

	resp := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/chat/config", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cfg ClientConfig
	decodeBody(t, resp, &cfg)
	assert.False(t, cfg.PushEnabled)
	assert.Equal(t, int64(1<<20), cfg.MaxUploadSize)
}
