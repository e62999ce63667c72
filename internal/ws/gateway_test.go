package ws

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/kartikn18/letschat/internal/auth"
	"github.com/kartikn18/letschat/internal/bus"
	"github.com/kartikn18/letschat/internal/models"
	"github.com/kartikn18/letschat/internal/presence"
	"github.com/kartikn18/letschat/internal/ratelimit"
	"github.com/kartikn18/letschat/internal/service"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// fakeVerifier maps opaque test tokens straight to identities so the
// gateway tests do not depend on JWT wiring.
type fakeVerifier struct {
	tokens map[string]auth.Identity
}

func (v *fakeVerifier) Verify(token string) (*auth.Identity, error) {
	id, ok := v.tokens[token]
	if !ok {
		return nil, auth.ErrUnauthenticated
	}
	return &id, nil
}

// gatewayEnv holds everything shared between the simulated processes:
// one database, one fan-out bus, one identity source.
type gatewayEnv struct {
	db       *gorm.DB
	bus      *bus.MemoryBus
	verifier *fakeVerifier
}

func newGatewayEnv(t *testing.T) *gatewayEnv {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := conn.AutoMigrate(&models.User{}, &models.Room{}, &models.Message{}, &models.RoomMember{}, &models.RoomSession{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	env := &gatewayEnv{
		db:       conn,
		bus:      bus.NewMemory(),
		verifier: &fakeVerifier{tokens: map[string]auth.Identity{}},
	}
	t.Cleanup(func() { env.bus.Close() })
	return env
}

func (e *gatewayEnv) addUser(t *testing.T, id uint, name string) string {
	t.Helper()
	u := models.User{ID: id, Username: name, PasswordHash: "x"}
	if err := e.db.Create(&u).Error; err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	token := "tok-" + name
	e.verifier.tokens[token] = auth.Identity{UserID: id, Username: name}
	return token
}

// startProcess spins up an independent gateway instance on the shared
// bus and database, standing in for one process of a multi-node deploy.
func (e *gatewayEnv) startProcess(t *testing.T) *httptest.Server {
	t.Helper()
	hub := NewHub(e.bus)
	go hub.Run()
	t.Cleanup(hub.Stop)

	tracker := presence.New(e.db)
	gw := NewGateway(hub, Deps{
		Bus:      e.bus,
		Verifier: e.verifier,
		Tracker:  tracker,
		Rooms:    service.NewRoomService(e.db, tracker),
		Messages: service.NewMessageService(e.db, 2000),
		Limiter:  ratelimit.New(ratelimit.NewMemoryCounter()),
	})

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", gw.Serve())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dialWs(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, payload interface{}) {
	t.Helper()
	if err := conn.WriteJSON(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// awaitFrames reads until every wanted frame type has been seen, keeping
// the latest payload per type. Unrelated frames in between are dropped.
func awaitFrames(t *testing.T, conn *websocket.Conn, types ...string) map[string]json.RawMessage {
	t.Helper()
	want := make(map[string]bool, len(types))
	for _, typ := range types {
		want[typ] = true
	}
	got := make(map[string]json.RawMessage, len(types))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(got) < len(want) {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %v, have %d: %v", types, len(got), err)
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("bad frame %q: %v", raw, err)
		}
		if want[frame.Type] {
			got[frame.Type] = frame.Data
		}
	}
	return got
}

func awaitFrame(t *testing.T, conn *websocket.Conn, typ string) json.RawMessage {
	t.Helper()
	return awaitFrames(t, conn, typ)[typ]
}

// expectSilence asserts that no frame of the given type arrives within
// the window. Other frame types are ignored.
func expectSilence(t *testing.T, conn *websocket.Conn, typ string, window time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(window))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return // deadline hit, nothing arrived
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		if frame.Type == typ {
			t.Fatalf("unexpected %s frame: %s", typ, frame.Data)
		}
	}
}

func joinRoom(t *testing.T, conn *websocket.Conn, name string) presence.Stats {
	t.Helper()
	sendEvent(t, conn, map[string]interface{}{"type": EventJoinRoom, "room": name})
	frames := awaitFrames(t, conn, EventRoomStatsUpdate, EventRecentMessages)
	var stats presence.Stats
	if err := json.Unmarshal(frames[EventRoomStatsUpdate], &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	return stats
}

func decodeStats(t *testing.T, data json.RawMessage) presence.Stats {
	t.Helper()
	var stats presence.Stats
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	return stats
}

func TestGateway_RejectsBadCredentials(t *testing.T) {
	env := newGatewayEnv(t)
	srv := env.startProcess(t)

	for _, url := range []string{
		"ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		"ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=forged",
	} {
		if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
			t.Errorf("dial %s succeeded, want handshake rejection", url)
		}
	}
}

func TestGateway_JoinAndPresence(t *testing.T) {
	env := newGatewayEnv(t)
	tokAlice := env.addUser(t, 1, "alice")
	tokBob := env.addUser(t, 2, "bob")
	srv := env.startProcess(t)

	alice := dialWs(t, srv, tokAlice)
	stats := joinRoom(t, alice, "general")
	if stats.Online != 1 || stats.TotalMembers != 1 {
		t.Fatalf("after first join: online=%d total=%d, want 1/1", stats.Online, stats.TotalMembers)
	}

	bob := dialWs(t, srv, tokBob)
	stats = joinRoom(t, bob, "general")
	if stats.Online != 2 || stats.TotalMembers != 2 {
		t.Fatalf("after second join: online=%d total=%d, want 2/2", stats.Online, stats.TotalMembers)
	}

	// Alice sees the updated stats and the join notice; Bob's own join
	// notice is never echoed back to Bob.
	frames := awaitFrames(t, alice, EventRoomStatsUpdate, EventUserJoined)
	if got := decodeStats(t, frames[EventRoomStatsUpdate]); got.Online != 2 || got.TotalMembers != 2 {
		t.Errorf("alice stats: online=%d total=%d, want 2/2", got.Online, got.TotalMembers)
	}
	var joined JoinedPayload
	if err := json.Unmarshal(frames[EventUserJoined], &joined); err != nil {
		t.Fatalf("decode userJoined: %v", err)
	}
	if joined.Username != "bob" {
		t.Errorf("userJoined username = %q, want bob", joined.Username)
	}

	// Disconnect decrements online but membership is durable.
	alice.Close()
	frames = awaitFrames(t, bob, EventRoomStatsUpdate, EventUserLeft)
	if got := decodeStats(t, frames[EventRoomStatsUpdate]); got.Online != 1 || got.TotalMembers != 2 {
		t.Errorf("after disconnect: online=%d total=%d, want 1/2", got.Online, got.TotalMembers)
	}
	var left LeftPayload
	if err := json.Unmarshal(frames[EventUserLeft], &left); err != nil {
		t.Fatalf("decode userLeft: %v", err)
	}
	if left.UserID != 1 {
		t.Errorf("userLeft user_id = %d, want 1", left.UserID)
	}
}

func TestGateway_DuplicateSessionReplaced(t *testing.T) {
	env := newGatewayEnv(t)
	tokAlice := env.addUser(t, 1, "alice")
	tokBob := env.addUser(t, 2, "bob")
	srv := env.startProcess(t)

	bob := dialWs(t, srv, tokBob)
	joinRoom(t, bob, "general")

	first := dialWs(t, srv, tokAlice)
	joinRoom(t, first, "general")
	awaitFrames(t, bob, EventRoomStatsUpdate)

	// A second connection for the same user replaces the first session,
	// so online stays at 2.
	second := dialWs(t, srv, tokAlice)
	stats := joinRoom(t, second, "general")
	if stats.Online != 2 || stats.TotalMembers != 2 {
		t.Fatalf("after rejoin: online=%d total=%d, want 2/2", stats.Online, stats.TotalMembers)
	}

	// Closing the stale connection finds no active session, so no
	// departure is announced.
	first.Close()
	expectSilence(t, bob, EventUserLeft, 200*time.Millisecond)
}

func TestGateway_CrossProcessFanOut(t *testing.T) {
	env := newGatewayEnv(t)
	tokAlice := env.addUser(t, 1, "alice")
	tokBob := env.addUser(t, 2, "bob")
	srv1 := env.startProcess(t)
	srv2 := env.startProcess(t)

	alice := dialWs(t, srv1, tokAlice)
	joinRoom(t, alice, "general")
	bob := dialWs(t, srv2, tokBob)
	joinRoom(t, bob, "general")
	awaitFrames(t, alice, EventRoomStatsUpdate)

	sendEvent(t, alice, map[string]interface{}{"type": EventMessage, "room_id": 1, "content": "first"})
	sendEvent(t, alice, map[string]interface{}{"type": EventMessage, "room_id": 1, "content": "second"})

	// Bob sits on another instance; both messages cross the bus and
	// arrive in send order.
	for i, want := range []string{"first", "second"} {
		var dto service.MessageDTO
		if err := json.Unmarshal(awaitFrame(t, bob, EventNewMessage), &dto); err != nil {
			t.Fatalf("decode message %d: %v", i, err)
		}
		if dto.Content != want {
			t.Fatalf("message %d content = %q, want %q", i, dto.Content, want)
		}
		if dto.Username != "alice" {
			t.Errorf("message %d username = %q, want alice", i, dto.Username)
		}
	}

	// The sender gets their own message back through the same path.
	var echo service.MessageDTO
	if err := json.Unmarshal(awaitFrame(t, alice, EventNewMessage), &echo); err != nil {
		t.Fatalf("decode echo: %v", err)
	}
	if echo.Content != "first" {
		t.Errorf("echo content = %q, want first", echo.Content)
	}
}

func TestGateway_HandshakeAutoSubscribe(t *testing.T) {
	env := newGatewayEnv(t)
	tokAlice := env.addUser(t, 1, "alice")
	tokBob := env.addUser(t, 2, "bob")
	srv := env.startProcess(t)

	bob := dialWs(t, srv, tokBob)
	joinRoom(t, bob, "general")

	// Connecting with ?room= subscribes the transport without joining:
	// broadcasts arrive, but no session or membership is registered.
	alice := dialWs(t, srv, tokAlice+"&room=general")
	sendEvent(t, bob, map[string]interface{}{"type": EventMessage, "room_id": 1, "content": "hello"})
	var dto service.MessageDTO
	if err := json.Unmarshal(awaitFrame(t, alice, EventNewMessage), &dto); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if dto.Content != "hello" {
		t.Errorf("content = %q, want hello", dto.Content)
	}

	var active int64
	if err := env.db.Model(&models.RoomSession{}).Where("is_active = ?", true).Count(&active).Error; err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if active != 1 {
		t.Errorf("active sessions = %d, want only bob's", active)
	}
}

func TestGateway_RecentMessagesOnJoin(t *testing.T) {
	env := newGatewayEnv(t)
	tokAlice := env.addUser(t, 1, "alice")
	tokBob := env.addUser(t, 2, "bob")
	srv := env.startProcess(t)

	alice := dialWs(t, srv, tokAlice)
	joinRoom(t, alice, "general")
	for _, content := range []string{"one", "two", "three"} {
		sendEvent(t, alice, map[string]interface{}{"type": EventMessage, "room_id": 1, "content": content})
		awaitFrames(t, alice, EventNewMessage)
	}

	bob := dialWs(t, srv, tokBob)
	sendEvent(t, bob, map[string]interface{}{"type": EventJoinRoom, "room": "general"})
	var recent []service.MessageDTO
	if err := json.Unmarshal(awaitFrame(t, bob, EventRecentMessages), &recent); err != nil {
		t.Fatalf("decode recentMessages: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("got %d recent messages, want 3", len(recent))
	}
	for i, want := range []string{"one", "two", "three"} {
		if recent[i].Content != want {
			t.Errorf("recent[%d] = %q, want %q", i, recent[i].Content, want)
		}
	}
}

func TestGateway_OversizedMessageRejected(t *testing.T) {
	env := newGatewayEnv(t)
	tokAlice := env.addUser(t, 1, "alice")
	tokBob := env.addUser(t, 2, "bob")
	srv := env.startProcess(t)

	alice := dialWs(t, srv, tokAlice)
	joinRoom(t, alice, "general")
	bob := dialWs(t, srv, tokBob)
	joinRoom(t, bob, "general")
	awaitFrames(t, alice, EventRoomStatsUpdate)

	long := strings.Repeat("a", 2001)
	sendEvent(t, alice, map[string]interface{}{"type": EventMessage, "room_id": 1, "content": long})

	var perr ErrorPayload
	if err := json.Unmarshal(awaitFrame(t, alice, EventError), &perr); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if perr.Error != "message too long" {
		t.Errorf("error = %q, want %q", perr.Error, "message too long")
	}
	// The rejection stays between the sender and the gateway.
	expectSilence(t, bob, EventNewMessage, 200*time.Millisecond)
}

func TestGateway_TypingExcludesSender(t *testing.T) {
	env := newGatewayEnv(t)
	tokAlice := env.addUser(t, 1, "alice")
	tokBob := env.addUser(t, 2, "bob")
	srv := env.startProcess(t)

	alice := dialWs(t, srv, tokAlice)
	joinRoom(t, alice, "general")
	bob := dialWs(t, srv, tokBob)
	joinRoom(t, bob, "general")
	awaitFrames(t, alice, EventRoomStatsUpdate)

	sendEvent(t, alice, map[string]interface{}{"type": EventTyping, "room_id": 1})
	var typing TypingPayload
	if err := json.Unmarshal(awaitFrame(t, bob, EventUserTyping), &typing); err != nil {
		t.Fatalf("decode userTyping: %v", err)
	}
	if typing.Username != "alice" || typing.UserID != 1 {
		t.Errorf("userTyping = %+v, want alice/1", typing)
	}
	expectSilence(t, alice, EventUserTyping, 100*time.Millisecond)

	sendEvent(t, alice, map[string]interface{}{"type": EventStopTyping, "room_id": 1})
	var stopped TypingPayload
	if err := json.Unmarshal(awaitFrame(t, bob, EventUserStopTyping), &stopped); err != nil {
		t.Fatalf("decode userStopTyping: %v", err)
	}
	if stopped.Username != "" {
		t.Errorf("userStopTyping carries username %q, want empty", stopped.Username)
	}
}

func TestGateway_JoinRateLimit(t *testing.T) {
	env := newGatewayEnv(t)
	tokAlice := env.addUser(t, 1, "alice")

	hub := NewHub(env.bus)
	go hub.Run()
	t.Cleanup(hub.Stop)
	tracker := presence.New(env.db)
	gw := NewGateway(hub, Deps{
		Bus:      env.bus,
		Verifier: env.verifier,
		Tracker:  tracker,
		Rooms:    service.NewRoomService(env.db, tracker),
		Messages: service.NewMessageService(env.db, 2000),
		Limiter:  ratelimit.New(ratelimit.NewMemoryCounter()),
		JoinRule: &ratelimit.Rule{Name: "join_room", Window: time.Minute, Max: 2},
	})
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", gw.Serve())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	alice := dialWs(t, srv, tokAlice)
	for i := 0; i < 2; i++ {
		sendEvent(t, alice, map[string]interface{}{"type": EventJoinRoom, "room": fmt.Sprintf("room-%d", i)})
		awaitFrames(t, alice, EventRecentMessages)
	}
	sendEvent(t, alice, map[string]interface{}{"type": EventJoinRoom, "room": "room-2"})
	var perr ErrorPayload
	if err := json.Unmarshal(awaitFrame(t, alice, EventError), &perr); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if perr.Error != "too many join requests" {
		t.Errorf("error = %q, want join limit rejection", perr.Error)
	}
}
