package ws

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kartikn18/letschat/internal/auth"
	"github.com/kartikn18/letschat/internal/bus"
	"github.com/kartikn18/letschat/internal/metrics"
	"github.com/kartikn18/letschat/internal/models"
	"github.com/kartikn18/letschat/internal/presence"
	"github.com/kartikn18/letschat/internal/ratelimit"
	"github.com/kartikn18/letschat/internal/service"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Deps 是网关的全部依赖，启动时注入一次，测试可整体替换。
type Deps struct {
	Bus      bus.Bus
	Verifier auth.Verifier
	Tracker  *presence.Tracker
	Rooms    *service.RoomService
	Messages *service.MessageService
	Limiter  *ratelimit.Limiter
	// JoinRule 非 nil 时对 joinRoom 启用限流（按部署策略可选）。
	JoinRule    *ratelimit.Rule
	RecentLimit int
	Heartbeat   time.Duration
}

// Gateway 终结客户端的双向事件流：入站事件翻译成对存储与在线状态的调用，
// 出站一律走 Fan-out Bus 回流，本进程与其他进程走同一条路径。
type Gateway struct {
	hub  *Hub
	deps Deps
}

func NewGateway(hub *Hub, deps Deps) *Gateway {
	if deps.RecentLimit <= 0 {
		deps.RecentLimit = 50
	}
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = 60 * time.Second
	}
	return &Gateway{hub: hub, deps: deps}
}

// Serve 处理 WebSocket 握手：校验凭证、升级连接、可选地按 ?room= 预订阅，
// 然后进入读写泵。凭证无效一律拒绝升级。
func (g *Gateway) Serve() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c.Request)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		id, err := g.deps.Verifier.Verify(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := newClient(uuid.NewString(), conn, id.UserID, id.Username, g.deps.Heartbeat)
		metrics.WsConnections.Inc()
		log.Debug().Str("conn_id", client.id).Uint("user_id", id.UserID).Msg("ws connect")

		ctx, cancel := context.WithCancel(context.Background())

		// 握手带 room 时只做本地订阅，不登记成员、不广播。
		if name := c.Query("room"); name != "" {
			if room, err := g.deps.Rooms.FindByName(ctx, name); err == nil {
				g.hub.Subscribe(room.ID, client)
				client.rooms[room.ID] = true
			}
		}

		go client.writePump()
		client.readPump(func(cl *Client, in *Inbound) { g.handle(ctx, cl, in) })

		cancel()
		g.disconnect(client)
	}
}

func (g *Gateway) handle(ctx context.Context, c *Client, in *Inbound) {
	metrics.WsEventsTotal.WithLabelValues(in.Type).Inc()
	switch in.Type {
	case EventJoinRoom:
		g.handleJoin(ctx, c, in)
	case EventMessage:
		g.handleMessage(ctx, c, in)
	case EventTyping:
		g.handleTyping(ctx, c, in, true)
	case EventStopTyping:
		g.handleTyping(ctx, c, in, false)
	}
}

// handleJoin 执行加入流程：限流（可选）→ 成员 upsert → 会话替换 →
// 人数广播 → 最近消息单播 → 入场通知。任一子步骤失败只记日志，
// 人数允许短暂偏差，下一次加入/离开会把它纠正回来。
func (g *Gateway) handleJoin(ctx context.Context, c *Client, in *Inbound) {
	if g.deps.JoinRule != nil {
		key := "user:" + strconv.FormatUint(uint64(c.userID), 10)
		if res := g.deps.Limiter.Check(ctx, *g.deps.JoinRule, key); !res.Allowed {
			c.sendEvent(EventError, ErrorPayload{Error: "too many join requests"})
			return
		}
	}

	room, err := g.resolveRoom(ctx, in)
	if err != nil {
		c.sendEvent(EventError, ErrorPayload{Error: "room not found"})
		return
	}

	if err := g.deps.Tracker.RecordMembership(ctx, c.userID, room.ID); err != nil {
		log.Error().Err(err).Uint("room_id", room.ID).Uint("user_id", c.userID).Msg("record membership")
	}
	if _, err := g.deps.Tracker.OpenSession(ctx, c.userID, room.ID, c.id); err != nil {
		log.Error().Err(err).Uint("room_id", room.ID).Uint("user_id", c.userID).Msg("open session")
	}

	g.hub.Subscribe(room.ID, c)
	c.rooms[room.ID] = true

	g.broadcastStats(ctx, room.ID)

	if recent, err := g.deps.Messages.Recent(ctx, room.ID, g.deps.RecentLimit); err != nil {
		log.Error().Err(err).Uint("room_id", room.ID).Msg("recent messages")
	} else {
		c.sendEvent(EventRecentMessages, recent)
	}

	g.publish(ctx, room.ID, EventUserJoined, c.id, JoinedPayload{RoomID: room.ID, Username: c.username})
}

// resolveRoom 按 id 查既有房间，或按名称取（不存在则建，首次加入即建房）。
func (g *Gateway) resolveRoom(ctx context.Context, in *Inbound) (*models.Room, error) {
	if in.RoomID != 0 {
		return g.deps.Rooms.Exists(ctx, in.RoomID)
	}
	return g.deps.Rooms.FindOrCreate(ctx, in.Room)
}

// handleMessage 先持久化后广播，保证同房间内广播顺序与落库顺序一致。
// 校验失败只回给发送者，消息不落库也不进任何人的 newMessage 流。
func (g *Gateway) handleMessage(ctx context.Context, c *Client, in *Inbound) {
	dto, err := g.deps.Messages.Append(ctx, in.RoomID, c.userID, in.Content, in.Kind)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMessageTooLong):
			c.sendEvent(EventError, ErrorPayload{Error: "message too long"})
		case errors.Is(err, service.ErrEmptyMessage), errors.Is(err, service.ErrBadMessageKind):
			c.sendEvent(EventError, ErrorPayload{Error: "invalid message"})
		default:
			log.Error().Err(err).Uint("room_id", in.RoomID).Uint("user_id", c.userID).Msg("persist message")
			c.sendEvent(EventError, ErrorPayload{Error: "failed to send message"})
		}
		return
	}
	metrics.WsMessagesTotal.Inc()
	g.publish(ctx, in.RoomID, EventNewMessage, "", dto)
}

// handleTyping 是纯瞬时广播：不落库、不确认、过载时可丢弃。
func (g *Gateway) handleTyping(ctx context.Context, c *Client, in *Inbound, typing bool) {
	event := EventUserStopTyping
	payload := TypingPayload{RoomID: in.RoomID, UserID: c.userID}
	if typing {
		event = EventUserTyping
		payload.Username = c.username
	}
	g.publish(ctx, in.RoomID, event, c.id, payload)
}

// disconnect 在连接关闭后恰好执行一次：作废会话、刷新人数、广播离场。
// 会话已被新连接替换时这里是 no-op。
func (g *Gateway) disconnect(c *Client) {
	ctx := context.Background()
	refs, err := g.deps.Tracker.CloseSessions(ctx, c.id)
	if err != nil {
		log.Error().Err(err).Str("conn_id", c.id).Msg("close sessions")
	}
	for _, ref := range refs {
		g.broadcastStats(ctx, ref.RoomID)
		g.publish(ctx, ref.RoomID, EventUserLeft, c.id, LeftPayload{RoomID: ref.RoomID, UserID: ref.UserID, Username: c.username})
	}
	g.hub.DropClient(c)
	metrics.WsConnections.Dec()
	log.Debug().Str("conn_id", c.id).Uint("user_id", c.userID).Msg("ws disconnect")
}

func (g *Gateway) broadcastStats(ctx context.Context, roomID uint) {
	stats, err := g.deps.Tracker.Stats(ctx, roomID)
	if err != nil {
		log.Error().Err(err).Uint("room_id", roomID).Msg("room stats")
		return
	}
	g.publish(ctx, roomID, EventRoomStatsUpdate, "", stats)
}

func (g *Gateway) publish(ctx context.Context, roomID uint, event, exclude string, payload interface{}) {
	env, err := bus.NewEnvelope(roomID, event, exclude, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode envelope")
		return
	}
	if err := g.deps.Bus.PublishRoom(ctx, env); err != nil {
		log.Error().Err(err).Str("event", event).Uint("room_id", roomID).Msg("publish")
	}
}
