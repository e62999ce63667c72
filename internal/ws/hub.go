package ws

import (
	"sync"

	"github.com/kartikn18/letschat/internal/bus"
	"github.com/rs/zerolog/log"
)

// Hub 持有本进程的活跃连接与其房间订阅，并把 Fan-out Bus 上收到的
// 信封分发给对应房间的本地客户端。跨进程状态不在这里：Hub 只管本地。
type Hub struct {
	bus  bus.Bus
	mu   sync.RWMutex
	room map[uint]map[*Client]bool
	stop chan struct{}
	once sync.Once
}

func NewHub(b bus.Bus) *Hub {
	return &Hub{bus: b, room: make(map[uint]map[*Client]bool), stop: make(chan struct{})}
}

// Run 消费总线上的房间与协调事件流，直到 Stop。每进程一个消费协程，
// 保证同一房间内信封按总线到达顺序分发。
func (h *Hub) Run() {
	rooms := h.bus.SubscribeRooms()
	control := h.bus.SubscribeControl()
	for {
		select {
		case <-h.stop:
			return
		case env, ok := <-rooms:
			if !ok {
				return
			}
			h.dispatch(env)
		case env, ok := <-control:
			if !ok {
				return
			}
			log.Info().Str("event", env.Event).RawJSON("payload", env.Payload).Msg("control notice")
		}
	}
}

// Stop 结束 Run 循环，用于优雅停服。
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.stop) })
}

// Subscribe 把连接挂到房间的本地分发表上。
func (h *Hub) Subscribe(roomID uint, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.room[roomID]
	if set == nil {
		set = make(map[*Client]bool)
		h.room[roomID] = set
	}
	set[c] = true
}

// Unsubscribe 把连接从单个房间摘下。
func (h *Hub) Unsubscribe(roomID uint, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(roomID, c)
}

// DropClient 把连接从所有房间摘下并关闭其发送通道。
func (h *Hub) DropClient(c *Client) {
	h.mu.Lock()
	for roomID, set := range h.room {
		if set[c] {
			h.removeLocked(roomID, c)
		}
	}
	h.mu.Unlock()
	c.closeSend()
}

func (h *Hub) removeLocked(roomID uint, c *Client) {
	set := h.room[roomID]
	if set == nil {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.room, roomID)
	}
}

// LocalOnline 返回房间在本进程上挂着的连接数，仅用于调试与指标。
func (h *Hub) LocalOnline(roomID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.room[roomID])
}

// dispatch 把一枚信封发给房间的所有本地客户端，跳过 Exclude 指名的连接。
// 发送缓冲已满的慢客户端直接摘除，投递是尽力而为的。
func (h *Hub) dispatch(env bus.Envelope) {
	frame, err := EncodeFrame(env.Event, env.Payload)
	if err != nil {
		log.Warn().Err(err).Str("event", env.Event).Msg("hub: encode frame")
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.room[env.RoomID]))
	for c := range h.room[env.RoomID] {
		if env.Exclude != "" && c.id == env.Exclude {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	var evicted []*Client
	for _, c := range targets {
		if !c.trySend(frame) {
			evicted = append(evicted, c)
		}
	}
	for _, c := range evicted {
		log.Warn().Str("conn_id", c.id).Uint("room_id", env.RoomID).Msg("hub: dropping slow client")
		h.DropClient(c)
	}
}
