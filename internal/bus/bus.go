package bus

import (
	"context"
	"encoding/json"
)

// Envelope 是跨进程广播的统一载体。Exclude 携带发起连接的 ID，
// 各进程本地分发时跳过该连接（typing 类事件不回显给发送者）。
type Envelope struct {
	RoomID  uint            `json:"room_id"`
	Event   string          `json:"event"`
	Exclude string          `json:"exclude,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Bus 让任意网关进程把事件广播到所有进程的本地订阅者。
// 投递是 fire-and-forget：无确认、无跨房间顺序保证；
// 同一进程向同一房间的发布顺序由底层传输保持。
type Bus interface {
	// PublishRoom 向房间频道发布事件，所有进程（含本进程）经订阅回路收到。
	PublishRoom(ctx context.Context, env Envelope) error
	// PublishControl 向进程间协调频道发布事件。
	PublishControl(ctx context.Context, env Envelope) error
	// SubscribeRooms 返回房间事件流；每个消费者（通常每进程一个 Hub）调用一次。
	SubscribeRooms() <-chan Envelope
	// SubscribeControl 返回协调事件流。
	SubscribeControl() <-chan Envelope
	Close() error
}

// NewEnvelope 序列化 payload 并组装信封。
func NewEnvelope(roomID uint, event string, exclude string, payload interface{}) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{RoomID: roomID, Event: event, Exclude: exclude, Payload: b}, nil
}
