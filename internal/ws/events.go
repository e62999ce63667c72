package ws

import (
	"encoding/json"
	"errors"
)

// 入站事件名（客户端 → 网关）。
const (
	EventJoinRoom   = "joinRoom"
	EventMessage    = "message"
	EventTyping     = "typing"
	EventStopTyping = "stopTyping"
)

// 出站事件名（网关 → 客户端）。
const (
	EventRecentMessages  = "recentMessages"
	EventNewMessage      = "newMessage"
	EventRoomStatsUpdate = "roomStatsUpdate"
	EventUserJoined      = "userJoined"
	EventUserLeft        = "userLeft"
	EventUserTyping      = "userTyping"
	EventUserStopTyping  = "userStopTyping"
	EventError           = "error"
)

var (
	ErrUnknownEvent = errors.New("unknown event type")
	ErrMissingRoom  = errors.New("missing room")
)

// Inbound 是入站事件的封闭集合，在边界处解码并校验后才进入分发。
// user_id 字段仅为兼容客户端载荷，身份一律以连接的认证结果为准。
type Inbound struct {
	Type     string `json:"type"`
	RoomID   uint   `json:"room_id,omitempty"`
	Room     string `json:"room,omitempty"`
	UserID   uint   `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Content  string `json:"content,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

// DecodeInbound 解析并校验一帧入站事件。
func DecodeInbound(data []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	switch in.Type {
	case EventJoinRoom:
		if in.RoomID == 0 && in.Room == "" {
			return nil, ErrMissingRoom
		}
	case EventMessage, EventTyping, EventStopTyping:
		if in.RoomID == 0 {
			return nil, ErrMissingRoom
		}
	default:
		return nil, ErrUnknownEvent
	}
	return &in, nil
}

// Frame 是发给客户端的统一外层：事件名加事件载荷。
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame 组装一帧出站事件。
func EncodeFrame(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: event, Data: data})
}

// TypingPayload 是 userTyping / userStopTyping 的载荷。
type TypingPayload struct {
	RoomID   uint   `json:"room_id"`
	UserID   uint   `json:"user_id"`
	Username string `json:"username,omitempty"`
}

// JoinedPayload 是 userJoined 的载荷。
type JoinedPayload struct {
	RoomID   uint   `json:"room_id"`
	Username string `json:"username"`
}

// LeftPayload 是 userLeft 的载荷。
type LeftPayload struct {
	RoomID   uint   `json:"room_id"`
	UserID   uint   `json:"user_id"`
	Username string `json:"username,omitempty"`
}

// ErrorPayload 只回给出错的连接，绝不广播。
type ErrorPayload struct {
	Error string `json:"error"`
}
