package service

import "errors"

// 业务层通用错误，handler 可根据错误类型映射到合适的 HTTP 状态码或本地事件。
var (
	ErrUsernameTaken      = errors.New("username taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomPassword       = errors.New("wrong room password")
	ErrEmptyMessage       = errors.New("empty message")
	ErrMessageTooLong     = errors.New("message too long")
	ErrBadMessageKind     = errors.New("unknown message kind")
)
