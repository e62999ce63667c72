package models

import "time"

const (
	MessageKindText = "text"
	MessageKindFile = "file"
)

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	Email        string `gorm:"index;size:255"`
	PasswordHash string `gorm:"not null"`
	IsVerified   bool   `gorm:"default:false"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Room struct {
	ID           uint   `gorm:"primaryKey"`
	Name         string `gorm:"uniqueIndex;size:128;not null"`
	OwnerID      uint
	PasswordHash string
	IsPublic     bool `gorm:"default:true"`
	Description  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Message struct {
	ID        uint   `gorm:"primaryKey"`
	RoomID    uint   `gorm:"index:idx_msg_room_id;not null"`
	UserID    uint   `gorm:"index;not null"`
	Content   string `gorm:"type:text;not null"`
	Kind      string `gorm:"size:16;not null;default:text"`
	CreatedAt time.Time
}

// RoomMember 是持久的成员记录，(room_id, user_id) 唯一，断线后仍保留。
type RoomMember struct {
	ID            uint `gorm:"primaryKey"`
	RoomID        uint `gorm:"uniqueIndex:idx_member_room_user;not null"`
	UserID        uint `gorm:"uniqueIndex:idx_member_room_user;not null"`
	FirstJoinedAt time.Time
	LastSeenAt    time.Time
}

// RoomSession 是一条活跃连接在某个房间内的临时记录，以连接 ID 标识。
type RoomSession struct {
	ID       uint   `gorm:"primaryKey"`
	RoomID   uint   `gorm:"index;not null"`
	UserID   uint   `gorm:"index;not null"`
	ConnID   string `gorm:"index;size:64;not null"`
	JoinedAt time.Time
	IsActive bool `gorm:"index;default:true"`
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
