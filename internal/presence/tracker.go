package presence

import (
	"context"
	"time"

	"github.com/kartikn18/letschat/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Tracker 维护房间的持久成员与临时活跃会话，回答"谁在线/谁来过"。
// 状态全部落在共享存储里，任何进程都能算出一致的房间人数。
type Tracker struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Tracker {
	return &Tracker{db: db}
}

// SessionRef 标识一条会话影响到的 (用户, 房间) 对。
type SessionRef struct {
	UserID uint
	RoomID uint
}

// ActiveUser 是房间内一个在线用户。
type ActiveUser struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
}

// Stats 是广播给房间的在线统计。
type Stats struct {
	Online       int          `json:"online"`
	TotalMembers int          `json:"totalMembers"`
	ActiveUsers  []ActiveUser `json:"activeUsers"`
}

// RecordMembership 幂等登记成员：首次加入建行，重复加入只推进 last_seen_at。
// 用单条 upsert 保证并发加入不会产生重复行。
func (t *Tracker) RecordMembership(ctx context.Context, userID, roomID uint) error {
	now := time.Now()
	member := models.RoomMember{RoomID: roomID, UserID: userID, FirstJoinedAt: now, LastSeenAt: now}
	return t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"last_seen_at": now}),
	}).Create(&member).Error
}

// OpenSession 先作废同一 (用户, 房间) 的旧活跃会话，再插入新会话。
// 旧会话可能因断线未清理而残留，重连风暴由这一步自愈。
func (t *Tracker) OpenSession(ctx context.Context, userID, roomID uint, connID string) (*models.RoomSession, error) {
	db := t.db.WithContext(ctx)
	if err := db.Model(&models.RoomSession{}).
		Where("user_id = ? AND room_id = ? AND is_active = ?", userID, roomID, true).
		Update("is_active", false).Error; err != nil {
		return nil, err
	}
	session := models.RoomSession{RoomID: roomID, UserID: userID, ConnID: connID, JoinedAt: time.Now(), IsActive: true}
	if err := db.Create(&session).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

// CloseSessions 作废连接持有的全部活跃会话，返回受影响的 (用户, 房间) 对。
// 会话已不活跃时返回空集，这是正常控制流而非错误。
func (t *Tracker) CloseSessions(ctx context.Context, connID string) ([]SessionRef, error) {
	db := t.db.WithContext(ctx)
	var sessions []models.RoomSession
	if err := db.Where("conn_id = ? AND is_active = ?", connID, true).Find(&sessions).Error; err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	if err := db.Model(&models.RoomSession{}).
		Where("conn_id = ? AND is_active = ?", connID, true).
		Update("is_active", false).Error; err != nil {
		return nil, err
	}
	refs := make([]SessionRef, 0, len(sessions))
	for _, s := range sessions {
		refs = append(refs, SessionRef{UserID: s.UserID, RoomID: s.RoomID})
	}
	return refs, nil
}

// ActiveCount 统计房间当前在线会话数。
func (t *Tracker) ActiveCount(ctx context.Context, roomID uint) (int, error) {
	var count int64
	err := t.db.WithContext(ctx).Model(&models.RoomSession{}).
		Where("room_id = ? AND is_active = ?", roomID, true).
		Count(&count).Error
	return int(count), err
}

// TotalCount 统计房间历史成员数。
func (t *Tracker) TotalCount(ctx context.Context, roomID uint) (int, error) {
	var count int64
	err := t.db.WithContext(ctx).Model(&models.RoomMember{}).
		Where("room_id = ?", roomID).
		Count(&count).Error
	return int(count), err
}

// ActiveUsers 返回房间内全部在线用户及其用户名。
func (t *Tracker) ActiveUsers(ctx context.Context, roomID uint) ([]ActiveUser, error) {
	var users []ActiveUser
	err := t.db.WithContext(ctx).Model(&models.RoomSession{}).
		Select("room_sessions.user_id, users.username").
		Joins("JOIN users ON users.id = room_sessions.user_id").
		Where("room_sessions.room_id = ? AND room_sessions.is_active = ?", roomID, true).
		Scan(&users).Error
	return users, err
}

// Stats 汇总一个房间的在线统计，用于 roomStatsUpdate 广播。
func (t *Tracker) Stats(ctx context.Context, roomID uint) (*Stats, error) {
	online, err := t.ActiveCount(ctx, roomID)
	if err != nil {
		return nil, err
	}
	total, err := t.TotalCount(ctx, roomID)
	if err != nil {
		return nil, err
	}
	users, err := t.ActiveUsers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []ActiveUser{}
	}
	return &Stats{Online: online, TotalMembers: total, ActiveUsers: users}, nil
}
