package service

import (
	"context"
	"strings"
	"time"

	"github.com/kartikn18/letschat/internal/models"

	"gorm.io/gorm"
)

// MessageService 封装消息相关的业务逻辑，追加写入，创建后不可变。
type MessageService struct {
	db     *gorm.DB
	maxLen int
}

func NewMessageService(db *gorm.DB, maxLen int) *MessageService {
	if maxLen <= 0 {
		maxLen = 2000
	}
	return &MessageService{db: db, maxLen: maxLen}
}

// MessageDTO 是对外输出的消息数据。
type MessageDTO struct {
	Type      string    `json:"type"`
	ID        uint      `json:"id"`
	RoomID    uint      `json:"room_id"`
	UserID    uint      `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// Append 校验并持久化一条消息，返回带作者用户名的完整记录。
// 校验失败的消息不落库也不广播，错误只回给发送者。
func (s *MessageService) Append(ctx context.Context, roomID, userID uint, content, kind string) (*MessageDTO, error) {
	if kind == "" {
		kind = models.MessageKindText
	}
	if kind != models.MessageKindText && kind != models.MessageKindFile {
		return nil, ErrBadMessageKind
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}
	if len([]rune(content)) > s.maxLen {
		return nil, ErrMessageTooLong
	}

	msg := models.Message{RoomID: roomID, UserID: userID, Content: content, Kind: kind}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, err
	}
	var user models.User
	username := ""
	if err := s.db.WithContext(ctx).Select("id", "username").First(&user, userID).Error; err == nil {
		username = user.Username
	}
	return &MessageDTO{
		Type:      "message",
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		UserID:    msg.UserID,
		Username:  username,
		Content:   msg.Content,
		Kind:      msg.Kind,
		CreatedAt: msg.CreatedAt,
	}, nil
}

// Recent 取房间最近 limit 条消息，按 id 倒序查出后反转为时间正序。
func (s *MessageService) Recent(ctx context.Context, roomID uint, limit int) ([]MessageDTO, error) {
	return s.ListByRoom(ctx, roomID, limit, 0)
}

// ListByRoom 分页查询指定房间的消息，按 id 升序返回。
func (s *MessageService) ListByRoom(ctx context.Context, roomID uint, limit int, beforeID uint) ([]MessageDTO, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	q := s.db.WithContext(ctx).Where("room_id = ?", roomID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var msgs []models.Message
	if err := q.Order("id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}

	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	usernames, err := s.resolveUsernames(ctx, msgs)
	if err != nil {
		return nil, err
	}

	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageDTO{
			Type:      "message",
			ID:        m.ID,
			RoomID:    m.RoomID,
			UserID:    m.UserID,
			Username:  usernames[m.UserID],
			Content:   m.Content,
			Kind:      m.Kind,
			CreatedAt: m.CreatedAt,
		})
	}
	return out, nil
}

// resolveUsernames 批量获取消息涉及的用户名。
func (s *MessageService) resolveUsernames(ctx context.Context, msgs []models.Message) (map[uint]string, error) {
	seen := make(map[uint]struct{}, len(msgs))
	userIDs := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.UserID]; ok {
			continue
		}
		seen[m.UserID] = struct{}{}
		userIDs = append(userIDs, m.UserID)
	}

	usernames := make(map[uint]string, len(userIDs))
	if len(userIDs) > 0 {
		var users []models.User
		if err := s.db.WithContext(ctx).Select("id", "username").Where("id IN ?", userIDs).Find(&users).Error; err != nil {
			return nil, err
		}
		for _, u := range users {
			usernames[u.ID] = u.Username
		}
	}
	return usernames, nil
}
