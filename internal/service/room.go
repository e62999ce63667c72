package service

import (
	"context"
	"errors"
	"strings"

	"github.com/kartikn18/letschat/internal/auth"
	"github.com/kartikn18/letschat/internal/models"
	"github.com/kartikn18/letschat/internal/presence"

	"gorm.io/gorm"
)

// RoomService 封装房间相关的业务逻辑。
type RoomService struct {
	db      *gorm.DB
	tracker *presence.Tracker
}

func NewRoomService(db *gorm.DB, tracker *presence.Tracker) *RoomService {
	return &RoomService{db: db, tracker: tracker}
}

// RoomDTO 是对外输出的房间数据。
type RoomDTO struct {
	ID          uint   `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsPublic    bool   `json:"is_public"`
	Protected   bool   `json:"protected"`
	Online      int    `json:"online"`
}

// CreateParams 建房参数，密码可选。
type CreateParams struct {
	Name        string
	OwnerID     uint
	Password    string
	Description string
	IsPublic    bool
}

// Create 创建新房间，密码非空时以 bcrypt 存储。
func (s *RoomService) Create(ctx context.Context, p CreateParams) (*RoomDTO, error) {
	room := models.Room{Name: p.Name, OwnerID: p.OwnerID, Description: p.Description, IsPublic: p.IsPublic}
	if p.Password != "" {
		hash, err := auth.HashPassword(p.Password)
		if err != nil {
			return nil, err
		}
		room.PasswordHash = hash
	}
	if err := s.db.WithContext(ctx).Create(&room).Error; err != nil {
		return nil, err
	}
	return s.dto(ctx, &room), nil
}

// FindOrCreate 按名称取房间，不存在则建一个公开房间（首次加入即建房）。
func (s *RoomService) FindOrCreate(ctx context.Context, name string) (*models.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrRoomNotFound
	}
	var room models.Room
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&room).Error
	if err == nil {
		return &room, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	room = models.Room{Name: name, IsPublic: true}
	if err := s.db.WithContext(ctx).Create(&room).Error; err != nil {
		// 并发建房撞了唯一索引，重查一次。
		var again models.Room
		if err2 := s.db.WithContext(ctx).Where("name = ?", name).First(&again).Error; err2 == nil {
			return &again, nil
		}
		return nil, err
	}
	return &room, nil
}

// FindByName 按名称查房间，查不到返回 ErrRoomNotFound，绝不建房。
func (s *RoomService) FindByName(ctx context.Context, name string) (*models.Room, error) {
	var room models.Room
	if err := s.db.WithContext(ctx).Where("name = ?", strings.TrimSpace(name)).First(&room).Error; err != nil {
		return nil, ErrRoomNotFound
	}
	return &room, nil
}

// VerifyPassword 校验房间密码；无密码房间一律放行。
func (s *RoomService) VerifyPassword(ctx context.Context, roomID uint, password string) error {
	room, err := s.Exists(ctx, roomID)
	if err != nil {
		return err
	}
	if room.PasswordHash == "" {
		return nil
	}
	if !auth.VerifyPassword(room.PasswordHash, password) {
		return ErrRoomPassword
	}
	return nil
}

// List 返回房间列表，附带各房间的在线人数。
func (s *RoomService) List(ctx context.Context, limit int) ([]RoomDTO, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	var rooms []models.Room
	if err := s.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&rooms).Error; err != nil {
		return nil, err
	}
	out := make([]RoomDTO, 0, len(rooms))
	for i := range rooms {
		out = append(out, *s.dto(ctx, &rooms[i]))
	}
	return out, nil
}

// Exists 检查房间是否存在。
func (s *RoomService) Exists(ctx context.Context, roomID uint) (*models.Room, error) {
	var room models.Room
	if err := s.db.WithContext(ctx).First(&room, roomID).Error; err != nil {
		return nil, ErrRoomNotFound
	}
	return &room, nil
}

func (s *RoomService) dto(ctx context.Context, room *models.Room) *RoomDTO {
	online, _ := s.tracker.ActiveCount(ctx, room.ID)
	return &RoomDTO{
		ID:          room.ID,
		Name:        room.Name,
		Description: room.Description,
		IsPublic:    room.IsPublic,
		Protected:   room.PasswordHash != "",
		Online:      online,
	}
}
