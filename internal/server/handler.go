package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/kartikn18/letschat/internal/auth"
	"github.com/kartikn18/letschat/internal/service"
	"github.com/rs/zerolog/log"
)

// OTPSender 把一次性验证码发给邮箱。投递（邮件服务）在本系统边界之外，
// 网关只负责限流与转发。
type OTPSender interface {
	SendCode(ctx context.Context, email string) error
}

// OTPVerifier 校验邮箱提交的一次性验证码。
type OTPVerifier interface {
	VerifyCode(ctx context.Context, email, code string) (bool, error)
}

// NoopOTP 是开发环境的占位实现，只记日志。
type NoopOTP struct{}

func (NoopOTP) SendCode(_ context.Context, email string) error {
	log.Info().Str("email", email).Msg("otp requested (noop sender)")
	return nil
}

func (NoopOTP) VerifyCode(_ context.Context, email, _ string) (bool, error) {
	log.Info().Str("email", email).Msg("otp verify (noop verifier)")
	return false, nil
}

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	userSvc   *service.UserService
	roomSvc   *service.RoomService
	msgSvc    *service.MessageService
	otpSend   OTPSender
	otpVerify OTPVerifier
}

func NewHandler(userSvc *service.UserService, roomSvc *service.RoomService, msgSvc *service.MessageService, send OTPSender, verify OTPVerifier) *Handler {
	if send == nil {
		send = NoopOTP{}
	}
	if verify == nil {
		verify = NoopOTP{}
	}
	return &Handler{userSvc: userSvc, roomSvc: roomSvc, msgSvc: msgSvc, otpSend: send, otpVerify: verify}
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Username) < 2 || len(req.Username) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	result, err := h.userSvc.Register(req.Username, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "username taken"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("register")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": result.ID, "username": result.Username})
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("login")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"user":          gin.H{"id": result.User.ID, "username": result.User.Username},
	})
}

// RefreshToken 处理 token 刷新请求。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.RefreshTokens(req.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": result.AccessToken, "refresh_token": result.RefreshToken})
}

// RequestOTP 转发验证码请求；限流在路由中间件里做。
func (h *Handler) RequestOTP(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
	}
	if err := c.ShouldBindBodyWithJSON(&req); err != nil || req.Email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
		return
	}
	if err := h.otpSend.SendCode(c.Request.Context(), req.Email); err != nil {
		log.Error().Err(err).Str("email", req.Email).Msg("send otp")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send code"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "code sent"})
}

// VerifyOTP 校验验证码。
func (h *Handler) VerifyOTP(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := c.ShouldBindBodyWithJSON(&req); err != nil || req.Email == "" || req.Code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and code are required"})
		return
	}
	ok, err := h.otpVerify.VerifyCode(c.Request.Context(), req.Email, req.Code)
	if err != nil {
		log.Error().Err(err).Str("email", req.Email).Msg("verify otp")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify code"})
		return
	}
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid code"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "verified"})
}

// CreateRoom 处理创建房间请求，密码可选。
func (h *Handler) CreateRoom(c *gin.Context) {
	var req struct {
		Name        string `json:"name"`
		Password    string `json:"password"`
		Description string `json:"description"`
		IsPublic    *bool  `json:"is_public"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Name) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room name"})
		return
	}
	isPublic := true
	if req.IsPublic != nil {
		isPublic = *req.IsPublic
	}
	room, err := h.roomSvc.Create(c.Request.Context(), service.CreateParams{
		Name:        req.Name,
		OwnerID:     auth.GetUserID(c),
		Password:    req.Password,
		Description: req.Description,
		IsPublic:    isPublic,
	})
	if err != nil {
		log.Error().Err(err).Uint("owner_id", auth.GetUserID(c)).Str("name", req.Name).Msg("create room")
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to create room"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room})
}

// ListRooms 处理获取房间列表请求。
func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.roomSvc.List(c.Request.Context(), 100)
	if err != nil {
		log.Error().Err(err).Msg("list rooms")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list rooms"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// CheckRoomPassword 供客户端在加入受保护房间前校验密码。
func (h *Handler) CheckRoomPassword(c *gin.Context) {
	roomID, err := strconv.Atoi(c.Param("id"))
	if err != nil || roomID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	err = h.roomSvc.VerifyPassword(c.Request.Context(), uint(roomID), req.Password)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"ok": true})
	case errors.Is(err, service.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
	case errors.Is(err, service.ErrRoomPassword):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "wrong password"})
	default:
		log.Error().Err(err).Int("room_id", roomID).Msg("check room password")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check password"})
	}
}

// ListMessages 处理获取房间消息列表请求。
func (h *Handler) ListMessages(c *gin.Context) {
	roomID, err := strconv.Atoi(c.Param("id"))
	if err != nil || roomID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}
	limitStr := c.Query("limit")
	if limitStr == "" {
		limitStr = "50"
	}
	limit, _ := strconv.Atoi(limitStr)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var beforeID uint
	if bid := c.Query("before_id"); bid != "" {
		if v, err := strconv.Atoi(bid); err == nil && v > 0 {
			beforeID = uint(v)
		}
	}
	msgs, err := h.msgSvc.ListByRoom(c.Request.Context(), uint(roomID), limit, beforeID)
	if err != nil {
		log.Error().Err(err).Int("room_id", roomID).Msg("list messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}
