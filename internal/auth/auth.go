package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/kartikn18/letschat/internal/config"
	"github.com/kartikn18/letschat/internal/models"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Identity 是鉴权协作方返回的最小身份信息。
type Identity struct {
	UserID   uint
	Username string
}

// Verifier 把 bearer 凭证换成身份；网关只依赖这个接口，任何失败一律视为未认证。
type Verifier interface {
	Verify(token string) (*Identity, error)
}

var ErrUnauthenticated = errors.New("unauthenticated")

// JWTVerifier 是 Verifier 的默认实现：校验 HS256 token 并回查用户。
type JWTVerifier struct {
	db     *gorm.DB
	secret string
}

func NewJWTVerifier(db *gorm.DB, secret string) *JWTVerifier {
	return &JWTVerifier{db: db, secret: secret}
}

func (v *JWTVerifier) Verify(token string) (*Identity, error) {
	claims, err := ParseAccessToken(token, v.secret)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	var user models.User
	if err := v.db.First(&user, claims.UserID).Error; err != nil {
		return nil, ErrUnauthenticated
	}
	return &Identity{UserID: user.ID, Username: user.Username}, nil
}

type Claims struct {
	UserID uint `json:"uid"`
	jwt.RegisteredClaims
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func VerifyPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

func GenerateAccessToken(userID uint, secret string, ttlMinutes int) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userID), 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(ttlMinutes) * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseAccessToken(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

func GenerateRefreshToken() (string, error) {
	b := make([]byte, 32)
	_, err := rand.Read(b)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func SaveRefreshToken(db *gorm.DB, userID uint, token string, expiresAt time.Time) error {
	rt := models.RefreshToken{UserID: userID, Token: token, ExpiresAt: expiresAt}
	return db.Create(&rt).Error
}

func ValidateRefreshToken(db *gorm.DB, token string) (*models.RefreshToken, error) {
	var rt models.RefreshToken
	err := db.Where("token = ? AND revoked_at IS NULL AND expires_at > ?", token, time.Now()).First(&rt).Error
	if err != nil {
		return nil, err
	}
	return &rt, nil
}

func RevokeRefreshToken(db *gorm.DB, token string) error {
	now := time.Now()
	return db.Model(&models.RefreshToken{}).Where("token = ?", token).Update("revoked_at", &now).Error
}

// BearerToken 从 Authorization 头或 token 查询参数提取凭证，WebSocket 握手两种都支持。
func BearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[len("Bearer "):])
	}
	return r.URL.Query().Get("token")
}

func AuthMiddleware(cfg config.Config, db *gorm.DB) gin.HandlerFunc {
	verifier := NewJWTVerifier(db, cfg.JWTSecret)
	return func(c *gin.Context) {
		token := BearerToken(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		id, err := verifier.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("userID", id.UserID)
		c.Set("username", id.Username)
		c.Next()
	}
}

func GetUserID(c *gin.Context) uint {
	if v, ok := c.Get("userID"); ok {
		if id, ok2 := v.(uint); ok2 {
			return id
		}
	}
	return 0
}
