package config

import (
	"errors"
	"os"
	"strconv"
)

type Config struct {
	Port                  string
	DatabaseDSN           string
	RedisAddr             string
	JWTSecret             string
	Env                   string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int

	// 网关参数
	MaxMessageLength   int
	RecentMessageLimit int
	HeartbeatSeconds   int

	// 限流参数。加入房间的限流默认关闭（见 JoinLimitEnabled）。
	RequestsPerMinute  int
	JoinLimitEnabled   bool
	JoinLimitMax       int
	JoinLimitWindowSec int
	OTPRequestMax      int
	OTPRequestWindow   int
	OTPVerifyMax       int
	OTPVerifyWindow    int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getint(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, strconv.Itoa(def)))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func getbool(key string, def bool) bool {
	v, err := strconv.ParseBool(getenv(key, strconv.FormatBool(def)))
	if err != nil {
		return def
	}
	return v
}

func Load() Config {
	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=letschat port=5432 sslmode=disable TimeZone=UTC"),
		RedisAddr:             getenv("REDIS_ADDR", "localhost:6379"),
		JWTSecret:             getenv("JWT_SECRET", "dev-secret-change-me"),
		Env:                   getenv("APP_ENV", "dev"),
		AccessTokenTTLMinutes: getint("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTokenTTLDays:   getint("REFRESH_TOKEN_TTL_DAYS", 7),
		MaxMessageLength:      getint("MAX_MESSAGE_LENGTH", 2000),
		RecentMessageLimit:    getint("RECENT_MESSAGE_LIMIT", 50),
		HeartbeatSeconds:      getint("HEARTBEAT_SECONDS", 60),
		RequestsPerMinute:     getint("RATE_LIMIT_PER_MINUTE", 120),
		JoinLimitEnabled:      getbool("JOIN_RATE_LIMIT_ENABLED", false),
		JoinLimitMax:          getint("JOIN_RATE_LIMIT_MAX", 30),
		JoinLimitWindowSec:    getint("JOIN_RATE_LIMIT_WINDOW_SECONDS", 60),
		OTPRequestMax:         getint("OTP_REQUEST_MAX", 3),
		OTPRequestWindow:      getint("OTP_REQUEST_WINDOW_SECONDS", 900),
		OTPVerifyMax:          getint("OTP_VERIFY_MAX", 5),
		OTPVerifyWindow:       getint("OTP_VERIFY_WINDOW_SECONDS", 900),
	}
}

// Validate 校验配置，生产环境禁止使用默认 JWT 密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: port is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("config: database dsn is required")
	}
	if cfg.JWTSecret == "" {
		return errors.New("config: jwt secret is required")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == "dev-secret-change-me" {
		return errors.New("config: default jwt secret is not allowed outside dev")
	}
	return nil
}
