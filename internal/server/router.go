package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kartikn18/letschat/internal/auth"
	"github.com/kartikn18/letschat/internal/config"
	"github.com/kartikn18/letschat/internal/metrics"
	"github.com/kartikn18/letschat/internal/mw"
	"github.com/kartikn18/letschat/internal/ratelimit"
	"github.com/kartikn18/letschat/internal/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// Options 聚合路由需要的组件，由 main 构造后注入。
type Options struct {
	Config  config.Config
	DB      *gorm.DB
	Handler *Handler
	Gateway *ws.Gateway
	Limiter *ratelimit.Limiter
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(opts Options) *gin.Engine {
	cfg := opts.Config
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	requestRule := ratelimit.Rule{Name: "request", Window: time.Minute, Max: int64(cfg.RequestsPerMinute)}
	otpRequestRule := ratelimit.Rule{Name: "otp_request", Window: time.Duration(cfg.OTPRequestWindow) * time.Second, Max: int64(cfg.OTPRequestMax)}
	otpVerifyRule := ratelimit.Rule{Name: "otp_verify", Window: time.Duration(cfg.OTPVerifyWindow) * time.Second, Max: int64(cfg.OTPVerifyMax)}

	api := r.Group("/api/v1")
	// 跨进程共享的固定窗口限流，挡整体请求量。
	api.Use(mw.FixedWindowByIP(opts.Limiter, requestRule))

	h := opts.Handler
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)
	api.POST("/auth/otp/request", mw.FixedWindowByEmail(opts.Limiter, otpRequestRule), h.RequestOTP)
	api.POST("/auth/otp/verify", mw.FixedWindowByEmail(opts.Limiter, otpVerifyRule), h.VerifyOTP)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg, opts.DB))

	authed.POST("/rooms", h.CreateRoom)
	authed.GET("/rooms", h.ListRooms)
	authed.POST("/rooms/:id/check-password", h.CheckRoomPassword)
	authed.GET("/rooms/:id/messages", h.ListMessages)

	// 连接握手只做进程内突发保护；业务级限流在网关事件里。
	r.GET("/ws", mw.RateLimit(rate.Every(time.Second/5), 10), opts.Gateway.Serve())

	return r
}
