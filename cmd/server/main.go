package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kartikn18/letschat/internal/auth"
	"github.com/kartikn18/letschat/internal/bus"
	"github.com/kartikn18/letschat/internal/config"
	"github.com/kartikn18/letschat/internal/db"
	clog "github.com/kartikn18/letschat/internal/log"
	"github.com/kartikn18/letschat/internal/presence"
	"github.com/kartikn18/letschat/internal/ratelimit"
	"github.com/kartikn18/letschat/internal/server"
	"github.com/kartikn18/letschat/internal/service"
	"github.com/kartikn18/letschat/internal/ws"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
	// 所有依赖在这里构造一次再注入，不留模块级单例。
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config validate")
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	startCtx, startCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer startCancel()

	// 扇出总线建不起来就不开门接客。
	fanout, err := bus.NewRedis(startCtx, rdb)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("fan-out bus")
	}

	limiter := ratelimit.New(ratelimit.NewRedisCounter(rdb))
	tracker := presence.New(gdb)
	roomSvc := service.NewRoomService(gdb, tracker)
	msgSvc := service.NewMessageService(gdb, cfg.MaxMessageLength)
	userSvc := service.NewUserService(gdb, cfg)

	hub := ws.NewHub(fanout)
	go hub.Run()

	var joinRule *ratelimit.Rule
	if cfg.JoinLimitEnabled {
		joinRule = &ratelimit.Rule{
			Name:   "join",
			Window: time.Duration(cfg.JoinLimitWindowSec) * time.Second,
			Max:    int64(cfg.JoinLimitMax),
		}
	}
	gateway := ws.NewGateway(hub, ws.Deps{
		Bus:         fanout,
		Verifier:    auth.NewJWTVerifier(gdb, cfg.JWTSecret),
		Tracker:     tracker,
		Rooms:       roomSvc,
		Messages:    msgSvc,
		Limiter:     limiter,
		JoinRule:    joinRule,
		RecentLimit: cfg.RecentMessageLimit,
		Heartbeat:   time.Duration(cfg.HeartbeatSeconds) * time.Second,
	})

	router := server.SetupRouter(server.Options{
		Config:  cfg,
		DB:      gdb,
		Handler: server.NewHandler(userSvc, roomSvc, msgSvc, nil, nil),
		Gateway: gateway,
		Limiter: limiter,
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	hostname, _ := os.Hostname()
	if env, err := bus.NewEnvelope(0, "gatewayStarted", "", hostname); err == nil {
		_ = fanout.PublishControl(context.Background(), env)
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	if env, err := bus.NewEnvelope(0, "gatewayStopping", "", hostname); err == nil {
		_ = fanout.PublishControl(context.Background(), env)
	}
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	hub.Stop()
	_ = fanout.Close()
	_ = rdb.Close()
}
