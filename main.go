package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	apirest "github.com/kasuganosora/guildsvc/api/rest"
	"github.com/kasuganosora/guildsvc/api/sse"
	"github.com/kasuganosora/guildsvc/api/ws"
	"github.com/kasuganosora/guildsvc/audit"
	"github.com/kasuganosora/guildsvc/cache"
	"github.com/kasuganosora/guildsvc/config"
	dbadapter "github.com/kasuganosora/guildsvc/db"
	"github.com/kasuganosora/guildsvc/guild"
	mw "github.com/kasuganosora/guildsvc/middleware"
	"github.com/kasuganosora/guildsvc/model"
	"github.com/kasuganosora/guildsvc/notify"
	"github.com/kasuganosora/guildsvc/permission"
	"github.com/kasuganosora/guildsvc/plugin/hook"
	"github.com/kasuganosora/guildsvc/plugin/script"
	"github.com/kasuganosora/guildsvc/scheduler"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	cfgPath := "config/config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- Logger ----
	var logger *zap.Logger
	var logErr error
	if cfg.Server.Debug {
		logger, logErr = zap.NewDevelopment()
	} else {
		logger, logErr = zap.NewProduction()
	}
	if logErr != nil {
		log.Fatalf("logger: %v", logErr)
	}
	defer logger.Sync()

	if cfg.Server.AdminKey == "" {
		logger.Warn("server.admin_key is not set; admin endpoints are disabled")
	}
	if cfg.Security.JWTSecret == "" {
		logger.Fatal("security.jwt_secret must be set")
	}

	// ---- Database ----
	db, err := dbadapter.Open(cfg.Database)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	logger.Info("DB initialized", zap.String("mode", cfg.Database.Mode))

	// ---- Cache / PubSub ----
	cacheConfig := cache.CacheConfig{
		RedisAddr:       cfg.Cache.RedisAddr,
		RedisPassword:   cfg.Cache.RedisPassword,
		RedisDB:         cfg.Cache.RedisDB,
		LocalGCInterval: cfg.Cache.LocalGCInterval,
		LocalPubSubBuf:  cfg.Cache.LocalPubSubBuf,
	}
	c, err := cache.NewCache(cacheConfig)
	if err != nil {
		log.Fatalf("cache: %v", err)
	}
	pubsub, err := cache.NewPubSub(cacheConfig)
	if err != nil {
		log.Fatalf("pubsub: %v", err)
	}
	logger.Info("Cache initialized", zap.Bool("redis", cfg.Cache.RedisAddr != ""))

	// ---- Audit ----
	auditSvc := audit.New(db, logger, audit.Options{
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
		QueueSize:     cfg.Audit.QueueSize,
	})

	// ---- Guild service ----
	hooks := hook.NewHookCenter()
	hook.LogEvents(hooks, logger)

	rules, err := script.LoadDir(cfg.Plugins.Dir)
	if err != nil {
		log.Fatalf("plugins: %v", err)
	}
	sandbox := script.NewSandbox(cfg.Script.VMPoolSize, cfg.Script.Timeout, logger)
	sandbox.Register(hooks, rules...)
	logger.Info("Guild rules loaded", zap.Int("count", len(rules)), zap.String("dir", cfg.Plugins.Dir))

	guildSvc := guild.NewService(db, c, auditSvc, cfg.Guild, logger)
	perms := permission.NewResolver(guildSvc, c, cfg.Permissions, logger)
	guildSvc.SetInvalidator(perms)
	guildSvc.SetNotifier(notify.NewPubSubNotifier(pubsub, logger))
	guildSvc.SetHooks(hooks)
	exec := guild.NewExecutor(cfg.Guild.WorkerLimit, logger)

	// ---- Scheduler ----
	sched := scheduler.New(logger)
	scheduler.RegisterMaintenance(sched, cfg.Audit, auditSvc, guildSvc)

	// ---- Gin HTTP Server ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger), mw.Recovery(logger))

	// Health check
	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	limiter := mw.RateLimit(rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst)

	api := r.Group("/api", mw.Auth(cfg.Security, c), limiter)
	apirest.NewGuildHandler(guildSvc, exec, perms, auditSvc, logger).Register(api)
	authH := apirest.NewAuthHandler(c, cfg.Security, logger)
	authH.Register(api)

	adminG := r.Group("/api/admin", mw.IPWhitelist(cfg.Server.AdminIPs), mw.AdminKey(cfg.Server.AdminKey))
	apirest.NewAdminHandler(guildSvc, exec, sched, logger).Register(adminG)
	authH.RegisterAdmin(adminG)

	// SSE authenticates through the query string since EventSource cannot set headers.
	sseH := sse.NewHandler(pubsub, c, guildSvc, cfg.Security, logger)
	r.GET("/api/events", limiter, sseH.ServeSSE)

	wsRouter := ws.NewRouter(logger)
	wsRouter.Limit(rate.Limit(cfg.Security.WSCommandRPS), cfg.Security.WSCommandBurst)
	ws.NewGuildCommands(guildSvc, exec, perms).Register(wsRouter)
	sessions := ws.NewSessionManager(logger)
	wsH := ws.NewHandler(c, pubsub, guildSvc, cfg.Security, sessions, wsRouter, logger)
	r.GET("/api/ws", limiter, wsH.ServeWS)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("Server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	// Shutdown does not track hijacked connections.
	sessions.CloseAll(5 * time.Second)
	sched.Stop()
	exec.Wait()
	auditSvc.Stop(shutdownCtx)
}
