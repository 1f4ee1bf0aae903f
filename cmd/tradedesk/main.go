package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tradedesk/internal/broker"
	"tradedesk/internal/cache"
	"tradedesk/internal/config"
	cronrunner "tradedesk/internal/cron"
	"tradedesk/internal/db"
	"tradedesk/internal/executor"
	"tradedesk/internal/gate"
	"tradedesk/internal/handler"
	"tradedesk/internal/logger"
	"tradedesk/internal/reconciler"
	gormrepository "tradedesk/internal/repository/gorm"
	"tradedesk/internal/risk"
)

func main() {
	cfgPath := os.Getenv("TD_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("TD_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		logger.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := broker.NewPool(ctx, cfg.Broker.PoolSize, gatewayFactory(cfg.Broker), logger)
	if err != nil {
		logger.Fatal("broker pool init failed", zap.Error(err))
	}

	layers := []cache.Layer{cache.NewMemory()}
	var redisLayer *cache.Redis
	if cfg.Redis.Enabled {
		redisLayer = cache.NewRedis(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		if err := redisLayer.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, running on memory cache only", zap.Error(err))
		} else {
			layers = append(layers, redisLayer)
			defer redisLayer.Close()
		}
	}
	snapshots := cache.NewMultiLayer(layers, cfg.Cache.OrdersTTL, cfg.Cache.PositionsTTL, logger)

	store := gormrepository.New(dbConn.Gorm)
	evaluator := risk.NewEvaluator(cfg.Risk, logger)
	exec := executor.New(store, pool, snapshots, cfg.Executor, logger)
	recon := reconciler.New(store, pool, snapshots, cfg.Reconciler, logger)
	exec.SetReconciler(recon)
	confirmGate := gate.New(store, evaluator, pool, exec, cfg.Gate, cfg.Broker.SnapshotTimeout, logger)

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	healthHandler := &handler.HealthHandler{DB: dbConn.Gorm, Pool: pool}
	healthHandler.Register(engine)
	strategyHandler := &handler.StrategyHandler{Gate: confirmGate}
	strategyHandler.Register(engine)
	orderHandler := &handler.OrderHandler{Repo: store, Executor: exec, Reconciler: recon}
	orderHandler.Register(engine)
	portfolioHandler := &handler.PortfolioHandler{Pool: pool, Cache: snapshots}
	portfolioHandler.Register(engine)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	memLayer := layers[0].(*cache.Memory)
	cronRunner := cronrunner.New(logger, ctx)
	if _, err := cronRunner.Every(cfg.Reconciler.Interval, func(ctx context.Context) {
		_ = recon.Reconcile(ctx)
	}); err != nil {
		logger.Warn("cron register reconciler failed", zap.Error(err))
	}
	if _, err := cronRunner.Every(10*time.Minute, func(ctx context.Context) {
		if n, err := confirmGate.ExpireStale(ctx); err != nil {
			logger.Warn("stale strategy sweep failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("expired stale strategies", zap.Int("count", n))
		}
	}); err != nil {
		logger.Warn("cron register strategy sweep failed", zap.Error(err))
	}
	if _, err := cronRunner.Every(time.Minute, func(context.Context) {
		memLayer.Sweep()
	}); err != nil {
		logger.Warn("cron register cache sweep failed", zap.Error(err))
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	// Settle anything left over from a previous run before serving traffic.
	if err := recon.Reconcile(ctx); err != nil {
		logger.Warn("startup reconcile failed (continuing)", zap.Error(err))
	}

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
}

func gatewayFactory(cfg config.BrokerConfig) func() (broker.Gateway, error) {
	if strings.EqualFold(cfg.Driver, "paper") {
		// One shared simulator: every pool slot must see the same book.
		shared := broker.NewPaperGateway()
		return func() (broker.Gateway, error) { return shared, nil }
	}
	return func() (broker.Gateway, error) {
		return broker.NewAlpacaGateway(cfg.APIKey, cfg.APISecret, cfg.BaseURL), nil
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
