package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/gpxview/internal/api/handlers"
	"github.com/langchou/gpxview/internal/config"
	"github.com/langchou/gpxview/internal/cursor"
	"github.com/langchou/gpxview/internal/geometry"
	"github.com/langchou/gpxview/internal/offline"
	"github.com/langchou/gpxview/internal/repository"
	"github.com/langchou/gpxview/internal/service"
	"github.com/langchou/gpxview/internal/tilecache"
	"github.com/langchou/gpxview/pkg/ws"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	logger.Info("Starting gpxview", zap.String("port", cfg.ServerPort))

	// 创建 context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 连接数据库
	db, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to connect database", zap.Error(err))
	}
	defer db.Close()

	// 执行数据库迁移
	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	logger.Info("Database migrated successfully")

	// 创建 Repository
	trackRepo := repository.NewTrackRepository(db.Pool)

	// 打开瓦片缓存
	tileStore, err := tilecache.Open(cfg.TileDBPath, logger)
	if err != nil {
		logger.Fatal("Failed to open tile cache", zap.Error(err))
	}
	defer tileStore.Close()

	// 创建 WebSocket Hub
	wsHub := ws.NewHub(logger)
	go wsHub.Run()

	// 启动几何引擎
	geom := geometry.StartWorker(logger)
	defer geom.Close()

	// 启动离线瓦片服务
	offlineSvc := offline.NewService(logger, tileStore, wsHub)
	offlineSvc.SetLimits(cfg.TileMaxAuto, cfg.TileConcurrency)
	go offlineSvc.Run(ctx)

	// 创建游标控制器，已解析的游标位置广播给所有观察者
	cursorCtl := cursor.NewController(logger, geom, cursor.Options{
		GpsStaleAfter:      cfg.GpsStaleAfter,
		GpsSnapMinInterval: cfg.SnapMinInterval,
		ResumeDelay:        cfg.ResumeDelay,
		OnCursorLatLon: func(lat, lon float64) {
			wsHub.BroadcastCursor(map[string]float64{"lat": lat, "lon": lon})
		},
		OnCursorIndex: func(idx int) {
			wsHub.BroadcastCursor(map[string]int{"idx": idx})
		},
		OnGpsStale: func(stale bool) {
			wsHub.BroadcastMessage(ws.MsgTypeGpsStale, map[string]bool{"stale": stale})
		},
	})

	// 创建轨迹服务
	trackService := service.NewTrackService(logger, trackRepo, geom, cursorCtl, offlineSvc, cfg)

	// 初始数据：轨迹列表 + 当前游标
	wsHub.SetInitDataProvider(func() *ws.InitData {
		listCtx, listCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer listCancel()
		tracks, err := trackService.List(listCtx, 0)
		if err != nil {
			logger.Warn("Failed to load tracks for init data", zap.Error(err))
		}
		return &ws.InitData{Tracks: tracks, Cursor: cursorCtl.Cursor()}
	})

	// 创建 HTTP 处理器
	handler := handlers.NewHandler(
		logger,
		cfg,
		trackService,
		geom,
		cursorCtl,
		offlineSvc,
		wsHub,
	)

	// 设置 Gin 模式
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// 注册路由
	handler.RegisterRoutes(router)

	// 启动 HTTP 服务器
	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", server.Addr))

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// 把缓冲的访问时间戳落盘
	if err := tileStore.Flush(); err != nil {
		logger.Error("Failed to flush tile access times", zap.Error(err))
	}

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// initLogger 初始化日志
func initLogger(debug bool) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	logger, _ := config.Build()
	return logger
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
