// Package main 是服务端的入口点
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
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"aditi-chat-server/internal/cache"
	"aditi-chat-server/internal/config"
	"aditi-chat-server/internal/handler"
	"aditi-chat-server/internal/inference"
	"aditi-chat-server/internal/logger"
	"aditi-chat-server/internal/middleware"
	"aditi-chat-server/internal/model"
	"aditi-chat-server/internal/prompt"
	"aditi-chat-server/internal/repository"
	"aditi-chat-server/internal/service"
	"aditi-chat-server/internal/websocket"
	"aditi-chat-server/pkg/jwt"
)

func main() {
	// 本地开发时从 .env 读取环境变量，文件不存在时忽略
	_ = godotenv.Load()

	// 加载配置
	cfg, err := config.Load("./configs")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.Log, cfg.Server.Mode)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer zlog.Sync()

	// 初始化数据库
	db, err := initDatabase(cfg, zlog)
	if err != nil {
		zlog.Fatal("failed to init database", zap.Error(err))
	}

	// 自动迁移数据库表
	if err := autoMigrate(db, zlog); err != nil {
		zlog.Fatal("failed to migrate database", zap.Error(err))
	}

	// 初始化 Redis
	redisCache, err := cache.NewRedisCache(cfg)
	if err != nil {
		zlog.Fatal("failed to init redis", zap.Error(err))
	}

	// 初始化 JWT 服务
	jwtService := jwt.NewJWTService(
		cfg.JWT.Secret,
		cfg.JWT.AccessExpire,
		cfg.JWT.RefreshExpire,
	)

	// 初始化提示词和推理后端
	assembler, err := initAssembler(cfg, zlog)
	if err != nil {
		zlog.Fatal("failed to init prompt assembler", zap.Error(err))
	}
	backend, err := inference.NewClient(cfg.Backend)
	if err != nil {
		zlog.Fatal("failed to init inference backend", zap.Error(err))
	}

	// 初始化 Repository 层
	userRepo := repository.NewUserRepository(db)
	chatRepo := repository.NewChatRepository(db)
	messageRepo := repository.NewMessageRepository(db)

	// 初始化 Service 层
	authService := service.NewAuthService(userRepo, redisCache, jwtService)
	userService := service.NewUserService(userRepo)
	githubService := service.NewGitHubService(cfg.OAuth.GitHub, redisCache, userRepo, authService)
	chatService := service.NewChatService(chatRepo, messageRepo, cfg.Relay.ListLimit)
	relayService := service.NewRelayService(chatRepo, messageRepo, assembler, backend, redisCache, nil, zlog.Named("relay"),
		service.RelayOptions{
			TitleLength:    cfg.Relay.TitleLength,
			PersistTimeout: cfg.Relay.PersistTimeout,
		})

	// 后台协程在收到退出信号后停止
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	// 初始化 WebSocket Hub
	wsHub := websocket.NewHub(relayService, redisCache, zlog)
	relayService.SetNotifier(wsHub)
	go wsHub.Run(bgCtx) // 在单独的 goroutine 中运行

	if cfg.Relay.Replay.Enabled {
		replayer := service.NewReplayer(redisCache, messageRepo, zlog, cfg.Relay.Replay.Interval, cfg.Relay.Replay.MaxAttempts)
		go replayer.Run(bgCtx)
	}

	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建 Gin 引擎
	router := gin.New()

	// 全局中间件：恢复 panic、请求日志、CORS
	router.Use(middleware.RecoveryMiddleware(zlog))
	router.Use(middleware.LoggerMiddleware(zlog))
	router.Use(middleware.CORSMiddleware(middleware.DefaultCORSConfig(cfg.Server.CORS...)))

	// 注册路由
	secureCookie := cfg.Server.Mode == "release"
	handler.RegisterRoutes(router, &handler.Routes{
		JWT:     jwtService,
		Checker: redisCache,
		Auth:    handler.NewAuthHandler(authService, githubService, secureCookie, zlog.Named("auth")),
		User:    handler.NewUserHandler(userService),
		Chat:    handler.NewChatHandler(relayService, chatService, cfg.Relay.AllowBodyUser, zlog),
		WS:      websocket.NewHandler(wsHub, cfg.JWT.Secret, redisCache, cfg.Server.CORS),
	})

	// 创建 HTTP 服务器
	// 流式响应可能持续数分钟，WriteTimeout 默认不限制
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 在 goroutine 中启动服务器
	go func() {
		zlog.Info("server starting", zap.String("addr", addr), zap.String("backend", cfg.Backend.Provider))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("server failed", zap.Error(err))
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("shutting down server")

	// 先断开 WebSocket 连接，它们不会被 Shutdown 等待
	stopBackground()

	// 创建关闭上下文，设置超时
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器，等待进行中的对话写完
	if err := server.Shutdown(ctx); err != nil {
		zlog.Error("server forced to shutdown", zap.Error(err))
	}

	// 关闭 Redis 连接
	if err := redisCache.Close(); err != nil {
		zlog.Warn("failed to close redis", zap.Error(err))
	}

	zlog.Info("server exited")
}

// initDatabase 初始化数据库连接
func initDatabase(cfg *config.Config, zlog *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	dsn := cfg.Database.DSN()
	switch cfg.Database.Driver {
	case "", "mysql":
		dialector = mysql.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	// 配置 GORM logger
	gormLogger := gormlogger.Default.LogMode(gormlogger.Info)
	if cfg.Server.Mode == "release" {
		gormLogger = gormlogger.Default.LogMode(gormlogger.Warn)
	}

	// 连接数据库
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	// 获取底层 sql.DB
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	// 配置连接池
	// sqlite 只允许一个写连接
	if cfg.Database.Driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.Database.MaxLifetime) * time.Second)

	zlog.Info("database connected", zap.String("driver", cfg.Database.Driver))
	return db, nil
}

// autoMigrate 自动迁移数据库表
func autoMigrate(db *gorm.DB, zlog *zap.Logger) error {
	zlog.Info("running database migrations")

	if err := db.AutoMigrate(
		&model.User{},
		&model.Chat{},
		&model.Message{},
	); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}

	zlog.Info("database migrations completed")
	return nil
}

// initAssembler 加载人设并创建提示词组装器
func initAssembler(cfg *config.Config, zlog *zap.Logger) (*prompt.Assembler, error) {
	persona := prompt.DefaultPersona()
	if cfg.Persona.File != "" {
		p, err := prompt.LoadPersona(cfg.Persona.File)
		if err != nil {
			return nil, err
		}
		persona = p
		zlog.Info("persona loaded", zap.String("file", cfg.Persona.File))
	}

	window, err := prompt.NewWindower(cfg.Relay.Window)
	if err != nil {
		return nil, err
	}
	return prompt.NewAssembler(persona.String(), window), nil
}
