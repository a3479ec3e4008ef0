package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/tesnotify/internal/api/handlers"
	"github.com/langchou/tesnotify/internal/config"
	"github.com/langchou/tesnotify/internal/mqtt"
	"github.com/langchou/tesnotify/internal/notify"
	"github.com/langchou/tesnotify/internal/repository"
	"github.com/langchou/tesnotify/internal/service"
	"github.com/langchou/tesnotify/pkg/ws"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger, err := initLogger(cfg.Debug, cfg.LogLevel)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting Tesnotify",
		zap.Int64("car_id", cfg.CarID),
		zap.Duration("poll_interval", cfg.PollInterval),
	)

	// 创建 context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 数据库连接池，连接在每次查询时建立
	db, err := repository.New(ctx, cfg.DSN())
	if err != nil {
		logger.Fatal("Invalid database configuration", zap.Error(err))
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		logger.Warn("Database not reachable yet, will retry on each poll", zap.Error(err))
	}

	source := repository.NewEventSource(db, repository.SourceOptions{
		Mode:     repository.FilterMode(cfg.FilterMode),
		Shape:    repository.DriveShape(cfg.DriveDetails),
		Location: cfg.Location(),
		Timeout:  cfg.DBQueryTimeout,
	}, logger)
	logger.Info("Event source configured",
		zap.String("filter_mode", string(source.Mode())),
		zap.String("drive_shape", string(source.Shape())),
	)

	// 创建推送客户端
	sink, err := notify.NewNtfy(notify.Options{
		URL:     cfg.NotifyURL(),
		Token:   cfg.NtfyToken,
		Tags:    cfg.NtfyTags,
		Timeout: cfg.HTTPTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("Invalid notification endpoint", zap.Error(err))
	}
	logger.Info("Notifications will be sent", zap.String("endpoint", sink.Endpoint()))

	// 创建轮询器
	poller := service.NewPoller(service.PollerOptions{
		CarID:      cfg.CarID,
		Interval:   cfg.PollInterval,
		WakeMinGap: cfg.WakeMinGap,
	}, logger, source, sink)

	// 创建 WebSocket Hub
	wsHub := ws.NewHub(logger)
	wsHub.SetInitDataProvider(func() interface{} {
		return poller.Status()
	})
	go wsHub.Run(ctx)
	poller.AddObserver(handlers.NewFeed(wsHub))

	// 状态接口
	var server *http.Server
	if cfg.StatusAddr != "" {
		server = startStatusServer(cfg, logger, poller, wsHub)
	}

	// MQTT 提前唤醒
	var (
		mqttClient *mqtt.Client
		trigger    *mqtt.Trigger
	)
	if cfg.MQTTBroker != "" {
		mqttClient, trigger = startTrigger(cfg, logger, poller)
	}

	if err := poller.Start(ctx); err != nil {
		logger.Fatal("Failed to start poller", zap.Error(err))
	}

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	// 第二次信号按默认行为直接终止进程
	signal.Stop(quit)

	logger.Info("Shutting down...")

	// 先取消 context，中断进行中的数据库查询与推送
	cancel()

	if trigger != nil {
		trigger.Close()
	}
	if mqttClient != nil {
		mqttClient.Close()
	}

	poller.Stop()

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server forced to shutdown", zap.Error(err))
		}
	}

	logger.Info("Tesnotify exited")
}

// startStatusServer 启动只读状态接口
func startStatusServer(cfg *config.Config, logger *zap.Logger, poller *service.Poller, wsHub *ws.Hub) *http.Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handlers.NewHandler(logger, poller, wsHub).RegisterRoutes(router)

	server := &http.Server{
		Addr:    cfg.StatusAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Status server stopped", zap.Error(err))
		}
	}()

	logger.Info("Status server started", zap.String("addr", server.Addr))
	return server
}

// startTrigger 连接 MQTT 并订阅车辆状态，失败时只依赖定时轮询
func startTrigger(cfg *config.Config, logger *zap.Logger, poller *service.Poller) (*mqtt.Client, *mqtt.Trigger) {
	client, err := mqtt.NewClient(mqtt.ClientConfig{
		Broker:   cfg.MQTTBroker,
		ClientID: cfg.MQTTClientID,
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
	}, logger)
	if err != nil {
		logger.Warn("MQTT unavailable, falling back to interval polling", zap.Error(err))
		return nil, nil
	}

	trigger := mqtt.NewTrigger(mqtt.TriggerConfig{
		TopicPrefix: cfg.MQTTTopicPrefix,
		CarID:       cfg.CarID,
		SettleDelay: cfg.MQTTSettleDelay,
	}, poller, logger)

	if err := trigger.Subscribe(client); err != nil {
		logger.Warn("MQTT subscribe failed, falling back to interval polling", zap.Error(err))
		client.Close()
		return nil, nil
	}

	return client, trigger
}

// initLogger 初始化日志，LOG_LEVEL 在两种模式下都生效
func initLogger(debug bool, level string) (*zap.Logger, error) {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}

	return config.Build()
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
