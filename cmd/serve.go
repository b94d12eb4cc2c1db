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
	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"spa_call_booking/internal/clients/realtime"
	"spa_call_booking/internal/clients/sms"
	"spa_call_booking/internal/config"
	"spa_call_booking/internal/handlers"
	"spa_call_booking/internal/logger"
	"spa_call_booking/internal/middleware"
	"spa_call_booking/internal/relay"
	"spa_call_booking/internal/routes"
	"spa_call_booking/internal/services"
	"spa_call_booking/internal/session"
	"spa_call_booking/internal/store"
)

func newServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动HTTP和媒体流服务",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "配置文件路径")
	return cmd
}

func serve(cfg *config.Config) error {
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	loc, err := time.LoadLocation(cfg.Spa.Timezone)
	if err != nil {
		return fmt.Errorf("加载时区失败: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database, store.Options{Location: loc})
	if err != nil {
		return err
	}
	defer st.Close()

	notifier, closeNotifier, err := newNotifier(cfg, log)
	if err != nil {
		return err
	}
	defer closeNotifier()

	bookings := services.NewBookingService(st, notifier, log)
	history := services.NewCallHistory(st, log)
	dispatcher := services.NewToolDispatcher(bookings, log)
	registry := session.NewRegistry()

	dialer := realtime.NewDialer(realtime.Config{
		URL:              cfg.Realtime.URL,
		Model:            cfg.Realtime.Model,
		APIKey:           cfg.Realtime.APIKey,
		Voice:            cfg.Realtime.Voice,
		Temperature:      cfg.Realtime.Temperature,
		Instructions:     cfg.Realtime.Instructions,
		SpaName:          cfg.Spa.Name,
		Language:         cfg.Spa.Language,
		HandshakeTimeout: cfg.Relay.DialTimeout,
	}, services.ToolDefinitions(), log)

	rl := relay.New(relay.Config{
		PreStartBuffer: cfg.Relay.PreStartBuffer,
		OutboundQueue:  cfg.Relay.OutboundQueue,
		ShutdownGrace:  cfg.Relay.ShutdownGrace,
		DrainTimeout:   cfg.Relay.DrainTimeout,
		ToolTimeout:    cfg.Relay.ToolTimeout,
		PingPeriod:     cfg.WebSocket.PingPeriod,
		PongWait:       cfg.WebSocket.PongWait,
		Location:       loc,
	}, registry, dialer, dispatcher, relay.Observers{services.NewConversationLogger(log), history}, log)

	// 被劫持的WebSocket连接不受http.Server.Shutdown管理，单独取消
	callCtx, cancelCalls := context.WithCancel(context.Background())
	defer cancelCalls()

	gin.SetMode(cfg.Server.Mode)
	engine := gin.New()
	middleware.Setup(engine)
	routes.RegisterRoutes(engine, routes.Handlers{
		MediaStream: handlers.NewMediaStreamHandler(callCtx, rl, cfg.WebSocket.ReadBufferSize, cfg.WebSocket.WriteBufferSize, log),
		Webhook:     handlers.NewWebhookHandler(cfg.Server.PublicHost, cfg.Spa.Name, cfg.Spa.Language, registry, history, log),
		Function:    handlers.NewFunctionHandler(dispatcher, log),
		Booking:     handlers.NewBookingHandler(bookings, registry, history),
	}, routes.RateLimit{PerMinute: cfg.RateLimit.PerMinute, Burst: cfg.RateLimit.Burst})

	srv := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: engine,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("服务启动", zap.String("addr", srv.Addr), zap.String("spa", cfg.Spa.Name))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP服务异常退出: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("收到退出信号，开始关闭", zap.Int("active_calls", registry.Len()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Relay.DrainTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP服务关闭超时", zap.Error(err))
	}
	cancelCalls()
	waitCalls(shutdownCtx, registry, log)

	log.Info("服务已退出")
	return nil
}

// waitCalls 等待进行中的通话完成收尾
func waitCalls(ctx context.Context, registry *session.Registry, log *zap.Logger) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for registry.Len() > 0 {
		select {
		case <-ctx.Done():
			log.Warn("仍有通话未完成收尾", zap.Int("active_calls", registry.Len()))
			return
		case <-ticker.C:
		}
	}
}

// newNotifier 按配置选择通知方式：只记日志、同步短信或asynq队列
func newNotifier(cfg *config.Config, log *zap.Logger) (services.Notifier, func(), error) {
	if !cfg.SMS.Enabled {
		return services.LogNotifier{SpaName: cfg.Spa.Name, Log: log}, func() {}, nil
	}

	client := sms.NewClient(sms.Config{
		BaseURL:    cfg.SMS.BaseURL,
		AccountSID: cfg.SMS.AccountSID,
		AuthToken:  cfg.SMS.AuthToken,
		From:       cfg.SMS.From,
	})
	if cfg.SMS.RedisAddr == "" {
		return services.SMSNotifier{SpaName: cfg.Spa.Name, Sender: client}, func() {}, nil
	}

	redis := asynq.RedisClientOpt{Addr: cfg.SMS.RedisAddr, DB: cfg.SMS.RedisDB}
	worker := asynq.NewServer(redis, asynq.Config{
		Concurrency: 2,
		Logger:      log.Sugar(),
	})
	if err := worker.Start(sms.NewServeMux(client, log)); err != nil {
		return nil, nil, fmt.Errorf("启动短信worker失败: %w", err)
	}
	queue := asynq.NewClient(redis)

	closeFn := func() {
		if err := queue.Close(); err != nil {
			log.Warn("关闭asynq客户端失败", zap.Error(err))
		}
		worker.Shutdown()
	}
	return services.AsynqNotifier{SpaName: cfg.Spa.Name, Client: queue}, closeFn, nil
}
