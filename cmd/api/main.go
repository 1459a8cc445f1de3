package main

import (
	"context"
	"fmt"
	"os"

	"crowdfund/internal/api"
	"crowdfund/internal/app"
	"crowdfund/internal/auth"
	"crowdfund/internal/campaign"
	"crowdfund/internal/chain"
	"crowdfund/internal/config"
	"crowdfund/internal/ipfs"
	"crowdfund/internal/logging"
	"crowdfund/internal/notify"
	"crowdfund/internal/reconciler"
	"crowdfund/internal/shutdown"
	"crowdfund/internal/validation"

	"github.com/spf13/cobra"
)

var (
	configPath  string
	port        int
	verbose     bool
	noScheduler bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "crowdfund-api",
		Short: "众筹平台API服务",
		Long:  `提供钱包登录、活动创建与捐款登记接口，推送实时通知，并在后台定时推进活动生命周期`,
		RunE:  run,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.Flags().IntVar(&port, "port", 0, "API 服务端口，覆盖配置文件")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "详细输出")
	rootCmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "不启动对账调度器")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("创建日志器失败: %w", err)
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	mgr := a.Shutdown

	// 登录
	var cache auth.Cache = auth.NewMemoryCache()
	if a.Redis != nil {
		cache = auth.NewRedisCache(a.Redis)
	}
	issuer, err := auth.NewTokenIssuer(cfg.Auth.AccessSecret, cfg.Auth.RefreshSecret, cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL)
	if err != nil {
		_ = mgr.Shutdown()
		return fmt.Errorf("创建令牌签发器失败: %w", err)
	}
	authSvc := auth.NewService(cache, issuer, chain.VerifySignedMessage, auth.Options{
		KeyPrefix:  cfg.Redis.KeyPrefix,
		NonceTTL:   cfg.Auth.NonceTTL,
		AccessTTL:  cfg.Auth.AccessTTL,
		RefreshTTL: cfg.Auth.RefreshTTL,
	}, logger)

	// 通知
	hub := notify.NewHub(authSvc, logger)
	mgr.RegisterCloser("websocket", shutdown.OrderCloseNotifiers, hub.Close)
	notifier := notify.NewFanout(hub, a.Publisher, logger)

	// 活动
	validator := validation.NewValidator(logger, cfg.Pinata.MaxFileSize)
	pinata := ipfs.NewPinataClient(cfg.Pinata, logger)
	campaigns := campaign.NewService(a.Store, a.Gateway, pinata, notifier, validator, logger)

	// 对账
	rec := a.NewReconciler(notifier)
	scheduler := reconciler.NewScheduler(rec, a.SchedulerConfig(), logger)
	switch {
	case noScheduler || !cfg.Scheduler.Enabled:
		logger.Info("对账调度器未启用")
	case cfg.ReconcilerReady() != nil:
		logger.WithError(cfg.ReconcilerReady()).Warn("链上配置不完整，对账调度器未启动")
	default:
		scheduler.Start(mgr.Context())
	}
	mgr.Register("scheduler", shutdown.OrderStopScheduler, func(context.Context) error {
		scheduler.Stop()
		return nil
	})

	server := api.NewServer(cfg.Server, api.Dependencies{
		Auth:      authSvc,
		Campaigns: campaigns,
		Runner:    scheduler,
		Errors:    rec,
		Journal:   a.Journal,
		Wallet:    a.Gateway,
		Validator: validator,
		WebSocket: hub.ServeWS,
	}, logger)
	mgr.Register("http", shutdown.OrderStopHTTP, server.Stop)

	mgr.ListenSignals()
	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Error("API服务器异常退出")
			_ = mgr.Shutdown()
		}
	}()

	<-mgr.Done()
	logger.Info("服务器已关闭")
	return nil
}
