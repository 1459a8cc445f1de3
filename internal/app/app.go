package app

import (
	"context"
	"fmt"
	"time"

	"crowdfund/internal/chain"
	"crowdfund/internal/config"
	apperrors "crowdfund/internal/errors"
	"crowdfund/internal/journal"
	"crowdfund/internal/lock"
	"crowdfund/internal/notify"
	"crowdfund/internal/reconciler"
	"crowdfund/internal/shutdown"
	"crowdfund/internal/store"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// App 两个进程共用的基础组件
type App struct {
	Config    *config.Config
	Logger    *logrus.Logger
	Store     store.Store
	Journal   *journal.Journal
	Gateway   *chain.Gateway
	Redis     redis.UniversalClient // 未启用时为nil
	Locker    lock.Locker
	Publisher notify.Publisher
	Errors    *apperrors.ErrorHandler
	Shutdown  *shutdown.Manager
}

// New 按配置打开存储、提交日志、节点连接、Redis和Kafka，所有组件都已注册到停机管理器
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Errors:   apperrors.NewErrorHandler(logger),
		Shutdown: shutdown.NewManager(30*time.Second, logger),
	}
	if err := a.open(ctx); err != nil {
		_ = a.Shutdown.Shutdown()
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context) error {
	cfg := a.Config

	st, err := store.Open(cfg.Database, a.Logger)
	if err != nil {
		return fmt.Errorf("打开存储失败: %w", err)
	}
	a.Store = st
	a.Shutdown.RegisterCloser("store", shutdown.OrderCloseStores, st.Close)

	jr, err := journal.Open(cfg.Journal.Path, a.Logger)
	if err != nil {
		return fmt.Errorf("打开提交日志失败: %w", err)
	}
	a.Journal = jr
	a.Shutdown.RegisterCloser("journal", shutdown.OrderCloseStores, jr.Close)

	gw, err := chain.Dial(ctx, cfg.Ethereum, a.Logger)
	if err != nil {
		return fmt.Errorf("连接区块链节点失败: %w", err)
	}
	gw.SetRecorder(jr)
	a.Gateway = gw
	a.Shutdown.RegisterCloser("chain", shutdown.OrderCloseChain, func() error {
		gw.Close()
		return nil
	})

	if cfg.Redis.Enabled {
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:      cfg.Redis.Addrs,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			MaxRetries: cfg.Redis.MaxRetries,
		})
		a.Shutdown.RegisterCloser("redis", shutdown.OrderCloseStores, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return apperrors.StoreUnavailable(err, "连接Redis失败")
		}
		a.Redis = client
		a.Locker = lock.NewRedisLocker(client, cfg.Redis.KeyPrefix, cfg.Scheduler.LockTTL, a.Logger)
		a.Logger.WithField("addrs", cfg.Redis.Addrs).Info("已连接Redis")
	} else {
		a.Locker = lock.NewMemoryLocker()
	}

	publisher, err := newPublisher(cfg.Kafka, a.Logger)
	if err != nil {
		return fmt.Errorf("创建Kafka生产者失败: %w", err)
	}
	a.Publisher = publisher
	a.Shutdown.RegisterCloser("kafka", shutdown.OrderFlushProducers, publisher.Close)

	return nil
}

func newPublisher(cfg *config.KafkaConfig, logger *logrus.Logger) (notify.Publisher, error) {
	if !cfg.Enabled {
		return notify.NopPublisher{}, nil
	}
	if cfg.Async {
		return notify.NewAsyncKafkaPublisher(cfg.Brokers, cfg.Topics, logger)
	}
	return notify.NewKafkaPublisher(cfg.Brokers, cfg.Topics, logger)
}

// NewReconciler 创建对账器，notifier 决定是否推送给在线钱包
func (a *App) NewReconciler(notifier reconciler.Notifier) *reconciler.Reconciler {
	return reconciler.New(a.Store, a.Gateway, a.Journal, a.Locker, notifier, a.Errors, a.Logger, reconciler.Options{
		Workers:        a.Config.Scheduler.Workers,
		ConfirmTimeout: a.Config.Ethereum.ConfirmTimeout,
		PageSize:       a.Config.Ethereum.PageSize,
	})
}

// SchedulerConfig 调度间隔
func (a *App) SchedulerConfig() reconciler.SchedulerConfig {
	s := a.Config.Scheduler
	return reconciler.SchedulerConfig{
		EndInterval:     s.EndInterval,
		ReleaseInterval: s.ReleaseInterval,
		RefundInterval:  s.RefundInterval,
		ImportInterval:  s.ImportInterval,
		PassTimeout:     s.PassTimeout,
	}
}
