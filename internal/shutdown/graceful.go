package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序：先停止产生新工作，再断开推送，最后关闭存储
const (
	OrderStopScheduler  = 10 // 停止对账定时器并等待当前轮次
	OrderStopHTTP       = 20 // 停止接受新请求
	OrderCloseNotifiers = 30 // 断开WebSocket会话
	OrderFlushProducers = 40 // 刷新Kafka生产者缓冲区
	OrderCloseChain     = 50 // 断开节点连接
	OrderCloseStores    = 60 // 关闭数据库、提交日志和Redis
)

// Hook 停机处理函数
type Hook struct {
	Name  string
	Func  func(ctx context.Context) error
	Order int // 数字越小越早执行
}

// Manager 优雅停机管理器
type Manager struct {
	logger  *logrus.Logger
	timeout time.Duration

	mu       sync.Mutex
	hooks    []Hook
	stopping bool

	signals chan os.Signal
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	errs    []error
}

// NewManager 创建停机管理器，timeout 是全部处理函数共享的总时限
func NewManager(timeout time.Duration, logger *logrus.Logger) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:  logger,
		timeout: timeout,
		signals: make(chan os.Signal, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Register 注册停机处理函数
func (m *Manager) Register(name string, order int, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, Hook{Name: name, Func: fn, Order: order})
	m.logger.Debugf("注册停机处理函数: %s (order: %d)", name, order)
}

// RegisterCloser 注册只有 Close 方法的组件
func (m *Manager) RegisterCloser(name string, order int, closer func() error) {
	m.Register(name, order, func(context.Context) error { return closer() })
}

// Context 收到停机信号后取消
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Done 停机流程结束后关闭
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// ListenSignals 监听 SIGINT、SIGTERM 和 SIGQUIT
func (m *Manager) ListenSignals() {
	signal.Notify(m.signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		sig, ok := <-m.signals
		if !ok {
			return
		}
		m.logger.Infof("收到停机信号: %v", sig)
		m.Shutdown()
	}()
	m.logger.Info("优雅停机管理器已启动，监听信号: SIGINT, SIGTERM, SIGQUIT")
}

// Shutdown 执行停机流程，只执行一次，返回各处理函数的错误
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		<-m.done
		return m.joinedErr()
	}
	m.stopping = true
	hooks := make([]Hook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	signal.Stop(m.signals)
	m.cancel()
	defer close(m.done)

	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Order < hooks[j].Order })

	m.logger.Info("开始优雅停机流程...")
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for _, hook := range hooks {
		if ctx.Err() != nil {
			m.logger.Warnf("停机超时，跳过: %s", hook.Name)
			errs = append(errs, fmt.Errorf("%s: %w", hook.Name, ctx.Err()))
			continue
		}

		start := time.Now()
		if err := hook.Func(ctx); err != nil {
			m.logger.Errorf("停机处理 '%s' 失败 (耗时: %v): %v", hook.Name, time.Since(start), err)
			errs = append(errs, fmt.Errorf("%s: %w", hook.Name, err))
			continue
		}
		m.logger.Debugf("停机处理 '%s' 完成 (耗时: %v)", hook.Name, time.Since(start))
	}

	m.mu.Lock()
	m.errs = errs
	m.mu.Unlock()

	if len(errs) > 0 {
		m.logger.Errorf("停机过程中发生 %d 个错误", len(errs))
	} else {
		m.logger.Info("优雅停机流程完成")
	}
	return m.joinedErr()
}

func (m *Manager) joinedErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.errs) == 0 {
		return nil
	}
	return fmt.Errorf("停机失败: %v", m.errs)
}

// IsShuttingDown 是否已开始停机
func (m *Manager) IsShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopping
}

// Hooks 已注册的处理函数名，按执行顺序
func (m *Manager) Hooks() []string {
	m.mu.Lock()
	hooks := make([]Hook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Order < hooks[j].Order })
	names := make([]string, len(hooks))
	for i, h := range hooks {
		names[i] = h.Name
	}
	return names
}
