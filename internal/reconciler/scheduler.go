package reconciler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// SchedulerConfig 各轮次的执行间隔，0 表示不调度
type SchedulerConfig struct {
	EndInterval     time.Duration
	ReleaseInterval time.Duration
	RefundInterval  time.Duration
	ImportInterval  time.Duration
	PassTimeout     time.Duration
}

// Runner 调度器执行的轮次
type Runner interface {
	Run(ctx context.Context, name string) ([]*PassResult, error)
}

// Scheduler 每个轮次一个定时器；上一次尚未结束时跳过本次触发
type Scheduler struct {
	runner Runner
	cfg    SchedulerConfig
	logger *logrus.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running map[string]*atomic.Bool
	last    map[string]time.Time
}

// NewScheduler 创建调度器
func NewScheduler(runner Runner, cfg SchedulerConfig, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		runner:  runner,
		cfg:     cfg,
		logger:  logger,
		running: make(map[string]*atomic.Bool),
		last:    make(map[string]time.Time),
	}
}

// Start 启动所有定时器，重复调用无效
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	intervals := map[string]time.Duration{
		PassEnd:     s.cfg.EndInterval,
		PassRelease: s.cfg.ReleaseInterval,
		PassRefund:  s.cfg.RefundInterval,
		PassImport:  s.cfg.ImportInterval,
	}
	for name, interval := range intervals {
		if interval <= 0 {
			continue
		}
		s.running[name] = &atomic.Bool{}
		s.wg.Add(1)
		go s.loop(ctx, name, interval)
	}
	s.logger.Info("对账调度器已启动")
}

// Stop 停止定时器并等待正在执行的轮次结束
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("对账调度器已停止")
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.trigger(ctx, name)
		case <-ctx.Done():
			return
		}
	}
}

// Trigger 立即执行一次，轮次正在执行时返回 false
func (s *Scheduler) Trigger(ctx context.Context, name string) bool {
	_, ran, _ := s.RunNow(ctx, name)
	return ran
}

// RunNow 立即执行一次并返回结果；同名轮次正在执行时 ran 为 false
func (s *Scheduler) RunNow(ctx context.Context, name string) (results []*PassResult, ran bool, err error) {
	s.mu.Lock()
	flag, ok := s.running[name]
	if !ok {
		flag = &atomic.Bool{}
		s.running[name] = flag
	}
	s.mu.Unlock()

	if !flag.CompareAndSwap(false, true) {
		return nil, false, nil
	}
	defer flag.Store(false)
	results, err = s.execute(ctx, name)
	return results, true, err
}

func (s *Scheduler) trigger(ctx context.Context, name string) {
	if !s.Trigger(ctx, name) {
		s.logger.WithField("pass", name).Warn("上一轮尚未结束，跳过本次触发")
	}
}

func (s *Scheduler) execute(ctx context.Context, name string) ([]*PassResult, error) {
	if s.cfg.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.PassTimeout)
		defer cancel()
	}

	// 全局错误只记录，等待下一次触发
	results, err := s.runner.Run(ctx, name)
	if err != nil {
		s.logger.WithField("pass", name).WithError(err).Error("对账轮次失败")
	}

	s.mu.Lock()
	s.last[name] = time.Now()
	s.mu.Unlock()
	return results, err
}

// LastRun 最近一次执行完成的时间
func (s *Scheduler) LastRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.last[name]
	return t, ok
}
