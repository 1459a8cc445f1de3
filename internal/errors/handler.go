package errors

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorHandler 错误处理器
type ErrorHandler struct {
	logger *logrus.Logger
	stats  *ErrorStats
	mu     sync.RWMutex

	// 错误处理策略
	strategies map[ErrorType]ErrorStrategy

	// 错误回调
	callbacks []ErrorCallback

	// 每小时错误数告警阈值
	thresholds map[ErrorSeverity]int
}

// ErrorStrategy 错误处理策略
type ErrorStrategy interface {
	Handle(ctx context.Context, err *CrowdfundError) error
}

// ErrorCallback 错误回调函数
type ErrorCallback func(err *CrowdfundError)

// LoggingStrategy 日志记录策略
type LoggingStrategy struct {
	logger *logrus.Logger
}

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	eh := &ErrorHandler{
		logger:     logger,
		stats:      NewErrorStats(),
		strategies: make(map[ErrorType]ErrorStrategy),
		callbacks:  make([]ErrorCallback, 0),
		thresholds: map[ErrorSeverity]int{
			SeverityLow:      100,
			SeverityMedium:   50,
			SeverityHigh:     20,
			SeverityCritical: 5,
		},
	}

	loggingStrategy := &LoggingStrategy{logger: logger}
	for errorType := range errorTypeNames {
		eh.strategies[errorType] = loggingStrategy
	}
	// 合约拒绝是预期内的跳过，不需要额外处理
	eh.strategies[ErrorTypeChainRejected] = NoopStrategy{}

	return eh
}

// HandleError 处理错误
func (eh *ErrorHandler) HandleError(ctx context.Context, err error) error {
	ce, ok := As(err)
	if !ok {
		ce = Wrap(err, ErrorTypeSystem, SeverityMedium, "UNKNOWN_ERROR", "未知错误")
	}

	eh.recordError(ce)

	if eh.checkThresholds(ce) {
		eh.logger.Warnf("错误达到阈值限制: %s", ce.Error())
	}

	eh.executeCallbacks(ce)

	return eh.executeStrategy(ctx, ce)
}

// recordError 记录错误
func (eh *ErrorHandler) recordError(err *CrowdfundError) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats.RecordError(err)
}

// checkThresholds 检查阈值
func (eh *ErrorHandler) checkThresholds(err *CrowdfundError) bool {
	eh.mu.RLock()
	defer eh.mu.RUnlock()

	limit, exists := eh.thresholds[err.Severity]
	if !exists {
		return false
	}
	return eh.stats.GetErrorRate(time.Hour) > float64(limit)
}

// executeCallbacks 执行错误回调
func (eh *ErrorHandler) executeCallbacks(err *CrowdfundError) {
	eh.mu.RLock()
	callbacks := make([]ErrorCallback, len(eh.callbacks))
	copy(callbacks, eh.callbacks)
	eh.mu.RUnlock()

	for _, callback := range callbacks {
		func(cb ErrorCallback) {
			defer func() {
				if r := recover(); r != nil {
					eh.logger.Errorf("错误回调执行时发生panic: %v", r)
				}
			}()
			cb(err)
		}(callback)
	}
}

// executeStrategy 执行处理策略
func (eh *ErrorHandler) executeStrategy(ctx context.Context, err *CrowdfundError) error {
	eh.mu.RLock()
	strategy, exists := eh.strategies[err.Type]
	eh.mu.RUnlock()
	if !exists {
		strategy = &LoggingStrategy{logger: eh.logger}
	}

	return strategy.Handle(ctx, err)
}

// Handle 实现LoggingStrategy的处理方法
func (ls *LoggingStrategy) Handle(ctx context.Context, err *CrowdfundError) error {
	fields := logrus.Fields{
		"error_type": err.Type.String(),
		"error_code": err.Code,
		"component":  err.Component,
		"retryable":  err.Retryable,
	}
	if err.CampaignAddress != nil {
		fields["campaign"] = *err.CampaignAddress
	}
	if err.TxHash != nil {
		fields["tx_hash"] = *err.TxHash
	}
	for k, v := range err.Context {
		fields[k] = v
	}
	if err.Cause != nil {
		fields["cause"] = err.Cause.Error()
	}
	logEntry := ls.logger.WithFields(fields)

	// 对账进程不因单个错误退出，Critical也只记Error
	switch err.Severity {
	case SeverityLow:
		logEntry.Debug(err.Message)
	case SeverityMedium:
		logEntry.Warn(err.Message)
	default:
		logEntry.Error(err.Message)
	}

	return err
}

// NoopStrategy 只统计不处理
type NoopStrategy struct{}

// Handle 实现NoopStrategy的处理方法
func (NoopStrategy) Handle(ctx context.Context, err *CrowdfundError) error {
	return err
}

// AddCallback 添加错误回调
func (eh *ErrorHandler) AddCallback(callback ErrorCallback) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.callbacks = append(eh.callbacks, callback)
}

// SetStrategy 设置错误处理策略
func (eh *ErrorHandler) SetStrategy(errorType ErrorType, strategy ErrorStrategy) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.strategies[errorType] = strategy
}

// GetStats 获取错误统计信息
func (eh *ErrorHandler) GetStats() ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()
	return eh.stats.Snapshot()
}

// ClearStats 清除统计信息
func (eh *ErrorHandler) ClearStats() {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats = NewErrorStats()
}
