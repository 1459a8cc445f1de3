package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New(ErrorTypeNetwork, SeverityHigh, "TEST_ERROR", "测试错误")

	assert.NotNil(t, err)
	assert.Equal(t, ErrorTypeNetwork, err.Type)
	assert.Equal(t, SeverityHigh, err.Severity)
	assert.Equal(t, "TEST_ERROR", err.Code)
	assert.Equal(t, "测试错误", err.Message)
	assert.True(t, err.Retryable) // 网络错误默认可重试
	assert.False(t, err.Timestamp.IsZero())
}

func TestWrap(t *testing.T) {
	originalErr := errors.New("原始错误")
	wrappedErr := Wrap(originalErr, ErrorTypeSystem, SeverityMedium, "WRAPPED_ERROR", "包装错误")

	assert.Equal(t, ErrorTypeSystem, wrappedErr.Type)
	assert.Equal(t, originalErr, wrappedErr.Cause)
	assert.Contains(t, wrappedErr.Error(), "原始错误")
	assert.Equal(t, "[WRAPPED_ERROR] 包装错误: 原始错误", wrappedErr.Error())
	assert.True(t, errors.Is(wrappedErr, originalErr))
}

func TestCrowdfundError_Fields(t *testing.T) {
	err := New(ErrorTypeChain, SeverityMedium, "CHAIN", "链错误").
		WithComponent("reconciler").
		WithCampaign("0xabc").
		WithTxHash("0xdef").
		WithContext("pass", "end")

	require.NotNil(t, err.CampaignAddress)
	require.NotNil(t, err.TxHash)
	assert.Equal(t, "reconciler", err.Component)
	assert.Equal(t, "0xabc", *err.CampaignAddress)
	assert.Equal(t, "0xdef", *err.TxHash)
	assert.Equal(t, "end", err.Context["pass"])
}

func TestDetermineRetryable(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		expected  bool
	}{
		{ErrorTypeNetwork, true},
		{ErrorTypeConnection, true},
		{ErrorTypeTimeout, true},
		{ErrorTypeRateLimit, true},
		{ErrorTypeChain, true},
		{ErrorTypeStoreUnavailable, true},
		{ErrorTypeKafka, true},
		{ErrorTypeChainRejected, false},
		{ErrorTypeValidation, false},
		{ErrorTypeConfig, false},
		{ErrorTypeNotFound, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, determineRetryable(tt.errorType), "errorType=%v", tt.errorType)
	}
}

func TestIsRejection(t *testing.T) {
	rejected := New(ErrorTypeChainRejected, SeverityLow, CodeChainRejected, "合约拒绝")
	assert.True(t, IsRejection(rejected))
	assert.True(t, IsRejection(fmt.Errorf("pass: %w", rejected)))

	// 外层是超时，内层是拒绝
	nested := Wrap(rejected, ErrorTypeTimeout, SeverityMedium, CodeConfirmTimeout, "等待确认超时")
	assert.True(t, IsRejection(nested))
	assert.True(t, IsRetryable(nested))

	assert.False(t, IsRejection(New(ErrorTypeNetwork, SeverityLow, "NET", "网络错误")))
	assert.False(t, IsRejection(errors.New("plain")))
	assert.False(t, IsRejection(nil))
}

func TestIsConnectivity(t *testing.T) {
	assert.True(t, IsConnectivity(New(ErrorTypeConnection, SeverityHigh, "CONN", "连接失败")))
	assert.True(t, IsConnectivity(New(ErrorTypeNetwork, SeverityHigh, "NET", "网络错误")))
	assert.False(t, IsConnectivity(New(ErrorTypeTimeout, SeverityHigh, "TIMEOUT", "超时")))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err      error
		expected int
	}{
		{Validation("bad"), http.StatusBadRequest},
		{New(ErrorTypeChainRejected, SeverityLow, CodeChainRejected, "x"), http.StatusBadRequest},
		{Unauthorized("x"), http.StatusUnauthorized},
		{NotFound("x"), http.StatusNotFound},
		{New(ErrorTypeConflict, SeverityLow, CodeDuplicate, "x"), http.StatusConflict},
		{StoreUnavailable(errors.New("io"), "x"), http.StatusBadGateway},
		{New(ErrorTypeTimeout, SeverityLow, CodeConfirmTimeout, "x"), http.StatusGatewayTimeout},
		{errors.New("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, HTTPStatus(tt.err), tt.err.Error())
	}
}

func TestErrorType_String(t *testing.T) {
	assert.Equal(t, "Network", ErrorTypeNetwork.String())
	assert.Equal(t, "ChainRejected", ErrorTypeChainRejected.String())
	assert.Equal(t, "StoreUnavailable", ErrorTypeStoreUnavailable.String())
	assert.Equal(t, "Unknown(999)", ErrorType(999).String())
	assert.Equal(t, "Critical", SeverityCritical.String())
	assert.Equal(t, "Unknown(999)", ErrorSeverity(999).String())
}

func TestErrorStats_RecordError(t *testing.T) {
	stats := NewErrorStats()

	err1 := New(ErrorTypeNetwork, SeverityMedium, "NET_ERROR", "网络错误").WithComponent("reconciler")
	err2 := New(ErrorTypeChain, SeverityHigh, "CHAIN_ERROR", "链错误").WithComponent("reconciler")
	err3 := New(ErrorTypeNetwork, SeverityLow, "NET_TIMEOUT", "网络超时").WithComponent("api")

	stats.RecordError(err1)
	stats.RecordError(err2)
	stats.RecordError(err3)

	assert.Equal(t, 3, stats.TotalErrors)
	assert.Equal(t, 2, stats.ErrorsByType[ErrorTypeNetwork])
	assert.Equal(t, 1, stats.ErrorsByType[ErrorTypeChain])
	assert.Equal(t, 2, stats.ErrorsByComponent["reconciler"])
	assert.Equal(t, 1, stats.ErrorsByComponent["api"])
	assert.Equal(t, err3, stats.LastError)
	assert.Len(t, stats.RecentErrors, 3)
}

func TestErrorStats_RecentErrorsLimit(t *testing.T) {
	stats := NewErrorStats()

	for i := 0; i < 150; i++ {
		stats.RecordError(New(ErrorTypeNetwork, SeverityLow, "TEST_ERROR", "测试错误"))
	}

	assert.Equal(t, 150, stats.TotalErrors)
	assert.Len(t, stats.RecentErrors, 100)
}

func TestErrorStats_GetErrorRate(t *testing.T) {
	stats := NewErrorStats()
	now := time.Now()

	for i := 0; i < 10; i++ {
		err := New(ErrorTypeNetwork, SeverityLow, "TEST_ERROR", "测试错误")
		err.Timestamp = now.Add(-time.Duration(i*5) * time.Minute)
		stats.RecentErrors = append(stats.RecentErrors, err)
	}
	for i := 0; i < 5; i++ {
		err := New(ErrorTypeNetwork, SeverityLow, "OLD_ERROR", "旧错误")
		err.Timestamp = now.Add(-time.Duration(70+i*10) * time.Minute)
		stats.RecentErrors = append(stats.RecentErrors, err)
	}

	assert.Equal(t, 10.0, stats.GetErrorRate(time.Hour))
	assert.Equal(t, 0.0, stats.GetErrorRate(0))
	assert.Equal(t, 12.0, stats.GetErrorRate(30*time.Minute))
}

func TestErrorStats_SnapshotIsolated(t *testing.T) {
	stats := NewErrorStats()
	stats.RecordError(New(ErrorTypeChain, SeverityLow, "A", "a").WithComponent("x"))

	snap := stats.Snapshot()
	stats.RecordError(New(ErrorTypeChain, SeverityLow, "B", "b").WithComponent("x"))

	assert.Equal(t, 1, snap.TotalErrors)
	assert.Equal(t, 1, snap.ErrorsByComponent["x"])
	assert.Equal(t, 2, stats.ErrorsByComponent["x"])
}

func TestErrorHandler_HandleError(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	eh := NewErrorHandler(logger)

	var called int
	eh.AddCallback(func(err *CrowdfundError) { called++ })

	err := eh.HandleError(context.Background(), New(ErrorTypeChain, SeverityHigh, "CHAIN", "链调用失败").WithCampaign("0x1"))
	require.Error(t, err)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	assert.Equal(t, "0x1", hook.LastEntry().Data["campaign"])

	// 合约拒绝只计数不打日志
	hook.Reset()
	_ = eh.HandleError(context.Background(), New(ErrorTypeChainRejected, SeverityLow, CodeChainRejected, "拒绝"))
	assert.Empty(t, hook.AllEntries())

	// 普通错误会被包装
	_ = eh.HandleError(context.Background(), errors.New("boom"))

	stats := eh.GetStats()
	assert.Equal(t, 3, stats.TotalErrors)
	assert.Equal(t, 1, stats.ErrorsByType[ErrorTypeSystem])
	assert.Equal(t, 3, called)

	eh.ClearStats()
	assert.Equal(t, 0, eh.GetStats().TotalErrors)
}

func BenchmarkErrorStats_RecordError(b *testing.B) {
	stats := NewErrorStats()
	err := New(ErrorTypeNetwork, SeverityMedium, "BENCH_ERROR", "基准测试错误")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		stats.RecordError(err)
	}
}
