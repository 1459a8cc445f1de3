package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 网络相关错误
	ErrorTypeNetwork ErrorType = iota
	ErrorTypeConnection
	ErrorTypeTimeout
	ErrorTypeRateLimit

	// 区块链相关错误
	ErrorTypeChain
	ErrorTypeChainRejected

	// 存储相关错误
	ErrorTypeStoreUnavailable
	ErrorTypeNotFound
	ErrorTypeConflict

	// 请求相关错误
	ErrorTypeValidation
	ErrorTypeUnauthorized
	ErrorTypeForbidden

	// 系统相关错误
	ErrorTypeSystem
	ErrorTypeConfig

	// 外部服务错误
	ErrorTypeExternalAPI
	ErrorTypeKafka
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// CrowdfundError 自定义错误类型
type CrowdfundError struct {
	Type            ErrorType              `json:"type"`
	Severity        ErrorSeverity          `json:"severity"`
	Code            string                 `json:"code"`
	Message         string                 `json:"message"`
	Timestamp       time.Time              `json:"timestamp"`
	Context         map[string]interface{} `json:"context,omitempty"`
	Cause           error                  `json:"-"`
	Retryable       bool                   `json:"retryable"`
	Component       string                 `json:"component"`
	CampaignAddress *string                `json:"campaign_address,omitempty"`
	TxHash          *string                `json:"tx_hash,omitempty"`
}

// Error 实现error接口
func (e *CrowdfundError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *CrowdfundError) Unwrap() error {
	return e.Cause
}

// IsRetryable 判断是否可重试
func (e *CrowdfundError) IsRetryable() bool {
	return e.Retryable
}

// WithContext 添加上下文信息
func (e *CrowdfundError) WithContext(key string, value interface{}) *CrowdfundError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithComponent 设置出错组件
func (e *CrowdfundError) WithComponent(component string) *CrowdfundError {
	e.Component = component
	return e
}

// WithCampaign 添加众筹合约地址
func (e *CrowdfundError) WithCampaign(address string) *CrowdfundError {
	e.CampaignAddress = &address
	return e
}

// WithTxHash 添加交易哈希
func (e *CrowdfundError) WithTxHash(txHash string) *CrowdfundError {
	e.TxHash = &txHash
	return e
}

// New 创建新的错误
func New(errorType ErrorType, severity ErrorSeverity, code, message string) *CrowdfundError {
	return &CrowdfundError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType),
	}
}

// Wrap 包装现有错误
func Wrap(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *CrowdfundError {
	return &CrowdfundError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
		Retryable: determineRetryable(errorType),
	}
}

// determineRetryable 根据错误类型判断是否可重试
func determineRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeConnection, ErrorTypeTimeout:
		return true
	case ErrorTypeRateLimit:
		return true
	case ErrorTypeChain, ErrorTypeStoreUnavailable:
		return true
	case ErrorTypeExternalAPI, ErrorTypeKafka:
		return true
	default:
		// 合约拒绝属于业务结果，重试也不会改变
		return false
	}
}

// As 从错误链中取出CrowdfundError
func As(err error) (*CrowdfundError, bool) {
	var ce *CrowdfundError
	if stderrors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsType 判断错误链中是否包含指定类型的错误
func IsType(err error, errorType ErrorType) bool {
	for err != nil {
		var ce *CrowdfundError
		if !stderrors.As(err, &ce) {
			return false
		}
		if ce.Type == errorType {
			return true
		}
		err = ce.Cause
	}
	return false
}

// IsRejection 合约业务拒绝
func IsRejection(err error) bool {
	return IsType(err, ErrorTypeChainRejected)
}

// IsConnectivity 节点连接类错误
func IsConnectivity(err error) bool {
	return IsType(err, ErrorTypeNetwork) || IsType(err, ErrorTypeConnection)
}

// IsRetryable 判断错误链最外层的可重试标记
func IsRetryable(err error) bool {
	if ce, ok := As(err); ok {
		return ce.Retryable
	}
	return false
}

// HTTPStatus 错误类型对应的HTTP状态码
func HTTPStatus(err error) int {
	ce, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch ce.Type {
	case ErrorTypeValidation, ErrorTypeChainRejected:
		return http.StatusBadRequest
	case ErrorTypeUnauthorized:
		return http.StatusUnauthorized
	case ErrorTypeForbidden:
		return http.StatusForbidden
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeNetwork, ErrorTypeConnection, ErrorTypeChain, ErrorTypeExternalAPI, ErrorTypeStoreUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误码
const (
	CodeChainRejected    = "CHAIN_REJECTED"
	CodeChainUnavailable = "CHAIN_UNAVAILABLE"
	CodeConfirmTimeout   = "CONFIRM_TIMEOUT"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeNotFound         = "NOT_FOUND"
	CodeDuplicate        = "DUPLICATE"
	CodeValidation       = "VALIDATION_FAILED"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeExternalAPI      = "EXTERNAL_API_ERROR"
	CodeConfigInvalid    = "CONFIG_INVALID"
)

// NotFound 创建资源不存在错误
func NotFound(message string) *CrowdfundError {
	return New(ErrorTypeNotFound, SeverityLow, CodeNotFound, message)
}

// Validation 创建参数校验错误
func Validation(message string) *CrowdfundError {
	return New(ErrorTypeValidation, SeverityLow, CodeValidation, message)
}

// Unauthorized 创建认证失败错误
func Unauthorized(message string) *CrowdfundError {
	return New(ErrorTypeUnauthorized, SeverityLow, CodeUnauthorized, message)
}

// Forbidden 创建无权限错误
func Forbidden(message string) *CrowdfundError {
	return New(ErrorTypeForbidden, SeverityLow, CodeForbidden, message)
}

// StoreUnavailable 包装存储不可用错误
func StoreUnavailable(err error, message string) *CrowdfundError {
	return Wrap(err, ErrorTypeStoreUnavailable, SeverityHigh, CodeStoreUnavailable, message)
}

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeNetwork:          "Network",
	ErrorTypeConnection:       "Connection",
	ErrorTypeTimeout:          "Timeout",
	ErrorTypeRateLimit:        "RateLimit",
	ErrorTypeChain:            "Chain",
	ErrorTypeChainRejected:    "ChainRejected",
	ErrorTypeStoreUnavailable: "StoreUnavailable",
	ErrorTypeNotFound:         "NotFound",
	ErrorTypeConflict:         "Conflict",
	ErrorTypeValidation:       "Validation",
	ErrorTypeUnauthorized:     "Unauthorized",
	ErrorTypeForbidden:        "Forbidden",
	ErrorTypeSystem:           "System",
	ErrorTypeConfig:           "Config",
	ErrorTypeExternalAPI:      "ExternalAPI",
	ErrorTypeKafka:            "Kafka",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// MarshalText 统计结果以名字作为JSON键
func (et ErrorType) MarshalText() ([]byte, error) {
	return []byte(et.String()), nil
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// MarshalText 统计结果以名字作为JSON键
func (es ErrorSeverity) MarshalText() ([]byte, error) {
	return []byte(es.String()), nil
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int                   `json:"total_errors"`
	ErrorsByType      map[ErrorType]int     `json:"errors_by_type"`
	ErrorsBySeverity  map[ErrorSeverity]int `json:"errors_by_severity"`
	ErrorsByComponent map[string]int        `json:"errors_by_component"`
	RecentErrors      []*CrowdfundError     `json:"recent_errors"`
	LastError         *CrowdfundError       `json:"last_error"`
	LastErrorTime     time.Time             `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      make(map[ErrorType]int),
		ErrorsBySeverity:  make(map[ErrorSeverity]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*CrowdfundError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *CrowdfundError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type]++
	es.ErrorsBySeverity[err.Severity]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}

// GetErrorRate 获取错误率（错误/小时）
func (es *ErrorStats) GetErrorRate(duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-duration)
	recentCount := 0

	for _, err := range es.RecentErrors {
		if err.Timestamp.After(cutoff) {
			recentCount++
		}
	}

	hours := duration.Hours()
	if hours == 0 {
		return float64(recentCount)
	}

	return float64(recentCount) / hours
}

// Snapshot 复制一份统计数据
func (es *ErrorStats) Snapshot() ErrorStats {
	cp := ErrorStats{
		TotalErrors:       es.TotalErrors,
		ErrorsByType:      make(map[ErrorType]int, len(es.ErrorsByType)),
		ErrorsBySeverity:  make(map[ErrorSeverity]int, len(es.ErrorsBySeverity)),
		ErrorsByComponent: make(map[string]int, len(es.ErrorsByComponent)),
		RecentErrors:      append([]*CrowdfundError(nil), es.RecentErrors...),
		LastError:         es.LastError,
		LastErrorTime:     es.LastErrorTime,
	}
	for k, v := range es.ErrorsByType {
		cp.ErrorsByType[k] = v
	}
	for k, v := range es.ErrorsBySeverity {
		cp.ErrorsBySeverity[k] = v
	}
	for k, v := range es.ErrorsByComponent {
		cp.ErrorsByComponent[k] = v
	}
	return cp
}
