package errors

import (
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 传输层错误（RPC不可达、响应畸形）
	ErrorTypeTransport ErrorType = iota
	ErrorTypeConnection
	ErrorTypeTimeout

	// 密码学错误
	ErrorTypeCrypto
	ErrorTypeInvalidKey
	ErrorTypeAuthentication

	// 协议校验错误（节点在执行前拒绝）
	ErrorTypeProtocol
	ErrorTypeIncompleteElements
	ErrorTypeStaleBlockHash
	ErrorTypeExpired
	ErrorTypeSenderMismatch
	ErrorTypeCreationShielded

	// 执行期语义错误（标准EVM revert语义）
	ErrorTypeSemantic
	ErrorTypeReverted

	// 系统相关错误
	ErrorTypeSystem
	ErrorTypeConfig
	ErrorTypeStorage

	// 外部服务错误
	ErrorTypeKafka
	ErrorTypeDatabase
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// BroadcastState 提交失败时的广播状态
// 区分"从未广播"（可以用同一nonce安全重试）和"已广播但结果未知"
// （重试前必须先查链上状态，避免重复提交）
type BroadcastState int

const (
	BroadcastStateNone BroadcastState = iota // 尚未进入广播阶段
	BroadcastNever                           // 确定未广播
	BroadcastUnknown                         // 已发出但结果未知
)

// SeismicError 自定义错误类型
type SeismicError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"cause,omitempty"`
	Retryable bool                   `json:"retryable"`
	Component string                 `json:"component"`
	Broadcast BroadcastState         `json:"broadcast_state"`
	TxHash    *string                `json:"tx_hash,omitempty"`
}

// Error 实现error接口
func (e *SeismicError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *SeismicError) Unwrap() error {
	return e.Cause
}

// IsRetryable 判断是否可重试
// 密码学和协议校验错误永远不可重试：它们不会被静默恢复，
// 必须中止操作并把类型化错误交给调用方
func (e *SeismicError) IsRetryable() bool {
	return e.Retryable && e.Broadcast != BroadcastUnknown
}

// WithContext 添加上下文信息
func (e *SeismicError) WithContext(key string, value interface{}) *SeismicError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithBroadcastState 标记广播状态
func (e *SeismicError) WithBroadcastState(state BroadcastState) *SeismicError {
	e.Broadcast = state
	return e
}

// WithTxHash 添加交易哈希
func (e *SeismicError) WithTxHash(txHash string) *SeismicError {
	e.TxHash = &txHash
	return e
}

// NewSeismicError 创建新的错误
func NewSeismicError(errorType ErrorType, severity ErrorSeverity, code, message string) *SeismicError {
	return &SeismicError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *SeismicError {
	return &SeismicError{
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
// 只有传输层和外部服务错误可以重试，而且重试策略属于调用方，
// 流水线自身不做重试/退避
func determineRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeTransport, ErrorTypeConnection, ErrorTypeTimeout:
		return true
	case ErrorTypeKafka, ErrorTypeDatabase:
		return true
	default:
		return false
	}
}

// NewRPCUnreachable RPC节点不可达
func NewRPCUnreachable(cause error) *SeismicError {
	return WrapError(cause, ErrorTypeConnection, SeverityHigh, "RPC_UNREACHABLE", "RPC节点不可达")
}

// NewMalformedResponse RPC响应格式错误
func NewMalformedResponse(cause error) *SeismicError {
	return WrapError(cause, ErrorTypeTransport, SeverityMedium, "MALFORMED_RESPONSE", "RPC响应格式错误")
}

// NewInvalidPublicKey 无效的公钥（在任何密码学运算前拒绝）
func NewInvalidPublicKey(cause error) *SeismicError {
	return WrapError(cause, ErrorTypeInvalidKey, SeverityHigh, "INVALID_PUBLIC_KEY", "无效的公钥")
}

// NewAEADAuthentication AEAD认证失败（硬错误，不返回任何明文）
func NewAEADAuthentication(cause error) *SeismicError {
	return WrapError(cause, ErrorTypeAuthentication, SeverityCritical, "AEAD_AUTH_FAILED", "AEAD认证标签校验失败")
}

// 预定义协议校验错误
var (
	ErrIncompleteElements = NewSeismicError(ErrorTypeIncompleteElements, SeverityHigh, "INCOMPLETE_ELEMENTS", "0x4A信封的加密要素不完整")
	ErrElementsOnLegacy   = NewSeismicError(ErrorTypeProtocol, SeverityHigh, "ELEMENTS_ON_LEGACY", "非0x4A信封携带了加密要素")
	ErrStaleBlockHash     = NewSeismicError(ErrorTypeStaleBlockHash, SeverityMedium, "STALE_BLOCK_HASH", "recent_block_hash超出新鲜度窗口")
	ErrTransactionExpired = NewSeismicError(ErrorTypeExpired, SeverityMedium, "TX_EXPIRED", "交易已超过过期区块高度")
	ErrCreationShielded   = NewSeismicError(ErrorTypeCreationShielded, SeverityHigh, "CREATION_SHIELDED", "合约创建交易不支持加密要素")
	ErrPrivateSlot        = NewSeismicError(ErrorTypeStorage, SeverityLow, "PRIVATE_SLOT", "目标存储槽为私有，外部读取被拒绝")
	ErrConfigInvalid      = NewSeismicError(ErrorTypeConfig, SeverityCritical, "CONFIG_INVALID", "配置无效")
)

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeTransport:          "Transport",
	ErrorTypeConnection:         "Connection",
	ErrorTypeTimeout:            "Timeout",
	ErrorTypeCrypto:             "Crypto",
	ErrorTypeInvalidKey:         "InvalidKey",
	ErrorTypeAuthentication:     "Authentication",
	ErrorTypeProtocol:           "Protocol",
	ErrorTypeIncompleteElements: "IncompleteElements",
	ErrorTypeStaleBlockHash:     "StaleBlockHash",
	ErrorTypeExpired:            "Expired",
	ErrorTypeSenderMismatch:     "SenderMismatch",
	ErrorTypeCreationShielded:   "CreationShielded",
	ErrorTypeSemantic:           "Semantic",
	ErrorTypeReverted:           "Reverted",
	ErrorTypeSystem:             "System",
	ErrorTypeConfig:             "Config",
	ErrorTypeStorage:            "Storage",
	ErrorTypeKafka:              "Kafka",
	ErrorTypeDatabase:           "Database",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
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

// 广播状态字符串映射
var broadcastStateNames = map[BroadcastState]string{
	BroadcastStateNone: "None",
	BroadcastNever:     "NeverBroadcast",
	BroadcastUnknown:   "BroadcastUnknown",
}

// String 返回广播状态的字符串表示
func (bs BroadcastState) String() string {
	if name, exists := broadcastStateNames[bs]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", bs)
}
