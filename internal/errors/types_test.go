package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewSeismicError(t *testing.T) {
	err := NewSeismicError(ErrorTypeTransport, SeverityHigh, "TEST_ERROR", "测试错误")

	assert.NotNil(t, err)
	assert.Equal(t, ErrorTypeTransport, err.Type)
	assert.Equal(t, SeverityHigh, err.Severity)
	assert.Equal(t, "TEST_ERROR", err.Code)
	assert.Equal(t, "测试错误", err.Message)
	assert.True(t, err.Retryable) // 传输层错误默认可重试
	assert.False(t, err.Timestamp.IsZero())
}

func TestWrapError(t *testing.T) {
	originalErr := errors.New("原始错误")
	wrappedErr := WrapError(originalErr, ErrorTypeSystem, SeverityMedium, "WRAPPED_ERROR", "包装错误")

	assert.NotNil(t, wrappedErr)
	assert.Equal(t, ErrorTypeSystem, wrappedErr.Type)
	assert.Equal(t, originalErr, wrappedErr.Cause)
	assert.Contains(t, wrappedErr.Error(), "原始错误")
	assert.True(t, errors.Is(wrappedErr, originalErr))
}

func TestCryptoErrorsNeverRetryable(t *testing.T) {
	// 密码学和协议校验错误不可重试
	assert.False(t, NewAEADAuthentication(nil).IsRetryable())
	assert.False(t, NewInvalidPublicKey(nil).IsRetryable())
	assert.False(t, ErrStaleBlockHash.IsRetryable())
	assert.False(t, ErrTransactionExpired.IsRetryable())
	assert.False(t, ErrCreationShielded.IsRetryable())
}

func TestBroadcastStateBlocksRetry(t *testing.T) {
	// 传输错误本身可重试
	err := NewRPCUnreachable(errors.New("connection refused"))
	assert.True(t, err.IsRetryable())

	// 但广播结果未知时必须先查链上状态，不允许直接重试
	err = err.WithBroadcastState(BroadcastUnknown)
	assert.False(t, err.IsRetryable())

	// 确定未广播则可以带同一nonce安全重试
	err2 := NewRPCUnreachable(errors.New("connection refused")).WithBroadcastState(BroadcastNever)
	assert.True(t, err2.IsRetryable())
}

func TestErrorTypeString(t *testing.T) {
	assert.Equal(t, "Authentication", ErrorTypeAuthentication.String())
	assert.Equal(t, "StaleBlockHash", ErrorTypeStaleBlockHash.String())
	assert.Equal(t, "Unknown(999)", ErrorType(999).String())
}

func TestErrorStats(t *testing.T) {
	stats := NewErrorStats()
	stats.RecordError(NewSeismicError(ErrorTypeTimeout, SeverityMedium, "T1", "超时"))
	stats.RecordError(NewSeismicError(ErrorTypeTimeout, SeverityMedium, "T2", "超时"))

	assert.Equal(t, 2, stats.TotalErrors)
	assert.Equal(t, 2, stats.ErrorsByType[ErrorTypeTimeout])
	assert.Equal(t, "T2", stats.LastError.Code)
}
