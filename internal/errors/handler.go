package errors

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorHandler 错误处理器
// 集中记录流水线和节点产生的类型化错误，按严重级别决定日志级别
type ErrorHandler struct {
	logger *logrus.Logger
	stats  *ErrorStats
	mu     sync.RWMutex

	// 错误回调
	callbacks []ErrorCallback
}

// ErrorCallback 错误回调函数
type ErrorCallback func(err *SeismicError)

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger:    logger,
		stats:     NewErrorStats(),
		callbacks: make([]ErrorCallback, 0),
	}
}

// AddCallback 注册错误回调
func (eh *ErrorHandler) AddCallback(cb ErrorCallback) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.callbacks = append(eh.callbacks, cb)
}

// Handle 处理一个类型化错误
func (eh *ErrorHandler) Handle(err *SeismicError) {
	if err == nil {
		return
	}

	eh.mu.Lock()
	eh.stats.RecordError(err)
	callbacks := make([]ErrorCallback, len(eh.callbacks))
	copy(callbacks, eh.callbacks)
	eh.mu.Unlock()

	entry := eh.logger.WithFields(logrus.Fields{
		"error_type": err.Type.String(),
		"code":       err.Code,
		"severity":   err.Severity.String(),
		"retryable":  err.Retryable,
		"component":  err.Component,
	})
	if err.Broadcast != BroadcastStateNone {
		entry = entry.WithField("broadcast_state", err.Broadcast.String())
	}
	if err.TxHash != nil {
		entry = entry.WithField("tx_hash", *err.TxHash)
	}

	switch err.Severity {
	case SeverityCritical:
		entry.Errorf("严重错误: %v", err)
	case SeverityHigh:
		entry.Errorf("错误: %v", err)
	case SeverityMedium:
		entry.Warnf("警告: %v", err)
	default:
		entry.Infof("低级别错误: %v", err)
	}

	for _, cb := range callbacks {
		cb(err)
	}
}

// Stats 返回错误统计快照
func (eh *ErrorHandler) Stats() *ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()
	return eh.stats
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors      int                   `json:"total_errors"`
	ErrorsByType     map[ErrorType]int     `json:"errors_by_type"`
	ErrorsBySeverity map[ErrorSeverity]int `json:"errors_by_severity"`
	RecentErrors     []*SeismicError       `json:"recent_errors"`
	LastError        *SeismicError         `json:"last_error"`
	LastErrorTime    time.Time             `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:     make(map[ErrorType]int),
		ErrorsBySeverity: make(map[ErrorSeverity]int),
		RecentErrors:     make([]*SeismicError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *SeismicError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type]++
	es.ErrorsBySeverity[err.Severity]++

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}
