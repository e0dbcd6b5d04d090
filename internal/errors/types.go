package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode 错误码类型
type ErrorCode string

// 预定义错误码
const (
	// 配置错误（致命，立即返回）
	ErrCodeInvalidConfiguration ErrorCode = "INVALID_CONFIGURATION"

	// 模式错误（致命，不自动修复）
	ErrCodeDimensionMismatch  ErrorCode = "DIMENSION_MISMATCH"
	ErrCodeCollectionConflict ErrorCode = "COLLECTION_CONFLICT"

	// 外部服务错误（可重试）
	ErrCodeEmbeddingUnavailable ErrorCode = "EMBEDDING_UNAVAILABLE"
	ErrCodeStoreUnavailable     ErrorCode = "STORE_UNAVAILABLE"
	ErrCodeExternalService      ErrorCode = "EXTERNAL_SERVICE_ERROR"

	// 业务错误
	ErrCodeIngestionFailed ErrorCode = "INGESTION_FAILED"
	ErrCodeNoInformation   ErrorCode = "NO_INFORMATION"
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
)

// ErrorType 错误类型
type ErrorType int

const (
	ErrorTypeSystem ErrorType = iota
	ErrorTypeBusiness
	ErrorTypeValidation
	ErrorTypeExternal
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeBusiness:
		return "business"
	case ErrorTypeValidation:
		return "validation"
	case ErrorTypeExternal:
		return "external"
	default:
		return "system"
	}
}

// 哨兵错误，用于 errors.Is 按错误码匹配
var (
	ErrInvalidConfiguration = &AppError{Code: ErrCodeInvalidConfiguration, Type: ErrorTypeValidation}
	ErrDimensionMismatch    = &AppError{Code: ErrCodeDimensionMismatch, Type: ErrorTypeSystem}
	ErrCollectionConflict   = &AppError{Code: ErrCodeCollectionConflict, Type: ErrorTypeSystem}
	ErrEmbeddingUnavailable = &AppError{Code: ErrCodeEmbeddingUnavailable, Type: ErrorTypeExternal}
	ErrStoreUnavailable     = &AppError{Code: ErrCodeStoreUnavailable, Type: ErrorTypeExternal}
	ErrExternalService      = &AppError{Code: ErrCodeExternalService, Type: ErrorTypeExternal}
	ErrIngestionFailed      = &AppError{Code: ErrCodeIngestionFailed, Type: ErrorTypeBusiness}
	ErrNoInformation        = &AppError{Code: ErrCodeNoInformation, Type: ErrorTypeBusiness}
	ErrNotFound             = &AppError{Code: ErrCodeNotFound, Type: ErrorTypeBusiness}
)

// AppError 应用错误结构体
type AppError struct {
	Code      ErrorCode   `json:"code"`
	Message   string      `json:"message"`
	Type      ErrorType   `json:"type"`
	Details   interface{} `json:"details,omitempty"`
	Cause     error       `json:"-"`
	Transient bool        `json:"-"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap 返回底层错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is 按错误码比较，使哨兵错误可以匹配任意同码错误
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails 添加错误详情
func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

// WithCause 添加错误原因
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// 错误构造函数

// NewInvalidConfiguration 创建配置错误
func NewInvalidConfiguration(format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    ErrCodeInvalidConfiguration,
		Message: fmt.Sprintf(format, args...),
		Type:    ErrorTypeValidation,
	}
}

// NewDimensionMismatch 创建向量维度不一致错误
func NewDimensionMismatch(expected, actual int) *AppError {
	return &AppError{
		Code:    ErrCodeDimensionMismatch,
		Message: fmt.Sprintf("dimension mismatch: expected %d, got %d", expected, actual),
		Type:    ErrorTypeSystem,
		Details: map[string]int{"expected": expected, "actual": actual},
	}
}

// NewCollectionConflict 创建集合模式冲突错误
func NewCollectionConflict(name, reason string) *AppError {
	return &AppError{
		Code:    ErrCodeCollectionConflict,
		Message: fmt.Sprintf("collection %q conflicts with requested schema: %s", name, reason),
		Type:    ErrorTypeSystem,
	}
}

// NewEmbeddingUnavailable 创建嵌入服务不可用错误
func NewEmbeddingUnavailable(cause error) *AppError {
	return &AppError{
		Code:      ErrCodeEmbeddingUnavailable,
		Message:   "embedding provider unavailable",
		Type:      ErrorTypeExternal,
		Cause:     cause,
		Transient: true,
	}
}

// NewStoreUnavailable 创建向量存储不可用错误
func NewStoreUnavailable(op string, cause error) *AppError {
	return &AppError{
		Code:      ErrCodeStoreUnavailable,
		Message:   fmt.Sprintf("vector store unavailable during %s", op),
		Type:      ErrorTypeExternal,
		Cause:     cause,
		Transient: true,
	}
}

// NewExternalServiceError 创建外部服务错误
func NewExternalServiceError(service string, cause error) *AppError {
	return &AppError{
		Code:    ErrCodeExternalService,
		Message: fmt.Sprintf("%s request failed", service),
		Type:    ErrorTypeExternal,
		Cause:   cause,
	}
}

// NewIngestionFailed 创建单文档入库失败错误
func NewIngestionFailed(source string, cause error) *AppError {
	return &AppError{
		Code:    ErrCodeIngestionFailed,
		Message: fmt.Sprintf("ingest %s", source),
		Type:    ErrorTypeBusiness,
		Cause:   cause,
	}
}

// NewNotFound 创建资源不存在错误
func NewNotFound(resource, name string) *AppError {
	return &AppError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s %q not found", resource, name),
		Type:    ErrorTypeBusiness,
	}
}

// Transient 标记错误为可重试
func Transient(err error) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) && appErr.Transient {
		return err
	}
	return &transientError{err: err}
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// IsTransient 检查错误是否可重试
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *transientError
	if stderrors.As(err, &te) {
		return true
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Transient
	}
	return false
}

// IsAppError 检查是否为AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError 获取AppError，如果不是则包装为系统错误
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return &AppError{
		Code:    ErrCodeExternalService,
		Message: "internal error",
		Type:    ErrorTypeSystem,
		Cause:   err,
	}
}

// CodeOf 返回错误链中第一个AppError的错误码
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
