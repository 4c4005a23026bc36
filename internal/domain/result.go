package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEnvelope 信封参数不合法
	ErrInvalidEnvelope = errors.New("invalid envelope recipient")
	// ErrBandwidthExceeded 超出流量配额
	ErrBandwidthExceeded = errors.New("bandwidth limit exceeded")
	// ErrRateLimited 超出每小时发送限制
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrNewAliasLimit 超出每小时新建别名限制
	ErrNewAliasLimit = errors.New("new aliases per hour limit exceeded")
)

// FatalKind 致命失败的类型
type FatalKind int

const (
	FatalInternal FatalKind = iota
	FatalBandwidth
	FatalRateLimit
	FatalNewAliasLimit
)

// FatalError 终止整个投递过程的错误，MTA 应稍后重试
type FatalError struct {
	Kind FatalKind
	Err  error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return e.StatusLine()
	}
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error { return e.Err }

// StatusLine 返回给上游 MTA 的增强状态码文本
func (e *FatalError) StatusLine() string {
	switch e.Kind {
	case FatalBandwidth:
		return "4.2.1 Bandwidth limit exceeded for user. Please try again later."
	case FatalRateLimit:
		return "4.2.1 Rate limit exceeded for user. Please try again later."
	case FatalNewAliasLimit:
		return "4.2.1 New aliases per hour limit exceeded for user."
	default:
		return "4.3.0 An error has occurred, please try again later."
	}
}

// NewFatal 根据错误类型构造 FatalError
func NewFatal(err error) *FatalError {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe
	}
	kind := FatalInternal
	switch {
	case errors.Is(err, ErrBandwidthExceeded):
		kind = FatalBandwidth
	case errors.Is(err, ErrRateLimited):
		kind = FatalRateLimit
	case errors.Is(err, ErrNewAliasLimit):
		kind = FatalNewAliasLimit
	}
	return &FatalError{Kind: kind, Err: err}
}

// Status 一次投递的最终状态
type Status int

const (
	StatusSuccess Status = iota
	StatusSkipped
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusSkipped:
		return "skipped"
	default:
		return "fatal"
	}
}

// Result 路由结果，在进程边界统一映射为退出码与状态行
type Result struct {
	Status Status
	Reason string
	Fatal  *FatalError
}

// Success 正常完成
func Success() Result { return Result{Status: StatusSuccess} }

// Skip 静默跳过，不视为错误
func Skip(format string, args ...any) Result {
	return Result{Status: StatusSkipped, Reason: fmt.Sprintf(format, args...)}
}

// Fatal 致命失败
func Fatal(err error) Result {
	return Result{Status: StatusFatal, Fatal: NewFatal(err), Reason: err.Error()}
}

// ExitCode 进程退出码
func (r Result) ExitCode() int {
	if r.Status == StatusFatal {
		return 1
	}
	return 0
}

// StatusLine 需要输出给 MTA 的状态行，成功时为空
func (r Result) StatusLine() string {
	if r.Status != StatusFatal || r.Fatal == nil {
		return ""
	}
	return r.Fatal.StatusLine()
}
