package venue

import (
	"context"
	"errors"
	"fmt"
	"net"

	"alpha-engine/internal/pool"
	"alpha-engine/internal/session"
)

// Kind 标识错误的处理类别，上层据此决定重试、跳过或终止。
type Kind int

const (
	KindUnknown Kind = iota
	// KindResourceUnavailable 表示传输资源不可得，当轮跳过该账户。
	KindResourceUnavailable
	// KindAuthInvalid 表示会话失效，当轮内不得用同一会话重试。
	KindAuthInvalid
	// KindThrottled 表示远端限频，可在预算内重试。
	KindThrottled
	// KindTransient 表示网络或超时类瞬时失败，可在预算内重试。
	KindTransient
	// KindTerminal 表示业务上已终结（已领取、不符合条件、订单被拒等），禁止重试。
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindResourceUnavailable:
		return "resource_unavailable"
	case KindAuthInvalid:
		return "auth_invalid"
	case KindThrottled:
		return "throttled"
	case KindTransient:
		return "transient"
	case KindTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Error 携带错误类别与发生位置。
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E 构造带类别的错误。
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf 构造带类别与格式化消息的错误。
func Errorf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf 归类任意错误。协作方的哨兵错误与网络错误都会被映射到统一的类别。
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	if errors.Is(err, pool.ErrUnavailable) {
		return KindResourceUnavailable
	}
	if errors.Is(err, session.ErrAuthInvalid) {
		return KindAuthInvalid
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	return KindUnknown
}

// IsRetryable 判断错误是否可在重试预算内重试。
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindThrottled, KindTransient:
		return true
	default:
		return false
	}
}
