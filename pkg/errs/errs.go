// 文件: pkg/errs/errs.go
// 估值服务统一的错误种类
//
// 【约定】
// - 每一种错误是一个哨兵值 (sentinel)，调用方用 errors.Is 判断种类
// - 具体的上下文信息通过 fmt.Errorf("%w") 包装，不新建类型
// - HTTP 层只根据种类映射状态码，不解析错误文本

package errs

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrValidation 输入不合法 (非有限数、负价格、非法置信度...)
	ErrValidation = errors.New("validation error")

	// ErrNotFound 引用的对象不存在
	ErrNotFound = errors.New("not found")

	// ErrInstrumentNotFound 合约不存在 (属于 ErrNotFound)
	ErrInstrumentNotFound = fmt.Errorf("instrument %w", ErrNotFound)

	// ErrPositionNotFound 仓位不存在 (属于 ErrNotFound)
	ErrPositionNotFound = fmt.Errorf("position %w", ErrNotFound)

	// ErrConflict 与当前状态冲突，例如删除仍有持仓的合约
	ErrConflict = errors.New("conflict")

	// ErrUnsupportedInstrument 模型不支持该合约 (例如 BS 定价美式期权)
	ErrUnsupportedInstrument = errors.New("unsupported instrument")

	// ErrComputation 数值计算失败 (NaN / Inf / 不收敛)
	ErrComputation = errors.New("computation error")

	// ErrUpstreamUnavailable 行情源不可用或合约未定价
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrCancelled 调用方取消或超时
	ErrCancelled = errors.New("cancelled")

	// ErrOverloaded 计算队列已满
	ErrOverloaded = errors.New("overloaded")
)

// Validation 构造一个校验错误
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Computation 构造一个计算错误
func Computation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrComputation, fmt.Sprintf(format, args...))
}

// Unsupported 构造一个不支持错误
func Unsupported(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedInstrument, fmt.Sprintf(format, args...))
}

// Upstream 构造一个上游不可用错误
func Upstream(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUpstreamUnavailable, fmt.Sprintf(format, args...))
}

// Conflict 构造一个冲突错误
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// FromContext 把 ctx 的错误转换为 ErrCancelled，ctx 仍然有效时返回 nil
func FromContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return nil
}

// Kind 返回错误所属的种类 (哨兵值)，未识别时返回 nil
func Kind(err error) error {
	for _, k := range []error{
		ErrValidation,
		ErrNotFound,
		ErrConflict,
		ErrUnsupportedInstrument,
		ErrComputation,
		ErrUpstreamUnavailable,
		ErrCancelled,
		ErrOverloaded,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrCancelled
	}
	return nil
}
