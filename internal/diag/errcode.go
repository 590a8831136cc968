package diag

import (
	"context"
	"errors"
	"net"
	"os"

	"dynquery/pkg/contract"
)

// Code 是最小错误分类代码。
// 仅用于日志/指标汇总，与退出码解耦。
type Code string

const (
	CodeUnknown   Code = "unknown"
	CodeNetwork   Code = "network"
	CodeProtocol  Code = "protocol"
	CodeInvariant Code = "invariant"
	CodeRateLimit Code = "rate_limit"
	CodeCancel    Code = "cancel"
	CodeIO        Code = "io"
	CodeStale     Code = "stale"
	CodeEnrich    Code = "enrich"
)

// Classify 将错误归为最小分类。
// 说明：仅依赖哨兵错误与标准库错误类型，不做字符串匹配。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	// 取消/超时优先
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancel
	}
	if errors.Is(err, contract.ErrStale) {
		return CodeStale
	}
	if errors.Is(err, contract.ErrRateLimited) {
		return CodeRateLimit
	}
	if errors.Is(err, contract.ErrResponseInvalid) {
		return CodeProtocol
	}
	if errors.Is(err, contract.ErrInvariantViolation) ||
		errors.Is(err, contract.ErrInvalidInput) ||
		errors.Is(err, contract.ErrPathInvalid) {
		return CodeInvariant
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	var ue contract.UpstreamError
	if errors.As(err, &ue) {
		return CodeNetwork
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return CodeNetwork
	}
	if errors.Is(err, contract.ErrEnrichFailed) {
		return CodeEnrich
	}
	return CodeUnknown
}

// Count 上报一次失败：op_total(error) 与已知分类的 error_total。
func Count(comp string, err error) Code {
	code := Classify(err)
	IncOp(comp, "error", "error")
	if code != CodeUnknown {
		IncError(comp, string(code))
	}
	return code
}
