package contract

import (
	"errors"
	"fmt"
)

// 最小错误分类（用于上层策略判定与日志归类）。
var (
	// ErrInvalidInput: 输入非法（选项、参数、令牌请求等）。
	ErrInvalidInput = errors.New("invalid input")
	// ErrRateLimited: 上游限流或本地闸门拒绝。
	ErrRateLimited = errors.New("rate limited")
	// ErrResponseInvalid: 上游响应无法解析或不满足约定。
	ErrResponseInvalid = errors.New("response invalid")
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrStale: 结果所属代数已被新快照取代。
	ErrStale = errors.New("stale generation")
	// ErrEnrichFailed: 单项富化失败。
	ErrEnrichFailed = errors.New("enrich failed")
)

// ItemError 描述某个事件内单项富化失败。
type ItemError struct {
	Gen   uint64
	Index int
	Item  any
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("enrich gen=%d index=%d item=%v: %v", e.Gen, e.Index, e.Item, e.Err)
}

func (e *ItemError) Unwrap() []error { return []error{ErrEnrichFailed, e.Err} }
