// Package tracker 将全量快照流折叠为增量变更事件流。
package tracker

import (
	"slices"

	"dynquery/pkg/changeset"
	"dynquery/pkg/contract"
	"dynquery/pkg/listdiff"
)

// Phase: 跟踪器逻辑状态。
type Phase uint8

const (
	Empty Phase = iota
	NonEmpty
)

func (p Phase) String() string {
	if p == NonEmpty {
		return "non_empty"
	}
	return "empty"
}

// State: 不可变的跟踪状态（上一快照的私有副本）。零值即初始空状态。
type State[T any] struct {
	prev []T
}

// NewState 以 seed 为基线构造状态（复制 seed）。
func NewState[T any](seed []T) State[T] {
	return State[T]{prev: slices.Clone(seed)}
}

// Previous 返回上一快照的副本。
func (s State[T]) Previous() []T { return slices.Clone(s.prev) }

// Len 返回上一快照长度。
func (s State[T]) Len() int { return len(s.prev) }

// Phase 返回当前逻辑状态。
func (s State[T]) Phase() Phase {
	if len(s.prev) == 0 {
		return Empty
	}
	return NonEmpty
}

// Step 为纯归约：(state, next) → (state', changes)。
// 约束：
// 1) next 为空且上一快照非空：单条 Clear 携带上一快照全部元素，不跑 diff；
// 2) 否则 Compare → Verify → Translate；
// 3) 无论走哪条路径 state' 均为 next 的副本；
// 4) 片段重建不变量被破坏视为程序错误，直接 panic（错误包装 contract.ErrInvariantViolation）。
func Step[T any](s State[T], next []T, eq contract.Comparer[T]) (State[T], []contract.Change[T]) {
	snap := slices.Clone(next)
	if len(snap) == 0 && len(s.prev) > 0 {
		return State[T]{}, []contract.Change[T]{{Reason: contract.Clear, Items: slices.Clone(s.prev), Index: 0}}
	}
	segs := listdiff.Compare(s.prev, snap, eq)
	if err := listdiff.Verify(s.prev, snap, segs, eq); err != nil {
		panic(err)
	}
	return State[T]{prev: snap}, changeset.Translate(segs)
}

// Tracker 为 Step 的有状态包装；非并发安全，由单一协调者驱动。
type Tracker[T any] struct {
	st State[T]
	eq contract.Comparer[T]
}

// New 以比较器 eq 构造空跟踪器。
func New[T any](eq contract.Comparer[T]) *Tracker[T] {
	return &Tracker[T]{eq: eq}
}

// Push 折叠一个新快照，返回相对上一快照的事件。
func (t *Tracker[T]) Push(next []T) []contract.Change[T] {
	var out []contract.Change[T]
	t.st, out = Step(t.st, next, t.eq)
	return out
}

// Rebase 将基线重置为 prev（例如丢弃被取代批次后回退到最后已提交快照）。
func (t *Tracker[T]) Rebase(prev []T) { t.st = NewState(prev) }

// Previous 返回当前基线的副本。
func (t *Tracker[T]) Previous() []T { return t.st.Previous() }

// State 返回当前状态。
func (t *Tracker[T]) State() State[T] { return t.st }
