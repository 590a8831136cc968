// Package changeset 将差异片段翻译为带位置的增量变更事件。
package changeset

import (
	"slices"

	"dynquery/pkg/contract"
)

// Translate 按片段顺序生成变更事件。
// 约束：
// 1) position 自 0 起；Equal 仅推进 position，不产出事件；
// 2) Insert 在 position 处产出 Add（单项）或 AddRange，随后推进 position；
// 3) Delete 在 position 处产出 Remove（单项）或 RemoveRange，position 不推进；
// 4) 事件顺序即片段顺序，后续事件的 Index 假定先前事件已应用。
func Translate[T any](segs []contract.Segment[T]) []contract.Change[T] {
	var out []contract.Change[T]
	pos := 0
	for _, sg := range segs {
		n := len(sg.Items)
		if n == 0 {
			continue
		}
		switch sg.Op {
		case contract.Equal:
			pos += n
		case contract.Insert:
			r := contract.AddRange
			if n == 1 {
				r = contract.Add
			}
			out = append(out, contract.Change[T]{Reason: r, Items: slices.Clone(sg.Items), Index: pos})
			pos += n
		case contract.Delete:
			r := contract.RemoveRange
			if n == 1 {
				r = contract.Remove
			}
			out = append(out, contract.Change[T]{Reason: r, Items: slices.Clone(sg.Items), Index: pos})
		}
	}
	return out
}

// Apply 将事件依次位置性地应用到 list 的副本上并返回结果。
// 越界 Index 会被夹到合法范围；不会 panic。
func Apply[T any](list []T, changes []contract.Change[T]) []T {
	out := slices.Clone(list)
	for _, c := range changes {
		switch {
		case c.Reason == contract.Clear:
			out = out[:0]
		case c.Reason.IsAdd():
			at := clamp(c.Index, 0, len(out))
			out = slices.Insert(out, at, c.Items...)
		case c.Reason.IsRemove():
			at := clamp(c.Index, 0, len(out))
			end := clamp(at+len(c.Items), at, len(out))
			out = slices.Delete(out, at, end)
		}
	}
	return out
}

// Stats 为一批事件的计数摘要（用于日志/指标）。
type Stats struct {
	Events  int
	Added   int
	Removed int
	Cleared int
}

// Summary 统计事件中新增/删除/清空的元素数。
func Summary[T any](changes []contract.Change[T]) Stats {
	st := Stats{Events: len(changes)}
	for _, c := range changes {
		switch {
		case c.Reason == contract.Clear:
			st.Cleared += len(c.Items)
		case c.Reason.IsAdd():
			st.Added += len(c.Items)
		case c.Reason.IsRemove():
			st.Removed += len(c.Items)
		}
	}
	return st
}

// Map 将事件元素类型 T 映射为 U，保持 Reason 与 Index 不变。
func Map[T, U any](changes []contract.Change[T], f func(T) U) []contract.Change[U] {
	out := make([]contract.Change[U], 0, len(changes))
	for _, c := range changes {
		items := make([]U, len(c.Items))
		for i, it := range c.Items {
			items[i] = f(it)
		}
		out = append(out, contract.Change[U]{Reason: c.Reason, Items: items, Index: c.Index})
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
