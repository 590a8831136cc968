// Package listdiff 计算两个有序序列之间的差异片段。
//
// 算法为递归公共块分治（非 LCS/Myers 网格）：
// 先剥离公共前缀与公共后缀，再在中段寻找最长公共连续块并对两侧递归。
// 相邻近似的快照（逐行编辑）通常只剩很短的中段，平均开销低。
package listdiff

import (
	"fmt"
	"slices"

	"dynquery/pkg/contract"
)

// Compare 计算 prev→next 的有序差异片段。
// 约束：
// 1) 纯函数，无副作用；同一输入与比较器下结果确定；
// 2) 对任意有限序列（含空）总能返回，不报错；
// 3) 最长公共块平局时取 prev 中最小偏移，再取 next 中最小偏移；
// 4) 相邻片段 Op 不同；Equal 片段携带 prev 侧元素。
func Compare[T any](prev, next []T, eq contract.Comparer[T]) []contract.Segment[T] {
	var out []contract.Segment[T]
	out = diff(prev, next, eq, out)
	return coalesce(out)
}

func diff[T any](prev, next []T, eq contract.Comparer[T], out []contract.Segment[T]) []contract.Segment[T] {
	// 公共前缀
	p := 0
	for p < len(prev) && p < len(next) && eq(prev[p], next[p]) {
		p++
	}
	// 公共后缀（不与前缀重叠）
	s := 0
	for s < len(prev)-p && s < len(next)-p && eq(prev[len(prev)-1-s], next[len(next)-1-s]) {
		s++
	}
	out = emit(out, contract.Equal, prev[:p])

	mo, mn := prev[p:len(prev)-s], next[p:len(next)-s]
	switch {
	case len(mo) == 0 && len(mn) == 0:
	case len(mo) == 0:
		out = emit(out, contract.Insert, mn)
	case len(mn) == 0:
		out = emit(out, contract.Delete, mo)
	default:
		oi, ni, n := longestCommon(mo, mn, eq)
		if n == 0 {
			out = emit(out, contract.Delete, mo)
			out = emit(out, contract.Insert, mn)
			break
		}
		out = diff(mo[:oi], mn[:ni], eq, out)
		out = emit(out, contract.Equal, mo[oi:oi+n])
		out = diff(mo[oi+n:], mn[ni+n:], eq, out)
	}

	return emit(out, contract.Equal, prev[len(prev)-s:])
}

// longestCommon 返回 a、b 中最长公共连续块的起点与长度；无公共块时 n=0。
// 两行滚动 DP，O(len(a)*len(b)) 时间，O(len(b)) 空间。
func longestCommon[T any](a, b []T, eq contract.Comparer[T]) (ai, bi, n int) {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := range a {
		for j := range b {
			if eq(a[i], b[j]) {
				cur[j+1] = prev[j] + 1
				// 严格大于：按遍历顺序先遇到的即为 (a 最小偏移, b 最小偏移)
				if cur[j+1] > n {
					n = cur[j+1]
					ai, bi = i-n+1, j-n+1
				}
			} else {
				cur[j+1] = 0
			}
		}
		prev, cur = cur, prev
	}
	return ai, bi, n
}

func emit[T any](out []contract.Segment[T], op contract.Op, items []T) []contract.Segment[T] {
	if len(items) == 0 {
		return out
	}
	return append(out, contract.Segment[T]{Op: op, Items: slices.Clone(items)})
}

// coalesce 合并相邻同 Op 片段，保证片段极大。
func coalesce[T any](segs []contract.Segment[T]) []contract.Segment[T] {
	if len(segs) < 2 {
		return segs
	}
	out := segs[:1]
	for _, sg := range segs[1:] {
		last := &out[len(out)-1]
		if last.Op == sg.Op {
			last.Items = append(last.Items, sg.Items...)
			continue
		}
		out = append(out, sg)
	}
	return out
}

// Verify 校验片段序列的重建不变量与极大性。
// 违例返回包装 contract.ErrInvariantViolation 的错误。
func Verify[T any](prev, next []T, segs []contract.Segment[T], eq contract.Comparer[T]) error {
	oi, ni := 0, 0
	for k, sg := range segs {
		if len(sg.Items) == 0 {
			return fmt.Errorf("%w: empty segment at %d", contract.ErrInvariantViolation, k)
		}
		if k > 0 && segs[k-1].Op == sg.Op {
			return fmt.Errorf("%w: adjacent %s segments at %d", contract.ErrInvariantViolation, sg.Op, k)
		}
		for _, it := range sg.Items {
			switch sg.Op {
			case contract.Equal:
				if oi >= len(prev) || ni >= len(next) || !eq(prev[oi], it) || !eq(next[ni], it) {
					return fmt.Errorf("%w: equal segment mismatch at prev=%d next=%d", contract.ErrInvariantViolation, oi, ni)
				}
				oi++
				ni++
			case contract.Delete:
				if oi >= len(prev) || !eq(prev[oi], it) {
					return fmt.Errorf("%w: delete segment mismatch at prev=%d", contract.ErrInvariantViolation, oi)
				}
				oi++
			case contract.Insert:
				if ni >= len(next) || !eq(next[ni], it) {
					return fmt.Errorf("%w: insert segment mismatch at next=%d", contract.ErrInvariantViolation, ni)
				}
				ni++
			default:
				return fmt.Errorf("%w: unknown op %d", contract.ErrInvariantViolation, sg.Op)
			}
		}
	}
	if oi != len(prev) || ni != len(next) {
		return fmt.Errorf("%w: coverage prev=%d/%d next=%d/%d", contract.ErrInvariantViolation, oi, len(prev), ni, len(next))
	}
	return nil
}
