// Package materialize 维护按键去重的物化列表，是核心中唯一的长期可变状态。
package materialize

import (
	"sync"

	"dynquery/pkg/contract"
)

// entry: 物化条目及引用它的源元素（首个为原始来源，其后为同键别名）。
type entry[T, U any] struct {
	key     string
	payload U
	refs    []T
}

// Cache: 物化列表缓存。所有方法串行执行（单写者）。
// 约束：
// 1) Add/AddRange 按元素顺序追加；键已存在时丢弃新记录（先到者保留），源元素记为该条目的别名；
// 2) Remove/RemoveRange 按比较器在条目引用中定位源元素，移除该引用；无引用时删除条目；
// 3) 删除不存在的元素为 no-op；
// 4) Clear 清空；
// 5) 去重仅针对当前存活条目：键被完全移除后可再次加入。
type Cache[T, U any] struct {
	mu      sync.Mutex
	eq      contract.Comparer[T]
	entries []*entry[T, U]
	byKey   map[string]*entry[T, U]
	stats   Stats
}

// Stats: 累计计数（诊断用）。
type Stats struct {
	Added      int
	Duplicates int
	Removed    int
	Missed     int
	Clears     int
}

// New 构造空缓存；eq 用于删除时匹配源元素。
func New[T, U any](eq contract.Comparer[T]) *Cache[T, U] {
	return &Cache[T, U]{eq: eq, byKey: make(map[string]*entry[T, U])}
}

// Apply 依序应用事件并返回应用后的只读快照。
func (c *Cache[T, U]) Apply(changes []contract.Change[contract.Record[T, U]]) []contract.Record[T, U] {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range changes {
		switch {
		case ch.Reason == contract.Clear:
			c.entries = nil
			clear(c.byKey)
			c.stats.Clears++
		case ch.Reason.IsAdd():
			for _, r := range ch.Items {
				c.add(r)
			}
		case ch.Reason.IsRemove():
			for _, r := range ch.Items {
				c.remove(r.Source)
			}
		}
	}
	return c.snapshotLocked()
}

func (c *Cache[T, U]) add(r contract.Record[T, U]) {
	if e, ok := c.byKey[r.Key]; ok {
		e.refs = append(e.refs, r.Source)
		c.stats.Duplicates++
		return
	}
	e := &entry[T, U]{key: r.Key, payload: r.Payload, refs: []T{r.Source}}
	c.entries = append(c.entries, e)
	c.byKey[r.Key] = e
	c.stats.Added++
}

func (c *Cache[T, U]) remove(src T) {
	for i, e := range c.entries {
		for j, ref := range e.refs {
			if !c.eq(ref, src) {
				continue
			}
			e.refs = append(e.refs[:j], e.refs[j+1:]...)
			if len(e.refs) == 0 {
				c.entries = append(c.entries[:i], c.entries[i+1:]...)
				delete(c.byKey, e.key)
			}
			c.stats.Removed++
			return
		}
	}
	c.stats.Missed++
}

// Snapshot 返回当前物化列表的只读副本。
func (c *Cache[T, U]) Snapshot() []contract.Record[T, U] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Cache[T, U]) snapshotLocked() []contract.Record[T, U] {
	out := make([]contract.Record[T, U], len(c.entries))
	for i, e := range c.entries {
		out[i] = contract.Record[T, U]{Key: e.key, Source: e.refs[0], Payload: e.payload}
	}
	return out
}

// Len 返回当前条目数。
func (c *Cache[T, U]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats 返回累计计数。
func (c *Cache[T, U]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
