package contract

// Op: 差异片段的操作类型。
type Op uint8

const (
	Equal Op = iota
	Insert
	Delete
)

func (o Op) String() string {
	switch o {
	case Equal:
		return "equal"
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// Segment: 两个序列间的一段极大差异片段。
// 约束：
// 1) 拼接 Equal+Delete 的 Items 可还原旧序列；
// 2) 拼接 Equal+Insert 的 Items 可还原新序列；
// 3) 相邻片段的 Op 不相同；
// 4) Equal 片段携带旧序列侧的元素。
type Segment[T any] struct {
	Op    Op
	Items []T
}

// Len 返回片段长度。
func (s Segment[T]) Len() int { return len(s.Items) }

// Reason: 变更事件类型。
type Reason uint8

const (
	Clear Reason = iota
	Add
	AddRange
	Remove
	RemoveRange
)

func (r Reason) String() string {
	switch r {
	case Clear:
		return "clear"
	case Add:
		return "add"
	case AddRange:
		return "add_range"
	case Remove:
		return "remove"
	case RemoveRange:
		return "remove_range"
	default:
		return "unknown"
	}
}

// IsAdd 报告是否为插入类事件。
func (r Reason) IsAdd() bool { return r == Add || r == AddRange }

// IsRemove 报告是否为删除类事件（不含 Clear）。
func (r Reason) IsRemove() bool { return r == Remove || r == RemoveRange }

// Change: 单条增量变更。
// 约束：
// 1) Add/Remove 恰含 1 个元素，AddRange/RemoveRange 含 >=2 个元素；
// 2) Index 假定同批次中先前事件已按序应用；
// 3) Clear 携带被清空的全部元素，Index 恒为 0。
type Change[T any] struct {
	Reason Reason
	Items  []T
	Index  int
}

// Comparer: 外部提供的元素相等判定（不必是 T 的自然相等）。
type Comparer[T any] func(a, b T) bool

// Equals 返回基于 == 的默认比较器。
func Equals[T comparable]() Comparer[T] {
	return func(a, b T) bool { return a == b }
}

// Record: 富化后的记录。Key 由富化函数给出，唯一性由物化缓存保证。
// 删除类事件中的 Record 只携带 Source（无 Key/Payload）。
type Record[T, U any] struct {
	Key     string
	Source  T
	Payload U
}

// Batch: 单次快照产生的变更批，Gen 为快照代数（自 1 单调递增）。
type Batch[T any] struct {
	Gen     uint64
	Changes []Change[T]
}

// Option: 查询行富化后的展示载荷。
type Option struct {
	Code string            `json:"code"`
	Name string            `json:"name"`
	Meta map[string]string `json:"meta,omitempty"`
}

// Entry: 流水线中物化列表的条目类型（源为查询行）。
type Entry = Record[string, Option]
