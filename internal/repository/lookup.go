package repository

// Outcome 查询结果分类
type Outcome int

const (
	NotFound Outcome = iota
	Found
	SourceError
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case NotFound:
		return "not_found"
	case SourceError:
		return "source_error"
	default:
		return "unknown"
	}
}

// Lookup 一次最新事件查询的结果，区分 “没有数据” 与 “数据源不可用”
type Lookup[T any] struct {
	Outcome Outcome
	Event   T
	Err     error
}

// FoundEvent 构造 Found 结果
func FoundEvent[T any](ev T) Lookup[T] {
	return Lookup[T]{Outcome: Found, Event: ev}
}

// Missing 构造 NotFound 结果
func Missing[T any]() Lookup[T] {
	return Lookup[T]{Outcome: NotFound}
}

// Failed 构造 SourceError 结果
func Failed[T any](err error) Lookup[T] {
	return Lookup[T]{Outcome: SourceError, Err: err}
}
