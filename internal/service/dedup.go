package service

import (
	"sync"

	"github.com/langchou/tesnotify/internal/models"
)

// Dedup 记录每种事件最后一次成功通知的 ID，仅保存在进程内存中
type Dedup struct {
	mu   sync.RWMutex
	last map[models.Kind]*int64
}

// NewDedup 为给定事件类型创建去重槽位，初始为空。
// 未登记的类型在首次 Advance 时自动建槽。
func NewDedup(kinds ...models.Kind) *Dedup {
	d := &Dedup{last: make(map[models.Kind]*int64, len(kinds))}
	for _, kind := range kinds {
		d.last[kind] = nil
	}
	return d
}

// Last 返回已通知的最后 ID
func (d *Dedup) Last(kind models.Kind) (int64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	id := d.last[kind]
	if id == nil {
		return 0, false
	}
	return *id, true
}

// Seen 判断该 ID 是否已通知过
func (d *Dedup) Seen(kind models.Kind, id int64) bool {
	last, ok := d.Last(kind)
	return ok && last == id
}

// Advance 通知成功后推进槽位
func (d *Dedup) Advance(kind models.Kind, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	v := id
	d.last[kind] = &v
}

// Snapshot 当前槽位副本，空槽位为 nil
func (d *Dedup) Snapshot() map[models.Kind]*int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[models.Kind]*int64, len(d.last))
	for kind, id := range d.last {
		if id == nil {
			out[kind] = nil
			continue
		}
		v := *id
		out[kind] = &v
	}
	return out
}
