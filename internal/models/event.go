package models

// Kind 事件类型
type Kind string

const (
	KindCharge Kind = "charge"
	KindDrive  Kind = "drive"
)

// Event 可通知事件，以 ID 去重
type Event interface {
	EventID() int64
}
