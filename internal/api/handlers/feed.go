package handlers

import (
	"github.com/langchou/tesnotify/internal/service"
	"github.com/langchou/tesnotify/pkg/ws"
)

// Feed 将已投递的通知推送给 WebSocket 客户端
type Feed struct {
	hub *ws.Hub
}

// NewFeed 创建推送源
func NewFeed(hub *ws.Hub) *Feed {
	return &Feed{hub: hub}
}

// Notified 实现 service.Observer
func (f *Feed) Notified(n service.Notification) {
	f.hub.BroadcastMessage(ws.MsgTypeNotification, n)
}
