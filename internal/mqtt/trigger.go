package mqtt

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	chargingCharging = "Charging"
	chargingComplete = "Complete"
	carDriving       = "driving"
)

// Waker 接收提前轮询请求
type Waker interface {
	Wake(reason string) bool
}

// Subscriber 订阅能力，由 *Client 实现
type Subscriber interface {
	Subscribe(topic string, handler func(topic string, payload []byte)) error
}

// TriggerConfig 触发器配置
type TriggerConfig struct {
	TopicPrefix string        // TeslaMate 主题前缀，默认 teslamate
	CarID       int64
	SettleDelay time.Duration // 事件结束后等待数据落库的时间
}

// Trigger 监听 TeslaMate 发布的车辆状态，在充电或行程结束后唤醒轮询器。
// 只影响下一次轮询的时间，不绕过去重。
type Trigger struct {
	cfg    TriggerConfig
	waker  Waker
	logger *zap.Logger

	chargingTopic string
	stateTopic    string

	mu           sync.Mutex
	lastCharging string
	lastState    string
	pending      map[*time.Timer]struct{}
	closed       bool
	afterFunc    func(d time.Duration, f func()) *time.Timer
}

// NewTrigger 创建触发器
func NewTrigger(cfg TriggerConfig, waker Waker, logger *zap.Logger) *Trigger {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "teslamate"
	}
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	return &Trigger{
		cfg:           cfg,
		waker:         waker,
		logger:        logger.Named("trigger"),
		chargingTopic: fmt.Sprintf("%s/cars/%d/charging_state", prefix, cfg.CarID),
		stateTopic:    fmt.Sprintf("%s/cars/%d/state", prefix, cfg.CarID),
		pending:       make(map[*time.Timer]struct{}),
		afterFunc:     time.AfterFunc,
	}
}

// Topics 订阅的主题
func (t *Trigger) Topics() []string {
	return []string{t.chargingTopic, t.stateTopic}
}

// Subscribe 订阅全部主题
func (t *Trigger) Subscribe(sub Subscriber) error {
	for _, topic := range t.Topics() {
		if err := sub.Subscribe(topic, t.handle); err != nil {
			return err
		}
		t.logger.Info("Subscribed to topic", zap.String("topic", topic))
	}
	return nil
}

func (t *Trigger) handle(topic string, payload []byte) {
	value := strings.TrimSpace(string(payload))

	t.mu.Lock()
	var reason string
	switch topic {
	case t.chargingTopic:
		if value == chargingComplete || (t.lastCharging == chargingCharging && value != chargingCharging) {
			reason = "charging_state=" + value
		}
		t.lastCharging = value
	case t.stateTopic:
		if t.lastState == carDriving && value != carDriving {
			reason = "state=" + value
		}
		t.lastState = value
	}
	t.mu.Unlock()

	if reason == "" {
		return
	}
	t.logger.Info("Vehicle event finished, scheduling poll",
		zap.String("reason", reason),
		zap.Duration("delay", t.cfg.SettleDelay),
	)
	t.schedule(reason)
}

func (t *Trigger) schedule(reason string) {
	if t.cfg.SettleDelay <= 0 {
		t.waker.Wake(reason)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	var timer *time.Timer
	timer = t.afterFunc(t.cfg.SettleDelay, func() {
		t.mu.Lock()
		delete(t.pending, timer)
		t.mu.Unlock()
		t.waker.Wake(reason)
	})
	t.pending[timer] = struct{}{}
}

// Pending 等待中的唤醒数量
func (t *Trigger) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close 取消所有等待中的唤醒
func (t *Trigger) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for timer := range t.pending {
		timer.Stop()
	}
	t.pending = make(map[*time.Timer]struct{})
}
