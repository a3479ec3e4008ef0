package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/langchou/tesnotify/internal/message"
	"github.com/langchou/tesnotify/internal/models"
	"github.com/langchou/tesnotify/internal/repository"
	"github.com/langchou/tesnotify/internal/state"
)

// Source 最新事件查询
type Source interface {
	LatestCharge(ctx context.Context, carID int64) repository.Lookup[*models.ChargeEvent]
	LatestDrive(ctx context.Context, carID int64) repository.Lookup[*models.DriveEvent]
}

// Sink 通知投递
type Sink interface {
	Send(ctx context.Context, title, body string) error
}

// Observer 在通知成功投递后被调用
type Observer interface {
	Notified(n Notification)
}

// Notification 一条已投递的通知
type Notification struct {
	Kind    models.Kind `json:"kind"`
	EventID int64       `json:"event_id"`
	Title   string      `json:"title"`
	Body    string      `json:"body"`
	SentAt  time.Time   `json:"sent_at"`
}

// PollerOptions 轮询配置
type PollerOptions struct {
	CarID      int64
	Interval   time.Duration
	WakeMinGap time.Duration // 两次提前唤醒的最小间隔，0 表示不限制

	// 为 true 时 RunCycle 返回数据源错误；默认只记录日志并跳过
	EscalateSourceErrors bool
}

// pipeline 一种事件的轮询规格
type pipeline struct {
	kind   models.Kind
	fetch  func(ctx context.Context) (models.Event, repository.Outcome, error)
	format func(ev models.Event) message.Message
}

func newPipeline[T models.Event](
	kind models.Kind,
	fetch func(ctx context.Context) repository.Lookup[T],
	format func(T) message.Message,
) pipeline {
	return pipeline{
		kind: kind,
		fetch: func(ctx context.Context) (models.Event, repository.Outcome, error) {
			res := fetch(ctx)
			if res.Outcome != repository.Found {
				return nil, res.Outcome, res.Err
			}
			return res.Event, res.Outcome, nil
		},
		format: func(ev models.Event) message.Message {
			return format(ev.(T))
		},
	}
}

// Poller 周期性检查新完成的充电与行程并发送通知。
// 所有周期都在同一个 goroutine 中串行执行。
// 发送失败时不推进去重状态，下一个周期自然重试，无退避、不限次数。
type Poller struct {
	opts      PollerOptions
	logger    *zap.Logger
	source    Source
	sink      Sink
	dedup     *Dedup
	states    *state.Manager
	pipelines []pipeline
	observers []Observer
	limiter   *rate.Limiter
	wakeCh    chan struct{}
	now       func() time.Time

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewPoller 创建轮询器
func NewPoller(opts PollerOptions, logger *zap.Logger, source Source, sink Sink) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}

	limit := rate.Inf
	if opts.WakeMinGap > 0 {
		limit = rate.Every(opts.WakeMinGap)
	}

	p := &Poller{
		opts:    opts,
		logger:  logger.Named("poller"),
		source:  source,
		sink:    sink,
		limiter: rate.NewLimiter(limit, 1),
		wakeCh:  make(chan struct{}, 1),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	p.states = state.NewManager(p.onStateChange)

	carID := opts.CarID
	p.pipelines = []pipeline{
		newPipeline(models.KindCharge,
			func(ctx context.Context) repository.Lookup[*models.ChargeEvent] {
				return source.LatestCharge(ctx, carID)
			},
			message.Charge,
		),
		newPipeline(models.KindDrive,
			func(ctx context.Context) repository.Lookup[*models.DriveEvent] {
				return source.LatestDrive(ctx, carID)
			},
			message.Drive,
		),
	}
	kinds := make([]models.Kind, 0, len(p.pipelines))
	for _, pl := range p.pipelines {
		p.states.GetOrCreate(pl.kind)
		kinds = append(kinds, pl.kind)
	}
	p.dedup = NewDedup(kinds...)

	return p
}

// AddObserver 注册投递回调，需在 Start 之前调用
func (p *Poller) AddObserver(o Observer) {
	p.observers = append(p.observers, o)
}

// Dedup 去重状态
func (p *Poller) Dedup() *Dedup {
	return p.dedup
}

// Start 启动轮询循环，立即执行一次周期
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return errors.New("poller already running")
	}
	p.stopCh = make(chan struct{})
	p.running = true

	p.wg.Add(1)
	go p.pollLoop(ctx)

	p.logger.Info("Poller started",
		zap.Int64("car_id", p.opts.CarID),
		zap.Duration("interval", p.opts.Interval),
	)
	return nil
}

// Stop 停止轮询并等待当前周期结束
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Poller stopped")
}

// Wake 请求尽快执行一次周期。受限流保护，不会阻塞调用方。
func (p *Poller) Wake(reason string) bool {
	if !p.limiter.Allow() {
		p.logger.Debug("Wake request throttled", zap.String("reason", reason))
		return false
	}
	select {
	case p.wakeCh <- struct{}{}:
		p.logger.Info("Early poll requested", zap.String("reason", reason))
		return true
	default:
		return false
	}
}

func (p *Poller) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	p.logger.Info("Performing initial poll...")
	p.runAndLog(ctx)

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.runAndLog(ctx)
		case <-p.wakeCh:
			p.runAndLog(ctx)
			ticker.Reset(p.opts.Interval)
		}
	}
}

func (p *Poller) runAndLog(ctx context.Context) {
	if err := p.RunCycle(ctx); err != nil {
		p.logger.Error("Poll cycle failed", zap.Error(err))
	}
}

// RunCycle 依次评估每种事件。某一种失败不影响其他种类。
func (p *Poller) RunCycle(ctx context.Context) error {
	var errs []error
	for _, pl := range p.pipelines {
		if err := p.evaluate(ctx, pl); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Poller) evaluate(ctx context.Context, pl pipeline) error {
	machine := p.states.GetOrCreate(pl.kind)
	if err := machine.Trigger(state.EventBegin); err != nil {
		return fmt.Errorf("%s: %w", pl.kind, err)
	}
	defer func() {
		if err := machine.Trigger(state.EventFinish); err != nil {
			p.logger.Error("Failed to finish evaluation", zap.String("kind", string(pl.kind)), zap.Error(err))
		}
	}()

	log := p.logger.With(zap.String("kind", string(pl.kind)))

	ev, outcome, err := pl.fetch(ctx)
	cycleAt := p.now()
	machine.UpdateState(func(s *state.PipelineState) {
		s.LastOutcome = outcome.String()
		s.LastCycleAt = &cycleAt
	})

	switch outcome {
	case repository.NotFound:
		log.Debug("No event found")
		return nil
	case repository.SourceError:
		machine.UpdateState(func(s *state.PipelineState) {
			s.SourceErrors++
			s.LastError = errString(err)
		})
		log.Warn("Event source unavailable, skipping this cycle", zap.Error(err))
		if p.opts.EscalateSourceErrors {
			return fmt.Errorf("%s source: %w", pl.kind, err)
		}
		return nil
	}

	id := ev.EventID()
	machine.UpdateState(func(s *state.PipelineState) {
		s.LastSeenID = &id
	})

	if p.dedup.Seen(pl.kind, id) {
		log.Debug("Event already reported", zap.Int64("event_id", id))
		return nil
	}

	msg := pl.format(ev)
	if err := p.sink.Send(ctx, msg.Title, msg.Body); err != nil {
		machine.UpdateState(func(s *state.PipelineState) {
			s.SendFailures++
			s.LastError = errString(err)
		})
		log.Warn("Failed to send notification, will retry next cycle", zap.Int64("event_id", id), zap.Error(err))
		return nil
	}

	p.dedup.Advance(pl.kind, id)
	sentAt := p.now()
	machine.UpdateState(func(s *state.PipelineState) {
		s.Sent++
		s.LastSentAt = &sentAt
		s.LastError = ""
	})
	log.Info("Notification sent", zap.Int64("event_id", id))

	n := Notification{
		Kind:    pl.kind,
		EventID: id,
		Title:   msg.Title,
		Body:    msg.Body,
		SentAt:  sentAt,
	}
	for _, o := range p.observers {
		o.Notified(n)
	}
	return nil
}

// onStateChange 状态变化回调
func (p *Poller) onStateChange(kind models.Kind, from, to string) {
	p.logger.Debug("Pipeline state changed",
		zap.String("kind", string(kind)),
		zap.String("from", from),
		zap.String("to", to),
	)
}

// Status 轮询器状态快照
type Status struct {
	CarID        int64                                `json:"car_id"`
	Running      bool                                 `json:"running"`
	Interval     string                               `json:"interval"`
	LastReported map[models.Kind]*int64               `json:"last_reported"`
	Pipelines    map[models.Kind]*state.PipelineState `json:"pipelines"`
}

// Status 获取状态快照
func (p *Poller) Status() *Status {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()

	return &Status{
		CarID:        p.opts.CarID,
		Running:      running,
		Interval:     p.opts.Interval.String(),
		LastReported: p.dedup.Snapshot(),
		Pipelines:    p.states.GetAllStates(),
	}
}

// PipelineStatus 获取单个事件类型的状态，未知类型返回 false
func (p *Poller) PipelineStatus(kind models.Kind) (*state.PipelineState, *int64, bool) {
	machine, ok := p.states.Get(kind)
	if !ok {
		return nil, nil, false
	}
	var last *int64
	if id, seen := p.dedup.Last(kind); seen {
		last = &id
	}
	return machine.GetState(), last, true
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
