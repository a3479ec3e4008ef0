package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/langchou/tesnotify/internal/models"
)

// 管道状态常量
const (
	StateIdle       = "idle"
	StateEvaluating = "evaluating"
)

// 事件常量
const (
	EventBegin  = "begin"
	EventFinish = "finish"
)

// PipelineState 单个事件类型的运行状态
type PipelineState struct {
	Kind         models.Kind `json:"kind"`
	CurrentState string      `json:"state"`
	Since        time.Time   `json:"since"`
	LastOutcome  string      `json:"last_outcome,omitempty"`
	LastSeenID   *int64      `json:"last_seen_id,omitempty"`
	LastError    string      `json:"last_error,omitempty"`
	LastCycleAt  *time.Time  `json:"last_cycle_at,omitempty"`
	LastSentAt   *time.Time  `json:"last_sent_at,omitempty"`
	Sent         int64       `json:"sent"`
	SendFailures int64       `json:"send_failures"`
	SourceErrors int64       `json:"source_errors"`
}

// Machine 单个事件类型的状态机: idle <-> evaluating
type Machine struct {
	mu            sync.RWMutex
	kind          models.Kind
	fsm           *fsm.FSM
	state         *PipelineState
	onStateChange func(kind models.Kind, from, to string)
}

// NewMachine 创建状态机，初始为 idle
func NewMachine(kind models.Kind, onStateChange func(kind models.Kind, from, to string)) *Machine {
	m := &Machine{
		kind:          kind,
		onStateChange: onStateChange,
		state: &PipelineState{
			Kind:         kind,
			CurrentState: StateIdle,
			Since:        time.Now(),
		},
	}

	m.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: EventBegin, Src: []string{StateIdle}, Dst: StateEvaluating},
			{Name: EventFinish, Src: []string{StateEvaluating}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if m.onStateChange != nil && e.Src != e.Dst {
					m.onStateChange(m.kind, e.Src, e.Dst)
				}
			},
		},
	)

	return m
}

// CurrentState 获取当前状态
func (m *Machine) CurrentState() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Current()
}

// GetState 获取完整状态副本
func (m *Machine) GetState() *PipelineState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stateCopy := *m.state
	stateCopy.CurrentState = m.fsm.Current()
	return &stateCopy
}

// UpdateState 更新状态数据
func (m *Machine) UpdateState(update func(s *PipelineState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	update(m.state)
}

// Trigger 触发事件
func (m *Machine) Trigger(event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fsm.Event(context.Background(), event); err != nil {
		return fmt.Errorf("trigger event %s: %w", event, err)
	}

	m.state.CurrentState = m.fsm.Current()
	m.state.Since = time.Now()
	return nil
}

// CanTransition 检查是否可以转换
func (m *Machine) CanTransition(event string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Can(event)
}

// Manager 状态机管理器
type Manager struct {
	mu       sync.RWMutex
	machines map[models.Kind]*Machine
	onChange func(kind models.Kind, from, to string)
}

// NewManager 创建管理器
func NewManager(onChange func(kind models.Kind, from, to string)) *Manager {
	return &Manager{
		machines: make(map[models.Kind]*Machine),
		onChange: onChange,
	}
}

// GetOrCreate 获取或创建状态机
func (m *Manager) GetOrCreate(kind models.Kind) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()

	if machine, ok := m.machines[kind]; ok {
		return machine
	}

	machine := NewMachine(kind, m.onChange)
	m.machines[kind] = machine
	return machine
}

// Get 获取状态机
func (m *Manager) Get(kind models.Kind) (*Machine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	machine, ok := m.machines[kind]
	return machine, ok
}

// GetAllStates 获取所有管道状态
func (m *Manager) GetAllStates() map[models.Kind]*PipelineState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[models.Kind]*PipelineState)
	for kind, machine := range m.machines {
		states[kind] = machine.GetState()
	}
	return states
}
