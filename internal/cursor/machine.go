package cursor

import (
	"context"
	"fmt"
	"sync"

	"github.com/looplab/fsm"
)

// 游标状态常量
const (
	StateIdle        = "idle"
	StateDragging    = "dragging"
	StateInertia     = "inertia"
	StateResumeArmed = "resume_armed"
)

// 事件常量
const (
	EventDragStart    = "drag_start"
	EventDragEnd      = "drag_end"
	EventInertiaStart = "inertia_start"
	EventInertiaStop  = "inertia_stop"
	EventArmResume    = "arm_resume"
	EventResumeFire   = "resume_fire"
	EventResumeCancel = "resume_cancel"
)

// Machine 游标生命周期状态机
type Machine struct {
	mu            sync.RWMutex
	fsm           *fsm.FSM
	onStateChange func(from, to string)
}

// NewMachine 创建状态机
func NewMachine(onStateChange func(from, to string)) *Machine {
	m := &Machine{onStateChange: onStateChange}

	m.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			// 任何状态下用户都可以重新开始拖动
			{Name: EventDragStart, Src: []string{StateIdle, StateInertia, StateResumeArmed}, Dst: StateDragging},

			// 从 dragging 状态
			{Name: EventDragEnd, Src: []string{StateDragging}, Dst: StateIdle},
			{Name: EventInertiaStart, Src: []string{StateDragging}, Dst: StateInertia},

			// 从 inertia 状态
			{Name: EventInertiaStop, Src: []string{StateInertia}, Dst: StateIdle},

			// 从 idle 状态
			{Name: EventArmResume, Src: []string{StateIdle}, Dst: StateResumeArmed},

			// 从 resume_armed 状态
			{Name: EventResumeFire, Src: []string{StateResumeArmed}, Dst: StateIdle},
			{Name: EventResumeCancel, Src: []string{StateResumeArmed}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if m.onStateChange != nil && e.Src != e.Dst {
					m.onStateChange(e.Src, e.Dst)
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

// UserActive 用户是否正在操纵游标（拖动或惯性滑行中）
func (m *Machine) UserActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cur := m.fsm.Current()
	return cur == StateDragging || cur == StateInertia
}

// Trigger 触发事件
func (m *Machine) Trigger(event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fsm.Event(context.Background(), event); err != nil {
		return fmt.Errorf("trigger event %s: %w", event, err)
	}
	return nil
}

// CanTransition 检查是否可以转换
func (m *Machine) CanTransition(event string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Can(event)
}
