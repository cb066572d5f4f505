package cursor

import (
	"sync"
	"testing"
	"time"
)

func TestInertiaSlowReleaseDoesNotStart(t *testing.T) {
	in := NewInertia(InertiaOptions{})
	in.Sample(5.0)
	time.Sleep(50 * time.Millisecond)
	in.Sample(5.1)

	// 速度 ~0.002/ms，低于启动阈值
	if in.StartFromSamples() {
		t.Fatal("slow release should not start inertia")
	}
}

func TestInertiaTooFewSamples(t *testing.T) {
	in := NewInertia(InertiaOptions{})
	in.Sample(5.0)
	if in.StartFromSamples() {
		t.Fatal("single sample should not start inertia")
	}
}

func TestInertiaRunsAndStopsAtBound(t *testing.T) {
	var mu sync.Mutex
	var applied []float64
	done := make(chan float64, 1)

	in := NewInertia(InertiaOptions{
		StepInterval: 4 * time.Millisecond,
		GetBounds:    func() (Bounds, bool) { return Bounds{Min: 0, Max: 10}, true },
		Apply: func(v float64) bool {
			mu.Lock()
			applied = append(applied, v)
			mu.Unlock()
			return true
		},
		OnDone: func(v float64) { done <- v },
	})

	// 快速拖动：~0.25/ms，远超启动阈值
	in.Sample(0)
	time.Sleep(20 * time.Millisecond)
	in.Sample(5)

	if !in.StartFromSamples() {
		t.Fatal("fast release should start inertia")
	}
	if !in.Running() {
		t.Fatal("should be running")
	}

	select {
	case final := <-done:
		// 速度足以冲到上界并停在那里
		if final != 10 {
			t.Fatalf("final value = %v, want clamped 10", final)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inertia did not finish")
	}
	if in.Running() {
		t.Fatal("should have stopped")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, v := range applied {
		if v < 0 || v > 10 {
			t.Fatalf("applied value %v escaped bounds", v)
		}
	}
}

func TestInertiaCancel(t *testing.T) {
	in := NewInertia(InertiaOptions{
		StepInterval: 4 * time.Millisecond,
		GetBounds:    func() (Bounds, bool) { return Bounds{Min: 0, Max: 1e9}, true },
		Apply:        func(v float64) bool { return true },
	})

	in.Sample(0)
	time.Sleep(20 * time.Millisecond)
	in.Sample(5)
	if !in.StartFromSamples() {
		t.Fatal("should start")
	}
	in.Cancel()
	if in.Running() {
		t.Fatal("cancel should stop the run")
	}
}

func TestInertiaApplyRejectionStops(t *testing.T) {
	done := make(chan float64, 1)
	in := NewInertia(InertiaOptions{
		StepInterval: 4 * time.Millisecond,
		GetBounds:    func() (Bounds, bool) { return Bounds{Min: 0, Max: 1e9}, true },
		Apply:        func(v float64) bool { return false },
		OnDone:       func(v float64) { done <- v },
	})

	in.Sample(0)
	time.Sleep(20 * time.Millisecond)
	in.Sample(5)
	if !in.StartFromSamples() {
		t.Fatal("should start")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("rejected apply should stop the run")
	}
}

func TestMachineTransitions(t *testing.T) {
	var changes [][2]string
	m := NewMachine(func(from, to string) {
		changes = append(changes, [2]string{from, to})
	})

	if m.CurrentState() != StateIdle {
		t.Fatalf("initial state = %s", m.CurrentState())
	}
	if m.UserActive() {
		t.Fatal("idle is not user-active")
	}

	if err := m.Trigger(EventDragStart); err != nil {
		t.Fatalf("drag start: %v", err)
	}
	if !m.UserActive() {
		t.Fatal("dragging is user-active")
	}

	if err := m.Trigger(EventInertiaStart); err != nil {
		t.Fatalf("inertia start: %v", err)
	}
	if !m.UserActive() {
		t.Fatal("inertia is user-active")
	}

	// 惯性滑行中可以直接再次开始拖动
	if !m.CanTransition(EventDragStart) {
		t.Fatal("drag should interrupt inertia")
	}

	if err := m.Trigger(EventInertiaStop); err != nil {
		t.Fatalf("inertia stop: %v", err)
	}
	if err := m.Trigger(EventArmResume); err != nil {
		t.Fatalf("arm resume: %v", err)
	}
	if m.UserActive() {
		t.Fatal("resume_armed is not user-active")
	}
	if err := m.Trigger(EventResumeFire); err != nil {
		t.Fatalf("resume fire: %v", err)
	}
	if m.CurrentState() != StateIdle {
		t.Fatalf("state = %s, want idle", m.CurrentState())
	}

	// 空闲时不能结束拖动
	if err := m.Trigger(EventDragEnd); err == nil {
		t.Fatal("drag end from idle should fail")
	}

	if len(changes) == 0 {
		t.Fatal("state change callback never fired")
	}
}
