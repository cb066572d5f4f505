package cursor

import (
	"math"
	"sync"
	"time"
)

// 惯性滑行默认参数，速度单位是 值/毫秒
const (
	defaultSampleWindowMs = 140.0
	defaultStartVelocity  = 0.05
	defaultStopVelocity   = 0.01
	defaultTauMs          = 200.0
	defaultStepInterval   = 16 * time.Millisecond
)

// Bounds 惯性滑行的取值范围
type Bounds struct {
	Min float64
	Max float64
}

// InertiaOptions 惯性滑行配置，零值字段取默认
type InertiaOptions struct {
	SampleWindowMs float64
	StartVelocity  float64
	StopVelocity   float64
	TauMs          float64
	StepInterval   time.Duration

	// GetBounds 每步读取边界，返回 false 表示没有有效范围，立即停止
	GetBounds func() (Bounds, bool)
	// Apply 推送新值，返回 false 表示下游拒绝，立即停止
	Apply func(value float64) bool
	// OnDone 滑行结束回调，带最终值
	OnDone func(value float64)
}

type inertiaSample struct {
	tsMs float64
	v    float64
}

// Inertia 一维惯性滑行：拖动期间采样，松手后按指数衰减继续推进
type Inertia struct {
	mu      sync.Mutex
	opts    InertiaOptions
	samples []inertiaSample
	running bool
	stopCh  chan struct{}

	nowMs func() float64
}

// NewInertia 创建惯性滑行器
func NewInertia(opts InertiaOptions) *Inertia {
	if opts.SampleWindowMs <= 0 {
		opts.SampleWindowMs = defaultSampleWindowMs
	}
	if opts.StartVelocity <= 0 {
		opts.StartVelocity = defaultStartVelocity
	}
	if opts.StopVelocity <= 0 {
		opts.StopVelocity = defaultStopVelocity
	}
	if opts.TauMs <= 0 {
		opts.TauMs = defaultTauMs
	}
	if opts.StepInterval <= 0 {
		opts.StepInterval = defaultStepInterval
	}
	return &Inertia{
		opts:  opts,
		nowMs: func() float64 { return float64(time.Now().UnixNano()) / 1e6 },
	}
}

// Running 是否正在滑行
func (in *Inertia) Running() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.running
}

// Cancel 停止滑行并清空样本
func (in *Inertia) Cancel() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.cancelLocked()
	in.samples = nil
}

func (in *Inertia) cancelLocked() {
	if in.running {
		close(in.stopCh)
		in.running = false
	}
}

// ResetSamples 清空样本，保留滑行状态
func (in *Inertia) ResetSamples() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.samples = nil
}

// Sample 拖动期间记录一个值，窗口外的旧样本被丢弃
func (in *Inertia) Sample(v float64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	ts := in.nowMs()
	in.samples = append(in.samples, inertiaSample{tsMs: ts, v: v})
	cutoff := ts - in.opts.SampleWindowMs
	for len(in.samples) > 2 && in.samples[0].tsMs < cutoff {
		in.samples = in.samples[1:]
	}
}

// StartFromSamples 用窗口内样本估算松手速度，超过启动阈值就开始滑行
// 返回 false 表示速度不足或样本不够，没有启动
func (in *Inertia) StartFromSamples() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.running {
		return true
	}
	if len(in.samples) < 2 {
		return false
	}

	first := in.samples[0]
	last := in.samples[len(in.samples)-1]
	dt := last.tsMs - first.tsMs
	if dt <= 0 {
		return false
	}

	v0 := (last.v - first.v) / dt
	if math.Abs(v0) < in.opts.StartVelocity {
		return false
	}

	in.running = true
	in.stopCh = make(chan struct{})
	go in.run(last.v, v0, in.stopCh)
	return true
}

// run 滑行循环：速度按 exp(-dt/tau) 衰减，值随速度推进并夹在边界内
func (in *Inertia) run(value, velocity float64, stop chan struct{}) {
	ticker := time.NewTicker(in.opts.StepInterval)
	defer ticker.Stop()

	lastTs := in.nowMs()
	finish := func() {
		in.mu.Lock()
		if in.running && in.stopCh == stop {
			in.running = false
		}
		in.mu.Unlock()
		if in.opts.OnDone != nil {
			in.opts.OnDone(value)
		}
	}

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ts := in.nowMs()
		dt := ts - lastTs
		lastTs = ts

		bounds, ok := Bounds{}, false
		if in.opts.GetBounds != nil {
			bounds, ok = in.opts.GetBounds()
		}
		if !ok || bounds.Max <= bounds.Min {
			finish()
			return
		}

		velocity *= math.Exp(-dt / in.opts.TauMs)
		value += velocity * dt
		if value < bounds.Min {
			value = bounds.Min
		}
		if value > bounds.Max {
			value = bounds.Max
		}

		if in.opts.Apply != nil && !in.opts.Apply(value) {
			finish()
			return
		}

		if math.Abs(velocity) <= in.opts.StopVelocity ||
			(value <= bounds.Min && velocity < 0) ||
			(value >= bounds.Max && velocity > 0) {
			finish()
			return
		}
	}
}
