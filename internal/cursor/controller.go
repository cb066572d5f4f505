package cursor

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/gpxview/internal/models"
)

// 游标同步默认参数
const (
	// DefaultGpsStaleAfter 超过这个时间没有新定位就标记过期
	DefaultGpsStaleAfter = 12 * time.Second
	// DefaultGpsSnapMinInterval 定位吸附查询的最小间隔
	DefaultGpsSnapMinInterval = 500 * time.Millisecond
	// DefaultUserSnapMinInterval 用户拖动吸附查询的最小间隔
	DefaultUserSnapMinInterval = 80 * time.Millisecond
	// DefaultResumeDelay 拖动结束后恢复自动吸附的防抖延迟
	DefaultResumeDelay = 3 * time.Second
	// DefaultStaleCheckInterval 过期检查周期
	DefaultStaleCheckInterval = time.Second

	// 地图拖动时的分段搜索窗口：起始和结束用宽窗口，拖动过程用窄窗口
	windowDragStart = 200
	windowDragMove  = 80
	windowDragEnd   = 120
)

// 定位错误码，对应 watch 回调的错误分类
const (
	GpsErrPermissionDenied = 1
	GpsErrUnavailable      = 2
	GpsErrTimeout          = 3
)

// ErrGpsPermissionDenied 权限被拒，当前监听会话终止
var ErrGpsPermissionDenied = errors.New("cursor: gps permission denied")

// Snapper 吸附查询出口，geometry.Client 实现它
type Snapper interface {
	SnapToTrack(lat, lon, maxDistanceM float64) (*models.SnapResult, error)
	NearestInWindow(lat, lon float64, centerSeg, window int) (*models.SnapResult, error)
}

// Options 控制器配置，零值字段取默认；回调把已解析的游标推给观察者
type Options struct {
	GpsStaleAfter       time.Duration
	GpsSnapMinInterval  time.Duration
	UserSnapMinInterval time.Duration
	ResumeDelay         time.Duration
	StaleCheckInterval  time.Duration

	// OnCursorLatLon 游标落点变化，推给地图
	OnCursorLatLon func(lat, lon float64)
	// OnCursorIndex 游标顶点变化，推给图表；回显抑制后才会触发
	OnCursorIndex func(idx int)
	// OnGpsStale 定位过期状态变化
	OnGpsStale func(stale bool)
	// OnGpsStopped 监听会话终止
	OnGpsStopped func()
}

// pendingSnap 待执行的拖动吸附查询
type pendingSnap struct {
	lat, lon float64
	window   int
}

// Controller 把图表拖动、地图拖动和定位三个来源仲裁成一个权威游标
type Controller struct {
	logger  *zap.Logger
	snapper Snapper
	machine *Machine
	inertia *Inertia
	opts    Options

	mu           sync.Mutex
	cursor       *models.Cursor
	pointCount   int
	distM        []float64
	eleNorm      []float64
	lastSegIndex int

	// 定位通道状态
	gpsWatching bool
	gpsFix      *models.GpsFix
	gpsLastFix  time.Time
	gpsStale    bool
	gpsNear     bool
	lastSnap    *models.SnapResult
	lastGpsSnap time.Time
	staleStop   chan struct{}

	// 回显抑制：程序化移动游标时压掉一次对侧的 index-changed 回调
	suppressChartOnce int

	// 自动恢复防抖：新一轮拖动使旧令牌失效
	resumeToken int
	resumeTimer *time.Timer

	// 拖动吸附泵：同一时刻最多一个查询在途，后到的意图合并成下一个
	userSnapInFlight bool
	userSnapDesired  *pendingSnap
	lastUserSnapAt   time.Time
	userSnapTimer    *time.Timer

	nowFn func() time.Time
}

// NewController 创建游标同步控制器
func NewController(logger *zap.Logger, snapper Snapper, opts Options) *Controller {
	if opts.GpsStaleAfter <= 0 {
		opts.GpsStaleAfter = DefaultGpsStaleAfter
	}
	if opts.GpsSnapMinInterval <= 0 {
		opts.GpsSnapMinInterval = DefaultGpsSnapMinInterval
	}
	if opts.UserSnapMinInterval <= 0 {
		opts.UserSnapMinInterval = DefaultUserSnapMinInterval
	}
	if opts.ResumeDelay <= 0 {
		opts.ResumeDelay = DefaultResumeDelay
	}
	if opts.StaleCheckInterval <= 0 {
		opts.StaleCheckInterval = DefaultStaleCheckInterval
	}

	c := &Controller{
		logger:  logger,
		snapper: snapper,
		opts:    opts,
		nowFn:   time.Now,
	}
	c.machine = NewMachine(nil)
	c.inertia = NewInertia(InertiaOptions{
		GetBounds: c.inertiaBounds,
		Apply:     c.inertiaApply,
		OnDone:    c.inertiaDone,
	})
	return c
}

// SetTrack 替换当前轨迹的图表数据，游标回到起点顶点
func (c *Controller) SetTrack(distM, eleNorm []float64) {
	c.mu.Lock()
	c.pointCount = len(distM)
	c.distM = distM
	c.eleNorm = eleNorm
	c.lastSegIndex = 0
	c.lastSnap = nil
	c.gpsNear = false
	if c.pointCount > 0 {
		c.cursor = &models.Cursor{Kind: models.CursorVertex, Idx: 0}
	} else {
		c.cursor = nil
	}
	c.mu.Unlock()
	c.cancelResume()
	c.inertia.Cancel()
}

// Cursor 当前权威游标的副本
func (c *Controller) Cursor() *models.Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cursor == nil {
		return nil
	}
	cp := *c.cursor
	return &cp
}

// State 当前状态机状态
func (c *Controller) State() string {
	return c.machine.CurrentState()
}

// ChartPosition 分段游标在图表坐标系里的位置（里程和归一海拔按 t 线性插值）
func (c *Controller) ChartPosition(i int, t float64) (distM, eleNormM float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return interpolate(c.distM, i, t), interpolate(c.eleNorm, i, t)
}

func interpolate(arr []float64, i int, t float64) float64 {
	if len(arr) < 2 {
		return 0
	}
	idx := clampInt(i, 0, len(arr)-2)
	tt := t
	if tt < 0 {
		tt = 0
	}
	if tt > 1 {
		tt = 1
	}
	return arr[idx] + tt*(arr[idx+1]-arr[idx])
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ---- 图表拖动通道 ----

// ChartDragStart 图表指针按下
func (c *Controller) ChartDragStart() {
	c.beginUserDrag()
	c.inertia.ResetSamples()
}

// ChartDragMove 指针位置对应的顶点索引，直接成为权威游标
func (c *Controller) ChartDragMove(idx int) {
	c.mu.Lock()
	if c.pointCount == 0 {
		c.mu.Unlock()
		return
	}
	idx = clampInt(idx, 0, c.pointCount-1)
	c.cursor = &models.Cursor{Kind: models.CursorVertex, Idx: idx}
	c.mu.Unlock()

	c.inertia.Sample(float64(idx))
	if c.opts.OnCursorIndex != nil {
		c.opts.OnCursorIndex(idx)
	}
}

// ChartDragEnd 指针松开；松手速度够大就进入惯性滑行，否则回到空闲
func (c *Controller) ChartDragEnd() {
	if c.inertia.StartFromSamples() {
		_ = c.machine.Trigger(EventInertiaStart)
		return
	}
	c.endUserDrag()
}

// ChartIndexChanged 图表侧主动改索引的回调入口，回显抑制期内忽略
func (c *Controller) ChartIndexChanged(idx int) {
	c.mu.Lock()
	if c.suppressChartOnce > 0 {
		c.suppressChartOnce--
		c.mu.Unlock()
		return
	}
	if c.pointCount == 0 {
		c.mu.Unlock()
		return
	}
	idx = clampInt(idx, 0, c.pointCount-1)
	c.cursor = &models.Cursor{Kind: models.CursorVertex, Idx: idx}
	c.mu.Unlock()
}

// suppressChartEventsOnce 压掉下一次图表 index-changed 回调
// 计数器异步自清，防止对侧从不回调时永久吞事件
func (c *Controller) suppressChartEventsOnce() {
	c.mu.Lock()
	c.suppressChartOnce++
	c.mu.Unlock()
	time.AfterFunc(10*time.Millisecond, func() {
		c.mu.Lock()
		if c.suppressChartOnce > 0 {
			c.suppressChartOnce--
		}
		c.mu.Unlock()
	})
}

// ---- 惯性滑行挂钩 ----

func (c *Controller) inertiaBounds() (Bounds, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pointCount < 2 {
		return Bounds{}, false
	}
	return Bounds{Min: 0, Max: float64(c.pointCount - 1)}, true
}

func (c *Controller) inertiaApply(value float64) bool {
	idx := int(value + 0.5)
	c.mu.Lock()
	if c.pointCount == 0 {
		c.mu.Unlock()
		return false
	}
	idx = clampInt(idx, 0, c.pointCount-1)
	changed := c.cursor == nil || c.cursor.Kind != models.CursorVertex || c.cursor.Idx != idx
	c.cursor = &models.Cursor{Kind: models.CursorVertex, Idx: idx}
	c.mu.Unlock()

	if changed && c.opts.OnCursorIndex != nil {
		c.opts.OnCursorIndex(idx)
	}
	return true
}

func (c *Controller) inertiaDone(value float64) {
	if c.machine.CanTransition(EventInertiaStop) {
		_ = c.machine.Trigger(EventInertiaStop)
	}
	c.maybeArmResume()
}

// ---- 地图拖动通道 ----

// MapDragStart 开始拖动地图游标柄；先用宽窗口同步重新锚定所在分段，
// 后续的窄窗口跟踪都以它为中心
func (c *Controller) MapDragStart(lat, lon float64) {
	c.beginUserDrag()

	c.mu.Lock()
	ready := c.pointCount >= 2
	center := c.lastSegIndex
	c.lastUserSnapAt = c.nowFn()
	c.mu.Unlock()
	if !ready {
		return
	}

	res, err := c.snapper.NearestInWindow(lat, lon, center, windowDragStart)
	if err != nil {
		c.logger.Debug("Cursor anchor snap failed", zap.Error(err))
		return
	}
	if res != nil && res.Near {
		c.mu.Lock()
		c.cursor = &models.Cursor{Kind: models.CursorSegment, I: res.I, T: res.T}
		c.lastSegIndex = res.I
		c.mu.Unlock()
		c.publishSnap(res)
	}
}

// MapDragMove 拖动过程中窄窗口跟踪，防止自交轨迹上长跳
func (c *Controller) MapDragMove(lat, lon float64) {
	c.requestUserSnap(lat, lon, windowDragMove)
}

// MapDragEnd 松手后用较宽窗口做最终吸附
func (c *Controller) MapDragEnd(lat, lon float64) {
	c.requestUserSnap(lat, lon, windowDragEnd)
	c.endUserDrag()
}

// requestUserSnap 记录最新意图并驱动吸附泵
func (c *Controller) requestUserSnap(lat, lon float64, window int) {
	c.mu.Lock()
	c.userSnapDesired = &pendingSnap{lat: lat, lon: lon, window: window}
	c.scheduleUserSnapLocked()
	c.mu.Unlock()
}

func (c *Controller) scheduleUserSnapLocked() {
	if c.userSnapDesired == nil || c.userSnapInFlight {
		return
	}
	wait := c.opts.UserSnapMinInterval - c.nowFn().Sub(c.lastUserSnapAt)
	if wait < 0 {
		wait = 0
	}
	if c.userSnapTimer != nil {
		c.userSnapTimer.Stop()
	}
	c.userSnapTimer = time.AfterFunc(wait, c.runUserSnap)
}

func (c *Controller) runUserSnap() {
	c.mu.Lock()
	if c.userSnapInFlight || c.userSnapDesired == nil || c.pointCount < 2 {
		c.mu.Unlock()
		return
	}
	req := c.userSnapDesired
	center := c.lastSegIndex
	c.userSnapInFlight = true
	c.lastUserSnapAt = c.nowFn()
	c.mu.Unlock()

	res, err := c.snapper.NearestInWindow(req.lat, req.lon, center, req.window)

	c.mu.Lock()
	c.userSnapInFlight = false
	if err == nil && res != nil && res.Near {
		c.cursor = &models.Cursor{Kind: models.CursorSegment, I: res.I, T: res.T}
		c.lastSegIndex = res.I
	}
	again := c.userSnapDesired != nil && c.userSnapDesired != req
	if again {
		c.scheduleUserSnapLocked()
	} else {
		c.userSnapDesired = nil
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Debug("Cursor snap query failed", zap.Error(err))
		return
	}
	if res != nil && res.Near {
		c.publishSnap(res)
	}
}

// publishSnap 把吸附结果推给两个视图，图表侧压一次回显
func (c *Controller) publishSnap(res *models.SnapResult) {
	if c.opts.OnCursorLatLon != nil {
		c.opts.OnCursorLatLon(res.Lat, res.Lon)
	}
	c.suppressChartEventsOnce()
}

// ---- 定位通道 ----

// StartGpsWatch 开始处理定位流，启动过期检查
func (c *Controller) StartGpsWatch() {
	c.mu.Lock()
	if c.gpsWatching {
		c.mu.Unlock()
		return
	}
	c.gpsWatching = true
	c.gpsStale = false
	c.gpsLastFix = time.Time{}
	stop := make(chan struct{})
	c.staleStop = stop
	c.mu.Unlock()

	go c.staleLoop(stop)
}

// StopGpsWatch 终止监听会话，清空定位状态
func (c *Controller) StopGpsWatch() {
	c.mu.Lock()
	if !c.gpsWatching {
		c.mu.Unlock()
		return
	}
	c.gpsWatching = false
	close(c.staleStop)
	c.staleStop = nil
	c.gpsFix = nil
	c.gpsLastFix = time.Time{}
	c.gpsNear = false
	c.lastSnap = nil
	c.mu.Unlock()

	c.setStale(false)
	c.cancelResume()
	if c.opts.OnGpsStopped != nil {
		c.opts.OnGpsStopped()
	}
}

func (c *Controller) staleLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.opts.StaleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			watching := c.gpsWatching
			last := c.gpsLastFix
			c.mu.Unlock()
			if !watching || last.IsZero() {
				continue
			}
			c.setStale(c.nowFn().Sub(last) > c.opts.GpsStaleAfter)
		}
	}
}

// setStale 过期状态迁移；变为过期时取消待恢复的自动吸附
func (c *Controller) setStale(stale bool) {
	c.mu.Lock()
	if c.gpsStale == stale {
		c.mu.Unlock()
		return
	}
	c.gpsStale = stale
	c.mu.Unlock()

	if stale {
		c.cancelResume()
	}
	if c.opts.OnGpsStale != nil {
		c.opts.OnGpsStale(stale)
	}
}

// GpsFix 收到一个定位；吸附查询按最小间隔限流，拖动期间结果只记不用
func (c *Controller) GpsFix(lat, lon, accuracyM float64) {
	now := c.nowFn()

	c.mu.Lock()
	if !c.gpsWatching {
		c.mu.Unlock()
		return
	}
	c.gpsFix = &models.GpsFix{Lat: lat, Lon: lon, AccuracyM: accuracyM, FixTime: now}
	c.gpsLastFix = now
	hasTrack := c.pointCount >= 2
	throttled := now.Sub(c.lastGpsSnap) < c.opts.GpsSnapMinInterval
	if hasTrack && !throttled {
		c.lastGpsSnap = now
	}
	c.mu.Unlock()

	c.setStale(false)

	if !hasTrack || throttled {
		return
	}

	maxNear := 30.0
	if 2*accuracyM > maxNear {
		maxNear = 2 * accuracyM
	}

	res, err := c.snapper.SnapToTrack(lat, lon, maxNear)
	if err != nil {
		c.logger.Debug("Gps snap query failed", zap.Error(err))
		return
	}

	c.mu.Lock()
	c.lastSnap = res
	c.gpsNear = res != nil && res.Near
	userActive := c.machine.UserActive()
	if !userActive && c.gpsNear {
		c.cursor = &models.Cursor{Kind: models.CursorSegment, I: res.I, T: res.T}
		c.lastSegIndex = res.I
	}
	c.mu.Unlock()

	if !userActive && res != nil && res.Near {
		c.publishSnap(res)
	}
}

// GpsError 定位错误：权限拒绝终止会话，其余只标记过期并继续监听
func (c *Controller) GpsError(code int) error {
	if code == GpsErrPermissionDenied {
		c.StopGpsWatch()
		return ErrGpsPermissionDenied
	}
	c.setStale(true)
	return nil
}

// GpsStale 当前过期标记
func (c *Controller) GpsStale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gpsStale
}

// ---- 拖动状态与自动恢复 ----

// beginUserDrag 进入拖动态，作废已排期的自动恢复
func (c *Controller) beginUserDrag() {
	c.inertia.Cancel()
	c.cancelResume()
	if c.machine.CanTransition(EventDragStart) {
		_ = c.machine.Trigger(EventDragStart)
	}
}

func (c *Controller) endUserDrag() {
	if c.machine.CanTransition(EventDragEnd) {
		_ = c.machine.Trigger(EventDragEnd)
	}
	c.maybeArmResume()
}

// cancelResume 令牌自增，旧的延迟动作触发时发现令牌不符直接放弃
func (c *Controller) cancelResume() {
	c.mu.Lock()
	c.resumeToken++
	if c.resumeTimer != nil {
		c.resumeTimer.Stop()
		c.resumeTimer = nil
	}
	c.mu.Unlock()
	if c.machine.CanTransition(EventResumeCancel) {
		_ = c.machine.Trigger(EventResumeCancel)
	}
}

// maybeArmResume 拖动结束后，最近一次定位吸附仍然贴轨且定位未过期时，
// 延迟一段时间恢复自动吸附；期间再次拖动会作废
func (c *Controller) maybeArmResume() {
	c.mu.Lock()
	ok := c.gpsWatching && !c.gpsStale && c.gpsNear &&
		c.lastSnap != nil && c.lastSnap.Near && c.pointCount >= 2
	if !ok {
		c.mu.Unlock()
		return
	}
	c.resumeToken++
	token := c.resumeToken
	c.mu.Unlock()

	if !c.machine.CanTransition(EventArmResume) {
		return
	}
	_ = c.machine.Trigger(EventArmResume)

	c.mu.Lock()
	c.resumeTimer = time.AfterFunc(c.opts.ResumeDelay, func() { c.fireResume(token) })
	c.mu.Unlock()
}

func (c *Controller) fireResume(token int) {
	c.mu.Lock()
	if token != c.resumeToken || c.gpsStale || !c.gpsNear ||
		c.lastSnap == nil || !c.lastSnap.Near {
		c.mu.Unlock()
		return
	}
	res := c.lastSnap
	c.cursor = &models.Cursor{Kind: models.CursorSegment, I: res.I, T: res.T}
	c.lastSegIndex = res.I
	c.resumeTimer = nil
	c.mu.Unlock()

	if c.machine.CanTransition(EventResumeFire) {
		_ = c.machine.Trigger(EventResumeFire)
	}
	c.publishSnap(res)
}
