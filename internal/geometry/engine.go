package geometry

import (
	"errors"
	"math"
	"sync"

	"github.com/langchou/gpxview/internal/geo"
	"github.com/langchou/gpxview/internal/models"
)

var (
	// ErrNoTrack 引擎中当前没有轨迹
	ErrNoTrack = errors.New("geometry: no track loaded")
	// ErrTooFewPoints 有效采样点少于 2 个，整个导入操作失败
	ErrTooFewPoints = errors.New("geometry: track needs at least 2 points")
	// ErrLengthMismatch 输入数组长度不一致
	ErrLengthMismatch = errors.New("geometry: input arrays length mismatch")
)

// Result ProcessTrack 的输出
type Result struct {
	DistM   []float64         `json:"dist_m"`
	EleNorm []float64         `json:"ele_norm"`
	Stats   models.TrackStats `json:"stats"`
}

// Engine 轨迹几何引擎
// 内部持有唯一一条"当前轨迹"，ProcessTrack 无条件替换它；
// 调用方负责不并发导入两条轨迹
type Engine struct {
	mu  sync.RWMutex
	lat []float64
	lon []float64
}

// NewEngine 创建几何引擎
func NewEngine() *Engine {
	return &Engine{}
}

// ProcessTrack 一次性计算累计距离、归一化海拔和统计数据
// ele 必须已由调用方前向填充，不允许有缺口；timeMs 用 -1 表示缺失时间戳
func (e *Engine) ProcessTrack(lat, lon, ele []float64, timeMs []int64) (*Result, error) {
	n := len(lat)
	if n < 2 {
		return nil, ErrTooFewPoints
	}
	if len(lon) != n || len(ele) != n {
		return nil, ErrLengthMismatch
	}

	distM := make([]float64, n)
	var total, ascent, descent float64

	eleStart := ele[0]
	eleMin := eleStart
	eleMax := eleStart

	for i := 1; i < n; i++ {
		total += geo.Haversine(lat[i-1], lon[i-1], lat[i], lon[i])
		distM[i] = total

		de := ele[i] - ele[i-1]
		if de > 0 {
			ascent += de
		} else {
			descent += -de
		}

		eleMin = math.Min(eleMin, ele[i])
		eleMax = math.Max(eleMax, ele[i])
	}

	eleNorm := make([]float64, n)
	for i := range ele {
		eleNorm[i] = ele[i] - eleStart
	}

	var startMs, endMs int64
	if len(timeMs) == n {
		for i := 0; i < n; i++ {
			if timeMs[i] > 0 {
				startMs = timeMs[i]
				break
			}
		}
		for i := n - 1; i >= 0; i-- {
			if timeMs[i] > 0 {
				endMs = timeMs[i]
				break
			}
		}
	}

	e.mu.Lock()
	e.lat = lat
	e.lon = lon
	e.mu.Unlock()

	return &Result{
		DistM:   distM,
		EleNorm: eleNorm,
		Stats: models.TrackStats{
			PointCount:     n,
			TotalDistanceM: total,
			AscentM:        ascent,
			DescentM:       descent,
			EleStart:       eleStart,
			EleMin:         eleMin,
			EleMax:         eleMax,
			HasTime:        startMs > 0 && endMs > 0,
			StartTimeMs:    startMs,
			EndTimeMs:      endMs,
		},
	}, nil
}

// NearestSegmentProjection 查询点到当前轨迹的最近线段投影
// maxDistanceM <= 0 表示不限制；超出限制时只返回 Near=false 和 DistanceM
// 没有轨迹或轨迹少于 2 点时返回 nil
func (e *Engine) NearestSegmentProjection(lat, lon, maxDistanceM float64) *models.SnapResult {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.lat) < 2 {
		return nil
	}
	return e.nearestLocked(lat, lon, maxDistanceM, 0, len(e.lat)-2)
}

// NearestSegmentInWindow 在 centerSeg 附近 ±window 个线段内做最近投影
// 拖动中的窗口化重吸附用它避免自交轨迹上的长跳；
// 已知近似：窗口内折返的轨迹可能锁到错误分支
func (e *Engine) NearestSegmentInWindow(lat, lon float64, centerSeg, window int) *models.SnapResult {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.lat) < 2 {
		return nil
	}
	lastSeg := len(e.lat) - 2

	if window < 1 {
		window = 1
	}
	c := clampInt(centerSeg, 0, lastSeg)
	start := clampInt(c-window, 0, lastSeg)
	end := clampInt(c+window, 0, lastSeg)

	return e.nearestLocked(lat, lon, 0, start, end)
}

// nearestLocked 在 [startSeg, endSeg] 范围内找最近线段，持有读锁时调用
// 平局由自然的 < 比较决定：下标小的线段胜出
func (e *Engine) nearestLocked(lat, lon, maxDistanceM float64, startSeg, endSeg int) *models.SnapResult {
	lat0Rad := lat * math.Pi / 180
	px, py := geo.Project(lat, lon, lat0Rad)

	bestD2 := math.Inf(1)
	var bestI int
	var bestT, bestX, bestY float64

	for i := startSeg; i <= endSeg; i++ {
		ax, ay := geo.Project(e.lat[i], e.lon[i], lat0Rad)
		bx, by := geo.Project(e.lat[i+1], e.lon[i+1], lat0Rad)

		cx, cy, t := geo.ClosestOnSegment(px, py, ax, ay, bx, by)
		dx := px - cx
		dy := py - cy
		d2 := dx*dx + dy*dy
		if d2 < bestD2 {
			bestD2 = d2
			bestI = i
			bestT = t
			bestX = cx
			bestY = cy
		}
	}

	distanceM := math.Sqrt(bestD2)
	if maxDistanceM > 0 && distanceM > maxDistanceM {
		return &models.SnapResult{Near: false, DistanceM: distanceM}
	}

	rLat, rLon := geo.Unproject(bestX, bestY, lat0Rad)
	return &models.SnapResult{
		Near:      true,
		I:         bestI,
		T:         bestT,
		Lat:       rLat,
		Lon:       rLon,
		DistanceM: distanceM,
	}
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
