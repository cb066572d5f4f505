package models

import "time"

// Track 轨迹历史记录
type Track struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Description          string    `json:"description"`
	AddedAt              time.Time `json:"added_at"`
	TrackLengthM         float64   `json:"track_length_m"`
	EstimatedTimeSeconds int       `json:"estimated_time_seconds"`
	Gpx                  []byte    `json:"-"`
}

// TrackStats 轨迹统计数据，由几何引擎一次性计算
type TrackStats struct {
	PointCount     int     `json:"point_count"`
	TotalDistanceM float64 `json:"total_distance_m"`
	AscentM        float64 `json:"ascent_m"`
	DescentM       float64 `json:"descent_m"`
	EleStart       float64 `json:"ele_start"`
	EleMin         float64 `json:"ele_min"`
	EleMax         float64 `json:"ele_max"`
	HasTime        bool    `json:"has_time"`
	StartTimeMs    int64   `json:"start_time_ms"`
	EndTimeMs      int64   `json:"end_time_ms"`
}

// 游标表示方式
const (
	CursorVertex  = "vertex"  // 整数采样点下标
	CursorSegment = "segment" // 线段下标 + 插值参数
)

// Cursor 轨迹上的当前高亮位置，从不持久化
type Cursor struct {
	Kind string  `json:"kind"`
	Idx  int     `json:"idx,omitempty"`
	I    int     `json:"i,omitempty"`
	T    float64 `json:"t,omitempty"`
}

// SnapResult 最近线段投影结果
// Near 为 false 时只有 DistanceM 有意义，调用方不得用它移动游标
type SnapResult struct {
	Near      bool    `json:"near"`
	I         int     `json:"i"`
	T         float64 `json:"t"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	DistanceM float64 `json:"distance_m"`
}

// BBox 经纬度包围盒
type BBox struct {
	MinLat float64 `json:"minLat"`
	MaxLat float64 `json:"maxLat"`
	MinLon float64 `json:"minLon"`
	MaxLon float64 `json:"maxLon"`
}

// AutoCacheJob 离线瓦片预取任务，每次打开轨迹时重新派生，不持久化
type AutoCacheJob struct {
	TileTemplate string  `json:"tileTemplate"`
	BBox         BBox    `json:"bbox"`
	Zooms        []int   `json:"zooms"`
	PaddingRatio float64 `json:"paddingRatio"`
}

// TileProgress 瓦片预取进度广播
type TileProgress struct {
	Done   int `json:"done"`
	Total  int `json:"total"`
	Errors int `json:"errors"`
}

// GpsFix 一次定位结果
type GpsFix struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	AccuracyM float64   `json:"accuracy_m"`
	FixTime   time.Time `json:"fix_time"`
}
