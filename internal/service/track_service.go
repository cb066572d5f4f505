package service

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/langchou/gpxview/internal/config"
	"github.com/langchou/gpxview/internal/cursor"
	"github.com/langchou/gpxview/internal/geometry"
	"github.com/langchou/gpxview/internal/gpx"
	"github.com/langchou/gpxview/internal/models"
	"github.com/langchou/gpxview/internal/offline"
	"github.com/langchou/gpxview/internal/repository"
	"github.com/langchou/gpxview/internal/tiles"
)

// OpenTrack 当前打开的轨迹及其派生数据
type OpenTrack struct {
	Record  *models.Track     `json:"record"`
	Stats   models.TrackStats `json:"stats"`
	Lat     []float64         `json:"lat"`
	Lon     []float64         `json:"lon"`
	DistM   []float64         `json:"dist_m"`
	EleNorm []float64         `json:"ele_norm"`
	BBox    models.BBox       `json:"bbox"`
}

// TrackService 轨迹导入、打开和历史管理
type TrackService struct {
	logger  *zap.Logger
	repo    *repository.TrackRepository
	geom    *geometry.Client
	cursor  *cursor.Controller
	offline *offline.Service
	cfg     *config.Config

	mu      sync.RWMutex
	current *OpenTrack
}

// NewTrackService 创建轨迹服务
func NewTrackService(
	logger *zap.Logger,
	repo *repository.TrackRepository,
	geom *geometry.Client,
	cursorCtl *cursor.Controller,
	offlineSvc *offline.Service,
	cfg *config.Config,
) *TrackService {
	return &TrackService{
		logger:  logger,
		repo:    repo,
		geom:    geom,
		cursor:  cursorCtl,
		offline: offlineSvc,
		cfg:     cfg,
	}
}

// Import 导入 GPX：解析、计算几何、落库、打开并触发瓦片自动缓存
func (s *TrackService) Import(ctx context.Context, data []byte) (*OpenTrack, error) {
	parsed, err := gpx.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	// 几何引擎取得数组所有权，打开轨迹时还要用原始坐标，先复制一份
	lat := append([]float64(nil), parsed.Lat...)
	lon := append([]float64(nil), parsed.Lon...)

	result, err := s.geom.ProcessTrack(parsed.Lat, parsed.Lon, parsed.Ele, parsed.TimeMs)
	if err != nil {
		return nil, fmt.Errorf("process track: %w", err)
	}

	record := &models.Track{
		Name:                 parsed.Name,
		Description:          parsed.Description,
		TrackLengthM:         result.Stats.TotalDistanceM,
		EstimatedTimeSeconds: s.estimateSeconds(result.Stats),
		Gpx:                  data,
	}
	if record.Name == "" {
		record.Name = "Unnamed track"
	}
	if err := s.repo.Create(ctx, record); err != nil {
		return nil, err
	}

	open := &OpenTrack{
		Record:  record,
		Stats:   result.Stats,
		Lat:     lat,
		Lon:     lon,
		DistM:   result.DistM,
		EleNorm: result.EleNorm,
		BBox:    parsed.BBox,
	}
	s.activate(open)

	s.logger.Info("Track imported",
		zap.String("track_id", record.ID),
		zap.String("name", record.Name),
		zap.Float64("length_m", record.TrackLengthM))
	return open, nil
}

// Open 打开历史轨迹：读回 GPX 原文并重新计算
func (s *TrackService) Open(ctx context.Context, id string) (*OpenTrack, error) {
	record, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	parsed, err := gpx.Parse(bytes.NewReader(record.Gpx))
	if err != nil {
		return nil, err
	}

	lat := append([]float64(nil), parsed.Lat...)
	lon := append([]float64(nil), parsed.Lon...)

	result, err := s.geom.ProcessTrack(parsed.Lat, parsed.Lon, parsed.Ele, parsed.TimeMs)
	if err != nil {
		return nil, fmt.Errorf("process track: %w", err)
	}

	open := &OpenTrack{
		Record:  record,
		Stats:   result.Stats,
		Lat:     lat,
		Lon:     lon,
		DistM:   result.DistM,
		EleNorm: result.EleNorm,
		BBox:    parsed.BBox,
	}
	s.activate(open)
	return open, nil
}

// activate 让轨迹成为当前轨迹：重置游标并排一个自动缓存任务
func (s *TrackService) activate(open *OpenTrack) {
	s.mu.Lock()
	s.current = open
	s.mu.Unlock()

	s.cursor.SetTrack(open.DistM, open.EleNorm)
	s.RequestAutoCache(open)
}

// RequestAutoCache 为轨迹包围盒排一个瓦片自动缓存任务
// 缩放层级取地图正好装下包围盒的那一级和它的下一级
func (s *TrackService) RequestAutoCache(open *OpenTrack) {
	zoom := tiles.FitZoom(open.BBox, tiles.MaxZoom)
	zooms := []int{zoom}
	if zoom+1 <= tiles.MaxZoom {
		zooms = append(zooms, zoom+1)
	}
	s.offline.RequestAutoCache(models.AutoCacheJob{
		TileTemplate: s.cfg.TileTemplate,
		BBox:         open.BBox,
		Zooms:        zooms,
		PaddingRatio: 0.03,
	})
}

// Current 当前打开的轨迹，没有时返回 nil
func (s *TrackService) Current() *OpenTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// List 历史轨迹，新的在前
func (s *TrackService) List(ctx context.Context, limit int) ([]*models.Track, error) {
	return s.repo.ListNewestFirst(ctx, limit)
}

// Delete 删除历史轨迹；删的是当前轨迹时一并关掉
func (s *TrackService) Delete(ctx context.Context, id string) (bool, error) {
	ok, err := s.repo.Delete(ctx, id)
	if err != nil || !ok {
		return ok, err
	}

	s.mu.Lock()
	if s.current != nil && s.current.Record.ID == id {
		s.current = nil
		s.cursor.SetTrack(nil, nil)
	}
	s.mu.Unlock()
	return true, nil
}

// estimateSeconds 轨迹预估耗时：有时间戳用实际时长，否则按配速估算
func (s *TrackService) estimateSeconds(stats models.TrackStats) int {
	if stats.HasTime && stats.EndTimeMs > stats.StartTimeMs {
		return int((stats.EndTimeMs - stats.StartTimeMs) / 1000)
	}
	return int(stats.TotalDistanceM / 1000.0 * float64(s.cfg.PaceSecondsPerKm))
}
