package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/gpxview/internal/config"
	"github.com/langchou/gpxview/internal/cursor"
	"github.com/langchou/gpxview/internal/geometry"
	"github.com/langchou/gpxview/internal/gpx"
	"github.com/langchou/gpxview/internal/offline"
	"github.com/langchou/gpxview/internal/service"
	"github.com/langchou/gpxview/pkg/ws"
)

// Handler HTTP 处理器
type Handler struct {
	logger     *zap.Logger
	cfg        *config.Config
	tracks     *service.TrackService
	geom       *geometry.Client
	cursorCtl  *cursor.Controller
	offlineSvc *offline.Service
	wsHub      *ws.Hub
	upgrader   websocket.Upgrader
}

// NewHandler 创建处理器
func NewHandler(
	logger *zap.Logger,
	cfg *config.Config,
	tracks *service.TrackService,
	geom *geometry.Client,
	cursorCtl *cursor.Controller,
	offlineSvc *offline.Service,
	wsHub *ws.Hub,
) *Handler {
	return &Handler{
		logger:     logger,
		cfg:        cfg,
		tracks:     tracks,
		geom:       geom,
		cursorCtl:  cursorCtl,
		offlineSvc: offlineSvc,
		wsHub:      wsHub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 开发环境允许所有来源
			},
		},
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// API 路由
	api := r.Group("/api")
	{
		// 轨迹
		api.POST("/tracks", h.ImportTrack)
		api.GET("/tracks", h.ListTracks)
		api.GET("/tracks/current", h.GetCurrentTrack)
		api.GET("/tracks/:id", h.OpenTrack)
		api.DELETE("/tracks/:id", h.DeleteTrack)

		// 吸附查询
		api.POST("/snap", h.SnapToTrack)

		// 游标
		api.GET("/cursor", h.GetCursor)
		api.POST("/cursor/chart/start", h.ChartDragStart)
		api.POST("/cursor/chart/move", h.ChartDragMove)
		api.POST("/cursor/chart/end", h.ChartDragEnd)
		api.POST("/cursor/map/start", h.MapDragStart)
		api.POST("/cursor/map/move", h.MapDragMove)
		api.POST("/cursor/map/end", h.MapDragEnd)

		// 定位
		api.POST("/gps/start", h.GpsStart)
		api.POST("/gps/stop", h.GpsStop)
		api.POST("/gps/fix", h.GpsFix)
		api.POST("/gps/error", h.GpsError)

		// 瓦片缓存管理
		api.POST("/tiles/autocache", h.AutoCacheTiles)
		api.POST("/tiles/prune", h.PruneTiles)
		api.DELETE("/tiles", h.ClearTiles)
	}

	// WebSocket
	r.GET("/ws", h.HandleWebSocket)

	// 健康检查
	r.GET("/health", h.HealthCheck)
}

// ImportTrack 导入 GPX 文件
// POST /api/tracks，multipart 字段 file
func (h *Handler) ImportTrack(c *gin.Context) {
	file, _, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing gpx file"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, gpx.MaxFileBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read file"})
		return
	}
	if len(data) > gpx.MaxFileBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
		return
	}

	open, err := h.tracks.Import(c.Request.Context(), data)
	if err != nil {
		if errors.Is(err, gpx.ErrTooFewPoints) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Track needs at least 2 points"})
			return
		}
		h.logger.Error("Failed to import track", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to import track"})
		return
	}

	h.wsHub.BroadcastMessage(ws.MsgTypeTrackAdded, open.Record)
	c.JSON(http.StatusCreated, gin.H{"data": open})
}

// ListTracks 历史轨迹列表
func (h *Handler) ListTracks(c *gin.Context) {
	tracks, err := h.tracks.List(c.Request.Context(), 0)
	if err != nil {
		h.logger.Error("Failed to list tracks", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list tracks"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": tracks})
}

// GetCurrentTrack 当前打开的轨迹
func (h *Handler) GetCurrentTrack(c *gin.Context) {
	open := h.tracks.Current()
	if open == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No track open"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": open})
}

// OpenTrack 打开历史轨迹，返回坐标数组和统计
func (h *Handler) OpenTrack(c *gin.Context) {
	open, err := h.tracks.Open(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Track not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": open})
}

// DeleteTrack 删除历史轨迹
func (h *Handler) DeleteTrack(c *gin.Context) {
	id := c.Param("id")
	ok, err := h.tracks.Delete(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("Failed to delete track", zap.Error(err), zap.String("track_id", id))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete track"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Track not found"})
		return
	}

	h.wsHub.BroadcastMessage(ws.MsgTypeTrackDeleted, gin.H{"id": id})
	c.JSON(http.StatusOK, gin.H{"message": "Track deleted", "id": id})
}

// snapRequest 吸附查询参数
type snapRequest struct {
	Lat          float64 `json:"lat"`
	Lon          float64 `json:"lon"`
	MaxDistanceM float64 `json:"maxDistanceM"`
}

// SnapToTrack 最近线段投影查询
// POST /api/snap
func (h *Handler) SnapToTrack(c *gin.Context) {
	var req snapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid snap request"})
		return
	}

	res, err := h.geom.SnapToTrack(req.Lat, req.Lon, req.MaxDistanceM)
	if err != nil {
		if errors.Is(err, geometry.ErrNoTrack) {
			c.JSON(http.StatusConflict, gin.H{"error": "No track loaded"})
			return
		}
		h.logger.Error("Snap query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Snap query failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": res})
}

// GetCursor 当前权威游标
func (h *Handler) GetCursor(c *gin.Context) {
	cur := h.cursorCtl.Cursor()
	if cur == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No cursor"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": cur, "state": h.cursorCtl.State()})
}

// ChartDragStart 图表拖动开始
func (h *Handler) ChartDragStart(c *gin.Context) {
	h.cursorCtl.ChartDragStart()
	c.JSON(http.StatusOK, gin.H{"state": h.cursorCtl.State()})
}

// chartMoveRequest 图表拖动位置
type chartMoveRequest struct {
	Idx int `json:"idx"`
}

// ChartDragMove 图表拖动到某个顶点
func (h *Handler) ChartDragMove(c *gin.Context) {
	var req chartMoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid index"})
		return
	}
	h.cursorCtl.ChartDragMove(req.Idx)
	c.JSON(http.StatusOK, gin.H{"data": h.cursorCtl.Cursor()})
}

// ChartDragEnd 图表拖动结束，可能进入惯性滑行
func (h *Handler) ChartDragEnd(c *gin.Context) {
	h.cursorCtl.ChartDragEnd()
	c.JSON(http.StatusOK, gin.H{"state": h.cursorCtl.State()})
}

// latLonRequest 地图拖动位置
type latLonRequest struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// MapDragStart 地图游标柄拖动开始
func (h *Handler) MapDragStart(c *gin.Context) {
	var req latLonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid position"})
		return
	}
	h.cursorCtl.MapDragStart(req.Lat, req.Lon)
	c.JSON(http.StatusOK, gin.H{"data": h.cursorCtl.Cursor(), "state": h.cursorCtl.State()})
}

// MapDragMove 地图游标柄拖动
func (h *Handler) MapDragMove(c *gin.Context) {
	var req latLonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid position"})
		return
	}
	h.cursorCtl.MapDragMove(req.Lat, req.Lon)
	c.JSON(http.StatusOK, gin.H{"data": h.cursorCtl.Cursor()})
}

// MapDragEnd 地图游标柄拖动结束
func (h *Handler) MapDragEnd(c *gin.Context) {
	var req latLonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid position"})
		return
	}
	h.cursorCtl.MapDragEnd(req.Lat, req.Lon)
	c.JSON(http.StatusOK, gin.H{"data": h.cursorCtl.Cursor(), "state": h.cursorCtl.State()})
}

// GpsStart 开始定位监听
func (h *Handler) GpsStart(c *gin.Context) {
	h.cursorCtl.StartGpsWatch()
	c.JSON(http.StatusOK, gin.H{"message": "Gps watch started"})
}

// GpsStop 停止定位监听
func (h *Handler) GpsStop(c *gin.Context) {
	h.cursorCtl.StopGpsWatch()
	c.JSON(http.StatusOK, gin.H{"message": "Gps watch stopped"})
}

// gpsFixRequest 一次定位
type gpsFixRequest struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	AccuracyM float64 `json:"accuracyM"`
}

// GpsFix 上报一次定位
func (h *Handler) GpsFix(c *gin.Context) {
	var req gpsFixRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid fix"})
		return
	}
	h.cursorCtl.GpsFix(req.Lat, req.Lon, req.AccuracyM)
	c.JSON(http.StatusOK, gin.H{"data": h.cursorCtl.Cursor(), "stale": h.cursorCtl.GpsStale()})
}

// gpsErrorRequest 定位错误码
type gpsErrorRequest struct {
	Code int `json:"code"`
}

// GpsError 上报定位错误；权限拒绝会终止监听会话
func (h *Handler) GpsError(c *gin.Context) {
	var req gpsErrorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid error code"})
		return
	}

	if err := h.cursorCtl.GpsError(req.Code); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "Gps permission denied, watch stopped"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stale": h.cursorCtl.GpsStale()})
}

// AutoCacheTiles 当前轨迹的瓦片自动缓存，进度走 WebSocket 广播
func (h *Handler) AutoCacheTiles(c *gin.Context) {
	open := h.tracks.Current()
	if open == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "No track open"})
		return
	}

	h.tracks.RequestAutoCache(open)
	c.JSON(http.StatusAccepted, gin.H{"message": "Auto-cache started"})
}

// pruneRequest 保留窗口，省略时用配置的默认值
type pruneRequest struct {
	MaxAgeSeconds *int64 `json:"maxAgeSeconds"`
}

// PruneTiles 修剪超过保留窗口未访问的瓦片
func (h *Handler) PruneTiles(c *gin.Context) {
	var req pruneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid prune request"})
		return
	}
	maxAge := h.cfg.TileRetentionSeconds
	if req.MaxAgeSeconds != nil {
		maxAge = *req.MaxAgeSeconds
	}
	if maxAge <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid maxAgeSeconds"})
		return
	}

	deleted, err := h.offlineSvc.Prune(maxAge)
	if err != nil {
		h.logger.Error("Failed to prune tiles", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to prune tiles"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// ClearTiles 清空瓦片缓存
func (h *Handler) ClearTiles(c *gin.Context) {
	if err := h.offlineSvc.ClearAll(); err != nil {
		h.logger.Error("Failed to clear tiles", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clear tiles"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Tile cache cleared"})
}

// HandleWebSocket WebSocket 处理
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn)
	client.Register()

	// 启动读写协程
	go client.ReadPump()
	go client.WritePump()
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"ws_clients": h.wsHub.ClientCount(),
	})
}
