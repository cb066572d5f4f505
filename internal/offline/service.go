package offline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/langchou/gpxview/internal/models"
	"github.com/langchou/gpxview/internal/tilecache"
	"github.com/langchou/gpxview/internal/tiles"
)

// 后台缓存上下文的消息类型
const (
	MsgTileAutoCache = "TILE_AUTO_CACHE"
	MsgTilesClearAll = "TILES_CLEAR_ALL"
	MsgTilesPrune    = "TILES_PRUNE"

	// MsgTileProgress 广播给所有观察者的进度消息类型
	MsgTileProgress = "tileAutoCacheProgress"

	// errCodeFailed 结构化错误回复里的错误码
	errCodeFailed = "errors.failed"
)

// DefaultTimeout 缓存管理调用的超时；这是唯一的取消手段，
// 后台已接受的工作无法中止
const DefaultTimeout = 15 * time.Second

// ErrTimeout 超时内没有收到关联回复
var ErrTimeout = errors.New("offline: request timed out")

// Broadcaster 进度广播出口，ws.Hub 实现它
type Broadcaster interface {
	BroadcastMessage(msgType string, data interface{})
}

// message 进入后台缓存上下文的消息
// 自动缓存是 fire-and-forget；清空和修剪通过 reply 按 ID 关联回复
type message struct {
	Type          string
	ID            string
	Job           *models.AutoCacheJob
	MaxAgeSeconds int64
	reply         chan reply
}

// reply 结构化结果：ok 加结果载荷，或错误码/错误消息；从不跨边界抛异常
type reply struct {
	ReplyTo   string
	OK        bool
	Deleted   int
	ErrorCode string
	Error     string
}

// Service 离线瓦片编排服务：独占 TileCache 的后台执行上下文
type Service struct {
	logger      *zap.Logger
	store       *tilecache.Store
	fetcher     *tilecache.Fetcher
	hub         Broadcaster
	inbox       chan message
	concurrency int
	maxTiles    int
	timeout     time.Duration

	cacheBusy atomic.Bool
}

// NewService 创建离线缓存服务
func NewService(logger *zap.Logger, store *tilecache.Store, hub Broadcaster) *Service {
	return &Service{
		logger:      logger,
		store:       store,
		fetcher:     tilecache.NewFetcher(),
		hub:         hub,
		inbox:       make(chan message, 8),
		concurrency: tilecache.DefaultConcurrency,
		maxTiles:    tiles.MaxTilesAuto,
		timeout:     DefaultTimeout,
	}
}

// SetTimeout 覆盖默认超时，仅用于测试
func (s *Service) SetTimeout(d time.Duration) {
	s.timeout = d
}

// SetLimits 覆盖自动缓存的瓦片上限和并发数，在 Run 之前调用
func (s *Service) SetLimits(maxTiles, concurrency int) {
	if maxTiles > 0 {
		s.maxTiles = maxTiles
	}
	if concurrency > 0 {
		s.concurrency = concurrency
	}
}

// Run 消息循环，ctx 取消时退出
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.inbox:
			s.dispatch(ctx, msg)
		}
	}
}

func (s *Service) dispatch(ctx context.Context, msg message) {
	switch msg.Type {
	case MsgTileAutoCache:
		// 预取在自己的协程里跑，不挡住管理消息；同一时间只跑一个任务
		if !s.cacheBusy.CompareAndSwap(false, true) {
			s.logger.Info("Auto-cache job dropped, another is running")
			return
		}
		job := msg.Job
		go func() {
			defer s.cacheBusy.Store(false)
			s.runAutoCache(ctx, job)
		}()

	case MsgTilesClearAll:
		if err := s.store.ClearAll(ctx); err != nil {
			s.logger.Error("Clear tiles failed", zap.Error(err))
			msg.reply <- reply{ReplyTo: msg.ID, OK: false, ErrorCode: errCodeFailed, Error: err.Error()}
			return
		}
		msg.reply <- reply{ReplyTo: msg.ID, OK: true}

	case MsgTilesPrune:
		deleted, err := s.store.PruneOlderThan(ctx, msg.MaxAgeSeconds)
		if err != nil {
			s.logger.Error("Prune tiles failed", zap.Error(err))
			msg.reply <- reply{ReplyTo: msg.ID, OK: false, ErrorCode: errCodeFailed, Error: err.Error()}
			return
		}
		msg.reply <- reply{ReplyTo: msg.ID, OK: true, Deleted: deleted}

	default:
		s.logger.Warn("Unknown cache message", zap.String("type", msg.Type))
	}
}

// runAutoCache 从包围盒派生瓦片集合并批量预取，逐块广播进度
func (s *Service) runAutoCache(ctx context.Context, job *models.AutoCacheJob) {
	if job == nil || job.TileTemplate == "" || len(job.Zooms) == 0 {
		return
	}

	urls := tiles.Enumerate(job.TileTemplate, job.BBox, job.Zooms, job.PaddingRatio, s.maxTiles)
	if len(urls) == 0 {
		return
	}

	s.logger.Info("Auto-cache started",
		zap.Int("tiles", len(urls)),
		zap.Ints("zooms", job.Zooms))

	tilecache.Prefetch(ctx, s.logger, s.store, s.fetcher, urls, s.concurrency, func(done, total, errors int) {
		if s.hub != nil {
			s.hub.BroadcastMessage(MsgTileProgress, models.TileProgress{Done: done, Total: total, Errors: errors})
		}
	})

	s.logger.Info("Auto-cache finished", zap.Int("tiles", len(urls)))
}

// RequestAutoCache 提交自动缓存任务，fire-and-forget
// 队列满时丢弃：离线缓存降级，不阻塞调用方
func (s *Service) RequestAutoCache(job models.AutoCacheJob) {
	select {
	case s.inbox <- message{Type: MsgTileAutoCache, Job: &job}:
	default:
		s.logger.Warn("Auto-cache queue full, job dropped")
	}
}

// request 请求/响应交换：生成 ID，等待 ReplyTo 关联的回复或超时
func (s *Service) request(msg message) (reply, error) {
	msg.ID = uuid.NewString()
	msg.reply = make(chan reply, 1)

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case s.inbox <- msg:
	case <-timer.C:
		return reply{}, ErrTimeout
	}

	select {
	case r := <-msg.reply:
		if r.ReplyTo != msg.ID {
			return reply{}, errors.New("offline: reply correlation mismatch")
		}
		if !r.OK {
			return reply{}, errors.New("offline: " + r.ErrorCode + ": " + r.Error)
		}
		return r, nil
	case <-timer.C:
		return reply{}, ErrTimeout
	}
}

// ClearAll 清空全部瓦片缓存
func (s *Service) ClearAll() error {
	_, err := s.request(message{Type: MsgTilesClearAll})
	return err
}

// Prune 删除超过保留窗口未访问的瓦片，返回删除数量
func (s *Service) Prune(maxAgeSeconds int64) (int, error) {
	r, err := s.request(message{Type: MsgTilesPrune, MaxAgeSeconds: maxAgeSeconds})
	if err != nil {
		return 0, err
	}
	return r.Deleted, nil
}
