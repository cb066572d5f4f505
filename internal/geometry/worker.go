package geometry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/langchou/gpxview/internal/models"
)

// worker 消息类型
const (
	MsgProcessTrack = "PROCESS_TRACK"
	MsgSnapToTrack  = "SNAP_TO_TRACK"
	MsgNearestPoint = "NEAREST_POINT"
	MsgSnapWindowed = "SNAP_WINDOWED"
)

// DefaultTimeout 几何调用的默认超时
const DefaultTimeout = 60 * time.Second

// ErrTimeout 超时内没有收到对应的回复；这是唯一的取消机制，
// worker 已接受的工作无法中止
var ErrTimeout = errors.New("geometry: request timed out")

// envelope worker 边界上的消息，回复通过 ReplyTo 回显请求 ID 关联
type envelope struct {
	Type    string
	ID      string
	ReplyTo string
	OK      bool
	Err     string
	Body    any
}

// processTrackRequest 输入数组的所有权随消息转移给 worker
type processTrackRequest struct {
	Lat    []float64
	Lon    []float64
	Ele    []float64
	TimeMs []int64
}

type snapRequest struct {
	Lat          float64
	Lon          float64
	MaxDistanceM float64
	CenterSeg    int
	Window       int
}

// Client 几何 worker 的调用端
// 所有方法都是阻塞的请求/响应，按生成的 ID 关联回复
type Client struct {
	logger   *zap.Logger
	engine   *Engine
	requests chan envelope
	replies  chan envelope
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]chan envelope
	closed  bool
}

// StartWorker 启动几何 worker 协程并返回它的客户端
func StartWorker(logger *zap.Logger) *Client {
	c := &Client{
		logger:   logger,
		engine:   NewEngine(),
		requests: make(chan envelope, 16),
		replies:  make(chan envelope, 16),
		timeout:  DefaultTimeout,
		pending:  make(map[string]chan envelope),
	}
	go c.workerLoop()
	go c.dispatchLoop()
	return c
}

// SetTimeout 覆盖默认超时，仅用于测试
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Close 关闭 worker，未完成的请求以超时告终
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.requests)
}

// workerLoop worker 执行上下文：独占引擎，顺序处理请求
func (c *Client) workerLoop() {
	defer close(c.replies)

	for req := range c.requests {
		reply := c.handle(req)
		c.replies <- reply
	}
}

// handle 处理单条请求；panic 转为错误回复，不跨协程抛出
func (c *Client) handle(req envelope) (reply envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Geometry worker panic", zap.Any("panic", r), zap.String("type", req.Type))
			reply = envelope{ReplyTo: req.ID, OK: false, Err: fmt.Sprintf("worker panic: %v", r)}
		}
	}()

	switch req.Type {
	case MsgProcessTrack:
		body := req.Body.(*processTrackRequest)
		res, err := c.engine.ProcessTrack(body.Lat, body.Lon, body.Ele, body.TimeMs)
		if err != nil {
			return envelope{ReplyTo: req.ID, OK: false, Err: err.Error()}
		}
		return envelope{ReplyTo: req.ID, OK: true, Body: res}

	case MsgSnapToTrack:
		body := req.Body.(*snapRequest)
		return envelope{ReplyTo: req.ID, OK: true, Body: c.engine.NearestSegmentProjection(body.Lat, body.Lon, body.MaxDistanceM)}

	case MsgNearestPoint:
		body := req.Body.(*snapRequest)
		return envelope{ReplyTo: req.ID, OK: true, Body: c.engine.NearestSegmentProjection(body.Lat, body.Lon, 0)}

	case MsgSnapWindowed:
		body := req.Body.(*snapRequest)
		return envelope{ReplyTo: req.ID, OK: true, Body: c.engine.NearestSegmentInWindow(body.Lat, body.Lon, body.CenterSeg, body.Window)}

	default:
		return envelope{ReplyTo: req.ID, OK: false, Err: "unknown worker message: " + req.Type}
	}
}

// dispatchLoop 把回复派发给等待中的调用
func (c *Client) dispatchLoop() {
	for reply := range c.replies {
		c.mu.Lock()
		ch, ok := c.pending[reply.ReplyTo]
		if ok {
			delete(c.pending, reply.ReplyTo)
		}
		c.mu.Unlock()
		if ok {
			ch <- reply
		}
	}
}

// request 发送一条请求并等待关联回复或超时
func (c *Client) request(msgType string, body any) (envelope, error) {
	id := uuid.NewString()
	ch := make(chan envelope, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return envelope{}, errors.New("geometry: worker closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.requests <- envelope{Type: msgType, ID: id, Body: body}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if !reply.OK {
			return envelope{}, fmt.Errorf("geometry: %s", reply.Err)
		}
		return reply, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return envelope{}, ErrTimeout
	}
}

// ProcessTrack 在 worker 中处理轨迹
// 输入切片的所有权移交给 worker，调用后不得再使用
func (c *Client) ProcessTrack(lat, lon, ele []float64, timeMs []int64) (*Result, error) {
	reply, err := c.request(MsgProcessTrack, &processTrackRequest{Lat: lat, Lon: lon, Ele: ele, TimeMs: timeMs})
	if err != nil {
		return nil, err
	}
	return reply.Body.(*Result), nil
}

// SnapToTrack 带距离上限的最近线段吸附
func (c *Client) SnapToTrack(lat, lon, maxDistanceM float64) (*models.SnapResult, error) {
	reply, err := c.request(MsgSnapToTrack, &snapRequest{Lat: lat, Lon: lon, MaxDistanceM: maxDistanceM})
	if err != nil {
		return nil, err
	}
	return snapBody(reply)
}

// NearestPoint 无距离限制的最近点查询
func (c *Client) NearestPoint(lat, lon float64) (*models.SnapResult, error) {
	reply, err := c.request(MsgNearestPoint, &snapRequest{Lat: lat, Lon: lon})
	if err != nil {
		return nil, err
	}
	return snapBody(reply)
}

// NearestInWindow 以 centerSeg 为中心的窗口化最近点查询
func (c *Client) NearestInWindow(lat, lon float64, centerSeg, window int) (*models.SnapResult, error) {
	reply, err := c.request(MsgSnapWindowed, &snapRequest{Lat: lat, Lon: lon, CenterSeg: centerSeg, Window: window})
	if err != nil {
		return nil, err
	}
	return snapBody(reply)
}

func snapBody(reply envelope) (*models.SnapResult, error) {
	if reply.Body == nil {
		return nil, ErrNoTrack
	}
	res, _ := reply.Body.(*models.SnapResult)
	if res == nil {
		return nil, ErrNoTrack
	}
	return res, nil
}
