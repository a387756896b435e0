// Package server 实现同步协议的服务端路径
//
// 每条入站流读取恰好一个 Request，校验后从记录来源惰性拉取数据，
// 按 ChunkSize 分块写回，最后写 EndOfResponse 并关闭流。
// 写入阻塞即背压：慢速对端只会放慢自己这条流的存储读取。
package server

import (
	"context"
	"io"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	syncconfig "github.com/weisyn/syncnet/internal/config/syncnet"
	"github.com/weisyn/syncnet/internal/core/syncnet/session"
	"github.com/weisyn/syncnet/internal/core/syncnet/wire"
	log "github.com/weisyn/syncnet/pkg/interfaces/infrastructure/log"
	"github.com/weisyn/syncnet/pkg/interfaces/syncnet"
	"github.com/weisyn/syncnet/pkg/types"
)

// Server 响应服务
type Server struct {
	registry *ProtocolRegistry
	sem      *Semaphore
	cfg      *syncconfig.Config
	logger   log.Logger

	requestTimeout time.Duration
	writeTimeout   time.Duration

	limitRate  rate.Limit
	limitBurst int
	limitersMu sync.Mutex
	limiters   *lru.Cache[peer.ID, *rate.Limiter]

	wg sync.WaitGroup
}

// New 创建响应服务
func New(cfg *syncconfig.Config, logger log.Logger) *Server {
	initServerMetrics()
	o := cfg.GetOptions()

	limiters, err := lru.New[peer.ID, *rate.Limiter](max(o.ReputationSize, 16))
	if err != nil {
		panic(err)
	}
	limitRate := rate.Inf
	if o.InboundRatePerPeer > 0 {
		limitRate = rate.Limit(o.InboundRatePerPeer)
	}
	return &Server{
		registry:       NewProtocolRegistry(),
		sem:            NewSemaphore(o.MaxInboundConcurrency),
		cfg:            cfg,
		logger:         logger,
		requestTimeout: o.AttemptTimeout,
		writeTimeout:   o.AttemptTimeout,
		limitRate:      limitRate,
		limitBurst:     max(o.InboundBurstPerPeer, 1),
		limiters:       limiters,
	}
}

// Register 注册协议，opts 覆盖配置中的默认值
func (s *Server) Register(protocol types.ProtocolName, source syncnet.RecordSource, opts ...syncnet.RegisterOption) error {
	rc := s.cfg.RegisterDefaults(protocol)
	for _, opt := range opts {
		opt(&rc)
	}
	if err := s.registry.Register(protocol, source, rc); err != nil {
		return err
	}
	s.logger.Infof("注册同步协议 %s chunk=%d max_limit=%d policy=%s", protocol, rc.ChunkSize, rc.MaxLimit, rc.ErrorPolicy)
	return nil
}

// Unregister 注销协议
func (s *Server) Unregister(protocol types.ProtocolName) error {
	if !s.registry.Unregister(protocol) {
		return errors.Errorf("protocol %s not registered", protocol)
	}
	return nil
}

// Registered 协议是否已注册
func (s *Server) Registered(protocol types.ProtocolName) bool {
	_, _, ok := s.registry.Get(protocol)
	return ok
}

// Protocols 已注册协议
func (s *Server) Protocols() []types.ProtocolInfo {
	return s.registry.List()
}

// Wait 等待所有进行中的请求结束
func (s *Server) Wait() { s.wg.Wait() }

// ServeAsync 在独立 goroutine 中处理入站会话
func (s *Server) ServeAsync(ctx context.Context, sess *session.Session) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Serve(ctx, sess)
	}()
}

// Serve 处理一个入站会话，返回前保证会话已关闭或重置
// 错误只影响这一条流，不会向外传播
func (s *Server) Serve(ctx context.Context, sess *session.Session) {
	protocol := sess.Protocol()
	result := s.serve(ctx, sess)
	requestsTotal.WithLabelValues(string(protocol), result).Inc()
}

func (s *Server) serve(ctx context.Context, sess *session.Session) string {
	p := sess.Peer()
	protocol := sess.Protocol()

	// 先读请求再做注册与限流判断，避免对端阻塞在请求写入上
	rctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	msg, err := sess.Receive(rctx)
	cancel()
	if err != nil {
		_ = sess.Reset()
		if types.IsKind(err, types.KindFraming) {
			s.logger.Warnf("入站请求帧格式错误 peer=%s protocol=%s err=%v", p, protocol, err)
			return "framing"
		}
		s.logger.Debugf("读取入站请求失败 peer=%s protocol=%s err=%v", p, protocol, err)
		return "read_error"
	}

	source, info, ok := s.registry.Get(protocol)
	if !ok {
		s.reject(ctx, sess, wire.CodeUnsupported, "protocol not registered")
		return "unsupported"
	}

	if !s.limiter(p).Allow() {
		s.reject(ctx, sess, wire.CodeUnavailable, "rate limited")
		return "rate_limited"
	}
	if !s.sem.TryAcquire() {
		s.reject(ctx, sess, wire.CodeUnavailable, "server busy")
		return "busy"
	}
	defer s.sem.Release()
	inflightRequests.Inc()
	defer inflightRequests.Dec()

	if msg.Kind() != wire.KindRequest {
		s.reject(ctx, sess, wire.CodeBadRequest, "expected request, got "+msg.Kind().String())
		return "bad_request"
	}
	if err := validateRequest(msg.Request, info); err != nil {
		s.reject(ctx, sess, wire.CodeBadRequest, err.Error())
		return "bad_request"
	}

	return s.stream(ctx, sess, source, info, msg.Request.Range())
}

// stream 分块写回记录
func (s *Server) stream(ctx context.Context, sess *session.Session, source syncnet.RecordSource, info types.ProtocolInfo, filter types.RangeFilter) string {
	p := sess.Peer()
	serveCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// 监听对端：正常情况下对端已半关闭写端，读到 EOF；
	// 重置或多余数据说明对端放弃了这次请求
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		if _, err := sess.Receive(context.Background()); err != nil && types.IsKind(err, types.KindStreamClosed) {
			return
		}
		cancel(errPeerGone)
	}()
	defer func() {
		<-watchDone
	}()

	it, err := source.QueryRange(serveCtx, filter)
	if err != nil {
		if serveCtx.Err() != nil {
			return s.abandon(sess, serveCtx)
		}
		return s.storageFailed(serveCtx, sess, info, err)
	}
	defer it.Close()

	chunkSize := info.Config.ChunkSize
	maxFrame := sess.MaxFrame()
	chunk := make([][]byte, 0, chunkSize)
	var chunkBytes int
	var count uint64

	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := s.send(serveCtx, sess, wire.NewChunk(chunk)); err != nil {
			return err
		}
		count += uint64(len(chunk))
		recordsServedTotal.WithLabelValues(string(info.Name)).Add(float64(len(chunk)))
		clear(chunk)
		chunk = chunk[:0]
		chunkBytes = 0
		return nil
	}

	for {
		rec, err := it.Next(serveCtx)
		if err == io.EOF {
			break
		}
		if err != nil {
			if serveCtx.Err() != nil {
				return s.abandon(sess, serveCtx)
			}
			return s.storageFailed(serveCtx, sess, info, err)
		}

		// 块同时受记录数与编码后大小约束
		itemSize := wire.ChunkItemSize(len(rec))
		if wire.ChunkPayloadSize(itemSize) > maxFrame {
			if err := flush(); err != nil {
				return s.writeFailed(sess, serveCtx, err)
			}
			s.logger.Warnf("记录超过单帧上限 peer=%s protocol=%s size=%d max_frame=%d", p, info.Name, len(rec), maxFrame)
			s.failByPolicy(serveCtx, sess, info, "record exceeds max frame size")
			return "record_too_large"
		}
		if len(chunk) > 0 && wire.ChunkPayloadSize(chunkBytes+itemSize) > maxFrame {
			if err := flush(); err != nil {
				return s.writeFailed(sess, serveCtx, err)
			}
		}
		chunk = append(chunk, rec)
		chunkBytes += itemSize
		if len(chunk) == chunkSize {
			if err := flush(); err != nil {
				return s.writeFailed(sess, serveCtx, err)
			}
		}
	}
	if err := flush(); err != nil {
		return s.writeFailed(sess, serveCtx, err)
	}
	if err := s.send(serveCtx, sess, wire.NewEnd(count)); err != nil {
		return s.writeFailed(sess, serveCtx, err)
	}
	_ = sess.CloseWrite()
	_ = sess.Close()
	s.logger.Debugf("完成入站请求 peer=%s protocol=%s records=%d", p, info.Name, count)
	return "ok"
}

var errPeerGone = errors.New("peer abandoned the request")

func (s *Server) send(ctx context.Context, sess *session.Session, msg *wire.Message) error {
	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return sess.Send(wctx, msg)
}

// abandon 对端已离开：放弃存储读取并重置流
func (s *Server) abandon(sess *session.Session, serveCtx context.Context) string {
	_ = sess.Reset()
	s.logger.Debugf("对端放弃请求 peer=%s protocol=%s cause=%v", sess.Peer(), sess.Protocol(), context.Cause(serveCtx))
	return "abandoned"
}

func (s *Server) writeFailed(sess *session.Session, serveCtx context.Context, err error) string {
	if serveCtx.Err() != nil {
		return s.abandon(sess, serveCtx)
	}
	_ = sess.Reset()
	s.logger.Debugf("写入响应失败 peer=%s protocol=%s err=%v", sess.Peer(), sess.Protocol(), err)
	return "write_error"
}

// storageFailed 按协议的错误策略通知对端
func (s *Server) storageFailed(ctx context.Context, sess *session.Session, info types.ProtocolInfo, err error) string {
	s.logger.Warnf("读取存储失败 peer=%s protocol=%s err=%v", sess.Peer(), info.Name, err)
	s.failByPolicy(ctx, sess, info, "storage unavailable")
	return "storage_error"
}

// failByPolicy 内部错误：AbruptClose 直接重置，否则写 Error{Internal}
func (s *Server) failByPolicy(ctx context.Context, sess *session.Session, info types.ProtocolInfo, reason string) {
	if info.Config.ErrorPolicy == types.ErrorPolicyAbruptClose {
		_ = sess.Reset()
		return
	}
	s.reject(ctx, sess, wire.CodeInternal, reason)
}

// reject 写 Error 消息后关闭流
func (s *Server) reject(ctx context.Context, sess *session.Session, code wire.ErrorCode, reason string) {
	if err := s.send(ctx, sess, wire.NewError(code, reason)); err != nil {
		_ = sess.Reset()
		return
	}
	_ = sess.CloseWrite()
	_ = sess.Close()
}

func (s *Server) limiter(p peer.ID) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	if l, ok := s.limiters.Get(p); ok {
		return l
	}
	l := rate.NewLimiter(s.limitRate, s.limitBurst)
	s.limiters.Add(p, l)
	return l
}

// validateRequest 校验版本与范围
func validateRequest(req *wire.Request, info types.ProtocolInfo) error {
	if req.Version != info.Version {
		return errors.Errorf("version %d not supported, want %d", req.Version, info.Version)
	}
	if req.Limit == 0 {
		return errors.New("limit must be positive")
	}
	if req.Limit > info.Config.MaxLimit {
		return errors.Errorf("limit %d exceeds max %d", req.Limit, info.Config.MaxLimit)
	}
	if req.Step == 0 {
		return errors.New("step must be positive")
	}
	if req.Direction != types.DirectionForward && req.Direction != types.DirectionBackward {
		return errors.Errorf("unknown direction %d", req.Direction)
	}
	return nil
}
