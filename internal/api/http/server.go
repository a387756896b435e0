// Package http 提供本机管理接口：健康检查、Prometheus 指标、同步引擎与主机状态查询
//
// 管理接口默认关闭且只监听本机，不应对外暴露。
package http

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"

	"github.com/weisyn/syncnet/internal/api/http/middleware"
	"github.com/weisyn/syncnet/internal/api/websocket"
	apiconfig "github.com/weisyn/syncnet/internal/config/api"
	"github.com/weisyn/syncnet/internal/core/infrastructure/metrics"
	hostpkg "github.com/weisyn/syncnet/internal/core/infrastructure/node/impl/host"
	"github.com/weisyn/syncnet/internal/core/syncnet/facade"
	"github.com/weisyn/syncnet/pkg/interfaces/infrastructure/log"
)

// shutdownTimeout 关闭时等待进行中请求的上限
const shutdownTimeout = 5 * time.Second

// EngineView 管理接口读取的同步引擎状态
type EngineView interface {
	Stats() facade.Stats
	Peers(ctx context.Context) ([]peer.ID, error)
}

// NodeView 主机状态
type NodeView interface {
	Stats() hostpkg.Stats
}

// RuntimeView 运行时采样
type RuntimeView interface {
	Latest() (metrics.Sample, bool)
	History() []metrics.Sample
}

// Deps 管理接口依赖；除 Engine 外均可为 nil，对应路由不注册
type Deps struct {
	Engine  EngineView
	Node    NodeView
	Runtime RuntimeView
	Events  *websocket.Hub
}

// Server 管理接口服务器
type Server struct {
	opts   *apiconfig.APIOptions
	deps   Deps
	logger log.Logger
	router *gin.Engine

	startTime time.Time

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	serveDone  chan struct{}
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// NewServer 创建管理接口服务器并注册路由
func NewServer(opts *apiconfig.APIOptions, deps Deps, logger log.Logger) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.Logger(logger), middleware.Metrics())

	s := &Server{
		opts:      opts,
		deps:      deps,
		logger:    logger,
		router:    router,
		startTime: time.Now(),
	}
	s.setupRoutes()
	return s
}

// Handler 返回路由，便于测试直接驱动
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 绑定监听地址并在后台提供服务
// 端口为 0 时由系统分配，实际地址通过 Addr 获取
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.opts.HTTPAddress)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.opts.HTTPAddress)
	}
	if s.deps.Events != nil {
		if err := s.deps.Events.Start(); err != nil {
			_ = ln.Close()
			return err
		}
	}

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.listener = ln
	s.serveDone = make(chan struct{})

	srv, done := s.httpServer, s.serveDone
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("管理接口异常退出: %v", err)
		}
	}()
	s.logger.Infof("管理接口已启动 addr=%s", ln.Addr())
	return nil
}

// Addr 实际监听地址，未启动时为 nil
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop 断开事件推送并优雅关闭 HTTP 服务
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.httpServer, s.serveDone
	s.httpServer = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	// 已被劫持的 websocket 连接不受 Shutdown 管理，需要先断开
	if s.deps.Events != nil {
		s.deps.Events.Stop()
	}

	stopCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(stopCtx); err != nil {
		s.logger.Errorf("管理接口关闭出错: %v", err)
		return err
	}
	<-done
	s.logger.Info("管理接口已关闭")
	return nil
}
