package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/weisyn/syncnet/internal/app/version"
	"github.com/weisyn/syncnet/internal/core/syncnet/facade"
	"github.com/weisyn/syncnet/pkg/types"
)

// setupRoutes 注册路由
//
//	GET /health              存活检查
//	GET /metrics             Prometheus 指标
//	GET /v1/sync/stats       引擎快照（连接池、进行中的查询、已注册协议）
//	GET /v1/sync/peers       已连接节点
//	GET /v1/node             主机地址、连接数与带宽
//	GET /v1/runtime          运行时采样
//	GET /v1/events           连接事件推送（websocket）
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.getHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/v1")
	{
		v1.GET("/sync/stats", s.getSyncStats)
		v1.GET("/sync/peers", s.getSyncPeers)
		if s.deps.Node != nil {
			v1.GET("/node", s.getNode)
		}
		if s.deps.Runtime != nil {
			v1.GET("/runtime", s.getRuntime)
		}
		if s.deps.Events != nil {
			v1.GET("/events", s.deps.Events.HandleWebSocket)
		}
	}
}

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"peer_id": s.deps.Engine.Stats().Local.String(),
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"version": version.Version,
	})
}

// SyncStatsResponse 引擎快照
type SyncStatsResponse struct {
	PeerID      string             `json:"peer_id"`
	Connections int                `json:"connections"`
	Streams     int                `json:"streams"`
	Inflight    int                `json:"inflight_queries"`
	Peers       []PeerStatsJSON    `json:"peers"`
	Protocols   []ProtocolInfoJSON `json:"protocols"`
}

// PeerStatsJSON 单个节点的连接池状态
type PeerStatsJSON struct {
	Peer      string `json:"peer"`
	Connected bool   `json:"connected"`
	Streams   int    `json:"streams"`
	Score     int    `json:"score"`
	Failures  int    `json:"failures"`
}

// ProtocolInfoJSON 已注册协议
type ProtocolInfoJSON struct {
	Name         string    `json:"name"`
	Version      uint32    `json:"version"`
	ChunkSize    int       `json:"chunk_size"`
	MaxLimit     uint64    `json:"max_limit"`
	ErrorPolicy  string    `json:"error_policy"`
	RegisteredAt time.Time `json:"registered_at"`
}

func newSyncStatsResponse(st facade.Stats) SyncStatsResponse {
	resp := SyncStatsResponse{
		PeerID:      st.Local.String(),
		Connections: st.Pool.Connections,
		Streams:     st.Pool.Streams,
		Inflight:    st.Inflight,
		Peers:       make([]PeerStatsJSON, 0, len(st.Pool.Peers)),
		Protocols:   make([]ProtocolInfoJSON, 0, len(st.Protocols)),
	}
	for _, p := range st.Pool.Peers {
		resp.Peers = append(resp.Peers, PeerStatsJSON{
			Peer:      p.Peer.String(),
			Connected: p.Connected,
			Streams:   p.Streams,
			Score:     p.Score,
			Failures:  p.Failures,
		})
	}
	for _, info := range st.Protocols {
		resp.Protocols = append(resp.Protocols, protocolJSON(info))
	}
	return resp
}

func protocolJSON(info types.ProtocolInfo) ProtocolInfoJSON {
	return ProtocolInfoJSON{
		Name:         info.Name.String(),
		Version:      info.Version,
		ChunkSize:    info.Config.ChunkSize,
		MaxLimit:     info.Config.MaxLimit,
		ErrorPolicy:  info.Config.ErrorPolicy.String(),
		RegisteredAt: info.RegisteredAt,
	}
}

func (s *Server) getSyncStats(c *gin.Context) {
	c.JSON(http.StatusOK, newSyncStatsResponse(s.deps.Engine.Stats()))
}

func (s *Server) getSyncPeers(c *gin.Context) {
	peers, err := s.deps.Engine.Peers(c.Request.Context())
	if err != nil {
		writeProblem(c, http.StatusServiceUnavailable, "sync engine unavailable", err)
		return
	}
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.String())
	}
	c.JSON(http.StatusOK, gin.H{"peers": out, "count": len(out)})
}

// NodeResponse 主机状态
type NodeResponse struct {
	PeerID      string   `json:"peer_id"`
	Addrs       []string `json:"addrs"`
	Peers       int      `json:"peers"`
	Connections int      `json:"connections"`
	TotalIn     int64    `json:"bytes_in"`
	TotalOut    int64    `json:"bytes_out"`
	RateIn      float64  `json:"rate_in"`
	RateOut     float64  `json:"rate_out"`
}

func (s *Server) getNode(c *gin.Context) {
	st := s.deps.Node.Stats()
	if st.PeerID == "" {
		writeProblem(c, http.StatusServiceUnavailable, "host not running", nil)
		return
	}
	c.JSON(http.StatusOK, NodeResponse{
		PeerID:      st.PeerID,
		Addrs:       st.Addrs,
		Peers:       st.Peers,
		Connections: st.Connections,
		TotalIn:     st.Bandwidth.TotalIn,
		TotalOut:    st.Bandwidth.TotalOut,
		RateIn:      st.Bandwidth.RateIn,
		RateOut:     st.Bandwidth.RateOut,
	})
}

func (s *Server) getRuntime(c *gin.Context) {
	latest, ok := s.deps.Runtime.Latest()
	if !ok {
		writeProblem(c, http.StatusServiceUnavailable, "no runtime sample yet", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"latest":  latest,
		"history": s.deps.Runtime.History(),
	})
}
