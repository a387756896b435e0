// Package websocket 通过 WebSocket 推送节点连接事件
//
// Hub 在事件总线上只订阅一次，再把事件扇出给所有连接的客户端。
// 慢客户端的缓冲区满时丢弃事件，不会阻塞事件总线。
package websocket

import (
	"net/http"
	"sync"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/weisyn/syncnet/pkg/interfaces/syncnet"
)

const (
	// clientBuffer 每个客户端的待发送事件数
	clientBuffer = 64

	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

// ErrHubClosed 事件推送已停止
var ErrHubClosed = errors.New("event hub closed")

// PeerEventMessage 推送给客户端的消息
type PeerEventMessage struct {
	Type string    `json:"type"` // peer_connected | peer_disconnected
	Peer string    `json:"peer"`
	Time time.Time `json:"time"`
}

type client struct {
	conn *websocket.Conn
	send chan PeerEventMessage
}

// Hub 事件推送中心
type Hub struct {
	bus      evbus.Bus
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	started bool
	closed  bool
	dropped uint64
}

// NewHub 创建推送中心；logger 可为 nil
func NewHub(bus evbus.Bus, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		bus:    bus,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 管理接口只监听本机，不校验 Origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Start 订阅连接事件
func (h *Hub) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	if h.started {
		return nil
	}
	if err := h.bus.SubscribeAsync(syncnet.TopicPeerConnected, h.onPeerEvent, false); err != nil {
		return errors.Wrap(err, "subscribe peer connected")
	}
	if err := h.bus.SubscribeAsync(syncnet.TopicPeerDisconnected, h.onPeerEvent, false); err != nil {
		_ = h.bus.Unsubscribe(syncnet.TopicPeerConnected, h.onPeerEvent)
		return errors.Wrap(err, "subscribe peer disconnected")
	}
	h.started = true
	return nil
}

// Stop 取消订阅并断开所有客户端
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	if h.started {
		_ = h.bus.Unsubscribe(syncnet.TopicPeerConnected, h.onPeerEvent)
		_ = h.bus.Unsubscribe(syncnet.TopicPeerDisconnected, h.onPeerEvent)
	}
	for cl := range h.clients {
		delete(h.clients, cl)
		close(cl.send)
	}
}

// Clients 当前客户端数量
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped 因客户端过慢丢弃的事件数
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (h *Hub) onPeerEvent(ev syncnet.PeerEvent) {
	msg := PeerEventMessage{Type: "peer_disconnected", Peer: ev.Peer.String(), Time: time.Now()}
	if ev.Connected {
		msg.Type = "peer_connected"
	}
	h.broadcast(msg)
}

func (h *Hub) broadcast(msg PeerEventMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		select {
		case cl.send <- msg:
		default:
			h.dropped++
		}
	}
}

func (h *Hub) register(cl *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[cl] = struct{}{}
	return true
}

func (h *Hub) unregister(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[cl]; ok {
		delete(h.clients, cl)
		close(cl.send)
	}
}

// HandleWebSocket 升级连接并持续推送事件，直到客户端断开或推送中心停止
func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket 升级失败", zap.Error(err))
		return
	}
	cl := &client{conn: conn, send: make(chan PeerEventMessage, clientBuffer)}
	if !h.register(cl) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeTimeout))
		_ = conn.Close()
		return
	}

	// 读循环只用于感知客户端断开
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		h.unregister(cl)
		_ = conn.Close()
		<-readDone
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-cl.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			return
		}
	}
}
