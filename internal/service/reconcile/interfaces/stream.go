// internal/service/reconcile/interfaces/stream.go
package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"payrecon/internal/pkg/logger"
	"payrecon/internal/service/reconcile/domain"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

// StreamHub 维护运营后台的 WebSocket 连接，把订单状态流转实时推给所有在线的运营。
// 它实现了 port.TransitionPublisher。
type StreamHub struct {
	clients    map[*streamClient]struct{}
	register   chan *streamClient
	unregister chan *streamClient
	done       chan struct{}
	lock       sync.RWMutex
	upgrader   websocket.Upgrader
}

type streamClient struct {
	hub      *StreamHub
	conn     *websocket.Conn
	send     chan []byte
	operator string
}

func NewStreamHub() *StreamHub {
	return &StreamHub{
		clients:    make(map[*streamClient]struct{}),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Run 处理连接的注册和注销，ctx 取消时断开所有连接
func (h *StreamHub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.lock.Lock()
			h.clients[c] = struct{}{}
			h.lock.Unlock()
			logger.Ctx(ctx).Info().Str("operator", c.operator).Msg("stream client connected")
		case c := <-h.unregister:
			h.remove(c)
			logger.Ctx(ctx).Info().Str("operator", c.operator).Msg("stream client disconnected")
		case <-ctx.Done():
			h.lock.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.lock.Unlock()
			return nil
		}
	}
}

func (h *StreamHub) remove(c *streamClient) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ClientCount 当前在线连接数
func (h *StreamHub) ClientCount() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.clients)
}

// PublishTransition 广播一次状态流转。发送缓冲已满的慢连接会被断开，不阻塞业务写入。
func (h *StreamHub) PublishTransition(ctx context.Context, event domain.OrderTransitioned) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	var slow []*streamClient
	h.lock.RLock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.lock.RUnlock()

	for _, c := range slow {
		logger.Ctx(ctx).Warn().Str("operator", c.operator).Msg("stream client too slow, dropping")
		h.remove(c)
	}
	return nil
}

// ServeHTTP 把请求升级为 WebSocket，调用方需要先经过 RequireOperator
func (h *StreamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	operator, _ := OperatorFromContext(r.Context())
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Ctx(r.Context()).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &streamClient{hub: h, conn: conn, send: make(chan []byte, sendBuffer), operator: operator}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump 只处理心跳和关闭，客户端不会发业务消息
func (c *streamClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
