package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"stockhold/internal/pkg/logger"
	"stockhold/internal/service/reservation/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 来源校验与鉴权由网关完成，本服务不做二次检查
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventHub 把预占生命周期事件推送给订阅了同一租户的 websocket 连接。
// 它同时实现了 port.EventPublisher，可以和 Kafka 发布器并列使用。
type EventHub struct {
	clients    map[*wsClient]struct{}
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	lock       sync.RWMutex
}

func NewEventHub() *EventHub {
	return &EventHub{
		clients:    make(map[*wsClient]struct{}),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
}

// Run 处理连接的注册与注销，ctx 结束时关闭所有连接
func (h *EventHub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.lock.Lock()
			h.clients[c] = struct{}{}
			h.lock.Unlock()
			logger.Ctx(ctx).Debug().Str("client", c.id).Int64("tenant_id", c.tenantID).Msg("websocket client registered")
		case c := <-h.unregister:
			h.lock.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.lock.Unlock()
			logger.Ctx(ctx).Debug().Str("client", c.id).Msg("websocket client unregistered")
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

// Count 返回当前连接数
func (h *EventHub) Count() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.clients)
}

// Publish 按租户广播事件。发送缓冲已满的连接直接丢弃这条消息，不阻塞调用方。
func (h *EventHub) Publish(ctx context.Context, events ...domain.ReservationEvent) error {
	h.lock.RLock()
	defer h.lock.RUnlock()
	if len(h.clients) == 0 {
		return nil
	}

	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return err
		}
		for c := range h.clients {
			if c.tenantID != e.TenantID {
				continue
			}
			select {
			case c.send <- payload:
			default:
				logger.Ctx(ctx).Warn().Str("client", c.id).Str("type", string(e.Type)).Msg("websocket client too slow, event dropped")
			}
		}
	}
	return nil
}

// ServeWS 升级连接并订阅一个租户的事件。
// 与 HTTP 接口一样，租户身份信任鉴权网关写入的 X-Tenant-ID；浏览器无法在握手时设置请求头，
// 此时才使用 tenant 参数，这种部署必须由网关校验该参数。两者同时存在且不一致时拒绝。
func (h *EventHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	raw := r.Header.Get(tenantHeader)
	if q := r.URL.Query().Get("tenant"); q != "" {
		if raw != "" && raw != q {
			http.Error(w, "tenant does not match "+tenantHeader, http.StatusForbidden)
			return
		}
		raw = q
	}
	tenantID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || tenantID <= 0 {
		http.Error(w, "tenant is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Ctx(r.Context()).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &wsClient{
		id:       uuid.NewString()[:8],
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		tenantID: tenantID,
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// wsClient 是一个 websocket 连接的代表
type wsClient struct {
	id       string
	hub      *EventHub
	conn     *websocket.Conn
	send     chan []byte
	tenantID int64
}

// readPump 只处理 pong 与关闭，客户端发来的其他消息忽略
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
