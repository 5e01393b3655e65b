package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"arp/internal/metrics"
	"arp/internal/services"
	"arp/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 300 * time.Second
	wsPingInterval = 60 * time.Second
	wsBuffer       = 64
)

// WebSocketHandler 执行事件推送
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	hub      *services.EventHub
	log      *logrus.Logger
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(hub *services.EventHub, allowedOrigins []string) *WebSocketHandler {
	log := logger.GetLogger()
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// 同源请求
				if origin == "" {
					return true
				}
				for _, allowed := range allowedOrigins {
					if allowed == "*" || matchOrigin(origin, allowed) {
						return true
					}
				}
				log.Warnf("WebSocket连接被拒绝，非法Origin: %s", origin)
				return false
			},
			ReadBufferSize:  1024 * 4,
			WriteBufferSize: 1024 * 32,
		},
		hub: hub,
		log: log,
	}
}

// Events 推送执行事件；带 execution_id 参数时只推送该执行的事件
func (h *WebSocketHandler) Events(c *gin.Context) {
	executionID := c.Query("execution_id")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Error("WebSocket升级失败")
		return
	}
	defer conn.Close()

	events, unsubscribe := h.hub.Subscribe(executionID, wsBuffer)
	defer unsubscribe()

	metrics.ActiveWebSocketConnections.Inc()
	defer metrics.ActiveWebSocketConnections.Dec()

	log := h.log.WithFields(logrus.Fields{
		"execution_id": executionID,
		"remote":       c.ClientIP(),
	})
	log.Info("WebSocket连接建立")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go h.readPump(conn, cancel)

	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("WebSocket连接关闭")
			return

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.WithError(err).Warn("发送ping失败")
				return
			}

		case evt, ok := <-events:
			if !ok {
				return
			}
			// 审批令牌只发给审批通知渠道
			evt.ApprovalToken = ""
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				log.WithError(err).Warn("推送事件失败")
				return
			}
		}
	}
}

// readPump 处理客户端消息，连接断开时取消推送
func (h *WebSocketHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).Warn("WebSocket异常关闭")
			}
			return
		}
	}
}

// matchOrigin 检查origin是否匹配allowed模式
// 支持精确匹配和通配符匹配（如 *.example.com）
func matchOrigin(origin, allowed string) bool {
	if origin == allowed {
		return true
	}
	if !strings.HasPrefix(allowed, "*.") {
		return false
	}

	domain := allowed[2:]
	host := origin
	if idx := strings.Index(host, "://"); idx != -1 {
		host = host[idx+3:]
	}
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}
