package handler

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"inbox-relay-go/internal/config"
	"inbox-relay-go/internal/realtime"
	"inbox-relay-go/internal/service"
	"inbox-relay-go/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源，鉴权依赖 token
	},
}

// SocketHandler 把一个 WebSocket 连接注册为会话的订阅者。
type SocketHandler struct {
	users     service.UserService
	threads   service.ThreadService
	hub       *realtime.Hub
	queueSize int
	ping      time.Duration
	pongWait  time.Duration
}

// NewSocketHandler 创建 SocketHandler。
func NewSocketHandler(users service.UserService, threads service.ThreadService, hub *realtime.Hub, cfg config.RealtimeConfig) *SocketHandler {
	return &SocketHandler{
		users:     users,
		threads:   threads,
		hub:       hub,
		queueSize: cfg.QueueSize,
		ping:      cfg.WSPing(),
		pongWait:  cfg.WSPongWait(),
	}
}

// Handle 处理 GET /ws/threads/:key。连接只用于下行推送，读循环仅用于探测断开。
func (h *SocketHandler) Handle(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("key"), 10, 64)
	if err != nil || id == 0 {
		abort(c, http.StatusNotFound, "资源不存在")
		return
	}
	tid, ok := authorize(c, h.users, h.threads, uint(id))
	if !ok {
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}

	key := realtime.ThreadKey(tid)
	sub := realtime.NewSocketSubscriber(ws, h.queueSize, h.ping)
	if err := h.hub.Subscribe(key, sub); err != nil {
		sub.Close()
		return
	}
	sub.Start()
	defer h.hub.Unsubscribe(key, sub)
	log.Infow("websocket subscriber connected", "thread_id", tid, "subscriber", sub.ID())

	extend := func() error { return ws.SetReadDeadline(time.Now().Add(h.pongWait)) }
	_ = extend()
	ws.SetPongHandler(func(string) error { return extend() })

	// 观看者发来的帧不论大小都直接丢弃，不做缓冲
	for {
		_, r, err := ws.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnw("websocket read failed", "thread_id", tid, "error", err)
			}
			return
		}
		if _, err := io.Copy(io.Discard, r); err != nil {
			return
		}
		_ = extend()
	}
}
