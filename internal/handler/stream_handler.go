package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"inbox-relay-go/internal/middleware"
	"inbox-relay-go/internal/realtime"
	"inbox-relay-go/internal/service"

	"github.com/gin-gonic/gin"
)

// SSE 帧格式。
const (
	ssePingFrame      = "event: ping\ndata: ok\n\n"
	sseKeepaliveFrame = "event: keepalive\ndata: {}\n\n"
)

// StreamHandler 把一个长连接 HTTP 请求注册为会话的 SSE 订阅者。
type StreamHandler struct {
	users     service.UserService
	threads   service.ThreadService
	hub       *realtime.Hub
	keepalive time.Duration
	queueSize int
}

// NewStreamHandler 创建 StreamHandler。keepalive 是空闲多久后发送一次保活帧。
func NewStreamHandler(users service.UserService, threads service.ThreadService, hub *realtime.Hub, keepalive time.Duration, queueSize int) *StreamHandler {
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	return &StreamHandler{users: users, threads: threads, hub: hub, keepalive: keepalive, queueSize: queueSize}
}

// authorize 校验 token 与会话归属，失败时已写出响应。
func authorize(c *gin.Context, users service.UserService, threads service.ThreadService, id uint) (uint, bool) {
	user, err := users.Authenticate(c.Request.Context(), middleware.TokenFromRequest(c))
	if err != nil {
		if errors.Is(err, service.ErrUnauthenticated) {
			abort(c, http.StatusUnauthorized, "无效或已过期的 token")
		} else {
			fail(c, err)
		}
		return 0, false
	}
	thread, err := threads.GetOwned(c.Request.Context(), id, user.ID)
	if err != nil {
		fail(c, err)
		return 0, false
	}
	return thread.ID, true
}

// Stream 处理 GET /threads/:id/stream。只推送订阅之后广播的事件，不回放历史。
func (h *StreamHandler) Stream(c *gin.Context) {
	id, ok := threadID(c)
	if !ok {
		return
	}
	tid, ok := authorize(c, h.users, h.threads, id)
	if !ok {
		return
	}

	key := realtime.ThreadKey(tid)
	sub := realtime.NewQueueSubscriber(h.queueSize)
	if err := h.hub.Subscribe(key, sub); err != nil {
		abort(c, http.StatusServiceUnavailable, "服务正在关闭")
		return
	}
	defer h.hub.Unsubscribe(key, sub)

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if !writeFrame(w, ssePingFrame) {
		return
	}

	idle := time.NewTimer(h.keepalive)
	defer idle.Stop()
	ctx := c.Request.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case payload := <-sub.Events():
			if !writeFrame(w, "data: "+string(payload)+"\n\n") {
				return
			}
			resetTimer(idle, h.keepalive)
		case <-idle.C:
			if !writeFrame(w, sseKeepaliveFrame) {
				return
			}
			idle.Reset(h.keepalive)
		}
	}
}

func writeFrame(w gin.ResponseWriter, frame string) bool {
	if _, err := io.WriteString(w, frame); err != nil {
		return false
	}
	w.Flush()
	return true
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
