package handler

import (
	"net/http"

	"inbox-relay-go/internal/middleware"
	"inbox-relay-go/internal/model"
	"inbox-relay-go/internal/service"

	"github.com/gin-gonic/gin"
)

// ThreadHandler 负责会话与消息的 REST 接口。
type ThreadHandler struct {
	threads service.ThreadService
	ingest  service.IngestService
}

// NewThreadHandler 创建一个新的 ThreadHandler 实例。
func NewThreadHandler(threads service.ThreadService, ingest service.IngestService) *ThreadHandler {
	return &ThreadHandler{threads: threads, ingest: ingest}
}

type createThreadRequest struct {
	Title *string `json:"title"`
}

type updateThreadRequest struct {
	Title         *string `json:"title"`
	HumanTakeover *bool   `json:"human_takeover"`
}

type takeoverRequest struct {
	Active *bool `json:"active" binding:"required"`
}

type contentRequest struct {
	Content string `json:"content"`
}

func (h *ThreadHandler) List(c *gin.Context) {
	threads, err := h.threads.List(c.Request.Context(), middleware.CurrentUser(c).ID)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, http.StatusOK, threads)
}

func (h *ThreadHandler) Create(c *gin.Context) {
	var req createThreadRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, "无效的请求体")
			return
		}
	}
	thread, err := h.threads.Create(c.Request.Context(), middleware.CurrentUser(c).ID, req.Title)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, http.StatusCreated, thread)
}

// Update 只接受 title 与 human_takeover 两个字段。
func (h *ThreadHandler) Update(c *gin.Context) {
	id, ok := threadID(c)
	if !ok {
		return
	}
	var req updateThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "无效的请求体")
		return
	}
	thread, err := h.threads.Update(c.Request.Context(), id, middleware.CurrentUser(c).ID,
		model.ThreadUpdate{Title: req.Title, HumanTakeover: req.HumanTakeover})
	if err != nil {
		fail(c, err)
		return
	}
	success(c, http.StatusOK, thread)
}

func (h *ThreadHandler) Delete(c *gin.Context) {
	id, ok := threadID(c)
	if !ok {
		return
	}
	if err := h.threads.Delete(c.Request.Context(), id, middleware.CurrentUser(c).ID); err != nil {
		fail(c, err)
		return
	}
	success(c, http.StatusOK, nil)
}

// SetTakeover 打开或关闭人工接管。
func (h *ThreadHandler) SetTakeover(c *gin.Context) {
	id, ok := threadID(c)
	if !ok {
		return
	}
	var req takeoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "active 字段不能为空")
		return
	}
	thread, err := h.threads.SetTakeover(c.Request.Context(), id, middleware.CurrentUser(c).ID, *req.Active)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, http.StatusOK, gin.H{"thread_id": thread.ID, "human_takeover": thread.HumanTakeover})
}

func (h *ThreadHandler) Messages(c *gin.Context) {
	id, ok := threadID(c)
	if !ok {
		return
	}
	msgs, err := h.threads.Messages(c.Request.Context(), id, middleware.CurrentUser(c).ID)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, http.StatusOK, msgs)
}

// PostMessage 以应用内渠道进入处理流程。
func (h *ThreadHandler) PostMessage(c *gin.Context) {
	id, ok := threadID(c)
	if !ok {
		return
	}
	var req contentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "无效的请求体")
		return
	}
	res, err := h.ingest.Ingest(c.Request.Context(), service.InboundMessage{
		OwnerID:  middleware.CurrentUser(c).ID,
		ThreadID: id,
		Channel:  model.ChannelApp,
		Text:     req.Content,
	})
	if err != nil {
		fail(c, err)
		return
	}
	success(c, http.StatusCreated, gin.H{
		"message":     res.Inbound,
		"reply":       res.Reply,
		"skipped_llm": res.SkippedLLM,
	})
}

// HumanReply 保存操作员的人工回复。
func (h *ThreadHandler) HumanReply(c *gin.Context) {
	id, ok := threadID(c)
	if !ok {
		return
	}
	var req contentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "无效的请求体")
		return
	}
	msg, err := h.ingest.HumanReply(c.Request.Context(), id, middleware.CurrentUser(c).ID, req.Content)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, http.StatusCreated, msg)
}

// Stats 返回仪表盘统计。
func (h *ThreadHandler) Stats(c *gin.Context) {
	stats, err := h.threads.Stats(c.Request.Context(), middleware.CurrentUser(c).ID)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, http.StatusOK, stats)
}
