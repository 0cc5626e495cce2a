package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"inbox-relay-go/internal/channel"
	"inbox-relay-go/internal/config"
	"inbox-relay-go/internal/service"
	"inbox-relay-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// maxWebhookBody 是单个 webhook 报文的最大字节数。
const maxWebhookBody = 1 << 20

// Archiver 保存 webhook 原文。
type Archiver interface {
	ArchiveWebhook(ctx context.Context, provider, contentType string, body []byte) (string, error)
}

// Deduper 根据提供方消息 ID 过滤重复投递。
type Deduper interface {
	FirstSeen(ctx context.Context, provider, messageID string) (bool, error)
	Forget(ctx context.Context, provider, messageID string) error
}

// WebhookHandler 接收 WhatsApp 提供方的回调。除校验握手外总是返回 200，
// 响应体中的 status 为 ok、ignored 或 error。
type WebhookHandler struct {
	users    service.UserService
	ingest   service.IngestService
	meta     *channel.MetaAdapter
	twilio   channel.Adapter
	archiver Archiver
	dedupe   Deduper
	inbox    config.InboxConfig
}

// NewWebhookHandler 创建 WebhookHandler。archiver 与 dedupe 可以为 nil。
func NewWebhookHandler(
	users service.UserService,
	ingest service.IngestService,
	meta *channel.MetaAdapter,
	twilio channel.Adapter,
	archiver Archiver,
	dedupe Deduper,
	inbox config.InboxConfig,
) *WebhookHandler {
	return &WebhookHandler{
		users:    users,
		ingest:   ingest,
		meta:     meta,
		twilio:   twilio,
		archiver: archiver,
		dedupe:   dedupe,
		inbox:    inbox,
	}
}

// MetaVerify 处理 GET /webhooks/meta 订阅校验。
func (h *WebhookHandler) MetaVerify(c *gin.Context) {
	token := queryEither(c, "hub.verify_token", "hub_verify_token")
	challenge := queryEither(c, "hub.challenge", "hub_challenge")
	echo, ok := h.meta.Verify(token, challenge)
	if !ok {
		abort(c, http.StatusForbidden, "Invalid verify token")
		return
	}
	c.String(http.StatusOK, echo)
}

func queryEither(c *gin.Context, keys ...string) string {
	for _, k := range keys {
		if v := c.Query(k); v != "" {
			return v
		}
	}
	return ""
}

// Meta 处理 POST /webhooks/meta。
func (h *WebhookHandler) Meta(c *gin.Context) {
	h.receive(c, h.meta)
}

// Twilio 处理 POST /webhooks/twilio。
func (h *WebhookHandler) Twilio(c *gin.Context) {
	h.receive(c, h.twilio)
}

func (h *WebhookHandler) receive(c *gin.Context, adapter channel.Adapter) {
	provider := adapter.Name()
	ctx := c.Request.Context()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		log.Warnw("read webhook body failed", "provider", provider, "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "error"})
		return
	}
	contentType := c.ContentType()

	if h.archiver != nil {
		if name, err := h.archiver.ArchiveWebhook(ctx, provider, contentType, body); err != nil {
			log.Warnw("archive webhook failed", "provider", provider, "error", err)
		} else {
			log.Debugw("webhook archived", "provider", provider, "object", name)
		}
	}

	in, err := adapter.ParseInbound(contentType, body)
	if err != nil {
		if !errors.Is(err, channel.ErrIgnored) {
			log.Warnw("parse webhook failed", "provider", provider, "error", err)
		}
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	if h.dedupe != nil {
		first, err := h.dedupe.FirstSeen(ctx, provider, in.MessageID)
		if err != nil {
			// Redis 不可用时宁可重复处理也不丢消息
			log.Warnw("webhook dedupe unavailable", "provider", provider, "error", err)
		} else if !first {
			log.Infow("duplicate webhook delivery", "provider", provider, "message_id", in.MessageID)
			c.JSON(http.StatusOK, gin.H{"status": "ok", "duplicate": true})
			return
		}
	}

	res, err := h.process(ctx, provider, in)
	if err != nil {
		log.Errorw("webhook processing failed", "provider", provider, "error", err)
		if h.dedupe != nil {
			_ = h.dedupe.Forget(ctx, provider, in.MessageID)
		}
		c.JSON(http.StatusOK, gin.H{"status": "error"})
		return
	}

	resp := gin.H{"status": "ok"}
	if res.SkippedLLM {
		resp["skipped_llm"] = true
	}
	c.JSON(http.StatusOK, resp)
}

func (h *WebhookHandler) process(ctx context.Context, provider string, in channel.Inbound) (*service.IngestResult, error) {
	owner, err := h.users.EnsureUser(ctx, h.inbox.OwnerEmail, h.inbox.OwnerPassword)
	if err != nil {
		return nil, err
	}
	return h.ingest.Ingest(ctx, service.InboundMessage{
		OwnerID:           owner.ID,
		Channel:           provider,
		Address:           in.Address,
		Text:              in.Text,
		ExternalMessageID: in.MessageID,
	})
}
