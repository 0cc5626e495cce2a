package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"inbox-relay-go/internal/model"
	"inbox-relay-go/internal/realtime"
	"inbox-relay-go/internal/repository"
	"inbox-relay-go/pkg/llm"
	"inbox-relay-go/pkg/log"
)

// Broadcaster 向某个会话的所有订阅者广播事件。
type Broadcaster interface {
	Broadcast(key string, ev realtime.Event) []realtime.DeliveryResult
}

// OutboundSender 通过外部渠道发送消息，direct 模式下是渠道注册表，kafka 模式下是生产者。
type OutboundSender interface {
	Send(ctx context.Context, channel, address, text string) error
}

// MessageIndexer 把消息写入检索索引。
type MessageIndexer interface {
	IndexMessage(ctx context.Context, doc model.MessageDocument) error
}

// InboundMessage 是进入处理流程的一条入站消息。
// 应用内消息带 ThreadID；webhook 消息带 Channel 和 Address。
type InboundMessage struct {
	OwnerID           uint
	ThreadID          uint
	Channel           string
	Address           string
	Text              string
	ExternalMessageID string
}

func (in InboundMessage) external() bool {
	return in.Channel != "" && in.Channel != model.ChannelApp
}

// IngestResult 描述一次处理的结果。Reply 在跳过模型时为 nil。
type IngestResult struct {
	Thread     *model.Thread
	Inbound    *model.Message
	Reply      *model.Message
	SkippedLLM bool
}

// IngestService 是所有入站消息共用的处理流程。
type IngestService interface {
	Ingest(ctx context.Context, in InboundMessage) (*IngestResult, error)
	// HumanReply 保存操作员的人工回复并推送给外部用户。
	HumanReply(ctx context.Context, threadID, ownerID uint, content string) (*model.Message, error)
}

// IngestOptions 控制流程的可选行为。
type IngestOptions struct {
	SerializePerThread bool
	SendTimeout        time.Duration
	IndexTimeout       time.Duration
}

type ingestService struct {
	threads     ThreadService
	messages    repository.MessageRepository
	broadcaster Broadcaster
	engine      llm.ReplyEngine
	outbound    OutboundSender
	indexer     MessageIndexer
	opts        IngestOptions
	runs        *keyedMutex
}

// NewIngestService 创建处理流程。outbound 和 indexer 可以为 nil。
func NewIngestService(
	threads ThreadService,
	messages repository.MessageRepository,
	broadcaster Broadcaster,
	engine llm.ReplyEngine,
	outbound OutboundSender,
	indexer MessageIndexer,
	opts IngestOptions,
) IngestService {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 15 * time.Second
	}
	if opts.IndexTimeout <= 0 {
		opts.IndexTimeout = 5 * time.Second
	}
	return &ingestService{
		threads:     threads,
		messages:    messages,
		broadcaster: broadcaster,
		engine:      engine,
		outbound:    outbound,
		indexer:     indexer,
		opts:        opts,
		runs:        newKeyedMutex(),
	}
}

// Ingest 依次执行：定位会话、保存入站消息、广播、检查人工接管、
// 生成回复（前后广播 typing）、保存并广播回复、外部渠道出站发送。
// 调用方断开连接不会中断处理。
func (s *ingestService) Ingest(ctx context.Context, in InboundMessage) (*IngestResult, error) {
	ctx = context.WithoutCancel(ctx)
	if in.Channel == "" {
		in.Channel = model.ChannelApp
	}

	thread, err := s.resolve(ctx, in)
	if err != nil {
		return nil, err
	}
	key := realtime.ThreadKey(thread.ID)

	if s.opts.SerializePerThread {
		unlock := s.runs.Lock(key)
		defer unlock()
	}

	inbound := &model.Message{ThreadID: thread.ID, Role: model.RoleUser, Content: in.Text}
	if in.ExternalMessageID != "" {
		id := in.ExternalMessageID
		inbound.ExternalMessageID = &id
	}
	if err := s.messages.Create(ctx, inbound); err != nil {
		return nil, fmt.Errorf("persist inbound message: %w", err)
	}
	s.broadcast(key, realtime.MessageCreated(inbound))
	s.index(ctx, thread, inbound)

	result := &IngestResult{Thread: thread, Inbound: inbound}
	if thread.HumanTakeover {
		log.Infow("human takeover active, reply skipped", "thread_id", thread.ID)
		result.SkippedLLM = true
		return result, nil
	}

	text := s.generateReply(ctx, thread.ID, key, in.Text)

	reply := &model.Message{ThreadID: thread.ID, Role: model.RoleAssistant, Content: text}
	if err := s.messages.Create(ctx, reply); err != nil {
		return nil, fmt.Errorf("persist reply: %w", err)
	}
	s.broadcast(key, realtime.MessageCreated(reply))
	s.index(ctx, thread, reply)
	result.Reply = reply

	if in.external() {
		s.sendOutbound(ctx, thread.ID, in.Channel, in.Address, text)
	}
	return result, nil
}

func (s *ingestService) resolve(ctx context.Context, in InboundMessage) (*model.Thread, error) {
	if in.external() {
		thread, _, err := s.threads.ResolveByAddress(ctx, in.OwnerID, in.Channel, in.Address)
		return thread, err
	}
	return s.threads.GetOwned(ctx, in.ThreadID, in.OwnerID)
}

// generateReply 无论成功与否都只广播一次 typing.stop，模型错误按空回复处理。
func (s *ingestService) generateReply(ctx context.Context, threadID uint, key, text string) string {
	s.broadcast(key, realtime.TypingStart())
	defer s.broadcast(key, realtime.TypingStop())

	var history []llm.Message
	msgs, err := s.messages.ListByThread(ctx, threadID)
	if err != nil {
		log.Warnw("load history failed", "thread_id", threadID, "error", err)
	}
	for _, m := range msgs {
		history = append(history, llm.Message{Role: m.Role, Content: m.Content})
	}

	reply, err := s.engine.GenerateReply(ctx, text, history, false)
	if err != nil {
		log.Warnw("reply engine failed, using empty reply", "thread_id", threadID, "error", err)
		return ""
	}
	return reply
}

func (s *ingestService) HumanReply(ctx context.Context, threadID, ownerID uint, content string) (*model.Message, error) {
	ctx = context.WithoutCancel(ctx)
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	thread, err := s.threads.GetOwned(ctx, threadID, ownerID)
	if err != nil {
		return nil, err
	}
	key := realtime.ThreadKey(thread.ID)
	if s.opts.SerializePerThread {
		unlock := s.runs.Lock(key)
		defer unlock()
	}

	msg := &model.Message{ThreadID: thread.ID, Role: model.RoleAssistant, Content: content, IsHuman: true}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist human reply: %w", err)
	}
	s.broadcast(key, realtime.MessageCreated(msg))
	s.index(ctx, thread, msg)

	if thread.IsExternal() && thread.ExternalUserPhone != nil {
		s.sendOutbound(ctx, thread.ID, thread.Channel, *thread.ExternalUserPhone, content)
	}
	return msg, nil
}

// sendOutbound 的失败只记录日志，已保存和广播的消息不回滚。
func (s *ingestService) sendOutbound(ctx context.Context, threadID uint, channel, address, text string) {
	if s.outbound == nil {
		return
	}
	if text == "" {
		log.Infow("empty reply, outbound send skipped", "thread_id", threadID, "channel", channel)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	defer cancel()
	if err := s.outbound.Send(ctx, channel, address, text); err != nil {
		log.Errorw("outbound send failed", "thread_id", threadID, "channel", channel, "error", err)
	}
}

func (s *ingestService) broadcast(key string, ev realtime.Event) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Broadcast(key, ev)
}

// index 在广播之后执行，超时或失败只记录日志。
func (s *ingestService) index(ctx context.Context, thread *model.Thread, msg *model.Message) {
	if s.indexer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.IndexTimeout)
	defer cancel()
	doc := model.MessageDocument{
		MessageID: msg.ID,
		ThreadID:  thread.ID,
		OwnerID:   thread.UserID,
		Role:      msg.Role,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}
	if err := s.indexer.IndexMessage(ctx, doc); err != nil {
		log.Warnw("index message failed", "message_id", msg.ID, "error", err)
	}
}
