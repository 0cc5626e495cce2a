// Package kafka 提供了与 Kafka 消息队列交互的功能，用于异步投递出站消息。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"inbox-relay-go/internal/config"
	"inbox-relay-go/pkg/log"
	"inbox-relay-go/pkg/tasks"

	"github.com/segmentio/kafka-go"
)

// maxAttempts 是单个任务的最大尝试次数，达到后提交 offset 放弃该任务。
const maxAttempts = 3

// TaskHandler 执行一个出站任务。
type TaskHandler interface {
	Dispatch(ctx context.Context, task tasks.OutboundTask) error
}

// AttemptTracker 记录任务失败次数，生产环境由 Redis 实现。
type AttemptTracker interface {
	Incr(ctx context.Context, taskID string) (int64, error)
	Reset(ctx context.Context, taskID string) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer 把出站消息写入 Kafka。
type Producer struct {
	w messageWriter
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers(cfg.Brokers)...),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{w: w}
}

// Send 把一次出站发送封装为任务写入 Kafka，由消费者异步执行。
// 同一地址的消息使用相同的 key，保证进入同一分区并按顺序投递。
func (p *Producer) Send(ctx context.Context, channelName, address, text string) error {
	task := tasks.NewOutboundTask(channelName, address, text)
	value, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(channelName + ":" + address),
		Value: value,
	})
}

// Close 关闭生产者。
func (p *Producer) Close() error {
	return p.w.Close()
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer 消费出站任务。
type Consumer struct {
	r        messageReader
	handler  TaskHandler
	attempts AttemptTracker
	backoff  time.Duration
}

// NewConsumer 创建一个加入 cfg.GroupID 消费组的消费者。
func NewConsumer(cfg config.KafkaConfig, handler TaskHandler, attempts AttemptTracker) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers(cfg.Brokers),
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	})
	return &Consumer{r: r, handler: handler, attempts: attempts, backoff: time.Second}
}

// Run 持续消费直到 ctx 结束。
func (c *Consumer) Run(ctx context.Context) {
	log.Info("Kafka 消费者已启动")
	defer func() {
		if err := c.r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("从 Kafka 读取消息失败", err)
			}
			return
		}
		if !c.handle(ctx, m) {
			return
		}
		if err := c.r.CommitMessages(ctx, m); err != nil {
			log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
		}
	}
}

// handle 处理一条消息，返回 false 表示 ctx 已结束且 offset 不应提交。
func (c *Consumer) handle(ctx context.Context, m kafka.Message) bool {
	var task tasks.OutboundTask
	if err := json.Unmarshal(m.Value, &task); err != nil {
		// 消息格式错误，直接提交，避免阻塞队列
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
		return true
	}

	var local int64
	for {
		err := c.handler.Dispatch(ctx, task)
		if err == nil {
			_ = c.attempts.Reset(ctx, task.ID)
			log.Infow("outbound task delivered", "task_id", task.ID, "channel", task.Channel)
			return true
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return false
		}

		local++
		n, incErr := c.attempts.Incr(ctx, task.ID)
		if incErr != nil {
			// Redis 异常时退回到本地计数
			n = local
		}
		log.Warnw("outbound task failed", "task_id", task.ID, "channel", task.Channel, "attempt", n, "error", err)
		if n >= maxAttempts {
			log.Errorf("出站任务多次失败(>=%d)，提交 offset 终止重试: id=%s", maxAttempts, task.ID)
			_ = c.attempts.Reset(ctx, task.ID)
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.backoff * time.Duration(n)):
		}
	}
}

func brokers(list string) []string {
	var out []string
	for _, b := range strings.Split(list, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
