// Package channel 对接外部消息渠道（WhatsApp via Meta / Twilio）。
// Adapter 把提供方的 webhook 报文规整为 Inbound，Sender 负责出站发送。
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"inbox-relay-go/pkg/tasks"
)

// ErrIgnored 表示 webhook 报文缺少必要字段，应回复 ignored 且不产生任何数据。
var ErrIgnored = errors.New("channel: payload ignored")

// ErrUnknownChannel 表示没有为该渠道注册 Sender。
var ErrUnknownChannel = errors.New("channel: unknown channel")

// Inbound 是规整后的入站消息。
type Inbound struct {
	Address   string // 外部用户地址，例如电话号码
	Text      string
	MessageID string // 提供方的消息 ID，可能为空
}

// Adapter 解析某个提供方的 webhook 报文。
type Adapter interface {
	Name() string
	ParseInbound(contentType string, body []byte) (Inbound, error)
}

// Sender 向外部用户发送文本消息。
type Sender interface {
	Send(ctx context.Context, address, text string) error
}

// Registry 按渠道名称保存 Sender。
type Registry struct {
	mu      sync.RWMutex
	senders map[string]Sender
}

// NewRegistry 创建一个空的 Registry。
func NewRegistry() *Registry {
	return &Registry{senders: make(map[string]Sender)}
}

// Register 注册渠道的 Sender，同名时覆盖。
func (r *Registry) Register(name string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[name] = s
}

// Lookup 返回渠道对应的 Sender。
func (r *Registry) Lookup(name string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[name]
	return s, ok
}

// Send 通过指定渠道发送消息。
func (r *Registry) Send(ctx context.Context, name, address, text string) error {
	s, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	return s.Send(ctx, address, text)
}

// Dispatch 执行一个出站任务，供 Kafka 消费者使用。
func (r *Registry) Dispatch(ctx context.Context, task tasks.OutboundTask) error {
	return r.Send(ctx, task.Channel, task.Address, task.Text)
}
