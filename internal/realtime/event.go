// Package realtime 实现会话级别的实时推送：订阅中心（Hub）、订阅者以及广播分发器。
//
// Hub 在进程启动时显式创建，并注入到 SSE / WebSocket 处理器和分发器中；
// 进程退出时调用 Close 释放所有订阅者。推送是尽力而为的：不持久化、不重放。
package realtime

import (
	"strconv"
	"time"

	"inbox-relay-go/internal/model"
)

// EventType 是推送给观看者的事件类型。
type EventType string

const (
	EventMessageCreated EventType = "message.created"
	EventTypingStart    EventType = "assistant.typing.start"
	EventTypingStop     EventType = "assistant.typing.stop"
)

// MessageView 是 message.created 事件中携带的消息快照。
type MessageView struct {
	ID        uint      `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Event 是不可变的会话事件，序列化后即为线上格式。
type Event struct {
	Type    EventType    `json:"type"`
	Message *MessageView `json:"message,omitempty"`
}

// MessageCreated 构造 message.created 事件。
func MessageCreated(m *model.Message) Event {
	return Event{
		Type: EventMessageCreated,
		Message: &MessageView{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		},
	}
}

// TypingStart 构造 assistant.typing.start 事件。
func TypingStart() Event {
	return Event{Type: EventTypingStart}
}

// TypingStop 构造 assistant.typing.stop 事件。
func TypingStop() Event {
	return Event{Type: EventTypingStop}
}

// ThreadKey 返回会话在 Hub 中使用的 key。
func ThreadKey(threadID uint) string {
	return strconv.FormatUint(uint64(threadID), 10)
}
