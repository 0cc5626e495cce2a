// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

import "github.com/google/uuid"

// OutboundTask 是一次待发送到外部渠道的出站消息。
type OutboundTask struct {
	ID      string `json:"id"`
	Channel string `json:"channel"`
	Address string `json:"address"`
	Text    string `json:"text"`
}

// NewOutboundTask 创建一个带有唯一 ID 的出站任务，ID 用于失败重试计数。
func NewOutboundTask(channel, address, text string) OutboundTask {
	return OutboundTask{
		ID:      uuid.NewString(),
		Channel: channel,
		Address: address,
		Text:    text,
	}
}
