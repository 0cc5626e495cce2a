package model

import "time"

// 消息角色。system 保留，核心流程不使用。
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message 是会话中的单条消息，按 ID 升序即为会话的可见顺序。
type Message struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	ThreadID          uint      `gorm:"index;not null" json:"thread_id"`
	Role              string    `gorm:"type:varchar(32);not null" json:"role"`
	Content           string    `gorm:"type:text;not null" json:"content"`
	ExternalMessageID *string   `gorm:"type:varchar(128)" json:"external_message_id,omitempty"`
	IsHuman           bool      `gorm:"not null;default:false" json:"is_human"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Message) TableName() string {
	return "messages"
}

// MessageDocument 是写入 Elasticsearch 的消息文档。
type MessageDocument struct {
	MessageID uint      `json:"message_id"`
	ThreadID  uint      `json:"thread_id"`
	OwnerID   uint      `json:"owner_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageHit 是消息检索的单条结果。
type MessageHit struct {
	MessageDocument
	Score float64 `json:"score"`
}
