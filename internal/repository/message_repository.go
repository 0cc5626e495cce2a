package repository

import (
	"context"

	"inbox-relay-go/internal/model"

	"gorm.io/gorm"
)

// MessageRepository 定义了消息的持久化操作。
type MessageRepository interface {
	Create(ctx context.Context, msg *model.Message) error
	// ListByThread 按 id 升序返回会话的完整历史。
	ListByThread(ctx context.Context, threadID uint) ([]model.Message, error)
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository 创建一个新的 MessageRepository 实例。
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Create(ctx context.Context, msg *model.Message) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

func (r *messageRepository) ListByThread(ctx context.Context, threadID uint) ([]model.Message, error) {
	var msgs []model.Message
	err := r.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("id ASC").
		Find(&msgs).Error
	return msgs, err
}
