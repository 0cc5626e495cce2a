package repository

import (
	"context"

	"inbox-relay-go/internal/model"

	"gorm.io/gorm"
)

// ThreadRepository 定义了会话的持久化操作。
type ThreadRepository interface {
	Create(ctx context.Context, thread *model.Thread) error
	FindByID(ctx context.Context, threadID uint) (*model.Thread, error)
	// FindOwned 只返回属于 ownerID 的会话，否则返回 ErrNotFound。
	FindOwned(ctx context.Context, threadID, ownerID uint) (*model.Thread, error)
	// FindLatestByPhone 返回 (owner, phone) 下最新创建的会话。
	FindLatestByPhone(ctx context.Context, ownerID uint, phone string) (*model.Thread, error)
	ListByOwner(ctx context.Context, ownerID uint) ([]model.Thread, error)
	Update(ctx context.Context, threadID uint, upd model.ThreadUpdate) error
	DeleteWithMessages(ctx context.Context, threadID uint) error
	Stats(ctx context.Context, ownerID uint) (*model.ThreadStats, error)
}

type threadRepository struct {
	db *gorm.DB
}

// NewThreadRepository 创建一个新的 ThreadRepository 实例。
func NewThreadRepository(db *gorm.DB) ThreadRepository {
	return &threadRepository{db: db}
}

func (r *threadRepository) Create(ctx context.Context, thread *model.Thread) error {
	if thread.Channel == "" {
		thread.Channel = model.ChannelApp
	}
	return r.db.WithContext(ctx).Create(thread).Error
}

func (r *threadRepository) FindByID(ctx context.Context, threadID uint) (*model.Thread, error) {
	var thread model.Thread
	if err := r.db.WithContext(ctx).First(&thread, threadID).Error; err != nil {
		return nil, notFound(err)
	}
	return &thread, nil
}

func (r *threadRepository) FindOwned(ctx context.Context, threadID, ownerID uint) (*model.Thread, error) {
	var thread model.Thread
	err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", threadID, ownerID).
		First(&thread).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &thread, nil
}

func (r *threadRepository) FindLatestByPhone(ctx context.Context, ownerID uint, phone string) (*model.Thread, error) {
	var thread model.Thread
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND external_user_phone = ?", ownerID, phone).
		Order("id DESC").
		First(&thread).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &thread, nil
}

// ListByOwner 按创建时间倒序列出操作员的会话。
func (r *threadRepository) ListByOwner(ctx context.Context, ownerID uint) ([]model.Thread, error) {
	var threads []model.Thread
	err := r.db.WithContext(ctx).
		Where("user_id = ?", ownerID).
		Order("id DESC").
		Find(&threads).Error
	return threads, err
}

// Update 只写入 ThreadUpdate 白名单中的列。
func (r *threadRepository) Update(ctx context.Context, threadID uint, upd model.ThreadUpdate) error {
	cols := upd.Columns()
	if len(cols) == 0 {
		return nil
	}
	res := r.db.WithContext(ctx).Model(&model.Thread{}).Where("id = ?", threadID).Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// 值未变化时 MySQL 也会返回 0，这里再确认一次记录是否存在
		if _, err := r.FindByID(ctx, threadID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteWithMessages 在同一事务中先删除消息再删除会话。
func (r *threadRepository) DeleteWithMessages(ctx context.Context, threadID uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("thread_id = ?", threadID).Delete(&model.Message{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&model.Thread{}, threadID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Stats 汇总操作员名下的会话与消息数量。
func (r *threadRepository) Stats(ctx context.Context, ownerID uint) (*model.ThreadStats, error) {
	db := r.db.WithContext(ctx)
	stats := &model.ThreadStats{}

	if err := db.Model(&model.Thread{}).Where("user_id = ?", ownerID).Count(&stats.Threads).Error; err != nil {
		return nil, err
	}

	var counts struct {
		UserMessages      int64
		AssistantMessages int64
		TotalMessages     int64
	}
	err := db.Model(&model.Message{}).
		Select("COALESCE(SUM(CASE WHEN messages.role = ? THEN 1 ELSE 0 END), 0) AS user_messages, "+
			"COALESCE(SUM(CASE WHEN messages.role = ? THEN 1 ELSE 0 END), 0) AS assistant_messages, "+
			"COUNT(messages.id) AS total_messages", model.RoleUser, model.RoleAssistant).
		Joins("JOIN threads ON threads.id = messages.thread_id").
		Where("threads.user_id = ?", ownerID).
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	stats.UserMessages = counts.UserMessages
	stats.AssistantMessages = counts.AssistantMessages
	stats.TotalMessages = counts.TotalMessages

	if stats.TotalMessages > 0 {
		var last model.Message
		err := db.Model(&model.Message{}).
			Joins("JOIN threads ON threads.id = messages.thread_id").
			Where("threads.user_id = ?", ownerID).
			Order("messages.id DESC").
			First(&last).Error
		if err != nil {
			return nil, notFound(err)
		}
		stats.LastActivity = &last.CreatedAt
	}
	return stats, nil
}
