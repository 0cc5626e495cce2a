package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"inbox-relay-go/internal/model"
	"inbox-relay-go/internal/repository"
	"inbox-relay-go/pkg/log"
)

// maxTitleLen 是会话标题的最大字符数。
const maxTitleLen = 120

// defaultThreadTitle 是应用内新建会话的默认标题。
const defaultThreadTitle = "New conversation"

// ThreadService 定义了会话相关的业务操作。除 ResolveByAddress 外都会校验归属，
// 不属于调用者的会话一律返回 ErrNotFound。
type ThreadService interface {
	List(ctx context.Context, ownerID uint) ([]model.Thread, error)
	Create(ctx context.Context, ownerID uint, title *string) (*model.Thread, error)
	GetOwned(ctx context.Context, threadID, ownerID uint) (*model.Thread, error)
	Update(ctx context.Context, threadID, ownerID uint, upd model.ThreadUpdate) (*model.Thread, error)
	SetTakeover(ctx context.Context, threadID, ownerID uint, active bool) (*model.Thread, error)
	Delete(ctx context.Context, threadID, ownerID uint) error
	Messages(ctx context.Context, threadID, ownerID uint) ([]model.Message, error)
	Stats(ctx context.Context, ownerID uint) (*model.ThreadStats, error)
	// ResolveByAddress 返回 (owner, address) 下最新的会话，不存在时创建。
	ResolveByAddress(ctx context.Context, ownerID uint, channel, address string) (*model.Thread, bool, error)
}

type threadService struct {
	threads  repository.ThreadRepository
	messages repository.MessageRepository
	addrLock *keyedMutex
}

// NewThreadService 创建一个新的 ThreadService 实例。
func NewThreadService(threads repository.ThreadRepository, messages repository.MessageRepository) ThreadService {
	return &threadService{
		threads:  threads,
		messages: messages,
		addrLock: newKeyedMutex(),
	}
}

func (s *threadService) List(ctx context.Context, ownerID uint) ([]model.Thread, error) {
	return s.threads.ListByOwner(ctx, ownerID)
}

func (s *threadService) Create(ctx context.Context, ownerID uint, title *string) (*model.Thread, error) {
	t := defaultThreadTitle
	if title != nil {
		clean, err := validateTitle(*title)
		if err != nil {
			return nil, err
		}
		if clean != "" {
			t = clean
		}
	}
	thread := &model.Thread{UserID: ownerID, Title: &t, Channel: model.ChannelApp}
	if err := s.threads.Create(ctx, thread); err != nil {
		return nil, err
	}
	return thread, nil
}

func (s *threadService) GetOwned(ctx context.Context, threadID, ownerID uint) (*model.Thread, error) {
	thread, err := s.threads.FindOwned(ctx, threadID, ownerID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return thread, nil
}

// Update 只允许修改标题和人工接管标记。
func (s *threadService) Update(ctx context.Context, threadID, ownerID uint, upd model.ThreadUpdate) (*model.Thread, error) {
	if _, err := s.GetOwned(ctx, threadID, ownerID); err != nil {
		return nil, err
	}
	if upd.Title != nil {
		clean, err := validateTitle(*upd.Title)
		if err != nil {
			return nil, err
		}
		upd.Title = &clean
	}
	if err := s.threads.Update(ctx, threadID, upd); err != nil {
		return nil, mapRepoErr(err)
	}
	return s.GetOwned(ctx, threadID, ownerID)
}

func (s *threadService) SetTakeover(ctx context.Context, threadID, ownerID uint, active bool) (*model.Thread, error) {
	thread, err := s.Update(ctx, threadID, ownerID, model.ThreadUpdate{HumanTakeover: &active})
	if err != nil {
		return nil, err
	}
	log.Infow("takeover changed", "thread_id", threadID, "active", active)
	return thread, nil
}

// Delete 先删除消息再删除会话。
func (s *threadService) Delete(ctx context.Context, threadID, ownerID uint) error {
	if _, err := s.GetOwned(ctx, threadID, ownerID); err != nil {
		return err
	}
	return mapRepoErr(s.threads.DeleteWithMessages(ctx, threadID))
}

func (s *threadService) Messages(ctx context.Context, threadID, ownerID uint) ([]model.Message, error) {
	if _, err := s.GetOwned(ctx, threadID, ownerID); err != nil {
		return nil, err
	}
	return s.messages.ListByThread(ctx, threadID)
}

func (s *threadService) Stats(ctx context.Context, ownerID uint) (*model.ThreadStats, error) {
	return s.threads.Stats(ctx, ownerID)
}

func (s *threadService) ResolveByAddress(ctx context.Context, ownerID uint, channel, address string) (*model.Thread, bool, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, false, fmt.Errorf("%w: empty address", ErrInvalidInput)
	}

	// 同一地址的首次并发请求只能创建一个会话
	unlock := s.addrLock.Lock(fmt.Sprintf("%d:%s", ownerID, address))
	defer unlock()

	thread, err := s.threads.FindLatestByPhone(ctx, ownerID, address)
	if err == nil {
		return thread, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}

	title := "WhatsApp " + lastDigits(address, 4)
	thread = &model.Thread{
		UserID:            ownerID,
		Title:             &title,
		ExternalUserPhone: &address,
		Channel:           channel,
	}
	if err := s.threads.Create(ctx, thread); err != nil {
		return nil, false, err
	}
	log.Infow("thread created for external address", "thread_id", thread.ID, "channel", channel)
	return thread, true, nil
}

func validateTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if utf8.RuneCountInString(title) > maxTitleLen {
		return "", fmt.Errorf("%w: title longer than %d characters", ErrInvalidInput, maxTitleLen)
	}
	return title, nil
}

func lastDigits(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
