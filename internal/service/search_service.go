package service

import (
	"context"
	"fmt"
	"strings"

	"inbox-relay-go/internal/model"
)

// MessageSearcher 在检索索引中查找消息。
type MessageSearcher interface {
	SearchMessages(ctx context.Context, ownerID uint, query string, size int) ([]model.MessageHit, error)
}

// SearchService 提供消息全文检索。
type SearchService interface {
	Search(ctx context.Context, ownerID uint, query string) ([]model.MessageHit, error)
}

type searchService struct {
	searcher MessageSearcher
}

// NewSearchService 创建 SearchService。searcher 为 nil 表示未启用 Elasticsearch。
func NewSearchService(searcher MessageSearcher) SearchService {
	return &searchService{searcher: searcher}
}

func (s *searchService) Search(ctx context.Context, ownerID uint, query string) ([]model.MessageHit, error) {
	if s.searcher == nil {
		return nil, ErrUnavailable
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidInput)
	}
	return s.searcher.SearchMessages(ctx, ownerID, query, 20)
}
