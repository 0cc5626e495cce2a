package handler

import (
	"net/http"

	"inbox-relay-go/internal/middleware"
	"inbox-relay-go/internal/service"
	"inbox-relay-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// SearchHandler 结构体定义了消息检索的处理器。
type SearchHandler struct {
	searchService service.SearchService
}

// NewSearchHandler 创建一个新的 SearchHandler 实例。
func NewSearchHandler(searchService service.SearchService) *SearchHandler {
	return &SearchHandler{searchService: searchService}
}

// Search 处理 GET /threads/search?q=
func (h *SearchHandler) Search(c *gin.Context) {
	query := c.Query("q")
	user := middleware.CurrentUser(c)

	hits, err := h.searchService.Search(c.Request.Context(), user.ID, query)
	if err != nil {
		fail(c, err)
		return
	}
	log.Debugw("message search", "user_id", user.ID, "query", query, "hits", len(hits))
	success(c, http.StatusOK, hits)
}
