// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"inbox-relay-go/internal/service"
	"inbox-relay-go/pkg/log"

	"github.com/gin-gonic/gin"
)

func success(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{"code": status, "message": "success", "data": data})
}

func abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"code": status, "message": message, "data": nil})
}

// fail 把业务错误映射为 HTTP 状态码。
func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		abort(c, http.StatusNotFound, "资源不存在")
	case errors.Is(err, service.ErrUnauthenticated), errors.Is(err, service.ErrInvalidCredentials):
		abort(c, http.StatusUnauthorized, err.Error())
	case errors.Is(err, service.ErrInvalidInput):
		abort(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrUnavailable):
		abort(c, http.StatusServiceUnavailable, err.Error())
	default:
		log.Errorw("request failed", "path", c.Request.URL.Path, "error", err)
		abort(c, http.StatusInternalServerError, "服务器内部错误")
	}
}

// threadID 解析路径参数 :id，非法值按不存在处理。
func threadID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		abort(c, http.StatusNotFound, "资源不存在")
		return 0, false
	}
	return uint(id), true
}
