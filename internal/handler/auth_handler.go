package handler

import (
	"net/http"

	"inbox-relay-go/internal/middleware"
	"inbox-relay-go/internal/service"
	"inbox-relay-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// AuthHandler 负责登录、登出与当前用户信息。
type AuthHandler struct {
	userService service.UserService
}

// NewAuthHandler 创建一个新的 AuthHandler 实例。
func NewAuthHandler(userService service.UserService) *AuthHandler {
	return &AuthHandler{userService: userService}
}

// LoginRequest 定义了用户登录 API 的请求体结构。
type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login 处理用户登录请求。
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "邮箱和密码不能为空")
		return
	}

	accessToken, user, err := h.userService.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		log.Warnf("Login: failed for '%s', error: %v", req.Email, err)
		fail(c, err)
		return
	}

	success(c, http.StatusOK, gin.H{
		"access_token": accessToken,
		"token_type":   "bearer",
		"user":         user,
	})
}

// Logout 注销当前 token。
func (h *AuthHandler) Logout(c *gin.Context) {
	if err := h.userService.Logout(c.Request.Context(), middleware.CurrentToken(c)); err != nil {
		fail(c, err)
		return
	}
	success(c, http.StatusOK, nil)
}

// Me 返回当前登录的用户。
func (h *AuthHandler) Me(c *gin.Context) {
	success(c, http.StatusOK, middleware.CurrentUser(c))
}
