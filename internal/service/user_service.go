// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"inbox-relay-go/internal/model"
	"inbox-relay-go/internal/repository"
	"inbox-relay-go/pkg/hash"
	"inbox-relay-go/pkg/log"
	"inbox-relay-go/pkg/token"
)

// TokenBlacklist 记录已注销的 token。
type TokenBlacklist interface {
	Add(ctx context.Context, token string, ttl time.Duration) error
	Contains(ctx context.Context, token string) (bool, error)
}

// UserService 接口定义了所有与操作员账号相关的业务操作。
type UserService interface {
	Login(ctx context.Context, email, password string) (string, *model.User, error)
	// Authenticate 校验 access token 并返回对应的用户。
	Authenticate(ctx context.Context, tokenString string) (*model.User, error)
	Logout(ctx context.Context, tokenString string) error
	// EnsureUser 返回邮箱对应的用户，不存在时用给定密码创建。
	EnsureUser(ctx context.Context, email, password string) (*model.User, error)
	GetProfile(ctx context.Context, userID uint) (*model.User, error)
}

// userService 是 UserService 接口的实现。
type userService struct {
	userRepo   repository.UserRepository
	jwtManager *token.JWTManager
	blacklist  TokenBlacklist
}

// NewUserService 创建一个新的 UserService 实例。
func NewUserService(userRepo repository.UserRepository, jwtManager *token.JWTManager, blacklist TokenBlacklist) UserService {
	return &userService{
		userRepo:   userRepo,
		jwtManager: jwtManager,
		blacklist:  blacklist,
	}
}

// Login 处理用户登录的业务逻辑。
func (s *userService) Login(ctx context.Context, email, password string) (string, *model.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, err
	}
	if !hash.CheckPasswordHash(password, user.PasswordHash) {
		return "", nil, ErrInvalidCredentials
	}

	accessToken, err := s.jwtManager.GenerateToken(user.ID, user.Email)
	if err != nil {
		return "", nil, err
	}
	return accessToken, user, nil
}

func (s *userService) Authenticate(ctx context.Context, tokenString string) (*model.User, error) {
	if tokenString == "" {
		return nil, ErrUnauthenticated
	}
	claims, err := s.jwtManager.VerifyToken(tokenString)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	if s.blacklist != nil {
		revoked, err := s.blacklist.Contains(ctx, tokenString)
		if err != nil {
			return nil, fmt.Errorf("check token blacklist: %w", err)
		}
		if revoked {
			return nil, ErrUnauthenticated
		}
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, ErrUnauthenticated
	}
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	return user, nil
}

// Logout 将 token 加入 Redis 黑名单，token 的剩余有效期作为过期时间。
func (s *userService) Logout(ctx context.Context, tokenString string) error {
	claims, err := s.jwtManager.VerifyToken(tokenString)
	if err != nil {
		return ErrUnauthenticated
	}
	if s.blacklist == nil {
		return nil
	}
	return s.blacklist.Add(ctx, tokenString, time.Until(claims.ExpiresAt.Time))
}

func (s *userService) EnsureUser(ctx context.Context, email, password string) (*model.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	user, err := s.userRepo.FindByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	hashed, err := hash.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user = &model.User{Email: email, PasswordHash: hashed}
	if err := s.userRepo.Create(ctx, user); err != nil {
		// 并发创建时唯一索引冲突，重新读取即可
		if existing, findErr := s.userRepo.FindByEmail(ctx, email); findErr == nil {
			return existing, nil
		}
		return nil, err
	}
	log.Infow("user created", "user_id", user.ID, "email", email)
	return user, nil
}

// GetProfile 根据用户 ID 获取用户详细信息。
func (s *userService) GetProfile(ctx context.Context, userID uint) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return user, nil
}
