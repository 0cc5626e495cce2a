package service

import (
	"errors"

	"inbox-relay-go/internal/repository"
)

// 业务层错误，由 handler 映射为 HTTP 状态码。
var (
	ErrNotFound           = errors.New("not found")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnavailable        = errors.New("feature unavailable")
)

// mapRepoErr 把仓储层的 ErrNotFound 转换为业务层的 ErrNotFound。
func mapRepoErr(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
