// Package storage 提供了与对象存储服务（如 MinIO）交互的功能。
package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"inbox-relay-go/internal/config"
	"inbox-relay-go/pkg/log"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archiver 把原始 webhook 报文归档到 MinIO，便于排查提供方的投递问题。
type Archiver struct {
	client *minio.Client
	bucket string
}

// NewArchiver 初始化 MinIO 客户端并确保指定的存储桶存在。
func NewArchiver(ctx context.Context, cfg config.MinIOConfig) (*Archiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
	}
	log.Info("MinIO 客户端初始化成功")
	return &Archiver{client: client, bucket: cfg.BucketName}, nil
}

// ArchiveWebhook 上传一份 webhook 原文，返回对象名。
func (a *Archiver) ArchiveWebhook(ctx context.Context, provider, contentType string, body []byte) (string, error) {
	name := objectName(provider, contentType, time.Now(), uuid.NewString())
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := a.client.PutObject(ctx, a.bucket, name, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", err
	}
	return name, nil
}

// objectName 形如 webhooks/twilio/2024/05/01/<id>.form
func objectName(provider, contentType string, at time.Time, id string) string {
	ext := ".bin"
	switch {
	case strings.Contains(contentType, "json"):
		ext = ".json"
	case strings.Contains(contentType, "x-www-form-urlencoded"):
		ext = ".form"
	}
	return fmt.Sprintf("webhooks/%s/%s/%s%s", provider, at.UTC().Format("2006/01/02"), id, ext)
}
