// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inbox-relay-go/internal/channel"
	"inbox-relay-go/internal/config"
	"inbox-relay-go/internal/handler"
	"inbox-relay-go/internal/middleware"
	"inbox-relay-go/internal/model"
	"inbox-relay-go/internal/realtime"
	"inbox-relay-go/internal/repository"
	"inbox-relay-go/internal/service"
	"inbox-relay-go/pkg/database"
	"inbox-relay-go/pkg/es"
	"inbox-relay-go/pkg/kafka"
	"inbox-relay-go/pkg/llm"
	"inbox-relay-go/pkg/log"
	"inbox-relay-go/pkg/storage"
	"inbox-relay-go/pkg/token"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库和 Redis
	database.InitDB(cfg.Database)
	database.InitRedis(cfg.Database.Redis)

	// 4. 初始化 Repository
	userRepo := repository.NewUserRepository(database.DB)
	threadRepo := repository.NewThreadRepository(database.DB)
	messageRepo := repository.NewMessageRepository(database.DB)
	blacklist := repository.NewTokenBlacklist(database.RDB)
	dedupe := repository.NewWebhookDedupe(database.RDB, 0)
	attempts := repository.NewAttemptCounter(database.RDB)

	// 5. 出站渠道
	registry := channel.NewRegistry()
	registry.Register(model.ChannelMeta, channel.NewMetaSender(cfg.Meta, nil))
	registry.Register(model.ChannelTwilio, channel.NewTwilioSender(cfg.Twilio))

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	var outbound service.OutboundSender = registry
	var producer *kafka.Producer
	if cfg.Outbound.Mode == "kafka" {
		producer = kafka.NewProducer(cfg.Kafka)
		outbound = producer
		go kafka.NewConsumer(cfg.Kafka, registry, attempts).Run(bgCtx)
		log.Infof("出站消息经由 Kafka 主题 %s 投递", cfg.Kafka.Topic)
	}

	// 6. 可选的检索与归档
	var indexer service.MessageIndexer
	var searcher service.MessageSearcher
	if cfg.Elasticsearch.Enabled {
		esClient, err := es.NewClient(cfg.Elasticsearch)
		if err != nil {
			log.Fatal("es 初始化失败", err)
		}
		indexer = esClient
		searcher = esClient
	}
	var archiver handler.Archiver
	if cfg.MinIO.Enabled {
		a, err := storage.NewArchiver(bgCtx, cfg.MinIO)
		if err != nil {
			log.Fatal("minio 初始化失败", err)
		}
		archiver = a
	}

	// 7. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)
	hub := realtime.NewHub()
	userService := service.NewUserService(userRepo, jwtManager, blacklist)
	threadService := service.NewThreadService(threadRepo, messageRepo)
	ingestService := service.NewIngestService(
		threadService,
		messageRepo,
		realtime.NewDispatcher(hub),
		llm.NewReplyEngine(cfg.LLM),
		outbound,
		indexer,
		service.IngestOptions{
			SerializePerThread: cfg.Pipeline.SerializePerThread,
			SendTimeout:        cfg.Pipeline.SendTimeout(),
			IndexTimeout:       cfg.Pipeline.IndexTimeout(),
		},
	)
	searchService := service.NewSearchService(searcher)

	if _, err := userService.EnsureUser(bgCtx, cfg.Seed.Email, cfg.Seed.Password); err != nil {
		log.Errorf("创建默认用户失败: %v", err)
	}

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery(), middleware.CORS(cfg.Server.CORSAllowOrigins))

	// 9. 注册路由
	webhookHandler := handler.NewWebhookHandler(
		userService,
		ingestService,
		channel.NewMetaAdapter(cfg.Meta.VerifyToken),
		channel.NewTwilioAdapter(),
		archiver,
		dedupe,
		cfg.Inbox,
	)
	handler.RegisterRoutes(r, handler.Handlers{
		Auth:     handler.NewAuthHandler(userService),
		Threads:  handler.NewThreadHandler(threadService, ingestService),
		Search:   handler.NewSearchHandler(searchService),
		Stream:   handler.NewStreamHandler(userService, threadService, hub, cfg.Realtime.Keepalive(), cfg.Realtime.QueueSize),
		Socket:   handler.NewSocketHandler(userService, threadService, hub, cfg.Realtime),
		Webhooks: webhookHandler,
	}, middleware.AuthMiddleware(userService))

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("服务启动失败", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("正在关闭服务...")

	// 先释放所有推送连接，否则 SSE 长连接会拖住 Shutdown
	hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("服务关闭失败", err)
	}

	cancelBg()
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Error("关闭 Kafka 生产者失败", err)
		}
	}
	log.Info("服务已退出")
}
