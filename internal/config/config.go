// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Realtime      RealtimeConfig      `mapstructure:"realtime"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
	Inbox         InboxConfig         `mapstructure:"inbox"`
	Seed          SeedConfig          `mapstructure:"seed"`
	Meta          MetaConfig          `mapstructure:"meta"`
	Twilio        TwilioConfig        `mapstructure:"twilio"`
	Outbound      OutboundConfig      `mapstructure:"outbound"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port             string `mapstructure:"port"`
	Mode             string `mapstructure:"mode"`
	CORSAllowOrigins string `mapstructure:"cors_allow_origins"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	Driver string       `mapstructure:"driver"` // mysql | sqlite
	MySQL  MySQLConfig  `mapstructure:"mysql"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
	Redis  RedisConfig  `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// SQLiteConfig 存储本地 SQLite 文件的配置，用于开发环境。
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置，用于异步投递出站消息。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置，用于消息全文检索。
type ElasticsearchConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// MinIOConfig 存储 MinIO 对象存储的配置，用于归档原始 webhook 报文。
type MinIOConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey         string              `mapstructure:"api_key"`
	BaseURL        string              `mapstructure:"base_url"`
	Model          string              `mapstructure:"model"`
	TimeoutSeconds int                 `mapstructure:"timeout_seconds"`
	Generation     LLMGenerationConfig `mapstructure:"generation"`
	Prompt         LLMPromptConfig     `mapstructure:"prompt"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// LLMPromptConfig 配置系统提示词。
type LLMPromptConfig struct {
	System string `mapstructure:"system"`
}

// RealtimeConfig 存储 SSE / WebSocket 推送相关的配置。
type RealtimeConfig struct {
	KeepaliveSeconds  int `mapstructure:"keepalive_seconds"`
	QueueSize         int `mapstructure:"queue_size"`
	WSPingSeconds     int `mapstructure:"ws_ping_seconds"`
	WSPongWaitSeconds int `mapstructure:"ws_pong_wait_seconds"`
}

// Keepalive 返回 SSE 空闲保活间隔。
func (c RealtimeConfig) Keepalive() time.Duration {
	return seconds(c.KeepaliveSeconds, 30)
}

// WSPing 返回 WebSocket ping 帧的发送间隔。
func (c RealtimeConfig) WSPing() time.Duration {
	return seconds(c.WSPingSeconds, 54)
}

// WSPongWait 返回等待客户端 pong 的最长时间。
func (c RealtimeConfig) WSPongWait() time.Duration {
	return seconds(c.WSPongWaitSeconds, 60)
}

// PipelineConfig 存储消息处理流程的配置。
type PipelineConfig struct {
	SerializePerThread  bool `mapstructure:"serialize_per_thread"`
	SendTimeoutSeconds  int  `mapstructure:"send_timeout_seconds"`
	IndexTimeoutSeconds int  `mapstructure:"index_timeout_seconds"`
}

// SendTimeout 返回单次出站发送的超时时间。
func (c PipelineConfig) SendTimeout() time.Duration {
	return seconds(c.SendTimeoutSeconds, 15)
}

// IndexTimeout 返回单次写入检索索引的超时时间。
func (c PipelineConfig) IndexTimeout() time.Duration {
	return seconds(c.IndexTimeoutSeconds, 5)
}

// InboxConfig 指定 WhatsApp 收件箱归属的操作员。
type InboxConfig struct {
	OwnerEmail    string `mapstructure:"owner_email"`
	OwnerPassword string `mapstructure:"owner_password"`
}

// SeedConfig 指定启动时创建的默认用户。
type SeedConfig struct {
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
}

// MetaConfig 存储 WhatsApp Cloud API (Meta) 的配置。
type MetaConfig struct {
	VerifyToken   string `mapstructure:"verify_token"`
	AccessToken   string `mapstructure:"access_token"`
	PhoneNumberID string `mapstructure:"phone_number_id"`
	GraphURL      string `mapstructure:"graph_url"`
	APIVersion    string `mapstructure:"api_version"`
}

// TwilioConfig 存储 Twilio WhatsApp 的配置。
type TwilioConfig struct {
	AccountSID    string `mapstructure:"account_sid"`
	AuthToken     string `mapstructure:"auth_token"`
	From          string `mapstructure:"from"`
	MaxConcurrent int    `mapstructure:"max_concurrent"`
}

// OutboundConfig 决定出站消息是直接发送（direct）还是经由 Kafka 异步发送（kafka）。
type OutboundConfig struct {
	Mode string `mapstructure:"mode"`
}

func seconds(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.cors_allow_origins", "*")
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.sqlite.path", "relay.db")
	v.SetDefault("jwt.access_token_expire_hours", 24)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("kafka.topic", "outbound-messages")
	v.SetDefault("kafka.group_id", "inbox-relay-outbound")
	v.SetDefault("elasticsearch.index_name", "messages")
	v.SetDefault("minio.bucket_name", "webhook-archive")
	v.SetDefault("llm.timeout_seconds", 60)
	v.SetDefault("realtime.keepalive_seconds", 30)
	v.SetDefault("realtime.queue_size", 64)
	v.SetDefault("realtime.ws_ping_seconds", 54)
	v.SetDefault("realtime.ws_pong_wait_seconds", 60)
	v.SetDefault("pipeline.serialize_per_thread", true)
	v.SetDefault("pipeline.send_timeout_seconds", 15)
	v.SetDefault("pipeline.index_timeout_seconds", 5)
	v.SetDefault("inbox.owner_email", "dev@local.com")
	v.SetDefault("inbox.owner_password", "123")
	v.SetDefault("seed.email", "dev@local.com")
	v.SetDefault("seed.password", "123")
	v.SetDefault("meta.graph_url", "https://graph.facebook.com")
	v.SetDefault("meta.api_version", "v20.0")
	v.SetDefault("twilio.max_concurrent", 4)
	v.SetDefault("outbound.mode", "direct")
}

// Load 从指定路径读取 YAML 配置，环境变量 RELAY_<SECTION>_<KEY> 可覆盖文件中的值。
func Load(configPath string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if cfg.Outbound.Mode != "direct" && cfg.Outbound.Mode != "kafka" {
		return cfg, fmt.Errorf("未知的 outbound.mode: %q", cfg.Outbound.Mode)
	}
	return cfg, nil
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}
