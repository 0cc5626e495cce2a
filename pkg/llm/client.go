// Package llm provides the reply engine backed by an OpenAI-compatible chat API.
package llm

import (
	"context"
	"strings"
	"time"

	"inbox-relay-go/internal/config"

	"github.com/sashabaranov/go-openai"
)

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ReplyEngine 根据入站文本和会话历史生成回复。
// 没有可用回复时返回空字符串，而不是错误。
type ReplyEngine interface {
	GenerateReply(ctx context.Context, text string, history []Message, takeover bool) (string, error)
}

// chatCompleter 是 go-openai 客户端中用到的部分，便于在测试中替换。
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type openAIEngine struct {
	cfg     config.LLMConfig
	client  chatCompleter
	timeout time.Duration
}

// NewReplyEngine creates a reply engine from the llm config section.
func NewReplyEngine(cfg config.LLMConfig) ReplyEngine {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return newEngine(cfg, openai.NewClientWithConfig(oc))
}

func newEngine(cfg config.LLMConfig, client chatCompleter) *openAIEngine {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &openAIEngine{cfg: cfg, client: client, timeout: timeout}
}

// GenerateReply 调用一次非流式 chat completion。
// takeover 为 true 时由人工接管，不调用模型。
func (e *openAIEngine) GenerateReply(ctx context.Context, text string, history []Message, takeover bool) (string, error) {
	if takeover {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.CreateChatCompletion(ctx, e.buildRequest(text, history))
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (e *openAIEngine) buildRequest(text string, history []Message) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if e.cfg.Prompt.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: e.cfg.Prompt.System})
	}
	for _, m := range history {
		// 历史中的空回复对模型没有意义
		if m.Content == "" {
			continue
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	// 入站消息通常已持久化在历史末尾，避免重复发送
	if n := len(msgs); n == 0 || msgs[n-1].Role != openai.ChatMessageRoleUser || msgs[n-1].Content != text {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text})
	}

	req := openai.ChatCompletionRequest{
		Model:    e.cfg.Model,
		Messages: msgs,
	}
	// 从全局配置注入（若非零值）
	if e.cfg.Generation.Temperature != 0 {
		req.Temperature = float32(e.cfg.Generation.Temperature)
	}
	if e.cfg.Generation.TopP != 0 {
		req.TopP = float32(e.cfg.Generation.TopP)
	}
	if e.cfg.Generation.MaxTokens != 0 {
		req.MaxTokens = e.cfg.Generation.MaxTokens
	}
	return req
}
