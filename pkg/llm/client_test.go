package llm

import (
	"context"
	"errors"
	"testing"

	"inbox-relay-go/internal/config"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCompleter struct {
	requests []openai.ChatCompletionRequest
	resp     openai.ChatCompletionResponse
	err      error
}

func (m *mockCompleter) CreateChatCompletion(_ context.Context, r openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.requests = append(m.requests, r)
	return m.resp, m.err
}

func reply(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: content}}}}
}

func TestGenerateReply_BuildsConversation(t *testing.T) {
	m := &mockCompleter{resp: reply("  hi there \n")}
	e := newEngine(config.LLMConfig{
		Model:      "gpt-test",
		Prompt:     config.LLMPromptConfig{System: "be nice"},
		Generation: config.LLMGenerationConfig{Temperature: 0.3, MaxTokens: 100},
	}, m)

	history := []Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: ""},
		{Role: "user", Content: "hello"},
	}
	got, err := e.GenerateReply(context.Background(), "hello", history, false)
	require.NoError(t, err)
	assert.Equal(t, "hi there", got)

	require.Len(t, m.requests, 1)
	req := m.requests[0]
	assert.Equal(t, "gpt-test", req.Model)
	assert.InDelta(t, 0.3, req.Temperature, 1e-6)
	assert.Equal(t, 100, req.MaxTokens)

	var roles, contents []string
	for _, msg := range req.Messages {
		roles = append(roles, msg.Role)
		contents = append(contents, msg.Content)
	}
	assert.Equal(t, []string{"system", "user", "user"}, roles)
	assert.Equal(t, []string{"be nice", "first", "hello"}, contents)
}

func TestGenerateReply_AppendsTextMissingFromHistory(t *testing.T) {
	m := &mockCompleter{resp: reply("ok")}
	e := newEngine(config.LLMConfig{}, m)

	_, err := e.GenerateReply(context.Background(), "new", nil, false)
	require.NoError(t, err)
	require.Len(t, m.requests[0].Messages, 1)
	assert.Equal(t, "new", m.requests[0].Messages[0].Content)
}

func TestGenerateReply_NoChoicesIsEmpty(t *testing.T) {
	e := newEngine(config.LLMConfig{}, &mockCompleter{})
	got, err := e.GenerateReply(context.Background(), "x", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestGenerateReply_TakeoverSkipsModel(t *testing.T) {
	m := &mockCompleter{resp: reply("nope")}
	got, err := newEngine(config.LLMConfig{}, m).GenerateReply(context.Background(), "x", nil, true)
	require.NoError(t, err)
	assert.Equal(t, "", got)
	assert.Empty(t, m.requests)
}

func TestGenerateReply_PropagatesError(t *testing.T) {
	e := newEngine(config.LLMConfig{}, &mockCompleter{err: errors.New("rate limited")})
	_, err := e.GenerateReply(context.Background(), "x", nil, false)
	assert.Error(t, err)
}
