package channel

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"inbox-relay-go/internal/config"
	"inbox-relay-go/internal/model"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"golang.org/x/sync/semaphore"
)

const whatsappPrefix = "whatsapp:"

// TwilioAdapter 解析 Twilio WhatsApp 的表单 webhook。
type TwilioAdapter struct{}

// NewTwilioAdapter 创建 TwilioAdapter。
func NewTwilioAdapter() *TwilioAdapter { return &TwilioAdapter{} }

func (a *TwilioAdapter) Name() string { return model.ChannelTwilio }

// ParseInbound 读取 From（去掉 whatsapp: 前缀）、Body 与 MessageSid。
func (a *TwilioAdapter) ParseInbound(_ string, body []byte) (Inbound, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return Inbound{}, ErrIgnored
	}
	from := strings.TrimSpace(strings.TrimPrefix(form.Get("From"), whatsappPrefix))
	if from == "" {
		return Inbound{}, ErrIgnored
	}
	return Inbound{
		Address:   from,
		Text:      form.Get("Body"),
		MessageID: form.Get("MessageSid"),
	}, nil
}

// messageCreator 是 twilio-go Api 服务中本包用到的部分。
type messageCreator interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// TwilioSender 通过 twilio-go 发送 WhatsApp 消息。
// SDK 调用是同步阻塞的，放到独立 goroutine 中执行，并用信号量限制并发数。
type TwilioSender struct {
	api  messageCreator
	from string
	sem  *semaphore.Weighted
}

// NewTwilioSender 根据配置创建 TwilioSender。
func NewTwilioSender(cfg config.TwilioConfig) *TwilioSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newTwilioSender(client.Api, cfg.From, cfg.MaxConcurrent)
}

func newTwilioSender(api messageCreator, from string, maxConcurrent int) *TwilioSender {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &TwilioSender{
		api:  api,
		from: withWhatsAppPrefix(from),
		sem:  semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

func withWhatsAppPrefix(addr string) string {
	if strings.HasPrefix(addr, whatsappPrefix) {
		return addr
	}
	return whatsappPrefix + addr
}

// Send 在 ctx 结束前等待 SDK 返回；ctx 先结束时直接返回，SDK 调用在后台完成。
func (s *TwilioSender) Send(ctx context.Context, address, text string) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("twilio send: %w", err)
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(withWhatsAppPrefix(address))
	params.SetFrom(s.from)
	params.SetBody(text)

	done := make(chan error, 1)
	go func() {
		defer s.sem.Release(1)
		_, err := s.api.CreateMessage(params)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("twilio send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("twilio send: %w", ctx.Err())
	}
}
