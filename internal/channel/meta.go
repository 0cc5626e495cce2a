package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"inbox-relay-go/internal/config"
	"inbox-relay-go/internal/model"
)

// MetaAdapter 解析 WhatsApp Cloud API 的 webhook 报文。
type MetaAdapter struct {
	verifyToken string
}

// NewMetaAdapter 创建 MetaAdapter，verifyToken 用于订阅校验握手。
func NewMetaAdapter(verifyToken string) *MetaAdapter {
	return &MetaAdapter{verifyToken: verifyToken}
}

func (a *MetaAdapter) Name() string { return model.ChannelMeta }

type metaPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []struct {
					From string `json:"from"`
					ID   string `json:"id"`
					Text *struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ParseInbound 读取 entry[0].changes[0].value.messages[0]。
// 状态回调等不含消息的报文返回 ErrIgnored；缺少文本时按空字符串处理。
func (a *MetaAdapter) ParseInbound(_ string, body []byte) (Inbound, error) {
	var p metaPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Inbound{}, ErrIgnored
	}
	if len(p.Entry) == 0 || len(p.Entry[0].Changes) == 0 || len(p.Entry[0].Changes[0].Value.Messages) == 0 {
		return Inbound{}, ErrIgnored
	}
	m := p.Entry[0].Changes[0].Value.Messages[0]
	if strings.TrimSpace(m.From) == "" {
		return Inbound{}, ErrIgnored
	}
	in := Inbound{Address: m.From, MessageID: m.ID}
	if m.Text != nil {
		in.Text = m.Text.Body
	}
	return in, nil
}

// Verify 处理订阅校验握手，token 匹配时返回需要原样回显的 challenge。
func (a *MetaAdapter) Verify(token, challenge string) (string, bool) {
	if a.verifyToken == "" || token != a.verifyToken {
		return "", false
	}
	if challenge == "" {
		challenge = "OK"
	}
	return challenge, true
}

// MetaSender 通过 Graph API 发送文本消息。
type MetaSender struct {
	client      *http.Client
	endpoint    string
	accessToken string
}

// NewMetaSender 根据配置创建 MetaSender。
func NewMetaSender(cfg config.MetaConfig, client *http.Client) *MetaSender {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	base := strings.TrimRight(cfg.GraphURL, "/")
	return &MetaSender{
		client:      client,
		endpoint:    fmt.Sprintf("%s/%s/%s/messages", base, cfg.APIVersion, cfg.PhoneNumberID),
		accessToken: cfg.AccessToken,
	}
}

type metaSendRequest struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		Body string `json:"body"`
	} `json:"text"`
}

// Send 调用 POST /{version}/{phone_number_id}/messages。
func (s *MetaSender) Send(ctx context.Context, address, text string) error {
	reqBody := metaSendRequest{MessagingProduct: "whatsapp", To: address, Type: "text"}
	reqBody.Text.Body = text
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.accessToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("meta send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("meta send: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
