package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pysugar/checkin-nexus/internal/util"
)

// Kind selects the payload shape of a webhook.
type Kind string

const (
	KindDingTalk   Kind = "dingtalk"
	KindFeishu     Kind = "feishu"
	KindWeCom      Kind = "wecom"
	KindPushPlus   Kind = "pushplus"
	KindServerChan Kind = "serverchan"
	KindTelegram   Kind = "telegram"
	KindGeneric    Kind = "generic"
)

const (
	pushPlusEndpoint   = "http://www.pushplus.plus/send"
	serverChanEndpoint = "https://sctapi.ftqq.com/%s.send"
	telegramEndpoint   = "https://api.telegram.org/bot%s/sendMessage"
)

// ParseKind accepts the configured kind names and their common aliases.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dingtalk", "dingding":
		return KindDingTalk, nil
	case "feishu", "lark":
		return KindFeishu, nil
	case "wecom", "weixin", "wechat":
		return KindWeCom, nil
	case "pushplus":
		return KindPushPlus, nil
	case "serverchan", "serverpush":
		return KindServerChan, nil
	case "telegram":
		return KindTelegram, nil
	case "generic", "webhook":
		return KindGeneric, nil
	}
	return "", fmt.Errorf("unknown webhook kind %q", s)
}

// Webhook posts JSON to a chat or push service.
type Webhook struct {
	kind     Kind
	target   string
	chatID   string
	endpoint string
	client   *http.Client
}

type WebhookOption func(*Webhook)

// WithEndpoint overrides the service URL derived from the kind.
func WithEndpoint(url string) WebhookOption {
	return func(w *Webhook) { w.endpoint = url }
}

func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// WithChatID sets the Telegram chat to post to.
func WithChatID(id string) WebhookOption {
	return func(w *Webhook) { w.chatID = id }
}

// NewWebhook creates a webhook channel. target is the webhook URL for
// dingtalk, feishu, wecom and generic; the token for pushplus; the send key
// for serverchan; the bot token for telegram.
func NewWebhook(kind Kind, target string, opts ...WebhookOption) (*Webhook, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, fmt.Errorf("%s webhook: target is empty", kind)
	}
	w := &Webhook{kind: kind, target: target, client: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		opt(w)
	}
	if w.endpoint == "" {
		switch kind {
		case KindPushPlus:
			w.endpoint = pushPlusEndpoint
		case KindServerChan:
			w.endpoint = fmt.Sprintf(serverChanEndpoint, target)
		case KindTelegram:
			w.endpoint = fmt.Sprintf(telegramEndpoint, target)
		case KindDingTalk, KindFeishu, KindWeCom, KindGeneric:
			if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
				return nil, fmt.Errorf("%s webhook: %q is not an http(s) URL", kind, target)
			}
			w.endpoint = target
		default:
			return nil, fmt.Errorf("unknown webhook kind %q", kind)
		}
	}
	if kind == KindTelegram && w.chatID == "" {
		return nil, fmt.Errorf("telegram webhook: chat id is required")
	}
	return w, nil
}

func (w *Webhook) Kind() Kind { return w.kind }

func (w *Webhook) Deliver(ctx context.Context, title, body string) error {
	payload, err := json.Marshal(w.payload(title, body))
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", w.kind, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", w.kind, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting %s webhook: %w", w.kind, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s webhook: HTTP %d: %s", w.kind, resp.StatusCode, util.TruncateLog(string(respBody), 200))
	}
	return nil
}

func (w *Webhook) payload(title, body string) interface{} {
	switch w.kind {
	case KindDingTalk, KindWeCom:
		return map[string]interface{}{
			"msgtype": "text",
			"text":    map[string]string{"content": title + "\n" + body},
		}
	case KindFeishu:
		return map[string]interface{}{
			"msg_type": "interactive",
			"card": map[string]interface{}{
				"elements": []map[string]string{
					{"tag": "markdown", "content": body, "text_align": "left"},
				},
				"header": map[string]interface{}{
					"template": "blue",
					"title":    map[string]string{"content": title, "tag": "plain_text"},
				},
			},
		}
	case KindPushPlus:
		return map[string]string{"token": w.target, "title": title, "content": body, "template": "html"}
	case KindServerChan:
		return map[string]string{"title": title, "desp": body}
	case KindTelegram:
		return map[string]string{
			"chat_id":    w.chatID,
			"text":       "<b>" + title + "</b>\n\n" + body,
			"parse_mode": "HTML",
		}
	default:
		return map[string]string{"title": title, "body": body}
	}
}
