package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-tracker/internal/pricing"
)

const (
	titleLimit = 40
	// Telegram rejects photo captions longer than this
	captionLimit = 1024
)

// ErrNotConfigured 表示缺少推送所需的凭据或目标。
var ErrNotConfigured = errors.New("notifier not configured")

// Notification 封装价格告警上下文。
type Notification struct {
	UserID            string
	ChatID            string
	ASIN              string
	Title             string
	URL               string
	ImageURL          string
	OldPrice          decimal.Decimal
	NewPrice          decimal.Decimal
	MinPrice          decimal.NullDecimal
	Currency          string
	HistoricalMinimum bool
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。chatID 为默认目标，
// Notification.ChatID 非空时优先。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 有图片时调用 sendPhoto，否则调用 sendMessage。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	chatID := note.ChatID
	if chatID == "" {
		chatID = note.UserID
	}
	if chatID == "" {
		chatID = n.chatID
	}
	if n.botToken == "" || chatID == "" {
		return ErrNotConfigured
	}

	text := renderMessage(note)
	method := "sendMessage"
	payload := map[string]string{
		"chat_id":    chatID,
		"parse_mode": "HTML",
	}
	if note.ImageURL != "" && utf8.RuneCountInString(text) <= captionLimit {
		method = "sendPhoto"
		payload["photo"] = note.ImageURL
		payload["caption"] = text
	} else {
		payload["text"] = text
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", n.baseURL, n.botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false: %s", result.Description)
		}
	}

	n.logger.Info().Str("asin", note.ASIN).
		Str("chat_id", chatID).
		Str("method", method).
		Bool("historical_min", note.HistoricalMinimum).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	if note.HistoricalMinimum {
		builder.WriteString("🔥 <b>Historical low price!</b>\n\n")
	} else {
		builder.WriteString("📉 <b>Price drop!</b>\n\n")
	}
	if note.Title != "" {
		builder.WriteString(fmt.Sprintf("%s\n\n", html.EscapeString(pricing.Truncate(note.Title, titleLimit))))
	}
	builder.WriteString(fmt.Sprintf("Was: %s\n", pricing.FormatPrice(note.OldPrice, note.Currency)))
	builder.WriteString(fmt.Sprintf("Now: <b>%s</b>\n", pricing.FormatPrice(note.NewPrice, note.Currency)))
	if drop := note.OldPrice.Sub(note.NewPrice); drop.IsPositive() {
		builder.WriteString(fmt.Sprintf("You save: %s", pricing.FormatPrice(drop, note.Currency)))
		if note.OldPrice.IsPositive() {
			pct := drop.Div(note.OldPrice).Mul(decimal.NewFromInt(100))
			builder.WriteString(fmt.Sprintf(" (-%s%%)", pct.StringFixed(0)))
		}
		builder.WriteString("\n")
	}
	if note.MinPrice.Valid && !note.HistoricalMinimum {
		builder.WriteString(fmt.Sprintf("Lowest seen: %s\n", pricing.FormatPrice(note.MinPrice.Decimal, note.Currency)))
	}
	if note.URL != "" {
		builder.WriteString(fmt.Sprintf("\n%s", note.URL))
	}
	return builder.String()
}

// LogNotifier 只写日志，用于 dry-run。
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier 构造日志告警器。
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify 输出一条 info 日志。
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Info().
		Str("asin", note.ASIN).
		Str("user_id", note.UserID).
		Str("old_price", note.OldPrice.String()).
		Str("new_price", note.NewPrice.String()).
		Bool("historical_min", note.HistoricalMinimum).
		Msg(renderMessage(note))
	return nil
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
