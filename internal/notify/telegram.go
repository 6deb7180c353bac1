// Package notify delivers the morning digest to a Telegram chat.
package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/stellarlinkco/prospector/internal/config"
	"github.com/stellarlinkco/prospector/internal/pipeline"
)

// Telegram caps a message at 4096 characters.
const maxMessageLen = 4000

// Bot is the part of the Telegram API the notifier uses.
type Bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

type botWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *botWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) { return w.bot.Send(c) }
func (w *botWrapper) GetSelf() tgbotapi.User { return w.bot.Self }

// BotFactory creates Bot instances so tests can swap in a fake.
type BotFactory func(token, apiEndpoint string, client *http.Client) (Bot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (Bot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &botWrapper{bot: bot}, nil
}

// Telegram sends digests to one chat. The bot is created lazily on first send.
type Telegram struct {
	token   string
	chatID  int64
	proxy   string
	factory BotFactory
	bot     Bot
	logger  *zap.Logger
}

func NewTelegram(cfg config.TelegramConfig, logger *zap.Logger) (*Telegram, error) {
	return NewTelegramWithFactory(cfg, logger, defaultBotFactory)
}

func NewTelegramWithFactory(cfg config.TelegramConfig, logger *zap.Logger, factory BotFactory) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is required")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Telegram{
		token:   cfg.Token,
		chatID:  cfg.ChatID,
		proxy:   cfg.Proxy,
		factory: factory,
		logger:  logger.Named("telegram"),
	}, nil
}

func (t *Telegram) init() error {
	if t.bot != nil {
		return nil
	}
	client := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	}
	bot, err := t.factory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	t.logger.Info("authorized", zap.String("bot", bot.GetSelf().UserName))
	return nil
}

// SendDigest formats d and sends it, split on line breaks when too long.
func (t *Telegram) SendDigest(ctx context.Context, d pipeline.Digest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.init(); err != nil {
		return err
	}
	for _, chunk := range split(FormatDigest(d), maxMessageLen) {
		msg := tgbotapi.NewMessage(t.chatID, chunk)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true
		if _, err := t.bot.Send(msg); err != nil {
			return fmt.Errorf("send telegram digest: %w", err)
		}
	}
	t.logger.Info("digest sent", zap.String("segment", d.Segment.Label), zap.Int("priority", len(d.Priority)))
	return nil
}

// FormatDigest renders the digest as Telegram HTML.
func FormatDigest(d pipeline.Digest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s worklist</b> · %s\n", html.EscapeString(d.Segment.Label), d.Date.Format("Mon Jan 2"))
	fmt.Fprintf(&b, "%d accounts in rotation, %d overdue\n\n", d.Total, d.Overdue)
	if len(d.Priority) == 0 {
		b.WriteString("No queued accounts today.\n")
	}
	for i, item := range d.Priority {
		mark := ""
		if item.Estimated {
			mark = " (est.)"
		}
		fmt.Fprintf(&b, "%d. <b>%s</b> · %d%s · %s\n", i+1,
			html.EscapeString(item.Company.Name), item.Score, mark, html.EscapeString(item.Company.Industry))
	}
	fmt.Fprintf(&b, "\nThis week: %d contacted, %d replied, %d meetings booked",
		d.Weekly.Contacted, d.Weekly.Replied, d.Weekly.MeetingBooked)
	return b.String()
}

func split(s string, limit int) []string {
	var out []string
	for len(s) > 0 {
		chunk := s
		if len(chunk) > limit {
			if idx := strings.LastIndex(chunk[:limit], "\n"); idx > 0 {
				chunk = chunk[:idx]
			} else {
				chunk = chunk[:limit]
			}
		}
		s = strings.TrimPrefix(s[len(chunk):], "\n")
		out = append(out, chunk)
	}
	return out
}
