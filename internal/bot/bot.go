// Package bot runs the Telegram front end: users send a Divar search link
// and get the priced listings back as a workbook.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/divar-listing-bot/internal/metrics"
	"github.com/JakeFAU/divar-listing-bot/internal/pipeline"
	"github.com/JakeFAU/divar-listing-bot/internal/report"
)

const (
	greetingText  = "👋 لینک دیوار را ارسال نمایید"
	progressText  = "⏳ درحال استخراج، لطفا منتظر بمانید"
	failurePrefix = "❌ Failed: "
)

// Update kinds reported to metrics.
const (
	KindStart   = "start"
	KindLink    = "link"
	KindCommand = "command"
	KindIgnored = "ignored"
)

// API is the slice of the Telegram client the bot uses.
type API interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Pipeline runs one scrape synchronously.
type Pipeline interface {
	ScrapeNow(ctx context.Context, url, source string) (pipeline.Job, pipeline.Result, error)
}

// Config controls polling and concurrency.
type Config struct {
	PollTimeout   time.Duration
	MaxConcurrent int
}

// Bot long-polls Telegram and answers link messages with a workbook.
type Bot struct {
	api      API
	pipeline Pipeline
	cfg      Config
	logger   *zap.Logger
}

// NewAPI connects to Telegram with token and routes the client's own logging through logger.
func NewAPI(token string, debug bool, logger *zap.Logger) (*tgbotapi.BotAPI, error) {
	if logger != nil {
		if err := tgbotapi.SetLogger(zap.NewStdLog(logger.Named("telegram"))); err != nil {
			return nil, fmt.Errorf("set telegram logger: %w", err)
		}
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram: %w", err)
	}
	api.Debug = debug
	return api, nil
}

// New constructs a Bot.
func New(api API, p Pipeline, cfg Config, logger *zap.Logger) (*Bot, error) {
	if api == nil {
		return nil, errors.New("bot: telegram api is required")
	}
	if p == nil {
		return nil, errors.New("bot: pipeline is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{api: api, pipeline: p, cfg: cfg, logger: logger}, nil
}

// Run polls for updates until ctx ends, then waits for in-flight handlers.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(b.cfg.PollTimeout / time.Second)
	updates := b.api.GetUpdatesChan(u)

	sem := make(chan struct{}, b.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	defer wg.Wait()

	b.logger.Info("telegram bot polling", zap.Int("max_concurrent", b.cfg.MaxConcurrent))
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				b.api.StopReceivingUpdates()
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				b.HandleUpdate(ctx, update)
			}()
		}
	}
}

// HandleUpdate processes one update.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil {
		metrics.ObserveBotUpdate(KindIgnored)
		return
	}
	if msg.IsCommand() {
		if msg.Command() == "start" {
			metrics.ObserveBotUpdate(KindStart)
			b.reply(msg.Chat.ID, greetingText)
			return
		}
		metrics.ObserveBotUpdate(KindCommand)
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.Contains(text, "http") {
		metrics.ObserveBotUpdate(KindIgnored)
		return
	}
	metrics.ObserveBotUpdate(KindLink)
	b.handleLink(ctx, msg.Chat.ID, text)
}

func (b *Bot) handleLink(ctx context.Context, chatID int64, text string) {
	target := ExtractURL(text)
	logger := b.logger.With(zap.Int64("chat_id", chatID), zap.String("url", target))

	progress, err := b.api.Send(tgbotapi.NewMessage(chatID, progressText))
	if err != nil {
		logger.Warn("send progress message failed", zap.Error(err))
	} else {
		defer b.deleteMessage(chatID, progress.MessageID, logger)
	}

	job, res, err := b.pipeline.ScrapeNow(ctx, target, pipeline.SourceTelegram)
	if err != nil {
		logger.Warn("scrape failed", zap.String("job_id", job.ID), zap.Error(err))
		b.reply(chatID, failurePrefix+err.Error())
		return
	}

	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: report.Filename, Bytes: res.Report})
	doc.Caption = res.Caption()
	if _, err := b.api.Send(doc); err != nil {
		logger.Error("send workbook failed", zap.String("job_id", job.ID), zap.Error(err))
		b.reply(chatID, failurePrefix+err.Error())
		return
	}
	logger.Info("workbook sent", zap.String("job_id", job.ID), zap.Int("priced", len(res.Listings)))
}

func (b *Bot) reply(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.logger.Warn("send message failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (b *Bot) deleteMessage(chatID int64, messageID int, logger *zap.Logger) {
	if _, err := b.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		logger.Warn("delete progress message failed", zap.Error(err))
	}
}

// ExtractURL returns the first http(s) token in text, or the whole trimmed
// text when no token starts with a scheme.
func ExtractURL(text string) string {
	text = strings.TrimSpace(text)
	for _, field := range strings.Fields(text) {
		if strings.HasPrefix(field, "http://") || strings.HasPrefix(field, "https://") {
			return field
		}
	}
	return text
}
