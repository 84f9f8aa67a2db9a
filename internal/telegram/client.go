// Package telegram delivers signals and operational alerts through the Telegram Bot API
// and serves the bot's watchlist commands.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/sigwatch/internal/logger"
	"github.com/rewired-gh/sigwatch/internal/models"
	"github.com/rewired-gh/sigwatch/internal/okx"
)

// CommandFunc handles a bot command and returns the plain-text reply.
type CommandFunc func(args string) string

// Client handles Telegram notifications.
type Client struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	// mainChatID receives EXTREME and HIGH signals, detailChatID MEDIUM ones.
	// Both default to chatID.
	mainChatID     int64
	detailChatID   int64
	maxRetries     int
	retryDelayBase time.Duration

	mu       sync.RWMutex
	commands map[string]CommandFunc
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	return newClient(bot, chatIDInt, maxRetries, retryDelayBase), nil
}

func newClient(bot *tgbotapi.BotAPI, chatID int64, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	c := &Client{
		bot:            bot,
		chatID:         chatID,
		mainChatID:     chatID,
		detailChatID:   chatID,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		commands:       make(map[string]CommandFunc),
	}
	c.Handle("ping", func(string) string { return "Pong" })
	return c
}

// Route sends strong signals to mainChatID and MEDIUM signals to
// detailChatID. An empty id keeps the default chat.
func (c *Client) Route(mainChatID, detailChatID string) error {
	for _, r := range []struct {
		id  string
		dst *int64
	}{{mainChatID, &c.mainChatID}, {detailChatID, &c.detailChatID}} {
		if r.id == "" {
			continue
		}
		id, err := strconv.ParseInt(r.id, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid chat ID %q: %w", r.id, err)
		}
		*r.dst = id
	}
	return nil
}

// Name identifies the client as a notification sink.
func (c *Client) Name() string { return "telegram" }

// Handle registers fn for /name, replacing any previous handler.
func (c *Client) Handle(name string, fn CommandFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands[strings.ToLower(name)] = fn
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message) {
	text, ok := c.reply(msg.Command(), msg.CommandArguments())
	if !ok {
		return
	}
	if _, err := c.bot.Send(tgbotapi.NewMessage(msg.Chat.ID, text)); err != nil {
		logger.Warn("Failed to reply to /%s: %v", msg.Command(), err)
	}
}

func (c *Client) reply(command, args string) (string, bool) {
	c.mu.RLock()
	fn, ok := c.commands[strings.ToLower(command)]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	return fn(strings.TrimSpace(args)), true
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(ctx context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i == c.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a monitoring error notification.
// Call this only once per consecutive failure sequence.
func (c *Client) SendError(cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Monitoring error*\n`%s`", escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(context.Background(), c.chatID, text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(failureCount int) error {
	text := fmt.Sprintf("✅ *Monitoring recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(context.Background(), c.chatID, text)
}

// Publish sends one signal notification to the chat of its tier.
func (c *Client) Publish(ctx context.Context, sig models.Signal) error {
	return c.sendMarkdownV2(ctx, c.chatFor(sig.Strength), formatSignal(sig))
}

func (c *Client) chatFor(strength models.Strength) int64 {
	if strength >= models.High {
		return c.mainChatID
	}
	return c.detailChatID
}

var tierEmoji = map[models.Strength]string{
	models.Extreme: "🔥",
	models.High:    "✅",
	models.Medium:  "⚠️",
}

var tierAdvice = map[models.Strength]string{
	models.Extreme: "Strong setup, worth close attention",
	models.High:    "Tradable, confirm with the broader trend first",
	models.Medium:  "Treat with caution, small size only",
}

// formatSignal formats a signal into a Telegram MarkdownV2 message.
func formatSignal(sig models.Signal) string {
	emoji := tierEmoji[sig.Strength]
	directionEmoji := "📈"
	if sig.Direction == models.Short {
		directionEmoji = "📉"
	}

	labels := make([]string, 0, len(sig.Events))
	for _, kind := range sig.Events {
		labels = append(labels, kind.Label())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s %s* %s\n\n",
		emoji,
		escapeMarkdownV2(sig.Strength.String()),
		escapeMarkdownV2(string(sig.Direction)),
		escapeMarkdownV2(sig.Instrument),
	)
	fmt.Fprintf(&b, "%s Confidence: *%s*\n", directionEmoji, escapeMarkdownV2(fmt.Sprintf("%.1f%%", sig.Confidence*100)))
	fmt.Fprintf(&b, "💰 Price: %s\n", escapeMarkdownV2(strconv.FormatFloat(sig.Price, 'f', -1, 64)))
	fmt.Fprintf(&b, "🎯 Events: %s\n", escapeMarkdownV2(strings.Join(labels, ", ")))
	fmt.Fprintf(&b, "📋 %s\n", escapeMarkdownV2(tierAdvice[sig.Strength]))
	fmt.Fprintf(&b, "📅 %s\n\n", escapeMarkdownV2(sig.Timestamp.UTC().Format("2006-01-02 15:04:05")))
	fmt.Fprintf(&b, "[Trade on OKX](%s)", okx.TradeURL(sig.Instrument))
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
