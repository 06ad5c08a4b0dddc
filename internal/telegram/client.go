// Package telegram provides a client for sending notifications via Telegram Bot API.
// It formats finished analysis runs into human-readable reports and handles
// delivery with retry logic for reliability.
//
// Messages use MarkdownV2, so every piece of dynamic text is escaped before sending.
package telegram

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/eegscope/internal/models"
)

// sender is the subset of the bot API the client needs.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications
type Client struct {
	bot            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newClient(bot, chatID, maxRetries, retryDelayBase)
}

func newClient(bot sender, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// SendReport sends the summary of a finished run
func (c *Client) SendReport(run *models.Run) error {
	return c.send(formatReport(run))
}

// SendError notifies that a run failed
func (c *Client) SendError(run *models.Run, err error) error {
	return c.send(formatError(run, err))
}

func (c *Client) send(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if i < c.maxRetries-1 {
			time.Sleep(c.retryDelayBase * time.Duration(i+1))
		}
	}

	return fmt.Errorf("failed to send message after %d retries: %w", c.maxRetries, lastErr)
}

// formatReport formats a successful run into a Telegram message
func formatReport(run *models.Run) string {
	var b strings.Builder
	b.WriteString("🧠 *EEG analysis finished*\n\n")
	fmt.Fprintf(&b, "📅 Started: %s\n", escapeMarkdownV2(run.StartedAt.Format("2006-01-02 15:04:05")))
	fmt.Fprintf(&b, "⏱ Took: %s\n", escapeMarkdownV2(formatDuration(run.FinishedAt.Sub(run.StartedAt))))
	fmt.Fprintf(&b, "📄 Input: `%s`\n", escapeMarkdownV2(filepath.Base(run.InputPath)))
	if run.AnalyzedPath != "" {
		fmt.Fprintf(&b, "🔬 Analyzed: `%s`\n", escapeMarkdownV2(filepath.Base(run.AnalyzedPath)))
	}

	if run.PeakChannel == "" {
		b.WriteString("\nConverted only, no analysis\\.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "\nEpochs: %d kept, %d dropped\n", run.EpochsKept, run.EpochsDropped)
	fmt.Fprintf(&b, "📉 N400: *%s* at %s on %s\n",
		escapeMarkdownV2(fmt.Sprintf("%.2f µV", run.PeakAmplitude*1e6)),
		escapeMarkdownV2(fmt.Sprintf("%.0f ms", run.PeakLatency*1e3)),
		escapeMarkdownV2(run.PeakChannel))
	fmt.Fprintf(&b, "AUC: %s\n", escapeMarkdownV2(fmt.Sprintf("%.3g µV·s", run.AUC*1e6)))
	return b.String()
}

// formatError formats a failed run into a Telegram message
func formatError(run *models.Run, err error) string {
	var b strings.Builder
	b.WriteString("⚠️ *EEG analysis failed*\n\n")
	if run != nil {
		fmt.Fprintf(&b, "📄 Input: `%s`\n", escapeMarkdownV2(filepath.Base(run.InputPath)))
	}
	fmt.Fprintf(&b, "Error: %s\n", escapeMarkdownV2(err.Error()))
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2
func escapeMarkdownV2(text string) string {
	// Characters that need escaping in MarkdownV2:
	// _ * [ ] ( ) ~ ` > # + - = | { } . !
	var b strings.Builder
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if d >= time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
	if d >= time.Minute {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}
