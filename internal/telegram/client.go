// Package telegram wraps the Bot API client used by the daemon: long polling
// with conflict detection, paced sends with Markdown fallback, inline
// keyboards, and file downloads.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"
)

// maxMessageLen is the Bot API limit for message text.
const maxMessageLen = 4096

// conflictRetries bounds startup attempts when another poller holds the
// getUpdates lock.
const conflictRetries = 3

// Client is a thin wrapper over the Bot API. Safe for concurrent use.
type Client struct {
	bot      *telego.Bot
	token    string
	limiters sync.Map // chatID int64 → *rate.Limiter

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a client and verifies the token against the API.
func New(token string) (*Client, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Client{bot: bot, token: token}, nil
}

// Username returns the bot's username.
func (c *Client) Username() string { return c.bot.Username() }

// Start deletes any webhook and begins long polling. A 409 conflict (another
// daemon is polling with the same token) is retried up to conflictRetries
// times, then returned as a fatal error.
func (c *Client) Start(ctx context.Context) (<-chan telego.Update, error) {
	if err := c.bot.DeleteWebhook(ctx, &telego.DeleteWebhookParams{}); err != nil {
		slog.Debug("delete webhook failed", "error", err)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	var updates <-chan telego.Update
	var err error
	for attempt := 1; attempt <= conflictRetries; attempt++ {
		updates, err = c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
			Timeout: 30,
			AllowedUpdates: []string{
				"message",
				"callback_query",
			},
		})
		if err == nil {
			break
		}
		if !isConflict(err) || attempt == conflictRetries {
			cancel()
			return nil, fmt.Errorf("start long polling: %w", err)
		}
		slog.Warn("another poller holds the bot token, retrying", "attempt", attempt)
		select {
		case <-pollCtx.Done():
			cancel()
			return nil, pollCtx.Err()
		case <-time.After(3 * time.Second):
		}
	}

	out := make(chan telego.Update)
	go func() {
		defer close(c.pollDone)
		defer close(out)
		for {
			select {
			case <-pollCtx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				out <- u
			}
		}
	}()
	return out, nil
}

// Stop cancels polling and waits for the update loop to drain, so the API
// releases the getUpdates lock before a successor starts.
func (c *Client) Stop() {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling did not stop within timeout")
		}
	}
}

func isConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "409")
}

func isParseRejection(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "can't parse entities") || strings.Contains(s, "400")
}

// limiter returns the per-chat pacing limiter, roughly one message per
// 350 ms with a small burst, under the Bot API per-chat ceiling.
func (c *Client) limiter(chatID int64) *rate.Limiter {
	if l, ok := c.limiters.Load(chatID); ok {
		return l.(*rate.Limiter)
	}
	l, _ := c.limiters.LoadOrStore(chatID, rate.NewLimiter(rate.Every(350*time.Millisecond), 3))
	return l.(*rate.Limiter)
}

// SendOpts adjusts a single Send call.
type SendOpts struct {
	ReplyTo  int // message id to reply to, 0 for none
	Keyboard *telego.InlineKeyboardMarkup
	Plain    bool // skip Markdown mode
}

// Truncate enforces the API text limit with a trailing marker. The cut
// lands on a rune boundary so the result stays valid UTF-8.
func Truncate(text string) string {
	if len(text) <= maxMessageLen {
		return text
	}
	const marker = "\n[truncated]"
	cut := maxMessageLen - len(marker)
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + marker
}

// Send delivers a text message. Markdown first, plain-text retry once on a
// parse rejection. Returns the sent message id.
func (c *Client) Send(ctx context.Context, chatID int64, text string, opts SendOpts) (int, error) {
	if err := c.limiter(chatID).Wait(ctx); err != nil {
		return 0, err
	}
	params := tu.Message(tu.ID(chatID), Truncate(text))
	if opts.ReplyTo != 0 {
		params.ReplyParameters = &telego.ReplyParameters{MessageID: opts.ReplyTo}
	}
	if opts.Keyboard != nil {
		params.ReplyMarkup = opts.Keyboard
	}
	if !opts.Plain {
		params.ParseMode = telego.ModeMarkdown
	}

	msg, err := c.bot.SendMessage(ctx, params)
	if err != nil && !opts.Plain && isParseRejection(err) {
		params.ParseMode = ""
		msg, err = c.bot.SendMessage(ctx, params)
	}
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	return msg.MessageID, nil
}

// Edit replaces the text (and keyboard) of an existing message, with the
// same Markdown fallback as Send.
func (c *Client) Edit(ctx context.Context, chatID int64, messageID int, text string, keyboard *telego.InlineKeyboardMarkup) error {
	if err := c.limiter(chatID).Wait(ctx); err != nil {
		return err
	}
	params := &telego.EditMessageTextParams{
		ChatID:      tu.ID(chatID),
		MessageID:   messageID,
		Text:        Truncate(text),
		ParseMode:   telego.ModeMarkdown,
		ReplyMarkup: keyboard,
	}
	_, err := c.bot.EditMessageText(ctx, params)
	if err != nil && isParseRejection(err) {
		params.ParseMode = ""
		_, err = c.bot.EditMessageText(ctx, params)
	}
	if err != nil {
		return fmt.Errorf("edit message %d: %w", messageID, err)
	}
	return nil
}

// Delete removes a message.
func (c *Client) Delete(ctx context.Context, chatID int64, messageID int) error {
	if err := c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
	}); err != nil {
		return fmt.Errorf("delete message %d: %w", messageID, err)
	}
	return nil
}

// AnswerCallback acknowledges an inline-button press.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
	})
}

// Typing shows the "typing…" chat action, valid for about five seconds.
func (c *Client) Typing(ctx context.Context, chatID int64) {
	if err := c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)); err != nil {
		slog.Debug("send chat action failed", "error", err)
	}
}

// SyncCommands publishes the command menu.
func (c *Client) SyncCommands(ctx context.Context, commands []telego.BotCommand) error {
	if err := c.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: commands}); err != nil {
		return fmt.Errorf("set bot commands: %w", err)
	}
	return nil
}

// DownloadFile fetches a Telegram file (photo, voice clip) into a temp file
// and returns its path. The caller removes the file when done.
func (c *Client) DownloadFile(ctx context.Context, fileID string, maxBytes int64) (string, error) {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get file info: %w", err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file id %s", fileID)
	}
	if int64(file.FileSize) > maxBytes {
		return "", fmt.Errorf("file too large: %d bytes (max %d)", file.FileSize, maxBytes)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".bin"
	}
	tmp, err := os.CreateTemp("", "remotecode_media_*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer tmp.Close()

	written, err := io.Copy(tmp, io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("save file: %w", err)
	}
	if written > maxBytes {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("file exceeds max size during download")
	}
	return tmp.Name(), nil
}
