package telegram

import (
	"context"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// Messenger is the outgoing surface the rest of the daemon uses. *Client
// implements it; tests substitute a fake.
type Messenger interface {
	Send(ctx context.Context, chatID int64, text string, opts SendOpts) (int, error)
	Edit(ctx context.Context, chatID int64, messageID int, text string, keyboard *telego.InlineKeyboardMarkup) error
	Delete(ctx context.Context, chatID int64, messageID int) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
	Typing(ctx context.Context, chatID int64)
	DownloadFile(ctx context.Context, fileID string, maxBytes int64) (string, error)
}

var _ Messenger = (*Client)(nil)

// Button is one inline-keyboard button with a callback payload.
type Button struct {
	Label string
	Data  string
}

// Keyboard builds an inline keyboard, one row per argument.
func Keyboard(rows ...[]Button) *telego.InlineKeyboardMarkup {
	out := make([][]telego.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		r := make([]telego.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			r = append(r, tu.InlineKeyboardButton(b.Label).WithCallbackData(b.Data))
		}
		out = append(out, r)
	}
	return &telego.InlineKeyboardMarkup{InlineKeyboard: out}
}

// Row is a convenience for a single-row keyboard entry.
func Row(buttons ...Button) []Button { return buttons }

// MenuCommands is the command menu published at startup.
func MenuCommands() []telego.BotCommand {
	return []telego.BotCommand{
		{Command: "sessions", Description: "List recent sessions"},
		{Command: "projects", Description: "List projects"},
		{Command: "new", Description: "Start a new session"},
		{Command: "history", Description: "Show recent conversation"},
		{Command: "model", Description: "Choose the model"},
		{Command: "resume", Description: "Resume a session by id"},
		{Command: "cancel", Description: "Stop the current task"},
		{Command: "sync", Description: "Toggle transcript auto-sync"},
		{Command: "help", Description: "Show help"},
	}
}
