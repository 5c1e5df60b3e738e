package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/remotecode/internal/convstore"
	"github.com/nextlevelbuilder/remotecode/internal/registry"
	"github.com/nextlevelbuilder/remotecode/internal/telegram"
)

// handleCallback routes an inline-button press by its data prefix.
func (o *Orchestrator) handleCallback(ctx context.Context, cb *telego.CallbackQuery) {
	if !o.cfg.UserAllowed(cb.From.ID, cb.From.Username) {
		slog.Warn("callback from unauthorized user", "user", cb.From.ID)
		return
	}
	if err := o.msgr.AnswerCallback(ctx, cb.ID, ""); err != nil {
		slog.Debug("answer callback failed", "error", err)
	}

	chatID := o.chatID()
	if msg := cb.Message; msg != nil {
		chatID = msg.GetChat().ID
		if err := o.reg.SetChatID(chatID); err != nil {
			slog.Debug("persist chat id failed", "error", err)
		}
	}

	prefix, rest, ok := strings.Cut(cb.Data, ":")
	if !ok {
		return
	}

	var err error
	switch prefix {
	case "perm", "ask":
		dialogID, payload, ok := strings.Cut(rest, ":")
		if !ok || !o.arbiter.Resolve(dialogID, payload) {
			slog.Debug("callback for resolved dialog", "data", cb.Data)
		}
	case "sess":
		err = o.callbackSwitch(ctx, chatID, rest)
	case "proj":
		err = o.cmdShowSessions(ctx, chatID, rest)
	case "newsess":
		err = o.callbackNewSession(ctx, chatID, rest)
	case "sessdel":
		err = o.callbackDeleteSession(ctx, chatID, rest)
	case "model":
		err = o.callbackModel(ctx, chatID, rest)
	case "takeover":
		err = o.Takeover(ctx, rest)
	case "dismiss":
		o.scanner.Dismiss(rest)
		o.watcher.Dismiss(rest)
		if msg := cb.Message; msg != nil {
			if delErr := o.msgr.Delete(ctx, chatID, msg.GetMessageID()); delErr != nil {
				slog.Debug("delete dismissed notification failed", "error", delErr)
			}
		}
	default:
		slog.Debug("unknown callback prefix", "data", cb.Data)
	}
	if err != nil {
		slog.Error("callback handler failed", "data", cb.Data, "error", err)
		o.send(ctx, chatID, "⚠️ "+err.Error(), telegram.SendOpts{Plain: true})
	}
}

func (o *Orchestrator) callbackSwitch(ctx context.Context, chatID int64, sessionID string) error {
	sess, ok := o.store.FindByPrefix(sessionID)
	if !ok {
		return fmt.Errorf("session %s not found", shortID(sessionID))
	}
	return o.switchTo(ctx, chatID, sess.SessionID, sess.ProjectDir)
}

func (o *Orchestrator) callbackNewSession(ctx context.Context, chatID int64, encoded string) error {
	workDir := convstore.DecodeProjectDir(encoded)
	if workDir == "" {
		return fmt.Errorf("cannot resolve project directory")
	}
	if _, err := os.Stat(workDir); err != nil {
		return fmt.Errorf("directory %s is gone", workDir)
	}
	return o.startNewSession(ctx, chatID, workDir)
}

// callbackDeleteSession removes the transcript file; the session ceases to
// exist as far as the daemon is concerned.
func (o *Orchestrator) callbackDeleteSession(ctx context.Context, chatID int64, sessionID string) error {
	sess, ok := o.store.FindByPrefix(sessionID)
	if !ok {
		return fmt.Errorf("session %s not found", shortID(sessionID))
	}
	o.closeChannel(sess.SessionID)
	if err := os.Remove(sess.Path); err != nil {
		return fmt.Errorf("delete session file: %w", err)
	}
	if activeID, _ := o.reg.ActiveSession(); activeID == sess.SessionID {
		o.reg.Delete(registry.KeySession)
		o.reg.Delete(registry.KeySessionCWD)
	}
	o.send(ctx, chatID, "🗑 Session "+shortID(sess.SessionID)+" deleted.", telegram.SendOpts{Plain: true})
	return nil
}

func (o *Orchestrator) callbackModel(ctx context.Context, chatID int64, modelID string) error {
	if err := o.reg.SetModel(modelID); err != nil {
		return err
	}
	label := "default"
	for _, m := range models {
		if m.ID == modelID && m.ID != "" {
			label = m.Label
		}
	}
	o.send(ctx, chatID, "Model set to "+label+" for future turns.", telegram.SendOpts{Plain: true})
	return nil
}
