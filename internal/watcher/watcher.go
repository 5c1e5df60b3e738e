// Package watcher tails the active session's transcript: it surfaces
// host-side pending permissions, optionally mirrors conversation turns into
// chat, and marks the agent channel stale on third-party writes.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/remotecode/internal/convstore"
	"github.com/nextlevelbuilder/remotecode/internal/registry"
	"github.com/nextlevelbuilder/remotecode/internal/telegram"
)

const (
	// rebindInterval polls the registry for an active-session change.
	rebindInterval = 3 * time.Second
	// writeDebounce coalesces filesystem notifications before a tail read.
	writeDebounce = 500 * time.Millisecond
	// notifyDebounce delays the pending-on-host notification so transient
	// tool-use/tool-result pairs resolve silently.
	notifyDebounce = 8 * time.Second
)

// Orchestrator is the slice of the orchestrator the watcher consults.
type Orchestrator interface {
	// QueryActive reports whether the orchestrator is streaming the session.
	QueryActive(sessionID string) bool
	// MarkChannelStale flags the session's agent channel for recreation.
	MarkChannelStale(sessionID string)
}

// Watcher tails the currently selected session file.
type Watcher struct {
	msgr  telegram.Messenger
	reg   *registry.Registry
	store *convstore.Store
	orch  Orchestrator

	mu        sync.Mutex
	sessionID string
	path      string
	offset    int64
	pending   map[string]convstore.PendingToolUse
	// notifyTimer is the armed 8 s debounce; notifyMsgID and notifyText the
	// visible pending-on-host notification.
	notifyTimer *time.Timer
	notifyMsgID int
	notifyText  string
	debounce    *time.Timer
}

// New creates a watcher. Start must be called to begin tailing.
func New(msgr telegram.Messenger, reg *registry.Registry, store *convstore.Store, orch Orchestrator) *Watcher {
	return &Watcher{
		msgr:    msgr,
		reg:     reg,
		store:   store,
		orch:    orch,
		pending: make(map[string]convstore.PendingToolUse),
	}
}

// Start runs the watcher until ctx is cancelled: an fsnotify loop on the
// active session's project directory plus the 3 s rebind poll.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer fsw.Close()

	w.rebind(ctx, fsw)

	ticker := time.NewTicker(rebindInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.rebind(ctx, fsw)
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.mu.Lock()
			match := event.Name == w.path
			w.mu.Unlock()
			if match {
				w.scheduleRead(ctx)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Debug("fs watcher error", "error", err)
		}
	}
}

// rebind follows the registry's active session. The watch is on the project
// directory because the transcript may not exist yet.
func (w *Watcher) rebind(ctx context.Context, fsw *fsnotify.Watcher) {
	sessionID, workDir := w.reg.ActiveSession()
	w.mu.Lock()
	if sessionID == w.sessionID {
		w.mu.Unlock()
		return
	}
	oldPath := w.path
	w.sessionID = sessionID
	w.cancelNotifyLocked()
	w.pending = make(map[string]convstore.PendingToolUse)
	if sessionID == "" || workDir == "" {
		w.path = ""
		w.offset = 0
		w.mu.Unlock()
		if oldPath != "" {
			fsw.Remove(dirOf(oldPath))
		}
		return
	}
	w.path = w.store.SessionPath(workDir, sessionID)
	// Fresh binding starts at the current end: history is not replayed.
	w.offset = convstore.FileSize(w.path)
	newDir := dirOf(w.path)
	w.mu.Unlock()

	if oldPath != "" && dirOf(oldPath) != newDir {
		fsw.Remove(dirOf(oldPath))
	}
	if err := fsw.Add(newDir); err != nil {
		slog.Debug("watch project dir failed", "dir", newDir, "error", err)
	}
	slog.Info("watcher bound", "session", sessionID)
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return path
}

// scheduleRead debounces the tail read after a write burst.
func (w *Watcher) scheduleRead(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(writeDebounce, func() {
		w.readTail(ctx)
	})
}

// SkipToEnd advances the offset to the current file size and drops any
// pending debounce, so orchestrator-rendered output is never re-emitted.
func (w *Watcher) SkipToEnd() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
		w.debounce = nil
	}
	if w.path != "" {
		w.offset = convstore.FileSize(w.path)
	}
}

// readTail processes the bytes appended since the last read.
func (w *Watcher) readTail(ctx context.Context) {
	w.mu.Lock()
	sessionID, path, offset := w.sessionID, w.path, w.offset
	w.mu.Unlock()
	if path == "" {
		return
	}
	size := convstore.FileSize(path)
	if size <= offset {
		return
	}

	// The orchestrator is mid-stream on this session: this is self traffic.
	// Advance the offset without processing so nothing replays later.
	if w.orch.QueryActive(sessionID) {
		w.mu.Lock()
		w.offset = size
		w.mu.Unlock()
		return
	}

	records := convstore.ReadRange(path, offset, size)
	w.mu.Lock()
	w.offset = size
	w.mu.Unlock()
	if len(records) == 0 {
		return
	}

	// Third-party activity: the in-memory channel no longer matches disk.
	w.orch.MarkChannelStale(sessionID)

	w.permissionPass(ctx, sessionID, records)
	if w.reg.AutoSync() {
		w.displayPass(ctx, records)
	}
}

// permissionPass tracks the pending tool_use set and drives the
// pending-on-host notification.
func (w *Watcher) permissionPass(ctx context.Context, sessionID string, records []convstore.Record) {
	w.mu.Lock()
	for _, p := range convstore.PendingToolUses(records) {
		w.pending[p.ID] = p
	}
	for i := range records {
		r := &records[i]
		if !r.HasToolResult() {
			continue
		}
		for _, b := range r.Message.Blocks() {
			if b.Type == "tool_result" {
				delete(w.pending, b.ToolUseID)
			}
		}
	}
	hasPending := len(w.pending) > 0
	msgID := w.notifyMsgID
	w.mu.Unlock()

	if hasPending {
		w.armNotify(ctx, sessionID)
		return
	}
	w.mu.Lock()
	w.cancelNotifyLocked()
	w.notifyMsgID = 0
	w.notifyText = ""
	w.mu.Unlock()
	if msgID != 0 {
		if err := w.msgr.Edit(ctx, w.reg.ChatID(), msgID, "✓ Resolved on the host.", nil); err != nil {
			slog.Debug("edit watcher notification failed", "error", err)
		}
	}
}

// armNotify schedules the 8 s debounced notification, once.
func (w *Watcher) armNotify(ctx context.Context, sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.notifyTimer != nil || w.notifyMsgID != 0 {
		return
	}
	w.notifyTimer = time.AfterFunc(notifyDebounce, func() {
		w.sendNotify(ctx, sessionID)
	})
}

func (w *Watcher) cancelNotifyLocked() {
	if w.notifyTimer != nil {
		w.notifyTimer.Stop()
		w.notifyTimer = nil
	}
}

func (w *Watcher) sendNotify(ctx context.Context, sessionID string) {
	w.mu.Lock()
	w.notifyTimer = nil
	if len(w.pending) == 0 || w.sessionID != sessionID {
		w.mu.Unlock()
		return
	}
	var first convstore.PendingToolUse
	for _, p := range w.pending {
		first = p
		break
	}
	w.mu.Unlock()

	if w.orch.QueryActive(sessionID) {
		return
	}

	text := fmt.Sprintf("⏳ Permission pending on the host.\n%s is waiting for approval.", first.Name)
	kb := telegram.Keyboard(telegram.Row(
		telegram.Button{Label: "Continue in Telegram", Data: "takeover:" + sessionID},
		telegram.Button{Label: "Dismiss", Data: "dismiss:" + sessionID},
	))
	msgID, err := w.msgr.Send(ctx, w.reg.ChatID(), text, telegram.SendOpts{Plain: true, Keyboard: kb})
	if err != nil {
		slog.Debug("send watcher notification failed", "error", err)
		return
	}
	w.mu.Lock()
	w.notifyMsgID = msgID
	w.notifyText = text
	w.mu.Unlock()
}

// Dismiss drops the notification state after the user dismissed the message.
// The pending set is cleared so only a fresh tool_use re-notifies.
func (w *Watcher) Dismiss(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sessionID != sessionID {
		return
	}
	w.cancelNotifyLocked()
	w.notifyMsgID = 0
	w.notifyText = ""
	w.pending = make(map[string]convstore.PendingToolUse)
}

// MarkContinuing appends a takeover marker under the visible notification,
// keeping its original content.
func (w *Watcher) MarkContinuing(ctx context.Context, sessionID string) {
	w.mu.Lock()
	msgID, text := w.notifyMsgID, w.notifyText
	w.notifyMsgID = 0
	w.notifyText = ""
	w.cancelNotifyLocked()
	w.mu.Unlock()
	if msgID == 0 {
		return
	}
	if err := w.msgr.Edit(ctx, w.reg.ChatID(), msgID, text+"\n▶️ Continuing in Telegram.", nil); err != nil {
		slog.Debug("edit watcher notification failed", "error", err)
	}
}

// displayPass mirrors user and assistant text turns into the chat. Records
// carrying tool traffic are skipped.
func (w *Watcher) displayPass(ctx context.Context, records []convstore.Record) {
	chatID := w.reg.ChatID()
	for i := range records {
		r := &records[i]
		if r.HasToolUse() || r.HasToolResult() {
			continue
		}
		if text := r.UserText(); text != "" {
			w.send(ctx, chatID, "[sync] You: "+text)
		} else if text := r.AssistantText(); text != "" {
			w.send(ctx, chatID, "[sync] Bot: "+text)
		}
	}
}

func (w *Watcher) send(ctx context.Context, chatID int64, text string) {
	if _, err := w.msgr.Send(ctx, chatID, text, telegram.SendOpts{Plain: true}); err != nil {
		slog.Debug("sync forward failed", "error", err)
	}
}
