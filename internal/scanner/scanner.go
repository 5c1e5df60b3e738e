// Package scanner sweeps all recent session transcripts for pending
// permissions in sessions the daemon is not currently driving, and offers a
// takeover into chat.
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/remotecode/internal/convstore"
	"github.com/nextlevelbuilder/remotecode/internal/permission"
	"github.com/nextlevelbuilder/remotecode/internal/registry"
	"github.com/nextlevelbuilder/remotecode/internal/telegram"
)

const (
	// scanInterval is the sweep period.
	scanInterval = 10 * time.Second
	// recencyWindow bounds how old a session file may be and still be swept.
	recencyWindow = 5 * time.Minute
	// settlingAge skips files younger than this so a sweep never races a
	// write burst still in progress.
	settlingAge = 30 * time.Second
)

// Orchestrator is the slice of the orchestrator the scanner consults.
type Orchestrator interface {
	QueryActive(sessionID string) bool
}

// note is one visible scanner notification.
type note struct {
	msgID int
	text  string
}

// Scanner owns the 10 s sweep over all projects.
type Scanner struct {
	msgr  telegram.Messenger
	reg   *registry.Registry
	store *convstore.Store
	orch  Orchestrator

	mu       sync.Mutex
	notified map[string]note
	// dismissed sessions stay quiet until their pending set drains once.
	dismissed map[string]bool
}

// New creates a scanner. Start must be called to begin sweeping.
func New(msgr telegram.Messenger, reg *registry.Registry, store *convstore.Store, orch Orchestrator) *Scanner {
	return &Scanner{
		msgr:      msgr,
		reg:       reg,
		store:     store,
		orch:      orch,
		notified:  make(map[string]note),
		dismissed: make(map[string]bool),
	}
}

// Start sweeps until ctx is cancelled.
func (s *Scanner) Start(ctx context.Context) error {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep inspects every recent session file and reconciles notifications.
func (s *Scanner) sweep(ctx context.Context) {
	activeID, _ := s.reg.ActiveSession()
	now := time.Now()
	seen := make(map[string]bool)

	for _, sess := range s.store.Sessions("", 0) {
		age := now.Sub(sess.ModTime)
		if age > recencyWindow {
			continue
		}
		seen[sess.SessionID] = true
		if sess.SessionID == activeID {
			continue
		}
		if age < settlingAge {
			continue
		}
		if s.orch.QueryActive(sess.SessionID) {
			continue
		}
		s.reconcile(ctx, sess)
	}

	// Notifications whose files fell out of the recency window disappear.
	s.mu.Lock()
	var gone []note
	for id, n := range s.notified {
		if !seen[id] {
			gone = append(gone, n)
			delete(s.notified, id)
		}
	}
	s.mu.Unlock()
	for _, n := range gone {
		if err := s.msgr.Delete(ctx, s.reg.ChatID(), n.msgID); err != nil {
			slog.Debug("delete scanner notification failed", "error", err)
		}
	}
}

// reconcile drives one session's notification state machine.
func (s *Scanner) reconcile(ctx context.Context, sess convstore.SessionFile) {
	pending := convstore.PendingInTail(sess.Path)

	s.mu.Lock()
	n, visible := s.notified[sess.SessionID]
	dismissed := s.dismissed[sess.SessionID]
	s.mu.Unlock()

	if len(pending) == 0 {
		// Resolution re-arms a dismissed session for the next pending set.
		s.mu.Lock()
		delete(s.dismissed, sess.SessionID)
		delete(s.notified, sess.SessionID)
		s.mu.Unlock()
		if visible {
			if err := s.msgr.Edit(ctx, s.reg.ChatID(), n.msgID, n.text+"\n✓ Resolved", nil); err != nil {
				slog.Debug("edit scanner notification failed", "error", err)
			}
		}
		return
	}
	if visible || dismissed {
		return
	}

	text := s.describe(sess, pending[0])
	kb := telegram.Keyboard(telegram.Row(
		telegram.Button{Label: "Continue in Telegram", Data: "takeover:" + sess.SessionID},
		telegram.Button{Label: "Dismiss", Data: "dismiss:" + sess.SessionID},
	))
	msgID, err := s.msgr.Send(ctx, s.reg.ChatID(), text, telegram.SendOpts{Plain: true, Keyboard: kb})
	if err != nil {
		slog.Debug("send scanner notification failed", "error", err)
		return
	}
	s.mu.Lock()
	s.notified[sess.SessionID] = note{msgID: msgID, text: text}
	s.mu.Unlock()
}

func (s *Scanner) describe(sess convstore.SessionFile, first convstore.PendingToolUse) string {
	text := fmt.Sprintf("⏳ Session in %s is waiting for permission.", sess.ProjectDir)
	if last := convstore.LastUserInput(sess.Path); last != "" {
		text += "\nLast prompt: " + convstore.Preview(last)
	}
	text += "\nPending: " + permission.DescribeTool(first.Name, json.RawMessage(first.Input))
	return text
}

// Dismiss quiets a session's notification until its pending set resolves and
// a new one appears.
func (s *Scanner) Dismiss(sessionID string) {
	s.mu.Lock()
	s.dismissed[sessionID] = true
	delete(s.notified, sessionID)
	s.mu.Unlock()
}

// MarkContinuing rewrites the visible notification after a takeover,
// preserving its content.
func (s *Scanner) MarkContinuing(ctx context.Context, sessionID string) {
	s.mu.Lock()
	n, ok := s.notified[sessionID]
	delete(s.notified, sessionID)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := s.msgr.Edit(ctx, s.reg.ChatID(), n.msgID, n.text+"\n▶️ Continuing in Telegram.", nil); err != nil {
		slog.Debug("edit scanner notification failed", "error", err)
	}
}
