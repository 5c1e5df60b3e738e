package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/remotecode/internal/agent"
	"github.com/nextlevelbuilder/remotecode/internal/convstore"
	"github.com/nextlevelbuilder/remotecode/internal/telegram"
)

// startNewSession selects a brand-new session id in workDir. The agent
// process is spawned lazily on the first prompt.
func (o *Orchestrator) startNewSession(ctx context.Context, chatID int64, workDir string) error {
	o.leaveCurrentSession()
	sessionID := uuid.NewString()
	if err := o.reg.SetActiveSession(sessionID, workDir); err != nil {
		return err
	}
	o.watcher.SkipToEnd()
	o.send(ctx, chatID, fmt.Sprintf("✨ New session in %s. Send a message to begin.", workDir), telegram.SendOpts{Plain: true})
	return nil
}

// switchTo makes sessionID the active session. A busy outgoing session keeps
// streaming in the background with its output suppressed and its tool-uses
// auto-allowed; its open dialogs resolve as deny so the user is not blocked.
func (o *Orchestrator) switchTo(ctx context.Context, chatID int64, sessionID, workDir string) error {
	current, _ := o.reg.ActiveSession()
	if current == sessionID {
		o.send(ctx, chatID, "Already on that session.", telegram.SendOpts{Plain: true})
		return nil
	}
	o.leaveCurrentSession()

	if ch := o.channel(sessionID); ch != nil {
		ch.SetSuppressed(false)
	}
	if err := o.reg.SetActiveSession(sessionID, workDir); err != nil {
		return err
	}
	o.watcher.SkipToEnd()

	preview := o.store.FirstUserPreview(o.store.SessionPath(workDir, sessionID))
	text := fmt.Sprintf("🔀 Switched to session %s in %s", shortID(sessionID), workDir)
	if preview != "" {
		text += "\n" + preview
	}
	o.send(ctx, chatID, text, telegram.SendOpts{Plain: true})
	return nil
}

// leaveCurrentSession applies the stop-old semantics of a switch to the
// session being left behind.
func (o *Orchestrator) leaveCurrentSession() {
	current, _ := o.reg.ActiveSession()
	if current == "" {
		return
	}
	ch := o.channel(current)
	if ch == nil {
		o.arbiter.CancelDialogs(current)
		return
	}
	if ch.Busy() {
		ch.SetSuppressed(true)
		ch.SetYolo(true)
		o.arbiter.CancelDialogs(current)
		return
	}
	ch.SetYolo(false)
	o.arbiter.CancelDialogs(current)
	if o.state(current).queueLen() == 0 {
		o.closeChannel(current)
	}
}

// Takeover hands a host-driven session over to the chat: mark its channel
// stale so resume pulls in the host-written context, rewrite the pending
// notifications, activate the session, and replay the last user prompt
// through the interactive permission flow.
func (o *Orchestrator) Takeover(ctx context.Context, sessionID string) error {
	sess, ok := o.store.FindByPrefix(sessionID)
	if !ok {
		return fmt.Errorf("session %s not found on disk", shortID(sessionID))
	}
	if ch := o.channel(sess.SessionID); ch != nil {
		ch.MarkStale()
	}
	o.scanner.MarkContinuing(ctx, sess.SessionID)
	o.watcher.MarkContinuing(ctx, sess.SessionID)

	chatID := o.chatID()
	if err := o.switchTo(ctx, chatID, sess.SessionID, sess.ProjectDir); err != nil {
		return err
	}

	prompt := convstore.LastUserInput(sess.Path)
	if prompt == "" {
		o.send(ctx, chatID, "Session taken over; no prior prompt found to replay.", telegram.SendOpts{Plain: true})
		return nil
	}
	return o.submitPrompt(ctx, chatID, &turn{
		blocks: []agent.Block{agent.TextBlock(prompt)},
	})
}
