package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/remotecode/internal/agent"
	"github.com/nextlevelbuilder/remotecode/internal/convstore"
	"github.com/nextlevelbuilder/remotecode/internal/permission"
	"github.com/nextlevelbuilder/remotecode/internal/telegram"
)

// silentTools never appear in the coalesced tool message.
var silentTools = map[string]bool{
	"TodoWrite":       true,
	"Task":            true,
	"AskUserQuestion": true,
}

// typingInterval refreshes the chat "typing" action while a turn streams.
const typingInterval = 4 * time.Second

// submitText routes a plain text prompt into the active session.
func (o *Orchestrator) submitText(ctx context.Context, chatID int64, text string, replyTo int) error {
	sessionID, _ := o.reg.ActiveSession()
	// A free-text reply to an open agent question answers it instead of
	// starting a turn, and advances the reply target.
	if sessionID != "" && o.arbiter.ResolveQuestionText(sessionID, text) {
		o.setReplyTarget(replyTo)
		return nil
	}
	return o.submitPrompt(ctx, chatID, &turn{
		blocks:  []agent.Block{agent.TextBlock(text)},
		replyTo: replyTo,
	})
}

// submitPrompt resolves the session and either starts streaming or queues
// the turn behind the one in flight.
func (o *Orchestrator) submitPrompt(ctx context.Context, chatID int64, t *turn) error {
	sessionID, workDir, err := o.resolveSession()
	if err != nil {
		return err
	}
	ch, err := o.ensureChannel(ctx, sessionID, workDir)
	if err != nil {
		return err
	}
	o.setReplyTarget(t.replyTo)
	st := o.state(sessionID)

	if !ch.TryAcquireTurn() {
		st.enqueue(t)
		// An open dialog would block the stream forever; deny it all so
		// the turn unwinds and the queue drains.
		if o.arbiter.HasOpenDialog(sessionID) {
			ch.SetDenied(true)
			o.arbiter.CancelDialogs(sessionID)
		}
		return nil
	}
	go o.runSession(ctx, chatID, ch, st, t)
	return nil
}

// runSession holds the turn lock, streams the first turn, then drains the
// queue. Closes the channel when the session left the foreground and has
// nothing queued.
func (o *Orchestrator) runSession(ctx context.Context, chatID int64, ch Channel, st *sessionState, first *turn) {
	t := first
	for {
		ch = o.runTurn(ctx, chatID, ch, st, t)
		if ch == nil {
			return
		}
		activeID, _ := o.reg.ActiveSession()
		if activeID != ch.ID() && st.queueLen() == 0 {
			ch.ReleaseTurn()
			o.closeChannel(ch.ID())
			return
		}
		t = st.dequeue()
		if t != nil {
			continue
		}
		ch.ReleaseTurn()
		// A prompt may have been queued between the dequeue and the
		// release; pick it up rather than stranding it.
		if st.queueLen() > 0 && ch.TryAcquireTurn() {
			if t = st.dequeue(); t != nil {
				continue
			}
			ch.ReleaseTurn()
		}
		return
	}
}

func (o *Orchestrator) closeChannel(sessionID string) {
	o.mu.Lock()
	ch := o.channels[sessionID]
	delete(o.channels, sessionID)
	o.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
}

// runTurn pushes one prompt and renders the event stream until Result.
// Returns the channel the turn ended on (it changes when a failed resume is
// recreated fresh), or nil when the turn could not run.
func (o *Orchestrator) runTurn(ctx context.Context, chatID int64, ch Channel, st *sessionState, t *turn) Channel {
	sessionID := ch.ID()
	o.beginQuery(sessionID)
	defer o.endQuery(sessionID)
	defer func() {
		for _, f := range t.cleanup {
			os.Remove(f)
		}
	}()

	render := newTurnRender(o, chatID, ch, t)
	st.mu.Lock()
	st.tracker = render.tracker
	st.mu.Unlock()

	typingCtx, stopTyping := context.WithCancel(ctx)
	defer stopTyping()
	go o.typingLoop(typingCtx, chatID, ch)

	if err := ch.Push(t.blocks); err != nil {
		slog.Error("push prompt failed", "session", shortID(sessionID), "error", err)
		o.send(ctx, chatID, "⚠️ could not reach the agent", telegram.SendOpts{Plain: true})
		return ch
	}

	resumeRetried := false
	for {
		ev, ok := <-ch.Events()
		if !ok {
			// Stream ended without a Result: the process died. Surface
			// once unless the turn was cancelled.
			if !ch.Interrupted() && !ch.Suppressed() && !t.quiet {
				o.send(ctx, chatID, "⚠️ the agent exited unexpectedly", telegram.SendOpts{Plain: true})
			}
			break
		}
		switch ev.Kind {
		case agent.SystemInit:
			// Turn opened; nothing to render.
		case agent.Assistant:
			for _, b := range ev.Blocks {
				switch b.Type {
				case "text":
					render.addText(b.Text)
				case "tool_use":
					if !silentTools[b.Name] {
						render.tracker.add(ctx, b, ch.Yolo() || o.cfg.Yolo)
					}
				}
			}
		case agent.TaskStarted:
			if !ch.Suppressed() && !t.quiet && ev.Description != "" {
				o.send(ctx, chatID, "🚀 "+ev.Description, telegram.SendOpts{Plain: true})
			}
		case agent.TaskNotification:
			if !ch.Suppressed() && !t.quiet && ev.Summary != "" {
				o.send(ctx, chatID, ev.Summary, telegram.SendOpts{Plain: true})
			}
		case agent.Result:
			if agent.IsResumeFailure(ev) && !resumeRetried {
				resumeRetried = true
				fresh, err := o.recreateFresh(ctx, ch, t)
				if err != nil {
					slog.Error("fresh recreate after failed resume", "error", err)
					o.send(ctx, chatID, "⚠️ could not resume the session", telegram.SendOpts{Plain: true})
					return ch
				}
				ch = fresh
				continue
			}
			if ev.IsError && !ch.Interrupted() && !ch.Suppressed() && !t.quiet {
				o.send(ctx, chatID, "⚠️ "+strings.Join(ev.Errors, "\n"), telegram.SendOpts{Plain: true})
			}
			goto done
		}
	}
done:
	render.final(ctx)

	st.mu.Lock()
	st.tracker = nil
	st.mu.Unlock()

	path := o.store.SessionPath(ch.Dir(), ch.ID())
	ch.SetLastSelfSize(convstore.FileSize(path))
	// The watcher tails the foreground session only. A backgrounded turn
	// finishing must not advance its offset over third-party writes.
	if activeID, _ := o.reg.ActiveSession(); activeID == ch.ID() {
		o.watcher.SkipToEnd()
	}
	return ch
}

// recreateFresh tears the channel down and restarts the session without
// resume, replaying the current prompt.
func (o *Orchestrator) recreateFresh(ctx context.Context, ch Channel, t *turn) (Channel, error) {
	sessionID, workDir := ch.ID(), ch.Dir()
	ch.Close()
	fresh, err := o.spawn(ctx, sessionID, workDir, agent.Options{
		Model:      o.reg.Model(),
		Resume:     false,
		Permission: o.permissionFunc(sessionID),
	})
	if err != nil {
		o.mu.Lock()
		delete(o.channels, sessionID)
		o.mu.Unlock()
		return nil, err
	}
	o.mu.Lock()
	o.channels[sessionID] = fresh
	o.mu.Unlock()
	if err := fresh.Push(t.blocks); err != nil {
		return nil, err
	}
	return fresh, nil
}

// typingLoop refreshes the typing indicator while the turn streams,
// pausing while a permission dialog is visible.
func (o *Orchestrator) typingLoop(ctx context.Context, chatID int64, ch Channel) {
	ticker := time.NewTicker(typingInterval)
	defer ticker.Stop()
	for {
		o.mu.Lock()
		paused := o.dialogVisible
		o.mu.Unlock()
		if !paused && !ch.Suppressed() {
			o.msgr.Typing(ctx, chatID)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) setReplyTarget(id int) {
	if id == 0 {
		return
	}
	o.mu.Lock()
	o.replyTarget = id
	o.mu.Unlock()
}

func (o *Orchestrator) currentReplyTarget() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.replyTarget
}

// BeforeDialog implements permission.Presenter: flush buffered assistant
// text so the user has context, reveal the pending tool block, and pause
// the typing indicator.
func (o *Orchestrator) BeforeDialog(sessionID, toolUseID string) {
	o.mu.Lock()
	o.dialogVisible = true
	o.mu.Unlock()

	st := o.state(sessionID)
	st.mu.Lock()
	tracker := st.tracker
	st.mu.Unlock()
	if tracker != nil {
		tracker.render.flush(context.Background())
		tracker.reveal(context.Background(), toolUseID)
	}
}

// DialogResolved implements permission.Presenter: append the outcome to the
// tool message and resume typing.
func (o *Orchestrator) DialogResolved(sessionID, toolUseID, status string) {
	o.mu.Lock()
	o.dialogVisible = false
	o.mu.Unlock()

	st := o.state(sessionID)
	st.mu.Lock()
	tracker := st.tracker
	st.mu.Unlock()
	if tracker != nil {
		tracker.status(context.Background(), toolUseID, status)
	}
}

// turnRender accumulates assistant text and owns the coalesced tool message
// for one turn.
type turnRender struct {
	mu      sync.Mutex
	o       *Orchestrator
	chatID  int64
	ch      Channel
	quiet   bool
	buf     strings.Builder
	tracker *toolTracker
}

func newTurnRender(o *Orchestrator, chatID int64, ch Channel, t *turn) *turnRender {
	r := &turnRender{o: o, chatID: chatID, ch: ch, quiet: t.quiet}
	r.tracker = &toolTracker{o: o, chatID: chatID, render: r, suppressed: func() bool {
		return ch.Suppressed() || t.quiet
	}}
	return r
}

func (r *turnRender) addText(s string) {
	if s == "" {
		return
	}
	r.mu.Lock()
	if r.buf.Len() > 0 {
		r.buf.WriteString("\n\n")
	}
	r.buf.WriteString(s)
	r.mu.Unlock()
}

// flush sends the buffered text as one message, used just before a dialog.
func (r *turnRender) flush(ctx context.Context) {
	r.mu.Lock()
	text := r.buf.String()
	r.buf.Reset()
	r.mu.Unlock()
	if text == "" || r.quiet || r.ch.Suppressed() {
		return
	}
	r.o.send(ctx, r.chatID, text, telegram.SendOpts{})
}

// final sends the remaining text after the Result, replying to the most
// recent user message.
func (r *turnRender) final(ctx context.Context) {
	r.mu.Lock()
	text := r.buf.String()
	r.buf.Reset()
	r.mu.Unlock()
	if text == "" || r.quiet || r.ch.Suppressed() {
		return
	}
	r.o.send(ctx, r.chatID, text, telegram.SendOpts{ReplyTo: r.o.currentReplyTarget()})
}

// toolLine is one tool invocation inside the coalesced tool message.
type toolLine struct {
	toolUseID string
	desc      string
	status    string
	revealed  bool
}

// toolTracker renders many tool_use blocks into one chat message. The mutex
// doubles as the edit lock: arbiter reveals race with new block arrivals.
type toolTracker struct {
	mu         sync.Mutex
	o          *Orchestrator
	chatID     int64
	render     *turnRender
	suppressed func() bool
	messageID  int
	lines      []*toolLine
}

// add records a tool block. With revealNow (yolo-like modes) it is shown
// immediately; otherwise it stays hidden until the arbiter reveals it.
func (t *toolTracker) add(ctx context.Context, b agent.Block, revealNow bool) {
	t.mu.Lock()
	t.lines = append(t.lines, &toolLine{
		toolUseID: b.ID,
		desc:      describeBlock(b),
		revealed:  revealNow,
	})
	t.mu.Unlock()
	if revealNow {
		t.sync(ctx)
	}
}

// reveal shows a hidden block just before its permission dialog.
func (t *toolTracker) reveal(ctx context.Context, toolUseID string) {
	t.mu.Lock()
	for _, l := range t.lines {
		if l.toolUseID == toolUseID {
			l.revealed = true
		}
	}
	t.mu.Unlock()
	t.sync(ctx)
}

// status appends the dialog outcome under the block's line.
func (t *toolTracker) status(ctx context.Context, toolUseID, status string) {
	t.mu.Lock()
	for _, l := range t.lines {
		if l.toolUseID == toolUseID {
			l.status = status
			l.revealed = true
		}
	}
	t.mu.Unlock()
	t.sync(ctx)
}

// sync sends or edits the coalesced message to match the revealed lines.
func (t *toolTracker) sync(ctx context.Context) {
	if t.suppressed() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var sb strings.Builder
	for _, l := range t.lines {
		if !l.revealed {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("🔧 ")
		sb.WriteString(l.desc)
		if l.status != "" {
			sb.WriteString("\n   ")
			sb.WriteString(l.status)
		}
	}
	text := sb.String()
	if text == "" {
		return
	}
	if t.messageID == 0 {
		id, err := t.o.msgr.Send(ctx, t.chatID, text, telegram.SendOpts{})
		if err != nil {
			slog.Debug("tool message send failed", "error", err)
			return
		}
		t.messageID = id
		return
	}
	if err := t.o.msgr.Edit(ctx, t.chatID, t.messageID, text, nil); err != nil {
		slog.Debug("tool message edit failed", "error", err)
	}
}

func describeBlock(b agent.Block) string {
	return permission.DescribeTool(b.Name, b.Input)
}
