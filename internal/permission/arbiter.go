// Package permission arbitrates agent tool invocations: static settings
// rules, per-session policy flags, and the serialized interactive dialog
// protocol over chat.
package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/remotecode/internal/agent"
	"github.com/nextlevelbuilder/remotecode/internal/telegram"
)

// dialogTimeout auto-denies an unanswered dialog.
const dialogTimeout = 5 * time.Minute

// AskUserQuestionTool is the synthetic tool that carries a multiple-choice
// question instead of a side effect.
const AskUserQuestionTool = "AskUserQuestion"

// Presenter lets the arbiter coordinate with the streaming renderer: reveal
// the pending tool block before a dialog, and append the outcome after.
type Presenter interface {
	BeforeDialog(sessionID, toolUseID string)
	DialogResolved(sessionID, toolUseID, status string)
}

// Session is the per-session policy state the cascade consults.
// *agent.Channel implements it.
type Session interface {
	ID() string
	Dir() string
	Denied() bool
	Suppressed() bool
	Yolo() bool
	SetYolo(bool)
	ToolAllowed(name string) bool
	AllowTool(name string)
}

var _ Session = (*agent.Channel)(nil)

type nopPresenter struct{}

func (nopPresenter) BeforeDialog(string, string)           {}
func (nopPresenter) DialogResolved(string, string, string) {}

type dialog struct {
	id        string
	sessionID string
	kind      string // "perm" or "ask"
	chatID    int64
	messageID int
	toolName  string
	result    chan string
	timer     *time.Timer
	options   []string
}

// Arbiter applies the permission policy cascade for every tool invocation.
type Arbiter struct {
	msgr       telegram.Messenger
	rules      *Rules
	globalYolo bool
	chatID     func() int64

	// gate serializes the dialog-visible phase across all sessions (one
	// dialog per chat at a time).
	gate chan struct{}

	mu        sync.Mutex
	pending   map[string]*dialog
	presenter Presenter
}

// New creates an arbiter. chatID supplies the current chat to render dialogs
// into.
func New(msgr telegram.Messenger, rules *Rules, globalYolo bool, chatID func() int64) *Arbiter {
	return &Arbiter{
		msgr:       msgr,
		rules:      rules,
		globalYolo: globalYolo,
		chatID:     chatID,
		gate:       make(chan struct{}, 1),
		pending:    make(map[string]*dialog),
		presenter:  nopPresenter{},
	}
}

// SetPresenter wires the streaming renderer in after construction.
func (a *Arbiter) SetPresenter(p Presenter) {
	a.mu.Lock()
	a.presenter = p
	a.mu.Unlock()
}

func (a *Arbiter) currentPresenter() Presenter {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.presenter
}

// Decide runs the policy cascade for one tool invocation. First match wins.
func (a *Arbiter) Decide(ctx context.Context, ch Session, req *agent.PermissionRequest) agent.PermissionDecision {
	// Deny-all in effect until the turn ends.
	if ch.Denied() {
		return agent.PermissionDecision{Allow: false, Message: "cancelled by user"}
	}
	// Background session after a switch: run silently.
	if ch.Suppressed() {
		return agent.PermissionDecision{Allow: true}
	}
	if req.ToolName == AskUserQuestionTool {
		return a.askQuestion(ctx, ch, req)
	}
	if ch.Yolo() || a.globalYolo {
		return agent.PermissionDecision{Allow: true}
	}
	if ch.ToolAllowed(req.ToolName) {
		return agent.PermissionDecision{Allow: true}
	}
	switch a.rules.Evaluate(ch.Dir(), req.ToolName, req.Input) {
	case VerdictAllow:
		return agent.PermissionDecision{Allow: true}
	case VerdictDeny:
		return agent.PermissionDecision{Allow: false, Message: "denied by settings rule"}
	}
	return a.interactive(ctx, ch, req)
}

// interactive renders the four-button dialog under the global gate.
func (a *Arbiter) interactive(ctx context.Context, ch Session, req *agent.PermissionRequest) agent.PermissionDecision {
	select {
	case a.gate <- struct{}{}:
	case <-ctx.Done():
		return agent.PermissionDecision{Allow: false, Message: "cancelled"}
	}
	defer func() { <-a.gate }()

	// Policy may have flipped while waiting on the gate (a concurrent
	// dialog's "Yolo for session" click).
	if ch.Denied() {
		return agent.PermissionDecision{Allow: false, Message: "cancelled by user"}
	}
	if ch.Yolo() || ch.ToolAllowed(req.ToolName) {
		return agent.PermissionDecision{Allow: true}
	}

	p := a.currentPresenter()
	p.BeforeDialog(ch.ID(), req.ToolUseID)

	d := &dialog{
		id:        uuid.NewString(),
		sessionID: ch.ID(),
		kind:      "perm",
		chatID:    a.chatID(),
		toolName:  req.ToolName,
		result:    make(chan string, 1),
	}

	text := fmt.Sprintf("*Permission needed*\n%s", DescribeTool(req.ToolName, req.Input))
	kb := telegram.Keyboard(
		telegram.Row(
			telegram.Button{Label: "Allow", Data: "perm:" + d.id + ":allow"},
			telegram.Button{Label: "Deny", Data: "perm:" + d.id + ":deny"},
		),
		telegram.Row(telegram.Button{Label: "Allow " + req.ToolName + " for session", Data: "perm:" + d.id + ":allowtool"}),
		telegram.Row(telegram.Button{Label: "Yolo for session", Data: "perm:" + d.id + ":yolo"}),
	)
	a.register(d)
	msgID, err := a.msgr.Send(ctx, d.chatID, text, telegram.SendOpts{Keyboard: kb})
	if err != nil {
		a.unregister(d.id)
		slog.Error("send permission dialog failed", "error", err)
		return agent.PermissionDecision{Allow: false, Message: "dialog delivery failed"}
	}
	d.messageID = msgID

	verdict := a.await(ctx, d)
	a.unregister(d.id)

	switch verdict {
	case "allow", "allowtool", "yolo":
		if verdict == "allowtool" {
			ch.AllowTool(req.ToolName)
		}
		if verdict == "yolo" {
			ch.SetYolo(true)
		}
		a.removeDialog(d)
		p.DialogResolved(ch.ID(), req.ToolUseID, "✓ Allowed "+req.ToolName)
		return agent.PermissionDecision{Allow: true}
	case "timeout":
		a.editDialog(d, "Timed out")
		p.DialogResolved(ch.ID(), req.ToolUseID, "Timed out")
		return agent.PermissionDecision{Allow: false, Message: "permission request timed out"}
	case "cancel":
		a.editDialog(d, "Cancelled")
		p.DialogResolved(ch.ID(), req.ToolUseID, "Cancelled")
		return agent.PermissionDecision{Allow: false, Message: "cancelled by user"}
	default: // deny
		a.removeDialog(d)
		p.DialogResolved(ch.ID(), req.ToolUseID, "✗ Denied "+req.ToolName)
		return agent.PermissionDecision{Allow: false, Message: "user denied this tool use"}
	}
}

// askQuestion renders an agent-asked multiple-choice question and injects
// the chosen label into the tool input.
func (a *Arbiter) askQuestion(ctx context.Context, ch Session, req *agent.PermissionRequest) agent.PermissionDecision {
	question, options := parseQuestion(req.Input)

	select {
	case a.gate <- struct{}{}:
	case <-ctx.Done():
		return agent.PermissionDecision{Allow: false, Message: "cancelled"}
	}
	defer func() { <-a.gate }()

	d := &dialog{
		id:        uuid.NewString(),
		sessionID: ch.ID(),
		kind:      "ask",
		chatID:    a.chatID(),
		toolName:  req.ToolName,
		result:    make(chan string, 1),
		options:   options,
	}

	rows := make([][]telegram.Button, 0, len(options)+1)
	for i, opt := range options {
		rows = append(rows, telegram.Row(telegram.Button{Label: opt, Data: fmt.Sprintf("ask:%s:%d", d.id, i)}))
	}
	rows = append(rows, telegram.Row(telegram.Button{Label: "Skip answer", Data: "ask:" + d.id + ":skip"}))

	a.register(d)
	msgID, err := a.msgr.Send(ctx, d.chatID, "❓ "+question, telegram.SendOpts{Keyboard: telegram.Keyboard(rows...)})
	if err != nil {
		a.unregister(d.id)
		slog.Error("send question dialog failed", "error", err)
		return agent.PermissionDecision{Allow: true}
	}
	d.messageID = msgID

	verdict := a.await(ctx, d)
	a.unregister(d.id)

	var answer string
	switch {
	case verdict == "skip" || verdict == "timeout" || verdict == "cancel":
		answer = ""
	case strings.HasPrefix(verdict, "text:"):
		answer = strings.TrimPrefix(verdict, "text:")
	default:
		if i, err := strconv.Atoi(verdict); err == nil && i >= 0 && i < len(options) {
			answer = options[i]
		}
	}

	switch verdict {
	case "timeout":
		a.editDialog(d, "❓ "+question+"\n\nTimed out")
	case "cancel":
		a.editDialog(d, "❓ "+question+"\n\nSkipped")
	default:
		a.removeDialog(d)
	}

	if answer == "" {
		return agent.PermissionDecision{Allow: true, UpdatedInput: req.Input}
	}
	return agent.PermissionDecision{Allow: true, UpdatedInput: injectAnswer(req.Input, answer)}
}

// await blocks on the dialog's resolution, the 5 minute timeout, or ctx.
func (a *Arbiter) await(ctx context.Context, d *dialog) string {
	d.timer = time.AfterFunc(dialogTimeout, func() {
		a.resolve(d.id, "timeout")
	})
	defer d.timer.Stop()

	select {
	case v := <-d.result:
		return v
	case <-ctx.Done():
		return "cancel"
	}
}

func (a *Arbiter) register(d *dialog) {
	a.mu.Lock()
	a.pending[d.id] = d
	a.mu.Unlock()
}

func (a *Arbiter) unregister(id string) {
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
}

func (a *Arbiter) resolve(id, verdict string) bool {
	a.mu.Lock()
	d, ok := a.pending[id]
	a.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case d.result <- verdict:
		return true
	default:
		return false
	}
}

// Resolve handles an inline-button callback for a pending dialog. The
// payload is the verdict token after the dialog id.
func (a *Arbiter) Resolve(dialogID, payload string) bool {
	return a.resolve(dialogID, payload)
}

// ResolveQuestionText resolves an open question dialog for the session with
// a free-text answer. Returns false when no question is pending.
func (a *Arbiter) ResolveQuestionText(sessionID, text string) bool {
	a.mu.Lock()
	var target *dialog
	for _, d := range a.pending {
		if d.kind == "ask" && d.sessionID == sessionID {
			target = d
			break
		}
	}
	a.mu.Unlock()
	if target == nil {
		return false
	}
	return a.resolve(target.id, "text:"+text)
}

// HasOpenDialog reports whether a permission dialog is pending for the
// session.
func (a *Arbiter) HasOpenDialog(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, d := range a.pending {
		if d.kind == "perm" && d.sessionID == sessionID {
			return true
		}
	}
	return false
}

// HasOpenQuestion reports whether an AskUserQuestion dialog is pending for
// the session.
func (a *Arbiter) HasOpenQuestion(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, d := range a.pending {
		if d.kind == "ask" && d.sessionID == sessionID {
			return true
		}
	}
	return false
}

// CancelDialogs resolves every pending dialog for the session (all sessions
// when sessionID is empty) as cancelled. The waiting cascade edits the
// dialog message and answers deny.
func (a *Arbiter) CancelDialogs(sessionID string) {
	a.mu.Lock()
	var ids []string
	for id, d := range a.pending {
		if sessionID == "" || d.sessionID == sessionID {
			ids = append(ids, id)
		}
	}
	a.mu.Unlock()
	for _, id := range ids {
		a.resolve(id, "cancel")
	}
}

func (a *Arbiter) removeDialog(d *dialog) {
	if err := a.msgr.Delete(context.Background(), d.chatID, d.messageID); err != nil {
		slog.Debug("delete dialog message failed", "error", err)
	}
}

func (a *Arbiter) editDialog(d *dialog, text string) {
	if err := a.msgr.Edit(context.Background(), d.chatID, d.messageID, text, nil); err != nil {
		slog.Debug("edit dialog message failed", "error", err)
	}
}

// DescribeTool renders a one-line human description of a tool invocation.
func DescribeTool(name string, input json.RawMessage) string {
	var in map[string]interface{}
	if err := json.Unmarshal(input, &in); err == nil {
		if name == "Bash" {
			if cmd, ok := in["command"].(string); ok && cmd != "" {
				return fmt.Sprintf("`%s`", cmd)
			}
		}
		for _, key := range []string{"file_path", "path", "url", "pattern"} {
			if v, ok := in[key].(string); ok && v != "" {
				return fmt.Sprintf("%s: `%s`", name, v)
			}
		}
	}
	summary := string(input)
	if len(summary) > 200 {
		summary = summary[:200] + "…"
	}
	return fmt.Sprintf("%s %s", name, summary)
}

// parseQuestion extracts the question text and option labels. Options may be
// plain strings or objects with a label field.
func parseQuestion(input json.RawMessage) (string, []string) {
	var in struct {
		Question string            `json:"question"`
		Options  []json.RawMessage `json:"options"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "The agent has a question.", nil
	}
	question := in.Question
	if question == "" {
		question = "The agent has a question."
	}
	var options []string
	for _, raw := range in.Options {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			options = append(options, s)
			continue
		}
		var obj struct {
			Label string `json:"label"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil && obj.Label != "" {
			options = append(options, obj.Label)
		}
	}
	return question, options
}

// injectAnswer merges the chosen label into the tool input as the answer
// field.
func injectAnswer(input json.RawMessage, answer string) json.RawMessage {
	var in map[string]json.RawMessage
	if err := json.Unmarshal(input, &in); err != nil {
		in = map[string]json.RawMessage{}
	}
	raw, _ := json.Marshal(answer)
	in["answer"] = raw
	out, err := json.Marshal(in)
	if err != nil {
		return input
	}
	return out
}
