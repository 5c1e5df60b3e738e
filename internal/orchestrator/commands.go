package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/remotecode/internal/agent"
	"github.com/nextlevelbuilder/remotecode/internal/convstore"
	"github.com/nextlevelbuilder/remotecode/internal/telegram"
)

const helpText = `*remotecode* bridges this chat to the coding agent on your machine.

Send text to talk to the active session. Commands:
/sessions — recent sessions
/projects — known projects
/new [dir] — start a new session
/history — recent conversation of the active session
/model — choose the model
/resume <id> — switch to a session by id prefix
/cancel — stop the current task
/sync — toggle transcript auto-sync
/help — this message`

// models is the static model choice set. The empty id is the CLI default.
var models = []struct {
	ID    string
	Label string
}{
	{"", "Default"},
	{"sonnet", "Sonnet"},
	{"opus", "Opus"},
	{"haiku", "Haiku"},
}

// handleCommand dispatches a /command message.
func (o *Orchestrator) handleCommand(ctx context.Context, chatID int64, msg *telego.Message) error {
	cmd := strings.SplitN(msg.Text, " ", 2)[0]
	cmd = strings.SplitN(cmd, "@", 2)[0]
	arg := strings.TrimSpace(strings.TrimPrefix(msg.Text, cmd))

	switch {
	case cmd == "/start":
		o.send(ctx, chatID, "👋 Connected. "+helpText, telegram.SendOpts{})
		return nil
	case cmd == "/help":
		o.send(ctx, chatID, helpText, telegram.SendOpts{})
		return nil
	case cmd == "/sessions":
		return o.cmdSessions(ctx, chatID)
	case cmd == "/projects":
		return o.cmdProjects(ctx, chatID)
	case cmd == "/new":
		return o.cmdNew(ctx, chatID, arg)
	case cmd == "/history":
		return o.cmdHistory(ctx, chatID)
	case cmd == "/model":
		return o.cmdModel(ctx, chatID)
	case cmd == "/resume":
		return o.cmdResume(ctx, chatID, arg)
	case cmd == "/cancel":
		return o.cmdCancel(ctx, chatID)
	case cmd == "/sync":
		return o.cmdSync(ctx, chatID)
	case strings.HasPrefix(cmd, "/show_sessions_"):
		return o.cmdShowSessions(ctx, chatID, strings.TrimPrefix(cmd, "/show_sessions_"))
	case strings.HasPrefix(cmd, "/switch_to_"):
		return o.cmdResume(ctx, chatID, strings.TrimPrefix(cmd, "/switch_to_"))
	}
	o.send(ctx, chatID, "Unknown command. /help lists what I understand.", telegram.SendOpts{Plain: true})
	return nil
}

func (o *Orchestrator) cmdSessions(ctx context.Context, chatID int64) error {
	sessions := o.store.Sessions("", 10)
	if len(sessions) == 0 {
		o.send(ctx, chatID, "No sessions yet. Send a message to start one, or /new.", telegram.SendOpts{Plain: true})
		return nil
	}
	activeID, _ := o.reg.ActiveSession()

	var sb strings.Builder
	sb.WriteString("*Recent sessions*\n")
	for _, s := range sessions {
		marker := ""
		if s.SessionID == activeID {
			marker = " ✓"
		}
		preview := o.store.FirstUserPreview(s.Path)
		if preview == "" {
			preview = "(empty)"
		}
		fmt.Fprintf(&sb, "\n%s%s\n%s\n/switch\\_to\\_%s\n", preview, marker, s.ProjectDir, shortID(s.SessionID))
	}
	o.send(ctx, chatID, sb.String(), telegram.SendOpts{})
	return nil
}

func (o *Orchestrator) cmdProjects(ctx context.Context, chatID int64) error {
	projects := o.store.Projects()
	if len(projects) == 0 {
		o.send(ctx, chatID, "No projects found.", telegram.SendOpts{Plain: true})
		return nil
	}
	var sb strings.Builder
	sb.WriteString("*Projects*\n")
	for _, p := range projects {
		fmt.Fprintf(&sb, "\n%s — %d sessions\n/show\\_sessions\\_%s\n", p.Path, p.SessionCount, escapeCmd(p.EncodedName))
	}
	o.send(ctx, chatID, sb.String(), telegram.SendOpts{})
	return nil
}

func (o *Orchestrator) cmdShowSessions(ctx context.Context, chatID int64, encoded string) error {
	sessions := o.store.Sessions(encoded, 10)
	if len(sessions) == 0 {
		o.send(ctx, chatID, "No sessions in that project.", telegram.SendOpts{Plain: true})
		return nil
	}
	for _, s := range sessions {
		preview := o.store.FirstUserPreview(s.Path)
		if preview == "" {
			preview = "(empty)"
		}
		kb := telegram.Keyboard(telegram.Row(
			telegram.Button{Label: "Switch", Data: "sess:" + s.SessionID},
			telegram.Button{Label: "Delete", Data: "sessdel:" + s.SessionID},
		))
		o.send(ctx, chatID, fmt.Sprintf("%s\n%s", preview, s.ModTime.Format("2006-01-02 15:04")), telegram.SendOpts{Plain: true, Keyboard: kb})
	}
	return nil
}

// cmdNew starts a fresh session: with an argument in that directory, without
// one it offers the known projects to pick from.
func (o *Orchestrator) cmdNew(ctx context.Context, chatID int64, arg string) error {
	if arg != "" {
		if _, err := os.Stat(arg); err != nil {
			return fmt.Errorf("directory %s does not exist", arg)
		}
		return o.startNewSession(ctx, chatID, arg)
	}
	projects := o.store.Projects()
	if len(projects) == 0 {
		o.send(ctx, chatID, "No known projects. Use /new <absolute path>.", telegram.SendOpts{Plain: true})
		return nil
	}
	rows := make([][]telegram.Button, 0, len(projects))
	for _, p := range projects {
		rows = append(rows, telegram.Row(telegram.Button{Label: p.Path, Data: "newsess:" + p.EncodedName}))
	}
	o.send(ctx, chatID, "Pick a working directory for the new session:", telegram.SendOpts{Plain: true, Keyboard: telegram.Keyboard(rows...)})
	return nil
}

func (o *Orchestrator) cmdHistory(ctx context.Context, chatID int64) error {
	sessionID, workDir := o.reg.ActiveSession()
	if sessionID == "" {
		o.send(ctx, chatID, "No active session.", telegram.SendOpts{Plain: true})
		return nil
	}
	records := convstore.ReadRecords(o.store.SessionPath(workDir, sessionID))
	if len(records) == 0 {
		o.send(ctx, chatID, "The active session has no history yet.", telegram.SendOpts{Plain: true})
		return nil
	}

	var lines []string
	for i := range records {
		r := &records[i]
		if text := r.UserText(); text != "" {
			lines = append(lines, "You: "+convstore.Preview(text))
		} else if text := r.AssistantText(); text != "" {
			lines = append(lines, "Bot: "+convstore.Preview(text))
		}
	}
	if len(lines) > 20 {
		lines = lines[len(lines)-20:]
	}
	o.send(ctx, chatID, strings.Join(lines, "\n"), telegram.SendOpts{Plain: true})
	return nil
}

func (o *Orchestrator) cmdModel(ctx context.Context, chatID int64) error {
	current := o.reg.Model()
	rows := make([][]telegram.Button, 0, len(models))
	for _, m := range models {
		label := m.Label
		if m.ID == current {
			label += " ✓"
		}
		rows = append(rows, telegram.Row(telegram.Button{Label: label, Data: "model:" + m.ID}))
	}
	o.send(ctx, chatID, "Choose a model for new turns:", telegram.SendOpts{Plain: true, Keyboard: telegram.Keyboard(rows...)})
	return nil
}

func (o *Orchestrator) cmdResume(ctx context.Context, chatID int64, prefix string) error {
	if prefix == "" {
		o.send(ctx, chatID, "Usage: /resume <session id prefix>", telegram.SendOpts{Plain: true})
		return nil
	}
	sess, ok := o.store.FindByPrefix(prefix)
	if !ok {
		return fmt.Errorf("no session matches %q", prefix)
	}
	return o.switchTo(ctx, chatID, sess.SessionID, sess.ProjectDir)
}

// cmdCancel stops the active session's turn: deny pending dialogs, clear the
// queue, interrupt the agent, then ask it to wrap up quietly.
func (o *Orchestrator) cmdCancel(ctx context.Context, chatID int64) error {
	sessionID, _ := o.reg.ActiveSession()
	if sessionID == "" {
		o.send(ctx, chatID, "Nothing to cancel.", telegram.SendOpts{Plain: true})
		return nil
	}
	ch := o.channel(sessionID)
	st := o.state(sessionID)
	st.clearQueue()

	if ch == nil || !ch.Busy() {
		o.arbiter.CancelDialogs(sessionID)
		o.send(ctx, chatID, "Nothing is running.", telegram.SendOpts{Plain: true})
		return nil
	}

	ch.SetDenied(true)
	o.arbiter.CancelDialogs(sessionID)
	// Swallow the post-interrupt chatter briefly.
	ch.SetSuppressed(true)
	time.AfterFunc(3*time.Second, func() {
		activeID, _ := o.reg.ActiveSession()
		if activeID == sessionID {
			ch.SetSuppressed(false)
		}
	})
	// Queue the wrap-up instruction before interrupting so it drains as
	// soon as the cancelled stream unwinds. The turn is quiet; its
	// failure is of no interest to the user.
	st.enqueue(&turn{
		blocks: []agent.Block{agent.TextBlock("The user cancelled the current task. Stop what you were doing, leave the workspace in a consistent state, and do not start anything new.")},
		quiet:  true,
	})
	ch.Interrupt()
	o.send(ctx, chatID, "🛑 Task cancelled.", telegram.SendOpts{Plain: true})
	return nil
}

func (o *Orchestrator) cmdSync(ctx context.Context, chatID int64) error {
	next := !o.reg.AutoSync()
	if err := o.reg.SetAutoSync(next); err != nil {
		return err
	}
	if next {
		o.send(ctx, chatID, "🔄 Auto-sync on: host-side conversation turns will mirror here.", telegram.SendOpts{Plain: true})
	} else {
		o.send(ctx, chatID, "Auto-sync off.", telegram.SendOpts{Plain: true})
	}
	return nil
}

// escapeCmd keeps underscores in synthesized commands Markdown-safe.
func escapeCmd(s string) string {
	return strings.ReplaceAll(s, "_", "\\_")
}
