// Package orchestrator routes chat updates: commands, callbacks, and
// prompts. It serializes turns per session, drives the agent event stream,
// and renders outgoing chat messages.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/remotecode/internal/agent"
	"github.com/nextlevelbuilder/remotecode/internal/config"
	"github.com/nextlevelbuilder/remotecode/internal/convstore"
	"github.com/nextlevelbuilder/remotecode/internal/permission"
	"github.com/nextlevelbuilder/remotecode/internal/registry"
	"github.com/nextlevelbuilder/remotecode/internal/telegram"
)

// activeQueryGrace keeps the "orchestrator is streaming this session"
// marker alive after a turn ends, covering trailing disk writes.
const activeQueryGrace = 2 * time.Second

// Channel is the per-session agent handle the orchestrator drives.
// *agent.Channel implements it; tests substitute a fake.
type Channel interface {
	permission.Session

	AcquireTurn(ctx context.Context) error
	TryAcquireTurn() bool
	ReleaseTurn()
	Busy() bool

	Push(blocks []agent.Block) error
	Events() <-chan agent.Event
	Interrupt()
	Interrupted() bool
	Close()

	MarkStale()
	StaleAgainst(current int64) bool
	SetLastSelfSize(n int64)
	SetSuppressed(v bool)
	SetDenied(v bool)
}

var _ Channel = (*agent.Channel)(nil)

// SpawnFunc creates the agent channel for a session. Injected so tests run
// without the agent binary.
type SpawnFunc func(ctx context.Context, sessionID, workDir string, opts agent.Options) (Channel, error)

// WatcherControl is the slice of the watcher the orchestrator drives.
type WatcherControl interface {
	// SkipToEnd advances the tail offset past everything the orchestrator
	// already rendered.
	SkipToEnd()
	// MarkContinuing rewrites a pending-on-host notification after takeover.
	MarkContinuing(ctx context.Context, sessionID string)
	// Dismiss drops the notification state for the session.
	Dismiss(sessionID string)
}

// ScannerControl is the slice of the global scanner the orchestrator drives.
type ScannerControl interface {
	Dismiss(sessionID string)
	MarkContinuing(ctx context.Context, sessionID string)
}

type nopWatcher struct{}

func (nopWatcher) SkipToEnd()                             {}
func (nopWatcher) MarkContinuing(context.Context, string) {}
func (nopWatcher) Dismiss(string)                         {}

type nopScanner struct{}

func (nopScanner) Dismiss(string)                         {}
func (nopScanner) MarkContinuing(context.Context, string) {}

// turn is one queued prompt.
type turn struct {
	blocks  []agent.Block
	replyTo int
	quiet   bool     // render nothing from this turn
	cleanup []string // temp files removed after the turn
}

// sessionState is the orchestrator's per-session bookkeeping, guarded by its
// own mutex so unrelated sessions never serialize on each other.
type sessionState struct {
	mu      sync.Mutex
	queue   []*turn
	tracker *toolTracker
}

func (s *sessionState) enqueue(t *turn) {
	s.mu.Lock()
	s.queue = append(s.queue, t)
	s.mu.Unlock()
}

func (s *sessionState) dequeue() *turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	t := s.queue[0]
	s.queue = s.queue[1:]
	return t
}

func (s *sessionState) clearQueue() {
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
}

func (s *sessionState) queueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Orchestrator is the per-chat-update dispatcher.
type Orchestrator struct {
	msgr    telegram.Messenger
	reg     *registry.Registry
	store   *convstore.Store
	arbiter *permission.Arbiter
	cfg     *config.Config
	spawn   SpawnFunc

	watcher WatcherControl
	scanner ScannerControl

	mu       sync.Mutex
	channels map[string]Channel
	sessions map[string]*sessionState
	// active queries: session ids with a streaming turn (plus the grace
	// window after it).
	active map[string]int
	// dialogVisible pauses the typing indicator while a permission dialog
	// is on screen.
	dialogVisible bool
	replyTarget   int
}

// New wires the orchestrator. Watcher and scanner controls are attached
// later by the daemon.
func New(msgr telegram.Messenger, reg *registry.Registry, store *convstore.Store, arb *permission.Arbiter, cfg *config.Config, spawn SpawnFunc) *Orchestrator {
	o := &Orchestrator{
		msgr:     msgr,
		reg:      reg,
		store:    store,
		arbiter:  arb,
		cfg:      cfg,
		spawn:    spawn,
		watcher:  nopWatcher{},
		scanner:  nopScanner{},
		channels: make(map[string]Channel),
		sessions: make(map[string]*sessionState),
		active:   make(map[string]int),
	}
	arb.SetPresenter(o)
	return o
}

// SetWatcher attaches the watcher control.
func (o *Orchestrator) SetWatcher(w WatcherControl) {
	o.mu.Lock()
	o.watcher = w
	o.mu.Unlock()
}

// SetScanner attaches the scanner control.
func (o *Orchestrator) SetScanner(s ScannerControl) {
	o.mu.Lock()
	o.scanner = s
	o.mu.Unlock()
}

func (o *Orchestrator) state(sessionID string) *sessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		o.sessions[sessionID] = st
	}
	return st
}

func (o *Orchestrator) channel(sessionID string) Channel {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.channels[sessionID]
}

// QueryActive reports whether the orchestrator is streaming (or just
// finished streaming) a turn for the session. Watcher and scanner skip
// files with an active query.
func (o *Orchestrator) QueryActive(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[sessionID] > 0
}

// MarkChannelStale flags the session's channel so the next turn respawns
// against the on-disk transcript. Called by the watcher on third-party writes.
func (o *Orchestrator) MarkChannelStale(sessionID string) {
	if ch := o.channel(sessionID); ch != nil {
		ch.MarkStale()
	}
}

func (o *Orchestrator) beginQuery(sessionID string) {
	o.mu.Lock()
	o.active[sessionID]++
	o.mu.Unlock()
}

// endQuery drops the marker after a grace period so trailing disk writes
// from the finished turn are still attributed to it.
func (o *Orchestrator) endQuery(sessionID string) {
	time.AfterFunc(activeQueryGrace, func() {
		o.mu.Lock()
		if o.active[sessionID] > 0 {
			o.active[sessionID]--
			if o.active[sessionID] == 0 {
				delete(o.active, sessionID)
			}
		}
		o.mu.Unlock()
	})
}

// HandleUpdate classifies and routes one incoming chat update. Errors are
// caught here: logged once, reported to the user once.
func (o *Orchestrator) HandleUpdate(ctx context.Context, update telego.Update) {
	switch {
	case update.CallbackQuery != nil:
		o.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		o.handleMessage(ctx, update.Message)
	}
}

func (o *Orchestrator) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil || !o.cfg.UserAllowed(msg.From.ID, msg.From.Username) {
		slog.Warn("message from unauthorized user", "user", msg.From)
		return
	}
	chatID := msg.Chat.ID
	if err := o.reg.SetChatID(chatID); err != nil {
		slog.Debug("persist chat id failed", "error", err)
	}

	var err error
	switch {
	case strings.HasPrefix(msg.Text, "/"):
		err = o.handleCommand(ctx, chatID, msg)
	case len(msg.Photo) > 0:
		err = o.handlePhoto(ctx, chatID, msg)
	case msg.Voice != nil:
		err = o.handleVoice(ctx, chatID, msg)
	case strings.TrimSpace(msg.Text) != "":
		err = o.submitText(ctx, chatID, msg.Text, msg.MessageID)
	}
	if err != nil {
		slog.Error("update handler failed", "error", err)
		o.send(ctx, chatID, "⚠️ "+err.Error(), telegram.SendOpts{Plain: true})
	}
}

// send is the fire-and-forget message helper for status traffic.
func (o *Orchestrator) send(ctx context.Context, chatID int64, text string, opts telegram.SendOpts) int {
	id, err := o.msgr.Send(ctx, chatID, text, opts)
	if err != nil {
		slog.Debug("send failed", "error", err)
	}
	return id
}

// chatID returns the chat the daemon talks to.
func (o *Orchestrator) chatID() int64 { return o.reg.ChatID() }

// ensureChannel returns a live channel for the session, recreating a stale
// one via resume and spawning fresh when the file does not exist yet.
func (o *Orchestrator) ensureChannel(ctx context.Context, sessionID, workDir string) (Channel, error) {
	path := o.store.SessionPath(workDir, sessionID)
	size := convstore.FileSize(path)

	o.mu.Lock()
	ch := o.channels[sessionID]
	o.mu.Unlock()

	if ch != nil {
		// A streaming turn appends to its own transcript, so the size drifts
		// from the last recorded self-write until the turn ends. Staleness is
		// only meaningful on an idle channel; a busy one takes the prompt
		// through the queue.
		if ch.Busy() || o.QueryActive(sessionID) {
			return ch, nil
		}
		if !ch.StaleAgainst(size) {
			return ch, nil
		}
		ch.Close()
		o.mu.Lock()
		delete(o.channels, sessionID)
		o.mu.Unlock()
	}

	resume := size > 0
	ch, err := o.spawn(ctx, sessionID, workDir, agent.Options{
		Model:      o.reg.Model(),
		Resume:     resume,
		Permission: o.permissionFunc(sessionID),
	})
	if err != nil {
		return nil, fmt.Errorf("start agent for session %s: %w", shortID(sessionID), err)
	}
	ch.SetLastSelfSize(size)
	o.mu.Lock()
	o.channels[sessionID] = ch
	o.mu.Unlock()
	return ch, nil
}

// permissionFunc adapts the arbiter into the agent callback for one session.
func (o *Orchestrator) permissionFunc(sessionID string) agent.PermissionFunc {
	return func(ctx context.Context, req *agent.PermissionRequest) agent.PermissionDecision {
		ch := o.channel(sessionID)
		if ch == nil {
			return agent.PermissionDecision{Allow: false, Message: "session closed"}
		}
		return o.arbiter.Decide(ctx, ch, req)
	}
}

// resolveSession returns the active session, creating a fresh one in the
// default working directory when none is selected.
func (o *Orchestrator) resolveSession() (sessionID, workDir string, err error) {
	sessionID, workDir = o.reg.ActiveSession()
	if sessionID != "" && workDir != "" {
		if _, statErr := os.Stat(workDir); statErr != nil {
			return "", "", fmt.Errorf("working directory %s is gone; pick a new one with /new", workDir)
		}
		return sessionID, workDir, nil
	}
	if workDir == "" {
		home, homeErr := os.UserHomeDir()
		if homeErr != nil {
			return "", "", fmt.Errorf("no working directory selected; use /new")
		}
		workDir = home
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if err := o.reg.SetActiveSession(sessionID, workDir); err != nil {
		return "", "", err
	}
	return sessionID, workDir, nil
}

func shortID(sessionID string) string {
	if len(sessionID) > 8 {
		return sessionID[:8]
	}
	return sessionID
}
