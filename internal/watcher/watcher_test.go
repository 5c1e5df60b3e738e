package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/remotecode/internal/convstore"
	"github.com/nextlevelbuilder/remotecode/internal/registry"
	"github.com/nextlevelbuilder/remotecode/internal/telegram"
)

type fakeOrch struct {
	mu     sync.Mutex
	active map[string]bool
	stale  []string
}

func (f *fakeOrch) QueryActive(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[sessionID]
}

func (f *fakeOrch) MarkChannelStale(sessionID string) {
	f.mu.Lock()
	f.stale = append(f.stale, sessionID)
	f.mu.Unlock()
}

type sentMsg struct {
	text string
	kb   *telego.InlineKeyboardMarkup
}

type fakeMessenger struct {
	mu     sync.Mutex
	sent   []sentMsg
	edited []string
	nextID int
}

func (f *fakeMessenger) Send(_ context.Context, _ int64, text string, opts telegram.SendOpts) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, sentMsg{text: text, kb: opts.Keyboard})
	return f.nextID, nil
}

func (f *fakeMessenger) Edit(_ context.Context, _ int64, _ int, text string, _ *telego.InlineKeyboardMarkup) error {
	f.mu.Lock()
	f.edited = append(f.edited, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeMessenger) Delete(context.Context, int64, int) error { return nil }

func (f *fakeMessenger) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeMessenger) Typing(context.Context, int64) {}

func (f *fakeMessenger) DownloadFile(context.Context, string, int64) (string, error) {
	return "", os.ErrNotExist
}

func (f *fakeMessenger) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.text
	}
	return out
}

const (
	userLine       = `{"type":"user","message":{"role":"user","content":"hi there"}}` + "\n"
	assistantLine  = `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hello back"}]}}` + "\n"
	toolUseLine    = `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"toolu_1","name":"Bash","input":{"command":"ls"}}]}}` + "\n"
	toolResultLine = `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1"}]}}` + "\n"
)

// fixture binds a watcher to a session file under a temp projects root.
func fixture(t *testing.T) (*Watcher, *fakeMessenger, *fakeOrch, string) {
	t.Helper()
	dir := t.TempDir()
	store := convstore.New(filepath.Join(dir, "projects"))
	reg := registry.New(filepath.Join(dir, "registry.json"))
	if err := reg.SetChatID(42); err != nil {
		t.Fatal(err)
	}

	workDir := "/tmp/proj"
	sessionID := "11111111-2222-3333-4444-555555555555"
	if err := reg.SetActiveSession(sessionID, workDir); err != nil {
		t.Fatal(err)
	}
	path := store.SessionPath(workDir, sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}

	msgr := &fakeMessenger{}
	orch := &fakeOrch{active: make(map[string]bool)}
	w := New(msgr, reg, store, orch)
	w.sessionID = sessionID
	w.path = path
	return w, msgr, orch, path
}

func appendFile(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(data); err != nil {
		t.Fatal(err)
	}
	f.Close()
}

func TestReadTailAdvancesWithoutProcessingWhenQueryActive(t *testing.T) {
	w, msgr, orch, path := fixture(t)
	orch.active[w.sessionID] = true
	appendFile(t, path, userLine+assistantLine)

	w.readTail(context.Background())

	if got := convstore.FileSize(path); w.offset != got {
		t.Fatalf("offset = %d, want %d", w.offset, got)
	}
	if len(msgr.sentTexts()) != 0 {
		t.Fatalf("sent %v, want nothing", msgr.sentTexts())
	}
	if len(orch.stale) != 0 {
		t.Fatalf("marked stale %v, want none", orch.stale)
	}
}

func TestReadTailMarksChannelStale(t *testing.T) {
	w, _, orch, path := fixture(t)
	appendFile(t, path, userLine)

	w.readTail(context.Background())

	if len(orch.stale) != 1 || orch.stale[0] != w.sessionID {
		t.Fatalf("stale = %v, want [%s]", orch.stale, w.sessionID)
	}
}

func TestDisplayPassMirrorsTextTurns(t *testing.T) {
	w, msgr, _, path := fixture(t)
	if err := w.reg.SetAutoSync(true); err != nil {
		t.Fatal(err)
	}
	appendFile(t, path, userLine+toolUseLine+toolResultLine+assistantLine)

	w.readTail(context.Background())

	texts := msgr.sentTexts()
	if len(texts) != 2 {
		t.Fatalf("sent %d messages, want 2: %v", len(texts), texts)
	}
	if texts[0] != "[sync] You: hi there" {
		t.Errorf("first = %q", texts[0])
	}
	if texts[1] != "[sync] Bot: hello back" {
		t.Errorf("second = %q", texts[1])
	}
}

func TestPermissionPassNotifiesAndResolves(t *testing.T) {
	w, msgr, _, path := fixture(t)
	appendFile(t, path, toolUseLine)
	w.readTail(context.Background())

	w.mu.Lock()
	pendingCount := len(w.pending)
	armed := w.notifyTimer != nil
	w.cancelNotifyLocked()
	w.mu.Unlock()
	if pendingCount != 1 {
		t.Fatalf("pending = %d, want 1", pendingCount)
	}
	if !armed {
		t.Fatal("notify timer not armed")
	}

	// Fire the notification directly instead of waiting out the debounce.
	w.sendNotify(context.Background(), w.sessionID)
	texts := msgr.sentTexts()
	if len(texts) != 1 || !strings.Contains(texts[0], "Permission pending") {
		t.Fatalf("sent %v, want a pending notification", texts)
	}
	if msgr.sent[0].kb == nil || len(msgr.sent[0].kb.InlineKeyboard[0]) != 2 {
		t.Fatal("notification is missing its two buttons")
	}

	// The host approves: a tool_result lands and the message flips.
	appendFile(t, path, toolResultLine)
	w.readTail(context.Background())

	w.mu.Lock()
	left := len(w.pending)
	w.mu.Unlock()
	if left != 0 {
		t.Fatalf("pending = %d after result, want 0", left)
	}
	if len(msgr.edited) != 1 || !strings.Contains(msgr.edited[0], "Resolved") {
		t.Fatalf("edited = %v, want resolved marker", msgr.edited)
	}
}

func TestSendNotifySkipsWhenQueryBecameActive(t *testing.T) {
	w, msgr, orch, path := fixture(t)
	appendFile(t, path, toolUseLine)
	w.readTail(context.Background())
	w.mu.Lock()
	w.cancelNotifyLocked()
	w.mu.Unlock()

	orch.active[w.sessionID] = true
	w.sendNotify(context.Background(), w.sessionID)

	if len(msgr.sentTexts()) != 0 {
		t.Fatalf("sent %v, want nothing while streaming", msgr.sentTexts())
	}
}

func TestSkipToEndDropsPendingRead(t *testing.T) {
	w, msgr, _, path := fixture(t)
	appendFile(t, path, userLine+assistantLine)

	w.SkipToEnd()
	w.readTail(context.Background())

	if len(msgr.sentTexts()) != 0 {
		t.Fatalf("sent %v, want nothing after skip", msgr.sentTexts())
	}
	if got := convstore.FileSize(path); w.offset != got {
		t.Fatalf("offset = %d, want %d", w.offset, got)
	}
}

func TestMarkContinuingAppendsToNotification(t *testing.T) {
	w, msgr, _, _ := fixture(t)
	w.mu.Lock()
	w.notifyMsgID = 7
	w.notifyText = "⏳ Permission pending on the host.\nBash is waiting for approval."
	w.mu.Unlock()

	w.MarkContinuing(context.Background(), w.sessionID)

	if len(msgr.edited) != 1 {
		t.Fatalf("edited = %v, want one edit", msgr.edited)
	}
	// The original notification body stays, with the takeover marker under it.
	if !strings.Contains(msgr.edited[0], "Bash is waiting for approval") {
		t.Errorf("edit dropped the original content: %q", msgr.edited[0])
	}
	if !strings.HasSuffix(msgr.edited[0], "Continuing in Telegram.") {
		t.Errorf("edit missing the takeover marker: %q", msgr.edited[0])
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.notifyMsgID != 0 {
		t.Fatal("notification id not cleared")
	}
}
