package scanner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/remotecode/internal/convstore"
	"github.com/nextlevelbuilder/remotecode/internal/registry"
	"github.com/nextlevelbuilder/remotecode/internal/telegram"
)

type fakeOrch struct {
	mu     sync.Mutex
	active map[string]bool
}

func (f *fakeOrch) QueryActive(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[sessionID]
}

type sentMsg struct {
	text string
	kb   *telego.InlineKeyboardMarkup
}

type fakeMessenger struct {
	mu      sync.Mutex
	sent    []sentMsg
	edited  []string
	deleted []int
	nextID  int
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

func (f *fakeMessenger) Delete(_ context.Context, _ int64, messageID int) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, messageID)
	f.mu.Unlock()
	return nil
}

func (f *fakeMessenger) AnswerCallback(context.Context, string, string) error { return nil }
func (f *fakeMessenger) Typing(context.Context, int64)                        {}
func (f *fakeMessenger) DownloadFile(context.Context, string, int64) (string, error) {
	return "", os.ErrNotExist
}

const (
	pendingLine = `{"type":"user","message":{"role":"user","content":"deploy it"}}` + "\n" +
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"toolu_9","name":"Bash","input":{"command":"make deploy"}}]}}` + "\n"
	resolvedLine = `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_9"}]}}` + "\n"
)

const sessionID = "aaaabbbb-cccc-dddd-eeee-ffff00001111"

func fixture(t *testing.T) (*Scanner, *fakeMessenger, *fakeOrch, string) {
	t.Helper()
	dir := t.TempDir()
	store := convstore.New(filepath.Join(dir, "projects"))
	reg := registry.New(filepath.Join(dir, "registry.json"))
	if err := reg.SetChatID(42); err != nil {
		t.Fatal(err)
	}
	path := store.SessionPath("/tmp/proj", sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	msgr := &fakeMessenger{}
	orch := &fakeOrch{active: make(map[string]bool)}
	return New(msgr, reg, store, orch), msgr, orch, path
}

// writeSettled writes the file and backdates its mtime past the settling age.
func writeSettled(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
}

func TestSweepNotifiesPendingSession(t *testing.T) {
	s, msgr, _, path := fixture(t)
	writeSettled(t, path, pendingLine)

	s.sweep(context.Background())

	if len(msgr.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgr.sent))
	}
	text := msgr.sent[0].text
	if !strings.Contains(text, "/tmp/proj") {
		t.Errorf("notification missing project path: %q", text)
	}
	if !strings.Contains(text, "deploy it") {
		t.Errorf("notification missing last prompt: %q", text)
	}
	if !strings.Contains(text, "make deploy") {
		t.Errorf("notification missing tool descriptor: %q", text)
	}
	if msgr.sent[0].kb == nil || len(msgr.sent[0].kb.InlineKeyboard[0]) != 2 {
		t.Fatal("notification is missing its two buttons")
	}

	// A second sweep over unchanged state must not re-post.
	s.sweep(context.Background())
	if len(msgr.sent) != 1 {
		t.Fatalf("sent %d messages after resweep, want 1", len(msgr.sent))
	}
}

func TestSweepSkipsActiveSession(t *testing.T) {
	s, msgr, _, path := fixture(t)
	writeSettled(t, path, pendingLine)
	if err := s.reg.SetActiveSession(sessionID, "/tmp/proj"); err != nil {
		t.Fatal(err)
	}

	s.sweep(context.Background())
	if len(msgr.sent) != 0 {
		t.Fatalf("sent %v, want nothing for the active session", msgr.sent)
	}
}

func TestSweepSkipsStreamingSession(t *testing.T) {
	s, msgr, orch, path := fixture(t)
	writeSettled(t, path, pendingLine)
	orch.active[sessionID] = true

	s.sweep(context.Background())
	if len(msgr.sent) != 0 {
		t.Fatalf("sent %v, want nothing while streaming", msgr.sent)
	}
}

func TestSweepSkipsSettlingFile(t *testing.T) {
	s, msgr, _, path := fixture(t)
	if err := os.WriteFile(path, []byte(pendingLine), 0o644); err != nil {
		t.Fatal(err)
	}

	s.sweep(context.Background())
	if len(msgr.sent) != 0 {
		t.Fatalf("sent %v, want nothing for a fresh file", msgr.sent)
	}
}

func TestResolvedEditsNotification(t *testing.T) {
	s, msgr, _, path := fixture(t)
	writeSettled(t, path, pendingLine)
	s.sweep(context.Background())
	if len(msgr.sent) != 1 {
		t.Fatalf("sent %d, want 1", len(msgr.sent))
	}

	writeSettled(t, path, pendingLine+resolvedLine)
	s.sweep(context.Background())

	if len(msgr.edited) != 1 || !strings.Contains(msgr.edited[0], "✓ Resolved") {
		t.Fatalf("edited = %v, want resolved marker", msgr.edited)
	}
	if !strings.Contains(msgr.edited[0], "/tmp/proj") {
		t.Errorf("resolved edit lost the original content: %q", msgr.edited[0])
	}
}

func TestDismissSuppressesUntilResolvedAgain(t *testing.T) {
	s, msgr, _, path := fixture(t)
	writeSettled(t, path, pendingLine)
	s.sweep(context.Background())
	s.Dismiss(sessionID)

	// Still pending: stays quiet.
	s.sweep(context.Background())
	if len(msgr.sent) != 1 {
		t.Fatalf("sent %d after dismiss, want 1", len(msgr.sent))
	}

	// Resolve, then a new pending set appears: notifies again.
	writeSettled(t, path, pendingLine+resolvedLine)
	s.sweep(context.Background())
	writeSettled(t, path, pendingLine+resolvedLine+pendingLine)
	s.sweep(context.Background())
	if len(msgr.sent) != 2 {
		t.Fatalf("sent %d after re-pending, want 2", len(msgr.sent))
	}
}

func TestStaleNotificationDeleted(t *testing.T) {
	s, msgr, _, path := fixture(t)
	writeSettled(t, path, pendingLine)
	s.sweep(context.Background())
	if len(msgr.sent) != 1 {
		t.Fatalf("sent %d, want 1", len(msgr.sent))
	}

	ancient := time.Now().Add(-10 * time.Minute)
	if err := os.Chtimes(path, ancient, ancient); err != nil {
		t.Fatal(err)
	}
	s.sweep(context.Background())

	if len(msgr.deleted) != 1 {
		t.Fatalf("deleted %v, want the stale notification", msgr.deleted)
	}
}

func TestMarkContinuingPreservesContent(t *testing.T) {
	s, msgr, _, path := fixture(t)
	writeSettled(t, path, pendingLine)
	s.sweep(context.Background())

	s.MarkContinuing(context.Background(), sessionID)

	if len(msgr.edited) != 1 {
		t.Fatalf("edited %d, want 1", len(msgr.edited))
	}
	if !strings.Contains(msgr.edited[0], "Continuing in Telegram") {
		t.Errorf("edit = %q, want continuing marker", msgr.edited[0])
	}
	if !strings.Contains(msgr.edited[0], "/tmp/proj") {
		t.Errorf("edit lost the original content: %q", msgr.edited[0])
	}
}
