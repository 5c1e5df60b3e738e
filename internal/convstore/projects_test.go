package convstore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEncodeProjectDir(t *testing.T) {
	tests := []struct {
		dir  string
		want string
	}{
		{"/home/user/work", "-home-user-work"},
		{"/home/user/my_project", "-home-user-my-project"},
		{"/home/user/.config/app", "-home-user--config-app"},
		{"/srv/app.v2", "-srv-app.v2"},
	}
	for _, tt := range tests {
		if got := EncodeProjectDir(tt.dir); got != tt.want {
			t.Errorf("EncodeProjectDir(%q) = %q, want %q", tt.dir, got, tt.want)
		}
	}
}

func TestDecodeProjectDir_RoundTrip(t *testing.T) {
	// The decoder consults the filesystem, so build real directories and
	// check that encode→decode recovers them.
	root := t.TempDir()
	dirs := []string{
		filepath.Join(root, "plain", "work"),
		filepath.Join(root, "under_scored", "deep"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	for _, d := range dirs {
		encoded := EncodeProjectDir(d)
		decoded := DecodeProjectDir(encoded)
		if decoded != d {
			t.Errorf("round trip %q → %q → %q", d, encoded, decoded)
		}
		if _, err := os.Stat(decoded); err != nil {
			t.Errorf("decoded path does not exist: %q", decoded)
		}
	}
}

func writeSession(t *testing.T, root, encoded, id string, lines string) string {
	t.Helper()
	dir := filepath.Join(root, encoded)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, id+".jsonl")
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStoreSessionsAndProjects(t *testing.T) {
	root := t.TempDir()
	writeSession(t, root, "-home-u-alpha", "aaaaaaaa-0000-0000-0000-000000000001",
		`{"type":"user","message":{"role":"user","content":"first"}}`+"\n")
	writeSession(t, root, "-home-u-alpha", "bbbbbbbb-0000-0000-0000-000000000002",
		`{"type":"user","message":{"role":"user","content":"second"}}`+"\n")
	writeSession(t, root, "-home-u-beta", "cccccccc-0000-0000-0000-000000000003",
		`{"type":"user","message":{"role":"user","content":"third"}}`+"\n")

	s := New(root)

	projects := s.Projects()
	if len(projects) != 2 {
		t.Fatalf("expected 2 projects, got %d", len(projects))
	}

	all := s.Sessions("", 0)
	if len(all) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(all))
	}

	one := s.Sessions("-home-u-alpha", 0)
	if len(one) != 2 {
		t.Fatalf("expected 2 sessions in alpha, got %d", len(one))
	}

	limited := s.Sessions("", 1)
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
}

func TestStoreMissingRoot(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "does-not-exist"))
	if got := s.Projects(); len(got) != 0 {
		t.Errorf("expected empty projects, got %v", got)
	}
	if got := s.Sessions("", 0); len(got) != 0 {
		t.Errorf("expected empty sessions, got %v", got)
	}
}

func TestFindByPrefix(t *testing.T) {
	root := t.TempDir()
	writeSession(t, root, "-home-u-alpha", "deadbeef-1111-2222-3333-444444444444",
		`{"type":"user","message":{"role":"user","content":"x"}}`+"\n")

	s := New(root)

	if _, ok := s.FindByPrefix("deadbe"); !ok {
		t.Error("short prefix should hit the recent index")
	}
	if _, ok := s.FindByPrefix("deadbeef-1111"); !ok {
		t.Error("long prefix should be found")
	}
	if _, ok := s.FindByPrefix("ffffffff"); ok {
		t.Error("unknown prefix should not match")
	}
}

func TestFirstUserPreview(t *testing.T) {
	root := t.TempDir()
	path := writeSession(t, root, "-home-u-alpha", "aaaaaaaa-0000-0000-0000-000000000009",
		`{"type":"user","isMeta":true,"message":{"role":"user","content":"meta"}}`+"\n"+
			`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t"}]}}`+"\n"+
			`{"type":"user","message":{"role":"user","content":"the real question"}}`+"\n")

	s := New(root)
	if got := s.FirstUserPreview(path); got != "the real question" {
		t.Errorf("FirstUserPreview = %q", got)
	}
}
