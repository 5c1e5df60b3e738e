package convstore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")

	first := `{"type":"user","message":{"role":"user","content":"first"}}` + "\n"
	second := `{"type":"user","message":{"role":"user","content":"second"}}` + "\n"
	if err := os.WriteFile(path, []byte(first), 0o644); err != nil {
		t.Fatal(err)
	}
	mark := FileSize(path)
	if err := os.WriteFile(path, []byte(first+second), 0o644); err != nil {
		t.Fatal(err)
	}

	records := ReadRange(path, mark, FileSize(path))
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if got := records[0].UserText(); got != "second" {
		t.Errorf("UserText() = %q, want %q", got, "second")
	}

	if got := ReadRange(path, mark, mark); got != nil {
		t.Errorf("empty range yielded %d records", len(got))
	}
	if got := ReadRange(filepath.Join(dir, "missing.jsonl"), 0, 10); got != nil {
		t.Errorf("missing file yielded %d records", len(got))
	}
}

func TestReadTailDropsPartialFirstLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")

	// Pad past the tail window so the read starts mid-line.
	pad := make([]byte, tailWindow+100)
	for i := range pad {
		pad[i] = 'x'
	}
	line := `{"type":"user","message":{"role":"user","content":"kept"}}` + "\n"
	if err := os.WriteFile(path, append(append(pad, '\n'), []byte(line)...), 0o644); err != nil {
		t.Fatal(err)
	}

	records := ReadTail(path)
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if got := records[0].UserText(); got != "kept" {
		t.Errorf("UserText() = %q, want %q", got, "kept")
	}
}

func TestLastUserInput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	data := `{"type":"user","message":{"role":"user","content":"earlier"}}` + "\n" +
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"ok"}]}}` + "\n" +
		`{"type":"user","message":{"role":"user","content":"latest"}}` + "\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := LastUserInput(path); got != "latest" {
		t.Errorf("LastUserInput() = %q, want %q", got, "latest")
	}
}
