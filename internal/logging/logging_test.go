package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotateMovesFullLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	w, err := NewRotatingWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("old entry\n")); err != nil {
		t.Fatal(err)
	}
	w.mu.Lock()
	w.size = maxLogSize
	w.mu.Unlock()
	if _, err := w.Write([]byte("new entry\n")); err != nil {
		t.Fatal(err)
	}

	old, err := os.ReadFile(path + ".old")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(old), "old entry") {
		t.Errorf("rotated file = %q", old)
	}
	cur, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(cur), "old entry") || !strings.Contains(string(cur), "new entry") {
		t.Errorf("current file = %q", cur)
	}
}

func TestRotateKeepsLogWhenRenameFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	// A directory at the rotation target makes the rename fail.
	if err := os.Mkdir(path+".old", 0o755); err != nil {
		t.Fatal(err)
	}
	w, err := NewRotatingWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("precious entry\n")); err != nil {
		t.Fatal(err)
	}
	w.mu.Lock()
	w.size = maxLogSize
	w.mu.Unlock()
	if _, err := w.Write([]byte("later entry\n")); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "precious entry") {
		t.Errorf("earlier content lost on failed rotation: %q", data)
	}
	if !strings.Contains(string(data), "later entry") {
		t.Errorf("write after failed rotation lost: %q", data)
	}
}
