package daemon

import (
	"os"
	"testing"
)

func TestPidFileLifecycle(t *testing.T) {
	dir := t.TempDir()

	if err := WritePidFile(dir); err != nil {
		t.Fatal(err)
	}
	pid, ok := ReadPidFile(dir)
	if !ok || pid != os.Getpid() {
		t.Fatalf("ReadPidFile = (%d, %v), want (%d, true)", pid, ok, os.Getpid())
	}

	// A second daemon must refuse to start while the first is alive.
	if err := WritePidFile(dir); err == nil {
		t.Fatal("second WritePidFile succeeded, want refusal")
	}

	RemovePidFile(dir)
	if _, ok := ReadPidFile(dir); ok {
		t.Fatal("pid file still readable after removal")
	}
}

func TestReadPidFileIgnoresStaleEntries(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"garbage", "not-a-pid\n"},
		{"negative", "-4\n"},
		// Huge pids do not exist on any live system.
		{"dead process", "4194304\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(PidPath(dir), []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}
			if pid, ok := ReadPidFile(dir); ok {
				t.Fatalf("ReadPidFile = (%d, true), want stale", pid)
			}
			// Stale files do not block a fresh daemon.
			if err := WritePidFile(dir); err != nil {
				t.Fatalf("WritePidFile over stale file: %v", err)
			}
		})
	}
}
