package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config"), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoad(t *testing.T) {
	dir := writeConfig(t, `
# remotecode config
TELEGRAM_BOT_TOKEN=123:abc
REMOTECODE_ALLOWED_USERS=42, @alice 99
REMOTECODE_YOLO=true
REMOTECODE_VERBOSE=1
REMOTECODE_AUTO_SYNC=on
`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BotToken != "123:abc" {
		t.Errorf("token = %q", cfg.BotToken)
	}
	if len(cfg.AllowedUsers) != 3 {
		t.Errorf("allowed users = %v", cfg.AllowedUsers)
	}
	if !cfg.Yolo || !cfg.Verbose || !cfg.AutoSync {
		t.Errorf("flags = yolo:%v verbose:%v autosync:%v", cfg.Yolo, cfg.Verbose, cfg.AutoSync)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no token", "REMOTECODE_ALLOWED_USERS=42\n"},
		{"no users", "TELEGRAM_BOT_TOKEN=123:abc\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestUserAllowed(t *testing.T) {
	cfg := &Config{AllowedUsers: []string{"42", "@Alice"}}
	tests := []struct {
		id       int64
		username string
		want     bool
	}{
		{42, "", true},
		{7, "alice", true},
		{7, "ALICE", true},
		{7, "bob", false},
		{99, "", false},
	}
	for _, tt := range tests {
		if got := cfg.UserAllowed(tt.id, tt.username); got != tt.want {
			t.Errorf("UserAllowed(%d, %q) = %v, want %v", tt.id, tt.username, got, tt.want)
		}
	}
}
