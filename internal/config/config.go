// Package config loads the daemon configuration from ~/.remotecode/config.
// The file is plain KEY=value with # comments, shared with the install
// scripts, so it stays hand-parseable rather than JSON.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the loaded daemon configuration.
type Config struct {
	BotToken     string
	AllowedUsers []string // numeric ids and @usernames
	Yolo         bool
	Verbose      bool
	AutoSync     bool

	// Dir is the config directory (~/.remotecode), home of the registry,
	// pid file and log.
	Dir string
}

// Dir returns the per-user config directory, creating it if needed.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".remotecode")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}
	return dir, nil
}

// Load reads and validates the config file in dir.
func Load(dir string) (*Config, error) {
	values, err := parseFile(filepath.Join(dir, "config"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Dir:      dir,
		BotToken: values["TELEGRAM_BOT_TOKEN"],
		Yolo:     values["REMOTECODE_YOLO"] == "true",
		Verbose:  isTruthy(values["REMOTECODE_VERBOSE"]),
		AutoSync: values["REMOTECODE_AUTO_SYNC"] == "on",
	}
	cfg.AllowedUsers = strings.FieldsFunc(values["REMOTECODE_ALLOWED_USERS"], func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})

	if cfg.BotToken == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN missing in %s", filepath.Join(dir, "config"))
	}
	if len(cfg.AllowedUsers) == 0 {
		return nil, fmt.Errorf("REMOTECODE_ALLOWED_USERS missing in %s", filepath.Join(dir, "config"))
	}
	return cfg, nil
}

// UserAllowed checks a sender against the allow-list by id or @username.
func (c *Config) UserAllowed(userID int64, username string) bool {
	id := fmt.Sprintf("%d", userID)
	for _, u := range c.AllowedUsers {
		if u == id {
			return true
		}
		if strings.HasPrefix(u, "@") && username != "" &&
			strings.EqualFold(strings.TrimPrefix(u, "@"), username) {
			return true
		}
	}
	return false
}

func parseFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	values := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	return values, nil
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
