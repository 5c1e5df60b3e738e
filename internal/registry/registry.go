// Package registry persists the daemon's active selection (session, working
// directory, model, chat id, auto-sync toggle) in a flat key/value file so a
// restart resumes where the user left off. The file is shared with the shell
// tooling, so the format is fixed: one KEY=value per line, uppercase keys.
package registry

import (
	"fmt"
	"os"
	"strings"
)

// Keys stored in the registry file.
const (
	KeySession    = "REMOTECODE_SESSION_CLAUDE"
	KeySessionCWD = "REMOTECODE_SESSION_CLAUDE_CWD"
	KeyModel      = "REMOTECODE_MODEL"
	KeyChatID     = "REMOTECODE_CHAT_ID"
	KeyAutoSync   = "REMOTECODE_AUTO_SYNC"
)

// Registry reads and writes one key/value file. Writers are not synchronized;
// all writes happen on the orchestrator's dispatch path within one daemon.
type Registry struct {
	path string
}

// New returns a registry backed by the given file path.
func New(path string) *Registry {
	return &Registry{path: path}
}

// Get returns the value for key, "" when the key or the file is absent.
func (r *Registry) Get(key string) string {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return ""
	}
	prefix := key + "="
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	return ""
}

// Set writes key=value, replacing any prior line for the key. The whole file
// is rewritten: read lines, strip the key, append, write.
func (r *Registry) Set(key, value string) error {
	var kept []string
	if data, err := os.ReadFile(r.path); err == nil {
		prefix := key + "="
		for _, line := range strings.Split(string(data), "\n") {
			if line == "" || strings.HasPrefix(line, prefix) {
				continue
			}
			kept = append(kept, line)
		}
	}
	kept = append(kept, key+"="+value)
	content := strings.Join(kept, "\n") + "\n"
	if err := os.WriteFile(r.path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write registry %s: %w", r.path, err)
	}
	return nil
}

// Delete removes the key's line, if present.
func (r *Registry) Delete(key string) error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read registry %s: %w", r.path, err)
	}
	var kept []string
	prefix := key + "="
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" || strings.HasPrefix(line, prefix) {
			continue
		}
		kept = append(kept, line)
	}
	content := ""
	if len(kept) > 0 {
		content = strings.Join(kept, "\n") + "\n"
	}
	if err := os.WriteFile(r.path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write registry %s: %w", r.path, err)
	}
	return nil
}

// ActiveSession returns the selected session id and working directory.
func (r *Registry) ActiveSession() (sessionID, workDir string) {
	return r.Get(KeySession), r.Get(KeySessionCWD)
}

// SetActiveSession stores the selected session id and working directory.
func (r *Registry) SetActiveSession(sessionID, workDir string) error {
	if err := r.Set(KeySession, sessionID); err != nil {
		return err
	}
	return r.Set(KeySessionCWD, workDir)
}

// Model returns the selected model id, "" for the default.
func (r *Registry) Model() string { return r.Get(KeyModel) }

// SetModel stores the selected model id.
func (r *Registry) SetModel(model string) error { return r.Set(KeyModel, model) }

// ChatID returns the last seen chat id, 0 when unset.
func (r *Registry) ChatID() int64 {
	var id int64
	fmt.Sscanf(r.Get(KeyChatID), "%d", &id)
	return id
}

// SetChatID stores the last seen chat id.
func (r *Registry) SetChatID(id int64) error {
	return r.Set(KeyChatID, fmt.Sprintf("%d", id))
}

// AutoSync reports whether transcript mirroring to chat is enabled.
func (r *Registry) AutoSync() bool { return r.Get(KeyAutoSync) == "on" }

// SetAutoSync stores the auto-sync toggle.
func (r *Registry) SetAutoSync(on bool) error {
	v := "off"
	if on {
		v = "on"
	}
	return r.Set(KeyAutoSync, v)
}
