package permission

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/titanous/json5"
)

// Verdict is the outcome of a static rule check.
type Verdict int

const (
	// VerdictNone means no rule matched.
	VerdictNone Verdict = iota
	// VerdictAllow means an allow rule matched and no deny rule did.
	VerdictAllow
	// VerdictDeny means a deny rule matched.
	VerdictDeny
)

// rule is one parsed permission rule: Tool, Tool(exact) or Tool(prefix:*).
type rule struct {
	tool   string
	spec   string // empty for a bare tool rule
	prefix bool   // spec ends with :*
}

func parseRule(s string) (rule, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return rule{}, false
	}
	open := strings.IndexByte(s, '(')
	if open < 0 {
		return rule{tool: s}, true
	}
	if !strings.HasSuffix(s, ")") {
		return rule{}, false
	}
	r := rule{tool: s[:open], spec: s[open+1 : len(s)-1]}
	if strings.HasSuffix(r.spec, ":*") {
		r.spec = strings.TrimSuffix(r.spec, ":*")
		r.prefix = true
	} else if strings.HasSuffix(r.spec, "*") {
		// "git *" style wildcard, treated as prefix too
		r.spec = strings.TrimRight(strings.TrimSuffix(r.spec, "*"), " ")
		r.prefix = true
	}
	return r, true
}

// matches checks the rule against a tool invocation. The specifier compares
// against the shell command's first argv word for Bash, and against the raw
// specifier match for other tools.
func (r rule) matches(tool string, input json.RawMessage) bool {
	if r.tool != tool {
		return false
	}
	if r.spec == "" {
		return true
	}
	target := specTarget(tool, input)
	if target == "" {
		return false
	}
	if r.prefix {
		return strings.HasPrefix(target, r.spec)
	}
	return target == r.spec
}

// specTarget extracts the value a rule specifier compares against.
func specTarget(tool string, input json.RawMessage) string {
	var in map[string]interface{}
	if err := json.Unmarshal(input, &in); err != nil {
		return ""
	}
	if tool == "Bash" {
		cmd, _ := in["command"].(string)
		return commandWord(cmd)
	}
	for _, key := range []string{"file_path", "path", "url", "pattern"} {
		if v, ok := in[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// commandWord returns the first argv word of a shell command, skipping
// leading environment assignments and stripping any path prefix.
func commandWord(cmd string) string {
	for _, word := range strings.Fields(cmd) {
		if strings.Contains(word, "=") && !strings.HasPrefix(word, "=") {
			continue
		}
		return filepath.Base(word)
	}
	return ""
}

// settingsFile is the shape of the agent's settings files. Tolerant json5
// because users hand-edit them with comments and trailing commas.
type settingsFile struct {
	Permissions struct {
		Allow []string `json:"allow"`
		Deny  []string `json:"deny"`
	} `json:"permissions"`
}

type cachedRules struct {
	modTime int64
	allow   []rule
	deny    []rule
}

// Rules evaluates the static allow/deny rules from the user-wide settings
// file and the two project-level files, cached by mtime.
type Rules struct {
	home string

	mu    sync.Mutex
	cache map[string]*cachedRules
}

// NewRules creates a rule evaluator rooted at the user's home directory.
func NewRules(home string) *Rules {
	return &Rules{home: home, cache: make(map[string]*cachedRules)}
}

// settingsPaths lists the files consulted for a session working directory,
// in evaluation order.
func (r *Rules) settingsPaths(workDir string) []string {
	paths := []string{filepath.Join(r.home, ".claude", "settings.json")}
	if workDir != "" {
		paths = append(paths,
			filepath.Join(workDir, ".claude", "settings.json"),
			filepath.Join(workDir, ".claude", "settings.local.json"),
		)
	}
	return paths
}

// Evaluate checks the rules for one tool invocation. Deny rules win over
// allow rules across all files.
func (r *Rules) Evaluate(workDir, tool string, input json.RawMessage) Verdict {
	var allow, deny []rule
	for _, path := range r.settingsPaths(workDir) {
		c := r.load(path)
		if c == nil {
			continue
		}
		allow = append(allow, c.allow...)
		deny = append(deny, c.deny...)
	}
	for _, ru := range deny {
		if ru.matches(tool, input) {
			return VerdictDeny
		}
	}
	for _, ru := range allow {
		if ru.matches(tool, input) {
			return VerdictAllow
		}
	}
	return VerdictNone
}

func (r *Rules) load(path string) *cachedRules {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	mod := info.ModTime().UnixNano()

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.cache[path]; ok && c.modTime == mod {
		return c
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var sf settingsFile
	if err := json5.Unmarshal(data, &sf); err != nil {
		return nil
	}
	c := &cachedRules{modTime: mod}
	for _, s := range sf.Permissions.Allow {
		if ru, ok := parseRule(s); ok {
			c.allow = append(c.allow, ru)
		}
	}
	for _, s := range sf.Permissions.Deny {
		if ru, ok := parseRule(s); ok {
			c.deny = append(c.deny, ru)
		}
	}
	r.cache[path] = c
	return c
}
