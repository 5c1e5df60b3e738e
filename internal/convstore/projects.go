package convstore

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// recentIndexSize is how many sessions the fast recent index covers before a
// prefix lookup falls back to a full filesystem scan.
const recentIndexSize = 50

// Store indexes the per-user conversation tree. Root is normally
// ~/.claude/projects; tests point it elsewhere.
type Store struct {
	root string
}

// New returns a store over the given projects root.
func New(root string) *Store {
	return &Store{root: root}
}

// DefaultRoot returns ~/.claude/projects for the current user.
func DefaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude", "projects")
}

// Project describes one encoded project directory.
type Project struct {
	EncodedName  string
	Path         string // decoded working directory
	SessionCount int
	LastModified time.Time
}

// SessionFile describes one session transcript on disk.
type SessionFile struct {
	SessionID   string
	Path        string
	ProjectDir  string // decoded working directory
	EncodedName string
	ModTime     time.Time
	Size        int64
}

// EncodeProjectDir maps a working directory to its on-disk directory name.
// The CLI replaces "/" and "_" with "-" and renders the leading "." of hidden
// components as "--". The mapping is lossy; DecodeProjectDir undoes it by
// probing the filesystem.
func EncodeProjectDir(dir string) string {
	var b strings.Builder
	for i := 0; i < len(dir); i++ {
		c := dir[i]
		switch c {
		case '/', '_':
			b.WriteByte('-')
		case '.':
			// Hidden component: "/.config" encodes as "--config".
			if i > 0 && dir[i-1] == '/' {
				b.WriteByte('-')
			} else {
				b.WriteByte('.')
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// DecodeProjectDir resolves an encoded directory name back to an absolute
// path. Every "-" may have been "/", "_", or the "/." of a hidden component;
// the mapping is not injective, so the decoder probes the filesystem: at each
// level it greedily tries the longest "_"-joined component that exists and
// backtracks to shorter joins (ending at the plain "/" split). Nonexistent
// paths fall back to the plain "/" interpretation.
func DecodeProjectDir(encoded string) string {
	if encoded == "" {
		return ""
	}
	segs := strings.Split(strings.TrimPrefix(encoded, "-"), "-")
	if path, ok := resolveSegments("/", segs); ok {
		return path
	}
	return "/" + joinNaive(segs)
}

// resolveSegments extends base (an existing directory) by segs, trying the
// longest "_" join of leading segments first.
func resolveSegments(base string, segs []string) (string, bool) {
	if len(segs) == 0 {
		return base, true
	}
	hidden := segs[0] == ""
	start := 0
	if hidden {
		if len(segs) == 1 {
			return "", false
		}
		start = 1
	}
	for n := len(segs); n > start; n-- {
		component := strings.Join(segs[start:n], "_")
		if hidden {
			component = "." + component
		}
		candidate := filepath.Join(base, component)
		if !dirExists(candidate) {
			continue
		}
		if full, ok := resolveSegments(candidate, segs[n:]); ok {
			return full, true
		}
	}
	return "", false
}

// joinNaive renders segs with "/" separators, turning empty segments (a "--"
// run in the encoding) into hidden components.
func joinNaive(segs []string) string {
	var parts []string
	for i := 0; i < len(segs); i++ {
		if segs[i] == "" && i+1 < len(segs) {
			parts = append(parts, "."+segs[i+1])
			i++
			continue
		}
		parts = append(parts, segs[i])
	}
	return strings.Join(parts, "/")
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Projects enumerates project directories with session counts, newest first.
// A missing tree yields an empty slice.
func (s *Store) Projects() []Project {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil
	}

	var projects []Project
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, e.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		p := Project{
			EncodedName: e.Name(),
			Path:        DecodeProjectDir(e.Name()),
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
				continue
			}
			p.SessionCount++
			if info, err := f.Info(); err == nil && info.ModTime().After(p.LastModified) {
				p.LastModified = info.ModTime()
			}
		}
		if p.SessionCount > 0 {
			projects = append(projects, p)
		}
	}
	sort.Slice(projects, func(i, j int) bool {
		return projects[i].LastModified.After(projects[j].LastModified)
	})
	return projects
}

// Sessions enumerates session files, newest first. encodedName == "" scans all
// projects; limit <= 0 means unlimited.
func (s *Store) Sessions(encodedName string, limit int) []SessionFile {
	var dirs []string
	if encodedName != "" {
		dirs = []string{encodedName}
	} else {
		entries, err := os.ReadDir(s.root)
		if err != nil {
			return nil
		}
		for _, e := range entries {
			if e.IsDir() {
				dirs = append(dirs, e.Name())
			}
		}
	}

	var sessions []SessionFile
	for _, d := range dirs {
		files, err := os.ReadDir(filepath.Join(s.root, d))
		if err != nil {
			continue
		}
		decoded := DecodeProjectDir(d)
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			sessions = append(sessions, SessionFile{
				SessionID:   strings.TrimSuffix(f.Name(), ".jsonl"),
				Path:        filepath.Join(s.root, d, f.Name()),
				ProjectDir:  decoded,
				EncodedName: d,
				ModTime:     info.ModTime(),
				Size:        info.Size(),
			})
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ModTime.After(sessions[j].ModTime)
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions
}

// SessionPath returns the transcript path for a session in a working
// directory, whether or not the file exists yet.
func (s *Store) SessionPath(workDir, sessionID string) string {
	return filepath.Join(s.root, EncodeProjectDir(workDir), sessionID+".jsonl")
}

// FindByPrefix locates a session by id prefix. The recent index is consulted
// first; prefixes of at least 8 chars fall back to a full scan.
func (s *Store) FindByPrefix(prefix string) (SessionFile, bool) {
	if prefix == "" {
		return SessionFile{}, false
	}
	for _, sess := range s.Sessions("", recentIndexSize) {
		if strings.HasPrefix(sess.SessionID, prefix) {
			return sess, true
		}
	}
	if len(prefix) < 8 {
		return SessionFile{}, false
	}
	for _, sess := range s.Sessions("", 0) {
		if strings.HasPrefix(sess.SessionID, prefix) {
			return sess, true
		}
	}
	return SessionFile{}, false
}

// FileSize returns the current transcript size, 0 when absent.
func FileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
