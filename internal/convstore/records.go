// Package convstore is a read-only index over the conversation transcripts
// that the Claude Code CLI writes under ~/.claude/projects. One JSONL file per
// session; each line is a self-contained record. The store never writes to
// this tree.
package convstore

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Record is one line of a session transcript. Unknown fields are ignored;
// Content is either a plain string or a list of typed blocks.
type Record struct {
	Type      string          `json:"type"` // "user", "assistant", "system"
	UUID      string          `json:"uuid,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	IsMeta    bool            `json:"isMeta,omitempty"`
	Slug      string          `json:"slug,omitempty"`
	Message   *RecordMessage  `json:"message,omitempty"`
	ToolUse   json.RawMessage `json:"toolUseResult,omitempty"`
}

// RecordMessage is the message envelope inside a record.
type RecordMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Block is a typed content block inside a record message.
type Block struct {
	Type      string          `json:"type"` // "text", "tool_use", "tool_result", "image"
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

// scanBufInit and scanBufMax size the line scanner. Transcript lines carrying
// base64 images routinely exceed 1 MiB.
const (
	scanBufInit = 64 * 1024
	scanBufMax  = 10 * 1024 * 1024
)

// TextContent returns the plain-string form of the message content, or "" when
// the content is a block list.
func (m *RecordMessage) TextContent() string {
	if m == nil || len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return ""
	}
	return s
}

// Blocks returns the block-list form of the message content. A plain-string
// content yields a single text block so callers can treat both shapes alike.
func (m *RecordMessage) Blocks() []Block {
	if m == nil || len(m.Content) == 0 {
		return nil
	}
	if s := m.TextContent(); s != "" {
		return []Block{{Type: "text", Text: s}}
	}
	var blocks []Block
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// HasToolResult reports whether the record carries a tool_result block.
func (r *Record) HasToolResult() bool {
	for _, b := range r.Message.Blocks() {
		if b.Type == "tool_result" {
			return true
		}
	}
	return false
}

// HasToolUse reports whether the record carries a tool_use block.
func (r *Record) HasToolUse() bool {
	for _, b := range r.Message.Blocks() {
		if b.Type == "tool_use" {
			return true
		}
	}
	return false
}

// UserText returns the user-typed text of a record, or "" for meta entries,
// tool results, and non-user records.
func (r *Record) UserText() string {
	if r.Type != "user" || r.IsMeta || r.Message == nil {
		return ""
	}
	if s := r.Message.TextContent(); s != "" {
		return s
	}
	if r.HasToolResult() {
		return ""
	}
	var parts []string
	for _, b := range r.Message.Blocks() {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// AssistantText concatenates the text blocks of an assistant record.
func (r *Record) AssistantText() string {
	if r.Type != "assistant" || r.Message == nil {
		return ""
	}
	var parts []string
	for _, b := range r.Message.Blocks() {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ParseRecords reads line-delimited records from r. Malformed lines are
// skipped and debug-logged; a partial file yields the records parsed so far.
func ParseRecords(r io.Reader) []Record {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, scanBufInit), scanBufMax)

	var records []Record
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			slog.Debug("skipping malformed transcript line", "line", lineNum, "error", err)
			continue
		}
		if rec.Type == "" {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		slog.Debug("transcript scan ended early", "line", lineNum, "error", err)
	}
	return records
}

// ReadRecords parses a whole session file. A missing or unreadable file yields
// an empty slice.
func ReadRecords(path string) []Record {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	return ParseRecords(f)
}
