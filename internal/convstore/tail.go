package convstore

import (
	"bytes"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/mattn/go-runewidth"
)

// tailWindow is how far back a tail scan reaches. Pending tool_use blocks and
// the last user prompt are always within the final few records.
const tailWindow = 64 * 1024

// previewWidth caps one-line previews by display cells, not bytes.
const previewWidth = 80

// PendingToolUse describes a tool_use block with no matching tool_result.
type PendingToolUse struct {
	ID    string
	Name  string
	Input string
}

// ReadTail parses the last tailWindow bytes of a transcript, starting at the
// first complete line. A missing file yields nil.
func ReadTail(path string) []Record {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil
	}
	offset := info.Size() - tailWindow
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil
	}
	if offset > 0 {
		// Drop the partial first line.
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			data = data[i+1:]
		} else {
			return nil
		}
	}
	return ParseRecords(bytes.NewReader(data))
}

// ReadRange parses the records between two byte offsets. Offsets come from
// FileSize snapshots taken between writes, so from always sits on a line
// boundary; ParseRecords drops anything that does not decode anyway.
func ReadRange(path string, from, to int64) []Record {
	if to <= from {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	if _, err := f.Seek(from, io.SeekStart); err != nil {
		return nil
	}
	return ParseRecords(io.LimitReader(f, to-from))
}

// PendingToolUses walks records in order and returns tool_use blocks that no
// later tool_result has cleared, keyed by correlation id.
func PendingToolUses(records []Record) []PendingToolUse {
	order := []string{}
	pending := map[string]PendingToolUse{}

	for _, rec := range records {
		for _, b := range rec.Message.Blocks() {
			switch b.Type {
			case "tool_use":
				if rec.Type != "assistant" || b.ID == "" {
					continue
				}
				if _, seen := pending[b.ID]; !seen {
					order = append(order, b.ID)
				}
				pending[b.ID] = PendingToolUse{ID: b.ID, Name: b.Name, Input: string(b.Input)}
			case "tool_result":
				delete(pending, b.ToolUseID)
			}
		}
	}

	var out []PendingToolUse
	for _, id := range order {
		if p, ok := pending[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// PendingInTail is the permission-detection scan: pending tool_uses within the
// file's tail window.
func PendingInTail(path string) []PendingToolUse {
	return PendingToolUses(ReadTail(path))
}

// LastUserInput returns the most recent user-typed text in the tail, used for
// the takeover handoff and scanner notifications.
func LastUserInput(path string) string {
	records := ReadTail(path)
	for i := len(records) - 1; i >= 0; i-- {
		if text := records[i].UserText(); text != "" {
			return text
		}
	}
	return ""
}

// commandTag strips the CLI's command-invocation XML from user text so
// previews show the human part.
var commandTag = regexp.MustCompile(`<[^>]+>[^<]*</[^>]+>|<[^>]+/?>`)

// FirstUserPreview extracts the first real user message of a session file and
// collapses it to a one-line preview.
func (s *Store) FirstUserPreview(path string) string {
	for _, rec := range ReadRecords(path) {
		if text := rec.UserText(); text != "" {
			return Preview(text)
		}
	}
	return ""
}

// Preview collapses text to one line and truncates by display width.
func Preview(text string) string {
	text = commandTag.ReplaceAllString(text, "")
	text = strings.Join(strings.Fields(text), " ")
	if runewidth.StringWidth(text) <= previewWidth {
		return text
	}
	return runewidth.Truncate(text, previewWidth, "…")
}
