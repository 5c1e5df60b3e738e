package convstore

import (
	"strings"
	"testing"
)

func TestParseRecords_SkipsMalformedLines(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"user","message":{"role":"user","content":"hello"}}`,
		`{not json`,
		``,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`,
		`{"no_type":true}`,
	}, "\n")

	records := ParseRecords(strings.NewReader(input))
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Type != "user" || records[1].Type != "assistant" {
		t.Errorf("unexpected record order: %s, %s", records[0].Type, records[1].Type)
	}
}

func TestParseRecords_PreservesOrder(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"user","message":{"role":"user","content":"one"}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"two"}]}}`,
		`{"type":"user","message":{"role":"user","content":"three"}}`,
	}, "\n")

	records := ParseRecords(strings.NewReader(input))
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if got := records[0].UserText(); got != "one" {
		t.Errorf("record 0 text = %q, want %q", got, "one")
	}
	if got := records[1].AssistantText(); got != "two" {
		t.Errorf("record 1 text = %q, want %q", got, "two")
	}
	if got := records[2].UserText(); got != "three" {
		t.Errorf("record 2 text = %q, want %q", got, "three")
	}
}

func TestUserText(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{
			name: "string content",
			line: `{"type":"user","message":{"role":"user","content":"fix the bug"}}`,
			want: "fix the bug",
		},
		{
			name: "block content",
			line: `{"type":"user","message":{"role":"user","content":[{"type":"text","text":"run tests"}]}}`,
			want: "run tests",
		},
		{
			name: "meta entry",
			line: `{"type":"user","isMeta":true,"message":{"role":"user","content":"caveat"}}`,
			want: "",
		},
		{
			name: "tool result",
			line: `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}}`,
			want: "",
		},
		{
			name: "assistant record",
			line: `{"type":"assistant","message":{"role":"assistant","content":"nope"}}`,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := ParseRecords(strings.NewReader(tt.line))
			if len(records) != 1 {
				t.Fatalf("expected 1 record, got %d", len(records))
			}
			if got := records[0].UserText(); got != tt.want {
				t.Errorf("UserText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPendingToolUses(t *testing.T) {
	lines := strings.Join([]string{
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"t2","name":"Write","input":{"file_path":"a.txt"}}]}}`,
	}, "\n")

	pending := PendingToolUses(ParseRecords(strings.NewReader(lines)))
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending tool_use, got %d", len(pending))
	}
	if pending[0].ID != "t2" || pending[0].Name != "Write" {
		t.Errorf("pending = %+v, want id t2 name Write", pending[0])
	}
}

func TestPendingToolUses_AllResolved(t *testing.T) {
	lines := strings.Join([]string{
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Bash","input":{}}]}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"t2","name":"Read","input":{}}]}}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t2"}]}}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1"}]}}`,
	}, "\n")

	if pending := PendingToolUses(ParseRecords(strings.NewReader(lines))); len(pending) != 0 {
		t.Errorf("expected no pending tool_uses, got %v", pending)
	}
}

func TestPreview(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello world", "hello world"},
		{"collapses whitespace", "a\n\n  b\tc", "a b c"},
		{"strips command xml", `<command-name>/clear</command-name> ok`, "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Preview(tt.in); got != tt.want {
				t.Errorf("Preview(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}

	long := strings.Repeat("x", 300)
	if got := Preview(long); len(got) >= 300 {
		t.Errorf("long preview not truncated: %d chars", len(got))
	}
}
