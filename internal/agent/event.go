package agent

import "encoding/json"

// EventKind discriminates the typed events a channel produces.
type EventKind int

const (
	// SystemInit opens a turn and carries the agent-side session id.
	SystemInit EventKind = iota
	// Assistant carries one assistant message's content blocks.
	Assistant
	// TaskStarted announces a sub-agent task.
	TaskStarted
	// TaskNotification carries a sub-agent status update.
	TaskNotification
	// Result terminates the turn.
	Result
)

// Block is one content block of a user or assistant message.
type Block struct {
	Type   string          `json:"type"`
	Text   string          `json:"text,omitempty"`
	ID     string          `json:"id,omitempty"`
	Name   string          `json:"name,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
	Source json.RawMessage `json:"source,omitempty"`
}

// Event is one typed event read from the agent's stream.
type Event struct {
	Kind      EventKind
	SessionID string // SystemInit

	Blocks []Block // Assistant

	Description string // TaskStarted
	Status      string // TaskNotification
	Summary     string

	IsError bool // Result
	Errors  []string
}

// streamLine mirrors one NDJSON line on the agent's stdout.
type streamLine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Errors    []string        `json:"errors,omitempty"`
	Status    string          `json:"status,omitempty"`
	Summary   string          `json:"summary,omitempty"`
	Task      string          `json:"task,omitempty"`

	// control_request fields
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
}

type streamMessage struct {
	Content []Block `json:"content"`
}

// controlRequestBody is the request payload of a can_use_tool line.
type controlRequestBody struct {
	Subtype   string          `json:"subtype"`
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Reason    string          `json:"reason,omitempty"`
}

// stdinUserMessage is the line format for user prompts on the agent's stdin.
type stdinUserMessage struct {
	Type    string            `json:"type"`
	Message stdinMessageInner `json:"message"`
}

type stdinMessageInner struct {
	Role    string  `json:"role"`
	Content []Block `json:"content"`
}

// controlResponse answers a control_request.
type controlResponse struct {
	Type      string              `json:"type"`
	RequestID string              `json:"request_id"`
	Response  controlResponseBody `json:"response"`
}

type controlResponseBody struct {
	Subtype  string            `json:"subtype"`
	Response *behaviorResponse `json:"response,omitempty"`
}

type behaviorResponse struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
	Interrupt    bool            `json:"interrupt,omitempty"`
}

// controlRequestLine is an outgoing control_request (interrupt).
type controlRequestLine struct {
	Type      string                 `json:"type"`
	RequestID string                 `json:"request_id"`
	Request   map[string]interface{} `json:"request"`
}

// TextBlock builds a plain text content block.
func TextBlock(text string) Block {
	return Block{Type: "text", Text: text}
}

// ImageBlock builds a base64 image content block.
func ImageBlock(mediaType, data string) Block {
	src, _ := json.Marshal(map[string]string{
		"type":       "base64",
		"media_type": mediaType,
		"data":       data,
	})
	return Block{Type: "image", Source: src}
}
