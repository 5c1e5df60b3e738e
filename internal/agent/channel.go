// Package agent owns the long-lived coding-agent subprocess for one session:
// the streaming input queue, the typed event stream, the turn lock, and the
// per-session permission flags.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// PermissionRequest is one tool invocation awaiting a decision.
type PermissionRequest struct {
	SessionID string
	ToolName  string
	Input     json.RawMessage
	ToolUseID string
	Reason    string
}

// PermissionDecision is the arbiter's answer.
type PermissionDecision struct {
	Allow        bool
	UpdatedInput json.RawMessage // optional, allow only
	Message      string          // deny reason
	Interrupt    bool            // deny and stop the turn
}

// PermissionFunc arbitrates one tool invocation. Called concurrently with
// the event stream; must not block forever (the arbiter applies timeouts).
type PermissionFunc func(ctx context.Context, req *PermissionRequest) PermissionDecision

// Channel drives one agent subprocess for one session.
type Channel struct {
	SessionID string
	WorkDir   string

	permission PermissionFunc

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdinMu sync.Mutex
	events  chan Event
	exited  chan struct{}

	// turnLock is the single-slot lock: at most one turn streams at a time.
	turnLock chan struct{}

	mu           sync.Mutex
	stale        bool
	interrupted  bool
	suppressed   bool
	yolo         bool
	allowedTools map[string]bool
	denied       bool // deny-all until turn end
	lastSelfSize int64
	closed       bool
}

// Options configure a spawn.
type Options struct {
	Model  string
	Resume bool // resume an existing on-disk conversation
	// Permission arbitrates tool invocations. Nil denies everything.
	Permission PermissionFunc
}

// New spawns the agent process for sessionID in workDir and starts the read
// loop. With Resume the process continues the on-disk conversation, otherwise
// it starts a fresh one under the given id.
func New(ctx context.Context, sessionID, workDir string, opts Options) (*Channel, error) {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", "stdio",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.Resume {
		args = append(args, "--resume", sessionID)
	} else {
		args = append(args, "--session-id", sessionID)
	}

	cmd := exec.CommandContext(ctx, "claude", args...)
	cmd.Dir = workDir
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}

	c := &Channel{
		SessionID:    sessionID,
		WorkDir:      workDir,
		permission:   opts.Permission,
		cmd:          cmd,
		stdin:        stdin,
		events:       make(chan Event, 64),
		exited:       make(chan struct{}),
		turnLock:     make(chan struct{}, 1),
		allowedTools: make(map[string]bool),
	}
	go func() {
		c.readLoop(stdout)
		cmd.Wait()
		close(c.exited)
	}()
	return c, nil
}

// ID returns the session id the channel serves.
func (c *Channel) ID() string { return c.SessionID }

// Dir returns the session's working directory.
func (c *Channel) Dir() string { return c.WorkDir }

// Events is the channel's typed event stream. Closed when the process ends.
// Two concurrent readers are forbidden; the turn lock enforces one.
func (c *Channel) Events() <-chan Event { return c.events }

// AcquireTurn takes the single-slot turn lock, blocking until the current
// turn finishes or ctx is cancelled.
func (c *Channel) AcquireTurn(ctx context.Context) error {
	select {
	case c.turnLock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquireTurn takes the lock without blocking.
func (c *Channel) TryAcquireTurn() bool {
	select {
	case c.turnLock <- struct{}{}:
		return true
	default:
		return false
	}
}

// ReleaseTurn releases the turn lock.
func (c *Channel) ReleaseTurn() {
	select {
	case <-c.turnLock:
	default:
	}
}

// Busy reports whether a turn currently holds the lock.
func (c *Channel) Busy() bool { return len(c.turnLock) == 1 }

// Push writes one user message into the agent's input queue. The caller must
// hold the turn lock. Clears the interrupted and denied flags for the new
// turn.
func (c *Channel) Push(blocks []Block) error {
	c.mu.Lock()
	c.interrupted = false
	c.denied = false
	c.mu.Unlock()

	line, err := json.Marshal(stdinUserMessage{
		Type:    "user",
		Message: stdinMessageInner{Role: "user", Content: blocks},
	})
	if err != nil {
		return err
	}
	return c.writeLine(line)
}

func (c *Channel) writeLine(line []byte) error {
	c.stdinMu.Lock()
	defer c.stdinMu.Unlock()
	if _, err := c.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write to agent: %w", err)
	}
	return nil
}

// Interrupt stops the current turn. The terminating Result is not an error
// to surface; the interrupted flag records that.
func (c *Channel) Interrupt() {
	c.mu.Lock()
	c.interrupted = true
	c.mu.Unlock()

	line, _ := json.Marshal(controlRequestLine{
		Type:      "control_request",
		RequestID: uuid.NewString(),
		Request:   map[string]interface{}{"subtype": "interrupt"},
	})
	if err := c.writeLine(line); err != nil {
		slog.Debug("interrupt write failed", "session", c.SessionID, "error", err)
	}
}

// Close ends the input queue and waits for the process to exit.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.exited
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.stdinMu.Lock()
	c.stdin.Close()
	c.stdinMu.Unlock()

	// Drain leftover events so the read loop can reach EOF.
	go func() {
		for range c.events {
		}
	}()
	<-c.exited
}

// readLoop parses NDJSON lines from the agent's stdout into typed events
// until EOF, answering control requests inline.
func (c *Channel) readLoop(stdout io.Reader) {
	defer close(c.events)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var line streamLine
		if err := json.Unmarshal(raw, &line); err != nil {
			slog.Debug("agent stream line skipped", "session", c.SessionID, "error", err)
			continue
		}
		if line.Type == "control_request" {
			c.handleControlRequest(&line)
			continue
		}
		if ev, ok := decodeEvent(&line); ok {
			c.events <- ev
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Debug("agent stream read ended", "session", c.SessionID, "error", err)
	}
}

// decodeEvent maps one stdout line to a typed event. Lines with no mapping
// (stream_event deltas, user echoes) are dropped.
func decodeEvent(line *streamLine) (Event, bool) {
	switch line.Type {
	case "system":
		switch line.Subtype {
		case "init":
			return Event{Kind: SystemInit, SessionID: line.SessionID}, true
		case "task_started":
			desc := line.Task
			if desc == "" {
				desc = line.Status
			}
			return Event{Kind: TaskStarted, Description: desc}, true
		case "task_notification":
			return Event{Kind: TaskNotification, Status: line.Status, Summary: line.Summary}, true
		}
	case "assistant":
		var msg streamMessage
		if err := json.Unmarshal(line.Message, &msg); err != nil {
			return Event{}, false
		}
		return Event{Kind: Assistant, Blocks: msg.Content}, true
	case "result":
		errors := line.Errors
		if line.IsError && len(errors) == 0 && line.Result != "" {
			errors = []string{line.Result}
		}
		return Event{Kind: Result, IsError: line.IsError, Errors: errors}, true
	}
	return Event{}, false
}

// handleControlRequest arbitrates a can_use_tool request concurrently so the
// event stream keeps flowing while the user decides.
func (c *Channel) handleControlRequest(line *streamLine) {
	var req controlRequestBody
	if err := json.Unmarshal(line.Request, &req); err != nil || req.Subtype != "can_use_tool" {
		c.respondControl(line.RequestID, PermissionDecision{Allow: false, Message: "unsupported request"})
		return
	}
	requestID := line.RequestID
	pr := &PermissionRequest{
		SessionID: c.SessionID,
		ToolName:  req.ToolName,
		Input:     req.Input,
		ToolUseID: req.ToolUseID,
		Reason:    req.Reason,
	}
	go func() {
		decision := PermissionDecision{Allow: false, Message: "no permission handler"}
		if c.permission != nil {
			decision = c.permission(context.Background(), pr)
		}
		c.respondControl(requestID, decision)
	}()
}

func (c *Channel) respondControl(requestID string, d PermissionDecision) {
	behavior := "deny"
	if d.Allow {
		behavior = "allow"
	}
	line, _ := json.Marshal(controlResponse{
		Type:      "control_response",
		RequestID: requestID,
		Response: controlResponseBody{
			Subtype: "success",
			Response: &behaviorResponse{
				Behavior:     behavior,
				UpdatedInput: d.UpdatedInput,
				Message:      d.Message,
				Interrupt:    d.Interrupt,
			},
		},
	})
	if err := c.writeLine(line); err != nil {
		slog.Debug("control response write failed", "session", c.SessionID, "error", err)
	}
}

// resumeFailureMarker is the agent's message when --resume cannot find the
// conversation. The caller recreates the channel fresh, once.
const resumeFailureMarker = "No conversation found with session ID"

// IsResumeFailure reports whether a Result event is a failed resume.
func IsResumeFailure(ev Event) bool {
	if ev.Kind != Result || !ev.IsError {
		return false
	}
	for _, e := range ev.Errors {
		if strings.Contains(e, resumeFailureMarker) {
			return true
		}
	}
	return false
}

// Interrupted reports whether the current turn was interrupted by the user.
func (c *Channel) Interrupted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupted
}

// MarkStale flags the channel for recreation on next use.
func (c *Channel) MarkStale() {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
}

// Stale reports the stale flag.
func (c *Channel) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

// SetLastSelfSize records the on-disk file size after a completed turn.
func (c *Channel) SetLastSelfSize(n int64) {
	c.mu.Lock()
	c.lastSelfSize = n
	c.mu.Unlock()
}

// LastSelfSize returns the recorded size, 0 when no turn completed yet.
func (c *Channel) LastSelfSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSelfSize
}

// StaleAgainst reports whether the current on-disk size indicates a
// third-party write since the last self-write. Zero on either side means
// "unknown" and is not treated as stale.
func (c *Channel) StaleAgainst(current int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale {
		return true
	}
	return c.lastSelfSize != 0 && current != 0 && current != c.lastSelfSize
}

// SetSuppressed toggles the "render nothing to chat" flag.
func (c *Channel) SetSuppressed(v bool) {
	c.mu.Lock()
	c.suppressed = v
	c.mu.Unlock()
}

// Suppressed reports the suppression flag.
func (c *Channel) Suppressed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suppressed
}

// SetYolo toggles the per-session auto-allow flag.
func (c *Channel) SetYolo(v bool) {
	c.mu.Lock()
	c.yolo = v
	c.mu.Unlock()
}

// Yolo reports the per-session auto-allow flag.
func (c *Channel) Yolo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.yolo
}

// AllowTool adds a tool to the session's allow-list.
func (c *Channel) AllowTool(name string) {
	c.mu.Lock()
	c.allowedTools[name] = true
	c.mu.Unlock()
}

// ToolAllowed reports whether the tool is on the session allow-list.
func (c *Channel) ToolAllowed(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowedTools[name]
}

// SetDenied marks the session deny-all until the turn ends (cleared by the
// next Push).
func (c *Channel) SetDenied(v bool) {
	c.mu.Lock()
	c.denied = v
	c.mu.Unlock()
}

// Denied reports the deny-all flag.
func (c *Channel) Denied() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.denied
}
