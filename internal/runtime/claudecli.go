package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

// CLIRuntime drives the claude-code CLI in non-interactive stream-json mode.
// One subprocess per SendMessage; sessions are resumed by id so the CLI
// keeps conversation state across runs.
type CLIRuntime struct {
	bin        string
	defaultCwd string

	locks KeyLock

	mu       sync.Mutex
	sessions map[string]SessionOptions
}

// NewCLIRuntime creates a runtime shelling out to bin (normally "claude").
func NewCLIRuntime(bin, defaultCwd string) *CLIRuntime {
	if bin == "" {
		bin = "claude"
	}
	return &CLIRuntime{
		bin:        bin,
		defaultCwd: defaultCwd,
		sessions:   make(map[string]SessionOptions),
	}
}

// EnsureSession records the session's working directory and permission mode.
func (r *CLIRuntime) EnsureSession(ctx context.Context, sessionID string, opts SessionOptions) error {
	if sessionID == "" {
		return fmt.Errorf("empty session id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[sessionID]; ok && opts.HasStarted {
		// Keep the original cwd for resumed sessions.
		opts.Cwd = existing.Cwd
	}
	if opts.Cwd == "" {
		opts.Cwd = r.defaultCwd
	}
	r.sessions[sessionID] = opts
	return nil
}

// SendMessage spawns the CLI and returns a cursor over its stream-json
// output. Serialized per session id.
func (r *CLIRuntime) SendMessage(ctx context.Context, sessionID, content string, opts MessageOptions) (StreamCursor, error) {
	r.locks.Lock(sessionID)

	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		r.locks.Unlock(sessionID)
		return nil, fmt.Errorf("session %s not initialized", sessionID)
	}

	cwd := opts.Cwd
	if cwd == "" {
		cwd = sess.Cwd
	}
	mode := opts.PermissionMode
	if mode == "" {
		mode = sess.PermissionMode
	}

	args := []string{
		"-p", content,
		"--output-format", "stream-json",
		"--verbose",
		"--session-id", sessionID,
	}
	if mode != "" && mode != PermissionDefault {
		args = append(args, "--permission-mode", string(mode))
	}
	if opts.SystemPromptAppend != "" {
		args = append(args, "--append-system-prompt", opts.SystemPromptAppend)
	}

	cmd := exec.CommandContext(ctx, r.bin, args...)
	cmd.Dir = cwd
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.locks.Unlock(sessionID)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		r.locks.Unlock(sessionID)
		return nil, fmt.Errorf("start %s: %w", r.bin, err)
	}
	slog.Debug("runtime session started", "session", sessionID, "cwd", cwd)

	release := func() { r.locks.Unlock(sessionID) }
	return &cliCursor{cmd: cmd, scanner: bufio.NewScanner(stdout), release: release}, nil
}

type cliCursor struct {
	cmd     *exec.Cmd
	scanner *bufio.Scanner
	release func()

	mu       sync.Mutex
	finished bool
}

func (c *cliCursor) Next(ctx context.Context) (StreamEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return StreamEvent{}, io.EOF
	}

	for {
		if err := ctx.Err(); err != nil {
			c.finishLocked()
			return StreamEvent{}, err
		}
		if !c.scanner.Scan() {
			// Stream ended without an explicit result line.
			c.finishLocked()
			if err := c.scanner.Err(); err != nil {
				return StreamEvent{Type: EventError, Message: err.Error()}, nil
			}
			return StreamEvent{Type: EventDone}, nil
		}
		line := c.scanner.Bytes()
		ev, ok := translateCLILine(line)
		if !ok {
			continue
		}
		if ev.Terminal() {
			c.finishLocked()
		}
		return ev, nil
	}
}

func (c *cliCursor) finishLocked() {
	if c.finished {
		return
	}
	c.finished = true
	c.cmd.Wait()
	c.release()
}

func (c *cliCursor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return nil
	}
	c.finished = true
	if c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	c.cmd.Wait()
	c.release()
	return nil
}

// translateCLILine maps one stream-json line from the CLI onto a
// StreamEvent. Unrecognized lines are skipped.
func translateCLILine(line []byte) (StreamEvent, bool) {
	var frame struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
		IsError bool   `json:"is_error"`
		Result  string `json:"result"`
		Message struct {
			Content []struct {
				Type      string          `json:"type"`
				Text      string          `json:"text"`
				ID        string          `json:"id"`
				Name      string          `json:"name"`
				Input     json.RawMessage `json:"input"`
				ToolUseID string          `json:"tool_use_id"`
				Content   string          `json:"content"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(line, &frame); err != nil {
		return StreamEvent{}, false
	}

	switch frame.Type {
	case "assistant":
		for _, block := range frame.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					return StreamEvent{Type: EventTextDelta, Text: block.Text}, true
				}
			case "tool_use":
				return StreamEvent{Type: EventToolCall, ID: block.ID, Name: block.Name, Input: block.Input}, true
			}
		}
	case "user":
		for _, block := range frame.Message.Content {
			if block.Type == "tool_result" {
				return StreamEvent{Type: EventToolResult, ID: block.ToolUseID, Output: block.Content}, true
			}
		}
	case "result":
		if frame.IsError {
			return StreamEvent{Type: EventError, Message: frame.Result}, true
		}
		return StreamEvent{Type: EventDone}, true
	}
	return StreamEvent{}, false
}
