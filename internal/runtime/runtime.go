// Package runtime defines the port to the LLM session runner and the
// stream-event vocabulary shared by the scheduler, the agent adapter, and
// the session API.
package runtime

import (
	"context"
	"encoding/json"
)

// PermissionMode controls how a session handles tool approvals.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionBypass      PermissionMode = "bypassPermissions"
	PermissionPlan        PermissionMode = "plan"
)

// ValidPermissionMode reports whether m is a known mode.
func ValidPermissionMode(m PermissionMode) bool {
	switch m {
	case PermissionDefault, PermissionAcceptEdits, PermissionBypass, PermissionPlan:
		return true
	}
	return false
}

// SessionOptions parameterize EnsureSession.
type SessionOptions struct {
	PermissionMode PermissionMode
	Cwd            string
	HasStarted     bool
}

// MessageOptions parameterize SendMessage.
type MessageOptions struct {
	PermissionMode     PermissionMode
	Cwd                string
	SystemPromptAppend string
}

// EventType tags a StreamEvent.
type EventType string

const (
	EventTextDelta           EventType = "text_delta"
	EventToolCall            EventType = "tool_call"
	EventToolResult          EventType = "tool_result"
	EventToolApprovalRequest EventType = "tool_approval_request"
	EventAskUserQuestion     EventType = "ask_user_question"
	EventTaskUpdate          EventType = "task_update"
	EventError               EventType = "error"
	EventDone                EventType = "done"
)

// StreamEvent is one element of a session's response stream. Field presence
// follows Type.
type StreamEvent struct {
	Type EventType `json:"type"`

	Text string `json:"text,omitempty"` // text_delta

	ID     string          `json:"id,omitempty"`     // tool_call / tool_result / approvals / questions
	Name   string          `json:"name,omitempty"`   // tool_call
	Input  json.RawMessage `json:"input,omitempty"`  // tool_call
	Output string          `json:"output,omitempty"` // tool_result

	Question string          `json:"question,omitempty"` // ask_user_question
	Tasks    json.RawMessage `json:"tasks,omitempty"`    // task_update

	Message string `json:"message,omitempty"` // error
}

// Terminal reports whether the event ends the stream.
func (e StreamEvent) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// StreamCursor is a pull-based view of a response stream. The sequence is
// finite and non-restartable: after the terminal event has been consumed,
// Next returns io.EOF. Close cancels an in-flight stream.
type StreamCursor interface {
	Next(ctx context.Context) (StreamEvent, error)
	Close() error
}

// AgentRuntime abstracts the LLM session runner. Implementations serialize
// internally per sessionID: a second SendMessage for the same session blocks
// until the first stream is consumed or closed.
type AgentRuntime interface {
	EnsureSession(ctx context.Context, sessionID string, opts SessionOptions) error
	SendMessage(ctx context.Context, sessionID, content string, opts MessageOptions) (StreamCursor, error)
}
