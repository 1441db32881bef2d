// Package runtimetest provides a scripted in-memory AgentRuntime for tests.
package runtimetest

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dorklabs/dorkos/internal/runtime"
)

// Text builds a text_delta event.
func Text(s string) runtime.StreamEvent {
	return runtime.StreamEvent{Type: runtime.EventTextDelta, Text: s}
}

// Done builds the terminal done event.
func Done() runtime.StreamEvent {
	return runtime.StreamEvent{Type: runtime.EventDone}
}

// Err builds a terminal error event.
func Err(msg string) runtime.StreamEvent {
	return runtime.StreamEvent{Type: runtime.EventError, Message: msg}
}

// SentMessage records one SendMessage call.
type SentMessage struct {
	SessionID string
	Content   string
	Opts      runtime.MessageOptions
}

// Fake is a scripted AgentRuntime. Configure per-session scripts (or a
// Default script), an optional inter-event Delay, and an optional Hold
// channel that gates the first event of every stream.
type Fake struct {
	Default []runtime.StreamEvent
	Delay   time.Duration
	Hold    chan struct{} // each cursor receives once before its first event

	locks runtime.KeyLock

	mu       sync.Mutex
	scripts  map[string][]runtime.StreamEvent
	sessions map[string]runtime.SessionOptions
	sent     []SentMessage

	active    atomic.Int32
	maxActive atomic.Int32
	reads     atomic.Int64
}

// New creates a fake whose streams emit the given default script.
func New(events ...runtime.StreamEvent) *Fake {
	return &Fake{
		Default:  events,
		scripts:  make(map[string][]runtime.StreamEvent),
		sessions: make(map[string]runtime.SessionOptions),
	}
}

// Script sets the event script for one session id.
func (f *Fake) Script(sessionID string, events ...runtime.StreamEvent) {
	f.mu.Lock()
	f.scripts[sessionID] = events
	f.mu.Unlock()
}

// Session returns the options recorded by EnsureSession, if any.
func (f *Fake) Session(sessionID string) (runtime.SessionOptions, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	opts, ok := f.sessions[sessionID]
	return opts, ok
}

// Sent returns a copy of all recorded SendMessage calls.
func (f *Fake) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// ActiveStreams returns the number of cursors currently open.
func (f *Fake) ActiveStreams() int32 { return f.active.Load() }

// MaxActiveStreams returns the high-water mark of concurrent open cursors.
func (f *Fake) MaxActiveStreams() int32 { return f.maxActive.Load() }

// Reads returns the total number of events consumed across all cursors.
func (f *Fake) Reads() int64 { return f.reads.Load() }

func (f *Fake) EnsureSession(_ context.Context, sessionID string, opts runtime.SessionOptions) error {
	f.mu.Lock()
	f.sessions[sessionID] = opts
	f.mu.Unlock()
	return nil
}

func (f *Fake) SendMessage(_ context.Context, sessionID, content string, opts runtime.MessageOptions) (runtime.StreamCursor, error) {
	f.locks.Lock(sessionID)

	f.mu.Lock()
	f.sent = append(f.sent, SentMessage{SessionID: sessionID, Content: content, Opts: opts})
	script, ok := f.scripts[sessionID]
	if !ok {
		script = f.Default
	}
	f.mu.Unlock()

	n := f.active.Add(1)
	for {
		max := f.maxActive.Load()
		if n <= max || f.maxActive.CompareAndSwap(max, n) {
			break
		}
	}

	c := &fakeCursor{f: f, sessionID: sessionID, events: script, hold: f.Hold}
	return c, nil
}

type fakeCursor struct {
	f         *Fake
	sessionID string
	events    []runtime.StreamEvent
	hold      chan struct{}

	mu     sync.Mutex
	pos    int
	closed bool
	held   bool
}

func (c *fakeCursor) Next(ctx context.Context) (runtime.StreamEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.pos >= len(c.events) {
		c.finishLocked()
		return runtime.StreamEvent{}, io.EOF
	}

	if c.hold != nil && !c.held {
		c.held = true
		select {
		case <-c.hold:
		case <-ctx.Done():
			c.finishLocked()
			return runtime.StreamEvent{}, ctx.Err()
		}
	}

	if c.f.Delay > 0 {
		select {
		case <-time.After(c.f.Delay):
		case <-ctx.Done():
			c.finishLocked()
			return runtime.StreamEvent{}, ctx.Err()
		}
	}

	ev := c.events[c.pos]
	c.pos++
	c.f.reads.Add(1)
	if ev.Terminal() || c.pos >= len(c.events) {
		// Terminal event delivered; release the session on this read so a
		// queued SendMessage can proceed without waiting for Close.
		defer c.finishLocked()
	}
	return ev, nil
}

func (c *fakeCursor) finishLocked() {
	if c.closed {
		return
	}
	c.closed = true
	c.f.active.Add(-1)
	c.f.locks.Unlock(c.sessionID)
}

func (c *fakeCursor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishLocked()
	return nil
}
