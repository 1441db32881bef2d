package relay

import (
	"sync"

	"github.com/dorklabs/dorkos/internal/trace"
)

// SignalKind names the observable bus transitions.
type SignalKind string

const (
	SignalPublished SignalKind = "message_published"
	SignalDelivered SignalKind = "message_delivered"
	SignalFailed    SignalKind = "message_failed"
)

// SignalEvent is delivered to OnSignal listeners. Envelope is set for
// message_published; delivery signals carry the message id and status.
type SignalEvent struct {
	Kind      SignalKind   `json:"kind"`
	MessageID string       `json:"messageId"`
	Subject   string       `json:"subject"`
	Status    trace.Status `json:"status"`
	Error     string       `json:"error,omitempty"`
	Envelope  *Envelope    `json:"envelope,omitempty"`
}

type signalHub struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[SignalKind]map[int]func(SignalEvent)
}

func newSignalHub() *signalHub {
	return &signalHub{listeners: make(map[SignalKind]map[int]func(SignalEvent))}
}

// on registers a listener and returns its unregister func. Listeners run on
// the emitting goroutine; they must not block.
func (h *signalHub) on(kind SignalKind, fn func(SignalEvent)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	if h.listeners[kind] == nil {
		h.listeners[kind] = make(map[int]func(SignalEvent))
	}
	h.listeners[kind][id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.listeners[kind], id)
	}
}

func (h *signalHub) emit(ev SignalEvent) {
	h.mu.RLock()
	fns := make([]func(SignalEvent), 0, len(h.listeners[ev.Kind]))
	for _, fn := range h.listeners[ev.Kind] {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
