package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dorklabs/dorkos/internal/dorkerr"
	"github.com/dorklabs/dorkos/internal/relay"
	"github.com/dorklabs/dorkos/internal/trace"
)

type relayHandler struct {
	deps Deps
}

func (h *relayHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/relay/endpoints", h.guard(h.endpoints))
	mux.HandleFunc("GET /api/relay/messages", h.guard(h.messages))
	mux.HandleFunc("POST /api/relay/messages", h.guard(h.publish))
	mux.HandleFunc("GET /api/relay/trace/{messageId}", h.guard(h.trace))
	mux.HandleFunc("GET /api/relay/metrics", h.guard(h.metrics))
	mux.HandleFunc("GET /api/relay/stream", h.guard(h.stream))
}

func (h *relayHandler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireFeature(w, h.deps.Config.Features().Relay && h.deps.Relay != nil, "relay") {
			return
		}
		next(w, r)
	}
}

func (h *relayHandler) endpoints(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": h.deps.Relay.ListEndpoints()})
}

func (h *relayHandler) messages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := trace.MessageFilter{
		Subject: q.Get("subject"),
		Status:  trace.Status(q.Get("status")),
		From:    q.Get("from"),
	}
	if v := q.Get("cursor"); v != "" {
		cursor, err := strconv.ParseInt(v, 10, 64)
		if err != nil || cursor < 0 {
			writeError(w, dorkerr.Newf(dorkerr.CodeInvalidInput, "invalid cursor %q", v))
			return
		}
		f.Cursor = cursor
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, dorkerr.Newf(dorkerr.CodeInvalidInput, "invalid limit %q", v))
			return
		}
		f.Limit = n
	}
	spans, err := h.deps.Trace.QueryMessages(f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": spans})
}

func (h *relayHandler) publish(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Subject string        `json:"subject"`
		Payload relay.Payload `json:"payload"`
		From    string        `json:"from,omitempty"`
		ReplyTo string        `json:"replyTo,omitempty"`
		Budget  *relay.Budget `json:"budget,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.deps.Relay.Publish(r.Context(), body.Subject, body.Payload, relay.PublishOptions{
		From:    body.From,
		ReplyTo: body.ReplyTo,
		Budget:  body.Budget,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *relayHandler) trace(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("messageId")
	parent, err := h.deps.Trace.GetSpanByMessageID(messageID)
	if err != nil {
		writeError(w, err)
		return
	}
	if parent == nil {
		writeError(w, dorkerr.Newf(dorkerr.CodeNotFound, "message %s not found", messageID))
		return
	}
	spans, err := h.deps.Trace.GetTrace(parent.TraceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"traceId": parent.TraceID, "spans": spans})
}

func (h *relayHandler) metrics(w http.ResponseWriter, _ *http.Request) {
	m, err := h.deps.Trace.Metrics()
	if err != nil {
		writeError(w, err)
		return
	}
	m.ActiveEndpoints = len(h.deps.Relay.ListEndpoints())
	writeJSON(w, http.StatusOK, m)
}

// stream is the SSE feed of relay traffic: relay_message frames carry full
// envelopes, relay_delivery frames carry delivery outcomes. An optional
// subject pattern filters both.
func (h *relayHandler) stream(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("subject")
	if pattern != "" {
		if err := relay.ValidatePattern(pattern); err != nil {
			writeError(w, err)
			return
		}
	}

	stream, err := newSSEStream(w)
	if err != nil {
		writeError(w, dorkerr.Wrap(dorkerr.CodeInternal, err))
		return
	}

	type frame struct {
		event string
		data  any
	}
	frames := make(chan frame, 64)
	push := func(f frame) {
		select {
		case frames <- f:
		default:
			// Slow consumer; drop rather than stall the bus.
		}
	}
	matches := func(subject string) bool {
		return pattern == "" || relay.MatchSubject(pattern, subject)
	}

	offPublished := h.deps.Relay.OnSignal(relay.SignalPublished, func(ev relay.SignalEvent) {
		if matches(ev.Subject) {
			push(frame{"relay_message", ev.Envelope})
		}
	})
	defer offPublished()
	deliveryListener := func(ev relay.SignalEvent) {
		if !matches(ev.Subject) {
			return
		}
		data := map[string]any{"messageId": ev.MessageID, "status": ev.Status}
		if ev.Error != "" {
			data["error"] = ev.Error
		}
		push(frame{"relay_delivery", data})
	}
	offDelivered := h.deps.Relay.OnSignal(relay.SignalDelivered, deliveryListener)
	defer offDelivered()
	offFailed := h.deps.Relay.OnSignal(relay.SignalFailed, deliveryListener)
	defer offFailed()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case f := <-frames:
			if err := stream.send(f.event, f.data); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := stream.heartbeat(); err != nil {
				return
			}
		}
	}
}
