package gateway

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/dorklabs/dorkos/internal/dorkerr"
	"github.com/dorklabs/dorkos/internal/runtime"
)

type sessionsHandler struct {
	deps Deps
}

func (h *sessionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions/{id}/messages", h.send)
}

// send streams the session's response as SSE frames, one per stream event,
// named by the event type, until the terminal event.
func (h *sessionsHandler) send(w http.ResponseWriter, r *http.Request) {
	if h.deps.Runtime == nil {
		writeError(w, dorkerr.New(dorkerr.CodeFeatureDisabled, "no agent runtime configured"))
		return
	}
	sessionID := r.PathValue("id")

	var body struct {
		Content        string                 `json:"content"`
		PermissionMode runtime.PermissionMode `json:"permissionMode,omitempty"`
		Cwd            string                 `json:"cwd,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Content == "" {
		writeError(w, dorkerr.New(dorkerr.CodeInvalidInput, "content is required"))
		return
	}
	if body.PermissionMode != "" && !runtime.ValidPermissionMode(body.PermissionMode) {
		writeError(w, dorkerr.Newf(dorkerr.CodeInvalidInput, "unknown permission mode %q", body.PermissionMode))
		return
	}

	ctx := r.Context()
	if err := h.deps.Runtime.EnsureSession(ctx, sessionID, runtime.SessionOptions{
		PermissionMode: body.PermissionMode,
		Cwd:            body.Cwd,
	}); err != nil {
		writeError(w, dorkerr.Wrap(dorkerr.CodeInternal, err))
		return
	}
	cur, err := h.deps.Runtime.SendMessage(ctx, sessionID, body.Content, runtime.MessageOptions{
		PermissionMode: body.PermissionMode,
		Cwd:            body.Cwd,
	})
	if err != nil {
		writeError(w, dorkerr.Wrap(dorkerr.CodeInternal, err))
		return
	}
	defer cur.Close()

	stream, err := newSSEStream(w)
	if err != nil {
		writeError(w, dorkerr.Wrap(dorkerr.CodeInternal, err))
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	events := make(chan runtime.StreamEvent)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		for {
			ev, err := cur.Next(ctx)
			if err != nil {
				errs <- err
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := stream.heartbeat(); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				select {
				case err := <-errs:
					if !errors.Is(err, io.EOF) && ctx.Err() == nil {
						stream.send(string(runtime.EventError), runtime.StreamEvent{
							Type: runtime.EventError, Message: err.Error(),
						})
					}
				default:
				}
				return
			}
			if err := stream.send(string(ev.Type), ev); err != nil {
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}
}
