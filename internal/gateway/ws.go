package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dorklabs/dorkos/internal/relay"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

// Local control plane; browsers connect from arbitrary dev origins.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsHandler bridges relay signals onto websocket connections. Each client
// receives the same frames as the SSE stream, as JSON messages.
type wsHandler struct {
	deps Deps
}

func (h *wsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", h.serve)
}

type wsFrame struct {
	Type      string          `json:"type"`
	MessageID string          `json:"messageId,omitempty"`
	Status    string          `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
	Envelope  *relay.Envelope `json:"envelope,omitempty"`
}

func (h *wsHandler) serve(w http.ResponseWriter, r *http.Request) {
	if h.deps.Relay == nil || !h.deps.Config.Features().Relay {
		http.Error(w, "relay is disabled", http.StatusForbidden)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("ws upgrade failed", "error", err)
		return
	}
	client := &wsClient{conn: conn, send: make(chan wsFrame, 64)}

	offPublished := h.deps.Relay.OnSignal(relay.SignalPublished, func(ev relay.SignalEvent) {
		client.push(wsFrame{Type: "relay_message", MessageID: ev.MessageID, Envelope: ev.Envelope})
	})
	delivery := func(ev relay.SignalEvent) {
		client.push(wsFrame{Type: "relay_delivery", MessageID: ev.MessageID, Status: string(ev.Status), Error: ev.Error})
	}
	offDelivered := h.deps.Relay.OnSignal(relay.SignalDelivered, delivery)
	offFailed := h.deps.Relay.OnSignal(relay.SignalFailed, delivery)

	go client.writePump()
	client.readPump()

	offPublished()
	offDelivered()
	offFailed()
	close(client.send)
}

type wsClient struct {
	conn *websocket.Conn
	send chan wsFrame
}

// push enqueues a frame, dropping it when the client is slow.
func (c *wsClient) push(f wsFrame) {
	defer func() { recover() }() // send on closed channel during teardown
	select {
	case c.send <- f:
	default:
	}
}

// readPump discards inbound messages and detects disconnect.
func (c *wsClient) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
