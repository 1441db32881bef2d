package relay

import (
	"encoding/json"
	"fmt"
	"time"
)

// EndpointKind classifies a subscribable address.
type EndpointKind string

const (
	EndpointSystem EndpointKind = "system"
	EndpointHuman  EndpointKind = "human"
	EndpointAgent  EndpointKind = "agent"
)

// Endpoint is a subscribable address on the bus.
type Endpoint struct {
	Subject   string       `json:"subject"`
	Kind      EndpointKind `json:"kind"`
	Owner     string       `json:"owner,omitempty"` // adapter id or external identifier
	CreatedAt time.Time    `json:"createdAt"`
}

// Payload kinds.
const (
	PayloadText          = "text"
	PayloadPulseDispatch = "pulse_dispatch"
	PayloadStreamEvent   = "stream_event"
)

// PulseDispatch is the payload of a scheduler-originated envelope.
type PulseDispatch struct {
	ScheduleID     string `json:"scheduleId"`
	RunID          string `json:"runId"`
	Prompt         string `json:"prompt"`
	Cwd            string `json:"cwd,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
	ScheduleName   string `json:"scheduleName,omitempty"`
	Cron           string `json:"cron,omitempty"`
	Trigger        string `json:"trigger,omitempty"`
}

// Payload is the discriminated envelope body. Unknown kinds are carried as
// an opaque blob for forward compatibility.
type Payload struct {
	Kind     string
	Text     string          // kind "text"
	Dispatch *PulseDispatch  // kind "pulse_dispatch"
	Event    json.RawMessage // kind "stream_event"
	Custom   json.RawMessage
}

// TextPayload builds a plain text payload.
func TextPayload(content string) Payload {
	return Payload{Kind: PayloadText, Text: content}
}

// DispatchPayload builds a pulse dispatch payload.
func DispatchPayload(d PulseDispatch) Payload {
	return Payload{Kind: PayloadPulseDispatch, Dispatch: &d}
}

// StreamEventPayload wraps one marshaled session stream event. Adapters
// publish these to replyTo subjects, one envelope per event.
func StreamEventPayload(ev any) Payload {
	data, err := json.Marshal(ev)
	if err != nil {
		data = json.RawMessage(`{}`)
	}
	return Payload{Kind: PayloadStreamEvent, Event: data}
}

func (p Payload) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case PayloadText:
		return json.Marshal(struct {
			Kind    string `json:"kind"`
			Content string `json:"content"`
		}{p.Kind, p.Text})
	case PayloadPulseDispatch:
		type wire struct {
			Kind string `json:"kind"`
			*PulseDispatch
		}
		return json.Marshal(wire{p.Kind, p.Dispatch})
	case PayloadStreamEvent:
		return json.Marshal(struct {
			Kind  string          `json:"kind"`
			Event json.RawMessage `json:"event"`
		}{p.Kind, p.Event})
	default:
		if len(p.Custom) > 0 {
			return p.Custom, nil
		}
		return json.Marshal(struct {
			Kind string `json:"kind"`
		}{p.Kind})
	}
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	switch head.Kind {
	case PayloadText:
		var body struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return fmt.Errorf("text payload: %w", err)
		}
		*p = Payload{Kind: PayloadText, Text: body.Content}
	case PayloadPulseDispatch:
		var d PulseDispatch
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("pulse_dispatch payload: %w", err)
		}
		*p = Payload{Kind: PayloadPulseDispatch, Dispatch: &d}
	case PayloadStreamEvent:
		var body struct {
			Event json.RawMessage `json:"event"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return fmt.Errorf("stream_event payload: %w", err)
		}
		*p = Payload{Kind: PayloadStreamEvent, Event: body.Event}
	default:
		*p = Payload{Kind: head.Kind, Custom: append(json.RawMessage(nil), data...)}
	}
	return nil
}

// Envelope is one message in flight on the bus.
type Envelope struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	From      string    `json:"from"`
	ReplyTo   string    `json:"replyTo,omitempty"`
	Budget    Budget    `json:"budget"`
	CreatedAt time.Time `json:"createdAt"`
	Payload   Payload   `json:"payload"`
}

// TraceID returns the root message id of the envelope's causal chain.
func (e *Envelope) TraceID() string {
	if len(e.Budget.AncestorChain) > 0 {
		return e.Budget.AncestorChain[0]
	}
	return e.ID
}
