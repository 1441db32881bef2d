package adapter

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/dorklabs/dorkos/internal/db"
	"github.com/dorklabs/dorkos/internal/pulse"
	"github.com/dorklabs/dorkos/internal/relay"
	"github.com/dorklabs/dorkos/internal/runtime"
	"github.com/dorklabs/dorkos/internal/runtime/runtimetest"
	"github.com/dorklabs/dorkos/internal/trace"
)

type harness struct {
	relay *relay.Relay
	trace *trace.Store
	runs  *pulse.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "adapter.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	ts := trace.NewStore(conn, 10*time.Millisecond)
	t.Cleanup(func() {
		ts.Close()
		conn.Close()
	})
	r := relay.New(ts, relay.Options{})
	t.Cleanup(r.Close)
	return &harness{relay: r, trace: ts, runs: pulse.NewStore(conn)}
}

func startAdapter(t *testing.T, h *harness, opts AgentAdapterOptions) *AgentAdapter {
	t.Helper()
	a := NewAgentAdapter("agent-builtin", h.relay, opts)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start adapter: %v", err)
	}
	t.Cleanup(func() { a.Stop() })
	return a
}

func waitSpanStatus(t *testing.T, h *harness, messageID string, want trace.Status) *trace.Span {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		span, err := h.trace.GetSpanByMessageID(messageID)
		if err == nil && span != nil && span.Status == want {
			return span
		}
		time.Sleep(10 * time.Millisecond)
	}
	span, _ := h.trace.GetSpanByMessageID(messageID)
	t.Fatalf("span for %s never reached %s (last: %+v)", messageID, want, span)
	return nil
}

type staticResolver map[string]string

func (r staticResolver) DirectoryFor(id string) (string, bool) {
	dir, ok := r[id]
	return dir, ok
}

func TestAgentRoundTrip(t *testing.T) {
	h := newHarness(t)
	rt := runtimetest.New()
	rt.Script("agent-b", runtimetest.Text("pong"), runtimetest.Done())
	startAdapter(t, h, AgentAdapterOptions{
		Runtime:  rt,
		Resolver: staticResolver{"agent-b": "/srv/agent-b"},
	})

	replies := make(chan *relay.Envelope, 8)
	if _, err := h.relay.Subscribe("relay.human.requester", func(_ context.Context, env *relay.Envelope) error {
		replies <- env
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	res, err := h.relay.Publish(context.Background(), "relay.agent.agent-b",
		relay.TextPayload("ping"),
		relay.PublishOptions{From: "relay.human.requester", ReplyTo: "relay.human.requester"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	// One response envelope per stream event: the text delta, then done.
	var got []*relay.Envelope
	for len(got) < 2 {
		select {
		case env := <-replies:
			got = append(got, env)
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d replies, want 2", len(got))
		}
	}
	decode := func(env *relay.Envelope) runtime.StreamEvent {
		t.Helper()
		if env.Payload.Kind != relay.PayloadStreamEvent {
			t.Fatalf("payload kind = %q", env.Payload.Kind)
		}
		var ev runtime.StreamEvent
		if err := json.Unmarshal(env.Payload.Event, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return ev
	}
	if ev := decode(got[0]); ev.Type != runtime.EventTextDelta || ev.Text != "pong" {
		t.Fatalf("first event = %+v", ev)
	}
	if ev := decode(got[1]); ev.Type != runtime.EventDone {
		t.Fatalf("second event = %+v", ev)
	}

	// Each reply's budget is derived from the request: one hop deeper, the
	// request id appended to the causal chain.
	for _, reply := range got {
		if reply.Budget.HopCount != 1 {
			t.Fatalf("hop count = %d, want 1", reply.Budget.HopCount)
		}
		if len(reply.Budget.AncestorChain) != 1 || reply.Budget.AncestorChain[0] != res.MessageID {
			t.Fatalf("ancestor chain = %v", reply.Budget.AncestorChain)
		}
		if reply.TraceID() != res.MessageID {
			t.Fatalf("trace id = %s, want %s", reply.TraceID(), res.MessageID)
		}
	}

	waitSpanStatus(t, h, res.MessageID, trace.StatusProcessed)

	// The request and every response envelope share one trace.
	spans, err := h.trace.GetTrace(res.MessageID)
	if err != nil {
		t.Fatalf("get trace: %v", err)
	}
	ids := map[string]bool{}
	for _, s := range spans {
		ids[s.MessageID] = true
	}
	if !ids[res.MessageID] || !ids[got[0].ID] || !ids[got[1].ID] {
		t.Fatalf("trace missing spans: %v", ids)
	}

	// The mesh-resolved directory became the session cwd.
	sess, ok := rt.Session("agent-b")
	if !ok || sess.Cwd != "/srv/agent-b" {
		t.Fatalf("session opts = %+v, %v", sess, ok)
	}
	sent := rt.Sent()
	if len(sent) != 1 || sent[0].Content != "ping" {
		t.Fatalf("sent = %+v", sent)
	}
	if !strings.Contains(sent[0].Opts.SystemPromptAppend, "<relay_context>") {
		t.Fatal("relay context block missing from system prompt")
	}
}

func TestPulseDispatchCompletesRun(t *testing.T) {
	h := newHarness(t)
	sched, err := h.runs.CreateSchedule(pulse.ScheduleInput{Name: "s", Prompt: "p", Cron: "* * * * *"})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	run, err := h.runs.CreateRun(sched.ID, pulse.TriggerScheduled)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	rt := runtimetest.New()
	rt.Script(run.ID, runtimetest.Text(strings.Repeat("z", 1500)), runtimetest.Done())
	startAdapter(t, h, AgentAdapterOptions{Runtime: rt, Runs: h.runs, DefaultCwd: "/work"})

	res, err := h.relay.Publish(context.Background(), pulse.DispatchSubjectPrefix+"."+sched.ID,
		relay.DispatchPayload(relay.PulseDispatch{
			ScheduleID: sched.ID,
			RunID:      run.ID,
			Prompt:     "do it",
			Cwd:        "/proj",
		}),
		relay.PublishOptions{From: pulse.DispatchSubjectPrefix})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.DeliveredTo != 1 {
		t.Fatalf("deliveredTo = %d", res.DeliveredTo)
	}

	deadline := time.Now().Add(5 * time.Second)
	var got *pulse.Run
	for time.Now().Before(deadline) {
		got, _ = h.runs.GetRun(run.ID)
		if got != nil && got.Status == pulse.RunCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got == nil || got.Status != pulse.RunCompleted {
		t.Fatalf("run = %+v, want completed", got)
	}
	if len(got.OutputSummary) != pulse.RelaySummaryMax {
		t.Fatalf("summary length = %d, want %d", len(got.OutputSummary), pulse.RelaySummaryMax)
	}
	if got.SessionID != run.ID {
		t.Fatalf("session id = %q", got.SessionID)
	}
	if sess, ok := rt.Session(run.ID); !ok || sess.Cwd != "/proj" {
		t.Fatalf("session opts = %+v, %v", sess, ok)
	}
	waitSpanStatus(t, h, res.MessageID, trace.StatusProcessed)
}

func TestPulseSummaryTruncatesOnRuneBoundary(t *testing.T) {
	h := newHarness(t)
	sched, _ := h.runs.CreateSchedule(pulse.ScheduleInput{Name: "s", Prompt: "p", Cron: "* * * * *"})
	run, _ := h.runs.CreateRun(sched.ID, pulse.TriggerScheduled)

	rt := runtimetest.New()
	rt.Script(run.ID, runtimetest.Text(strings.Repeat("界", pulse.RelaySummaryMax+50)), runtimetest.Done())
	startAdapter(t, h, AgentAdapterOptions{Runtime: rt, Runs: h.runs, DefaultCwd: "/work"})

	if _, err := h.relay.Publish(context.Background(), pulse.DispatchSubjectPrefix+"."+sched.ID,
		relay.DispatchPayload(relay.PulseDispatch{ScheduleID: sched.ID, RunID: run.ID, Prompt: "p"}),
		relay.PublishOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var got *pulse.Run
	for time.Now().Before(deadline) {
		got, _ = h.runs.GetRun(run.ID)
		if got != nil && got.Status == pulse.RunCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got == nil || got.Status != pulse.RunCompleted {
		t.Fatalf("run = %+v, want completed", got)
	}
	if !utf8.ValidString(got.OutputSummary) {
		t.Fatal("summary split a rune")
	}
	if n := utf8.RuneCountInString(got.OutputSummary); n != pulse.RelaySummaryMax {
		t.Fatalf("summary runes = %d, want %d", n, pulse.RelaySummaryMax)
	}
}

func TestPulseDispatchStreamErrorFailsRun(t *testing.T) {
	h := newHarness(t)
	sched, _ := h.runs.CreateSchedule(pulse.ScheduleInput{Name: "s", Prompt: "p", Cron: "* * * * *"})
	run, _ := h.runs.CreateRun(sched.ID, pulse.TriggerScheduled)

	rt := runtimetest.New()
	rt.Script(run.ID, runtimetest.Err("session crashed"))
	startAdapter(t, h, AgentAdapterOptions{Runtime: rt, Runs: h.runs})

	res, err := h.relay.Publish(context.Background(), pulse.DispatchSubjectPrefix+"."+sched.ID,
		relay.DispatchPayload(relay.PulseDispatch{ScheduleID: sched.ID, RunID: run.ID, Prompt: "p"}),
		relay.PublishOptions{})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitSpanStatus(t, h, res.MessageID, trace.StatusFailed)
	got, _ := h.runs.GetRun(run.ID)
	if got.Status != pulse.RunFailed || got.Error != "session crashed" {
		t.Fatalf("run = %s/%q", got.Status, got.Error)
	}
}

func TestCapacityRejectsDelivery(t *testing.T) {
	h := newHarness(t)
	sched, _ := h.runs.CreateSchedule(pulse.ScheduleInput{Name: "s", Prompt: "p", Cron: "* * * * *"})
	run, _ := h.runs.CreateRun(sched.ID, pulse.TriggerScheduled)

	rt := runtimetest.New(runtimetest.Text("slow"), runtimetest.Done())
	rt.Hold = make(chan struct{})
	startAdapter(t, h, AgentAdapterOptions{Runtime: rt, Runs: h.runs, MaxConcurrent: 1})

	// First delivery occupies the only slot.
	first, err := h.relay.Publish(context.Background(), "relay.agent.busy",
		relay.TextPayload("hold the line"), relay.PublishOptions{})
	if err != nil {
		t.Fatalf("publish first: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for rt.ActiveStreams() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rt.ActiveStreams() == 0 {
		t.Fatal("first delivery never started")
	}

	// Second delivery arrives on the other subscription and is rejected.
	second, err := h.relay.Publish(context.Background(), pulse.DispatchSubjectPrefix+"."+sched.ID,
		relay.DispatchPayload(relay.PulseDispatch{ScheduleID: sched.ID, RunID: run.ID, Prompt: "p"}),
		relay.PublishOptions{})
	if err != nil {
		t.Fatalf("publish second: %v", err)
	}
	span := waitSpanStatus(t, h, second.MessageID, trace.StatusFailed)
	if !strings.Contains(span.Error, "capacity") {
		t.Fatalf("span error = %q", span.Error)
	}

	close(rt.Hold)
	waitSpanStatus(t, h, first.MessageID, trace.StatusProcessed)
}

func TestManagerLifecycle(t *testing.T) {
	h := newHarness(t)
	m := NewManager()
	rt := runtimetest.New(runtimetest.Done())

	builtin := NewAgentAdapter("agent-builtin", h.relay, AgentAdapterOptions{Runtime: rt})
	if err := m.StartBuiltin(context.Background(), builtin); err != nil {
		t.Fatalf("start builtin: %v", err)
	}

	t.Run("builtin is protected", func(t *testing.T) {
		err := m.Remove("agent-builtin")
		if err == nil || !strings.Contains(err.Error(), "built-in") {
			t.Fatalf("remove builtin: %v", err)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		if _, err := m.Add(context.Background(), "smoke-signal", "x", nil); err == nil {
			t.Fatal("unknown adapter type accepted")
		}
	})

	t.Run("duplicate id", func(t *testing.T) {
		m.RegisterFactory("agent", func(id string, _ json.RawMessage) (Adapter, error) {
			return NewAgentAdapter(id, h.relay, AgentAdapterOptions{Runtime: rt}), nil
		})
		if _, err := m.Add(context.Background(), "agent", "agent-builtin", nil); err == nil {
			t.Fatal("duplicate id accepted")
		}
	})

	t.Run("add and remove", func(t *testing.T) {
		if _, err := m.Add(context.Background(), "agent", "agent-2", nil); err != nil {
			t.Fatalf("add: %v", err)
		}
		statuses := m.List()
		if len(statuses) != 2 {
			t.Fatalf("list = %+v", statuses)
		}
		if err := m.Remove("agent-2"); err != nil {
			t.Fatalf("remove: %v", err)
		}
		if _, err := m.Get("agent-2"); err == nil {
			t.Fatal("removed adapter still present")
		}
	})

	m.StopAll()
	st, err := m.Get("agent-builtin")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.Running {
		t.Fatal("adapter still running after StopAll")
	}
}
