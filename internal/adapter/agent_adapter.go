package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dorklabs/dorkos/internal/dorkerr"
	"github.com/dorklabs/dorkos/internal/pulse"
	"github.com/dorklabs/dorkos/internal/relay"
	"github.com/dorklabs/dorkos/internal/runtime"
)

// Subjects the agent adapter consumes.
const (
	AgentSubjectPrefix = "relay.agent"
	agentPattern       = "relay.agent.>"
	pulsePattern       = pulse.DispatchSubjectPrefix + ".>"
)

// DirResolver maps an agent id to its working directory. *mesh.Registry
// satisfies it.
type DirResolver interface {
	DirectoryFor(agentID string) (string, bool)
}

// AgentAdapterOptions configure the built-in agent adapter.
type AgentAdapterOptions struct {
	Runtime  runtime.AgentRuntime
	Runs     *pulse.Store // nil disables run finalization
	Resolver DirResolver  // nil disables mesh directory lookup
	// MaxConcurrent caps simultaneous envelope deliveries.
	MaxConcurrent int
	DefaultCwd    string
	Now           func() time.Time
}

// AgentAdapter consumes relay.agent.> and the pulse dispatch subjects,
// turning envelopes into LLM session work. Each stream event flows back
// over the envelope's replyTo subject as its own envelope with a derived
// budget.
type AgentAdapter struct {
	id    string
	r     *relay.Relay
	opts  AgentAdapterOptions
	now   func() time.Time
	subs  []*relay.Subscription
	state atomic.Bool // running

	active atomic.Int32
}

// NewAgentAdapter creates the built-in agent adapter.
func NewAgentAdapter(id string, r *relay.Relay, opts AgentAdapterOptions) *AgentAdapter {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &AgentAdapter{id: id, r: r, opts: opts, now: opts.Now}
}

func (a *AgentAdapter) ID() string   { return a.id }
func (a *AgentAdapter) Type() string { return "agent" }

// Start subscribes to the agent and pulse dispatch subjects.
func (a *AgentAdapter) Start(context.Context) error {
	for _, pattern := range []string{agentPattern, pulsePattern} {
		sub, err := a.r.SubscribeAs(pattern, a.id, a.handle)
		if err != nil {
			a.Stop()
			return err
		}
		a.subs = append(a.subs, sub)
	}
	a.state.Store(true)
	slog.Info("agent adapter started", "adapter", a.id, "maxConcurrent", a.opts.MaxConcurrent)
	return nil
}

// Stop unsubscribes. In-flight deliveries finish on their own contexts.
func (a *AgentAdapter) Stop() error {
	for _, sub := range a.subs {
		a.r.Unsubscribe(sub)
	}
	a.subs = nil
	a.state.Store(false)
	return nil
}

func (a *AgentAdapter) Status() Status {
	subjects := make([]string, 0, len(a.subs))
	for _, sub := range a.subs {
		subjects = append(subjects, sub.Pattern)
	}
	return Status{
		ID:               a.id,
		Type:             a.Type(),
		Running:          a.state.Load(),
		ActiveDeliveries: int(a.active.Load()),
		Subjects:         subjects,
	}
}

// delivery is the resolved work for one envelope.
type delivery struct {
	sessionID string
	cwd       string
	mode      runtime.PermissionMode
	prompt    string
	dispatch  *relay.PulseDispatch
}

func (a *AgentAdapter) handle(ctx context.Context, env *relay.Envelope) error {
	if n := a.active.Add(1); int(n) > a.opts.MaxConcurrent {
		a.active.Add(-1)
		return dorkerr.Newf(dorkerr.CodeAdapterAtCapacity,
			"adapter %s at capacity (%d)", a.id, a.opts.MaxConcurrent)
	}
	defer a.active.Add(-1)

	d, err := a.resolve(env)
	if err != nil {
		a.r.MarkFailed(env.ID, err.Error())
		return err
	}
	if d.dispatch != nil && a.opts.Runs != nil {
		running := pulse.RunRunning
		sid := d.sessionID
		if _, err := a.opts.Runs.UpdateRun(d.dispatch.RunID, pulse.RunPatch{Status: &running, SessionID: &sid}); err != nil {
			a.r.MarkFailed(env.ID, err.Error())
			return err
		}
	}

	text, runErr := a.runSession(ctx, env, d)

	if d.dispatch != nil && a.opts.Runs != nil {
		a.finalizeRun(ctx, d.dispatch.RunID, text, runErr)
	}
	if runErr != nil {
		a.r.MarkFailed(env.ID, runErr.Error())
		return runErr
	}
	a.r.MarkProcessed(env.ID)
	return nil
}

// resolve derives the target session, directory, and prompt from an envelope.
func (a *AgentAdapter) resolve(env *relay.Envelope) (delivery, error) {
	if env.Payload.Kind == relay.PayloadPulseDispatch {
		disp := env.Payload.Dispatch
		if disp == nil || disp.RunID == "" {
			return delivery{}, dorkerr.New(dorkerr.CodeInvalidInput, "malformed pulse dispatch")
		}
		cwd := disp.Cwd
		if cwd == "" {
			cwd = a.opts.DefaultCwd
		}
		return delivery{
			sessionID: disp.RunID,
			cwd:       cwd,
			mode:      runtime.PermissionMode(disp.PermissionMode),
			prompt:    disp.Prompt,
			dispatch:  disp,
		}, nil
	}

	parts := strings.Split(env.Subject, ".")
	if len(parts) < 3 || parts[0]+"."+parts[1] != AgentSubjectPrefix {
		return delivery{}, dorkerr.Newf(dorkerr.CodeInvalidInput, "subject %q is not addressable", env.Subject)
	}
	target := parts[2]
	cwd := a.opts.DefaultCwd
	if a.opts.Resolver != nil {
		if dir, ok := a.opts.Resolver.DirectoryFor(target); ok {
			cwd = dir
		}
	}
	if env.Payload.Kind != relay.PayloadText || env.Payload.Text == "" {
		return delivery{}, dorkerr.Newf(dorkerr.CodeInvalidInput, "no text payload on %s", env.Subject)
	}
	return delivery{sessionID: target, cwd: cwd, prompt: env.Payload.Text}, nil
}

// runSession drives one prompt through the runtime and collects the text
// response. Every stream event is forwarded to the envelope's replyTo
// subject as its own envelope with a budget derived from the request. The
// delivery context carries the budget deadline; expiry cancels the stream.
func (a *AgentAdapter) runSession(ctx context.Context, env *relay.Envelope, d delivery) (string, error) {
	if err := runtimeEnsure(ctx, a.opts.Runtime, d); err != nil {
		return "", err
	}
	cur, err := a.opts.Runtime.SendMessage(ctx, d.sessionID, d.prompt, runtime.MessageOptions{
		SystemPromptAppend: a.relayContext(env, d),
	})
	if err != nil {
		return "", err
	}
	defer cur.Close()

	// Response envelopes are siblings: each carries the same derived budget,
	// one hop deeper than the request.
	var derived *relay.Budget
	if env.ReplyTo != "" {
		b := env.Budget.Derive(env.ID)
		derived = &b
	}
	forward := func(ev runtime.StreamEvent) {
		if derived == nil {
			return
		}
		b := *derived
		if _, err := a.r.Publish(context.WithoutCancel(ctx), env.ReplyTo,
			relay.StreamEventPayload(ev),
			relay.PublishOptions{From: env.Subject, Budget: &b}); err != nil {
			slog.Warn("reply publish failed", "subject", env.ReplyTo, "message", env.ID, "error", err)
		}
	}

	var text strings.Builder
	for {
		ev, err := cur.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return text.String(), nil
			}
			return text.String(), err
		}
		forward(ev)
		switch ev.Type {
		case runtime.EventTextDelta:
			text.WriteString(ev.Text)
		case runtime.EventDone:
			return text.String(), nil
		case runtime.EventError:
			return text.String(), errors.New(ev.Message)
		}
	}
}

func runtimeEnsure(ctx context.Context, rt runtime.AgentRuntime, d delivery) error {
	return rt.EnsureSession(ctx, d.sessionID, runtime.SessionOptions{
		PermissionMode: d.mode,
		Cwd:            d.cwd,
	})
}

// finalizeRun settles a pulse run from the stream outcome.
func (a *AgentAdapter) finalizeRun(ctx context.Context, runID, text string, runErr error) {
	run, err := a.opts.Runs.GetRun(runID)
	if err != nil {
		slog.Error("run lookup failed", "run", runID, "error", err)
		return
	}
	now := a.now().UTC()
	dur := now.Sub(run.StartedAt).Milliseconds()
	patch := pulse.RunPatch{FinishedAt: &now, DurationMs: &dur}

	var status pulse.RunStatus
	switch {
	case runErr == nil:
		status = pulse.RunCompleted
		summary := text
		if r := []rune(summary); len(r) > pulse.RelaySummaryMax {
			summary = string(r[:pulse.RelaySummaryMax])
		}
		patch.OutputSummary = &summary
	case ctx.Err() != nil:
		// Budget TTL expiry surfaces as context cancellation.
		status = pulse.RunCancelled
		msg := "max runtime exceeded"
		patch.Error = &msg
	default:
		status = pulse.RunFailed
		msg := runErr.Error()
		patch.Error = &msg
	}
	patch.Status = &status
	if _, err := a.opts.Runs.UpdateRun(runID, patch); err != nil {
		slog.Error("run finalize failed", "run", runID, "status", status, "error", err)
	}
}

// relayContext builds the system prompt block telling the session how it was
// invoked and how to respond over the relay.
func (a *AgentAdapter) relayContext(env *relay.Envelope, d delivery) string {
	var b strings.Builder
	b.WriteString("<relay_context>\n")
	fmt.Fprintf(&b, "You received this message over the relay bus.\n")
	fmt.Fprintf(&b, "subject: %s\n", env.Subject)
	fmt.Fprintf(&b, "messageId: %s\n", env.ID)
	if env.From != "" {
		fmt.Fprintf(&b, "from: %s\n", env.From)
	}
	if env.ReplyTo != "" {
		fmt.Fprintf(&b, "replyTo: %s\n", env.ReplyTo)
		b.WriteString("Your final text response will be published to the replyTo subject.\n")
	}
	fmt.Fprintf(&b, "budget: %d/%d hops used, %d calls remaining, ttl %s\n",
		env.Budget.HopCount, env.Budget.MaxHops, env.Budget.CallBudgetRemaining,
		time.UnixMilli(env.Budget.TTL).UTC().Format(time.RFC3339))
	if d.dispatch != nil {
		fmt.Fprintf(&b, "schedule: %s (%s), trigger %s, run %s\n",
			d.dispatch.ScheduleName, d.dispatch.Cron, d.dispatch.Trigger, d.dispatch.RunID)
	}
	b.WriteString("</relay_context>")
	return b.String()
}
