// Package relay is the publish/subscribe bus: subject-pattern routing,
// per-envelope budgets, delivery tracing, and signal fan-out.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/dorklabs/dorkos/internal/dorkerr"
	"github.com/dorklabs/dorkos/internal/trace"
)

// TraceRecorder is the slice of the trace store the relay writes to.
type TraceRecorder interface {
	InsertSpan(trace.Span) error
	UpdateSpan(messageID string, patch trace.SpanPatch) error
	UpdateSpanByID(spanID string, patch trace.SpanPatch) error
}

// Handler consumes one delivered envelope. A non-nil error marks the
// delivery failed; it is never propagated to the publisher.
type Handler func(ctx context.Context, env *Envelope) error

// Options configures a Relay.
type Options struct {
	Budgets         BudgetDefaults
	QueueSize       int           // per-subscription queue depth (default 1024)
	EnqueueDeadline time.Duration // per-subscription drop deadline (default 50ms)
	Now             func() time.Time
	Tracer          oteltrace.Tracer // optional OTLP export alongside the trace store
}

// Relay owns the subscription table and the active envelope queues.
type Relay struct {
	budgets         BudgetDefaults
	queueSize       int
	enqueueDeadline time.Duration
	now             func() time.Time
	recorder        TraceRecorder
	signals         *signalHub
	tracer          oteltrace.Tracer

	mu        sync.RWMutex
	endpoints map[string]Endpoint
	subs      map[string]*Subscription
}

// New creates a relay recording deliveries into recorder.
func New(recorder TraceRecorder, opts Options) *Relay {
	if opts.Budgets.MaxHops == 0 {
		opts.Budgets.MaxHops = DefaultBudgets.MaxHops
	}
	if opts.Budgets.TTL == 0 {
		opts.Budgets.TTL = DefaultBudgets.TTL
	}
	if opts.Budgets.CallBudget == 0 {
		opts.Budgets.CallBudget = DefaultBudgets.CallBudget
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.EnqueueDeadline <= 0 {
		opts.EnqueueDeadline = 50 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Relay{
		budgets:         opts.Budgets,
		queueSize:       opts.QueueSize,
		enqueueDeadline: opts.EnqueueDeadline,
		now:             opts.Now,
		recorder:        recorder,
		signals:         newSignalHub(),
		tracer:          opts.Tracer,
		endpoints:       make(map[string]Endpoint),
		subs:            make(map[string]*Subscription),
	}
}

// Budgets returns the configured budget defaults.
func (r *Relay) Budgets() BudgetDefaults { return r.budgets }

// OnSignal registers a listener for one signal kind and returns its
// unregister func.
func (r *Relay) OnSignal(kind SignalKind, fn func(SignalEvent)) func() {
	return r.signals.on(kind, fn)
}

// RegisterEndpoint adds a subscribable address.
func (r *Relay) RegisterEndpoint(ep Endpoint) error {
	if err := ValidateSubject(ep.Subject); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.endpoints[ep.Subject]; exists {
		return dorkerr.Newf(dorkerr.CodeDuplicateID, "endpoint %s already registered", ep.Subject)
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = r.now()
	}
	r.endpoints[ep.Subject] = ep
	return nil
}

// UnregisterEndpoint removes an address. Unknown subjects are not an error.
func (r *Relay) UnregisterEndpoint(subject string) {
	r.mu.Lock()
	delete(r.endpoints, subject)
	r.mu.Unlock()
}

// ListEndpoints returns registered endpoints, oldest first.
func (r *Relay) ListEndpoints() []Endpoint {
	r.mu.RLock()
	out := make([]Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Subscription is one pattern binding with its own FIFO queue and worker.
type Subscription struct {
	ID      string
	Pattern string
	Owner   string

	handler   Handler
	queue     chan *deliveryTask
	done      chan struct{}
	closeOnce sync.Once
	r         *Relay
}

type deliveryTask struct {
	env    *Envelope
	spanID string
	state  *inflightState
}

// inflightState aggregates the delivery outcomes of one envelope so the
// parent span can settle once all attempts finish.
type inflightState struct {
	remaining       atomic.Int32
	anySucceeded    atomic.Bool
	parentDelivered atomic.Bool
	lastError       atomic.Value // string
}

// Subscribe binds a handler to a subject pattern.
func (r *Relay) Subscribe(pattern string, handler Handler) (*Subscription, error) {
	return r.SubscribeAs(pattern, "", handler)
}

// SubscribeAs binds a handler and records the owning adapter id.
func (r *Relay) SubscribeAs(pattern, owner string, handler Handler) (*Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	sub := &Subscription{
		ID:      uuid.NewString(),
		Pattern: pattern,
		Owner:   owner,
		handler: handler,
		queue:   make(chan *deliveryTask, r.queueSize),
		done:    make(chan struct{}),
		r:       r,
	}
	r.mu.Lock()
	r.subs[sub.ID] = sub
	r.mu.Unlock()
	go sub.run()
	return sub, nil
}

// Unsubscribe removes a subscription and stops its worker. Queued envelopes
// not yet handled are dropped.
func (r *Relay) Unsubscribe(sub *Subscription) {
	r.mu.Lock()
	delete(r.subs, sub.ID)
	r.mu.Unlock()
	sub.closeOnce.Do(func() { close(sub.done) })
}

// Close stops all subscription workers.
func (r *Relay) Close() {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.subs = make(map[string]*Subscription)
	r.mu.Unlock()
	for _, s := range subs {
		s.closeOnce.Do(func() { close(s.done) })
	}
}

// PublishOptions parameterize one publish.
type PublishOptions struct {
	From    string
	ReplyTo string
	// Budget, when set, is used as-is (derived publishes). Nil uses defaults.
	Budget *Budget
	// MessageID overrides the generated id. Used by replays and tests.
	MessageID string
}

// PublishResult reports the outcome of a publish.
type PublishResult struct {
	MessageID   string `json:"messageId"`
	DeliveredTo int    `json:"deliveredTo"`
}

// Publish routes one envelope. The returned DeliveredTo counts successfully
// enqueued subscriptions; handler outcomes settle asynchronously into the
// trace store. Budget violations reject the publish before any span exists.
func (r *Relay) Publish(ctx context.Context, subject string, payload Payload, opts PublishOptions) (PublishResult, error) {
	if err := ValidateSubject(subject); err != nil {
		return PublishResult{}, err
	}
	now := r.now()

	id := opts.MessageID
	if id == "" {
		id = uuid.NewString()
	}

	var budget Budget
	if opts.Budget != nil {
		budget = *opts.Budget
		if budget.MaxHops == 0 {
			budget.MaxHops = r.budgets.MaxHops
		}
		if budget.TTL == 0 {
			budget.TTL = now.Add(r.budgets.TTL).UnixMilli()
		}
	} else {
		budget = r.budgets.NewBudget(now)
	}
	if err := budget.check(id, now); err != nil {
		return PublishResult{}, err
	}

	if r.tracer != nil {
		var span oteltrace.Span
		_, span = r.tracer.Start(ctx, "relay.publish",
			oteltrace.WithAttributes(
				attribute.String("relay.subject", subject),
				attribute.String("relay.message_id", id),
				attribute.Int("relay.hop_count", budget.HopCount),
			))
		defer span.End()
	}

	env := &Envelope{
		ID:        id,
		Subject:   subject,
		From:      opts.From,
		ReplyTo:   opts.ReplyTo,
		Budget:    budget,
		CreatedAt: now,
		Payload:   payload,
	}

	parentSpanID := uuid.NewString()
	if err := r.recorder.InsertSpan(trace.Span{
		SpanID:               parentSpanID,
		MessageID:            id,
		TraceID:              env.TraceID(),
		Subject:              subject,
		FromEndpoint:         opts.From,
		Status:               trace.StatusPending,
		BudgetHopsUsed:       budget.HopCount,
		BudgetTTLRemainingMs: budget.TTLRemaining(now),
		SentAt:               now,
	}); err != nil {
		return PublishResult{}, err
	}
	r.signals.emit(SignalEvent{
		Kind: SignalPublished, MessageID: id, Subject: subject,
		Status: trace.StatusPending, Envelope: env,
	})

	matches := r.matching(subject)
	if len(matches) == 0 {
		// A dead-letter sibling subscription rescues otherwise undeliverable
		// envelopes.
		if dlq := r.matching(subject + ".dlq"); len(dlq) > 0 {
			matches = dlq
		} else {
			status := trace.StatusDeadLettered
			r.recorder.UpdateSpan(id, trace.SpanPatch{Status: &status})
			r.signals.emit(SignalEvent{
				Kind: SignalFailed, MessageID: id, Subject: subject,
				Status: trace.StatusDeadLettered,
			})
			slog.Debug("relay dead letter", "subject", subject, "message", id)
			return PublishResult{MessageID: id, DeliveredTo: 0}, nil
		}
	}

	state := &inflightState{}
	state.remaining.Store(int32(len(matches)))

	var enqueued atomic.Int32
	var wg sync.WaitGroup
	for _, sub := range matches {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()

			spanID := uuid.NewString()
			task := &deliveryTask{env: env, spanID: spanID, state: state}
			r.recorder.InsertSpan(trace.Span{
				SpanID:               spanID,
				MessageID:            id,
				TraceID:              env.TraceID(),
				ParentSpanID:         parentSpanID,
				Subject:              subject,
				FromEndpoint:         opts.From,
				ToEndpoint:           sub.endpointName(),
				Status:               trace.StatusPending,
				BudgetHopsUsed:       budget.HopCount,
				BudgetTTLRemainingMs: budget.TTLRemaining(now),
				SentAt:               now,
			})

			timer := time.NewTimer(r.enqueueDeadline)
			defer timer.Stop()
			select {
			case sub.queue <- task:
				enqueued.Add(1)
			case <-sub.done:
				r.failEnqueue(task, "subscription_closed")
			case <-timer.C:
				r.failEnqueue(task, "subscriber_backpressure")
			}
		}(sub)
	}
	wg.Wait()

	return PublishResult{MessageID: id, DeliveredTo: int(enqueued.Load())}, nil
}

func (s *Subscription) endpointName() string {
	if s.Owner != "" {
		return s.Owner
	}
	return s.Pattern
}

func (r *Relay) matching(subject string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Subscription
	for _, sub := range r.subs {
		if MatchSubject(sub.Pattern, subject) {
			out = append(out, sub)
		}
	}
	return out
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case task := <-s.queue:
			s.handle(task)
		}
	}
}

func (s *Subscription) handle(task *deliveryTask) {
	s.r.markDelivered(task)
	ctx, cancel := context.WithDeadline(context.Background(), task.env.Budget.Deadline())
	err := s.invoke(ctx, task.env)
	cancel()
	s.r.concludeDelivery(task, err)
}

// invoke shields the worker from handler panics.
func (s *Subscription) invoke(ctx context.Context, env *Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return s.handler(ctx, env)
}

// markDelivered records the dequeue of one delivery attempt. The child span
// moves to delivered and the first attempt patches the parent. This runs
// before the handler so a processed transition recorded inside the handler
// is never overwritten by the delivered write.
func (r *Relay) markDelivered(task *deliveryTask) {
	now := r.now()
	st := trace.StatusDelivered
	r.recorder.UpdateSpanByID(task.spanID, trace.SpanPatch{Status: &st, DeliveredAt: &now})
	if task.state.parentDelivered.CompareAndSwap(false, true) {
		r.recorder.UpdateSpan(task.env.ID, trace.SpanPatch{Status: &st, DeliveredAt: &now})
	}
	r.signals.emit(SignalEvent{
		Kind: SignalDelivered, MessageID: task.env.ID, Subject: task.env.Subject,
		Status: trace.StatusDelivered,
	})
}

// concludeDelivery records the handler outcome of a dequeued attempt.
func (r *Relay) concludeDelivery(task *deliveryTask, err error) {
	if err == nil {
		task.state.anySucceeded.Store(true)
		r.finishAttempt(task)
		return
	}
	msg := err.Error()
	st := trace.StatusFailed
	r.recorder.UpdateSpanByID(task.spanID, trace.SpanPatch{Status: &st, Error: &msg})
	task.state.lastError.Store(msg)
	r.signals.emit(SignalEvent{
		Kind: SignalFailed, MessageID: task.env.ID, Subject: task.env.Subject,
		Status: trace.StatusFailed, Error: msg,
	})
	r.finishAttempt(task)
}

// failEnqueue settles an attempt that never reached the worker.
func (r *Relay) failEnqueue(task *deliveryTask, reason string) {
	st := trace.StatusFailed
	r.recorder.UpdateSpanByID(task.spanID, trace.SpanPatch{Status: &st, Error: &reason})
	task.state.lastError.Store(reason)
	r.signals.emit(SignalEvent{
		Kind: SignalFailed, MessageID: task.env.ID, Subject: task.env.Subject,
		Status: trace.StatusFailed, Error: reason,
	})
	r.finishAttempt(task)
}

// finishAttempt retires one delivery attempt; when the last attempt retires
// without any handler having succeeded, the parent span fails.
func (r *Relay) finishAttempt(task *deliveryTask) {
	if task.state.remaining.Add(-1) == 0 && !task.state.anySucceeded.Load() {
		st := trace.StatusFailed
		msg, _ := task.state.lastError.Load().(string)
		r.recorder.UpdateSpan(task.env.ID, trace.SpanPatch{Status: &st, Error: &msg})
	}
}

// MarkProcessed transitions the parent span of messageID to processed.
// Adapters call this after fully handling an envelope.
func (r *Relay) MarkProcessed(messageID string) {
	now := r.now()
	st := trace.StatusProcessed
	r.recorder.UpdateSpan(messageID, trace.SpanPatch{Status: &st, ProcessedAt: &now})
}

// MarkFailed transitions the parent span of messageID to failed with an
// error message.
func (r *Relay) MarkFailed(messageID, errMsg string) {
	st := trace.StatusFailed
	r.recorder.UpdateSpan(messageID, trace.SpanPatch{Status: &st, Error: &errMsg})
}
