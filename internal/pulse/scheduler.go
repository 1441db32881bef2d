package pulse

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/adhocore/gronx"

	"github.com/dorklabs/dorkos/internal/dorkerr"
	"github.com/dorklabs/dorkos/internal/relay"
	"github.com/dorklabs/dorkos/internal/runtime"
)

// Publisher is the slice of the relay the scheduler publishes through.
// *relay.Relay satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload relay.Payload, opts relay.PublishOptions) (relay.PublishResult, error)
	Budgets() relay.BudgetDefaults
}

// Options configure a Scheduler.
type Options struct {
	// Runtime executes prompts in direct mode.
	Runtime runtime.AgentRuntime
	// Publisher, when non-nil, switches dispatch to relay mode: due runs are
	// published as pulse_dispatch envelopes and finalized by the consumer.
	Publisher Publisher
	// MaxConcurrentRuns caps pending+running runs across all schedules.
	MaxConcurrentRuns int
	// RetentionCount is how many terminal runs to keep per schedule.
	RetentionCount int
	// DrainTimeout bounds Stop's wait for in-flight direct runs.
	DrainTimeout time.Duration
	DefaultCwd   string
	Now          func() time.Time
}

// DispatchSubjectPrefix is where relay-mode runs are published; the schedule
// id is appended as the final segment.
const DispatchSubjectPrefix = "relay.system.pulse"

type job struct {
	expr string
	loc  *time.Location
}

type runHandle struct {
	scheduleID string
	cancel     context.CancelFunc
}

// Scheduler registers cron schedules and fires runs on minute boundaries.
type Scheduler struct {
	store *Store
	opts  Options
	gron  *gronx.Gronx
	now   func() time.Time

	mu     sync.Mutex
	jobs   map[string]*job       // schedule id -> cron registration
	active map[string]*runHandle // run id -> in-process direct run

	done  chan struct{}
	wg    sync.WaitGroup // tick loop
	runWg sync.WaitGroup // in-flight runs
	once  sync.Once
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(store *Store, opts Options) *Scheduler {
	if opts.MaxConcurrentRuns <= 0 {
		opts.MaxConcurrentRuns = 8
	}
	if opts.RetentionCount <= 0 {
		opts.RetentionCount = 50
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		store:  store,
		opts:   opts,
		gron:   gronx.New(),
		now:    opts.Now,
		jobs:   make(map[string]*job),
		active: make(map[string]*runHandle),
		done:   make(chan struct{}),
	}
}

// Start sweeps runs orphaned by a previous process, registers enabled
// schedules, prunes old runs, and begins ticking.
func (s *Scheduler) Start() error {
	if n, err := s.store.MarkRunningAsFailed(); err != nil {
		return err
	} else if n > 0 {
		slog.Warn("failed interrupted runs from previous process", "count", n)
	}

	schedules, err := s.store.ListSchedules()
	if err != nil {
		return err
	}
	for _, sched := range schedules {
		if _, err := s.store.PruneRuns(sched.ID, s.opts.RetentionCount); err != nil {
			slog.Warn("prune runs", "schedule", sched.ID, "error", err)
		}
		if sched.Enabled && sched.Status == ScheduleActive {
			if err := s.RegisterSchedule(sched); err != nil {
				slog.Warn("register schedule", "schedule", sched.ID, "error", err)
			}
		}
	}

	s.wg.Add(1)
	go s.loop()
	slog.Info("pulse scheduler started", "schedules", len(s.jobs))
	return nil
}

// Stop halts ticking, waits up to DrainTimeout for in-flight runs, then
// cancels whatever is left.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()

	drained := make(chan struct{})
	go func() {
		s.runWg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.opts.DrainTimeout):
		s.mu.Lock()
		for _, h := range s.active {
			h.cancel()
		}
		s.mu.Unlock()
		<-drained
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		now := s.now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-s.done:
			timer.Stop()
			return
		case <-timer.C:
			s.CheckDue(next)
		}
	}
}

// RegisterSchedule adds a schedule to the tick set.
func (s *Scheduler) RegisterSchedule(sched *Schedule) error {
	loc := time.Local
	if sched.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(sched.Timezone)
		if err != nil {
			return dorkerr.Newf(dorkerr.CodeInvalidInput, "unknown timezone %q", sched.Timezone)
		}
	}
	if !s.gron.IsValid(sched.Cron) {
		return dorkerr.Newf(dorkerr.CodeInvalidInput, "invalid cron expression %q", sched.Cron)
	}
	s.mu.Lock()
	s.jobs[sched.ID] = &job{expr: sched.Cron, loc: loc}
	s.mu.Unlock()
	return nil
}

// UnregisterSchedule removes a schedule from the tick set. In-flight runs
// are unaffected.
func (s *Scheduler) UnregisterSchedule(scheduleID string) {
	s.mu.Lock()
	delete(s.jobs, scheduleID)
	s.mu.Unlock()
}

// IsRegistered reports whether the scheduler is ticking a schedule.
func (s *Scheduler) IsRegistered(scheduleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[scheduleID]
	return ok
}

// GetNextRun returns the next fire time for a schedule in its timezone.
func (s *Scheduler) GetNextRun(scheduleID string) (time.Time, error) {
	sched, err := s.store.GetSchedule(scheduleID)
	if err != nil {
		return time.Time{}, err
	}
	loc := time.Local
	if sched.Timezone != "" {
		if loc, err = time.LoadLocation(sched.Timezone); err != nil {
			return time.Time{}, dorkerr.Newf(dorkerr.CodeInvalidInput, "unknown timezone %q", sched.Timezone)
		}
	}
	next, err := gronx.NextTickAfter(sched.Cron, s.now().In(loc), false)
	if err != nil {
		return time.Time{}, dorkerr.Wrap(dorkerr.CodeInvalidInput, err)
	}
	return next, nil
}

// GetActiveRunCount counts pending and running runs across all schedules.
func (s *Scheduler) GetActiveRunCount() (int, error) {
	return s.store.ActiveRunCount("")
}

// CheckDue fires every registered schedule whose expression matches now.
// The tick loop calls it on minute boundaries; tests call it directly.
func (s *Scheduler) CheckDue(now time.Time) {
	s.mu.Lock()
	due := make([]string, 0, len(s.jobs))
	for id, j := range s.jobs {
		ok, err := s.gron.IsDue(j.expr, now.In(j.loc))
		if err != nil {
			slog.Warn("cron evaluation failed", "schedule", id, "error", err)
			continue
		}
		if ok {
			due = append(due, id)
		}
	}
	s.mu.Unlock()

	for _, id := range due {
		if _, err := s.dispatch(id, TriggerScheduled); err != nil {
			slog.Warn("scheduled dispatch skipped", "schedule", id, "error", err)
		}
	}
}

// TriggerManualRun fires a schedule immediately, bypassing its cron
// expression but honoring the overrun and concurrency guards.
func (s *Scheduler) TriggerManualRun(scheduleID string) (*Run, error) {
	return s.dispatch(scheduleID, TriggerManual)
}

// dispatch creates a run and executes it. Scheduled triggers are dropped
// when the schedule still has an active run (no overlap) or the global
// concurrency cap is reached; manual triggers surface the same conditions
// as errors.
func (s *Scheduler) dispatch(scheduleID string, trigger Trigger) (*Run, error) {
	// Re-read: the schedule may have been disabled or edited since the tick
	// set was built.
	sched, err := s.store.GetSchedule(scheduleID)
	if err != nil {
		return nil, err
	}
	if trigger == TriggerScheduled && (!sched.Enabled || sched.Status != ScheduleActive) {
		return nil, dorkerr.Newf(dorkerr.CodeInvalidInput, "schedule %s is not active", scheduleID)
	}

	if n, err := s.store.ActiveRunCount(scheduleID); err != nil {
		return nil, err
	} else if n > 0 {
		return nil, dorkerr.Newf(dorkerr.CodeInvalidInput, "schedule %s already has an active run", scheduleID)
	}
	if n, err := s.store.ActiveRunCount(""); err != nil {
		return nil, err
	} else if n >= s.opts.MaxConcurrentRuns {
		return nil, dorkerr.Newf(dorkerr.CodeInvalidInput, "max concurrent runs (%d) reached", s.opts.MaxConcurrentRuns)
	}

	run, err := s.store.CreateRun(scheduleID, trigger)
	if err != nil {
		return nil, err
	}
	slog.Info("run dispatched", "schedule", sched.Name, "run", run.ID, "trigger", trigger)

	if s.opts.Publisher != nil {
		s.publishRun(sched, run)
		fresh, err := s.store.GetRun(run.ID)
		if err != nil {
			return run, nil
		}
		return fresh, nil
	}

	s.runWg.Add(1)
	go s.executeDirect(sched, run)
	return run, nil
}

// publishRun hands the run to the relay as a pulse_dispatch envelope. On a
// received dispatch the run moves to running and the consuming adapter owns
// it from there; the scheduler only fails it when nothing received it.
func (s *Scheduler) publishRun(sched *Schedule, run *Run) {
	now := s.now()
	budget := s.opts.Publisher.Budgets().NewBudget(now)
	if sched.MaxRuntimeMs > 0 {
		budget.TTL = now.Add(time.Duration(sched.MaxRuntimeMs) * time.Millisecond).UnixMilli()
	}

	cwd := sched.Cwd
	if cwd == "" {
		cwd = s.opts.DefaultCwd
	}
	subject := DispatchSubjectPrefix + "." + sched.ID
	res, err := s.opts.Publisher.Publish(context.Background(), subject,
		relay.DispatchPayload(relay.PulseDispatch{
			ScheduleID:     sched.ID,
			RunID:          run.ID,
			Prompt:         sched.Prompt,
			Cwd:            cwd,
			PermissionMode: string(sched.PermissionMode),
			ScheduleName:   sched.Name,
			Cron:           sched.Cron,
			Trigger:        string(run.Trigger),
		}),
		relay.PublishOptions{
			From:    DispatchSubjectPrefix,
			ReplyTo: subject + ".response",
			Budget:  &budget,
		})
	if err != nil {
		s.failRun(run.ID, err.Error())
		return
	}
	if res.DeliveredTo == 0 {
		s.failRun(run.ID, "no_receiver")
		return
	}
	running := RunRunning
	if _, err := s.store.UpdateRun(run.ID, RunPatch{Status: &running}); err != nil {
		// A fast consumer may have already finalized the run.
		slog.Debug("run already advanced", "run", run.ID, "error", err)
	}
}

// executeDirect runs the prompt through the agent runtime in-process.
func (s *Scheduler) executeDirect(sched *Schedule, run *Run) {
	defer s.runWg.Done()

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if sched.MaxRuntimeMs > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), time.Duration(sched.MaxRuntimeMs)*time.Millisecond)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	defer cancel()

	s.mu.Lock()
	s.active[run.ID] = &runHandle{scheduleID: sched.ID, cancel: cancel}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, run.ID)
		s.mu.Unlock()
	}()

	running := RunRunning
	sid := run.ID
	if _, err := s.store.UpdateRun(run.ID, RunPatch{Status: &running, SessionID: &sid}); err != nil {
		slog.Error("run update failed", "run", run.ID, "error", err)
		return
	}

	cwd := sched.Cwd
	if cwd == "" {
		cwd = s.opts.DefaultCwd
	}
	if err := s.opts.Runtime.EnsureSession(ctx, sid, runtime.SessionOptions{
		PermissionMode: sched.PermissionMode,
		Cwd:            cwd,
	}); err != nil {
		s.finishRun(run, RunFailed, "", err.Error())
		return
	}
	cur, err := s.opts.Runtime.SendMessage(ctx, sid, sched.Prompt, runtime.MessageOptions{})
	if err != nil {
		s.finishRun(run, RunFailed, "", err.Error())
		return
	}
	defer cur.Close()

	var summary string
	for {
		ev, err := cur.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.finishRun(run, RunCompleted, summary, "")
				return
			}
			if ctx.Err() != nil {
				reason := "cancelled"
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					reason = "max runtime exceeded"
				}
				s.finishRun(run, RunCancelled, summary, reason)
				return
			}
			s.finishRun(run, RunFailed, summary, err.Error())
			return
		}
		switch ev.Type {
		case runtime.EventTextDelta:
			summary = appendCapped(summary, ev.Text, DirectSummaryMax)
		case runtime.EventDone:
			s.finishRun(run, RunCompleted, summary, "")
			return
		case runtime.EventError:
			s.finishRun(run, RunFailed, summary, ev.Message)
			return
		}
	}
}

// CancelRun cancels an active run. Direct runs are cancelled through their
// context; relay-owned running runs are marked cancelled in the store.
// Returns false when the run is not cancellable.
func (s *Scheduler) CancelRun(runID string) bool {
	s.mu.Lock()
	h, ok := s.active[runID]
	s.mu.Unlock()
	if ok {
		h.cancel()
		return true
	}

	run, err := s.store.GetRun(runID)
	if err != nil || run.Status != RunRunning {
		return false
	}
	cancelled := RunCancelled
	now := s.now().UTC()
	dur := now.Sub(run.StartedAt).Milliseconds()
	_, err = s.store.UpdateRun(runID, RunPatch{Status: &cancelled, FinishedAt: &now, DurationMs: &dur})
	return err == nil
}

func (s *Scheduler) finishRun(run *Run, status RunStatus, summary, errMsg string) {
	now := s.now().UTC()
	dur := now.Sub(run.StartedAt).Milliseconds()
	patch := RunPatch{Status: &status, FinishedAt: &now, DurationMs: &dur}
	if summary != "" {
		patch.OutputSummary = &summary
	}
	if errMsg != "" {
		patch.Error = &errMsg
	}
	if _, err := s.store.UpdateRun(run.ID, patch); err != nil {
		slog.Error("run finalize failed", "run", run.ID, "status", status, "error", err)
		return
	}
	slog.Info("run finished", "run", run.ID, "status", status, "ms", dur)

	if _, err := s.store.PruneRuns(run.ScheduleID, s.opts.RetentionCount); err != nil {
		slog.Warn("prune runs", "schedule", run.ScheduleID, "error", err)
	}
}

func (s *Scheduler) failRun(runID, errMsg string) {
	failed := RunFailed
	now := s.now().UTC()
	if _, err := s.store.UpdateRun(runID, RunPatch{Status: &failed, FinishedAt: &now, Error: &errMsg}); err != nil {
		slog.Error("run finalize failed", "run", runID, "error", err)
	}
}

// appendCapped appends src to dst without exceeding max characters, never
// splitting a rune.
func appendCapped(dst, src string, max int) string {
	room := max - utf8.RuneCountInString(dst)
	if room <= 0 {
		return dst
	}
	if r := []rune(src); len(r) > room {
		return dst + string(r[:room])
	}
	return dst + src
}
