package pulse

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dorklabs/dorkos/internal/db"
	"github.com/dorklabs/dorkos/internal/dorkerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "pulse.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewStore(conn)
}

func mustSchedule(t *testing.T, s *Store, in ScheduleInput) *Schedule {
	t.Helper()
	sched, err := s.CreateSchedule(in)
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	return sched
}

func TestCreateScheduleValidation(t *testing.T) {
	s := newTestStore(t)
	tests := []struct {
		name string
		in   ScheduleInput
	}{
		{"empty name", ScheduleInput{Prompt: "p", Cron: "* * * * *"}},
		{"empty prompt", ScheduleInput{Name: "n", Cron: "* * * * *"}},
		{"bad cron", ScheduleInput{Name: "n", Prompt: "p", Cron: "not a cron"}},
		{"bad timezone", ScheduleInput{Name: "n", Prompt: "p", Cron: "* * * * *", Timezone: "Mars/Olympus"}},
		{"bad permission mode", ScheduleInput{Name: "n", Prompt: "p", Cron: "* * * * *", PermissionMode: "yolo"}},
		{"negative max runtime", ScheduleInput{Name: "n", Prompt: "p", Cron: "* * * * *", MaxRuntimeMs: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.CreateSchedule(tt.in); dorkerr.CodeOf(err) != dorkerr.CodeInvalidInput {
				t.Fatalf("got %v, want INVALID_INPUT", err)
			}
		})
	}
}

func TestScheduleRoundTrip(t *testing.T) {
	s := newTestStore(t)
	created := mustSchedule(t, s, ScheduleInput{
		Name:         "nightly",
		Prompt:       "summarize the day",
		Cron:         "0 2 * * *",
		Timezone:     "America/New_York",
		Cwd:          "/tmp/proj",
		MaxRuntimeMs: 60000,
	})
	if !created.Enabled {
		t.Fatal("schedules default to enabled")
	}
	if created.Status != ScheduleActive {
		t.Fatalf("status = %s, want active", created.Status)
	}

	got, err := s.GetSchedule(created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != created.Name || got.Cron != created.Cron || got.Timezone != created.Timezone ||
		got.Cwd != created.Cwd || got.MaxRuntimeMs != created.MaxRuntimeMs {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, created)
	}
}

func TestScheduleNameConflict(t *testing.T) {
	s := newTestStore(t)
	mustSchedule(t, s, ScheduleInput{Name: "daily", Prompt: "p", Cron: "0 9 * * *"})
	_, err := s.CreateSchedule(ScheduleInput{Name: "daily", Prompt: "p2", Cron: "0 10 * * *"})
	if dorkerr.CodeOf(err) != dorkerr.CodeScheduleConflict {
		t.Fatalf("got %v, want SCHEDULE_CONFLICT", err)
	}
}

func TestUpdateSchedule(t *testing.T) {
	s := newTestStore(t)
	sched := mustSchedule(t, s, ScheduleInput{Name: "a", Prompt: "p", Cron: "* * * * *"})

	cron := "*/5 * * * *"
	enabled := false
	got, err := s.UpdateSchedule(sched.ID, SchedulePatch{Cron: &cron, Enabled: &enabled})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Cron != cron || got.Enabled {
		t.Fatalf("patch not applied: %+v", got)
	}
	if !got.UpdatedAt.After(sched.UpdatedAt) && !got.UpdatedAt.Equal(sched.UpdatedAt) {
		t.Fatal("updated_at went backwards")
	}

	bad := "nope"
	if _, err := s.UpdateSchedule(sched.ID, SchedulePatch{Cron: &bad}); dorkerr.CodeOf(err) != dorkerr.CodeInvalidInput {
		t.Fatalf("got %v, want INVALID_INPUT", err)
	}
	if _, err := s.UpdateSchedule("missing", SchedulePatch{}); dorkerr.CodeOf(err) != dorkerr.CodeNotFound {
		t.Fatalf("got %v, want NOT_FOUND", err)
	}
}

func TestDeleteScheduleCascadesRuns(t *testing.T) {
	s := newTestStore(t)
	sched := mustSchedule(t, s, ScheduleInput{Name: "a", Prompt: "p", Cron: "* * * * *"})
	if _, err := s.CreateRun(sched.ID, TriggerManual); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := s.DeleteSchedule(sched.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	runs, err := s.ListRuns(RunFilter{ScheduleID: sched.ID})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("runs survived schedule delete: %d", len(runs))
	}
}

func TestRunTransitions(t *testing.T) {
	s := newTestStore(t)
	sched := mustSchedule(t, s, ScheduleInput{Name: "a", Prompt: "p", Cron: "* * * * *"})

	t.Run("legal path", func(t *testing.T) {
		run, _ := s.CreateRun(sched.ID, TriggerScheduled)
		running := RunRunning
		if _, err := s.UpdateRun(run.ID, RunPatch{Status: &running}); err != nil {
			t.Fatalf("pending->running: %v", err)
		}
		completed := RunCompleted
		if _, err := s.UpdateRun(run.ID, RunPatch{Status: &completed}); err != nil {
			t.Fatalf("running->completed: %v", err)
		}
	})

	t.Run("terminal is final", func(t *testing.T) {
		run, _ := s.CreateRun(sched.ID, TriggerScheduled)
		failed := RunFailed
		if _, err := s.UpdateRun(run.ID, RunPatch{Status: &failed}); err != nil {
			t.Fatalf("pending->failed: %v", err)
		}
		running := RunRunning
		if _, err := s.UpdateRun(run.ID, RunPatch{Status: &running}); dorkerr.CodeOf(err) != dorkerr.CodeInvalidInput {
			t.Fatalf("failed->running allowed: %v", err)
		}
	})

	t.Run("pending cannot complete", func(t *testing.T) {
		run, _ := s.CreateRun(sched.ID, TriggerScheduled)
		completed := RunCompleted
		if _, err := s.UpdateRun(run.ID, RunPatch{Status: &completed}); dorkerr.CodeOf(err) != dorkerr.CodeInvalidInput {
			t.Fatalf("pending->completed allowed: %v", err)
		}
	})
}

func TestMarkRunningAsFailed(t *testing.T) {
	s := newTestStore(t)
	sched := mustSchedule(t, s, ScheduleInput{Name: "a", Prompt: "p", Cron: "* * * * *"})

	pending, _ := s.CreateRun(sched.ID, TriggerScheduled)
	active, _ := s.CreateRun(sched.ID, TriggerScheduled)
	running := RunRunning
	s.UpdateRun(active.ID, RunPatch{Status: &running})
	finished, _ := s.CreateRun(sched.ID, TriggerScheduled)
	failed := RunFailed
	errMsg := "boom"
	s.UpdateRun(finished.ID, RunPatch{Status: &failed, Error: &errMsg})

	n, err := s.MarkRunningAsFailed()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("swept %d runs, want 2", n)
	}
	for _, id := range []string{pending.ID, active.ID} {
		run, _ := s.GetRun(id)
		if run.Status != RunFailed || run.Error != "interrupted" {
			t.Fatalf("run %s = %s/%q, want failed/interrupted", id, run.Status, run.Error)
		}
	}
	// The already-terminal run keeps its original error.
	run, _ := s.GetRun(finished.ID)
	if run.Error != "boom" {
		t.Fatalf("terminal run rewritten: %q", run.Error)
	}
}

func TestPruneRuns(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	s.now = func() time.Time { c := clock; clock = clock.Add(time.Second); return c }

	sched := mustSchedule(t, s, ScheduleInput{Name: "a", Prompt: "p", Cron: "* * * * *"})
	completed := RunCompleted
	running := RunRunning
	var oldest string
	for i := 0; i < 5; i++ {
		run, _ := s.CreateRun(sched.ID, TriggerScheduled)
		if i == 0 {
			oldest = run.ID
		}
		s.UpdateRun(run.ID, RunPatch{Status: &running})
		s.UpdateRun(run.ID, RunPatch{Status: &completed})
	}
	live, _ := s.CreateRun(sched.ID, TriggerScheduled)

	n, err := s.PruneRuns(sched.ID, 3)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 2 {
		t.Fatalf("pruned %d, want 2", n)
	}
	if _, err := s.GetRun(oldest); dorkerr.CodeOf(err) != dorkerr.CodeNotFound {
		t.Fatal("oldest terminal run survived prune")
	}
	// Active runs are never pruned.
	if _, err := s.GetRun(live.ID); err != nil {
		t.Fatalf("pending run pruned: %v", err)
	}
}

func TestActiveRunCount(t *testing.T) {
	s := newTestStore(t)
	a := mustSchedule(t, s, ScheduleInput{Name: "a", Prompt: "p", Cron: "* * * * *"})
	b := mustSchedule(t, s, ScheduleInput{Name: "b", Prompt: "p", Cron: "* * * * *"})

	s.CreateRun(a.ID, TriggerScheduled)
	run, _ := s.CreateRun(b.ID, TriggerScheduled)
	running := RunRunning
	s.UpdateRun(run.ID, RunPatch{Status: &running})
	done, _ := s.CreateRun(b.ID, TriggerScheduled)
	failed := RunFailed
	s.UpdateRun(done.ID, RunPatch{Status: &failed})

	if n, _ := s.ActiveRunCount(""); n != 2 {
		t.Fatalf("global active = %d, want 2", n)
	}
	if n, _ := s.ActiveRunCount(a.ID); n != 1 {
		t.Fatalf("schedule active = %d, want 1", n)
	}
}
