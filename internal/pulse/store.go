package pulse

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/dorklabs/dorkos/internal/dorkerr"
	"github.com/dorklabs/dorkos/internal/runtime"
)

// Store persists schedules and runs in sqlite. Writes are serialized through
// a mutex; reads run concurrently under WAL.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) validateInput(in ScheduleInput) error {
	if strings.TrimSpace(in.Name) == "" {
		return dorkerr.New(dorkerr.CodeInvalidInput, "schedule name is required")
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return dorkerr.New(dorkerr.CodeInvalidInput, "schedule prompt is required")
	}
	if !gronx.New().IsValid(in.Cron) {
		return dorkerr.Newf(dorkerr.CodeInvalidInput, "invalid cron expression %q", in.Cron)
	}
	if in.Timezone != "" {
		if _, err := time.LoadLocation(in.Timezone); err != nil {
			return dorkerr.Newf(dorkerr.CodeInvalidInput, "unknown timezone %q", in.Timezone)
		}
	}
	if in.PermissionMode != "" && !runtime.ValidPermissionMode(in.PermissionMode) {
		return dorkerr.Newf(dorkerr.CodeInvalidInput, "unknown permission mode %q", in.PermissionMode)
	}
	if in.MaxRuntimeMs < 0 {
		return dorkerr.New(dorkerr.CodeInvalidInput, "maxRuntime must be >= 0")
	}
	return nil
}

// CreateSchedule inserts a new schedule. Names are unique.
func (s *Store) CreateSchedule(in ScheduleInput) (*Schedule, error) {
	if err := s.validateInput(in); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	sched := &Schedule{
		ID:             uuid.NewString(),
		Name:           in.Name,
		Prompt:         in.Prompt,
		Cron:           in.Cron,
		Timezone:       in.Timezone,
		Cwd:            in.Cwd,
		PermissionMode: in.PermissionMode,
		Enabled:        in.Enabled == nil || *in.Enabled,
		Status:         ScheduleActive,
		MaxRuntimeMs:   in.MaxRuntimeMs,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if sched.PermissionMode == "" {
		sched.PermissionMode = runtime.PermissionDefault
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO schedules
		(id, name, prompt, cron, timezone, cwd, permission_mode, enabled, status, max_runtime_ms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.Name, sched.Prompt, sched.Cron, sched.Timezone, sched.Cwd,
		string(sched.PermissionMode), sched.Enabled, string(sched.Status),
		sched.MaxRuntimeMs, sched.CreatedAt.UnixMilli(), sched.UpdatedAt.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, dorkerr.Newf(dorkerr.CodeScheduleConflict, "schedule name %q already exists", sched.Name)
		}
		return nil, dorkerr.Wrap(dorkerr.CodeIO, fmt.Errorf("insert schedule: %w", err))
	}
	return sched, nil
}

// UpdateSchedule applies a partial update and bumps updated_at.
func (s *Store) UpdateSchedule(id string, patch SchedulePatch) (*Schedule, error) {
	cur, err := s.GetSchedule(id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		cur.Name = *patch.Name
	}
	if patch.Prompt != nil {
		cur.Prompt = *patch.Prompt
	}
	if patch.Cron != nil {
		cur.Cron = *patch.Cron
	}
	if patch.Timezone != nil {
		cur.Timezone = *patch.Timezone
	}
	if patch.Cwd != nil {
		cur.Cwd = *patch.Cwd
	}
	if patch.PermissionMode != nil {
		cur.PermissionMode = *patch.PermissionMode
	}
	if patch.Enabled != nil {
		cur.Enabled = *patch.Enabled
	}
	if patch.Status != nil {
		switch *patch.Status {
		case ScheduleActive, SchedulePaused, ScheduleErrored:
		default:
			return nil, dorkerr.Newf(dorkerr.CodeInvalidInput, "unknown schedule status %q", *patch.Status)
		}
		cur.Status = *patch.Status
	}
	if patch.MaxRuntimeMs != nil {
		cur.MaxRuntimeMs = *patch.MaxRuntimeMs
	}
	if err := s.validateInput(ScheduleInput{
		Name: cur.Name, Prompt: cur.Prompt, Cron: cur.Cron, Timezone: cur.Timezone,
		Cwd: cur.Cwd, PermissionMode: cur.PermissionMode, MaxRuntimeMs: cur.MaxRuntimeMs,
	}); err != nil {
		return nil, err
	}
	cur.UpdatedAt = s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`UPDATE schedules SET
		name = ?, prompt = ?, cron = ?, timezone = ?, cwd = ?, permission_mode = ?,
		enabled = ?, status = ?, max_runtime_ms = ?, updated_at = ?
		WHERE id = ?`,
		cur.Name, cur.Prompt, cur.Cron, cur.Timezone, cur.Cwd, string(cur.PermissionMode),
		cur.Enabled, string(cur.Status), cur.MaxRuntimeMs, cur.UpdatedAt.UnixMilli(), id)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, dorkerr.Newf(dorkerr.CodeScheduleConflict, "schedule name %q already exists", cur.Name)
		}
		return nil, dorkerr.Wrap(dorkerr.CodeIO, fmt.Errorf("update schedule: %w", err))
	}
	return cur, nil
}

// DeleteSchedule removes a schedule; its runs go with it (FK cascade).
func (s *Store) DeleteSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return dorkerr.Wrap(dorkerr.CodeIO, fmt.Errorf("delete schedule: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return dorkerr.Newf(dorkerr.CodeNotFound, "schedule %s not found", id)
	}
	return nil
}

// GetSchedule fetches one schedule by id.
func (s *Store) GetSchedule(id string) (*Schedule, error) {
	row := s.db.QueryRow(scheduleCols+` WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, dorkerr.Newf(dorkerr.CodeNotFound, "schedule %s not found", id)
	}
	if err != nil {
		return nil, dorkerr.Wrap(dorkerr.CodeIO, fmt.Errorf("get schedule: %w", err))
	}
	return sched, nil
}

// ListSchedules returns all schedules ordered by creation time.
func (s *Store) ListSchedules() ([]*Schedule, error) {
	rows, err := s.db.Query(scheduleCols + ` ORDER BY created_at ASC`)
	if err != nil {
		return nil, dorkerr.Wrap(dorkerr.CodeIO, fmt.Errorf("list schedules: %w", err))
	}
	defer rows.Close()
	var out []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, dorkerr.Wrap(dorkerr.CodeIO, fmt.Errorf("scan schedule: %w", err))
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

const scheduleCols = `SELECT id, name, prompt, cron, timezone, cwd, permission_mode,
	enabled, status, max_runtime_ms, created_at, updated_at FROM schedules`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var (
		sched              Schedule
		mode, status       string
		createdMs, updedMs int64
	)
	err := row.Scan(&sched.ID, &sched.Name, &sched.Prompt, &sched.Cron, &sched.Timezone,
		&sched.Cwd, &mode, &sched.Enabled, &status, &sched.MaxRuntimeMs, &createdMs, &updedMs)
	if err != nil {
		return nil, err
	}
	sched.PermissionMode = runtime.PermissionMode(mode)
	sched.Status = ScheduleStatus(status)
	sched.CreatedAt = time.UnixMilli(createdMs).UTC()
	sched.UpdatedAt = time.UnixMilli(updedMs).UTC()
	return &sched, nil
}

// CreateRun inserts a pending run for a schedule.
func (s *Store) CreateRun(scheduleID string, trigger Trigger) (*Run, error) {
	run := &Run{
		ID:         uuid.NewString(),
		ScheduleID: scheduleID,
		Trigger:    trigger,
		Status:     RunPending,
		StartedAt:  s.now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO runs
		(id, schedule_id, trigger_kind, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.ScheduleID, string(run.Trigger), string(run.Status), run.StartedAt.UnixMilli())
	if err != nil {
		return nil, dorkerr.Wrap(dorkerr.CodeIO, fmt.Errorf("insert run: %w", err))
	}
	return run, nil
}

// UpdateRun applies a partial update. Status changes outside the legal
// transition table are rejected; terminal runs never change status again.
func (s *Store) UpdateRun(id string, patch RunPatch) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.getRunLocked(id)
	if err != nil {
		return nil, err
	}

	if patch.Status != nil && *patch.Status != run.Status {
		if !legalTransition(run.Status, *patch.Status) {
			return nil, dorkerr.Newf(dorkerr.CodeInvalidInput,
				"illegal run transition %s -> %s", run.Status, *patch.Status)
		}
		run.Status = *patch.Status
	}
	if patch.FinishedAt != nil {
		t := patch.FinishedAt.UTC()
		run.FinishedAt = &t
	}
	if patch.DurationMs != nil {
		run.DurationMs = *patch.DurationMs
	}
	if patch.OutputSummary != nil {
		run.OutputSummary = *patch.OutputSummary
	}
	if patch.Error != nil {
		run.Error = *patch.Error
	}
	if patch.SessionID != nil {
		run.SessionID = *patch.SessionID
	}

	var finished any
	if run.FinishedAt != nil {
		finished = run.FinishedAt.UnixMilli()
	}
	_, err = s.db.Exec(`UPDATE runs SET
		status = ?, finished_at = ?, duration_ms = ?, output_summary = ?, error = ?, session_id = ?
		WHERE id = ?`,
		string(run.Status), finished, run.DurationMs, run.OutputSummary, run.Error, run.SessionID, id)
	if err != nil {
		return nil, dorkerr.Wrap(dorkerr.CodeIO, fmt.Errorf("update run: %w", err))
	}
	return run, nil
}

// GetRun fetches one run by id.
func (s *Store) GetRun(id string) (*Run, error) {
	return s.getRun(id)
}

func (s *Store) getRunLocked(id string) (*Run, error) { return s.getRun(id) }

func (s *Store) getRun(id string) (*Run, error) {
	row := s.db.QueryRow(runCols+` WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, dorkerr.Newf(dorkerr.CodeNotFound, "run %s not found", id)
	}
	if err != nil {
		return nil, dorkerr.Wrap(dorkerr.CodeIO, fmt.Errorf("get run: %w", err))
	}
	return run, nil
}

// ListRuns returns runs newest-first, optionally filtered.
func (s *Store) ListRuns(f RunFilter) ([]*Run, error) {
	q := runCols
	var conds []string
	var args []any
	if f.ScheduleID != "" {
		conds = append(conds, "schedule_id = ?")
		args = append(args, f.ScheduleID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY started_at DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, dorkerr.Wrap(dorkerr.CodeIO, fmt.Errorf("list runs: %w", err))
	}
	defer rows.Close()
	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, dorkerr.Wrap(dorkerr.CodeIO, fmt.Errorf("scan run: %w", err))
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// ActiveRunCount counts pending and running runs, optionally for one
// schedule. The scheduler uses it for overrun and concurrency guards so the
// guards survive restarts.
func (s *Store) ActiveRunCount(scheduleID string) (int, error) {
	q := `SELECT COUNT(*) FROM runs WHERE status IN (?, ?)`
	args := []any{string(RunPending), string(RunRunning)}
	if scheduleID != "" {
		q += ` AND schedule_id = ?`
		args = append(args, scheduleID)
	}
	var n int
	if err := s.db.QueryRow(q, args...).Scan(&n); err != nil {
		return 0, dorkerr.Wrap(dorkerr.CodeIO, fmt.Errorf("count active runs: %w", err))
	}
	return n, nil
}

// MarkRunningAsFailed sweeps runs left pending or running by a previous
// process and fails them with error "interrupted". Called once at startup.
func (s *Store) MarkRunningAsFailed() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC().UnixMilli()
	res, err := s.db.Exec(`UPDATE runs
		SET status = ?, error = 'interrupted', finished_at = ?
		WHERE status IN (?, ?)`,
		string(RunFailed), now, string(RunPending), string(RunRunning))
	if err != nil {
		return 0, dorkerr.Wrap(dorkerr.CodeIO, fmt.Errorf("sweep interrupted runs: %w", err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PruneRuns deletes a schedule's oldest terminal runs beyond keep.
func (s *Store) PruneRuns(scheduleID string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM runs
		WHERE schedule_id = ?
		  AND status IN (?, ?, ?)
		  AND id NOT IN (
			SELECT id FROM runs
			WHERE schedule_id = ? AND status IN (?, ?, ?)
			ORDER BY started_at DESC LIMIT ?
		  )`,
		scheduleID, string(RunCompleted), string(RunFailed), string(RunCancelled),
		scheduleID, string(RunCompleted), string(RunFailed), string(RunCancelled), keep)
	if err != nil {
		return 0, dorkerr.Wrap(dorkerr.CodeIO, fmt.Errorf("prune runs: %w", err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const runCols = `SELECT id, schedule_id, trigger_kind, status, started_at,
	finished_at, duration_ms, output_summary, error, session_id FROM runs`

func scanRun(row rowScanner) (*Run, error) {
	var (
		run                  Run
		trigger, status      string
		startedMs            int64
		finishedMs           sql.NullInt64
		summary, errMsg, sid sql.NullString
		duration             sql.NullInt64
	)
	err := row.Scan(&run.ID, &run.ScheduleID, &trigger, &status, &startedMs,
		&finishedMs, &duration, &summary, &errMsg, &sid)
	if err != nil {
		return nil, err
	}
	run.Trigger = Trigger(trigger)
	run.Status = RunStatus(status)
	run.StartedAt = time.UnixMilli(startedMs).UTC()
	if finishedMs.Valid {
		t := time.UnixMilli(finishedMs.Int64).UTC()
		run.FinishedAt = &t
	}
	run.DurationMs = duration.Int64
	run.OutputSummary = summary.String
	run.Error = errMsg.String
	run.SessionID = sid.String
	return &run, nil
}
