package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dorklabs/dorkos/internal/dorkerr"
	"github.com/dorklabs/dorkos/internal/pulse"
)

type pulseHandler struct {
	deps Deps
}

func (h *pulseHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/pulse/schedules", h.guard(h.listSchedules))
	mux.HandleFunc("POST /api/pulse/schedules", h.guard(h.createSchedule))
	mux.HandleFunc("GET /api/pulse/schedules/{id}", h.guard(h.getSchedule))
	mux.HandleFunc("PATCH /api/pulse/schedules/{id}", h.guard(h.updateSchedule))
	mux.HandleFunc("DELETE /api/pulse/schedules/{id}", h.guard(h.deleteSchedule))
	mux.HandleFunc("POST /api/pulse/schedules/{id}/trigger", h.guard(h.trigger))
	mux.HandleFunc("GET /api/pulse/runs", h.guard(h.listRuns))
	mux.HandleFunc("GET /api/pulse/runs/{id}", h.guard(h.getRun))
	mux.HandleFunc("POST /api/pulse/runs/{id}/cancel", h.guard(h.cancelRun))
}

func (h *pulseHandler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireFeature(w, h.deps.Config.Features().Pulse && h.deps.Pulse != nil, "pulse") {
			return
		}
		next(w, r)
	}
}

type scheduleView struct {
	*pulse.Schedule
	NextRun *time.Time `json:"nextRun,omitempty"`
}

func (h *pulseHandler) view(s *pulse.Schedule) scheduleView {
	v := scheduleView{Schedule: s}
	if h.deps.Scheduler != nil && s.Enabled && s.Status == pulse.ScheduleActive {
		if next, err := h.deps.Scheduler.GetNextRun(s.ID); err == nil {
			v.NextRun = &next
		}
	}
	return v
}

func (h *pulseHandler) listSchedules(w http.ResponseWriter, _ *http.Request) {
	schedules, err := h.deps.Pulse.ListSchedules()
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]scheduleView, 0, len(schedules))
	for _, s := range schedules {
		views = append(views, h.view(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": views})
}

func (h *pulseHandler) createSchedule(w http.ResponseWriter, r *http.Request) {
	var in pulse.ScheduleInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	sched, err := h.deps.Pulse.CreateSchedule(in)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.deps.Scheduler != nil && sched.Enabled {
		if err := h.deps.Scheduler.RegisterSchedule(sched); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, h.view(sched))
}

func (h *pulseHandler) getSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := h.deps.Pulse.GetSchedule(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(sched))
}

func (h *pulseHandler) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var patch pulse.SchedulePatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	sched, err := h.deps.Pulse.UpdateSchedule(r.PathValue("id"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.deps.Scheduler != nil {
		if sched.Enabled && sched.Status == pulse.ScheduleActive {
			if err := h.deps.Scheduler.RegisterSchedule(sched); err != nil {
				writeError(w, err)
				return
			}
		} else {
			h.deps.Scheduler.UnregisterSchedule(sched.ID)
		}
	}
	writeJSON(w, http.StatusOK, h.view(sched))
}

func (h *pulseHandler) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.deps.Pulse.DeleteSchedule(id); err != nil {
		writeError(w, err)
		return
	}
	if h.deps.Scheduler != nil {
		h.deps.Scheduler.UnregisterSchedule(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *pulseHandler) trigger(w http.ResponseWriter, r *http.Request) {
	if h.deps.Scheduler == nil {
		writeError(w, dorkerr.New(dorkerr.CodeFeatureDisabled, "scheduler is not running"))
		return
	}
	run, err := h.deps.Scheduler.TriggerManualRun(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (h *pulseHandler) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := pulse.RunFilter{
		ScheduleID: q.Get("scheduleId"),
		Status:     pulse.RunStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, dorkerr.Newf(dorkerr.CodeInvalidInput, "invalid limit %q", v))
			return
		}
		f.Limit = n
	}
	runs, err := h.deps.Pulse.ListRuns(f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *pulseHandler) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.deps.Pulse.GetRun(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *pulseHandler) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.deps.Scheduler == nil || !h.deps.Scheduler.CancelRun(id) {
		writeError(w, dorkerr.Newf(dorkerr.CodeRunNotCancellable, "run %s is not cancellable", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}
