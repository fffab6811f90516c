package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"agrisync/internal/acquisition"
	"agrisync/internal/domain"
	"agrisync/internal/notify"
	"agrisync/internal/reminder"
	"agrisync/internal/scheduler"
)

type DataService interface {
	ForceRefresh(ctx context.Context) (*domain.CachedDataset, error)
	GetLatestData(ctx context.Context) (*domain.CachedDataset, error)
}

type TaskService interface {
	Tasks() []domain.ScheduledTask
	Register(ctx context.Context, t domain.ScheduledTask) (domain.ScheduledTask, error)
	Remove(ctx context.Context, id string) error
	RunTask(ctx context.Context, id string) (scheduler.Result, error)
}

type ReminderService interface {
	Generate(ctx context.Context, cs domain.CropSchedule) ([]domain.Reminder, error)
	List(ctx context.Context, userID string) ([]domain.Reminder, error)
	CheckDue(ctx context.Context, userID string) (reminder.CheckResult, error)
}

type AlertSource interface {
	List() []notify.Alert
}

// Deps are the services behind the HTTP surface. Alerts and Metrics may be nil.
type Deps struct {
	Data      DataService
	Tasks     TaskService
	Reminders ReminderService
	Alerts    AlertSource
	Metrics   http.Handler
	Strategy  func() string
}

type Server struct {
	r    *chi.Mux
	deps Deps
}

func NewServer(deps Deps) http.Handler {
	return NewServerWithDebug(deps, false)
}

func NewServerWithDebug(deps Deps, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, deps: deps}

	r.Get("/health", s.health)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/refresh", s.refresh)
		r.Get("/data", s.latestData)

		r.Get("/tasks", s.listTasks)
		r.Post("/tasks", s.registerTask)
		r.Delete("/tasks/{id}", s.removeTask)
		r.Post("/tasks/{id}/run", s.runTask)

		r.Post("/crops", s.createCropSchedule)
		r.Get("/reminders", s.listReminders)
		r.Post("/reminders/check", s.checkReminders)

		r.Get("/alerts", s.listAlerts)
	})

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type errorResp struct {
	Error string `json:"error"`
}

type dataResp struct {
	Dataset *domain.CachedDataset `json:"dataset"`
	Error   string                `json:"error,omitempty"`
}

// refresh is the synchronous "refresh now" action. A failed fetch that still
// has a cached dataset answers 200 with the cache and the error.
func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	ds, err := s.deps.Data.ForceRefresh(r.Context())
	switch {
	case errors.Is(err, acquisition.ErrRefreshInProgress):
		writeJSON(w, http.StatusConflict, errorResp{Error: err.Error()})
	case err != nil && ds == nil:
		writeJSON(w, http.StatusBadGateway, errorResp{Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusOK, dataResp{Dataset: ds, Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, dataResp{Dataset: ds})
	}
}

func (s *Server) latestData(w http.ResponseWriter, r *http.Request) {
	ds, err := s.deps.Data.GetLatestData(r.Context())
	if ds == nil {
		msg := "no data available"
		if err != nil {
			msg = err.Error()
		}
		writeJSON(w, http.StatusNotFound, errorResp{Error: msg})
		return
	}
	writeJSON(w, http.StatusOK, dataResp{Dataset: ds})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Tasks.Tasks())
}

type registerTaskReq struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Schedule string          `json:"schedule"`
	TaskType domain.TaskType `json:"taskType"`
	IsActive *bool           `json:"isActive"`
}

func (s *Server) registerTask(w http.ResponseWriter, r *http.Request) {
	var req registerTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	task, err := s.deps.Tasks.Register(r.Context(), domain.ScheduledTask{
		ID:       req.ID,
		Name:     req.Name,
		Schedule: req.Schedule,
		TaskType: req.TaskType,
		IsActive: active,
	})
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, scheduler.ErrInvalidSchedule) || errors.Is(err, scheduler.ErrUnknownTaskType) || errors.Is(err, scheduler.ErrInvalidTask) {
			code = http.StatusBadRequest
		}
		writeJSON(w, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) removeTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Tasks.Remove(r.Context(), id); err != nil {
		if errors.Is(err, scheduler.ErrTaskNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// runTask executes a task right away and waits for the outcome.
func (s *Server) runTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.deps.Tasks.RunTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, scheduler.ErrTaskNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	code := http.StatusOK
	if res.Status == scheduler.StatusFailed || res.Status == scheduler.StatusMisconfigured {
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, res)
}

type cropReq struct {
	ID           string `json:"id"`
	UserID       string `json:"userId"`
	CropName     string `json:"cropName"`
	PlantingDate string `json:"plantingDate"`
	HarvestDate  string `json:"harvestDate"`
}

// parseDate accepts RFC 3339 timestamps or plain YYYY-MM-DD dates (UTC).
func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, v)
}

func (s *Server) createCropSchedule(w http.ResponseWriter, r *http.Request) {
	var req cropReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	planting, err := parseDate(req.PlantingDate)
	if err != nil {
		http.Error(w, "invalid plantingDate: "+err.Error(), 400)
		return
	}
	harvest, err := parseDate(req.HarvestDate)
	if err != nil {
		http.Error(w, "invalid harvestDate: "+err.Error(), 400)
		return
	}

	rs, err := s.deps.Reminders.Generate(r.Context(), domain.CropSchedule{
		ID:           req.ID,
		UserID:       req.UserID,
		CropName:     req.CropName,
		PlantingDate: planting,
		HarvestDate:  harvest,
	})
	if err != nil {
		if errors.Is(err, reminder.ErrInvalidSchedule) {
			writeJSON(w, http.StatusBadRequest, errorResp{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, rs)
}

func (s *Server) listReminders(w http.ResponseWriter, r *http.Request) {
	rs, err := s.deps.Reminders.List(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if rs == nil {
		rs = []domain.Reminder{}
	}
	writeJSON(w, http.StatusOK, rs)
}

func (s *Server) checkReminders(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Reminders.CheckDue(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type alertsResp struct {
	Strategy string         `json:"strategy,omitempty"`
	Alerts   []notify.Alert `json:"alerts"`
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	resp := alertsResp{Alerts: []notify.Alert{}}
	if s.deps.Alerts != nil {
		if list := s.deps.Alerts.List(); list != nil {
			resp.Alerts = list
		}
	}
	if s.deps.Strategy != nil {
		resp.Strategy = s.deps.Strategy()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
