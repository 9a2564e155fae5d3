// Package status serves a read-only JSON view of the dispatch pool, the
// scheduler and the job table.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"batchcast/internal/broadcast"
	"batchcast/internal/eventbus"
	"batchcast/internal/scheduler"
	"batchcast/internal/storage"
	logx "batchcast/pkg/logx"
)

type Dispatch interface {
	Stats() broadcast.Stats
	Execution(id string) (broadcast.ExecutionStatus, bool)
	Executions() []broadcast.ExecutionStatus
}

type Scheduler interface {
	Snapshot() scheduler.Snapshot
}

type Jobs interface {
	ListJobs(ctx context.Context) ([]storage.Job, error)
	GetJob(ctx context.Context, id int64) (*storage.Job, error)
}

type Events interface {
	Recent() []eventbus.Event
}

// Deps are the views served. Nil members answer 503.
type Deps struct {
	Dispatch  Dispatch
	Scheduler Scheduler
	Jobs      Jobs
	Events    Events
}

type handler struct {
	deps    Deps
	log     logx.Logger
	started time.Time
}

// NewHandler builds the status router. A non-empty token is required as a
// bearer token or ?token= on every route except /healthz.
func NewHandler(deps Deps, token string, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handler{deps: deps, log: log, started: time.Now()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, h.logRequests)
	r.Get("/healthz", h.health)
	r.Group(func(r chi.Router) {
		r.Use(requireToken(token))
		r.Get("/stats", h.stats)
		r.Get("/jobs", h.listJobs)
		r.Get("/jobs/{id}", h.getJob)
		r.Get("/executions", h.listExecutions)
		r.Get("/executions/{id}", h.getExecution)
		r.Get("/events", h.events)
	})
	return r
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.log.Debug("status request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("code", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func requireToken(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"ok":     true,
		"uptime": time.Since(h.started).Round(time.Second).String(),
	}
	if h.deps.Scheduler != nil {
		body["scheduler_running"] = h.deps.Scheduler.Snapshot().Running
	}
	writeJSON(w, http.StatusOK, body)
}

type statsResponse struct {
	Dispatch  *broadcast.Stats    `json:"dispatch,omitempty"`
	Scheduler *scheduler.Snapshot `json:"scheduler,omitempty"`
}

func (h *handler) stats(w http.ResponseWriter, _ *http.Request) {
	var resp statsResponse
	if h.deps.Dispatch != nil {
		st := h.deps.Dispatch.Stats()
		resp.Dispatch = &st
	}
	if h.deps.Scheduler != nil {
		sn := h.deps.Scheduler.Snapshot()
		resp.Scheduler = &sn
	}
	writeJSON(w, http.StatusOK, resp)
}

type jobView struct {
	ID         int64      `json:"id"`
	Message    string     `json:"message"`
	Recurrence string     `json:"recurrence"`
	CronExpr   string     `json:"cron_expr,omitempty"`
	NextRunAt  *time.Time `json:"next_run_at"`
	Active     bool       `json:"active"`
	GroupIDs   []int64    `json:"group_ids"`
	CreatedAt  time.Time  `json:"created_at"`
}

func viewJob(j storage.Job) jobView {
	return jobView{
		ID:         j.ID,
		Message:    j.Message,
		Recurrence: string(j.Recurrence),
		CronExpr:   j.CronExpr,
		NextRunAt:  j.NextRunAt,
		Active:     j.Active,
		GroupIDs:   j.GroupIDs,
		CreatedAt:  j.CreatedAt,
	}
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	if h.deps.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	jobs, err := h.deps.Jobs.ListJobs(r.Context())
	if err != nil {
		h.log.Warn("list jobs failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "list jobs failed")
		return
	}
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, viewJob(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	if h.deps.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	j, err := h.deps.Jobs.GetJob(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.log.Warn("get job failed", logx.Int64("job_id", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "get job failed")
		return
	}
	writeJSON(w, http.StatusOK, viewJob(*j))
}

func (h *handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	if h.deps.Dispatch == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatcher unavailable")
		return
	}
	all := h.deps.Dispatch.Executions()
	if raw := r.URL.Query().Get("job_id"); raw != "" {
		jobID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid job_id")
			return
		}
		filtered := all[:0]
		for _, e := range all {
			if e.JobID == jobID {
				filtered = append(filtered, e)
			}
		}
		all = filtered
	}
	writeJSON(w, http.StatusOK, all)
}

func (h *handler) getExecution(w http.ResponseWriter, r *http.Request) {
	if h.deps.Dispatch == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatcher unavailable")
		return
	}
	e, ok := h.deps.Dispatch.Execution(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *handler) events(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event recorder unavailable")
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Events.Recent())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
