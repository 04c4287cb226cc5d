package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/lazarus/internal/metrics"
	"github.com/kalambet/lazarus/internal/storage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// Store is the read side of the job store the ops surface exposes.
type Store interface {
	GetStatus(ctx context.Context) (map[storage.Status]int, error)
	LastBeat(ctx context.Context, component string) (storage.Heartbeat, error)
	ListByStatus(ctx context.Context, status storage.Status, limit int) ([]storage.Job, error)
	Get(ctx context.Context, id int64) (storage.Job, error)
	Events(ctx context.Context, id int64) ([]storage.JobEvent, error)
	ErrorPatterns(ctx context.Context, limit int) ([]storage.ErrorPattern, error)
}

type OpsDeps struct {
	Store   Store
	Metrics *metrics.Metrics
	// Component is the heartbeat component reported by /status.
	Component string
	// StaleAfter marks the heartbeat stale in /status once it is older.
	StaleAfter time.Duration
	// Token guards the job endpoints when set. /health and /metrics stay open.
	Token string
	Now   func() time.Time
}

// NewOpsHandler returns the read-only operations API.
func NewOpsHandler(deps OpsDeps) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.StaleAfter <= 0 {
		deps.StaleAfter = 6 * time.Minute
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Get("/status", handleStatus(deps))
		r.Get("/jobs", handleListJobs(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Get("/errors", handleErrorPatterns(deps))
	})
	return r
}

type HeartbeatView struct {
	Owner      string    `json:"owner"`
	Seq        int64     `json:"seq"`
	BeatAt     time.Time `json:"beat_at"`
	AgeSeconds float64   `json:"age_seconds"`
	Stale      bool      `json:"stale"`
}

type StatusResponse struct {
	Counts    map[storage.Status]int `json:"counts"`
	Total     int                    `json:"total"`
	Heartbeat *HeartbeatView         `json:"heartbeat"`
}

type JobView struct {
	ID           int64     `json:"id"`
	Package      string    `json:"package"`
	Version      string    `json:"version"`
	PythonTarget string    `json:"python_target"`
	Status       string    `json:"status"`
	FixMethod    string    `json:"fix_method"`
	Priority     int       `json:"priority"`
	Attempts     int       `json:"attempts"`
	MaxAttempts  int       `json:"max_attempts"`
	LeaseOwner   string    `json:"lease_owner,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	FailureKind  string    `json:"failure_kind,omitempty"`
	FailedStage  string    `json:"failed_stage,omitempty"`
	Outcome      string    `json:"outcome,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type JobDetail struct {
	JobView
	Result json.RawMessage `json:"result,omitempty"`
	Events []EventView     `json:"events"`
}

type EventView struct {
	From   string    `json:"from,omitempty"`
	To     string    `json:"to"`
	Stage  string    `json:"stage,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

func jobView(j storage.Job) JobView {
	return JobView{
		ID:           j.ID,
		Package:      j.Package,
		Version:      j.Version,
		PythonTarget: j.PythonTarget,
		Status:       string(j.Status),
		FixMethod:    string(j.FixMethod),
		Priority:     j.Priority,
		Attempts:     j.Attempts,
		MaxAttempts:  j.MaxAttempts,
		LeaseOwner:   j.LeaseOwner,
		LastError:    j.LastError,
		FailureKind:  j.FailureKind,
		FailedStage:  j.FailedStage,
		Outcome:      j.Outcome,
		UpdatedAt:    j.UpdatedAt,
	}
}

func handleHealth(deps OpsDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := deps.Store.GetStatus(r.Context()); err != nil {
			httpError(w, http.StatusServiceUnavailable, "store_error", "store unavailable: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleStatus(deps OpsDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Store.GetStatus(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "store_error", "counting jobs: %v", err)
			return
		}
		resp := StatusResponse{Counts: counts}
		for _, n := range counts {
			resp.Total += n
		}

		hb, err := deps.Store.LastBeat(r.Context(), deps.Component)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			httpError(w, http.StatusInternalServerError, "store_error", "reading heartbeat: %v", err)
			return
		default:
			age := deps.Now().Sub(hb.BeatAt)
			resp.Heartbeat = &HeartbeatView{
				Owner:      hb.Owner,
				Seq:        hb.Seq,
				BeatAt:     hb.BeatAt,
				AgeSeconds: age.Seconds(),
				Stale:      age > deps.StaleAfter,
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleListJobs(deps OpsDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := storage.Status(r.URL.Query().Get("status"))
		if status == "" {
			status = storage.StatusFailed
		}
		if !status.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", status)
			return
		}
		limit, err := parseLimit(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		jobs, err := deps.Store.ListByStatus(r.Context(), status, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "store_error", "listing jobs: %v", err)
			return
		}
		views := make([]JobView, len(jobs))
		for i, j := range jobs {
			views[i] = jobView(j)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetJob(deps OpsDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid job id")
			return
		}
		job, err := deps.Store.Get(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "job %d not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "store_error", "reading job: %v", err)
			return
		}
		events, err := deps.Store.Events(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "store_error", "reading events: %v", err)
			return
		}

		detail := JobDetail{JobView: jobView(job), Events: make([]EventView, len(events))}
		if job.ResultJSON != "" && json.Valid([]byte(job.ResultJSON)) {
			detail.Result = json.RawMessage(job.ResultJSON)
		}
		for i, e := range events {
			detail.Events[i] = EventView{From: string(e.From), To: string(e.To), Stage: e.Stage, Reason: e.Reason, At: e.At}
		}
		writeJSON(w, http.StatusOK, detail)
	}
}

func handleErrorPatterns(deps OpsDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := parseLimit(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		patterns, err := deps.Store.ErrorPatterns(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "store_error", "grouping errors: %v", err)
			return
		}
		type row struct {
			Reason string `json:"reason"`
			Count  int    `json:"count"`
		}
		out := make([]row, len(patterns))
		for i, p := range patterns {
			out[i] = row{Reason: p.Reason, Count: p.Count}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxListLimit {
		return 0, fmt.Errorf("limit must be between 1 and %d", maxListLimit)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
