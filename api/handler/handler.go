package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"skuld/api/dispatch"
	"skuld/api/health"
	"skuld/api/jobstore"
	"skuld/api/model"
	"skuld/api/ratelimit"
	"skuld/api/registry"
)

var validFunctionIDRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*model.TaskMessage, error)
}

type Waiter interface {
	Await(ctx context.Context, correlationID, functionID string, timeout time.Duration) (*model.CompletionEvent, error)
}

type Executions interface {
	ListExecutions(ctx context.Context, functionID string, limit int) ([]model.ExecutionLog, error)
}

type Functions interface {
	ListFunctions(ctx context.Context) ([]model.Function, error)
}

// TaskSource is the pull side of the in-process queue.
type TaskSource interface {
	Next(ctx context.Context, runtime string) (*model.TaskMessage, error)
}

type Publisher interface {
	Publish(ctx context.Context, channel, message string) error
}

type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

type Metrics interface {
	RateLimited()
	RateLimitFailedOpen()
}

// Deps are the collaborators the HTTP surface needs. Only the first four are
// required.
type Deps struct {
	Dispatcher Dispatcher
	Waiter     Waiter
	Jobs       jobstore.Store
	Registry   *registry.Registry
	Relay      *registry.Relay
	Limiter    *ratelimit.Limiter
	Executions Executions
	Functions  Functions
	Tasks      TaskSource
	Results    Publisher
	Health     HealthChecker
	Metrics    Metrics
	Log        logrus.FieldLogger
}

type Settings struct {
	SyncWaitTimeout time.Duration
	RateLimitWindow time.Duration
	RateLimitMax    int
	InstanceID      string
	Version         string
	// ResultPrefix is the completion channel prefix, e.g. "result:".
	ResultPrefix string
	TaskPollWait time.Duration
}

type Handler struct {
	deps     Deps
	settings Settings
	log      logrus.FieldLogger
}

func New(deps Deps, settings Settings) *Handler {
	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{deps: deps, settings: settings, log: log.WithField("component", "http")}
}

// Routes mounts the API on r. Callers add transport middleware.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/version", h.Version)

		r.Group(func(r chi.Router) {
			r.Use(h.RateLimit)
			r.With(ValidateFunctionID).Post("/functions/{id}/invoke", h.Invoke)
			r.Get("/jobs/{jobId}", h.JobStatus)
		})

		r.Get("/functions", h.ListFunctions)
		r.With(ValidateFunctionID).Get("/functions/{id}/executions", h.ListExecutions)

		r.Post("/jobs/{jobId}/complete", h.Complete)
		r.Get("/tasks/{runtime}/next", h.NextTask)

		r.Route("/workers", func(r chi.Router) {
			r.Post("/heartbeat", h.Heartbeat)
			r.Get("/", h.ListWorkers)
			r.Get("/cluster", h.ClusterStatus)
		})
	})
}

// ValidateFunctionID is middleware that rejects requests with invalid function IDs.
func ValidateFunctionID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id != "" && !validFunctionIDRe.MatchString(id) {
			writeError(w, http.StatusBadRequest, "invalid function id")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, map[string]string{"error": msg})
}
