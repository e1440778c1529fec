package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/ffbatch/pkg/auth"
	"github.com/psantana5/ffbatch/pkg/logging"
	"github.com/psantana5/ffbatch/pkg/metrics"
	"github.com/psantana5/ffbatch/pkg/models"
	"github.com/psantana5/ffbatch/pkg/orchestrator"
	"github.com/psantana5/ffbatch/pkg/tracing"
)

// Controller is the part of the orchestrator the control surface drives
type Controller interface {
	Status() orchestrator.Status
	Pause() error
	Resume() error
	Cancel() error
	Checkpoint() (models.CheckpointInfo, error)
	Credentials() []models.Credential
}

// ActionResponse acknowledges a control request
type ActionResponse struct {
	Status  models.BatchStatus `json:"status"`
	BatchID string             `json:"batch_id"`
}

// ErrorResponse is written for every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

// Handler serves the batch control surface
type Handler struct {
	ctrl    Controller
	logger  *logging.Logger
	started time.Time
}

// NewHandler creates a handler over ctrl
func NewHandler(ctrl Controller, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Handler{ctrl: ctrl, logger: logger.WithComponent("api"), started: time.Now()}
}

// RegisterRoutes registers the batch routes on r
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/status", h.GetStatus).Methods(http.MethodGet)
	r.HandleFunc("/credentials", h.ListCredentials).Methods(http.MethodGet)
	r.HandleFunc("/pause", h.Pause).Methods(http.MethodPost)
	r.HandleFunc("/resume", h.Resume).Methods(http.MethodPost)
	r.HandleFunc("/cancel", h.Cancel).Methods(http.MethodPost)
	r.HandleFunc("/checkpoint", h.Checkpoint).Methods(http.MethodPost)
}

// RouterOptions carries the optional middleware collaborators
type RouterOptions struct {
	Metrics *metrics.Metrics
	Tracer  *tracing.Provider
	Token   *auth.Token
}

// NewRouter assembles the full control surface: health and metrics are
// open, batch routes sit behind the token.
func NewRouter(h *Handler, opts RouterOptions) *mux.Router {
	r := mux.NewRouter()
	if opts.Tracer != nil {
		r.Use(tracing.HTTPMiddleware(opts.Tracer))
	}
	if opts.Metrics != nil {
		r.Use(metrics.NewHTTPMetrics(opts.Metrics).Middleware)
		r.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet)
	}
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(auth.Middleware(opts.Token))
	h.RegisterRoutes(api)
	return r
}

// Health reports liveness and the batch state
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	st := h.ctrl.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "healthy",
		"batch_status": st.Batch.Status,
		"uptime":       time.Since(h.started).Round(time.Second).String(),
	})
}

// GetStatus returns the full batch status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}

// ListCredentials returns every credential without its secret
func (h *Handler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	creds := h.ctrl.Credentials()
	if creds == nil {
		creds = []models.Credential{}
	}
	writeJSON(w, http.StatusOK, creds)
}

// Pause stops dispatching new tasks
func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	h.act(w, "pause", h.ctrl.Pause)
}

// Resume continues a paused batch
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	h.act(w, "resume", h.ctrl.Resume)
}

// Cancel ends the batch after in-flight tasks finish
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.act(w, "cancel", h.ctrl.Cancel)
}

// Checkpoint takes a manual checkpoint
func (h *Handler) Checkpoint(w http.ResponseWriter, r *http.Request) {
	info, err := h.ctrl.Checkpoint()
	if err != nil {
		h.fail(w, "checkpoint", err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (h *Handler) act(w http.ResponseWriter, action string, fn func() error) {
	if err := fn(); err != nil {
		h.fail(w, action, err)
		return
	}
	st := h.ctrl.Status()
	h.logger.Info("Batch control request applied", logging.Fields{
		"action":   action,
		"batch_id": st.Batch.BatchID,
		"status":   string(st.Batch.Status),
	})
	writeJSON(w, http.StatusOK, ActionResponse{Status: st.Batch.Status, BatchID: st.Batch.BatchID})
}

func (h *Handler) fail(w http.ResponseWriter, action string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("Batch control request failed", logging.Fields{"action": action, "error": err.Error()})
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidState), errors.Is(err, orchestrator.ErrBatchFinished):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrNotStarted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
