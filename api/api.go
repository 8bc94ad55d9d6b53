// Package api serves the orchestrator over HTTP.
//
//	POST /sagas                       start a saga, ?wait=true to wait for a terminal status
//	GET  /sagas/{id}                  saga status
//	GET  /sagas/{id}/records          step execution records
//	POST /sagas/{id}/cancel           request compensation of a running saga
//	GET  /definitions                 registered saga types
//	GET  /definitions/{type}/graph    compensation graph in DOT
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fortressi/sagaorch"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
)

const DefaultWaitTimeout = 30 * time.Second

// Service is the part of *sagaorch.Orchestrator the handlers use.
type Service interface {
	Start(ctx context.Context, sagaType string, payload json.RawMessage) (string, error)
	Wait(ctx context.Context, sagaID string) (sagaorch.StatusView, error)
	GetStatus(ctx context.Context, sagaID string) (sagaorch.StatusView, error)
	Records(ctx context.Context, sagaID string) ([]sagaorch.StepExecutionRecord, error)
	Cancel(ctx context.Context, sagaID string) error
}

// Definitions is the part of *sagaorch.Registry the handlers use.
type Definitions interface {
	Types() []string
	Graph(sagaType string) (string, error)
}

type StartRequest struct {
	SagaType string          `json:"saga_type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// StartResponse is all a business caller learns about its saga.
type StartResponse struct {
	SagaID string          `json:"saga_id"`
	Status sagaorch.Status `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type handler struct {
	svc    Service
	defs   Definitions
	logger logr.Logger
}

// NewRouter returns the API routes.
func NewRouter(svc Service, defs Definitions, logger logr.Logger) *chi.Mux {
	h := &handler{svc: svc, defs: defs, logger: logger.WithName("api")}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		h.logRequests,
	)
	r.Route("/sagas", func(r chi.Router) {
		r.Post("/", h.start)
		r.Get("/{id}", h.status)
		r.Get("/{id}/records", h.records)
		r.Post("/{id}/cancel", h.cancel)
	})
	r.Get("/definitions", h.definitions)
	r.Get("/definitions/{type}/graph", h.graph)
	return r
}

func (h *handler) start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, errors.New("request body must be a JSON object"))
		return
	}
	if req.SagaType == "" {
		h.respondError(w, http.StatusBadRequest, errors.New("saga_type is required"))
		return
	}

	timeout := DefaultWaitTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			h.respondError(w, http.StatusBadRequest, errors.New("timeout must be a positive duration"))
			return
		}
		timeout = d
	}

	id, err := h.svc.Start(r.Context(), req.SagaType, req.Payload)
	if err != nil {
		h.respondError(w, statusFor(err), err)
		return
	}
	if r.URL.Query().Get("wait") != "true" {
		h.respond(w, http.StatusAccepted, StartResponse{SagaID: id, Status: sagaorch.StatusRunning})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	view, err := h.svc.Wait(ctx, id)
	switch {
	case err == nil:
		h.respond(w, http.StatusOK, StartResponse{SagaID: id, Status: view.Status})
	case errors.Is(err, context.DeadlineExceeded):
		// Still running; the caller polls with the id.
		h.respond(w, http.StatusAccepted, StartResponse{SagaID: id, Status: view.Status})
	default:
		h.respondError(w, statusFor(err), err)
	}
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, statusFor(err), err)
		return
	}
	h.respond(w, http.StatusOK, view)
}

func (h *handler) records(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.Records(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, statusFor(err), err)
		return
	}
	if records == nil {
		records = []sagaorch.StepExecutionRecord{}
	}
	h.respond(w, http.StatusOK, records)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Cancel(r.Context(), id); err != nil {
		h.respondError(w, statusFor(err), err)
		return
	}
	view, err := h.svc.GetStatus(r.Context(), id)
	if err != nil {
		h.respondError(w, statusFor(err), err)
		return
	}
	h.respond(w, http.StatusAccepted, view)
}

func (h *handler) definitions(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, http.StatusOK, h.defs.Types())
}

func (h *handler) graph(w http.ResponseWriter, r *http.Request) {
	dot, err := h.defs.Graph(chi.URLParam(r, "type"))
	if err != nil {
		h.respondError(w, statusFor(err), err)
		return
	}
	w.Header().Set("Content-Type", "text/vnd.graphviz")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(dot)); err != nil {
		h.logger.V(1).Info("write response", "error", err)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, sagaorch.ErrNotFound), errors.Is(err, sagaorch.ErrUnknownSagaType):
		return http.StatusNotFound
	case errors.Is(err, sagaorch.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, sagaorch.ErrSagaTerminal), errors.Is(err, sagaorch.ErrDuplicateSagaID):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) respond(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.V(1).Info("write response", "error", err)
	}
}

func (h *handler) respondError(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		h.logger.Error(err, "request failed")
	}
	h.respond(w, code, errorResponse{Error: err.Error()})
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.V(1).Info("request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"elapsed", time.Since(started), "requestID", middleware.GetReqID(r.Context()))
	})
}
