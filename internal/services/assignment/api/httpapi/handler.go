// Package httpapi exposes the assignment service over JSON HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "github.com/louisbranch/splitrail/internal/errors"
	"github.com/louisbranch/splitrail/internal/services/assignment/service"
)

const maxRequestBody = 1 << 20 // 1 MiB

// Handler routes the assignment HTTP surface: POST /assign,
// GET /experiments, GET /healthz, GET /metrics.
type Handler struct {
	mux      *http.ServeMux
	service  *service.Service
	outcomes *prometheus.CounterVec
}

// NewHandler builds the HTTP surface over one assignment service. Each
// handler carries its own Prometheus registry so tests do not collide on
// the global one.
func NewHandler(svc *service.Service) *Handler {
	registry := prometheus.NewRegistry()
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "splitrail_assignment_decisions_total",
		Help: "Assignment decisions by outcome.",
	}, []string{"outcome"})
	registry.MustRegister(outcomes)

	h := &Handler{
		mux:      http.NewServeMux(),
		service:  svc,
		outcomes: outcomes,
	}
	h.mux.HandleFunc("/assign", h.handleAssign)
	h.mux.HandleFunc("/experiments", h.handleExperiments)
	h.mux.HandleFunc("/healthz", handleHealthz)
	h.mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return h
}

// ServeHTTP decorates every response with CORS headers and answers
// preflight requests before any business logic runs.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.mux.ServeHTTP(w, r)
}

type assignRequest struct {
	ExperimentID string         `json:"experiment_id"`
	DeviceID     string         `json:"device_id"`
	ProfileID    string         `json:"profile_id,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

type assignedVariant struct {
	Name   string         `json:"name"`
	Config map[string]any `json:"config,omitempty"`
}

type assignResponse struct {
	VariantID          string           `json:"variant_id"`
	ExperimentVariants *assignedVariant `json:"experiment_variants"`
}

type mismatchResponse struct {
	Variant *struct{} `json:"variant"`
	Reason  string    `json:"reason"`
}

type errorBody struct {
	Code    apperrors.Code `json:"code"`
	Message string         `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, apperrors.New(apperrors.CodeInvalidRequest, "method not allowed"),
			http.StatusMethodNotAllowed)
		return
	}
	var req assignRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := decoder.Decode(&req); err != nil {
		h.writeError(w, apperrors.New(apperrors.CodeInvalidRequest, "request body is not valid JSON"), 0)
		return
	}

	decision, err := h.service.Assign(r.Context(), service.Request{
		ExperimentID: req.ExperimentID,
		DeviceID:     req.DeviceID,
		ProfileID:    req.ProfileID,
		Context:      req.Context,
	})
	if err != nil {
		h.writeError(w, err, 0)
		return
	}
	if decision.Reason != "" {
		h.outcomes.WithLabelValues(decision.Reason).Inc()
		writeJSON(w, http.StatusOK, mismatchResponse{Reason: decision.Reason})
		return
	}
	if decision.Created {
		h.outcomes.WithLabelValues("created").Inc()
	} else {
		h.outcomes.WithLabelValues("existing").Inc()
	}
	writeJSON(w, http.StatusOK, assignResponse{
		VariantID: decision.Variant.ID,
		ExperimentVariants: &assignedVariant{
			Name:   decision.Variant.Name,
			Config: decision.Variant.Config,
		},
	})
}

type experimentSummary struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Status   string   `json:"status"`
	Variants []string `json:"variants"`
}

func (h *Handler) handleExperiments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, apperrors.New(apperrors.CodeInvalidRequest, "method not allowed"),
			http.StatusMethodNotAllowed)
		return
	}
	experiments, err := h.service.ListRunning(r.Context())
	if err != nil {
		h.writeError(w, err, 0)
		return
	}
	summaries := make([]experimentSummary, 0, len(experiments))
	for _, experiment := range experiments {
		summary := experimentSummary{
			ID:       experiment.ID,
			Name:     experiment.Name,
			Status:   string(experiment.Status),
			Variants: make([]string, 0, len(experiment.Variants)),
		}
		for _, variant := range experiment.Variants {
			summary.Variants = append(summary.Variants, variant.Name)
		}
		summaries = append(summaries, summary)
	}
	writeJSON(w, http.StatusOK, summaries)
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// writeError maps a service error to the transport error body. A non-zero
// status overrides the code's default mapping.
func (h *Handler) writeError(w http.ResponseWriter, err error, status int) {
	h.outcomes.WithLabelValues("error").Inc()
	code := apperrors.GetCode(err)
	message := "internal error"
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	// Internal race-resolution failures stay internal on the wire.
	if code == apperrors.CodePersistenceConflict || code == apperrors.CodeUnknown {
		code = apperrors.CodeUnknown
		message = "internal error"
	}
	if status == 0 {
		status = code.HTTPStatus()
	}
	if status >= http.StatusInternalServerError {
		log.Printf("assign request failed: %v", err)
	}
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}
