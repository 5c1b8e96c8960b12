package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/FairForge/siterecovery/internal/drerrors"
	"github.com/FairForge/siterecovery/internal/failover"
	"github.com/FairForge/siterecovery/internal/logging"
	"github.com/FairForge/siterecovery/internal/policy"
	"github.com/FairForge/siterecovery/internal/protection"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handler handles management API requests
type Handler struct {
	tracker     *protection.Tracker
	coordinator *failover.Coordinator
	logger      *zap.Logger
}

// NewHandler creates a management API handler
func NewHandler(tracker *protection.Tracker, coordinator *failover.Coordinator, logger *zap.Logger) *Handler {
	return &Handler{tracker: tracker, coordinator: coordinator, logger: logger}
}

// RegisterRoutes registers the management routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/fabrics", h.ListFabrics)

		r.Get("/policies", h.ListPolicies)
		r.Post("/policies", h.DefinePolicy)
		r.Get("/policies/{id}", h.GetPolicy)
		r.Put("/policies/{id}", h.UpdatePolicy)
		r.Delete("/policies/{id}", h.DeletePolicy)

		r.Get("/items", h.ListItems)
		r.Post("/items", h.Enroll)
		r.Get("/items/{id}", h.GetStatus)
		r.Delete("/items/{id}", h.Disable)
		r.Get("/items/{id}/points", h.ListPoints)
		r.Get("/items/{id}/events", h.ListItemEvents)
		r.Post("/items/{id}/resume", h.Resume)
		r.Post("/items/{id}/failover", h.Failover)
		r.Post("/items/{id}/reprotect", h.Reprotect)

		r.Get("/events", h.ListEvents)
	})
}

// ListFabrics returns the vault's fabrics and containers
func (h *Handler) ListFabrics(w http.ResponseWriter, r *http.Request) {
	fabrics := h.tracker.Registry().Fabrics(h.tracker.Vault())
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"vault":   h.tracker.Vault(),
		"fabrics": fabrics,
		"count":   len(fabrics),
	})
}

func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies := h.tracker.Policies().List()
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"policies": policies,
		"count":    len(policies),
	})
}

func (h *Handler) DefinePolicy(w http.ResponseWriter, r *http.Request) {
	var params policy.Params
	if !h.decode(w, r, &params) {
		return
	}
	p, err := h.tracker.Policies().Define(params)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, p)
}

func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.tracker.Policies().Get(chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, p)
}

func (h *Handler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var params policy.Params
	if !h.decode(w, r, &params) {
		return
	}
	p, err := h.tracker.Policies().Update(chi.URLParam(r, "id"), params)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, p)
}

func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.tracker.Policies().Delete(chi.URLParam(r, "id")); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	items := h.tracker.List()
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := items[:0]
		for _, it := range items {
			if string(it.State) == state {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

// Enroll protects a workload
func (h *Handler) Enroll(w http.ResponseWriter, r *http.Request) {
	var req protection.EnrollRequest
	if !h.decode(w, r, &req) {
		return
	}
	item, err := h.tracker.Enroll(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, item)
}

// GetStatus returns state, last recovery point and lag of an item
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.tracker.Status(chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, st)
}

// Disable stops protection of an item
func (h *Handler) Disable(w http.ResponseWriter, r *http.Request) {
	if err := h.tracker.Disable(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListPoints(w http.ResponseWriter, r *http.Request) {
	points, err := h.tracker.Points(chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"recovery_points": points,
		"count":           len(points),
	})
}

func (h *Handler) ListItemEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.tracker.Get(id); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.listEvents(w, r, id)
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	h.listEvents(w, r, r.URL.Query().Get("item_id"))
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request, itemID string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	events := h.tracker.Events(limit, itemID)
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// Resume clears an Error state
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	item, err := h.tracker.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, item)
}

type failoverRequest struct {
	RecoveryPointID string `json:"recovery_point_id"`
}

// Failover activates an item in its target region. The body is optional;
// without a recovery point id the latest point is used.
func (h *Handler) Failover(w http.ResponseWriter, r *http.Request) {
	var req failoverRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	ctx := logging.WithItemID(r.Context(), id)
	logging.FromContext(ctx, h.logger).Info("failover requested",
		zap.String("recovery_point_id", req.RecoveryPointID))

	res, err := h.coordinator.InitiateFailover(ctx, id, req.RecoveryPointID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

// Reprotect reverses replication of a failed-over item
func (h *Handler) Reprotect(w http.ResponseWriter, r *http.Request) {
	var req failover.ReprotectRequest
	if !h.decode(w, r, &req) {
		return
	}
	item, err := h.coordinator.Reprotect(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, item)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.respondError(w, r, fmt.Errorf("%w: decode request body: %v", drerrors.ErrInvalidInput, err))
		return false
	}
	return true
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, data)
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context(), h.logger).Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

// classify maps domain errors to HTTP status codes.
func classify(err error) (int, string) {
	switch {
	case drerrors.IsNotFound(err):
		return http.StatusNotFound, "NotFound"
	case drerrors.IsNoRecoveryPoint(err):
		return http.StatusUnprocessableEntity, "NoRecoveryPoint"
	case drerrors.IsInvalidPolicy(err):
		return http.StatusBadRequest, "InvalidPolicy"
	case errors.Is(err, drerrors.ErrInvalidInput):
		return http.StatusBadRequest, "InvalidInput"
	case drerrors.IsConflict(err):
		return http.StatusConflict, "Conflict"
	case drerrors.IsPolicyInUse(err):
		return http.StatusConflict, "PolicyInUse"
	case drerrors.IsInvalidState(err):
		return http.StatusConflict, "InvalidState"
	case drerrors.IsBusy(err):
		return http.StatusConflict, "Busy"
	case drerrors.IsFailover(err):
		return http.StatusBadGateway, "FailoverFailed"
	default:
		return http.StatusInternalServerError, "Internal"
	}
}
