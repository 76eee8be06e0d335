// Package rides exposes the dispatch engine over HTTP.
package rides

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kilianp07/ridedispatch/core/dispatch"
	"github.com/kilianp07/ridedispatch/core/messages"
	"github.com/kilianp07/ridedispatch/core/model"
)

// Dispatcher is the engine surface used by the handlers.
type Dispatcher interface {
	RequestRide(ctx context.Context, req messages.RideRequest) (model.Ride, error)
	GetRide(ctx context.Context, rideID string) (model.Ride, error)
	Accept(ctx context.Context, rideID, pullerID string) (model.Ride, error)
	Reject(ctx context.Context, rideID, pullerID string) (model.Ride, error)
	Pickup(ctx context.Context, rideID string) (model.Ride, error)
	Complete(ctx context.Context, rideID string, finalLat, finalLon float64) (model.Ride, error)
	Cancel(ctx context.Context, rideID, reason string) (model.Ride, error)
	ListPullers(ctx context.Context) ([]model.Puller, error)
	UpdatePullerStatus(ctx context.Context, st messages.PullerStatusUpdate) (model.Puller, error)
	Ledger(ctx context.Context, pullerID string) (model.Puller, []model.PointsHistory, error)
	AdjustPoints(ctx context.Context, pullerID string, delta int, reason model.PointsReason) (model.PointsHistory, int, error)
}

// SocketServer upgrades a puller connection.
type SocketServer interface {
	Serve(w http.ResponseWriter, r *http.Request, pullerID string)
}

// Handler serves the /api routes.
type Handler struct {
	d          Dispatcher
	adminToken string
}

func NewHandler(d Dispatcher, adminToken string) *Handler {
	return &Handler{d: d, adminToken: adminToken}
}

// RegisterRoutes mounts the ride and puller endpoints. Cancel and points
// adjustment require the admin token when one is configured.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/rides", h.createRide)
	r.Get("/rides/{id}", h.getRide)
	r.Post("/rides/{id}/accept", h.accept)
	r.Post("/rides/{id}/reject", h.reject)
	r.Post("/rides/{id}/pickup", h.pickup)
	r.Post("/rides/{id}/complete", h.complete)
	r.Get("/pullers", h.listPullers)
	r.Put("/pullers/{id}/status", h.pullerStatus)
	r.Get("/pullers/{id}/ledger", h.ledger)

	r.Group(func(r chi.Router) {
		r.Use(RequireToken(h.adminToken))
		r.Post("/rides/{id}/cancel", h.cancel)
		r.Post("/pullers/{id}/points", h.adjustPoints)
	})
}

// NewRouter builds the full HTTP surface. ws and logs may be nil.
func NewRouter(d Dispatcher, ws SocketServer, logs http.Handler, adminToken string) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/api", func(r chi.Router) {
		NewHandler(d, adminToken).RegisterRoutes(r)
		if logs != nil {
			r.Method(http.MethodGet, "/dispatch/logs", logs)
		}
	})
	if ws != nil {
		r.Get("/ws/pullers/{id}", func(w http.ResponseWriter, r *http.Request) {
			ws.Serve(w, r, chi.URLParam(r, "id"))
		})
	}
	return r
}

// RequireToken rejects requests without "Bearer <token>". An empty token
// disables the check.
func RequireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+token {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type pullerBody struct {
	PullerID string `json:"puller_id"`
}

type completeBody struct {
	FinalLat *float64 `json:"final_lat"`
	FinalLon *float64 `json:"final_lon"`
}

type cancelBody struct {
	Reason string `json:"reason"`
}

type statusBody struct {
	Online bool     `json:"online"`
	Active bool     `json:"active"`
	Lat    *float64 `json:"lat,omitempty"`
	Lon    *float64 `json:"lon,omitempty"`
}

type adjustBody struct {
	Delta  int                `json:"delta"`
	Reason model.PointsReason `json:"reason"`
}

// LedgerResponse is returned by GET /pullers/{id}/ledger.
type LedgerResponse struct {
	Puller  model.Puller          `json:"puller"`
	History []model.PointsHistory `json:"history"`
}

// AdjustResponse is returned by POST /pullers/{id}/points.
type AdjustResponse struct {
	Entry   model.PointsHistory `json:"entry"`
	Balance int                 `json:"balance"`
}

func (h *Handler) createRide(w http.ResponseWriter, r *http.Request) {
	var req messages.RideRequest
	if !decode(w, r, &req) {
		return
	}
	ride, err := h.d.RequestRide(r.Context(), req)
	respond(w, http.StatusCreated, ride, err)
}

func (h *Handler) getRide(w http.ResponseWriter, r *http.Request) {
	ride, err := h.d.GetRide(r.Context(), chi.URLParam(r, "id"))
	respond(w, http.StatusOK, ride, err)
}

func (h *Handler) accept(w http.ResponseWriter, r *http.Request) {
	var b pullerBody
	if !decode(w, r, &b) {
		return
	}
	ride, err := h.d.Accept(r.Context(), chi.URLParam(r, "id"), b.PullerID)
	respond(w, http.StatusOK, ride, err)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	var b pullerBody
	if !decode(w, r, &b) {
		return
	}
	ride, err := h.d.Reject(r.Context(), chi.URLParam(r, "id"), b.PullerID)
	respond(w, http.StatusOK, ride, err)
}

func (h *Handler) pickup(w http.ResponseWriter, r *http.Request) {
	ride, err := h.d.Pickup(r.Context(), chi.URLParam(r, "id"))
	respond(w, http.StatusOK, ride, err)
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	var b completeBody
	if !decode(w, r, &b) {
		return
	}
	if b.FinalLat == nil || b.FinalLon == nil {
		writeError(w, http.StatusBadRequest, "invalid_command", "final_lat and final_lon are required")
		return
	}
	ride, err := h.d.Complete(r.Context(), chi.URLParam(r, "id"), *b.FinalLat, *b.FinalLon)
	respond(w, http.StatusOK, ride, err)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	var b cancelBody
	if r.ContentLength != 0 && !decode(w, r, &b) {
		return
	}
	ride, err := h.d.Cancel(r.Context(), chi.URLParam(r, "id"), b.Reason)
	respond(w, http.StatusOK, ride, err)
}

func (h *Handler) listPullers(w http.ResponseWriter, r *http.Request) {
	ps, err := h.d.ListPullers(r.Context())
	if ps == nil {
		ps = []model.Puller{}
	}
	respond(w, http.StatusOK, ps, err)
}

func (h *Handler) pullerStatus(w http.ResponseWriter, r *http.Request) {
	var b statusBody
	if !decode(w, r, &b) {
		return
	}
	p, err := h.d.UpdatePullerStatus(r.Context(), messages.PullerStatusUpdate{
		PullerID: chi.URLParam(r, "id"),
		Online:   b.Online,
		Active:   b.Active,
		Lat:      b.Lat,
		Lon:      b.Lon,
	})
	respond(w, http.StatusOK, p, err)
}

func (h *Handler) ledger(w http.ResponseWriter, r *http.Request) {
	p, hist, err := h.d.Ledger(r.Context(), chi.URLParam(r, "id"))
	if hist == nil {
		hist = []model.PointsHistory{}
	}
	respond(w, http.StatusOK, LedgerResponse{Puller: p, History: hist}, err)
}

func (h *Handler) adjustPoints(w http.ResponseWriter, r *http.Request) {
	var b adjustBody
	if !decode(w, r, &b) {
		return
	}
	entry, balance, err := h.d.AdjustPoints(r.Context(), chi.URLParam(r, "id"), b.Delta, b.Reason)
	respond(w, http.StatusCreated, AdjustResponse{Entry: entry, Balance: balance}, err)
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// StatusCode maps an engine error to an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrMissingAssignment):
		return http.StatusUnprocessableEntity
	case errors.Is(err, dispatch.ErrInvalidCommand):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respond(w http.ResponseWriter, status int, v any, err error) {
	if err != nil {
		writeError(w, StatusCode(err), dispatch.ErrorCode(err), err.Error())
		return
	}
	writeJSON(w, status, v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_command", "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, ErrorBody{Error: code, Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
