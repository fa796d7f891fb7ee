package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/BearBump/ShipBox/internal/models"
	"github.com/BearBump/ShipBox/internal/services/intake"
	"github.com/BearBump/ShipBox/internal/services/timelines"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	httpSwagger "github.com/swaggo/http-swagger"
)

type IntakeService interface {
	SubmitBooking(ctx context.Context, req models.BookingRecord) (intake.Confirmation, error)
	ListBookings(ctx context.Context) ([]models.BookingRecord, error)
}

type TimelineService interface {
	GetTimeline(ctx context.Context, trackingNumber string) (models.Timeline, error)
	RegisterShipment(ctx context.Context, in timelines.RegisterInput) (*models.Shipment, error)
	AdvanceCheckpoint(ctx context.Context, trackingNumber, location string) error
}

type API struct {
	intake    IntakeService
	timelines TimelineService
}

func New(intakeSvc IntakeService, timelineSvc TimelineService) *API {
	return &API{intake: intakeSvc, timelines: timelineSvc}
}

// Router builds the public HTTP surface. swaggerPath may be empty, in
// which case the docs routes are not mounted.
func (a *API) Router(swaggerPath string) http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/quote", a.submitBooking)
		r.Get("/bookings", a.listBookings)
		r.Post("/shipments", a.registerShipment)
		r.Get("/track/{trackingNumber}", a.getTimeline)
		r.Post("/track/{trackingNumber}/advance", a.advanceCheckpoint)
	})

	if swaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			http.ServeFile(w, r, swaggerPath)
		})
		r.Get("/docs/*", httpSwagger.Handler(
			httpSwagger.URL("/swagger.json"),
		))
	}

	// The booking form is served from static marketing sites on other
	// origins, so cross-origin requests stay open.
	return cors.AllowAll().Handler(r)
}

func (a *API) submitBooking(w http.ResponseWriter, r *http.Request) {
	var req models.BookingRecord
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	conf, err := a.intake.SubmitBooking(r.Context(), req)
	if err != nil {
		var verr *intake.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		slog.Error("submit booking", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "Failed to save booking")
		return
	}
	writeJSON(w, http.StatusOK, conf)
}

func (a *API) listBookings(w http.ResponseWriter, r *http.Request) {
	recs, err := a.intake.ListBookings(r.Context())
	if err != nil {
		slog.Error("list bookings", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "failed to load bookings")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": recs})
}

type registerShipmentRequest struct {
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
}

type registerShipmentResponse struct {
	TrackingNumber    string `json:"trackingNumber"`
	Status            string `json:"status"`
	EstimatedDelivery string `json:"estimatedDelivery"`
}

func (a *API) registerShipment(w http.ResponseWriter, r *http.Request) {
	var req registerShipmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sh, err := a.timelines.RegisterShipment(r.Context(), timelines.RegisterInput{
		Origin:      req.Origin,
		Destination: req.Destination,
	})
	if err != nil {
		slog.Error("register shipment", "error", err.Error())
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, registerShipmentResponse{
		TrackingNumber:    sh.TrackingNumber,
		Status:            sh.Status,
		EstimatedDelivery: sh.EstimatedDelivery.Format("2006-01-02"),
	})
}

func (a *API) getTimeline(w http.ResponseWriter, r *http.Request) {
	tl, err := a.timelines.GetTimeline(r.Context(), chi.URLParam(r, "trackingNumber"))
	if err != nil {
		switch {
		case errors.Is(err, timelines.ErrInvalidFormat):
			writeError(w, http.StatusBadRequest, "invalid tracking number format")
		case errors.Is(err, timelines.ErrNotFound):
			writeError(w, http.StatusNotFound, "tracking number not found")
		default:
			slog.Error("get timeline", "error", err.Error())
			writeError(w, http.StatusInternalServerError, "failed to load timeline")
		}
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

type advanceRequest struct {
	Location string `json:"location"`
}

func (a *API) advanceCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // body is optional
	}

	err := a.timelines.AdvanceCheckpoint(r.Context(), chi.URLParam(r, "trackingNumber"), req.Location)
	if err != nil {
		switch {
		case errors.Is(err, timelines.ErrInvalidFormat):
			writeError(w, http.StatusBadRequest, "invalid tracking number format")
		case errors.Is(err, timelines.ErrNotFound):
			writeError(w, http.StatusNotFound, "tracking number not found")
		case errors.Is(err, timelines.ErrDelivered):
			writeError(w, http.StatusConflict, "shipment already delivered")
		default:
			slog.Error("advance checkpoint", "error", err.Error())
			writeError(w, http.StatusInternalServerError, "failed to advance shipment")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "checkpoint advanced"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("http request",
			"method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start).String())
	})
}
