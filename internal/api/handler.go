package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"universe-sync/internal/engine"
	"universe-sync/internal/logger"
	"universe-sync/internal/store"
	"universe-sync/internal/tickets/qr"
	"universe-sync/internal/utils"
)

// SyncRunner is what the handler needs from the sync driver.
type SyncRunner interface {
	Run(ctx context.Context) (*engine.SyncSummary, error)
}

// Handler exposes the sync engine and the reporting read model over HTTP.
type Handler struct {
	DB     *store.DB
	Runner SyncRunner
	Logger *logger.Logger
	QR     *qr.Generator

	// Only one pass may run at a time; the remote API rate limits are per
	// credential, not per connection.
	running atomic.Bool

	lastSummary atomic.Pointer[engine.SyncSummary]
}

func NewHandler(db *store.DB, runner SyncRunner, log *logger.Logger) *Handler {
	return &Handler{
		DB:     db,
		Runner: runner,
		Logger: log,
		QR:     qr.NewGenerator(qr.DefaultSize),
	}
}

// RegisterRoutes registers all routes on a chi router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/sync/run", h.RunSync)
		r.Get("/sync/last", h.LastSync)

		r.Route("/events", func(r chi.Router) {
			r.Get("/", h.ListEvents)
			r.Get("/{eventID}", h.GetEvent)
			r.Delete("/{eventID}", h.DeleteEvent)
		})

		r.Get("/order-items/{itemID}/qr", h.OrderItemQR)
		r.Get("/reports/order-items", h.ReportingRows)

		r.Route("/rate-categories", func(r chi.Router) {
			r.Get("/", h.ListRateCategories)
			r.Post("/", h.CreateRateCategory)
		})
	})
}

func sendJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.Bun.PingContext(r.Context()); err != nil {
		sendJSONResponse(w, http.StatusServiceUnavailable, utils.ErrorResponse("database unreachable", err.Error()))
		return
	}
	sendJSONResponse(w, http.StatusOK, utils.SuccessResponse("ok", nil))
}

// RunSync triggers one sync pass and blocks until it finishes. A second
// trigger while a pass is in flight is rejected with 409.
func (h *Handler) RunSync(w http.ResponseWriter, r *http.Request) {
	if !h.running.CompareAndSwap(false, true) {
		sendJSONResponse(w, http.StatusConflict, utils.ErrorResponse("sync already running", "a pass is already in progress"))
		return
	}
	defer h.running.Store(false)

	start := time.Now()
	summary, err := h.Runner.Run(r.Context())
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("Sync pass failed: %v", err))
		sendJSONResponse(w, http.StatusBadGateway, utils.ErrorResponse("sync pass failed", err.Error()))
		return
	}

	h.lastSummary.Store(summary)
	h.Logger.LogAPI(r.Method, r.URL.Path, "200", time.Since(start).String())
	sendJSONResponse(w, http.StatusOK, utils.SuccessResponse("sync pass completed", summary))
}

// LastSync returns the summary of the most recent pass of this process.
func (h *Handler) LastSync(w http.ResponseWriter, r *http.Request) {
	summary := h.lastSummary.Load()
	if summary == nil {
		sendJSONResponse(w, http.StatusNotFound, utils.ErrorResponse("no sync pass yet", "trigger one with POST /api/v1/sync/run"))
		return
	}
	sendJSONResponse(w, http.StatusOK, utils.SuccessResponse("last sync pass", summary))
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.DB.ListEvents(r.Context())
	if err != nil {
		sendJSONResponse(w, http.StatusInternalServerError, utils.ErrorResponse("failed to list events", err.Error()))
		return
	}
	sendJSONResponse(w, http.StatusOK, utils.SuccessResponse("events", events))
}

func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	event, err := h.DB.GetEvent(r.Context(), eventID)
	if err != nil {
		sendJSONResponse(w, http.StatusInternalServerError, utils.ErrorResponse("failed to load event", err.Error()))
		return
	}
	if event == nil {
		sendJSONResponse(w, http.StatusNotFound, utils.ErrorResponse("event not found", eventID))
		return
	}
	sendJSONResponse(w, http.StatusOK, utils.SuccessResponse("event", event))
}

// DeleteEvent removes an event and everything it owns. Rate categories are
// left alone.
func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	event, err := h.DB.GetEvent(r.Context(), eventID)
	if err != nil {
		sendJSONResponse(w, http.StatusInternalServerError, utils.ErrorResponse("failed to load event", err.Error()))
		return
	}
	if event == nil {
		sendJSONResponse(w, http.StatusNotFound, utils.ErrorResponse("event not found", eventID))
		return
	}
	if err := h.DB.DeleteEvent(r.Context(), eventID); err != nil {
		sendJSONResponse(w, http.StatusInternalServerError, utils.ErrorResponse("failed to delete event", err.Error()))
		return
	}
	h.Logger.Info("API", fmt.Sprintf("Deleted event %s with all owned records", eventID))
	sendJSONResponse(w, http.StatusOK, utils.SuccessResponse("event deleted", nil))
}

// OrderItemQR renders the stored ticket code of an order item as a PNG.
func (h *Handler) OrderItemQR(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	item, err := h.DB.GetOrderItem(r.Context(), itemID)
	if err != nil {
		sendJSONResponse(w, http.StatusInternalServerError, utils.ErrorResponse("failed to load order item", err.Error()))
		return
	}
	if item == nil {
		sendJSONResponse(w, http.StatusNotFound, utils.ErrorResponse("order item not found", itemID))
		return
	}
	if item.QRCode == "" {
		sendJSONResponse(w, http.StatusNotFound, utils.ErrorResponse("order item has no ticket code", itemID))
		return
	}

	img, err := h.QR.Render(item.QRCode)
	if err != nil {
		sendJSONResponse(w, http.StatusInternalServerError, utils.ErrorResponse("failed to render QR code", err.Error()))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img)
}

func (h *Handler) ReportingRows(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			sendJSONResponse(w, http.StatusBadRequest, utils.ErrorResponse("invalid limit", raw))
			return
		}
		limit = parsed
	}

	rows, err := h.DB.ReportingRows(r.Context(), limit)
	if err != nil {
		sendJSONResponse(w, http.StatusInternalServerError, utils.ErrorResponse("failed to load report", err.Error()))
		return
	}
	sendJSONResponse(w, http.StatusOK, utils.SuccessResponse("reporting rows", rows))
}

func (h *Handler) ListRateCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.DB.ListRateCategories(r.Context())
	if err != nil {
		sendJSONResponse(w, http.StatusInternalServerError, utils.ErrorResponse("failed to list rate categories", err.Error()))
		return
	}
	sendJSONResponse(w, http.StatusOK, utils.SuccessResponse("rate categories", categories))
}

func (h *Handler) CreateRateCategory(w http.ResponseWriter, r *http.Request) {
	var category store.RateCategory
	if err := json.NewDecoder(r.Body).Decode(&category); err != nil {
		sendJSONResponse(w, http.StatusBadRequest, utils.ErrorResponse("invalid request body", err.Error()))
		return
	}
	if category.Slug == "" || category.DisplayName == "" {
		sendJSONResponse(w, http.StatusBadRequest, utils.ErrorResponse("slug and display_name are required", ""))
		return
	}

	if err := h.DB.CreateRateCategory(r.Context(), &category); err != nil {
		sendJSONResponse(w, http.StatusInternalServerError, utils.ErrorResponse("failed to save rate category", err.Error()))
		return
	}
	sendJSONResponse(w, http.StatusCreated, utils.SuccessResponse("rate category saved", category))
}
