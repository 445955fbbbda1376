package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcore/internal/domain/stock"
)

// StockService is the stock side of the lifecycle engine.
type StockService interface {
	Available(medicine string) int
	StockLevels() []stock.Level
	LowStock() []stock.Level
	Movements(medicine string) []stock.Movement
	Restock(ctx context.Context, medicine string, qty int, reason string) (stock.Movement, error)
}

// StockHandler serves /stock.
type StockHandler struct {
	svc    StockService
	logger *zap.Logger
}

// NewStockHandler creates a handler.
func NewStockHandler(svc StockService, logger *zap.Logger) *StockHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StockHandler{svc: svc, logger: logger}
}

// Routes returns the handler routes.
func (h *StockHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Route("/{medicine}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/increment", h.Increment)
		r.Get("/movements", h.Movements)
	})
	return r
}

// List handles GET /stock. With low=true only medicines at or below the
// low-stock threshold are returned.
func (h *StockHandler) List(w http.ResponseWriter, r *http.Request) {
	low := false
	if raw := r.URL.Query().Get("low"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(w, "low must be a boolean")
			return
		}
		low = v
	}

	levels := h.svc.StockLevels()
	if low {
		levels = h.svc.LowStock()
	}
	if levels == nil {
		levels = []stock.Level{}
	}
	writeJSON(w, http.StatusOK, levels)
}

// Get handles GET /stock/{medicine}. Unknown medicines have zero stock.
func (h *StockHandler) Get(w http.ResponseWriter, r *http.Request) {
	medicine := chi.URLParam(r, "medicine")
	writeJSON(w, http.StatusOK, stock.Level{Medicine: medicine, Available: h.svc.Available(medicine)})
}

// IncrementRequest is the body of a restock.
type IncrementRequest struct {
	Quantity int    `json:"quantity"`
	Reason   string `json:"reason"`
}

// Increment handles POST /stock/{medicine}/increment.
func (h *StockHandler) Increment(w http.ResponseWriter, r *http.Request) {
	var req IncrementRequest
	if err := decode(r, &req, false); err != nil {
		badRequest(w, err.Error())
		return
	}

	mv, err := h.svc.Restock(r.Context(), chi.URLParam(r, "medicine"), req.Quantity, req.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, mv)
}

// Movements handles GET /stock/{medicine}/movements.
func (h *StockHandler) Movements(w http.ResponseWriter, r *http.Request) {
	mvs := h.svc.Movements(chi.URLParam(r, "medicine"))
	if mvs == nil {
		mvs = []stock.Movement{}
	}
	writeJSON(w, http.StatusOK, mvs)
}
