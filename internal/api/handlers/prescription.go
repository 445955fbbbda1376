package handlers

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcore/internal/api/middleware"
	"github.com/drfirst/go-rxcore/internal/domain/audit"
	"github.com/drfirst/go-rxcore/internal/domain/fulfillment"
	"github.com/drfirst/go-rxcore/internal/domain/prescription"
	"github.com/drfirst/go-rxcore/internal/fhir"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// PrescriptionService is the part of the lifecycle engine served here.
type PrescriptionService interface {
	Now() time.Time
	Upload(ctx context.Context, d prescription.Draft) (prescription.Prescription, error)
	Find(ctx context.Context, id string) (prescription.Prescription, error)
	Query(f prescription.Filter) iter.Seq[prescription.Prescription]
	Approve(ctx context.Context, id, validator, notes string) (prescription.Prescription, error)
	Reject(ctx context.Context, id, validator, notes string) (prescription.Prescription, error)
	FulfillLine(ctx context.Context, req fulfillment.Request) (fulfillment.Result, error)
	Progress(ctx context.Context, id string) (int, error)
	CheckAvailability(ctx context.Context, id string) (prescription.Prescription, error)
	AuditTrail(ctx context.Context, id string) ([]audit.Entry, error)
}

// PrescriptionHandler serves /prescriptions.
type PrescriptionHandler struct {
	svc    PrescriptionService
	logger *zap.Logger
}

// NewPrescriptionHandler creates a handler.
func NewPrescriptionHandler(svc PrescriptionService, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{svc: svc, logger: logger}
}

// Routes returns the handler routes.
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/approve", h.Approve)
		r.Post("/reject", h.Reject)
		r.Post("/lines/{line}/fulfill", h.FulfillLine)
		r.Get("/progress", h.Progress)
		r.Post("/availability", h.CheckAvailability)
		r.Get("/audit", h.AuditTrail)
		r.Get("/fhir", h.FHIR)
	})
	return r
}

// PrescriptionView is a prescription with its derived fields evaluated at
// response time.
type PrescriptionView struct {
	prescription.Prescription
	FulfillmentStatus prescription.FulfillmentStatus `json:"fulfillment_status"`
	Progress          int                            `json:"progress"`
	HasRestricted     bool                           `json:"has_restricted_medicines"`
	ExpiryBucket      prescription.ExpiryBucket      `json:"expiry_bucket"`
	DaysRemaining     int                            `json:"days_remaining"`
}

func view(p prescription.Prescription, now time.Time) PrescriptionView {
	return PrescriptionView{
		Prescription:      p,
		FulfillmentStatus: p.FulfillmentStatus(),
		Progress:          p.FulfillmentProgress(),
		HasRestricted:     p.HasRestrictedMedicines(),
		ExpiryBucket:      p.ExpiryBucket(now),
		DaysRemaining:     p.DaysRemaining(now),
	}
}

// Create handles POST /prescriptions.
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var d prescription.Draft
	if err := decode(r, &d, false); err != nil {
		badRequest(w, err.Error())
		return
	}
	if d.UploadedBy == "" {
		d.UploadedBy = middleware.GetClientID(r.Context())
	}

	p, err := h.svc.Upload(r.Context(), d)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.logger.Info("prescription uploaded",
		zap.String("prescription_id", p.ID),
		zap.Int("lines", len(p.Lines)),
		zap.String("request_id", middleware.GetRequestID(r.Context())))

	w.Header().Set("Location", "/api/v1/prescriptions/"+p.ID)
	writeJSON(w, http.StatusCreated, view(p, h.svc.Now()))
}

// ListResponse is the body of GET /prescriptions.
type ListResponse struct {
	Items []PrescriptionView `json:"items"`
	Count int                `json:"count"`
}

// List handles GET /prescriptions.
func (h *PrescriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	now := h.svc.Now()
	resp := ListResponse{Items: []PrescriptionView{}}
	for p := range h.svc.Query(f) {
		if len(resp.Items) == limit {
			break
		}
		resp.Items = append(resp.Items, view(p, now))
	}
	resp.Count = len(resp.Items)
	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /prescriptions/{id}.
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Find(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view(p, h.svc.Now()))
}

// DecisionRequest is the body of approve and reject.
type DecisionRequest struct {
	Validator string `json:"validator"`
	Notes     string `json:"notes"`
}

// Approve handles POST /prescriptions/{id}/approve.
func (h *PrescriptionHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.svc.Approve)
}

// Reject handles POST /prescriptions/{id}/reject.
func (h *PrescriptionHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.svc.Reject)
}

func (h *PrescriptionHandler) decide(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, id, validator, notes string) (prescription.Prescription, error)) {
	var req DecisionRequest
	if err := decode(r, &req, true); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.Validator == "" {
		req.Validator = middleware.GetClientID(r.Context())
	}

	p, err := fn(r.Context(), chi.URLParam(r, "id"), req.Validator, req.Notes)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view(p, h.svc.Now()))
}

// FulfillRequest is the body of a line fulfillment.
type FulfillRequest struct {
	Quantity  int    `json:"quantity"`
	InvoiceID string `json:"invoice_id"`
	Actor     string `json:"actor"`
}

// FulfillResponse is returned after a successful dispense.
type FulfillResponse struct {
	Prescription PrescriptionView `json:"prescription"`
	StockBalance int              `json:"stock_balance"`
}

// FulfillLine handles POST /prescriptions/{id}/lines/{line}/fulfill.
func (h *PrescriptionHandler) FulfillLine(w http.ResponseWriter, r *http.Request) {
	line, err := strconv.Atoi(chi.URLParam(r, "line"))
	if err != nil {
		badRequest(w, "line must be an integer index")
		return
	}
	var req FulfillRequest
	if err := decode(r, &req, false); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.Actor == "" {
		req.Actor = middleware.GetClientID(r.Context())
	}

	res, err := h.svc.FulfillLine(r.Context(), fulfillment.Request{
		PrescriptionID: chi.URLParam(r, "id"),
		LineIndex:      line,
		Quantity:       req.Quantity,
		InvoiceID:      req.InvoiceID,
		Actor:          req.Actor,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, FulfillResponse{
		Prescription: view(res.Prescription, h.svc.Now()),
		StockBalance: res.Movement.Balance,
	})
}

// Progress handles GET /prescriptions/{id}/progress.
func (h *PrescriptionHandler) Progress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pct, err := h.svc.Progress(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "progress": pct})
}

// CheckAvailability handles POST /prescriptions/{id}/availability.
func (h *PrescriptionHandler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.CheckAvailability(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view(p, h.svc.Now()))
}

// AuditTrail handles GET /prescriptions/{id}/audit.
func (h *PrescriptionHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.AuditTrail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// FHIR handles GET /prescriptions/{id}/fhir, rendering the prescription as a
// bundle of MedicationRequest resources.
func (h *PrescriptionHandler) FHIR(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Find(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(fhir.FromPrescription(p, h.svc.Now()))
}
