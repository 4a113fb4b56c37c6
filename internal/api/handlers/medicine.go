package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-dispensary/internal/api/middleware"
	"github.com/drfirst/go-dispensary/internal/auth"
	"github.com/drfirst/go-dispensary/internal/domain/inventory"
	"github.com/drfirst/go-dispensary/internal/report"
)

// ReportRecorder receives report metrics.
type ReportRecorder interface {
	ReportGenerated(format string, elapsed time.Duration)
}

type nopReportRecorder struct{}

func (nopReportRecorder) ReportGenerated(string, time.Duration) {}

// MedicineHandler handles medicine stock, dispense and history endpoints
type MedicineHandler struct {
	service  *inventory.Service
	renderer *report.Renderer
	location *time.Location
	recorder ReportRecorder
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewMedicineHandler creates a new handler. Report timestamps are printed in
// loc. recorder and logger may be nil.
func NewMedicineHandler(service *inventory.Service, loc *time.Location, recorder ReportRecorder, logger *zap.Logger) *MedicineHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopReportRecorder{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &MedicineHandler{
		service:  service,
		renderer: report.NewRenderer(loc),
		location: loc,
		recorder: recorder,
		logger:   logger,
		tracer:   otel.Tracer("medicine-handler"),
	}
}

// WithRenderer replaces the report renderer. Used by tests.
func (h *MedicineHandler) WithRenderer(r *report.Renderer) *MedicineHandler {
	h.renderer = r
	return h
}

// Routes returns the handler routes. It expects auth.Authenticate to run
// before it.
func (h *MedicineHandler) Routes() chi.Router {
	clinical := auth.RequireRole(auth.RoleAdmin, auth.RoleSuperAdmin, auth.RoleDoctor, auth.RoleNurse)
	admins := auth.RequireRole(auth.RoleAdmin, auth.RoleSuperAdmin)

	r := chi.NewRouter()
	r.With(clinical).Get("/", h.List)
	r.With(clinical).Post("/", h.Intake)
	r.Post("/deduct", h.DispenseBatch)
	r.Get("/dispense-history", h.AllHistory)
	r.Get("/dispense-history/report", h.Report)
	r.Get("/dispense-history/export", h.Export)
	r.With(admins).Delete("/{id}", h.Delete)
	r.Post("/{id}/dispense", h.Dispense)
	r.Get("/{id}/dispense-history", h.History)
	return r
}

// List handles GET /medicines
func (h *MedicineHandler) List(w http.ResponseWriter, r *http.Request) {
	meds, err := h.service.List(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err, "Failed to fetch medicines")
		return
	}
	if meds == nil {
		meds = []*inventory.Medicine{}
	}
	writeJSON(w, http.StatusOK, meds)
}

// IntakeRequest is the request body for receiving stock. Dates accept
// YYYY-MM-DD or RFC 3339.
type IntakeRequest struct {
	Name            string              `json:"name"`
	GenericName     string              `json:"genericName"`
	BrandName       string              `json:"brandName"`
	Description     string              `json:"description"`
	DosageForm      string              `json:"dosageForm"`
	Strength        string              `json:"strength"`
	QuantityInStock *inventory.Quantity `json:"quantityInStock"`
	BoxesInStock    int                 `json:"boxesInStock"`
	CapsulesPerBox  int                 `json:"capsulesPerBox"`
	Unit            string              `json:"unit"`
	ExpiryDate      string              `json:"expiryDate"`
}

func (req *IntakeRequest) toIntake() (*inventory.StockIntake, error) {
	in := &inventory.StockIntake{
		Name:           strings.TrimSpace(req.Name),
		GenericName:    req.GenericName,
		BrandName:      req.BrandName,
		Description:    req.Description,
		DosageForm:     req.DosageForm,
		Strength:       req.Strength,
		BoxesInStock:   req.BoxesInStock,
		CapsulesPerBox: req.CapsulesPerBox,
		Unit:           strings.TrimSpace(req.Unit),
	}
	if req.QuantityInStock != nil && strings.TrimSpace(req.QuantityInStock.Raw) != "" {
		n, ok := req.QuantityInStock.Int()
		if !ok {
			return nil, &inventory.ValidationError{Message: "quantityInStock must be a whole number", Fields: []string{"quantityInStock"}}
		}
		in.QuantityInStock = &n
	}
	if raw := strings.TrimSpace(req.ExpiryDate); raw != "" {
		t, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			t, err = time.Parse(time.RFC3339, raw)
		}
		if err != nil {
			return nil, &inventory.ValidationError{Message: "invalid expiryDate, expected YYYY-MM-DD", Fields: []string{"expiryDate"}}
		}
		in.ExpiryDate = &t
	}
	return in, nil
}

// Intake handles POST /medicines
func (h *MedicineHandler) Intake(w http.ResponseWriter, r *http.Request) {
	var req IntakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	in, err := req.toIntake()
	if err != nil {
		writeError(w, r, h.logger, err, "Failed to add medicine")
		return
	}

	med, merged, err := h.service.Intake(r.Context(), in)
	if err != nil {
		writeError(w, r, h.logger, err, "Failed to add medicine")
		return
	}

	status := http.StatusCreated
	if merged {
		status = http.StatusOK
	}
	writeJSON(w, status, med)
}

// Delete handles DELETE /medicines/{id}
func (h *MedicineHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.Delete(r.Context(), id); err != nil {
		writeError(w, r, h.logger, err, "Failed to delete medicine")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Medicine deleted", "id": id})
}

// DispenseRequest is the request body for a single dispense. Appointment
// optionally carries the patient's name and the appointment date.
type DispenseRequest struct {
	Quantity      inventory.Quantity        `json:"quantity"`
	AppointmentID *string                   `json:"appointmentId"`
	Appointment   *inventory.AppointmentRef `json:"appointment"`
}

// Dispense handles POST /medicines/{id}/dispense
func (h *MedicineHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "dispense_medicine")
	defer span.End()

	id := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("medicine_id", id))

	var req DispenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	// Unreadable quantities come back as 0 and are rejected by the service.
	qty, _ := req.Quantity.Int()

	med, err := h.service.Dispense(ctx, inventory.DispenseRequest{
		MedicineID:    id,
		Quantity:      qty,
		AppointmentID: req.AppointmentID,
		Appointment:   req.Appointment,
	}, actor(r))
	if err != nil {
		writeError(w, r, h.logger, err, "Failed to dispense medicine")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "Medicine dispensed",
		"medicine": med,
	})
}

// BatchRequest is the request body for a consultation's prescribed list
type BatchRequest struct {
	Prescribed json.RawMessage `json:"prescribed"`
	Atomic     bool            `json:"atomic"`
}

// DispenseBatch handles POST /medicines/deduct
func (h *MedicineHandler) DispenseBatch(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "dispense_batch")
	defer span.End()

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	var items []inventory.BatchItem
	if len(req.Prescribed) == 0 || json.Unmarshal(req.Prescribed, &items) != nil || items == nil {
		jsonError(w, "Invalid prescribed list", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int("items", len(items)), attribute.Bool("atomic", req.Atomic))

	result, err := h.service.DispenseBatch(ctx, items, actor(r), inventory.BatchOptions{Atomic: req.Atomic})
	if err != nil {
		h.logger.Info("batch dispense rejected",
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		writeError(w, r, h.logger, err, "Failed to deduct medicines")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"applied": result.Applied,
		"skipped": result.Skipped,
	})
}

// History handles GET /medicines/{id}/dispense-history
func (h *MedicineHandler) History(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err, "Failed to fetch history")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

// AllHistory handles GET /medicines/dispense-history. Query filters are
// optional here.
func (h *MedicineHandler) AllHistory(w http.ResponseWriter, r *http.Request) {
	f, err := report.ParseFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, h.logger, err, "")
		return
	}
	entries, err := h.service.AllHistory(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err, "Failed to fetch global history")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(f.Apply(entries)))
}

// Report handles GET /medicines/dispense-history/report
func (h *MedicineHandler) Report(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "dispense_history_report")
	defer span.End()

	f, err := report.ParseFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, h.logger, err, "")
		return
	}
	if f.Empty() {
		jsonError(w, report.MissingFilterMessage, http.StatusBadRequest)
		return
	}

	start := time.Now()
	entries, err := h.service.AllHistory(ctx)
	if err != nil {
		writeError(w, r, h.logger, err, "Failed to generate report")
		return
	}
	rows := f.Apply(entries)
	span.SetAttributes(attribute.Int("rows", len(rows)))

	doc, err := h.renderer.Render(f, rows)
	if err != nil {
		span.RecordError(err)
		writeError(w, r, h.logger, err, "Failed to generate report")
		return
	}
	h.recorder.ReportGenerated("pdf", time.Since(start))

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "attachment; filename=dispense-history-report.pdf")
	w.WriteHeader(http.StatusOK)
	w.Write(doc)
}

// Export handles GET /medicines/dispense-history/export
func (h *MedicineHandler) Export(w http.ResponseWriter, r *http.Request) {
	f, err := report.ParseFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, h.logger, err, "")
		return
	}

	start := time.Now()
	entries, err := h.service.AllHistory(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err, "Failed to export history")
		return
	}
	book, err := report.Export(f.Apply(entries), h.location)
	if err != nil {
		writeError(w, r, h.logger, err, "Failed to export history")
		return
	}
	h.recorder.ReportGenerated("xlsx", time.Since(start))

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename=dispense-history.xlsx")
	w.WriteHeader(http.StatusOK)
	w.Write(book)
}

func nonNil(entries []*inventory.HistoryEntry) []*inventory.HistoryEntry {
	if entries == nil {
		return []*inventory.HistoryEntry{}
	}
	return entries
}
