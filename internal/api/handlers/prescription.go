package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/actor"
	"github.com/drfirst/go-medsafe/internal/api/middleware"
	"github.com/drfirst/go-medsafe/internal/domain/prescription"
	"github.com/drfirst/go-medsafe/pkg/idempotency"
)

// IdempotencyKeyHeader names the header that makes issuance replayable.
const IdempotencyKeyHeader = "Idempotency-Key"

// PrescriptionHandler handles prescription endpoints
type PrescriptionHandler struct {
	svc     *prescription.Service
	inbox   *idempotency.Inbox
	decoder decoder
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewPrescriptionHandler creates a new handler. A nil inbox disables
// idempotent issuance.
func NewPrescriptionHandler(svc *prescription.Service, inbox *idempotency.Inbox, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{
		svc:     svc,
		inbox:   inbox,
		decoder: newDecoder(),
		logger:  logger,
		tracer:  otel.Tracer("prescription-handler"),
	}
}

// Routes returns the handler routes
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Issue)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/dispense", h.Dispense)
	r.Post("/{id}/transfer", h.Transfer)
	return r
}

// IssueRequest is the request body for issuing a prescription. Provider
// defaults to the authenticated caller.
type IssueRequest struct {
	Provider            string    `json:"provider"`
	Patient             string    `json:"patient" validate:"required"`
	MedicationName      string    `json:"medication_name"`
	NDC                 string    `json:"ndc_code"`
	Dosage              string    `json:"dosage"`
	Quantity            uint32    `json:"quantity"`
	DaysSupply          uint32    `json:"days_supply"`
	RefillsAllowed      uint32    `json:"refills_allowed"`
	InstructionsHash    string    `json:"instructions_hash"`
	IsControlled        bool      `json:"is_controlled"`
	Schedule            *uint32   `json:"schedule" validate:"omitempty,min=1,max=5"`
	ValidUntil          time.Time `json:"valid_until"`
	SubstitutionAllowed bool      `json:"substitution_allowed"`
}

// Issue handles POST /prescriptions
func (h *PrescriptionHandler) Issue(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "issue_prescription")
	defer span.End()

	body, err := readBody(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req IssueRequest
	if err := h.decoder.decodeBytes(body, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	caller, _ := actor.CallerFrom(ctx)
	if req.Provider == "" {
		req.Provider = caller
	}

	issue := func(ctx context.Context) (json.RawMessage, error) {
		p, err := h.svc.Issue(ctx, req.Provider, req.Patient, prescription.IssueRequest{
			MedicationName:      req.MedicationName,
			NDC:                 req.NDC,
			Dosage:              req.Dosage,
			Quantity:            req.Quantity,
			DaysSupply:          req.DaysSupply,
			RefillsAllowed:      req.RefillsAllowed,
			InstructionsHash:    req.InstructionsHash,
			IsControlled:        req.IsControlled,
			Schedule:            req.Schedule,
			ValidUntil:          req.ValidUntil,
			SubstitutionAllowed: req.SubstitutionAllowed,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(p)
	}

	key := r.Header.Get(IdempotencyKeyHeader)
	if key == "" || h.inbox == nil {
		result, err := issue(ctx)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		writeRaw(w, http.StatusCreated, result)
		return
	}

	span.SetAttributes(attribute.String("idempotency_key", key))
	res, err := h.inbox.Process(ctx, idempotency.GenerateKey(caller, key), "issue_prescription", body, issue)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if res.Replayed {
		h.logger.Info("replayed prescription issue",
			zap.String("caller", caller),
			zap.String("request_id", middleware.GetRequestID(ctx)))
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeRaw(w, http.StatusCreated, res.Result)
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	p, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DispenseRequest is the request body for dispensing. Pharmacy defaults to
// the authenticated caller.
type DispenseRequest struct {
	Pharmacy string `json:"pharmacy"`
	Quantity uint32 `json:"quantity"`
	Lot      string `json:"lot"`
}

// Dispense handles POST /prescriptions/{id}/dispense
func (h *PrescriptionHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req DispenseRequest
	if err := h.decoder.decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if req.Pharmacy == "" {
		req.Pharmacy, _ = actor.CallerFrom(r.Context())
	}

	p, err := h.svc.Dispense(r.Context(), prescription.DispenseRequest{
		ID:       id,
		Pharmacy: req.Pharmacy,
		Quantity: req.Quantity,
		Lot:      req.Lot,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// TransferRequest is the request body for a transfer. FromPharmacy
// defaults to the authenticated caller.
type TransferRequest struct {
	FromPharmacy string `json:"from_pharmacy"`
	ToPharmacy   string `json:"to_pharmacy" validate:"required"`
}

// Transfer handles POST /prescriptions/{id}/transfer
func (h *PrescriptionHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req TransferRequest
	if err := h.decoder.decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if req.FromPharmacy == "" {
		req.FromPharmacy, _ = actor.CallerFrom(r.Context())
	}

	p, err := h.svc.Transfer(r.Context(), prescription.TransferRequest{
		ID:           id,
		FromPharmacy: req.FromPharmacy,
		ToPharmacy:   req.ToPharmacy,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func writeRaw(w http.ResponseWriter, status int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
