package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/actor"
	"github.com/drfirst/go-medsafe/internal/domain/safety"
)

// SafetyHandler serves the catalog, registry, patient profile, check and
// override endpoints.
type SafetyHandler struct {
	svc     *safety.Service
	decoder decoder
	logger  *zap.Logger
}

// NewSafetyHandler creates a new handler
func NewSafetyHandler(svc *safety.Service, logger *zap.Logger) *SafetyHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SafetyHandler{svc: svc, decoder: newDecoder(), logger: logger}
}

// Register mounts the handler's routes on r.
func (h *SafetyHandler) Register(r chi.Router) {
	r.Route("/medications", func(r chi.Router) {
		r.Post("/", h.RegisterMedication)
		r.Get("/{code}", h.GetMedication)
		r.Put("/{code}/contraindications", h.SetContraindications)
		r.Get("/{code}/contraindications", h.GetContraindicationList)
	})
	r.Route("/interactions", func(r chi.Router) {
		r.Post("/", h.AddInteraction)
		r.Get("/pair", h.LookupInteraction)
		r.Get("/{id}", h.GetInteraction)
	})
	r.Route("/patients/{patient}", func(r chi.Router) {
		r.Put("/allergies", h.SetAllergies)
		r.Get("/allergies", h.GetAllergies)
		r.Put("/conditions", h.SetConditions)
		r.Get("/conditions", h.GetConditions)
	})
	r.Route("/checks", func(r chi.Router) {
		r.Post("/interactions", h.CheckInteractions)
		r.Post("/allergies", h.CheckAllergies)
		r.Post("/contraindications", h.CheckContraindications)
		r.Post("/screen", h.Screen)
	})
	r.Route("/overrides", func(r chi.Router) {
		r.Post("/", h.Override)
		r.Get("/{interaction_id}/{patient}", h.GetOverride)
	})
}

// MedicationRequest is the body of POST /medications.
type MedicationRequest struct {
	Code        string   `json:"code" validate:"required"`
	GenericName string   `json:"generic_name" validate:"required"`
	BrandNames  []string `json:"brand_names"`
	DrugClass   string   `json:"drug_class"`
	Fingerprint string   `json:"fingerprint"`
}

// RegisterMedication handles POST /medications
func (h *SafetyHandler) RegisterMedication(w http.ResponseWriter, r *http.Request) {
	var req MedicationRequest
	if err := h.decoder.decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	m := safety.Medication{
		Code:        req.Code,
		GenericName: req.GenericName,
		BrandNames:  req.BrandNames,
		DrugClass:   req.DrugClass,
		Fingerprint: req.Fingerprint,
	}
	if err := h.svc.RegisterMedication(r.Context(), m); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if m.BrandNames == nil {
		m.BrandNames = []string{}
	}
	writeJSON(w, http.StatusCreated, m)
}

// GetMedication handles GET /medications/{code}
func (h *SafetyHandler) GetMedication(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.GetMedication(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ConditionsRequest is the body of the condition list endpoints.
type ConditionsRequest struct {
	Conditions []string `json:"conditions" validate:"required"`
}

// ContraindicationsResponse lists the conditions that contraindicate a medication.
type ContraindicationsResponse struct {
	Medication string   `json:"medication"`
	Conditions []string `json:"conditions"`
}

// SetContraindications handles PUT /medications/{code}/contraindications
func (h *SafetyHandler) SetContraindications(w http.ResponseWriter, r *http.Request) {
	var req ConditionsRequest
	if err := h.decoder.decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	code := chi.URLParam(r, "code")
	if err := h.svc.SetContraindications(r.Context(), code, req.Conditions); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ContraindicationsResponse{Medication: code, Conditions: req.Conditions})
}

// GetContraindicationList handles GET /medications/{code}/contraindications
func (h *SafetyHandler) GetContraindicationList(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	list, err := h.svc.ContraindicationList(r.Context(), code)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ContraindicationsResponse{Medication: code, Conditions: list})
}

// InteractionRequest is the body of POST /interactions.
type InteractionRequest struct {
	DrugA           string `json:"drug_a" validate:"required"`
	DrugB           string `json:"drug_b" validate:"required"`
	Severity        string `json:"severity"`
	InteractionType string `json:"interaction_type"`
	ClinicalEffects string `json:"clinical_effects"`
	Management      string `json:"management"`
}

// AddInteraction handles POST /interactions
func (h *SafetyHandler) AddInteraction(w http.ResponseWriter, r *http.Request) {
	var req InteractionRequest
	if err := h.decoder.decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	in, err := h.svc.AddInteraction(r.Context(), safety.NewInteraction{
		DrugA:           req.DrugA,
		DrugB:           req.DrugB,
		Severity:        req.Severity,
		Type:            req.InteractionType,
		ClinicalEffects: req.ClinicalEffects,
		Management:      req.Management,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, in)
}

// GetInteraction handles GET /interactions/{id}
func (h *SafetyHandler) GetInteraction(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	in, err := h.svc.GetInteraction(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

// LookupInteraction handles GET /interactions/pair?a=&b=
func (h *SafetyHandler) LookupInteraction(w http.ResponseWriter, r *http.Request) {
	a, b := r.URL.Query().Get("a"), r.URL.Query().Get("b")
	if a == "" || b == "" {
		writeError(w, r, h.logger, badRequest("query parameters a and b are required"))
		return
	}

	in, err := h.svc.LookupInteraction(r.Context(), a, b)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

// AllergiesRequest is the body of PUT /patients/{patient}/allergies.
type AllergiesRequest struct {
	Allergies []string `json:"allergies" validate:"required"`
}

// SetAllergies handles PUT /patients/{patient}/allergies
func (h *SafetyHandler) SetAllergies(w http.ResponseWriter, r *http.Request) {
	var req AllergiesRequest
	if err := h.decoder.decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	patient := chi.URLParam(r, "patient")
	if err := h.svc.SetPatientAllergies(r.Context(), patient, req.Allergies); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"patient": patient, "allergies": req.Allergies})
}

// GetAllergies handles GET /patients/{patient}/allergies
func (h *SafetyHandler) GetAllergies(w http.ResponseWriter, r *http.Request) {
	patient := chi.URLParam(r, "patient")
	list, err := h.svc.PatientAllergies(r.Context(), patient)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"patient": patient, "allergies": list})
}

// SetConditions handles PUT /patients/{patient}/conditions
func (h *SafetyHandler) SetConditions(w http.ResponseWriter, r *http.Request) {
	var req ConditionsRequest
	if err := h.decoder.decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	patient := chi.URLParam(r, "patient")
	if err := h.svc.SetPatientConditions(r.Context(), patient, req.Conditions); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"patient": patient, "conditions": req.Conditions})
}

// GetConditions handles GET /patients/{patient}/conditions
func (h *SafetyHandler) GetConditions(w http.ResponseWriter, r *http.Request) {
	patient := chi.URLParam(r, "patient")
	list, err := h.svc.PatientConditions(r.Context(), patient)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"patient": patient, "conditions": list})
}

// InteractionCheckRequest is the body of POST /checks/interactions.
type InteractionCheckRequest struct {
	Medication         string   `json:"medication" validate:"required"`
	CurrentMedications []string `json:"current_medications"`
}

// WarningsResponse lists the warnings produced by a check.
type WarningsResponse struct {
	Warnings []safety.Warning `json:"warnings"`
}

func warnings(w []safety.Warning) WarningsResponse {
	if w == nil {
		w = []safety.Warning{}
	}
	return WarningsResponse{Warnings: w}
}

// CheckInteractions handles POST /checks/interactions
func (h *SafetyHandler) CheckInteractions(w http.ResponseWriter, r *http.Request) {
	var req InteractionCheckRequest
	if err := h.decoder.decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	found, err := h.svc.CheckInteractions(r.Context(), req.Medication, req.CurrentMedications)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, warnings(found))
}

// AllergyCheckRequest is the body of POST /checks/allergies.
type AllergyCheckRequest struct {
	Patient    string `json:"patient" validate:"required"`
	Medication string `json:"medication" validate:"required"`
}

// CheckAllergies handles POST /checks/allergies
func (h *SafetyHandler) CheckAllergies(w http.ResponseWriter, r *http.Request) {
	var req AllergyCheckRequest
	if err := h.decoder.decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	found, err := h.svc.CheckAllergyInteraction(r.Context(), req.Patient, req.Medication)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, warnings(found))
}

// ContraindicationCheckRequest is the body of POST /checks/contraindications.
type ContraindicationCheckRequest struct {
	Patient    string   `json:"patient" validate:"required"`
	Medication string   `json:"medication" validate:"required"`
	Conditions []string `json:"conditions"`
}

// CheckContraindications handles POST /checks/contraindications
func (h *SafetyHandler) CheckContraindications(w http.ResponseWriter, r *http.Request) {
	var req ContraindicationCheckRequest
	if err := h.decoder.decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	matched, err := h.svc.GetContraindications(r.Context(), req.Patient, req.Medication, req.Conditions)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if matched == nil {
		matched = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"contraindications": matched})
}

// ScreenRequest is the body of POST /checks/screen.
type ScreenRequest struct {
	Patient            string   `json:"patient" validate:"required"`
	Medication         string   `json:"medication" validate:"required"`
	CurrentMedications []string `json:"current_medications"`
	Conditions         []string `json:"conditions"`
}

// Screen handles POST /checks/screen
func (h *SafetyHandler) Screen(w http.ResponseWriter, r *http.Request) {
	var req ScreenRequest
	if err := h.decoder.decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	report, err := h.svc.Screen(r.Context(), safety.ScreenRequest{
		Patient:            req.Patient,
		Medication:         req.Medication,
		CurrentMedications: req.CurrentMedications,
		Conditions:         req.Conditions,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// OverrideRequest is the body of POST /overrides. Provider defaults to the
// authenticated caller.
type OverrideRequest struct {
	Provider      string `json:"provider"`
	Patient       string `json:"patient" validate:"required"`
	Medication    string `json:"medication" validate:"required"`
	InteractionID uint64 `json:"interaction_id"`
	Reason        string `json:"reason"`
}

// Override handles POST /overrides
func (h *SafetyHandler) Override(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := h.decoder.decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if req.Provider == "" {
		req.Provider, _ = actor.CallerFrom(r.Context())
	}

	o, err := h.svc.OverrideInteractionWarning(r.Context(), safety.OverrideRequest{
		Provider:      req.Provider,
		Patient:       req.Patient,
		Medication:    req.Medication,
		InteractionID: req.InteractionID,
		Reason:        req.Reason,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// GetOverride handles GET /overrides/{interaction_id}/{patient}
func (h *SafetyHandler) GetOverride(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "interaction_id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	o, err := h.svc.GetOverride(r.Context(), id, chi.URLParam(r, "patient"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
