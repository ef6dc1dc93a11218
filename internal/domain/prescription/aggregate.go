// Package prescription implements the prescription lifecycle:
// issue, then dispense or transfer, gated by a validity deadline.
package prescription

import (
	"fmt"
	"time"

	"github.com/drfirst/go-medsafe/internal/domain"
	"github.com/drfirst/go-medsafe/internal/events"
)

// Status represents prescription status
type Status string

const (
	StatusActive      Status = "active"
	StatusDispensed   Status = "dispensed"
	StatusTransferred Status = "transferred"
	// StatusExpired is never stored; it is derived at read time.
	StatusExpired Status = "expired"
)

// Prescription is the stored prescription record.
type Prescription struct {
	ID                  uint64    `json:"id"`
	Version             int       `json:"version"`
	Provider            string    `json:"provider"`
	Patient             string    `json:"patient"`
	MedicationName      string    `json:"medication_name"`
	NDC                 string    `json:"ndc_code,omitempty"`
	Dosage              string    `json:"dosage,omitempty"`
	Quantity            uint32    `json:"quantity"`
	DaysSupply          uint32    `json:"days_supply"`
	RefillsRemaining    uint32    `json:"refills_remaining"`
	InstructionsHash    string    `json:"instructions_hash,omitempty"`
	IsControlled        bool      `json:"is_controlled"`
	Schedule            *uint32   `json:"schedule,omitempty"`
	SubstitutionAllowed bool      `json:"substitution_allowed"`
	CurrentPharmacy     *string   `json:"current_pharmacy"`
	Status              Status    `json:"status"`
	ValidUntil          time.Time `json:"valid_until"`
	IssuedAt            time.Time `json:"issued_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// StatusAt returns the status as observed at now. An active prescription
// past its deadline reads as expired.
func (p Prescription) StatusAt(now time.Time) Status {
	if p.Status == StatusActive && now.After(p.ValidUntil) {
		return StatusExpired
	}
	return p.Status
}

// IssueRequest carries the prescriber's order.
type IssueRequest struct {
	MedicationName      string
	NDC                 string
	Dosage              string
	Quantity            uint32
	DaysSupply          uint32
	RefillsAllowed      uint32
	InstructionsHash    string
	IsControlled        bool
	Schedule            *uint32
	ValidUntil          time.Time
	SubstitutionAllowed bool
}

// Validate rejects orders that cannot be dispensed.
func (r IssueRequest) Validate() error {
	switch {
	case r.MedicationName == "":
		return fmt.Errorf("medication name is required: %w", domain.ErrInvalidPrescription)
	case r.Quantity == 0:
		return fmt.Errorf("quantity must be positive: %w", domain.ErrInvalidPrescription)
	case r.ValidUntil.IsZero():
		return fmt.Errorf("validity deadline is required: %w", domain.ErrInvalidPrescription)
	}
	return nil
}

// Aggregate represents the prescription aggregate root
type Aggregate struct {
	state   Prescription
	changes []*Event
}

// Issue creates an active prescription with no pharmacy assigned.
func Issue(id uint64, provider, patient string, req IssueRequest, now time.Time) (*Aggregate, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	a := &Aggregate{}
	a.record(&Event{
		Type:           events.PrescriptionIssued,
		PrescriptionID: id,
		Actor:          provider,
		Timestamp:      now,
		Data: IssuedData{
			Provider:            provider,
			Patient:             patient,
			MedicationName:      req.MedicationName,
			NDC:                 req.NDC,
			Dosage:              req.Dosage,
			Quantity:            req.Quantity,
			DaysSupply:          req.DaysSupply,
			RefillsAllowed:      req.RefillsAllowed,
			InstructionsHash:    req.InstructionsHash,
			IsControlled:        req.IsControlled,
			Schedule:            req.Schedule,
			SubstitutionAllowed: req.SubstitutionAllowed,
			ValidUntil:          req.ValidUntil.UTC(),
		},
	})
	return a, nil
}

// FromSnapshot rebuilds an aggregate from its stored record.
func FromSnapshot(p Prescription) *Aggregate {
	return &Aggregate{state: p}
}

// ID returns the aggregate ID
func (a *Aggregate) ID() uint64 { return a.state.ID }

// Snapshot returns the current record.
func (a *Aggregate) Snapshot() Prescription { return a.state }

// Changes returns uncommitted events
func (a *Aggregate) Changes() []*Event { return a.changes }

// ClearChanges clears uncommitted events
func (a *Aggregate) ClearChanges() { a.changes = nil }

// Dispense hands the prescription to pharmacy. It fails with
// domain.ErrExpired once now is past the deadline; dispensing exactly at
// the deadline succeeds.
func (a *Aggregate) Dispense(pharmacy string, quantity uint32, lot string, now time.Time) error {
	if now.After(a.state.ValidUntil) {
		return fmt.Errorf("prescription %d valid until %s: %w",
			a.state.ID, a.state.ValidUntil.Format(time.RFC3339), domain.ErrExpired)
	}

	a.record(&Event{
		Type:           events.PrescriptionDispensed,
		PrescriptionID: a.state.ID,
		Actor:          pharmacy,
		Timestamp:      now,
		Data: DispensedData{
			Pharmacy: pharmacy,
			Quantity: quantity,
			Lot:      lot,
		},
	})
	return nil
}

// Transfer moves the prescription to another pharmacy. The sending
// pharmacy is not checked against the current holder.
func (a *Aggregate) Transfer(from, to string, now time.Time) error {
	a.record(&Event{
		Type:           events.PrescriptionTransferred,
		PrescriptionID: a.state.ID,
		Actor:          from,
		Timestamp:      now,
		Data: TransferredData{
			FromPharmacy: from,
			ToPharmacy:   to,
		},
	})
	return nil
}

func (a *Aggregate) record(e *Event) {
	a.apply(e)
	a.changes = append(a.changes, e)
}

// apply applies an event to update state
func (a *Aggregate) apply(e *Event) {
	a.state.Version++
	a.state.UpdatedAt = e.Timestamp.UTC()

	switch data := e.Data.(type) {
	case IssuedData:
		a.state.ID = e.PrescriptionID
		a.state.Provider = data.Provider
		a.state.Patient = data.Patient
		a.state.MedicationName = data.MedicationName
		a.state.NDC = data.NDC
		a.state.Dosage = data.Dosage
		a.state.Quantity = data.Quantity
		a.state.DaysSupply = data.DaysSupply
		a.state.RefillsRemaining = data.RefillsAllowed
		a.state.InstructionsHash = data.InstructionsHash
		a.state.IsControlled = data.IsControlled
		a.state.Schedule = data.Schedule
		a.state.SubstitutionAllowed = data.SubstitutionAllowed
		a.state.ValidUntil = data.ValidUntil
		a.state.CurrentPharmacy = nil
		a.state.Status = StatusActive
		a.state.IssuedAt = e.Timestamp.UTC()
	case DispensedData:
		pharmacy := data.Pharmacy
		a.state.CurrentPharmacy = &pharmacy
		a.state.Status = StatusDispensed
	case TransferredData:
		to := data.ToPharmacy
		a.state.CurrentPharmacy = &to
		a.state.Status = StatusTransferred
	}
}
