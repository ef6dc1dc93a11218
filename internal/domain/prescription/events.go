package prescription

import (
	"time"

	"github.com/drfirst/go-medsafe/internal/events"
	"github.com/drfirst/go-medsafe/internal/storage/kv"
)

// Event is a state change recorded by the aggregate. Data is one of
// IssuedData, DispensedData or TransferredData.
type Event struct {
	Type           events.Type
	PrescriptionID uint64
	Actor          string
	Data           any
	Timestamp      time.Time
}

// Envelope converts the change into the published event.
func (e *Event) Envelope() events.Event {
	return events.New(e.Type, kv.Uint(e.PrescriptionID), e.Actor, e.Data, e.Timestamp)
}

// IssuedData contains prescription issue details
type IssuedData struct {
	Provider            string    `json:"provider"`
	Patient             string    `json:"patient"`
	MedicationName      string    `json:"medication_name"`
	NDC                 string    `json:"ndc_code,omitempty"`
	Dosage              string    `json:"dosage,omitempty"`
	Quantity            uint32    `json:"quantity"`
	DaysSupply          uint32    `json:"days_supply"`
	RefillsAllowed      uint32    `json:"refills_allowed"`
	InstructionsHash    string    `json:"instructions_hash,omitempty"`
	IsControlled        bool      `json:"is_controlled"`
	Schedule            *uint32   `json:"schedule,omitempty"`
	SubstitutionAllowed bool      `json:"substitution_allowed"`
	ValidUntil          time.Time `json:"valid_until"`
}

// DispensedData contains dispensing details. Quantity and lot are recorded
// on the event only.
type DispensedData struct {
	Pharmacy string `json:"pharmacy"`
	Quantity uint32 `json:"quantity"`
	Lot      string `json:"lot,omitempty"`
}

// TransferredData contains transfer details
type TransferredData struct {
	FromPharmacy string `json:"from_pharmacy"`
	ToPharmacy   string `json:"to_pharmacy"`
}
