// Package safety implements the medication catalog, the symmetric drug
// interaction registry, patient safety profiles, contraindication matching,
// the interaction checks and the override workflow.
package safety

import "time"

// InteractionTypeAllergy tags warnings produced by allergy matching.
const InteractionTypeAllergy = "allergy"

// Fixed guidance attached to every allergy warning.
const (
	AllergyClinicalEffects = "Potential hypersensitivity or allergic reaction."
	AllergyManagement      = "Avoid medication and prescribe a non-cross-reactive alternative."
)

// Medication is a catalog entry.
type Medication struct {
	Code        string   `json:"code"`
	GenericName string   `json:"generic_name"`
	BrandNames  []string `json:"brand_names"`
	DrugClass   string   `json:"drug_class"`
	// Fingerprint is an opaque digest of the interaction profile.
	Fingerprint string `json:"fingerprint"`
}

// matches reports whether an allergy token names this medication.
func (m Medication) matches(token string) bool {
	if token == m.GenericName || token == m.Code {
		return true
	}
	for _, b := range m.BrandNames {
		if b == token {
			return true
		}
	}
	return false
}

// Interaction is a registered drug-drug interaction.
type Interaction struct {
	ID              uint64   `json:"id"`
	Drug1           string   `json:"drug1"`
	Drug2           string   `json:"drug2"`
	Severity        Severity `json:"severity"`
	Type            string   `json:"interaction_type"`
	ClinicalEffects string   `json:"clinical_effects"`
	Management      string   `json:"management"`
}

// NewInteraction describes an interaction to register.
type NewInteraction struct {
	DrugA           string
	DrugB           string
	Severity        string
	Type            string
	ClinicalEffects string
	Management      string
}

// Warning is one detected conflict. It is computed, never stored.
type Warning struct {
	Drug1 string `json:"drug1"`
	// Drug2 is the second medication code, or the matching allergy token.
	Drug2 string `json:"drug2"`
	// InteractionID is zero for allergy warnings.
	InteractionID         uint64   `json:"interaction_id"`
	Severity              Severity `json:"severity"`
	InteractionType       string   `json:"interaction_type"`
	ClinicalEffects       string   `json:"clinical_effects"`
	Management            string   `json:"management"`
	DocumentationRequired bool     `json:"documentation_required"`
	Overridden            bool     `json:"overridden,omitempty"`
}

func interactionWarning(i Interaction) Warning {
	return Warning{
		Drug1:                 i.Drug1,
		Drug2:                 i.Drug2,
		InteractionID:         i.ID,
		Severity:              i.Severity,
		InteractionType:       i.Type,
		ClinicalEffects:       i.ClinicalEffects,
		Management:            i.Management,
		DocumentationRequired: i.Severity.DocumentationRequired(),
	}
}

func allergyWarning(m Medication, allergy string) Warning {
	return Warning{
		Drug1:                 m.Code,
		Drug2:                 allergy,
		Severity:              SeverityContraindicated,
		InteractionType:       InteractionTypeAllergy,
		ClinicalEffects:       AllergyClinicalEffects,
		Management:            AllergyManagement,
		DocumentationRequired: true,
	}
}

// Override records a clinician's justified acceptance of a flagged
// interaction for one patient.
type Override struct {
	Provider      string    `json:"provider"`
	Patient       string    `json:"patient"`
	Medication    string    `json:"medication"`
	InteractionID uint64    `json:"interaction_id"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
}

// OverrideRequest asks to override interaction InteractionID for Patient.
type OverrideRequest struct {
	Provider      string
	Patient       string
	Medication    string
	InteractionID uint64
	Reason        string
}

// ScreenRequest asks for every check against one prospective medication.
type ScreenRequest struct {
	Patient            string
	Medication         string
	CurrentMedications []string
	Conditions         []string
}

// ScreenReport aggregates the three checks for one prospective medication.
type ScreenReport struct {
	Patient           string    `json:"patient"`
	Medication        string    `json:"medication"`
	Interactions      []Warning `json:"interactions"`
	Allergies         []Warning `json:"allergies"`
	Contraindications []string  `json:"contraindications"`
	// HighestSeverity is the most severe tier among all warnings, or zero
	// when there are none.
	HighestSeverity       Severity `json:"highest_severity,omitempty"`
	DocumentationRequired bool     `json:"documentation_required"`
}
