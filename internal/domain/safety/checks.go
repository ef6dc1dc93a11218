package safety

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/storage/kv"
)

// Check kinds, as reported to metrics.
const (
	kindInteractions      = "interactions"
	kindAllergies         = "allergies"
	kindContraindications = "contraindications"
	kindScreen            = "screen"
)

// CheckInteractions returns one warning per entry of current that has a
// registered interaction with medication. Warnings follow the order of
// current; they are not sorted by severity.
func (s *Service) CheckInteractions(ctx context.Context, medication string, current []string) (warnings []Warning, err error) {
	const op = "check_interactions"
	ctx, span, started := s.start(ctx, op,
		attribute.String("medication", medication),
		attribute.Int("current_medications", len(current)))
	defer func() { s.finish(span, op, started, err) }()

	err = s.store.View(ctx, func(tx kv.Tx) error {
		var err error
		warnings, err = s.checkInteractions(tx, medication, current)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.recordCheck(kindInteractions, "interaction", warnings)
	return warnings, nil
}

func (s *Service) checkInteractions(tx kv.Tx, medication string, current []string) ([]Warning, error) {
	if err := requireMedication(tx, medication); err != nil {
		return nil, err
	}

	warnings := []Warning{}
	for _, other := range current {
		id, found, err := s.pairs.Lookup(tx, medication, other)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		in, err := loadInteraction(tx, id)
		if err != nil {
			return nil, err
		}
		warnings = append(warnings, interactionWarning(in))
	}
	return warnings, nil
}

// CheckAllergyInteraction returns one warning per patient allergy token
// that equals the medication's generic name, code or a brand name.
// Matching is exact and case-sensitive.
func (s *Service) CheckAllergyInteraction(ctx context.Context, patient, medication string) (warnings []Warning, err error) {
	const op = "check_allergy_interaction"
	ctx, span, started := s.start(ctx, op,
		attribute.String("patient", patient),
		attribute.String("medication", medication))
	defer func() { s.finish(span, op, started, err) }()

	err = s.store.View(ctx, func(tx kv.Tx) error {
		var err error
		warnings, err = checkAllergies(tx, patient, medication)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.recordCheck(kindAllergies, InteractionTypeAllergy, warnings)
	return warnings, nil
}

func checkAllergies(tx kv.Tx, patient, medication string) ([]Warning, error) {
	m, err := loadMedication(tx, medication)
	if err != nil {
		return nil, err
	}
	allergies, err := loadList(tx, allergiesKey(patient))
	if err != nil {
		return nil, err
	}

	warnings := []Warning{}
	for _, allergy := range allergies {
		if m.matches(allergy) {
			warnings = append(warnings, allergyWarning(m, allergy))
		}
	}
	return warnings, nil
}

// GetContraindications returns the entries of medication's contraindication
// list present among the supplied conditions plus the patient's stored
// conditions, in contraindication list order.
func (s *Service) GetContraindications(ctx context.Context, patient, medication string, conditions []string) (matched []string, err error) {
	const op = "get_contraindications"
	ctx, span, started := s.start(ctx, op,
		attribute.String("patient", patient),
		attribute.String("medication", medication))
	defer func() { s.finish(span, op, started, err) }()

	err = s.store.View(ctx, func(tx kv.Tx) error {
		var err error
		matched, err = matchContraindications(tx, patient, medication, conditions)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Check(kindContraindications)
	return matched, nil
}

func matchContraindications(tx kv.Tx, patient, medication string, supplied []string) ([]string, error) {
	if err := requireMedication(tx, medication); err != nil {
		return nil, err
	}

	stored, err := loadList(tx, conditionsKey(patient))
	if err != nil {
		return nil, err
	}
	// supplied entries are kept as given; stored ones only fill gaps
	working := append([]string{}, supplied...)
	for _, c := range stored {
		if !contains(working, c) {
			working = append(working, c)
		}
	}

	contraindications, err := loadList(tx, contraindicationsKey(medication))
	if err != nil {
		return nil, err
	}
	matched := []string{}
	for _, c := range contraindications {
		if contains(working, c) {
			matched = append(matched, c)
		}
	}
	return matched, nil
}

// Screen runs the interaction, allergy and contraindication checks for one
// prospective medication in a single read transaction. Drug-drug warnings
// the patient already has an override for are marked overridden.
//
// Screen is advisory; issuing or dispensing a prescription never calls it.
func (s *Service) Screen(ctx context.Context, req ScreenRequest) (report ScreenReport, err error) {
	const op = "screen"
	ctx, span, started := s.start(ctx, op,
		attribute.String("patient", req.Patient),
		attribute.String("medication", req.Medication))
	defer func() { s.finish(span, op, started, err) }()

	report = ScreenReport{Patient: req.Patient, Medication: req.Medication}
	err = s.store.View(ctx, func(tx kv.Tx) error {
		var err error
		if report.Interactions, err = s.checkInteractions(tx, req.Medication, req.CurrentMedications); err != nil {
			return err
		}
		for i, w := range report.Interactions {
			overridden, err := tx.Has(overrideKey(w.InteractionID, req.Patient))
			if err != nil {
				return fmt.Errorf("check override %d: %w", w.InteractionID, err)
			}
			report.Interactions[i].Overridden = overridden
		}
		if report.Allergies, err = checkAllergies(tx, req.Patient, req.Medication); err != nil {
			return err
		}
		report.Contraindications, err = matchContraindications(tx, req.Patient, req.Medication, req.Conditions)
		return err
	})
	if err != nil {
		return ScreenReport{}, err
	}

	report.summarize()
	s.metrics.Check(kindScreen)
	s.recordWarnings("interaction", report.Interactions)
	s.recordWarnings(InteractionTypeAllergy, report.Allergies)
	s.logger.Debug("screen completed",
		zap.String("patient", req.Patient),
		zap.String("medication", req.Medication),
		zap.Int("interactions", len(report.Interactions)),
		zap.Int("allergies", len(report.Allergies)),
		zap.Int("contraindications", len(report.Contraindications)),
		zap.Bool("documentation_required", report.DocumentationRequired))
	return report, nil
}

func (r *ScreenReport) summarize() {
	r.DocumentationRequired = len(r.Contraindications) > 0
	for _, ws := range [][]Warning{r.Interactions, r.Allergies} {
		for _, w := range ws {
			if w.Severity > r.HighestSeverity {
				r.HighestSeverity = w.Severity
			}
			if w.DocumentationRequired && !w.Overridden {
				r.DocumentationRequired = true
			}
		}
	}
}

func (s *Service) recordCheck(check, source string, warnings []Warning) {
	s.metrics.Check(check)
	s.recordWarnings(source, warnings)
}

func (s *Service) recordWarnings(source string, warnings []Warning) {
	for _, w := range warnings {
		s.metrics.Warning(source, w.Severity.String())
	}
}
