package safety

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/events"
	"github.com/drfirst/go-medsafe/internal/storage/kv"
)

// SetPatientAllergies replaces the patient's allergy tokens. Only the
// patient may write their own profile.
func (s *Service) SetPatientAllergies(ctx context.Context, patient string, allergies []string) error {
	return s.setProfileList(ctx, "set_patient_allergies", events.PatientAllergiesSet, patient, allergiesKey(patient), allergies)
}

// SetPatientConditions replaces the patient's condition tokens. Only the
// patient may write their own profile.
func (s *Service) SetPatientConditions(ctx context.Context, patient string, conditions []string) error {
	return s.setProfileList(ctx, "set_patient_conditions", events.PatientConditionsSet, patient, conditionsKey(patient), conditions)
}

func (s *Service) setProfileList(ctx context.Context, op string, typ events.Type, patient string, key kv.Key, values []string) (err error) {
	ctx, span, started := s.start(ctx, op, attribute.String("patient", patient))
	defer func() { s.finish(span, op, started, err) }()

	if err = s.verifier.RequireCaller(ctx, patient); err != nil {
		return err
	}
	if values == nil {
		values = []string{}
	}

	err = s.store.Update(ctx, func(tx kv.Tx) error {
		if err := tx.Set(key, values); err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("patient profile updated",
		zap.String("patient", patient),
		zap.String("list", key[len(key)-1]),
		zap.Int("count", len(values)))
	s.events.Emit(ctx, events.New(typ, patient, patient, values, s.clock.Now()))
	return nil
}

// PatientAllergies returns the patient's allergy tokens, empty when never set.
func (s *Service) PatientAllergies(ctx context.Context, patient string) ([]string, error) {
	return s.viewList(ctx, allergiesKey(patient))
}

// PatientConditions returns the patient's condition tokens, empty when never set.
func (s *Service) PatientConditions(ctx context.Context, patient string) ([]string, error) {
	return s.viewList(ctx, conditionsKey(patient))
}

func (s *Service) viewList(ctx context.Context, key kv.Key) ([]string, error) {
	var list []string
	err := s.store.View(ctx, func(tx kv.Tx) error {
		var err error
		list, err = loadList(tx, key)
		return err
	})
	return list, err
}
