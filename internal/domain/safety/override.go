package safety

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/domain"
	"github.com/drfirst/go-medsafe/internal/events"
	"github.com/drfirst/go-medsafe/internal/storage/kv"
)

// OverrideInteractionWarning records the provider's justified acceptance
// of an interaction for a patient. A later override for the same
// interaction and patient replaces the earlier one.
func (s *Service) OverrideInteractionWarning(ctx context.Context, req OverrideRequest) (o Override, err error) {
	const op = "override_interaction_warning"
	ctx, span, started := s.start(ctx, op,
		attribute.String("provider", req.Provider),
		attribute.String("patient", req.Patient),
		attribute.Int64("interaction_id", int64(req.InteractionID)))
	defer func() { s.finish(span, op, started, err) }()

	if err = s.verifier.RequireCaller(ctx, req.Provider); err != nil {
		return Override{}, err
	}
	if req.Reason == "" {
		return Override{}, fmt.Errorf("override of interaction %d: %w", req.InteractionID, domain.ErrMissingOverrideReason)
	}

	o = Override{
		Provider:      req.Provider,
		Patient:       req.Patient,
		Medication:    req.Medication,
		InteractionID: req.InteractionID,
		Reason:        req.Reason,
		Timestamp:     s.clock.Now(),
	}
	err = s.store.Update(ctx, func(tx kv.Tx) error {
		exists, err := tx.Has(interactionKey(req.InteractionID))
		if err != nil {
			return fmt.Errorf("check interaction %d: %w", req.InteractionID, err)
		}
		if !exists {
			return fmt.Errorf("interaction %d: %w", req.InteractionID, domain.ErrInteractionNotFound)
		}
		return tx.Set(overrideKey(req.InteractionID, req.Patient), o)
	})
	if err != nil {
		return Override{}, err
	}

	s.metrics.OverrideRecorded()
	s.logger.Info("interaction override recorded",
		zap.Uint64("interaction_id", o.InteractionID),
		zap.String("patient", o.Patient),
		zap.String("provider", o.Provider),
		zap.String("medication", o.Medication))
	s.events.Emit(ctx, events.New(events.OverrideRecorded, kv.Uint(o.InteractionID), o.Provider, o, o.Timestamp))
	return o, nil
}

// GetOverride returns the override recorded for the interaction and patient.
func (s *Service) GetOverride(ctx context.Context, interactionID uint64, patient string) (Override, error) {
	var o Override
	err := s.store.View(ctx, func(tx kv.Tx) error {
		found, err := tx.Get(overrideKey(interactionID, patient), &o)
		if err != nil {
			return fmt.Errorf("read override %d/%s: %w", interactionID, patient, err)
		}
		if !found {
			return fmt.Errorf("override %d/%s: %w", interactionID, patient, domain.ErrNotFound)
		}
		return nil
	})
	return o, err
}
