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

// AddInteraction registers an interaction between two catalog medications
// and returns it with its assigned id. Ids start at 1.
//
// Checks run in order: severity, both medications, then the pair. A
// failed check leaves the counter untouched.
func (s *Service) AddInteraction(ctx context.Context, req NewInteraction) (in Interaction, err error) {
	const op = "add_interaction"
	ctx, span, started := s.start(ctx, op,
		attribute.String("drug_a", req.DrugA),
		attribute.String("drug_b", req.DrugB))
	defer func() { s.finish(span, op, started, err) }()

	severity, err := ParseSeverity(req.Severity)
	if err != nil {
		return Interaction{}, err
	}

	err = s.store.Update(ctx, func(tx kv.Tx) error {
		if err := requireMedication(tx, req.DrugA); err != nil {
			return err
		}
		if err := requireMedication(tx, req.DrugB); err != nil {
			return err
		}

		_, exists, err := s.pairs.Lookup(tx, req.DrugA, req.DrugB)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("interaction %s/%s: %w", req.DrugA, req.DrugB, domain.ErrAlreadyExists)
		}

		prev, err := kv.Increment(tx, interactionCounterKey)
		if err != nil {
			return err
		}
		in = Interaction{
			ID:              prev + 1,
			Drug1:           req.DrugA,
			Drug2:           req.DrugB,
			Severity:        severity,
			Type:            req.Type,
			ClinicalEffects: req.ClinicalEffects,
			Management:      req.Management,
		}
		if err := tx.Set(interactionKey(in.ID), in); err != nil {
			return fmt.Errorf("write interaction %d: %w", in.ID, err)
		}
		return s.pairs.Put(tx, in.Drug1, in.Drug2, in.ID)
	})
	if err != nil {
		return Interaction{}, err
	}

	s.metrics.InteractionRegistered()
	s.logger.Info("interaction registered",
		zap.Uint64("interaction_id", in.ID),
		zap.String("drug1", in.Drug1),
		zap.String("drug2", in.Drug2),
		zap.Stringer("severity", in.Severity))
	s.events.Emit(ctx, events.New(events.InteractionRegistered, kv.Uint(in.ID), "", in, s.clock.Now()))
	return in, nil
}

// LookupInteractionID resolves the unordered pair {a, b} to its interaction
// id. Either order gives the same id.
func (s *Service) LookupInteractionID(ctx context.Context, a, b string) (uint64, error) {
	var id uint64
	err := s.store.View(ctx, func(tx kv.Tx) error {
		var found bool
		var err error
		id, found, err = s.pairs.Lookup(tx, a, b)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("interaction %s/%s: %w", a, b, domain.ErrNotFound)
		}
		return nil
	})
	return id, err
}

// LookupInteraction resolves the unordered pair {a, b} to the full record.
func (s *Service) LookupInteraction(ctx context.Context, a, b string) (Interaction, error) {
	var in Interaction
	err := s.store.View(ctx, func(tx kv.Tx) error {
		id, found, err := s.pairs.Lookup(tx, a, b)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("interaction %s/%s: %w", a, b, domain.ErrNotFound)
		}
		in, err = loadInteraction(tx, id)
		return err
	})
	return in, err
}

// GetInteraction returns the interaction with the given id.
func (s *Service) GetInteraction(ctx context.Context, id uint64) (Interaction, error) {
	var in Interaction
	err := s.store.View(ctx, func(tx kv.Tx) error {
		var err error
		in, err = loadInteraction(tx, id)
		return err
	})
	return in, err
}

// loadInteraction fails with domain.ErrInteractionNotFound when id has no
// stored record.
func loadInteraction(tx kv.Tx, id uint64) (Interaction, error) {
	var in Interaction
	found, err := tx.Get(interactionKey(id), &in)
	if err != nil {
		return Interaction{}, fmt.Errorf("read interaction %d: %w", id, err)
	}
	if !found {
		return Interaction{}, fmt.Errorf("interaction %d: %w", id, domain.ErrInteractionNotFound)
	}
	return in, nil
}
