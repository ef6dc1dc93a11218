package safety

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/actor"
	"github.com/drfirst/go-medsafe/internal/clock"
	"github.com/drfirst/go-medsafe/internal/domain"
	"github.com/drfirst/go-medsafe/internal/events"
	"github.com/drfirst/go-medsafe/internal/observability/metrics"
	"github.com/drfirst/go-medsafe/internal/storage/kv"
)

// Service runs every safety operation as a single storage transaction.
type Service struct {
	store    kv.Store
	verifier actor.Verifier
	clock    clock.Clock
	events   events.Emitter
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
	pairs    pairIndex
}

// NewService creates a safety service. Nil collaborators fall back to the
// context verifier, the system clock, a no-op emitter and no metrics.
func NewService(store kv.Store, verifier actor.Verifier, clk clock.Clock, emitter events.Emitter, m *metrics.Metrics, logger *zap.Logger) *Service {
	if verifier == nil {
		verifier = actor.ContextVerifier{}
	}
	if clk == nil {
		clk = clock.New()
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		verifier: verifier,
		clock:    clk,
		events:   emitter,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("medsafe.safety"),
	}
}

func (s *Service) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	ctx, span := s.tracer.Start(ctx, "safety."+op, trace.WithAttributes(attrs...))
	return ctx, span, time.Now()
}

func (s *Service) finish(span trace.Span, op string, started time.Time, err error) {
	defer span.End()
	s.metrics.ObserveOperation(op, started)
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if domain.Code(err) != "" {
		s.logger.Debug("operation rejected", zap.String("operation", op), zap.Error(err))
		return
	}
	s.logger.Error("operation failed", zap.String("operation", op), zap.Error(err))
}

// RegisterMedication adds m to the catalog. It fails with
// domain.ErrAlreadyExists when the code is taken.
func (s *Service) RegisterMedication(ctx context.Context, m Medication) (err error) {
	const op = "register_medication"
	ctx, span, started := s.start(ctx, op, attribute.String("medication", m.Code))
	defer func() { s.finish(span, op, started, err) }()

	if m.BrandNames == nil {
		m.BrandNames = []string{}
	}

	err = s.store.Update(ctx, func(tx kv.Tx) error {
		exists, err := tx.Has(medicationKey(m.Code))
		if err != nil {
			return fmt.Errorf("check medication %s: %w", m.Code, err)
		}
		if exists {
			return fmt.Errorf("medication %s: %w", m.Code, domain.ErrAlreadyExists)
		}
		return tx.Set(medicationKey(m.Code), m)
	})
	if err != nil {
		return err
	}

	s.metrics.MedicationRegistered()
	s.logger.Info("medication registered",
		zap.String("medication", m.Code),
		zap.String("generic_name", m.GenericName))
	s.events.Emit(ctx, events.New(events.MedicationRegistered, m.Code, "", m, s.clock.Now()))
	return nil
}

// GetMedication returns the catalog entry for code.
func (s *Service) GetMedication(ctx context.Context, code string) (Medication, error) {
	var m Medication
	err := s.store.View(ctx, func(tx kv.Tx) error {
		var err error
		m, err = loadMedication(tx, code)
		return err
	})
	return m, err
}

func loadMedication(tx kv.Tx, code string) (Medication, error) {
	var m Medication
	found, err := tx.Get(medicationKey(code), &m)
	if err != nil {
		return Medication{}, fmt.Errorf("read medication %s: %w", code, err)
	}
	if !found {
		return Medication{}, fmt.Errorf("medication %s: %w", code, domain.ErrNotFound)
	}
	return m, nil
}

func requireMedication(tx kv.Tx, code string) error {
	exists, err := tx.Has(medicationKey(code))
	if err != nil {
		return fmt.Errorf("check medication %s: %w", code, err)
	}
	if !exists {
		return fmt.Errorf("medication %s: %w", code, domain.ErrNotFound)
	}
	return nil
}

// SetContraindications replaces the condition tokens that contraindicate
// medication code.
func (s *Service) SetContraindications(ctx context.Context, code string, conditions []string) (err error) {
	const op = "set_contraindications"
	ctx, span, started := s.start(ctx, op, attribute.String("medication", code))
	defer func() { s.finish(span, op, started, err) }()

	if conditions == nil {
		conditions = []string{}
	}

	err = s.store.Update(ctx, func(tx kv.Tx) error {
		if err := requireMedication(tx, code); err != nil {
			return err
		}
		return tx.Set(contraindicationsKey(code), conditions)
	})
	if err != nil {
		return err
	}

	s.logger.Info("contraindications set",
		zap.String("medication", code),
		zap.Int("count", len(conditions)))
	s.events.Emit(ctx, events.New(events.ContraindicationsSet, code, "", conditions, s.clock.Now()))
	return nil
}

// ContraindicationList returns the stored contraindication list for code.
func (s *Service) ContraindicationList(ctx context.Context, code string) ([]string, error) {
	var list []string
	err := s.store.View(ctx, func(tx kv.Tx) error {
		if err := requireMedication(tx, code); err != nil {
			return err
		}
		var err error
		list, err = loadList(tx, contraindicationsKey(code))
		return err
	})
	return list, err
}
