package prescription

import (
	"context"
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

// DispenseRequest asks pharmacy to dispense prescription ID.
type DispenseRequest struct {
	ID       uint64
	Pharmacy string
	Quantity uint32
	Lot      string
}

// TransferRequest moves prescription ID between pharmacies.
type TransferRequest struct {
	ID           uint64
	FromPharmacy string
	ToPharmacy   string
}

// Service runs lifecycle operations, each in one storage transaction.
// It never consults interaction checks; screening is the caller's job.
type Service struct {
	store    kv.Store
	verifier actor.Verifier
	clock    clock.Clock
	events   events.Emitter
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewService creates a prescription service. Nil collaborators fall back
// to the context verifier, the system clock and a no-op emitter.
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
		tracer:   otel.Tracer("medsafe.prescription"),
	}
}

// Issue creates an active prescription written by provider for patient.
func (s *Service) Issue(ctx context.Context, provider, patient string, req IssueRequest) (p Prescription, err error) {
	ctx, span := s.tracer.Start(ctx, "prescription.Issue", trace.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("patient", patient)))
	started := time.Now()
	defer func() { s.end(span, "issue_prescription", started, err) }()

	if err = s.verifier.RequireCaller(ctx, provider); err != nil {
		return Prescription{}, err
	}
	if err = req.Validate(); err != nil {
		return Prescription{}, err
	}

	var agg *Aggregate
	err = s.store.Update(ctx, func(tx kv.Tx) error {
		id, err := nextID(tx)
		if err != nil {
			return err
		}
		agg, err = Issue(id, provider, patient, req, s.clock.Now())
		if err != nil {
			return err
		}
		return save(tx, agg)
	})
	if err != nil {
		return Prescription{}, err
	}

	s.commit(ctx, agg)
	p = agg.Snapshot()
	s.logger.Info("prescription issued",
		zap.Uint64("prescription_id", p.ID),
		zap.String("provider", provider),
		zap.String("patient", patient),
		zap.String("medication", p.MedicationName),
		zap.Bool("controlled", p.IsControlled))
	return p, nil
}

// Dispense marks the prescription dispensed by the pharmacy.
func (s *Service) Dispense(ctx context.Context, req DispenseRequest) (p Prescription, err error) {
	ctx, span := s.tracer.Start(ctx, "prescription.Dispense", trace.WithAttributes(
		attribute.Int64("prescription_id", int64(req.ID)),
		attribute.String("pharmacy", req.Pharmacy)))
	started := time.Now()
	defer func() { s.end(span, "dispense_prescription", started, err) }()

	if err = s.verifier.RequireCaller(ctx, req.Pharmacy); err != nil {
		return Prescription{}, err
	}

	agg, err := s.mutate(ctx, req.ID, func(agg *Aggregate, now time.Time) error {
		return agg.Dispense(req.Pharmacy, req.Quantity, req.Lot, now)
	})
	if err != nil {
		return Prescription{}, err
	}

	p = agg.Snapshot()
	s.logger.Info("prescription dispensed",
		zap.Uint64("prescription_id", p.ID),
		zap.String("pharmacy", req.Pharmacy),
		zap.Uint32("quantity", req.Quantity),
		zap.String("lot", req.Lot))
	return p, nil
}

// Transfer moves the prescription from one pharmacy to another.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (p Prescription, err error) {
	ctx, span := s.tracer.Start(ctx, "prescription.Transfer", trace.WithAttributes(
		attribute.Int64("prescription_id", int64(req.ID)),
		attribute.String("from_pharmacy", req.FromPharmacy),
		attribute.String("to_pharmacy", req.ToPharmacy)))
	started := time.Now()
	defer func() { s.end(span, "transfer_prescription", started, err) }()

	if err = s.verifier.RequireCaller(ctx, req.FromPharmacy); err != nil {
		return Prescription{}, err
	}

	agg, err := s.mutate(ctx, req.ID, func(agg *Aggregate, now time.Time) error {
		return agg.Transfer(req.FromPharmacy, req.ToPharmacy, now)
	})
	if err != nil {
		return Prescription{}, err
	}

	p = agg.Snapshot()
	s.logger.Info("prescription transferred",
		zap.Uint64("prescription_id", p.ID),
		zap.String("from_pharmacy", req.FromPharmacy),
		zap.String("to_pharmacy", req.ToPharmacy))
	return p, nil
}

// Get returns prescription id with its status derived at the current time.
func (s *Service) Get(ctx context.Context, id uint64) (Prescription, error) {
	var p Prescription
	err := s.store.View(ctx, func(tx kv.Tx) error {
		agg, err := load(tx, id)
		if err != nil {
			return err
		}
		p = agg.Snapshot()
		return nil
	})
	if err != nil {
		return Prescription{}, err
	}
	p.Status = p.StatusAt(s.clock.Now())
	return p, nil
}

func (s *Service) mutate(ctx context.Context, id uint64, fn func(agg *Aggregate, now time.Time) error) (*Aggregate, error) {
	var agg *Aggregate
	err := s.store.Update(ctx, func(tx kv.Tx) error {
		var err error
		if agg, err = load(tx, id); err != nil {
			return err
		}
		if err := fn(agg, s.clock.Now()); err != nil {
			return err
		}
		return save(tx, agg)
	})
	if err != nil {
		return nil, err
	}
	s.commit(ctx, agg)
	return agg, nil
}

// commit publishes the aggregate's changes once they are stored.
func (s *Service) commit(ctx context.Context, agg *Aggregate) {
	for _, change := range agg.Changes() {
		s.events.Emit(ctx, change.Envelope())
	}
	s.metrics.Transition(string(agg.Snapshot().Status))
	agg.ClearChanges()
}

func (s *Service) end(span trace.Span, op string, started time.Time, err error) {
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
