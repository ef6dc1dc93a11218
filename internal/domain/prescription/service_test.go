package prescription

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-medsafe/internal/actor"
	"github.com/drfirst/go-medsafe/internal/clock"
	"github.com/drfirst/go-medsafe/internal/domain"
	"github.com/drfirst/go-medsafe/internal/events"
	"github.com/drfirst/go-medsafe/internal/storage/kv"
)

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, *clock.Managed, *events.Recorder, *kv.MemoryStore) {
	t.Helper()
	store := kv.NewMemoryStore()
	clk := clock.NewManaged(start)
	rec := &events.Recorder{}
	return NewService(store, actor.ContextVerifier{}, clk, rec, nil, nil), clk, rec, store
}

func as(identity string) context.Context {
	return actor.WithCaller(context.Background(), identity)
}

func order() IssueRequest {
	schedule := uint32(2)
	return IssueRequest{
		MedicationName:      "Oxycodone 5mg",
		NDC:                 "00406-0552",
		Dosage:              "5mg",
		Quantity:            30,
		DaysSupply:          10,
		RefillsAllowed:      2,
		InstructionsHash:    "9f2c",
		IsControlled:        true,
		Schedule:            &schedule,
		ValidUntil:          start.Add(30 * 24 * time.Hour),
		SubstitutionAllowed: false,
	}
}

func TestIssue(t *testing.T) {
	svc, _, rec, _ := newService(t)

	first, err := svc.Issue(as("dr-smith"), "dr-smith", "pat-1", order())
	require.NoError(t, err)
	second, err := svc.Issue(as("dr-smith"), "dr-smith", "pat-2", order())
	require.NoError(t, err)

	assert.Equal(t, uint64(0), first.ID)
	assert.Equal(t, uint64(1), second.ID)
	assert.Equal(t, StatusActive, first.Status)
	assert.Nil(t, first.CurrentPharmacy)
	assert.Equal(t, uint32(2), first.RefillsRemaining)
	assert.Equal(t, "dr-smith", first.Provider)
	assert.Equal(t, "pat-1", first.Patient)
	assert.True(t, first.IsControlled)
	assert.Equal(t, 1, first.Version)

	got, err := svc.Get(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	assert.Equal(t, []events.Type{events.PrescriptionIssued, events.PrescriptionIssued}, rec.Types())
	assert.Equal(t, "0", rec.Events()[0].AggregateID)
}

func TestIssueRejected(t *testing.T) {
	tests := []struct {
		name    string
		ctx     context.Context
		mutate  func(*IssueRequest)
		wantErr error
	}{
		{name: "caller is not provider", ctx: as("dr-jones"), mutate: func(*IssueRequest) {}, wantErr: domain.ErrUnauthorized},
		{name: "no caller", ctx: context.Background(), mutate: func(*IssueRequest) {}, wantErr: domain.ErrUnauthorized},
		{name: "missing medication", ctx: as("dr-smith"), mutate: func(r *IssueRequest) { r.MedicationName = "" }, wantErr: domain.ErrInvalidPrescription},
		{name: "zero quantity", ctx: as("dr-smith"), mutate: func(r *IssueRequest) { r.Quantity = 0 }, wantErr: domain.ErrInvalidPrescription},
		{name: "no deadline", ctx: as("dr-smith"), mutate: func(r *IssueRequest) { r.ValidUntil = time.Time{} }, wantErr: domain.ErrInvalidPrescription},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, rec, store := newService(t)
			req := order()
			tt.mutate(&req)

			_, err := svc.Issue(tt.ctx, "dr-smith", "pat-1", req)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, store.Len())
			assert.Empty(t, rec.Types())
		})
	}
}

func TestDispense(t *testing.T) {
	svc, _, rec, _ := newService(t)
	rx, err := svc.Issue(as("dr-smith"), "dr-smith", "pat-1", order())
	require.NoError(t, err)

	_, err = svc.Dispense(as("pharm-b"), DispenseRequest{ID: rx.ID, Pharmacy: "pharm-a", Quantity: 30})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	got, err := svc.Dispense(as("pharm-a"), DispenseRequest{ID: rx.ID, Pharmacy: "pharm-a", Quantity: 30, Lot: "L-123"})
	require.NoError(t, err)
	assert.Equal(t, StatusDispensed, got.Status)
	require.NotNil(t, got.CurrentPharmacy)
	assert.Equal(t, "pharm-a", *got.CurrentPharmacy)
	assert.Equal(t, 2, got.Version)

	assert.Equal(t, []events.Type{events.PrescriptionIssued, events.PrescriptionDispensed}, rec.Types())
	assert.JSONEq(t, `{"pharmacy":"pharm-a","quantity":30,"lot":"L-123"}`, string(rec.Events()[1].Payload))
}

func TestDispenseDeadline(t *testing.T) {
	tests := []struct {
		name    string
		offset  time.Duration
		wantErr error
	}{
		{name: "before deadline", offset: -time.Second},
		{name: "exactly at deadline", offset: 0},
		{name: "after deadline", offset: time.Nanosecond, wantErr: domain.ErrExpired},
		{name: "long after deadline", offset: 48 * time.Hour, wantErr: domain.ErrExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, clk, _, _ := newService(t)
			req := order()
			rx, err := svc.Issue(as("dr-smith"), "dr-smith", "pat-1", req)
			require.NoError(t, err)

			clk.Set(req.ValidUntil.Add(tt.offset))
			got, err := svc.Dispense(as("pharm-a"), DispenseRequest{ID: rx.ID, Pharmacy: "pharm-a", Quantity: 30})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)

				stored, err := svc.Get(context.Background(), rx.ID)
				require.NoError(t, err)
				assert.Equal(t, StatusExpired, stored.Status)
				assert.Nil(t, stored.CurrentPharmacy)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StatusDispensed, got.Status)
		})
	}
}

func TestDispenseUnknownPrescription(t *testing.T) {
	svc, _, _, _ := newService(t)
	_, err := svc.Dispense(as("pharm-a"), DispenseRequest{ID: 7, Pharmacy: "pharm-a"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTransfer(t *testing.T) {
	svc, _, rec, _ := newService(t)
	rx, err := svc.Issue(as("dr-smith"), "dr-smith", "pat-1", order())
	require.NoError(t, err)

	_, err = svc.Transfer(as("pharm-b"), TransferRequest{ID: rx.ID, FromPharmacy: "pharm-a", ToPharmacy: "pharm-c"})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	// the sender need not hold the prescription
	got, err := svc.Transfer(as("pharm-a"), TransferRequest{ID: rx.ID, FromPharmacy: "pharm-a", ToPharmacy: "pharm-c"})
	require.NoError(t, err)
	assert.Equal(t, StatusTransferred, got.Status)
	require.NotNil(t, got.CurrentPharmacy)
	assert.Equal(t, "pharm-c", *got.CurrentPharmacy)

	_, err = svc.Dispense(as("pharm-c"), DispenseRequest{ID: rx.ID, Pharmacy: "pharm-c", Quantity: 30})
	require.NoError(t, err)
	got, err = svc.Transfer(as("pharm-c"), TransferRequest{ID: rx.ID, FromPharmacy: "pharm-c", ToPharmacy: "pharm-d"})
	require.NoError(t, err)
	assert.Equal(t, "pharm-d", *got.CurrentPharmacy)

	assert.Equal(t, []events.Type{
		events.PrescriptionIssued,
		events.PrescriptionTransferred,
		events.PrescriptionDispensed,
		events.PrescriptionTransferred,
	}, rec.Types())

	_, err = svc.Transfer(as("pharm-a"), TransferRequest{ID: 99, FromPharmacy: "pharm-a", ToPharmacy: "pharm-c"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetDerivesExpiry(t *testing.T) {
	svc, clk, _, _ := newService(t)
	req := order()
	rx, err := svc.Issue(as("dr-smith"), "dr-smith", "pat-1", req)
	require.NoError(t, err)

	clk.Set(req.ValidUntil)
	got, err := svc.Get(context.Background(), rx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)

	clk.WarpForward(time.Second)
	got, err = svc.Get(context.Background(), rx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	_, err = svc.Get(context.Background(), 42)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStatusAtOnlyExpiresActive(t *testing.T) {
	pharmacy := "pharm-a"
	p := Prescription{Status: StatusDispensed, CurrentPharmacy: &pharmacy, ValidUntil: start}
	assert.Equal(t, StatusDispensed, p.StatusAt(start.Add(time.Hour)))
}
