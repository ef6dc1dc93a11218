// Package integration runs the safety and prescription workflow end to end
// against each storage backend, publishing events through the dispatcher.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-medsafe/internal/actor"
	"github.com/drfirst/go-medsafe/internal/clock"
	"github.com/drfirst/go-medsafe/internal/domain"
	"github.com/drfirst/go-medsafe/internal/domain/prescription"
	"github.com/drfirst/go-medsafe/internal/domain/safety"
	"github.com/drfirst/go-medsafe/internal/events"
	"github.com/drfirst/go-medsafe/internal/infrastructure/postgres"
	"github.com/drfirst/go-medsafe/internal/infrastructure/redis"
	"github.com/drfirst/go-medsafe/internal/storage/kv"
)

type capturePublisher struct {
	mu     sync.Mutex
	topics map[string][]events.Type
}

func (p *capturePublisher) Publish(_ context.Context, topic, _ string, value []byte) error {
	var e events.Event
	if err := json.Unmarshal(value, &e); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topics == nil {
		p.topics = make(map[string][]events.Type)
	}
	p.topics[topic] = append(p.topics[topic], e.Type)
	return nil
}

func (p *capturePublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.topics[topic])
}

// backends returns every store the scenario runs against. Live backends
// join when their URL is set.
func backends(t *testing.T) map[string]kv.Store {
	t.Helper()
	ctx := context.Background()
	stores := map[string]kv.Store{"memory": kv.NewMemoryStore()}

	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		m, err := postgres.NewMigrator(url, nil)
		if err != nil {
			t.Fatalf("migrator: %v", err)
		}
		if err := m.Up(); err != nil {
			t.Fatalf("migrate up: %v", err)
		}
		_ = m.Close()

		pool, err := postgres.Connect(ctx, url)
		if err != nil {
			t.Fatalf("connect postgres: %v", err)
		}
		t.Cleanup(pool.Close)
		stores["postgres"] = postgres.NewKVStore(pool, nil)
	}

	if url := os.Getenv("TEST_REDIS_URL"); url != "" {
		client, err := redis.Connect(ctx, url)
		if err != nil {
			t.Fatalf("connect redis: %v", err)
		}
		t.Cleanup(func() { _ = client.Close() })
		cfg := redis.DefaultConfig()
		cfg.Prefix = "medsafe-it-" + uuid.NewString()[:8] + ":"
		stores["redis"] = redis.NewKVStore(client, cfg, nil)
	}
	return stores
}

func as(identity string) context.Context {
	return actor.WithCaller(context.Background(), identity)
}

func TestSafetyToDispenseWorkflow(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			runWorkflow(t, store)
		})
	}
}

func runWorkflow(t *testing.T, store kv.Store) {
	// Codes are unique per run so that live backends can be reused.
	run := uuid.NewString()[:8]
	warfarin, aspirin, amoxicillin := "warfarin-"+run, "aspirin-"+run, "amoxicillin-"+run
	patient, provider, pharmacy := "pt-"+run, "dr-"+run, "pharm-"+run

	pub := &capturePublisher{}
	dispatcher, err := events.NewDispatcher(pub, events.DefaultDispatcherConfig(), nil)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}

	clk := clock.NewManaged(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	safetySvc := safety.NewService(store, nil, clk, dispatcher, nil, nil)
	rxSvc := prescription.NewService(store, nil, clk, dispatcher, nil, nil)
	ctx := context.Background()

	// Catalog
	for _, m := range []safety.Medication{
		{Code: warfarin, GenericName: "warfarin", BrandNames: []string{"Coumadin"}},
		{Code: aspirin, GenericName: "aspirin"},
		{Code: amoxicillin, GenericName: "amoxicillin", BrandNames: []string{"Amoxil"}},
	} {
		if err := safetySvc.RegisterMedication(ctx, m); err != nil {
			t.Fatalf("register %s: %v", m.Code, err)
		}
	}
	if err := safetySvc.SetContraindications(ctx, warfarin, []string{"pregnancy"}); err != nil {
		t.Fatalf("set contraindications: %v", err)
	}

	in, err := safetySvc.AddInteraction(ctx, safety.NewInteraction{
		DrugA: aspirin, DrugB: warfarin, Severity: "major",
		Type: "pharmacodynamic", ClinicalEffects: "bleeding", Management: "avoid",
	})
	if err != nil {
		t.Fatalf("add interaction: %v", err)
	}

	// Patient profile
	if err := safetySvc.SetPatientAllergies(as(patient), patient, []string{"Amoxil"}); err != nil {
		t.Fatalf("set allergies: %v", err)
	}
	if err := safetySvc.SetPatientConditions(as(patient), patient, []string{"pregnancy"}); err != nil {
		t.Fatalf("set conditions: %v", err)
	}

	// Screen before override
	report, err := safetySvc.Screen(ctx, safety.ScreenRequest{
		Patient:            patient,
		Medication:         warfarin,
		CurrentMedications: []string{aspirin, amoxicillin},
	})
	if err != nil {
		t.Fatalf("screen: %v", err)
	}
	if len(report.Interactions) != 1 {
		t.Fatalf("expected 1 interaction warning, got %d", len(report.Interactions))
	}
	if report.Interactions[0].InteractionID != in.ID {
		t.Errorf("expected interaction %d, got %d", in.ID, report.Interactions[0].InteractionID)
	}
	if len(report.Allergies) != 0 {
		t.Errorf("expected no allergy warnings for warfarin, got %d", len(report.Allergies))
	}
	if !reflect.DeepEqual(report.Contraindications, []string{"pregnancy"}) {
		t.Errorf("expected pregnancy contraindication, got %v", report.Contraindications)
	}
	if report.HighestSeverity != safety.SeverityMajor {
		t.Errorf("expected highest severity major, got %s", report.HighestSeverity)
	}
	if !report.DocumentationRequired {
		t.Error("expected documentation to be required")
	}

	allergies, err := safetySvc.CheckAllergyInteraction(ctx, patient, amoxicillin)
	if err != nil {
		t.Fatalf("check allergies: %v", err)
	}
	if len(allergies) != 1 || allergies[0].Severity != safety.SeverityContraindicated {
		t.Errorf("expected one contraindicated allergy warning, got %+v", allergies)
	}

	// Override
	_, err = safetySvc.OverrideInteractionWarning(as(provider), safety.OverrideRequest{
		Provider: provider, Patient: patient, Medication: warfarin, InteractionID: in.ID,
	})
	if !errors.Is(err, domain.ErrMissingOverrideReason) {
		t.Fatalf("expected missing override reason, got %v", err)
	}

	_, err = safetySvc.OverrideInteractionWarning(as(provider), safety.OverrideRequest{
		Provider: provider, Patient: patient, Medication: warfarin, InteractionID: in.ID,
		Reason: "INR monitored weekly",
	})
	if err != nil {
		t.Fatalf("override: %v", err)
	}

	report, err = safetySvc.Screen(ctx, safety.ScreenRequest{
		Patient: patient, Medication: warfarin, CurrentMedications: []string{aspirin},
	})
	if err != nil {
		t.Fatalf("screen after override: %v", err)
	}
	if len(report.Interactions) != 1 || !report.Interactions[0].Overridden {
		t.Errorf("expected the interaction to be marked overridden, got %+v", report.Interactions)
	}

	// Prescription lifecycle
	rx, err := rxSvc.Issue(as(provider), provider, patient, prescription.IssueRequest{
		MedicationName: "warfarin 5mg",
		Quantity:       30,
		DaysSupply:     30,
		ValidUntil:     clk.Now().Add(72 * time.Hour),
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	_, err = rxSvc.Dispense(as(provider), prescription.DispenseRequest{ID: rx.ID, Pharmacy: pharmacy, Quantity: 30})
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized dispense, got %v", err)
	}

	clk.WarpForward(24 * time.Hour)
	rx, err = rxSvc.Dispense(as(pharmacy), prescription.DispenseRequest{ID: rx.ID, Pharmacy: pharmacy, Quantity: 30, Lot: "LOT-1"})
	if err != nil {
		t.Fatalf("dispense: %v", err)
	}
	if rx.Status != prescription.StatusDispensed {
		t.Errorf("expected status dispensed, got %s", rx.Status)
	}
	if rx.CurrentPharmacy == nil || *rx.CurrentPharmacy != pharmacy {
		t.Errorf("expected current pharmacy %s, got %v", pharmacy, rx.CurrentPharmacy)
	}

	// Events
	dispatcher.Close()
	for topic, want := range map[string]int{
		events.TopicCatalog:       4,
		events.TopicInteractions:  1,
		events.TopicPatients:      2,
		events.TopicOverrides:     1,
		events.TopicPrescriptions: 2,
	} {
		if got := pub.count(topic); got != want {
			t.Errorf("topic %s: expected %d events, got %d", topic, want, got)
		}
	}
}
