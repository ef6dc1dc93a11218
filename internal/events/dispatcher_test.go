package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu        sync.Mutex
	published map[string][]Event
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	var e Event
	if err := json.Unmarshal(value, &e); err != nil {
		return err
	}
	if p.published == nil {
		p.published = make(map[string][]Event)
	}
	p.published[topic] = append(p.published[topic], e)
	return nil
}

func TestDispatcherRoutesByTopic(t *testing.T) {
	pub := &fakePublisher{}
	d, err := NewDispatcher(pub, DefaultDispatcherConfig(), nil)
	require.NoError(t, err)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	d.Emit(context.Background(), New(MedicationRegistered, "11111-0001", "", map[string]string{"code": "11111-0001"}, now))
	d.Emit(context.Background(), New(OverrideRecorded, "7", "dr-smith", map[string]int{"interaction_id": 7}, now))
	d.Close()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.published[TopicCatalog], 1)
	require.Len(t, pub.published[TopicOverrides], 1)
	assert.Equal(t, "dr-smith", pub.published[TopicOverrides][0].Actor)
	assert.Equal(t, now, pub.published[TopicCatalog][0].Timestamp)
}

func TestDispatcherDropsOnPublishFailure(t *testing.T) {
	var mu sync.Mutex
	var dropped []string

	cfg := DefaultDispatcherConfig()
	cfg.OnDrop = func(e Event, reason error) {
		mu.Lock()
		dropped = append(dropped, e.ID)
		mu.Unlock()
	}

	d, err := NewDispatcher(&fakePublisher{err: errors.New("broker down")}, cfg, nil)
	require.NoError(t, err)

	e := New(PrescriptionIssued, "0", "dr-smith", nil, time.Now())
	d.Emit(context.Background(), e)
	d.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{e.ID}, dropped)
}

func TestDispatcherPingReportsOpenBreaker(t *testing.T) {
	cfg := DefaultDispatcherConfig()
	cfg.Breaker.FailureThreshold = 1

	d, err := NewDispatcher(&fakePublisher{err: errors.New("broker down")}, cfg, nil)
	require.NoError(t, err)
	assert.NoError(t, d.Ping(context.Background()))

	d.Emit(context.Background(), New(OverrideRecorded, "1", "dr-smith", nil, time.Now()))
	d.Close()

	err = d.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), TopicOverrides)
}

func TestDispatcherRequiresPublisher(t *testing.T) {
	_, err := NewDispatcher(nil, DefaultDispatcherConfig(), nil)
	assert.Error(t, err)
}

func TestTopicRouting(t *testing.T) {
	tests := []struct {
		typ  Type
		want string
	}{
		{MedicationRegistered, TopicCatalog},
		{ContraindicationsSet, TopicCatalog},
		{InteractionRegistered, TopicInteractions},
		{PatientAllergiesSet, TopicPatients},
		{PatientConditionsSet, TopicPatients},
		{OverrideRecorded, TopicOverrides},
		{PrescriptionIssued, TopicPrescriptions},
		{PrescriptionDispensed, TopicPrescriptions},
		{PrescriptionTransferred, TopicPrescriptions},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.typ.Topic())
		})
	}
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Emit(context.Background(), New(PatientAllergiesSet, "pat-1", "pat-1", []string{"Penicillin"}, time.Now()))
	assert.Equal(t, []Type{PatientAllergiesSet}, r.Types())
	assert.JSONEq(t, `["Penicillin"]`, string(r.Events()[0].Payload))
}
