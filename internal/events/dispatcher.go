package events

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/pkg/circuitbreaker"
	"github.com/drfirst/go-medsafe/pkg/workerpool"
)

// Publisher writes an encoded event to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// DropFunc observes events that were not published.
type DropFunc func(e Event, reason error)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Pool    workerpool.Config
	Breaker circuitbreaker.Config
	OnDrop  DropFunc
}

// DefaultDispatcherConfig returns fire-and-forget defaults: no retries.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Pool:    workerpool.DefaultConfig(),
		Breaker: circuitbreaker.DefaultConfig(""),
	}
}

// Dispatcher hands events to a worker pool that publishes them through a
// per-topic circuit breaker. Emit returns immediately; an event is dropped
// when the queue is full, the breaker is open or the publish fails.
type Dispatcher struct {
	publisher Publisher
	pool      *workerpool.Pool
	breakers  *circuitbreaker.Manager
	onDrop    DropFunc
	logger    *zap.Logger
}

// NewDispatcher creates and starts a dispatcher.
func NewDispatcher(publisher Publisher, cfg DispatcherConfig, logger *zap.Logger) (*Dispatcher, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		publisher: publisher,
		breakers:  circuitbreaker.NewManager(cfg.Breaker, logger),
		onDrop:    cfg.OnDrop,
		logger:    logger,
	}

	poolCfg := cfg.Pool
	poolCfg.OnResult = func(r *workerpool.Result) {
		if r.Success {
			return
		}
		if e, ok := r.Task.Payload.(Event); ok {
			d.drop(e, r.Error)
		}
	}

	pool, err := workerpool.New(poolCfg, d.publish, logger)
	if err != nil {
		return nil, fmt.Errorf("create dispatch pool: %w", err)
	}
	d.pool = pool
	d.pool.Start()
	return d, nil
}

// Emit queues e for publication.
func (d *Dispatcher) Emit(ctx context.Context, e Event) {
	task := &workerpool.Task{
		ID:      e.ID,
		Payload: e,
		// detached: the request that produced the event may finish first
		Context: context.WithoutCancel(ctx),
	}
	if err := d.pool.Submit(task); err != nil {
		d.drop(e, err)
	}
}

func (d *Dispatcher) publish(ctx context.Context, task *workerpool.Task) error {
	e, ok := task.Payload.(Event)
	if !ok {
		return fmt.Errorf("unexpected task payload %T", task.Payload)
	}

	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	topic := e.Type.Topic()
	cb, err := d.breakers.Get(topic)
	if err != nil {
		return err
	}

	return cb.Execute(ctx, func(ctx context.Context) error {
		return d.publisher.Publish(ctx, topic, e.AggregateID, value)
	})
}

func (d *Dispatcher) drop(e Event, reason error) {
	d.logger.Warn("event not published",
		zap.String("event_id", e.ID),
		zap.String("type", string(e.Type)),
		zap.Error(reason))
	if d.onDrop != nil {
		d.onDrop(e, reason)
	}
}

// Breakers returns the state of every topic breaker.
func (d *Dispatcher) Breakers() map[string]circuitbreaker.State {
	return d.breakers.States()
}

// Ping fails while the dispatch queue is near capacity or a topic breaker
// is open.
func (d *Dispatcher) Ping(context.Context) error {
	if !d.pool.IsHealthy() {
		s := d.pool.Stats()
		return fmt.Errorf("dispatch queue at %d/%d", s.QueueDepth, s.QueueCapacity)
	}
	for topic, state := range d.breakers.States() {
		if state == circuitbreaker.StateOpen {
			return fmt.Errorf("breaker open for %s", topic)
		}
	}
	return nil
}

// Close drains queued events and stops the workers.
func (d *Dispatcher) Close() {
	d.pool.Stop()
}
