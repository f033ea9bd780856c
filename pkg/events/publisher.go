package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Morse2580/Mimir-sub001/internal/store"
	"github.com/Morse2580/Mimir-sub001/pkg/config"
	"github.com/Morse2580/Mimir-sub001/pkg/logging"
)

// Publisher is the observer interface for governance events. Publication
// is advisory: a failing sink must never block or fail the operation that
// emitted the event.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Name() string
}

// StorePublisher appends events to capped per-component streams in the
// shared store, where operational tooling can tail them.
type StorePublisher struct {
	store  *store.Client
	config *config.EventsConfig
}

// NewStorePublisher creates a store-backed event publisher
func NewStorePublisher(client *store.Client, cfg *config.EventsConfig) *StorePublisher {
	if cfg == nil {
		cfg = &config.EventsConfig{
			StreamPrefix: "events",
			EventTTL:     24 * time.Hour,
			MaxPerStream: 1000,
		}
	}

	return &StorePublisher{
		store:  client,
		config: cfg,
	}
}

// Name returns the publisher name
func (p *StorePublisher) Name() string {
	return "store"
}

// Publish appends the event to its component stream
func (p *StorePublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	key := fmt.Sprintf("%s:%s", p.config.StreamPrefix, event.Type.Stream())
	return p.store.LPushCapped(ctx, key, data, p.config.MaxPerStream, p.config.EventTTL)
}

// LogPublisher writes events to the structured log
type LogPublisher struct {
	logger *logging.Logger
}

// NewLogPublisher creates a log-backed event publisher
func NewLogPublisher(logger *logging.Logger) *LogPublisher {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &LogPublisher{logger: logger}
}

// Name returns the publisher name
func (p *LogPublisher) Name() string {
	return "log"
}

// Publish logs the event
func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	p.logger.WithContext(ctx).WithFields(logging.Fields{
		"event_id":   event.ID,
		"event_type": string(event.Type),
		"stream":     event.Type.Stream(),
		"service":    event.Service,
		"tenant":     event.Tenant,
		"payload":    event.Payload,
	}).Info("Governance event")
	return nil
}

// Fanout dispatches each event to all registered sinks asynchronously.
// Sink failures are logged and dropped, keeping emitters decoupled from
// delivery.
type Fanout struct {
	sinks  []Publisher
	logger *logging.Logger
	mutex  sync.RWMutex
}

// NewFanout creates a fan-out publisher over the given sinks
func NewFanout(logger *logging.Logger, sinks ...Publisher) *Fanout {
	if logger == nil {
		logger = logging.GetLogger()
	}

	return &Fanout{
		sinks:  sinks,
		logger: logger,
	}
}

// AddSink adds a sink to the fan-out
func (f *Fanout) AddSink(sink Publisher) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.sinks = append(f.sinks, sink)
}

// Name returns the publisher name
func (f *Fanout) Name() string {
	return "fanout"
}

// Publish sends the event to every sink without waiting for delivery
func (f *Fanout) Publish(ctx context.Context, event Event) error {
	f.mutex.RLock()
	sinks := make([]Publisher, len(f.sinks))
	copy(sinks, f.sinks)
	f.mutex.RUnlock()

	for _, sink := range sinks {
		go func(s Publisher) {
			// Delivery outlives the emitting request
			sendCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := s.Publish(sendCtx, event); err != nil {
				f.logger.WithError(err).WithFields(logging.Fields{
					"sink":       s.Name(),
					"event_id":   event.ID,
					"event_type": string(event.Type),
				}).Error("Failed to publish event")
			}
		}(sink)
	}

	return nil
}

// Noop discards all events
type Noop struct{}

// NewNoop creates a publisher that drops everything
func NewNoop() *Noop {
	return &Noop{}
}

// Name returns the publisher name
func (n *Noop) Name() string {
	return "noop"
}

// Publish discards the event
func (n *Noop) Publish(ctx context.Context, event Event) error {
	return nil
}
