package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Morse2580/Mimir-sub001/pkg/events"
)

// Severity levels carried on outbound notifications
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityInfo     = "info"
)

// queueDepth bounds how many undelivered notifications may pile up
// before new ones are dropped
const queueDepth = 64

// Message is the channel-independent notification payload
type Message struct {
	Subject  string                 `json:"subject"`
	Body     string                 `json:"body"`
	Severity string                 `json:"severity"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Channel delivers a message to one destination
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Notifier is an events.Publisher that forwards critical governance
// events to notification channels. Delivery runs on its own goroutine
// so a slow webhook never blocks the path that published the event,
// and a failed send is logged, never propagated.
type Notifier struct {
	logger   *zap.Logger
	channels []Channel

	mutex  sync.Mutex
	queue  chan events.Event
	closed bool
	wg     sync.WaitGroup
}

// NewNotifier creates a notifier delivering to the given channels
func NewNotifier(logger *zap.Logger, channels ...Channel) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}

	n := &Notifier{
		logger:   logger,
		channels: channels,
		queue:    make(chan events.Event, queueDepth),
	}

	n.wg.Add(1)
	go n.run()
	return n
}

// Name returns the publisher name
func (n *Notifier) Name() string {
	return "notifier"
}

// Publish queues the event for delivery if it is notification-worthy.
// A full queue drops the event rather than blocking the publisher.
func (n *Notifier) Publish(_ context.Context, event events.Event) error {
	if _, ok := messageFor(event); !ok {
		return nil
	}

	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.closed {
		return nil
	}

	select {
	case n.queue <- event:
	default:
		n.logger.Warn("Notification queue full, dropping event",
			zap.String("event_type", string(event.Type)))
	}
	return nil
}

// Close stops accepting events and waits for queued deliveries to
// finish
func (n *Notifier) Close() {
	n.mutex.Lock()
	if n.closed {
		n.mutex.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mutex.Unlock()

	n.wg.Wait()
}

func (n *Notifier) run() {
	defer n.wg.Done()

	for event := range n.queue {
		msg, ok := messageFor(event)
		if !ok {
			continue
		}
		for _, ch := range n.channels {
			if err := ch.Send(context.Background(), msg); err != nil {
				n.logger.Warn("Notification send failed",
					zap.String("channel", ch.Name()),
					zap.String("event_type", string(event.Type)),
					zap.Error(err))
			}
		}
	}
}

// messageFor maps a governance event onto a notification. Only events
// an operator should be paged or pinged about produce one.
func messageFor(e events.Event) (Message, bool) {
	var msg Message

	switch e.Type {
	case events.TypeKillSwitchActivated:
		msg.Severity = SeverityCritical
		msg.Subject = fmt.Sprintf("Kill switch activated for tenant %s", e.Tenant)
		msg.Body = "Projected API spend crossed the monthly cap threshold. " +
			"All further paid calls for this tenant are blocked until the switch is overridden or the month rolls over."

	case events.TypeKillSwitchOverridden:
		msg.Severity = SeverityInfo
		msg.Subject = fmt.Sprintf("Kill switch overridden for tenant %s", e.Tenant)
		msg.Body = "Paid API calls for this tenant have been re-enabled by an override."

	case events.TypeCircuitOpened:
		msg.Severity = SeverityHigh
		msg.Subject = fmt.Sprintf("Circuit opened for service %s", e.Service)
		msg.Body = "Consecutive failures tripped the circuit breaker. Calls are rejected until the recovery timer admits a probe."

	case events.TypeDegradedModeEntered:
		msg.Severity = SeverityHigh
		msg.Subject = "Degraded mode entered"
		msg.Body = degradedBody(e)

	case events.TypeDegradedModeExited:
		msg.Severity = SeverityInfo
		msg.Subject = "Degraded mode exited"
		msg.Body = "Full service has been restored; fallbacks are no longer in use."

	case events.TypeRecoveryTriggered:
		msg.Severity = SeverityInfo
		msg.Subject = fmt.Sprintf("Recovery triggered for service %s", e.Service)
		msg.Body = "Health probes regained confidence and a recovery plan is executing."

	case events.TypePlanFailed:
		msg.Severity = SeverityHigh
		msg.Subject = fmt.Sprintf("Recovery plan failed for service %s", e.Service)
		msg.Body = "A recovery plan step failed and dependent steps were skipped. The service stays in its degraded posture."

	default:
		return Message{}, false
	}

	msg.Metadata = make(map[string]interface{}, len(e.Payload)+3)
	for k, v := range e.Payload {
		msg.Metadata[k] = v
	}
	msg.Metadata["event_type"] = string(e.Type)
	if e.Tenant != "" {
		msg.Metadata["tenant"] = e.Tenant
	}
	if e.Service != "" {
		msg.Metadata["service"] = e.Service
	}

	return msg, true
}

func degradedBody(e events.Event) string {
	body := "The layer switched to fallbacks"
	if reason, ok := e.Payload["reason"].(string); ok && reason != "" {
		body += ": " + reason
	}
	if fallbacks, ok := e.Payload["fallbacks"].([]string); ok && len(fallbacks) > 0 {
		body += fmt.Sprintf(" (active: %s)", strings.Join(fallbacks, ", "))
	}
	return body + "."
}
