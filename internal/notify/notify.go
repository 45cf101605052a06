// Package notify delivers escrow domain events to downstream consumers.
//
// Delivery is best-effort. The escrow record is the source of truth, so a
// sink that fails is logged and counted and never surfaces as an error of the
// transition that produced the event.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/gigescrow/internal/idgen"
	"github.com/prometheus/client_golang/prometheus"
)

// Kind identifies a domain event.
type Kind string

const (
	KindEscrowFunded              Kind = "escrow.funded"
	KindEscrowFailed              Kind = "escrow.failed"
	KindEscrowCancelled           Kind = "escrow.cancelled"
	KindEscrowCompletionRequested Kind = "escrow.completion_requested"
	KindEscrowReleased            Kind = "escrow.released"
	KindEscrowRefunded            Kind = "escrow.refunded"
	KindEscrowDisputed            Kind = "escrow.disputed"
	KindDisputeOpened             Kind = "dispute.opened"
	KindDisputeResolved           Kind = "dispute.resolved"
)

// Kinds lists every event kind, for subscription validation.
var Kinds = []Kind{
	KindEscrowFunded,
	KindEscrowFailed,
	KindEscrowCancelled,
	KindEscrowCompletionRequested,
	KindEscrowReleased,
	KindEscrowRefunded,
	KindEscrowDisputed,
	KindDisputeOpened,
	KindDisputeResolved,
}

// ValidKind reports whether k is a known event kind.
func ValidKind(k Kind) bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Event carries enough context for an inbox or UI to render a notification.
type Event struct {
	ID           string            `json:"id"`
	Kind         Kind              `json:"kind"`
	Reference    string            `json:"reference,omitempty"`
	EngagementID string            `json:"engagementId"`
	ActorID      string            `json:"actorId,omitempty"`
	RecipientID  string            `json:"recipientId,omitempty"`
	Amount       int64             `json:"amount,omitempty"`
	Currency     string            `json:"currency,omitempty"`
	Detail       map[string]string `json:"detail,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Sink is one delivery channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

var (
	notifyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gigescrow",
		Subsystem: "notify",
		Name:      "events_total",
		Help:      "Domain events handed to the dispatcher by kind.",
	}, []string{"kind"})

	notifyDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gigescrow",
		Subsystem: "notify",
		Name:      "deliveries_total",
		Help:      "Sink deliveries by sink and result.",
	}, []string{"sink", "result"})
)

func init() {
	prometheus.MustRegister(notifyTotal, notifyDeliveries)
}

// DefaultDeliveryTimeout bounds one event's fan-out.
const DefaultDeliveryTimeout = 30 * time.Second

// Dispatcher fans events out to every sink in the background.
// All methods are fire-and-forget: errors are logged but never returned.
type Dispatcher struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher over sinks.
func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks:   sinks,
		logger:  logger,
		timeout: DefaultDeliveryTimeout,
	}
}

// Notify queues ev for delivery and returns immediately. The delivery
// context is detached from ctx so a finished request does not cancel it.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) {
	if d == nil || len(d.sinks) == 0 {
		return
	}
	if ev.ID == "" {
		ev.ID = idgen.WithPrefix("evt_", 12)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	notifyTotal.WithLabelValues(string(ev.Kind)).Inc()

	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		for _, s := range d.sinks {
			d.deliver(detached, s, ev)
		}
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, s Sink, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			notifyDeliveries.WithLabelValues(s.Name(), "panic").Inc()
			d.logger.Error("notification sink panicked", "sink", s.Name(), "kind", ev.Kind, "panic", r)
		}
	}()

	if err := s.Deliver(ctx, ev); err != nil {
		notifyDeliveries.WithLabelValues(s.Name(), "error").Inc()
		d.logger.Warn("notification delivery failed",
			"sink", s.Name(),
			"kind", ev.Kind,
			"reference", ev.Reference,
			"engagementId", ev.EngagementID,
			"error", err,
		)
		return
	}
	notifyDeliveries.WithLabelValues(s.Name(), "ok").Inc()
}

// Wait blocks until in-flight deliveries finish. Used at shutdown and in tests.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

// MemorySink keeps delivered events in process. It backs the inbox in
// development mode.
type MemorySink struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Name() string { return "memory" }

func (m *MemorySink) Deliver(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of everything delivered so far.
func (m *MemorySink) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ForRecipient returns events addressed to userID, newest first.
func (m *MemorySink) ForRecipient(userID string, limit int) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].RecipientID != userID {
			continue
		}
		out = append(out, m.events[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
