// Package notify emits fire-and-forget lifecycle notifications.
//
// Events are posted as JSON to a configured webhook endpoint. Delivery
// failures are logged and counted but never returned: the ledger's
// correctness must not depend on the notification channel.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/dealsafe/internal/circuitbreaker"
	"github.com/mbd888/dealsafe/internal/idgen"
)

// breakerKey is the single circuit key; the emitter talks to one
// webhook endpoint.
const breakerKey = "notify"

var (
	notifyEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealsafe",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total notification emit attempts by event type.",
	}, []string{"event_type"})

	notifyEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealsafe",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Total notification emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(notifyEmitTotal, notifyEmitErrors)
}

// Event is the wire format delivered to the webhook endpoint.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Emitter delivers lifecycle events. All methods are fire-and-forget
// and safe on a nil receiver. A circuit breaker guards the endpoint:
// after repeated delivery failures events are dropped (and counted)
// instead of piling up goroutines against a dead webhook.
type Emitter struct {
	url     string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewEmitter creates an emitter posting to url. An empty url yields a
// logging-only emitter.
func NewEmitter(url string, logger *slog.Logger) *Emitter {
	return &Emitter{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
	}
}

// Emit sends one event asynchronously.
func (e *Emitter) Emit(eventType string, data map[string]interface{}) {
	if e == nil {
		return
	}
	notifyEmitTotal.WithLabelValues(eventType).Inc()

	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	if e.url == "" {
		e.logger.Debug("notification", "event", eventType, "data", data)
		return
	}

	if !e.breaker.Allow(breakerKey) {
		notifyEmitErrors.WithLabelValues(eventType).Inc()
		e.logger.Warn("notification dropped, circuit open", "event", eventType)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.post(ctx, event); err != nil {
			e.breaker.RecordFailure(breakerKey)
			notifyEmitErrors.WithLabelValues(eventType).Inc()
			e.logger.Warn("notification emit failed", "event", eventType, "error", err)
			return
		}
		e.breaker.RecordSuccess(breakerKey)
	}()
}

func (e *Emitter) post(ctx context.Context, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return &httpError{status: resp.StatusCode}
	}
	return nil
}

type httpError struct{ status int }

func (e *httpError) Error() string {
	return http.StatusText(e.status)
}

// --- Typed event helpers ---

// OrderPurchased emits order.purchased.
func (e *Emitter) OrderPurchased(orderID, buyerID, sellerID, amount string) {
	e.Emit("order.purchased", map[string]interface{}{
		"orderId": orderID, "buyerId": buyerID, "sellerId": sellerID, "amount": amount,
	})
}

// OrderCompleted emits order.completed.
func (e *Emitter) OrderCompleted(orderID, trigger, payout string) {
	e.Emit("order.completed", map[string]interface{}{
		"orderId": orderID, "trigger": trigger, "sellerPayout": payout,
	})
}

// OrderCancelled emits order.cancelled.
func (e *Emitter) OrderCancelled(orderID, refund string) {
	e.Emit("order.cancelled", map[string]interface{}{
		"orderId": orderID, "refund": refund,
	})
}

// DisputeOpened emits dispute.opened.
func (e *Emitter) DisputeOpened(orderID, disputeID, raisedBy, reason string) {
	e.Emit("dispute.opened", map[string]interface{}{
		"orderId": orderID, "disputeId": disputeID, "raisedBy": raisedBy, "reason": reason,
	})
}

// DisputeResolved emits dispute.resolved.
func (e *Emitter) DisputeResolved(orderID, disputeID, resolution string) {
	e.Emit("dispute.resolved", map[string]interface{}{
		"orderId": orderID, "disputeId": disputeID, "resolution": resolution,
	})
}
