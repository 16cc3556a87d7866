// Package notify delivers operator alerts. Delivery is fire-and-forget:
// nothing in the trading path waits on or fails because of a webhook.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vamshivade/DEX-System/internal/store"
)

// Alert severities
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Notifier is what the engine components alert through.
type Notifier interface {
	Alert(ctx context.Context, a store.Alert)
}

// Sender delivers one alert and reports failure.
type Sender interface {
	Send(ctx context.Context, a store.Alert) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, a store.Alert) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, a store.Alert) error {
	return f(ctx, a)
}

// New builds an alert with an id and timestamp.
func New(severity, source, message string) store.Alert {
	return store.Alert{
		ID:       uuid.NewString(),
		Severity: severity,
		Source:   source,
		Message:  message,
		SentAt:   time.Now().UTC(),
	}
}

// Multi fans an alert out to every sender and joins their errors.
type Multi []Sender

// Send implements Sender.
func (m Multi) Send(ctx context.Context, a store.Alert) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards alerts.
type Nop struct{}

// Alert implements Notifier.
func (Nop) Alert(context.Context, store.Alert) {}

// AlertLog persists alerts.
type AlertLog interface {
	LogAlert(ctx context.Context, a store.Alert) error
}

// Persist returns a Sender that writes alerts to log.
func Persist(log AlertLog) Sender {
	return SenderFunc(func(ctx context.Context, a store.Alert) error {
		return log.LogAlert(ctx, a)
	})
}

// DefaultBuffer is the Async queue size.
const DefaultBuffer = 256

// SendTimeout bounds one background delivery.
const SendTimeout = 15 * time.Second

// Async delivers alerts on a background goroutine. When the buffer is full
// the alert is dropped and logged rather than blocking the caller.
type Async struct {
	sender Sender
	ch     chan store.Alert
	logger *slog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewAsync starts the delivery goroutine. Call Close to drain and stop it.
func NewAsync(sender Sender, buffer int, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{sender: sender, ch: make(chan store.Alert, buffer), logger: logger}
	a.wg.Add(1)
	go a.run()
	return a
}

// Alert implements Notifier.
func (a *Async) Alert(_ context.Context, alert store.Alert) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.SentAt.IsZero() {
		alert.SentAt = time.Now().UTC()
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.logger.Warn("alert_dropped", "reason", "closed", "source", alert.Source)
		return
	}
	select {
	case a.ch <- alert:
	default:
		a.logger.Warn("alert_dropped", "reason", "buffer_full", "source", alert.Source)
	}
}

func (a *Async) run() {
	defer a.wg.Done()
	for alert := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), SendTimeout)
		if err := a.sender.Send(ctx, alert); err != nil {
			a.logger.Warn("alert_delivery_failed", "source", alert.Source, "error", err)
		}
		cancel()
	}
}

// Close stops accepting alerts and waits for queued ones to be delivered.
func (a *Async) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()
	})
	a.wg.Wait()
}
