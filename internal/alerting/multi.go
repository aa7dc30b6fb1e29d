package alerting

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// MultiAlerter fans an alert out to every configured channel. One slow
// or failing channel never blocks the others.
type MultiAlerter struct {
	mu       sync.RWMutex
	alerters []Alerter
	logger   *slog.Logger
}

// NewMultiAlerter creates a multi-channel alerter.
func NewMultiAlerter(logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiAlerter{alerters: alerters, logger: logger}
}

// Name returns the name of the alerter.
func (m *MultiAlerter) Name() string { return "multi" }

// Add registers another channel.
func (m *MultiAlerter) Add(alerter Alerter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerters = append(m.alerters, alerter)
}

// Alert sends to all channels concurrently; failures are joined.
func (m *MultiAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	m.mu.RLock()
	alerters := append([]Alerter(nil), m.alerters...)
	m.mu.RUnlock()

	if len(alerters) == 0 {
		return nil
	}

	errCh := make(chan error, len(alerters))
	var wg sync.WaitGroup
	for _, a := range alerters {
		wg.Add(1)
		go func(a Alerter) {
			defer wg.Done()
			if err := a.Alert(ctx, severity, message, fields...); err != nil {
				m.logger.Warn("alert channel failed", "channel", a.Name(), "err", err)
				errCh <- err
			}
		}(a)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Notify sends a predefined event with its default severity.
func (m *MultiAlerter) Notify(ctx context.Context, event Event, message string, fields ...any) error {
	return m.Alert(ctx, EventSeverity(event), message, fields...)
}
