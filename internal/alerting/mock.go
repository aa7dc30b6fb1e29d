package alerting

import (
	"context"
	"sync"
)

// MockAlerter records alerts for assertions in tests.
type MockAlerter struct {
	mu     sync.Mutex
	alerts []MockAlert
	err    error
}

// MockAlert is one recorded alert.
type MockAlert struct {
	Severity Severity
	Message  string
	Fields   []any
}

// NewMockAlerter creates a recording alerter.
func NewMockAlerter() *MockAlerter { return &MockAlerter{} }

// Name returns the name of the alerter.
func (m *MockAlerter) Name() string { return "mock" }

// Alert records the alert.
func (m *MockAlerter) Alert(_ context.Context, severity Severity, message string, fields ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, MockAlert{Severity: severity, Message: message, Fields: fields})
	return m.err
}

// SetError makes every subsequent Alert call fail.
func (m *MockAlerter) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Alerts returns a copy of the recorded alerts.
func (m *MockAlerter) Alerts() []MockAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockAlert(nil), m.alerts...)
}
