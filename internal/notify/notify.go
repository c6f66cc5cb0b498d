// Package notify pushes operator-facing alerts: degraded ladders, parked
// positions, reconciliation repairs.
package notify

// TextNotifier is intentionally small so components can depend on it
// without importing concrete implementations.
type TextNotifier interface {
	SendText(text string) error
}

// Noop discards every message.
type Noop struct{}

func (Noop) SendText(string) error { return nil }
