// Package alertstest provides an in-memory alert sink for tests.
package alertstest

import (
	"context"
	"payout-engine/internal/models"
	"sync"
)

// Recorder keeps emitted alerts in memory
type Recorder struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (r *Recorder) Emit(ctx context.Context, alert models.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

// Alerts returns a copy of the recorded alerts
func (r *Recorder) Alerts() []models.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

// OfType returns the recorded alerts of one type
func (r *Recorder) OfType(t models.AlertType) []models.Alert {
	var out []models.Alert
	for _, a := range r.Alerts() {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}
