package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"payout-engine/internal/alerts/alertstest"
	"payout-engine/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{}

func (failingSink) Emit(context.Context, models.Alert) error { return errors.New("sink down") }

func TestLogSink_Emit(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := sink.Emit(context.Background(), models.Alert{
		Type:      models.AlertLowBalance,
		ProjectID: "p1",
		Message:   "escrow balance below minimum",
		Fields:    map[string]string{"balance": "10"},
		At:        time.Now(),
	})
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "LOW_BALANCE", line["alert"])
	assert.Equal(t, "p1", line["project_id"])
	assert.Equal(t, "10", line["balance"])
}

func TestMulti_DeliversToEverySink(t *testing.T) {
	first, second := &alertstest.Recorder{}, &alertstest.Recorder{}
	m := Multi{first, failingSink{}, second}

	err := m.Emit(context.Background(), models.Alert{Type: models.AlertRecurringPaused, ProjectID: "p1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink down")

	assert.Len(t, first.Alerts(), 1)
	assert.Len(t, second.OfType(models.AlertRecurringPaused), 1)
	assert.Empty(t, second.OfType(models.AlertLowBalance))
}
