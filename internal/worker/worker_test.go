package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"checkout-service/internal/audit"
	"checkout-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditWorker_JournalsEvents(t *testing.T) {
	journal, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer journal.Close()

	w := NewAuditWorker(nil, journal)

	event := &models.PaymentReconciledEvent{
		BaseEvent: models.BaseEvent{
			EventID:   "e1",
			EventType: models.EventTypePaymentReconciled,
			OrderNo:   "abc",
			Timestamp: time.Now().UTC(),
		},
		From:       models.TradeStatusUnpaid,
		To:         models.TradeStatusPaid,
		StockDelta: -2,
	}
	value, err := json.Marshal(event)
	require.NoError(t, err)

	// redelivery of the same message is recorded once
	for i := 0; i < 2; i++ {
		require.NoError(t, w.eventHandler.HandleMessage(context.Background(), kafka.Message{Value: value}))
	}

	entries, err := journal.ListByOrder("abc")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.EventTypePaymentReconciled, entries[0].EventType)

	var stored models.PaymentReconciledEvent
	require.NoError(t, json.Unmarshal(entries[0].Payload, &stored))
	assert.Equal(t, -2, stored.StockDelta)
	assert.Equal(t, models.TradeStatusPaid, stored.To)
}
