package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"checkout-service/internal/audit"
	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// Recorder persists audit entries
type Recorder interface {
	Record(e audit.Entry) (bool, error)
}

// AuditWorker copies order and payment events from Kafka into the audit journal
type AuditWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	journal      Recorder
	logger       *zap.Logger
}

// NewAuditWorker creates a new audit worker
func NewAuditWorker(consumer *broker.Consumer, journal Recorder) *AuditWorker {
	w := &AuditWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		journal:      journal,
		logger:       util.GetLogger(),
	}

	w.eventHandler.OnOrderCreated(func(ctx context.Context, e *models.OrderCreatedEvent) error {
		return w.record(e.BaseEvent, e)
	})
	w.eventHandler.OnNotifyReceived(func(ctx context.Context, e *models.NotifyReceivedEvent) error {
		return w.record(e.BaseEvent, e)
	})
	w.eventHandler.OnPaymentReconciled(func(ctx context.Context, e *models.PaymentReconciledEvent) error {
		return w.record(e.BaseEvent, e)
	})

	return w
}

// Start starts the worker
func (w *AuditWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting audit worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *AuditWorker) Stop() error {
	w.logger.Info("Stopping audit worker")
	return w.consumer.Close()
}

func (w *AuditWorker) record(base models.BaseEvent, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit payload: %w", err)
	}

	recorded, err := w.journal.Record(audit.Entry{
		EventID:   base.EventID,
		EventType: base.EventType,
		OrderNo:   base.OrderNo,
		Timestamp: base.Timestamp,
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	if !recorded {
		w.logger.Debug("Audit entry already recorded",
			zap.String("event_id", base.EventID),
			zap.String("order_no", base.OrderNo))
	}
	return nil
}
