package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/orderflow/internal/jobs"
	"github.com/odyssey-erp/orderflow/internal/orders"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskOrderNotify delivers an order event to the notification collaborator.
	TaskOrderNotify = "order:notify"
)

// NewOrderNotifyTask constructs an Asynq task carrying ev.
func NewOrderNotifyTask(ev orders.Event) (*asynq.Task, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOrderNotify, data, asynq.Queue(QueueDefault), asynq.MaxRetry(5)), nil
}

// Deliverer sends an order event to its recipients.
type Deliverer interface {
	Deliver(ctx context.Context, ev orders.Event) error
}

// LogDeliverer records deliveries in the log. Email transport lives outside this service.
type LogDeliverer struct {
	Logger *slog.Logger
}

// Deliver logs the event.
func (d LogDeliverer) Deliver(_ context.Context, ev orders.Event) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("order notification delivered",
		slog.String("event", ev.Type),
		slog.String("tenant_id", ev.TenantID),
		slog.String("order_id", ev.OrderID),
		slog.String("number", ev.Number),
		slog.String("status", string(ev.Status)),
	)
	return nil
}

// OrderNotifyJob consumes TaskOrderNotify tasks.
type OrderNotifyJob struct {
	Deliverer Deliverer
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewOrderNotifyJob initialises the notification handler.
func NewOrderNotifyJob(deliverer Deliverer, logger *slog.Logger, metrics *jobmetrics.Metrics) *OrderNotifyJob {
	if logger == nil {
		logger = slog.Default()
	}
	if deliverer == nil {
		deliverer = LogDeliverer{Logger: logger}
	}
	return &OrderNotifyJob{Deliverer: deliverer, Logger: logger, Metrics: metrics}
}

// Handle processes TaskOrderNotify tasks.
func (j *OrderNotifyJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil {
		return errors.New("order notify: handler not configured")
	}
	var ev orders.Event
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		return fmt.Errorf("order notify: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if ev.OrderID == "" || ev.Type == "" {
		return fmt.Errorf("order notify: incomplete event: %w", asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskOrderNotify)
	defer func() {
		err = tracker.End(err)
	}()
	if err := j.Deliverer.Deliver(ctx, ev); err != nil {
		j.Logger.Warn("order notification failed", slog.String("order_id", ev.OrderID), slog.Any("error", err))
		return err
	}
	j.Metrics.NotificationDelivered(ev.Type)
	return nil
}
