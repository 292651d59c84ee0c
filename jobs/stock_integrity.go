package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/orderflow/internal/inventory"
	jobmetrics "github.com/odyssey-erp/orderflow/internal/jobs"
)

// TaskStockIntegrity verifies every stock level against its ledger rows.
const TaskStockIntegrity = "inventory:stock_integrity"

// StockIntegrityPayload carries scheduling metadata.
type StockIntegrityPayload struct {
	Trigger string `json:"trigger"`
}

// NewStockIntegrityTask constructs the scheduled integrity task.
func NewStockIntegrityTask(trigger string) (*asynq.Task, error) {
	body, err := json.Marshal(StockIntegrityPayload{Trigger: trigger})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockIntegrity, body, asynq.Queue(QueueDefault)), nil
}

// DriftSource lists stock levels that disagree with the ledger.
type DriftSource interface {
	FindStockDrift(ctx context.Context) ([]inventory.StockDrift, error)
}

// StockIntegrityJob reports ledger drift. It never corrects stock.
type StockIntegrityJob struct {
	Source  DriftSource
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewStockIntegrityJob initialises the integrity handler.
func NewStockIntegrityJob(source DriftSource, logger *slog.Logger, metrics *jobmetrics.Metrics) *StockIntegrityJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &StockIntegrityJob{Source: source, Logger: logger, Metrics: metrics}
}

// Handle executes the integrity check.
func (j *StockIntegrityJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Source == nil {
		return errors.New("stock integrity: source not configured")
	}
	var payload StockIntegrityPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	tracker := j.Metrics.Track(TaskStockIntegrity)
	defer func() {
		err = tracker.End(err)
	}()

	start := time.Now()
	logger := j.Logger.With(slog.String("job", "stock_integrity"), slog.String("trigger", payload.Trigger))
	drift, err := j.Source.FindStockDrift(ctx)
	if err != nil {
		logger.Error("stock integrity scan failed", slog.Any("error", err))
		return err
	}
	for _, d := range drift {
		logger.Warn("stock level differs from ledger",
			slog.String("tenant_id", d.TenantID),
			slog.String("item_id", d.ItemID),
			slog.String("store_id", d.StoreID),
			slog.Int64("level", d.Level),
			slog.Int64("ledger_sum", d.LedgerSum),
		)
	}
	j.Metrics.SetStockDrift(len(drift))
	logger.Info("stock integrity check completed", slog.Int("drift", len(drift)), slog.Duration("duration", time.Since(start)))
	return nil
}
