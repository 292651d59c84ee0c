package perf

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	jobmetrics "github.com/odyssey-erp/orderflow/internal/jobs"
	"github.com/odyssey-erp/orderflow/internal/orders"
	"github.com/odyssey-erp/orderflow/jobs"
)

type flakyDeliverer struct {
	failEvery int
	calls     int
}

func (d *flakyDeliverer) Deliver(context.Context, orders.Event) error {
	d.calls++
	if d.failEvery > 0 && d.calls%d.failEvery == 0 {
		return errors.New("webhook timeout")
	}
	return nil
}

func TestOrderNotifyThroughputAndReliability(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	job := jobs.NewOrderNotifyJob(&flakyDeliverer{failEvery: 25}, slog.New(slog.NewTextHandler(io.Discard, nil)), metrics)

	for i := 0; i < 100; i++ {
		task, err := jobs.NewOrderNotifyTask(orders.Event{
			Type:     orders.EventStatusChanged,
			TenantID: "perf",
			OrderID:  "po-1",
			Kind:     orders.KindPurchase,
		})
		if err != nil {
			t.Fatalf("build task: %v", err)
		}
		_ = job.Handle(context.Background(), task)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	success := metricValue(t, families, "orderflow_jobs_total", map[string]string{"job": jobs.TaskOrderNotify, "status": "success"})
	failure := metricValue(t, families, "orderflow_jobs_total", map[string]string{"job": jobs.TaskOrderNotify, "status": "failure"})
	if success+failure != 100 {
		t.Fatalf("expected 100 executions, got %f", success+failure)
	}
	if ratio := success / (success + failure); ratio < 0.9 {
		t.Fatalf("notify success ratio too low: %f", ratio)
	}

	delivered := metricValue(t, families, "orderflow_order_notifications_total", map[string]string{"event": orders.EventStatusChanged})
	if delivered != success {
		t.Fatalf("delivered=%f success=%f", delivered, success)
	}

	if mean := histogramMean(t, families, "orderflow_job_duration_seconds", map[string]string{"job": jobs.TaskOrderNotify}); mean > 0.5 {
		t.Fatalf("notify duration above budget: %f", mean)
	}
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				if fam.GetType() == dto.MetricType_COUNTER {
					return metric.GetCounter().GetValue()
				}
				if fam.GetType() == dto.MetricType_GAUGE {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func histogramMean(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				hist := metric.GetHistogram()
				if hist == nil || hist.GetSampleCount() == 0 {
					t.Fatalf("histogram %s missing samples", name)
				}
				return hist.GetSampleSum() / float64(hist.GetSampleCount())
			}
		}
	}
	t.Fatalf("histogram %s with labels %v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	for key, want := range labels {
		found := false
		for _, lp := range metric.GetLabel() {
			if lp.GetName() == key {
				if lp.GetValue() != want {
					return false
				}
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
