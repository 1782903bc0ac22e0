package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/bookline/api/internal/domain"
)

type stubHealthRepo struct {
	report domain.SystemHealthReport
	err    error
}

func (r *stubHealthRepo) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	if r.err != nil {
		return domain.SystemHealthReport{}, r.err
	}
	return r.report, nil
}

func TestSystemHealthReportFillsMetadata(t *testing.T) {
	repo := &stubHealthRepo{report: domain.SystemHealthReport{
		Checks: map[string]domain.SystemHealthCheck{
			"firestore": {Status: domain.HealthStatusOK},
		},
	}}
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
		Clock:            orderTestClock,
		Build:            BuildInfo{Version: "1.4.0", Environment: "test"},
	})
	if err != nil {
		t.Fatalf("build system service: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("health report failed: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected ok, got %q", report.Status)
	}
	if report.Version != "1.4.0" || report.Environment != "test" {
		t.Fatalf("expected build metadata, got %+v", report)
	}
	if !report.GeneratedAt.Equal(orderTestClock()) {
		t.Fatalf("expected generated-at from clock, got %v", report.GeneratedAt)
	}
}

func TestSystemHealthReportDerivesDegradedStatus(t *testing.T) {
	repo := &stubHealthRepo{report: domain.SystemHealthReport{
		Checks: map[string]domain.SystemHealthCheck{
			"firestore": {Status: domain.HealthStatusOK},
			"pubsub":    {Status: domain.HealthStatusDegraded, CheckedAt: time.Now()},
		},
	}}
	svc, _ := NewSystemService(SystemServiceDeps{HealthRepository: repo, Clock: orderTestClock})

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("health report failed: %v", err)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded, got %q", report.Status)
	}
}

func TestSystemHealthReportPropagatesFailure(t *testing.T) {
	repo := &stubHealthRepo{err: errors.New("probe failed")}
	svc, _ := NewSystemService(SystemServiceDeps{HealthRepository: repo, Clock: orderTestClock})

	if _, err := svc.HealthReport(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestSystemNextCounterValueDelegates(t *testing.T) {
	counterRepo := &stubCounterRepo{}
	counters, _ := NewCounterService(CounterServiceDeps{Repository: counterRepo})
	svc, _ := NewSystemService(SystemServiceDeps{
		HealthRepository: &stubHealthRepo{},
		Clock:            orderTestClock,
		Counters:         counters,
	})

	value, err := svc.NextCounterValue(context.Background(), CounterCommand{CounterID: "orders", Step: 2})
	if err != nil {
		t.Fatalf("next counter failed: %v", err)
	}
	if value != 2 {
		t.Fatalf("expected 2, got %d", value)
	}
}
