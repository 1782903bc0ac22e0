package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/bookline/api/internal/domain"
	"github.com/bookline/api/internal/repositories"
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
	Counters         CounterService
}

type systemService struct {
	healthRepo repositories.HealthRepository
	clock      func() time.Time
	build      BuildInfo
	counters   CounterService
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the utility service behind the health and
// counter endpoints.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}

	tick := deps.Clock
	if tick == nil {
		tick = time.Now
	}

	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = tick()
	}

	svc := &systemService{
		healthRepo: deps.HealthRepository,
		clock:      func() time.Time { return tick().UTC() },
		build:      build,
		counters:   deps.Counters,
	}
	return svc, nil
}

// HealthReport collects dependency probes and backfills build metadata the
// repository layer does not know about.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	report, err := s.healthRepo.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = s.clock()
	}
	if strings.TrimSpace(report.Version) == "" {
		report.Version = s.build.Version
	}
	if strings.TrimSpace(report.Environment) == "" {
		report.Environment = s.build.Environment
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if strings.TrimSpace(report.Status) == "" {
		report.Status = worstCheckStatus(report.Checks)
	}
	return report, nil
}

func (s *systemService) NextCounterValue(ctx context.Context, cmd CounterCommand) (int64, error) {
	if s.counters == nil {
		return 0, errors.New("system service: counter service not configured")
	}
	return s.counters.Next(ctx, cmd)
}

// worstCheckStatus folds individual probe results into a single status. A
// single failing probe marks the whole report as error; anything short of a
// failure only degrades it.
func worstCheckStatus(checks map[string]domain.SystemHealthCheck) string {
	overall := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusError:
			return domain.HealthStatusError
		case domain.HealthStatusOK, "":
		default:
			overall = domain.HealthStatusDegraded
		}
	}
	return overall
}
