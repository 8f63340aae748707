package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status represents the aggregated health status.
type Status string

const (
	// Healthy indicates all components are operational.
	Healthy Status = "ok"
	// Degraded indicates an optional component is failing.
	Degraded Status = "degraded"
	// Unhealthy indicates a required component is failing.
	Unhealthy Status = "error"
)

// CheckResult represents an individual component health check outcome.
type CheckResult string

const (
	// CheckOK indicates a passing health check.
	CheckOK CheckResult = "ok"
	// CheckError indicates a failing health check.
	CheckError CheckResult = "error"
)

// DefaultTimeout bounds each component check.
const DefaultTimeout = 2 * time.Second

// Report aggregates health check results.
type Report struct {
	Status Status
	Checks map[string]CheckResult
}

// Component is a named dependency. A failing required component makes the
// service unhealthy, a failing optional one degraded.
type Component struct {
	Name     string
	Checker  Checker
	Required bool
}

// Service coordinates health checks.
type Service struct {
	components []Component
	timeout    time.Duration
	logger     *zap.Logger
}

// New creates a Service. Components with a nil Checker are skipped.
func New(logger *zap.Logger, components ...Component) *Service {
	kept := make([]Component, 0, len(components))
	for _, c := range components {
		if c.Checker != nil {
			kept = append(kept, c)
		}
	}
	return &Service{components: kept, timeout: DefaultTimeout, logger: logger}
}

// WithTimeout returns a copy with a different per-check timeout.
func (s *Service) WithTimeout(d time.Duration) *Service {
	cp := *s
	cp.timeout = d
	return &cp
}

// Check runs all component checks concurrently.
func (s *Service) Check(ctx context.Context) Report {
	checks := make(map[string]CheckResult, len(s.components))
	status := Healthy

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range s.components {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()

			err := c.Checker.Check(cctx)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				checks[c.Name] = CheckOK
				return
			}
			s.logger.Warn("Health check failed", zap.String("component", c.Name), zap.Error(err))
			checks[c.Name] = CheckError
			switch {
			case c.Required:
				status = Unhealthy
			case status == Healthy:
				status = Degraded
			}
		}()
	}
	wg.Wait()

	return Report{Status: status, Checks: checks}
}
