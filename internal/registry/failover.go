package registry

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"flotilla/internal/api"
	"flotilla/pkg/logging"

	"github.com/cenkalti/backoff/v4"
)

const failoverSubsystem = "FailoverManager"

const (
	// responseWindow is how many recent response times feed the average.
	responseWindow = 20

	healthyThreshold  = 2 * time.Second
	degradedThreshold = 10 * time.Second

	// breakerThreshold consecutive failures open the circuit breaker.
	breakerThreshold = 5
)

// FailoverOptions tunes the failover manager.
type FailoverOptions struct {
	OperationTimeout time.Duration
	BreakerCooldown  time.Duration
	MaxRetries       int
	MaxRetryDelay    time.Duration
}

// DefaultFailoverOptions returns the stock tuning: 30s per-registry operation
// timeout, 300s breaker cool-down, 3 retries capped at 30s delay.
func DefaultFailoverOptions() FailoverOptions {
	return FailoverOptions{
		OperationTimeout: 30 * time.Second,
		BreakerCooldown:  300 * time.Second,
		MaxRetries:       3,
		MaxRetryDelay:    30 * time.Second,
	}
}

// healthMetrics is the in-memory health record of one registry.
type healthMetrics struct {
	status              api.RegistryStatus
	lastSuccess         time.Time
	lastFailure         time.Time
	consecutiveFailures int
	responseTimes       []time.Duration
	recentErrors        []string
	breakerOpenUntil    time.Time
}

func (h *healthMetrics) avgResponseTime() time.Duration {
	if len(h.responseTimes) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range h.responseTimes {
		total += d
	}
	return total / time.Duration(len(h.responseTimes))
}

// isAvailable reports whether the registry participates in rotation.
func (h *healthMetrics) isAvailable() bool {
	return h.status == api.RegistryStatusHealthy || h.status == api.RegistryStatusDegraded
}

// HealthSnapshot is the externally visible health state of one registry.
type HealthSnapshot struct {
	Registry            string             `json:"registry"`
	Status              api.RegistryStatus `json:"status"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	AvgResponseTime     time.Duration      `json:"avg_response_time"`
	LastSuccess         time.Time          `json:"last_success,omitempty"`
	LastFailure         time.Time          `json:"last_failure,omitempty"`
	RecentErrors        []string           `json:"recent_errors,omitempty"`
}

// FailoverManager tracks per-registry health, opens a circuit breaker after
// repeated failures and orders registries for multi-registry operations.
type FailoverManager struct {
	opts FailoverOptions

	mu      sync.Mutex
	metrics map[string]*healthMetrics
}

// NewFailoverManager creates a failover manager.
func NewFailoverManager(opts FailoverOptions) *FailoverManager {
	return &FailoverManager{
		opts:    opts,
		metrics: make(map[string]*healthMetrics),
	}
}

func (m *FailoverManager) metricsFor(name string) *healthMetrics {
	h, ok := m.metrics[name]
	if !ok {
		h = &healthMetrics{status: api.RegistryStatusHealthy}
		m.metrics[name] = h
	}
	return h
}

// RecordSuccess stores a successful response time and recomputes the status
// from the rolling average.
func (m *FailoverManager) RecordSuccess(name string, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.metricsFor(name)
	h.lastSuccess = time.Now()
	h.consecutiveFailures = 0
	h.breakerOpenUntil = time.Time{}
	h.responseTimes = append(h.responseTimes, elapsed)
	if len(h.responseTimes) > responseWindow {
		h.responseTimes = h.responseTimes[len(h.responseTimes)-responseWindow:]
	}

	switch avg := h.avgResponseTime(); {
	case avg < healthyThreshold:
		h.status = api.RegistryStatusHealthy
	case avg < degradedThreshold:
		h.status = api.RegistryStatusDegraded
	default:
		h.status = api.RegistryStatusFailing
	}
}

// RecordFailure escalates the registry's status at 1, 3 and 5 consecutive
// failures; the fifth opens the circuit breaker.
func (m *FailoverManager) RecordFailure(name string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.metricsFor(name)
	h.lastFailure = time.Now()
	h.consecutiveFailures++
	h.recentErrors = append(h.recentErrors, cause.Error())
	if len(h.recentErrors) > responseWindow {
		h.recentErrors = h.recentErrors[len(h.recentErrors)-responseWindow:]
	}

	switch {
	case h.consecutiveFailures >= breakerThreshold:
		h.status = api.RegistryStatusUnavailable
		h.breakerOpenUntil = time.Now().Add(m.opts.BreakerCooldown)
		logging.Warn(failoverSubsystem, "Circuit breaker opened for registry %s until %s",
			name, h.breakerOpenUntil.Format(time.RFC3339))
	case h.consecutiveFailures >= 3:
		h.status = api.RegistryStatusFailing
	default:
		h.status = api.RegistryStatusDegraded
	}
}

// Health returns a snapshot of the registry's current metrics.
func (m *FailoverManager) Health(name string) HealthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.metricsFor(name)
	return HealthSnapshot{
		Registry:            name,
		Status:              h.status,
		ConsecutiveFailures: h.consecutiveFailures,
		AvgResponseTime:     h.avgResponseTime(),
		LastSuccess:         h.lastSuccess,
		LastFailure:         h.lastFailure,
		RecentErrors:        append([]string(nil), h.recentErrors...),
	}
}

// GetOrderedRegistries filters to enabled registries whose breaker is closed
// and orders them by (priority, consecutive_failures, -avg_response_time).
// An elapsed breaker cool-down clears the metrics and re-enters the registry
// into rotation.
func (m *FailoverManager) GetOrderedRegistries(registries []api.RegistryConfig) []api.RegistryConfig {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var eligible []api.RegistryConfig
	for _, reg := range registries {
		if !reg.Enabled {
			continue
		}
		h := m.metricsFor(reg.Name)
		if !h.breakerOpenUntil.IsZero() {
			if now.Before(h.breakerOpenUntil) {
				continue
			}
			// Cool-down elapsed: reset and re-enter rotation.
			logging.Info(failoverSubsystem, "Circuit breaker for registry %s reset after cool-down", reg.Name)
			*h = healthMetrics{status: api.RegistryStatusHealthy}
		}
		eligible = append(eligible, reg)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		hi, hj := m.metricsFor(eligible[i].Name), m.metricsFor(eligible[j].Name)
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		if hi.consecutiveFailures != hj.consecutiveFailures {
			return hi.consecutiveFailures < hj.consecutiveFailures
		}
		return -hi.avgResponseTime() < -hj.avgResponseTime()
	})
	return eligible
}

// Execute runs one operation against one registry under the per-operation
// timeout, recording success or failure in the health metrics. A registry
// with an open breaker is skipped with a CircuitBreakerOpenError.
func (m *FailoverManager) Execute(ctx context.Context, reg api.RegistryConfig, operation string, fn func(ctx context.Context, reg api.RegistryConfig) error) error {
	m.mu.Lock()
	h := m.metricsFor(reg.Name)
	openUntil := h.breakerOpenUntil
	m.mu.Unlock()
	if !openUntil.IsZero() && time.Now().Before(openUntil) {
		return &api.CircuitBreakerOpenError{Registry: reg.Name, Until: openUntil}
	}

	opCtx, cancel := context.WithTimeout(ctx, m.opts.OperationTimeout)
	defer cancel()

	started := time.Now()
	err := fn(opCtx, reg)
	if err != nil {
		m.RecordFailure(reg.Name, err)
		return err
	}
	m.RecordSuccess(reg.Name, time.Since(started))
	return nil
}

// ExecuteWithFailover tries the ordered registries one by one until the
// callback succeeds. All-fail raises RegistryUnavailableError naming the
// attempted registries.
func (m *FailoverManager) ExecuteWithFailover(ctx context.Context, registries []api.RegistryConfig, operation string, fn func(ctx context.Context, reg api.RegistryConfig) error) error {
	ordered := m.GetOrderedRegistries(registries)

	var attempted []string
	var lastErr error
	for _, reg := range ordered {
		err := m.Execute(ctx, reg, operation, fn)
		if err == nil {
			return nil
		}
		if _, open := err.(*api.CircuitBreakerOpenError); open {
			continue
		}
		attempted = append(attempted, reg.Name)
		lastErr = err
		logging.Warn(failoverSubsystem, "Registry %s failed for %s: %v", reg.Name, operation, err)
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no eligible registries")
	}
	return &api.RegistryUnavailableError{Operation: operation, Attempted: attempted, LastError: lastErr}
}

// ExecuteWithRetry retries a single-registry operation with exponential
// backoff, independent of failover.
func (m *FailoverManager) ExecuteWithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = m.opts.MaxRetryDelay

	attempts := uint64(m.opts.MaxRetries)
	return backoff.Retry(func() error {
		return fn(ctx)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, attempts), ctx))
}

// CheckHealth probes one registry: GET {url}/health for HTTP registries, a
// directory existence check for file:// registries. The outcome feeds the
// health metrics.
func (m *FailoverManager) CheckHealth(ctx context.Context, client *http.Client, reg api.RegistryConfig) error {
	return m.Execute(ctx, reg, "health", func(ctx context.Context, reg api.RegistryConfig) error {
		if reg.IsLocal() {
			info, err := os.Stat(reg.LocalPath())
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", reg.LocalPath())
			}
			return nil
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reg.URL+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
		}
		return nil
	})
}
