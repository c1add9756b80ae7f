package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"flotilla/internal/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistries() []api.RegistryConfig {
	return []api.RegistryConfig{
		{Name: "r1", URL: "https://r1.example", Enabled: true, Priority: 10},
		{Name: "r2", URL: "https://r2.example", Enabled: true, Priority: 20},
		{Name: "r3", URL: "https://r3.example", Enabled: false, Priority: 5},
	}
}

func TestHealthStatusEscalation(t *testing.T) {
	m := NewFailoverManager(DefaultFailoverOptions())
	boom := errors.New("boom")

	m.RecordFailure("r1", boom)
	assert.Equal(t, api.RegistryStatusDegraded, m.Health("r1").Status)

	m.RecordFailure("r1", boom)
	m.RecordFailure("r1", boom)
	assert.Equal(t, api.RegistryStatusFailing, m.Health("r1").Status)

	m.RecordFailure("r1", boom)
	m.RecordFailure("r1", boom)
	assert.Equal(t, api.RegistryStatusUnavailable, m.Health("r1").Status)
	assert.Equal(t, 5, m.Health("r1").ConsecutiveFailures)
}

func TestSuccessResetsFailures(t *testing.T) {
	m := NewFailoverManager(DefaultFailoverOptions())
	m.RecordFailure("r1", errors.New("boom"))
	m.RecordFailure("r1", errors.New("boom"))

	m.RecordSuccess("r1", 100*time.Millisecond)
	health := m.Health("r1")
	assert.Equal(t, api.RegistryStatusHealthy, health.Status)
	assert.Zero(t, health.ConsecutiveFailures)
}

func TestStatusFromAverageResponseTime(t *testing.T) {
	m := NewFailoverManager(DefaultFailoverOptions())

	m.RecordSuccess("fast", 500*time.Millisecond)
	assert.Equal(t, api.RegistryStatusHealthy, m.Health("fast").Status)

	m.RecordSuccess("slow", 5*time.Second)
	assert.Equal(t, api.RegistryStatusDegraded, m.Health("slow").Status)

	m.RecordSuccess("crawl", 15*time.Second)
	assert.Equal(t, api.RegistryStatusFailing, m.Health("crawl").Status)
}

func TestCircuitBreakerOmitsRegistry(t *testing.T) {
	m := NewFailoverManager(DefaultFailoverOptions())
	for i := 0; i < breakerThreshold; i++ {
		m.RecordFailure("r1", errors.New("boom"))
	}

	ordered := m.GetOrderedRegistries(testRegistries())
	require.Len(t, ordered, 1)
	assert.Equal(t, "r2", ordered[0].Name)
}

func TestCircuitBreakerCooldownResets(t *testing.T) {
	opts := DefaultFailoverOptions()
	opts.BreakerCooldown = 10 * time.Millisecond
	m := NewFailoverManager(opts)
	for i := 0; i < breakerThreshold; i++ {
		m.RecordFailure("r1", errors.New("boom"))
	}
	require.Len(t, m.GetOrderedRegistries(testRegistries()), 1)

	time.Sleep(20 * time.Millisecond)
	ordered := m.GetOrderedRegistries(testRegistries())
	require.Len(t, ordered, 2)
	assert.Equal(t, "r1", ordered[0].Name, "cooled-down registry re-enters rotation with cleared metrics")
	assert.Zero(t, m.Health("r1").ConsecutiveFailures)
}

func TestOrderingSkipsDisabledAndSortsByPriority(t *testing.T) {
	m := NewFailoverManager(DefaultFailoverOptions())
	ordered := m.GetOrderedRegistries(testRegistries())
	require.Len(t, ordered, 2)
	assert.Equal(t, "r1", ordered[0].Name)
	assert.Equal(t, "r2", ordered[1].Name)
}

func TestOrderingPrefersFewerFailuresWithinPriority(t *testing.T) {
	m := NewFailoverManager(DefaultFailoverOptions())
	regs := []api.RegistryConfig{
		{Name: "a", URL: "https://a", Enabled: true, Priority: 10},
		{Name: "b", URL: "https://b", Enabled: true, Priority: 10},
	}
	m.RecordFailure("a", errors.New("boom"))

	ordered := m.GetOrderedRegistries(regs)
	require.Len(t, ordered, 2)
	assert.Equal(t, "b", ordered[0].Name)
}

func TestExecuteRecordsMetrics(t *testing.T) {
	m := NewFailoverManager(DefaultFailoverOptions())
	reg := testRegistries()[0]

	err := m.Execute(context.Background(), reg, "op", func(ctx context.Context, reg api.RegistryConfig) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, api.RegistryStatusHealthy, m.Health("r1").Status)

	err = m.Execute(context.Background(), reg, "op", func(ctx context.Context, reg api.RegistryConfig) error {
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 1, m.Health("r1").ConsecutiveFailures)
}

func TestExecuteSkipsOpenBreaker(t *testing.T) {
	m := NewFailoverManager(DefaultFailoverOptions())
	reg := testRegistries()[0]
	for i := 0; i < breakerThreshold; i++ {
		m.RecordFailure("r1", errors.New("boom"))
	}

	called := false
	err := m.Execute(context.Background(), reg, "op", func(ctx context.Context, reg api.RegistryConfig) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	var open *api.CircuitBreakerOpenError
	assert.ErrorAs(t, err, &open)
}

func TestExecuteWithFailoverFallsThrough(t *testing.T) {
	m := NewFailoverManager(DefaultFailoverOptions())

	var tried []string
	err := m.ExecuteWithFailover(context.Background(), testRegistries(), "op", func(ctx context.Context, reg api.RegistryConfig) error {
		tried = append(tried, reg.Name)
		if reg.Name == "r1" {
			return errors.New("r1 down")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, tried)
	assert.Equal(t, 1, m.Health("r1").ConsecutiveFailures)
}

func TestExecuteWithFailoverAllFail(t *testing.T) {
	m := NewFailoverManager(DefaultFailoverOptions())

	err := m.ExecuteWithFailover(context.Background(), testRegistries(), "lookup", func(ctx context.Context, reg api.RegistryConfig) error {
		return errors.New("down")
	})
	require.Error(t, err)
	assert.True(t, api.IsRegistryUnavailable(err))
	var unavailable *api.RegistryUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, []string{"r1", "r2"}, unavailable.Attempted)
}

func TestCheckHealth(t *testing.T) {
	m := NewFailoverManager(DefaultFailoverOptions())

	t.Run("http endpoint", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				w.WriteHeader(http.StatusOK)
				return
			}
			http.NotFound(w, r)
		}))
		defer srv.Close()

		reg := api.RegistryConfig{Name: "up", URL: srv.URL, Enabled: true}
		require.NoError(t, m.CheckHealth(context.Background(), srv.Client(), reg))
		assert.Equal(t, api.RegistryStatusHealthy, m.Health("up").Status)
	})

	t.Run("failing endpoint escalates", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		reg := api.RegistryConfig{Name: "down", URL: srv.URL, Enabled: true}
		require.Error(t, m.CheckHealth(context.Background(), srv.Client(), reg))
		assert.Equal(t, 1, m.Health("down").ConsecutiveFailures)
	})

	t.Run("local registry", func(t *testing.T) {
		reg := api.RegistryConfig{Name: "local", URL: "file://" + t.TempDir(), Enabled: true}
		require.NoError(t, m.CheckHealth(context.Background(), http.DefaultClient, reg))

		missing := api.RegistryConfig{Name: "missing", URL: "file:///nonexistent/registry", Enabled: true}
		require.Error(t, m.CheckHealth(context.Background(), http.DefaultClient, missing))
	})
}

func TestExecuteWithRetry(t *testing.T) {
	opts := DefaultFailoverOptions()
	opts.MaxRetries = 2
	m := NewFailoverManager(opts)

	attempts := 0
	err := m.ExecuteWithRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}
