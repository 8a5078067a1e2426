package circuitbreaker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepflow/internal/common/errors"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"defaults", DefaultConfig(), false},
		{"http preset", HTTPConfig, false},
		{"database preset", DatabaseConfig, false},
		{"zero max failures", Config{Timeout: time.Second, MaxConcurrentRequests: 1, SuccessThreshold: 1}, true},
		{"zero timeout", Config{MaxFailures: 1, MaxConcurrentRequests: 1, SuccessThreshold: 1}, true},
		{"zero concurrent", Config{MaxFailures: 1, Timeout: time.Second, SuccessThreshold: 1}, true},
		{"zero success threshold", Config{MaxFailures: 1, Timeout: time.Second, MaxConcurrentRequests: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewGoBreaker_InvalidConfigFallsBack(t *testing.T) {
	breaker := NewGoBreaker("bad-config", Config{}, nil)

	require.NotNil(t, breaker)
	assert.Equal(t, StateClosed, breaker.State())
	assert.NoError(t, breaker.Execute(context.Background(), func() error { return nil }))
}

func TestExecute_TripsAfterConsecutiveFailures(t *testing.T) {
	breaker := NewGoBreaker("flaky-host", HTTPConfig, nil)

	for i := 0; i < HTTPConfig.MaxFailures; i++ {
		err := breaker.Execute(context.Background(), func() error {
			return errors.ConnectionError("dial failed", fmt.Errorf("refused"))
		})
		require.Error(t, err)
	}

	assert.Equal(t, StateOpen, breaker.State())
	assert.True(t, breaker.IsOpen())

	called := false
	err := breaker.Execute(context.Background(), func() error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, errors.IsType(err, errors.ErrTypeInternal))
	assert.Contains(t, err.Error(), "is open")
}

func TestExecute_CallerErrorsDoNotTrip(t *testing.T) {
	breaker := NewGoBreaker("strict-api", HTTPConfig, nil)

	for i := 0; i < HTTPConfig.MaxFailures*2; i++ {
		err := breaker.Execute(context.Background(), func() error {
			return errors.ValidationError("bad request body")
		})
		require.Error(t, err)
	}

	assert.Equal(t, StateClosed, breaker.State())
	assert.False(t, breaker.IsOpen())
}

func TestExecute_SuccessResetsFailureStreak(t *testing.T) {
	breaker := NewGoBreaker("recovering-host", HTTPConfig, nil)

	for i := 0; i < HTTPConfig.MaxFailures-1; i++ {
		breaker.Execute(context.Background(), func() error {
			return errors.ConnectionError("dial failed", nil)
		})
	}
	require.NoError(t, breaker.Execute(context.Background(), func() error { return nil }))

	breaker.Execute(context.Background(), func() error {
		return errors.ConnectionError("dial failed", nil)
	})
	assert.Equal(t, StateClosed, breaker.State())
}

func TestStats(t *testing.T) {
	breaker := NewGoBreaker("stats-host", HTTPConfig, nil)

	breaker.Execute(context.Background(), func() error { return nil })
	breaker.Execute(context.Background(), func() error { return nil })
	breaker.Execute(context.Background(), func() error {
		return errors.ConnectionError("dial failed", nil)
	})

	stats := breaker.Stats()
	assert.Equal(t, "stats-host", stats.Name)
	assert.Equal(t, "closed", stats.State)
	assert.Equal(t, 2, stats.Successes)
	assert.Equal(t, 1, stats.Failures)
}

func TestManager_GetOrCreateReusesBreakers(t *testing.T) {
	manager := NewManager(HTTPConfig, nil)

	first := manager.GetOrCreate("api.example.com")
	second := manager.GetOrCreate("api.example.com")
	other := manager.GetOrCreate("db.example.com")

	assert.Same(t, first, second)
	assert.NotSame(t, first, other)

	got, ok := manager.Get("api.example.com")
	require.True(t, ok)
	assert.Same(t, first, got)

	_, ok = manager.Get("unknown.example.com")
	assert.False(t, ok)
}

func TestManager_IsolatesHosts(t *testing.T) {
	manager := NewManager(HTTPConfig, nil)

	flaky := manager.GetOrCreate("flaky.example.com")
	for i := 0; i < HTTPConfig.MaxFailures; i++ {
		flaky.Execute(context.Background(), func() error {
			return errors.ConnectionError("dial failed", nil)
		})
	}

	assert.True(t, manager.IsOpen("flaky.example.com"))
	assert.False(t, manager.IsOpen("healthy.example.com"))
	assert.False(t, manager.IsOpen("never-seen.example.com"))

	healthy := manager.GetOrCreate("healthy.example.com")
	assert.NoError(t, healthy.Execute(context.Background(), func() error { return nil }))
}

func TestManager_AllStats(t *testing.T) {
	manager := NewManager(HTTPConfig, nil)
	manager.GetOrCreate("one.example.com")
	manager.GetOrCreate("two.example.com")

	stats := manager.AllStats()
	assert.Len(t, stats, 2)

	names := []string{stats[0].Name, stats[1].Name}
	assert.ElementsMatch(t, []string{"one.example.com", "two.example.com"}, names)
}
