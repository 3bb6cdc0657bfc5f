package domain

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceInstanceDefaults(t *testing.T) {
	instance := NewServiceInstance("users", "http://localhost:9001")

	assert.Equal(t, "/health", instance.HealthCheckPath)
	assert.Equal(t, 100, instance.MaxInFlight)
	assert.True(t, instance.IsHealthy())
	assert.Equal(t, int64(0), instance.InFlight())
	assert.Equal(t, "users/http://localhost:9001", instance.Key())
}

func TestAvailableRequiresHealthAndCapacity(t *testing.T) {
	instance := NewServiceInstance("users", "http://localhost:9001")
	instance.MaxInFlight = 2

	assert.True(t, instance.Available())

	instance.IncrementInFlight()
	instance.IncrementInFlight()
	assert.False(t, instance.Available())

	instance.DecrementInFlight()
	assert.True(t, instance.Available())

	instance.SetHealthy(false)
	assert.False(t, instance.Available())
}

func TestAvailableUnlimitedWhenMaxInFlightZero(t *testing.T) {
	instance := NewServiceInstance("users", "http://localhost:9001")
	instance.MaxInFlight = 0

	for i := 0; i < 1000; i++ {
		instance.IncrementInFlight()
	}
	assert.True(t, instance.Available())
}

func TestFailureCounter(t *testing.T) {
	instance := NewServiceInstance("users", "http://localhost:9001")

	assert.Equal(t, int64(1), instance.IncrementFailures())
	assert.Equal(t, int64(2), instance.IncrementFailures())
	assert.Equal(t, int64(2), instance.FailureCount())

	instance.ResetFailures()
	assert.Equal(t, int64(0), instance.FailureCount())
}

func TestLastHealthCheck(t *testing.T) {
	instance := NewServiceInstance("users", "http://localhost:9001")
	assert.True(t, instance.LastHealthCheck().IsZero())

	instance.UpdateLastHealthCheck()
	assert.WithinDuration(t, time.Now(), instance.LastHealthCheck(), time.Second)
}

func TestNewRequestContext(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/users", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rc := NewRequestContext(req, 5*time.Second)

	assert.NotEmpty(t, rc.RequestID)
	assert.Equal(t, "POST", rc.Method)
	assert.Equal(t, "/api/users", rc.Path)
	assert.Equal(t, "10.0.0.1:1234", rc.RemoteAddr)
	assert.Equal(t, 0, rc.RetryCount)

	remaining := rc.RemainingBudget()
	assert.Greater(t, remaining, 4*time.Second)
	assert.LessOrEqual(t, remaining, 5*time.Second)
}

func TestRequestContextRoundTrip(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	rc := NewRequestContext(req, time.Second)

	ctx := WithRequestContext(context.Background(), rc)
	require.Equal(t, rc, RequestContextFrom(ctx))

	assert.Nil(t, RequestContextFrom(context.Background()))
}

func TestInstanceEventTypeString(t *testing.T) {
	assert.Equal(t, "added", InstanceAdded.String())
	assert.Equal(t, "removed", InstanceRemoved.String())
	assert.Equal(t, "unknown", InstanceEventType(99).String())
}
