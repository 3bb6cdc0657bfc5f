package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/api-gateway/internal/domain"
	"github.com/mir00r/api-gateway/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

func TestRegisterAndList(t *testing.T) {
	reg := New(testLogger(t))

	require.NoError(t, reg.Register(domain.NewServiceInstance("users", "http://localhost:9001")))
	require.NoError(t, reg.Register(domain.NewServiceInstance("users", "http://localhost:9002")))
	require.NoError(t, reg.Register(domain.NewServiceInstance("orders", "http://localhost:9101")))

	users := reg.List("users")
	require.Len(t, users, 2)
	assert.Equal(t, "http://localhost:9001", users[0].Address)
	assert.Equal(t, "http://localhost:9002", users[1].Address)

	assert.Equal(t, []string{"orders", "users"}, reg.Services())
	assert.Equal(t, 3, reg.Count())
}

func TestRegisterValidation(t *testing.T) {
	reg := New(testLogger(t))

	assert.Error(t, reg.Register(nil))
	assert.Error(t, reg.Register(domain.NewServiceInstance("", "http://localhost:9001")))
	assert.Error(t, reg.Register(domain.NewServiceInstance("users", "")))
}

func TestRegisterDuplicateKeepsPosition(t *testing.T) {
	reg := New(testLogger(t))

	require.NoError(t, reg.Register(domain.NewServiceInstance("users", "http://localhost:9001")))
	require.NoError(t, reg.Register(domain.NewServiceInstance("users", "http://localhost:9002")))

	replacement := domain.NewServiceInstance("users", "http://localhost:9001")
	replacement.MaxInFlight = 5
	require.NoError(t, reg.Register(replacement))

	users := reg.List("users")
	require.Len(t, users, 2)
	assert.Equal(t, "http://localhost:9001", users[0].Address)
	assert.Equal(t, 5, users[0].MaxInFlight)
}

func TestDeregister(t *testing.T) {
	reg := New(testLogger(t))

	require.NoError(t, reg.Register(domain.NewServiceInstance("users", "http://localhost:9001")))
	require.NoError(t, reg.Register(domain.NewServiceInstance("users", "http://localhost:9002")))

	reg.Deregister("users", "http://localhost:9001")

	users := reg.List("users")
	require.Len(t, users, 1)
	assert.Equal(t, "http://localhost:9002", users[0].Address)

	// Unknown instances and services are silent no-ops.
	reg.Deregister("users", "http://localhost:9999")
	reg.Deregister("payments", "http://localhost:9001")

	reg.Deregister("users", "http://localhost:9002")
	assert.Empty(t, reg.Services())
}

func TestListHealthyExcludesUnhealthy(t *testing.T) {
	reg := New(testLogger(t))

	require.NoError(t, reg.Register(domain.NewServiceInstance("users", "http://localhost:9001")))
	require.NoError(t, reg.Register(domain.NewServiceInstance("users", "http://localhost:9002")))
	require.NoError(t, reg.Register(domain.NewServiceInstance("users", "http://localhost:9003")))

	reg.UpdateHealth("users", "http://localhost:9002", false)

	healthy := reg.ListHealthy("users")
	require.Len(t, healthy, 2)
	assert.Equal(t, "http://localhost:9001", healthy[0].Address)
	assert.Equal(t, "http://localhost:9003", healthy[1].Address)

	reg.UpdateHealth("users", "http://localhost:9002", true)
	assert.Len(t, reg.ListHealthy("users"), 3)
}

func TestListHealthyPreservesRegistrationOrder(t *testing.T) {
	reg := New(testLogger(t))

	addresses := []string{
		"http://localhost:9005",
		"http://localhost:9001",
		"http://localhost:9003",
	}
	for _, addr := range addresses {
		require.NoError(t, reg.Register(domain.NewServiceInstance("users", addr)))
	}

	healthy := reg.ListHealthy("users")
	require.Len(t, healthy, len(addresses))
	for i, addr := range addresses {
		assert.Equal(t, addr, healthy[i].Address)
	}
}

func TestWatchEmitsMembershipEvents(t *testing.T) {
	reg := New(testLogger(t))
	events := reg.Watch()

	require.NoError(t, reg.Register(domain.NewServiceInstance("users", "http://localhost:9001")))
	reg.Deregister("users", "http://localhost:9001")

	added := <-events
	assert.Equal(t, domain.InstanceAdded, added.Type)
	assert.Equal(t, "http://localhost:9001", added.Instance.Address)

	removed := <-events
	assert.Equal(t, domain.InstanceRemoved, removed.Type)
}

func TestWatchIgnoresReRegistration(t *testing.T) {
	reg := New(testLogger(t))

	require.NoError(t, reg.Register(domain.NewServiceInstance("users", "http://localhost:9001")))

	events := reg.Watch()
	require.NoError(t, reg.Register(domain.NewServiceInstance("users", "http://localhost:9001")))

	select {
	case event := <-events:
		t.Fatalf("unexpected event for re-registration: %v", event.Type)
	default:
	}
}

func TestGetStats(t *testing.T) {
	reg := New(testLogger(t))

	require.NoError(t, reg.Register(domain.NewServiceInstance("users", "http://localhost:9001")))
	require.NoError(t, reg.Register(domain.NewServiceInstance("users", "http://localhost:9002")))
	reg.UpdateHealth("users", "http://localhost:9002", false)

	stats := reg.GetStats()
	assert.Equal(t, 2, stats["total_instances"])
	assert.Equal(t, 1, stats["healthy_instances"])
}
