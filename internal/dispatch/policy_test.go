package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/api-gateway/internal/domain"
)

func instances(addresses ...string) []*domain.ServiceInstance {
	out := make([]*domain.ServiceInstance, 0, len(addresses))
	for _, addr := range addresses {
		out = append(out, domain.NewServiceInstance("backend", addr))
	}
	return out
}

func TestNewPolicy(t *testing.T) {
	p, err := NewPolicy(domain.RoundRobinPolicy)
	require.NoError(t, err)
	assert.Equal(t, "round_robin", p.Name())

	p, err = NewPolicy(domain.LeastInFlightPolicy)
	require.NoError(t, err)
	assert.Equal(t, "least_inflight", p.Name())

	p, err = NewPolicy("")
	require.NoError(t, err)
	assert.Equal(t, "round_robin", p.Name())

	_, err = NewPolicy("random")
	assert.Error(t, err)
}

func TestRoundRobinCyclesThroughInstances(t *testing.T) {
	p := &roundRobinPolicy{}
	set := instances("a", "b", "c")

	var picked []string
	for i := 0; i < 6; i++ {
		picked = append(picked, p.Select(set).Address)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picked)
}

func TestRoundRobinHandlesShrinkingSet(t *testing.T) {
	p := &roundRobinPolicy{}
	set := instances("a", "b", "c")

	p.Select(set)
	p.Select(set)

	// The set shrinks between selections; the index must still land in range.
	smaller := set[:1]
	assert.Equal(t, "a", p.Select(smaller).Address)
}

func TestLeastInFlightPicksMinimum(t *testing.T) {
	p := &leastInFlightPolicy{}
	set := instances("a", "b", "c")

	set[0].IncrementInFlight()
	set[0].IncrementInFlight()
	set[1].IncrementInFlight()

	assert.Equal(t, "c", p.Select(set).Address)
}

func TestLeastInFlightTieKeepsFirstRegistered(t *testing.T) {
	p := &leastInFlightPolicy{}
	set := instances("a", "b", "c")

	assert.Equal(t, "a", p.Select(set).Address)
}
