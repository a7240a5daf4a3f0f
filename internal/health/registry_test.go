package health

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/provider-resilience/internal/domain"
	"github.com/mir00r/provider-resilience/internal/repository"
	"github.com/mir00r/provider-resilience/internal/testutil"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

type scriptedProber struct {
	latency time.Duration
	err     error
	calls   int
}

func (p *scriptedProber) Probe(ctx context.Context, node *domain.ServiceEndpointNode) (time.Duration, error) {
	p.calls++
	return p.latency, p.err
}

func createTestRegistry(t *testing.T, opts ...RegistryOption) (*Registry, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	store := repository.NewInMemoryStateStoreWithClock(clock)
	cb := NewCircuitBreaker(store, CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Minute},
		logger.Discard(), WithBreakerClock(clock))
	opts = append([]RegistryOption{WithRegistryClock(clock)}, opts...)
	reg := NewRegistry(repository.NewInMemoryNodeRepository(), cb, RegistryConfig{MaxRecentErrors: 3}, logger.Discard(), opts...)
	return reg, clock
}

func newNode(id, service, provider, region string, cost float64) *domain.ServiceEndpointNode {
	node := domain.NewServiceEndpointNode(id, service, provider, "https://"+id+".example.com", 50)
	node.Region = region
	node.CostPerCall = cost
	return node
}

func TestHealthyNodesFilters(t *testing.T) {
	ctx := context.Background()
	reg, clock := createTestRegistry(t)

	cheap := newNode("cheap", "sms", "vonage", "us-east-1", 0.01)
	pricey := newNode("pricey", "sms", "twilio", "us-east-1", 0.20)
	full := newNode("full", "sms", "plivo", "us-east-1", 0.01)
	full.MaxConnections = 1
	require.True(t, full.AcquireConnection())
	flaky := newNode("flaky", "sms", "sinch", "us-east-1", 0.01)
	for i := 0; i < 4; i++ {
		flaky.RecordOutcome(false, 50*time.Millisecond, clock.Now())
	}
	slow := newNode("slow", "sms", "bandwidth", "us-east-1", 0.01)
	slow.SeedMetrics(3*time.Second, 99, 80)
	far := newNode("far", "sms", "messagebird", "ap-south-1", 0.01)

	for _, n := range []*domain.ServiceEndpointNode{cheap, pricey, full, flaky, slow, far} {
		require.NoError(t, reg.RegisterNode(n))
	}

	nodes, err := reg.HealthyNodes(ctx, "sms", domain.NodeConstraints{
		MaxCostPerCall:     0.05,
		Performance:        domain.PerformanceTargets{MaxResponseTime: time.Second},
		CallerRegion:       "us-west-2",
		MaxRegionalLatency: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "cheap", nodes[0].ID)
}

func TestHealthyNodesExcludesEveryNodeWhileCircuitOpen(t *testing.T) {
	ctx := context.Background()
	reg, clock := createTestRegistry(t)
	require.NoError(t, reg.RegisterNode(newNode("a", "maps", "google", "eu-west-1", 0.01)))
	require.NoError(t, reg.RegisterNode(newNode("b", "maps", "here", "eu-west-1", 0.01)))

	require.NoError(t, reg.Breaker().RecordFailure(ctx, "maps"))
	require.NoError(t, reg.Breaker().RecordFailure(ctx, "maps"))

	nodes, err := reg.HealthyNodes(ctx, "maps", domain.NodeConstraints{})
	require.NoError(t, err)
	assert.Empty(t, nodes)
	node, _ := reg.Node("a")
	assert.Equal(t, domain.CircuitOpen, node.CircuitState())

	clock.Advance(time.Minute)
	nodes, err = reg.HealthyNodes(ctx, "maps", domain.NodeConstraints{})
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestComputeHealthScoreAdjustmentsAreBounded(t *testing.T) {
	good := domain.NewServiceEndpointNode("g", "sms", "twilio", "https://g", 10)
	good.SeedMetrics(100*time.Millisecond, 99.5, 50)
	assert.Equal(t, 100.0, ComputeHealthScore(good))

	bad := domain.NewServiceEndpointNode("b", "sms", "twilio", "https://b", 10)
	bad.SeedMetrics(3*time.Second, 70, 50)
	bad.MaxConnections = 10
	for i := 0; i < 10; i++ {
		bad.AcquireConnection()
	}
	assert.Equal(t, 15.0, ComputeHealthScore(bad))
	bad.SetCircuitState(domain.CircuitOpen)
	assert.Equal(t, 0.0, ComputeHealthScore(bad))

	halfOpen := domain.NewServiceEndpointNode("h", "sms", "twilio", "https://h", 10)
	halfOpen.SeedMetrics(100*time.Millisecond, 100, 100)
	halfOpen.SetCircuitState(domain.CircuitHalfOpen)
	assert.Equal(t, 80.0, ComputeHealthScore(halfOpen))

	fresh := domain.NewServiceEndpointNode("f", "sms", "twilio", "https://f", 10)
	assert.Equal(t, 100.0, ComputeHealthScore(fresh))
}

func TestRecomputeHealthSettlesUnderSteadyFactors(t *testing.T) {
	reg, _ := createTestRegistry(t)

	for _, seed := range []float64{10, 50, 100} {
		node := newNode(fmt.Sprintf("steady-%.0f", seed), "sms", "twilio", "us-east-1", 0.01)
		node.SeedMetrics(700*time.Millisecond, 96, seed)
		require.NoError(t, reg.RegisterNode(node))
	}

	for i := 0; i < 5; i++ {
		reg.RecomputeHealth(context.Background())
		for _, node := range reg.Nodes("sms") {
			assert.Equal(t, 85.0, node.HealthScore(), "cycle %d node %s", i, node.ID)
		}
	}
}

func TestRecomputeHealthUsesProber(t *testing.T) {
	prober := &scriptedProber{err: errors.New("connection refused")}
	reg, _ := createTestRegistry(t, WithProber(prober))

	node := newNode("a", "sync", "fivetran", "us-east-1", 0.01)
	require.NoError(t, reg.RegisterNode(node))

	for i := 0; i < 20; i++ {
		reg.RecomputeHealth(context.Background())
	}

	assert.Equal(t, 20, prober.calls)
	assert.Less(t, node.SuccessRate(), 80.0)
	assert.Less(t, node.HealthScore(), 100.0)
	assert.Equal(t, int64(20), reg.GetStats()["cycles"])
}

func TestRegionLatencyEstimates(t *testing.T) {
	table := DefaultRegionLatencyTable()
	table.Overrides = map[string]time.Duration{"eu-west-1|us-east-1": 80 * time.Millisecond}

	assert.Equal(t, 10*time.Millisecond, table.Estimate("us-east-1", "us-east-1"))
	assert.Equal(t, 40*time.Millisecond, table.Estimate("us-east-1", "us-west-2"))
	assert.Equal(t, 150*time.Millisecond, table.Estimate("us-east-1", "ap-south-1"))
	assert.Equal(t, 80*time.Millisecond, table.Estimate("us-east-1", "eu-west-1"))
}

func TestRegistryStartStop(t *testing.T) {
	reg, _ := createTestRegistry(t)
	require.NoError(t, reg.Start(context.Background()))
	assert.Error(t, reg.Start(context.Background()))
	reg.Stop()
	assert.Equal(t, false, reg.GetStats()["running"])
}
