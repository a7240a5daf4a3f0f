package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallbackStrategyJSONRoundTrip(t *testing.T) {
	original := FallbackStrategy{
		ServiceName: "payments",
		Priority:    1,
		Criticality: CriticalityRevenueBlocking,
		Continuity: BusinessContinuity{
			MaxTolerableDowntime: 5 * time.Minute,
			RevenueImpactPerHour: 50000,
			CustomerImpact:       ImpactHigh,
		},
		Config: HybridConfig{
			Cache:         CachePolicy{MaxAge: time.Minute, StaleWhileRevalidate: 30 * time.Second, Generator: "payments-default"},
			ProviderChain: []string{"stripe", "adyen", "braintree"},
			Degraded:      DegradedProfile{DisabledFeatures: []string{"refunds"}, UserMessage: "Refunds are delayed"},
		},
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var reloaded FallbackStrategy
	require.NoError(t, json.Unmarshal(data, &reloaded))

	assert.Equal(t, original.ProviderChain(), reloaded.ProviderChain())
	origCache, _ := original.CachePolicy()
	newCache, ok := reloaded.CachePolicy()
	require.True(t, ok)
	assert.Equal(t, origCache, newCache)
	assert.Equal(t, original, reloaded)
}

func TestFallbackStrategyRejectsUnknownType(t *testing.T) {
	var s FallbackStrategy
	err := json.Unmarshal([]byte(`{"service_name":"x","type":"TELEPATHY"}`), &s)
	assert.Error(t, err)
}

func TestFallbackStrategyValidate(t *testing.T) {
	s := FallbackStrategy{ServiceName: "sms", Config: AlternativeProviderConfig{}}
	assert.Error(t, s.Validate())

	s.Config = ManualOperationConfig{Profile: ManualOperationProfile{Instructions: "page the on-call"}}
	assert.NoError(t, s.Validate())
	assert.Equal(t, FallbackManualOperation, s.Type())
}

func TestBudgetPeriodWindows(t *testing.T) {
	// Thursday 2026-10-15 14:35 UTC
	now := time.Date(2026, 10, 15, 14, 35, 0, 0, time.UTC)

	start, end := PeriodHour.Window(now)
	assert.Equal(t, time.Date(2026, 10, 15, 14, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Hour, end.Sub(start))

	start, _ = PeriodDay.Window(now)
	assert.Equal(t, time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC), start)

	start, end = PeriodWeek.Window(now)
	assert.Equal(t, time.Monday, start.Weekday())
	assert.Equal(t, time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, 7*24*time.Hour, end.Sub(start))

	sunday := time.Date(2026, 10, 18, 23, 0, 0, 0, time.UTC)
	start, _ = PeriodWeek.Window(sunday)
	assert.Equal(t, time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC), start)

	start, end = PeriodMonth.Window(now)
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC), end)
}

func TestNodeConnectionsRespectCapacity(t *testing.T) {
	node := NewServiceEndpointNode("n1", "sms", "twilio", "https://api.twilio.com", 50)
	node.MaxConnections = 2

	assert.True(t, node.AcquireConnection())
	assert.True(t, node.AcquireConnection())
	assert.False(t, node.AcquireConnection())
	assert.True(t, node.AtCapacity())
	assert.Equal(t, 1.0, node.Utilization())

	node.ReleaseConnection()
	node.ReleaseConnection()
	node.ReleaseConnection()
	assert.Equal(t, int64(0), node.ActiveConnections())
}

func TestNodeRecentErrorsExpire(t *testing.T) {
	node := NewServiceEndpointNode("n1", "sms", "twilio", "https://api.twilio.com", 50)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	node.RecordOutcome(false, 100*time.Millisecond, now)
	node.RecordOutcome(false, 100*time.Millisecond, now.Add(time.Minute))
	assert.Equal(t, 2, node.RecentErrorCount(now.Add(2*time.Minute)))
	assert.Equal(t, 1, node.RecentErrorCount(now.Add(5*time.Minute+time.Second)))
	assert.Less(t, node.SuccessRate(), 100.0)
}

func TestPriorityRank(t *testing.T) {
	assert.Less(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Less(t, PriorityHigh.Rank(), PriorityMedium.Rank())
	assert.Less(t, PriorityMedium.Rank(), PriorityLow.Rank())
	assert.Equal(t, PriorityMedium.Rank(), Priority("").Rank())
}
