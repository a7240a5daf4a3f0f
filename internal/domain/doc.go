/*
Package domain contains the core entities and collaborator interfaces of the
provider resilience layer.

The layer governs every outbound call made to third-party providers. The types
here are shared by the call gate, the health registry, the traffic router, the
budget governor, the fallback engine, the batching coordinator and the scenario
coordinator. The package has no dependencies on infrastructure.

Service Endpoint Nodes:
A ServiceEndpointNode is one provider/region/endpoint combination that can serve a
service. Configuration fields are exported; runtime metrics (connections, smoothed
response time and success rate, health score, recent errors) are guarded by atomics
and a read-write mutex.

	node := domain.NewServiceEndpointNode("stripe-us", "payments", "stripe", "https://api.stripe.com", 80)
	if node.AcquireConnection() {
		defer node.ReleaseConnection()
		// dispatch
	}

Fallback Strategies:
FallbackStrategy.Config is a tagged union. Each FallbackStrategyType has exactly one
concrete config struct, and JSON encoding carries a "type" discriminant so a strategy
survives a round trip through the shared state store.

	strategy := domain.FallbackStrategy{
		ServiceName: "payments",
		Config: domain.AlternativeProviderConfig{
			ProviderChain: []string{"stripe", "adyen"},
		},
	}

Collaborators:
StateStore, TransportInvoker, AuditSink, EventPublisher, Notifier and HealthProber are
consumed by the core but implemented elsewhere (internal/repository, internal/transport,
internal/events).
*/
package domain
