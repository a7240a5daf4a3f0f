package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/mir00r/provider-resilience/internal/domain"
)

// Generator synthesizes stand-in data when no cached result is usable
type Generator func(ctx context.Context, req domain.FallbackRequest) (json.RawMessage, error)

// Built-in generator names
const (
	GeneratorEmptyObject = "empty_object"
	GeneratorEmptyList   = "empty_list"
	GeneratorEcho        = "echo_request"
	GeneratorPending     = "pending_acknowledgement"
)

type generatorSet struct {
	mu   sync.RWMutex
	byID map[string]Generator
}

func newGeneratorSet() *generatorSet {
	gs := &generatorSet{byID: make(map[string]Generator)}
	gs.byID[GeneratorEmptyObject] = func(context.Context, domain.FallbackRequest) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}
	gs.byID[GeneratorEmptyList] = func(context.Context, domain.FallbackRequest) (json.RawMessage, error) {
		return json.RawMessage(`[]`), nil
	}
	gs.byID[GeneratorEcho] = func(_ context.Context, req domain.FallbackRequest) (json.RawMessage, error) {
		if len(req.Payload) == 0 {
			return json.RawMessage(`null`), nil
		}
		if !json.Valid(req.Payload) {
			return nil, fmt.Errorf("payload of %s is not JSON", req.Operation)
		}
		return json.RawMessage(req.Payload), nil
	}
	// Accepts the request for later processing, used by messaging style providers.
	gs.byID[GeneratorPending] = func(_ context.Context, req domain.FallbackRequest) (json.RawMessage, error) {
		return json.Marshal(map[string]interface{}{
			"status":    "pending",
			"service":   req.ServiceName,
			"operation": req.Operation,
		})
	}
	return gs
}

func (gs *generatorSet) register(name string, fn Generator) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.byID[name] = fn
}

func (gs *generatorSet) get(name string) (Generator, bool) {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	fn, ok := gs.byID[name]
	return fn, ok
}

func (gs *generatorSet) names() []string {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	out := make([]string, 0, len(gs.byID))
	for name := range gs.byID {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
