package batching

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mir00r/provider-resilience/internal/resilience"
)

// Batch is one group of queued requests dispatched together
type Batch struct {
	ID          string
	ServiceName string
	Group       GroupRule
	Reason      string
	Items       []Request
}

// ItemResult is the outcome of one request of a batch
type ItemResult struct {
	Status int
	Body   []byte
	Err    error
}

// BatchExecutor dispatches a batch. A returned error fails every request of
// the batch; otherwise there is one result per item, in order.
type BatchExecutor interface {
	ExecuteBatch(ctx context.Context, batch Batch) ([]ItemResult, error)
}

// GateCaller is the call path used by GateBatchExecutor
type GateCaller interface {
	Execute(ctx context.Context, service, operation string, payload []byte, opts resilience.CallOptions) (*resilience.CallResult, error)
}

// GateBatchExecutor sends batches through the call gate
type GateBatchExecutor struct {
	gate        GateCaller
	concurrency int
}

// NewGateBatchExecutor creates an executor; concurrency bounds parallel
// per-item calls for groups without a batch endpoint.
func NewGateBatchExecutor(gate GateCaller, concurrency int) *GateBatchExecutor {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &GateBatchExecutor{gate: gate, concurrency: concurrency}
}

type batchItemPayload struct {
	RequestID string          `json:"request_id,omitempty"`
	Operation string          `json:"operation"`
	Endpoint  string          `json:"endpoint,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type batchItemResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ExecuteBatch implements BatchExecutor
func (e *GateBatchExecutor) ExecuteBatch(ctx context.Context, batch Batch) ([]ItemResult, error) {
	if batch.Group.BatchEndpoint != "" {
		return e.executeCombined(ctx, batch)
	}
	return e.executeEach(ctx, batch), nil
}

// executeCombined posts all items as one JSON array and expects one response element per item
func (e *GateBatchExecutor) executeCombined(ctx context.Context, batch Batch) ([]ItemResult, error) {
	items := make([]batchItemPayload, len(batch.Items))
	for i, req := range batch.Items {
		items[i] = batchItemPayload{
			RequestID: req.RequestID,
			Operation: req.Operation,
			Endpoint:  req.Endpoint,
			Payload:   rawJSON(req.Payload),
		}
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encode batch %s: %w", batch.ID, err)
	}

	result, err := e.gate.Execute(ctx, batch.ServiceName, "batch:"+batch.Group.Name, payload, resilience.CallOptions{
		Method:    "POST",
		Endpoint:  batch.Group.BatchEndpoint,
		Headers:   map[string]string{"Content-Type": "application/json", "X-Batch-ID": batch.ID},
		RequestID: batch.ID,
	})
	if err != nil {
		return nil, err
	}

	var responses []batchItemResponse
	if err := json.Unmarshal(result.Body, &responses); err != nil {
		return nil, fmt.Errorf("decode batch %s response: %w", batch.ID, err)
	}
	if len(responses) != len(batch.Items) {
		return nil, fmt.Errorf("batch %s answered %d results for %d items", batch.ID, len(responses), len(batch.Items))
	}

	out := make([]ItemResult, len(responses))
	for i, r := range responses {
		out[i] = ItemResult{Status: r.Status, Body: r.Body}
		if r.Error != "" {
			out[i].Err = fmt.Errorf("%s", r.Error)
		} else if r.Status >= 400 {
			out[i].Err = fmt.Errorf("item %d of batch %s failed with status %d", i, batch.ID, r.Status)
		}
	}
	return out, nil
}

// executeEach calls the gate once per item with bounded parallelism
func (e *GateBatchExecutor) executeEach(ctx context.Context, batch Batch) []ItemResult {
	out := make([]ItemResult, len(batch.Items))
	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup
	for i, req := range batch.Items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, req Request) {
			defer wg.Done()
			defer func() { <-sem }()
			result, err := e.gate.Execute(ctx, batch.ServiceName, req.Operation, req.Payload, resilience.CallOptions{
				Method:    req.Method,
				Endpoint:  req.Endpoint,
				Headers:   req.Headers,
				RequestID: req.RequestID,
			})
			if err != nil {
				out[i] = ItemResult{Err: err}
				return
			}
			out[i] = ItemResult{Status: result.Status, Body: result.Body}
		}(i, req)
	}
	wg.Wait()
	return out
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return b
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}
