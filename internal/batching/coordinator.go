package batching

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mir00r/provider-resilience/internal/domain"
	rerrors "github.com/mir00r/provider-resilience/internal/errors"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

const (
	defaultMaxBatchSize     = 10
	defaultMinBatchSize     = 3
	defaultMaxWaitTime      = 5 * time.Second
	defaultCostThreshold    = 0.05
	defaultItemCost         = 0.001
	defaultDedupWindow      = 60 * time.Second
	defaultMonitorInterval  = time.Second
	defaultExecutionTimeout = 30 * time.Second

	// DirectGroup names the single-item batches of non-batchable requests
	DirectGroup = "direct"
)

// QueueConfig holds the batching triggers of one service
type QueueConfig struct {
	MaxBatchSize    int           `json:"max_batch_size" yaml:"max_batch_size"`
	MinBatchSize    int           `json:"min_batch_size" yaml:"min_batch_size"`
	MaxWaitTime     time.Duration `json:"max_wait_time" yaml:"max_wait_time"`
	CostThreshold   float64       `json:"cost_threshold" yaml:"cost_threshold"`
	DefaultItemCost float64       `json:"default_item_cost" yaml:"default_item_cost"`
	DedupWindow     time.Duration `json:"dedup_window" yaml:"dedup_window"`
	Groups          []GroupRule   `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// DefaultQueueConfig returns the default triggers
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxBatchSize:    defaultMaxBatchSize,
		MinBatchSize:    defaultMinBatchSize,
		MaxWaitTime:     defaultMaxWaitTime,
		CostThreshold:   defaultCostThreshold,
		DefaultItemCost: defaultItemCost,
		DedupWindow:     defaultDedupWindow,
	}
}

func (c QueueConfig) withDefaults() QueueConfig {
	d := DefaultQueueConfig()
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.MinBatchSize <= 0 {
		c.MinBatchSize = min(d.MinBatchSize, c.MaxBatchSize)
	}
	if c.MaxWaitTime <= 0 {
		c.MaxWaitTime = d.MaxWaitTime
	}
	if c.DefaultItemCost <= 0 {
		c.DefaultItemCost = d.DefaultItemCost
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = d.DedupWindow
	}
	return c
}

// Validate checks the triggers after defaults are applied
func (c QueueConfig) Validate() error {
	c = c.withDefaults()
	if c.MinBatchSize > c.MaxBatchSize {
		return fmt.Errorf("min batch size %d exceeds max batch size %d", c.MinBatchSize, c.MaxBatchSize)
	}
	if c.CostThreshold < 0 {
		return fmt.Errorf("cost threshold must not be negative")
	}
	_, err := newGrouper(c.Groups)
	return err
}

// CoordinatorConfig holds the settings shared by every queue
type CoordinatorConfig struct {
	MonitorInterval  time.Duration
	ExecutionTimeout time.Duration
	Default          QueueConfig
}

// DefaultCoordinatorConfig returns the default settings
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		MonitorInterval:  defaultMonitorInterval,
		ExecutionTimeout: defaultExecutionTimeout,
		Default:          DefaultQueueConfig(),
	}
}

// Request is one call submitted for batching
type Request struct {
	RequestID     string            `json:"request_id"`
	ServiceName   string            `json:"service_name"`
	Operation     string            `json:"operation"`
	Method        string            `json:"method,omitempty"`
	Endpoint      string            `json:"endpoint,omitempty"`
	Payload       []byte            `json:"-"`
	Headers       map[string]string `json:"headers,omitempty"`
	Priority      domain.Priority   `json:"priority"`
	EstimatedCost float64           `json:"estimated_cost"`
}

// Result is what a submitter receives
type Result struct {
	RequestID    string        `json:"request_id"`
	BatchID      string        `json:"batch_id"`
	Group        string        `json:"group"`
	Status       int           `json:"status"`
	Body         []byte        `json:"body"`
	Batched      bool          `json:"batched"`
	Deduplicated bool          `json:"deduplicated"`
	QueuedFor    time.Duration `json:"queued_for"`
}

type dedupEntry struct {
	it *item
	at time.Time
}

type serviceState struct {
	config  QueueConfig
	grouper *grouper
	queue   serviceQueue
	dedup   map[string]*dedupEntry
	waiters map[*item]int
}

// Coordinator aggregates small calls into batches per service
type Coordinator struct {
	executor BatchExecutor
	config   CoordinatorConfig
	logger   *logger.Logger
	clock    domain.Clock
	events   domain.EventPublisher

	mu       sync.Mutex
	services map[string]*serviceState

	runMu     sync.Mutex
	isRunning bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
	inflight  sync.WaitGroup
	ticking   int32

	submitted     int64
	batches       int64
	batchedItems  int64
	failedBatches int64
	dedupHits     int64
	direct        int64
}

// CoordinatorOption configures optional collaborators
type CoordinatorOption func(*Coordinator)

// WithBatchingClock replaces the wall clock
func WithBatchingClock(clock domain.Clock) CoordinatorOption {
	return func(c *Coordinator) { c.clock = clock }
}

// WithBatchingEvents publishes executed batches
func WithBatchingEvents(events domain.EventPublisher) CoordinatorOption {
	return func(c *Coordinator) { c.events = events }
}

// NewCoordinator creates a batching coordinator
func NewCoordinator(executor BatchExecutor, config CoordinatorConfig, log *logger.Logger, opts ...CoordinatorOption) *Coordinator {
	if config.MonitorInterval <= 0 {
		config.MonitorInterval = defaultMonitorInterval
	}
	if config.ExecutionTimeout <= 0 {
		config.ExecutionTimeout = defaultExecutionTimeout
	}
	config.Default = config.Default.withDefaults()
	c := &Coordinator{
		executor: executor,
		config:   config,
		logger:   log.BatchingLogger(),
		clock:    domain.SystemClock{},
		services: make(map[string]*serviceState),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configure sets the queue configuration of a service
func (c *Coordinator) Configure(service string, config QueueConfig) error {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return rerrors.NewInvalidConfigurationError("batching", err.Error())
	}
	g, err := newGrouper(config.Groups)
	if err != nil {
		return rerrors.NewInvalidConfigurationError("batching", err.Error())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.services[service]
	if !ok {
		st = &serviceState{dedup: make(map[string]*dedupEntry), waiters: make(map[*item]int)}
		c.services[service] = st
	}
	st.config = config
	st.grouper = g
	c.logger.WithFields(map[string]interface{}{
		"service":        service,
		"max_batch_size": config.MaxBatchSize,
		"min_batch_size": config.MinBatchSize,
		"max_wait_time":  config.MaxWaitTime,
		"cost_threshold": config.CostThreshold,
		"groups":         len(config.Groups),
	}).Info("Batching queue configured")
	return nil
}

func (c *Coordinator) stateLocked(service string) *serviceState {
	st, ok := c.services[service]
	if !ok {
		g, _ := newGrouper(c.config.Default.Groups)
		st = &serviceState{
			config:  c.config.Default,
			grouper: g,
			dedup:   make(map[string]*dedupEntry),
			waiters: make(map[*item]int),
		}
		c.services[service] = st
	}
	return st
}

func contentHash(req Request) string {
	h := sha256.New()
	for _, part := range []string{req.ServiceName, req.Method, req.Endpoint, req.Operation} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(req.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

func failed(it *item) bool {
	select {
	case <-it.done:
		return it.err != nil
	default:
		return false
	}
}

func finished(it *item) bool {
	select {
	case <-it.done:
		return true
	default:
		return false
	}
}

// Submit queues a request and blocks until its batch executes, the request
// is answered from the dedup window, or ctx is done.
func (c *Coordinator) Submit(ctx context.Context, req Request) (*Result, error) {
	if req.ServiceName == "" {
		return nil, rerrors.NewInvalidConfigurationError("batching", "request requires a service name")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	atomic.AddInt64(&c.submitted, 1)
	now := c.clock.Now()
	hash := contentHash(req)

	c.mu.Lock()
	st := c.stateLocked(req.ServiceName)

	if e, ok := st.dedup[hash]; ok && now.Sub(e.at) < st.config.DedupWindow && !failed(e.it) {
		st.waiters[e.it]++
		c.mu.Unlock()
		atomic.AddInt64(&c.dedupHits, 1)
		return c.await(ctx, req.ServiceName, e.it, req.RequestID, true)
	}

	rule, batchable := st.grouper.group(req.Method, req.Endpoint)
	if !batchable {
		c.mu.Unlock()
		return c.executeDirect(ctx, req)
	}

	cost := req.EstimatedCost
	if cost <= 0 {
		cost = st.config.DefaultItemCost
	}
	it := newItem(req, hash, cost, now)
	it.group = rule
	st.dedup[hash] = &dedupEntry{it: it, at: now}
	st.waiters[it] = 1
	st.queue.push(it)

	var ready []*item
	var reason string
	switch {
	case st.queue.size >= st.config.MaxBatchSize:
		ready, reason = st.queue.take(st.config.MaxBatchSize), "max_batch_size"
	case st.queue.size >= st.config.MinBatchSize && st.queue.cost >= st.config.CostThreshold:
		ready, reason = st.queue.take(st.config.MaxBatchSize), "cost_threshold"
	}
	c.mu.Unlock()

	if ready != nil {
		c.dispatchAsync(req.ServiceName, ready, reason)
	}
	return c.await(ctx, req.ServiceName, it, req.RequestID, false)
}

func (c *Coordinator) await(ctx context.Context, service string, it *item, requestID string, deduplicated bool) (*Result, error) {
	select {
	case <-it.done:
	case <-ctx.Done():
		c.abandon(service, it)
		return nil, ctx.Err()
	}

	c.mu.Lock()
	if st, ok := c.services[service]; ok {
		if st.waiters[it]--; st.waiters[it] <= 0 {
			delete(st.waiters, it)
		}
	}
	c.mu.Unlock()

	if it.err != nil {
		return nil, it.err
	}
	result := *it.result
	result.RequestID = requestID
	result.Deduplicated = deduplicated
	return &result, nil
}

// abandon drops a queued item once nobody waits for it anymore
func (c *Coordinator) abandon(service string, it *item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.services[service]
	if !ok {
		return
	}
	st.waiters[it]--
	if st.waiters[it] > 0 {
		return
	}
	delete(st.waiters, it)
	if st.queue.remove(it) {
		if e, ok := st.dedup[it.hash]; ok && e.it == it {
			delete(st.dedup, it.hash)
		}
		it.complete(nil, context.Canceled)
		c.logger.WithFields(map[string]interface{}{
			"service":    service,
			"request_id": it.req.RequestID,
		}).Debug("Queued request abandoned")
	}
}

func (c *Coordinator) executeDirect(ctx context.Context, req Request) (*Result, error) {
	atomic.AddInt64(&c.direct, 1)
	batch := Batch{
		ID:          uuid.NewString(),
		ServiceName: req.ServiceName,
		Group:       GroupRule{Name: DirectGroup},
		Reason:      "not_batchable",
		Items:       []Request{req},
	}
	results, err := c.executor.ExecuteBatch(ctx, batch)
	if err == nil && len(results) != 1 {
		err = fmt.Errorf("direct call %s returned %d results", req.RequestID, len(results))
	}
	if err != nil {
		return nil, err
	}
	if results[0].Err != nil {
		return nil, results[0].Err
	}
	return &Result{
		RequestID: req.RequestID,
		BatchID:   batch.ID,
		Group:     DirectGroup,
		Status:    results[0].Status,
		Body:      results[0].Body,
	}, nil
}

func (c *Coordinator) dispatchAsync(service string, items []*item, reason string) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.dispatch(service, items, reason)
	}()
}

// dispatch executes one taken batch group by group and answers every waiter
func (c *Coordinator) dispatch(service string, items []*item, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.ExecutionTimeout)
	defer cancel()

	var order []string
	groups := make(map[string][]*item)
	rules := make(map[string]GroupRule)
	for _, it := range items {
		name := it.group.Name
		if _, ok := groups[name]; !ok {
			order = append(order, name)
			rules[name] = it.group
		}
		groups[name] = append(groups[name], it)
	}

	for _, name := range order {
		members := groups[name]
		batch := Batch{
			ID:          uuid.NewString(),
			ServiceName: service,
			Group:       rules[name],
			Reason:      reason,
			Items:       make([]Request, len(members)),
		}
		for i, it := range members {
			batch.Items[i] = it.req
		}

		start := c.clock.Now()
		results, err := c.executor.ExecuteBatch(ctx, batch)
		if err == nil && len(results) != len(members) {
			err = fmt.Errorf("batch %s returned %d results for %d items", batch.ID, len(results), len(members))
		}
		atomic.AddInt64(&c.batches, 1)
		atomic.AddInt64(&c.batchedItems, int64(len(members)))

		log := c.logger.WithFields(map[string]interface{}{
			"service":  service,
			"batch_id": batch.ID,
			"group":    name,
			"size":     len(members),
			"reason":   reason,
		})
		if err != nil {
			atomic.AddInt64(&c.failedBatches, 1)
			log.WithError(err).Warn("Batch failed, rejecting all requests")
			for _, it := range members {
				it.complete(nil, fmt.Errorf("batch %s failed: %w", batch.ID, err))
			}
		} else {
			finishedAt := c.clock.Now()
			for i, it := range members {
				if results[i].Err != nil {
					it.complete(nil, results[i].Err)
					continue
				}
				it.complete(&Result{
					BatchID:   batch.ID,
					Group:     name,
					Status:    results[i].Status,
					Body:      results[i].Body,
					Batched:   true,
					QueuedFor: finishedAt.Sub(it.enqueuedAt),
				}, nil)
			}
			log.Debug("Batch executed")
		}

		if c.events != nil {
			c.events.Publish(domain.Event{
				Type:        domain.EventBatchExecuted,
				ServiceName: service,
				Payload: map[string]interface{}{
					"batch_id":    batch.ID,
					"group":       name,
					"size":        len(members),
					"reason":      reason,
					"success":     err == nil,
					"duration_ms": c.clock.Now().Sub(start).Milliseconds(),
				},
				Timestamp: c.clock.Now(),
			})
		}
	}
}

// Monitor runs one queue inspection: overdue queues are flushed and expired
// dedup entries are purged.
func (c *Coordinator) Monitor() {
	if !atomic.CompareAndSwapInt32(&c.ticking, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.ticking, 0)

	type work struct {
		service string
		items   []*item
	}
	var due []work
	now := c.clock.Now()

	c.mu.Lock()
	for service, st := range c.services {
		for {
			oldest, ok := st.queue.oldest()
			if !ok || now.Sub(oldest) < st.config.MaxWaitTime {
				break
			}
			due = append(due, work{service: service, items: st.queue.take(st.config.MaxBatchSize)})
		}
		for hash, e := range st.dedup {
			if now.Sub(e.at) >= st.config.DedupWindow && finished(e.it) {
				delete(st.dedup, hash)
			}
		}
	}
	c.mu.Unlock()

	for _, w := range due {
		c.dispatchAsync(w.service, w.items, "max_wait_time")
	}
}

// Flush dispatches everything queued for service and returns the number of requests
func (c *Coordinator) Flush(service, reason string) int {
	c.mu.Lock()
	st, ok := c.services[service]
	var chunks [][]*item
	if ok {
		for st.queue.size > 0 {
			chunks = append(chunks, st.queue.take(st.config.MaxBatchSize))
		}
	}
	c.mu.Unlock()

	n := 0
	for _, chunk := range chunks {
		n += len(chunk)
		c.dispatchAsync(service, chunk, reason)
	}
	return n
}

// FlushAll dispatches every queue
func (c *Coordinator) FlushAll(reason string) int {
	n := 0
	for _, service := range c.Services() {
		n += c.Flush(service, reason)
	}
	return n
}

// Wait blocks until every dispatched batch has answered its waiters
func (c *Coordinator) Wait() {
	c.inflight.Wait()
}

// Services lists services with a queue
func (c *Coordinator) Services() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.services))
	for s := range c.services {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// QueueDepth returns the number of queued requests of service
func (c *Coordinator) QueueDepth(service string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.services[service]; ok {
		return st.queue.size
	}
	return 0
}

// Start begins the queue monitor
func (c *Coordinator) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.isRunning {
		return fmt.Errorf("batching coordinator is already running")
	}
	c.isRunning = true
	c.wg.Add(1)
	go c.loop(ctx, c.stopChan)

	c.logger.WithField("interval", c.config.MonitorInterval).Info("Batching coordinator started")
	return nil
}

// Stop halts the monitor, flushes pending requests and waits for them to finish
func (c *Coordinator) Stop() {
	c.runMu.Lock()
	if c.isRunning {
		close(c.stopChan)
		c.wg.Wait()
		c.isRunning = false
		c.stopChan = make(chan struct{})
	}
	c.runMu.Unlock()

	if n := c.FlushAll("shutdown"); n > 0 {
		c.logger.WithField("requests", n).Info("Flushed pending batches on shutdown")
	}
	c.inflight.Wait()
	c.logger.Info("Batching coordinator stopped")
}

func (c *Coordinator) loop(ctx context.Context, stop chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Monitor()
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// GetStats returns coordinator counters and queue depths
func (c *Coordinator) GetStats() map[string]interface{} {
	c.mu.Lock()
	queues := make(map[string]interface{}, len(c.services))
	for service, st := range c.services {
		queues[service] = map[string]interface{}{
			"depth":          st.queue.size,
			"estimated_cost": st.queue.cost,
			"by_priority":    st.queue.depths(),
			"dedup_entries":  len(st.dedup),
		}
	}
	c.mu.Unlock()

	c.runMu.Lock()
	running := c.isRunning
	c.runMu.Unlock()

	return map[string]interface{}{
		"running":        running,
		"submitted":      atomic.LoadInt64(&c.submitted),
		"batches":        atomic.LoadInt64(&c.batches),
		"batched_items":  atomic.LoadInt64(&c.batchedItems),
		"failed_batches": atomic.LoadInt64(&c.failedBatches),
		"dedup_hits":     atomic.LoadInt64(&c.dedupHits),
		"direct_calls":   atomic.LoadInt64(&c.direct),
		"queues":         queues,
	}
}
