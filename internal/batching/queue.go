package batching

import (
	"sync"
	"time"

	"github.com/mir00r/provider-resilience/internal/domain"
)

const priorityBands = 4

// item is one queued request and the waiter blocked on it
type item struct {
	req        Request
	hash       string
	cost       float64
	enqueuedAt time.Time
	group      GroupRule

	once   sync.Once
	done   chan struct{}
	result *Result
	err    error
}

func newItem(req Request, hash string, cost float64, now time.Time) *item {
	return &item{req: req, hash: hash, cost: cost, enqueuedAt: now, done: make(chan struct{})}
}

func (it *item) complete(result *Result, err error) {
	it.once.Do(func() {
		it.result = result
		it.err = err
		close(it.done)
	})
}

// serviceQueue keeps one FIFO per priority band
type serviceQueue struct {
	bands [priorityBands][]*item
	size  int
	cost  float64
}

func (q *serviceQueue) push(it *item) {
	band := it.req.Priority.Rank()
	q.bands[band] = append(q.bands[band], it)
	q.size++
	q.cost += it.cost
}

// remove drops an abandoned item and reports whether it was still queued
func (q *serviceQueue) remove(target *item) bool {
	band := target.req.Priority.Rank()
	for i, it := range q.bands[band] {
		if it == target {
			q.bands[band] = append(q.bands[band][:i], q.bands[band][i+1:]...)
			q.size--
			q.cost -= it.cost
			return true
		}
	}
	return false
}

// oldest returns the enqueue time of the longest waiting item
func (q *serviceQueue) oldest() (time.Time, bool) {
	var oldest time.Time
	found := false
	for _, band := range q.bands {
		if len(band) == 0 {
			continue
		}
		if !found || band[0].enqueuedAt.Before(oldest) {
			oldest = band[0].enqueuedAt
			found = true
		}
	}
	return oldest, found
}

// take removes up to n items, most urgent band first
func (q *serviceQueue) take(n int) []*item {
	out := make([]*item, 0, min(n, q.size))
	for b := 0; b < priorityBands && len(out) < n; b++ {
		k := min(n-len(out), len(q.bands[b]))
		out = append(out, q.bands[b][:k]...)
		q.bands[b] = append([]*item(nil), q.bands[b][k:]...)
	}
	for _, it := range out {
		q.size--
		q.cost -= it.cost
	}
	if q.size == 0 {
		q.cost = 0
	}
	return out
}

func (q *serviceQueue) depths() map[domain.Priority]int {
	return map[domain.Priority]int{
		domain.PriorityCritical: len(q.bands[0]),
		domain.PriorityHigh:     len(q.bands[1]),
		domain.PriorityMedium:   len(q.bands[2]),
		domain.PriorityLow:      len(q.bands[3]),
	}
}
