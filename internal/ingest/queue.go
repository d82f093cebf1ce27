package ingest

import (
	"errors"
	"sync"

	"github.com/ignite/budget-optimizer/internal/domain"
	"github.com/ignite/budget-optimizer/internal/telemetry"
)

// ErrBackpressure is returned when the queue is full and the event cannot
// displace anything. The webhook surface maps it to a 503.
var ErrBackpressure = errors.New("intake queue full")

// Pending is one persisted metric awaiting its posterior update.
type Pending struct {
	CampaignID int64
	Metric     domain.Metric
}

// Queue is the bounded buffer between intake and the decision loops. Drop
// policy under pressure: the oldest unprocessed webhook event goes first
// (webhooks are hints), poll results are never dropped. Poll enqueues
// always succeed because the pollers themselves are paced and batch-bounded.
type Queue struct {
	mu       sync.Mutex
	items    []Pending
	capacity int
}

// NewQueue creates a queue holding at most capacity pending events.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Queue{capacity: capacity}
}

// Enqueue adds a pending event. A webhook event may be rejected with
// ErrBackpressure; a poll event never is.
func (q *Queue) Enqueue(p Pending) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		if i := q.oldestWebhookLocked(); i >= 0 {
			q.items = append(q.items[:i], q.items[i+1:]...)
			telemetry.IntakeDropped.Inc()
		} else if p.Metric.Source == domain.SourceWebhook {
			return ErrBackpressure
		}
	}
	q.items = append(q.items, p)
	return nil
}

// DrainFor removes and returns up to max pending events for one campaign,
// oldest first. Non-blocking; the cycle loop calls it at every tick.
func (q *Queue) DrainFor(campaignID int64, max int) []Pending {
	q.mu.Lock()
	defer q.mu.Unlock()

	if max <= 0 {
		max = len(q.items)
	}
	var out []Pending
	rest := q.items[:0]
	for _, p := range q.items {
		if p.CampaignID == campaignID && len(out) < max {
			out = append(out, p)
			continue
		}
		rest = append(rest, p)
	}
	q.items = rest
	return out
}

// Len returns the number of pending events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) oldestWebhookLocked() int {
	for i, p := range q.items {
		if p.Metric.Source == domain.SourceWebhook {
			return i
		}
	}
	return -1
}
