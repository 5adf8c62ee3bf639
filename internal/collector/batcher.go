package collector

import (
	"sync"
	"time"

	"github.com/feedline/feedline/internal/metrics"
	"github.com/feedline/feedline/internal/model"
)

// Batcher accumulates observations and releases them in batches when the
// size or age trigger fires. Pending retention is capped at twice the batch
// size; beyond that the oldest observations are dropped.
type Batcher struct {
	maxSize int
	maxAge  time.Duration
	metrics *metrics.Registry
	now     func() time.Time

	mu       sync.Mutex
	pending  []model.PriceObservation
	oldestAt time.Time
}

// NewBatcher creates a batcher with the given flush triggers.
func NewBatcher(maxSize int, maxAge time.Duration, m *metrics.Registry) *Batcher {
	return &Batcher{
		maxSize: maxSize,
		maxAge:  maxAge,
		metrics: m,
		now:     time.Now,
	}
}

// Add queues one observation, enforcing the retention ceiling.
func (b *Batcher) Add(obs model.PriceObservation) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		b.oldestAt = b.now()
	}
	b.pending = append(b.pending, obs)
	b.enforceCeilingLocked()
}

// Take removes and returns one batch when a flush trigger has fired, or
// whatever is pending when force is set. It returns nil when nothing is due.
func (b *Batcher) Take(force bool) []model.PriceObservation {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return nil
	}
	due := force ||
		len(b.pending) >= b.maxSize ||
		b.now().Sub(b.oldestAt) >= b.maxAge
	if !due {
		return nil
	}

	n := len(b.pending)
	if n > b.maxSize {
		n = b.maxSize
	}
	batch := make([]model.PriceObservation, n)
	copy(batch, b.pending[:n])
	b.pending = b.pending[n:]
	b.oldestAt = b.now()

	b.metrics.BatchFlushes.Inc()
	return batch
}

// Requeue puts a failed batch back at the head of the queue so ordering is
// preserved, then re-applies the retention ceiling.
func (b *Batcher) Requeue(batch []model.PriceObservation) {
	if len(batch) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = append(batch, b.pending...)
	b.oldestAt = b.now().Add(-b.maxAge) // head is already overdue
	b.enforceCeilingLocked()
}

// Len reports the number of pending observations.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Batcher) enforceCeilingLocked() {
	ceiling := 2 * b.maxSize
	if over := len(b.pending) - ceiling; over > 0 {
		b.pending = b.pending[over:]
		b.metrics.BatchDropOverflow.Add(float64(over))
	}
}
