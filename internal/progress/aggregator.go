package progress

import (
	"sync"
	"time"

	"github.com/MailerSuite/Final-sub004/internal/models"
)

// speedWindow is the trailing window used for the checks/sec figure. It
// smooths bursts from parallel workers finishing together.
const speedWindow = 10 * time.Second

// Aggregator is the single owner of a job's counters. Other components read
// it only through immutable ProgressSnapshot copies.
type Aggregator struct {
	mu      sync.RWMutex
	total   int
	checked int
	valid   int
	invalid int
	errors  int
	recent  []time.Time
	now     func() time.Time
}

// NewAggregator builds an aggregator for a job of total records.
func NewAggregator(total int) *Aggregator {
	return &Aggregator{total: total, now: time.Now}
}

// OnResult folds one CheckResult into the counters.
func (a *Aggregator) OnResult(res models.CheckResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checked++
	switch res.Classification {
	case models.ClassValid:
		a.valid++
	case models.ClassInvalid:
		a.invalid++
	default:
		a.errors++
	}
	now := a.now()
	a.recent = append(a.recent, now)
	a.trimLocked(now)
}

// trimLocked drops completion timestamps that fell out of the window.
func (a *Aggregator) trimLocked(now time.Time) {
	cutoff := now.Add(-speedWindow)
	i := 0
	for i < len(a.recent) && a.recent[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		a.recent = a.recent[i:]
	}
}

// Snapshot returns the current progress view. Safe to call concurrently
// with OnResult.
func (a *Aggregator) Snapshot() models.ProgressSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snap := models.ProgressSnapshot{
		Total:   a.total,
		Checked: a.checked,
		Valid:   a.valid,
		Invalid: a.invalid,
		Errors:  a.errors,
	}
	if a.total > 0 {
		snap.Percentage = float64(a.checked) / float64(a.total) * 100
	}
	cutoff := a.now().Add(-speedWindow)
	n := 0
	for _, ts := range a.recent {
		if !ts.Before(cutoff) {
			n++
		}
	}
	snap.Speed = float64(n) / speedWindow.Seconds()
	return snap
}
