package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MailerSuite/Final-sub004/internal/models"
	"github.com/MailerSuite/Final-sub004/internal/proxy"
	"github.com/MailerSuite/Final-sub004/internal/ratelimit"
)

// RunFunc executes one record, optionally through a proxy endpoint, and
// returns its classified result. The campaign-sending feature constructs
// the same Dispatcher with its own Config and RunFunc; the pool itself is
// payload-agnostic.
type RunFunc func(ctx context.Context, rec models.CredentialRecord, ep *proxy.Endpoint) models.CheckResult

// Config bounds a dispatcher's concurrency and rate.
type Config struct {
	JobID        string
	MaxThreads   int
	PerHostLimit int
	PerIPLimit   int
	MaxRetries   int
	UseProxy     bool
	Limiter      ratelimit.Limiter
	Proxies      *proxy.Pool
	PollInterval time.Duration // back-off when rate-limited or fully capped
}

// directKey groups non-proxied connections for the per-IP cap.
const directKey = "direct"

type item struct {
	rec      models.CredentialRecord
	attempts int
}

// Dispatcher is a bounded worker pool over a job's record queue. Dispatch
// and execution are decoupled: a single loop goroutine assigns records to
// worker goroutines and never blocks on a verification itself.
type Dispatcher struct {
	cfg  Config
	run  RunFunc
	done chan models.CheckResult

	mu           sync.Mutex
	cond         *sync.Cond
	queue        []item // sorted by sequence index
	inflight     int
	hostInflight map[string]int
	ipInflight   map[string]int
	paused       bool
	draining     bool
	cancelled    bool
	started      bool

	wg        sync.WaitGroup
	cancelRun context.CancelFunc
}

// New builds a dispatcher over the parsed records. Records are dispatched
// in sequence order except where per-host or per-IP caps defer them.
func New(cfg Config, records []models.CredentialRecord, run RunFunc) *Dispatcher {
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = 1
	}
	if cfg.PerHostLimit <= 0 {
		cfg.PerHostLimit = cfg.MaxThreads
	}
	if cfg.PerIPLimit <= 0 {
		cfg.PerIPLimit = cfg.MaxThreads
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 25 * time.Millisecond
	}
	d := &Dispatcher{
		cfg:          cfg,
		run:          run,
		done:         make(chan models.CheckResult, len(records)),
		hostInflight: make(map[string]int),
		ipInflight:   make(map[string]int),
	}
	d.cond = sync.NewCond(&d.mu)
	d.queue = make([]item, 0, len(records))
	for _, rec := range records {
		d.queue = append(d.queue, item{rec: rec})
	}
	return d
}

// Run starts the dispatch loop. The returned channel carries exactly one
// CheckResult per dispatched record and is closed once the job drains.
func (d *Dispatcher) Run(ctx context.Context) <-chan models.CheckResult {
	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.started = true
	d.cancelRun = cancel
	d.mu.Unlock()
	go d.loop(runCtx)
	return d.done
}

// Pause stops dequeuing new records; in-flight checks finish naturally.
// Pausing a paused dispatcher is a no-op.
func (d *Dispatcher) Pause() {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
	d.cond.Broadcast()
}

// Resume re-enables dequeuing from the next un-dispatched record.
func (d *Dispatcher) Resume() {
	d.mu.Lock()
	d.paused = false
	d.mu.Unlock()
	d.cond.Broadcast()
}

// Stop drains the pool: nothing new is dispatched and in-flight checks are
// allowed to complete.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()
	d.cond.Broadcast()
}

// Cancel aborts the pool: in-flight checks are signalled and report
// Cancelled results; queued records are accounted with Cancelled results
// without being dispatched.
func (d *Dispatcher) Cancel() {
	d.mu.Lock()
	d.cancelled = true
	cancel := d.cancelRun
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.cond.Broadcast()
}

// InFlight reports the number of records currently being verified.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight
}

func (d *Dispatcher) loop(ctx context.Context) {
	for {
		d.mu.Lock()
		for d.paused && !d.draining && !d.cancelled {
			d.cond.Wait()
		}
		if d.draining || d.cancelled {
			d.mu.Unlock()
			break
		}
		if len(d.queue) == 0 {
			if d.inflight == 0 {
				d.mu.Unlock()
				break
			}
			// Workers may still requeue retries; wait for one to finish.
			d.cond.Wait()
			d.mu.Unlock()
			continue
		}
		if d.inflight >= d.cfg.MaxThreads {
			d.cond.Wait()
			d.mu.Unlock()
			continue
		}

		idx := d.nextDispatchableLocked()
		if idx < 0 {
			// Every queued record is host-capped; wait for a slot.
			d.cond.Wait()
			d.mu.Unlock()
			continue
		}
		it := d.queue[idx]
		d.mu.Unlock()

		if d.cfg.Limiter != nil {
			allowed, err := d.cfg.Limiter.Allow(ctx, "rps:"+d.cfg.JobID)
			if err == nil && !allowed {
				time.Sleep(d.cfg.PollInterval)
				continue
			}
		}

		ep, ipKey, ok := d.assignProxy()
		if !ok {
			// All usable proxies are at their per-IP cap.
			time.Sleep(d.cfg.PollInterval)
			continue
		}

		d.mu.Lock()
		// The queue may have shifted while unlocked; re-locate the item.
		idx = d.indexOfLocked(it.rec.SequenceIndex)
		if idx < 0 {
			d.mu.Unlock()
			continue
		}
		d.queue = append(d.queue[:idx], d.queue[idx+1:]...)
		d.inflight++
		d.hostInflight[it.rec.Host]++
		d.ipInflight[ipKey]++
		d.mu.Unlock()

		d.wg.Add(1)
		go d.work(ctx, it, ep, ipKey)
	}

	d.wg.Wait()

	// On cancel, queued-but-never-dispatched records still yield exactly
	// one result each.
	d.mu.Lock()
	if d.cancelled {
		kind := models.ErrKindCancelled
		for _, it := range d.queue {
			d.done <- models.CheckResult{
				JobID:          d.cfg.JobID,
				SequenceIndex:  it.rec.SequenceIndex,
				Email:          it.rec.Email,
				Classification: models.ClassError,
				ErrorKind:      &kind,
				Detail:         "job cancelled before dispatch",
				Timestamp:      time.Now().UTC(),
			}
		}
		d.queue = nil
	}
	d.mu.Unlock()
	close(d.done)
}

// nextDispatchableLocked returns the index of the lowest-sequence record
// whose host is under its in-flight cap, or -1.
func (d *Dispatcher) nextDispatchableLocked() int {
	for i, it := range d.queue {
		if d.hostInflight[it.rec.Host] < d.cfg.PerHostLimit {
			return i
		}
	}
	return -1
}

func (d *Dispatcher) indexOfLocked(seq int) int {
	for i, it := range d.queue {
		if it.rec.SequenceIndex == seq {
			return i
		}
	}
	return -1
}

// assignProxy picks an endpoint whose in-flight count is under the per-IP
// cap. A nil endpoint means a direct connection, which is also capped.
func (d *Dispatcher) assignProxy() (*proxy.Endpoint, string, bool) {
	if !d.cfg.UseProxy || d.cfg.Proxies == nil || d.cfg.Proxies.Size() == 0 {
		return nil, directKey, d.ipUnderCap(directKey)
	}
	tries := d.cfg.Proxies.Size()
	for i := 0; i < tries; i++ {
		ep := d.cfg.Proxies.Acquire()
		if ep == nil {
			// Pool exhausted or fully dead: fall back to direct rather
			// than failing the job.
			return nil, directKey, d.ipUnderCap(directKey)
		}
		if d.ipUnderCap(ep.Address) {
			return ep, ep.Address, true
		}
	}
	return nil, "", false
}

func (d *Dispatcher) ipUnderCap(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ipInflight[key] < d.cfg.PerIPLimit
}

func (d *Dispatcher) work(ctx context.Context, it item, ep *proxy.Endpoint, ipKey string) {
	defer d.wg.Done()
	res := d.run(ctx, it.rec, ep)

	if d.cfg.Proxies != nil && ep != nil {
		d.cfg.Proxies.Report(ep, reachedServer(res))
	}

	d.mu.Lock()
	d.inflight--
	d.hostInflight[it.rec.Host]--
	d.ipInflight[ipKey]--

	if d.shouldRetryLocked(it, res) {
		it.attempts++
		d.insertLocked(it)
	} else {
		d.done <- res
	}
	d.mu.Unlock()
	d.cond.Broadcast()
}

// shouldRetryLocked permits one bounded re-dispatch for transient
// pre-authentication failures.
func (d *Dispatcher) shouldRetryLocked(it item, res models.CheckResult) bool {
	if d.draining || d.cancelled {
		return false
	}
	if it.attempts >= d.cfg.MaxRetries {
		return false
	}
	if res.Classification != models.ClassError || res.ErrorKind == nil {
		return false
	}
	switch *res.ErrorKind {
	case models.ErrKindTimeout, models.ErrKindConnectFailure:
	default:
		return false
	}
	switch res.StageReached {
	case "", models.StageResolved, models.StageConnected:
		return true
	}
	return false
}

// insertLocked puts a retried item back in sequence order.
func (d *Dispatcher) insertLocked(it item) {
	pos := sort.Search(len(d.queue), func(i int) bool {
		return d.queue[i].rec.SequenceIndex >= it.rec.SequenceIndex
	})
	d.queue = append(d.queue, item{})
	copy(d.queue[pos+1:], d.queue[pos:])
	d.queue[pos] = it
}

// reachedServer reports whether the connection through the assigned proxy
// worked, independent of the credential verdict.
func reachedServer(res models.CheckResult) bool {
	switch res.StageReached {
	case models.StageConnected, models.StageHandshaked, models.StageAuthenticated, models.StageInboxProbed:
		return true
	}
	return false
}
