package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MailerSuite/Final-sub004/internal/logstream"
	"github.com/MailerSuite/Final-sub004/internal/models"
	"github.com/MailerSuite/Final-sub004/internal/parser"
	"github.com/MailerSuite/Final-sub004/internal/progress"
	"github.com/MailerSuite/Final-sub004/internal/proxy"
	"github.com/MailerSuite/Final-sub004/internal/ratelimit"
	"github.com/MailerSuite/Final-sub004/internal/scheduler"
	"github.com/MailerSuite/Final-sub004/internal/store"
	"github.com/MailerSuite/Final-sub004/internal/telemetry"
	"github.com/MailerSuite/Final-sub004/internal/verifier"
)

// InvalidStateError is returned when a lifecycle transition is not legal
// from the job's current status.
type InvalidStateError struct {
	Op     string
	Status string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s job in state %q", e.Op, e.Status)
}

// RunnerFunc builds the per-record verification function for a job. Tests
// substitute a runner so lifecycle behavior is exercised without sockets.
type RunnerFunc func(job models.Job) scheduler.RunFunc

// Opts wires an orchestrator's collaborators. Zero-value fields get
// in-process defaults.
type Opts struct {
	Store   store.Store
	Proxies *proxy.Pool
	Logs    *logstream.Publisher
	Parser  *parser.Parser
	Dialer  *proxy.Dialer
	Runner  RunnerFunc

	// RateLimiter builds the dispatch limiter for one job. The default is a
	// local bucket honoring the job's rps_limit; the API process installs a
	// Redis-backed factory so the cap holds across instances.
	RateLimiter func(job models.Job) ratelimit.Limiter
}

// Orchestrator owns job lifecycle: it creates jobs from raw credential
// batches, runs them through the dispatcher and reacts to stop conditions.
type Orchestrator struct {
	store   store.Store
	proxies *proxy.Pool
	logs    *logstream.Publisher
	parser  *parser.Parser
	dialer  *proxy.Dialer
	runner  RunnerFunc
	limiter func(job models.Job) ratelimit.Limiter

	mu   sync.Mutex
	jobs map[string]*jobState
}

// jobState is the in-memory half of a job: parsed records before start,
// live aggregator and dispatcher while running.
type jobState struct {
	job     models.Job
	records []models.CredentialRecord

	agg  *progress.Aggregator
	eval *progress.Evaluator
	disp *scheduler.Dispatcher

	cancelled bool
	stopped   bool
	done      chan struct{}
}

// New builds an orchestrator.
func New(opts Opts) *Orchestrator {
	o := &Orchestrator{
		store:   opts.Store,
		proxies: opts.Proxies,
		logs:    opts.Logs,
		parser:  opts.Parser,
		dialer:  opts.Dialer,
		runner:  opts.Runner,
		limiter: opts.RateLimiter,
		jobs:    make(map[string]*jobState),
	}
	if o.logs == nil {
		o.logs = logstream.NewPublisher()
	}
	if o.parser == nil {
		o.parser = parser.New(0)
	}
	if o.dialer == nil {
		o.dialer = proxy.NewDialer(0)
	}
	if o.runner == nil {
		o.runner = o.verifyRunner
	}
	if o.limiter == nil {
		o.limiter = func(job models.Job) ratelimit.Limiter {
			return ratelimit.NewLocal(job.Config.RPSLimit, int(job.Config.RPSLimit)+1)
		}
	}
	return o
}

// Logs exposes the publisher for stream subscribers.
func (o *Orchestrator) Logs() *logstream.Publisher { return o.logs }

// ProxyStatus reports pool health, or nil when no pool is configured.
func (o *Orchestrator) ProxyStatus() []proxy.EndpointStatus {
	if o.proxies == nil {
		return nil
	}
	return o.proxies.Snapshot()
}

// Create parses the batch, persists the job and holds its records for
// Start. Malformed lines are reported back, not fatal; an oversized batch
// rejects the whole request.
func (o *Orchestrator) Create(ctx context.Context, tenant string, raw []byte, cfg models.JobConfig, conds models.StopConditions) (models.Job, []models.RejectedLine, error) {
	if err := cfg.Normalize(); err != nil {
		return models.Job{}, nil, err
	}
	records, rejected, err := o.parser.Parse(raw)
	if err != nil {
		return models.Job{}, nil, err
	}
	if len(records) == 0 {
		return models.Job{}, rejected, fmt.Errorf("no usable credentials in batch")
	}

	job := models.Job{
		ID:             uuid.New().String(),
		Tenant:         tenant,
		Status:         models.StatusQueued,
		Config:         cfg,
		StopConditions: conds,
		Total:          len(records),
		CreatedAt:      time.Now().UTC(),
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return models.Job{}, nil, fmt.Errorf("persist job: %w", err)
	}

	o.mu.Lock()
	o.jobs[job.ID] = &jobState{job: job, records: records, done: make(chan struct{})}
	o.mu.Unlock()

	telemetry.JobsCreated.Inc()
	log.Printf("job %s created: %d records, %d rejected lines", job.ID, len(records), len(rejected))
	return job, rejected, nil
}

// Start moves a queued job to running and launches its dispatcher.
func (o *Orchestrator) Start(ctx context.Context, id string) error {
	o.mu.Lock()
	st, ok := o.jobs[id]
	if !ok {
		o.mu.Unlock()
		return store.ErrNotFound
	}
	if st.job.Status != models.StatusQueued {
		status := st.job.Status
		o.mu.Unlock()
		return &InvalidStateError{Op: "start", Status: status}
	}

	now := time.Now().UTC()
	st.job.Status = models.StatusRunning
	st.job.StartedAt = &now
	st.agg = progress.NewAggregator(st.job.Total)
	st.eval = progress.NewEvaluator(st.job.StopConditions, now)
	st.disp = scheduler.New(scheduler.Config{
		JobID:        st.job.ID,
		MaxThreads:   st.job.Config.MaxThreads,
		PerHostLimit: st.job.Config.PerHostLimit,
		PerIPLimit:   st.job.Config.PerIPLimit,
		MaxRetries:   st.job.Config.MaxRetries,
		UseProxy:     st.job.Config.UseProxy,
		Limiter:      o.limiter(st.job),
		Proxies:      o.proxies,
	}, st.records, o.instrument(o.runner(st.job)))
	job := st.job
	o.mu.Unlock()

	if err := o.store.UpdateJobStatus(ctx, id, models.StatusRunning, &now, nil); err != nil {
		// Roll back so the job is startable again once the store recovers.
		o.mu.Lock()
		st.job.Status = models.StatusQueued
		st.job.StartedAt = nil
		st.agg, st.eval, st.disp = nil, nil, nil
		o.mu.Unlock()
		return fmt.Errorf("mark job running: %w", err)
	}
	o.mu.Lock()
	st.records = nil
	o.mu.Unlock()

	results := st.disp.Run(context.Background())
	go o.consume(st, results)

	o.logs.Publish(id, logstream.Event{Category: logstream.CategoryQueue, Line: fmt.Sprintf("job started: %d records, %d threads", job.Total, job.Config.MaxThreads)})
	log.Printf("job %s started: protocol=%s threads=%d", id, job.Config.Protocol, job.Config.MaxThreads)
	return nil
}

// consume drains the result channel, persisting and aggregating each
// result and applying stop conditions, then finalizes the job.
func (o *Orchestrator) consume(st *jobState, results <-chan models.CheckResult) {
	for res := range results {
		if err := o.store.AppendResults(context.Background(), []models.CheckResult{res}); err != nil {
			log.Printf("job %s: persist result %d: %v", st.job.ID, res.SequenceIndex, err)
		}
		st.agg.OnResult(res)
		o.logs.PublishResult(res)
		telemetry.ChecksTotal.WithLabelValues(res.Classification).Inc()
		if res.LatencyMs > 0 {
			telemetry.CheckLatency.Observe(float64(res.LatencyMs) / 1000)
		}
		o.applyStopConditions(st)
	}
	o.finish(st)
}

// applyStopConditions evaluates the job's budget against the latest
// snapshot and pauses or drains the dispatcher when a rule fires.
func (o *Orchestrator) applyStopConditions(st *jobState) {
	action, reason := st.eval.Evaluate(st.agg.Snapshot())
	if action == progress.Continue {
		return
	}

	o.mu.Lock()
	switch action {
	case progress.Pause:
		if st.job.Status != models.StatusRunning {
			o.mu.Unlock()
			return
		}
		st.job.Status = models.StatusPaused
		st.job.StopReason = &reason
	case progress.Stop:
		if st.stopped || st.cancelled {
			o.mu.Unlock()
			return
		}
		st.stopped = true
		st.job.Status = models.StatusStopping
		st.job.StopReason = &reason
	}
	id := st.job.ID
	status := st.job.Status
	o.mu.Unlock()

	if action == progress.Pause {
		st.disp.Pause()
	} else {
		st.disp.Stop()
		telemetry.JobsAutoStopped.Inc()
	}
	if err := o.store.UpdateJobStatus(context.Background(), id, status, nil, nil); err != nil {
		log.Printf("job %s: persist status %s: %v", id, status, err)
	}
	if err := o.store.SetStopReason(context.Background(), id, reason); err != nil {
		log.Printf("job %s: persist stop reason: %v", id, err)
	}
	o.logs.Publish(id, logstream.Event{Category: logstream.CategoryQueue, Line: fmt.Sprintf("stop condition fired: %s (%s)", reason, status)})
	log.Printf("job %s: stop condition %s fired, status %s", id, reason, status)
}

// finish records the job's final status once every record is accounted.
func (o *Orchestrator) finish(st *jobState) {
	now := time.Now().UTC()

	o.mu.Lock()
	switch {
	case st.cancelled:
		st.job.Status = models.StatusCancelled
	case st.stopped:
		st.job.Status = models.StatusStopping
	default:
		st.job.Status = models.StatusCompleted
	}
	st.job.CompletedAt = &now
	id := st.job.ID
	status := st.job.Status
	snap := st.agg.Snapshot()
	o.mu.Unlock()

	if err := o.store.UpdateJobStatus(context.Background(), id, status, nil, &now); err != nil {
		log.Printf("job %s: persist final status: %v", id, err)
	}
	o.logs.Publish(id, logstream.Event{Category: logstream.CategoryQueue, Line: fmt.Sprintf("job finished %s: %d checked, %d valid, %d invalid, %d errors", status, snap.Checked, snap.Valid, snap.Invalid, snap.Errors)})
	log.Printf("job %s finished %s: checked=%d valid=%d invalid=%d errors=%d", id, status, snap.Checked, snap.Valid, snap.Invalid, snap.Errors)
	close(st.done)
}

// Pause suspends dispatch; in-flight checks complete and are recorded.
func (o *Orchestrator) Pause(ctx context.Context, id string) error {
	st, err := o.transition(id, "pause", models.StatusRunning, models.StatusPaused)
	if err != nil {
		return err
	}
	st.disp.Pause()
	if err := o.store.UpdateJobStatus(ctx, id, models.StatusPaused, nil, nil); err != nil {
		return fmt.Errorf("mark job paused: %w", err)
	}
	o.logs.Publish(id, logstream.Event{Category: logstream.CategoryQueue, Line: "job paused"})
	return nil
}

// Resume continues a paused job from the next un-dispatched record. It also
// re-arms the blacklist pause rule so the job does not immediately re-pause.
func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	st, err := o.transition(id, "resume", models.StatusPaused, models.StatusRunning)
	if err != nil {
		return err
	}
	st.eval.ClearBlacklist()
	st.disp.Resume()
	if err := o.store.UpdateJobStatus(ctx, id, models.StatusRunning, nil, nil); err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	o.logs.Publish(id, logstream.Event{Category: logstream.CategoryQueue, Line: "job resumed"})
	return nil
}

// Stop drains the job: no new dispatches, in-flight checks finish and are
// recorded. The final counters reflect only completed work.
func (o *Orchestrator) Stop(ctx context.Context, id string) error {
	o.mu.Lock()
	st, ok := o.jobs[id]
	if !ok {
		o.mu.Unlock()
		return store.ErrNotFound
	}
	if st.job.Status == models.StatusStopping {
		o.mu.Unlock()
		return nil
	}
	if st.job.Status != models.StatusRunning && st.job.Status != models.StatusPaused {
		status := st.job.Status
		o.mu.Unlock()
		return &InvalidStateError{Op: "stop", Status: status}
	}
	st.stopped = true
	st.job.Status = models.StatusStopping
	o.mu.Unlock()

	st.disp.Stop()
	if err := o.store.UpdateJobStatus(ctx, id, models.StatusStopping, nil, nil); err != nil {
		return fmt.Errorf("mark job stopping: %w", err)
	}
	o.logs.Publish(id, logstream.Event{Category: logstream.CategoryQueue, Line: "job stopping, draining in-flight checks"})
	return nil
}

// Cancel aborts the job. In-flight checks are interrupted and every
// remaining record is recorded as cancelled, so result accounting stays
// exactly-once.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	o.mu.Lock()
	st, ok := o.jobs[id]
	if !ok {
		o.mu.Unlock()
		return store.ErrNotFound
	}
	if st.cancelled {
		o.mu.Unlock()
		return nil
	}
	if models.Terminal(st.job.Status) {
		status := st.job.Status
		o.mu.Unlock()
		return &InvalidStateError{Op: "cancel", Status: status}
	}
	st.cancelled = true
	queued := st.job.Status == models.StatusQueued
	if queued {
		// Never started: account the whole batch here since no dispatcher
		// loop will.
		now := time.Now().UTC()
		kind := models.ErrKindCancelled
		cancelledResults := make([]models.CheckResult, 0, len(st.records))
		for _, rec := range st.records {
			cancelledResults = append(cancelledResults, models.CheckResult{
				JobID:          st.job.ID,
				SequenceIndex:  rec.SequenceIndex,
				Email:          rec.Email,
				Classification: models.ClassError,
				ErrorKind:      &kind,
				Detail:         "job cancelled before start",
				Timestamp:      now,
			})
		}
		st.records = nil
		st.job.Status = models.StatusCancelled
		st.job.CompletedAt = &now
		o.mu.Unlock()

		if err := o.store.AppendResults(ctx, cancelledResults); err != nil {
			return fmt.Errorf("record cancelled batch: %w", err)
		}
		if err := o.store.UpdateJobStatus(ctx, id, models.StatusCancelled, nil, &now); err != nil {
			return fmt.Errorf("mark job cancelled: %w", err)
		}
		close(st.done)
		return nil
	}
	o.mu.Unlock()

	st.disp.Cancel()
	o.logs.Publish(id, logstream.Event{Category: logstream.CategoryQueue, Line: "job cancelled"})
	return nil
}

// SignalBlacklist reports a blacklist hit for the job's sending identity.
// With pause_on_blacklist_hit set this pauses the job.
func (o *Orchestrator) SignalBlacklist(ctx context.Context, id string) error {
	st, err := o.liveState(id)
	if err != nil {
		return err
	}
	st.eval.SignalBlacklist()
	o.logs.Publish(id, logstream.Event{Category: logstream.CategoryBounce, Line: "blacklist hit reported"})
	o.applyStopConditions(st)
	return nil
}

// SignalBounceSpike reports an external bounce-rate spike. With
// stop_on_bounce_spike set this drains the job.
func (o *Orchestrator) SignalBounceSpike(ctx context.Context, id string) error {
	st, err := o.liveState(id)
	if err != nil {
		return err
	}
	st.eval.SignalBounceSpike()
	o.logs.Publish(id, logstream.Event{Category: logstream.CategoryBounce, Line: "bounce spike reported"})
	o.applyStopConditions(st)
	return nil
}

// Job returns the job's current state.
func (o *Orchestrator) Job(ctx context.Context, id string) (models.Job, error) {
	o.mu.Lock()
	if st, ok := o.jobs[id]; ok {
		job := st.job
		o.mu.Unlock()
		return job, nil
	}
	o.mu.Unlock()
	return o.store.GetJob(ctx, id)
}

// Jobs lists a tenant's jobs from the store.
func (o *Orchestrator) Jobs(ctx context.Context, tenant string) ([]models.Job, error) {
	return o.store.ListJobs(ctx, tenant)
}

// Progress returns the live snapshot for an active job, or reconstructs one
// from persisted results for jobs this process is not running.
func (o *Orchestrator) Progress(ctx context.Context, id string) (models.ProgressSnapshot, error) {
	o.mu.Lock()
	if st, ok := o.jobs[id]; ok && st.agg != nil {
		agg := st.agg
		o.mu.Unlock()
		return agg.Snapshot(), nil
	}
	o.mu.Unlock()

	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return models.ProgressSnapshot{}, err
	}
	snap := models.ProgressSnapshot{Total: job.Total}
	for offset := 0; ; offset += 1000 {
		page, err := o.store.ListResults(ctx, id, offset, 1000)
		if err != nil {
			return models.ProgressSnapshot{}, err
		}
		for _, res := range page {
			snap.Checked++
			switch res.Classification {
			case models.ClassValid:
				snap.Valid++
			case models.ClassInvalid:
				snap.Invalid++
			default:
				snap.Errors++
			}
		}
		if len(page) < 1000 {
			break
		}
	}
	if snap.Total > 0 {
		snap.Percentage = float64(snap.Checked) / float64(snap.Total) * 100
	}
	return snap, nil
}

// Await exposes the job's completion channel.
func (o *Orchestrator) Await(id string) (<-chan struct{}, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return st.done, nil
}

// transition applies a simple from->to status change under the lock.
// Repeating a transition already in its target state is a no-op.
func (o *Orchestrator) transition(id, op, from, to string) (*jobState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if st.job.Status == to {
		return st, nil
	}
	if st.job.Status != from {
		return nil, &InvalidStateError{Op: op, Status: st.job.Status}
	}
	st.job.Status = to
	return st, nil
}

// liveState returns a job that has been started in this process.
func (o *Orchestrator) liveState(id string) (*jobState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if st.eval == nil {
		return nil, &InvalidStateError{Op: "signal", Status: st.job.Status}
	}
	return st, nil
}

// instrument wraps a runner with in-flight gauge accounting.
func (o *Orchestrator) instrument(run scheduler.RunFunc) scheduler.RunFunc {
	return func(ctx context.Context, rec models.CredentialRecord, ep *proxy.Endpoint) models.CheckResult {
		telemetry.InFlightGauge.Inc()
		defer telemetry.InFlightGauge.Dec()
		return run(ctx, rec, ep)
	}
}

// verifyRunner is the production runner: it dials directly or through the
// assigned proxy and runs the staged protocol check.
func (o *Orchestrator) verifyRunner(job models.Job) scheduler.RunFunc {
	timeout := time.Duration(job.Config.TimeoutSeconds) * time.Second
	return func(ctx context.Context, rec models.CredentialRecord, ep *proxy.Endpoint) models.CheckResult {
		dial, err := o.dialer.Via(ep)
		if err != nil {
			log.Printf("job %s: proxy %s unusable, dialing direct: %v", job.ID, ep.Address, err)
			dial = o.dialer.Direct()
		}
		return verifier.Verify(ctx, verifier.Params{
			Record:     rec,
			JobID:      job.ID,
			Dial:       dial,
			Timeout:    timeout,
			Protocol:   job.Config.Protocol,
			InboxTest:  job.Config.InboxTest,
			RequireTLS: job.Config.RequireTLS,
			SkipMX:     skipMX(job.Config.Protocol, rec),
		})
	}
}

// skipMX decides whether to connect to the record's host directly. IMAP
// servers are not published in MX records, and an operator-supplied host
// override is authoritative.
func skipMX(protocol string, rec models.CredentialRecord) bool {
	if protocol == models.ProtocolIMAP {
		return true
	}
	domain := ""
	if at := strings.LastIndexByte(rec.Email, '@'); at >= 0 && at < len(rec.Email)-1 {
		domain = strings.ToLower(rec.Email[at+1:])
	}
	return rec.Host != "" && rec.Host != domain
}
