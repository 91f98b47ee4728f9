package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MailerSuite/Final-sub004/internal/models"
	"github.com/MailerSuite/Final-sub004/internal/proxy"
)

func makeRecords(n int, host string) []models.CredentialRecord {
	recs := make([]models.CredentialRecord, n)
	for i := range recs {
		h := host
		if h == "" {
			h = fmt.Sprintf("host%d.test", i%7)
		}
		recs[i] = models.CredentialRecord{
			SequenceIndex: i,
			Email:         fmt.Sprintf("u%d@%s", i, h),
			Password:      "p",
			Host:          h,
		}
	}
	return recs
}

func okRun(delay time.Duration) RunFunc {
	return func(ctx context.Context, rec models.CredentialRecord, _ *proxy.Endpoint) models.CheckResult {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
		}
		return models.CheckResult{
			JobID:          "job",
			SequenceIndex:  rec.SequenceIndex,
			Email:          rec.Email,
			Classification: models.ClassValid,
			StageReached:   models.StageAuthenticated,
		}
	}
}

func collect(t *testing.T, ch <-chan models.CheckResult, want int, timeout time.Duration) []models.CheckResult {
	t.Helper()
	var out []models.CheckResult
	deadline := time.After(timeout)
	for {
		select {
		case res, ok := <-ch:
			if !ok {
				if len(out) != want {
					t.Fatalf("channel closed after %d results, want %d", len(out), want)
				}
				return out
			}
			out = append(out, res)
		case <-deadline:
			t.Fatalf("timed out with %d/%d results", len(out), want)
		}
	}
}

func TestConcurrencyBound(t *testing.T) {
	var cur, peak int64
	run := func(ctx context.Context, rec models.CredentialRecord, ep *proxy.Endpoint) models.CheckResult {
		n := atomic.AddInt64(&cur, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&cur, -1)
		return okRun(0)(ctx, rec, ep)
	}

	d := New(Config{JobID: "job", MaxThreads: 5}, makeRecords(50, ""), run)
	results := d.Run(context.Background())
	collect(t, results, 50, 10*time.Second)

	if p := atomic.LoadInt64(&peak); p > 5 {
		t.Fatalf("in-flight exceeded max_threads: peak %d", p)
	}
}

func TestPerHostLimit(t *testing.T) {
	var mu sync.Mutex
	perHost := map[string]int{}
	peak := map[string]int{}
	run := func(ctx context.Context, rec models.CredentialRecord, ep *proxy.Endpoint) models.CheckResult {
		mu.Lock()
		perHost[rec.Host]++
		if perHost[rec.Host] > peak[rec.Host] {
			peak[rec.Host] = perHost[rec.Host]
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		perHost[rec.Host]--
		mu.Unlock()
		return okRun(0)(ctx, rec, ep)
	}

	d := New(Config{JobID: "job", MaxThreads: 10, PerHostLimit: 2}, makeRecords(30, "one.test"), run)
	collect(t, d.Run(context.Background()), 30, 10*time.Second)

	if peak["one.test"] > 2 {
		t.Fatalf("per-host in-flight exceeded limit: %d", peak["one.test"])
	}
}

// Without a proxy pool every record shares the direct egress identity, so
// PerIPLimit bounds total in-flight work below MaxThreads.
func TestPerIPLimitDirect(t *testing.T) {
	var cur, peak int64
	run := func(ctx context.Context, rec models.CredentialRecord, ep *proxy.Endpoint) models.CheckResult {
		n := atomic.AddInt64(&cur, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&cur, -1)
		return okRun(0)(ctx, rec, ep)
	}

	d := New(Config{JobID: "job", MaxThreads: 10, PerIPLimit: 2}, makeRecords(30, ""), run)
	collect(t, d.Run(context.Background()), 30, 10*time.Second)

	if p := atomic.LoadInt64(&peak); p > 2 {
		t.Fatalf("direct in-flight exceeded per_ip_limit: peak %d", p)
	}
}

func TestPerIPLimitPerProxy(t *testing.T) {
	pool := proxy.NewPool([]string{"socks5://a:1080", "socks5://b:1080"}, time.Minute)
	var mu sync.Mutex
	perIP := map[string]int{}
	peak := map[string]int{}
	run := func(ctx context.Context, rec models.CredentialRecord, ep *proxy.Endpoint) models.CheckResult {
		if ep == nil {
			t.Error("expected proxy assignment")
			return okRun(0)(ctx, rec, ep)
		}
		mu.Lock()
		perIP[ep.Address]++
		if perIP[ep.Address] > peak[ep.Address] {
			peak[ep.Address] = perIP[ep.Address]
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		perIP[ep.Address]--
		mu.Unlock()
		return okRun(0)(ctx, rec, ep)
	}

	d := New(Config{JobID: "job", MaxThreads: 8, PerIPLimit: 2, UseProxy: true, Proxies: pool}, makeRecords(30, ""), run)
	collect(t, d.Run(context.Background()), 30, 10*time.Second)

	for addr, p := range peak {
		if p > 2 {
			t.Fatalf("proxy %s in-flight exceeded per_ip_limit: peak %d", addr, p)
		}
	}
}

func TestPauseStopsDispatch(t *testing.T) {
	var started int64
	release := make(chan struct{})
	run := func(ctx context.Context, rec models.CredentialRecord, ep *proxy.Endpoint) models.CheckResult {
		atomic.AddInt64(&started, 1)
		<-release
		return okRun(0)(ctx, rec, ep)
	}

	d := New(Config{JobID: "job", MaxThreads: 2}, makeRecords(10, "one.test"), run)
	results := d.Run(context.Background())

	for atomic.LoadInt64(&started) < 2 {
		time.Sleep(time.Millisecond)
	}
	d.Pause()
	d.Pause() // idempotent
	close(release)

	// The two in-flight checks finish naturally; nothing new starts.
	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt64(&started); n != 2 {
		t.Fatalf("dispatch continued while paused: started %d", n)
	}

	d.Resume()
	d.Resume() // idempotent
	collect(t, results, 10, 10*time.Second)
	if n := atomic.LoadInt64(&started); n != 10 {
		t.Fatalf("expected all 10 dispatched after resume, got %d", n)
	}
}

func TestCancelAccountsEveryRecord(t *testing.T) {
	run := func(ctx context.Context, rec models.CredentialRecord, _ *proxy.Endpoint) models.CheckResult {
		<-ctx.Done()
		kind := models.ErrKindCancelled
		return models.CheckResult{
			JobID:          "job",
			SequenceIndex:  rec.SequenceIndex,
			Email:          rec.Email,
			Classification: models.ClassError,
			StageReached:   models.StageConnected,
			ErrorKind:      &kind,
		}
	}

	d := New(Config{JobID: "job", MaxThreads: 10}, makeRecords(20, "one.test"), run)
	results := d.Run(context.Background())

	for d.InFlight() < 10 {
		time.Sleep(time.Millisecond)
	}
	d.Cancel()

	out := collect(t, results, 20, 10*time.Second)
	seen := map[int]bool{}
	for _, res := range out {
		if res.ErrorKind == nil || *res.ErrorKind != models.ErrKindCancelled {
			t.Fatalf("expected cancelled result, got %+v", res)
		}
		if seen[res.SequenceIndex] {
			t.Fatalf("duplicate result for sequence %d", res.SequenceIndex)
		}
		seen[res.SequenceIndex] = true
	}
}

func TestStopDrainsWithoutNewDispatch(t *testing.T) {
	var started int64
	release := make(chan struct{})
	run := func(ctx context.Context, rec models.CredentialRecord, ep *proxy.Endpoint) models.CheckResult {
		atomic.AddInt64(&started, 1)
		<-release
		return okRun(0)(ctx, rec, ep)
	}

	d := New(Config{JobID: "job", MaxThreads: 3}, makeRecords(10, "one.test"), run)
	results := d.Run(context.Background())
	for atomic.LoadInt64(&started) < 3 {
		time.Sleep(time.Millisecond)
	}
	d.Stop()
	close(release)

	out := collect(t, results, 3, 10*time.Second)
	for _, res := range out {
		if res.Classification != models.ClassValid {
			t.Fatalf("draining corrupted in-flight result: %+v", res)
		}
	}
	if n := atomic.LoadInt64(&started); n != 3 {
		t.Fatalf("stop did not halt dispatch: started %d", n)
	}
}

func TestRetryRequeuesOnce(t *testing.T) {
	var calls int64
	run := func(ctx context.Context, rec models.CredentialRecord, ep *proxy.Endpoint) models.CheckResult {
		if atomic.AddInt64(&calls, 1) == 1 {
			kind := models.ErrKindConnectFailure
			return models.CheckResult{
				JobID:          "job",
				SequenceIndex:  rec.SequenceIndex,
				Email:          rec.Email,
				Classification: models.ClassError,
				StageReached:   models.StageResolved,
				ErrorKind:      &kind,
			}
		}
		return okRun(0)(ctx, rec, ep)
	}

	d := New(Config{JobID: "job", MaxThreads: 1, MaxRetries: 1}, makeRecords(1, "one.test"), run)
	out := collect(t, d.Run(context.Background()), 1, 5*time.Second)
	if out[0].Classification != models.ClassValid {
		t.Fatalf("expected retry to succeed, got %+v", out[0])
	}
	if atomic.LoadInt64(&calls) != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestRetryBoundExhausted(t *testing.T) {
	var calls int64
	run := func(_ context.Context, rec models.CredentialRecord, _ *proxy.Endpoint) models.CheckResult {
		atomic.AddInt64(&calls, 1)
		kind := models.ErrKindTimeout
		return models.CheckResult{
			JobID:          "job",
			SequenceIndex:  rec.SequenceIndex,
			Email:          rec.Email,
			Classification: models.ClassError,
			StageReached:   models.StageConnected,
			ErrorKind:      &kind,
		}
	}

	d := New(Config{JobID: "job", MaxThreads: 1, MaxRetries: 1}, makeRecords(1, "one.test"), run)
	out := collect(t, d.Run(context.Background()), 1, 5*time.Second)
	if out[0].ErrorKind == nil || *out[0].ErrorKind != models.ErrKindTimeout {
		t.Fatalf("expected timeout error after retries, got %+v", out[0])
	}
	if atomic.LoadInt64(&calls) != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestExactlyOncePerRecord(t *testing.T) {
	d := New(Config{JobID: "job", MaxThreads: 8}, makeRecords(100, ""), okRun(time.Millisecond))
	out := collect(t, d.Run(context.Background()), 100, 10*time.Second)
	seen := map[int]int{}
	for _, res := range out {
		seen[res.SequenceIndex]++
	}
	for i := 0; i < 100; i++ {
		if seen[i] != 1 {
			t.Fatalf("sequence %d yielded %d results", i, seen[i])
		}
	}
}

func TestProxyAssignmentAndReporting(t *testing.T) {
	pool := proxy.NewPool([]string{"socks5://a:1080", "socks5://b:1080"}, time.Minute)
	var used sync.Map
	run := func(ctx context.Context, rec models.CredentialRecord, ep *proxy.Endpoint) models.CheckResult {
		if ep == nil {
			t.Error("expected proxy assignment")
			return okRun(0)(ctx, rec, ep)
		}
		used.Store(ep.Address, true)
		return okRun(0)(ctx, rec, ep)
	}

	d := New(Config{JobID: "job", MaxThreads: 4, UseProxy: true, Proxies: pool}, makeRecords(20, "one.test"), run)
	collect(t, d.Run(context.Background()), 20, 10*time.Second)

	for _, addr := range []string{"socks5://a:1080", "socks5://b:1080"} {
		if _, ok := used.Load(addr); !ok {
			t.Fatalf("round robin never used %s", addr)
		}
	}
	for _, st := range pool.Snapshot() {
		if st.Health != models.ProxyHealthy {
			t.Fatalf("successful checks should keep proxies healthy: %+v", st)
		}
	}
}
