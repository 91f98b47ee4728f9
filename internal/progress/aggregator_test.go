package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/MailerSuite/Final-sub004/internal/models"
)

func errResult() models.CheckResult {
	kind := models.ErrKindConnectFailure
	return models.CheckResult{Classification: models.ClassError, ErrorKind: &kind}
}

func TestCounterInvariant(t *testing.T) {
	agg := NewAggregator(10)
	agg.OnResult(models.CheckResult{Classification: models.ClassValid})
	agg.OnResult(models.CheckResult{Classification: models.ClassValid})
	agg.OnResult(models.CheckResult{Classification: models.ClassInvalid})
	agg.OnResult(errResult())

	snap := agg.Snapshot()
	if snap.Checked != snap.Valid+snap.Invalid+snap.Errors {
		t.Fatalf("invariant broken: checked=%d valid=%d invalid=%d errors=%d",
			snap.Checked, snap.Valid, snap.Invalid, snap.Errors)
	}
	if snap.Checked != 4 || snap.Valid != 2 || snap.Invalid != 1 || snap.Errors != 1 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
	if snap.Percentage != 40 {
		t.Fatalf("expected 40%%, got %f", snap.Percentage)
	}
}

func TestPercentageMonotone(t *testing.T) {
	agg := NewAggregator(50)
	last := -1.0
	for i := 0; i < 50; i++ {
		agg.OnResult(models.CheckResult{Classification: models.ClassValid})
		snap := agg.Snapshot()
		if snap.Percentage < last {
			t.Fatalf("percentage regressed: %f -> %f", last, snap.Percentage)
		}
		last = snap.Percentage
	}
	if last != 100 {
		t.Fatalf("expected 100%% at completion, got %f", last)
	}
}

func TestSpeedWindow(t *testing.T) {
	agg := NewAggregator(100)
	base := time.Now()
	agg.now = func() time.Time { return base }

	for i := 0; i < 20; i++ {
		agg.OnResult(models.CheckResult{Classification: models.ClassValid})
	}
	if speed := agg.Snapshot().Speed; speed != 2 {
		t.Fatalf("expected 2 checks/sec over 10s window, got %f", speed)
	}

	// Shift past the window: old completions stop counting.
	agg.now = func() time.Time { return base.Add(11 * time.Second) }
	if speed := agg.Snapshot().Speed; speed != 0 {
		t.Fatalf("expected 0 checks/sec after window passed, got %f", speed)
	}
}

func TestConcurrentSnapshotAndOnResult(t *testing.T) {
	agg := NewAggregator(1000)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				agg.OnResult(models.CheckResult{Classification: models.ClassValid})
			}
		}()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			snap := agg.Snapshot()
			if snap.Checked != snap.Valid+snap.Invalid+snap.Errors {
				t.Errorf("invariant broken mid-run: %+v", snap)
				return
			}
		}
	}()
	wg.Wait()
	<-done

	if snap := agg.Snapshot(); snap.Checked != 1000 {
		t.Fatalf("expected 1000 checked, got %d", snap.Checked)
	}
}
