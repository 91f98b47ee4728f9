package progress

import (
	"testing"
	"time"

	"github.com/MailerSuite/Final-sub004/internal/models"
)

func TestMaxErrorsRule(t *testing.T) {
	ev := NewEvaluator(models.StopConditions{MaxErrors: 5}, time.Now())
	action, reason := ev.Evaluate(models.ProgressSnapshot{Checked: 20, Errors: 4})
	if action != Continue {
		t.Fatalf("expected continue below budget, got %v (%s)", action, reason)
	}
	action, reason = ev.Evaluate(models.ProgressSnapshot{Checked: 20, Errors: 5})
	if action != Stop || reason != ReasonMaxErrors {
		t.Fatalf("expected stop on max_errors, got %v (%s)", action, reason)
	}
}

func TestMaxInvalidRule(t *testing.T) {
	ev := NewEvaluator(models.StopConditions{MaxInvalid: 3}, time.Now())
	action, reason := ev.Evaluate(models.ProgressSnapshot{Checked: 10, Invalid: 3})
	if action != Stop || reason != ReasonMaxInvalid {
		t.Fatalf("expected stop on max_invalid, got %v (%s)", action, reason)
	}
}

func TestErrorRateNeedsMinimumSample(t *testing.T) {
	ev := NewEvaluator(models.StopConditions{ErrorRatePercent: 50}, time.Now())

	// 100% error rate but below the minimum sample: no trigger.
	action, _ := ev.Evaluate(models.ProgressSnapshot{Checked: 10, Errors: 10})
	if action != Continue {
		t.Fatalf("error rate fired below minimum sample size")
	}

	action, reason := ev.Evaluate(models.ProgressSnapshot{Checked: 20, Errors: 10})
	if action != Stop || reason != ReasonErrorRate {
		t.Fatalf("expected stop on error_rate, got %v (%s)", action, reason)
	}
}

func TestTimeLimitRule(t *testing.T) {
	started := time.Now()
	ev := NewEvaluator(models.StopConditions{TimeLimitMinutes: 30}, started)
	ev.now = func() time.Time { return started.Add(29 * time.Minute) }
	if action, _ := ev.Evaluate(models.ProgressSnapshot{}); action != Continue {
		t.Fatal("time limit fired early")
	}
	ev.now = func() time.Time { return started.Add(30 * time.Minute) }
	action, reason := ev.Evaluate(models.ProgressSnapshot{})
	if action != Stop || reason != ReasonTimeLimit {
		t.Fatalf("expected stop on time_limit, got %v (%s)", action, reason)
	}
}

func TestBlacklistPausesNotStops(t *testing.T) {
	ev := NewEvaluator(models.StopConditions{PauseOnBlacklist: true}, time.Now())
	if action, _ := ev.Evaluate(models.ProgressSnapshot{}); action != Continue {
		t.Fatal("paused without a signal")
	}
	ev.SignalBlacklist()
	action, reason := ev.Evaluate(models.ProgressSnapshot{})
	if action != Pause || reason != ReasonBlacklistHit {
		t.Fatalf("expected pause on blacklist, got %v (%s)", action, reason)
	}
	ev.ClearBlacklist()
	if action, _ := ev.Evaluate(models.ProgressSnapshot{}); action != Continue {
		t.Fatal("blacklist signal not cleared")
	}
}

func TestBounceSpikeRule(t *testing.T) {
	ev := NewEvaluator(models.StopConditions{StopOnBounceSpike: true}, time.Now())
	ev.SignalBounceSpike()
	action, reason := ev.Evaluate(models.ProgressSnapshot{})
	if action != Stop || reason != ReasonBounceSpike {
		t.Fatalf("expected stop on bounce_spike, got %v (%s)", action, reason)
	}
}

// Overlapping conditions resolve to the first rule in the ordered list.
func TestRuleOrderDeterministic(t *testing.T) {
	ev := NewEvaluator(models.StopConditions{
		MaxErrors:        5,
		MaxInvalid:       5,
		ErrorRatePercent: 10,
	}, time.Now())
	action, reason := ev.Evaluate(models.ProgressSnapshot{Checked: 30, Errors: 5, Invalid: 5})
	if action != Stop || reason != ReasonMaxErrors {
		t.Fatalf("expected max_errors to win ties, got %v (%s)", action, reason)
	}
}

func TestZeroConditionsNeverFire(t *testing.T) {
	ev := NewEvaluator(models.StopConditions{}, time.Now())
	action, _ := ev.Evaluate(models.ProgressSnapshot{Checked: 1000, Errors: 1000})
	if action != Continue {
		t.Fatal("disabled rules fired")
	}
}
