package progress

import (
	"sync/atomic"
	"time"

	"github.com/MailerSuite/Final-sub004/internal/models"
)

// Action is the evaluator's verdict after a result lands.
type Action int

const (
	Continue Action = iota
	Pause
	Stop
)

// minSampleSize guards the error-rate rule against false triggers on tiny
// batches.
const minSampleSize = 20

// Stop reasons, named after the rule that fired.
const (
	ReasonMaxErrors    = "max_errors"
	ReasonMaxInvalid   = "max_invalid"
	ReasonErrorRate    = "error_rate"
	ReasonTimeLimit    = "time_limit"
	ReasonBlacklistHit = "blacklist_hit"
	ReasonBounceSpike  = "bounce_spike"
)

// Evaluator polices a job's failure budget. Rules are checked in a fixed
// order and the first match wins, so overlapping conditions resolve
// deterministically.
type Evaluator struct {
	conds     models.StopConditions
	startedAt time.Time
	now       func() time.Time

	blacklistHit atomic.Bool
	bounceSpike  atomic.Bool
}

// NewEvaluator builds an evaluator for a job started at startedAt.
func NewEvaluator(conds models.StopConditions, startedAt time.Time) *Evaluator {
	return &Evaluator{conds: conds, startedAt: startedAt, now: time.Now}
}

// SignalBlacklist records an out-of-band blacklist report for the job's
// sending domain.
func (e *Evaluator) SignalBlacklist() {
	e.blacklistHit.Store(true)
}

// ClearBlacklist re-arms the pause rule after operator remediation.
func (e *Evaluator) ClearBlacklist() {
	e.blacklistHit.Store(false)
}

// SignalBounceSpike records an externally reported bounce-rate spike.
func (e *Evaluator) SignalBounceSpike() {
	e.bounceSpike.Store(true)
}

// Evaluate applies the ordered rule list to the snapshot. It returns the
// action and, for Pause/Stop, the name of the rule that fired.
func (e *Evaluator) Evaluate(snap models.ProgressSnapshot) (Action, string) {
	c := e.conds

	if c.MaxErrors > 0 && snap.Errors >= c.MaxErrors {
		return Stop, ReasonMaxErrors
	}
	if c.MaxInvalid > 0 && snap.Invalid >= c.MaxInvalid {
		return Stop, ReasonMaxInvalid
	}
	if c.ErrorRatePercent > 0 && snap.Checked >= minSampleSize {
		if float64(snap.Errors)/float64(snap.Checked)*100 >= float64(c.ErrorRatePercent) {
			return Stop, ReasonErrorRate
		}
	}
	if c.TimeLimitMinutes > 0 {
		if e.now().Sub(e.startedAt) >= time.Duration(c.TimeLimitMinutes)*time.Minute {
			return Stop, ReasonTimeLimit
		}
	}
	if c.PauseOnBlacklist && e.blacklistHit.Load() {
		return Pause, ReasonBlacklistHit
	}
	if c.StopOnBounceSpike && e.bounceSpike.Load() {
		return Stop, ReasonBounceSpike
	}
	return Continue, ""
}
