package models

import (
	"fmt"
	"time"
)

// JobStatus enumerates job lifecycle states.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusStopping  = "stopping"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Protocols the verifier speaks.
const (
	ProtocolSMTP = "smtp"
	ProtocolIMAP = "imap"
)

// Classification is the per-check verdict. Invalid means the server
// definitively rejected the credential; Error means the check was
// inconclusive.
const (
	ClassValid   = "valid"
	ClassInvalid = "invalid"
	ClassError   = "error"
)

// Stage names the furthest point the verifier reached.
const (
	StageResolved      = "resolved"
	StageConnected     = "connected"
	StageHandshaked    = "handshaked"
	StageAuthenticated = "authenticated"
	StageInboxProbed   = "inbox_probed"
)

// Error kinds recorded on CheckResults and surfaced by the API.
const (
	ErrKindDNSFailure           = "dns_failure"
	ErrKindConnectFailure       = "connect_failure"
	ErrKindTimeout              = "timeout"
	ErrKindTLSDowngradeRejected = "tls_downgrade_rejected"
	ErrKindAuthInconclusive     = "auth_inconclusive"
	ErrKindInboxProbeFailed     = "inbox_probe_failed"
	ErrKindCancelled            = "cancelled"
)

// JobConfig holds the validated per-job concurrency and protocol settings.
type JobConfig struct {
	MaxThreads     int     `json:"max_threads"`
	PerHostLimit   int     `json:"per_host_limit"`
	PerIPLimit     int     `json:"per_ip_limit"`
	RPSLimit       float64 `json:"rps_limit"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	MaxRetries     int     `json:"max_retries"`
	UseProxy       bool    `json:"use_proxy"`
	InboxTest      bool    `json:"inbox_test"`
	Protocol       string  `json:"protocol"`
	RequireTLS     bool    `json:"require_tls"`
}

// Normalize fills defaults and rejects out-of-range values. Unknown or
// nonsensical settings fail at job creation, not at use time.
func (c *JobConfig) Normalize() error {
	if c.MaxThreads <= 0 {
		c.MaxThreads = 10
	}
	if c.MaxThreads > 1000 {
		return fmt.Errorf("max_threads %d exceeds limit of 1000", c.MaxThreads)
	}
	if c.PerHostLimit <= 0 {
		c.PerHostLimit = c.MaxThreads
	}
	if c.PerIPLimit <= 0 {
		c.PerIPLimit = c.MaxThreads
	}
	if c.RPSLimit <= 0 {
		c.RPSLimit = 50
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 30
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 1
	}
	switch c.Protocol {
	case "":
		c.Protocol = ProtocolSMTP
	case ProtocolSMTP, ProtocolIMAP:
	default:
		return fmt.Errorf("unknown protocol %q", c.Protocol)
	}
	return nil
}

// StopConditions is the job-level failure budget watched by the evaluator.
// Zero values disable the corresponding rule.
type StopConditions struct {
	MaxErrors         int  `json:"max_errors"`
	MaxInvalid        int  `json:"max_invalid"`
	ErrorRatePercent  int  `json:"error_rate_percent"`
	TimeLimitMinutes  int  `json:"time_limit_minutes"`
	PauseOnBlacklist  bool `json:"pause_on_blacklist_hit"`
	StopOnBounceSpike bool `json:"stop_on_bounce_spike"`
}

// Job is the unit of work owned by an operator session.
type Job struct {
	ID             string         `json:"id"`
	Tenant         string         `json:"tenant"`
	Status         string         `json:"status"`
	Config         JobConfig      `json:"config"`
	StopConditions StopConditions `json:"stop_conditions"`
	Total          int            `json:"total"`
	StopReason     *string        `json:"stop_reason,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// Terminal reports whether the job can no longer change state. Stopping is
// terminal: once a drain begins the outcome is settled and a later cancel
// must not abort it.
func Terminal(status string) bool {
	switch status {
	case StatusStopping, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CredentialRecord is one email/password pair to verify. Immutable once
// parsed; SequenceIndex defines result ordering and resume position.
type CredentialRecord struct {
	SequenceIndex int    `json:"sequence_index"`
	Email         string `json:"email"`
	Password      string `json:"password"`
	Host          string `json:"host"`
}

// CheckResult is the outcome of exactly one CredentialRecord.
type CheckResult struct {
	JobID          string    `json:"job_id"`
	SequenceIndex  int       `json:"sequence_index"`
	Email          string    `json:"email"`
	Classification string    `json:"classification"`
	StageReached   string    `json:"stage_reached"`
	ErrorKind      *string   `json:"error_kind,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	LatencyMs      int64     `json:"latency_ms"`
	Timestamp      time.Time `json:"timestamp"`
}

// ProgressSnapshot is a point-in-time view derived from the result stream.
type ProgressSnapshot struct {
	Total      int     `json:"total"`
	Checked    int     `json:"checked"`
	Valid      int     `json:"valid"`
	Invalid    int     `json:"invalid"`
	Errors     int     `json:"errors"`
	Percentage float64 `json:"percentage"`
	Speed      float64 `json:"speed"`
}

// Proxy health states.
const (
	ProxyHealthy  = "healthy"
	ProxyDegraded = "degraded"
	ProxyDead     = "dead"
)

// RejectedLine records a credential line the parser could not use.
type RejectedLine struct {
	Line   int    `json:"line"`
	Raw    string `json:"raw"`
	Reason string `json:"reason"`
}
