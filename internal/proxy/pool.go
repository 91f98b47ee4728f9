package proxy

import (
	"sync/atomic"
	"time"

	"github.com/MailerSuite/Final-sub004/internal/models"
	"github.com/MailerSuite/Final-sub004/internal/telemetry"
)

// Failure thresholds for the health ladder. Three consecutive failures
// demote Healthy to Degraded, three more demote Degraded to Dead.
const (
	degradedAfter = 3
	deadAfter     = 6
)

// Endpoint is one proxy in the pool. Health is derived from the
// consecutive-failure counter so concurrent report calls need no lock.
type Endpoint struct {
	Address string

	consecutiveFailures atomic.Int64
	deadSince           atomic.Int64 // unix nano, 0 while not dead
}

// Health maps the failure counter onto the three health states.
func (e *Endpoint) Health() string {
	n := e.consecutiveFailures.Load()
	switch {
	case n >= deadAfter:
		return models.ProxyDead
	case n >= degradedAfter:
		return models.ProxyDegraded
	default:
		return models.ProxyHealthy
	}
}

// ConsecutiveFailures exposes the raw counter for snapshots.
func (e *Endpoint) ConsecutiveFailures() int {
	return int(e.consecutiveFailures.Load())
}

// Pool is the process-wide rotating proxy set, shared by all jobs.
type Pool struct {
	endpoints []*Endpoint
	cursor    atomic.Uint64
	cooldown  time.Duration
	now       func() time.Time
}

// NewPool builds a pool over the given proxy addresses. Dead endpoints
// re-enter rotation after cooldown.
func NewPool(addresses []string, cooldown time.Duration) *Pool {
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	p := &Pool{cooldown: cooldown, now: time.Now}
	for _, addr := range addresses {
		if addr == "" {
			continue
		}
		p.endpoints = append(p.endpoints, &Endpoint{Address: addr})
	}
	return p
}

// Size returns the number of configured endpoints.
func (p *Pool) Size() int {
	return len(p.endpoints)
}

// Acquire hands out the next usable endpoint round-robin, skipping Dead
// endpoints that are still inside their cooldown window. Returns nil when
// the pool is empty or fully dead; callers fall back to direct connections.
func (p *Pool) Acquire() *Endpoint {
	n := len(p.endpoints)
	if n == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		idx := int(p.cursor.Add(1)-1) % n
		ep := p.endpoints[idx]
		if ep.Health() != models.ProxyDead {
			return ep
		}
		if since := ep.deadSince.Load(); since > 0 && p.now().Sub(time.Unix(0, since)) >= p.cooldown {
			// Cooldown elapsed: give the endpoint one probe attempt.
			ep.deadSince.Store(p.now().UnixNano())
			return ep
		}
	}
	return nil
}

// Report records the outcome of a connection attempt through ep. A success
// resets the failure counter and restores Healthy.
func (p *Pool) Report(ep *Endpoint, success bool) {
	if ep == nil {
		return
	}
	if success {
		if prev := ep.consecutiveFailures.Swap(0); prev >= deadAfter {
			telemetry.ProxyDeadGauge.Dec()
		}
		ep.deadSince.Store(0)
		return
	}
	if n := ep.consecutiveFailures.Add(1); n == deadAfter {
		ep.deadSince.Store(p.now().UnixNano())
		telemetry.ProxyDeadGauge.Inc()
	}
}

// Snapshot reports every endpoint's state for the status API.
func (p *Pool) Snapshot() []EndpointStatus {
	out := make([]EndpointStatus, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		out = append(out, EndpointStatus{
			Address:             ep.Address,
			Health:              ep.Health(),
			ConsecutiveFailures: ep.ConsecutiveFailures(),
		})
	}
	return out
}

// EndpointStatus is the read-only view of one endpoint.
type EndpointStatus struct {
	Address             string `json:"address"`
	Health              string `json:"health"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}
