package logstream

import (
	"fmt"
	"sync"
	"time"

	"github.com/MailerSuite/Final-sub004/internal/models"
)

// Event categories shown to live observers.
const (
	CategoryDelivery = "DELIVERY"
	CategoryAuth     = "AUTH"
	CategoryError    = "ERROR"
	CategoryQueue    = "QUEUE"
	CategoryBounce   = "BOUNCE"
)

// Event is one human-readable log line. It is a projection of the result
// stream, not a substitute for the authoritative snapshot or result
// endpoints.
type Event struct {
	Category  string    `json:"category"`
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher fans job events out to any number of subscribers. Slow
// subscribers lose events rather than stalling the engine.
type Publisher struct {
	mu   sync.Mutex
	subs map[string]map[int]chan Event
	next int
}

// NewPublisher builds an empty publisher.
func NewPublisher() *Publisher {
	return &Publisher{subs: make(map[string]map[int]chan Event)}
}

// Subscribe registers an observer for a job's events. The returned cancel
// func must be called when the observer goes away.
func (p *Publisher) Subscribe(jobID string) (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Event, 256)
	if p.subs[jobID] == nil {
		p.subs[jobID] = make(map[int]chan Event)
	}
	id := p.next
	p.next++
	p.subs[jobID][id] = ch

	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if set, ok := p.subs[jobID]; ok {
			if c, ok := set[id]; ok {
				delete(set, id)
				close(c)
			}
			if len(set) == 0 {
				delete(p.subs, jobID)
			}
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of jobID without blocking.
func (p *Publisher) Publish(jobID string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs[jobID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// PublishResult projects a CheckResult into a categorized log line.
func (p *Publisher) PublishResult(res models.CheckResult) {
	var ev Event
	switch res.Classification {
	case models.ClassValid:
		cat := CategoryAuth
		if res.StageReached == models.StageInboxProbed {
			cat = CategoryDelivery
		}
		ev = Event{Category: cat, Line: fmt.Sprintf("%s OK (%s, %dms)", res.Email, res.StageReached, res.LatencyMs)}
	case models.ClassInvalid:
		ev = Event{Category: CategoryAuth, Line: fmt.Sprintf("%s rejected: %s", res.Email, res.Detail)}
	default:
		kind := ""
		if res.ErrorKind != nil {
			kind = *res.ErrorKind
		}
		ev = Event{Category: CategoryError, Line: fmt.Sprintf("%s %s: %s", res.Email, kind, res.Detail)}
	}
	ev.Timestamp = res.Timestamp
	p.Publish(res.JobID, ev)
}
