package lifecycle

import (
	"sync"
	"time"

	"github.com/gftdcojp/model-tiers/internal/types"
)

// Event names.
const (
	EventJobStarted   = "job.started"
	EventJobSucceeded = "job.succeeded"
	EventJobFailed    = "job.failed"
	EventEvicted      = "instance.evicted"
)

// Event is a migration job lifecycle event.
type Event struct {
	Name     string    `json:"name"`
	Resource string    `json:"resource"`
	Job      types.Job `json:"job"`
	Time     time.Time `json:"time"`
}

// EventPublisher receives events from the manager. Publish is called outside
// the manager lock and must not block for long.
type EventPublisher interface {
	Publish(Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// MemoryPublisher stores events in memory for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}
