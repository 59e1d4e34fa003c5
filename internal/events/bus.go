// Package events fans job lifecycle transitions out to in-process subscribers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"jobservice/internal/domain"
)

// Event describes one committed status transition.
type Event struct {
	JobID         string        `json:"job_id"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	From          domain.Status `json:"from,omitempty"`
	To            domain.Status `json:"to"`
	Retries       int           `json:"retries"`
	Error         string        `json:"error,omitempty"`
	At            time.Time     `json:"at"`
}

// Terminal reports whether the event ends the job's lifecycle.
func (e Event) Terminal() bool { return e.To.Terminal() }

const DefaultBufferSize = 256

// Bus is a publish/subscribe hub. Publish never blocks: a subscriber whose
// buffer is full misses the event and the drop is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	dropped atomic.Int64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Subscribe returns a channel of events and a function that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
			log.Warn().Str("job_id", e.JobID).Str("status", string(e.To)).Msg("event subscriber full, dropping event")
		}
	}
}

// Dropped returns how many deliveries to subscribers were skipped.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }
