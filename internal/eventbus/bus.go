// Package eventbus fans campaign lifecycle events out to in-process
// subscribers. Any progress surface (SSE bridge, poller, log tail) can
// subscribe; none of them is special-cased by the delivery loop itself.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type identifies a campaign lifecycle stage.
type Type string

const (
	CampaignStarted  Type = "campaign.started"
	CampaignProgress Type = "campaign.progress"
	CampaignFinished Type = "campaign.finished"
)

// Counters are the per-recipient tallies of one delivery attempt at the
// moment the event fired.
type Counters struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Event is one campaign lifecycle signal.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type       Type      `json:"type"`
	Time       time.Time `json:"time"`
	CampaignID string    `json:"campaign_id"`
	JobID      string    `json:"job_id,omitempty"`

	Counters Counters `json:"counters"`
	// Progress is the completion percentage (0..100).
	Progress int `json:"progress"`
	// Status is the terminal campaign status; set on finished events only.
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If subscriber is slow, we drop.
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
