// Package eventbus is a small in-memory fanout used to decouple the
// dispatch worker from observers (summaries, future notifiers).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known event types published by the dispatch engine.
const (
	CampaignDone    = "campaign.done"
	CampaignFailed  = "campaign.failed"
	CampaignRepeat  = "campaign.repeat"
	RecipientFailed = "recipient.failed"
)

// Event is a lightweight in-memory signal.
//
// Contract:
//   - Publish never blocks.
//   - Slow subscribers drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// CampaignEvent is the Data payload for campaign.* events.
type CampaignEvent struct {
	CampaignID int64
	OwnerID    int64
	Reason     string
}

// RecipientEvent is the Data payload for recipient.* events.
type RecipientEvent struct {
	CampaignID int64
	TargetID   int64
	Username   string
	Error      string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple fanout bus with no background goroutines.
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
	// Snapshot so Publish holds no lock while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking; a concurrently closed channel panics, so recover.
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
			close(ch)
		})
	}
	return ch, unsub
}
