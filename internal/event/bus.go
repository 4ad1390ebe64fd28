// Package event carries job status transitions to the notification layer.
// Events are sequenced and kept in a bounded in-memory history; consumers
// read past a cursor, so delivery is at-least-once for retained events and
// de-duplication by (job_id, state) is the consumer's job.
package event

import (
	"context"
	"sync"
	"time"
)

// Event is one job status transition.
type Event struct {
	Seq    uint64    `json:"seq"`
	JobID  string    `json:"job_id"`
	State  string    `json:"state"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

const defaultHistory = 4096

// Bus is an in-process fan-out with replayable history.
type Bus struct {
	mu       sync.Mutex
	events   []Event
	nextSeq  uint64
	capacity int
	closed   bool
	subs     map[*subscriber]struct{}
}

type subscriber struct {
	wake chan struct{}
}

func NewBus(historyCap int) *Bus {
	if historyCap <= 0 {
		historyCap = defaultHistory
	}
	return &Bus{
		capacity: historyCap,
		subs:     make(map[*subscriber]struct{}),
	}
}

// Publish appends an event and wakes subscribers. Publishing never blocks on
// slow consumers; they catch up from history.
func (b *Bus) Publish(jobID, state, detail string) Event {
	b.mu.Lock()
	b.nextSeq++
	ev := Event{
		Seq:    b.nextSeq,
		JobID:  jobID,
		State:  state,
		Detail: detail,
		At:     time.Now(),
	}
	b.events = append(b.events, ev)
	if len(b.events) > b.capacity {
		b.events = b.events[len(b.events)-b.capacity:]
	}
	for sub := range b.subs {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
	return ev
}

// Since returns retained events with Seq > after, oldest first.
func (b *Bus) Since(after uint64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := len(b.events)
	for i, ev := range b.events {
		if ev.Seq > after {
			idx = i
			break
		}
	}
	out := make([]Event, len(b.events)-idx)
	copy(out, b.events[idx:])
	return out
}

// LastSeq returns the sequence number of the newest event.
func (b *Bus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq
}

// Subscribe delivers events with Seq > after on the returned channel until
// ctx is done or the bus closes. A consumer that falls behind the retained
// history resumes from the oldest retained event.
func (b *Bus) Subscribe(ctx context.Context, after uint64) <-chan Event {
	sub := &subscriber{wake: make(chan struct{}, 1)}
	b.mu.Lock()
	closed := b.closed
	if !closed {
		b.subs[sub] = struct{}{}
	}
	b.mu.Unlock()

	out := make(chan Event)
	if closed {
		close(out)
		return out
	}

	go func() {
		defer close(out)
		defer func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
		}()
		cursor := after
		for {
			for _, ev := range b.Since(cursor) {
				select {
				case out <- ev:
					cursor = ev.Seq
				case <-ctx.Done():
					return
				}
			}
			b.mu.Lock()
			done := b.closed && b.nextSeq <= cursor
			b.mu.Unlock()
			if done {
				return
			}
			select {
			case <-sub.wake:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Close stops the bus; subscribers drain remaining history and exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for sub := range b.subs {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
}
