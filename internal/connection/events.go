package connection

import (
	"sync"
	"time"

	"fwlink/internal/session"
	"fwlink/internal/update"

	"github.com/google/uuid"
)

// EventKind names what an Event reports.
type EventKind int

const (
	StateChanged EventKind = iota
	ConnectionLost
	Progress
)

func (k EventKind) String() string {
	switch k {
	case StateChanged:
		return "state"
	case ConnectionLost:
		return "connection_lost"
	case Progress:
		return "progress"
	}
	return "unknown"
}

// Event is an asynchronous notification from the facade.
type Event struct {
	Kind     EventKind
	Time     time.Time
	State    session.State
	Port     string
	Err      error
	Progress update.Progress
}

const defaultEventBuffer = 64

// broker fans events out to subscribers. A subscriber that falls behind
// loses events rather than stalling the session; Progress goes first, so
// state changes and connection loss still arrive.
type broker struct {
	mu     sync.Mutex
	subs   map[string]chan Event
	buffer int
	closed bool
}

func newBroker(buffer int) *broker {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &broker{
		subs:   make(map[string]chan Event),
		buffer: buffer,
	}
}

func (b *broker) register() (string, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return "", ch
	}
	id := uuid.NewString()
	b.subs[id] = ch
	return id, ch
}

func (b *broker) unregister(id string) {
	b.mu.Lock()
	ch := b.subs[id]
	if ch != nil {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// deliver sends evt to every subscriber without blocking. It holds the lock
// while sending so unregister cannot close a channel mid-send.
func (b *broker) deliver(evt Event) int {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ch := range b.subs {
		select {
		case ch <- evt:
			n++
			continue
		default:
		}
		if evt.Kind == Progress {
			continue
		}
		// full: drop the oldest queued event to make room
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- evt:
			n++
		default:
		}
	}
	return n
}

func (b *broker) close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]chan Event)
	b.closed = true
	b.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
}
