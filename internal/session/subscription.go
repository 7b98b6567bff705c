package session

import (
	"context"
	"iter"
	"sync"

	"fwlink/internal/fault"
	"fwlink/internal/logx"

	"github.com/google/uuid"
)

// Subscription receives every line framed after it was created, until the
// session closes or faults, or Close is called.
type Subscription struct {
	id string
	s  *Session
	ch chan string

	mu     sync.Mutex
	err    error
	closed bool
}

// Subscribe registers a new line subscriber. It requires an Open session.
func (s *Session) Subscribe() (*Subscription, error) {
	if _, err := s.activeConn("session.subscribe"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Open {
		return nil, fault.New("session.subscribe", fault.NotConnected, nil)
	}
	sub := &Subscription{
		id: uuid.NewString(),
		s:  s,
		ch: make(chan string, subscriberBuffer),
	}
	s.subs[sub.id] = sub
	return sub, nil
}

// C returns the line channel. It is closed when the subscription ends.
func (sub *Subscription) C() <-chan string { return sub.ch }

// Next blocks for the next line. It fails once the subscription has ended or
// ctx is done.
func (sub *Subscription) Next(ctx context.Context) (line string, err error) {
	select {
	case l, ok := <-sub.ch:
		if !ok {
			return "", sub.Err()
		}
		return l, nil
	case <-ctx.Done():
		return "", fault.Normalize("session.read", ctx.Err())
	}
}

// Err reports why the subscription ended, or nil while it is live.
func (sub *Subscription) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.err
}

// Close unregisters the subscription. It is safe to call more than once.
func (sub *Subscription) Close() {
	sub.s.mu.Lock()
	delete(sub.s.subs, sub.id)
	sub.s.mu.Unlock()
	sub.end(fault.New("session.read", fault.Cancelled, nil))
}

func (sub *Subscription) end(err error) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	sub.err = err
	close(sub.ch)
}

func (sub *Subscription) deliver(line string) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.ch <- line:
	default:
		logx.Debugf("serial: subscriber %s is full, dropping line", sub.id)
	}
}

func (s *Session) publish(c *conn, line string) {
	s.mu.Lock()
	if s.conn != c {
		s.mu.Unlock()
		return
	}
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	logx.Debugf("serial: <- %q", line)
	for _, sub := range subs {
		sub.deliver(line)
	}
}

func (s *Session) detachSubsLocked() []*Subscription {
	subs := make([]*Subscription, 0, len(s.subs))
	for id, sub := range s.subs {
		subs = append(subs, sub)
		delete(s.subs, id)
	}
	return subs
}

func terminate(subs []*Subscription, err error) {
	for _, sub := range subs {
		sub.end(err)
	}
}

// Lines yields framed lines for the current open session. The sequence ends
// when the session closes or faults, when ctx is done, or when the consumer
// stops ranging. Ranging again after a reconnect starts a new sequence.
func (s *Session) Lines(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		sub, err := s.Subscribe()
		if err != nil {
			return
		}
		defer sub.Close()
		for {
			line, err := sub.Next(ctx)
			if err != nil {
				return
			}
			if !yield(line) {
				return
			}
		}
	}
}

// ReadLine waits for the next line on a fresh subscription.
func (s *Session) ReadLine(ctx context.Context) (string, error) {
	sub, err := s.Subscribe()
	if err != nil {
		return "", err
	}
	defer sub.Close()
	return sub.Next(ctx)
}
