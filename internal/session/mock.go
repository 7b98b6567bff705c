package session

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ErrPortClosed is returned by MockPort after Close.
var ErrPortClosed = errors.New("port closed")

// MockPort is an in-memory Port for tests. Respond, when set, acts as the
// device: it is called with every complete line written to the port and its
// replies are queued for reading.
type MockPort struct {
	Respond func(line string) []string

	mu          sync.Mutex
	wake        chan struct{}
	inbound     []byte
	outbound    []byte
	pending     []byte
	lines       []string
	readTimeout time.Duration
	closed      bool
	closeCount  int
	unplugErr   error
	writeErr    error
}

func NewMockPort() *MockPort {
	return &MockPort{wake: make(chan struct{})}
}

func (m *MockPort) signalLocked() {
	close(m.wake)
	m.wake = make(chan struct{})
}

func (m *MockPort) SetReadTimeout(d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readTimeout = d
	return nil
}

func (m *MockPort) Read(p []byte) (int, error) {
	m.mu.Lock()
	var deadline time.Time
	if m.readTimeout > 0 {
		deadline = time.Now().Add(m.readTimeout)
	}
	for {
		switch {
		case m.closed:
			m.mu.Unlock()
			return 0, ErrPortClosed
		case m.unplugErr != nil:
			err := m.unplugErr
			m.mu.Unlock()
			return 0, err
		case len(m.inbound) > 0:
			n := copy(p, m.inbound)
			m.inbound = m.inbound[n:]
			m.mu.Unlock()
			return n, nil
		}
		wake := m.wake
		m.mu.Unlock()

		if deadline.IsZero() {
			<-wake
		} else {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return 0, nil
			}
			t := time.NewTimer(remaining)
			select {
			case <-wake:
			case <-t.C:
			}
			t.Stop()
		}
		m.mu.Lock()
	}
}

func (m *MockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrPortClosed
	}
	if m.writeErr != nil {
		err := m.writeErr
		m.mu.Unlock()
		return 0, err
	}
	m.outbound = append(m.outbound, p...)
	m.pending = append(m.pending, p...)
	var complete []string
	for {
		i := bytes.Index(m.pending, []byte(DefaultDelimiter))
		if i < 0 {
			break
		}
		complete = append(complete, string(m.pending[:i]))
		m.pending = m.pending[i+len(DefaultDelimiter):]
	}
	m.lines = append(m.lines, complete...)
	respond := m.Respond
	m.mu.Unlock()

	if respond != nil {
		for _, line := range complete {
			for _, reply := range respond(line) {
				m.FeedLine(reply)
			}
		}
	}
	return len(p), nil
}

func (m *MockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCount++
	m.closed = true
	m.signalLocked()
	return nil
}

// Feed queues raw bytes for reading.
func (m *MockPort) Feed(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound = append(m.inbound, data...)
	m.signalLocked()
}

// FeedLine queues line followed by the delimiter.
func (m *MockPort) FeedLine(line string) {
	m.Feed([]byte(line + DefaultDelimiter))
}

// Unplug makes every pending and future read fail with err.
func (m *MockPort) Unplug(err error) {
	if err == nil {
		err = fmt.Errorf("device disconnected: %w", os.ErrClosed)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unplugErr = err
	m.signalLocked()
}

// SetWriteError makes future writes fail with err.
func (m *MockPort) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// Written returns every byte written so far.
func (m *MockPort) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Clone(m.outbound)
}

// WrittenLines returns the complete lines written so far, without delimiters.
func (m *MockPort) WrittenLines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lines...)
}

func (m *MockPort) CloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCount
}

func (m *MockPort) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockPort) reopen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = false
	m.unplugErr = nil
	m.writeErr = nil
	m.inbound = nil
	m.pending = nil
}

// MockOpener opens MockPorts by path. Paths not in Ports fail the way a
// missing device node does.
type MockOpener struct {
	Ports map[string]*MockPort
	// Err, when set, fails every open.
	Err error
	// Block, when set, holds every open until it is closed.
	Block chan struct{}

	mu    sync.Mutex
	calls []string
}

func NewMockOpener(paths ...string) *MockOpener {
	o := &MockOpener{Ports: make(map[string]*MockPort)}
	for _, p := range paths {
		o.Ports[p] = NewMockPort()
	}
	return o
}

func (o *MockOpener) Open(path string, baud int) (Port, error) {
	o.mu.Lock()
	o.calls = append(o.calls, path)
	block, openErr := o.Block, o.Err
	port, ok := o.Ports[path]
	o.mu.Unlock()

	if block != nil {
		<-block
	}
	if openErr != nil {
		return nil, openErr
	}
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, os.ErrNotExist)
	}
	port.reopen()
	return port, nil
}

// Calls returns the paths passed to Open.
func (o *MockOpener) Calls() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.calls...)
}
