// Package session owns the one serial transport to the device: it opens and
// closes it, frames inbound bytes into lines for subscribers, writes command
// lines, and reports faults that happen while nobody is calling in.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"fwlink/internal/fault"
	"fwlink/internal/logx"
	"fwlink/internal/ports"

	"github.com/google/uuid"
)

const (
	DefaultDelimiter   = "\r\n"
	DefaultOpenTimeout = 5 * time.Second
	DefaultReadTimeout = 250 * time.Millisecond
	DefaultMaxLine     = 4096

	subscriberBuffer = 256
	readBufferSize   = 256
	// consecutive instant empty reads before the port is treated as gone
	emptyReadLimit = 64
)

// ErrInvalidLine is returned when a line to write contains a line break.
var ErrInvalidLine = errors.New("line contains a line break")

// ErrWriteFailed indicates the port accepted zero bytes.
var ErrWriteFailed = errors.New("failed to write to serial port")

// Options configures a Session. Zero values fall back to defaults.
type Options struct {
	OpenTimeout time.Duration
	ReadTimeout time.Duration
	Delimiter   string
	MaxLine     int

	// OnFault is called asynchronously when the transport fails while Open.
	OnFault func(err error)
	// OnState is called after every state transition, outside the session lock.
	OnState func(State)
}

// Session is a single serial connection. The zero state is Idle; a Session can
// be opened again after it returns to Idle.
type Session struct {
	opener Opener
	opts   Options

	mu        sync.Mutex
	state     State
	desc      ports.PortDescriptor
	baud      int
	conn      *conn
	gen       string
	cause     error
	faultFrom *conn
	openAbort chan struct{}
	// inflight is closed once the latest driver open has settled: its port
	// is either owned by a conn or closed again.
	inflight chan struct{}
	subs     map[string]*Subscription

	writeMu sync.Mutex
}

type conn struct {
	port      Port
	path      string
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// release closes the transport exactly once.
func (c *conn) release() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		logx.Debugf("serial: closing port %s", c.path)
		c.closeErr = c.port.Close()
	})
	return c.closeErr
}

// New returns an idle Session using opener.
func New(opener Opener, opts Options) *Session {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = DefaultOpenTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.Delimiter == "" {
		opts.Delimiter = DefaultDelimiter
	}
	if opts.MaxLine <= 0 {
		opts.MaxLine = DefaultMaxLine
	}
	return &Session{
		opener: opener,
		opts:   opts,
		subs:   make(map[string]*Subscription),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Descriptor returns the port of the current or last session.
func (s *Session) Descriptor() ports.PortDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc
}

// Baud returns the baud rate of the current or last session.
func (s *Session) Baud() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baud
}

// Generation identifies the current open session; it changes on every
// successful Open and is empty when not Open.
func (s *Session) Generation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Open {
		return ""
	}
	return s.gen
}

// Open connects to desc at baud. It is valid only from Idle. The open is
// bounded by ctx and the configured open timeout.
func (s *Session) Open(ctx context.Context, desc ports.PortDescriptor, baud int) error {
	const op = "session.open"

	s.mu.Lock()
	if s.state != Idle {
		if err := s.consumeFaultLocked(op); err != nil {
			s.mu.Unlock()
			s.notify(Idle)
			return err
		}
		st, path := s.state, s.desc.Path
		s.mu.Unlock()
		return fault.Newf(op, fault.PortUnavailable, "session already %s on %s", st, path)
	}
	abort := make(chan struct{})
	prev := s.inflight
	settled := make(chan struct{})
	s.inflight = settled
	s.state = Opening
	s.desc = desc
	s.baud = baud
	s.openAbort = abort
	s.mu.Unlock()
	s.notify(Opening)

	timer := time.NewTimer(s.opts.OpenTimeout)
	defer timer.Stop()

	// An open abandoned by Close or a timeout may still hold the device.
	if err := s.awaitSettled(ctx, op, desc.Path, prev, abort, timer.C); err != nil {
		go func() {
			<-prev
			close(settled)
		}()
		return s.failOpen(abort, err)
	}
	settle := sync.OnceFunc(func() { close(settled) })

	ch := make(chan openResult, 1)
	go func() {
		p, err := s.opener.Open(desc.Path, baud)
		ch <- openResult{port: p, err: err}
	}()

	var res openResult
	select {
	case res = <-ch:
	case <-timer.C:
		abandonOpen(ch, settle)
		return s.failOpen(abort, fault.Newf(op, fault.Timeout, "open %s: no response after %s", desc.Path, s.opts.OpenTimeout))
	case <-ctx.Done():
		abandonOpen(ch, settle)
		return s.failOpen(abort, fault.Normalize(op, ctx.Err()))
	case <-abort:
		abandonOpen(ch, settle)
		return fault.Newf(op, fault.Cancelled, "open %s aborted by close", desc.Path)
	}

	if res.err != nil {
		settle()
		return s.failOpen(abort, classifyOpenError(desc.Path, res.err))
	}
	if rt, ok := res.port.(ReadTimeouter); ok {
		if err := rt.SetReadTimeout(s.opts.ReadTimeout); err != nil {
			_ = res.port.Close()
			settle()
			return s.failOpen(abort, fault.New(op, fault.Transport, fmt.Errorf("set read timeout: %w", err)))
		}
	}

	s.mu.Lock()
	if s.state != Opening || s.openAbort != abort {
		s.mu.Unlock()
		_ = res.port.Close()
		settle()
		return fault.Newf(op, fault.Cancelled, "open %s aborted by close", desc.Path)
	}
	settle()
	c := &conn{
		port: res.port,
		path: desc.Path,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	s.conn = c
	s.state = Open
	s.gen = uuid.NewString()
	s.openAbort = nil
	s.mu.Unlock()

	logx.Infof("serial: connected to %s at %d baud", desc.Path, baud)
	s.notify(Open)
	go s.readLoop(c)
	return nil
}

type openResult struct {
	port Port
	err  error
}

// abandonOpen closes a port that finishes opening after the caller gave up,
// then marks the open settled.
func abandonOpen(ch <-chan openResult, settle func()) {
	go func() {
		r := <-ch
		if r.err == nil && r.port != nil {
			_ = r.port.Close()
		}
		settle()
	}()
}

// awaitSettled waits for the previous driver open, if any, to finish.
func (s *Session) awaitSettled(ctx context.Context, op, path string, prev, abort chan struct{}, deadline <-chan time.Time) error {
	if prev == nil || isClosed(prev) {
		return nil
	}
	logx.Debugf("serial: waiting for an abandoned open of %s to finish", path)
	select {
	case <-prev:
		return nil
	case <-deadline:
		return fault.Newf(op, fault.PortUnavailable, "open %s: previous open still in progress after %s", path, s.opts.OpenTimeout)
	case <-ctx.Done():
		return fault.Normalize(op, ctx.Err())
	case <-abort:
		return fault.Newf(op, fault.Cancelled, "open %s aborted by close", path)
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// failOpen passes through Faulted back to Idle. The open call itself reports
// err, so no fault is left pending.
func (s *Session) failOpen(abort chan struct{}, err error) error {
	s.mu.Lock()
	if s.openAbort != abort {
		// Close already moved the session on.
		s.mu.Unlock()
		return err
	}
	path := s.desc.Path
	s.state = Faulted
	s.openAbort = nil
	s.mu.Unlock()
	s.notify(Faulted)

	s.mu.Lock()
	s.state = Idle
	s.mu.Unlock()
	s.notify(Idle)
	logx.Debugf("serial: open %s failed: %v", path, err)
	return err
}

// Close releases the transport and returns to Idle. Closing an Idle session
// is a successful no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	switch s.state {
	case Idle, Closing:
		s.mu.Unlock()
		return nil
	case Opening:
		close(s.openAbort)
		s.openAbort = nil
		s.state = Idle
		s.mu.Unlock()
		s.notify(Idle)
		return nil
	}
	c := s.conn
	s.conn = nil
	s.state = Closing
	s.cause = nil
	subs := s.detachSubsLocked()
	s.mu.Unlock()
	s.notify(Closing)

	if c != nil {
		if err := c.release(); err != nil {
			logx.Warnf("serial: close %s: %v", c.path, err)
		}
		select {
		case <-c.done:
		case <-time.After(s.opts.ReadTimeout + time.Second):
			logx.Warnf("serial: reader for %s did not stop", c.path)
		}
	}
	terminate(subs, fault.New("session.read", fault.NotConnected, errors.New("session closed")))

	s.mu.Lock()
	s.state = Idle
	s.gen = ""
	s.mu.Unlock()
	logx.Infof("serial: disconnected")
	s.notify(Idle)
	return nil
}

// WriteLine writes text followed by the delimiter. It requires Open.
func (s *Session) WriteLine(text string) error {
	const op = "session.write"

	c, err := s.activeConn(op)
	if err != nil {
		return err
	}
	text = strings.TrimRight(text, "\r\n")
	if strings.ContainsAny(text, "\r\n") {
		return fault.New(op, fault.Transport, ErrInvalidLine)
	}
	data := []byte(text + s.opts.Delimiter)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for len(data) > 0 {
		n, err := c.port.Write(data)
		if err == nil && n == 0 {
			err = ErrWriteFailed
		}
		if err != nil {
			s.faultConn(c, err)
			s.ackFault(c)
			return fault.New(op, fault.Transport, err)
		}
		data = data[n:]
	}
	return nil
}

// CheckOpen returns nil when the session is Open and the error a session
// call would fail with otherwise.
func (s *Session) CheckOpen(op string) error {
	_, err := s.activeConn(op)
	return err
}

func (s *Session) activeConn(op string) (*conn, error) {
	s.mu.Lock()
	if s.state == Open && s.conn != nil {
		c := s.conn
		s.mu.Unlock()
		return c, nil
	}
	if err := s.consumeFaultLocked(op); err != nil {
		s.mu.Unlock()
		s.notify(Idle)
		return nil, err
	}
	s.mu.Unlock()
	return nil, fault.New(op, fault.NotConnected, nil)
}

// consumeFaultLocked reports a pending transport fault once and returns the
// session to Idle. The transport was already released when the fault hit.
func (s *Session) consumeFaultLocked(op string) error {
	if s.state != Faulted || s.cause == nil {
		return nil
	}
	cause := s.cause
	s.cause = nil
	s.state = Idle
	s.gen = ""
	return fault.New(op, fault.Transport, cause)
}

// ackFault drops the pending fault raised on c when the current call already
// reports it.
func (s *Session) ackFault(c *conn) {
	s.mu.Lock()
	if s.state != Faulted || s.faultFrom != c {
		s.mu.Unlock()
		return
	}
	s.cause = nil
	s.state = Idle
	s.gen = ""
	s.mu.Unlock()
	s.notify(Idle)
}

func (s *Session) readLoop(c *conn) {
	defer close(c.done)

	fr := newFramer(s.opts.Delimiter, s.opts.MaxLine)
	buf := make([]byte, readBufferSize)
	empty := 0
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		start := time.Now()
		n, err := c.port.Read(buf)
		if n > 0 {
			empty = 0
			for _, line := range fr.Feed(buf[:n]) {
				s.publish(c, line)
			}
		}
		if err != nil {
			select {
			case <-c.stop:
				return
			default:
			}
			logx.Debugf("serial: receive error on %s: %v", c.path, err)
			s.faultConn(c, err)
			return
		}
		if n == 0 {
			// A timed-out read takes about ReadTimeout; instant empty reads
			// mean the device went away without the driver reporting it.
			if time.Since(start) < s.opts.ReadTimeout/4 {
				empty++
				if empty >= emptyReadLimit {
					s.faultConn(c, fmt.Errorf("read %s: %w", c.path, io.ErrUnexpectedEOF))
					return
				}
			} else {
				empty = 0
			}
		}
	}
}

// faultConn moves an Open session to Faulted because of a transport error,
// releasing the handle and ending every subscription.
func (s *Session) faultConn(c *conn, cause error) {
	s.mu.Lock()
	if s.conn != c || s.state != Open {
		s.mu.Unlock()
		return
	}
	s.state = Faulted
	s.cause = cause
	s.faultFrom = c
	s.conn = nil
	subs := s.detachSubsLocked()
	s.mu.Unlock()

	logx.Warnf("serial: connection to %s lost: %v", c.path, cause)
	if err := c.release(); err != nil {
		logx.Debugf("serial: close after fault: %v", err)
	}
	terminate(subs, fault.New("session.read", fault.Transport, cause))
	s.notify(Faulted)
	if s.opts.OnFault != nil {
		go s.opts.OnFault(fault.New("session", fault.Transport, cause))
	}
}

func (s *Session) notify(st State) {
	if s.opts.OnState != nil {
		s.opts.OnState(st)
	}
}
