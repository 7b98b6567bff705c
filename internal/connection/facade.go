// Package connection is the boundary the CLI and HTTP shells call. It owns the
// one serial session, runs operations one at a time against it and turns every
// failure into a *fault.Error.
package connection

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"fwlink/internal/config"
	"fwlink/internal/fault"
	"fwlink/internal/logx"
	"fwlink/internal/ports"
	"fwlink/internal/session"
	"fwlink/internal/update"

	"github.com/google/uuid"
)

// Lister enumerates serial ports.
type Lister interface {
	List(ctx context.Context) []ports.PortDescriptor
	Lookup(ctx context.Context, path string) (ports.PortDescriptor, bool)
}

// Options wires a Facade. Nil fields fall back to the real serial stack.
type Options struct {
	Ports       Lister
	Opener      session.Opener
	Source      update.Source
	Update      update.Options
	Baud        int
	OpenTimeout time.Duration
	ReadTimeout time.Duration
	EventBuffer int
}

// Status is a snapshot of the facade for shells.
type Status struct {
	State      session.State `json:"state"`
	Port       string        `json:"port,omitempty"`
	Generation string        `json:"generation,omitempty"`
	Operation  string        `json:"operation,omitempty"`
	Pending    string        `json:"pending,omitempty"`
}

// Facade serializes operations on the single session.
type Facade struct {
	ports  Lister
	sess   *session.Session
	coord  *update.Coordinator
	baud   int
	events *broker
	ops    *opCanceler

	// slot admits one operation at a time; waiters queue on it.
	slot chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func New(opts Options) *Facade {
	if opts.Ports == nil {
		opts.Ports = ports.New()
	}
	if opts.Opener == nil {
		opts.Opener = session.SerialOpener{}
	}
	if opts.Baud <= 0 {
		opts.Baud = config.BaudRate
	}
	f := &Facade{
		ports:  opts.Ports,
		coord:  update.New(opts.Source, opts.Update),
		baud:   opts.Baud,
		events: newBroker(opts.EventBuffer),
		ops:    newOpCanceler(),
		slot:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	f.sess = session.New(opts.Opener, session.Options{
		OpenTimeout: opts.OpenTimeout,
		ReadTimeout: opts.ReadTimeout,
		OnFault:     f.onFault,
		OnState:     f.onState,
	})
	return f
}

// NewFromConfig builds a Facade on the real serial stack from cfg.
func NewFromConfig(cfg *config.Config) (*Facade, error) {
	src, err := update.NewSource(cfg.Source)
	if err != nil {
		return nil, err
	}
	return New(Options{
		Source:      src,
		Update:      update.OptionsFromConfig(cfg),
		Baud:        config.BaudRate,
		OpenTimeout: cfg.Timeouts.Open.D(),
	}), nil
}

func (f *Facade) onState(st session.State) {
	logx.Debugf("connection: state %s", st)
	f.events.deliver(Event{Kind: StateChanged, State: st, Port: f.sess.Descriptor().Path})
}

func (f *Facade) onFault(err error) {
	port := f.sess.Descriptor().Path
	logx.Warnf("connection: lost %s: %v", port, err)
	f.events.deliver(Event{Kind: ConnectionLost, State: session.Faulted, Port: port, Err: err})
}

// acquire waits for the operation slot. The returned func releases it.
func (f *Facade) acquire(ctx context.Context, op string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Normalize(op, err)
	}
	select {
	case <-f.done:
		return nil, fault.Newf(op, fault.NotConnected, "connection closed")
	default:
	}
	select {
	case f.slot <- struct{}{}:
		return func() { <-f.slot }, nil
	case <-ctx.Done():
		return nil, fault.Normalize(op, fmt.Errorf("waiting for the running operation: %w", ctx.Err()))
	case <-f.done:
		return nil, fault.Newf(op, fault.NotConnected, "connection closed")
	}
}

// ListPorts returns the paths of the visible serial ports. It does not touch
// the session and never fails.
func (f *Facade) ListPorts(ctx context.Context) []string {
	return ports.Paths(f.ports.List(ctx))
}

// ListPortDetails returns the full descriptors of the visible ports.
func (f *Facade) ListPortDetails(ctx context.Context) []ports.PortDescriptor {
	return f.ports.List(ctx)
}

// Connect opens the session on path at the fixed baud rate. Connecting to the
// port that is already open succeeds without reopening.
func (f *Facade) Connect(ctx context.Context, path string) (bool, error) {
	const op = "connect"
	path = strings.TrimSpace(path)
	if path == "" {
		return false, fault.Newf(op, fault.PortUnavailable, "no port given")
	}
	release, err := f.acquire(ctx, op)
	if err != nil {
		return false, err
	}
	defer release()

	if f.sess.State() == session.Open && f.sess.Descriptor().Path == path {
		return true, nil
	}
	desc, ok := f.ports.Lookup(ctx, path)
	if !ok {
		// not every platform lists every device node
		desc = ports.PortDescriptor{Path: path}
	}
	if err := f.sess.Open(ctx, desc, f.baud); err != nil {
		return false, fault.Normalize(op, err)
	}
	logx.Infof("connection: connected to %s at %d baud", path, f.baud)
	return true, nil
}

// Disconnect closes the session. It succeeds when nothing is open.
func (f *Facade) Disconnect(ctx context.Context) (bool, error) {
	const op = "disconnect"
	release, err := f.acquire(ctx, op)
	if err != nil {
		return false, err
	}
	defer release()

	port := f.sess.Descriptor().Path
	wasActive := f.sess.State() != session.Idle
	if err := f.sess.Close(); err != nil {
		// the handle is gone either way
		logx.Warnf("connection: closing %s: %v", port, err)
	}
	f.coord.ClearPending()
	if wasActive {
		logx.Infof("connection: disconnected from %s", port)
	}
	return true, nil
}

// DeviceVersion performs the version handshake with the connected device.
func (f *Facade) DeviceVersion(ctx context.Context) (string, error) {
	const op = "version"
	release, err := f.acquire(ctx, op)
	if err != nil {
		return "", err
	}
	defer release()

	v, err := f.coord.DeviceVersion(ctx, f.sess)
	if err != nil {
		return "", fault.Normalize(op, err)
	}
	return v, nil
}

// CheckForUpdates asks the coordinator whether newer firmware exists.
func (f *Facade) CheckForUpdates(ctx context.Context) (update.CheckResult, error) {
	const op = "check"
	release, err := f.acquire(ctx, op)
	if err != nil {
		return update.CheckResult{}, err
	}
	defer release()

	res, err := f.coord.CheckForUpdates(ctx, f.sess)
	if err != nil {
		return update.CheckResult{}, fault.Normalize(op, err)
	}
	return res, nil
}

// InstallUpdate installs the pending update. Progress is published as events;
// CancelInstall stops it.
func (f *Facade) InstallUpdate(ctx context.Context) (update.InstallResult, error) {
	return f.runInstall(ctx, "install", f.coord.InstallUpdate)
}

// Rollback restores the newest firmware backup.
func (f *Facade) Rollback(ctx context.Context) (update.InstallResult, error) {
	return f.runInstall(ctx, "rollback", f.coord.Rollback)
}

type installFunc func(ctx context.Context, link update.Link, progress update.ProgressFunc) (update.InstallResult, error)

func (f *Facade) runInstall(ctx context.Context, op string, fn installFunc) (update.InstallResult, error) {
	release, err := f.acquire(ctx, op)
	if err != nil {
		return update.InstallResult{}, err
	}
	defer release()

	ctx, cancel := f.cancellable(ctx, op)
	defer cancel()

	res, err := fn(ctx, f.sess, f.progress)
	if err != nil {
		return update.InstallResult{}, fault.Normalize(op, err)
	}
	return res, nil
}

// Backup saves the device firmware and returns the backup file path.
func (f *Facade) Backup(ctx context.Context) (string, error) {
	const op = "backup"
	release, err := f.acquire(ctx, op)
	if err != nil {
		return "", err
	}
	defer release()

	ctx, cancel := f.cancellable(ctx, op)
	defer cancel()

	path, err := f.coord.Backup(ctx, f.sess)
	if err != nil {
		return "", fault.Normalize(op, err)
	}
	return path, nil
}

func (f *Facade) cancellable(ctx context.Context, op string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	unregister := f.ops.register(uuid.NewString(), op, cancel)
	return ctx, func() {
		unregister()
		cancel()
	}
}

func (f *Facade) progress(p update.Progress) {
	f.events.deliver(Event{Kind: Progress, State: session.Open, Port: f.sess.Descriptor().Path, Progress: p})
}

// CancelInstall cancels a running install, rollback or backup. It does not
// wait for the operation slot and reports whether anything was running.
func (f *Facade) CancelInstall() bool {
	n := f.ops.cancelAll()
	if n > 0 {
		logx.Infof("connection: cancel requested")
	}
	return n > 0
}

// WriteLine sends one raw line to the device.
func (f *Facade) WriteLine(ctx context.Context, text string) error {
	const op = "write"
	release, err := f.acquire(ctx, op)
	if err != nil {
		return err
	}
	defer release()
	return fault.Normalize(op, f.sess.WriteLine(text))
}

// Monitor subscribes to every line the device sends. The subscription ends
// when the session closes; callers Close it when done.
func (f *Facade) Monitor() (*session.Subscription, error) {
	sub, err := f.sess.Subscribe()
	if err != nil {
		return nil, fault.Normalize("monitor", err)
	}
	return sub, nil
}

// State returns the session state.
func (f *Facade) State() session.State { return f.sess.State() }

// Port returns the path of the active session, or "" when Idle.
func (f *Facade) Port() string {
	if f.sess.State() == session.Idle {
		return ""
	}
	return f.sess.Descriptor().Path
}

// Status returns a snapshot for display.
func (f *Facade) Status() Status {
	st := Status{
		State:      f.sess.State(),
		Port:       f.Port(),
		Generation: f.sess.Generation(),
		Operation:  f.ops.running(),
	}
	if rel, ok := f.coord.Pending(st.Generation); ok {
		st.Pending = rel.Version
	}
	return st
}

// SourceName names the configured update source.
func (f *Facade) SourceName() string { return f.coord.Source().Name() }

// Subscribe returns a stream of events and a func that ends it.
func (f *Facade) Subscribe() (<-chan Event, func()) {
	id, ch := f.events.register()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			if id != "" {
				f.events.unregister(id)
			}
		})
	}
}

// Close cancels running operations, closes the session and ends every event
// stream. The facade is unusable afterwards.
func (f *Facade) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		f.ops.cancelAll()
		// let a cancelled install finish before closing under it
		select {
		case f.slot <- struct{}{}:
		case <-time.After(2 * time.Second):
			logx.Warnf("connection: operation still running at close")
		}
		if cerr := f.sess.Close(); cerr != nil {
			err = fault.Normalize("close", cerr)
		}
		f.events.close()
	})
	return err
}
