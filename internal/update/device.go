package update

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fwlink/internal/chunks"
	"fwlink/internal/fault"
	"fwlink/internal/logx"
	"fwlink/internal/protofmt"
	"fwlink/internal/session"
)

// Link is the open session the coordinator talks through.
type Link interface {
	CheckOpen(op string) error
	Generation() string
	Subscribe() (*session.Subscription, error)
	WriteLine(text string) error
}

// ErrDeviceRejected is the cause when the device answers ERR or refuses a chunk.
var ErrDeviceRejected = errors.New("device rejected image")

// dialog is a command/reply exchange. The subscription is taken before any
// command is written so replies cannot be missed.
type dialog struct {
	link Link
	sub  *session.Subscription
}

func openDialog(op string, link Link) (*dialog, error) {
	sub, err := link.Subscribe()
	if err != nil {
		return nil, fault.Normalize(op, err)
	}
	return &dialog{link: link, sub: sub}, nil
}

func (d *dialog) close() { d.sub.Close() }

func (d *dialog) send(op, line string) error {
	logx.Debugf("update: -> %q", truncate(line, 48))
	if err := d.link.WriteLine(line); err != nil {
		return fault.Normalize(op, err)
	}
	return nil
}

// matcher decides whether a reply completes the wait. Returning an error ends
// the wait with that error.
type matcher func(protofmt.Reply) (bool, error)

// await waits for the first reply accepted by match. Lines that do not parse
// or that match rejects are skipped.
func (d *dialog) await(ctx context.Context, op, what string, timeout time.Duration, match matcher) (protofmt.Reply, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case line, ok := <-d.sub.C():
			if !ok {
				return protofmt.Reply{}, fault.Normalize(op, d.sub.Err())
			}
			r, ok := protofmt.ParseReply(line)
			if !ok {
				logx.Debugf("update: ignoring device line %q while waiting for %s", truncate(line, 48), what)
				continue
			}
			done, err := match(r)
			if err != nil {
				return r, err
			}
			if done {
				return r, nil
			}
			logx.Debugf("update: ignoring %s while waiting for %s", r.Kind, what)
		case <-timer.C:
			return protofmt.Reply{}, fault.Newf(op, fault.Timeout, "no %s from device within %s", what, timeout)
		case <-ctx.Done():
			return protofmt.Reply{}, fault.Normalize(op, ctx.Err())
		}
	}
}

// expect matches a reply kind and turns ERR into a device rejection.
func expect(op string, kind protofmt.ReplyKind) matcher {
	return func(r protofmt.Reply) (bool, error) {
		switch r.Kind {
		case kind:
			return true, nil
		case protofmt.ReplyErr:
			return false, fault.New(op, fault.Transport, rejection(r.Reason))
		}
		return false, nil
	}
}

func rejection(reason string) error {
	if reason == "" {
		return ErrDeviceRejected
	}
	return fmt.Errorf("%w: %s", ErrDeviceRejected, reason)
}

// ackWaiter returns a chunks.Waiter that waits for ACK or NAK of seq.
func (d *dialog) ackWaiter(op string, timeout time.Duration) chunks.Waiter {
	return func(ctx context.Context, seq int) error {
		_, err := d.await(ctx, op, fmt.Sprintf("ACK %d", seq), timeout, func(r protofmt.Reply) (bool, error) {
			switch r.Kind {
			case protofmt.ReplyAck:
				if r.Seq == seq {
					return true, nil
				}
				logx.Debugf("update: ignoring mismatched ack want=%d got=%d", seq, r.Seq)
			case protofmt.ReplyNak:
				if r.Seq == seq {
					return false, fmt.Errorf("seq %d %s: %w", seq, r.Reason, chunks.ErrNak)
				}
			case protofmt.ReplyErr:
				return false, fault.New(op, fault.Transport, rejection(r.Reason))
			}
			return false, nil
		})
		if fault.Is(err, fault.Timeout) {
			return fmt.Errorf("seq %d: %w", seq, chunks.ErrAckTimeout)
		}
		return err
	}
}

// queryVersion asks the device for its firmware version.
func queryVersion(ctx context.Context, op string, link Link, timeout time.Duration) (string, error) {
	d, err := openDialog(op, link)
	if err != nil {
		return "", err
	}
	defer d.close()
	if err := d.send(op, protofmt.MakeVersionQuery()); err != nil {
		return "", err
	}
	r, err := d.await(ctx, op, "version", timeout, expect(op, protofmt.ReplyVersion))
	if err != nil {
		return "", err
	}
	return r.Version, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
