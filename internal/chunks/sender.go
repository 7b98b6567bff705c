package chunks

import (
	"context"
	"errors"
	"fmt"

	"fwlink/internal/logx"

	"golang.org/x/time/rate"
)

// ErrAckTimeout indicates that an acknowledgment was not received before the timeout expired.
var ErrAckTimeout = errors.New("chunk ack timeout")

// ErrNak indicates the device asked for the chunk again.
var ErrNak = errors.New("chunk rejected by device")

// DefaultChunkBytes is used when the caller passes no chunk size.
const DefaultChunkBytes = 64

// LineWriter is the link chunks are written to.
type LineWriter interface {
	WriteLine(text string) error
}

// Builder creates the wire line for a chunk.
type Builder func(seq int, data []byte) string

// Waiter is invoked after each chunk transmission.
// Returning ErrAckTimeout or ErrNak asks the sender to retry (subject to AckRetries).
type Waiter func(ctx context.Context, seq int) error

// Progress is called after every acknowledged chunk with the payload bytes sent so far.
type Progress func(done, total int)

// Sender encapsulates chunk transmission logic with ACK tracking and pacing.
type Sender struct {
	Link    LineWriter
	Builder Builder
	WaitAck Waiter

	AckRetries int
	// Limiter paces writes in bytes per second. Nil means unpaced.
	Limiter    *rate.Limiter
	OnProgress Progress
}

// SendPayload chunks and transmits the entire payload, returning the number of chunks sent.
func (s Sender) SendPayload(ctx context.Context, payload []byte, chunkBytes int) (int, error) {
	if s.Link == nil || s.Builder == nil {
		return 0, errors.New("chunk sender missing link or builder")
	}
	if chunkBytes <= 0 {
		chunkBytes = DefaultChunkBytes
	}

	chunks := Split(payload, chunkBytes)
	done := 0
	for i, chunk := range chunks {
		if err := s.SendChunk(ctx, i, chunk); err != nil {
			return i, err
		}
		done += len(chunk)
		if s.OnProgress != nil {
			s.OnProgress(done, len(payload))
		}
	}
	return len(chunks), nil
}

// SendChunk transmits a single chunk, retrying when the device does not acknowledge it.
func (s Sender) SendChunk(ctx context.Context, seq int, data []byte) error {
	if s.Link == nil || s.Builder == nil {
		return errors.New("chunk sender missing link or builder")
	}
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := s.Builder(seq, data)
		if err := s.pace(ctx, len(msg)+2); err != nil {
			return err
		}
		if err := s.Link.WriteLine(msg); err != nil {
			return err
		}

		var waitErr error
		if s.WaitAck != nil {
			waitErr = s.WaitAck(ctx, seq)
		}
		if waitErr == nil {
			return nil
		}

		retryable := errors.Is(waitErr, ErrAckTimeout) || errors.Is(waitErr, ErrNak)
		if retryable && attempt < s.AckRetries {
			attempt++
			logx.Debugf("chunks resend seq=%d attempt=%d: %v", seq, attempt, waitErr)
			continue
		}
		if retryable {
			return fmt.Errorf("chunk %d after %d attempts: %w", seq, attempt+1, waitErr)
		}
		return waitErr
	}
}

// pace waits until n bytes may be written. Requests larger than the limiter's
// burst are split.
func (s Sender) pace(ctx context.Context, n int) error {
	if s.Limiter == nil {
		return nil
	}
	burst := s.Limiter.Burst()
	if burst <= 0 {
		return nil
	}
	for n > 0 {
		step := min(n, burst)
		if err := s.Limiter.WaitN(ctx, step); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("pace write: %w", err)
		}
		n -= step
	}
	return nil
}

// NewLimiter returns a limiter for bytesPerSecond with a burst of one line of
// up to lineBytes.
func NewLimiter(bytesPerSecond, lineBytes int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), max(lineBytes, 1))
}

// Split cuts b into pieces of at most max bytes. An empty payload yields no chunks.
func Split(b []byte, max int) [][]byte {
	if max <= 0 {
		max = DefaultChunkBytes
	}
	var res [][]byte
	for len(b) > 0 {
		n := max
		if len(b) < n {
			n = len(b)
		}
		res = append(res, b[:n])
		b = b[n:]
	}
	return res
}
