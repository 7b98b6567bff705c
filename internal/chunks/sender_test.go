package chunks

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type recordingLink struct {
	lines []string
	err   error
}

func (l *recordingLink) WriteLine(text string) error {
	if l.err != nil {
		return l.err
	}
	l.lines = append(l.lines, text)
	return nil
}

func build(seq int, data []byte) string {
	return fmt.Sprintf("chunk %d %s", seq, data)
}

func TestSendPayloadSplitsAndReportsProgress(t *testing.T) {
	link := &recordingLink{}
	var progress [][2]int
	s := Sender{
		Link:    link,
		Builder: build,
		WaitAck: func(context.Context, int) error { return nil },
		OnProgress: func(done, total int) {
			progress = append(progress, [2]int{done, total})
		},
	}

	n, err := s.SendPayload(context.Background(), []byte("abcdefghij"), 4)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"chunk 0 abcd", "chunk 1 efgh", "chunk 2 ij"}, link.lines)
	assert.Equal(t, [][2]int{{4, 10}, {8, 10}, {10, 10}}, progress)
}

func TestSendChunkRetriesOnAckTimeout(t *testing.T) {
	link := &recordingLink{}
	calls := 0
	s := Sender{
		Link:    link,
		Builder: build,
		WaitAck: func(context.Context, int) error {
			calls++
			if calls < 3 {
				return ErrAckTimeout
			}
			return nil
		},
		AckRetries: 3,
	}

	require.NoError(t, s.SendChunk(context.Background(), 0, []byte("x")))
	assert.Len(t, link.lines, 3)
}

func TestSendChunkRetriesOnNak(t *testing.T) {
	link := &recordingLink{}
	first := true
	s := Sender{
		Link:    link,
		Builder: build,
		WaitAck: func(context.Context, int) error {
			if first {
				first = false
				return fmt.Errorf("seq 0: %w", ErrNak)
			}
			return nil
		},
		AckRetries: 1,
	}
	require.NoError(t, s.SendChunk(context.Background(), 0, []byte("x")))
	assert.Len(t, link.lines, 2)
}

func TestSendChunkGivesUpAfterRetries(t *testing.T) {
	link := &recordingLink{}
	s := Sender{
		Link:       link,
		Builder:    build,
		WaitAck:    func(context.Context, int) error { return ErrAckTimeout },
		AckRetries: 2,
	}

	err := s.SendChunk(context.Background(), 4, []byte("x"))
	assert.ErrorIs(t, err, ErrAckTimeout)
	assert.Contains(t, err.Error(), "chunk 4 after 3 attempts")
	assert.Len(t, link.lines, 3)
}

func TestSendChunkDoesNotRetryOtherErrors(t *testing.T) {
	rejected := errors.New("device rejected image")
	link := &recordingLink{}
	s := Sender{
		Link:       link,
		Builder:    build,
		WaitAck:    func(context.Context, int) error { return rejected },
		AckRetries: 5,
	}

	assert.ErrorIs(t, s.SendChunk(context.Background(), 0, []byte("x")), rejected)
	assert.Len(t, link.lines, 1)
}

func TestSendPayloadStopsOnWriteError(t *testing.T) {
	link := &recordingLink{err: errors.New("write failed")}
	s := Sender{Link: link, Builder: build}

	n, err := s.SendPayload(context.Background(), []byte("abc"), 1)
	assert.EqualError(t, err, "write failed")
	assert.Zero(t, n)
}

func TestSendPayloadHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	link := &recordingLink{}
	s := Sender{
		Link:    link,
		Builder: build,
		WaitAck: func(context.Context, int) error {
			cancel()
			return nil
		},
	}

	n, err := s.SendPayload(ctx, []byte("abcdef"), 2)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, n)
}

func TestSenderPacesWrites(t *testing.T) {
	link := &recordingLink{}
	s := Sender{
		Link:    link,
		Builder: build,
		// 12 byte writes at 200 B/s with a 10 byte burst
		Limiter: rate.NewLimiter(200, 10),
	}

	start := time.Now()
	_, err := s.SendPayload(context.Background(), []byte("abcdef"), 2)
	require.NoError(t, err)
	// only the first write fits in the initial burst
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestSenderRequiresLink(t *testing.T) {
	_, err := Sender{}.SendPayload(context.Background(), []byte("a"), 1)
	assert.Error(t, err)
}

func TestSplit(t *testing.T) {
	assert.Empty(t, Split(nil, 4))
	assert.Equal(t, [][]byte{[]byte("ab"), []byte("c")}, Split([]byte("abc"), 2))
	assert.Len(t, Split(make([]byte, 130), 0), 3)
}

func TestNewLimiter(t *testing.T) {
	assert.Nil(t, NewLimiter(0, 10))
	l := NewLimiter(960, 100)
	require.NotNil(t, l)
	assert.Equal(t, 100, l.Burst())
}
