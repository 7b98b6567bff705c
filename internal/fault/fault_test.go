package fault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorUnwrapsSentinelAndCause(t *testing.T) {
	err := New("session.open", PortUnavailable, io.ErrUnexpectedEOF)

	assert.ErrorIs(t, err, ErrPortUnavailable)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "session.open: port unavailable: unexpected EOF", err.Error())
}

func TestErrorMessageWithoutCause(t *testing.T) {
	err := New("update.install", UpdateNotPending, nil)
	assert.Equal(t, "update.install: no update pending", err.Error())
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Unknown},
		{"typed", New("op", Integrity, nil), Integrity},
		{"wrapped typed", fmt.Errorf("outer: %w", New("op", Timeout, nil)), Timeout},
		{"sentinel", fmt.Errorf("x: %w", ErrNotConnected), NotConnected},
		{"deadline", context.DeadlineExceeded, Timeout},
		{"canceled", fmt.Errorf("wait: %w", context.Canceled), Cancelled},
		{"plain", errors.New("boom"), Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestNormalize(t *testing.T) {
	assert.NoError(t, Normalize("op", nil))

	err := Normalize("connection.connect", errors.New("read /dev/ttyUSB0: input/output error"))
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, Transport, fe.Kind)
	assert.Equal(t, "connection.connect", fe.Op)

	orig := New("session.write", NotConnected, nil)
	assert.Same(t, orig, Normalize("connection.check", orig))

	err = Normalize("connection.install", context.Canceled)
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, Cancelled, fe.Kind)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "port_unavailable", PortUnavailable.String())
	assert.Equal(t, "kind_42", Kind(42).String())
}
