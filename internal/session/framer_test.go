package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFramerSplitsLines(t *testing.T) {
	f := newFramer("\r\n", 64)

	assert.Equal(t, []string{"VERSION 1.2.0", "OK"}, f.Feed([]byte("VERSION 1.2.0\r\nOK\r\n")))
	assert.Zero(t, f.Pending())
}

func TestFramerBuffersPartialLines(t *testing.T) {
	f := newFramer("\r\n", 64)

	assert.Empty(t, f.Feed([]byte("REA")))
	assert.Empty(t, f.Feed([]byte("DY\r")))
	assert.Equal(t, 6, f.Pending())
	assert.Equal(t, []string{"READY"}, f.Feed([]byte("\nACK")))
	assert.Equal(t, 3, f.Pending())
	assert.Equal(t, []string{"ACK 1"}, f.Feed([]byte(" 1\r\n")))
}

func TestFramerKeepsEmptyLines(t *testing.T) {
	f := newFramer("\r\n", 64)
	assert.Equal(t, []string{"", "x"}, f.Feed([]byte("\r\nx\r\n")))
}

func TestFramerDropsOverlongLine(t *testing.T) {
	f := newFramer("\r\n", 8)

	assert.Empty(t, f.Feed([]byte(strings.Repeat("a", 20))))
	assert.LessOrEqual(t, f.Pending(), 8)
	// the tail of the overlong line is discarded with its delimiter
	assert.Equal(t, []string{"OK"}, f.Feed([]byte("aaa\r\nOK\r\n")))
}

func TestFramerReplacesInvalidUTF8(t *testing.T) {
	f := newFramer("\r\n", 64)
	got := f.Feed([]byte{'v', 0xff, '1', '\r', '\n'})
	assert.Equal(t, []string{"v�1"}, got)
}
