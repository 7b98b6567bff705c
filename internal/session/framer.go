package session

import (
	"bytes"
	"strings"

	"fwlink/internal/logx"
)

// framer splits a byte stream into delimiter-terminated lines. Bytes after the
// last delimiter stay buffered until the line is completed.
type framer struct {
	delim    []byte
	max      int
	buf      []byte
	dropping bool
}

func newFramer(delim string, max int) *framer {
	return &framer{delim: []byte(delim), max: max}
}

// Feed appends p and returns every line completed by it, without delimiters.
func (f *framer) Feed(p []byte) []string {
	f.buf = append(f.buf, p...)

	var lines []string
	consumed := 0
	for {
		i := bytes.Index(f.buf[consumed:], f.delim)
		if i < 0 {
			break
		}
		raw := f.buf[consumed : consumed+i]
		consumed += i + len(f.delim)
		if f.dropping {
			f.dropping = false
			continue
		}
		lines = append(lines, strings.ToValidUTF8(string(raw), "�"))
	}
	n := copy(f.buf, f.buf[consumed:])
	f.buf = f.buf[:n]

	if len(f.buf) > f.max {
		// keep a possible delimiter prefix so the next line still frames
		keep := len(f.delim) - 1
		logx.Debugf("serial: discarding overlong line (%d bytes buffered)", len(f.buf))
		n = copy(f.buf, f.buf[len(f.buf)-keep:])
		f.buf = f.buf[:n]
		f.dropping = true
	}
	return lines
}

// Pending reports how many bytes of an incomplete line are buffered.
func (f *framer) Pending() int {
	return len(f.buf)
}
