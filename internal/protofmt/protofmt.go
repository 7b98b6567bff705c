// Package protofmt encodes and parses the device's line protocol. Every
// message is a single text line; binary payloads travel base64 encoded.
package protofmt

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// Host commands.
const (
	CmdVersion = "version"
	CmdUpdate  = "update"
	CmdRestore = "restore"
	CmdChunk   = "chunk"
	CmdVerify  = "verify"
	CmdFlash   = "flash"
	CmdAbort   = "abort"
	CmdBackup  = "backup"
)

// MaxChunkBytes bounds a decoded chunk so an encoded chunk line stays well
// under the session's line limit.
const MaxChunkBytes = 1024

var (
	ErrNotChunk   = errors.New("not a chunk line")
	ErrBadChunk   = errors.New("malformed chunk line")
	ErrBadCommand = errors.New("malformed command")
)

// ReplyKind classifies a device line.
type ReplyKind int

const (
	ReplyUnknown ReplyKind = iota
	ReplyVersion
	ReplyReady
	ReplyAck
	ReplyNak
	ReplySum
	ReplyOK
	ReplyErr
	ReplyEnd
	ReplyChunk
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyVersion:
		return "VERSION"
	case ReplyReady:
		return "READY"
	case ReplyAck:
		return "ACK"
	case ReplyNak:
		return "NAK"
	case ReplySum:
		return "SUM"
	case ReplyOK:
		return "OK"
	case ReplyErr:
		return "ERR"
	case ReplyEnd:
		return "END"
	case ReplyChunk:
		return "chunk"
	default:
		return "unknown"
	}
}

// Reply is a parsed device line. Only the fields of its Kind are set.
type Reply struct {
	Kind    ReplyKind
	Version string
	Seq     int
	CRC     uint32
	Count   int
	Reason  string
	Data    []byte
	Raw     string
}

// Begin describes an image announced with update or restore.
type Begin struct {
	Command string
	Size    int
	CRC     uint32
}

func MakeVersionQuery() string { return CmdVersion }

func MakeUpdate(size int, crc uint32) string { return makeBegin(CmdUpdate, size, crc) }

func MakeRestore(size int, crc uint32) string { return makeBegin(CmdRestore, size, crc) }

func makeBegin(cmd string, size int, crc uint32) string {
	return fmt.Sprintf("%s %d %s", cmd, size, FormatCRC(crc))
}

// ParseBegin parses an update or restore command line.
func ParseBegin(s string) (Begin, error) {
	fields := strings.Fields(s)
	if len(fields) != 3 || (fields[0] != CmdUpdate && fields[0] != CmdRestore) {
		return Begin{}, fmt.Errorf("%w: %q", ErrBadCommand, s)
	}
	size, err := strconv.Atoi(fields[1])
	if err != nil || size < 0 {
		return Begin{}, fmt.Errorf("%w: bad size %q", ErrBadCommand, fields[1])
	}
	crc, err := ParseCRC(fields[2])
	if err != nil {
		return Begin{}, fmt.Errorf("%w: %v", ErrBadCommand, err)
	}
	return Begin{Command: fields[0], Size: size, CRC: crc}, nil
}

// MakeChunk encodes one image chunk.
func MakeChunk(seq int, data []byte) string {
	return fmt.Sprintf("%s %d %s", CmdChunk, seq, base64.StdEncoding.EncodeToString(data))
}

// ParseChunk decodes a chunk line in either direction.
func ParseChunk(s string) (seq int, data []byte, err error) {
	rest, ok := strings.CutPrefix(s, CmdChunk+" ")
	if !ok {
		return 0, nil, ErrNotChunk
	}
	seqStr, payload, _ := strings.Cut(rest, " ")
	seq, err = strconv.Atoi(seqStr)
	if err != nil || seq < 0 {
		return 0, nil, fmt.Errorf("%w: bad sequence %q", ErrBadChunk, seqStr)
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrBadChunk, err)
	}
	if len(data) > MaxChunkBytes {
		return 0, nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrBadChunk, len(data), MaxChunkBytes)
	}
	return seq, data, nil
}

// MakeReply formats a device reply. It is the inverse of ParseReply and is
// used by simulated devices.
func MakeReply(r Reply) string {
	switch r.Kind {
	case ReplyVersion:
		return "VERSION " + r.Version
	case ReplyReady:
		return "READY"
	case ReplyAck:
		return fmt.Sprintf("ACK %d", r.Seq)
	case ReplyNak:
		if r.Reason == "" {
			return fmt.Sprintf("NAK %d", r.Seq)
		}
		return fmt.Sprintf("NAK %d %s", r.Seq, r.Reason)
	case ReplySum:
		return "SUM " + FormatCRC(r.CRC)
	case ReplyOK:
		return "OK"
	case ReplyErr:
		return strings.TrimSpace("ERR " + r.Reason)
	case ReplyEnd:
		return fmt.Sprintf("END %d %s", r.Count, FormatCRC(r.CRC))
	case ReplyChunk:
		return MakeChunk(r.Seq, r.Data)
	default:
		return r.Raw
	}
}

// ParseReply classifies a device line. Lines that match no reply, such as
// boot chatter, come back as ReplyUnknown with ok false.
func ParseReply(s string) (Reply, bool) {
	s = strings.TrimSpace(s)
	r := Reply{Raw: s}
	if s == "" {
		return r, false
	}
	head, rest, _ := strings.Cut(s, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToUpper(head) {
	case "VERSION":
		v, ok := ParseVersion(rest)
		if !ok {
			return r, false
		}
		r.Kind, r.Version = ReplyVersion, v
	case "READY":
		r.Kind = ReplyReady
	case "OK":
		r.Kind = ReplyOK
		r.Reason = rest
	case "ERR", "ERROR":
		r.Kind = ReplyErr
		r.Reason = rest
	case "ACK", "NAK":
		seqStr, reason, _ := strings.Cut(rest, " ")
		seq, err := strconv.Atoi(seqStr)
		if err != nil {
			return r, false
		}
		r.Kind = ReplyAck
		if strings.EqualFold(head, "NAK") {
			r.Kind = ReplyNak
		}
		r.Seq, r.Reason = seq, strings.TrimSpace(reason)
	case "SUM":
		crc, err := ParseCRC(rest)
		if err != nil {
			return r, false
		}
		r.Kind, r.CRC = ReplySum, crc
	case "END":
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			return r, false
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			return r, false
		}
		crc, err := ParseCRC(fields[1])
		if err != nil {
			return r, false
		}
		r.Kind, r.Count, r.CRC = ReplyEnd, n, crc
	default:
		if head == CmdChunk {
			seq, data, err := ParseChunk(s)
			if err != nil {
				return r, false
			}
			r.Kind, r.Seq, r.Data = ReplyChunk, seq, data
			return r, true
		}
		// some firmware answers the version query with a bare version; only a
		// full MAJOR.MINOR.PATCH counts so readings like "42" are not versions
		if v, ok := ParseFullVersion(s); ok {
			r.Kind, r.Version = ReplyVersion, v
			return r, true
		}
		return r, false
	}
	return r, true
}

// ParseVersion accepts "1.2.3" or "v1.2.3" with optional pre-release and
// build suffixes and returns it without the leading v.
func ParseVersion(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, " \t") {
		return "", false
	}
	v := Canonical(s)
	if v == "" {
		return "", false
	}
	return strings.TrimPrefix(s, "v"), true
}

// ParseFullVersion is ParseVersion restricted to versions that spell out
// MAJOR.MINOR.PATCH. semver shorthand such as "1" or "1.2" is refused.
func ParseFullVersion(s string) (string, bool) {
	v, ok := ParseVersion(s)
	if !ok {
		return "", false
	}
	core := v
	if i := strings.IndexAny(core, "-+"); i >= 0 {
		core = core[:i]
	}
	if strings.Count(core, ".") != 2 {
		return "", false
	}
	return v, true
}

// Canonical returns the golang.org/x/mod/semver form of v ("v1.2.3"), or ""
// if v is not a valid semantic version.
func Canonical(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if v[0] != 'v' {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return v
}

// FormatCRC renders a CRC-32 as eight lower-case hex digits.
func FormatCRC(crc uint32) string {
	return fmt.Sprintf("%08x", crc)
}

func ParseCRC(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("bad crc %q: %w", s, err)
	}
	return uint32(v), nil
}
