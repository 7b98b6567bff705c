// Package devicesim provides a scripted firmware device for tests. Attach it
// to a session.MockPort and it answers the line protocol the way real
// firmware does, with knobs for injecting failures.
package devicesim

import (
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"fwlink/internal/protofmt"
	"fwlink/internal/session"
)

// Device is a simulated device. Exported fields may be set before attaching;
// use the accessor methods once it is running.
type Device struct {
	mu sync.Mutex

	// Version is reported for the version query; empty means no reply.
	Version string
	// NextVersion becomes Version after a successful update flash.
	NextVersion string
	// Firmware is the image streamed on backup and replaced on flash.
	Firmware []byte
	// BackupChunk is the chunk size used when streaming a backup.
	BackupChunk int

	RejectBegin string // ERR reason for update/restore
	DropAcks    int    // chunk acks to swallow before answering
	NakOnce     int    // seq to NAK once, -1 for none
	CorruptSum  bool   // report a wrong checksum on verify
	FlashError  string // ERR reason for flash
	SilentFlash bool   // never answer flash
	// Chatter is printed ahead of every reply, like sensor output.
	Chatter []string
	// OnChunk runs for every chunk received, before it is acknowledged.
	OnChunk func(seq int)

	receiving bool
	begin     protofmt.Begin
	staged    map[int][]byte
	commands  []string
	flashes   int
	aborts    int
}

func New(version string) *Device {
	return &Device{Version: version, NakOnce: -1, BackupChunk: 32}
}

// Attach makes d answer every line written to p.
func (d *Device) Attach(p *session.MockPort) *Device {
	p.Respond = d.Respond
	return d
}

// Respond handles one host line and returns the device's reply lines.
func (d *Device) Respond(line string) []string {
	out := d.respond(line)
	d.mu.Lock()
	chatter := d.Chatter
	d.mu.Unlock()
	if len(chatter) == 0 {
		return out
	}
	return append(append([]string(nil), chatter...), out...)
}

func (d *Device) respond(line string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	cmd, _, _ := strings.Cut(line, " ")
	d.commands = append(d.commands, cmd)

	switch cmd {
	case protofmt.CmdVersion:
		if d.Version == "" {
			return nil
		}
		return []string{protofmt.MakeReply(protofmt.Reply{Kind: protofmt.ReplyVersion, Version: d.Version})}

	case protofmt.CmdUpdate, protofmt.CmdRestore:
		b, err := protofmt.ParseBegin(line)
		if err != nil {
			return errReply("bad command")
		}
		if d.RejectBegin != "" {
			return errReply(d.RejectBegin)
		}
		d.receiving = true
		d.begin = b
		d.staged = make(map[int][]byte)
		return []string{"READY"}

	case protofmt.CmdChunk:
		if !d.receiving {
			return errReply("not ready")
		}
		seq, data, err := protofmt.ParseChunk(line)
		if err != nil {
			return errReply("bad chunk")
		}
		if d.OnChunk != nil {
			hook := d.OnChunk
			d.mu.Unlock()
			hook(seq)
			d.mu.Lock()
		}
		if d.DropAcks > 0 {
			d.DropAcks--
			return nil
		}
		if d.NakOnce == seq {
			d.NakOnce = -1
			return []string{protofmt.MakeReply(protofmt.Reply{Kind: protofmt.ReplyNak, Seq: seq, Reason: "crc"})}
		}
		d.staged[seq] = data
		return []string{protofmt.MakeReply(protofmt.Reply{Kind: protofmt.ReplyAck, Seq: seq})}

	case protofmt.CmdVerify:
		if !d.receiving {
			return errReply("not ready")
		}
		crc := crc32.ChecksumIEEE(d.image())
		if d.CorruptSum {
			crc ^= 0xffffffff
		}
		return []string{protofmt.MakeReply(protofmt.Reply{Kind: protofmt.ReplySum, CRC: crc})}

	case protofmt.CmdFlash:
		if !d.receiving {
			return errReply("not ready")
		}
		if d.FlashError != "" {
			return errReply(d.FlashError)
		}
		if d.SilentFlash {
			return nil
		}
		img := d.image()
		if len(img) != d.begin.Size || crc32.ChecksumIEEE(img) != d.begin.CRC {
			return errReply("image mismatch")
		}
		d.Firmware = img
		d.flashes++
		d.receiving = false
		if d.begin.Command == protofmt.CmdUpdate && d.NextVersion != "" {
			d.Version = d.NextVersion
		}
		return []string{"OK"}

	case protofmt.CmdAbort:
		d.receiving = false
		d.staged = nil
		d.aborts++
		return []string{"OK"}

	case protofmt.CmdBackup:
		size := d.BackupChunk
		if size <= 0 {
			size = 32
		}
		var out []string
		n := 0
		for off := 0; off < len(d.Firmware); off += size {
			end := min(off+size, len(d.Firmware))
			out = append(out, protofmt.MakeChunk(n, d.Firmware[off:end]))
			n++
		}
		out = append(out, protofmt.MakeReply(protofmt.Reply{
			Kind:  protofmt.ReplyEnd,
			Count: n,
			CRC:   crc32.ChecksumIEEE(d.Firmware),
		}))
		return out
	}
	return errReply("unknown command")
}

func (d *Device) image() []byte {
	seqs := make([]int, 0, len(d.staged))
	for seq := range d.staged {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	var img []byte
	for _, seq := range seqs {
		img = append(img, d.staged[seq]...)
	}
	return img
}

func errReply(reason string) []string {
	return []string{protofmt.MakeReply(protofmt.Reply{Kind: protofmt.ReplyErr, Reason: reason})}
}

// Commands returns the command word of every line received.
func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

// CurrentFirmware returns the flashed image.
func (d *Device) CurrentFirmware() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.Firmware...)
}

func (d *Device) CurrentVersion() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Version
}

func (d *Device) Flashes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flashes
}

func (d *Device) Aborts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.aborts
}
