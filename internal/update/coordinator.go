// Package update checks for newer firmware and installs it over an open
// session: download, optional backup, announce, chunked transfer, device-side
// verification and flash. Rollback restores the newest backup the same way.
package update

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"fwlink/internal/chunks"
	"fwlink/internal/config"
	"fwlink/internal/fault"
	"fwlink/internal/logx"
	"fwlink/internal/protofmt"
	"fwlink/internal/session"

	"golang.org/x/mod/semver"
)

// Options bounds and tunes the coordinator. Zero durations fall back to the
// config defaults.
type Options struct {
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
	PhaseTimeout     time.Duration
	FlashTimeout     time.Duration
	DownloadTimeout  time.Duration

	ChunkBytes     int
	AckRetries     int
	BytesPerSecond int

	// BackupBeforeInstall saves the current firmware to BackupDir first.
	BackupBeforeInstall bool
	BackupDir           string

	Now func() time.Time
}

// OptionsFromConfig maps cfg onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		HandshakeTimeout:    cfg.Timeouts.Handshake.D(),
		AckTimeout:          cfg.Timeouts.Ack.D(),
		PhaseTimeout:        cfg.Timeouts.Phase.D(),
		FlashTimeout:        cfg.Timeouts.Flash.D(),
		DownloadTimeout:     cfg.Timeouts.Download.D(),
		ChunkBytes:          cfg.Transfer.ChunkBytes,
		AckRetries:          cfg.Transfer.AckRetries,
		BytesPerSecond:      cfg.PaceBytesPerSecond(),
		BackupBeforeInstall: cfg.Backup.Enabled,
		BackupDir:           cfg.Backup.Dir,
	}
}

func (o Options) withDefaults() Options {
	d := config.Defaults()
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.Timeouts.Handshake.D()
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = d.Timeouts.Ack.D()
	}
	if o.PhaseTimeout <= 0 {
		o.PhaseTimeout = d.Timeouts.Phase.D()
	}
	if o.FlashTimeout <= 0 {
		o.FlashTimeout = d.Timeouts.Flash.D()
	}
	if o.DownloadTimeout <= 0 {
		o.DownloadTimeout = d.Timeouts.Download.D()
	}
	if o.ChunkBytes <= 0 || o.ChunkBytes > protofmt.MaxChunkBytes {
		o.ChunkBytes = d.Transfer.ChunkBytes
	}
	if o.AckRetries < 0 {
		o.AckRetries = 0
	}
	if o.BackupDir == "" {
		o.BackupDir = d.Backup.Dir
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type pendingRelease struct {
	generation string
	release    Release
}

// Coordinator runs update operations against a Link. Callers serialize
// operations; the coordinator only guards its own pending state.
type Coordinator struct {
	source Source
	opts   Options

	mu      sync.Mutex
	pending *pendingRelease
}

func New(source Source, opts Options) *Coordinator {
	if source == nil {
		source = NoSource{}
	}
	return &Coordinator{source: source, opts: opts.withDefaults()}
}

// Source returns the configured update source.
func (c *Coordinator) Source() Source { return c.source }

// Pending returns the release found by the last check on the session with
// the given generation.
func (c *Coordinator) Pending(generation string) (Release, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil || generation == "" || c.pending.generation != generation {
		return Release{}, false
	}
	return c.pending.release, true
}

func (c *Coordinator) setPending(generation string, rel Release) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = &pendingRelease{generation: generation, release: rel}
}

// ClearPending forgets any pending release.
func (c *Coordinator) ClearPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
}

// DeviceVersion asks the device for its firmware version within the
// handshake timeout. A silent device is a Timeout error.
func (c *Coordinator) DeviceVersion(ctx context.Context, link Link) (string, error) {
	const op = "update.version"
	if err := link.CheckOpen(op); err != nil {
		return "", err
	}
	return queryVersion(ctx, op, link, c.opts.HandshakeTimeout)
}

// CheckForUpdates asks the device for its version and, when a source is
// configured, compares it with the latest release. A newer release becomes
// pending for this session.
func (c *Coordinator) CheckForUpdates(ctx context.Context, link Link) (CheckResult, error) {
	const op = "update.check"

	if err := link.CheckOpen(op); err != nil {
		return CheckResult{}, err
	}
	generation := link.Generation()
	deviceVersion, err := queryVersion(ctx, op, link, c.opts.HandshakeTimeout)

	if !Configured(c.source) {
		if err != nil {
			if !fault.Is(err, fault.Timeout) {
				return CheckResult{}, err
			}
			logx.Infof("update: device did not report its version")
			deviceVersion = UnknownVersion
		}
		c.ClearPending()
		return CheckResult{
			Status:        NotConfigured,
			Version:       deviceVersion,
			DeviceVersion: deviceVersion,
			Source:        c.source.Name(),
		}, nil
	}
	if err != nil {
		return CheckResult{}, err
	}

	res := CheckResult{
		Status:        UpToDate,
		Version:       deviceVersion,
		DeviceVersion: deviceVersion,
		Source:        c.source.Name(),
	}
	rel, err := c.source.Latest(ctx)
	if errors.Is(err, ErrNoRelease) {
		logx.Infof("update: %s: %v", c.source.Name(), err)
		c.ClearPending()
		return res, nil
	}
	if err != nil {
		return CheckResult{}, fault.Normalize(op, fmt.Errorf("%s: %w", c.source.Name(), err))
	}
	res.LatestVersion = rel.Version

	if semver.Compare(protofmt.Canonical(rel.Version), protofmt.Canonical(deviceVersion)) <= 0 {
		logx.Infof("update: device %s is up to date (latest %s)", deviceVersion, rel.Version)
		c.ClearPending()
		return res, nil
	}
	logx.Infof("update: %s available (device %s)", rel.Version, deviceVersion)
	c.setPending(generation, rel)
	res.Status = UpdateFound
	res.Available = true
	res.Version = rel.Version
	return res, nil
}

// InstallUpdate installs the release found by the last check. The session
// must be Open; every other failure, cancellation included, is reported in
// the result.
func (c *Coordinator) InstallUpdate(ctx context.Context, link Link, progress ProgressFunc) (InstallResult, error) {
	const op = "update.install"

	if err := link.CheckOpen(op); err != nil {
		return InstallResult{}, err
	}
	rel, ok := c.Pending(link.Generation())
	if !ok {
		return failed("no update pending", fault.New(op, fault.UpdateNotPending, nil)), nil
	}
	logx.Infof("update: installing %s from %s", rel.Version, c.source.Name())

	st := &run{op: op, link: link, progress: progress}
	if c.opts.BackupBeforeInstall {
		st.phase = PhaseBackup
		progress.report(PhaseBackup, 0, 0)
		path, err := c.backup(ctx, op, link, progress)
		if err != nil {
			return c.fail(st, err), nil
		}
		logx.Infof("update: backup saved to %s", path)
	}

	st.phase = PhaseDownload
	img, err := c.download(ctx, op, rel, progress)
	if err != nil {
		return c.fail(st, err), nil
	}
	if err := c.writeImage(ctx, st, protofmt.CmdUpdate, img.Data); err != nil {
		return c.fail(st, err), nil
	}

	c.ClearPending()
	progress.report(PhaseDone, 1, 1)
	logx.Infof("update: firmware %s installed", rel.Version)
	return InstallResult{
		Success: true,
		Message: fmt.Sprintf("firmware %s installed", rel.Version),
		Version: rel.Version,
	}, nil
}

func (c *Coordinator) download(ctx context.Context, op string, rel Release, progress ProgressFunc) (Image, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.DownloadTimeout)
	defer cancel()

	progress.report(PhaseDownload, 0, rel.Size)
	img, err := c.source.Fetch(ctx, rel, func(done, total int64) {
		progress.report(PhaseDownload, done, total)
	})
	if err != nil {
		return Image{}, fault.Normalize(op, err)
	}
	if len(img.Data) == 0 {
		return Image{}, fault.Newf(op, fault.Integrity, "image %s is empty", rel.Name)
	}
	if err := verifyDigest(op, img.Data, rel.SHA256); err != nil {
		return Image{}, err
	}
	return img, nil
}

// run tracks an install or restore so failures can be reported with their
// phase and the device can be told to abort.
type run struct {
	op       string
	link     Link
	progress ProgressFunc
	phase    string
}

// deviceBusy reports whether the device is mid-transfer and should be sent abort.
func (r *run) deviceBusy() bool {
	switch r.phase {
	case PhasePrepare, PhaseTransfer, PhaseVerify:
		return true
	}
	return false
}

// writeImage announces data with cmd (update or restore), transfers it in
// chunks, has the device verify the checksum and flashes it.
func (c *Coordinator) writeImage(ctx context.Context, r *run, cmd string, data []byte) error {
	op := r.op
	d, err := openDialog(op, r.link)
	if err != nil {
		return err
	}
	defer d.close()

	crc := crc32.ChecksumIEEE(data)
	size := int64(len(data))

	r.phase = PhasePrepare
	r.progress.report(PhasePrepare, 0, 1)
	begin := protofmt.MakeUpdate(len(data), crc)
	if cmd == protofmt.CmdRestore {
		begin = protofmt.MakeRestore(len(data), crc)
	}
	if err := d.send(op, begin); err != nil {
		return err
	}
	if _, err := d.await(ctx, op, "READY", c.opts.PhaseTimeout, expect(op, protofmt.ReplyReady)); err != nil {
		return err
	}
	r.progress.report(PhasePrepare, 1, 1)

	r.phase = PhaseTransfer
	lineBytes := len(protofmt.MakeChunk(1<<20, make([]byte, c.opts.ChunkBytes))) + len(session.DefaultDelimiter)
	sender := chunks.Sender{
		Link:       r.link,
		Builder:    protofmt.MakeChunk,
		WaitAck:    d.ackWaiter(op, c.opts.AckTimeout),
		AckRetries: c.opts.AckRetries,
		Limiter:    chunks.NewLimiter(c.opts.BytesPerSecond, lineBytes),
		OnProgress: func(done, total int) {
			r.progress.report(PhaseTransfer, int64(done), int64(total))
		},
	}
	r.progress.report(PhaseTransfer, 0, size)
	n, err := sender.SendPayload(ctx, data, c.opts.ChunkBytes)
	if err != nil {
		return transferError(op, err)
	}
	logx.Debugf("update: sent %d chunks (%d bytes)", n, size)

	r.phase = PhaseVerify
	r.progress.report(PhaseVerify, 0, 1)
	if err := d.send(op, protofmt.CmdVerify); err != nil {
		return err
	}
	sum, err := d.await(ctx, op, "SUM", c.opts.PhaseTimeout, expect(op, protofmt.ReplySum))
	if err != nil {
		return err
	}
	if sum.CRC != crc {
		return fault.Newf(op, fault.Integrity, "device checksum %s does not match image %s",
			protofmt.FormatCRC(sum.CRC), protofmt.FormatCRC(crc))
	}
	r.progress.report(PhaseVerify, 1, 1)

	r.phase = PhaseFlash
	r.progress.report(PhaseFlash, 0, 1)
	if err := d.send(op, protofmt.CmdFlash); err != nil {
		return err
	}
	if _, err := d.await(ctx, op, "OK", c.opts.FlashTimeout, expect(op, protofmt.ReplyOK)); err != nil {
		return err
	}
	r.progress.report(PhaseFlash, 1, 1)
	return nil
}

func transferError(op string, err error) error {
	switch {
	case errors.Is(err, chunks.ErrAckTimeout):
		return fault.New(op, fault.Timeout, err)
	case errors.Is(err, chunks.ErrNak):
		return fault.New(op, fault.Transport, fmt.Errorf("%w: %v", ErrDeviceRejected, err))
	}
	return fault.Normalize(op, err)
}

// fail turns err into a failed result. A device caught mid-transfer is sent
// abort so it keeps its current firmware.
func (c *Coordinator) fail(r *run, err error) InstallResult {
	err = fault.Normalize(r.op, err)
	if r.deviceBusy() && !fault.Is(err, fault.NotConnected) {
		if werr := r.link.WriteLine(protofmt.CmdAbort); werr != nil {
			logx.Debugf("update: abort not delivered: %v", werr)
		} else {
			logx.Infof("update: sent abort to device during %s", r.phase)
		}
	}
	if fault.Is(err, fault.Cancelled) {
		logx.Infof("update: %s cancelled during %s", r.op, r.phase)
		return failed("cancelled", err)
	}
	logx.Warnf("update: %s failed during %s: %v", r.op, r.phase, err)
	return failed(fmt.Sprintf("%s failed: %v", r.phase, err), err)
}
