package update

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fwlink/internal/devicesim"
	"fwlink/internal/fault"
	"fwlink/internal/ports"
	"fwlink/internal/protofmt"
	"fwlink/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	rel      Release
	data     []byte
	err      error
	fetchErr error
	fetches  int
}

func (s *staticSource) Name() string { return "static" }

func (s *staticSource) Latest(context.Context) (Release, error) {
	if s.err != nil {
		return Release{}, s.err
	}
	return s.rel, nil
}

func (s *staticSource) Fetch(ctx context.Context, rel Release, progress FetchProgress) (Image, error) {
	s.fetches++
	if s.fetchErr != nil {
		return Image{}, s.fetchErr
	}
	if progress != nil {
		progress(int64(len(s.data)), int64(len(s.data)))
	}
	return Image{Release: rel, Data: s.data}, nil
}

func newRelease(version string, data []byte) (Release, []byte) {
	sum := sha256.Sum256(data)
	return Release{Version: version, Name: "fw-v" + version + ".bin", Size: int64(len(data)), SHA256: hex.EncodeToString(sum[:])}, data
}

func testOptions(t *testing.T) Options {
	return Options{
		HandshakeTimeout: 100 * time.Millisecond,
		AckTimeout:       50 * time.Millisecond,
		PhaseTimeout:     time.Second,
		FlashTimeout:     time.Second,
		DownloadTimeout:  time.Second,
		ChunkBytes:       16,
		AckRetries:       2,
		BackupDir:        t.TempDir(),
	}
}

type harness struct {
	sess   *session.Session
	opener *session.MockOpener
	dev    *devicesim.Device
}

func newHarness(t *testing.T, dev *devicesim.Device) *harness {
	t.Helper()
	opener := session.NewMockOpener("COM3")
	dev.Attach(opener.Ports["COM3"])
	s := session.New(opener, session.Options{ReadTimeout: 5 * time.Millisecond})
	require.NoError(t, s.Open(context.Background(), ports.PortDescriptor{Path: "COM3"}, 9600))
	t.Cleanup(func() { _ = s.Close() })
	return &harness{sess: s, opener: opener, dev: dev}
}

type progressLog struct {
	mu     sync.Mutex
	events []Progress
}

func (l *progressLog) record(p Progress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, p)
}

func (l *progressLog) phases() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		if len(out) == 0 || out[len(out)-1] != e.Phase {
			out = append(out, e.Phase)
		}
	}
	return out
}

func firmware(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestCheckRequiresOpenSession(t *testing.T) {
	s := session.New(session.NewMockOpener(), session.Options{})
	c := New(nil, testOptions(t))

	_, err := c.CheckForUpdates(context.Background(), s)
	assert.True(t, fault.Is(err, fault.NotConnected))

	_, err = c.InstallUpdate(context.Background(), s, nil)
	assert.True(t, fault.Is(err, fault.NotConnected))

	_, err = c.Rollback(context.Background(), s, nil)
	assert.True(t, fault.Is(err, fault.NotConnected))

	_, err = c.Backup(context.Background(), s)
	assert.True(t, fault.Is(err, fault.NotConnected))
}

func TestCheckWithoutSource(t *testing.T) {
	h := newHarness(t, devicesim.New("1.0.0"))
	c := New(nil, testOptions(t))

	res, err := c.CheckForUpdates(context.Background(), h.sess)
	require.NoError(t, err)
	assert.Equal(t, NotConfigured, res.Status)
	assert.False(t, res.Available)
	assert.Equal(t, "1.0.0", res.Version)
	assert.Equal(t, "none", res.Source)
}

func TestCheckWithoutSourceSilentDevice(t *testing.T) {
	h := newHarness(t, devicesim.New(""))
	c := New(NoSource{}, testOptions(t))

	res, err := c.CheckForUpdates(context.Background(), h.sess)
	require.NoError(t, err)
	assert.Equal(t, NotConfigured, res.Status)
	assert.Equal(t, UnknownVersion, res.Version)
}

func TestCheckFindsUpdate(t *testing.T) {
	h := newHarness(t, devicesim.New("1.0.0"))
	rel, data := newRelease("1.1.0", firmware(40))
	c := New(&staticSource{rel: rel, data: data}, testOptions(t))

	res, err := c.CheckForUpdates(context.Background(), h.sess)
	require.NoError(t, err)
	assert.Equal(t, UpdateFound, res.Status)
	assert.True(t, res.Available)
	assert.Equal(t, "1.1.0", res.Version)
	assert.Equal(t, "1.0.0", res.DeviceVersion)
	assert.Equal(t, "1.1.0", res.LatestVersion)

	pending, ok := c.Pending(h.sess.Generation())
	assert.True(t, ok)
	assert.Equal(t, rel, pending)
}

func TestCheckSkipsNumericChatter(t *testing.T) {
	dev := devicesim.New("1.0.0")
	dev.Chatter = []string{"42", "23.5", "7.1"}
	h := newHarness(t, dev)
	rel, data := newRelease("1.1.0", firmware(8))
	c := New(&staticSource{rel: rel, data: data}, testOptions(t))

	res, err := c.CheckForUpdates(context.Background(), h.sess)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", res.DeviceVersion)
	assert.Equal(t, UpdateFound, res.Status)
	assert.True(t, res.Available)
}

func TestCheckUpToDate(t *testing.T) {
	h := newHarness(t, devicesim.New("2.0.0"))
	rel, data := newRelease("1.9.9", firmware(8))
	c := New(&staticSource{rel: rel, data: data}, testOptions(t))

	res, err := c.CheckForUpdates(context.Background(), h.sess)
	require.NoError(t, err)
	assert.Equal(t, UpToDate, res.Status)
	assert.False(t, res.Available)
	assert.Equal(t, "2.0.0", res.Version)
	assert.Equal(t, "1.9.9", res.LatestVersion)

	_, ok := c.Pending(h.sess.Generation())
	assert.False(t, ok)
}

func TestCheckSourceWithoutRelease(t *testing.T) {
	h := newHarness(t, devicesim.New("1.0.0"))
	c := New(&staticSource{err: ErrNoRelease}, testOptions(t))

	res, err := c.CheckForUpdates(context.Background(), h.sess)
	require.NoError(t, err)
	assert.Equal(t, UpToDate, res.Status)
	assert.Empty(t, res.LatestVersion)
}

func TestCheckSilentDeviceWithSource(t *testing.T) {
	h := newHarness(t, devicesim.New(""))
	rel, data := newRelease("1.1.0", firmware(8))
	c := New(&staticSource{rel: rel, data: data}, testOptions(t))

	_, err := c.CheckForUpdates(context.Background(), h.sess)
	assert.True(t, fault.Is(err, fault.Timeout))
}

func TestCheckSourceFailure(t *testing.T) {
	h := newHarness(t, devicesim.New("1.0.0"))
	c := New(&staticSource{err: errors.New("dial tcp: connection refused")}, testOptions(t))

	_, err := c.CheckForUpdates(context.Background(), h.sess)
	assert.True(t, fault.Is(err, fault.Transport))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestInstallWithoutPendingUpdate(t *testing.T) {
	h := newHarness(t, devicesim.New("1.0.0"))
	c := New(nil, testOptions(t))

	res, err := c.InstallUpdate(context.Background(), h.sess, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "no update pending", res.Message)
	assert.True(t, fault.Is(res.Err, fault.UpdateNotPending))
	assert.Empty(t, h.dev.Commands())
}

func checkAndInstall(t *testing.T, h *harness, c *Coordinator, ctx context.Context, log *progressLog) InstallResult {
	t.Helper()
	res, err := c.CheckForUpdates(context.Background(), h.sess)
	require.NoError(t, err)
	require.Equal(t, UpdateFound, res.Status)

	var fn ProgressFunc
	if log != nil {
		fn = log.record
	}
	out, err := c.InstallUpdate(ctx, h.sess, fn)
	require.NoError(t, err)
	return out
}

func TestInstallUpdate(t *testing.T) {
	dev := devicesim.New("1.0.0")
	dev.NextVersion = "1.1.0"
	h := newHarness(t, dev)
	rel, data := newRelease("1.1.0", firmware(50))
	c := New(&staticSource{rel: rel, data: data}, testOptions(t))
	log := &progressLog{}

	res := checkAndInstall(t, h, c, context.Background(), log)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "1.1.0", res.Version)
	assert.Equal(t, data, dev.CurrentFirmware())
	assert.Equal(t, 1, dev.Flashes())
	assert.Zero(t, dev.Aborts())
	assert.Equal(t, []string{PhaseDownload, PhasePrepare, PhaseTransfer, PhaseVerify, PhaseFlash, PhaseDone}, log.phases())

	// the release is consumed
	res, err := c.InstallUpdate(context.Background(), h.sess, nil)
	require.NoError(t, err)
	assert.Equal(t, "no update pending", res.Message)

	check, err := c.CheckForUpdates(context.Background(), h.sess)
	require.NoError(t, err)
	assert.Equal(t, UpToDate, check.Status)
}

func TestInstallRecoversFromLostAcks(t *testing.T) {
	dev := devicesim.New("1.0.0")
	dev.DropAcks = 1
	dev.NakOnce = 2
	h := newHarness(t, dev)
	rel, data := newRelease("1.1.0", firmware(64))
	c := New(&staticSource{rel: rel, data: data}, testOptions(t))

	res := checkAndInstall(t, h, c, context.Background(), nil)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, data, dev.CurrentFirmware())
}

func TestInstallGivesUpOnSilentDevice(t *testing.T) {
	dev := devicesim.New("1.0.0")
	dev.DropAcks = 100
	h := newHarness(t, dev)
	rel, data := newRelease("1.1.0", firmware(64))
	c := New(&staticSource{rel: rel, data: data}, testOptions(t))

	res := checkAndInstall(t, h, c, context.Background(), nil)
	assert.False(t, res.Success)
	assert.True(t, fault.Is(res.Err, fault.Timeout))
	assert.Contains(t, res.Message, "transfer failed")
	assert.Equal(t, 1, dev.Aborts())

	// a failed install can be retried
	_, ok := c.Pending(h.sess.Generation())
	assert.True(t, ok)
}

func TestInstallDeviceChecksumMismatch(t *testing.T) {
	dev := devicesim.New("1.0.0")
	dev.CorruptSum = true
	h := newHarness(t, dev)
	rel, data := newRelease("1.1.0", firmware(20))
	c := New(&staticSource{rel: rel, data: data}, testOptions(t))

	res := checkAndInstall(t, h, c, context.Background(), nil)
	assert.False(t, res.Success)
	assert.True(t, fault.Is(res.Err, fault.Integrity))
	assert.Equal(t, 1, dev.Aborts())
	assert.Zero(t, dev.Flashes())
	assert.NotContains(t, dev.Commands(), "flash")
}

func TestInstallDownloadDigestMismatch(t *testing.T) {
	h := newHarness(t, devicesim.New("1.0.0"))
	rel, data := newRelease("1.1.0", firmware(20))
	rel.SHA256 = hex.EncodeToString(make([]byte, sha256.Size))
	c := New(&staticSource{rel: rel, data: data}, testOptions(t))

	res := checkAndInstall(t, h, c, context.Background(), nil)
	assert.False(t, res.Success)
	assert.True(t, fault.Is(res.Err, fault.Integrity))
	assert.Equal(t, []string{"version"}, h.dev.Commands())
}

func TestInstallDownloadFailure(t *testing.T) {
	h := newHarness(t, devicesim.New("1.0.0"))
	rel, data := newRelease("1.1.0", firmware(20))
	c := New(&staticSource{rel: rel, data: data, fetchErr: errors.New("unexpected EOF")}, testOptions(t))

	res := checkAndInstall(t, h, c, context.Background(), nil)
	assert.False(t, res.Success)
	assert.True(t, fault.Is(res.Err, fault.Transport))
	assert.Contains(t, res.Message, "download failed")
}

func TestInstallRejectedByDevice(t *testing.T) {
	dev := devicesim.New("1.0.0")
	dev.RejectBegin = "battery low"
	h := newHarness(t, dev)
	rel, data := newRelease("1.1.0", firmware(20))
	c := New(&staticSource{rel: rel, data: data}, testOptions(t))

	res := checkAndInstall(t, h, c, context.Background(), nil)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrDeviceRejected)
	assert.Contains(t, res.Message, "battery low")
}

func TestInstallFlashTimeout(t *testing.T) {
	dev := devicesim.New("1.0.0")
	dev.SilentFlash = true
	h := newHarness(t, dev)
	rel, data := newRelease("1.1.0", firmware(20))
	opts := testOptions(t)
	opts.FlashTimeout = 50 * time.Millisecond
	c := New(&staticSource{rel: rel, data: data}, opts)

	res := checkAndInstall(t, h, c, context.Background(), nil)
	assert.False(t, res.Success)
	assert.True(t, fault.Is(res.Err, fault.Timeout))
	assert.Contains(t, res.Message, "flash failed")
}

func TestInstallCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dev := devicesim.New("1.0.0")
	dev.DropAcks = 100
	dev.OnChunk = func(seq int) { cancel() }
	h := newHarness(t, dev)
	rel, data := newRelease("1.1.0", firmware(64))
	c := New(&staticSource{rel: rel, data: data}, testOptions(t))

	res := checkAndInstall(t, h, c, ctx, nil)
	assert.False(t, res.Success)
	assert.Equal(t, "cancelled", res.Message)
	assert.True(t, fault.Is(res.Err, fault.Cancelled))
	assert.Equal(t, 1, dev.Aborts())
	assert.Equal(t, session.Open, h.sess.State())
}

func TestInstallAfterReconnectNeedsNewCheck(t *testing.T) {
	h := newHarness(t, devicesim.New("1.0.0"))
	rel, data := newRelease("1.1.0", firmware(20))
	c := New(&staticSource{rel: rel, data: data}, testOptions(t))

	_, err := c.CheckForUpdates(context.Background(), h.sess)
	require.NoError(t, err)
	require.NoError(t, h.sess.Close())
	require.NoError(t, h.sess.Open(context.Background(), ports.PortDescriptor{Path: "COM3"}, 9600))

	res, err := c.InstallUpdate(context.Background(), h.sess, nil)
	require.NoError(t, err)
	assert.Equal(t, "no update pending", res.Message)
}

func TestInstallWithBackup(t *testing.T) {
	dev := devicesim.New("1.0.0")
	old := []byte("old firmware image, version one")
	dev.Firmware = old
	dev.BackupChunk = 8
	h := newHarness(t, dev)
	rel, data := newRelease("1.1.0", firmware(30))
	opts := testOptions(t)
	opts.BackupBeforeInstall = true
	c := New(&staticSource{rel: rel, data: data}, opts)
	log := &progressLog{}

	res := checkAndInstall(t, h, c, context.Background(), log)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, PhaseBackup, log.phases()[0])

	path, err := LatestBackup(opts.BackupDir)
	require.NoError(t, err)
	saved, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, old, saved)
	assert.Equal(t, data, dev.CurrentFirmware())
}

func TestBackupWritesTimestampedFile(t *testing.T) {
	dev := devicesim.New("1.0.0")
	dev.Firmware = bytes.Repeat([]byte("fw"), 50)
	h := newHarness(t, dev)
	opts := testOptions(t)
	opts.Now = func() time.Time { return time.Date(2024, 3, 9, 14, 5, 7, 0, time.Local) }
	c := New(nil, opts)

	path, err := c.Backup(context.Background(), h.sess)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(opts.BackupDir, "backup_20240309_140507.bin"), path)
	saved, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, dev.Firmware, saved)
}

// streamBackup answers the backup command by trickling chunks of img every
// interval, stopping after stopAfter chunks when it is non-negative.
func streamBackup(port *session.MockPort, img []byte, size int, interval time.Duration, stopAfter int) {
	port.Respond = func(line string) []string {
		if line != protofmt.CmdBackup {
			return nil
		}
		go func() {
			n := 0
			for off := 0; off < len(img); off += size {
				if n == stopAfter {
					return
				}
				time.Sleep(interval)
				port.FeedLine(protofmt.MakeChunk(n, img[off:min(off+size, len(img))]))
				n++
			}
			port.FeedLine(protofmt.MakeReply(protofmt.Reply{Kind: protofmt.ReplyEnd, Count: n, CRC: crc32.ChecksumIEEE(img)}))
		}()
		return nil
	}
}

func TestBackupSlowStreamOutlastsPhaseTimeout(t *testing.T) {
	h := newHarness(t, devicesim.New("1.0.0"))
	img := firmware(20 * 16)
	streamBackup(h.opener.Ports["COM3"], img, 16, 20*time.Millisecond, -1)
	opts := testOptions(t)
	opts.PhaseTimeout = 200 * time.Millisecond
	c := New(nil, opts)

	start := time.Now()
	path, err := c.Backup(context.Background(), h.sess)
	require.NoError(t, err)
	assert.Greater(t, time.Since(start), opts.PhaseTimeout)
	saved, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, img, saved)
}

func TestBackupStalledStreamTimesOut(t *testing.T) {
	h := newHarness(t, devicesim.New("1.0.0"))
	streamBackup(h.opener.Ports["COM3"], firmware(10*16), 16, 5*time.Millisecond, 3)
	opts := testOptions(t)
	opts.PhaseTimeout = 100 * time.Millisecond
	c := New(nil, opts)

	_, err := c.Backup(context.Background(), h.sess)
	assert.True(t, fault.Is(err, fault.Timeout), "got %v", err)
}

func TestAssembleRejectsGapsAndBadChecksum(t *testing.T) {
	_, err := assemble("op", map[int][]byte{0: []byte("a"), 2: []byte("c")}, 2, 0)
	assert.True(t, fault.Is(err, fault.Integrity))

	_, err = assemble("op", map[int][]byte{0: []byte("a")}, 3, 0)
	assert.ErrorContains(t, err, "device announced 3 backup chunks, received 1")

	_, err = assemble("op", map[int][]byte{0: []byte("a")}, 1, 0)
	assert.True(t, fault.Is(err, fault.Integrity))
}

func TestRollbackWithoutBackups(t *testing.T) {
	h := newHarness(t, devicesim.New("1.1.0"))
	c := New(nil, testOptions(t))

	res, err := c.Rollback(context.Background(), h.sess, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "no backups found", res.Message)
	assert.Empty(t, h.dev.Commands())
}

func TestRollbackRestoresNewestBackup(t *testing.T) {
	dev := devicesim.New("1.1.0")
	h := newHarness(t, dev)
	opts := testOptions(t)
	older := []byte("first backup")
	newer := []byte("second backup, the one to restore")
	require.NoError(t, os.WriteFile(filepath.Join(opts.BackupDir, "backup_20240101_000000.bin"), older, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(opts.BackupDir, "backup_20240102_000000.bin"), newer, 0o644))
	c := New(nil, opts)

	res, err := c.Rollback(context.Background(), h.sess, nil)
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "restored backup_20240102_000000.bin", res.Message)
	assert.Equal(t, newer, dev.CurrentFirmware())
	assert.Contains(t, dev.Commands(), "restore")
}

func TestStatusNames(t *testing.T) {
	assert.Equal(t, "none-configured", NotConfigured.String())
	assert.Equal(t, "checked-none-found", UpToDate.String())
	assert.Equal(t, "checked-update-found", UpdateFound.String())
}
