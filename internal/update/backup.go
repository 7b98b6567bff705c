package update

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"fwlink/internal/fault"
	"fwlink/internal/logx"
	"fwlink/internal/protofmt"
)

const backupLayout = "20060102_150405"

// Backup reads the current firmware from the device and stores it as
// backup_<timestamp>.bin in the backup directory. It returns the file path.
func (c *Coordinator) Backup(ctx context.Context, link Link) (string, error) {
	const op = "update.backup"
	if err := link.CheckOpen(op); err != nil {
		return "", err
	}
	return c.backup(ctx, op, link, nil)
}

func (c *Coordinator) backup(ctx context.Context, op string, link Link, progress ProgressFunc) (string, error) {
	d, err := openDialog(op, link)
	if err != nil {
		return "", err
	}
	defer d.close()

	if err := d.send(op, protofmt.CmdBackup); err != nil {
		return "", err
	}

	// PhaseTimeout bounds the silence between chunks, not the whole stream.
	parts := make(map[int][]byte)
	var received int64
	for {
		r, err := d.await(ctx, op, "backup data", c.opts.PhaseTimeout, func(r protofmt.Reply) (bool, error) {
			switch r.Kind {
			case protofmt.ReplyChunk, protofmt.ReplyEnd:
				return true, nil
			case protofmt.ReplyErr:
				return false, fault.New(op, fault.Transport, rejection(r.Reason))
			}
			return false, nil
		})
		if err != nil {
			return "", err
		}
		if r.Kind == protofmt.ReplyChunk {
			if _, dup := parts[r.Seq]; dup {
				logx.Debugf("update: backup duplicate chunk seq=%d", r.Seq)
				continue
			}
			parts[r.Seq] = r.Data
			received += int64(len(r.Data))
			progress.report(PhaseBackup, received, 0)
			continue
		}

		data, err := assemble(op, parts, r.Count, r.CRC)
		if err != nil {
			return "", err
		}
		return c.writeBackup(op, data)
	}
}

// assemble joins chunks 0..count-1 and checks the CRC-32 the device reported.
func assemble(op string, parts map[int][]byte, count int, want uint32) ([]byte, error) {
	if len(parts) != count {
		return nil, fault.Newf(op, fault.Integrity, "device announced %d backup chunks, received %d", count, len(parts))
	}
	var data []byte
	for seq := 0; seq < count; seq++ {
		p, ok := parts[seq]
		if !ok {
			return nil, fault.Newf(op, fault.Integrity, "backup chunk %d missing", seq)
		}
		data = append(data, p...)
	}
	if got := crc32.ChecksumIEEE(data); got != want {
		return nil, fault.Newf(op, fault.Integrity, "backup checksum %s does not match device %s",
			protofmt.FormatCRC(got), protofmt.FormatCRC(want))
	}
	return data, nil
}

func (c *Coordinator) writeBackup(op string, data []byte) (string, error) {
	dir := c.opts.BackupDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fault.New(op, fault.Transport, fmt.Errorf("create backup dir %s: %w", dir, err))
	}
	name := fmt.Sprintf("backup_%s.bin", c.opts.Now().Format(backupLayout))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fault.New(op, fault.Transport, fmt.Errorf("write %s: %w", path, err))
	}
	logx.Infof("update: saved %d byte backup to %s", len(data), path)
	return path, nil
}

// ErrNoBackups is the cause when rollback finds nothing to restore.
var ErrNoBackups = errors.New("no backups found")

// LatestBackup returns the newest .bin file in dir by name. Backup names sort
// by their timestamp.
func LatestBackup(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNoBackups
	}
	if err != nil {
		return "", fmt.Errorf("read backup dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".bin") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", ErrNoBackups
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return filepath.Join(dir, names[0]), nil
}

// Rollback restores the newest backup onto the device.
func (c *Coordinator) Rollback(ctx context.Context, link Link, progress ProgressFunc) (InstallResult, error) {
	const op = "update.rollback"
	if err := link.CheckOpen(op); err != nil {
		return InstallResult{}, err
	}

	path, err := LatestBackup(c.opts.BackupDir)
	if errors.Is(err, ErrNoBackups) {
		return failed("no backups found", fault.New(op, fault.UpdateNotPending, err)), nil
	}
	st := &run{op: op, link: link, progress: progress, phase: "read backup"}
	if err != nil {
		return c.fail(st, err), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c.fail(st, fmt.Errorf("read backup: %w", err)), nil
	}
	if len(data) == 0 {
		return c.fail(st, fault.Newf(op, fault.Integrity, "backup %s is empty", path)), nil
	}
	logx.Infof("update: restoring %s (%d bytes)", path, len(data))

	if err := c.writeImage(ctx, st, protofmt.CmdRestore, data); err != nil {
		return c.fail(st, err), nil
	}
	// the device no longer runs the version the last check saw
	c.ClearPending()
	progress.report(PhaseDone, 1, 1)
	return InstallResult{
		Success: true,
		Message: "restored " + filepath.Base(path),
	}, nil
}
