package update

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"fwlink/internal/config"
	"fwlink/internal/logx"
	"fwlink/internal/protofmt"

	"golang.org/x/mod/semver"
)

// DirSource offers images from a local directory. Files are named
// <name>-v<semver>.bin; the highest version wins. A <file>.sha256 sidecar,
// when present, carries the digest.
type DirSource struct {
	dir string
}

func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

func (d *DirSource) Name() string { return config.SourceDir + ":" + d.dir }

func (d *DirSource) Latest(ctx context.Context) (Release, error) {
	if err := ctx.Err(); err != nil {
		return Release{}, err
	}
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return Release{}, fmt.Errorf("read firmware dir: %w", err)
	}

	var best Release
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		version, ok := versionFromFilename(e.Name())
		if !ok {
			continue
		}
		if best.Version != "" && semver.Compare(protofmt.Canonical(version), protofmt.Canonical(best.Version)) <= 0 {
			continue
		}
		info, err := e.Info()
		if err != nil {
			logx.Debugf("update: skip %s: %v", e.Name(), err)
			continue
		}
		best = Release{
			Version: version,
			Name:    e.Name(),
			URL:     filepath.Join(d.dir, e.Name()),
			Size:    info.Size(),
		}
	}
	if best.Version == "" {
		return Release{}, fmt.Errorf("no firmware images in %s: %w", d.dir, ErrNoRelease)
	}

	raw, err := os.ReadFile(best.URL + digestSuffix)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Release{}, fmt.Errorf("read digest: %w", err)
	default:
		if best.SHA256, err = parseDigestFile(raw); err != nil {
			return Release{}, fmt.Errorf("%s: %w", best.Name+digestSuffix, err)
		}
	}
	return best, nil
}

func (d *DirSource) Fetch(ctx context.Context, rel Release, progress FetchProgress) (Image, error) {
	if err := ctx.Err(); err != nil {
		return Image{}, err
	}
	data, err := os.ReadFile(rel.URL)
	if err != nil {
		return Image{}, fmt.Errorf("read image: %w", err)
	}
	if len(data) > maxImageBytes {
		return Image{}, fmt.Errorf("image %s of %d bytes exceeds %d byte limit", rel.Name, len(data), maxImageBytes)
	}
	if progress != nil {
		progress(int64(len(data)), int64(len(data)))
	}
	return Image{Release: rel, Data: data}, nil
}

// versionFromFilename extracts the version from "<name>-v<semver>.bin".
func versionFromFilename(name string) (string, bool) {
	base, ok := strings.CutSuffix(name, defaultAssetSuffix)
	if !ok {
		return "", false
	}
	i := strings.LastIndex(base, "-v")
	if i < 0 {
		return "", false
	}
	return protofmt.ParseVersion(base[i+1:])
}
