package update

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"fwlink/internal/config"
	"fwlink/internal/fault"
)

// ErrNoSource is returned by NoSource. It marks the "no update source
// configured" outcome, which is not a failure.
var ErrNoSource = errors.New("no update source configured")

// ErrNoRelease means the source was reachable but has nothing to offer.
var ErrNoRelease = errors.New("no release available")

// Release describes a firmware build offered by a Source.
type Release struct {
	Version string `json:"version"`
	Name    string `json:"name,omitempty"`
	URL     string `json:"url,omitempty"`
	Size    int64  `json:"size,omitempty"`
	// SHA256 is the expected hex digest of the image, if the source publishes one.
	SHA256 string `json:"sha256,omitempty"`
}

// Image is a downloaded firmware image.
type Image struct {
	Release Release
	Data    []byte
}

// FetchProgress receives download progress. total is -1 when unknown.
type FetchProgress func(done, total int64)

// Source is where firmware releases come from.
type Source interface {
	Name() string
	Latest(ctx context.Context) (Release, error)
	Fetch(ctx context.Context, rel Release, progress FetchProgress) (Image, error)
}

// NoSource is the default Source; it never offers anything.
type NoSource struct{}

func (NoSource) Name() string { return config.SourceNone }

func (NoSource) Latest(context.Context) (Release, error) { return Release{}, ErrNoSource }

func (NoSource) Fetch(context.Context, Release, FetchProgress) (Image, error) {
	return Image{}, ErrNoSource
}

// Configured reports whether src can offer releases.
func Configured(src Source) bool {
	if src == nil {
		return false
	}
	_, none := src.(NoSource)
	return !none
}

// NewSource builds the Source selected by cfg.
func NewSource(cfg config.SourceConfig) (Source, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", config.SourceNone:
		return NoSource{}, nil
	case config.SourceGitHub:
		return NewGitHubSource(cfg), nil
	case config.SourceDir:
		return NewDirSource(cfg.Dir), nil
	default:
		return nil, fmt.Errorf("unknown update source %q", cfg.Kind)
	}
}

// verifyDigest checks data against a hex SHA-256 digest. An empty digest
// means the source published none.
func verifyDigest(op string, data []byte, want string) error {
	want = strings.ToLower(strings.TrimSpace(want))
	if want == "" {
		return nil
	}
	sum := sha256.Sum256(data)
	got := hex.EncodeToString(sum[:])
	if got != want {
		return fault.Newf(op, fault.Integrity, "image sha256 %s does not match published %s", got, want)
	}
	return nil
}

// parseDigestFile reads the first field of a sha256sum style file.
func parseDigestFile(b []byte) (string, error) {
	fields := strings.Fields(string(b))
	if len(fields) == 0 {
		return "", errors.New("empty digest file")
	}
	d := strings.ToLower(fields[0])
	if len(d) != sha256.Size*2 {
		return "", fmt.Errorf("bad digest %q", fields[0])
	}
	if _, err := hex.DecodeString(d); err != nil {
		return "", fmt.Errorf("bad digest %q: %w", fields[0], err)
	}
	return d, nil
}
