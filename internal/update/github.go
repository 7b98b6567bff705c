package update

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"fwlink/internal/config"
	"fwlink/internal/logx"
	"fwlink/internal/manifest"
	"fwlink/internal/protofmt"

	"github.com/sony/gobreaker/v2"
)

const (
	defaultGitHubAPI   = "https://api.github.com"
	defaultAssetSuffix = ".bin"
	digestSuffix       = ".sha256"

	maxMetadataBytes = 1 << 20
	maxImageBytes    = 16 << 20
)

// errStatus is returned for unexpected HTTP status codes.
type errStatus struct {
	url  string
	code int
}

func (e *errStatus) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d %s", e.url, e.code, http.StatusText(e.code))
}

// GitHubSource offers the latest GitHub release of a repository. The first
// asset ending in the configured suffix is the image; an asset with the same
// name plus ".sha256" carries its digest.
type GitHubSource struct {
	repo        string
	token       string
	api         string
	suffix      string
	httpTimeout time.Duration

	client  *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
}

type githubRelease struct {
	TagName string        `json:"tag_name"`
	Name    string        `json:"name"`
	Assets  []githubAsset `json:"assets"`
}

type githubAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

func NewGitHubSource(cfg config.SourceConfig) *GitHubSource {
	api := strings.TrimRight(cfg.GitHubAPI, "/")
	if api == "" {
		api = defaultGitHubAPI
	}
	suffix := cfg.AssetSuffix
	if suffix == "" {
		suffix = defaultAssetSuffix
	}
	maxFailures := cfg.Breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = 3
	}

	name := "github:" + cfg.GitHubRepo
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    cfg.Breaker.Interval.D(),
		Timeout:     cfg.Breaker.Timeout.D(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logx.Warnf("update: circuit breaker %s %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// a missing release is an answer, not an outage
			var se *errStatus
			if errors.As(err, &se) && se.code == http.StatusNotFound {
				return true
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &GitHubSource{
		repo:        cfg.GitHubRepo,
		token:       cfg.GitHubToken,
		api:         api,
		suffix:      suffix,
		httpTimeout: cfg.HTTPTimeout.D(),
		client:      &http.Client{Transport: newPooledTransport()},
		breaker:     cb,
	}
}

func newPooledTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		MaxIdleConns:          4,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

func (g *GitHubSource) Name() string { return config.SourceGitHub + ":" + g.repo }

// Latest returns the repository's latest release.
func (g *GitHubSource) Latest(ctx context.Context) (Release, error) {
	if g.httpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.httpTimeout)
		defer cancel()
	}

	url := fmt.Sprintf("%s/repos/%s/releases/latest", g.api, g.repo)
	body, err := g.get(ctx, url, "application/vnd.github+json", maxMetadataBytes, nil)
	if err != nil {
		var se *errStatus
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return Release{}, fmt.Errorf("repository %s not found or has no public releases: %w", g.repo, ErrNoRelease)
		}
		return Release{}, err
	}

	var gr githubRelease
	if err := json.Unmarshal(body, &gr); err != nil {
		return Release{}, fmt.Errorf("decode release: %w", err)
	}
	version, ok := protofmt.ParseVersion(gr.TagName)
	if !ok {
		return Release{}, fmt.Errorf("release tag %q is not a semantic version (use v1.0.0)", gr.TagName)
	}

	rel := Release{Version: version}
	var digestURL string
	for _, a := range gr.Assets {
		if rel.URL == "" && strings.HasSuffix(a.Name, g.suffix) {
			rel.Name, rel.URL, rel.Size = a.Name, a.BrowserDownloadURL, a.Size
		}
	}
	if rel.URL == "" {
		return Release{}, fmt.Errorf("release %s has no %s asset: %w", gr.TagName, g.suffix, ErrNoRelease)
	}
	for _, a := range gr.Assets {
		if a.Name == rel.Name+digestSuffix {
			digestURL = a.BrowserDownloadURL
		}
	}
	if digestURL != "" {
		raw, err := g.get(ctx, digestURL, "application/octet-stream", maxMetadataBytes, nil)
		if err != nil {
			return Release{}, fmt.Errorf("fetch digest: %w", err)
		}
		if rel.SHA256, err = parseDigestFile(raw); err != nil {
			return Release{}, fmt.Errorf("%s: %w", rel.Name+digestSuffix, err)
		}
	}
	logx.Debugf("update: github %s latest=%s asset=%s sha256=%t", g.repo, rel.Version, rel.Name, rel.SHA256 != "")
	return rel, nil
}

// Fetch downloads the release image.
func (g *GitHubSource) Fetch(ctx context.Context, rel Release, progress FetchProgress) (Image, error) {
	if rel.URL == "" {
		return Image{}, fmt.Errorf("release %s has no download url", rel.Version)
	}
	data, err := g.get(ctx, rel.URL, "application/octet-stream", maxImageBytes, progress)
	if err != nil {
		return Image{}, fmt.Errorf("download %s: %w", rel.Name, err)
	}
	return Image{Release: rel, Data: data}, nil
}

func (g *GitHubSource) get(ctx context.Context, url, accept string, limit int64, progress FetchProgress) ([]byte, error) {
	body, err := g.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", accept)
		req.Header.Set("User-Agent", "fwlink/"+manifest.Version)
		if g.token != "" {
			req.Header.Set("Authorization", "Bearer "+g.token)
		}
		resp, err := g.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return nil, &errStatus{url: url, code: resp.StatusCode}
		}
		return readLimited(resp.Body, resp.ContentLength, limit, progress)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("github source circuit open: %w", err)
	}
	return body, err
}

type countingWriter struct {
	n        int64
	total    int64
	progress FetchProgress
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	if w.progress != nil {
		w.progress(w.n, w.total)
	}
	return len(p), nil
}

func readLimited(r io.Reader, length, limit int64, progress FetchProgress) ([]byte, error) {
	if length > limit {
		return nil, fmt.Errorf("response of %d bytes exceeds %d byte limit", length, limit)
	}
	total := length
	if total <= 0 {
		total = -1
	}
	cw := &countingWriter{total: total, progress: progress}
	var buf bytes.Buffer
	if _, err := io.Copy(io.MultiWriter(&buf, cw), io.LimitReader(r, limit+1)); err != nil {
		return nil, err
	}
	if int64(buf.Len()) > limit {
		return nil, fmt.Errorf("response exceeds %d byte limit", limit)
	}
	return buf.Bytes(), nil
}
