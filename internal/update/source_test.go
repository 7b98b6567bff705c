package update

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"fwlink/internal/config"
	"fwlink/internal/fault"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func githubServer(t *testing.T, image []byte, withDigest bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/repos/acme/widget/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		digest := ""
		if withDigest {
			digest = fmt.Sprintf(`,{"name":"widget.bin.sha256","browser_download_url":"%s/dl/widget.bin.sha256","size":64}`, srv.URL)
		}
		fmt.Fprintf(w, `{"tag_name":"v1.4.0","name":"1.4.0","assets":[
			{"name":"notes.txt","browser_download_url":"%[1]s/dl/notes.txt","size":3},
			{"name":"widget.bin","browser_download_url":"%[1]s/dl/widget.bin","size":%[2]d}%[3]s]}`,
			srv.URL, len(image), digest)
	})
	mux.HandleFunc("/dl/widget.bin", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(image)
	})
	mux.HandleFunc("/dl/widget.bin.sha256", func(w http.ResponseWriter, r *http.Request) {
		sum := sha256.Sum256(image)
		fmt.Fprintf(w, "%s  widget.bin\n", hex.EncodeToString(sum[:]))
	})
	return srv, &hits
}

func newTestGitHub(api string) *GitHubSource {
	return NewGitHubSource(config.SourceConfig{
		Kind:        config.SourceGitHub,
		GitHubRepo:  "acme/widget",
		GitHubToken: "secret",
		GitHubAPI:   api,
	})
}

func TestGitHubLatestAndFetch(t *testing.T) {
	image := firmware(300)
	srv, _ := githubServer(t, image, true)
	src := newTestGitHub(srv.URL)

	rel, err := src.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.4.0", rel.Version)
	assert.Equal(t, "widget.bin", rel.Name)
	assert.Equal(t, int64(len(image)), rel.Size)
	sum := sha256.Sum256(image)
	assert.Equal(t, hex.EncodeToString(sum[:]), rel.SHA256)

	var last int64
	img, err := src.Fetch(context.Background(), rel, func(done, total int64) { last = done })
	require.NoError(t, err)
	assert.Equal(t, image, img.Data)
	assert.Equal(t, int64(len(image)), last)
	assert.NoError(t, verifyDigest("test", img.Data, rel.SHA256))
}

func TestGitHubWithoutDigest(t *testing.T) {
	srv, _ := githubServer(t, firmware(10), false)

	rel, err := newTestGitHub(srv.URL).Latest(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rel.SHA256)
}

func TestGitHubMissingRelease(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()
	src := newTestGitHub(srv.URL)

	// not found never trips the breaker
	for range 5 {
		_, err := src.Latest(context.Background())
		assert.ErrorIs(t, err, ErrNoRelease)
	}
	assert.EqualValues(t, 5, hits.Load())
}

func TestGitHubBadTag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"tag_name":"nightly","assets":[]}`)
	}))
	defer srv.Close()

	_, err := newTestGitHub(srv.URL).Latest(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoRelease)
	assert.Contains(t, err.Error(), "nightly")
}

func TestGitHubReleaseWithoutImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"tag_name":"v2.0.0","assets":[{"name":"readme.md"}]}`)
	}))
	defer srv.Close()

	_, err := newTestGitHub(srv.URL).Latest(context.Background())
	assert.ErrorIs(t, err, ErrNoRelease)
}

func TestGitHubBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	src := newTestGitHub(srv.URL)

	for range 3 {
		_, err := src.Latest(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "502")
	}
	_, err := src.Latest(context.Background())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.EqualValues(t, 3, hits.Load())
	assert.True(t, fault.Is(fault.Normalize("check", err), fault.Transport))
}

func TestGitHubResponseLimit(t *testing.T) {
	_, err := readLimited(bytes.NewReader(make([]byte, 11)), -1, 10, nil)
	assert.Error(t, err)

	b, err := readLimited(bytes.NewReader(make([]byte, 10)), 10, 10, nil)
	require.NoError(t, err)
	assert.Len(t, b, 10)

	_, err = readLimited(bytes.NewReader(nil), 100, 10, nil)
	assert.Error(t, err)
}

func TestDirSourcePicksHighestVersion(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, data []byte) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	}
	newest := []byte("v1.10 image")
	write("widget-v1.2.0.bin", []byte("old"))
	write("widget-v1.10.0.bin", newest)
	write("widget-v1.9.3.bin", []byte("older"))
	write("widget-latest.bin", []byte("ignored"))
	write("notes.txt", []byte("ignored"))
	sum := sha256.Sum256(newest)
	write("widget-v1.10.0.bin.sha256", []byte(hex.EncodeToString(sum[:])+"  widget-v1.10.0.bin\n"))

	src := NewDirSource(dir)
	rel, err := src.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", rel.Version)
	assert.Equal(t, "widget-v1.10.0.bin", rel.Name)
	assert.Equal(t, hex.EncodeToString(sum[:]), rel.SHA256)

	img, err := src.Fetch(context.Background(), rel, nil)
	require.NoError(t, err)
	assert.Equal(t, newest, img.Data)
}

func TestDirSourceEmpty(t *testing.T) {
	_, err := NewDirSource(t.TempDir()).Latest(context.Background())
	assert.ErrorIs(t, err, ErrNoRelease)

	_, err = NewDirSource(filepath.Join(t.TempDir(), "missing")).Latest(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoRelease))
}

func TestDirSourceBadDigest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fw-v1.0.0.bin"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fw-v1.0.0.bin.sha256"), []byte("zz"), 0o644))

	_, err := NewDirSource(dir).Latest(context.Background())
	assert.Error(t, err)
}

func TestNewSource(t *testing.T) {
	src, err := NewSource(config.SourceConfig{})
	require.NoError(t, err)
	assert.False(t, Configured(src))

	src, err = NewSource(config.SourceConfig{Kind: "dir", Dir: "/tmp/fw"})
	require.NoError(t, err)
	assert.True(t, Configured(src))
	assert.Equal(t, "dir:/tmp/fw", src.Name())

	src, err = NewSource(config.SourceConfig{Kind: "GitHub", GitHubRepo: "acme/widget"})
	require.NoError(t, err)
	assert.Equal(t, "github:acme/widget", src.Name())

	_, err = NewSource(config.SourceConfig{Kind: "ftp"})
	assert.Error(t, err)
}

func TestVerifyDigest(t *testing.T) {
	data := []byte("firmware")
	sum := sha256.Sum256(data)
	assert.NoError(t, verifyDigest("op", data, ""))
	assert.NoError(t, verifyDigest("op", data, " "+hex.EncodeToString(sum[:])+"\n"))
	assert.True(t, fault.Is(verifyDigest("op", []byte("other"), hex.EncodeToString(sum[:])), fault.Integrity))
}
