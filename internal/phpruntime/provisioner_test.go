package phpruntime

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phpack/phpack/internal/fault"
	"github.com/phpack/phpack/internal/logging"
	"github.com/phpack/phpack/internal/types"
)

func makeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func makeTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0755,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// runtimeServer serves an index and archives, counting archive downloads
type runtimeServer struct {
	*httptest.Server
	mu        sync.Mutex
	index     Index
	archives  map[string][]byte
	downloads atomic.Int32
	failFirst atomic.Int32 // respond 503 to this many archive requests
	delay     time.Duration
}

func newRuntimeServer(t *testing.T) *runtimeServer {
	rs := &runtimeServer{archives: map[string][]byte{}}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/index.json" {
			rs.mu.Lock()
			defer rs.mu.Unlock()
			_ = json.NewEncoder(w).Encode(rs.index)
			return
		}
		rs.mu.Lock()
		data, ok := rs.archives[r.URL.Path]
		rs.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		rs.downloads.Add(1)
		if rs.failFirst.Load() > 0 {
			rs.failFirst.Add(-1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if rs.delay > 0 {
			time.Sleep(rs.delay)
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *runtimeServer) add(platform types.Platform, version, path string, data []byte, sum string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.archives[path] = data
	rs.index.Runtimes = append(rs.index.Runtimes, IndexEntry{
		Platform: platform,
		Version:  version,
		URL:      path[1:], // relative to the index
		SHA256:   sum,
	})
}

func linuxRuntime(t *testing.T) []byte {
	return makeTarGz(t, map[string]string{
		"php-8.2.12/bin/php":         "#!/bin/sh\n",
		"php-8.2.12/ext/curl.so":     "so",
		"php-8.2.12/ext/mbstring.so": "so",
	})
}

func newTestProvisioner(t *testing.T, rs *runtimeServer) *Provisioner {
	t.Helper()
	retry := DefaultRetryConfig()
	retry.InitialBackoff = time.Millisecond
	retry.MaxBackoff = 5 * time.Millisecond
	p, err := NewProvisioner(Options{
		CacheDir:           t.TempDir(),
		SupportedVersions:  []string{"8.1", "8.2", "8.3"},
		MaxParallelFetches: 2,
		Retry:              retry,
	}, []Source{NewIndexSource(rs.URL+"/index.json", nil)}, WithLogger(logging.Discard()))
	require.NoError(t, err)
	return p
}

func TestProvisionFetchesOnceThenCaches(t *testing.T) {
	rs := newRuntimeServer(t)
	data := linuxRuntime(t)
	rs.add(types.PlatformLinuxX64, "8.2.12", "/linux/php-8.2.12.tar.gz", data, digest(data))
	p := newTestProvisioner(t, rs)
	ctx := context.Background()

	assert.False(t, p.Cached(types.PlatformLinuxX64, "8.2"))

	h, err := p.Provision(ctx, types.PlatformLinuxX64, "8.2")
	require.NoError(t, err)
	assert.False(t, h.FromCache)
	assert.Equal(t, "8.2.12", h.ResolvedVersion)
	assert.FileExists(t, h.BinaryPath())
	assert.ElementsMatch(t, []string{"curl", "mbstring"}, h.Extensions)
	assert.True(t, h.HasExtension("curl"))
	assert.Equal(t, digest(data), h.SHA256)

	again, err := p.Provision(ctx, types.PlatformLinuxX64, "8.2")
	require.NoError(t, err)
	assert.True(t, again.FromCache)
	assert.Equal(t, h.Dir, again.Dir)
	assert.Equal(t, int32(1), rs.downloads.Load(), "cache hit performs no download")
	assert.True(t, p.Cached(types.PlatformLinuxX64, "8.2"))
}

func TestProvisionPicksHighestMatchingVersion(t *testing.T) {
	rs := newRuntimeServer(t)
	for _, v := range []string{"8.2.9", "8.2.12", "8.2.10", "8.3.1"} {
		data := makeZip(t, map[string]string{"php.exe": v})
		rs.add(types.PlatformWindowsX64, v, "/win/php-"+v+".zip", data, digest(data))
	}
	p := newTestProvisioner(t, rs)

	h, err := p.Provision(context.Background(), types.PlatformWindowsX64, "8.2")
	require.NoError(t, err)
	assert.Equal(t, "8.2.12", h.ResolvedVersion)
	assert.Equal(t, "php.exe", h.Binary)

	exact, err := p.Provision(context.Background(), types.PlatformWindowsX64, "8.2.10")
	require.NoError(t, err)
	assert.Equal(t, "8.2.10", exact.ResolvedVersion)
}

func TestProvisionConcurrentRequestsShareOneFetch(t *testing.T) {
	rs := newRuntimeServer(t)
	rs.delay = 200 * time.Millisecond
	data := linuxRuntime(t)
	rs.add(types.PlatformLinuxX64, "8.2.12", "/linux/php-8.2.12.tar.gz", data, digest(data))
	p := newTestProvisioner(t, rs)

	var wg sync.WaitGroup
	dirs := make([]string, 8)
	errs := make([]error, 8)
	for i := range dirs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := p.Provision(context.Background(), types.PlatformLinuxX64, "8.2")
			errs[i] = err
			if h != nil {
				dirs[i] = h.Dir
			}
		}(i)
	}
	wg.Wait()

	for i := range dirs {
		require.NoError(t, errs[i])
		assert.Equal(t, dirs[0], dirs[i])
	}
	assert.Equal(t, int32(1), rs.downloads.Load())
}

func TestProvisionSurvivesCancelledCoWaiter(t *testing.T) {
	rs := newRuntimeServer(t)
	rs.delay = 300 * time.Millisecond
	data := linuxRuntime(t)
	rs.add(types.PlatformLinuxX64, "8.2.12", "/linux/php-8.2.12.tar.gz", data, digest(data))
	p := newTestProvisioner(t, rs)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := p.Provision(firstCtx, types.PlatformLinuxX64, "8.2")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return rs.downloads.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	second := make(chan error, 1)
	var h *Handle
	go func() {
		var err error
		h, err = p.Provision(context.Background(), types.PlatformLinuxX64, "8.2")
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancelFirst()

	assert.True(t, fault.Is(<-firstErr, fault.KindCancelled))
	require.NoError(t, <-second)
	assert.Equal(t, "8.2.12", h.ResolvedVersion)
	assert.Equal(t, int32(1), rs.downloads.Load())
}

func TestProvisionSoleWaiterCancelAbortsFetch(t *testing.T) {
	rs := newRuntimeServer(t)
	rs.delay = 300 * time.Millisecond
	data := linuxRuntime(t)
	rs.add(types.PlatformLinuxX64, "8.2.12", "/linux/php-8.2.12.tar.gz", data, digest(data))
	p := newTestProvisioner(t, rs)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for rs.downloads.Load() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()
	_, err := p.Provision(ctx, types.PlatformLinuxX64, "8.2")
	assert.True(t, fault.Is(err, fault.KindCancelled))

	require.Eventually(t, func() bool {
		p.flightMu.Lock()
		defer p.flightMu.Unlock()
		return len(p.flights) == 0
	}, time.Second, 5*time.Millisecond)
	assert.False(t, p.Cached(types.PlatformLinuxX64, "8.2"))
}

func TestProvisionChecksumMismatch(t *testing.T) {
	rs := newRuntimeServer(t)
	data := linuxRuntime(t)
	rs.add(types.PlatformLinuxX64, "8.2.12", "/linux/php-8.2.12.tar.gz", data, digest([]byte("something else")))
	p := newTestProvisioner(t, rs)

	_, err := p.Provision(context.Background(), types.PlatformLinuxX64, "8.2")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindIntegrity))
	assert.Equal(t, int32(1), rs.downloads.Load(), "integrity failures are not retried")
	assert.False(t, p.Cached(types.PlatformLinuxX64, "8.2"))

	leftovers, _ := os.ReadDir(filepath.Join(p.opts.CacheDir, ".downloads"))
	assert.Empty(t, leftovers, "temporary download removed")
	_, statErr := os.Stat(filepath.Join(p.opts.CacheDir, "linux-x64", "8.2"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestProvisionMissingRuntime(t *testing.T) {
	rs := newRuntimeServer(t)
	data := linuxRuntime(t)
	rs.add(types.PlatformLinuxX64, "8.2.12", "/linux/php-8.2.12.tar.gz", data, digest(data))
	p := newTestProvisioner(t, rs)

	_, err := p.Provision(context.Background(), types.PlatformMacOSARM64, "8.2")
	assert.True(t, fault.Is(err, fault.KindUnsupportedPlatform))
	assert.Zero(t, rs.downloads.Load())
}

func TestProvisionUnsupportedVersionSkipsNetwork(t *testing.T) {
	rs := newRuntimeServer(t)
	p := newTestProvisioner(t, rs)
	_, err := p.Provision(context.Background(), types.PlatformLinuxX64, "7.4")
	assert.True(t, fault.Is(err, fault.KindUnsupportedPlatform))

	_, err = p.Provision(context.Background(), types.Platform("solaris-sparc"), "8.2")
	assert.True(t, fault.Is(err, fault.KindUnsupportedPlatform))
}

func TestProvisionRetriesTransientFailures(t *testing.T) {
	rs := newRuntimeServer(t)
	data := linuxRuntime(t)
	rs.add(types.PlatformLinuxX64, "8.2.12", "/linux/php-8.2.12.tar.gz", data, digest(data))
	rs.failFirst.Store(2)
	p := newTestProvisioner(t, rs)

	h, err := p.Provision(context.Background(), types.PlatformLinuxX64, "8.2")
	require.NoError(t, err)
	assert.FileExists(t, h.BinaryPath())
	assert.Equal(t, int32(3), rs.downloads.Load())
}

func TestProvisionGivesUpAfterMaxAttempts(t *testing.T) {
	rs := newRuntimeServer(t)
	data := linuxRuntime(t)
	rs.add(types.PlatformLinuxX64, "8.2.12", "/linux/php-8.2.12.tar.gz", data, digest(data))
	rs.failFirst.Store(100)
	p := newTestProvisioner(t, rs)

	_, err := p.Provision(context.Background(), types.PlatformLinuxX64, "8.2")
	assert.True(t, fault.Is(err, fault.KindNetwork))
	assert.Equal(t, int32(p.opts.Retry.MaxAttempts), rs.downloads.Load())
}

func TestProvisionRejectsPathTraversal(t *testing.T) {
	rs := newRuntimeServer(t)
	data := makeZip(t, map[string]string{"php.exe": "x", "../../evil.php": "<?php"})
	rs.add(types.PlatformWindowsX64, "8.2.1", "/win/php-8.2.1.zip", data, digest(data))
	p := newTestProvisioner(t, rs)

	_, err := p.Provision(context.Background(), types.PlatformWindowsX64, "8.2")
	assert.True(t, fault.Is(err, fault.KindIntegrity))
	_, statErr := os.Stat(filepath.Join(filepath.Dir(p.opts.CacheDir), "evil.php"))
	assert.True(t, os.IsNotExist(statErr))
	assert.False(t, p.Cached(types.PlatformWindowsX64, "8.2"))
}

func TestProvisionCancelled(t *testing.T) {
	rs := newRuntimeServer(t)
	p := newTestProvisioner(t, rs)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Provision(ctx, types.PlatformLinuxX64, "8.2")
	assert.True(t, fault.Is(err, fault.KindCancelled))
}

func TestListAndPrune(t *testing.T) {
	rs := newRuntimeServer(t)
	lin := linuxRuntime(t)
	rs.add(types.PlatformLinuxX64, "8.2.12", "/linux/php-8.2.12.tar.gz", lin, digest(lin))
	rs.add(types.PlatformLinuxX64, "8.3.0", "/linux/php-8.3.0.tar.gz", lin, digest(lin))
	p := newTestProvisioner(t, rs)
	ctx := context.Background()

	_, err := p.Provision(ctx, types.PlatformLinuxX64, "8.2")
	require.NoError(t, err)
	_, err = p.Provision(ctx, types.PlatformLinuxX64, "8.3")
	require.NoError(t, err)

	// a partial install left behind by a crash
	require.NoError(t, os.MkdirAll(filepath.Join(p.opts.CacheDir, "linux-x64", "8.1"), 0755))

	list, err := p.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "8.2", list[0].Version)

	removed, err := p.Prune([]Key{{types.PlatformLinuxX64, "8.3"}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []Key{{types.PlatformLinuxX64, "8.2"}, {types.PlatformLinuxX64, "8.1"}}, removed)
	assert.True(t, p.Cached(types.PlatformLinuxX64, "8.3"))
	assert.False(t, p.Cached(types.PlatformLinuxX64, "8.2"))
}
