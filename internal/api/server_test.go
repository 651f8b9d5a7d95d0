package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phpack/phpack/internal/config"
	"github.com/phpack/phpack/internal/engine"
	"github.com/phpack/phpack/internal/fault"
	"github.com/phpack/phpack/internal/types"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	root := t.TempDir()
	cfg := config.Defaults()
	cfg.Paths.DataDir = filepath.Join(root, "data")
	cfg.Paths.CacheDir = filepath.Join(root, "cache")
	cfg.Paths.WorkspaceRoot = filepath.Join(root, "work")
	cfg.Composer.PackagistURL = ""
	cfg.Ports.Min = 21000
	cfg.Ports.Max = 21999
	cfg.API.AllowedOrigins = []string{"tauri://localhost"}

	e, err := engine.New(context.Background(), &cfg, nil)
	require.NoError(t, err)
	s := New(e, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return s, ts
}

func plainProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.php"), []byte("<?php echo 1;"), 0644))
	return dir
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestDetectErrors(t *testing.T) {
	_, ts := newTestServer(t)

	resp := do(t, http.MethodPost, ts.URL+"/api/v1/detect", pathRequest{Path: filepath.Join(t.TempDir(), "missing")})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[errorResponse](t, resp)
	assert.Equal(t, fault.KindDetection, body.Kind)
	assert.NotEmpty(t, body.Message)
}

func TestProjectEndpoints(t *testing.T) {
	_, ts := newTestServer(t)
	dir := plainProject(t)

	resp := do(t, http.MethodPost, ts.URL+"/api/v1/projects", pathRequest{Path: dir, Name: "calc"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	p := decode[types.Project](t, resp)
	assert.Equal(t, "calc", p.Name)
	assert.Equal(t, types.ProjectTypePlainPHP, p.Type)

	resp = do(t, http.MethodGet, ts.URL+"/api/v1/projects", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]types.Project](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, p.ID, list[0].ID)

	resp = do(t, http.MethodGet, ts.URL+"/api/v1/projects/"+p.ID+"/build-config", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cfg := decode[types.BuildConfig](t, resp)
	assert.Equal(t, "calc", cfg.AppName)

	resp = do(t, http.MethodDelete, ts.URL+"/api/v1/projects/"+p.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/api/v1/projects/"+p.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, fault.KindNotFound, decode[errorResponse](t, resp).Kind)
}

func TestInstallStreamReportsManifestError(t *testing.T) {
	_, ts := newTestServer(t)
	dir := plainProject(t)

	resp := do(t, http.MethodPost, ts.URL+"/api/v1/projects", pathRequest{Path: dir})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	p := decode[types.Project](t, resp)

	resp = do(t, http.MethodPost, ts.URL+"/api/v1/projects/"+p.ID+"/dependencies/install", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var last installLine
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		last = installLine{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &last))
	}
	require.NotNil(t, last.Error)
	assert.Equal(t, fault.KindManifestParse, last.Error.Kind)
	assert.False(t, last.Done)
}

func TestServerEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/api/v1/ports/available", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	port := decode[map[string]int](t, resp)["port"]
	assert.GreaterOrEqual(t, port, 21000)

	resp = do(t, http.MethodGet, ts.URL+"/api/v1/servers/21500", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.ServerStopped, decode[types.ServerInstance](t, resp).Status)

	resp = do(t, http.MethodDelete, ts.URL+"/api/v1/servers/21500", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, fault.KindNotRunning, decode[errorResponse](t, resp).Kind)

	resp = do(t, http.MethodGet, ts.URL+"/api/v1/servers/abc/logs", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBuildNotFound(t *testing.T) {
	_, ts := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/api/v1/builds/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/api/v1/builds", startBuildRequest{ProjectID: "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	_, ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/projects", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "tauri://localhost")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "tauri://localhost", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp2.StatusCode)
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestForeignOriginCannotMutate(t *testing.T) {
	s, ts := newTestServer(t)
	dir := plainProject(t)

	body, err := json.Marshal(pathRequest{Path: dir})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/projects", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://evil.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	list, err := s.engine.ListProjects(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRequiresJSONContentType(t *testing.T) {
	s, ts := newTestServer(t)
	dir := plainProject(t)

	body, err := json.Marshal(pathRequest{Path: dir})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/api/v1/projects", "text/plain", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)

	list, err := s.engine.ListProjects(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)

	resp2, err := http.Post(ts.URL+"/api/v1/projects", "application/json; charset=utf-8", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusCreated, resp2.StatusCode)
}

func TestRejectsForeignHost(t *testing.T) {
	_, ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/projects", nil)
	require.NoError(t, err)
	req.Host = "attacker.example:7420"
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHostAllowed(t *testing.T) {
	tests := []struct {
		host   string
		listen string
		want   bool
	}{
		{"127.0.0.1:7420", "127.0.0.1", true},
		{"localhost:7420", "127.0.0.1", true},
		{"[::1]:7420", "127.0.0.1", true},
		{"attacker.example:7420", "127.0.0.1", false},
		{"phpack.lan:7420", "phpack.lan", true},
		{"attacker.example", "0.0.0.0", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, hostAllowed(tt.host, tt.listen))
		})
	}
}

func TestWebsocketOrigin(t *testing.T) {
	_, ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://evil.example"}},
	})
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}

	c, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"tauri://localhost"}},
	})
	require.NoError(t, err)
	_ = c.Close(websocket.StatusNormalClosure, "")
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)
	do(t, http.MethodGet, ts.URL+"/api/v1/projects", nil)

	resp := do(t, http.MethodGet, ts.URL+"/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind fault.Kind
		want int
	}{
		{fault.KindNotFound, http.StatusNotFound},
		{fault.KindInvalidConfig, http.StatusBadRequest},
		{fault.KindPortInUse, http.StatusConflict},
		{fault.KindNoPortAvailable, http.StatusServiceUnavailable},
		{fault.KindNetwork, http.StatusBadGateway},
		{fault.KindInsufficientSpace, http.StatusInsufficientStorage},
		{fault.KindPackaging, http.StatusInternalServerError},
		{fault.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.kind))
		})
	}
}

func TestHubBroadcastWithoutClients(t *testing.T) {
	s, _ := newTestServer(t)
	s.hub.Broadcast(MessageServerStats, []types.ServerInstance{})
	s.hub.ServerActivity()
	assert.Zero(t, s.hub.ConnectionCount())
}
