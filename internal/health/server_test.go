package health

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeadapt/gpu-exporter/internal/errors"
	"github.com/kubeadapt/gpu-exporter/internal/gpu"
	"github.com/kubeadapt/gpu-exporter/internal/observability"
	"github.com/kubeadapt/gpu-exporter/internal/probe"
	"github.com/kubeadapt/gpu-exporter/internal/snapshot"
)

// --- Mock implementations ---

type mockReadiness struct {
	ready bool
}

func (m *mockReadiness) IsReady() bool { return m.ready }

type mockDebug struct {
	snap    *snapshot.Snapshot
	devices []gpu.Identity
	errs    []errors.ExporterError
}

func (m *mockDebug) LatestSnapshot() *snapshot.Snapshot     { return m.snap }
func (m *mockDebug) DeviceList() []gpu.Identity             { return m.devices }
func (m *mockDebug) ActiveErrors() []errors.ExporterError { return m.errs }

// --- Helpers ---

func testConfig() ServerConfig {
	return ServerConfig{
		Port:        0,
		MetricsPath: "/metrics",
		RateLimit:   100,
		RateBurst:   100,
		EnableDebug: true,
	}
}

func newTestServer(t *testing.T, ready bool, debug *mockDebug) (*Server, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetrics()
	if debug == nil {
		debug = &mockDebug{}
	}
	return NewServer(testConfig(), nil, metrics, &mockReadiness{ready: ready}, debug, nil), metrics
}

func serve(srv *Server, req *http.Request) *http.Response {
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)
	return w.Result()
}

func get(srv *Server, path string) *http.Response {
	return serve(srv, httptest.NewRequest(http.MethodGet, path, nil))
}

func testSnapshot(t *testing.T) *snapshot.Snapshot {
	t.Helper()
	dev := gpu.Identity{UUID: "GPU-a", Name: "NVIDIA A100"}
	temp := probe.Descriptor{Name: "temperature_celsius", Kind: probe.Gauge}
	power := probe.Descriptor{Name: "power_usage_milliwatts", Kind: probe.Gauge}

	b := snapshot.NewBuilder([]gpu.Identity{dev}, 2)
	require.NoError(t, b.Add(snapshot.Sample{Descriptor: temp, Device: dev, Value: 65, Status: snapshot.StatusOK}))
	require.NoError(t, b.Add(snapshot.Sample{Descriptor: power, Device: dev, Status: snapshot.StatusPermissionDenied}))
	return b.Build(time.Now(), 5*time.Millisecond)
}

// --- Tests ---

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, true, nil)
	resp := get(srv, "/healthz")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "ok", result["status"])
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name   string
		ready  bool
		status int
	}{
		{"ready", true, http.StatusOK},
		{"not ready", false, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, tt.ready, nil)
			resp := get(srv, "/readyz")
			defer resp.Body.Close()

			require.Equal(t, tt.status, resp.StatusCode)
			var result readyzResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
			assert.Equal(t, tt.ready, result.Ready)
			assert.Empty(t, result.Errors)
		})
	}
}

func TestReadyz_ListsActiveErrorCodes(t *testing.T) {
	errs := errors.NewErrorCollector(errors.RealClock{})
	errs.Report(errors.New(errors.ErrDeviceLost, "GPU-b", nil))
	errs.Report(errors.New(errors.ErrDeviceLost, "GPU-a", nil))
	errs.Report(errors.New(errors.ErrDeviceUnavailable, "GPU-c", nil))
	srv := NewServer(testConfig(), nil, observability.NewMetrics(), &mockReadiness{ready: true}, &mockDebug{}, errs)

	resp := get(srv, "/readyz")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result readyzResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.True(t, result.Ready)
	assert.Equal(t, []string{"DEVICE_LOST", "DEVICE_UNAVAILABLE"}, result.Errors)
}

func TestMetrics_ServesExporterAndSelfMetrics(t *testing.T) {
	exporterReg := prometheus.NewRegistry()
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "nvidia_gpu_num_devices", Help: "Number of GPU devices."})
	g.Set(2)
	exporterReg.MustRegister(g)

	metrics := observability.NewMetrics()
	srv := NewServer(testConfig(), exporterReg, metrics, &mockReadiness{ready: true}, &mockDebug{}, nil)

	resp := get(srv, "/metrics")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "nvidia_gpu_num_devices 2")
	assert.Contains(t, string(body), "gpu_exporter_")

	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("/metrics", "200")), 0.001)
}

func TestMetrics_CustomPath(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsPath = "/gpu/metrics"
	srv := NewServer(cfg, nil, observability.NewMetrics(), &mockReadiness{}, &mockDebug{}, nil)

	resp := get(srv, "/gpu/metrics")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = get(srv, "/metrics")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetrics_GzipWhenAccepted(t *testing.T) {
	srv, _ := newTestServer(t, true, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	resp := serve(srv, req)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))

	zr, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Contains(t, string(body), "gpu_exporter_")
}

func TestMetrics_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	metrics := observability.NewMetrics()
	errs := errors.NewErrorCollector(errors.RealClock{})
	srv := NewServer(cfg, nil, metrics, &mockReadiness{ready: true}, &mockDebug{}, errs)

	first := get(srv, "/metrics")
	first.Body.Close()
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second := get(srv, "/metrics")
	second.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.Equal(t, "1", second.Header.Get("Retry-After"))

	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.HTTPRateLimitedTotal), 0.001)
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("/metrics", "429")), 0.001)
	assert.Equal(t, []string{string(errors.ErrScrapeRateExceeded)}, errs.GetActiveErrorCodes())

	// Health probes are not rate limited.
	hz := get(srv, "/healthz")
	hz.Body.Close()
	assert.Equal(t, http.StatusOK, hz.StatusCode)
}

func TestMetrics_UnlimitedByDefault(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 0
	cfg.RateBurst = 0
	metrics := observability.NewMetrics()
	errs := errors.NewErrorCollector(errors.RealClock{})
	srv := NewServer(cfg, nil, metrics, &mockReadiness{ready: true}, &mockDebug{}, errs)

	for range 50 {
		resp := get(srv, "/metrics")
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	assert.InDelta(t, 0.0, testutil.ToFloat64(metrics.HTTPRateLimitedTotal), 0.001)
	assert.InDelta(t, 50.0, testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("/metrics", "200")), 0.001)
	assert.Empty(t, errs.GetActiveErrors())
}

func TestRequestID(t *testing.T) {
	srv, _ := newTestServer(t, true, nil)

	resp := get(srv, "/healthz")
	resp.Body.Close()
	generated := resp.Header.Get("X-Request-Id")
	assert.Len(t, generated, 36)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "6d7b0ec5-6e1a-4c8e-9c3a-1b0b3f1e0001")
	resp = serve(srv, req)
	resp.Body.Close()
	assert.Equal(t, "6d7b0ec5-6e1a-4c8e-9c3a-1b0b3f1e0001", resp.Header.Get("X-Request-Id"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "not a uuid")
	resp = serve(srv, req)
	resp.Body.Close()
	assert.NotEqual(t, "not a uuid", resp.Header.Get("X-Request-Id"))
}

func TestRecoverPanics(t *testing.T) {
	h := recoverPanics(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestDebugSnapshotNoData(t *testing.T) {
	srv, _ := newTestServer(t, true, nil)
	resp := get(srv, "/debug/snapshot")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestDebugSnapshotWithData(t *testing.T) {
	srv, _ := newTestServer(t, true, &mockDebug{snap: testSnapshot(t)})
	resp := get(srv, "/debug/snapshot")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.EqualValues(t, 1, result["device_count"])
	assert.EqualValues(t, 1, result["ok_count"])
	assert.Equal(t, map[string]any{"permission_denied": float64(1)}, result["skipped"])
}

func TestDebugDevices(t *testing.T) {
	devices := []gpu.Identity{{Index: 0, UUID: "GPU-a", Name: "NVIDIA A100", MinorNumber: 0}}
	srv, _ := newTestServer(t, true, &mockDebug{devices: devices})
	resp := get(srv, "/debug/devices")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got []gpu.Identity
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, devices, got)
}

func TestDebugErrors(t *testing.T) {
	errs := []errors.ExporterError{errors.New(errors.ErrDeviceLost, "GPU-a", nil)}
	srv, _ := newTestServer(t, true, &mockDebug{errs: errs})
	resp := get(srv, "/debug/errors")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(body), "DEVICE_LOST"))
}

func TestDebugEndpointsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.EnableDebug = false
	srv := NewServer(cfg, nil, observability.NewMetrics(), &mockReadiness{ready: true}, &mockDebug{snap: testSnapshot(t)}, nil)

	for _, path := range []string{"/debug/snapshot", "/debug/devices", "/debug/errors", "/debug/pprof/"} {
		resp := get(srv, path)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}

	resp := get(srv, "/healthz")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerStartStop(t *testing.T) {
	srv, _ := newTestServer(t, true, nil)

	require.NoError(t, srv.Start())

	_, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	resp, err := http.Get("http://127.0.0.1:" + port + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
}
