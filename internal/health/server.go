package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/kubeadapt/gpu-exporter/internal/errors"
	"github.com/kubeadapt/gpu-exporter/internal/gpu"
	"github.com/kubeadapt/gpu-exporter/internal/observability"
	"github.com/kubeadapt/gpu-exporter/internal/snapshot"
)

// ReadinessChecker reports whether the exporter is ready to serve scrapes.
type ReadinessChecker interface {
	IsReady() bool
}

// DebugProvider exposes exporter internals for the debug endpoints.
type DebugProvider interface {
	LatestSnapshot() *snapshot.Snapshot
	DeviceList() []gpu.Identity
	ActiveErrors() []errors.ExporterError
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// Port to listen on. Pass 0 to let the OS pick a free port (useful for tests).
	Port        int
	MetricsPath string
	RateLimit   float64 // scrapes per second on MetricsPath; <= 0 disables limiting
	RateBurst   int
	EnableDebug bool
}

// Server exposes metrics, health, readiness, and debug endpoints.
type Server struct {
	httpServer *http.Server
	metrics    *observability.Metrics
	readiness  ReadinessChecker
	debug      DebugProvider
	limiter    *rate.Limiter // nil when scrapes are unlimited
	listener   net.Listener
	errs       *errors.ErrorCollector
}

// NewServer creates a new server. exporter is the registry holding the
// device metrics; it is served on MetricsPath together with the self-metrics.
// When cfg.EnableDebug is true, pprof and debug endpoints are registered.
func NewServer(cfg ServerConfig, exporter prometheus.Gatherer, metrics *observability.Metrics, readiness ReadinessChecker, debug DebugProvider, errs *errors.ErrorCollector) *Server {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	s := &Server{
		metrics:   metrics,
		readiness: readiness,
		debug:     debug,
		errs:      errs,
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}

	gatherers := prometheus.Gatherers{metrics.Registry}
	if exporter != nil {
		gatherers = append(prometheus.Gatherers{exporter}, gatherers...)
	}
	metricsHandler := promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{
		ErrorLog:           slog.NewLogLogger(slog.Default().Handler(), slog.LevelError),
		ErrorHandling:      promhttp.ContinueOnError,
		DisableCompression: true,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle(cfg.MetricsPath, s.instrument(cfg.MetricsPath, s.rateLimit(gzhttp.GzipHandler(metricsHandler))))

	if cfg.EnableDebug {
		// pprof handlers, only enabled when GPU_EXPORTER_DEBUG_ENDPOINTS=true
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		// debug endpoints
		mux.Handle("/debug/snapshot", gzhttp.GzipHandler(http.HandlerFunc(s.handleDebugSnapshot)))
		mux.HandleFunc("/debug/devices", s.handleDebugDevices)
		mux.HandleFunc("/debug/errors", s.handleDebugErrors)
	}

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Port),
		Handler:        requestID(logRequests(recoverPanics(mux))),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	return s
}

// Start begins listening and serving HTTP in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("health server listen: %w", err)
	}
	s.listener = ln
	// Update Addr to the actual address (important when port=0).
	s.httpServer.Addr = ln.Addr().String()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server exited", "error", err)
			if s.errs != nil {
				s.errs.Report(errors.New(errors.ErrHTTPServerFailed, "health", err))
			}
		}
	}()
	return nil
}

// Addr returns the listen address; after Start it carries the bound port.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// instrument counts requests to path by status code.
func (s *Server) instrument(path string, next http.Handler) http.Handler {
	counter := s.metrics.HTTPRequestsTotal.MustCurryWith(prometheus.Labels{"path": path})
	return promhttp.InstrumentHandlerCounter(counter, next)
}

// rateLimit rejects scrapes beyond the configured rate with 429.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.metrics.HTTPRateLimitedTotal.Inc()
			if s.errs != nil {
				s.errs.Report(errors.New(errors.ErrScrapeRateExceeded, "health", nil))
			}
			w.Header().Set("Retry-After", "1")
			http.Error(w, "scrape rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type readyzResponse struct {
	Ready  bool     `json:"ready"`
	Errors []string `json:"errors,omitempty"`
}

// handleReadyz reports readiness along with the codes of any active errors.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	resp := readyzResponse{Ready: s.readiness.IsReady()}
	if s.errs != nil {
		resp.Errors = s.errs.GetActiveErrorCodes()
	}
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleDebugSnapshot(w http.ResponseWriter, _ *http.Request) {
	snap := s.debug.LatestSnapshot()
	if snap == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, snapshot.ComputeSummary(snap))
}

func (s *Server) handleDebugDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.debug.DeviceList())
}

func (s *Server) handleDebugErrors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.debug.ActiveErrors())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
