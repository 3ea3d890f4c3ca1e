package cmd

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/manenim/redline/pkg/limiter"
)

var serveFlags struct {
	addr         string
	pingLimit    int64
	pingInterval string
	workers      int64
	workDuration time.Duration
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a demo HTTP server guarded by limiters",
	Long: `Run an HTTP server whose endpoints are guarded by shared limiters.

  /ping     fixed window per client IP, 429 with Retry-After when exceeded
  /work     semaphore bounding concurrent jobs across every server instance
  /metrics  Prometheus metrics for limiter events and store latency`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveFlags.addr, "addr", ":8080", "listen address")
	f.Int64Var(&serveFlags.pingLimit, "ping-limit", 5, "requests allowed per client per interval on /ping")
	f.StringVar(&serveFlags.pingInterval, "ping-interval", "second", "window for /ping: second, minute, hour, day or seconds")
	f.Int64Var(&serveFlags.workers, "workers", 2, "concurrent jobs allowed on /work")
	f.DurationVar(&serveFlags.workDuration, "work-duration", 500*time.Millisecond, "simulated duration of a /work job")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	interval, err := limiter.ParseInterval(serveFlags.pingInterval)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	rec := limiter.NewPrometheusRecorder(reg)

	conn, cfg, err := connect(logger, limiter.WithRecorder(rec))
	if err != nil {
		return err
	}
	defer conn.Close()

	jobs, err := conn.Semaphore("jobs", serveFlags.workers)
	if err != nil {
		return err
	}

	s := &server{
		logger: logger,
		perClient: func(client string) (limiter.Limiter, error) {
			return conn.FixedWindow("ping_"+client, serveFlags.pingLimit, interval)
		},
		jobs:         jobs,
		workDuration: serveFlags.workDuration,
	}

	mux := http.NewServeMux()
	s.routes(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              serveFlags.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", serveFlags.addr),
			zap.String("namespace", cfg.Namespace),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type server struct {
	logger       *zap.Logger
	perClient    func(client string) (limiter.Limiter, error)
	jobs         limiter.Limiter
	workDuration time.Duration
}

func (s *server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/ping", s.handlePing)
	mux.HandleFunc("/work", s.handleWork)
}

func (s *server) handlePing(w http.ResponseWriter, r *http.Request) {
	l, err := s.perClient(clientName(r.RemoteAddr))
	if err != nil {
		s.logger.Error("building client limiter", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.guard(w, r, l, func(context.Context) error {
		_, err := w.Write([]byte("Pong!\n"))
		return err
	})
}

func (s *server) handleWork(w http.ResponseWriter, r *http.Request) {
	s.guard(w, r, s.jobs, func(ctx context.Context) error {
		select {
		case <-time.After(s.workDuration):
		case <-ctx.Done():
			return ctx.Err()
		}
		_, err := w.Write([]byte("done\n"))
		return err
	})
}

// guard runs body under l. Store failures fail open: the request is served
// without a limit rather than rejected.
func (s *server) guard(w http.ResponseWriter, r *http.Request, l limiter.Limiter, body func(context.Context) error) {
	ran, err := l.WithinLimit(r.Context(), body)
	if ran {
		if err != nil {
			s.logger.Warn("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		}
		return
	}

	var over *limiter.OverLimitError
	switch {
	case err == nil || errors.As(err, &over):
		if over != nil && over.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(over.RetryAfter.Seconds()))))
		}
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
	case limiter.IsConnectionError(err):
		s.logger.Warn("limiter unavailable, failing open", zap.String("path", r.URL.Path), zap.Error(err))
		if err := body(r.Context()); err != nil {
			s.logger.Warn("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		}
	default:
		s.logger.Warn("limiter wait aborted", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
	}
}

// clientName turns a remote address into a valid limiter name.
func clientName(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, host)
	if name == "" {
		return "unknown"
	}
	return name
}
