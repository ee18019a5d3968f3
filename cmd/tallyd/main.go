// Command tallyd runs the tally engine against MongoDB: it migrates indexes,
// drives the deferred completion queue and maintenance loop, and exposes
// Prometheus metrics until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	tally "github.com/xraph/tally"
	audithook "github.com/xraph/tally/audit_hook"
	"github.com/xraph/tally/config"
	"github.com/xraph/tally/observability"
	"github.com/xraph/tally/store/mongo"
	"github.com/xraph/tally/store/redis"
)

func main() {
	configPath := flag.String("config", os.Getenv("TALLY_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("tallyd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	s, err := mongo.Open(connectCtx, cfg.Mongo.URI, cfg.Mongo.Database)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []tally.Option{
		tally.WithConfig(cfg.Tally),
		tally.WithLogger(logger),
		tally.WithPlugin(observability.NewMetricsExtension(observability.NewPrometheusFactory(reg))),
		tally.WithPlugin(audithook.New(auditLog(logger), audithook.WithLogger(logger))),
	}

	if cfg.Redis.Enabled {
		rs, err := redis.Open(connectCtx, cfg.Redis.URL)
		if err != nil {
			_ = s.Close() //nolint:errcheck // already failing
			return err
		}
		defer rs.Close() //nolint:errcheck // best-effort on shutdown
		opts = append(opts,
			tally.WithIdempotencyStore(rs),
			tally.WithLocker(redis.NewLocker(rs.Client())),
		)
		logger.Info("redis idempotency enabled")
	}

	t := tally.New(s, opts...)
	if err := t.Start(ctx); err != nil {
		_ = s.Close() //nolint:errcheck // already failing
		return err
	}

	var srv *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if err := s.Ping(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
		srv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "error", err)
		}
	}

	return t.Stop()
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// auditLog writes audit events to the structured log.
func auditLog(logger *slog.Logger) audithook.RecorderFunc {
	audit := logger.With("component", "audit")
	return func(ctx context.Context, evt *audithook.AuditEvent) error {
		level := slog.LevelInfo
		switch evt.Severity {
		case audithook.SeverityWarning:
			level = slog.LevelWarn
		case audithook.SeverityError, audithook.SeverityCritical:
			level = slog.LevelError
		}
		audit.Log(ctx, level, evt.Action,
			"resource", evt.Resource,
			"resource_id", evt.ResourceID,
			"category", evt.Category,
			"outcome", evt.Outcome,
			"reason", evt.Reason,
			"metadata", evt.Metadata,
		)
		return nil
	}
}
