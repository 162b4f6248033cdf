package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mithril-sec/mithril-proxy/internal/adapter/inbound/admin"
	proxyhttp "github.com/mithril-sec/mithril-proxy/internal/adapter/inbound/http"
	auditfile "github.com/mithril-sec/mithril-proxy/internal/adapter/outbound/audit"
	"github.com/mithril-sec/mithril-proxy/internal/adapter/outbound/bridge"
	"github.com/mithril-sec/mithril-proxy/internal/adapter/outbound/upstream"
	"github.com/mithril-sec/mithril-proxy/internal/config"
	"github.com/mithril-sec/mithril-proxy/internal/domain/audit"
	"github.com/mithril-sec/mithril-proxy/internal/domain/destination"
	"github.com/mithril-sec/mithril-proxy/internal/domain/scan"
	"github.com/mithril-sec/mithril-proxy/internal/domain/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy",
	Long: `Start the proxy's main listener and the loopback admin listener.

Destination validation is fail-fast: a stdio command whose executable is not
on PATH, or an upstream URL with a bad scheme, aborts startup.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// shutdownGrace bounds the post-listener teardown: bridge subprocesses and
// the audit sink.
const shutdownGrace = 15 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	settings, err := config.LoadSettings()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	// Logger to stderr; the audit trail goes to LOG_FILE, not here.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(settings.LogLevel),
	}))
	slog.SetDefault(logger)

	dests, err := config.LoadDestinations(settings.DestinationsPath)
	if err != nil {
		return err
	}
	secrets, err := config.LoadSecrets(settings.SecretsPath)
	if err != nil {
		return err
	}
	config.ApplySecrets(dests, secrets)

	registry, err := destination.NewRegistry(dests)
	if err != nil {
		return fmt.Errorf("destination validation failed: %w", err)
	}
	logger.Info("destinations loaded", "count", registry.Len(),
		"config", settings.DestinationsPath)

	sink, err := auditfile.NewFileStore(settings.LogFile, logger)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	patterns := scan.NewPatternStore(settings.PatternsDir, logger)
	scanner := scan.NewScanner(patterns, nil, settings.AIInjectionThreshold, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sessions := session.NewMap(0)
	bridges := make(map[string]*bridge.Bridge)

	metrics := proxyhttp.NewMetrics(reg, func() float64 {
		n := sessions.Len()
		for _, br := range bridges {
			n += br.Sessions()
		}
		return float64(n)
	})

	for _, d := range registry.All() {
		if d.Kind != destination.KindStdio {
			continue
		}
		name := d.Name
		bridges[name] = bridge.New(d, bridge.Options{
			MaxSessions: int64(settings.MaxStdioConnections),
			RPCTimeout:  settings.RPCTimeout(),
			Logger:      logger,
			Sink:        sink,
			OnRestart: func() {
				metrics.BridgeRestartsTotal.WithLabelValues(name).Inc()
			},
		})
	}

	handler := proxyhttp.NewHandler(proxyhttp.Config{
		Registry: registry,
		Sessions: sessions,
		Upstream: upstream.NewClient(),
		Bridges:  bridges,
		Scanner:  scanner,
		Sink:     sink,
		Policy: audit.BodyPolicy{
			CaptureBodies: settings.AuditLogBodies,
			MaxBodyBytes:  settings.MaxBodyBytes,
		},
		Metrics:               metrics,
		Logger:                logger,
		MaxConnPerDestination: int64(settings.MaxStdioConnections),
	})

	adminHandler := admin.NewHandler(patterns, sink, reg, logger)

	mainSrv := proxyhttp.NewServer(settings.ListenAddr, handler.Routes(), logger)
	adminSrv := proxyhttp.NewServer(settings.AdminAddr(), adminHandler.Routes(), logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mainSrv.Start(gctx) })
	g.Go(func() error { return adminSrv.Start(gctx) })

	serveErr := g.Wait()

	// Listeners are drained; now stop the subprocesses and close the sink.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	for name, br := range bridges {
		if err := br.Shutdown(shutdownCtx); err != nil {
			logger.Warn("bridge shutdown failed", "destination", name, "error", err)
		}
	}
	if err := sink.Close(); err != nil {
		logger.Warn("audit sink close failed", "error", err)
	}

	logger.Info("proxy stopped")
	return serveErr
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
