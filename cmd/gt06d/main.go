// gt06d -- real-time ingestion gateway for GT06-family GPS trackers.
//
// Devices stream binary GT06 packets over long-lived TCP sessions; the
// gateway decodes them, keeps the last-known state per IMEI, acknowledges
// every packet, and fans state updates out to websocket observers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/fleetlink/gt06d/internal/config"
	"github.com/fleetlink/gt06d/internal/dispatch"
	"github.com/fleetlink/gt06d/internal/hub"
	gwmetrics "github.com/fleetlink/gt06d/internal/metrics"
	"github.com/fleetlink/gt06d/internal/registry"
	"github.com/fleetlink/gt06d/internal/server"
	appversion "github.com/fleetlink/gt06d/internal/version"
)

// metricsShutdownTimeout bounds the metrics HTTP server drain.
const metricsShutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("gt06d"))
		return 0
	}

	// 2. Load config.
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := config.NewLogger(cfg.Log, logLevel)

	logger.Info("gt06d starting",
		slog.String("version", appversion.Version),
		slog.String("device_addr", cfg.Device.Addr),
		slog.String("http_addr", cfg.HTTP.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	// 4. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := gwmetrics.NewCollector(reg)

	// 5. Wire the core: registry -> dispatcher -> hub.
	devices := registry.New()
	broadcastHub := hub.New(devices.Snapshot, collector, logger)
	dispatcher := dispatch.New(broadcastHub, logger,
		dispatch.WithQueueCap(cfg.Dispatch.QueueCap),
		dispatch.WithMetrics(collector),
	)
	ingest := server.NewIngestor(devices, dispatcher)

	// 6. Run listeners.
	if err := runServers(cfg, ingest, broadcastHub, dispatcher, collector, reg, logger); err != nil {
		logger.Error("gt06d exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("gt06d stopped")
	return 0
}

// runServers binds all listeners, then runs them under an errgroup with a
// signal-aware context. Shutdown order: stop accepting and close device
// sessions, then drain the per-IMEI queues with a deadline, then drop the
// observers.
func runServers(
	cfg *config.Config,
	ingest *server.Ingestor,
	broadcastHub *hub.Hub,
	dispatcher *dispatch.Dispatcher,
	collector *gwmetrics.Collector,
	promReg *prometheus.Registry,
	logger *slog.Logger,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deviceSrv := server.NewDeviceServer(cfg.Device, cfg.GT06, ingest, collector, logger)
	observerSrv := server.NewObserverServer(cfg.HTTP, broadcastHub, ingest, logger)

	// Bind everything before serving so a bad address fails fast with a
	// non-zero exit.
	deviceLn, err := deviceSrv.Listen()
	if err != nil {
		return err
	}
	httpLn, err := observerSrv.Listen()
	if err != nil {
		_ = deviceLn.Close()
		return err
	}

	var metricsLn net.Listener
	if cfg.Metrics.Addr != "" {
		metricsLn, err = net.Listen("tcp", cfg.Metrics.Addr)
		if err != nil {
			_ = deviceLn.Close()
			_ = httpLn.Close()
			return fmt.Errorf("bind metrics listener %s: %w", cfg.Metrics.Addr, err)
		}
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deviceSrv.Run(gCtx, deviceLn)
	})
	g.Go(func() error {
		return observerSrv.Run(gCtx, httpLn)
	})
	if metricsLn != nil {
		g.Go(func() error {
			return runMetricsServer(gCtx, metricsLn, cfg.Metrics.Path, promReg, logger)
		})
	}

	// Tell systemd we are up once all listeners are bound.
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("sd_notify failed", slog.String("error", err.Error()))
	}

	err = g.Wait()

	// Ingress has stopped; give in-flight queue drains a bounded window
	// so observers see the final updates (including offline transitions).
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatch.DrainTimeout)
	defer cancel()
	if drainErr := dispatcher.Drain(drainCtx); drainErr != nil {
		logger.Warn("queue drain incomplete", slog.String("error", drainErr.Error()))
	}

	broadcastHub.Close()

	return err
}

// runMetricsServer serves the Prometheus endpoint until ctx is cancelled.
func runMetricsServer(
	ctx context.Context,
	ln net.Listener,
	path string,
	reg *prometheus.Registry,
	logger *slog.Logger,
) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	logger.Info("metrics server listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("path", path),
	)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}
