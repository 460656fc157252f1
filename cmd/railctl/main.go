package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/railfabric/ofi-rail/internal/config"
	"github.com/railfabric/ofi-rail/internal/device"
	"github.com/railfabric/ofi-rail/internal/fabric/loopback"
	"github.com/railfabric/ofi-rail/internal/metrics"
	"github.com/railfabric/ofi-rail/internal/netdev"
	"github.com/railfabric/ofi-rail/internal/plugin"
	"github.com/railfabric/ofi-rail/internal/rdma"
	"github.com/railfabric/ofi-rail/internal/server"
	"github.com/railfabric/ofi-rail/internal/topology"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		// flag package already printed the error to stderr.
		os.Exit(2)
	}
	if cfg.ShowVersion {
		fmt.Println("railctl (github.com/railfabric/ofi-rail)")
		os.Exit(0)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("starting railctl",
		"listen_address", cfg.ListenAddress,
		"metrics_path", cfg.MetricsPath,
		"health_path", cfg.HealthPath,
		"rails", cfg.RailNames,
		"rails_per_device", cfg.RailsPerDevice,
		"protocol", cfg.Protocol,
	)

	devices, props, err := buildDevices(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("building devices failed", "err", err)
		os.Exit(1)
	}

	recorder := metrics.NewRecorder()
	eng, err := plugin.New(logger, cfg, recorder, devices, props)
	if err != nil {
		logger.Error("plugin init failed", "err", err)
		os.Exit(1)
	}

	collectors := []prometheus.Collector{
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	}
	collectors = append(collectors, recorder.Collectors()...)

	endpoints := make([]*plugin.Endpoint, eng.Devices())
	for i := range endpoints {
		ep, err := eng.OpenEndpoint(i)
		if err != nil {
			logger.Error("open endpoint failed", "device", i, "err", err)
			os.Exit(1)
		}
		endpoints[i] = ep
		collectors = append(collectors, metrics.NewEngineCollector(ep.Raw()))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors...)

	srv := server.New(server.Options{
		ListenAddress: cfg.ListenAddress,
		MetricsPath:   cfg.MetricsPath,
		HealthPath:    cfg.HealthPath,
		ScrapeTimeout: cfg.ScrapeTimeout,
	}, registry, logger)

	progressCtx, stopProgress := context.WithCancel(context.Background())
	defer stopProgress()
	go progressLoop(progressCtx, endpoints, logger)

	errCh := make(chan error, 1)
	go func() {
		if serveErr := srv.ListenAndServe(); serveErr != nil {
			errCh <- serveErr
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("signal received, shutting down", "signal", sig.String())
	case serveErr := <-errCh:
		logger.Error("server exited with error", "err", serveErr)
		os.Exit(1)
	}

	stopProgress()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
		os.Exit(1)
	}

	for i, ep := range endpoints {
		if err := ep.Close(); err != nil {
			logger.Warn("endpoint close failed", "device", i, "err", err)
		}
	}
	for i, dev := range devices {
		if err := dev.Close(); err != nil {
			logger.Warn("device close failed", "device", i, "err", err)
		}
	}

	logger.Info("shutdown complete")
}

// buildDevices groups cfg.RailNames into logical devices and enriches
// each rail's descriptor via sysfs (and, where the rail's bound netdev
// is known, ethtool's finer-grained link speed). Rail discovery itself
// is out of scope (spec.md §1 Non-goals): every rail named here was
// already named by the operator through --rails.
//
// This binary's fabric.Domain is always internal/fabric/loopback: the
// engine treats the underlying RDMA transport as a supplied
// collaborator (spec.md §1 "transport-layer reliability provided by
// the underlying RDMA fabric" is a Non-goal), and this repository
// ships no real verbs/libfabric cgo binding for one. A deployment
// wiring a real NIC would implement fabric.Domain against that
// transport and substitute it here; nothing else in this file assumes
// loopback specifically.
func buildDevices(ctx context.Context, cfg config.Config, logger *slog.Logger) ([]*device.Device, []topology.DeviceProperties, error) {
	topoDevices, err := topology.GroupRails(cfg.RailNames, cfg.RailsPerDevice)
	if err != nil {
		return nil, nil, fmt.Errorf("group rails: %w", err)
	}

	sysfsProvider := rdma.NewSysfsProvider()
	if cfg.SysfsRoot != "" {
		sysfsProvider.SetSysfsRoot(cfg.SysfsRoot)
	}
	ethtoolProvider, err := netdev.NewEthtoolStatsProvider()
	if err != nil {
		logger.Warn("ethtool stats provider unavailable, rail speed will come from sysfs only", "err", err)
		ethtoolProvider = nil
	}

	devices := make([]*device.Device, 0, len(topoDevices))
	props := make([]topology.DeviceProperties, 0, len(topoDevices))
	for _, td := range topoDevices {
		rails := make([]device.Rail, len(td.Rails))
		for i, rd := range td.Rails {
			if err := rd.Enrich(ctx, sysfsProvider, 1); err != nil {
				logger.Warn("rail enrichment failed, using unenriched descriptor", "rail", rd.Name, "err", err)
			} else if ethtoolProvider != nil && rd.NetDev != "" {
				if speed, err := ethtoolProvider.SpeedMbps(ctx, rd.NetDev); err == nil {
					rd.PortSpeedMbps = speed
				} else {
					logger.Warn("ethtool speed lookup failed", "netdev", rd.NetDev, "err", err)
				}
			}
			td.Rails[i] = rd
			rails[i] = device.Rail{Descriptor: rd, Domain: loopback.NewDomain()}
		}

		dev, err := device.New(device.Config{
			ID:               td.ID,
			Rails:            rails,
			RoundRobinThresh: cfg.RoundRobinThreshold,
			MRKeyBits:        cfg.MRKeyBits,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("device %d: %w", td.ID, err)
		}
		devices = append(devices, dev)
		props = append(props, td.Properties(fmt.Sprintf("device%d", td.ID)))
	}
	return devices, props, nil
}

// progressLoop drains completions on every endpoint until ctx is
// canceled. The host collective library normally drives Progress as a
// side effect of connect/send/recv/test calls; this background loop
// exists so an endpoint not currently being driven by any in-flight
// call still has its pending bounce-buffer reposts and handshake
// retries serviced (spec.md §5 "progress must be driven periodically
// even absent new application calls").
func progressLoop(ctx context.Context, endpoints []*plugin.Endpoint, logger *slog.Logger) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for i, ep := range endpoints {
				if err := ep.Progress(); err != nil {
					logger.Warn("progress failed", "device", i, "err", err)
				}
			}
		}
	}
}

func newLogger(level slog.Level) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
