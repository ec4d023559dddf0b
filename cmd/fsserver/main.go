package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/iretes/filestorageserver/internal/audit"
	"github.com/iretes/filestorageserver/internal/config"
	"github.com/iretes/filestorageserver/internal/dispatch"
	"github.com/iretes/filestorageserver/internal/logging"
	"github.com/iretes/filestorageserver/internal/metrics"
	"github.com/iretes/filestorageserver/internal/storage"
)

func main() {
	var configPath string
	var showHelp bool
	pflag.StringVarP(&configPath, "config", "c", "", "path to configuration file")
	pflag.BoolVarP(&showHelp, "help", "h", false, "print usage and exit")
	pflag.Parse()
	if showHelp {
		pflag.Usage()
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fsserver: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fsserver: logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	al, err := audit.Open(cfg.Logging.LogFilePath)
	if err != nil {
		logger.Fatal("open audit log", zap.Error(err))
	}
	defer al.Close()

	metricsRegistry := metrics.NewRegistry()
	stopSampler := make(chan struct{})
	go metricsRegistry.SampleProcess(stopSampler, 5*time.Second)
	defer close(stopSampler)

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Endpoint, metricsRegistry.Handler())
		httpServer := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics http server stopped", zap.Error(err))
			}
		}()
		defer httpServer.Close()
	}

	policy, ok := storage.ParsePolicy(cfg.Storage.EvictionPolicy)
	if !ok {
		logger.Fatal("invalid eviction policy", zap.String("policy", cfg.Storage.EvictionPolicy))
	}

	reg := dispatch.NewRegistry()
	notifier := dispatch.NewNotifier(reg)
	store := storage.New(storage.Config{
		MaxFiles:        cfg.Storage.MaxFileNum,
		MaxBytes:        cfg.Storage.MaxBytes,
		MaxLocks:        cfg.Storage.MaxLocks,
		ExpectedClients: cfg.Storage.ExpectedClients,
		Policy:          policy,
	}, notifier)

	os.Remove(cfg.Server.SocketPath)
	ln, err := net.Listen("unix", cfg.Server.SocketPath)
	if err != nil {
		logger.Fatal("listen", zap.String("socket_path", cfg.Server.SocketPath), zap.Error(err))
	}
	if unixLn, ok := ln.(*net.UnixListener); ok {
		unixLn.SetUnlinkOnClose(true)
	}

	d := dispatch.New(ln, store, cfg.Server.NWorkers, cfg.Server.DimWorkersQueue, logger, al, metricsRegistry, reg)

	logger.Info("fsserver listening",
		zap.String("socket_path", cfg.Server.SocketPath),
		zap.Int("n_workers", cfg.Server.NWorkers),
		zap.String("eviction_policy", policy.String()),
	)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		d.Run()
	}()

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		switch sig {
		case syscall.SIGHUP:
			logger.Info("soft shutdown requested")
			d.Shutdown(true)
		default:
			logger.Info("hard shutdown requested", zap.String("signal", sig.String()))
			d.Shutdown(false)
		}
	case <-runDone:
		logger.Warn("accept loop exited unexpectedly")
	}

	<-runDone
	stats := store.Stats()
	logger.Info("fsserver stopped",
		zap.Int("cur_files", stats.CurFiles),
		zap.Int64("cur_bytes", stats.CurBytes),
		zap.Int("peak_files", stats.PeakFiles),
		zap.Int64("peak_bytes", stats.PeakBytes),
		zap.Uint64("evictions", stats.EvictionsCount),
	)
}
