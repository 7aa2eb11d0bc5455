package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Bring up the controller and keep it running",
		Long: `Bring up the controller against the simulated board and keep it running.
Edits to the topology file are applied to the board and followed by a
rescan. SIGHUP forces a rescan.`,
		Args: cobra.NoArgs,
		RunE: serveCmdFunc,
	}

	cmd.Flags().String("metrics.endpoint", "", "ip:port to expose prometheus metrics on /metrics")
	viper.BindPFlag("metrics.endpoint", cmd.Flags().Lookup("metrics.endpoint"))

	cmd.Flags().Bool("watch", true, "apply changes to the topology file as they happen")
	viper.BindPFlag("watch", cmd.Flags().Lookup("watch"))

	cmd.Flags().Duration("statsInterval", time.Minute, "how often to log controller statistics (0 disables)")
	viper.BindPFlag("statsInterval", cmd.Flags().Lookup("statsInterval"))
	return cmd
}

func serveCmdFunc(cmd *cobra.Command, args []string) error {
	logger, closeLog, err := setupLogging()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx, logger)
	if err != nil {
		logger.WithError(err).Error("failed to bring up controller")
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.close(closeCtx); err != nil {
			logger.WithError(err).Warn("controller close")
		}
	}()
	printDevices(cmd.OutOrStdout(), s.ctlr.Devices())

	if ep := viper.GetString("metrics.endpoint"); ep != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(s.ctlr.Collector(), collectors.NewGoCollector())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: ep, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("metrics server stopped")
			}
		}()
		defer srv.Shutdown(context.Background())
		logger.Info("serving metrics", "endpoint", ep)
	}

	var changed <-chan struct{}
	if path := viper.GetString("topology"); path != "" && viper.GetBool("watch") {
		if changed, err = watchFile(ctx, path, 200*time.Millisecond, logger); err != nil {
			logger.WithError(err).Warn("not watching topology file")
		}
	}

	var statsTick <-chan time.Time
	if iv := viper.GetDuration("statsInterval"); iv > 0 {
		t := time.NewTicker(iv)
		defer t.Stop()
		statsTick = t.C
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	logger.Info("controller running", "mode", s.ctlr.Mode(), "devices", s.host.count())
	for {
		select {
		case <-ctx.Done():
			logger.Info("received shutdown signal")
			return nil
		case <-hup:
			if err := s.ctlr.Rescan(ctx); err != nil {
				logger.WithError(err).Warn("rescan failed")
			}
		case <-changed:
			l, err := loadLayout(viper.GetString("topology"))
			if err != nil {
				logger.WithError(err).Warn("ignoring topology change")
				continue
			}
			if err := s.reload(ctx, l); err != nil {
				logger.WithError(err).Warn("topology reload failed")
			}
		case <-statsTick:
			snap := s.ctlr.MetricsSnapshot()
			logger.Info("controller statistics",
				"submitted", snap.Submitted,
				"completed", snap.Completed,
				"iops", snap.IOPS,
				"p99_ns", snap.LatencyP99Ns,
				"scans", snap.Scans,
				"aborts", snap.Aborts,
				"resets", snap.Resets,
				"attached", s.host.count(),
				"locked_up", s.ctlr.LockedUp())
		}
	}
}
