// Command proxy runs the DICOM PACS proxy: a DICOM AE listener, a control
// channel to the resolver backend, and the upload pipeline that ships
// completed studies onward.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/imaging-tech-hub/dicom-proxy/config"
)

var (
	flagConfigFile  string
	flagBind        string
	flagPort        int
	flagAETitle     string
	flagMetricsBind string

	flagDBDir      string
	flagStagingDir string
	flagArchiveDir string
	flagWorkDir    string
)

func main() {
	root := &cobra.Command{
		Use:           "proxy",
		Short:         "DICOM PACS proxy",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          runServe,
	}

	root.Flags().StringVar(&flagConfigFile, "config", "", "path to a YAML configuration file (overrides environment variables)")
	root.Flags().StringVar(&flagBind, "bind", "", "override the listen IP address")
	root.Flags().IntVar(&flagPort, "port", 0, "override the DICOM listen port")
	root.Flags().StringVar(&flagAETitle, "ae-title", "", "override the proxy's AE title")
	root.Flags().StringVar(&flagDBDir, "db-dir", "./data/db", "directory for the embedded session/PHI-mapping database")
	root.Flags().StringVar(&flagStagingDir, "staging-dir", "./data/staging", "directory for staged DICOM instances awaiting upload")
	root.Flags().StringVar(&flagArchiveDir, "archive-dir", "./data/archive", "directory study ZIP archives are built in before upload")
	root.Flags().StringVar(&flagWorkDir, "work-dir", "./data/work", "scratch directory for download/rehydration events")
	root.Flags().StringVar(&flagMetricsBind, "metrics-bind", ":9090", "listen address for the /metrics Prometheus endpoint")

	if err := root.Execute(); err != nil {
		slog.Error("proxy exited with error", "error", err)
		os.Exit(1)
	}
}

// loadSnapshot builds the initial config.Snapshot: the YAML file named by
// --config if given, otherwise environment variables, with --bind/--port/
// --ae-title overriding whatever was loaded.
func loadSnapshot() (*config.Snapshot, error) {
	var (
		snapshot *config.Snapshot
		err      error
	)
	if flagConfigFile != "" {
		snapshot, err = config.LoadFromFile(flagConfigFile)
	} else {
		snapshot, err = config.LoadFromEnvironment()
	}
	if err != nil {
		return nil, err
	}

	if flagBind != "" {
		snapshot.IPAddress = flagBind
	}
	if flagPort != 0 {
		snapshot.ListenPort = flagPort
	}
	if flagAETitle != "" {
		snapshot.AETitle = flagAETitle
	}
	return snapshot, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	snapshot, err := loadSnapshot()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	a, err := buildApp(snapshot, logger)
	if err != nil {
		return fmt.Errorf("building application: %w", err)
	}
	defer a.repoStore.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsSrv := startMetricsServer(flagMetricsBind, logger)
	defer metricsSrv.Close()

	logger.Info("starting dicom proxy",
		"bind", snapshot.IPAddress, "port", snapshot.ListenPort, "ae_title", snapshot.AETitle, "mode", snapshot.Mode)
	return a.run(ctx)
}

// startMetricsServer serves Prometheus's default registry at /metrics on a
// background listener; a bind failure is logged but never fatal to the
// DICOM proxy itself.
func startMetricsServer(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	return srv
}
