// Package lifecycle orchestrates startup and graceful shutdown of the
// proxy's long-running workers: the DICOM AE listener, the study-inactivity
// monitor, and the control channel to the backend. Shutdown order matters:
// the control channel must announce itself offline before its connection is
// torn down, so callers hand lifecycle a context separate from the one that
// ends the process.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/imaging-tech-hub/dicom-proxy/interfaces"
	"github.com/imaging-tech-hub/dicom-proxy/server"
)

// defaultShutdownTimeout bounds how long Run waits for workers to drain
// after the shutdown signal, so a stuck worker can't hang the process.
const defaultShutdownTimeout = 10 * time.Second

// ControlChannel is the subset of control.Client a Supervisor drives.
type ControlChannel interface {
	Run(ctx context.Context) error
	SendOfflineHealthUpdate()
}

// ActivityMonitor is the subset of monitor.Monitor a Supervisor drives.
type ActivityMonitor interface {
	Start()
	Stop()
}

// Config carries everything Run needs to bring the proxy's workers up and
// take them down cleanly. Control is optional: a nil Control skips the
// control-channel worker entirely (e.g. when no backend is configured).
type Config struct {
	Address string
	AETitle string
	Handler interfaces.ServiceHandler

	Monitor ActivityMonitor
	Control ControlChannel

	ShutdownTimeout time.Duration
	ServerOptions   []server.Option

	Logger *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c Config) shutdownTimeout() time.Duration {
	if c.ShutdownTimeout > 0 {
		return c.ShutdownTimeout
	}
	return defaultShutdownTimeout
}

// Run starts the AE listener, the inactivity monitor, and (if configured)
// the control channel, then blocks until ctx is cancelled. On cancellation
// it sends a final offline health_update over the still-live control
// connection before tearing anything down, then waits up to
// cfg.ShutdownTimeout for every worker to exit.
//
// Run returns nil on a clean, ctx-driven shutdown; any other worker error is
// returned once shutdown completes.
func Run(ctx context.Context, cfg Config) error {
	logger := cfg.logger()

	cfg.Monitor.Start()

	// The control channel gets its own context so its cancellation can be
	// sequenced after the offline announcement, instead of racing ctx.
	controlCtx, cancelControl := context.WithCancel(context.Background())
	defer cancelControl()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	if cfg.Control != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := cfg.Control.Run(controlCtx); err != nil && controlCtx.Err() == nil {
				logger.Error("control channel terminated unexpectedly", "error", err)
				errCh <- err
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := server.ListenAndServe(ctx, cfg.Address, cfg.AETitle, cfg.Handler, cfg.ServerOptions...)
		if err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
			logger.Error("DICOM listener terminated unexpectedly", "error", err)
			errCh <- err
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if cfg.Control != nil {
		cfg.Control.SendOfflineHealthUpdate()
	}
	cancelControl()

	cfg.Monitor.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(cfg.shutdownTimeout()):
		logger.Warn("shutdown timed out waiting for workers to exit")
	}

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
