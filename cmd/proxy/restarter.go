package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/imaging-tech-hub/dicom-proxy/config"
	"github.com/imaging-tech-hub/dicom-proxy/lifecycle"
)

// aeSupervisor owns the currently-running lifecycle.Run invocation and
// implements events.ServerRestarter: a listen-port or AE-title change
// delivered over the control channel tears down the current run and starts
// a fresh one against the new snapshot, without disturbing the rest of the
// process (repo, staging, pipeline, control channel identity all persist).
type aeSupervisor struct {
	newConfig func(snapshot *config.Snapshot) lifecycle.Config
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newAESupervisor(logger *slog.Logger, newConfig func(snapshot *config.Snapshot) lifecycle.Config) *aeSupervisor {
	return &aeSupervisor{newConfig: newConfig, logger: logger}
}

// Start launches the first run against snapshot, as a child of parent.
// parent's cancellation is the process-level shutdown signal; it always
// stops the current run, restart or no.
func (s *aeSupervisor) Start(parent context.Context, snapshot *config.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked(parent, snapshot)
}

func (s *aeSupervisor) startLocked(parent context.Context, snapshot *config.Snapshot) {
	runCtx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	cfg := s.newConfig(snapshot)
	go func() {
		defer close(done)
		if err := lifecycle.Run(runCtx, cfg); err != nil {
			s.logger.Error("dicom server run exited with error", "error", err)
		}
	}()
}

// Restart implements events.ServerRestarter: stop the current run and start
// a new one bound to the new snapshot's address and AE title.
func (s *aeSupervisor) Restart(ctx context.Context, snapshot *config.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		<-s.done
	}

	s.logger.Info("restarting dicom listener in place",
		"bind", snapshot.IPAddress, "port", snapshot.ListenPort, "ae_title", snapshot.AETitle)
	s.startLocked(ctx, snapshot)
	return nil
}

// Wait blocks until the current run exits (process shutdown).
func (s *aeSupervisor) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}
