package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/imaging-tech-hub/dicom-proxy/backend"
	"github.com/imaging-tech-hub/dicom-proxy/config"
	"github.com/imaging-tech-hub/dicom-proxy/control"
	"github.com/imaging-tech-hub/dicom-proxy/dispatch"
	"github.com/imaging-tech-hub/dicom-proxy/events"
	"github.com/imaging-tech-hub/dicom-proxy/lifecycle"
	"github.com/imaging-tech-hub/dicom-proxy/monitor"
	"github.com/imaging-tech-hub/dicom-proxy/phi"
	"github.com/imaging-tech-hub/dicom-proxy/pipeline"
	"github.com/imaging-tech-hub/dicom-proxy/registry"
	"github.com/imaging-tech-hub/dicom-proxy/repo"
	"github.com/imaging-tech-hub/dicom-proxy/scp"
	"github.com/imaging-tech-hub/dicom-proxy/staging"
)

const proxyVersion = "1.0.0"

// app bundles every long-lived collaborator the proxy wires together. Its
// fields live for the whole process; only the AE listener itself is
// restarted in place on a config change.
type app struct {
	logger *slog.Logger

	repoStore    *repo.Store
	stagingStore *staging.Store
	nodes        *registry.NodeRegistry
	configStore  *config.Store
	monitorInst  *monitor.Monitor
	dispatcher   *dispatch.Dispatcher
	locks        *dispatch.LockManager
	backendClt   *backend.Client
	pipelineInst *pipeline.Pipeline
	anonymizer   *phi.Anonymizer
	resolver     *phi.Resolver
	controlClt   *control.Client
	eventsReg    *events.Registry

	supervisor *aeSupervisor
}

func buildApp(snapshot *config.Snapshot, logger *slog.Logger) (*app, error) {
	repoStore, err := repo.Open(flagDBDir, logger)
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}

	stagingStore := staging.NewStore(flagStagingDir, repoStore, logger)
	nodes := registry.New()
	configStore := config.NewStore(snapshot)
	monitorInst := monitor.New(logger)
	dispatcher := dispatch.NewDispatcher(snapshot.AETitle, logger)
	locks := dispatch.NewLockManager()
	backendClt := backend.New(snapshot.ResolverAPIURL, snapshot.ProxyKey, logger)
	anonymizer := phi.NewAnonymizer(repoStore, logger)
	resolver := phi.NewResolver(repoStore, logger)

	autoDispatch := func() bool { return configStore.Get().AutoDispatch }
	cleanup := func() bool { return configStore.Get().CleanupAfterUpload }
	pipelineInst := pipeline.New(repoStore, backendClt, flagArchiveDir, autoDispatch, cleanup, logger)
	monitorInst.RegisterCallback(pipelineInst.OnStudyCompleted)

	a := &app{
		logger:       logger,
		repoStore:    repoStore,
		stagingStore: stagingStore,
		nodes:        nodes,
		configStore:  configStore,
		monitorInst:  monitorInst,
		dispatcher:   dispatcher,
		locks:        locks,
		backendClt:   backendClt,
		pipelineInst: pipelineInst,
		anonymizer:   anonymizer,
		resolver:     resolver,
	}

	wsURL, err := controlChannelURL(snapshot.ResolverAPIURL, snapshot.ProxyKey)
	if err != nil {
		return nil, fmt.Errorf("building control channel URL: %w", err)
	}

	a.supervisor = newAESupervisor(logger, a.lifecycleConfigFor)

	// control.Client needs its EventDispatcher at construction time, but the
	// events.Registry needs the Client as its StatusNotifier. Break the
	// cycle with a dispatcher that forwards to whatever registry is set
	// on it once both sides exist.
	dispatcherRef := &lazyEventDispatcher{}
	controlClt := control.New(control.Params{
		URL:          wsURL,
		IPAddress:    snapshot.IPAddress,
		Port:         snapshot.ListenPort,
		AETitle:      snapshot.AETitle,
		APIURL:       snapshot.ResolverAPIURL,
		ProxyVersion: proxyVersion,
		DiskPath:     flagStagingDir,
	}, nodes, dispatcher, dispatcherRef, locks, logger)
	a.controlClt = controlClt

	a.eventsReg = events.NewRegistry(events.Dependencies{
		Patients:       repoStore,
		Sessions:       repoStore,
		StudyTree:      stagingStore,
		Nodes:          nodes,
		NodeReplacer:   nodes,
		Locks:          locks,
		SCU:            dispatcher,
		Downloader:     backendClt,
		Resolver:       resolver,
		ConfigFetcher:  backendClt,
		ConfigStore:    configStore,
		Restarter:      a.supervisor,
		StatusNotifier: controlClt,
		WorkDir:        flagWorkDir,
		Logger:         logger,
	})
	dispatcherRef.registry = a.eventsReg

	return a, nil
}

// lazyEventDispatcher breaks the construction cycle between control.Client
// (needs an EventDispatcher) and events.Registry (needs the Client as its
// StatusNotifier): it forwards once registry is set, and is a no-op before
// then (the identity handshake's first message can arrive before wiring
// completes, but never before NewRegistry returns in practice).
type lazyEventDispatcher struct {
	registry *events.Registry
}

func (d *lazyEventDispatcher) Dispatch(ctx context.Context, eventType string, env control.Envelope) error {
	if d.registry == nil {
		return nil
	}
	return d.registry.Dispatch(ctx, eventType, env)
}

// controlChannelURL builds the ws[s]://.../api/v1/proxy/ws?proxy_key=<key>
// control channel URL from the backend's http[s] API root.
func controlChannelURL(apiURL, proxyKey string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("parsing resolver API URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/proxy/ws"
	q := u.Query()
	q.Set("proxy_key", proxyKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// lifecycleConfigFor builds the lifecycle.Config for one AE listener run
// against the given snapshot. Called at boot and on every in-place restart.
func (a *app) lifecycleConfigFor(snapshot *config.Snapshot) lifecycle.Config {
	handler := scp.New(scp.Config{
		Mode:                 func() repo.ProxyMode { return a.configStore.Get().Mode },
		AnonymizationEnabled: func() bool { return a.configStore.Get().EnablePHIAnonymization },
		Nodes:                a.nodes,
		Sessions:             a.repoStore,
		Instances:            a.stagingStore,
		Activity:             a.monitorInst,
		Anonymizer:           a.anonymizer,
		Resolver:             a.resolver,
		Backend:              a.backendClt,
		Dispatcher:           a.dispatcher,
		Logger:               a.logger,
	})

	address := fmt.Sprintf("%s:%d", snapshot.IPAddress, snapshot.ListenPort)
	return lifecycle.Config{
		Address: address,
		AETitle: snapshot.AETitle,
		Handler: handler,
		Monitor: noopMonitorLifecycle{},
		Control: nil,
		Logger:  a.logger,
	}
}

// noopMonitorLifecycle satisfies lifecycle.ActivityMonitor without letting
// an AE-listener restart re-Start/Stop the single process-lifetime
// inactivity monitor: app.run already owns that monitor's lifecycle
// directly, since it must keep running across restarts.
type noopMonitorLifecycle struct{}

func (noopMonitorLifecycle) Start() {}
func (noopMonitorLifecycle) Stop()  {}

// run starts the control channel and the AE listener supervisor, then
// blocks until parentCtx is cancelled (SIGINT/SIGTERM). The control channel
// runs on its own context so shutdown can send a final offline health_update
// over the still-live connection before tearing it down, the same ordering
// lifecycle.Run uses for the bundled case.
func (a *app) run(parentCtx context.Context) error {
	a.monitorInst.Start()
	defer a.monitorInst.Stop()

	snapshot := a.configStore.Get()
	a.supervisor.Start(parentCtx, snapshot)

	controlCtx, cancelControl := context.WithCancel(context.Background())
	defer cancelControl()

	errCh := make(chan error, 1)
	go func() {
		if err := a.controlClt.Run(controlCtx); err != nil && controlCtx.Err() == nil {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	<-parentCtx.Done()
	a.logger.Info("shutdown signal received")
	a.controlClt.SendOfflineHealthUpdate()
	cancelControl()

	a.supervisor.Wait()

	select {
	case err := <-errCh:
		return err
	case <-time.After(10 * time.Second):
		a.logger.Warn("control channel did not exit within shutdown timeout")
		return nil
	}
}
