// Package events implements the control channel's event_type dispatch
// table (spec §4.9): dispatch events fan a study out to destination PACS
// nodes, deletion events remove local rows/files, and config events refetch
// and atomically swap the proxy's configuration snapshot.
package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/imaging-tech-hub/dicom-proxy/backend"
	"github.com/imaging-tech-hub/dicom-proxy/config"
	"github.com/imaging-tech-hub/dicom-proxy/control"
	"github.com/imaging-tech-hub/dicom-proxy/dicom"
	"github.com/imaging-tech-hub/dicom-proxy/dispatch"
	"github.com/imaging-tech-hub/dicom-proxy/repo"
)

// PHIResolver is the subset of *phi.Resolver dispatch handlers need to
// reverse anonymization on an outbound instance before SCU fan-out.
type PHIResolver interface {
	ResolveDataset(ds *dicom.Dataset, session *repo.Session, scan *repo.Scan) error
}

// Handler processes one decoded control-channel event.
type Handler func(ctx context.Context, env control.Envelope) error

// PatientRepository is the subset of *repo.Store subject-scoped handlers
// need.
type PatientRepository interface {
	FindPatientMappingByOriginalID(originalID string) (*repo.PatientMapping, error)
	DeletePatientMapping(originalID string) error
	ListSessionsByPatientID(patientID string) ([]*repo.Session, error)
}

// SessionRepository is the subset of *repo.Store session/scan-scoped
// handlers need.
type SessionRepository interface {
	FindSession(studyUID string) (*repo.Session, error)
	DeleteSession(studyUID string) error
	ListScans(studyUID string) ([]*repo.Scan, error)
	FindScan(studyUID, seriesUID string) (*repo.Scan, error)
	DeleteScanBySeriesNumber(studyUID, seriesNumber string) error
}

// StudyTreeRemover is the subset of *staging.Store deletion needs.
type StudyTreeRemover interface {
	DeleteStudyTree(studyPath string) error
}

// NodeProvider is the subset of *registry.NodeRegistry dispatch handlers
// need to compute the eligible-node set.
type NodeProvider interface {
	All() []*repo.NodeConfig
}

// NodeReplacer is the subset of *registry.NodeRegistry config-refresh
// handlers need.
type NodeReplacer interface {
	Replace(nodes []*repo.NodeConfig)
}

// SCUDispatcher is the subset of *dispatch.Dispatcher dispatch handlers
// need.
type SCUDispatcher interface {
	SendToNode(ctx context.Context, node *repo.NodeConfig, instances []dispatch.Instance) (filesSent, filesFailed int, err error)
}

// LockAcquirer is the subset of *dispatch.LockManager dispatch handlers
// need. Dispatch holds a lock for the duration of a whole download-resolve-
// send fan-out, so it acquires and releases directly rather than through
// LockManager's scoped WithLock helper.
type LockAcquirer interface {
	Acquire(nodeID, entityType, entityID string) bool
	Release(nodeID, entityType, entityID string)
}

// Downloader is the subset of *backend.Client dispatch handlers need.
type Downloader interface {
	DownloadEntity(ctx context.Context, entityType, entityID, destPath string, progress backend.ProgressFunc) error
}

// ConfigFetcher is the subset of *backend.Client config-refresh handlers
// need.
type ConfigFetcher interface {
	GetConfiguration(ctx context.Context) (*backend.ConfigurationResponse, error)
	GetNodes(ctx context.Context) ([]*repo.NodeConfig, error)
}

// StatusNotifier is the subset of *control.Client used to report dispatch
// progress back to the backend.
type StatusNotifier interface {
	SendDispatchStatus(status control.DispatchStatus)
}

// ServerRestarter is implemented by whatever owns the DICOM SCP listener;
// invoked when a config refresh changes the listen port or AE title (spec
// §4.9's "MUST restart the DICOM server in place").
type ServerRestarter interface {
	Restart(ctx context.Context, snapshot *config.Snapshot) error
}

// Dependencies bundles everything the Registry's handlers need.
type Dependencies struct {
	Patients       PatientRepository
	Sessions       SessionRepository
	StudyTree      StudyTreeRemover
	Nodes          NodeProvider
	NodeReplacer   NodeReplacer
	Locks          LockAcquirer
	SCU            SCUDispatcher
	Downloader     Downloader
	Resolver       PHIResolver
	ConfigFetcher  ConfigFetcher
	ConfigStore    *config.Store
	Restarter      ServerRestarter
	StatusNotifier StatusNotifier
	WorkDir        string // scratch directory for extracting downloaded archives
	Logger         *slog.Logger
}

// Registry is the event_type -> Handler dispatch table, mirroring the
// teacher's services.Registry command-field dispatch at the control-channel
// layer instead of the DIMSE layer.
type Registry struct {
	deps     Dependencies
	handlers map[string]Handler
}

// NewRegistry builds a Registry with every handler spec §4.9 names
// pre-registered.
func NewRegistry(deps Dependencies) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := &Registry{deps: deps, handlers: make(map[string]Handler)}

	r.handlers["session.deleted"] = r.handleSessionDeleted
	r.handlers["scan.deleted"] = r.handleScanDeleted
	r.handlers["subject.deleted"] = r.handleSubjectDeleted

	r.handlers["subject.dispatch"] = r.handleDispatch("subject")
	r.handlers["session.dispatch"] = r.handleDispatch("session")
	r.handlers["scan.dispatch"] = r.handleDispatch("scan")
	r.handlers["scan.new_scan_available"] = r.handleNewScanAvailable

	r.handlers["proxy.config_changed"] = r.handleConfigRefresh
	r.handlers["proxy.nodes_changed"] = r.handleConfigRefresh
	r.handlers["proxy.status_changed"] = r.handleConfigRefresh

	return r
}

// Dispatch implements control.EventDispatcher.
func (r *Registry) Dispatch(ctx context.Context, eventType string, env control.Envelope) error {
	handler, ok := r.handlers[eventType]
	if !ok {
		r.deps.Logger.Debug("no handler registered for event", "event_type", eventType)
		return nil
	}
	return handler(ctx, env)
}

func payloadString(env control.Envelope, key string) string {
	if env.Payload == nil {
		return ""
	}
	if v, ok := env.Payload[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func payloadStrings(env control.Envelope, key string) []string {
	if env.Payload == nil {
		return nil
	}
	raw, ok := env.Payload[key]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func wrapf(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("events: %s: %w", op, err)
}
