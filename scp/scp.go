// Package scp composes the proxy's DIMSE service handlers — C-STORE,
// C-FIND, C-GET, C-MOVE, plus the stock C-ECHO — into one services.Registry
// ready to hand to server.New. Each handler enforces access control first,
// then performs its verb-specific work against the staging store, the PHI
// engine, and (for queries) the backend API.
package scp

import (
	"context"
	"log/slog"

	"github.com/imaging-tech-hub/dicom-proxy/access"
	"github.com/imaging-tech-hub/dicom-proxy/backend"
	"github.com/imaging-tech-hub/dicom-proxy/dicom"
	"github.com/imaging-tech-hub/dicom-proxy/dimse"
	"github.com/imaging-tech-hub/dicom-proxy/dispatch"
	"github.com/imaging-tech-hub/dicom-proxy/phi"
	"github.com/imaging-tech-hub/dicom-proxy/repo"
	"github.com/imaging-tech-hub/dicom-proxy/services"
	"github.com/imaging-tech-hub/dicom-proxy/staging"
)

// SessionRepository is the subset of repo.Store the query/retrieve handlers
// need to resolve a study/series back to its on-disk location and PHI.
type SessionRepository interface {
	FindSession(studyUID string) (*repo.Session, error)
	FindScan(studyUID, seriesUID string) (*repo.Scan, error)
	ListScans(studyUID string) ([]*repo.Scan, error)
}

// InstanceStore is the subset of staging.Store the store/get/move handlers
// need: writing a newly received instance, and reading back a series'
// instances for retrieval fan-out.
type InstanceStore interface {
	StoreDicomFile(ds *dicom.Dataset, studyPHI, seriesPHI map[string]string) (*repo.Session, *repo.Scan, error)
	ReadSeriesInstances(scan *repo.Scan) ([]staging.StoredInstance, error)
}

// ActivityRecorder is the subset of monitor.Monitor the store handler needs.
type ActivityRecorder interface {
	UpdateActivity(studyUID string)
}

// InstanceAnonymizer is the subset of phi.Anonymizer the store handler needs.
type InstanceAnonymizer interface {
	Anonymize(ds *dicom.Dataset) (*phi.Result, error)
}

// InstanceResolver is the subset of phi.Resolver the query/retrieve handlers
// need: restoring PHI onto outbound datasets, and translating an inbound
// query filter's original identifier to its anonymized counterpart.
type InstanceResolver interface {
	ResolveDataset(ds *dicom.Dataset, session *repo.Session, scan *repo.Scan) error
	ResolveToAnonymous(originalNameOrID string) (string, error)
}

// QueryBackend is the subset of backend.Client the C-FIND handler needs, per
// spec's requirement that PATIENT/STUDY/SERIES-level answers are API-backed.
type QueryBackend interface {
	ListSubjects(ctx context.Context, filter backend.ListFilter) ([]map[string]any, error)
	ListSessions(ctx context.Context, filter backend.ListFilter) ([]map[string]any, error)
	ListScans(ctx context.Context, filter backend.ListFilter) ([]map[string]any, error)
}

// NodeDispatcher is the subset of dispatch.Dispatcher the C-MOVE handler
// needs to forward resolved instances to the destination node.
type NodeDispatcher interface {
	SendToNode(ctx context.Context, node *repo.NodeConfig, instances []dispatch.Instance) (filesSent, filesFailed int, err error)
}

// Config carries every collaborator the DIMSE handlers need. All fields are
// required except where noted.
type Config struct {
	// Mode returns the current access-control mode; called per-request so a
	// config_update mid-session takes effect immediately.
	Mode func() repo.ProxyMode
	// AnonymizationEnabled returns whether inbound instances should be
	// anonymized before staging. When it returns false, Anonymizer is not
	// consulted and the dataset is stored as received.
	AnonymizationEnabled func() bool

	Nodes      access.NodeLookup
	Sessions   SessionRepository
	Instances  InstanceStore
	Activity   ActivityRecorder
	Anonymizer InstanceAnonymizer
	Resolver   InstanceResolver
	Backend    QueryBackend
	Dispatcher NodeDispatcher

	Logger *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// New builds a services.Registry with every spec.md DIMSE verb wired: the
// stock C-ECHO plus the four handlers in this package.
func New(cfg Config) *services.Registry {
	registry := services.NewRegistry()
	registry.RegisterHandler(dimse.CEchoRQ, services.NewEchoService())
	registry.RegisterHandler(dimse.CStoreRQ, &StoreHandler{cfg: cfg})
	registry.RegisterHandler(dimse.CFindRQ, &FindHandler{cfg: cfg})
	registry.RegisterHandler(dimse.CGetRQ, &GetHandler{cfg: cfg})
	registry.RegisterHandler(dimse.CMoveRQ, &MoveHandler{cfg: cfg})
	return registry
}
