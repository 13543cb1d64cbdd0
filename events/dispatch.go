package events

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/imaging-tech-hub/dicom-proxy/control"
	"github.com/imaging-tech-hub/dicom-proxy/dicom"
	"github.com/imaging-tech-hub/dicom-proxy/dispatch"
	"github.com/imaging-tech-hub/dicom-proxy/repo"
)

var (
	tagSOPClassUID       = dicom.Tag{Group: 0x0008, Element: 0x0016}
	tagSOPInstanceUID    = dicom.Tag{Group: 0x0008, Element: 0x0018}
	tagStudyInstanceUID  = dicom.Tag{Group: 0x0020, Element: 0x000D}
	tagSeriesInstanceUID = dicom.Tag{Group: 0x0020, Element: 0x000E}
)

const dispatchStatusInterval = 5 * time.Second

// handleDispatch returns a Handler for one of subject.dispatch,
// session.dispatch, or scan.dispatch: the event's payload names the
// destination nodes explicitly (spec §4.9 step 1).
func (r *Registry) handleDispatch(entityType string) Handler {
	return func(ctx context.Context, env control.Envelope) error {
		nodeIDs := payloadStrings(env, "nodes")
		targets := r.eligibleNodes(nodeIDs, requireWrite)
		return r.runDispatch(ctx, env, entityType, targets)
	}
}

// handleNewScanAvailable implements scan.new_scan_available: the target set
// is every active, reachable node with read or read_write permission,
// since no explicit node list is carried on this event (spec §4.9).
func (r *Registry) handleNewScanAvailable(ctx context.Context, env control.Envelope) error {
	targets := r.eligibleNodes(nil, requireRead)
	return r.runDispatch(ctx, env, "scan", targets)
}

type permissionPredicate func(repo.NodePermission) bool

func requireWrite(p repo.NodePermission) bool {
	return p == repo.PermissionWrite || p == repo.PermissionReadWrite
}

func requireRead(p repo.NodePermission) bool {
	return p == repo.PermissionRead || p == repo.PermissionReadWrite
}

// eligibleNodes intersects the active, reachable NodeConfigs with nodeIDs
// (when non-empty, an explicit allow-list from the event payload) and with
// the given permission predicate.
func (r *Registry) eligibleNodes(nodeIDs []string, allowed permissionPredicate) []*repo.NodeConfig {
	var want map[string]bool
	if len(nodeIDs) > 0 {
		want = make(map[string]bool, len(nodeIDs))
		for _, id := range nodeIDs {
			want[id] = true
		}
	}

	var out []*repo.NodeConfig
	for _, node := range r.deps.Nodes.All() {
		if !node.IsActive || !node.IsReachable {
			continue
		}
		if want != nil && !want[node.NodeID] {
			continue
		}
		if !allowed(node.Permission) {
			continue
		}
		out = append(out, node)
	}
	return out
}

// runDispatch implements the shared dispatch algorithm of spec §4.9: acquire
// a per-node lock, download the entity once, extract it, resolve PHI on
// every instance, fan out via the SCU dispatcher, and report progress and
// completion over the control channel.
func (r *Registry) runDispatch(ctx context.Context, env control.Envelope, entityType string, targets []*repo.NodeConfig) error {
	if len(targets) == 0 {
		r.deps.Logger.Info("dispatch event has no eligible destination nodes", "event_type", env.EventType, "entity_id", env.EntityID)
		return nil
	}

	locked := make([]*repo.NodeConfig, 0, len(targets))
	for _, node := range targets {
		if r.deps.Locks.Acquire(node.NodeID, entityType, env.EntityID) {
			locked = append(locked, node)
		}
	}
	if len(locked) == 0 {
		r.deps.Logger.Info("dispatch event's destination nodes are all already locked", "entity_id", env.EntityID)
		return nil
	}
	defer func() {
		for _, node := range locked {
			r.deps.Locks.Release(node.NodeID, entityType, env.EntityID)
		}
	}()

	tempDir, err := os.MkdirTemp(r.deps.WorkDir, "dispatch-*")
	if err != nil {
		return wrapf("creating dispatch scratch dir", err)
	}
	defer os.RemoveAll(tempDir)

	archivePath := filepath.Join(tempDir, "entity.zip")
	lastReport := time.Now()
	err = r.deps.Downloader.DownloadEntity(ctx, entityType, env.EntityID, archivePath, func(done, total int64) {
		if time.Since(lastReport) < dispatchStatusInterval {
			return
		}
		lastReport = time.Now()
		r.reportProgress(env, locked, entityType, "downloading", progressFraction(done, total))
	})
	if err != nil {
		r.reportFailure(env, locked, entityType)
		return wrapf("downloading entity for dispatch", err)
	}

	extractDir := filepath.Join(tempDir, "extracted")
	instances, err := extractInstances(archivePath, extractDir)
	if err != nil {
		r.reportFailure(env, locked, entityType)
		return wrapf("extracting dispatch archive", err)
	}

	resolved, err := r.resolveInstances(instances)
	if err != nil {
		r.reportFailure(env, locked, entityType)
		return wrapf("resolving PHI for dispatch", err)
	}

	totalSent, totalFailed := 0, 0
	for _, node := range locked {
		sent, failed, sendErr := r.deps.SCU.SendToNode(ctx, node, resolved)
		totalSent += sent
		totalFailed += failed
		if sendErr != nil {
			r.deps.Logger.Warn("scu dispatch failed for node", "node_id", node.NodeID, "error", sendErr)
		}
		status := r.baseStatus(env, entityType)
		status.Payload = control.DispatchStatusPayload{
			NodeID:     node.NodeID,
			Status:     completionStatus(sendErr),
			Progress:   1.0,
			FilesSent:  sent,
			FilesTotal: len(resolved),
		}
		r.notify(status)
	}

	r.deps.Logger.Info("dispatch completed",
		"entity_type", entityType, "entity_id", env.EntityID,
		"nodes", len(locked), "files_sent", totalSent, "files_failed", totalFailed)
	return nil
}

func completionStatus(err error) string {
	if err != nil {
		return "failed"
	}
	return "completed"
}

func progressFraction(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(done) / float64(total)
}

func (r *Registry) reportProgress(env control.Envelope, nodes []*repo.NodeConfig, entityType string, status string, progress float64) {
	for _, node := range nodes {
		s := r.baseStatus(env, entityType)
		s.Payload = control.DispatchStatusPayload{NodeID: node.NodeID, Status: status, Progress: progress}
		r.notify(s)
	}
}

func (r *Registry) reportFailure(env control.Envelope, nodes []*repo.NodeConfig, entityType string) {
	for _, node := range nodes {
		s := r.baseStatus(env, entityType)
		s.Payload = control.DispatchStatusPayload{NodeID: node.NodeID, Status: "failed"}
		r.notify(s)
	}
}

// baseStatus builds a DispatchStatus with every field the event itself
// supplies already populated; callers only need to fill in Payload.
func (r *Registry) baseStatus(env control.Envelope, entityType string) control.DispatchStatus {
	return control.DispatchStatus{
		EventType:     "dispatch.status",
		WorkspaceID:   env.WorkspaceID,
		Timestamp:     control.Timestamp(),
		CorrelationID: env.CorrelationID,
		EntityType:    entityType,
		EntityID:      env.EntityID,
	}
}

func (r *Registry) notify(status control.DispatchStatus) {
	if r.deps.StatusNotifier == nil {
		return
	}
	r.deps.StatusNotifier.SendDispatchStatus(status)
}

// extractInstances unzips archivePath into destDir and returns the raw
// bytes of every *.dcm entry found.
func extractInstances(archivePath, destDir string) ([][]byte, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("opening downloaded archive: %w", err)
	}
	defer reader.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating extraction dir: %w", err)
	}

	var files [][]byte
	for _, entry := range reader.File {
		if entry.FileInfo().IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name), ".dcm") {
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("opening archive entry %s: %w", entry.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("reading archive entry %s: %w", entry.Name, err)
		}
		files = append(files, data)
	}
	return files, nil
}

// resolveInstances strips the Part 10 header off every raw file, reverses
// PHI anonymization on the dataset, and re-encodes it into a
// dispatch.Instance ready for SCU fan-out. Archives downloaded here were
// themselves written by this proxy's staging store in Explicit VR Little
// Endian, so a fixed transfer syntax is used on both ends. Each instance's
// own StudyInstanceUID/SeriesInstanceUID names its owning Session and Scan
// independently of the triggering event's entity_id, since subject.dispatch
// can fan out instances spanning more than one study.
func (r *Registry) resolveInstances(files [][]byte) ([]dispatch.Instance, error) {
	sessions := make(map[string]*repo.Session)
	scans := make(map[string]*repo.Scan)

	instances := make([]dispatch.Instance, 0, len(files))
	for _, raw := range files {
		datasetBytes := raw
		if dicom.HasPart10Header(raw) {
			stripped, err := dicom.StripPart10Header(raw)
			if err != nil {
				return nil, fmt.Errorf("stripping part10 header: %w", err)
			}
			datasetBytes = stripped
		}

		ds, err := dicom.ParseDatasetWithTransferSyntax(datasetBytes, dicom.TransferSyntaxExplicitVRLittleEndian)
		if err != nil {
			return nil, fmt.Errorf("parsing dataset: %w", err)
		}

		studyUID := ds.GetString(tagStudyInstanceUID)
		seriesUID := ds.GetString(tagSeriesInstanceUID)

		session, ok := sessions[studyUID]
		if !ok {
			session, err = r.deps.Sessions.FindSession(studyUID)
			if err != nil {
				return nil, fmt.Errorf("looking up session for dispatch instance: %w", err)
			}
			sessions[studyUID] = session
		}

		scanKey := studyUID + "/" + seriesUID
		scan, ok := scans[scanKey]
		if !ok {
			scan, err = r.deps.Sessions.FindScan(studyUID, seriesUID)
			if err != nil {
				return nil, fmt.Errorf("looking up scan for dispatch instance: %w", err)
			}
			scans[scanKey] = scan
		}

		if err := r.deps.Resolver.ResolveDataset(ds, session, scan); err != nil {
			return nil, fmt.Errorf("resolving phi: %w", err)
		}

		sopClassUID := ds.GetString(tagSOPClassUID)
		sopInstanceUID := ds.GetString(tagSOPInstanceUID)

		encoded, err := dicom.EncodeDatasetWithTransferSyntax(ds, dicom.TransferSyntaxExplicitVRLittleEndian)
		if err != nil {
			return nil, fmt.Errorf("encoding resolved dataset: %w", err)
		}

		instances = append(instances, dispatch.Instance{
			SOPClassUID:    sopClassUID,
			SOPInstanceUID: sopInstanceUID,
			Data:           encoded,
		})
	}
	return instances, nil
}
