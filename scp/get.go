package scp

import (
	"context"
	"fmt"

	"github.com/imaging-tech-hub/dicom-proxy/access"
	"github.com/imaging-tech-hub/dicom-proxy/dicom"
	proxyerrors "github.com/imaging-tech-hub/dicom-proxy/errors"
	"github.com/imaging-tech-hub/dicom-proxy/interfaces"
	"github.com/imaging-tech-hub/dicom-proxy/repo"
	"github.com/imaging-tech-hub/dicom-proxy/services"
	"github.com/imaging-tech-hub/dicom-proxy/staging"
	"github.com/imaging-tech-hub/dicom-proxy/types"
)

// GetHandler implements C-GET: it resolves the requested study/series/image
// against local staging, restores PHI onto each matching instance, and
// streams it back as a C-STORE sub-operation on the same association.
type GetHandler struct {
	cfg Config
}

// HandleDIMSE is a defensive fallback; the server always prefers
// HandleDIMSEStreaming for a handler that implements it.
func (h *GetHandler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	return services.NewCGetErrorResponse(msg, proxyerrors.StatusOutOfResourcesUnspecified), nil, nil
}

// HandleDIMSEStreaming implements interfaces.StreamingServiceHandler.
func (h *GetHandler) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	logger := h.cfg.logger()

	decision := access.Check(h.cfg.Mode(), access.VerbCGet, meta.CallingAETitle, meta.PeerAddress, "", h.cfg.Nodes)
	if !decision.Allowed {
		logger.Warn("c-get rejected by access control", "calling_ae", meta.CallingAETitle, "reason", decision.Reason)
		return responder.SendResponse(services.NewCGetErrorResponse(msg, proxyerrors.StatusNotAuthorized), nil, "")
	}

	cgetResponder, ok := responder.(interfaces.CGetResponder)
	if !ok {
		logger.Error("c-get responder does not support C-STORE sub-operations")
		return responder.SendResponse(services.NewCGetErrorResponse(msg, proxyerrors.StatusOutOfResourcesUnspecified), nil, "")
	}

	query, err := parseOrUse(meta.Dataset, data, meta.TransferSyntaxUID)
	if err != nil {
		logger.Error("c-get failed to parse query dataset", "error", err)
		return responder.SendResponse(services.NewCGetErrorResponse(msg, types.StatusFailure), nil, "")
	}

	studyUID := query.GetString(tagStudyInstanceUID)
	session, err := h.cfg.Sessions.FindSession(studyUID)
	if err != nil || session == nil {
		logger.Warn("c-get study not found", "study_uid", studyUID)
		return responder.SendResponse(services.NewCGetErrorResponse(msg, proxyerrors.StatusIdentifierDoesNotMatch), nil, "")
	}

	instances, err := h.gatherInstances(query, session)
	if err != nil {
		logger.Error("c-get failed to gather instances", "error", err)
		return responder.SendResponse(services.NewCGetErrorResponse(msg, proxyerrors.StatusOutOfResourcesUnspecified), nil, "")
	}

	var completed, failed uint16
	total := uint16(len(instances))

	for _, inst := range instances {
		remaining := total - completed - failed - 1

		ds, err := dicom.ParseDatasetWithTransferSyntax(inst.instance.Data, inst.instance.TransferSyntaxUID)
		if err != nil {
			logger.Warn("c-get failed to parse staged instance", "sop_instance_uid", inst.instance.SOPInstanceUID, "error", err)
			failed++
			continue
		}
		if err := h.cfg.Resolver.ResolveDataset(ds, session, inst.scan); err != nil {
			logger.Warn("c-get failed to restore phi", "sop_instance_uid", inst.instance.SOPInstanceUID, "error", err)
			failed++
			continue
		}
		encoded, err := dicom.EncodeDatasetWithTransferSyntax(ds, inst.instance.TransferSyntaxUID)
		if err != nil {
			logger.Warn("c-get failed to re-encode instance", "sop_instance_uid", inst.instance.SOPInstanceUID, "error", err)
			failed++
			continue
		}

		if err := responder.SendResponse(services.NewCGetPendingResponse(msg, completed, failed, 0, remaining+1), nil, ""); err != nil {
			return fmt.Errorf("sending c-get pending response: %w", err)
		}
		if err := cgetResponder.SendCStore(inst.instance.SOPClassUID, inst.instance.SOPInstanceUID, encoded); err != nil {
			logger.Warn("c-get sub-operation failed", "sop_instance_uid", inst.instance.SOPInstanceUID, "error", err)
			failed++
			continue
		}
		completed++
	}

	finalStatus := uint16(types.StatusSuccess)
	switch {
	case failed > 0 && completed == 0:
		finalStatus = uint16(types.StatusFailure)
	case failed > 0:
		finalStatus = proxyerrors.StatusPartialFailure
	}
	zero := uint16(0)
	warning := uint16(0)
	final := services.NewResponseBuilder(msg).CGetResponse(finalStatus, &completed, &failed, &warning, &zero)
	return responder.SendResponse(final, nil, "")
}

type gatheredInstance struct {
	instance staging.StoredInstance
	scan     *repo.Scan
}

// gatherInstances resolves the query's level against local staging: a
// specific series, an entire study, or (at IMAGE level) a single instance.
func (h *GetHandler) gatherInstances(query *dicom.Dataset, session *repo.Session) ([]gatheredInstance, error) {
	return gatherInstances(h.cfg, query, session)
}

// gatherInstances is shared by C-GET and C-MOVE: both resolve a query
// dataset against local staging the same way, the only difference is what
// they do with the matching instances afterward.
func gatherInstances(cfg Config, query *dicom.Dataset, session *repo.Session) ([]gatheredInstance, error) {
	seriesUID := query.GetString(tagSeriesInstanceUID)
	sopInstanceUID := query.GetString(tagSOPInstanceUID)

	var scans []*repo.Scan
	if seriesUID != "" {
		scan, err := cfg.Sessions.FindScan(session.StudyInstanceUID, seriesUID)
		if err != nil {
			return nil, err
		}
		if scan == nil {
			return nil, nil
		}
		scans = []*repo.Scan{scan}
	} else {
		all, err := cfg.Sessions.ListScans(session.StudyInstanceUID)
		if err != nil {
			return nil, err
		}
		scans = all
	}

	var result []gatheredInstance
	for _, scan := range scans {
		instances, err := cfg.Instances.ReadSeriesInstances(scan)
		if err != nil {
			return nil, err
		}
		for _, inst := range instances {
			if sopInstanceUID != "" && inst.SOPInstanceUID != sopInstanceUID {
				continue
			}
			result = append(result, gatheredInstance{instance: inst, scan: scan})
		}
	}
	return result, nil
}
