package scp

import (
	"context"

	"github.com/imaging-tech-hub/dicom-proxy/access"
	"github.com/imaging-tech-hub/dicom-proxy/dicom"
	"github.com/imaging-tech-hub/dicom-proxy/dimse"
	proxyerrors "github.com/imaging-tech-hub/dicom-proxy/errors"
	"github.com/imaging-tech-hub/dicom-proxy/interfaces"
	"github.com/imaging-tech-hub/dicom-proxy/services"
	"github.com/imaging-tech-hub/dicom-proxy/types"
)

// allowedStorageSOPClasses restricts C-STORE to CT, PET, and MR (including
// their Enhanced forms), per spec.
var allowedStorageSOPClasses = map[string]bool{
	types.CTImageStorage:              true,
	types.EnhancedCTImageStorage:      true,
	types.MRImageStorage:              true,
	types.EnhancedMRImageStorage:      true,
	types.EnhancedMRColorImageStorage: true,
	types.PETImageStorage:             true,
	types.EnhancedPETImageStorage:     true,
}

// StoreHandler implements C-STORE: access control, modality restriction,
// anonymize-or-passthrough, staging, and study-monitor activity.
type StoreHandler struct {
	cfg Config
}

// HandleDIMSE implements interfaces.ServiceHandler.
func (h *StoreHandler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	logger := h.cfg.logger()
	resp := services.NewResponseBuilder(msg)

	decision := access.Check(h.cfg.Mode(), access.VerbCStore, meta.CallingAETitle, meta.PeerAddress, "", h.cfg.Nodes)
	if !decision.Allowed {
		logger.Warn("c-store rejected by access control",
			"calling_ae", meta.CallingAETitle, "peer", meta.PeerAddress, "reason", decision.Reason)
		return resp.CStoreResponse(proxyerrors.StatusNotAuthorized, msg.AffectedSOPInstanceUID), nil, nil
	}

	if !allowedStorageSOPClasses[msg.AffectedSOPClassUID] {
		logger.Warn("c-store rejected unsupported SOP class", "sop_class_uid", msg.AffectedSOPClassUID)
		return resp.CStoreResponse(dimse.StatusFailure, msg.AffectedSOPInstanceUID), nil, nil
	}

	ds, err := parseOrUse(meta.Dataset, data, meta.TransferSyntaxUID)
	if err != nil {
		logger.Error("c-store failed to parse dataset", "error", err)
		return resp.CStoreResponse(dimse.StatusFailure, msg.AffectedSOPInstanceUID), nil, nil
	}

	if ds.GetString(tagStudyInstanceUID) == "" || ds.GetString(tagSeriesInstanceUID) == "" || ds.GetString(tagSOPInstanceUID) == "" {
		logger.Warn("c-store dataset missing required identifiers")
		return resp.CStoreResponse(proxyerrors.StatusIdentifierDoesNotMatch, msg.AffectedSOPInstanceUID), nil, nil
	}

	var studyPHI, seriesPHI map[string]string
	if h.cfg.AnonymizationEnabled == nil || h.cfg.AnonymizationEnabled() {
		result, err := h.cfg.Anonymizer.Anonymize(ds)
		if err != nil {
			logger.Error("c-store anonymization failed", "error", err)
			return resp.CStoreResponse(dimse.StatusFailure, msg.AffectedSOPInstanceUID), nil, nil
		}
		studyPHI, seriesPHI = result.StudyPHI, result.SeriesPHI
	}

	session, _, err := h.cfg.Instances.StoreDicomFile(ds, studyPHI, seriesPHI)
	if err != nil {
		logger.Error("c-store staging failed", "error", err)
		return resp.CStoreResponse(proxyerrors.StatusOutOfResourcesUnspecified, msg.AffectedSOPInstanceUID), nil, nil
	}

	h.cfg.Activity.UpdateActivity(session.StudyInstanceUID)

	logger.Info("stored instance", "study_uid", session.StudyInstanceUID, "sop_instance_uid", msg.AffectedSOPInstanceUID)
	return resp.CStoreResponse(dimse.StatusSuccess, msg.AffectedSOPInstanceUID), nil, nil
}
