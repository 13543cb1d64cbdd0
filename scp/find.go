package scp

import (
	"context"
	"fmt"

	"github.com/imaging-tech-hub/dicom-proxy/access"
	"github.com/imaging-tech-hub/dicom-proxy/backend"
	"github.com/imaging-tech-hub/dicom-proxy/dicom"
	proxyerrors "github.com/imaging-tech-hub/dicom-proxy/errors"
	"github.com/imaging-tech-hub/dicom-proxy/interfaces"
	"github.com/imaging-tech-hub/dicom-proxy/services"
	"github.com/imaging-tech-hub/dicom-proxy/types"
)

// FindHandler implements C-FIND. Per spec, PATIENT/STUDY/SERIES-level
// answers are always backend API-backed: local staging state is consulted
// only to translate an identifying filter to its anonymized form and to
// restore PHI onto the results, never as the source of matches itself.
type FindHandler struct {
	cfg Config
}

// HandleDIMSE is a defensive fallback; the server always prefers
// HandleDIMSEStreaming for a handler that implements it.
func (h *FindHandler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	return services.NewCFindErrorResponse(msg, proxyerrors.StatusOutOfResourcesUnspecified), nil, nil
}

// HandleDIMSEStreaming implements interfaces.StreamingServiceHandler.
func (h *FindHandler) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	logger := h.cfg.logger()

	decision := access.Check(h.cfg.Mode(), access.VerbCFind, meta.CallingAETitle, meta.PeerAddress, "", h.cfg.Nodes)
	if !decision.Allowed {
		logger.Warn("c-find rejected by access control", "calling_ae", meta.CallingAETitle, "reason", decision.Reason)
		return responder.SendResponse(services.NewCFindErrorResponse(msg, proxyerrors.StatusNotAuthorized), nil, "")
	}

	query, err := parseOrUse(meta.Dataset, data, meta.TransferSyntaxUID)
	if err != nil {
		logger.Error("c-find failed to parse query dataset", "error", err)
		return responder.SendResponse(services.NewCFindErrorResponse(msg, types.StatusFailure), nil, "")
	}

	level := types.QueryLevel(query.GetString(tagQueryRetrieveLevel))

	filter := backend.ListFilter{
		StudyUID: query.GetString(tagStudyInstanceUID),
	}
	if patientID := query.GetString(tagPatientID); patientID != "" {
		anon, err := h.cfg.Resolver.ResolveToAnonymous(patientID)
		if err != nil {
			// Unknown patient: no local mapping means it was never staged
			// through this proxy, so it cannot match. Final success, no rows.
			logger.Debug("c-find patient id has no known mapping", "patient_id", patientID)
			return responder.SendResponse(services.NewCFindSuccessResponse(msg), nil, "")
		}
		filter.PatientID = anon
	} else if patientName := query.GetString(tagPatientName); patientName != "" {
		anon, err := h.cfg.Resolver.ResolveToAnonymous(patientName)
		if err != nil {
			logger.Debug("c-find patient name has no known mapping", "patient_name", patientName)
			return responder.SendResponse(services.NewCFindSuccessResponse(msg), nil, "")
		}
		filter.PatientID = anon
	}

	var rows []map[string]any
	switch level {
	case types.QueryLevelPatient:
		rows, err = h.cfg.Backend.ListSubjects(ctx, filter)
	case types.QueryLevelStudy:
		rows, err = h.cfg.Backend.ListSessions(ctx, filter)
	case types.QueryLevelSeries:
		rows, err = h.cfg.Backend.ListScans(ctx, filter)
	case types.QueryLevelImage:
		// Image-level C-FIND is answered by C-GET/C-MOVE's instance listing,
		// not the backend's subject/session/scan API; return no matches.
		return responder.SendResponse(services.NewCFindSuccessResponse(msg), nil, "")
	default:
		return responder.SendResponse(services.NewCFindErrorResponse(msg, proxyerrors.StatusIdentifierDoesNotMatch), nil, "")
	}
	if err != nil {
		logger.Error("c-find backend query failed", "level", level, "error", err)
		return responder.SendResponse(services.NewCFindErrorResponse(msg, proxyerrors.StatusOutOfResourcesUnspecified), nil, "")
	}

	accession := query.GetString(tagAccessionNumber)
	modality := query.GetString(tagModality)

	for _, row := range rows {
		ds := datasetFromRow(level, row)

		if accession != "" && ds.GetString(tagAccessionNumber) != "" && ds.GetString(tagAccessionNumber) != accession {
			continue
		}
		if modality != "" && ds.GetString(tagModality) != "" && ds.GetString(tagModality) != modality {
			continue
		}

		if err := h.cfg.Resolver.ResolveDataset(ds, nil, nil); err != nil {
			logger.Warn("c-find failed to de-anonymize result row", "error", err)
			continue
		}

		if err := responder.SendResponse(services.NewCFindPendingResponse(msg), ds, meta.TransferSyntaxUID); err != nil {
			return fmt.Errorf("sending c-find pending response: %w", err)
		}
	}

	return responder.SendResponse(services.NewCFindSuccessResponse(msg), nil, "")
}

// datasetFromRow builds a synthetic dataset from a backend JSON row, using
// only the keys relevant to the query level. The backend's JSON shape
// mirrors repo-side entity field names.
func datasetFromRow(level types.QueryLevel, row map[string]any) *dicom.Dataset {
	ds := dicom.NewDataset()

	setString := func(tag dicom.Tag, vr string, key string) {
		if v, ok := row[key].(string); ok && v != "" {
			ds.AddElement(tag, vr, v)
		}
	}

	setString(tagPatientID, dicom.VR_LO, "patient_id")
	setString(tagPatientName, dicom.VR_PN, "patient_name")

	if level == types.QueryLevelStudy || level == types.QueryLevelSeries {
		setString(tagStudyInstanceUID, dicom.VR_UI, "study_instance_uid")
		setString(tagStudyDate, dicom.VR_DA, "study_date")
		setString(tagStudyTime, dicom.VR_TM, "study_time")
		setString(tagStudyDescription, dicom.VR_LO, "study_description")
		setString(tagAccessionNumber, dicom.VR_SH, "accession_number")
	}

	if level == types.QueryLevelSeries {
		setString(tagSeriesInstanceUID, dicom.VR_UI, "series_instance_uid")
		setString(tagSeriesNumber, dicom.VR_IS, "series_number")
		setString(tagSeriesDescription, dicom.VR_LO, "series_description")
		setString(tagModality, dicom.VR_CS, "modality")
	}

	return ds
}
