package scp

import (
	"context"
	"fmt"

	"github.com/imaging-tech-hub/dicom-proxy/access"
	"github.com/imaging-tech-hub/dicom-proxy/dicom"
	"github.com/imaging-tech-hub/dicom-proxy/dispatch"
	proxyerrors "github.com/imaging-tech-hub/dicom-proxy/errors"
	"github.com/imaging-tech-hub/dicom-proxy/interfaces"
	"github.com/imaging-tech-hub/dicom-proxy/services"
	"github.com/imaging-tech-hub/dicom-proxy/types"
)

// MoveHandler implements C-MOVE: it resolves the requested study/series/image
// against local staging, restores PHI onto each matching instance, and
// forwards the resolved instances to the requested destination node over a
// new association.
type MoveHandler struct {
	cfg Config
}

// HandleDIMSE is a defensive fallback; the server always prefers
// HandleDIMSEStreaming for a handler that implements it.
func (h *MoveHandler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	return services.NewCMoveErrorResponse(msg, proxyerrors.StatusOutOfResourcesUnspecified), nil, nil
}

// HandleDIMSEStreaming implements interfaces.StreamingServiceHandler.
func (h *MoveHandler) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	logger := h.cfg.logger()

	decision := access.Check(h.cfg.Mode(), access.VerbCMove, meta.CallingAETitle, meta.PeerAddress, msg.MoveDestination, h.cfg.Nodes)
	if !decision.Allowed {
		logger.Warn("c-move rejected by access control", "calling_ae", meta.CallingAETitle, "reason", decision.Reason)
		return responder.SendResponse(services.NewCMoveErrorResponse(msg, proxyerrors.StatusNotAuthorized), nil, "")
	}

	dest := h.cfg.Nodes.FindActiveByAETitle(msg.MoveDestination)
	if dest == nil {
		logger.Warn("c-move destination unknown", "destination_ae", msg.MoveDestination)
		return responder.SendResponse(services.NewCMoveErrorResponse(msg, proxyerrors.StatusMoveDestinationUnknown), nil, "")
	}

	query, err := parseOrUse(meta.Dataset, data, meta.TransferSyntaxUID)
	if err != nil {
		logger.Error("c-move failed to parse query dataset", "error", err)
		return responder.SendResponse(services.NewCMoveErrorResponse(msg, types.StatusFailure), nil, "")
	}

	studyUID := query.GetString(tagStudyInstanceUID)
	session, err := h.cfg.Sessions.FindSession(studyUID)
	if err != nil || session == nil {
		logger.Warn("c-move study not found", "study_uid", studyUID)
		return responder.SendResponse(services.NewCMoveErrorResponse(msg, proxyerrors.StatusIdentifierDoesNotMatch), nil, "")
	}

	gathered, err := gatherInstances(h.cfg, query, session)
	if err != nil {
		logger.Error("c-move failed to gather instances", "error", err)
		return responder.SendResponse(services.NewCMoveErrorResponse(msg, proxyerrors.StatusOutOfResourcesUnspecified), nil, "")
	}

	total := uint16(len(gathered))
	if err := responder.SendResponse(services.NewCMovePendingResponse(msg, 0, 0, 0, total), nil, ""); err != nil {
		return fmt.Errorf("sending c-move pending response: %w", err)
	}

	instances := make([]dispatch.Instance, 0, len(gathered))
	var resolveFailed uint16
	for _, g := range gathered {
		ds, err := dicom.ParseDatasetWithTransferSyntax(g.instance.Data, g.instance.TransferSyntaxUID)
		if err != nil {
			logger.Warn("c-move failed to parse staged instance", "sop_instance_uid", g.instance.SOPInstanceUID, "error", err)
			resolveFailed++
			continue
		}
		if err := h.cfg.Resolver.ResolveDataset(ds, session, g.scan); err != nil {
			logger.Warn("c-move failed to restore phi", "sop_instance_uid", g.instance.SOPInstanceUID, "error", err)
			resolveFailed++
			continue
		}
		encoded, err := dicom.EncodeDatasetWithTransferSyntax(ds, g.instance.TransferSyntaxUID)
		if err != nil {
			logger.Warn("c-move failed to re-encode instance", "sop_instance_uid", g.instance.SOPInstanceUID, "error", err)
			resolveFailed++
			continue
		}
		instances = append(instances, dispatch.Instance{
			SOPClassUID:    g.instance.SOPClassUID,
			SOPInstanceUID: g.instance.SOPInstanceUID,
			Data:           encoded,
		})
	}

	sent, dispatchFailed, err := h.cfg.Dispatcher.SendToNode(ctx, dest, instances)
	if err != nil {
		logger.Error("c-move dispatch to destination node failed", "destination_ae", msg.MoveDestination, "error", err)
	}

	completed := uint16(sent)
	failed := resolveFailed + uint16(dispatchFailed)

	finalStatus := uint16(types.StatusSuccess)
	switch {
	case failed > 0 && completed == 0:
		finalStatus = uint16(types.StatusFailure)
	case failed > 0:
		finalStatus = proxyerrors.StatusPartialFailure
	}
	zero := uint16(0)
	warning := uint16(0)
	final := services.NewResponseBuilder(msg).CMoveResponse(finalStatus, &completed, &failed, &warning, &zero)
	return responder.SendResponse(final, nil, "")
}
