package events

import (
	"context"
	"errors"

	"github.com/imaging-tech-hub/dicom-proxy/control"
	"github.com/imaging-tech-hub/dicom-proxy/repo"
)

// handleSessionDeleted implements session.deleted (spec §4.9): remove the
// Session row (which cascades to its Scans and, if it was the patient's
// last Session, the owning PatientMapping — see repo.Store.DeleteSession),
// then remove the on-disk study tree. A Session that no longer exists is
// not an error; deletion events are idempotent.
func (r *Registry) handleSessionDeleted(ctx context.Context, env control.Envelope) error {
	studyUID := env.EntityID
	session, err := r.deps.Sessions.FindSession(studyUID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return wrapf("looking up session for deletion", err)
	}

	if err := r.deps.Sessions.DeleteSession(studyUID); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return wrapf("deleting session", err)
	}
	if err := r.deps.StudyTree.DeleteStudyTree(session.StoragePath); err != nil {
		return wrapf("deleting session study tree", err)
	}
	return nil
}

// handleScanDeleted implements scan.deleted: the event names the owning
// study via entity_id and the series to remove via the series_number
// payload field.
func (r *Registry) handleScanDeleted(ctx context.Context, env control.Envelope) error {
	studyUID := env.EntityID
	seriesNumber := payloadString(env, "series_number")
	if seriesNumber == "" {
		return nil
	}

	scans, err := r.deps.Sessions.ListScans(studyUID)
	if err != nil {
		return wrapf("listing scans for deletion", err)
	}
	var target *repo.Scan
	for _, scan := range scans {
		if scan.SeriesNumber == seriesNumber {
			target = scan
			break
		}
	}

	if err := r.deps.Sessions.DeleteScanBySeriesNumber(studyUID, seriesNumber); err != nil {
		return wrapf("deleting scan", err)
	}
	if target != nil {
		if err := r.deps.StudyTree.DeleteStudyTree(target.StoragePath); err != nil {
			return wrapf("deleting scan series tree", err)
		}
	}
	return nil
}

// handleSubjectDeleted implements subject.deleted: entity_id carries the
// subject's original patient ID. Every Session owned by the mapped
// anonymized patient is removed along with its on-disk tree, then the
// PatientMapping itself.
func (r *Registry) handleSubjectDeleted(ctx context.Context, env control.Envelope) error {
	originalID := env.EntityID
	mapping, err := r.deps.Patients.FindPatientMappingByOriginalID(originalID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return wrapf("looking up patient mapping for deletion", err)
	}

	sessions, err := r.deps.Patients.ListSessionsByPatientID(mapping.AnonymousID)
	if err != nil {
		return wrapf("listing sessions for subject deletion", err)
	}
	for _, session := range sessions {
		if err := r.deps.Sessions.DeleteSession(session.StudyInstanceUID); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return wrapf("deleting session during subject deletion", err)
		}
		if err := r.deps.StudyTree.DeleteStudyTree(session.StoragePath); err != nil {
			return wrapf("deleting study tree during subject deletion", err)
		}
	}

	if err := r.deps.Patients.DeletePatientMapping(originalID); err != nil {
		return wrapf("deleting patient mapping", err)
	}
	return nil
}
