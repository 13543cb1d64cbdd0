package phi

import (
	"log/slog"
	"strings"

	"github.com/imaging-tech-hub/dicom-proxy/dicom"
	"github.com/imaging-tech-hub/dicom-proxy/repo"
)

// Resolver implements spec §4.3's de-anonymization algorithm.
type Resolver struct {
	store  MappingStore
	logger *slog.Logger
}

// NewResolver builds a Resolver backed by store.
func NewResolver(store MappingStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, logger: logger}
}

// ResolveDataset implements PHIResolver.resolve_dataset: it looks up the
// owning PatientMapping by the dataset's current (anonymized) PatientName or
// PatientID, restores the original identifiers and patient-level PHI, and
// optionally restores study/series-level PHI from the owning Session/Scan.
// Tag restoration itself cannot fail; the only error returned is a failed
// PatientMapping lookup.
func (r *Resolver) ResolveDataset(ds *dicom.Dataset, session *repo.Session, scan *repo.Scan) error {
	anonName := ds.GetString(patientNameTag)
	anonID := ds.GetString(patientIDTag)

	mapping, err := r.lookupMapping(anonName, anonID)
	if err != nil {
		return err
	}

	ds.AddElement(patientNameTag, dicom.VR_PN, mapping.OriginalName)
	ds.AddElement(patientIDTag, dicom.VR_LO, mapping.OriginalID)

	restoreLevel(ds, patientLevelTags, mapping.PatientLevelPHI)
	if session != nil {
		restoreLevel(ds, studyLevelTags, session.StudyLevelPHI)
	}
	if scan != nil {
		restoreLevel(ds, seriesLevelTags, scan.SeriesLevelPHI)
	}

	return nil
}

// lookupMapping implements step 1: look up by anonymousName or anonymousID;
// if name contains '^' (DICOM person-name component separator), retry with
// the trailing '^' stripped, since a blank family-component name can end up
// with a dangling separator after the identifier was rewritten elsewhere.
func (r *Resolver) lookupMapping(anonName, anonID string) (*repo.PatientMapping, error) {
	if mapping, err := r.store.FindPatientMappingByAnonymous(anonName); err == nil {
		return mapping, nil
	}
	if mapping, err := r.store.FindPatientMappingByAnonymous(anonID); err == nil {
		return mapping, nil
	}
	if strings.Contains(anonName, "^") {
		trimmed := strings.TrimRight(anonName, "^")
		if mapping, err := r.store.FindPatientMappingByAnonymous(trimmed); err == nil {
			return mapping, nil
		}
	}
	return r.store.FindPatientMappingByOriginalID(anonID)
}

// ResolveToAnonymous implements resolve_to_anonymous: inverts an original
// patient ID to the matching anonymous identifier, for C-FIND filter
// rewriting against a staging store that only ever holds anonymized values.
// The lookup is by original ID only; an original patient name is not
// matched.
func (r *Resolver) ResolveToAnonymous(originalNameOrID string) (string, error) {
	mapping, err := r.store.FindPatientMappingByOriginalID(originalNameOrID)
	if err != nil {
		return "", err
	}
	return mapping.AnonymousID, nil
}

func restoreLevel(ds *dicom.Dataset, tags []tagName, phi map[string]string) {
	if phi == nil {
		return
	}
	for _, t := range tags {
		value, ok := phi[t.name]
		if !ok {
			continue
		}
		vr := dicom.VR_LO
		if element, exists := ds.GetElement(t.tag); exists {
			vr = element.VR
		}
		ds.AddElement(t.tag, vr, value)
	}
}
