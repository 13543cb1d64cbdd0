package phi

import (
	"fmt"
	"log/slog"

	"github.com/imaging-tech-hub/dicom-proxy/dicom"
	"github.com/imaging-tech-hub/dicom-proxy/repo"
)

const unknownIdentifier = "UNKNOWN"

// MappingStore is the subset of repo.Store the anonymizer/resolver need,
// narrowed to an interface so phi can be tested against a fake.
type MappingStore interface {
	GetOrCreatePatientMapping(originalName, originalID string) (*repo.PatientMapping, error)
	MergePatientLevelPHI(originalID string, phi map[string]string) error
	FindPatientMappingByOriginalID(originalID string) (*repo.PatientMapping, error)
	FindPatientMappingByAnonymous(anonymousNameOrID string) (*repo.PatientMapping, error)
}

// Anonymizer implements spec §4.3's anonymization algorithm.
type Anonymizer struct {
	store  MappingStore
	logger *slog.Logger
}

// NewAnonymizer builds an Anonymizer backed by store.
func NewAnonymizer(store MappingStore, logger *slog.Logger) *Anonymizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Anonymizer{store: store, logger: logger}
}

// Result is everything Anonymize hands back to the caller so it can persist
// studyPhi into Session and seriesPhi into Scan.
type Result struct {
	Mapping    *repo.PatientMapping
	PatientPHI map[string]string
	StudyPHI   map[string]string
	SeriesPHI  map[string]string
}

// Anonymize mutates ds in place per spec §4.3 steps 1-5 and returns the
// extracted PHI plus the patient mapping used, per step 6.
func (a *Anonymizer) Anonymize(ds *dicom.Dataset) (*Result, error) {
	originalName := ds.GetString(patientNameTag)
	if originalName == "" {
		originalName = unknownIdentifier
	}
	originalID := ds.GetString(patientIDTag)
	if originalID == "" {
		originalID = unknownIdentifier
	}

	patientPHI := extractLevel(ds, patientLevelTags)
	studyPHI := extractLevel(ds, studyLevelTags)
	seriesPHI := extractLevel(ds, seriesLevelTags)

	mapping, err := a.store.GetOrCreatePatientMapping(originalName, originalID)
	if err != nil {
		return nil, fmt.Errorf("phi: get-or-create mapping for %s: %w", originalID, err)
	}

	if err := a.store.MergePatientLevelPHI(originalID, patientPHI); err != nil {
		a.logger.Warn("phi: failed merging patient-level PHI", "patient_id", originalID, "error", err)
	}

	ds.AddElement(patientNameTag, dicom.VR_PN, mapping.AnonymousName)
	ds.AddElement(patientIDTag, dicom.VR_LO, mapping.AnonymousID)

	for _, t := range patientLevelTags {
		blankOrRemove(ds, t)
	}
	for _, t := range studyLevelTags {
		blankOrRemove(ds, t)
	}
	for _, t := range seriesLevelTags {
		blankOrRemove(ds, t)
	}

	for _, tag := range removeTags {
		delete(ds.Elements, tag)
	}
	for tag := range ds.Elements {
		if isPrivateTag(tag) {
			delete(ds.Elements, tag)
		}
	}

	return &Result{
		Mapping:    mapping,
		PatientPHI: patientPHI,
		StudyPHI:   studyPHI,
		SeriesPHI:  seriesPHI,
	}, nil
}

func extractLevel(ds *dicom.Dataset, tags []tagName) map[string]string {
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		if v := ds.GetString(t.tag); v != "" {
			out[t.name] = v
		}
	}
	return out
}

func blankOrRemove(ds *dicom.Dataset, t tagName) {
	if _, exists := ds.GetElement(t.tag); !exists {
		return
	}
	element, _ := ds.GetElement(t.tag)
	ds.AddElement(t.tag, element.VR, blankValueFor(t.name))
}
