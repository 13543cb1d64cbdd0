package phi

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imaging-tech-hub/dicom-proxy/dicom"
	"github.com/imaging-tech-hub/dicom-proxy/repo"
)

// fakeStore is an in-memory MappingStore for unit tests, avoiding a Badger
// dependency in package phi's own test suite.
type fakeStore struct {
	byOriginal map[string]*repo.PatientMapping
	byAnon     map[string]*repo.PatientMapping
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byOriginal: map[string]*repo.PatientMapping{},
		byAnon:     map[string]*repo.PatientMapping{},
	}
}

func (f *fakeStore) GetOrCreatePatientMapping(originalName, originalID string) (*repo.PatientMapping, error) {
	if existing, ok := f.byOriginal[originalID]; ok {
		return existing, nil
	}
	mapping := &repo.PatientMapping{
		OriginalName:    originalName,
		OriginalID:      originalID,
		AnonymousName:   "ANON-" + originalID,
		AnonymousID:     "ANON-" + originalID,
		PatientLevelPHI: map[string]string{},
	}
	f.byOriginal[originalID] = mapping
	f.byAnon[mapping.AnonymousID] = mapping
	return mapping, nil
}

func (f *fakeStore) MergePatientLevelPHI(originalID string, phi map[string]string) error {
	mapping := f.byOriginal[originalID]
	for k, v := range phi {
		if v == "" {
			continue
		}
		if existing, ok := mapping.PatientLevelPHI[k]; ok && existing != "" {
			continue
		}
		mapping.PatientLevelPHI[k] = v
	}
	return nil
}

func (f *fakeStore) FindPatientMappingByOriginalID(originalID string) (*repo.PatientMapping, error) {
	if mapping, ok := f.byOriginal[originalID]; ok {
		return mapping, nil
	}
	return nil, repo.ErrNotFound
}

func (f *fakeStore) FindPatientMappingByAnonymous(anonNameOrID string) (*repo.PatientMapping, error) {
	if mapping, ok := f.byAnon[anonNameOrID]; ok {
		return mapping, nil
	}
	return nil, repo.ErrNotFound
}

func sampleDataset() *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.AddElement(patientNameTag, dicom.VR_PN, "DOE^JANE")
	ds.AddElement(patientIDTag, dicom.VR_LO, "PAT123")
	ds.AddElement(dicom.Tag{Group: 0x0010, Element: 0x0040}, dicom.VR_CS, "F")
	ds.AddElement(dicom.Tag{Group: 0x0008, Element: 0x0020}, dicom.VR_DA, "20240102")
	ds.AddElement(dicom.Tag{Group: 0x0008, Element: 0x0090}, dicom.VR_PN, "SMITH^BOB")
	ds.AddElement(dicom.Tag{Group: 0x0008, Element: 0x0021}, dicom.VR_DA, "20240102")
	ds.AddElement(dicom.Tag{Group: 0x0020, Element: 0x0052}, dicom.VR_UI, "1.2.3.4")
	ds.AddElement(dicom.Tag{Group: 0x0009, Element: 0x0001}, dicom.VR_LO, "private-vendor-tag")
	return ds
}

func TestAnonymize_RewritesIdentifiersDeterministically(t *testing.T) {
	store := newFakeStore()
	a := NewAnonymizer(store, nil)

	ds := sampleDataset()
	result, err := a.Anonymize(ds)
	require.NoError(t, err)

	require.Equal(t, "ANON-PAT123", ds.GetString(patientNameTag))
	require.Equal(t, "ANON-PAT123", ds.GetString(patientIDTag))
	require.Equal(t, "ANON-PAT123", result.Mapping.AnonymousID)
	require.Equal(t, "PAT123", result.Mapping.OriginalID)
}

func TestAnonymize_BlanksDateAndSexAndRemovesPrivateAndFrameOfReference(t *testing.T) {
	store := newFakeStore()
	a := NewAnonymizer(store, nil)

	ds := sampleDataset()
	_, err := a.Anonymize(ds)
	require.NoError(t, err)

	require.Equal(t, "19700101", ds.GetString(dicom.Tag{Group: 0x0008, Element: 0x0020}))
	require.Equal(t, "", ds.GetString(dicom.Tag{Group: 0x0010, Element: 0x0040}))

	_, hasFrameRef := ds.GetElement(dicom.Tag{Group: 0x0020, Element: 0x0052})
	require.False(t, hasFrameRef)

	_, hasPrivate := ds.GetElement(dicom.Tag{Group: 0x0009, Element: 0x0001})
	require.False(t, hasPrivate)
}

func TestAnonymize_MergesPatientLevelPHIUpdateOnly(t *testing.T) {
	store := newFakeStore()
	a := NewAnonymizer(store, nil)

	ds1 := sampleDataset()
	_, err := a.Anonymize(ds1)
	require.NoError(t, err)

	mapping, err := store.FindPatientMappingByOriginalID("PAT123")
	require.NoError(t, err)
	require.Equal(t, "F", mapping.PatientLevelPHI["PatientSex"])

	// Second instance from the same patient with PatientSex absent should not
	// blank out the already-recorded value.
	ds2 := dicom.NewDataset()
	ds2.AddElement(patientNameTag, dicom.VR_PN, "DOE^JANE")
	ds2.AddElement(patientIDTag, dicom.VR_LO, "PAT123")
	_, err = a.Anonymize(ds2)
	require.NoError(t, err)

	mapping, err = store.FindPatientMappingByOriginalID("PAT123")
	require.NoError(t, err)
	require.Equal(t, "F", mapping.PatientLevelPHI["PatientSex"])
}

func TestAnonymize_MissingPatientIdentifiersUseUnknown(t *testing.T) {
	store := newFakeStore()
	a := NewAnonymizer(store, nil)

	ds := dicom.NewDataset()
	result, err := a.Anonymize(ds)
	require.NoError(t, err)
	require.Equal(t, "UNKNOWN", result.Mapping.OriginalID)
	require.Equal(t, "ANON-UNKNOWN", result.Mapping.AnonymousID)
}

func TestResolveDataset_RoundTripsOriginalIdentifiersAndPHI(t *testing.T) {
	store := newFakeStore()
	a := NewAnonymizer(store, nil)
	r := NewResolver(store, nil)

	ds := sampleDataset()
	result, err := a.Anonymize(ds)
	require.NoError(t, err)

	session := &repo.Session{StudyLevelPHI: result.StudyPHI}
	scan := &repo.Scan{SeriesLevelPHI: result.SeriesPHI}

	err = r.ResolveDataset(ds, session, scan)
	require.NoError(t, err)

	require.Equal(t, "DOE^JANE", ds.GetString(patientNameTag))
	require.Equal(t, "PAT123", ds.GetString(patientIDTag))
	require.Equal(t, "F", ds.GetString(dicom.Tag{Group: 0x0010, Element: 0x0040}))
	require.Equal(t, "20240102", ds.GetString(dicom.Tag{Group: 0x0008, Element: 0x0020}))
	require.Equal(t, "SMITH^BOB", ds.GetString(dicom.Tag{Group: 0x0008, Element: 0x0090}))
}

func TestResolveToAnonymous_InvertsMapping(t *testing.T) {
	store := newFakeStore()
	a := NewAnonymizer(store, nil)
	r := NewResolver(store, nil)

	ds := sampleDataset()
	_, err := a.Anonymize(ds)
	require.NoError(t, err)

	anon, err := r.ResolveToAnonymous("PAT123")
	require.NoError(t, err)
	require.Equal(t, "ANON-PAT123", anon)
}
