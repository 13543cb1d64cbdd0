package staging

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imaging-tech-hub/dicom-proxy/dicom"
	"github.com/imaging-tech-hub/dicom-proxy/repo"
)

type fakeRepo struct {
	sessions map[string]*repo.Session
	scans    map[string]*repo.Scan
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{sessions: map[string]*repo.Session{}, scans: map[string]*repo.Scan{}}
}

func (f *fakeRepo) UpsertSession(session *repo.Session) error {
	f.sessions[session.StudyInstanceUID] = session
	return nil
}

func (f *fakeRepo) FindSession(studyUID string) (*repo.Session, error) {
	if s, ok := f.sessions[studyUID]; ok {
		return s, nil
	}
	return nil, repo.ErrNotFound
}

func (f *fakeRepo) UpsertScan(scan *repo.Scan) error {
	f.scans[scan.StudyInstanceUID+":"+scan.SeriesInstanceUID] = scan
	return nil
}

func (f *fakeRepo) FindScan(studyUID, seriesUID string) (*repo.Scan, error) {
	if s, ok := f.scans[studyUID+":"+seriesUID]; ok {
		return s, nil
	}
	return nil, repo.ErrNotFound
}

func (f *fakeRepo) ListScans(studyUID string) ([]*repo.Scan, error) {
	var out []*repo.Scan
	for _, s := range f.scans {
		if s.StudyInstanceUID == studyUID {
			out = append(out, s)
		}
	}
	return out, nil
}

func buildInstanceDataset() *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.AddElement(tagStudyInstanceUID, dicom.VR_UI, "1.2.3.study")
	ds.AddElement(tagSeriesInstanceUID, dicom.VR_UI, "1.2.3.series")
	ds.AddElement(tagSOPInstanceUID, dicom.VR_UI, "1.2.3.instance")
	ds.AddElement(tagSOPClassUID, dicom.VR_UI, "1.2.840.10008.5.1.4.1.1.2")
	ds.AddElement(tagPatientID, dicom.VR_LO, "ANON-001")
	ds.AddElement(tagPatientName, dicom.VR_PN, "ANON-001")
	ds.AddElement(tagModality, dicom.VR_CS, "CT")
	ds.AddElement(tagSeriesNumber, dicom.VR_IS, "1")
	return ds
}

func TestStoreDicomFile_WritesFileAndUpsertsSessionAndScan(t *testing.T) {
	root := t.TempDir()
	repository := newFakeRepo()
	store := NewStore(root, repository, nil)

	ds := buildInstanceDataset()
	session, scan, err := store.StoreDicomFile(ds, map[string]string{"StudyID": "S1"}, map[string]string{"DeviceSerialNumber": "SN1"})
	require.NoError(t, err)
	require.Equal(t, "1.2.3.study", session.StudyInstanceUID)
	require.Equal(t, repo.SessionIncomplete, session.Status)
	require.Equal(t, "S1", session.StudyLevelPHI["StudyID"])
	require.Equal(t, "1.2.3.series", scan.SeriesInstanceUID)
	require.Equal(t, "SN1", scan.SeriesLevelPHI["DeviceSerialNumber"])
	require.Equal(t, 1, scan.InstancesCount)

	stats, err := store.GetStudyStatistics("1.2.3.study")
	require.NoError(t, err)
	require.Equal(t, 1, stats.ScanCount)
	require.Equal(t, 1, stats.InstanceCount)
	require.Greater(t, stats.TotalBytes, int64(0))
}

func TestStoreDicomFile_SecondInstanceIncrementsCount(t *testing.T) {
	root := t.TempDir()
	repository := newFakeRepo()
	store := NewStore(root, repository, nil)

	ds1 := buildInstanceDataset()
	_, _, err := store.StoreDicomFile(ds1, nil, nil)
	require.NoError(t, err)

	ds2 := buildInstanceDataset()
	ds2.AddElement(tagSOPInstanceUID, dicom.VR_UI, "1.2.3.instance.2")
	_, scan, err := store.StoreDicomFile(ds2, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 2, scan.InstancesCount)
}

func TestStoreDicomFile_DuplicateSOPInstanceUIDDoesNotIncrementCount(t *testing.T) {
	root := t.TempDir()
	repository := newFakeRepo()
	store := NewStore(root, repository, nil)

	ds1 := buildInstanceDataset()
	_, scan1, err := store.StoreDicomFile(ds1, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, scan1.InstancesCount)

	ds2 := buildInstanceDataset() // same SOPInstanceUID as ds1
	_, scan2, err := store.StoreDicomFile(ds2, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, scan2.InstancesCount)
}

func TestStoreDicomFile_MissingUIDsIsError(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, newFakeRepo(), nil)

	_, _, err := store.StoreDicomFile(dicom.NewDataset(), nil, nil)
	require.Error(t, err)
}
