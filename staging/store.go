package staging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/imaging-tech-hub/dicom-proxy/dicom"
	"github.com/imaging-tech-hub/dicom-proxy/repo"
)

var (
	tagStudyInstanceUID  = dicom.Tag{Group: 0x0020, Element: 0x000D}
	tagSeriesInstanceUID = dicom.Tag{Group: 0x0020, Element: 0x000E}
	tagSOPInstanceUID    = dicom.Tag{Group: 0x0008, Element: 0x0018}
	tagSOPClassUID       = dicom.Tag{Group: 0x0008, Element: 0x0016}
	tagPatientName       = dicom.Tag{Group: 0x0010, Element: 0x0010}
	tagPatientID         = dicom.Tag{Group: 0x0010, Element: 0x0020}
	tagModality          = dicom.Tag{Group: 0x0008, Element: 0x0060}
	tagSeriesNumber      = dicom.Tag{Group: 0x0020, Element: 0x0011}
	tagSeriesDescription = dicom.Tag{Group: 0x0008, Element: 0x103E}
	tagStudyDate         = dicom.Tag{Group: 0x0008, Element: 0x0020}
	tagStudyTime         = dicom.Tag{Group: 0x0008, Element: 0x0030}
	tagStudyDescription  = dicom.Tag{Group: 0x0008, Element: 0x1030}
	tagAccessionNumber   = dicom.Tag{Group: 0x0008, Element: 0x0050}
	tagInstanceNumber    = dicom.Tag{Group: 0x0020, Element: 0x0013}
)

// Repository is the subset of repo.Store the staging store needs.
type Repository interface {
	UpsertSession(session *repo.Session) error
	FindSession(studyUID string) (*repo.Session, error)
	UpsertScan(scan *repo.Scan) error
	FindScan(studyUID, seriesUID string) (*repo.Scan, error)
	ListScans(studyUID string) ([]*repo.Scan, error)
}

// Store implements spec §4.4: on-disk study/series layout plus the
// store_dicom_file entry point, serialized by a single process-wide mutex
// so directory/index/row updates stay consistent under concurrent C-STOREs.
type Store struct {
	storageRoot string
	repository  Repository
	logger      *slog.Logger
	mu          sync.Mutex
}

// NewStore builds a Store rooted at storageRoot.
func NewStore(storageRoot string, repository Repository, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{storageRoot: storageRoot, repository: repository, logger: logger}
}

// SeriesDir returns the sanitized on-disk directory for one series.
func (s *Store) SeriesDir(patientID, studyUID, seriesUID string) string {
	return filepath.Join(s.storageRoot, SanitizeUID(patientID), SanitizeUID(studyUID), SanitizeUID(seriesUID))
}

// StoreDicomFile implements store_dicom_file(dataset, filename, studyPhi,
// seriesPhi): writes the (already-anonymized) dataset to its sanitized path
// as a Part 10 file, rewrites the series' instances.xml index, and upserts
// the owning Session and Scan rows. Returns the resolved Session and Scan.
func (s *Store) StoreDicomFile(ds *dicom.Dataset, studyPHI, seriesPHI map[string]string) (*repo.Session, *repo.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	studyUID := ds.GetString(tagStudyInstanceUID)
	seriesUID := ds.GetString(tagSeriesInstanceUID)
	sopInstanceUID := ds.GetString(tagSOPInstanceUID)
	sopClassUID := ds.GetString(tagSOPClassUID)
	patientID := ds.GetString(tagPatientID)

	if studyUID == "" || seriesUID == "" || sopInstanceUID == "" {
		return nil, nil, fmt.Errorf("staging: dataset missing StudyInstanceUID/SeriesInstanceUID/SOPInstanceUID")
	}

	seriesDir := s.SeriesDir(patientID, studyUID, seriesUID)
	if err := os.MkdirAll(seriesDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("staging: creating series directory: %w", err)
	}

	transferSyntaxUID := dicom.TransferSyntaxExplicitVRLittleEndian
	datasetBytes, err := dicom.EncodeDatasetWithTransferSyntax(ds, transferSyntaxUID)
	if err != nil {
		return nil, nil, fmt.Errorf("staging: encoding dataset: %w", err)
	}
	fileBytes, err := dicom.WritePart10File(datasetBytes, transferSyntaxUID, sopClassUID, sopInstanceUID)
	if err != nil {
		return nil, nil, fmt.Errorf("staging: building part10 file: %w", err)
	}

	fileName := sopInstanceUID + ".dcm"
	filePath := filepath.Join(seriesDir, fileName)
	if err := writeFileAtomic(filePath, fileBytes); err != nil {
		return nil, nil, fmt.Errorf("staging: writing instance file: %w", err)
	}

	now := time.Now().UTC()
	isNewInstance, err := upsertInstanceRecord(seriesDir, repo.InstanceRecord{
		SOPInstanceUID:    sopInstanceUID,
		SOPClassUID:       sopClassUID,
		InstanceNumber:    ds.GetString(tagInstanceNumber),
		FileName:          fileName,
		FileSize:          int64(len(fileBytes)),
		TransferSyntaxUID: transferSyntaxUID,
		UpdatedAt:         now,
	})
	if err != nil {
		return nil, nil, err
	}

	session, err := s.upsertSessionFor(ds, studyUID, seriesDir, studyPHI, now)
	if err != nil {
		return nil, nil, err
	}
	scan, err := s.upsertScanFor(ds, studyUID, seriesUID, seriesDir, seriesPHI, isNewInstance)
	if err != nil {
		return nil, nil, err
	}

	s.logger.Debug("staged DICOM instance",
		"study_uid", studyUID, "series_uid", seriesUID, "sop_instance_uid", sopInstanceUID, "path", filePath)

	return session, scan, nil
}

func (s *Store) upsertSessionFor(ds *dicom.Dataset, studyUID, seriesDir string, studyPHI map[string]string, now time.Time) (*repo.Session, error) {
	session, err := s.repository.FindSession(studyUID)
	if err != nil {
		session = &repo.Session{
			StudyInstanceUID: studyUID,
			Status:           repo.SessionIncomplete,
			StoragePath:      filepath.Dir(seriesDir), // study-level directory
			StudyLevelPHI:    map[string]string{},
		}
	}

	session.PatientName = ds.GetString(tagPatientName)
	session.PatientID = ds.GetString(tagPatientID)
	session.StudyDate = ds.GetString(tagStudyDate)
	session.StudyTime = ds.GetString(tagStudyTime)
	session.StudyDescription = ds.GetString(tagStudyDescription)
	session.AccessionNumber = ds.GetString(tagAccessionNumber)
	session.LastReceivedAt = now
	if session.Status == "" {
		session.Status = repo.SessionIncomplete
	}
	if session.StudyLevelPHI == nil {
		session.StudyLevelPHI = map[string]string{}
	}
	mergePHI(session.StudyLevelPHI, studyPHI)

	if err := s.repository.UpsertSession(session); err != nil {
		return nil, fmt.Errorf("staging: upserting session %s: %w", studyUID, err)
	}
	return session, nil
}

func (s *Store) upsertScanFor(ds *dicom.Dataset, studyUID, seriesUID, seriesDir string, seriesPHI map[string]string, isNewInstance bool) (*repo.Scan, error) {
	scan, err := s.repository.FindScan(studyUID, seriesUID)
	if err != nil {
		scan = &repo.Scan{
			StudyInstanceUID:  studyUID,
			SeriesInstanceUID: seriesUID,
			StoragePath:       seriesDir,
			SeriesLevelPHI:    map[string]string{},
		}
	}

	scan.SeriesNumber = ds.GetString(tagSeriesNumber)
	scan.Modality = ds.GetString(tagModality)
	scan.SeriesDescription = ds.GetString(tagSeriesDescription)
	if isNewInstance {
		scan.InstancesCount++
	}
	if scan.SeriesLevelPHI == nil {
		scan.SeriesLevelPHI = map[string]string{}
	}
	mergePHI(scan.SeriesLevelPHI, seriesPHI)

	if err := s.repository.UpsertScan(scan); err != nil {
		return nil, fmt.Errorf("staging: upserting scan %s/%s: %w", studyUID, seriesUID, err)
	}
	return scan, nil
}

func mergePHI(dst, src map[string]string) {
	for k, v := range src {
		if v == "" {
			continue
		}
		if existing, ok := dst[k]; ok && existing != "" {
			continue
		}
		dst[k] = v
	}
}

// writeFileAtomic writes an instance file via temp-file + fsync + rename,
// matching the index file's write discipline.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tempFile, err := os.CreateTemp(dir, ".dcm-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := tempFile.Name()
	defer os.Remove(tempPath)

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file into place: %w", err)
	}
	return nil
}

// StudyStatistics is the supplemented get_study_statistics read method:
// total scans, instances, and on-disk byte size for a study, computed from
// the Scan rows and their series instances.xml indexes.
type StudyStatistics struct {
	StudyInstanceUID string
	ScanCount        int
	InstanceCount    int
	TotalBytes       int64
}

// DeleteStudyTree removes the on-disk directory tree for one study
// (studyPath is Session.StoragePath), used by the session.deleted event
// handler (spec §4.9) after the repository rows have been removed. Missing
// paths are not an error — deletion is idempotent.
func (s *Store) DeleteStudyTree(studyPath string) error {
	if err := os.RemoveAll(studyPath); err != nil {
		return fmt.Errorf("staging: removing study tree %s: %w", studyPath, err)
	}
	return nil
}

// StoredInstance is one retrievable Part 10 file, returned by
// ReadSeriesInstances for C-GET/C-MOVE sub-operation fan-out.
type StoredInstance struct {
	SOPInstanceUID    string
	SOPClassUID       string
	TransferSyntaxUID string
	Data              []byte
}

// ReadSeriesInstances reads back every instance file recorded in a series'
// index, in Part 10 form, for retrieval operations (C-GET, C-MOVE) to push
// as C-STORE sub-operations.
func (s *Store) ReadSeriesInstances(scan *repo.Scan) ([]StoredInstance, error) {
	records, err := readInstancesIndex(scan.StoragePath)
	if err != nil {
		return nil, err
	}

	instances := make([]StoredInstance, 0, len(records))
	for _, r := range records {
		fileBytes, err := os.ReadFile(filepath.Join(scan.StoragePath, r.FileName))
		if err != nil {
			return nil, fmt.Errorf("staging: reading instance file %s: %w", r.FileName, err)
		}
		datasetBytes, err := dicom.StripPart10Header(fileBytes)
		if err != nil {
			return nil, fmt.Errorf("staging: stripping part10 header from %s: %w", r.FileName, err)
		}
		instances = append(instances, StoredInstance{
			SOPInstanceUID:    r.SOPInstanceUID,
			SOPClassUID:       r.SOPClassUID,
			TransferSyntaxUID: r.TransferSyntaxUID,
			Data:              datasetBytes,
		})
	}
	return instances, nil
}

// GetStudyStatistics implements the supplemented feature.
func (s *Store) GetStudyStatistics(studyUID string) (*StudyStatistics, error) {
	scans, err := s.repository.ListScans(studyUID)
	if err != nil {
		return nil, fmt.Errorf("staging: listing scans for %s: %w", studyUID, err)
	}

	stats := &StudyStatistics{StudyInstanceUID: studyUID, ScanCount: len(scans)}
	for _, scan := range scans {
		records, err := readInstancesIndex(scan.StoragePath)
		if err != nil {
			return nil, err
		}
		stats.InstanceCount += len(records)
		for _, r := range records {
			stats.TotalBytes += r.FileSize
		}
	}
	return stats, nil
}
