package staging

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/imaging-tech-hub/dicom-proxy/repo"
)

// instanceIndex is the on-disk shape of a series' instances.xml file.
type instanceIndex struct {
	XMLName   xml.Name         `xml:"Instances"`
	Instances []indexedRecord  `xml:"Instance"`
}

type indexedRecord struct {
	SOPInstanceUID    string    `xml:"SOPInstanceUID"`
	SOPClassUID       string    `xml:"SOPClassUID"`
	InstanceNumber    string    `xml:"InstanceNumber"`
	FileName          string    `xml:"FileName"`
	FileSize          int64     `xml:"FileSize"`
	TransferSyntaxUID string    `xml:"TransferSyntaxUID"`
	CreatedAt         time.Time `xml:"CreatedAt"`
	UpdatedAt         time.Time `xml:"UpdatedAt"`
}

const instancesFileName = "instances.xml"

// readInstancesIndex reads a series directory's instances.xml, returning an
// empty index if the file does not yet exist.
func readInstancesIndex(seriesDir string) ([]repo.InstanceRecord, error) {
	path := filepath.Join(seriesDir, instancesFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("staging: reading %s: %w", path, err)
	}

	var idx instanceIndex
	if err := xml.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("staging: parsing %s: %w", path, err)
	}

	records := make([]repo.InstanceRecord, 0, len(idx.Instances))
	for _, r := range idx.Instances {
		records = append(records, repo.InstanceRecord{
			SOPInstanceUID:    r.SOPInstanceUID,
			SOPClassUID:       r.SOPClassUID,
			InstanceNumber:    r.InstanceNumber,
			FileName:          r.FileName,
			FileSize:          r.FileSize,
			TransferSyntaxUID: r.TransferSyntaxUID,
			CreatedAt:         r.CreatedAt,
			UpdatedAt:         r.UpdatedAt,
		})
	}
	return records, nil
}

// writeInstancesIndexAtomic rewrites a series directory's instances.xml via
// write-temp/fsync/rename, per spec §4.4, so a crash mid-write never leaves
// a half-written index behind.
func writeInstancesIndexAtomic(seriesDir string, records []repo.InstanceRecord) error {
	idx := instanceIndex{Instances: make([]indexedRecord, 0, len(records))}
	for _, r := range records {
		idx.Instances = append(idx.Instances, indexedRecord{
			SOPInstanceUID:    r.SOPInstanceUID,
			SOPClassUID:       r.SOPClassUID,
			InstanceNumber:    r.InstanceNumber,
			FileName:          r.FileName,
			FileSize:          r.FileSize,
			TransferSyntaxUID: r.TransferSyntaxUID,
			CreatedAt:         r.CreatedAt,
			UpdatedAt:         r.UpdatedAt,
		})
	}

	data, err := xml.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("staging: marshaling instances index: %w", err)
	}

	finalPath := filepath.Join(seriesDir, instancesFileName)
	tempFile, err := os.CreateTemp(seriesDir, ".instances-*.xml.tmp")
	if err != nil {
		return fmt.Errorf("staging: creating temp instances index: %w", err)
	}
	tempPath := tempFile.Name()
	defer os.Remove(tempPath)

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("staging: writing temp instances index: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("staging: syncing temp instances index: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("staging: closing temp instances index: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		return fmt.Errorf("staging: renaming temp instances index into place: %w", err)
	}
	return nil
}

// upsertInstanceRecord inserts or replaces (by SOPInstanceUID) one record in
// a series directory's index, then rewrites it atomically. It reports
// whether the SOPInstanceUID was new, since a duplicate silently overwrites
// the existing file/record and must NOT count as a new instance (spec
// §4.2).
func upsertInstanceRecord(seriesDir string, record repo.InstanceRecord) (isNew bool, err error) {
	records, err := readInstancesIndex(seriesDir)
	if err != nil {
		return false, err
	}

	now := record.UpdatedAt
	replaced := false
	for i, existing := range records {
		if existing.SOPInstanceUID == record.SOPInstanceUID {
			record.CreatedAt = existing.CreatedAt
			records[i] = record
			replaced = true
			break
		}
	}
	if !replaced {
		record.CreatedAt = now
		records = append(records, record)
	}

	if err := writeInstancesIndexAtomic(seriesDir, records); err != nil {
		return false, err
	}
	return !replaced, nil
}
