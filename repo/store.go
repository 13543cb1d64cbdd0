package repo

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned by repository lookups when the requested row
// does not exist. Deletion callers treat this as success (idempotence),
// per spec §4.9.
var ErrNotFound = errors.New("repo: not found")

// Store is the Badger-backed implementation of the repository interfaces
// for PatientMapping, Session, Scan, and UploadLog (spec §3). An embedded
// transactional KV store removes the need for the proxy to depend on an
// external database, while still giving the atomic get-or-create and
// strictly-ordered append semantics the spec requires.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open opens (creating if absent) a Badger database at dir.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("repo: opening badger store at %s: %w", dir, err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying Badger database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Key prefixes. Each entity lives under its own prefix; secondary indexes
// (anon-id -> original-id, patient -> sessions, session -> scans, session ->
// upload attempts) are plain key-prefix scans rather than a second table.
const (
	prefixPatientByOriginal = "patient:orig:"
	prefixPatientByAnon     = "patient:anon:"
	prefixSession           = "session:"
	prefixScan              = "scan:"        // scan:<studyUID>:<seriesUID>
	prefixUpload            = "upload:"      // upload:<studyUID>:<%08d attempt>
)

func patientOriginalKey(originalID string) []byte {
	return []byte(prefixPatientByOriginal + originalID)
}

func patientAnonKey(anonymousID string) []byte {
	return []byte(prefixPatientByAnon + anonymousID)
}

func sessionKey(studyUID string) []byte {
	return []byte(prefixSession + studyUID)
}

func scanKey(studyUID, seriesUID string) []byte {
	return []byte(prefixScan + studyUID + ":" + seriesUID)
}

func scanPrefix(studyUID string) []byte {
	return []byte(prefixScan + studyUID + ":")
}

func uploadKey(studyUID string, attempt int) []byte {
	return []byte(fmt.Sprintf("%s%s:%08d", prefixUpload, studyUID, attempt))
}

func uploadPrefix(studyUID string) []byte {
	return []byte(prefixUpload + studyUID + ":")
}

// GetOrCreatePatientMapping implements spec §4.3 step 3: deterministic
// anonymousID = "ANON-"+originalID, atomic under concurrent C-STOREs for the
// same patient via a single Badger transaction keyed by originalID. Badger
// serializes conflicting writes to the same key and retries on conflict, so
// the "recover by re-reading on unique-violation race" fallback the spec
// describes falls out of the transaction's own conflict-retry loop.
func (s *Store) GetOrCreatePatientMapping(originalName, originalID string) (*PatientMapping, error) {
	var mapping *PatientMapping

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(patientOriginalKey(originalID))
		if err == nil {
			mapping = &PatientMapping{}
			return item.Value(func(val []byte) error {
				return json.Unmarshal(val, mapping)
			})
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		mapping = &PatientMapping{
			OriginalName:    originalName,
			OriginalID:      originalID,
			AnonymousName:   "ANON-" + originalID,
			AnonymousID:     "ANON-" + originalID,
			PatientLevelPHI: map[string]string{},
			CreatedAt:       time.Now().UTC(),
		}
		data, err := json.Marshal(mapping)
		if err != nil {
			return err
		}
		if err := txn.Set(patientOriginalKey(originalID), data); err != nil {
			return err
		}
		return txn.Set(patientAnonKey(mapping.AnonymousID), []byte(originalID))
	})
	if err != nil {
		return nil, fmt.Errorf("repo: get-or-create patient mapping for %s: %w", originalID, err)
	}
	return mapping, nil
}

// MergePatientLevelPHI extends PatientMapping.patientLevelPhi, update-only:
// existing non-empty values are never overwritten with an empty one,
// per spec §4.3 step 4.
func (s *Store) MergePatientLevelPHI(originalID string, phi map[string]string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(patientOriginalKey(originalID))
		if err != nil {
			return fmt.Errorf("repo: merge phi: patient %s: %w", originalID, translateNotFound(err))
		}
		mapping := &PatientMapping{}
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, mapping) }); err != nil {
			return err
		}
		if mapping.PatientLevelPHI == nil {
			mapping.PatientLevelPHI = map[string]string{}
		}
		for k, v := range phi {
			if v == "" {
				continue
			}
			if existing, ok := mapping.PatientLevelPHI[k]; ok && existing != "" {
				continue
			}
			mapping.PatientLevelPHI[k] = v
		}
		data, err := json.Marshal(mapping)
		if err != nil {
			return err
		}
		return txn.Set(patientOriginalKey(originalID), data)
	})
}

// FindPatientMappingByOriginalID looks up a PatientMapping by its original
// patient ID.
func (s *Store) FindPatientMappingByOriginalID(originalID string) (*PatientMapping, error) {
	mapping := &PatientMapping{}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(patientOriginalKey(originalID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, mapping) })
	})
	if err != nil {
		return nil, translateNotFound(err)
	}
	return mapping, nil
}

// FindPatientMappingByAnonymous looks up a PatientMapping by either its
// anonymousName or anonymousID, per PHIResolver.resolve_dataset step 1.
func (s *Store) FindPatientMappingByAnonymous(anonymousNameOrID string) (*PatientMapping, error) {
	var originalID string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(patientAnonKey(anonymousNameOrID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			originalID = string(val)
			return nil
		})
	})
	if err != nil {
		return nil, translateNotFound(err)
	}
	return s.FindPatientMappingByOriginalID(originalID)
}

// DeletePatientMapping removes a PatientMapping and both its indexes. Per
// spec §3, cascading into owned Sessions is the caller's responsibility
// (DeleteSession already handles deleting an orphaned PatientMapping).
func (s *Store) DeletePatientMapping(originalID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(patientOriginalKey(originalID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil // idempotent
		}
		if err != nil {
			return err
		}
		mapping := &PatientMapping{}
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, mapping) }); err != nil {
			return err
		}
		if err := txn.Delete(patientAnonKey(mapping.AnonymousID)); err != nil {
			return err
		}
		return txn.Delete(patientOriginalKey(originalID))
	})
}

// UpsertSession creates or updates a Session row.
func (s *Store) UpsertSession(session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(session.StudyInstanceUID), data)
	})
}

// FindSession looks up a Session by StudyInstanceUID.
func (s *Store) FindSession(studyUID string) (*Session, error) {
	session := &Session{}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(studyUID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, session) })
	})
	if err != nil {
		return nil, translateNotFound(err)
	}
	return session, nil
}

// ListSessionsByPatientID returns every Session whose anonymized PatientID
// matches patientID, used by the subject.deleted cascade (spec §4.9) and by
// session.deleted's orphaned-PatientMapping check. Sessions have no
// secondary index by patient, so this scans the whole session prefix; the
// proxy's session count is small enough (bounded by active studies) that a
// dedicated index isn't worth the extra write-path complexity.
func (s *Store) ListSessionsByPatientID(patientID string) ([]*Session, error) {
	var sessions []*Session
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(prefixSession)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			session := &Session{}
			err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, session) })
			if err != nil {
				return err
			}
			if session.PatientID == patientID {
				sessions = append(sessions, session)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// DeleteSession removes a Session and every Scan beneath it. If the owning
// patient (by anonymized PatientID) has no remaining Sessions, the
// PatientMapping is deleted too, per spec §3's cascade rule. On-disk
// cleanup is the caller's responsibility (package staging).
func (s *Store) DeleteSession(studyUID string) error {
	session, err := s.FindSession(studyUID)
	if err != nil {
		return err
	}

	scans, err := s.ListScans(studyUID)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, scan := range scans {
			if err := txn.Delete(scanKey(studyUID, scan.SeriesInstanceUID)); err != nil {
				return err
			}
		}
		return txn.Delete(sessionKey(studyUID))
	})
	if err != nil {
		return err
	}

	if session.PatientID == "" {
		return nil
	}
	remaining, err := s.ListSessionsByPatientID(session.PatientID)
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		return s.DeletePatientMapping(session.PatientID)
	}
	return nil
}

// DeleteScanBySeriesNumber removes a single Scan by seriesNumber within a Session, per
// spec §4.9 scan.deleted handling.
func (s *Store) DeleteScanBySeriesNumber(studyUID, seriesNumber string) error {
	scans, err := s.ListScans(studyUID)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, scan := range scans {
			if scan.SeriesNumber == seriesNumber {
				return txn.Delete(scanKey(studyUID, scan.SeriesInstanceUID))
			}
		}
		return nil // idempotent: no matching scan is not an error
	})
}

// UpsertScan creates or updates a Scan row.
func (s *Store) UpsertScan(scan *Scan) error {
	data, err := json.Marshal(scan)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(scanKey(scan.StudyInstanceUID, scan.SeriesInstanceUID), data)
	})
}

// FindScan looks up a single Scan.
func (s *Store) FindScan(studyUID, seriesUID string) (*Scan, error) {
	scan := &Scan{}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(scanKey(studyUID, seriesUID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, scan) })
	})
	if err != nil {
		return nil, translateNotFound(err)
	}
	return scan, nil
}

// ListScans returns every Scan belonging to a Session.
func (s *Store) ListScans(studyUID string) ([]*Scan, error) {
	var scans []*Scan
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := scanPrefix(studyUID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			scan := &Scan{}
			err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, scan) })
			if err != nil {
				return err
			}
			scans = append(scans, scan)
		}
		return nil
	})
	return scans, err
}

// AppendUploadLog writes a new, strictly-ordered UploadLog attempt. Attempt
// numbers are zero-padded in the key so iteration order matches attempt
// order, satisfying the "strictly totally ordered by attemptNumber"
// requirement in spec §5.
func (s *Store) AppendUploadLog(entry *UploadLog) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(uploadKey(entry.StudyInstanceUID, entry.AttemptNumber), data)
	})
}

// ListUploadLogs returns every UploadLog attempt for a Session, in
// attemptNumber order.
func (s *Store) ListUploadLogs(studyUID string) ([]*UploadLog, error) {
	var logs []*UploadLog
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := uploadPrefix(studyUID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			entry := &UploadLog{}
			err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, entry) })
			if err != nil {
				return err
			}
			logs = append(logs, entry)
		}
		return nil
	})
	return logs, err
}

// NextUploadAttemptNumber returns 1 + the highest existing attemptNumber for
// a Session (0 if none exist yet).
func (s *Store) NextUploadAttemptNumber(studyUID string) (int, error) {
	logs, err := s.ListUploadLogs(studyUID)
	if err != nil {
		return 0, err
	}
	if len(logs) == 0 {
		return 1, nil
	}
	return logs[len(logs)-1].AttemptNumber + 1, nil
}

func translateNotFound(err error) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}
