// Package pipeline implements the completion pipeline (spec §4.6): it runs
// as a study-completion callback, archives a finalized study, uploads it to
// the backend with retry, and tracks the attempt via UploadLog.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/imaging-tech-hub/dicom-proxy/backend"
	"github.com/imaging-tech-hub/dicom-proxy/metrics"
	"github.com/imaging-tech-hub/dicom-proxy/repo"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 5 * time.Second
)

// SessionRepository is the subset of repo.Store the pipeline needs.
type SessionRepository interface {
	FindSession(studyUID string) (*repo.Session, error)
	UpsertSession(session *repo.Session) error
	ListScans(studyUID string) ([]*repo.Scan, error)
	NextUploadAttemptNumber(studyUID string) (int, error)
	AppendUploadLog(entry *repo.UploadLog) error
}

// BackendUploader is the subset of *backend.Client the pipeline needs.
type BackendUploader interface {
	UploadArchive(ctx context.Context, req backend.UploadArchiveRequest) (*backend.UploadArchiveResponse, error)
}

// Pipeline implements the completion callback registered with the study
// monitor.
type Pipeline struct {
	repository  SessionRepository
	backend     BackendUploader
	archiveRoot string
	logger      *slog.Logger

	maxRetries   int
	retryDelay   time.Duration
	autoDispatch func() bool // reads the live config snapshot's AutoDispatch flag
	cleanup      func() bool // reads the live config snapshot's CleanupAfterUpload flag

	mu               sync.Mutex
	completedStudies map[string]bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMaxRetries overrides the default 3 upload attempts.
func WithMaxRetries(n int) Option {
	return func(p *Pipeline) { p.maxRetries = n }
}

// WithRetryDelay overrides the default 5s delay between upload attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(p *Pipeline) { p.retryDelay = d }
}

// New builds a Pipeline. autoDispatch and cleanup are read live on every
// completion so a config refresh (spec §4.9) takes effect without
// restarting the pipeline.
func New(repository SessionRepository, backendClient BackendUploader, archiveRoot string, autoDispatch, cleanup func() bool, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		repository:       repository,
		backend:          backendClient,
		archiveRoot:      archiveRoot,
		logger:           logger,
		maxRetries:       defaultMaxRetries,
		retryDelay:       defaultRetryDelay,
		autoDispatch:     autoDispatch,
		cleanup:          cleanup,
		completedStudies: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnStudyCompleted is the monitor.CompletionCallback entry point.
func (p *Pipeline) OnStudyCompleted(studyUID string) {
	if !p.guard(studyUID) {
		return
	}
	defer p.unguard(studyUID)

	if err := p.process(studyUID); err != nil {
		p.logger.Error("completion pipeline failed", "study_uid", studyUID, "error", err)
	}
}

// guard implements step 1: a per-study mutex via a completedStudies set,
// suppressing the rare case where two monitors fire for the same UID.
func (p *Pipeline) guard(studyUID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.completedStudies[studyUID] {
		return false
	}
	p.completedStudies[studyUID] = true
	return true
}

func (p *Pipeline) unguard(studyUID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.completedStudies, studyUID)
}

func (p *Pipeline) process(studyUID string) error {
	session, err := p.repository.FindSession(studyUID)
	if err != nil {
		return fmt.Errorf("finding session %s: %w", studyUID, err)
	}

	session.Status = repo.SessionComplete
	session.CompletedAt = time.Now().UTC()
	if err := p.repository.UpsertSession(session); err != nil {
		return fmt.Errorf("marking session %s complete: %w", studyUID, err)
	}

	if !p.autoDispatch() {
		return nil
	}

	return p.archiveAndUpload(session)
}

func (p *Pipeline) archiveAndUpload(session *repo.Session) error {
	archiveName := fmt.Sprintf("%s_%s", session.PatientID, session.StudyInstanceUID)
	archivePath, err := BuildArchive(p.archiveRoot, archiveName, session.StoragePath)
	if err != nil {
		return fmt.Errorf("building archive: %w", err)
	}

	scans, err := p.repository.ListScans(session.StudyInstanceUID)
	if err != nil {
		return fmt.Errorf("listing scans: %w", err)
	}
	instanceCount := 0
	for _, s := range scans {
		instanceCount += s.InstancesCount
	}

	_, uploadErr := p.uploadWithRetry(session, archivePath, scans, instanceCount)

	if uploadErr != nil {
		// Keep the ZIP for manual retry, per spec §4.6 step 8.
		return fmt.Errorf("uploading archive: %w", uploadErr)
	}

	session.Status = repo.SessionUploaded
	if err := p.repository.UpsertSession(session); err != nil {
		p.logger.Error("failed marking session uploaded", "study_uid", session.StudyInstanceUID, "error", err)
	}

	if p.cleanup() {
		os.Remove(archivePath)
		os.RemoveAll(session.StoragePath)
	} else {
		os.Remove(archivePath)
	}

	return nil
}

// uploadWithRetry implements spec §4.6 step 6's retry policy: network
// errors or 5xx (plus 408/429) retry up to maxRetries with retryDelay
// between attempts; anything else fails immediately. Each attempt opens
// its own UploadLog row (step 5: attemptNumber = 1 initially, +1 per
// retry), so a backend that 500s three times in a row leaves three rows
// behind, the last one the only one marked failed.
func (p *Pipeline) uploadWithRetry(session *repo.Session, archivePath string, scans []*repo.Scan, instanceCount int) (*backend.UploadArchiveResponse, error) {
	policy := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(p.retryDelay),
		uint64(p.maxRetries-1),
	)

	var response *backend.UploadArchiveResponse
	tried := 0
	operation := func() error {
		tried++
		attempt, err := p.repository.NextUploadAttemptNumber(session.StudyInstanceUID)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("computing next upload attempt: %w", err))
		}

		started := time.Now().UTC()
		resp, uploadErr := p.backend.UploadArchive(context.Background(), backend.UploadArchiveRequest{
			ArchivePath:        archivePath,
			Name:               orUnknown(session.PatientName),
			PatientID:          session.PatientID,
			StudyDescription:   session.StudyDescription,
			ConflictResolution: "skip_existing",
			Metadata: backend.ArchiveMetadata{
				StudyUID:      session.StudyInstanceUID,
				StudyDate:     session.StudyDate,
				SeriesCount:   len(scans),
				InstanceCount: instanceCount,
			},
		})
		completed := time.Now().UTC()

		logEntry := &repo.UploadLog{
			StudyInstanceUID: session.StudyInstanceUID,
			AttemptNumber:    attempt,
			StartedAt:        started,
			CompletedAt:      completed,
			DurationSeconds:  completed.Sub(started).Seconds(),
			CreatedAt:        completed,
		}

		if uploadErr == nil {
			logEntry.Status = repo.UploadSuccess
			response = resp
			if resp != nil {
				logEntry.APIResponseID = resp.APIResponseID
			}
			if info, statErr := os.Stat(archivePath); statErr == nil {
				logEntry.UploadFileSize = info.Size()
			}
			if err := p.repository.AppendUploadLog(logEntry); err != nil {
				p.logger.Error("failed recording upload log", "study_uid", session.StudyInstanceUID, "error", err)
			}
			metrics.UploadAttemptsTotal.WithLabelValues(string(repo.UploadSuccess)).Inc()
			return nil
		}

		logEntry.ErrorMessage = uploadErr.Error()
		retryable := backend.IsRetryable(uploadErr)
		if retryable && tried < p.maxRetries {
			logEntry.Status = repo.UploadRetrying
		} else {
			logEntry.Status = repo.UploadFailed
		}
		if err := p.repository.AppendUploadLog(logEntry); err != nil {
			p.logger.Error("failed recording upload log", "study_uid", session.StudyInstanceUID, "error", err)
		}
		metrics.UploadAttemptsTotal.WithLabelValues(string(logEntry.Status)).Inc()

		if retryable {
			return uploadErr // retried by backoff
		}
		return backoff.Permanent(uploadErr)
	}

	err := backoff.Retry(operation, policy)
	return response, err
}

func orUnknown(s string) string {
	if s == "" {
		return "UNKNOWN"
	}
	return s
}
