// Package repo holds the proxy's durable entity types and the repository
// interfaces that persist them, per the explicit-record-type-plus-thin-
// repository pattern used throughout this module instead of an ORM.
package repo

import "time"

// SessionStatus is the lifecycle state of a Session (study).
type SessionStatus string

const (
	SessionIncomplete SessionStatus = "incomplete"
	SessionComplete   SessionStatus = "complete"
	SessionUploaded   SessionStatus = "uploaded"
	SessionArchived   SessionStatus = "archived"
)

// UploadStatus is the lifecycle state of one UploadLog attempt.
type UploadStatus string

const (
	UploadPending    UploadStatus = "pending"
	UploadInProgress UploadStatus = "in_progress"
	UploadSuccess    UploadStatus = "success"
	UploadFailed     UploadStatus = "failed"
	UploadRetrying   UploadStatus = "retrying"
)

// NodePermission controls which DIMSE verbs a NodeConfig may invoke.
type NodePermission string

const (
	PermissionNone      NodePermission = "none"
	PermissionRead      NodePermission = "read"
	PermissionWrite     NodePermission = "write"
	PermissionReadWrite NodePermission = "read_write"
)

// ProxyMode selects whether unknown calling AEs are permitted.
type ProxyMode string

const (
	ModePublic  ProxyMode = "public"
	ModePrivate ProxyMode = "private"
)

// PatientMapping is one per (originalPatientName, originalPatientID) pair.
// See spec §3. anonymousName and anonymousID are both deterministically
// derived as "ANON-"+originalID (invariant I3).
type PatientMapping struct {
	OriginalName    string
	OriginalID      string
	AnonymousName   string
	AnonymousID     string
	PatientLevelPHI map[string]string
	CreatedAt       time.Time
}

// Session is one DICOM study, keyed by StudyInstanceUID.
type Session struct {
	StudyInstanceUID  string
	PatientName       string // anonymized value, per invariant I2
	PatientID         string // anonymized value, per invariant I2
	StudyDate         string
	StudyTime         string
	StudyDescription  string
	AccessionNumber   string
	Status            SessionStatus
	LastReceivedAt    time.Time
	CompletedAt       time.Time
	StoragePath       string
	StudyLevelPHI     map[string]string
}

// Scan is one DICOM series, keyed by SeriesInstanceUID, owned by a Session.
type Scan struct {
	SeriesInstanceUID string
	StudyInstanceUID  string // parent Session
	SeriesNumber      string
	Modality          string
	SeriesDescription string
	StoragePath       string
	InstancesCount    int
	SeriesLevelPHI    map[string]string
}

// InstanceRecord is one row of a Scan's on-disk instances.xml index.
type InstanceRecord struct {
	SOPInstanceUID    string
	SOPClassUID       string
	InstanceNumber    string
	FileName          string
	FileSize          int64
	TransferSyntaxUID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// UploadLog is one append-only attempt record for a Session's upload.
type UploadLog struct {
	StudyInstanceUID string
	AttemptNumber    int
	Status           UploadStatus
	APIResponseID    string
	UploadFileSize   int64
	ErrorMessage     string
	ErrorCode        string
	StartedAt        time.Time
	CompletedAt      time.Time
	DurationSeconds  float64
	ChunkIndex       int // reserved, optional per spec §9 open question
	TotalChunks      int // reserved, optional
	CreatedAt        time.Time
}

// NodeConfig is one configured PACS peer. Lives in memory only, refreshed
// from the backend — not persisted through the repo package.
type NodeConfig struct {
	NodeID            string
	Name              string
	AETitle           string
	Host              string
	Port              int
	IsActive          bool
	IsReachable       bool
	Permission        NodePermission
	ConnectionTimeout time.Duration
	MaxPDUSize        uint32
	RetryCount        int
	RetryDelay        time.Duration
}

// ProxyConfiguration is the singleton process configuration. Lives in
// memory only; see package config for the RCU snapshot that carries it.
type ProxyConfiguration struct {
	IPAddress               string
	ListenPort              int
	AETitle                 string
	ResolverAPIURL          string
	ProxyKey                string
	Mode                    ProxyMode
	EnablePHIAnonymization  bool
	AutoDispatch            bool
	CleanupAfterUpload      bool
	CreatedAt               time.Time
	UpdatedAt               time.Time
}
