// Package backend implements the REST client the proxy uses to talk to its
// backend (spec §4.7): authenticated by X-Proxy-Key, typed operations for
// configuration, subject/session/scan listing and retrieval, and custom
// archive create/status/download/upload.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"time"

	proxyerrors "github.com/imaging-tech-hub/dicom-proxy/errors"
	"github.com/imaging-tech-hub/dicom-proxy/repo"
)

const (
	defaultTimeout    = 1200 * time.Second
	uploadTimeout     = 300 * time.Second
	downloadChunkSize = 8 * 1024 // 8 KiB, per spec §4.7
)

// ProgressFunc is invoked during a streamed download with bytes done so far
// and the total byte count (0 if unknown, e.g. chunked transfer-encoding).
type ProgressFunc func(bytesDone, bytesTotal int64)

// Client is the proxy's backend REST client.
type Client struct {
	baseURL    string
	proxyKey   string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client (e.g. in tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout overrides the default 1200s per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New builds a Client. baseURL is the backend's API root, e.g.
// "https://backend.example.com".
func New(baseURL, proxyKey string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:    baseURL,
		proxyKey:   proxyKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("backend: building request for %s: %w", path, err)
	}
	req.Header.Set("X-Proxy-Key", c.proxyKey)
	return req, nil
}

// do executes req and translates non-2xx statuses into *errors.BackendError,
// per spec §4.7's 401/403/404-are-non-retried contract.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		backendErr := proxyerrors.NewBackendError(req.Method+" "+req.URL.Path, 0, err.Error())
		backendErr.Retryable = true // transport failure, no HTTP status
		return nil, backendErr
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	msg := string(bodyBytes)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		msg = "invalid proxy key"
	case http.StatusForbidden:
		msg = "proxy inactive"
	case http.StatusNotFound:
		msg = "not found"
	}
	return nil, proxyerrors.NewBackendError(req.Method+" "+req.URL.Path, resp.StatusCode, msg)
}

// GetConfiguration implements GET /api/v1/proxy/configuration.
func (c *Client) GetConfiguration(ctx context.Context) (*ConfigurationResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/proxy/configuration", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out ConfigurationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("backend: decoding configuration response: %w", err)
	}
	return &out, nil
}

// ConfigurationResponse is the shape returned by GET .../configuration.
type ConfigurationResponse struct {
	IPAddress              string `json:"ip_address"`
	Port                   int    `json:"port"`
	AETitle                string `json:"ae_title"`
	Mode                   string `json:"mode"`
	EnablePHIAnonymization bool   `json:"enable_phi_anonymization"`
	AutoDispatch           bool   `json:"auto_dispatch"`
	CleanupAfterUpload     bool   `json:"cleanup_after_upload"`
}

// nodeResponse is the wire shape of one entry in GET .../nodes, decoded into
// a repo.NodeConfig by GetNodes.
type nodeResponse struct {
	NodeID                string `json:"node_id"`
	Name                  string `json:"name"`
	AETitle               string `json:"ae_title"`
	Host                  string `json:"host"`
	Port                  int    `json:"port"`
	IsActive              bool   `json:"is_active"`
	Permission            string `json:"permission"`
	ConnectionTimeoutSecs int    `json:"connection_timeout_seconds"`
	MaxPDUSize            uint32 `json:"max_pdu_size"`
	RetryCount            int    `json:"retry_count"`
	RetryDelaySecs        int    `json:"retry_delay_seconds"`
}

// GetNodes implements GET /api/v1/proxy/nodes, used on proxy.nodes_changed
// (and the general proxy.config_changed refetch) to repopulate the node
// registry. IsReachable is left false; the health worker establishes it.
func (c *Client) GetNodes(ctx context.Context) ([]*repo.NodeConfig, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/proxy/nodes", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire []nodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("backend: decoding nodes response: %w", err)
	}

	nodes := make([]*repo.NodeConfig, 0, len(wire))
	for _, n := range wire {
		nodes = append(nodes, &repo.NodeConfig{
			NodeID:            n.NodeID,
			Name:              n.Name,
			AETitle:           n.AETitle,
			Host:              n.Host,
			Port:              n.Port,
			IsActive:          n.IsActive,
			Permission:        repo.NodePermission(n.Permission),
			ConnectionTimeout: time.Duration(n.ConnectionTimeoutSecs) * time.Second,
			MaxPDUSize:        n.MaxPDUSize,
			RetryCount:        n.RetryCount,
			RetryDelay:        time.Duration(n.RetryDelaySecs) * time.Second,
		})
	}
	return nodes, nil
}

// ListFilter carries the common subject/session/scan list query filters.
type ListFilter struct {
	PatientID string
	StudyUID  string
	Limit     int
	Offset    int
}

func (f ListFilter) toQuery() url.Values {
	q := url.Values{}
	if f.PatientID != "" {
		q.Set("patient_id", f.PatientID)
	}
	if f.StudyUID != "" {
		q.Set("study_uid", f.StudyUID)
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", fmt.Sprintf("%d", f.Offset))
	}
	return q
}

// ListSubjects implements GET /api/v1/proxy/subjects.
func (c *Client) ListSubjects(ctx context.Context, filter ListFilter) ([]map[string]any, error) {
	return c.listJSON(ctx, "/api/v1/proxy/subjects", filter)
}

// ListSessions implements GET /api/v1/proxy/sessions.
func (c *Client) ListSessions(ctx context.Context, filter ListFilter) ([]map[string]any, error) {
	return c.listJSON(ctx, "/api/v1/proxy/sessions", filter)
}

// ListScans implements GET /api/v1/proxy/scans.
func (c *Client) ListScans(ctx context.Context, filter ListFilter) ([]map[string]any, error) {
	return c.listJSON(ctx, "/api/v1/proxy/scans", filter)
}

func (c *Client) listJSON(ctx context.Context, path string, filter ListFilter) ([]map[string]any, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, filter.toQuery(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("backend: decoding %s response: %w", path, err)
	}
	return out, nil
}

// Download streams the response body of a GET request at path to destPath
// in 8 KiB chunks, invoking progress after each chunk if non-nil.
func (c *Client) Download(ctx context.Context, path string, destPath string, progress ProgressFunc) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("backend: creating download destination %s: %w", destPath, err)
	}
	defer out.Close()

	total := resp.ContentLength
	var done int64
	buf := make([]byte, downloadChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("backend: writing downloaded chunk: %w", writeErr)
			}
			done += int64(n)
			if progress != nil {
				progress(done, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("backend: reading download stream: %w", readErr)
		}
	}
	return nil
}

// entityDownloadPath maps an event's entity_type (subject|session|scan) to
// its backend download endpoint, per spec §4.9 step 3.
func entityDownloadPath(entityType, entityID string) string {
	return fmt.Sprintf("/api/v1/proxy/%ss/%s/download", entityType, entityID)
}

// DownloadEntity streams the archived contents of a subject/session/scan
// entity to destPath, used by the dispatch event handlers (spec §4.9 step
// 3) before PHI resolution and SCU fan-out.
func (c *Client) DownloadEntity(ctx context.Context, entityType, entityID, destPath string, progress ProgressFunc) error {
	return c.Download(ctx, entityDownloadPath(entityType, entityID), destPath, progress)
}

// ArchiveMetadata is the metadata object sent with an archive upload, per
// spec §4.6 step 6.
type ArchiveMetadata struct {
	StudyUID      string `json:"study_uid"`
	StudyDate     string `json:"study_date"`
	SeriesCount   int    `json:"series_count"`
	InstanceCount int    `json:"instances_count"`
}

// UploadArchiveRequest carries every field POSTed to the archive endpoint.
type UploadArchiveRequest struct {
	ArchivePath       string
	Name              string // patientName, or "UNKNOWN"
	PatientID         string
	StudyDescription  string
	Metadata          ArchiveMetadata
	ConflictResolution string // "skip_existing"
}

// UploadArchiveResponse is the backend's acknowledgement of a successful
// upload.
type UploadArchiveResponse struct {
	APIResponseID string `json:"id"`
}

// UploadArchive POSTs the ZIP at req.ArchivePath as multipart form data to
// the backend archive endpoint, per spec §4.6 step 6. Timeout is 300s for
// this call specifically, distinct from the client's general default.
func (c *Client) UploadArchive(ctx context.Context, req UploadArchiveRequest) (*UploadArchiveResponse, error) {
	file, err := os.Open(req.ArchivePath)
	if err != nil {
		return nil, fmt.Errorf("backend: opening archive %s: %w", req.ArchivePath, err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("archive", req.ArchivePath)
	if err != nil {
		return nil, fmt.Errorf("backend: creating multipart file field: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("backend: copying archive into multipart body: %w", err)
	}

	name := req.Name
	if name == "" {
		name = "UNKNOWN"
	}
	_ = writer.WriteField("name", name)
	_ = writer.WriteField("patient_id", req.PatientID)
	_ = writer.WriteField("study_description", req.StudyDescription)
	_ = writer.WriteField("conflict_resolution", req.ConflictResolution)

	metadataJSON, err := json.Marshal(req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("backend: marshaling archive metadata: %w", err)
	}
	_ = writer.WriteField("metadata", string(metadataJSON))

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("backend: closing multipart writer: %w", err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/v1/proxy/archives", nil, &body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	client := c.httpClient
	originalTimeout := client.Timeout
	client.Timeout = uploadTimeout
	defer func() { client.Timeout = originalTimeout }()

	resp, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out UploadArchiveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("backend: decoding archive upload response: %w", err)
	}
	return &out, nil
}

// IsRetryable reports whether err (returned from any Client method) should
// be retried per spec §4.6/§4.7: network errors and 5xx, plus 408/429.
func IsRetryable(err error) bool {
	var backendErr *proxyerrors.BackendError
	if errors.As(err, &backendErr) {
		return backendErr.Retryable
	}
	return false
}
