// Package config holds the proxy's singleton ProxyConfiguration behind an
// RCU-style snapshot: readers never block on a writer, and a config refresh
// (spec §4.9 config events) is a single atomic pointer swap.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/imaging-tech-hub/dicom-proxy/repo"
)

// Snapshot is an immutable view of the current ProxyConfiguration. Callers
// read fields directly; a config refresh replaces the whole Snapshot rather
// than mutating fields in place.
type Snapshot struct {
	repo.ProxyConfiguration
}

// Store holds the current Snapshot behind an atomic.Pointer, giving
// lock-free reads and a single atomic swap on update — the RCU pattern spec
// §4.9 requires for "a change to listen port or AE title MUST restart the
// DICOM server in place" without tearing reads in flight.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore builds a Store holding the given initial Snapshot.
func NewStore(initial *Snapshot) *Store {
	s := &Store{}
	s.current.Store(initial)
	return s
}

// Get returns the current Snapshot.
func (s *Store) Get() *Snapshot {
	return s.current.Load()
}

// Swap atomically replaces the current Snapshot, returning the previous one
// so callers can diff (e.g. to decide whether the DICOM server must
// restart).
func (s *Store) Swap(next *Snapshot) *Snapshot {
	return s.current.Swap(next)
}

var validate = validator.New()

// fileConfig is the local yaml.v3 fallback shape, used when no backend
// configuration has been fetched yet (first boot, before the control
// channel identity handshake completes).
type fileConfig struct {
	IPAddress              string `yaml:"ip_address" validate:"required,ip"`
	ListenPort             int    `yaml:"listen_port" validate:"required,min=1,max=65535"`
	AETitle                string `yaml:"ae_title" validate:"required,max=16"`
	ResolverAPIURL         string `yaml:"resolver_api_url" validate:"required,url"`
	ProxyKey               string `yaml:"proxy_key" validate:"required"`
	Mode                   string `yaml:"mode" validate:"required,oneof=public private"`
	EnablePHIAnonymization bool   `yaml:"enable_phi_anonymization"`
	AutoDispatch           bool   `yaml:"auto_dispatch"`
	CleanupAfterUpload     bool   `yaml:"cleanup_after_upload"`
}

// LoadFromFile reads and validates a YAML configuration file, used as a
// fallback before the control channel has delivered a config_update.
func LoadFromFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := validate.Struct(&fc); err != nil {
		return nil, fmt.Errorf("config: invalid configuration in %s: %w", path, err)
	}

	now := time.Now().UTC()
	return &Snapshot{ProxyConfiguration: repo.ProxyConfiguration{
		IPAddress:              fc.IPAddress,
		ListenPort:             fc.ListenPort,
		AETitle:                fc.AETitle,
		ResolverAPIURL:         fc.ResolverAPIURL,
		ProxyKey:               fc.ProxyKey,
		Mode:                   repo.ProxyMode(fc.Mode),
		EnablePHIAnonymization: fc.EnablePHIAnonymization,
		AutoDispatch:           fc.AutoDispatch,
		CleanupAfterUpload:     fc.CleanupAfterUpload,
		CreatedAt:              now,
		UpdatedAt:              now,
	}}, nil
}

// LoadFromEnvironment builds a Snapshot from environment variables, used by
// the cobra CLI entry point as the lowest-priority source (flags and the
// YAML file both take precedence when present).
func LoadFromEnvironment() (*Snapshot, error) {
	port, err := strconv.Atoi(envOrDefault("DICOM_PROXY_LISTEN_PORT", "11112"))
	if err != nil {
		return nil, fmt.Errorf("config: DICOM_PROXY_LISTEN_PORT: %w", err)
	}

	fc := fileConfig{
		IPAddress:              envOrDefault("DICOM_PROXY_IP_ADDRESS", "0.0.0.0"),
		ListenPort:             port,
		AETitle:                envOrDefault("DICOM_PROXY_AE_TITLE", "DICOM_PROXY"),
		ResolverAPIURL:         os.Getenv("DICOM_PROXY_RESOLVER_API_URL"),
		ProxyKey:               os.Getenv("DICOM_PROXY_KEY"),
		Mode:                   envOrDefault("DICOM_PROXY_MODE", "private"),
		EnablePHIAnonymization: envOrDefault("DICOM_PROXY_ENABLE_PHI", "true") == "true",
		AutoDispatch:           envOrDefault("DICOM_PROXY_AUTO_DISPATCH", "false") == "true",
		CleanupAfterUpload:     envOrDefault("DICOM_PROXY_CLEANUP_AFTER_UPLOAD", "false") == "true",
	}
	if err := validate.Struct(&fc); err != nil {
		return nil, fmt.Errorf("config: invalid environment configuration: %w", err)
	}

	now := time.Now().UTC()
	return &Snapshot{ProxyConfiguration: repo.ProxyConfiguration{
		IPAddress:              fc.IPAddress,
		ListenPort:             fc.ListenPort,
		AETitle:                fc.AETitle,
		ResolverAPIURL:         fc.ResolverAPIURL,
		ProxyKey:               fc.ProxyKey,
		Mode:                   repo.ProxyMode(fc.Mode),
		EnablePHIAnonymization: fc.EnablePHIAnonymization,
		AutoDispatch:           fc.AutoDispatch,
		CleanupAfterUpload:     fc.CleanupAfterUpload,
		CreatedAt:              now,
		UpdatedAt:              now,
	}}, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
